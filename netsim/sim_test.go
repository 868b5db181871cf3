package netsim

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPrefix = netip.MustParsePrefix("10.1.1.0/24")

func hostAddr(idx int) netip.Addr {
	addr := testPrefix.Addr()
	for i := 0; i <= idx; i++ {
		addr = addr.Next()
	}
	return addr
}

// buildLine creates count nodes spaced along the x axis, ready for applications
func buildLine(t *testing.T, count int, spacing float64, media, routing string, params ...Attribute) *Sim {
	t.Helper()
	sim := New(t.Name())
	_, err := sim.CreateNodes(count)
	require.NoError(t, err)
	for idx := 0; idx < count; idx++ {
		require.NoError(t, sim.SetPosition(idx, float64(idx)*spacing, 0, 0))
	}
	require.NoError(t, sim.InstallDevices(media, params))
	addrs := make([]netip.Addr, count)
	for idx := range addrs {
		addrs[idx] = hostAddr(idx)
	}
	require.NoError(t, sim.AssignAddresses(testPrefix, addrs))
	require.NoError(t, sim.InstallRouting(routing))
	require.NoError(t, sim.EnableFlowMonitor())
	return sim
}

func installUDP(t *testing.T, sim *Sim, src, dst int, start, stop float64, attrs map[string]string) int {
	t.Helper()
	sink, err := sim.InstallApp("UdpServer", dst, map[string]string{"Port": "4000"})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(sink, start, stop))

	attrs["Remote"] = hostAddr(dst).String() + ":4000"
	client, err := sim.InstallApp("UdpClient", src, attrs)
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(client, start, stop))
	return client
}

func TestTwoNodeUdpFlow(t *testing.T) {
	sim := buildLine(t, 2, 0, "wifi", "olsr")
	client := installUDP(t, sim, 0, 1, 1.0, 3.0, map[string]string{"Interval": "0.3", "PacketSize": "1000"})
	require.NoError(t, sim.Run(5.0))

	tuple, err := sim.AppTuple(client)
	require.NoError(t, err)
	flowID, found := sim.FindFlow(tuple)
	require.True(t, found)
	assert.Equal(t, 1, flowID)

	fs := sim.FlowStats()[flowID]
	assert.Equal(t, uint64(7), fs.TxPackets)
	assert.Equal(t, uint64(7), fs.RxPackets)
	assert.Equal(t, uint64(7*(1000+udpHdrLen+ipHdrLen)), fs.TxBytes)
	assert.Zero(t, fs.LostPackets)
	assert.Zero(t, fs.TimesForwarded)
	assert.GreaterOrEqual(t, fs.TimeFirstTxPacket, 1.0)
	assert.Less(t, fs.TimeLastTxPacket, 3.0)
	assert.Greater(t, fs.DelaySum, 0.0)

	stats, err := sim.AppStats(client)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), stats.TxPackets)

	back, found := sim.Monitor().FindTuple(flowID)
	require.True(t, found)
	assert.Equal(t, tuple, back)
	_, found = sim.Monitor().FindTuple(flowID + 1)
	assert.False(t, found)
}

func TestStaticRoutingNeedsDirectNeighbour(t *testing.T) {
	rangeAttrb := WildcardAttribute("Channel", "range", "100")

	static := buildLine(t, 3, 60, "wifi", "static", rangeAttrb)
	assert.Equal(t, []int{1}, static.Neighbours(0))
	client := installUDP(t, static, 0, 2, 1.0, 2.0, map[string]string{"Interval": "0.1"})
	require.NoError(t, static.Run(3.0))
	tuple, err := static.AppTuple(client)
	require.NoError(t, err)
	_, found := static.FindFlow(tuple)
	assert.False(t, found, "a packet without a route never reaches the monitor")

	olsr := buildLine(t, 3, 60, "wifi", "olsr", rangeAttrb)
	client = installUDP(t, olsr, 0, 2, 1.0, 2.0, map[string]string{"Interval": "0.1"})
	require.NoError(t, olsr.Run(3.0))
	tuple, err = olsr.AppTuple(client)
	require.NoError(t, err)
	flowID, found := olsr.FindFlow(tuple)
	require.True(t, found)
	fs := olsr.FlowStats()[flowID]
	assert.Equal(t, fs.TxPackets, fs.RxPackets)
	assert.Equal(t, fs.RxPackets, fs.TimesForwarded)
}

func TestPingAnsweredByDestination(t *testing.T) {
	sim := buildLine(t, 4, 1, "wifi", "olsr")
	ping, err := sim.InstallApp("Ping", 0, map[string]string{"Remote": hostAddr(3).String()})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(ping, 0.5, 3.2))
	require.NoError(t, sim.Run(4.0))

	stats, err := sim.AppStats(ping)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.TxPackets)
	assert.Equal(t, uint64(3), stats.RxPackets)
	require.Len(t, stats.RTTs, 3)
	for _, rtt := range stats.RTTs {
		assert.Greater(t, rtt, 0.0)
	}

	// the request and reply directions are separate flows
	assert.Len(t, sim.FlowStats(), 2)
	fs := sim.FlowStats()[1]
	assert.Equal(t, uint64(3*(56+icmpHdrLen+ipHdrLen)), fs.TxBytes)
}

func TestPointToPointChainLatency(t *testing.T) {
	sim := buildLine(t, 3, 10, "p2p", "olsr")
	client := installUDP(t, sim, 0, 2, 1.0, 1.5, map[string]string{"Interval": "0.2", "PacketSize": "500"})
	require.NoError(t, sim.Run(2.0))

	tuple, err := sim.AppTuple(client)
	require.NoError(t, err)
	flowID, found := sim.FindFlow(tuple)
	require.True(t, found)
	fs := sim.FlowStats()[flowID]
	require.Equal(t, uint64(3), fs.RxPackets)
	meanDelay := fs.DelaySum / float64(fs.RxPackets)
	// two links of 2 ms each plus serialization at 5 Mbps
	assert.Greater(t, meanDelay, 2*DefaultP2PLatency)
	assert.Less(t, meanDelay, 2*DefaultP2PLatency+0.01)
	assert.Equal(t, uint64(3), fs.TimesForwarded)
}

func TestBulkSendStopsAtMaxBytes(t *testing.T) {
	sim := buildLine(t, 2, 1, "wifi", "olsr")
	sink, err := sim.InstallApp("PacketSink", 1, map[string]string{"Local": "9", "Protocol": "tcp"})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(sink, 0.5, 5))
	bulk, err := sim.InstallApp("BulkSend", 0, map[string]string{"Remote": hostAddr(1).String() + ":9", "MaxBytes": "100000"})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(bulk, 1, 4))
	require.NoError(t, sim.Run(5))

	src, err := sim.AppStats(bulk)
	require.NoError(t, err)
	assert.Equal(t, uint64(100000), src.TxBytes)
	dst, err := sim.AppStats(sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(100000), dst.RxBytes)
}

func TestBulkSendSaturatesChannel(t *testing.T) {
	sim := buildLine(t, 2, 1, "wifi", "olsr")
	bulk, err := sim.InstallApp("BulkSend", 0, map[string]string{"Remote": hostAddr(1).String() + ":9"})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(bulk, 1, 2))
	require.NoError(t, sim.Run(3))

	stats, err := sim.AppStats(bulk)
	require.NoError(t, err)
	mbps := float64(stats.TxBytes*8) / 1e+6
	assert.Greater(t, mbps, 1.0)
	assert.Less(t, mbps, DefaultWifiBandwidth)
}

func TestBulkSendRecoversFromQueueDrops(t *testing.T) {
	sim := buildLine(t, 2, 1, "wifi", "olsr", WildcardAttribute("Interface", "buffer", "1"))
	udpSink, err := sim.InstallApp("UdpServer", 1, map[string]string{"Port": "4000"})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(udpSink, 1, 4))
	onoff, err := sim.InstallApp("OnOff", 0, map[string]string{
		"Remote":   hostAddr(1).String() + ":4000",
		"DataRate": "200Mbps",
	})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(onoff, 1, 4))

	tcpSink, err := sim.InstallApp("PacketSink", 1, map[string]string{"Local": "9", "Protocol": "tcp"})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(tcpSink, 1, 4))
	bulk, err := sim.InstallApp("BulkSend", 0, map[string]string{"Remote": hostAddr(1).String() + ":9"})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(bulk, 1, 4))
	require.NoError(t, sim.Run(5))

	tuple, err := sim.AppTuple(bulk)
	require.NoError(t, err)
	flowID, found := sim.FindFlow(tuple)
	require.True(t, found)
	fs := sim.FlowStats()[flowID]
	// the source keeps offering segments after losing some at the full queue
	assert.Greater(t, fs.TxPackets, uint64(10))
	assert.Greater(t, fs.TimeLastTxPacket, 3.5)
	assert.Positive(t, fs.PacketsDropped[DropQueue])
}

func TestLossyChannelDropsPackets(t *testing.T) {
	sim := buildLine(t, 2, 1, "wifi", "olsr", WildcardAttribute("Channel", "loss", "1"))
	client := installUDP(t, sim, 0, 1, 1.0, 2.0, map[string]string{"Interval": "0.1"})
	require.NoError(t, sim.Run(3))
	tuple, err := sim.AppTuple(client)
	require.NoError(t, err)
	flowID, found := sim.FindFlow(tuple)
	require.True(t, found)
	fs := sim.FlowStats()[flowID]
	assert.Zero(t, fs.RxPackets)
	assert.Equal(t, fs.TxPackets, fs.LostPackets)
	assert.Equal(t, fs.TxPackets, fs.PacketsDropped[DropChannel])
}

func TestLifecycleErrors(t *testing.T) {
	sim := New("lifecycle")
	_, err := sim.CreateNodes(0)
	assert.Error(t, err)
	assert.Error(t, sim.InstallDevices("wifi", nil), "devices before nodes")

	_, err = sim.CreateNodes(2)
	require.NoError(t, err)
	assert.Error(t, sim.InstallDevices("carrier-pigeon", nil))
	assert.Error(t, sim.InstallDevices("wifi", []Attribute{WildcardAttribute("Channel", "colour", "red")}))
	require.NoError(t, sim.InstallDevices("wifi", nil))
	require.NoError(t, sim.AssignAddresses(testPrefix, []netip.Addr{hostAddr(0), hostAddr(1)}))
	assert.Error(t, sim.InstallRouting("rip"))
	require.NoError(t, sim.InstallRouting("static"))

	_, err = sim.InstallApp("Teleport", 0, nil)
	assert.Error(t, err)
	_, err = sim.InstallApp("UdpClient", 0, map[string]string{"Remote": "10.9.9.9:4000"})
	assert.Error(t, err, "remote must be an assigned address")
	_, err = sim.InstallApp("UdpClient", 0, map[string]string{"Remote": hostAddr(1).String() + ":4000", "Colour": "red"})
	assert.Error(t, err)

	sink, err := sim.InstallApp("UdpServer", 1, map[string]string{"Port": "4000"})
	require.NoError(t, err)
	_, err = sim.InstallApp("UdpServer", 1, map[string]string{"Port": "4000"})
	assert.Error(t, err, "port already bound")

	assert.Error(t, sim.SetAppWindow(sink, 2, 1))
	require.NoError(t, sim.SetAppWindow(sink, 1, 2))
	assert.Error(t, sim.SetAppWindow(sink, 1, 2), "one window per application")

	require.NoError(t, sim.Run(3))
	assert.Error(t, sim.Run(3))
}

func TestPcapAndFlowMonitorFiles(t *testing.T) {
	dir := t.TempDir()
	sim := buildLine(t, 2, 1, "wifi", "olsr")
	prefix := filepath.Join(dir, "cap")
	require.NoError(t, sim.EnablePcapAll(prefix))
	installUDP(t, sim, 0, 1, 1.0, 2.0, map[string]string{"Interval": "0.25"})
	require.NoError(t, sim.Run(3))
	sim.CheckForLostPackets()
	require.NoError(t, sim.Close())

	f, err := os.Open(PcapFileName(prefix, 0, 0))
	require.NoError(t, err)
	defer f.Close()
	reader, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	frames := 0
	for {
		_, _, err := reader.ReadPacketData()
		if err != nil {
			break
		}
		frames++
	}
	assert.Equal(t, 4, frames)

	xmlFile := filepath.Join(dir, "flows.xml")
	require.NoError(t, sim.SerializeFlowMonitor(xmlFile, true, true))
	bytes, err := os.ReadFile(xmlFile)
	require.NoError(t, err)
	text := string(bytes)
	assert.True(t, strings.Contains(text, "<FlowMonitor>"))
	assert.True(t, strings.Contains(text, `destinationPort="4000"`))
	assert.True(t, strings.Contains(text, "<delayHistogram"))
	assert.True(t, strings.Contains(text, "<FlowProbe index=\"1\">"))
}

func TestTraceManagerRecordsPackets(t *testing.T) {
	sim := buildLine(t, 2, 1, "wifi", "olsr")
	require.NoError(t, sim.EnableTrace("trace-test", true))
	installUDP(t, sim, 0, 1, 1.0, 1.5, map[string]string{"Interval": "1"})
	require.NoError(t, sim.Run(2))

	out := filepath.Join(t.TempDir(), "trace.yaml")
	require.NoError(t, sim.WriteTrace(out))
	bytes, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(bytes), "deliver")
	assert.Error(t, sim.WriteTrace(filepath.Join(t.TempDir(), "trace.txt")))
}

func TestUdpTraceClientReplaysFrames(t *testing.T) {
	traceFile := filepath.Join(t.TempDir(), "frames.txt")
	require.NoError(t, os.WriteFile(traceFile, []byte("1 I 0 2000\n2 P 100 500\n"), 0o644))

	sim := buildLine(t, 2, 1, "wifi", "olsr")
	sink, err := sim.InstallApp("UdpServer", 1, map[string]string{"Port": "4000"})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(sink, 1, 3))
	client, err := sim.InstallApp("UdpTraceClient", 0, map[string]string{
		"Remote":        hostAddr(1).String() + ":4000",
		"TraceFilename": traceFile,
		"TraceLoop":     "false",
	})
	require.NoError(t, err)
	require.NoError(t, sim.SetAppWindow(client, 1, 3))
	require.NoError(t, sim.Run(4))

	stats, err := sim.AppStats(client)
	require.NoError(t, err)
	// the 2000 byte frame is fragmented into two packets
	assert.Equal(t, uint64(3), stats.TxPackets)
	assert.Equal(t, uint64(2500), stats.TxBytes)
}

func TestUdpTraceClientRejectsTimelessLoop(t *testing.T) {
	traceFile := filepath.Join(t.TempDir(), "burst.txt")
	require.NoError(t, os.WriteFile(traceFile, []byte("1 I 0 500\n2 P 0 500\n"), 0o644))

	sim := buildLine(t, 2, 1, "wifi", "olsr")
	_, err := sim.InstallApp("UdpTraceClient", 0, map[string]string{
		"Remote":        hostAddr(1).String() + ":4000",
		"TraceFilename": traceFile,
	})
	assert.Error(t, err)

	_, err = sim.InstallApp("UdpTraceClient", 0, map[string]string{
		"Remote":        hostAddr(1).String() + ":4000",
		"TraceFilename": traceFile,
		"TraceLoop":     "false",
	})
	assert.NoError(t, err)
}

func TestNamedAttributesOverrideWildcards(t *testing.T) {
	params := []Attribute{
		{ParamObj: "Interface", Attributes: []AttrbStruct{{AttrbName: "name", AttrbValue: "node-0-if0"}}, Param: "buffer", Value: "7"},
		WildcardAttribute("Interface", "buffer", "50"),
		{ParamObj: "Interface", Attributes: []AttrbStruct{{AttrbName: "node", AttrbValue: "1"}}, Param: "buffer", Value: "20"},
	}
	ordered := reorderAttributes(params)
	require.Len(t, ordered, 3)
	assert.Equal(t, "*", ordered[0].Attributes[0].AttrbName)
	assert.Equal(t, "node", ordered[1].Attributes[0].AttrbName)
	assert.Equal(t, "name", ordered[2].Attributes[0].AttrbName)

	sim := buildLine(t, 3, 1, "wifi", "static", params...)
	assert.Equal(t, 7, sim.intrfcs[0].buffer)
	assert.Equal(t, 20, sim.intrfcs[1].buffer)
	assert.Equal(t, 50, sim.intrfcs[2].buffer)
}

func TestDataRateParsing(t *testing.T) {
	for in, want := range map[string]float64{"54Mbps": 54, "500kbps": 0.5, "1Gbps": 1000, "11": 11} {
		got, err := parseDataRate(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}
	_, err := parseDataRate("fast")
	assert.Error(t, err)
}
