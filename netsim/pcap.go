package netsim

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnapLen = 65536

// pcapDev writes the frames an interface sends and receives to a pcap file
type pcapDev struct {
	file   *os.File
	writer *pcapgo.Writer
	opts   gopacket.SerializeOptions
	err    error
}

// PcapFileName returns the name of the capture file of device index of node nodeID
func PcapFileName(prefix string, nodeID, index int) string {
	return fmt.Sprintf("%s-%d-%d.pcap", prefix, nodeID, index)
}

func createPcapDev(filename string) (*pcapDev, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, err
	}
	pd := &pcapDev{file: f, writer: w}
	pd.opts = gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	return pd, nil
}

// pcapTimestamp converts simulated seconds to a capture timestamp
func pcapTimestamp(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*1e+9)).UTC()
}

// write records p as a frame between the two link addresses.  The first error
// is kept and later frames are skipped
func (pd *pcapDev) write(srcMAC, dstMAC net.HardwareAddr, p *packet, t float64) {
	if pd == nil || pd.err != nil {
		return
	}
	if dstMAC == nil {
		dstMAC = layers.EthernetBroadcast
	}
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       uint16(p.uid),
		TTL:      uint8(p.ttl),
		Protocol: layers.IPProtocol(p.tuple.Proto),
		SrcIP:    net.IP(p.tuple.Src.AsSlice()),
		DstIP:    net.IP(p.tuple.Dst.AsSlice()),
	}
	payload := gopacket.Payload(make([]byte, p.payload))

	lyrs := []gopacket.SerializableLayer{eth, ip}
	switch p.tuple.Proto {
	case ProtoUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(p.tuple.SrcPort), DstPort: layers.UDPPort(p.tuple.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			pd.err = err
			return
		}
		lyrs = append(lyrs, udp)
	case ProtoTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(p.tuple.SrcPort),
			DstPort: layers.TCPPort(p.tuple.DstPort),
			Seq:     p.tcpSeq,
			ACK:     true,
			PSH:     true,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			pd.err = err
			return
		}
		lyrs = append(lyrs, tcp)
	case ProtoICMP:
		id := p.tuple.SrcPort
		if p.icmpType == icmpEchoReply {
			id = p.tuple.DstPort
		}
		lyrs = append(lyrs, &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(p.icmpType, 0),
			Id:       id,
			Seq:      p.icmpSeq,
		})
	}
	lyrs = append(lyrs, payload)

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, pd.opts, lyrs...); err != nil {
		pd.err = err
		return
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: pcapTimestamp(t), CaptureLength: len(data), Length: len(data)}
	if err := pd.writer.WritePacket(ci, data); err != nil {
		pd.err = err
	}
}

func (pd *pcapDev) close() error {
	if pd == nil {
		return nil
	}
	return errors.Join(pd.err, pd.file.Close())
}
