package scratchnet

import (
	"fmt"
	"math"
	"net/netip"
)

// Position is a point in meters
type Position struct {
	X, Y, Z float64
}

// Node is one topology member.  ID is the identifier the engine knows it by,
// Index its position in creation order
type Node struct {
	ID       int
	Index    int
	Position Position
}

// AddressAssignment maps node index to a host address of one block
type AddressAssignment struct {
	Prefix netip.Prefix
	Addrs  []netip.Addr
}

// Addr returns the address of the node with index idx
func (aa AddressAssignment) Addr(idx int) (netip.Addr, bool) {
	if idx < 0 || idx >= len(aa.Addrs) {
		return netip.Addr{}, false
	}
	return aa.Addrs[idx], true
}

// HostCapacity is the number of host addresses a prefix offers, network and broadcast excluded
func HostCapacity(prefix netip.Prefix) int {
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits >= 31 {
		return math.MaxInt32
	}
	if hostBits < 2 {
		return 0
	}
	return 1<<hostBits - 2
}

// AssignAddresses draws count host addresses from the start of prefix, in node order
func AssignAddresses(prefix netip.Prefix, count int) (AddressAssignment, error) {
	prefix = prefix.Masked()
	if capacity := HostCapacity(prefix); count > capacity {
		return AddressAssignment{}, fmt.Errorf("%w: %d nodes do not fit the %d hosts of %s",
			ErrAddressSpaceExhausted, count, capacity, prefix)
	}
	aa := AddressAssignment{Prefix: prefix, Addrs: make([]netip.Addr, 0, count)}
	addr := prefix.Addr()
	for idx := 0; idx < count; idx++ {
		addr = addr.Next()
		aa.Addrs = append(aa.Addrs, addr)
	}
	return aa, nil
}

// gridWidth is the row width of a grid layout of count nodes
func gridWidth(width, count int) int {
	if width > 0 {
		return width
	}
	return int(math.Ceil(math.Sqrt(float64(count))))
}

// layoutPositions places count nodes under the given policy
func layoutPositions(policy LayoutPolicy, count int, spacing float64, width int) []Position {
	positions := make([]Position, count)
	switch policy {
	case GridLayout:
		w := gridWidth(width, count)
		for idx := range positions {
			positions[idx] = Position{X: float64(idx%w) * spacing, Y: float64(idx/w) * spacing}
		}
	default:
		for idx := range positions {
			positions[idx] = Position{X: float64(idx) * spacing}
		}
	}
	return positions
}

// Topology is the node set and address plan of one run
type Topology struct {
	Nodes []Node
	Addrs AddressAssignment
}

// BuildTopology derives the nodes, their positions and their addresses from cfg.
// The result depends on cfg alone
func BuildTopology(cfg *ExperimentConfig) (*Topology, error) {
	count := cfg.NodeCount()
	addrs, err := AssignAddresses(cfg.AddressBase(), count)
	if err != nil {
		return nil, err
	}
	positions := layoutPositions(cfg.Layout(), count, cfg.Spacing(), cfg.GridWidth())
	topo := &Topology{Nodes: make([]Node, count), Addrs: addrs}
	for idx := range topo.Nodes {
		topo.Nodes[idx] = Node{ID: idx, Index: idx, Position: positions[idx]}
	}
	return topo, nil
}
