package netsim

// routes.go computes next hops for the two routing protocols the engine offers.
// Static routing knows only destinations on a directly reachable link.  The proactive
// link-state protocol sees the whole neighbour graph and forwards along shortest
// paths, which is what OLSR converges to on a static topology.
//
// Shortest paths come from the gonum graph package.  With every edge weighted 1 a
// shortest path minimizes the number of hops.  A Dijkstra call computes the tree of
// shortest paths from one node; trees are cached by root, and since the graph is
// undirected a path from dst to src is the reverse of the one wanted.

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

type routingProto int

const (
	noRouting routingProto = iota
	staticRouting
	linkStateRouting
)

func routingProtoFromStr(proto string) (routingProto, error) {
	switch proto {
	case "static":
		return staticRouting, nil
	case "olsr", "link-state", "linkstate":
		return linkStateRouting, nil
	}
	return noRouting, fmt.Errorf("routing protocol %q is not recognized", proto)
}

// router holds the neighbour graph and the cached shortest path trees
type router struct {
	proto    routingProto
	edges    map[int][]int
	gNodes   map[int]simple.Node
	graph    graph.Graph
	cachedSP map[int]path.Shortest
	routes   map[intPair][]int
}

type intPair struct {
	i, j int
}

// neighbourEdges lists, for every node, the nodes it can reach in one hop
func neighbourEdges(nodes []*node) map[int][]int {
	edges := make(map[int][]int)
	for _, nd := range nodes {
		edges[nd.id] = []int{}
		for _, egress := range nd.intrfcs {
			for _, peer := range egress.ch.members {
				if egress.ch.reaches(egress, peer) && !slices.Contains(edges[nd.id], peer.node.id) {
					edges[nd.id] = append(edges[nd.id], peer.node.id)
				}
			}
		}
		slices.Sort(edges[nd.id])
	}
	return edges
}

func createRouter(proto routingProto, nodes []*node) *router {
	rt := &router{proto: proto, cachedSP: make(map[int]path.Shortest), routes: make(map[intPair][]int)}
	rt.edges = neighbourEdges(nodes)
	if proto == linkStateRouting {
		rt.buildConnGraph()
	}
	return rt
}

// buildConnGraph transforms the neighbour lists into a gonum graph with unit edge weights
func (rt *router) buildConnGraph() {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	rt.gNodes = make(map[int]simple.Node)
	for nodeID := range rt.edges {
		rt.gNodes[nodeID] = simple.Node(nodeID)
		connGraph.AddNode(rt.gNodes[nodeID])
	}

	for nodeID, nbrs := range rt.edges {
		for _, nbrID := range nbrs {
			if nbrID == nodeID {
				continue
			}
			connGraph.SetWeightedEdge(simple.WeightedEdge{F: rt.gNodes[nodeID], T: rt.gNodes[nbrID], W: 1.0})
		}
	}
	rt.graph = connGraph
}

// getSPTree returns the shortest path tree rooted in from, computing and caching it if needed
func (rt *router) getSPTree(from int) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(rt.gNodes[from], rt.graph)
	rt.cachedSP[from] = spTree
	return spTree
}

// convertNodeSeq extracts the node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, gn := range nsQ {
		rtn = append(rtn, int(gn.ID()))
	}
	return rtn
}

// routeFrom returns the sequence of node ids on a shortest path from srcID to dstID,
// inclusive, or an empty slice if dstID is unreachable
func (rt *router) routeFrom(srcID, dstID int) []int {
	if route, present := rt.routes[intPair{srcID, dstID}]; present {
		return route
	}

	var route []int
	if spTree, present := rt.cachedSP[srcID]; present {
		nodeSeq, _ := spTree.To(int64(dstID))
		route = convertNodeSeq(nodeSeq)
	} else if spTree, present := rt.cachedSP[dstID]; present {
		revNodeSeq, _ := spTree.To(int64(srcID))
		revRoute := convertNodeSeq(revNodeSeq)
		for idx := len(revRoute) - 1; idx >= 0; idx-- {
			route = append(route, revRoute[idx])
		}
	} else {
		nodeSeq, _ := rt.getSPTree(srcID).To(int64(dstID))
		route = convertNodeSeq(nodeSeq)
	}

	rt.routes[intPair{srcID, dstID}] = route
	return route
}

// nextHop returns the id of the node to which from hands a packet addressed to to
func (rt *router) nextHop(from, to int) (int, bool) {
	switch rt.proto {
	case staticRouting:
		if slices.Contains(rt.edges[from], to) {
			return to, true
		}
	case linkStateRouting:
		route := rt.routeFrom(from, to)
		if len(route) > 1 {
			return route[1], true
		}
	}
	return -1, false
}

func (sim *Sim) nextHop(from, to *node) *node {
	if sim.router == nil {
		return nil
	}
	hopID, found := sim.router.nextHop(from.id, to.id)
	if !found {
		return nil
	}
	return sim.nodes[hopID]
}
