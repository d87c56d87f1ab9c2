package netsim

// routes.go computes and caches shortest-path routes through the wired graph

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The network's wired connectivity is handed to gonum's graph package, which
// has path discovery built in. Every edge weighs 1, so a shortest path
// minimizes the number of hops, which is what a static routing table
// populated from global knowledge amounts to.
//
// DijkstraFrom computes a tree of shortest paths rooted in one node. A route
// from src to dst is read out of a cached tree rooted in src or, by symmetry,
// reversed out of one rooted in dst. Failing both, a tree rooted in src is
// computed and cached. Device-to-device routes are then expanded into the
// interface pair that carries each hop.

type rtEndpts struct {
	srcID, dstID int
}

// router holds the routing state of one Network.
type router struct {
	gNodes    map[int]simple.Node // gNodes[i] is the graph node of device i
	connGraph graph.Graph
	built     bool
	cachedSP  map[int]path.Shortest // shortest-path trees by root device id

	pcktRtCache map[rtEndpts]*[]intrfcsToDev

	// routeStepIntrfcs maps a pair of adjacent device ids to the pair of
	// interface ids that join them
	routeStepIntrfcs map[intPair]intPair
}

func newRouter() *router {
	return &router{
		gNodes:           make(map[int]simple.Node),
		cachedSP:         make(map[int]path.Shortest),
		pcktRtCache:      make(map[rtEndpts]*[]intrfcsToDev),
		routeStepIntrfcs: make(map[intPair]intPair),
	}
}

// build creates the graph from a map of device id to the ids of its wired
// neighbors. Earlier trees and routes are discarded.
func (rt *router) build(edges map[int][]int) {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for nodeID := range edges {
		if _, present := rt.gNodes[nodeID]; !present {
			rt.gNodes[nodeID] = simple.Node(nodeID)
		}
		connGraph.AddNode(rt.gNodes[nodeID])
	}

	for nodeID, edgeList := range edges {
		for _, nbrID := range edgeList {
			if _, present := rt.gNodes[nbrID]; !present {
				rt.gNodes[nbrID] = simple.Node(nbrID)
			}
			connGraph.SetWeightedEdge(simple.WeightedEdge{F: rt.gNodes[nodeID], T: rt.gNodes[nbrID], W: 1.0})
		}
	}

	rt.connGraph = connGraph
	rt.cachedSP = make(map[int]path.Shortest)
	rt.pcktRtCache = make(map[rtEndpts]*[]intrfcsToDev)
	rt.built = true
}

// getSPTree returns the shortest path tree rooted in 'from', computing and
// caching it if needed
func (rt *router) getSPTree(from int) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(rt.gNodes[from], rt.connGraph)
	rt.cachedSP[from] = spTree
	return spTree
}

// convertNodeSeq extracts device ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}
	return rtn
}

// routeFrom returns the shortest path from srcID to dstID as a sequence of
// device ids, both ends included. The sequence is empty when no path exists.
func (rt *router) routeFrom(srcID, dstID int) []int {
	if !rt.built {
		return nil
	}
	_, srcKnown := rt.gNodes[srcID]
	_, dstKnown := rt.gNodes[dstID]
	if !srcKnown || !dstKnown {
		return nil
	}

	if spTree, present := rt.cachedSP[srcID]; present {
		nodeSeq, _ := spTree.To(int64(dstID))
		return convertNodeSeq(nodeSeq)
	}

	// a tree rooted in the destination holds the same path, reversed
	if spTree, present := rt.cachedSP[dstID]; present {
		revNodeSeq, _ := spTree.To(int64(srcID))
		revRoute := convertNodeSeq(revNodeSeq)
		route := make([]int, len(revRoute))
		for idx, id := range revRoute {
			route[len(revRoute)-idx-1] = id
		}
		return route
	}

	nodeSeq, _ := rt.getSPTree(srcID).To(int64(dstID))
	return convertNodeSeq(nodeSeq)
}

// findRoute returns the route from device srcID to device dstID as the
// interfaces crossed at each hop. An empty route means dstID is unreachable.
func (rt *router) findRoute(srcID, dstID int) *[]intrfcsToDev {
	endpoints := rtEndpts{srcID: srcID, dstID: dstID}
	if route, found := rt.pcktRtCache[endpoints]; found {
		return route
	}

	devRoute := rt.routeFrom(srcID, dstID)
	routePlan := make([]intrfcsToDev, 0, len(devRoute))
	for idx := 1; idx < len(devRoute); idx++ {
		step := rt.routeStepIntrfcs[intPair{i: devRoute[idx-1], j: devRoute[idx]}]
		routePlan = append(routePlan, intrfcsToDev{srcIntrfcID: step.i, dstIntrfcID: step.j, devID: devRoute[idx]})
	}
	if rt.built {
		rt.pcktRtCache[endpoints] = &routePlan
	}
	return &routePlan
}

// showPath lists the names of the devices on the route from srcID to dstID.
func (rt *router) showPath(srcID, dstID int, idToName func(int) string) string {
	devRoute := rt.routeFrom(srcID, dstID)
	names := make([]string, 0, len(devRoute))
	for _, id := range devRoute {
		names = append(names, idToName(id))
	}
	return strings.Join(names, ",")
}
