package relay

// topology.go is supplemental, non-core infrastructure: the relay itself
// has no notion of a network topology, but a collaborator wiring several
// Relay instances together still needs to decide which address dials
// which, and in what order, for a test or demo network. It builds a
// simple dumbbell topology — two core relays joined by a trunk link, each
// with a fan of edge relays — and answers shortest-path queries over it.
//
// The graph representation and the cached-shortest-path-tree lookup
// pattern are carried over from routes.go's buildconnGraph/getSPTree/
// routeFrom, substituting relay addresses for MrNesbits device ids.

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Topology is an undirected graph of relay addresses, used only to plan
// which connections a test or demo harness should wire up and in what
// order to dial them.
type Topology struct {
	idOf   map[string]int64
	addrOf map[int64]string
	next   int64

	g      *simple.WeightedUndirectedGraph
	spTree map[int64]path.Shortest
}

// NewTopology builds an empty topology.
func NewTopology() *Topology {
	return &Topology{
		idOf:   make(map[string]int64),
		addrOf: make(map[int64]string),
		g:      simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		spTree: make(map[int64]path.Shortest),
	}
}

func (t *Topology) nodeID(addr string) int64 {
	if id, present := t.idOf[addr]; present {
		return id
	}
	id := t.next
	t.next++
	t.idOf[addr] = id
	t.addrOf[id] = addr
	t.g.AddNode(simple.Node(id))
	return id
}

// AddLink adds an undirected, unit-weight edge between a and b, creating
// either endpoint if this is its first appearance. Every shortest-path
// tree cached so far is invalidated, since a new link can shorten
// existing paths.
func (t *Topology) AddLink(a, b string) {
	idA, idB := t.nodeID(a), t.nodeID(b)
	t.g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(idA), T: simple.Node(idB), W: 1.0})
	t.spTree = make(map[int64]path.Shortest)
}

func (t *Topology) treeFrom(src int64) path.Shortest {
	if tree, present := t.spTree[src]; present {
		return tree
	}
	tree := path.DijkstraFrom(simple.Node(src), t.g)
	t.spTree[src] = tree
	return tree
}

// ShortestPath returns the sequence of addresses on the shortest hop path
// from src to dst, inclusive of both endpoints. Returns nil if either
// address is unknown to the topology or no path exists.
func (t *Topology) ShortestPath(src, dst string) []string {
	srcID, present := t.idOf[src]
	if !present {
		return nil
	}
	dstID, present := t.idOf[dst]
	if !present {
		return nil
	}

	nodes, _ := t.treeFrom(srcID).To(dstID)
	if len(nodes) == 0 {
		return nil
	}
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = t.addrOf[n.ID()]
	}
	return addrs
}

// DumbbellTopology describes a two-core dumbbell: leftCore and rightCore
// are joined by the trunk link, and each core has a fan of edge-facing
// leaf addresses attached directly to it.
type DumbbellTopology struct {
	LeftCore, RightCore string
	LeftLeaves          []string
	RightLeaves         []string
	*Topology
}

// BuildDumbbell constructs a dumbbell topology with the given core
// addresses and leaf counts, naming leaves leafAddrFmt formatted with
// their index (e.g. "127.0.%d.1" for the left fan, continuing the
// sequence for the right fan).
func BuildDumbbell(leftCore, rightCore string, leftLeafCount, rightLeafCount int, leafAddrFmt string) *DumbbellTopology {
	d := &DumbbellTopology{LeftCore: leftCore, RightCore: rightCore, Topology: NewTopology()}

	d.nodeID(leftCore)
	d.nodeID(rightCore)
	d.AddLink(leftCore, rightCore)

	idx := 0
	for i := 0; i < leftLeafCount; i++ {
		leaf := fmt.Sprintf(leafAddrFmt, idx)
		idx++
		d.LeftLeaves = append(d.LeftLeaves, leaf)
		d.AddLink(leaf, leftCore)
	}
	for i := 0; i < rightLeafCount; i++ {
		leaf := fmt.Sprintf(leafAddrFmt, idx)
		idx++
		d.RightLeaves = append(d.RightLeaves, leaf)
		d.AddLink(leaf, rightCore)
	}

	return d
}
