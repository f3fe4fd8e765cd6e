// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines Graph, the directed dataflow multigraph rewritten by the compiler passes.
//
// Nodes hold one Operator each, and live in an arena of slots addressed by NodeID. Removing a
// node frees its slot and bumps the slot's generation, so a NodeID held across a removal is
// detected as stale (ErrStaleNode) instead of silently addressing a different node.
//
// Each Edge connects an output slot of a producer to an input slot of a consumer, and carries the
// views.View through which the consumer reads the producer's buffer. For each consumer the input
// slots must form a dense 0..k range: see Graph.Validate.
//
// Graph is not safe for concurrent mutation: building and rewriting are single-threaded.
package graph

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gomlx/graphfuse/pkg/core/views"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrStructuralMismatch is returned when the graph is malformed: an edge expected at a given
	// producer/consumer slot is absent, a slot is wired twice, or the graph has a cycle.
	// It is fatal to a compilation pass.
	ErrStructuralMismatch = errors.New("structural mismatch")

	// ErrStaleNode is returned when a NodeID refers to a node that was removed.
	ErrStaleNode = errors.New("stale node id")
)

// NodeID addresses a node of a Graph. The zero value is not a valid id.
type NodeID struct {
	index      int32
	generation int32
}

// InvalidNodeID is the zero NodeID, it never addresses a node.
var InvalidNodeID NodeID

// IsValid returns whether the id was issued by a Graph (it may still be stale).
func (id NodeID) IsValid() bool { return id.generation > 0 }

// Index returns the arena slot index of the node.
func (id NodeID) Index() int { return int(id.index) }

// Compare orders ids by arena index, then generation.
func (id NodeID) Compare(other NodeID) int {
	if c := cmp.Compare(id.index, other.index); c != 0 {
		return c
	}
	return cmp.Compare(id.generation, other.generation)
}

// String implements fmt.Stringer.
func (id NodeID) String() string {
	if !id.IsValid() {
		return "#invalid"
	}
	if id.generation == 1 {
		return fmt.Sprintf("#%d", id.index)
	}
	return fmt.Sprintf("#%d.%d", id.index, id.generation)
}

// Edge connects the output slot OutputSlot of Producer to the input slot InputSlot of Consumer,
// which reads it through View.
type Edge struct {
	Producer   NodeID
	OutputSlot int
	Consumer   NodeID
	InputSlot  int
	View       views.View
}

// String implements fmt.Stringer.
func (e Edge) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d %s", e.Producer, e.OutputSlot, e.Consumer, e.InputSlot, e.View)
}

type edgeID int

type nodeSlot struct {
	generation int32
	live       bool
	op         Operator
	name       string
	in, out    []edgeID
}

// Graph is an arena of nodes connected by edges. Create it with New.
type Graph struct {
	tag      string
	slots    []nodeSlot
	free     []int32
	numNodes int

	edges    map[edgeID]Edge
	nextEdge edgeID

	version int
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		tag:   uuid.NewString(),
		edges: make(map[edgeID]Edge),
	}
}

// Tag returns a unique identifier of the graph, used in diagnostics.
func (g *Graph) Tag() string { return g.tag }

// Version returns a counter incremented at every mutation of the graph.
func (g *Graph) Version() int { return g.version }

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int { return g.numNodes }

// NumEdges returns the number of edges.
func (g *Graph) NumEdges() int { return len(g.edges) }

// AddNode adds a node holding the given operator, with no edges.
func (g *Graph) AddNode(op Operator) NodeID {
	return g.AddNamedNode("", op)
}

// AddNamedNode adds a node with a name used in diagnostics.
func (g *Graph) AddNamedNode(name string, op Operator) NodeID {
	var index int32
	if n := len(g.free); n > 0 {
		index = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		index = int32(len(g.slots))
		g.slots = append(g.slots, nodeSlot{})
	}
	slot := &g.slots[index]
	slot.generation++
	slot.live = true
	slot.op = op
	slot.name = name
	slot.in, slot.out = nil, nil
	g.numNodes++
	g.version++
	return NodeID{index: index, generation: slot.generation}
}

// slot returns the slot of a live node, or an ErrStaleNode error.
func (g *Graph) slot(id NodeID) (*nodeSlot, error) {
	if !id.IsValid() || int(id.index) >= len(g.slots) {
		return nil, errors.Wrapf(ErrStaleNode, "node %s not in graph", id)
	}
	slot := &g.slots[id.index]
	if !slot.live || slot.generation != id.generation {
		return nil, errors.Wrapf(ErrStaleNode, "node %s was removed", id)
	}
	return slot, nil
}

// mustSlot is like slot, but panics with the error: used by queries, for which a stale id is a
// programming error.
func (g *Graph) mustSlot(id NodeID) *nodeSlot {
	slot, err := g.slot(id)
	if err != nil {
		panic(err)
	}
	return slot
}

// Has returns whether id addresses a live node of the graph.
func (g *Graph) Has(id NodeID) bool {
	_, err := g.slot(id)
	return err == nil
}

// Operator returns the operator of the node. It panics if the node is stale.
func (g *Graph) Operator(id NodeID) Operator {
	return g.mustSlot(id).op
}

// Name returns the name of the node, or its operator name if it was not named.
func (g *Graph) Name(id NodeID) string {
	slot := g.mustSlot(id)
	if slot.name != "" {
		return slot.name
	}
	return OpName(slot.op)
}

// NodeIDs returns the ids of the live nodes, in arena order.
func (g *Graph) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, g.numNodes)
	for index, slot := range g.slots {
		if slot.live {
			ids = append(ids, NodeID{index: int32(index), generation: slot.generation})
		}
	}
	return ids
}

func (g *Graph) collectEdges(ids []edgeID) []Edge {
	edges := make([]Edge, len(ids))
	for ii, eid := range ids {
		edges[ii] = g.edges[eid]
	}
	return edges
}

// Inputs returns the edges consumed by the node, sorted by input slot.
func (g *Graph) Inputs(id NodeID) []Edge {
	edges := g.collectEdges(g.mustSlot(id).in)
	slices.SortFunc(edges, func(a, b Edge) int { return cmp.Compare(a.InputSlot, b.InputSlot) })
	return edges
}

// Outputs returns the edges produced by the node, sorted by consumer and input slot.
func (g *Graph) Outputs(id NodeID) []Edge {
	edges := g.collectEdges(g.mustSlot(id).out)
	slices.SortFunc(edges, func(a, b Edge) int {
		if c := cmp.Compare(a.Consumer.index, b.Consumer.index); c != 0 {
			return c
		}
		return cmp.Compare(a.InputSlot, b.InputSlot)
	})
	return edges
}

// Consumers returns the distinct nodes consuming any output of the node, in arena order.
func (g *Graph) Consumers(id NodeID) []NodeID {
	var consumers []NodeID
	for _, e := range g.Outputs(id) {
		if len(consumers) == 0 || consumers[len(consumers)-1] != e.Consumer {
			consumers = append(consumers, e.Consumer)
		}
	}
	return consumers
}

// NumConsumers returns the number of distinct nodes consuming any output of the node.
func (g *Graph) NumConsumers(id NodeID) int {
	return len(g.Consumers(id))
}

// InputEdge returns the edge wired to the given input slot of the consumer.
// It returns an ErrStructuralMismatch error if there is none.
func (g *Graph) InputEdge(consumer NodeID, inputSlot int) (Edge, error) {
	slot, err := g.slot(consumer)
	if err != nil {
		return Edge{}, err
	}
	for _, eid := range slot.in {
		if e := g.edges[eid]; e.InputSlot == inputSlot {
			return e, nil
		}
	}
	return Edge{}, errors.Wrapf(ErrStructuralMismatch, "node %s (%s) has no edge at input slot %d",
		consumer, g.Name(consumer), inputSlot)
}

// EdgesConnecting returns the edges from producer to consumer, sorted by input slot.
func (g *Graph) EdgesConnecting(producer, consumer NodeID) []Edge {
	var edges []Edge
	for _, e := range g.Inputs(consumer) {
		if e.Producer == producer {
			edges = append(edges, e)
		}
	}
	return edges
}

// Wire adds an edge from the output slot of producer to the input slot of consumer, read
// through view.
//
// It returns an ErrStructuralMismatch error if the consumer input slot is already wired, or if
// producer and consumer are the same node.
func (g *Graph) Wire(producer NodeID, outputSlot int, consumer NodeID, inputSlot int, view views.View) error {
	pSlot, err := g.slot(producer)
	if err != nil {
		return errors.WithMessage(err, "Graph.Wire producer")
	}
	cSlot, err := g.slot(consumer)
	if err != nil {
		return errors.WithMessage(err, "Graph.Wire consumer")
	}
	if outputSlot < 0 || inputSlot < 0 {
		return errors.Errorf("Graph.Wire(%s:%d -> %s:%d): negative slot", producer, outputSlot, consumer, inputSlot)
	}
	if producer == consumer {
		return errors.Wrapf(ErrStructuralMismatch, "Graph.Wire: node %s cannot consume its own output", producer)
	}
	for _, eid := range cSlot.in {
		if g.edges[eid].InputSlot == inputSlot {
			return errors.Wrapf(ErrStructuralMismatch, "Graph.Wire: input slot %d of node %s (%s) is already wired to %s",
				inputSlot, consumer, g.Name(consumer), g.edges[eid].Producer)
		}
	}
	eid := g.nextEdge
	g.nextEdge++
	g.edges[eid] = Edge{Producer: producer, OutputSlot: outputSlot, Consumer: consumer, InputSlot: inputSlot, View: view}
	pSlot.out = append(pSlot.out, eid)
	cSlot.in = append(cSlot.in, eid)
	g.version++
	return nil
}

// MoveIncomingEdges reroutes every edge consumed by from to be consumed by to instead, at the
// same input slots and with the same producers and views. Afterward, from has no inputs.
//
// It returns an ErrStructuralMismatch error, without changing the graph, if to already has an
// input at one of the slots, or if to is one of the producers.
func (g *Graph) MoveIncomingEdges(from, to NodeID) error {
	fromSlot, err := g.slot(from)
	if err != nil {
		return errors.WithMessage(err, "Graph.MoveIncomingEdges")
	}
	toSlot, err := g.slot(to)
	if err != nil {
		return errors.WithMessage(err, "Graph.MoveIncomingEdges")
	}
	if from == to {
		return nil
	}
	taken := make(map[int]bool, len(toSlot.in))
	for _, eid := range toSlot.in {
		taken[g.edges[eid].InputSlot] = true
	}
	for _, eid := range fromSlot.in {
		e := g.edges[eid]
		if taken[e.InputSlot] {
			return errors.Wrapf(ErrStructuralMismatch, "Graph.MoveIncomingEdges(%s, %s): input slot %d of %s is already wired",
				from, to, e.InputSlot, to)
		}
		if e.Producer == to {
			return errors.Wrapf(ErrStructuralMismatch, "Graph.MoveIncomingEdges(%s, %s): %s would consume its own output",
				from, to, to)
		}
	}
	for _, eid := range fromSlot.in {
		e := g.edges[eid]
		e.Consumer = to
		g.edges[eid] = e
	}
	toSlot.in = append(toSlot.in, fromSlot.in...)
	fromSlot.in = nil
	g.version++
	return nil
}

// MoveOutgoingEdges reroutes every edge produced by from to be produced by to instead, keeping
// the output slots, consumers, input slots and views. Afterward, from has no consumers.
//
// It returns an ErrStructuralMismatch error, without changing the graph, if to is one of the
// consumers.
func (g *Graph) MoveOutgoingEdges(from, to NodeID) error {
	fromSlot, err := g.slot(from)
	if err != nil {
		return errors.WithMessage(err, "Graph.MoveOutgoingEdges")
	}
	toSlot, err := g.slot(to)
	if err != nil {
		return errors.WithMessage(err, "Graph.MoveOutgoingEdges")
	}
	if from == to {
		return nil
	}
	for _, eid := range fromSlot.out {
		if g.edges[eid].Consumer == to {
			return errors.Wrapf(ErrStructuralMismatch, "Graph.MoveOutgoingEdges(%s, %s): %s would consume its own output",
				from, to, to)
		}
	}
	for _, eid := range fromSlot.out {
		e := g.edges[eid]
		e.Producer = to
		g.edges[eid] = e
	}
	toSlot.out = append(toSlot.out, fromSlot.out...)
	fromSlot.out = nil
	g.version++
	return nil
}

// removeEdge deletes the edge from the graph and from the lists of its endpoints.
func (g *Graph) removeEdge(eid edgeID) {
	e := g.edges[eid]
	delete(g.edges, eid)
	if pSlot, err := g.slot(e.Producer); err == nil {
		pSlot.out = slices.DeleteFunc(pSlot.out, func(id edgeID) bool { return id == eid })
	}
	if cSlot, err := g.slot(e.Consumer); err == nil {
		cSlot.in = slices.DeleteFunc(cSlot.in, func(id edgeID) bool { return id == eid })
	}
}

// RemoveNode unconditionally removes the node and every edge touching it.
//
// Rerouting the consumers first is the caller's responsibility: consumers left with a missing
// input fail Validate.
func (g *Graph) RemoveNode(id NodeID) error {
	slot, err := g.slot(id)
	if err != nil {
		return errors.WithMessage(err, "Graph.RemoveNode")
	}
	for _, eid := range slices.Concat(slot.in, slot.out) {
		g.removeEdge(eid)
	}
	slot.live = false
	slot.op = nil
	slot.name = ""
	slot.in, slot.out = nil, nil
	g.free = append(g.free, id.index)
	g.numNodes--
	g.version++
	return nil
}

// SafeRemoveNode removes the node only if it has at most maxConsumers distinct consumers.
// It returns whether the node was removed.
//
// With maxConsumers = 0 it only removes dead nodes, which never breaks the graph. Larger values
// are used by passes that already rerouted the inputs of the remaining consumers.
func (g *Graph) SafeRemoveNode(id NodeID, maxConsumers int) (bool, error) {
	if _, err := g.slot(id); err != nil {
		return false, errors.WithMessage(err, "Graph.SafeRemoveNode")
	}
	if g.NumConsumers(id) > maxConsumers {
		return false, nil
	}
	return true, g.RemoveNode(id)
}
