// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"cmp"
	"slices"

	"github.com/gomlx/graphfuse/pkg/support/sets"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Arity can be implemented by operators with a fixed number of inputs, so Validate can check
// that all of them are wired.
type Arity interface {
	NumInputs() int
}

// Validate checks the structural invariants of the graph and returns every violation found,
// combined with multierr, each wrapping ErrStructuralMismatch:
//
//   - for every node, the input slots form a dense 0..k range with no duplicates;
//   - nodes whose operator implements Arity have exactly NumInputs() inputs;
//   - every edge connects live nodes;
//   - every edge is listed by both its producer and its consumer;
//   - the graph has no cycles.
func (g *Graph) Validate() error {
	var err error
	consumed, produced := sets.Make[edgeID](len(g.edges)), sets.Make[edgeID](len(g.edges))
	for _, id := range g.NodeIDs() {
		slot := g.mustSlot(id)
		consumed.Insert(slot.in...)
		produced.Insert(slot.out...)
		inputSlots := make([]int, 0, len(slot.in))
		for _, eid := range slot.in {
			e := g.edges[eid]
			inputSlots = append(inputSlots, e.InputSlot)
			if !g.Has(e.Producer) {
				err = multierr.Append(err, errors.Wrapf(ErrStructuralMismatch,
					"input slot %d of node %s (%s) is fed by removed node %s", e.InputSlot, id, g.Name(id), e.Producer))
			}
		}
		slices.Sort(inputSlots)
		for ii, inputSlot := range inputSlots {
			if inputSlot != ii {
				err = multierr.Append(err, errors.Wrapf(ErrStructuralMismatch,
					"node %s (%s) input slots %v are not a dense 0..%d range", id, g.Name(id), inputSlots, len(inputSlots)-1))
				break
			}
		}
		if arity, ok := slot.op.(Arity); ok && arity.NumInputs() != len(inputSlots) {
			err = multierr.Append(err, errors.Wrapf(ErrStructuralMismatch,
				"node %s (%s) requires %d inputs, got %d wired", id, g.Name(id), arity.NumInputs(), len(inputSlots)))
		}
		for _, eid := range slot.out {
			if consumer := g.edges[eid].Consumer; !g.Has(consumer) {
				err = multierr.Append(err, errors.Wrapf(ErrStructuralMismatch,
					"node %s (%s) feeds removed node %s", id, g.Name(id), consumer))
			}
		}
	}
	if !consumed.Equal(produced) {
		for _, eid := range sets.SortedFunc(consumed.Sub(produced), cmp.Compare[edgeID]) {
			err = multierr.Append(err, errors.Wrapf(ErrStructuralMismatch,
				"edge %s is not listed by its producer", g.edges[eid]))
		}
		for _, eid := range sets.SortedFunc(produced.Sub(consumed), cmp.Compare[edgeID]) {
			err = multierr.Append(err, errors.Wrapf(ErrStructuralMismatch,
				"edge %s is not listed by its consumer", g.edges[eid]))
		}
	}
	if _, cycleErr := g.TopologicalOrder(); cycleErr != nil {
		err = multierr.Append(err, cycleErr)
	}
	return err
}

// TopologicalOrder returns the live nodes ordered so that every producer comes before its
// consumers. Ties are broken by arena order, so the result is deterministic.
//
// It returns an ErrStructuralMismatch error if the graph has a cycle.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	ids := g.NodeIDs()
	pending := make(map[NodeID]int, len(ids))
	var ready []NodeID
	for _, id := range ids {
		n := 0
		for _, producer := range g.producers(id) {
			if g.Has(producer) {
				n++
			}
		}
		pending[id] = n
		if n == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]NodeID, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, consumer := range g.Consumers(id) {
			pending[consumer]--
			if pending[consumer] == 0 {
				ready = append(ready, consumer)
			}
		}
	}
	if len(order) != len(ids) {
		return nil, errors.Wrapf(ErrStructuralMismatch, "graph has a cycle involving %d nodes", len(ids)-len(order))
	}
	return order, nil
}

// producers returns the distinct nodes feeding the node.
func (g *Graph) producers(id NodeID) []NodeID {
	var producers []NodeID
	for _, e := range g.Inputs(id) {
		if !slices.Contains(producers, e.Producer) {
			producers = append(producers, e.Producer)
		}
	}
	return producers
}
