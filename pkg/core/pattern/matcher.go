// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Match maps each node of a pattern to the graph node it is bound to.
type Match map[*Node]graph.NodeID

// State of a Matcher.
type State int

const (
	// Searching is the state of a Matcher whose cache reflects the current graph, and that has no
	// current match: either Next was not called yet, or it was just rebuilt after Invalidate.
	Searching State = iota

	// ProducedMatch is the state after Next returned true: the current match can be inspected.
	ProducedMatch

	// Invalidated is the state after Invalidate: the cache was dropped and is rebuilt from the
	// graph by the next call to Next.
	Invalidated

	// Exhausted is the state after Next returned false.
	Exhausted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Searching:
		return "Searching"
	case ProducedMatch:
		return "ProducedMatch"
	case Invalidated:
		return "Invalidated"
	case Exhausted:
		return "Exhausted"
	}
	return "State(?)"
}

type memoKey struct {
	p  *Node
	id graph.NodeID
}

// Matcher enumerates the occurrences of a pattern in a graph, one per call to Next.
//
// It caches, for the graph state it was built against, the candidate roots and whether each
// pattern node matches each graph node it was tried on. Any mutation of the graph invalidates
// this cache: callers that mutate the graph during a search must call Invalidate before the
// next call to Next, which otherwise panics.
//
// A root graph node is yielded at most once per search, even across invalidations, so a loop
// that skips a match never sees it again.
type Matcher struct {
	root    *Node
	pattern []*Node
	g       *graph.Graph
	pinned  sets.Set[graph.NodeID]

	state   State
	version int

	// candidates for the root, in arena order, and the position of the next one to try.
	candidates []graph.NodeID
	cursor     int

	// memo holds whether the pattern node matches the graph node, not considering bindings.
	memo               map[memoKey]bool
	cacheHits, lookups int

	// yielded roots are never yielded again.
	yielded sets.Set[graph.NodeID]

	match Match
}

// Search returns a Matcher of the pattern rooted at root over the graph g.
//
// Nodes in pinned are referenced from outside the graph: CanDelete reports false for them, and
// DeleteMatched never removes them. Pinned can be nil.
func Search(root *Node, g *graph.Graph, pinned sets.Set[graph.NodeID]) *Matcher {
	m := &Matcher{
		root:    root,
		pattern: root.nodes(),
		g:       g,
		pinned:  pinned,
		yielded: sets.Make[graph.NodeID](),
	}
	m.rebuild()
	return m
}

// State returns the current state of the Matcher.
func (m *Matcher) State() State { return m.state }

// CacheStats returns how many sub-match lookups were done since the search started, and how many
// of them were answered from the cache.
func (m *Matcher) CacheStats() (lookups, hits int) { return m.lookups, m.cacheHits }

// rebuild recreates the cache from the current graph.
func (m *Matcher) rebuild() {
	m.memo = make(map[memoKey]bool)
	m.candidates = m.candidates[:0]
	for _, id := range m.g.NodeIDs() {
		if m.yielded.Has(id) {
			continue
		}
		if m.root.kind == kindOp && !m.root.isOp(m.g.Operator(id)) {
			continue
		}
		m.candidates = append(m.candidates, id)
	}
	m.cursor = 0
	m.version = m.g.Version()
	m.match = nil
	m.state = Searching
}

// Invalidate drops the cached state. It must be called after any mutation of the graph during
// the search, and may be called at any time.
func (m *Matcher) Invalidate() {
	if m.state == Exhausted {
		return
	}
	if klog.V(2).Enabled() {
		klog.Infof("pattern %s: matcher invalidated (graph version %d -> %d, %d roots yielded)",
			m.root, m.version, m.g.Version(), len(m.yielded))
	}
	m.match = nil
	m.memo = nil
	m.candidates = m.candidates[:0]
	m.state = Invalidated
}

// Next advances to the next match, returning false when there are no more.
//
// It panics if the graph changed since the cache was built and Invalidate was not called.
func (m *Matcher) Next() bool {
	switch m.state {
	case Exhausted:
		return false
	case Invalidated:
		m.rebuild()
	default:
		if m.g.Version() != m.version {
			exceptions.Panicf("pattern %s: graph %s was modified during the search (version %d -> %d) without calling Matcher.Invalidate",
				m.root, m.g.Tag(), m.version, m.g.Version())
		}
	}
	m.match = nil
	for m.cursor < len(m.candidates) {
		id := m.candidates[m.cursor]
		m.cursor++
		if m.yielded.Has(id) {
			continue
		}
		if match, ok := m.bind(id); ok {
			m.yielded.Insert(id)
			m.match = match
			m.state = ProducedMatch
			return true
		}
	}
	m.state = Exhausted
	return false
}

// matches returns whether the pattern node p matches the graph node id, ignoring the
// consistency of the bindings of shared pattern nodes. Results are memoized.
func (m *Matcher) matches(p *Node, id graph.NodeID) bool {
	key := memoKey{p, id}
	m.lookups++
	if result, found := m.memo[key]; found {
		m.cacheHits++
		return result
	}
	result := m.computeMatches(p, id)
	m.memo[key] = result
	return result
}

func (m *Matcher) computeMatches(p *Node, id graph.NodeID) bool {
	op := m.g.Operator(id)
	switch p.kind {
	case kindAny:
		return true
	case kindConstant:
		literal, ok := op.(graph.Literal)
		return ok && literal.LiteralValue() == p.value
	}
	if !p.isOp(op) {
		return false
	}
	if p.anyInputs {
		return true
	}
	edges := m.g.Inputs(id)
	if len(edges) != len(p.inputs) {
		return false
	}
	for slot, e := range edges {
		if e.InputSlot != slot || !m.matches(p.inputs[slot], e.Producer) {
			return false
		}
	}
	return true
}

// bind tries to match the pattern with its root bound to the graph node root.
// The binding is unique when it exists, since each input slot has exactly one producer.
func (m *Matcher) bind(root graph.NodeID) (Match, bool) {
	match := make(Match, len(m.pattern))
	var walk func(p *Node, id graph.NodeID) bool
	walk = func(p *Node, id graph.NodeID) bool {
		if !m.matches(p, id) {
			return false
		}
		if bound, found := match[p]; found {
			return bound == id
		}
		match[p] = id
		if p.kind != kindOp || p.anyInputs {
			return true
		}
		for slot, e := range m.g.Inputs(id) {
			if !walk(p.inputs[slot], e.Producer) {
				return false
			}
		}
		return true
	}
	if !walk(m.root, root) {
		return nil, false
	}
	return match, true
}

func (m *Matcher) checkMatch(method string) {
	if m.state != ProducedMatch {
		exceptions.Panicf("Matcher.%s called without a current match (state %s)", method, m.state)
	}
}

// Resolve returns the graph node bound to the pattern node p in the current match.
// It panics if there is no current match, or if p is not part of the pattern.
func (m *Matcher) Resolve(p *Node) graph.NodeID {
	m.checkMatch("Resolve")
	id, found := m.match[p]
	if !found {
		exceptions.Panicf("Matcher.Resolve: %s is not part of pattern %s", p, m.root)
	}
	return id
}

// Match returns a copy of the current match.
func (m *Matcher) Match() Match {
	m.checkMatch("Match")
	match := make(Match, len(m.match))
	for p, id := range m.match {
		match[p] = id
	}
	return match
}

// Edge returns the graph edge between the nodes bound to the pattern nodes producer and
// consumer, where producer is the input of consumer in the pattern.
//
// It returns an error wrapping graph.ErrStructuralMismatch if the graph no longer has the edge.
func (m *Matcher) Edge(producer, consumer *Node) (graph.Edge, error) {
	m.checkMatch("Edge")
	slot := slices.Index(consumer.inputs, producer)
	if slot < 0 || consumer.anyInputs {
		exceptions.Panicf("Matcher.Edge: %s is not an input of %s in the pattern", producer, consumer)
	}
	consumerID, producerID := m.Resolve(consumer), m.Resolve(producer)
	e, err := m.g.InputEdge(consumerID, slot)
	if err != nil {
		return graph.Edge{}, errors.WithMessagef(err, "pattern %s", m.root)
	}
	if e.Producer != producerID {
		return graph.Edge{}, errors.Wrapf(graph.ErrStructuralMismatch, "pattern %s: input slot %d of %s is fed by %s, matched %s",
			m.root, slot, consumerID, e.Producer, producerID)
	}
	return e, nil
}

// matchedIDs returns the set of graph nodes bound in the current match.
func (m *Matcher) matchedIDs() sets.Set[graph.NodeID] {
	ids := sets.Make[graph.NodeID](len(m.match))
	for _, id := range m.match {
		ids.Insert(id)
	}
	return ids
}

// IsPinned returns whether any of the graph nodes bound to the given pattern nodes is pinned.
func (m *Matcher) IsPinned(ps ...*Node) bool {
	for _, p := range ps {
		if m.pinned.Has(m.Resolve(p)) {
			return true
		}
	}
	return false
}

// CanDelete returns whether the graph nodes bound to the given pattern nodes can be deleted
// once the match is rewritten: none of them is pinned, and none of them has a consumer
// outside the current match.
//
// A match for which it returns false must be skipped, since rewriting it would leave the
// external consumers reading nodes that are no longer part of the computation.
func (m *Matcher) CanDelete(ps ...*Node) bool {
	if m.IsPinned(ps...) {
		return false
	}
	matched := m.matchedIDs()
	for _, p := range ps {
		if external := sets.MakeWith(m.g.Consumers(m.Resolve(p))...).Sub(matched); len(external) > 0 {
			return false
		}
	}
	return true
}

// DeleteMatched removes the graph nodes of the current match that are left without consumers
// after a rewrite, repeating until no more can be removed. Wildcard and pinned nodes are never
// removed. It returns the number of nodes removed.
func (m *Matcher) DeleteMatched() int {
	m.checkMatch("DeleteMatched")
	pending := sets.Make[graph.NodeID]()
	for _, p := range m.pattern {
		if id := m.match[p]; !p.IsWildcard() && !m.pinned.Has(id) {
			pending.Insert(id)
		}
	}
	order := sets.SortedFunc(pending, graph.NodeID.Compare)
	count := 0
	for changed := true; changed; {
		changed = false
		for _, id := range order {
			if !pending.Has(id) {
				continue
			}
			if !m.g.Has(id) {
				pending.Remove(id)
				continue
			}
			removed, err := m.g.SafeRemoveNode(id, 0)
			if err != nil {
				panic(err)
			}
			if removed {
				pending.Remove(id)
				count++
				changed = true
			}
		}
	}
	return count
}
