// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements the rewrite passes that fuse sub-graphs of a graph.Graph into
// single, cheaper, operators.
//
// Each pass is a Compiler: it searches its pattern with a pattern.Matcher, skips matches that
// are unsafe to rewrite (their interior nodes are pinned or feed nodes outside the match) or
// that do not satisfy the view preconditions of the fusion, and rewrites the others.
//
// Finding nothing to rewrite is not an error. A malformed graph (graph.ErrStructuralMismatch)
// aborts the pass, with a table of the graph nodes (graph.Graph.Table) attached to the error.
package passes

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/pattern"
	"github.com/gomlx/graphfuse/pkg/core/views"
	"github.com/gomlx/graphfuse/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiler is implemented by graph rewrite passes.
//
// The pinned nodes are referenced from outside the graph (for instance the outputs of the
// computation) and must never be removed, regardless of their number of consumers.
type Compiler interface {
	Compile(g *graph.Graph, pinned sets.Set[graph.NodeID]) error
}

// Run applies the compilers in the given order, stopping at the first error.
func Run(g *graph.Graph, pinned sets.Set[graph.NodeID], compilers ...Compiler) error {
	for _, c := range compilers {
		if err := c.Compile(g, pinned); err != nil {
			return errors.WithMessagef(err, "compiler %T", c)
		}
	}
	return nil
}

// rewriteFn rewrites the current match of m, returning whether the graph was changed.
// Returning false (with no error) skips the match.
type rewriteFn func(m *pattern.Matcher) (bool, error)

// searchAndRewrite calls rewrite for every match of the pattern, and returns the number of
// rewrites applied.
//
// The matcher is invalidated after every match, rewritten or skipped.
func searchAndRewrite(name string, root *pattern.Node, g *graph.Graph, pinned sets.Set[graph.NodeID], rewrite rewriteFn) (count int, err error) {
	m := pattern.Search(root, g, pinned)
	caught := exceptions.TryCatch[error](func() {
		for m.Next() {
			var applied bool
			applied, err = rewrite(m)
			if err != nil {
				return
			}
			if applied {
				count++
			}
			m.Invalidate()
		}
	})
	if caught != nil {
		err = caught
	}
	if err != nil {
		return count, errors.WithMessagef(err, "%s pass failed after %d rewrites, graph %s:\n%s", name, count, g.Tag(), g.Table())
	}
	if count > 0 {
		klog.V(1).Infof("%s: %d rewrites applied to graph %s", name, count, g.Tag())
	}
	return count, nil
}

// isSafe checks the pinned and external-consumer conditions of a match: the root must not be
// pinned, since it is replaced, and the interior nodes must have no consumers outside the match.
func isSafe(name string, m *pattern.Matcher, root *pattern.Node, interior ...*pattern.Node) bool {
	if m.IsPinned(root) {
		klog.Warningf("%s: skipping match at pinned node %s", name, m.Resolve(root))
		return false
	}
	if !m.CanDelete(interior...) {
		klog.V(2).Infof("%s: skipping match at %s, its nodes are used outside of the match", name, m.Resolve(root))
		return false
	}
	return true
}

// isPlain returns whether the view reads the buffer as is: contiguous, not sliced and not padded.
func isPlain(v views.View) bool {
	return v.IsContiguous() && !v.IsSliced() && !v.IsPadded()
}

// skipf logs at verbosity 2 why a match does not satisfy the preconditions of a fusion.
func skipf(name string, format string, args ...any) {
	if klog.V(2).Enabled() {
		klog.Infof("%s: skipping match, %s", name, fmt.Sprintf(format, args...))
	}
}

// edges returns the graph edges for the given (producer, consumer) pattern node pairs.
func edges(m *pattern.Matcher, pairs ...[2]*pattern.Node) ([]graph.Edge, error) {
	result := make([]graph.Edge, len(pairs))
	for ii, pair := range pairs {
		e, err := m.Edge(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		result[ii] = e
	}
	return result, nil
}

// replace wires the edges as the inputs of a new node holding op, moves the consumers of the
// match root to it, and removes the now-dead nodes of the match.
func replace(g *graph.Graph, m *pattern.Matcher, root *pattern.Node, op graph.Operator, inputs ...graph.Edge) (graph.NodeID, error) {
	id := g.AddNode(op)
	for slot, e := range inputs {
		if err := g.Wire(e.Producer, e.OutputSlot, id, slot, e.View); err != nil {
			return id, err
		}
	}
	rootID := m.Resolve(root)
	if err := g.MoveOutgoingEdges(rootID, id); err != nil {
		return id, err
	}
	removed, err := g.SafeRemoveNode(rootID, 0)
	if err != nil {
		return id, err
	}
	if !removed {
		return id, errors.Wrapf(graph.ErrStructuralMismatch, "node %s still has consumers after rerouting", rootID)
	}
	m.DeleteMatched()
	return id, nil
}
