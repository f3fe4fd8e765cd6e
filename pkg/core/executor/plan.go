// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"sync"

	"github.com/gomlx/graphfuse/internal/workerspool"
	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/symbolic"
	"github.com/gomlx/graphfuse/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// plan holds a snapshot of the nodes needed by one execution, so the workers don't need to
// query the graph.
//
// Nodes are indexed by their position in topological order.
type plan struct {
	nodes      []graph.NodeID
	index      map[graph.NodeID]int
	names      []string
	operators  []graph.Operator
	inputs     [][]graph.Edge // Views already resolved.
	dependents [][]int        // One entry per edge, so a consumer reading a node twice is listed twice.
	feeds      []*buffers.Buffer
	results    [][]*buffers.Buffer
}

// ancestors returns the outputs and all nodes they transitively read from.
func ancestors(g *graph.Graph, outputs []graph.NodeID) sets.Set[graph.NodeID] {
	visited := sets.MakeWith(outputs...)
	stack := append([]graph.NodeID(nil), outputs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Inputs(id) {
			if !visited.Has(e.Producer) {
				visited.Insert(e.Producer)
				stack = append(stack, e.Producer)
			}
		}
	}
	return visited
}

func newPlan(g *graph.Graph, feeds map[string]*buffers.Buffer, dims symbolic.Bindings, outputs []graph.NodeID) (*plan, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	needed := ancestors(g, outputs)
	p := &plan{index: make(map[graph.NodeID]int, len(needed))}
	for _, id := range order {
		if needed.Has(id) {
			p.index[id] = len(p.nodes)
			p.nodes = append(p.nodes, id)
		}
	}

	n := len(p.nodes)
	p.names = make([]string, n)
	p.operators = make([]graph.Operator, n)
	p.inputs = make([][]graph.Edge, n)
	p.dependents = make([][]int, n)
	p.feeds = make([]*buffers.Buffer, n)
	p.results = make([][]*buffers.Buffer, n)
	for nodeIdx, id := range p.nodes {
		p.names[nodeIdx] = g.Name(id)
		p.operators[nodeIdx] = g.Operator(id)
		if input, ok := p.operators[nodeIdx].(ops.Input); ok {
			feed, found := feeds[input.Name]
			if !found || feed == nil {
				return nil, errors.Wrapf(ops.ErrNotFed, "Execute: no value given for input %q (node %s)", input.Name, id)
			}
			p.feeds[nodeIdx] = feed
		}
		edges := g.Inputs(id)
		for ii := range edges {
			edges[ii].View = edges[ii].View.Resolve(dims)
			producerIdx := p.index[edges[ii].Producer]
			p.dependents[producerIdx] = append(p.dependents[producerIdx], nodeIdx)
		}
		p.inputs[nodeIdx] = edges
	}
	return p, nil
}

// executeNode evaluates the node, whose inputs must all have been evaluated already.
func (p *plan) executeNode(nodeIdx int) error {
	if feed := p.feeds[nodeIdx]; feed != nil {
		p.results[nodeIdx] = []*buffers.Buffer{feed}
		return nil
	}
	edges := p.inputs[nodeIdx]
	inputs := make([]graph.Input, len(edges))
	for ii, e := range edges {
		produced := p.results[p.index[e.Producer]]
		if e.OutputSlot >= len(produced) {
			return errors.Wrapf(graph.ErrStructuralMismatch,
				"Execute: edge %s reads output %d, but %s produced %d outputs",
				e, e.OutputSlot, p.names[p.index[e.Producer]], len(produced))
		}
		inputs[ii] = graph.Input{Buffer: produced[e.OutputSlot], View: e.View}
	}
	outputs, err := p.operators[nodeIdx].Process(inputs)
	if err != nil {
		return errors.WithMessagef(err, "Execute: node %s (%s)", p.nodes[nodeIdx], p.names[nodeIdx])
	}
	p.results[nodeIdx] = outputs
	return nil
}

// executeSequentially executes the nodes one after another, in topological order.
func (p *plan) executeSequentially() error {
	for nodeIdx := range p.nodes {
		if err := p.executeNode(nodeIdx); err != nil {
			return err
		}
	}
	return nil
}

// executeParallel schedules each node in the workers pool as soon as all its inputs are
// evaluated. It stops at the first error.
func (p *plan) executeParallel(workers *workerspool.Pool) error {
	var (
		readyToExecute chan int // protected by execMu
		collectErrors  []error  // protected by execMu
		execMu         sync.Mutex
	)
	expected := len(p.nodes)
	completed := 0
	readyToExecute = make(chan int, expected+10)
	stopExecutionFn := sync.OnceFunc(func() { close(readyToExecute) })

	remainingDeps := make([]int, expected)
	for nodeIdx := range p.nodes {
		remainingDeps[nodeIdx] = len(p.inputs[nodeIdx])
		if remainingDeps[nodeIdx] == 0 {
			readyToExecute <- nodeIdx
		}
	}

	appendErrorFn := func(err error) {
		execMu.Lock()
		defer execMu.Unlock()
		collectErrors = append(collectErrors, err)
		stopExecutionFn()
	}

	for nodeIdx := range readyToExecute {
		nodeExecFn := func() {
			// On return, update the dependencies and schedule the nodes that became ready.
			defer func() {
				execMu.Lock()
				defer execMu.Unlock()
				if len(collectErrors) > 0 {
					return
				}
				completed++
				if completed == expected {
					stopExecutionFn()
					return
				}
				for _, depIdx := range p.dependents[nodeIdx] {
					remainingDeps[depIdx]--
					if remainingDeps[depIdx] == 0 {
						if klog.V(3).Enabled() {
							klog.Infof("Execute: node %s (%s) is ready", p.nodes[depIdx], p.names[depIdx])
						}
						readyToExecute <- depIdx
					}
				}
			}()
			if err := p.executeNode(nodeIdx); err != nil {
				appendErrorFn(err)
			}
		}
		workers.WaitToStart(nodeExecFn)
	}

	execMu.Lock()
	defer execMu.Unlock()
	if len(collectErrors) > 0 {
		return collectErrors[0]
	}
	return nil
}
