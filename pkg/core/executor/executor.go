// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package executor implements a reference executor for graph.Graph.
//
// It is not meant to be fast: it evaluates every node needed by the requested outputs with the
// node's operator, reading each input through the view of its edge. It is used to check that
// rewrites preserve the semantics of a graph, by evaluating it before and after.
//
// Nodes holding an ops.Input operator take their value from the feeds given to Execute, and
// symbolic dimensions of the edge views are resolved with the given bindings.
package executor

import (
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphfuse/internal/workerspool"
	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/symbolic"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GRAPHFUSE_EXECUTOR is the environment variable with the default executor configuration.
//
// See New for the format of the configuration.
//
//nolint:revive
const GRAPHFUSE_EXECUTOR = "GRAPHFUSE_EXECUTOR"

// Mode of execution of the nodes.
type Mode int

const (
	// Parallel executes independent nodes concurrently, using a pool of workers.
	Parallel Mode = iota

	// Sequential executes the nodes one after the other, in topological order.
	Sequential
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Parallel:
		return "parallel"
	case Sequential:
		return "sequential"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Executor evaluates graphs. It can be used concurrently to evaluate different graphs, or the same
// graph as long as it is not being mutated.
type Executor struct {
	mode    Mode
	workers *workerspool.Pool
}

// New creates an Executor configured by a comma-separated list of options:
//
//   - "parallel": independent nodes are executed concurrently (the default).
//   - "sequential": nodes are executed one at a time, in topological order.
//   - "workers=N": the maximum parallelism of the parallel mode. 0 disables parallelism
//     (same as "sequential"), and -1 makes it unlimited. It defaults to runtime.NumCPU().
//
// An empty configuration uses the defaults.
func New(config string) (*Executor, error) {
	e := &Executor{
		mode:    Parallel,
		workers: workerspool.New(),
	}
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		key, value, hasValue := strings.Cut(option, "=")
		switch {
		case option == "":
			continue
		case option == "parallel":
			e.mode = Parallel
		case option == "sequential":
			e.mode = Sequential
		case key == "workers" && hasValue:
			n, err := strconv.Atoi(value)
			if err != nil || n < -1 {
				return nil, errors.Errorf("executor: invalid number of workers in option %q of configuration %q", option, config)
			}
			e.workers.SetMaxParallelism(n)
		default:
			return nil, errors.Errorf("executor: unknown option %q in configuration %q", option, config)
		}
	}
	if !e.workers.IsEnabled() {
		e.mode = Sequential
	}
	return e, nil
}

// NewDefault creates an Executor configured by the environment variable GRAPHFUSE_EXECUTOR, if set.
// Otherwise, it uses the default configuration.
func NewDefault() (*Executor, error) {
	config, found := os.LookupEnv(GRAPHFUSE_EXECUTOR)
	if !found {
		return New("")
	}
	e, err := New(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing $%s", GRAPHFUSE_EXECUTOR)
	}
	return e, nil
}

// Mode returns the execution mode.
func (e *Executor) Mode() Mode { return e.mode }

// MaxParallelism returns the maximum parallelism used in Parallel mode.
func (e *Executor) MaxParallelism() int { return e.workers.MaxParallelism() }

// String implements fmt.Stringer.
func (e *Executor) String() string {
	if e.mode == Sequential {
		return "Executor(sequential)"
	}
	return "Executor(parallel, workers=" + strconv.Itoa(e.workers.MaxParallelism()) + ")"
}

// Execute evaluates the given output nodes of the graph, and returns the first output buffer of
// each of them.
//
// Only the nodes the outputs depend on are evaluated. The feeds map the names of the ops.Input
// nodes to their values, and dims resolves the symbolic dimensions of the views of the edges.
// The graph must not be mutated during the execution.
func (e *Executor) Execute(g *graph.Graph, feeds map[string]*buffers.Buffer, dims symbolic.Bindings,
	outputs ...graph.NodeID) ([]*buffers.Buffer, error) {
	if len(outputs) == 0 {
		return nil, errors.New("Execute: no outputs requested")
	}
	for ii, output := range outputs {
		if !g.Has(output) {
			return nil, errors.Wrapf(graph.ErrStaleNode, "Execute: output #%d (%s)", ii, output)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "Execute: invalid graph %s", g.Tag())
	}
	p, err := newPlan(g, feeds, dims, outputs)
	if err != nil {
		return nil, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("Execute(%s): %s nodes to evaluate in %s mode", g.Tag(), humanize.Comma(int64(len(p.nodes))), e.mode)
	}

	if e.mode == Sequential {
		err = p.executeSequentially()
	} else {
		err = p.executeParallel(e.workers)
	}
	if err != nil {
		return nil, err
	}

	results := make([]*buffers.Buffer, len(outputs))
	for ii, output := range outputs {
		produced := p.results[p.index[output]]
		if len(produced) == 0 || produced[0] == nil {
			return nil, errors.Errorf("Execute: output #%d (%s) produced no buffers", ii, output)
		}
		results[ii] = produced[0]
	}
	return results, nil
}
