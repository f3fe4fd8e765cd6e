// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/frontend"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/symbolic"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executors returns one executor per execution mode.
func executors(t *testing.T) map[string]*Executor {
	return map[string]*Executor{
		"sequential": must.M1(New("sequential")),
		"parallel":   must.M1(New("parallel,workers=2")),
		"unlimited":  must.M1(New("workers=-1")),
	}
}

func TestNew(t *testing.T) {
	e, err := New("")
	require.NoError(t, err)
	assert.Equal(t, Parallel, e.Mode())
	assert.Greater(t, e.MaxParallelism(), 0)

	e, err = New("sequential")
	require.NoError(t, err)
	assert.Equal(t, Sequential, e.Mode())
	assert.Equal(t, "Executor(sequential)", e.String())

	e, err = New(" parallel , workers=3 ")
	require.NoError(t, err)
	assert.Equal(t, Parallel, e.Mode())
	assert.Equal(t, 3, e.MaxParallelism())
	assert.Equal(t, "Executor(parallel, workers=3)", e.String())

	// No workers means sequential.
	e, err = New("workers=0")
	require.NoError(t, err)
	assert.Equal(t, Sequential, e.Mode())

	for _, config := range []string{"fast", "workers", "workers=x", "workers=-2", "sequential,turbo"} {
		_, err = New(config)
		assert.Error(t, err, "configuration %q", config)
	}
}

func TestNewDefault(t *testing.T) {
	t.Setenv(GRAPHFUSE_EXECUTOR, "sequential")
	e, err := NewDefault()
	require.NoError(t, err)
	assert.Equal(t, Sequential, e.Mode())

	t.Setenv(GRAPHFUSE_EXECUTOR, "bogus")
	_, err = NewDefault()
	require.Error(t, err)
	assert.Contains(t, err.Error(), GRAPHFUSE_EXECUTOR)
}

func TestExecute(t *testing.T) {
	b := frontend.New()
	x := frontend.Input(b, "x", 2, 3)
	y := frontend.Input(b, "y", 3)
	// sum[i] = sum_j (x[i, j] + y[j]) * 2
	z := frontend.Mul(frontend.Add(x, frontend.Expand(y, 0, 2)), frontend.Constant(b, 2))
	sum := b.Output("sum", frontend.SumReduce(z, 1))
	maxOut := b.Output("max", frontend.MaxReduce(frontend.Permute(x, 1, 0), 0))

	feeds := map[string]*buffers.Buffer{
		"x": buffers.New([]float32{1, 2, 3, 4, 5, 6}),
		"y": buffers.New([]float32{10, 20, 30}),
	}
	for name, e := range executors(t) {
		t.Run(name, func(t *testing.T) {
			results, err := e.Execute(b.Graph(), feeds, nil, sum, maxOut)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, []float64{132, 150}, results[0].Float64s())
			assert.Equal(t, []float64{3, 6}, results[1].Float64s())
			assert.Equal(t, dtypes.Float32, results[0].DType())
		})
	}
}

func TestExecuteOnlyAncestors(t *testing.T) {
	b := frontend.New()
	x := frontend.Input(b, "x", 2)
	out := b.Output("y", frontend.Sqrt(x))
	// Never fed: it must not be evaluated.
	unused := b.Output("unused", frontend.Input(b, "unfed", 2))

	feeds := map[string]*buffers.Buffer{"x": buffers.New([]float64{4, 9})}
	for name, e := range executors(t) {
		t.Run(name, func(t *testing.T) {
			results, err := e.Execute(b.Graph(), feeds, nil, out)
			require.NoError(t, err)
			assert.Equal(t, []float64{2, 3}, results[0].Float64s())

			_, err = e.Execute(b.Graph(), feeds, nil, unused)
			require.ErrorIs(t, err, ops.ErrNotFed)
		})
	}
}

func TestExecuteSymbolic(t *testing.T) {
	b := frontend.New()
	n := symbolic.Var("n")
	x := frontend.InputSymbolic(b, "x", n)
	out := b.Output("y", frontend.Add(x, frontend.Constant(b, 1)))

	e := must.M1(New("sequential"))
	feeds := map[string]*buffers.Buffer{"x": buffers.New([]float32{1, 2, 3})}
	results, err := e.Execute(b.Graph(), feeds, symbolic.Bindings{"n": 3}, out)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4}, results[0].Float64s())

	// Without bindings the dimension is unresolved.
	_, err = e.Execute(b.Graph(), feeds, nil, out)
	var unresolved *symbolic.UnresolvedError
	require.True(t, errors.As(err, &unresolved), "got %v", err)
	assert.Equal(t, "n", unresolved.Name)
}

func TestExecuteErrors(t *testing.T) {
	b := frontend.New()
	x := frontend.Input(b, "x", 3)
	out := b.Output("y", frontend.Exp2(frontend.Neg(x)))
	g := b.Graph()

	for name, e := range executors(t) {
		t.Run(name, func(t *testing.T) {
			_, err := e.Execute(g, nil, nil)
			require.Error(t, err, "no outputs")

			// Int32 is not accepted by arithmetic operators.
			_, err = e.Execute(g, map[string]*buffers.Buffer{"x": buffers.New([]int32{1, 2, 3})}, nil, out)
			var mismatch *buffers.KindMismatchError
			require.True(t, errors.As(err, &mismatch), "got %v", err)
			assert.Equal(t, dtypes.Int32, mismatch.Got)

			_, err = e.Execute(g, map[string]*buffers.Buffer{}, nil, out)
			require.ErrorIs(t, err, ops.ErrNotFed)
		})
	}

	// Stale output ids.
	e := must.M1(New(""))
	stale := g.AddNode(ops.Sqrt{})
	require.NoError(t, g.RemoveNode(stale))
	_, err := e.Execute(g, nil, nil, stale)
	require.ErrorIs(t, err, graph.ErrStaleNode)

	// Invalid graphs are rejected.
	dangling := g.AddNode(ops.Add{})
	_, err = e.Execute(g, map[string]*buffers.Buffer{"x": buffers.New([]float32{1, 2, 3})}, nil, dangling)
	require.ErrorIs(t, err, graph.ErrStructuralMismatch)
}

func TestExecuteWide(t *testing.T) {
	// Many independent branches, to exercise the parallel scheduling.
	b := frontend.New()
	x := frontend.Input(b, "x", 4)
	var outputs []graph.NodeID
	for ii := range 32 {
		branch := x
		for range ii % 5 {
			branch = frontend.Add(branch, frontend.Constant(b, 1))
		}
		outputs = append(outputs, b.Output(fmt.Sprintf("out%d", ii), branch))
	}
	feeds := map[string]*buffers.Buffer{"x": buffers.New([]float32{0, 1, 2, 3})}
	want := must.M1(must.M1(New("sequential")).Execute(b.Graph(), feeds, nil, outputs...))
	got := must.M1(must.M1(New("workers=3")).Execute(b.Graph(), feeds, nil, outputs...))
	require.Len(t, got, len(want))
	for ii := range want {
		assert.Equal(t, want[ii].Float64s(), got[ii].Float64s(), "output #%d", ii)
		assert.Equal(t, float64(ii%5), got[ii].Float64s()[0], "output #%d", ii)
	}
}
