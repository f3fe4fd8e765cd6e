// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/executor"
	"github.com/gomlx/graphfuse/pkg/core/frontend"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/pattern"
	"github.com/gomlx/graphfuse/pkg/support/sets"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feeds = map[string]*buffers.Buffer

// execute evaluates all the declared outputs of the builder.
func execute(t *testing.T, b *frontend.Builder, inputs feeds) [][]float64 {
	t.Helper()
	e := must.M1(executor.New("sequential"))
	results, err := e.Execute(b.Graph(), inputs, nil, b.Outputs()...)
	require.NoError(t, err)
	values := make([][]float64, len(results))
	for ii, result := range results {
		values[ii] = result.Float64s()
	}
	return values
}

// countOps returns the number of nodes per operator name.
func countOps(g *graph.Graph) map[string]int {
	counts := make(map[string]int)
	for _, id := range g.NodeIDs() {
		counts[g.Name(id)]++
	}
	return counts
}

// compiler is implemented by the passes of this package.
type compiler interface {
	Compiler
	compile(g *graph.Graph, pinned sets.Set[graph.NodeID]) (int, error)
}

// compileAndCompare compiles the graph, checks that the outputs are unchanged and that a second
// compilation rewrites nothing. It returns the number of rewrites.
func compileAndCompare(t *testing.T, c compiler, b *frontend.Builder, inputs feeds) int {
	t.Helper()
	before := execute(t, b, inputs)
	count, err := c.compile(b.Graph(), b.Pinned())
	require.NoError(t, err)
	require.NoError(t, b.Graph().Validate())
	after := execute(t, b, inputs)
	require.Len(t, after, len(before))
	for ii := range before {
		assert.InDeltaSlice(t, before[ii], after[ii], 1e-6, "output #%d", ii)
	}
	again, err := c.compile(b.Graph(), b.Pinned())
	require.NoError(t, err)
	assert.Equal(t, 0, again, "a second compilation must not find anything to rewrite")
	return count
}

func TestSubtraction(t *testing.T) {
	b := frontend.New()
	a, c := frontend.Input(b, "a", 3), frontend.Input(b, "b", 3)
	out := b.Output("y", frontend.Minus(a, c))
	inputs := feeds{
		"a": buffers.New([]float32{1, 2, 3}),
		"b": buffers.New([]float32{1, 1, 1}),
	}
	assert.Equal(t, [][]float64{{0, 1, 2}}, execute(t, b, inputs))

	count, err := Subtraction{}.compile(b.Graph(), b.Pinned())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, [][]float64{{0, 1, 2}}, execute(t, b, inputs))

	g := b.Graph()
	want := map[string]int{`Input("a")`: 1, `Input("b")`: 1, "Sub": 1, `Output("y")`: 1}
	if diff := cmp.Diff(want, countOps(g)); diff != "" {
		t.Errorf("unexpected nodes after rewrite (-want +got):\n%s", diff)
	}
	sub := g.Inputs(out)[0].Producer
	assert.IsType(t, ops.Sub{}, g.Operator(sub))
	subInputs := g.Inputs(sub)
	require.Len(t, subInputs, 2)
	assert.Equal(t, a.ID(), subInputs[0].Producer)
	assert.Equal(t, c.ID(), subInputs[1].Producer)

	// Idempotent.
	count, err = Subtraction{}.compile(g, b.Pinned())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestEquality(t *testing.T) {
	b := frontend.New()
	a, c := frontend.Input(b, "a", 2), frontend.Input(b, "b", 2)
	out := b.Output("eq", frontend.EqualViaLessThan(a, c))
	inputs := feeds{
		"a": buffers.New([]float32{0, 2}),
		"b": buffers.New([]float32{1, 2}),
	}
	assert.Equal(t, [][]float64{{0, 1}}, execute(t, b, inputs))

	require.NoError(t, Equality{}.Compile(b.Graph(), b.Pinned()))
	assert.Equal(t, [][]float64{{0, 1}}, execute(t, b, inputs))

	g := b.Graph()
	want := map[string]int{`Input("a")`: 1, `Input("b")`: 1, "Equal": 1, `Output("eq")`: 1}
	if diff := cmp.Diff(want, countOps(g)); diff != "" {
		t.Errorf("unexpected nodes after rewrite (-want +got):\n%s", diff)
	}
	eq := g.Inputs(out)[0].Producer
	assert.IsType(t, ops.Equal{}, g.Operator(eq))
	assert.Equal(t, []graph.NodeID{a.ID(), c.ID()}, []graph.NodeID{g.Inputs(eq)[0].Producer, g.Inputs(eq)[1].Producer})
}

func TestGather(t *testing.T) {
	b := frontend.New()
	indices := frontend.Input(b, "indices", 2)
	table := frontend.Input(b, "table", 2, 3)
	out := b.Output("embeddings", frontend.OneHotEmbedding(indices, table))
	inputs := feeds{
		"indices": buffers.New([]float32{1, 0}),
		"table":   buffers.New([]float32{1, 2, 3, 4, 5, 6}),
	}
	want := [][]float64{{4, 5, 6, 1, 2, 3}}
	assert.Equal(t, want, execute(t, b, inputs))

	count, err := Gather{}.compile(b.Graph(), b.Pinned())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, want, execute(t, b, inputs))

	g := b.Graph()
	gather := g.Inputs(out)[0].Producer
	assert.Equal(t, ops.Gather{EmbedDim: 3}, g.Operator(gather))
	wantOps := map[string]int{
		`Input("indices")`: 1, `Input("table")`: 1, "Gather(embed_dim=3)": 1, `Output("embeddings")`: 1,
	}
	if diff := cmp.Diff(wantOps, countOps(g)); diff != "" {
		t.Errorf("unexpected nodes after rewrite (-want +got):\n%s", diff)
	}
	gatherInputs := g.Inputs(gather)
	require.Len(t, gatherInputs, 2)
	assert.Equal(t, indices.ID(), gatherInputs[0].Producer)
	assert.Equal(t, table.ID(), gatherInputs[1].Producer)
	assert.True(t, gatherInputs[1].View.IsContiguous())
	assert.False(t, gatherInputs[1].View.IsBroadcast())
}

func TestGatherOperandOrder(t *testing.T) {
	// ARange(vocab) == indices, with the ARange first.
	b := frontend.New()
	indices := frontend.Input(b, "indices", 2)
	table := frontend.Input(b, "table", 2, 3)
	oneHot := frontend.Equal(frontend.Expand(frontend.ARange(b, 2), 0, 2), frontend.Expand(indices, 1, 2))
	products := frontend.Mul(frontend.Expand(oneHot, 2, 3), frontend.Expand(table, 0, 2))
	out := b.Output("embeddings", frontend.SumReduce(products, 1))
	inputs := feeds{
		"indices": buffers.New([]float32{1, 0}),
		"table":   buffers.New([]float32{1, 2, 3, 4, 5, 6}),
	}
	assert.Equal(t, [][]float64{{4, 5, 6, 1, 2, 3}}, execute(t, b, inputs))
	assert.Equal(t, 1, compileAndCompare(t, Gather{}, b, inputs))

	g := b.Graph()
	gather := g.Inputs(out)[0].Producer
	assert.Equal(t, ops.Gather{EmbedDim: 3}, g.Operator(gather))
	gatherInputs := g.Inputs(gather)
	require.Len(t, gatherInputs, 2)
	assert.Equal(t, indices.ID(), gatherInputs[0].Producer)
	assert.Equal(t, table.ID(), gatherInputs[1].Producer)
	assert.Zero(t, countOps(g)["ARange"])
}

func TestGatherKind(t *testing.T) {
	b := frontend.New()
	indices := frontend.Input(b, "indices", 3)
	table := frontend.Input(b, "table", 2, 2)
	out := b.Output("embeddings", frontend.OneHotEmbedding(indices, table))
	inputs := feeds{
		"indices": buffers.New([]float32{1, 0, 5}),
		"table":   buffers.New([]float64{1, 2, 3, 4}),
	}
	e := must.M1(executor.New("sequential"))
	before := must.M1(e.Execute(b.Graph(), inputs, nil, out))[0]
	assert.Equal(t, 1, compileAndCompare(t, Gather{}, b, inputs))
	after := must.M1(e.Execute(b.Graph(), inputs, nil, out))[0]
	assert.Equal(t, before.DType(), after.DType())
	assert.Equal(t, []float64{3, 4, 1, 2, 0, 0}, after.Float64s())
}

func randomValues(n int, fn func() float32) *buffers.Buffer {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = fn()
	}
	return buffers.New(values)
}

func TestRandomizedEquivalence(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	uniform := func() float32 { return float32(rng.NormFloat64()) }
	smallInt := func() float32 { return float32(rng.IntN(3)) }

	for trial := range 20 {
		n := 1 + rng.IntN(8)

		b := frontend.New()
		a, c := frontend.Input(b, "a", n), frontend.Input(b, "b", n)
		b.Output("minus", frontend.Minus(a, c))
		count := compileAndCompare(t, Subtraction{}, b, feeds{
			"a": randomValues(n, uniform),
			"b": randomValues(n, uniform),
		})
		assert.Equal(t, 1, count, "trial %d", trial)

		b = frontend.New()
		a, c = frontend.Input(b, "a", n), frontend.Input(b, "b", n)
		b.Output("eq", frontend.EqualViaLessThan(a, c))
		count = compileAndCompare(t, Equality{}, b, feeds{
			"a": randomValues(n, smallInt),
			"b": randomValues(n, smallInt),
		})
		assert.Equal(t, 1, count, "trial %d", trial)

		// Indices out of the vocabulary, negative or non-integer read as rows of zeros.
		vocab, embedDim := 1+rng.IntN(6), 1+rng.IntN(4)
		b = frontend.New()
		indices := frontend.Input(b, "indices", n)
		table := frontend.Input(b, "table", vocab, embedDim)
		b.Output("embeddings", frontend.OneHotEmbedding(indices, table))
		count = compileAndCompare(t, Gather{}, b, feeds{
			"indices": randomValues(n, func() float32 {
				switch rng.IntN(10) {
				case 0:
					return float32(vocab)
				case 1:
					return -1
				case 2:
					return 0.5
				}
				return float32(rng.IntN(vocab))
			}),
			"table": randomValues(vocab*embedDim, uniform),
		})
		assert.Equal(t, 1, count, "trial %d", trial)
	}
}

func TestSharedSubExpression(t *testing.T) {
	// b * -1 is also used outside of the match: it can't be removed, so nothing is rewritten.
	b := frontend.New()
	a, c := frontend.Input(b, "a", 3), frontend.Input(b, "b", 3)
	neg := frontend.Neg(c)
	b.Output("y", frontend.Add(a, neg))
	b.Output("z", frontend.Exp2(neg))
	numNodes := b.Graph().NumNodes()
	count := compileAndCompare(t, Subtraction{}, b, feeds{
		"a": buffers.New([]float32{1, 2, 3}),
		"b": buffers.New([]float32{3, 2, 1}),
	})
	assert.Equal(t, 0, count)
	assert.Equal(t, numNodes, b.Graph().NumNodes())

	// One of the comparisons, or their sum, is also an output.
	for _, shared := range []string{"lt", "ne"} {
		b = frontend.New()
		a, c = frontend.Input(b, "a", 3), frontend.Input(b, "b", 3)
		lt1 := frontend.LessThan(a, c)
		ne := frontend.Add(lt1, frontend.LessThan(c, a))
		b.Output("eq", frontend.Sub(frontend.Constant(b, 1), ne))
		if shared == "lt" {
			b.Output(shared, lt1)
		} else {
			b.Output(shared, ne)
		}
		numNodes = b.Graph().NumNodes()
		count = compileAndCompare(t, Equality{}, b, feeds{
			"a": buffers.New([]float32{1, 2, 3}),
			"b": buffers.New([]float32{3, 2, 1}),
		})
		assert.Equal(t, 0, count, "%s shared", shared)
		assert.Equal(t, numNodes, b.Graph().NumNodes(), "%s shared", shared)
	}

	// The one-hot encoding is also an output.
	b = frontend.New()
	indices := frontend.Input(b, "indices", 2)
	table := frontend.Input(b, "table", 3, 2)
	oneHot := frontend.Equal(frontend.Expand(indices, 1, 3), frontend.Expand(frontend.ARange(b, 3), 0, 2))
	products := frontend.Mul(frontend.Expand(oneHot, 2, 2), frontend.Expand(table, 0, 2))
	b.Output("embeddings", frontend.SumReduce(products, 1))
	b.Output("oneHot", oneHot)
	count = compileAndCompare(t, Gather{}, b, feeds{
		"indices": buffers.New([]float32{2, 1}),
		"table":   buffers.New([]float32{1, 2, 3, 4, 5, 6}),
	})
	assert.Equal(t, 0, count)
}

func TestPinnedRoot(t *testing.T) {
	b := frontend.New()
	a, c := frontend.Input(b, "a", 3), frontend.Input(b, "b", 3)
	y := frontend.Minus(a, c)
	b.Output("y", y)
	pinned := b.Pinned()
	pinned.Insert(y.ID())
	count, err := Subtraction{}.compile(b.Graph(), pinned)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.True(t, b.Graph().Has(y.ID()))
}

func TestViewPreconditions(t *testing.T) {
	inputs := feeds{
		"a": buffers.New([]float32{1, 2, 3}),
		"b": buffers.New([]float32{4, 5, 6, 7}),
	}

	// The -1 is read through padding: its last position reads 0.
	b := frontend.New()
	a, c := frontend.Input(b, "a", 3), frontend.Input(b, "b", 4)
	minusOne := frontend.Pad(frontend.Expand(frontend.Constant(b, -1), 0, 2), 0, 0, 1)
	b.Output("y", frontend.Add(a, frontend.Mul(frontend.Slice(c, 0, 0, 3), minusOne)))
	assert.Equal(t, [][]float64{{-3, -3, 3}}, execute(t, b, inputs))
	assert.Equal(t, 0, compileAndCompare(t, Subtraction{}, b, inputs))

	// The addition reads a slice of b * -1.
	b = frontend.New()
	a, c = frontend.Input(b, "a", 3), frontend.Input(b, "b", 4)
	b.Output("y", frontend.Add(a, frontend.Slice(frontend.Neg(c), 0, 1, 4)))
	assert.Equal(t, [][]float64{{-4, -4, -4}}, execute(t, b, inputs))
	assert.Equal(t, 0, compileAndCompare(t, Subtraction{}, b, inputs))

	// The comparisons read a through different views.
	b = frontend.New()
	a, c = frontend.Input(b, "a", 3), frontend.Input(b, "b", 4)
	cSlice := frontend.Slice(c, 0, 0, 3)
	lt1 := frontend.LessThan(a, cSlice)
	lt2 := frontend.LessThan(frontend.Slice(c, 0, 1, 4), a)
	b.Output("y", frontend.Sub(frontend.Constant(b, 1), frontend.Add(lt1, lt2)))
	assert.Equal(t, 0, compileAndCompare(t, Equality{}, b, inputs))
}

func TestRun(t *testing.T) {
	b := frontend.New()
	a, c := frontend.Input(b, "a", 2), frontend.Input(b, "b", 2)
	table := frontend.Input(b, "table", 3, 2)
	b.Output("minus", frontend.Minus(a, c))
	b.Output("eq", frontend.EqualViaLessThan(a, c))
	b.Output("embeddings", frontend.OneHotEmbedding(a, table))
	inputs := feeds{
		"a":     buffers.New([]float32{2, 1}),
		"b":     buffers.New([]float32{2, 0}),
		"table": buffers.New([]float32{1, 2, 3, 4, 5, 6}),
	}
	before := execute(t, b, inputs)
	require.NoError(t, Run(b.Graph(), b.Pinned(), Subtraction{}, Equality{}, Gather{}))
	assert.Equal(t, before, execute(t, b, inputs))
	assert.Equal(t, [][]float64{{0, 1}, {1, 0}, {5, 6, 3, 4}}, before)

	counts := countOps(b.Graph())
	assert.Equal(t, 1, counts["Sub"])
	assert.Equal(t, 1, counts["Equal"])
	assert.Equal(t, 1, counts["Gather(embed_dim=2)"])
	assert.Zero(t, counts["Add"])
	assert.Zero(t, counts["LessThan"])
	assert.Zero(t, counts["SumReduce"])

	// Errors stop the sequence.
	err := Run(b.Graph(), b.Pinned(), failingCompiler{}, Subtraction{})
	require.ErrorIs(t, err, graph.ErrStructuralMismatch)
	assert.Contains(t, err.Error(), "failingCompiler")
}

type failingCompiler struct{}

func (failingCompiler) Compile(*graph.Graph, sets.Set[graph.NodeID]) error {
	return errors.Wrap(graph.ErrStructuralMismatch, "always fails")
}

func TestSearchAndRewriteErrors(t *testing.T) {
	b := frontend.New()
	a, c := frontend.Input(b, "a", 2), frontend.Input(b, "b", 2)
	b.Output("y", frontend.Minus(a, c))
	p := newSubtractionPattern()

	// Structural errors abort the pass, with the graph attached.
	_, err := searchAndRewrite("Test", p.add, b.Graph(), nil, func(*pattern.Matcher) (bool, error) {
		return false, errors.Wrap(graph.ErrStructuralMismatch, "broken")
	})
	require.ErrorIs(t, err, graph.ErrStructuralMismatch)
	assert.Contains(t, err.Error(), "Test pass failed after 0 rewrites")
	assert.Contains(t, err.Error(), b.Graph().Tag())
	assert.Contains(t, err.Error(), b.Graph().Table())
	assert.Contains(t, err.Error(), "Consumers")
	assert.Contains(t, err.Error(), `Input("a")`)

	// Misuse of the matcher is reported as an error.
	_, err = searchAndRewrite("Test", p.add, b.Graph(), nil, func(m *pattern.Matcher) (bool, error) {
		m.Resolve(pattern.Any())
		return false, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not part of pattern")

	// Panics that are not errors are not swallowed.
	assert.Panics(t, func() {
		_, _ = searchAndRewrite("Test", p.add, b.Graph(), nil, func(*pattern.Matcher) (bool, error) {
			panic("not an error")
		})
	})
	require.NoError(t, b.Graph().Validate())
}
