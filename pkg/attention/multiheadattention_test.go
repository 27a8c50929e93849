// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBatch    = 2
	testQuerySeq = 3
	testKeySeq   = 5
	testDim      = 8
	testHeads    = 2
)

// sequence returns a deterministic tensor shaped [seqLen, batch, dim].
func sequence(seqLen, batch, dim int, phase float64) *tensors.Tensor {
	data := make([]float32, seqLen*batch*dim)
	for ii := range data {
		data[ii] = float32(math.Sin(float64(ii)*0.37 + phase))
	}
	return tensors.FromFlatDataAndDimensions(data, seqLen, batch, dim)
}

// graphOutputTensor returns a deterministic graph output shaped [entities, batch, features].
func graphOutputTensor(entities, batch, features int) *tensors.Tensor {
	data := make([]float32, entities*batch*features)
	for ii := range data {
		data[ii] = float32(math.Cos(float64(ii)*0.91)) * 2
	}
	return tensors.FromFlatDataAndDimensions(data, entities, batch, features)
}

// variableData returns the flat values of the variable named name whose scope contains scopePart.
func variableData(t *testing.T, ctx *context.Context, scopePart, name string) []float32 {
	for v := range ctx.IterVariables() {
		if v.Name() == name && strings.Contains(v.Scope()+"/", "/"+scopePart+"/") {
			return tensors.MustCopyFlatData[float32](v.MustValue())
		}
	}
	require.Failf(t, "variable not found", "no variable %q under a scope with %q", name, scopePart)
	return nil
}

// referenceAttention computes plain multi-head attention with the weights stored in ctx.
func referenceAttention(t *testing.T, ctx *context.Context, query, key, value []float32,
	querySeq, keySeq, batch, dim, heads int) []float32 {
	headDim := dim / heads
	project := func(x []float32, seqLen int, scope string) [][][]float64 {
		weights := variableData(t, ctx, scope, "weights")
		biases := variableData(t, ctx, scope, "biases")
		out := make([][][]float64, batch)
		for b := range batch {
			out[b] = make([][]float64, seqLen)
			for s := range seqLen {
				row := make([]float64, dim)
				for o := range dim {
					sum := float64(biases[o])
					for i := range dim {
						sum += float64(x[(s*batch+b)*dim+i]) * float64(weights[i*dim+o])
					}
					row[o] = sum
				}
				out[b][s] = row
			}
		}
		return out
	}
	q := project(query, querySeq, "query")
	k := project(key, keySeq, "key")
	v := project(value, keySeq, "value")
	outWeights := variableData(t, ctx, "output", "weights")
	outBiases := variableData(t, ctx, "output", "biases")

	result := make([]float32, querySeq*batch*dim)
	for b := range batch {
		for i := range querySeq {
			attended := make([]float64, dim)
			for h := range heads {
				logits := make([]float64, keySeq)
				maxLogit := math.Inf(-1)
				for j := range keySeq {
					var dot float64
					for d := range headDim {
						dot += q[b][i][h*headDim+d] * k[b][j][h*headDim+d]
					}
					logits[j] = dot / math.Sqrt(float64(headDim))
					maxLogit = max(maxLogit, logits[j])
				}
				var total float64
				for j := range keySeq {
					logits[j] = math.Exp(logits[j] - maxLogit)
					total += logits[j]
				}
				for j := range keySeq {
					for d := range headDim {
						attended[h*headDim+d] += logits[j] / total * v[b][j][h*headDim+d]
					}
				}
			}
			for o := range dim {
				sum := float64(outBiases[o])
				for in := range dim {
					sum += attended[in] * float64(outWeights[in*dim+o])
				}
				result[(i*batch+b)*dim+o] = float32(sum)
			}
		}
	}
	return result
}

func TestMultiHeadAttention(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	query := sequence(testQuerySeq, testBatch, testDim, 0)
	key := sequence(testKeySeq, testBatch, testDim, 1)
	value := sequence(testKeySeq, testBatch, testDim, 2)
	graphOutput := graphOutputTensor(7, testBatch, 6)

	t.Run("Shapes", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "Shapes")
		q := Parameter(g, "query", shapes.Make(dtypes.Float32, testQuerySeq, testBatch, testDim))
		k := Parameter(g, "key", shapes.Make(dtypes.Float32, testKeySeq, testBatch, testDim))
		kg := Parameter(g, "graph", shapes.Make(dtypes.Float32, 7, testBatch, 6))
		output, coefficients := MultiHeadAttention(ctx, q, k, k, testHeads).DoneWithCoefficients()
		assert.Equal(t, []int{testQuerySeq, testBatch, testDim}, output.Shape().Dimensions)
		assert.Equal(t, []int{testBatch, testHeads, testQuerySeq, testKeySeq}, coefficients.Shape().Dimensions)

		output = MultiHeadAttention(ctx.In("with_knowledge"), q, k, k, 4).
			Knowledge(NewKnowledgeWeighting(ctx.In("with_knowledge")), kg).
			Done()
		assert.Equal(t, []int{testQuerySeq, testBatch, testDim}, output.Shape().Dimensions)
	})

	t.Run("InvalidHeads", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "InvalidHeads")
		q := Parameter(g, "query", shapes.Make(dtypes.Float32, testQuerySeq, testBatch, testDim))
		require.Panics(t, func() { MultiHeadAttention(ctx, q, q, q, 3) })
	})

	t.Run("MatchesReference", func(t *testing.T) {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, q, k, v *Node) *Node {
			return MultiHeadAttention(ctx, q, k, v, testHeads).Done()
		})
		got := tensors.MustCopyFlatData[float32](exec.MustExec(query, key, value)[0])
		want := referenceAttention(t, ctx,
			tensors.MustCopyFlatData[float32](query),
			tensors.MustCopyFlatData[float32](key),
			tensors.MustCopyFlatData[float32](value),
			testQuerySeq, testKeySeq, testBatch, testDim, testHeads)
		require.Len(t, got, len(want))
		assert.True(t, xslices.SlicesInDelta(got, want, 1e-4), "got %v\nwant %v", got, want)
	})

	t.Run("Knowledge", func(t *testing.T) {
		ctx := context.New()
		plainExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, q, k, v *Node) *Node {
			return MultiHeadAttention(ctx, q, k, v, testHeads).Done()
		})
		plain := plainExec.MustExec(query, key, value)[0]

		// Constant-zero relevance: no bias at all.
		zeroExec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, q, k, v, kg *Node) *Node {
			return MultiHeadAttention(ctx, q, k, v, testHeads).Knowledge(ConstantWeighter(0), kg).Done()
		})
		zero := zeroExec.MustExec(query, key, value, graphOutput)[0]
		assert.True(t, plain.InDelta(zero, 1e-6), "zero relevance should not change attention")

		// Constant non-zero relevance shifts every logit of a row equally.
		constExec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, q, k, v, kg *Node) *Node {
			return MultiHeadAttention(ctx, q, k, v, testHeads).Knowledge(ConstantWeighter(0.7), kg).Done()
		})
		constant := constExec.MustExec(query, key, value, graphOutput)[0]
		assert.True(t, plain.InDelta(constant, 1e-5), "uniform relevance should not change attention")

		// Missing graph output falls back to plain attention.
		noGraphExec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, q, k, v *Node) *Node {
			return MultiHeadAttention(ctx, q, k, v, testHeads).
				Knowledge(NewKnowledgeWeighting(ctx), nil).Done()
		})
		noGraph := noGraphExec.MustExec(query, key, value)[0]
		assert.True(t, plain.InDelta(noGraph, 1e-6))

		// Learned relevance changes the distribution.
		learnedExec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, q, k, v, kg *Node) *Node {
			return MultiHeadAttention(ctx, q, k, v, testHeads).
				Knowledge(NewKnowledgeWeighting(ctx), kg).Done()
		})
		learned := learnedExec.MustExec(query, key, value, graphOutput)[0]
		assert.Equal(t, plain.Shape(), learned.Shape())
		assert.False(t, plain.InDelta(learned, 1e-7), "learned relevance should bias attention")

		// Any number of entities is accepted.
		learned = learnedExec.MustExec(query, key, value, graphOutputTensor(2, testBatch, 6))[0]
		assert.Equal(t, []int{testQuerySeq, testBatch, testDim}, learned.Shape().Dimensions)
	})

	t.Run("KeyPaddingMask", func(t *testing.T) {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, q, k *Node) (*Node, *Node) {
			g := q.Graph()
			padding := PaddingMaskFromLengths(Const(g, []int32{5, 3}), testKeySeq)
			return MultiHeadAttention(ctx, q, k, k, testHeads).
				SetKeyPaddingMask(padding).
				DoneWithCoefficients()
		})
		outputs := exec.MustExec(query, key)
		assert.Equal(t, []int{testQuerySeq, testBatch, testDim}, outputs[0].Shape().Dimensions)
		coefficients := outputs[1].Value().([][][][]float32)
		for h := range testHeads {
			for i := range testQuerySeq {
				assert.Equal(t, float32(0), coefficients[1][h][i][3])
				assert.Equal(t, float32(0), coefficients[1][h][i][4])
				assert.InDelta(t, 1.0, sum(coefficients[0][h][i]), 1e-5)
				assert.InDelta(t, 1.0, sum(coefficients[1][h][i]), 1e-5)
			}
		}
	})

	t.Run("CausalMask", func(t *testing.T) {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) (*Node, *Node) {
			g := x.Graph()
			_, boolCoefficients := MultiHeadAttention(ctx, x, x, x, testHeads).
				SetQueryKeyMatrixMask(CausalMask(g, testKeySeq)).
				DoneWithCoefficients()
			// Same mask, as an additive float mask.
			additive := Where(CausalMask(g, testKeySeq),
				Zeros(g, shapes.Make(dtypes.Float32, testKeySeq, testKeySeq)),
				BroadcastToDims(Infinity(g, dtypes.Float32, -1), testKeySeq, testKeySeq))
			_, floatCoefficients := MultiHeadAttention(ctx.Reuse(), x, x, x, testHeads).
				SetQueryKeyMatrixMask(additive).
				DoneWithCoefficients()
			return boolCoefficients, floatCoefficients
		})
		outputs := exec.MustExec(key)
		boolCoefficients := outputs[0].Value().([][][][]float32)
		for b := range testBatch {
			for h := range testHeads {
				for i := range testKeySeq {
					for j := i + 1; j < testKeySeq; j++ {
						assert.Equal(t, float32(0), boolCoefficients[b][h][i][j])
					}
					assert.InDelta(t, 1.0, sum(boolCoefficients[b][h][i]), 1e-5)
				}
			}
		}
		assert.True(t, outputs[0].InDelta(outputs[1], 1e-6))
	})

	t.Run("AllMaskedRow", func(t *testing.T) {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, q, k *Node) (*Node, *Node) {
			g := q.Graph()
			padding := PaddingMaskFromLengths(Const(g, []int32{0, 5}), testKeySeq)
			return MultiHeadAttention(ctx, q, k, k, testHeads).
				SetKeyPaddingMask(padding).
				DoneWithCoefficients()
		})
		outputs := exec.MustExec(query, key)
		coefficients := outputs[1].Value().([][][][]float32)
		for h := range testHeads {
			for i := range testQuerySeq {
				assert.Equal(t, []float32{0, 0, 0, 0, 0}, coefficients[0][h][i])
			}
		}
		for _, v := range tensors.MustCopyFlatData[float32](outputs[0]) {
			assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	})

	t.Run("DropoutOnlyWhenTraining", func(t *testing.T) {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, q, k *Node) (*Node, *Node) {
			plain := MultiHeadAttention(ctx, q, k, k, testHeads).Done()
			withDropout := MultiHeadAttention(ctx.Reuse(), q, k, k, testHeads).
				Dropout(0.5).Training(false).Done()
			return plain, withDropout
		})
		outputs := exec.MustExec(query, key)
		assert.True(t, outputs[0].InDelta(outputs[1], 0))
	})
}

func TestPaddingMaskFromLengths(t *testing.T) {
	graphtest.RunTestGraphFn(t, "PaddingMaskFromLengths", func(g *Graph) (inputs, outputs []*Node) {
		lengths := Const(g, []int32{1, 3, 0})
		inputs = []*Node{lengths}
		outputs = []*Node{PaddingMaskFromLengths(lengths, 3)}
		return
	}, []any{
		[][]bool{{false, true, true}, {false, false, false}, {true, true, true}},
	}, 0)
}

func sum(values []float32) float64 {
	var total float64
	for _, v := range values {
		total += float64(v)
	}
	return total
}
