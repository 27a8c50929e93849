// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements a multi-head attention layer that can be biased by the output of a
// knowledge graph.
//
// Sequences follow the `[seq, batch, features]` layout. Without a Weighter (or without a graph
// output) the layer is the plain scaled dot-product multi-head attention of "Attention Is All You
// Need", https://arxiv.org/abs/1706.03762.
package attention

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// MultiHeadAttentionBuilder is a helper to build a knowledge-aware multi-head-attention computation.
// Create it with MultiHeadAttention, set the desired parameters, and when all is set, call Done.
type MultiHeadAttentionBuilder struct {
	ctx               *context.Context
	g                 *Graph
	query, key, value *Node
	numHeads, headDim int
	modelDim          int

	dropoutRate float64
	training    bool

	attentionMask, keyPaddingMask *Node

	weighter    Weighter
	graphOutput *Node
}

// MultiHeadAttention creates the attention of query over key/value, with numHeads heads.
//
// Shapes:
//
//   - query: `[querySeq, batch, modelDim]`.
//   - key, value: `[keySeq, batch, modelDim]`.
//
// modelDim must be divisible by numHeads, and each head uses `modelDim/numHeads` features.
//
// Variables are created under the scope "knowledge_attention" of ctx: "query", "key" and "value"
// projections and the final "output" projection.
//
// The returned builder can be further configured. Call MultiHeadAttentionBuilder.Done to get the
// output shaped `[querySeq, batch, modelDim]`, or MultiHeadAttentionBuilder.DoneWithCoefficients
// to also get the attention weights.
func MultiHeadAttention(ctx *context.Context, query, key, value *Node, numHeads int) *MultiHeadAttentionBuilder {
	queryShape, keyShape, valueShape := query.Shape(), key.Shape(), value.Shape()
	if queryShape.Rank() != 3 || keyShape.Rank() != 3 || valueShape.Rank() != 3 {
		Panicf("MultiHeadAttention requires rank-3 [seq, batch, features] query, key and value, got "+
			"query=%s, key=%s, value=%s", queryShape, keyShape, valueShape)
	}
	if keyShape.DType != queryShape.DType || keyShape.DType != valueShape.DType {
		Panicf("key, query and value should have the same dtype, instead got shapes key=%s, query=%s, value=%s",
			keyShape, queryShape, valueShape)
	}
	if !slices.Equal(keyShape.Dimensions, valueShape.Dimensions) {
		Panicf("key and value must have the same shape, got key=%s, value=%s", keyShape, valueShape)
	}
	if queryShape.Dim(1) != keyShape.Dim(1) {
		Panicf("query and key must have the same batch size, got query=%s, key=%s", queryShape, keyShape)
	}
	modelDim := queryShape.Dim(2)
	if keyShape.Dim(2) != modelDim {
		Panicf("query and key must have the same number of features, got query=%s, key=%s", queryShape, keyShape)
	}
	if numHeads <= 0 || modelDim%numHeads != 0 {
		Panicf("model dimension %d must be divisible by the number of heads %d", modelDim, numHeads)
	}
	return &MultiHeadAttentionBuilder{
		ctx:      ctx.In("knowledge_attention"),
		g:        query.Graph(),
		query:    query,
		key:      key,
		value:    value,
		numHeads: numHeads,
		headDim:  modelDim / numHeads,
		modelDim: modelDim,
	}
}

// SetQueryKeyMatrixMask sets the mask of which queries can attend to which keys, shaped
// `[querySeq, keySeq]`.
//
// A boolean mask is true where attending is allowed. A float mask is added to the attention logits,
// and its `-inf` entries are treated as disallowed pairs, which always get exactly zero weight.
func (b *MultiHeadAttentionBuilder) SetQueryKeyMatrixMask(mask *Node) *MultiHeadAttentionBuilder {
	if mask == nil {
		b.attentionMask = nil
		return b
	}
	want := []int{b.query.Shape().Dim(0), b.key.Shape().Dim(0)}
	if !slices.Equal(mask.Shape().Dimensions, want) {
		Panicf("attention mask must be shaped [querySeq, keySeq]=%v, got %s", want, mask.Shape())
	}
	if mask.DType() != dtypes.Bool && !mask.DType().IsFloat() {
		Panicf("attention mask must be bool or float, got %s", mask.Shape())
	}
	b.attentionMask = mask
	return b
}

// SetKeyPaddingMask sets which keys are padding, shaped `[batch, keySeq]`: true marks a padded key,
// which gets zero attention weight from every query and head.
func (b *MultiHeadAttentionBuilder) SetKeyPaddingMask(mask *Node) *MultiHeadAttentionBuilder {
	if mask == nil {
		b.keyPaddingMask = nil
		return b
	}
	want := []int{b.key.Shape().Dim(1), b.key.Shape().Dim(0)}
	if mask.DType() != dtypes.Bool || !slices.Equal(mask.Shape().Dimensions, want) {
		Panicf("key padding mask must be a bool shaped [batch, keySeq]=%v, got %s", want, mask.Shape())
	}
	b.keyPaddingMask = mask
	return b
}

// Knowledge enables knowledge weighting: weighter scores the projected queries and keys against
// graphOutput (shaped `[entities, batch, features]`), and the resulting bias is added to the
// attention logits.
//
// If either weighter or graphOutput is nil, knowledge weighting is disabled.
func (b *MultiHeadAttentionBuilder) Knowledge(weighter Weighter, graphOutput *Node) *MultiHeadAttentionBuilder {
	b.weighter = weighter
	b.graphOutput = graphOutput
	return b
}

// Dropout sets the dropout rate applied to the attention weights. Default is 0.
func (b *MultiHeadAttentionBuilder) Dropout(rate float64) *MultiHeadAttentionBuilder {
	if rate < 0 || rate >= 1 {
		Panicf("dropout rate %g must be in [0, 1)", rate)
	}
	b.dropoutRate = rate
	return b
}

// Training sets whether the attention is being computed for training. Dropout is only applied
// when training. Default is false.
func (b *MultiHeadAttentionBuilder) Training(training bool) *MultiHeadAttentionBuilder {
	b.training = training
	return b
}

// Done returns the attention output, shaped `[querySeq, batch, modelDim]`.
func (b *MultiHeadAttentionBuilder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}

// DoneWithCoefficients returns the attention output, shaped `[querySeq, batch, modelDim]`, and the
// attention coefficients, shaped `[batch, heads, querySeq, keySeq]`.
//
// A query whose keys are all masked gets all-zero coefficients, and a zero context vector.
func (b *MultiHeadAttentionBuilder) DoneWithCoefficients() (output, coefficients *Node) {
	ctx := b.ctx
	g := b.g
	dtype := b.query.DType()
	batchSize := b.query.Shape().Dim(1)
	querySeq, keySeq := b.query.Shape().Dim(0), b.key.Shape().Dim(0)

	// Batch-major: [batch, seq, features].
	query := Transpose(b.query, 0, 1)
	key := Transpose(b.key, 0, 1)
	value := Transpose(b.value, 0, 1)

	// Projections: [batch, seq, heads, headDim].
	projectedQuery := layers.Dense(ctx.In("query"), query, true, b.numHeads, b.headDim)
	projectedKey := layers.Dense(ctx.In("key"), key, true, b.numHeads, b.headDim)
	projectedValue := layers.Dense(ctx.In("value"), value, true, b.numHeads, b.headDim)

	// logits: [batch, heads, querySeq, keySeq]
	logits := Einsum("bqhd,bkhd->bhqk", projectedQuery, projectedKey)
	logits = MulScalar(logits, 1.0/math.Sqrt(float64(b.headDim)))
	if b.weighter != nil && b.graphOutput != nil {
		logits = Add(logits, knowledgeBias(b.weighter, projectedQuery, projectedKey, b.graphOutput))
	}

	logitsDims := []int{batchSize, b.numHeads, querySeq, keySeq}
	var mask *Node
	if b.attentionMask != nil {
		attnMask := b.attentionMask
		if attnMask.DType() != dtypes.Bool {
			attnMask = ConvertDType(attnMask, dtype)
			allowed := GreaterThan(attnMask, Infinity(g, dtype, -1))
			additive := Where(allowed, attnMask, ZerosLike(attnMask))
			logits = Add(logits, BroadcastToDims(Reshape(additive, 1, 1, querySeq, keySeq), logitsDims...))
			attnMask = allowed
		}
		mask = BroadcastToDims(Reshape(attnMask, 1, 1, querySeq, keySeq), logitsDims...)
	}
	if b.keyPaddingMask != nil {
		validKeys := LogicalNot(b.keyPaddingMask)
		validKeys = BroadcastToDims(Reshape(validKeys, batchSize, 1, 1, keySeq), logitsDims...)
		if mask == nil {
			mask = validKeys
		} else {
			mask = LogicalAnd(mask, validKeys)
		}
	}
	if mask != nil {
		coefficients = MaskedSoftmax(logits, mask, -1)
	} else {
		coefficients = Softmax(logits, -1)
	}

	weights := coefficients
	if b.training && b.dropoutRate > 0 {
		weights = layers.Dropout(ctx.In("dropout"), weights, Scalar(g, dtype, b.dropoutRate))
	}

	// context: [batch, querySeq, heads, headDim] -> [batch, querySeq, modelDim]
	attended := Einsum("bhqk,bkhd->bqhd", weights, projectedValue)
	attended = Reshape(attended, batchSize, querySeq, b.modelDim)
	output = layers.Dense(ctx.In("output"), attended, true, b.modelDim)
	output = Transpose(output, 0, 1)
	return
}
