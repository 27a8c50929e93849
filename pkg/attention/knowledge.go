// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Weighter scores how relevant each entity of a knowledge graph output is to each position
// of an attention state.
//
// Implementations must accept any number of entities: the entity axis of graphOutput is never
// baked into the attention layer.
type Weighter interface {
	// Score takes the projected attention state, shaped `[batch, seq, heads, headDim]`, and the
	// graph output, shaped `[entities, batch, features]`, and returns the relevance of each
	// position to each entity, shaped `[batch, heads, seq, entities]`.
	Score(state, graphOutput *Node) *Node
}

// KnowledgeWeighting is the learned Weighter: it projects each graph entity to the per-head
// attention space and scores it against the state with a scaled dot-product, squashed by tanh
// to [-1, 1].
//
// The same KnowledgeWeighting can be used by several attention blocks of one layer (the decoder
// shares it between self-attention and cross-attention): its variables are created on the first
// call and reused afterward.
type KnowledgeWeighting struct {
	ctx *context.Context
}

// NewKnowledgeWeighting creates a learned Weighter with variables under the scope
// "knowledge_weighting" of ctx.
func NewKnowledgeWeighting(ctx *context.Context) *KnowledgeWeighting {
	return &KnowledgeWeighting{ctx: ctx.In("knowledge_weighting").Checked(false)}
}

// Score implements Weighter.
func (w *KnowledgeWeighting) Score(state, graphOutput *Node) *Node {
	stateShape := state.Shape()
	graphShape := graphOutput.Shape()
	if stateShape.Rank() != 4 {
		Panicf("KnowledgeWeighting: state must be shaped [batch, seq, heads, headDim], got %s", stateShape)
	}
	if graphShape.Rank() != 3 {
		Panicf("KnowledgeWeighting: graph output must be shaped [entities, batch, features], got %s", graphShape)
	}
	if graphShape.Dim(1) != stateShape.Dim(0) {
		Panicf("KnowledgeWeighting: batch size of graph output (%s) doesn't match the state's (%s)",
			graphShape, stateShape)
	}
	numHeads, headDim := stateShape.Dim(2), stateShape.Dim(3)
	if graphShape.DType != stateShape.DType {
		graphOutput = ConvertDType(graphOutput, stateShape.DType)
	}

	// entities: [entities, batch, heads, headDim]
	entities := layers.Dense(w.ctx.In("entities"), graphOutput, true, numHeads, headDim)
	scores := Einsum("bshd,ebhd->bhse", state, entities)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))
	return Tanh(scores)
}

// ConstantWeighter scores every (position, entity) pair with the same value.
//
// With value 0 the knowledge bias vanishes and attention reduces to the content-only
// distribution.
type ConstantWeighter float64

// Score implements Weighter.
func (c ConstantWeighter) Score(state, graphOutput *Node) *Node {
	stateShape := state.Shape()
	if stateShape.Rank() != 4 || graphOutput.Rank() != 3 {
		Panicf("ConstantWeighter: invalid shapes state=%s, graph output=%s", stateShape, graphOutput.Shape())
	}
	g := state.Graph()
	return BroadcastToDims(Scalar(g, state.DType(), float64(c)),
		stateShape.Dim(0), stateShape.Dim(2), stateShape.Dim(1), graphOutput.Shape().Dim(0))
}

// knowledgeBias returns the additive logit bias `[batch, heads, querySeq, keySeq]`: for each
// (query, key) pair, the mean over graph entities of the product of their relevance scores.
func knowledgeBias(weighter Weighter, query, key, graphOutput *Node) *Node {
	queryRelevance := weighter.Score(query, graphOutput) // [b, h, q, e]
	keyRelevance := weighter.Score(key, graphOutput)     // [b, h, k, e]
	numEntities := graphOutput.Shape().Dim(0)
	bias := Einsum("bhqe,bhke->bhqk", queryRelevance, keyRelevance)
	return DivScalar(bias, float64(numEntities))
}
