// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conditioning

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/kgtransformer/pkg/kgraph"
)

// gatLeakyReluAlpha is the negative slope used in the GATv2 scoring function.
const gatLeakyReluAlpha = 0.2

// GraphAttention is the graph-attention strategy: a GATv2 layer ("How Attentive are Graph
// Attention Networks?", https://arxiv.org/abs/2105.14491) over the full knowledge graph.
//
// Node features are the learned node embeddings concatenated with the video conditioning of each
// example, so the node representations are specific to each example of the batch.
type GraphAttention struct {
	cfg   Config
	graph *kgraph.Graph
	video *VideoEncoder
}

// Strategy implements Provider.
func (p *GraphAttention) Strategy() Strategy { return StrategyGraphAttention }

// Condition implements Provider. It never returns an importance loss.
func (p *GraphAttention) Condition(ctx *context.Context, inputs Inputs, training bool) (out Output) {
	if inputs.Source == nil {
		Panicf("graph-attention conditioning requires the source sequence")
	}
	ctx = ctx.In("graph_attention")
	g := inputs.Source.Graph()
	dtype := inputs.Source.DType()
	batchSize := inputs.Source.Shape().Dim(1)
	numNodes := p.graph.NumNodes()
	stateDim := p.cfg.StateDim
	numHeads := p.cfg.GATNumHeads
	headDim := stateDim / numHeads

	conditioning := p.video.Encode(ctx, Transpose(inputs.Source, 0, 1), inputs.SourcePadding)
	conditioning = layers.Dense(ctx.In("conditioning"), conditioning, true, stateDim) // [batch, stateDim]
	embeddings := ctx.VariableWithShape("node_embeddings", shapes.Make(dtype, numNodes, stateDim)).ValueGraph(g)
	features := Concatenate([]*Node{
		BroadcastToDims(ExpandAxes(embeddings, 0), batchSize, numNodes, stateDim),
		BroadcastToDims(ExpandAxes(conditioning, 1), batchSize, numNodes, stateDim),
	}, -1) // [batch, numNodes, 2*stateDim]

	// Source (neighbor) and target projections: [batch, numNodes, heads, headDim]
	source := layers.Dense(ctx.In("source"), features, true, numHeads, headDim)
	target := source
	if !p.cfg.GATShareWeights {
		target = layers.Dense(ctx.In("target"), features, true, numHeads, headDim)
	}

	// GATv2 scores: a^T LeakyReLU(W_t h_i + W_s h_j), shaped [batch, heads, i, j].
	pairDims := []int{batchSize, numNodes, numNodes, numHeads, headDim}
	pairs := Add(
		BroadcastToDims(ExpandAxes(target, 2), pairDims...),
		BroadcastToDims(ExpandAxes(source, 1), pairDims...))
	pairs = activations.LeakyReluWith(pairs, gatLeakyReluAlpha)
	attentionVector := ctx.VariableWithShape("attention", shapes.Make(dtype, numHeads, headDim)).ValueGraph(g)
	scores := Einsum("bijkd,kd->bkij", pairs, attentionVector)

	// Only neighbors (including the node itself) are attended to.
	adjacency := adjacencyConst(g, p.graph, scores)
	neighbors := GreaterThan(adjacency, ZerosLike(adjacency))
	neighbors = BroadcastToDims(Reshape(neighbors, 1, 1, numNodes, numNodes), scores.Shape().Dimensions...)
	coefficients := MaskedSoftmax(scores, neighbors, -1)
	if training && p.cfg.GATDropout > 0 {
		coefficients = layers.Dropout(ctx.In("dropout"), coefficients, Scalar(g, dtype, p.cfg.GATDropout))
	}

	nodes := Einsum("bkij,bjkd->bikd", coefficients, source)
	nodes = Reshape(nodes, batchSize, numNodes, stateDim)
	nodes = activations.Relu(nodes)
	nodes = layers.Dense(ctx.In("output"), nodes, true, stateDim)
	out.GraphOutput = Transpose(nodes, 0, 1) // [numNodes, batch, stateDim]
	return
}
