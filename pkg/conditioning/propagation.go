// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conditioning

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/kgtransformer/pkg/kgraph"
)

// Propagation is the propagation-network strategy: node states are seeded with the detection
// scores, propagated over the graph adjacency with gated updates, and turned into per-node
// context vectors gated by the predicted node importance.
type Propagation struct {
	cfg   Config
	graph *kgraph.Graph
	video *VideoEncoder
}

// Strategy implements Provider.
func (p *Propagation) Strategy() Strategy { return StrategyPropagation }

// Condition implements Provider.
//
// The importance loss is the mean binary cross-entropy of the node importance logits against
// inputs.TargetNodes. It's only returned when training and TargetNodes is given.
func (p *Propagation) Condition(ctx *context.Context, inputs Inputs, training bool) (out Output) {
	if inputs.Detections == nil {
		Panicf("propagation graph conditioning requires detections")
	}
	ctx = ctx.In("propagation")
	g := inputs.Detections.Graph()
	numNodes := p.graph.NumNodes()
	stateDim := p.cfg.StateDim
	if inputs.Detections.Rank() != 2 || inputs.Detections.Shape().Dim(1) != numNodes {
		Panicf("detections must be shaped [batch, numNodes=%d], got %s", numNodes, inputs.Detections.Shape())
	}
	batchSize := inputs.Detections.Shape().Dim(0)
	dtype := inputs.Detections.DType()
	if inputs.Source != nil {
		dtype = inputs.Source.DType()
	}
	detections := ConvertDType(inputs.Detections, dtype)

	// Initial state: [batch, numNodes, stateDim]
	embeddings := ctx.VariableWithShape("node_embeddings", shapes.Make(dtype, numNodes, stateDim)).ValueGraph(g)
	embeddings = BroadcastToDims(ExpandAxes(embeddings, 0), batchSize, numNodes, stateDim)
	state := Concatenate([]*Node{ExpandAxes(detections, -1), embeddings}, -1)
	state = layers.Dense(ctx.In("initial_state"), state, true, stateDim)
	if p.cfg.ConditionPropagation {
		if inputs.Source == nil {
			Panicf("conditioned propagation requires the source sequence")
		}
		conditioning := p.video.Encode(ctx, Transpose(inputs.Source, 0, 1), inputs.SourcePadding)
		conditioning = layers.Dense(ctx.In("conditioning"), conditioning, true, stateDim)
		state = Add(state, BroadcastToDims(ExpandAxes(conditioning, 1), batchSize, numNodes, stateDim))
	}
	state = Tanh(state)

	adjacency := adjacencyConst(g, p.graph, state)
	for step := range p.cfg.PropagationSteps {
		stepCtx := ctx.Inf("step_%d", step)
		aggregated := Einsum("nm,bms->bns", adjacency, state)
		both := Concatenate([]*Node{aggregated, state}, -1)
		update := Sigmoid(layers.Dense(stepCtx.In("update_gate"), both, true, stateDim))
		candidate := Tanh(layers.Dense(stepCtx.In("candidate"), both, true, stateDim))
		state = Add(Mul(OneMinus(update), state), Mul(update, candidate))
	}

	// Importance: [batch, numNodes]
	importanceLogits := Squeeze(layers.Dense(ctx.In("importance"), state, true, 1), -1)
	importance := Sigmoid(importanceLogits)
	contextVectors := layers.Dense(ctx.In("context"), state, true, stateDim)
	contextVectors = Mul(contextVectors, ExpandAxes(importance, -1))
	out.GraphOutput = Transpose(contextVectors, 0, 1) // [numNodes, batch, stateDim]

	if training && inputs.TargetNodes != nil {
		if !slices.Equal(inputs.TargetNodes.Shape().Dimensions, importanceLogits.Shape().Dimensions) {
			Panicf("target nodes must be shaped [batch, numNodes]=%v, got %s",
				importanceLogits.Shape().Dimensions, inputs.TargetNodes.Shape())
		}
		labels := ConvertDType(inputs.TargetNodes, dtype)
		out.ImportanceLoss = ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{labels}, []*Node{importanceLogits}))
	}
	return
}
