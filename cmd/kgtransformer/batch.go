// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// syntheticBatch holds the host inputs of one forward pass.
type syntheticBatch struct {
	Source, Target          *tensors.Tensor // [seq, batch, dModel]
	SourcePadding           *tensors.Tensor // [batch, sourceSeq]
	Detections, TargetNodes *tensors.Tensor // [batch, numNodes]
}

// Tensors returns the batch in the order expected by the forward graph.
func (b *syntheticBatch) Tensors() []any {
	return []any{b.Source, b.Target, b.SourcePadding, b.Detections, b.TargetNodes}
}

// newSyntheticBatch creates deterministic inputs: smooth "video features" for the source, zero
// target queries, and odd examples with the last quarter of the source padded. Positional
// embeddings are built in the graph, see transformer.SinusoidalPositions.
func newSyntheticBatch(batchSize, sourceLen, targetLen, dModel, numNodes int) *syntheticBatch {
	source := make([]float32, sourceLen*batchSize*dModel)
	for ii := range source {
		source[ii] = float32(math.Sin(float64(ii)*0.013) + 0.5*math.Cos(float64(ii)*0.071))
	}
	padding := make([]bool, batchSize*sourceLen)
	for example := 1; example < batchSize; example += 2 {
		for pos := sourceLen - sourceLen/4; pos < sourceLen; pos++ {
			padding[example*sourceLen+pos] = true
		}
	}
	detections := make([]float32, batchSize*numNodes)
	targetNodes := make([]float32, batchSize*numNodes)
	for example := range batchSize {
		for node := range numNodes {
			detections[example*numNodes+node] = float32(0.5 + 0.5*math.Sin(float64(example*numNodes+node)))
		}
		targetNodes[example*numNodes+(example*7)%numNodes] = 1
	}
	return &syntheticBatch{
		Source:        tensors.FromFlatDataAndDimensions(source, sourceLen, batchSize, dModel),
		Target:        tensors.FromFlatDataAndDimensions(make([]float32, targetLen*batchSize*dModel), targetLen, batchSize, dModel),
		SourcePadding: tensors.FromFlatDataAndDimensions(padding, batchSize, sourceLen),
		Detections:    tensors.FromFlatDataAndDimensions(detections, batchSize, numNodes),
		TargetNodes:   tensors.FromFlatDataAndDimensions(targetNodes, batchSize, numNodes),
	}
}
