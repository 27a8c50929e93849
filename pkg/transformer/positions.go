// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformer

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention/pos"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// sinusoidalBaseFreq is the base of the geometric progression of the sinusoid wavelengths.
const sinusoidalBaseFreq = 10000.0

// SinusoidalPositions returns the fixed sinusoidal positional embedding of "Attention Is All You
// Need", for positions [0, seqLen), shaped `[seqLen, batch, dModel]` as expected by Inputs.Pos and
// Inputs.QueryPos.
//
// Feature 2i holds sin(p / baseFreq^(2i/dModel)) and feature 2i+1 holds the cosine of the same
// angle. dModel must be even.
func SinusoidalPositions(g *Graph, dtype dtypes.DType, seqLen, batchSize, dModel int) *Node {
	if dModel%2 != 0 {
		Panicf("SinusoidalPositions requires an even dModel, got %d", dModel)
	}
	halfDim := dModel / 2
	positions := ConvertDType(pos.SequentialPositions(g, Const(g, int32(0)), seqLen), dtype) // [seqLen]

	// invFreq_i = baseFreq^(-2i/dModel), shaped [halfDim].
	invFreq := Iota(g, shapes.Make(dtype, halfDim), 0)
	invFreq = Exp(MulScalar(invFreq, -2.0*math.Log(sinusoidalBaseFreq)/float64(dModel)))

	angles := Mul(ExpandAxes(positions, -1), ExpandAxes(invFreq, 0)) // [seqLen, halfDim]
	embedding := Stack([]*Node{Sin(angles), Cos(angles)}, -1)       // [seqLen, halfDim, 2]
	embedding = Reshape(embedding, seqLen, 1, dModel)
	return BroadcastToDims(embedding, seqLen, batchSize, dModel)
}
