// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conditioning

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// VideoEncoder summarizes a sequence of video features into one conditioning vector per example,
// with stacked LSTM layers followed by a linear projection of the last hidden state.
type VideoEncoder struct {
	outputDim, hiddenDim, numLayers int
}

// NewVideoEncoder creates a VideoEncoder that outputs vectors of outputDim features.
//
// By default, it uses 2 LSTM layers, and a hidden dimension of a quarter of the input features.
func NewVideoEncoder(outputDim int) *VideoEncoder {
	return &VideoEncoder{outputDim: outputDim, numLayers: 2}
}

// NumLayers sets the number of stacked LSTM layers.
func (v *VideoEncoder) NumLayers(numLayers int) *VideoEncoder {
	v.numLayers = numLayers
	return v
}

// HiddenDim sets the hidden dimension of the LSTM layers. If 0, it uses a quarter of the input
// features.
func (v *VideoEncoder) HiddenDim(hiddenDim int) *VideoEncoder {
	v.hiddenDim = hiddenDim
	return v
}

// OutputDim returns the dimension of the conditioning vector.
func (v *VideoEncoder) OutputDim() int { return v.outputDim }

// Encode the batch-major source, shaped `[batch, seq, features]`, into conditioning vectors shaped
// `[batch, outputDim]`.
//
// padding is optional, shaped `[batch, seq]` and true for padded positions. Padded positions must
// be at the end of each sequence: the encoding uses the hidden state of the last valid position,
// and a sequence without valid positions gets a zero hidden state.
func (v *VideoEncoder) Encode(ctx *context.Context, source, padding *Node) *Node {
	if source.Rank() != 3 {
		Panicf("VideoEncoder requires source shaped [batch, seq, features], got %s", source.Shape())
	}
	if v.numLayers <= 0 {
		Panicf("VideoEncoder requires at least one LSTM layer, got %d", v.numLayers)
	}
	batchSize, seqLen := source.Shape().Dim(0), source.Shape().Dim(1)
	if padding != nil && (padding.Rank() != 2 || padding.Shape().Dim(0) != batchSize || padding.Shape().Dim(1) != seqLen) {
		Panicf("VideoEncoder padding must be shaped [batch=%d, seq=%d], got %s", batchSize, seqLen, padding.Shape())
	}
	ctx = ctx.In("video_encoder")
	hiddenDim := v.hiddenDim
	if hiddenDim <= 0 {
		hiddenDim = max(1, source.Shape().Dim(2)/4)
	}

	x := source
	var lastHidden *Node
	for layer := range v.numLayers {
		var allHidden *Node
		allHidden, lastHidden, _ = lstm.New(ctx.Inf("lstm_%d", layer), x, hiddenDim).Done()
		// allHidden: [seq, 1, batch, hidden] -> [batch, seq, hidden]
		x = Transpose(Squeeze(allHidden, 1), 0, 1)
	}
	last := Squeeze(lastHidden, 0) // [batch, hidden]
	if padding != nil {
		// The LSTM is forward only, so the states of the valid prefix are not affected by the
		// trailing padding: select the state at position length-1.
		g := source.Graph()
		lengths := ReduceSum(ConvertDType(LogicalNot(padding), dtypes.Int32), -1)
		lastPosition := ExpandAxes(Sub(lengths, Const(g, int32(1))), -1) // [batch, 1]
		positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, seqLen), 1)
		selection := ConvertDType(Equal(positions, lastPosition), x.DType()) // [batch, seq]
		last = Einsum("bs,bsh->bh", selection, x)
	}
	return layers.Dense(ctx.In("output"), last, true, v.outputDim)
}
