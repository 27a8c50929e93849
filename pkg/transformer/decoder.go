// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// decoderArgs are the inputs shared by every decoder layer.
type decoderArgs struct {
	memory                     *Node
	targetMask, targetPadding  *Node
	memoryMask, memoryPadding  *Node
	pos, queryPos, graphOutput *Node
	training                   bool
}

// decoderLayer applies one decoder layer to tgt, shaped `[targetSeq, batch, dModel]`.
//
// The self-attention and the cross-attention of a layer share the same knowledge weighting.
func (m *Model) decoderLayer(ctx *context.Context, tgt *Node, args *decoderArgs) *Node {
	weighter := m.weighter(ctx)
	rate, training := m.cfg.Dropout, args.training
	memoryWithPos := withPos(args.memory, args.pos)

	if m.cfg.NormalizeBefore {
		tgt2 := layerNorm(ctx.In("norm1"), tgt)
		q := withPos(tgt2, args.queryPos)
		tgt2 = m.attend(ctx.In("self_attention"), q, q, q,
			args.targetMask, args.targetPadding, args.graphOutput, weighter, training)
		tgt = Add(tgt, dropout(ctx.In("dropout1"), tgt2, rate, training))

		tgt2 = layerNorm(ctx.In("norm2"), tgt)
		tgt2 = m.attend(ctx.In("cross_attention"), withPos(tgt2, args.queryPos), memoryWithPos, args.memory,
			args.memoryMask, args.memoryPadding, args.graphOutput, weighter, training)
		tgt = Add(tgt, dropout(ctx.In("dropout2"), tgt2, rate, training))

		tgt2 = layerNorm(ctx.In("norm3"), tgt)
		tgt2 = m.feedForward(ctx.In("feed_forward"), tgt2, training)
		return Add(tgt, dropout(ctx.In("dropout3"), tgt2, rate, training))
	}

	q := withPos(tgt, args.queryPos)
	tgt2 := m.attend(ctx.In("self_attention"), q, q, q,
		args.targetMask, args.targetPadding, args.graphOutput, weighter, training)
	tgt = layerNorm(ctx.In("norm1"), Add(tgt, dropout(ctx.In("dropout1"), tgt2, rate, training)))

	tgt2 = m.attend(ctx.In("cross_attention"), withPos(tgt, args.queryPos), memoryWithPos, memoryWithPos,
		args.memoryMask, args.memoryPadding, args.graphOutput, weighter, training)
	tgt = layerNorm(ctx.In("norm2"), Add(tgt, dropout(ctx.In("dropout2"), tgt2, rate, training)))

	tgt2 = m.feedForward(ctx.In("feed_forward"), tgt, training)
	return layerNorm(ctx.In("norm3"), Add(tgt, dropout(ctx.In("dropout3"), tgt2, rate, training)))
}

// decode runs the decoder stack.
//
// It returns the normalized output of every layer stacked, shaped `[numLayers, targetSeq, batch,
// dModel]`, if ReturnIntermediate is set. Otherwise, it returns only the final normalized output,
// shaped `[targetSeq, batch, dModel]`.
func (m *Model) decode(ctx *context.Context, tgt *Node, args *decoderArgs) *Node {
	// The final normalization is also applied to each intermediate output, so it's reused.
	normCtx := ctx.In("norm").Checked(false)
	output := tgt
	var intermediate []*Node
	for layer := range m.cfg.NumDecoderLayers {
		output = m.decoderLayer(ctx.Inf("layer_%d", layer), output, args)
		if m.cfg.ReturnIntermediate {
			intermediate = append(intermediate, layerNorm(normCtx, output))
		}
	}
	output = layerNorm(normCtx, output)
	if !m.cfg.ReturnIntermediate {
		return output
	}
	intermediate[len(intermediate)-1] = output
	return Stack(intermediate, 0)
}
