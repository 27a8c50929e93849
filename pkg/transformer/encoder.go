// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/kgtransformer/pkg/attention"
)

// encoderArgs are the inputs shared by every encoder layer.
type encoderArgs struct {
	mask, padding, pos, graphOutput *Node
	training                        bool
}

// attend runs one knowledge-aware multi-head attention block. weighter may be nil.
func (m *Model) attend(ctx *context.Context, query, key, value, mask, padding, graphOutput *Node,
	weighter attention.Weighter, training bool) *Node {
	return attention.MultiHeadAttention(ctx, query, key, value, m.cfg.NumHeads).
		SetQueryKeyMatrixMask(mask).
		SetKeyPaddingMask(padding).
		Knowledge(weighter, graphOutput).
		Dropout(m.cfg.Dropout).
		Training(training).
		Done()
}

// encoderLayer applies one encoder layer to src, shaped `[sourceSeq, batch, dModel]`.
func (m *Model) encoderLayer(ctx *context.Context, src *Node, args *encoderArgs) *Node {
	weighter := m.weighter(ctx)
	rate, training := m.cfg.Dropout, args.training

	if m.cfg.NormalizeBefore {
		src2 := layerNorm(ctx.In("norm1"), src)
		q := withPos(src2, args.pos)
		src2 = m.attend(ctx.In("self_attention"), q, q, q, args.mask, args.padding, args.graphOutput, weighter, training)
		src = Add(src, dropout(ctx.In("dropout1"), src2, rate, training))
		src2 = layerNorm(ctx.In("norm2"), src)
		src2 = m.feedForward(ctx.In("feed_forward"), src2, training)
		return Add(src, dropout(ctx.In("dropout2"), src2, rate, training))
	}

	q := withPos(src, args.pos)
	src2 := m.attend(ctx.In("self_attention"), q, q, q, args.mask, args.padding, args.graphOutput, weighter, training)
	src = layerNorm(ctx.In("norm1"), Add(src, dropout(ctx.In("dropout1"), src2, rate, training)))
	src2 = m.feedForward(ctx.In("feed_forward"), src, training)
	return layerNorm(ctx.In("norm2"), Add(src, dropout(ctx.In("dropout2"), src2, rate, training)))
}

// encode runs the encoder stack and returns the memory, shaped like src.
//
// Each layer has its own parameters, under the scope "layer_#". Pre-norm stacks end with a
// final normalization.
func (m *Model) encode(ctx *context.Context, src *Node, args *encoderArgs) *Node {
	output := src
	for layer := range m.cfg.NumEncoderLayers {
		output = m.encoderLayer(ctx.Inf("layer_%d", layer), output, args)
	}
	if m.cfg.NormalizeBefore {
		output = layerNorm(ctx.In("norm"), output)
	}
	return output
}
