// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// layerNormEpsilon used by every normalization of the model.
const layerNormEpsilon = 1e-5

func layerNorm(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, -1).Epsilon(layerNormEpsilon).Done()
}

// dropout is a no-op unless training with a positive rate.
func dropout(ctx *context.Context, x *Node, rate float64, training bool) *Node {
	if !training || rate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}

// withPos adds the optional positional embedding pos to x.
func withPos(x, pos *Node) *Node {
	if pos == nil {
		return x
	}
	return Add(x, pos)
}

// feedForward is the two-layer fully-connected block dModel -> dimFeedForward -> dModel.
//
// With the "glu" activation the hidden projection is split in two halves, value and gate, and the
// second layer takes dimFeedForward/2 features.
func (m *Model) feedForward(ctx *context.Context, x *Node, training bool) *Node {
	cfg := m.cfg
	hidden := layers.Dense(ctx.In("ff1"), x, true, cfg.DimFeedForward)
	switch cfg.Activation {
	case ActivationReLU:
		hidden = activations.Relu(hidden)
	case ActivationGeLU:
		hidden = activations.Gelu(hidden)
	case ActivationGLU:
		halves := Split(hidden, -1, 2)
		hidden = Mul(halves[0], Sigmoid(halves[1]))
	default:
		Panicf("unknown feed-forward activation %q", cfg.Activation)
	}
	hidden = dropout(ctx.In("ff_dropout"), hidden, cfg.Dropout, training)
	return layers.Dense(ctx.In("ff2"), hidden, true, cfg.DModel)
}
