// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transformer implements an encoder-decoder transformer whose attention blocks can be
// conditioned on a knowledge graph, for action anticipation.
//
// Sequences are shaped `[seq, batch, dModel]`. The encoder turns the source sequence (video
// features) into a memory, and the decoder attends to the memory from a set of target queries.
// When knowledge attention is enabled, a conditioning.Provider turns the knowledge graph into a
// graph output, and every attention block biases its logits with the relevance of queries and
// keys to the graph entities (see package attention).
//
// Example:
//
//	cfg := transformer.DefaultConfig().WithKnowledgeAttention(true)
//	provider, err := conditioning.New(conditioning.DefaultConfig(), kg)
//	model, err := transformer.New(cfg, provider)
//	...
//	outputs := model.Forward(ctx, &transformer.Inputs{Source: src, Target: tgt, Detections: det}, transformer.Train)
package transformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/kgtransformer/pkg/attention"
	"github.com/gomlx/kgtransformer/pkg/conditioning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeighterFn creates the knowledge weighting of one layer, with its variables under ctx.
type WeighterFn func(ctx *context.Context) attention.Weighter

// Model is the knowledge-graph-conditioned encoder-decoder transformer.
//
// It holds only configuration: parameters live in the context.Context given to Forward.
type Model struct {
	cfg         Config
	provider    conditioning.Provider
	weighterFn  WeighterFn
	initializer context.VariableInitializer
}

// Inputs of Model.Forward. Only Source and Target are required.
type Inputs struct {
	Source *Node // [sourceSeq, batch, dModel]
	Target *Node // [targetSeq, batch, dModel]

	// SourcePadding marks padded source positions (true), shaped `[batch, sourceSeq]`. It masks the
	// keys of the encoder self-attention and of the decoder cross-attention, and the frames read by
	// the video encoder of the graph conditioning.
	SourcePadding *Node

	// SourceMask and MemoryMask are optional attention masks, shaped `[sourceSeq, sourceSeq]` and
	// `[targetSeq, sourceSeq]`. See attention.MultiHeadAttentionBuilder.SetQueryKeyMatrixMask.
	SourceMask, MemoryMask *Node

	// TargetMask is the attention mask of the decoder self-attention, shaped `[targetSeq, targetSeq]`.
	TargetMask *Node

	// TargetPadding marks padded target positions, shaped `[batch, targetSeq]`.
	TargetPadding *Node

	// Detections and TargetNodes are used by the propagation conditioning, shaped `[batch, numNodes]`.
	Detections, TargetNodes *Node

	Pos      *Node // Source positional embedding, shaped like Source.
	QueryPos *Node // Target query positional embedding, shaped like Target.

	// TargetPos is accepted for compatibility and not used.
	TargetPos *Node
}

// Outputs of Model.Forward.
type Outputs struct {
	// Memory is the encoder output, shaped `[sourceSeq, batch, dModel]`.
	Memory *Node

	// Hidden is the decoder output, shaped `[numDecoderLayers, targetSeq, batch, dModel]` if
	// Config.ReturnIntermediate is set, or `[targetSeq, batch, dModel]` otherwise.
	Hidden *Node

	// ImportanceLoss is the scalar auxiliary loss of the propagation conditioning, only set in Train
	// mode. Otherwise, it's nil.
	ImportanceLoss *Node
}

// New creates a Model for the given configuration.
//
// provider is the graph conditioning strategy, bound to the model for its lifetime. It is required
// if cfg.KnowledgeAttention is set, and ignored otherwise.
func New(cfg *Config, provider conditioning.Provider) (*Model, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "transformer.New()")
	}
	m := &Model{cfg: *cfg}
	if cfg.KnowledgeAttention {
		if provider == nil {
			return nil, errors.New("transformer.New(): knowledge attention requires a graph conditioning provider")
		}
		m.provider = provider
		m.weighterFn = func(ctx *context.Context) attention.Weighter {
			return attention.NewKnowledgeWeighting(ctx)
		}
	}
	klog.V(1).Infof("transformer: d_model=%d, heads=%d, layers=%d+%d, ff=%d(%s), dropout=%g, pre-norm=%v, knowledge=%v",
		cfg.DModel, cfg.NumHeads, cfg.NumEncoderLayers, cfg.NumDecoderLayers, cfg.DimFeedForward, cfg.Activation,
		cfg.Dropout, cfg.NormalizeBefore, cfg.KnowledgeAttention)
	if m.provider != nil {
		klog.V(1).Infof("transformer: graph conditioning strategy %s", m.provider.Strategy())
	}
	return m, nil
}

// Config returns a copy of the model configuration.
func (m *Model) Config() Config { return m.cfg }

// WithWeighter replaces the knowledge weighting created for each layer. It has no effect if
// knowledge attention is disabled.
func (m *Model) WithWeighter(fn WeighterFn) *Model {
	if m.cfg.KnowledgeAttention {
		m.weighterFn = fn
	}
	return m
}

// WithInitializer sets the initializer of the model variables.
//
// The default is Glorot/Xavier uniform for variables of rank 2 or more, and zero for the rest (biases).
// Layer normalization always initializes its gain to 1 and its offset to 0.
func (m *Model) WithInitializer(initializer context.VariableInitializer) *Model {
	m.initializer = initializer
	return m
}

// weighter returns the knowledge weighting of the layer at ctx, or nil if knowledge is disabled.
func (m *Model) weighter(ctx *context.Context) attention.Weighter {
	if m.weighterFn == nil {
		return nil
	}
	return m.weighterFn(ctx)
}

// varianceScalingInitializer is Glorot/Xavier uniform for matrices (and higher ranks), and zero for
// vectors and scalars.
func varianceScalingInitializer(ctx *context.Context) context.VariableInitializer {
	glorot := initializers.GlorotUniformFn(ctx)
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return initializers.Zero(g, shape)
		}
		return glorot(g, shape)
	}
}

// Forward builds the transformer computation: graph conditioning (if enabled), the encoder over
// inputs.Source and the decoder over inputs.Target.
//
// Variables are created (or reused) under ctx. The mode is also registered as ctx training state
// for the graph, so library layers agree with it.
//
// It panics on invalid inputs, like any graph-building function. See TryForward for a version
// that returns an error.
func (m *Model) Forward(ctx *context.Context, inputs *Inputs, mode Mode) *Outputs {
	m.checkInputs(inputs)
	g := inputs.Source.Graph()
	training := mode.IsTraining()
	ctx.SetTraining(g, training)
	if m.initializer != nil {
		ctx = ctx.WithInitializer(m.initializer)
	} else {
		ctx = ctx.WithInitializer(varianceScalingInitializer(ctx))
	}

	outputs := &Outputs{}
	var graphOutput *Node
	if m.cfg.KnowledgeAttention {
		conditioned := m.provider.Condition(ctx.In("conditioning"), conditioning.Inputs{
			Source:        inputs.Source,
			SourcePadding: inputs.SourcePadding,
			Detections:    inputs.Detections,
			TargetNodes:   inputs.TargetNodes,
		}, training)
		graphOutput = conditioned.GraphOutput
		outputs.ImportanceLoss = conditioned.ImportanceLoss
	}

	outputs.Memory = m.encode(ctx.In("encoder"), inputs.Source, &encoderArgs{
		mask:        inputs.SourceMask,
		padding:     inputs.SourcePadding,
		pos:         inputs.Pos,
		graphOutput: graphOutput,
		training:    training,
	})
	outputs.Hidden = m.decode(ctx.In("decoder"), inputs.Target, &decoderArgs{
		memory:        outputs.Memory,
		targetMask:    inputs.TargetMask,
		targetPadding: inputs.TargetPadding,
		memoryMask:    inputs.MemoryMask,
		memoryPadding: inputs.SourcePadding,
		pos:           inputs.Pos,
		queryPos:      inputs.QueryPos,
		graphOutput:   graphOutput,
		training:      training,
	})
	return outputs
}

// TryForward is like Forward, but returns an error instead of panicking.
func (m *Model) TryForward(ctx *context.Context, inputs *Inputs, mode Mode) (outputs *Outputs, err error) {
	err = TryCatch[error](func() { outputs = m.Forward(ctx, inputs, mode) })
	if err != nil {
		return nil, errors.WithMessage(err, "transformer forward")
	}
	return outputs, nil
}

func (m *Model) checkInputs(inputs *Inputs) {
	if inputs == nil || inputs.Source == nil || inputs.Target == nil {
		Panicf("transformer requires both Source and Target inputs")
	}
	for name, x := range map[string]*Node{"Source": inputs.Source, "Target": inputs.Target} {
		if x.Rank() != 3 || x.Shape().Dim(2) != m.cfg.DModel {
			Panicf("%s must be shaped [seq, batch, d_model=%d], got %s", name, m.cfg.DModel, x.Shape())
		}
	}
	if inputs.Source.Shape().Dim(1) != inputs.Target.Shape().Dim(1) {
		Panicf("Source (%s) and Target (%s) must have the same batch size",
			inputs.Source.Shape(), inputs.Target.Shape())
	}
	if inputs.Pos != nil && !inputs.Pos.Shape().Equal(inputs.Source.Shape()) {
		Panicf("Pos must be shaped like Source (%s), got %s", inputs.Source.Shape(), inputs.Pos.Shape())
	}
	if inputs.QueryPos != nil && !inputs.QueryPos.Shape().Equal(inputs.Target.Shape()) {
		Panicf("QueryPos must be shaped like Target (%s), got %s", inputs.Target.Shape(), inputs.QueryPos.Shape())
	}
}
