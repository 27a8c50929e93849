// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package conditioning turns a knowledge graph (and optionally the source video features) into the
// "graph output" used to bias the transformer attention.
//
// There are two strategies, selected once with New:
//
//   - Propagation: a gated graph propagation network seeded with per-node detections. It produces
//     one context vector per node, gated by the node importance, and an importance loss at
//     training time.
//   - GraphAttention: a GATv2 graph-attention encoder over the full graph, whose node features are
//     conditioned by a video encoding of the source sequence.
package conditioning

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/kgtransformer/pkg/kgraph"
	"github.com/pkg/errors"
)

const (
	// ParamStrategy selects the graph conditioning strategy: "propagation" or "graph_attention".
	ParamStrategy = "kgt_graph_strategy"

	// ParamConditionPropagation enables conditioning the propagation strategy on the video encoding
	// of the source sequence.
	ParamConditionPropagation = "kgt_condition_propagation"

	// ParamConditionDim is the dimension of the video conditioning vector.
	ParamConditionDim = "kgt_condition_propagation_dim"

	// ParamStateDim is the dimension of the node states and of the graph output features.
	ParamStateDim = "kgt_graph_state_dim"

	// ParamPropagationSteps is the number of propagation steps of the propagation strategy.
	ParamPropagationSteps = "kgt_propagation_steps"

	// ParamGATNumHeads is the number of heads of the graph-attention encoder.
	ParamGATNumHeads = "kgt_gat_num_heads"

	// ParamGATDropout is the dropout rate on the graph-attention coefficients.
	ParamGATDropout = "kgt_gat_dropout"

	// ParamGATShareWeights makes the graph-attention encoder use the same projection for source
	// and target nodes.
	ParamGATShareWeights = "kgt_gat_share_weights"

	// ParamVideoNumLayers is the number of stacked LSTM layers of the video encoder.
	ParamVideoNumLayers = "kgt_video_num_layers"
)

// Strategy of graph conditioning.
type Strategy int

const (
	StrategyPropagation Strategy = iota
	StrategyGraphAttention
)

var strategyNames = []string{"propagation", "graph_attention"}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// ParseStrategy converts a strategy name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for ii, s := range strategyNames {
		if s == name {
			return Strategy(ii), nil
		}
	}
	return 0, errors.Errorf("unknown graph conditioning strategy %q, valid values are %q", name, strategyNames)
}

// Inputs to a Provider.
type Inputs struct {
	// Source sequence, shaped `[sourceSeq, batch, modelDim]`. It feeds the video encoder.
	Source *Node

	// SourcePadding is true for the padded positions of Source, shaped `[batch, sourceSeq]`. Padded
	// positions must be at the end of each sequence. Optional.
	SourcePadding *Node

	// Detections holds per-node detection scores, shaped `[batch, numNodes]`. Required by the
	// propagation strategy.
	Detections *Node

	// TargetNodes is a multi-hot of the nodes to be anticipated, shaped `[batch, numNodes]`. Used by
	// the propagation strategy for its importance loss. Optional.
	TargetNodes *Node
}

// Output of a Provider.
type Output struct {
	// GraphOutput shaped `[numNodes, batch, stateDim]`.
	GraphOutput *Node

	// ImportanceLoss is a scalar, only set by the propagation strategy when training.
	ImportanceLoss *Node
}

// Provider produces the graph output that conditions the transformer attention.
type Provider interface {
	// Condition builds the graph output for the given inputs. Variables are created under ctx.
	Condition(ctx *context.Context, inputs Inputs, training bool) Output

	// Strategy implemented by the provider.
	Strategy() Strategy
}

// Config of the graph conditioning.
type Config struct {
	Strategy             Strategy
	ConditionPropagation bool
	ConditionDim         int
	StateDim             int
	PropagationSteps     int
	GATNumHeads          int
	GATDropout           float64
	GATShareWeights      bool
	VideoNumLayers       int
}

// DefaultConfig returns the default graph conditioning configuration.
func DefaultConfig() *Config {
	return &Config{
		Strategy:         StrategyPropagation,
		ConditionDim:     128,
		StateDim:         64,
		PropagationSteps: 3,
		GATNumHeads:      4,
		GATDropout:       0.1,
		VideoNumLayers:   2,
	}
}

// FromContext returns a Config from the hyperparameters in ctx, using DefaultConfig for
// the missing ones.
func FromContext(ctx *context.Context) (*Config, error) {
	def := DefaultConfig()
	strategy, err := ParseStrategy(context.GetParamOr(ctx, ParamStrategy, def.Strategy.String()))
	if err != nil {
		return nil, err
	}
	return &Config{
		Strategy:             strategy,
		ConditionPropagation: context.GetParamOr(ctx, ParamConditionPropagation, def.ConditionPropagation),
		ConditionDim:         context.GetParamOr(ctx, ParamConditionDim, def.ConditionDim),
		StateDim:             context.GetParamOr(ctx, ParamStateDim, def.StateDim),
		PropagationSteps:     context.GetParamOr(ctx, ParamPropagationSteps, def.PropagationSteps),
		GATNumHeads:          context.GetParamOr(ctx, ParamGATNumHeads, def.GATNumHeads),
		GATDropout:           context.GetParamOr(ctx, ParamGATDropout, def.GATDropout),
		GATShareWeights:      context.GetParamOr(ctx, ParamGATShareWeights, def.GATShareWeights),
		VideoNumLayers:       context.GetParamOr(ctx, ParamVideoNumLayers, def.VideoNumLayers),
	}, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.StateDim <= 0 {
		return errors.Errorf("graph state dimension must be > 0, got %d", c.StateDim)
	}
	usesVideo := c.Strategy == StrategyGraphAttention || c.ConditionPropagation
	if usesVideo && (c.ConditionDim <= 0 || c.VideoNumLayers <= 0) {
		return errors.Errorf("video conditioning requires dimension and number of layers > 0, got %d and %d",
			c.ConditionDim, c.VideoNumLayers)
	}
	switch c.Strategy {
	case StrategyPropagation:
		if c.PropagationSteps < 0 {
			return errors.Errorf("number of propagation steps must be >= 0, got %d", c.PropagationSteps)
		}
	case StrategyGraphAttention:
		if c.GATNumHeads <= 0 || c.StateDim%c.GATNumHeads != 0 {
			return errors.Errorf("graph state dimension %d must be divisible by the number of graph-attention heads %d",
				c.StateDim, c.GATNumHeads)
		}
		if c.GATDropout < 0 || c.GATDropout >= 1 {
			return errors.Errorf("graph-attention dropout must be in [0, 1), got %g", c.GATDropout)
		}
	default:
		return errors.Errorf("invalid graph conditioning strategy %s", c.Strategy)
	}
	return nil
}

// New creates the Provider configured by cfg, over the knowledge graph kg.
func New(cfg *Config, kg *kgraph.Graph) (Provider, error) {
	if kg == nil {
		return nil, errors.New("graph conditioning requires a knowledge graph")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var video *VideoEncoder
	if cfg.Strategy == StrategyGraphAttention || cfg.ConditionPropagation {
		video = NewVideoEncoder(cfg.ConditionDim).NumLayers(cfg.VideoNumLayers)
	}
	if cfg.Strategy == StrategyGraphAttention {
		return &GraphAttention{cfg: *cfg, graph: kg, video: video}, nil
	}
	return &Propagation{cfg: *cfg, graph: kg, video: video}, nil
}

// adjacencyConst returns the adjacency of kg as a constant `[numNodes, numNodes]` of the given dtype.
func adjacencyConst(g *Graph, kg *kgraph.Graph, like *Node) *Node {
	return ConvertDType(Const(g, kg.AdjacencyMatrix()), like.DType())
}
