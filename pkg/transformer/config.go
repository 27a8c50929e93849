// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformer

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	ParamDModel             = "kgt_d_model"
	ParamNumHeads           = "kgt_num_heads"
	ParamNumEncoderLayers   = "kgt_num_encoder_layers"
	ParamNumDecoderLayers   = "kgt_num_decoder_layers"
	ParamDimFeedForward     = "kgt_dim_feedforward"
	ParamDropout            = "kgt_dropout"
	ParamActivation         = "kgt_activation"
	ParamNormalizeBefore    = "kgt_normalize_before"
	ParamReturnIntermediate = "kgt_return_intermediate"
	ParamKnowledgeAttention = "kgt_knowledge_attention"
)

// Activations supported by the feed-forward blocks.
const (
	ActivationReLU = "relu"
	ActivationGeLU = "gelu"
	ActivationGLU  = "glu"
)

var validActivations = []string{ActivationReLU, ActivationGeLU, ActivationGLU}

// Config of the encoder-decoder transformer.
type Config struct {
	DModel           int     // Feature width of each sequence position.
	NumHeads         int     // Attention heads, must divide DModel.
	NumEncoderLayers int     // Encoder depth.
	NumDecoderLayers int     // Decoder depth.
	DimFeedForward   int     // Hidden width of the feed-forward blocks.
	Dropout          float64 // Dropout rate, only used in Train mode.
	Activation       string  // One of "relu", "gelu" or "glu".

	// NormalizeBefore selects pre-norm layers (normalization before each sub-block, and a final
	// normalization at the end of the encoder). Default is post-norm.
	NormalizeBefore bool

	// ReturnIntermediate makes the decoder return the normalized output of every layer.
	ReturnIntermediate bool

	// KnowledgeAttention enables the knowledge weighting of every attention block. It requires a
	// graph conditioning provider.
	KnowledgeAttention bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DModel:           512,
		NumHeads:         8,
		NumEncoderLayers: 6,
		NumDecoderLayers: 6,
		DimFeedForward:   2048,
		Dropout:          0.1,
		Activation:       ActivationReLU,
	}
}

// FromContext returns a Config with the hyperparameters set in ctx, and DefaultConfig for the
// ones missing. It returns an error if the resulting configuration is invalid.
//
// Example:
//
//	ctx.SetParams(map[string]any{
//	    transformer.ParamDModel:   256,
//	    transformer.ParamNumHeads: 4,
//	    transformer.ParamActivation: "gelu",
//	})
//	cfg, err := transformer.FromContext(ctx)
func FromContext(ctx *context.Context) (*Config, error) {
	def := DefaultConfig()
	cfg := &Config{
		DModel:             context.GetParamOr(ctx, ParamDModel, def.DModel),
		NumHeads:           context.GetParamOr(ctx, ParamNumHeads, def.NumHeads),
		NumEncoderLayers:   context.GetParamOr(ctx, ParamNumEncoderLayers, def.NumEncoderLayers),
		NumDecoderLayers:   context.GetParamOr(ctx, ParamNumDecoderLayers, def.NumDecoderLayers),
		DimFeedForward:     context.GetParamOr(ctx, ParamDimFeedForward, def.DimFeedForward),
		Dropout:            context.GetParamOr(ctx, ParamDropout, def.Dropout),
		Activation:         context.GetParamOr(ctx, ParamActivation, def.Activation),
		NormalizeBefore:    context.GetParamOr(ctx, ParamNormalizeBefore, def.NormalizeBefore),
		ReturnIntermediate: context.GetParamOr(ctx, ParamReturnIntermediate, def.ReturnIntermediate),
		KnowledgeAttention: context.GetParamOr(ctx, ParamKnowledgeAttention, def.KnowledgeAttention),
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid transformer hyperparameters in context")
	}
	return cfg, nil
}

// WithDims sets the model width and the number of heads.
func (c *Config) WithDims(dModel, numHeads int) *Config {
	c.DModel = dModel
	c.NumHeads = numHeads
	return c
}

// WithLayers sets the depth of the encoder and decoder stacks.
func (c *Config) WithLayers(numEncoderLayers, numDecoderLayers int) *Config {
	c.NumEncoderLayers = numEncoderLayers
	c.NumDecoderLayers = numDecoderLayers
	return c
}

// WithFeedForward sets the hidden width and activation of the feed-forward blocks.
func (c *Config) WithFeedForward(dim int, activation string) *Config {
	c.DimFeedForward = dim
	c.Activation = activation
	return c
}

// WithDropout sets the dropout rate.
func (c *Config) WithDropout(rate float64) *Config {
	c.Dropout = rate
	return c
}

// WithNormalizeBefore selects pre-norm (true) or post-norm (false) layers.
func (c *Config) WithNormalizeBefore(normalizeBefore bool) *Config {
	c.NormalizeBefore = normalizeBefore
	return c
}

// WithReturnIntermediate toggles returning the output of every decoder layer.
func (c *Config) WithReturnIntermediate(returnIntermediate bool) *Config {
	c.ReturnIntermediate = returnIntermediate
	return c
}

// WithKnowledgeAttention toggles knowledge weighting in the attention blocks.
func (c *Config) WithKnowledgeAttention(enabled bool) *Config {
	c.KnowledgeAttention = enabled
	return c
}

// HeadDim returns the per-head feature width.
func (c *Config) HeadDim() int {
	if c.NumHeads <= 0 {
		return 0
	}
	return c.DModel / c.NumHeads
}

// Validate returns an error if the configuration can't be used to build a model.
func (c *Config) Validate() error {
	if c.DModel <= 0 || c.NumHeads <= 0 {
		return errors.Errorf("d_model (%d) and number of heads (%d) must be > 0", c.DModel, c.NumHeads)
	}
	if c.DModel%c.NumHeads != 0 {
		return errors.Errorf("d_model (%d) must be divisible by the number of heads (%d)", c.DModel, c.NumHeads)
	}
	if c.NumEncoderLayers <= 0 || c.NumDecoderLayers <= 0 {
		return errors.Errorf("number of encoder (%d) and decoder (%d) layers must be > 0",
			c.NumEncoderLayers, c.NumDecoderLayers)
	}
	if c.DimFeedForward <= 0 {
		return errors.Errorf("dim_feedforward must be > 0, got %d", c.DimFeedForward)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	if !slices.Contains(validActivations, c.Activation) {
		return errors.Errorf("activation should be one of %q, got %q", validActivations, c.Activation)
	}
	if c.Activation == ActivationGLU && c.DimFeedForward%2 != 0 {
		return errors.Errorf("activation %q requires an even dim_feedforward, got %d", ActivationGLU, c.DimFeedForward)
	}
	return nil
}
