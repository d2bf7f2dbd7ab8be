// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package t5 implements the T5 encoder-decoder transformer for training with
// GoMLX, including loading of pretrained HuggingFace checkpoints.
//
// The model is built as a standard GoMLX model function (see ModelFn), so it
// can be handed to a train.Trainer and run on a single device or distributed
// across all local devices with the AutoSharding strategy. Sharding of the
// model parameters themselves is configured separately, see ShardVariables.
package t5

import (
	"encoding/json"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Config holds the architecture configuration for a T5 model.
//
// The JSON tags match the fields of a HuggingFace T5 `config.json`, so a
// checkpoint configuration can be parsed directly with ConfigFromJSON.
type Config struct {
	VocabSize int `json:"vocab_size"`

	// DModel is the embedding dimension used throughout the model.
	DModel int `json:"d_model"`

	// DKV is the dimension of each attention head (projections are not tied
	// to DModel/NumHeads in T5).
	DKV int `json:"d_kv"`

	// DFF is the inner dimension of the feed-forward blocks.
	DFF int `json:"d_ff"`

	NumHeads  int `json:"num_heads"`
	NumLayers int `json:"num_layers"`

	// NumDecoderLayers defaults to NumLayers when not given in the JSON.
	NumDecoderLayers int `json:"num_decoder_layers"`

	RelativeAttentionNumBuckets  int `json:"relative_attention_num_buckets"`
	RelativeAttentionMaxDistance int `json:"relative_attention_max_distance"`

	DropoutRate      float64 `json:"dropout_rate"`
	LayerNormEpsilon float64 `json:"layer_norm_epsilon"`

	// FeedForwardProj names the feed-forward activation, e.g. "relu" or
	// "gated-gelu" (as used by the t5-v1.1 and flan checkpoints).
	FeedForwardProj string `json:"feed_forward_proj"`

	TieWordEmbeddings bool `json:"tie_word_embeddings"`

	DecoderStartTokenID int `json:"decoder_start_token_id"`
	PadTokenID          int `json:"pad_token_id"`
	EOSTokenID          int `json:"eos_token_id"`

	// DType used for the model weights and activations. Not part of the
	// HuggingFace configuration, defaults to Float32.
	DType dtypes.DType `json:"-"`
}

// newDefaultConfig returns a Config with the HuggingFace defaults for fields
// that older checkpoint configurations omit.
func newDefaultConfig() *Config {
	return &Config{
		VocabSize:                    32128,
		DModel:                       512,
		DKV:                          64,
		DFF:                          2048,
		NumHeads:                     8,
		NumLayers:                    6,
		RelativeAttentionNumBuckets:  32,
		RelativeAttentionMaxDistance: 128,
		DropoutRate:                  0.1,
		LayerNormEpsilon:             1e-6,
		FeedForwardProj:              "relu",
		TieWordEmbeddings:            true,
		DecoderStartTokenID:          0,
		PadTokenID:                   0,
		EOSTokenID:                   1,
		DType:                        dtypes.Float32,
	}
}

// ConfigFromJSON parses a HuggingFace T5 `config.json`.
// Fields missing from the JSON keep their HuggingFace default values.
func ConfigFromJSON(data []byte) (*Config, error) {
	config := newDefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse T5 config.json")
	}
	if config.NumDecoderLayers == 0 {
		config.NumDecoderLayers = config.NumLayers
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LargeConfig returns the configuration of the "t5-large" checkpoint
// (~770M parameters).
func LargeConfig() *Config {
	config := newDefaultConfig()
	config.DModel = 1024
	config.DFF = 4096
	config.NumHeads = 16
	config.NumLayers = 24
	config.NumDecoderLayers = 24
	return config
}

// Validate returns an error if the configuration is inconsistent.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 || c.DModel <= 0 || c.DKV <= 0 || c.DFF <= 0 {
		return errors.Errorf("invalid T5 config: dimensions must be positive, got "+
			"vocab_size=%d, d_model=%d, d_kv=%d, d_ff=%d", c.VocabSize, c.DModel, c.DKV, c.DFF)
	}
	if c.NumHeads <= 0 || c.NumLayers <= 0 || c.NumDecoderLayers <= 0 {
		return errors.Errorf("invalid T5 config: got num_heads=%d, num_layers=%d, num_decoder_layers=%d",
			c.NumHeads, c.NumLayers, c.NumDecoderLayers)
	}
	if c.RelativeAttentionNumBuckets <= 0 || c.RelativeAttentionMaxDistance <= 0 {
		return errors.Errorf("invalid T5 config: got relative_attention_num_buckets=%d, "+
			"relative_attention_max_distance=%d", c.RelativeAttentionNumBuckets, c.RelativeAttentionMaxDistance)
	}
	switch c.Activation() {
	case "relu", "gelu", "gelu_new", "silu":
	default:
		return errors.Errorf("invalid T5 config: unsupported feed_forward_proj %q", c.FeedForwardProj)
	}
	return nil
}

// InnerDim is the total dimension of the attention projections,
// NumHeads * DKV.
func (c *Config) InnerDim() int {
	return c.NumHeads * c.DKV
}

// IsGatedFeedForward reports whether the feed-forward block uses the gated
// variant (wi_0/wi_1 projections) instead of a single wi projection.
func (c *Config) IsGatedFeedForward() bool {
	return strings.HasPrefix(c.FeedForwardProj, "gated-")
}

// Activation returns the activation name with the "gated-" prefix stripped.
func (c *Config) Activation() string {
	return strings.TrimPrefix(c.FeedForwardProj, "gated-")
}
