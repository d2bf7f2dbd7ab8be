// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package t5

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// Scope names used for the model variables. They mirror the structure of the
// HuggingFace checkpoints (see safetensors.go for the exact mapping).
const (
	ScopeShared  = "shared"
	ScopeEncoder = "encoder"
	ScopeDecoder = "decoder"
	ScopeLMHead  = "lm_head"
)

// ModelFn returns the training model function for the given configuration, in
// the form expected by train.NewTrainer.
//
// inputs must hold [input_ids, decoder_input_ids], both shaped
// [batchSize, seqLen] with an integer dtype. It returns the logits shaped
// [batchSize, seqLen, vocabSize], to be paired with
// losses.SparseCategoricalCrossEntropyLogits.
func ModelFn(config *Config) func(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		logits := Forward(ctx, config, inputs[0], inputs[1])
		return []*Node{logits}
	}
}

// Forward builds the full forward pass of the model: encoder, decoder and the
// projection to vocabulary logits.
func Forward(ctx *context.Context, config *Config, inputIDs, decoderInputIDs *Node) *Node {
	encoded := Encode(ctx, config, inputIDs)
	decoded := Decode(ctx, config, decoderInputIDs, encoded)
	return logitsGraph(ctx, config, decoded)
}

// Encode builds the encoder stack, returning the contextual embeddings shaped
// [batchSize, seqLen, dModel].
func Encode(ctx *context.Context, config *Config, inputIDs *Node) *Node {
	g := inputIDs.Graph()
	seqLen := inputIDs.Shape().Dimensions[1]
	encCtx := ctx.In(ScopeEncoder)

	x := embedTokens(ctx, config, inputIDs)
	x = layers.DropoutStatic(encCtx, x, config.DropoutRate)

	// The relative position bias is shared by the self-attention of every
	// block of the stack.
	bias := relativePositionBias(encCtx, config, g, seqLen, seqLen, true)
	for i := range config.NumLayers {
		blockCtx := encCtx.Inf("block_%d", i)
		h := rmsNorm(blockCtx.In("self_attn_norm"), config, x)
		h = attend(blockCtx.In("self_attn"), config, h, h, bias)
		x = Add(x, layers.DropoutStatic(blockCtx, h, config.DropoutRate))

		h = rmsNorm(blockCtx.In("ffn_norm"), config, x)
		h = feedForward(blockCtx.In("ffn"), config, h)
		x = Add(x, layers.DropoutStatic(blockCtx, h, config.DropoutRate))
	}
	x = rmsNorm(encCtx.In("final_norm"), config, x)
	return layers.DropoutStatic(encCtx, x, config.DropoutRate)
}

// Decode builds the decoder stack over the (already shifted) decoder input
// ids, attending to the encoder output. It returns embeddings shaped
// [batchSize, seqLen, dModel].
func Decode(ctx *context.Context, config *Config, decoderInputIDs, encoded *Node) *Node {
	g := decoderInputIDs.Graph()
	seqLen := decoderInputIDs.Shape().Dimensions[1]
	decCtx := ctx.In(ScopeDecoder)

	x := embedTokens(ctx, config, decoderInputIDs)
	x = layers.DropoutStatic(decCtx, x, config.DropoutRate)

	// Decoder self-attention combines the (one-directional) relative position
	// bias with the causal mask.
	bias := relativePositionBias(decCtx, config, g, seqLen, seqLen, false)
	bias = Add(bias, causalBias(g, config.DType, seqLen))
	for i := range config.NumDecoderLayers {
		blockCtx := decCtx.Inf("block_%d", i)
		h := rmsNorm(blockCtx.In("self_attn_norm"), config, x)
		h = attend(blockCtx.In("self_attn"), config, h, h, bias)
		x = Add(x, layers.DropoutStatic(blockCtx, h, config.DropoutRate))

		h = rmsNorm(blockCtx.In("cross_attn_norm"), config, x)
		h = attend(blockCtx.In("cross_attn"), config, h, encoded, nil)
		x = Add(x, layers.DropoutStatic(blockCtx, h, config.DropoutRate))

		h = rmsNorm(blockCtx.In("ffn_norm"), config, x)
		h = feedForward(blockCtx.In("ffn"), config, h)
		x = Add(x, layers.DropoutStatic(blockCtx, h, config.DropoutRate))
	}
	x = rmsNorm(decCtx.In("final_norm"), config, x)
	return layers.DropoutStatic(decCtx, x, config.DropoutRate)
}

// embedTokens looks up the shared token embedding table, creating it on first
// use. It is shared by the encoder, the decoder and (if tied) the logits.
func embedTokens(ctx *context.Context, config *Config, tokens *Node) *Node {
	g := tokens.Graph()
	embeddings := sharedEmbeddings(ctx, config).ValueGraph(g)
	return Gather(embeddings, InsertAxes(tokens, -1))
}

func sharedEmbeddings(ctx *context.Context, config *Config) *context.Variable {
	return ctx.In(ScopeShared).Checked(false).
		VariableWithShape("embeddings", shapes.Make(config.DType, config.VocabSize, config.DModel))
}

// logitsGraph projects the decoder output to vocabulary logits. With tied
// word embeddings the decoder output is rescaled by dModel^-0.5 and multiplied
// by the shared embedding table, otherwise a separate lm_head projection is
// used.
func logitsGraph(ctx *context.Context, config *Config, decoded *Node) *Node {
	if !config.TieWordEmbeddings {
		return layers.Dense(ctx.In(ScopeLMHead), decoded, false, config.VocabSize)
	}
	g := decoded.Graph()
	embeddings := sharedEmbeddings(ctx, config).ValueGraph(g)
	scaled := MulScalar(decoded, 1.0/math.Sqrt(float64(config.DModel)))
	return Einsum("bsd,vd->bsv", scaled, embeddings)
}

// attend is one attention sublayer: query/key/value projections, scaled dot
// product attention and the output projection. kv is the same as query for
// self-attention, or the encoder output for cross-attention. bias, if not
// nil, is added to the attention logits and must be broadcastable to
// [batchSize, numHeads, qLen, kvLen].
func attend(ctx *context.Context, config *Config, query, kv *Node, bias *Node) *Node {
	batchSize := query.Shape().Dimensions[0]
	qLen := query.Shape().Dimensions[1]
	kvLen := kv.Shape().Dimensions[1]
	numHeads, headDim := config.NumHeads, config.DKV

	q := layers.Dense(ctx.In("query"), query, false, config.InnerDim())
	k := layers.Dense(ctx.In("key"), kv, false, config.InnerDim())
	v := layers.Dense(ctx.In("value"), kv, false, config.InnerDim())

	// [batch, seq, heads*dkv] -> [batch, heads, seq, dkv]
	q = Transpose(Reshape(q, batchSize, qLen, numHeads, headDim), 1, 2)
	k = Transpose(Reshape(k, batchSize, kvLen, numHeads, headDim), 1, 2)
	v = Transpose(Reshape(v, batchSize, kvLen, numHeads, headDim), 1, 2)

	// T5 does not scale the attention logits: the usual 1/sqrt(dkv) factor is
	// folded into the initialization of the query projection.
	builder := attention.ScaledDotProductAttention(q, k, v).WithScale(1.0)
	if bias != nil {
		builder = builder.WithAdditiveMask(bias)
	}
	output := builder.Done() // [batch, heads, qLen, dkv]

	output = Reshape(Transpose(output, 1, 2), batchSize, qLen, numHeads*headDim)
	return layers.Dense(ctx.In("output"), output, false, config.DModel)
}

// feedForward is the position-wise feed-forward sublayer, either the single
// wi->activation->wo form or the gated wi_0/wi_1 variant.
func feedForward(ctx *context.Context, config *Config, x *Node) *Node {
	var hidden *Node
	if config.IsGatedFeedForward() {
		gate := activate(config, layers.Dense(ctx.In("wi_0"), x, false, config.DFF))
		hidden = Mul(gate, layers.Dense(ctx.In("wi_1"), x, false, config.DFF))
	} else {
		hidden = activate(config, layers.Dense(ctx.In("wi"), x, false, config.DFF))
	}
	hidden = layers.DropoutStatic(ctx, hidden, config.DropoutRate)
	return layers.Dense(ctx.In("wo"), hidden, false, config.DModel)
}

func activate(config *Config, x *Node) *Node {
	switch config.Activation() {
	case "gelu":
		return activations.Gelu(x)
	case "gelu_new":
		return activations.GeluApproximate(x)
	case "silu":
		return activations.Swish(x)
	default:
		return activations.Relu(x)
	}
}

// rmsNorm is the T5 variant of layer normalization: no mean subtraction and
// no offset, only a learned scale.
func rmsNorm(ctx *context.Context, config *Config, x *Node) *Node {
	return layers.RMSNorm(ctx, x).WithEpsilon(config.LayerNormEpsilon).Done()
}

// relativePositionBias returns the additive attention bias for the stack
// under ctx, shaped [1, numHeads, qLen, kLen]. The bucket for each
// (query, key) pair only depends on (static) sequence lengths, so the bucket
// matrix is computed on the host and embedded as a constant.
func relativePositionBias(ctx *context.Context, config *Config, g *Graph, qLen, kLen int, bidirectional bool) *Node {
	biasVar := ctx.In("rel_pos_bias").Checked(false).
		VariableWithShape("embeddings",
			shapes.Make(config.DType, config.RelativeAttentionNumBuckets, config.NumHeads))

	buckets := make([]int32, qLen*kLen)
	for q := 0; q < qLen; q++ {
		for k := 0; k < kLen; k++ {
			buckets[q*kLen+k] = relativePositionBucket(
				k-q, bidirectional, config.RelativeAttentionNumBuckets, config.RelativeAttentionMaxDistance)
		}
	}
	indices := Const(g, tensors.FromFlatDataAndDimensions(buckets, qLen, kLen, 1))

	bias := Gather(biasVar.ValueGraph(g), indices) // [qLen, kLen, numHeads]
	bias = TransposeAllDims(bias, 2, 0, 1)         // [numHeads, qLen, kLen]
	return InsertAxes(bias, 0)                     // [1, numHeads, qLen, kLen]
}

// relativePositionBucket maps a relative position (keyPos - queryPos) to one
// of numBuckets buckets: half the buckets (when bidirectional, for one
// direction) hold exact offsets, the rest grow logarithmically up to
// maxDistance, beyond which everything lands in the last bucket.
func relativePositionBucket(relativePosition int, bidirectional bool, numBuckets, maxDistance int) int32 {
	bucket := 0
	if bidirectional {
		numBuckets /= 2
		if relativePosition > 0 {
			bucket += numBuckets
		} else {
			relativePosition = -relativePosition
		}
	} else {
		// Causal: only the past (negative offsets) is attended to.
		relativePosition = -min(relativePosition, 0)
	}
	maxExact := numBuckets / 2
	if relativePosition < maxExact {
		return int32(bucket + relativePosition)
	}
	large := maxExact + int(
		math.Log(float64(relativePosition)/float64(maxExact))/
			math.Log(float64(maxDistance)/float64(maxExact))*
			float64(numBuckets-maxExact))
	return int32(bucket + min(large, numBuckets-1))
}

// causalBias returns an additive mask shaped [1, 1, seqLen, seqLen] with 0
// where a query may attend to a key (keyPos <= queryPos) and a large negative
// value elsewhere.
func causalBias(g *Graph, dtype dtypes.DType, seqLen int) *Node {
	rows := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 1)
	bias := Where(GreaterOrEqual(rows, cols),
		Scalar(g, dtype, 0), Scalar(g, dtype, causalMaskValue))
	return InsertAxes(bias, 0, 0)
}

// causalMaskValue is added to masked attention logits. Large enough to zero
// the corresponding softmax weights in float32 without overflowing.
const causalMaskValue = -1e9
