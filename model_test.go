// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package t5

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestRelativePositionBucket(t *testing.T) {
	// Reference values from the HuggingFace T5 implementation
	// (_relative_position_bucket) with the stock 32 buckets / 128 max distance.
	// The relative position is keyPos - queryPos.
	for _, test := range []struct {
		name             string
		relativePosition int
		bidirectional    bool
		want             int32
	}{
		{"EncoderSamePosition", 0, true, 0},
		{"EncoderKeyAfterQuery", 1, true, 17},
		{"EncoderKeyBeforeQuery", -1, true, 1},
		{"EncoderLastExact", 7, true, 23},
		{"EncoderFirstLogarithmic", 8, true, 24},
		{"EncoderLogarithmic", -17, true, 10},
		{"EncoderMaxDistance", -127, true, 15},
		{"EncoderBeyondMaxDistance", -1000, true, 15},
		{"DecoderFuture", 5, false, 0},
		{"DecoderRecentPast", -3, false, 3},
		{"DecoderDistantPast", -50, false, 24},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := relativePositionBucket(test.relativePosition, test.bidirectional, 32, 128)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestCausalBias(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	bias := MustExecOnce(backend, func(g *Graph) *Node {
		return causalBias(g, dtypes.Float32, 3)
	})
	assert.Equal(t, []int{1, 1, 3, 3}, bias.Shape().Dimensions)
	masked := float32(causalMaskValue)
	want := [][][][]float32{{{
		{0, masked, masked},
		{0, 0, masked},
		{0, 0, 0},
	}}}
	assert.Equal(t, want, bias.Value())
}

// testConfig is a scaled-down configuration so that graph tests build fast.
func testConfig() *Config {
	config := newDefaultConfig()
	config.VocabSize = 48
	config.DModel = 16
	config.DKV = 4
	config.DFF = 32
	config.NumHeads = 2
	config.NumLayers = 2
	config.NumDecoderLayers = 2
	config.RelativeAttentionNumBuckets = 8
	config.RelativeAttentionMaxDistance = 16
	config.DropoutRate = 0
	return config
}

// testTokens returns a deterministic tensor of token ids in [0, vocabSize).
func testTokens(seed int64, vocabSize int, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]int32, size)
	for i := range flat {
		flat[i] = int32(rng.Intn(vocabSize))
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func TestForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := testConfig()
	ctx := context.New()

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputIDs, decoderInputIDs *Node) *Node {
		return Forward(ctx, config, inputIDs, decoderInputIDs)
	})
	require.NoError(t, err)

	batchSize, seqLen := 3, 5
	inputIDs := testTokens(1, config.VocabSize, batchSize, seqLen)
	decoderInputIDs := testTokens(2, config.VocabSize, batchSize, seqLen)
	logits := exec.MustExec(inputIDs, decoderInputIDs)[0]

	assert.Equal(t, []int{batchSize, seqLen, config.VocabSize}, logits.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, logits.Shape().DType)
	require.NoError(t, tensors.ConstFlatData(logits, func(flat []float32) {
		for _, v := range flat {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("logits contain non-finite value %f", v)
			}
		}
	}))

	// Variables follow the checkpoint layout (see safetensors.go).
	shared := ctx.GetVariableByScopeAndName("/shared", "embeddings")
	require.NotNil(t, shared)
	assert.Equal(t, []int{config.VocabSize, config.DModel}, shared.Shape().Dimensions)

	query := ctx.GetVariableByScopeAndName("/encoder/block_0/self_attn/query/dense", "weights")
	require.NotNil(t, query)
	assert.Equal(t, []int{config.DModel, config.InnerDim()}, query.Shape().Dimensions)

	crossAttn := ctx.GetVariableByScopeAndName("/decoder/block_1/cross_attn/output/dense", "weights")
	require.NotNil(t, crossAttn)
	assert.Equal(t, []int{config.InnerDim(), config.DModel}, crossAttn.Shape().Dimensions)

	relBias := ctx.GetVariableByScopeAndName("/decoder/rel_pos_bias", "embeddings")
	require.NotNil(t, relBias)
	assert.Equal(t, []int{config.RelativeAttentionNumBuckets, config.NumHeads}, relBias.Shape().Dimensions)

	// With tied word embeddings there is no separate lm_head projection.
	assert.Nil(t, ctx.GetVariableByScopeAndName("/lm_head/dense", "weights"))
}

func TestForwardUntiedEmbeddings(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := testConfig()
	config.TieWordEmbeddings = false
	ctx := context.New()

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputIDs, decoderInputIDs *Node) *Node {
		return Forward(ctx, config, inputIDs, decoderInputIDs)
	})
	require.NoError(t, err)

	logits := exec.MustExec(testTokens(1, config.VocabSize, 2, 4), testTokens(2, config.VocabSize, 2, 4))[0]
	assert.Equal(t, []int{2, 4, config.VocabSize}, logits.Shape().Dimensions)

	lmHead := ctx.GetVariableByScopeAndName("/lm_head/dense", "weights")
	require.NotNil(t, lmHead)
	assert.Equal(t, []int{config.DModel, config.VocabSize}, lmHead.Shape().Dimensions)
}

func TestTrainStepLearns(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := testConfig()
	ctx := context.New()
	trainer := train.NewTrainer(backend, ctx, ModelFn(config),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done(),
		nil, nil)

	batchSize, seqLen := 4, 6
	inputs := []*tensors.Tensor{
		testTokens(1, config.VocabSize, batchSize, seqLen),
		testTokens(2, config.VocabSize, batchSize, seqLen),
	}
	labels := []*tensors.Tensor{testTokens(3, config.VocabSize, batchSize, seqLen, 1)}

	var firstLoss, lastLoss float32
	const numSteps = 20
	for step := range numSteps {
		metrics, err := trainer.TrainStep(nil, inputs, labels)
		require.NoError(t, err)
		loss := metrics[0].Value().(float32)
		require.Falsef(t, math.IsNaN(float64(loss)), "loss is NaN at step %d", step)
		if step == 0 {
			firstLoss = loss
		}
		lastLoss = loss
	}
	assert.Lessf(t, lastLoss, firstLoss,
		"loss did not decrease after %d steps on a fixed batch (first=%.4f, last=%.4f)",
		numSteps, firstLoss, lastLoss)
}
