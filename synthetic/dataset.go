// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package synthetic provides the deterministic random-token dataset used by
// the training pipeline: fixed-shape integer tensors generated from a fixed
// seed, standing in for a real tokenized corpus.
package synthetic

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
)

const (
	// NumSamples is the number of sequences in the full training dataset.
	NumSamples = 64000

	// ProbeSamples is the (smaller) number of sequences used while probing
	// for the maximum batch size.
	ProbeSamples = 1000

	// SeqLen is the number of tokens per sequence.
	SeqLen = 256

	// NumTokens bounds the token ids: they are drawn uniformly from
	// [0, NumTokens).
	NumTokens = 256

	// Seed makes the generated data reproducible across runs and processes.
	Seed = 42
)

// NewDataset returns an in-memory dataset of numSamples deterministically
// generated sequences: input ids and decoder input ids shaped
// [numSamples, SeqLen] and labels shaped [numSamples, SeqLen, 1], all int32
// token ids in [0, NumTokens).
//
// The same numSamples always produces the same data. Batching and shuffling
// are configured by the caller on the returned dataset.
func NewDataset(backend backends.Backend, name string, numSamples int) (*datasets.InMemoryDataset, error) {
	rng := rand.New(rand.NewSource(Seed))
	inputIDs := tokens(rng, numSamples*SeqLen)
	decoderInputIDs := tokens(rng, numSamples*SeqLen)
	labels := tokens(rng, numSamples*SeqLen)
	return datasets.InMemoryFromData(backend, name,
		[]any{
			tensors.FromFlatDataAndDimensions(inputIDs, numSamples, SeqLen),
			tensors.FromFlatDataAndDimensions(decoderInputIDs, numSamples, SeqLen),
		},
		[]any{
			tensors.FromFlatDataAndDimensions(labels, numSamples, SeqLen, 1),
		})
}

func tokens(rng *rand.Rand, n int) []int32 {
	data := make([]int32, n)
	for i := range data {
		data[i] = int32(rng.Intn(NumTokens))
	}
	return data
}
