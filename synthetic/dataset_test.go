// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package synthetic_test

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/t5/synthetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestDatasetDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const numSamples = 8

	dsA, err := synthetic.NewDataset(backend, "a", numSamples)
	require.NoError(t, err)
	dsB, err := synthetic.NewDataset(backend, "b", numSamples)
	require.NoError(t, err)
	dsA.BatchSize(numSamples, true)
	dsB.BatchSize(numSamples, true)

	_, inputsA, labelsA, err := dsA.Yield()
	require.NoError(t, err)
	_, inputsB, labelsB, err := dsB.Yield()
	require.NoError(t, err)

	require.Len(t, inputsA, 2)
	require.Len(t, labelsA, 1)
	for i := range inputsA {
		assert.Truef(t, inputsA[i].Equal(inputsB[i]), "inputs[%d] differ between two datasets of the same size", i)
	}
	assert.True(t, labelsA[0].Equal(labelsB[0]), "labels differ between two datasets of the same size")

	// The generator stream advances between tensors, so the encoder and the
	// decoder ids must not be copies of each other.
	assert.False(t, inputsA[0].Equal(inputsA[1]), "input ids and decoder input ids should differ")
}

func TestDatasetShapesAndRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const numSamples, batchSize = 8, 4

	ds, err := synthetic.NewDataset(backend, "shapes", numSamples)
	require.NoError(t, err)
	ds.BatchSize(batchSize, true)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 1)

	for i, input := range inputs {
		assert.Equalf(t, []int{batchSize, synthetic.SeqLen}, input.Shape().Dimensions, "inputs[%d]", i)
		assert.Equal(t, dtypes.Int32, input.Shape().DType)
	}
	assert.Equal(t, []int{batchSize, synthetic.SeqLen, 1}, labels[0].Shape().Dimensions)
	assert.Equal(t, dtypes.Int32, labels[0].Shape().DType)

	for _, batch := range [][]*tensors.Tensor{inputs, labels} {
		for _, tensor := range batch {
			require.NoError(t, tensors.ConstFlatData(tensor, func(flat []int32) {
				for _, token := range flat {
					if token < 0 || token >= synthetic.NumTokens {
						t.Fatalf("token id %d outside [0, %d)", token, synthetic.NumTokens)
					}
				}
			}))
		}
	}
}

func TestDatasetDropsIncompleteBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// 10 samples at batch size 4: two full batches, the tail of 2 is dropped.
	ds, err := synthetic.NewDataset(backend, "tail", 10)
	require.NoError(t, err)
	ds.BatchSize(4, true)

	numBatches := 0
	for {
		_, _, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		numBatches++
	}
	assert.Equal(t, 2, numBatches)
}
