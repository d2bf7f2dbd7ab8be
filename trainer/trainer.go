// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer runs distributed fine-tuning of a T5 model on synthetic data.
//
// It works in two phases, the way one brings up a large model on new hardware:
// FindMaxBatchSize probes growing batch sizes until the devices run out of
// memory, and Train fine-tunes with the winning size. Run executes both.
//
// The model variables are sharded over the mesh (see t5.ShardVariables) and
// each batch is split along its leading axis, one shard per device, so both
// parameters and data are distributed.
package trainer

import (
	"fmt"
	"io"

	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/dtensor"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/t5"
	"github.com/gomlx/t5/probe"
	"github.com/gomlx/t5/procgroup"
	"github.com/gomlx/t5/synthetic"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Config bundles the settings for a full run.
type Config struct {
	// ModelID of the HuggingFace checkpoint to fine-tune, e.g. "t5-large".
	ModelID string

	// CacheDir is where checkpoint files are downloaded to. Empty uses the hub default.
	CacheDir string

	// WorldSize is the number of devices the variables and batches are sharded over.
	WorldSize int

	// Probe configures the batch size search range.
	Probe probe.Config

	// Epochs to train for.
	Epochs int
}

// Run finds the largest batch size that fits in device memory and then
// fine-tunes with it.
func Run(cfg Config) error {
	fmt.Println("Finding maximum batch size...")
	batchSize, err := FindMaxBatchSize(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Starting training with batch size %d...\n", batchSize)
	return Train(cfg, batchSize)
}

// newTrainer loads the pretrained model, shards its variables over the mesh
// and wires it to the loss and optimizer used for fine-tuning.
func newTrainer(cfg Config, group *procgroup.Group) (*train.Trainer, error) {
	model, err := t5.FromPretrained(cfg.ModelID, cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	err = t5.ShardVariables(model.Ctx, group.Mesh, procgroup.DataAxis)
	if err != nil {
		return nil, err
	}
	return train.NewTrainer(group.Backend, model.Ctx, t5.ModelFn(model.Config),
		losses.SparseCategoricalCrossEntropyLogits,
		Momentum().Done(),
		nil, nil), nil
}

// newAccumulator wraps dataset so that each yield aggregates one source batch
// per device, sharded along the leading batch axis of inputs and labels.
func newAccumulator(group *procgroup.Group, dataset train.Dataset) (*datasets.DistributedAccumulator, error) {
	// Inputs are [batch, seqLen] token ids, labels carry a trailing class axis.
	inputSpec, err := t5.BatchShardingSpec(group.Mesh, procgroup.DataAxis, 2)
	if err != nil {
		return nil, err
	}
	labelSpec, err := t5.BatchShardingSpec(group.Mesh, procgroup.DataAxis, 3)
	if err != nil {
		return nil, err
	}
	return datasets.NewDistributedAccumulator(group.Backend, dataset, distributed.AutoSharding,
		[]*distributed.ShardingSpec{inputSpec, inputSpec},
		[]*distributed.ShardingSpec{labelSpec},
		nil)
}

// FindMaxBatchSize probes growing batch sizes until one runs out of device
// memory and returns the largest size that completed a training step.
//
// The model is initialized once and reused across attempts; the data pipeline
// is rebuilt per attempt (see probeAttempt).
func FindMaxBatchSize(cfg Config) (int, error) {
	group, err := procgroup.Setup(cfg.WorldSize)
	if err != nil {
		return 0, err
	}
	trainer, err := newTrainer(cfg, group)
	if err != nil {
		return 0, err
	}
	best, err := probe.Find(cfg.Probe, probeAttempt(group, trainer))
	if err != nil {
		return 0, err
	}
	group.Close()
	return best, nil
}

// probeAttempt returns the attempt function of the batch size search: one
// training step at the candidate size. Each attempt builds a fresh probe
// dataset and accumulator: the accumulator keeps prefetching from its dataset
// in the background, so the batch size of a dataset already handed to one
// must not change anymore.
func probeAttempt(group *procgroup.Group, trainer *train.Trainer) func(batchSize int) error {
	return func(batchSize int) error {
		dataset, err := synthetic.NewDataset(group.Backend, "probe", synthetic.ProbeSamples)
		if err != nil {
			return err
		}
		dataset.BatchSize(batchSize, true)
		acc, err := newAccumulator(group, dataset)
		if err != nil {
			return err
		}
		return attemptStep(trainer, acc)
	}
}

// attemptStep runs one training step on the next batch of the pipeline.
//
// Exhausting the dataset is not a failure: a batch size too large for the
// probe dataset to fill even once leaves nothing to step on.
func attemptStep(trainer *train.Trainer, acc *datasets.DistributedAccumulator) error {
	spec, inputs, labels, err := acc.DistributedYield()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = trainer.DistributedTrainStep(acc.Strategy(), acc.DeviceAssignment(), spec, inputs, labels)
	if err != nil {
		return err
	}
	for _, slice := range [][]*dtensor.Tensor{inputs, labels} {
		for _, dt := range slice {
			if err = dt.Finalize(); err != nil {
				return err
			}
		}
	}
	return nil
}

const batchProgressName = "t5.trainer.batchProgress"

// Train fine-tunes the model for cfg.Epochs epochs at the given batch size,
// reshuffling the dataset every epoch.
func Train(cfg Config, batchSize int) error {
	group, err := procgroup.Setup(cfg.WorldSize)
	if err != nil {
		return err
	}
	trainer, err := newTrainer(cfg, group)
	if err != nil {
		return err
	}
	dataset, err := synthetic.NewDataset(group.Backend, "training", synthetic.NumSamples)
	if err != nil {
		return err
	}
	dataset.BatchSize(batchSize, true).Shuffle()
	acc, err := newAccumulator(group, dataset)
	if err != nil {
		return err
	}

	// Each step consumes one batch per device, incomplete batches are dropped.
	stepsPerEpoch := dataset.NumExamples() / batchSize / cfg.WorldSize
	if stepsPerEpoch == 0 {
		return errors.Errorf("batch size %d over %d devices is larger than the %d available examples",
			batchSize, cfg.WorldSize, dataset.NumExamples())
	}
	klog.V(1).Infof("Training %d epochs of %d steps each, global batch size %d over %d devices",
		cfg.Epochs, stepsPerEpoch, batchSize*cfg.WorldSize, cfg.WorldSize)

	loop := train.NewLoop(trainer)
	var batchBar *progressbar.ProgressBar
	loop.OnStep(batchProgressName, 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		loss := shapes.ConvertTo[float64](metrics[0].Value())
		batchBar.Describe(fmt.Sprintf("Batch Progress (loss=%.4f)", loss))
		return batchBar.Add(1)
	})

	epochBar := progressbar.NewOptions(cfg.Epochs,
		progressbar.OptionSetDescription("Epoch Progress"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	for epoch := range cfg.Epochs {
		batchBar = progressbar.NewOptions(stepsPerEpoch,
			progressbar.OptionSetDescription("Batch Progress"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
		if _, err = loop.RunSteps(acc, stepsPerEpoch); err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
		if epoch < cfg.Epochs-1 {
			// Discards the prefetched leftovers and reshuffles for the next epoch.
			acc.Reset()
		}
		if err = epochBar.Add(1); err != nil {
			return err
		}
	}
	_ = epochBar.Finish()
	fmt.Println()
	group.Close()
	return nil
}
