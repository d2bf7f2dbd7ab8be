// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package t5

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultModelID is the HuggingFace repository of the model trained by
// cmd/t5train.
const DefaultModelID = "t5-large"

// Model bundles a T5 configuration with the context holding its weights.
type Model struct {
	Config *Config
	Ctx    *context.Context
}

// New creates a model with the given configuration and freshly initialized
// weights. The variables are only materialized when a graph first uses them.
func New(config *Config) *Model {
	return &Model{Config: config, Ctx: context.New()}
}

// FromPretrained downloads the configuration and weights of a pretrained T5
// model from the given HuggingFace repository and loads them into a fresh
// context. Files already in cacheDir are reused instead of downloaded; an
// empty cacheDir selects the hub default. If the HF_TOKEN environment
// variable is set, it is used to authenticate.
func FromPretrained(modelID, cacheDir string) (*Model, error) {
	repo := hub.New(modelID).WithAuth(os.Getenv("HF_TOKEN")).WithProgressBar(true)
	if cacheDir != "" {
		repo = repo.WithCacheDir(cacheDir)
	}

	configPath, err := repo.DownloadFile("config.json")
	if err != nil {
		return nil, errors.Wrapf(err, "downloading config.json from %q", modelID)
	}
	configJSON, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", configPath)
	}
	config, err := ConfigFromJSON(configJSON)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration of %q", modelID)
	}

	checkpointPath, err := repo.DownloadFile("model.safetensors")
	if err != nil {
		return nil, errors.Wrapf(err, "downloading model.safetensors from %q", modelID)
	}
	ctx := context.New()
	if err := loadSafetensors(ctx, checkpointPath); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded %s: %s parameters in %d tensors",
		modelID, humanize.Comma(int64(ctx.NumParameters())), ctx.NumVariables())
	return &Model{Config: config, Ctx: ctx}, nil
}
