// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// t5train fine-tunes a T5 checkpoint on synthetic data, sharded over the
// local devices: it first probes for the largest batch size that fits in
// device memory, then trains with it.
//
// Run parameters are fixed below. The checkpoint cache directory is taken
// from $HF_HOME, defaulting to ./hf_models.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/t5"
	"github.com/gomlx/t5/probe"
	"github.com/gomlx/t5/trainer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	worldSize = 2
	epochs    = 5
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cacheDir := os.Getenv("HF_HOME")
	if cacheDir == "" {
		cacheDir = "./hf_models"
	}
	must.M(os.MkdirAll(cacheDir, 0777))

	cfg := trainer.Config{
		ModelID:   t5.DefaultModelID,
		CacheDir:  cacheDir,
		WorldSize: worldSize,
		Probe:     probe.Config{Start: 2, Max: 512, Step: 32},
		Epochs:    epochs,
	}
	if err := trainer.Run(cfg); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
