// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package probe searches for the largest batch size that fits in accelerator
// memory, by attempting real training steps at increasing sizes until one
// fails with memory exhaustion.
package probe

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Config bounds the linear search.
type Config struct {
	// Start is the first batch size attempted. It is also the floor reported
	// when even the first attempt runs out of memory.
	Start int

	// Max is the largest batch size ever attempted.
	Max int

	// Step is the increment between consecutive attempts.
	Step int
}

// Find runs attempt at batch sizes Start, Start+Step, ... up to Max and
// returns the last size that succeeded. The search stops early at the first
// memory-exhaustion failure (see IsOOM); any other failure aborts the search
// and is returned unchanged.
func Find(cfg Config, attempt func(batchSize int) error) (int, error) {
	if cfg.Step <= 0 {
		return 0, errors.Errorf("probe step must be positive, got %d", cfg.Step)
	}
	best := cfg.Start
	for batchSize := cfg.Start; batchSize <= cfg.Max; batchSize += cfg.Step {
		if err := attempt(batchSize); err != nil {
			if !IsOOM(err) {
				return 0, err
			}
			fmt.Printf("Batch size %d failed due to OOM.\n", batchSize)
			break
		}
		fmt.Printf("Batch size %d succeeded.\n", batchSize)
		best = batchSize
	}
	return best, nil
}

// IsOOM reports whether err describes accelerator memory exhaustion. The
// backends surface it only as text, so this matches the message substrings
// used by the XLA runtime ("RESOURCE_EXHAUSTED") and the device allocators
// ("out of memory").
func IsOOM(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "resource exhausted")
}
