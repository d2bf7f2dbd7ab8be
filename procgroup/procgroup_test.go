// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package procgroup_test

import (
	"testing"

	"github.com/gomlx/gomlx/backends/notimplemented"
	"github.com/gomlx/t5/procgroup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	// The mock backend reports a single device.
	backend := &notimplemented.Backend{}

	group, err := procgroup.New(backend, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, group.WorldSize())
	assert.Same(t, backend, group.Backend)

	size, err := group.Mesh.AxisSize(procgroup.DataAxis)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestNewNotEnoughDevices(t *testing.T) {
	_, err := procgroup.New(&notimplemented.Backend{}, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only has 1")
}

func TestNewInvalidWorldSize(t *testing.T) {
	// A zero-sized mesh axis is rejected by the mesh construction.
	_, err := procgroup.New(&notimplemented.Backend{}, 0)
	require.Error(t, err)
}
