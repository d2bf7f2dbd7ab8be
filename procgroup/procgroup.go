// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package procgroup manages the group of accelerator devices that cooperate
// on data-parallel training. It owns the backend and a one-dimensional device
// mesh; all collective communication between the devices is delegated to the
// backend.
package procgroup

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/compute/distributed"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataAxis is the name of the single mesh axis, along which both the batches
// and the model parameters are sharded.
const DataAxis = "data"

// Group is a set of worldSize devices of one backend arranged in a
// one-dimensional mesh.
type Group struct {
	Backend backends.Backend
	Mesh    *distributed.DeviceMesh
}

// New arranges worldSize devices of the given backend into a group. It fails
// if the backend does not have that many devices.
func New(backend backends.Backend, worldSize int) (*Group, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("process group world size must be at least 1, got %d", worldSize)
	}
	if available := int(backend.NumDevices()); available < worldSize {
		return nil, errors.Errorf("process group needs %d devices, but backend %q only has %d",
			worldSize, backend.Name(), available)
	}
	mesh, err := distributed.NewDeviceMesh([]int{worldSize}, []string{DataAxis})
	if err != nil {
		return nil, err
	}
	return &Group{Backend: backend, Mesh: mesh}, nil
}

// Setup creates the default backend and groups worldSize of its devices.
// The caller owns the group and releases it with Close.
func Setup(worldSize int) (*Group, error) {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		return nil, errors.WithMessage(err, "creating the backend for the process group")
	}
	klog.V(1).Infof("Process group backend %q (%s): %d device(s), %s host memory free",
		backend.Name(), backend.Description(), backend.NumDevices(),
		humanize.Bytes(memory.FreeMemory()))
	group, err := New(backend, worldSize)
	if err != nil {
		backend.Finalize()
		return nil, err
	}
	return group, nil
}

// WorldSize is the number of devices in the group.
func (g *Group) WorldSize() int {
	return g.Mesh.NumDevices()
}

// Close tears the group down, releasing the backend and all device memory it
// holds.
func (g *Group) Close() {
	g.Backend.Finalize()
}
