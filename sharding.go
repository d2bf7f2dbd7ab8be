// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package t5

import (
	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ShardVariables assigns a sharding spec to every variable currently in ctx:
// a variable is split across the devices of mesh along its leading axis when
// that axis divides evenly by the size of meshAxis, and replicated otherwise.
// Rank-0 and rank-1 variables (step counters, normalization scales) are
// always replicated.
//
// Under the AutoSharding strategy graphs still see the full logical shapes,
// while each device only holds its shard of the parameters. Call it after
// the variables have been materialized, e.g. after FromPretrained.
func ShardVariables(ctx *context.Context, mesh *distributed.DeviceMesh, meshAxis string) error {
	numShards, err := mesh.AxisSize(meshAxis)
	if err != nil {
		return err
	}
	replicated := distributed.NewReplicatedShardingSpec(mesh)
	shardedByRank := make(map[int]*distributed.ShardingSpec)
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		spec := replicated
		if shape.Rank() >= 2 && shape.Dimensions[0]%numShards == 0 {
			spec = shardedByRank[shape.Rank()]
			if spec == nil {
				builder := distributed.BuildSpec(mesh).S(meshAxis)
				for range shape.Rank() - 1 {
					builder = builder.R()
				}
				spec, err = builder.Done()
				if err != nil {
					return err
				}
				shardedByRank[shape.Rank()] = spec
			}
		}
		if err := v.SetSharding(spec); err != nil {
			return errors.WithMessagef(err, "sharding variable %q", v.ScopeAndName())
		}
	}
	return nil
}

// BatchShardingSpec returns the spec for a batch tensor of the given rank,
// sharded on its leading (batch) axis and replicated on the others.
func BatchShardingSpec(mesh *distributed.DeviceMesh, meshAxis string, rank int) (*distributed.ShardingSpec, error) {
	builder := distributed.BuildSpec(mesh).S(meshAxis)
	for range rank - 1 {
		builder = builder.R()
	}
	return builder.Done()
}
