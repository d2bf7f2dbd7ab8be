// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// MomentumDefaultLearningRate is used when the learning rate is neither
	// configured on the builder nor set in the context parameters.
	MomentumDefaultLearningRate = 0.01

	// MomentumDefaultCoefficient is the default weight of the accumulated
	// velocity relative to the new gradient.
	MomentumDefaultCoefficient = 0.9

	// momentumScope is the context scope under which the velocity variables
	// are kept, mirroring the scope structure of the variables they track.
	momentumScope = "momentum_sgd"
)

// MomentumConfig configures and implements stochastic gradient descent with
// heavy-ball momentum. Build it with Momentum.
type MomentumConfig struct {
	learningRate, momentum float64
}

// Momentum returns the builder for a stochastic gradient descent optimizer
// with heavy-ball momentum. For each trainable variable p with gradient g it
// keeps a velocity v and applies
//
//	v = momentum*v + g
//	p = p - learningRate*v
//
// Call Done when finished configuring. It looks for "learning_rate" in
// Context.Params for the initial learning rate, otherwise it defaults to
// MomentumDefaultLearningRate.
func Momentum() *MomentumConfig {
	return &MomentumConfig{
		learningRate: -1, // -1 means not set.
		momentum:     MomentumDefaultCoefficient,
	}
}

// WithLearningRate sets the initial learning rate.
//
// It returns itself to allow chaining.
func (cfg *MomentumConfig) WithLearningRate(learningRate float64) *MomentumConfig {
	cfg.learningRate = learningRate
	return cfg
}

// WithMomentum sets the momentum coefficient. The default value is
// MomentumDefaultCoefficient.
//
// It returns itself to allow chaining.
func (cfg *MomentumConfig) WithMomentum(momentum float64) *MomentumConfig {
	cfg.momentum = momentum
	return cfg
}

// Done returns the configured optimizers.Interface.
func (cfg *MomentumConfig) Done() optimizers.Interface {
	return cfg
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (cfg *MomentumConfig) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	_ = g
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	cfg.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies one optimizer step given the gradients of
// the trainable variables, in the order Context.IterVariables yields them.
func (cfg *MomentumConfig) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		return
	}
	g := grads[0].Graph()
	dtype := lossDType

	learningRateValue := cfg.learningRate
	if learningRateValue <= 0 {
		learningRateValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, MomentumDefaultLearningRate)
	}
	learningRate := optimizers.LearningRateVar(ctx, dtype, learningRateValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			cfg.applyGraph(ctx, g, v, grads[varIdx], learningRate, dtype)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but the "+
			"momentum optimizer sees %d variables -- were new trainable variables created in between?",
			numTrainable, varIdx)
	}
}

func (cfg *MomentumConfig) applyGraph(ctx *context.Context, g *Graph, v *context.Variable,
	grad, learningRate *Node, dtype dtypes.DType) {
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	velocityVar := cfg.velocityVariable(ctx, v, dtype)
	velocity := Add(MulScalar(velocityVar.ValueGraph(g), cfg.momentum), grad)
	velocityVar.SetValueGraph(velocity)

	step := Mul(learningRate, velocity)
	step = optimizers.ClipStepByValue(ctx, step)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	updated := Sub(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// velocityVariable returns the velocity accumulator for the given trainable
// variable, creating it zero-initialized on first use.
func (cfg *MomentumConfig) velocityVariable(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, momentumScope, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", shape).
		SetTrainable(false)
}

// Clear deletes the velocity variables.
// It implements optimizers.Interface.
func (cfg *MomentumConfig) Clear(ctx *context.Context) error {
	return ctx.In(momentumScope).DeleteVariablesInScope()
}
