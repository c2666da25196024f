// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gonmt/pkg/configs"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/models"
	"github.com/gomlx/gonmt/pkg/training"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Inference hyperparameter keys read from the model parameters.
const (
	// ParamBeamSize is the decoding beam size. Defaults to 4.
	ParamBeamSize = "inference.beam_size"

	// ParamLengthPenalty is the length penalty exponent. Defaults to 0.6.
	ParamLengthPenalty = "inference.length_penalty"

	// ParamMaxDecodeLength caps decoded target lengths. Defaults to 100.
	ParamMaxDecodeLength = "inference.max_length"
)

// LossOp evaluates the model loss on a batch without updating any variable.
type LossOp struct {
	exec *context.Exec
}

// Value computes the mean per-token loss of the batch.
func (op *LossOp) Value(batch *data.Batch) (float64, error) {
	if !batch.HasTargets() {
		return 0, errors.New("computing a loss requires a batch with targets")
	}
	outputs, _, err := op.exec.ExecWithGraph(
		batch.SourceIDs, batch.SourceLengths, batch.TargetIDs, batch.TargetLengths)
	if err != nil {
		return 0, errors.WithMessage(err, "evaluating loss")
	}
	return float64(tensors.ToScalar[float32](outputs[0])), nil
}

// TrainOp runs one training step: loss, gradient update and global step
// increment in a single compiled program. Every step observes the loss on
// the display probe the hooks read.
type TrainOp struct {
	exec  *context.Exec
	probe *training.Probe
}

// Step runs one training step on the batch and returns its loss.
func (op *TrainOp) Step(batch *data.Batch) (float64, error) {
	if !batch.HasTargets() {
		return 0, errors.New("training requires a batch with targets")
	}
	outputs, _, err := op.exec.ExecWithGraph(
		batch.SourceIDs, batch.SourceLengths, batch.TargetIDs, batch.TargetLengths)
	if err != nil {
		return 0, errors.WithMessage(err, "training step")
	}
	loss := float64(tensors.ToScalar[float32](outputs[0]))
	op.probe.Observe(loss)
	return loss, nil
}

// Options adjust how ModelFn assembles the estimator bundle. A nil Options
// behaves like the zero value with IsChief set: a single-process run is its
// own chief.
type Options struct {
	// Name overrides the model's top-level variable scope name. Empty means
	// the configured model identifier's base name.
	Name string

	// Reuse requires every model variable to already exist in the context,
	// e.g. when building an inference graph over trained variables.
	Reuse bool

	// DistributedMode marks a multi-worker run; IsChief marks this worker
	// as the chief.
	DistributedMode bool
	IsChief         bool

	// Checkpoint, when set, makes training save through it periodically
	// and at the end of the run.
	Checkpoint *checkpoints.Handler

	// Verbose logs graph assembly at the default log level instead of
	// requiring -v=1.
	Verbose bool
}

// ModelFn builds the mode-specific execution bundle for the configured
// model: resolve the model in the registry, build its graphs under the given
// context and assemble the EstimatorSpec. Calling it with an out-of-range
// mode is a programming error and panics.
func ModelFn(backend backends.Backend, ctx *context.Context, mc *configs.ModelConfigs,
	mode Mode, ds *data.Dataset, opts *Options) (*EstimatorSpec, error) {
	if opts == nil {
		opts = &Options{IsChief: true}
	}
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = mc.ModelBaseName()
	}
	model, err := models.New(mc.Model, mc.ModelParams, mode, ds.VocabSource, ds.VocabTarget, name)
	if err != nil {
		return nil, err
	}
	buildCtx := ctx
	if opts.Reuse {
		buildCtx = ctx.Reuse()
	}
	if opts.Verbose {
		klog.Infof("building %s graph for model %q", mode, name)
	} else {
		klog.V(1).Infof("building %s graph for model %q", mode, name)
	}

	switch mode {
	case ModeTrain:
		return buildTrainSpec(backend, ctx, buildCtx, mc, model, ds, opts)
	case ModeEval:
		lossExec, err := context.NewExec(backend, buildCtx, lossGraphFn(model))
		if err != nil {
			return nil, errors.WithMessage(err, "building eval loss")
		}
		return NewEstimatorSpec(ModeEval, nil, &LossOp{exec: lossExec}, nil, nil, nil, nil)
	case ModeInfer:
		inferCtx := buildCtx
		if !opts.Reuse {
			// Decode steps build one graph per prefix length over the same
			// variables: without a trained context to reuse, the variables
			// are created by the first step and shared by the rest.
			inferCtx = ctx.Checked(false)
		}
		decoder := models.NewDecoder(backend, inferCtx, model.BuildLogits, ds.VocabTarget).
			WithBeamSize(intParamOr(mc.ModelParams, ParamBeamSize, 4)).
			WithLengthPenalty(floatParamOr(mc.ModelParams, ParamLengthPenalty, 0.6)).
			WithMaxLength(intParamOr(mc.ModelParams, ParamMaxDecodeLength, 100))
		return NewEstimatorSpec(ModeInfer, decoder, nil, nil, nil, nil, nil)
	}
	exceptions.Panicf("estimator.ModelFn: unsupported mode %d", int(mode))
	return nil, nil
}

func buildTrainSpec(backend backends.Backend, ctx, buildCtx *context.Context,
	mc *configs.ModelConfigs, model models.Model, ds *data.Dataset, opts *Options) (*EstimatorSpec, error) {
	if err := training.HydrateOptimizerParams(ctx, mc.OptimizerParams); err != nil {
		return nil, err
	}

	display := training.NewDisplay()
	probe := &training.Probe{}
	display.Register(training.TrainLossKey, probe)

	trainExec, err := context.NewExec(backend, buildCtx,
		func(ctx *context.Context, srcIDs, srcLen, tgtIDs, tgtLen *graph.Node) *graph.Node {
			loss := model.BuildLoss(ctx, &data.InputFields{
				SourceIDs: srcIDs, SourceLengths: srcLen,
				TargetIDs: tgtIDs, TargetLengths: tgtLen,
			})
			training.Optimize(ctx, loss.Graph(), loss)
			return loss
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building training step")
	}

	// The eval-time loss reuses the variables the training step declares, so
	// it must only run after the first training step compiled them.
	lossExec, err := context.NewExec(backend, ctx.Reuse(), lossGraphFn(model))
	if err != nil {
		return nil, errors.WithMessage(err, "building training loss")
	}

	// Metric hooks already restrict themselves to the chief, so they join
	// the regular hook list.
	hooks := training.BuildHooks(mc, opts.DistributedMode, opts.IsChief, display, opts.Checkpoint)
	hooks = append(hooks, training.BuildEvalMetrics(mc, ds, opts.IsChief, model.Name())...)
	return NewEstimatorSpec(ModeTrain, nil,
		&LossOp{exec: lossExec},
		&TrainOp{exec: trainExec, probe: probe},
		nil, hooks, display)
}

func lossGraphFn(model models.Model) func(ctx *context.Context, srcIDs, srcLen, tgtIDs, tgtLen *graph.Node) *graph.Node {
	return func(ctx *context.Context, srcIDs, srcLen, tgtIDs, tgtLen *graph.Node) *graph.Node {
		return model.BuildLoss(ctx, &data.InputFields{
			SourceIDs: srcIDs, SourceLengths: srcLen,
			TargetIDs: tgtIDs, TargetLengths: tgtLen,
		})
	}
}

func intParamOr(params map[string]any, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

func floatParamOr(params map[string]any, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return defaultValue
}
