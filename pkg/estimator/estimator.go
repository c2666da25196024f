// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package estimator assembles configured models into mode-specific execution
// bundles: a training step with its hooks, an evaluation loss, or an
// inference predictor. The EstimatorSpec is the validated record tying the
// pieces together; ModelFn builds it for a single model and ModelFnEnsemble
// for an ensemble of trained checkpoints.
package estimator

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/models"
	"github.com/gomlx/gonmt/pkg/training"
	"github.com/pkg/errors"
)

// Mode selects which execution bundle ModelFn builds.
type Mode = models.Mode

const (
	ModeTrain = models.ModeTrain
	ModeEval  = models.ModeEval
	ModeInfer = models.ModeInfer
)

// Predictor produces inference predictions for a batch. Both the
// single-model decoder and the ensemble decoder satisfy it.
type Predictor interface {
	Predict(batch *data.Batch) (map[string]*tensors.Tensor, error)
}

// EstimatorSpec is the validated, mode-keyed result of model construction.
// Which fields are set depends on the mode: inference carries Predictions,
// training and evaluation carry Loss, and training additionally carries
// TrainOp and the hook lists.
type EstimatorSpec struct {
	Mode Mode

	// Predictions is set for inference.
	Predictions Predictor

	// Loss is set for training and evaluation.
	Loss *LossOp

	// TrainOp is set for training.
	TrainOp *TrainOp

	// TrainingChiefHooks run on the chief worker only; TrainingHooks run on
	// every worker. Both are always non-nil for a valid spec.
	TrainingChiefHooks []training.Hook
	TrainingHooks      []training.Hook

	// Display holds the probes observed during this model's training, the
	// training loss among them.
	Display *training.Display
}

// NewEstimatorSpec validates and builds an EstimatorSpec. The hook slices
// are copied, so later changes to the caller's slices don't leak in; nil
// slices become empty ones, and a nil hook inside a slice is an error.
func NewEstimatorSpec(mode Mode, predictions Predictor, loss *LossOp, trainOp *TrainOp,
	trainingChiefHooks, trainingHooks []training.Hook, display *training.Display) (*EstimatorSpec, error) {
	switch mode {
	case ModeTrain, ModeEval, ModeInfer:
	default:
		return nil, errors.Errorf("invalid mode %d", int(mode))
	}
	if mode == ModeInfer && predictions == nil {
		return nil, errors.New("infer mode requires predictions")
	}
	if (mode == ModeTrain || mode == ModeEval) && loss == nil {
		return nil, errors.Errorf("%s mode requires a loss", mode)
	}
	if mode == ModeTrain && trainOp == nil {
		return nil, errors.New("train mode requires a train op")
	}
	chiefHooks, err := cloneHooks(trainingChiefHooks)
	if err != nil {
		return nil, errors.WithMessage(err, "training chief hooks")
	}
	hooks, err := cloneHooks(trainingHooks)
	if err != nil {
		return nil, errors.WithMessage(err, "training hooks")
	}
	return &EstimatorSpec{
		Mode:               mode,
		Predictions:        predictions,
		Loss:               loss,
		TrainOp:            trainOp,
		TrainingChiefHooks: chiefHooks,
		TrainingHooks:      hooks,
		Display:            display,
	}, nil
}

func cloneHooks(hooks []training.Hook) ([]training.Hook, error) {
	cloned := make([]training.Hook, 0, len(hooks))
	for i, hook := range hooks {
		if hook == nil {
			return nil, errors.Errorf("hook %d is nil, every hook must implement training.Hook", i)
		}
		cloned = append(cloned, hook)
	}
	return cloned, nil
}
