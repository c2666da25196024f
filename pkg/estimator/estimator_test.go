// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	graphtest "github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gonmt/pkg/configs"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/models"
	_ "github.com/gomlx/gonmt/pkg/models/seq2seq"
	"github.com/gomlx/gonmt/pkg/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPredictor struct{}

func (stubPredictor) Predict(*data.Batch) (map[string]*tensors.Tensor, error) {
	return nil, nil
}

func testDataset(t *testing.T) *data.Dataset {
	vs, err := data.NewVocabulary([]string{"a", "b", "c"})
	require.NoError(t, err)
	vt, err := data.NewVocabulary([]string{"x", "y"})
	require.NoError(t, err)
	return data.New(vs, vt)
}

func testConfigs() *configs.ModelConfigs {
	return &configs.ModelConfigs{
		Model: "Seq2SeqModel",
		ModelParams: map[string]any{
			"embedding_dim":      8,
			"hidden_dim":         16,
			ParamBeamSize:        1,
			ParamMaxDecodeLength: 5,
		},
		OptimizerParams: map[string]any{
			optimizers.ParamOptimizer:    "sgd",
			optimizers.ParamLearningRate: 0.1,
		},
	}
}

func TestNewEstimatorSpecValidation(t *testing.T) {
	loss := &LossOp{}
	trainOp := &TrainOp{}

	// Infer requires predictions.
	_, err := NewEstimatorSpec(ModeInfer, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
	spec, err := NewEstimatorSpec(ModeInfer, stubPredictor{}, nil, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, spec.TrainingHooks)
	assert.NotNil(t, spec.TrainingChiefHooks)

	// Train and eval require a loss; train additionally a train op.
	_, err = NewEstimatorSpec(ModeEval, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = NewEstimatorSpec(ModeTrain, nil, loss, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = NewEstimatorSpec(ModeTrain, nil, loss, trainOp, nil, nil, nil)
	require.NoError(t, err)

	// Out-of-range mode.
	_, err = NewEstimatorSpec(Mode(99), nil, loss, trainOp, nil, nil, nil)
	require.Error(t, err)

	// A nil hook in a slice is rejected.
	_, err = NewEstimatorSpec(ModeTrain, nil, loss, trainOp,
		nil, []training.Hook{nil}, nil)
	require.Error(t, err)
}

func TestNewEstimatorSpecCopiesHooks(t *testing.T) {
	display := training.NewDisplay()
	hook := training.NewLoggingHook(display, 10)
	hooks := []training.Hook{hook}
	spec, err := NewEstimatorSpec(ModeTrain, nil, &LossOp{}, &TrainOp{}, nil, hooks, display)
	require.NoError(t, err)

	hooks[0] = nil
	require.Len(t, spec.TrainingHooks, 1)
	assert.NotNil(t, spec.TrainingHooks[0])
}

func TestModelFnTrain(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := testDataset(t)
	batch, err := ds.MakeBatch([]string{"a b c", "a"}, []string{"x", "x y"})
	require.NoError(t, err)
	ds.SetBatch(batch)

	ctx := context.New()
	spec, err := ModelFn(backend, ctx, testConfigs(), ModeTrain, ds, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeTrain, spec.Mode)
	require.NotNil(t, spec.TrainOp)
	require.NotNil(t, spec.Loss)
	require.NotNil(t, spec.Display)
	// Logging and metric hooks both land in the regular hook list; the
	// chief list stays empty (non-nil).
	require.Len(t, spec.TrainingHooks, 2)
	assert.Empty(t, spec.TrainingChiefHooks)
	assert.NotNil(t, spec.TrainingChiefHooks)

	// The training loss is registered on the display exactly once.
	assert.Equal(t, []string{training.TrainLossKey}, spec.Display.Keys())
	probe, found := spec.Display.Probe(training.TrainLossKey)
	require.True(t, found)
	_, observed := probe.Value()
	assert.False(t, observed)

	loss1, err := spec.TrainOp.Step(batch)
	require.NoError(t, err)
	assert.Greater(t, loss1, 0.0)
	value, observed := probe.Value()
	assert.True(t, observed)
	assert.Equal(t, loss1, value)

	// SGD on the same batch drives the loss down.
	for range 5 {
		_, err = spec.TrainOp.Step(batch)
		require.NoError(t, err)
	}
	loss2, err := spec.Loss.Value(batch)
	require.NoError(t, err)
	assert.Less(t, loss2, loss1)

	// The global step counted the training steps, not the loss evaluations.
	assert.EqualValues(t, 6, optimizers.GetGlobalStep(ctx))
}

func TestModelFnEval(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := testDataset(t)
	batch, err := ds.MakeBatch([]string{"a b"}, []string{"x y"})
	require.NoError(t, err)

	spec, err := ModelFn(backend, context.New(), testConfigs(), ModeEval, ds, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeEval, spec.Mode)
	assert.Nil(t, spec.TrainOp)
	assert.Nil(t, spec.Predictions)

	loss, err := spec.Loss.Value(batch)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
}

func TestModelFnInfer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := testDataset(t)
	batch, err := ds.MakeBatch([]string{"a b", "c"}, nil)
	require.NoError(t, err)

	spec, err := ModelFn(backend, context.New(), testConfigs(), ModeInfer, ds, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeInfer, spec.Mode)
	require.NotNil(t, spec.Predictions)
	assert.Nil(t, spec.Loss)

	predictions, err := spec.Predictions.Predict(batch)
	require.NoError(t, err)
	ids, found := predictions[models.PredictedIDsKey]
	require.True(t, found)
	require.Equal(t, 2, ids.Rank())
	assert.Equal(t, 2, ids.Shape().Dimensions[0])
	assert.LessOrEqual(t, ids.Shape().Dimensions[1], 5)
	_, found = predictions[models.ScoresKey]
	assert.True(t, found)
}

func TestModelFnErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := testDataset(t)

	// Unknown model identifiers are configuration errors.
	mc := testConfigs()
	mc.Model = "NoSuchModel"
	_, err := ModelFn(backend, context.New(), mc, ModeTrain, ds, nil)
	require.Error(t, err)

	// Out-of-range modes are programming errors.
	assert.Panics(t, func() {
		_, _ = ModelFn(backend, context.New(), testConfigs(), Mode(99), ds, nil)
	})
}
