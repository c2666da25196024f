// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package seq2seq

import (
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	graphtest "github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocabularies(t *testing.T) (*data.Vocabulary, *data.Vocabulary) {
	vs, err := data.NewVocabulary([]string{"a", "b", "c"})
	require.NoError(t, err)
	vt, err := data.NewVocabulary([]string{"x", "y"})
	require.NoError(t, err)
	return vs, vt
}

func TestFactoryRegistration(t *testing.T) {
	vs, vt := testVocabularies(t)
	m, err := models.New("Seq2SeqModel", nil, models.ModeTrain, vs, vt, "nmt")
	require.NoError(t, err)
	assert.Equal(t, "nmt", m.Name())
	assert.Equal(t, models.ModeTrain, m.Mode())

	// Dotted identifiers resolve by their last component.
	m, err = models.New("models.Seq2SeqModel", nil, models.ModeInfer, vs, vt, "nmt")
	require.NoError(t, err)
	assert.Equal(t, models.ModeInfer, m.Mode())

	_, err = models.New("NoSuchModel", nil, models.ModeTrain, vs, vt, "nmt")
	require.Error(t, err)
}

func TestFactoryParams(t *testing.T) {
	vs, vt := testVocabularies(t)
	m, err := New(map[string]any{ParamEmbedDim: 8, ParamHiddenDim: 16},
		models.ModeTrain, vs, vt, "nmt")
	require.NoError(t, err)
	assert.Equal(t, 8, m.(*Model).embedDim)
	assert.Equal(t, 16, m.(*Model).hiddenDim)

	_, err = New(map[string]any{ParamEmbedDim: "eight"}, models.ModeTrain, vs, vt, "nmt")
	require.Error(t, err)
	_, err = New(map[string]any{ParamHiddenDim: -1}, models.ModeTrain, vs, vt, "nmt")
	require.Error(t, err)
}

func TestBuildLossShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	vs, vt := testVocabularies(t)
	ds := data.New(vs, vt)
	batch, err := ds.MakeBatch([]string{"a b c", "a"}, []string{"x", "x y"})
	require.NoError(t, err)

	m, err := New(map[string]any{ParamEmbedDim: 8, ParamHiddenDim: 16},
		models.ModeTrain, vs, vt, "nmt")
	require.NoError(t, err)

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, srcIDs, srcLen, tgtIDs, tgtLen *graph.Node) *graph.Node {
			fields := &data.InputFields{
				SourceIDs: srcIDs, SourceLengths: srcLen,
				TargetIDs: tgtIDs, TargetLengths: tgtLen,
			}
			return m.BuildLoss(ctx, fields)
		})
	results := exec.MustExec(batch.SourceIDs, batch.SourceLengths, batch.TargetIDs, batch.TargetLengths)
	loss := results[0]
	assert.True(t, loss.Shape().IsScalar())
	lossValue := loss.Value().(float32)
	assert.Greater(t, lossValue, float32(0))
}

func TestBuildLogitsShapeAndScopes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	vs, vt := testVocabularies(t)
	ds := data.New(vs, vt)
	batch, err := ds.MakeBatch([]string{"a b", "c"}, nil)
	require.NoError(t, err)

	m, err := New(map[string]any{ParamEmbedDim: 8, ParamHiddenDim: 16},
		models.ModeInfer, vs, vt, "nmt")
	require.NoError(t, err)

	ctx := context.New()
	prefix, err := ds.MakeBatch([]string{"x", "x"}, nil)
	require.NoError(t, err)

	exec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, srcIDs, srcLen, tgtPrefix *graph.Node) *graph.Node {
			return m.BuildLogits(ctx, srcIDs, srcLen, tgtPrefix)
		})
	results := exec.MustExec(batch.SourceIDs, batch.SourceLengths, prefix.SourceIDs)
	logits := results[0]
	require.Equal(t, 3, logits.Rank())
	assert.Equal(t, []int{2, 2, vt.Size()}, logits.Shape().Dimensions)

	// The embedding tables live under the marker scopes that identify a
	// model's variables in a checkpoint.
	var sawSource, sawTarget bool
	ctx.EnumerateVariables(func(v *context.Variable) {
		scope := v.Scope()
		if strings.Contains(scope, "/input_symbol_modality") {
			sawSource = true
		}
		if strings.Contains(scope, "/symbol_modality_8") {
			sawTarget = true
		}
	})
	assert.True(t, sawSource)
	assert.True(t, sawTarget)
}
