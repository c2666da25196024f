// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package seq2seq implements a sequence-to-sequence translation model: a
// pooled source encoder conditioning an autoregressive target decoder. It
// registers itself as "Seq2SeqModel".
package seq2seq

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/models"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Hyperparameter keys read from the model parameters.
const (
	// ParamEmbedDim is the token embedding dimension. Defaults to 32.
	ParamEmbedDim = "embedding_dim"

	// ParamHiddenDim is the decoder hidden dimension. Defaults to 64.
	ParamHiddenDim = "hidden_dim"
)

// Scope names of the embedding tables. The source side uses a fixed name;
// the target side encodes the embedding dimension, so checkpoints built with
// different dimensions never silently alias.
const (
	sourceModalityScope = "input_symbol_modality"
	targetModalityFmt   = "symbol_modality_%d"
)

func init() {
	models.Register("Seq2SeqModel", New)
}

// Model is a pooled-encoder sequence-to-sequence model. The source sentence
// is embedded, mean-pooled over its valid positions and projected into the
// decoder space; each target position combines its token embedding with the
// pooled source state to predict the next token.
type Model struct {
	name string
	mode models.Mode

	embedDim  int
	hiddenDim int

	vocabSource *data.Vocabulary
	vocabTarget *data.Vocabulary
}

// New builds a Model from its hyperparameters. It is the factory registered
// under "Seq2SeqModel".
func New(params map[string]any, mode models.Mode,
	vocabSource, vocabTarget *data.Vocabulary, name string) (models.Model, error) {
	m := &Model{
		name:        name,
		mode:        mode,
		embedDim:    32,
		hiddenDim:   64,
		vocabSource: vocabSource,
		vocabTarget: vocabTarget,
	}
	var err error
	if m.embedDim, err = intParam(params, ParamEmbedDim, m.embedDim); err != nil {
		return nil, err
	}
	if m.hiddenDim, err = intParam(params, ParamHiddenDim, m.hiddenDim); err != nil {
		return nil, err
	}
	if m.embedDim <= 0 || m.hiddenDim <= 0 {
		return nil, errors.Errorf("model dimensions must be positive, got %s=%d, %s=%d",
			ParamEmbedDim, m.embedDim, ParamHiddenDim, m.hiddenDim)
	}
	return m, nil
}

// Name implements models.Model.
func (m *Model) Name() string { return m.name }

// Mode implements models.Model.
func (m *Model) Mode() models.Mode { return m.mode }

// encode embeds the source ids and mean-pools them over the valid positions
// into a [batch, hiddenDim] state.
func (m *Model) encode(ctx *context.Context, sourceIDs, sourceLengths *Node) *Node {
	g := sourceIDs.Graph()
	embedded := layers.Embedding(ctx.In(sourceModalityScope), sourceIDs,
		dtypes.Float32, m.vocabSource.Size(), m.embedDim)

	// mask: [batch, srcLen], true at positions before the sentence length.
	srcLen := sourceIDs.Shape().Dimensions[1]
	positions := Iota(g, shapes.Make(sourceLengths.DType(), sourceIDs.Shape().Dimensions[0], srcLen), 1)
	mask := LessThan(positions, ExpandAxes(sourceLengths, -1))

	// The rank-2 mask broadcasts over the embedding axis.
	pooled := MaskedReduceMean(embedded, mask, 1)
	return layers.Dense(ctx.In("encoder_bridge"), pooled, true, m.hiddenDim)
}

// BuildLogits implements models.Model. The returned logits are shaped
// [batch, targetPrefixLen, targetVocabSize].
func (m *Model) BuildLogits(ctx *context.Context, sourceIDs, sourceLengths, targetPrefix *Node) *Node {
	ctx = ctx.In(m.name)
	state := m.encode(ctx, sourceIDs, sourceLengths)

	targetScope := fmt.Sprintf(targetModalityFmt, m.embedDim)
	embedded := layers.Embedding(ctx.In(targetScope), targetPrefix,
		dtypes.Float32, m.vocabTarget.Size(), m.embedDim)

	// Broadcast the pooled source state over the target positions and
	// combine it with each position's embedding.
	tgtLen := targetPrefix.Shape().Dimensions[1]
	state = ExpandDims(state, 1)
	state = BroadcastToShape(state, shapes.Make(state.DType(),
		targetPrefix.Shape().Dimensions[0], tgtLen, m.hiddenDim))
	combined := Concatenate([]*Node{embedded, state}, -1)

	hidden := layers.Dense(ctx.In("decoder"), combined, true, m.hiddenDim)
	hidden = activations.Apply(activations.TypeTanh, hidden)
	return layers.Dense(ctx.In("output_logits"), hidden, false, m.vocabTarget.Size())
}

// BuildLoss implements models.Model: mean per-token cross-entropy of the
// next-token prediction, masked to the valid target positions.
func (m *Model) BuildLoss(ctx *context.Context, fields *data.InputFields) *Node {
	g := fields.SourceIDs.Graph()
	targetIDs := fields.TargetIDs

	// Teacher forcing: predict targetIDs from the BOS-shifted prefix.
	batchSize := targetIDs.Shape().Dimensions[0]
	tgtLen := targetIDs.Shape().Dimensions[1]
	bos := Scalar(g, targetIDs.DType(), m.vocabTarget.BosID())
	bos = BroadcastToShape(bos, shapes.Make(targetIDs.DType(), batchSize, 1))
	prefix := Concatenate([]*Node{bos, Slice(targetIDs, AxisRange(), AxisRange(0, tgtLen-1))}, 1)

	logits := m.BuildLogits(ctx, fields.SourceIDs, fields.SourceLengths, prefix)
	logProbs := LogSoftmax(logits)

	labels := OneHot(targetIDs, m.vocabTarget.Size(), logProbs.DType())
	perToken := Neg(ReduceSum(Mul(labels, logProbs), -1))

	positions := Iota(g, shapes.Make(fields.TargetLengths.DType(), batchSize, tgtLen), 1)
	mask := LessThan(positions, ExpandAxes(fields.TargetLengths, -1))
	return MaskedReduceMean(perToken, mask)
}

func intParam(params map[string]any, key string, defaultValue int) (int, error) {
	value, found := params[key]
	if !found {
		return defaultValue, nil
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, errors.Errorf("model parameter %q must be an integer, got %T", key, value)
}
