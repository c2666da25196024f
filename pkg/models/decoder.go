// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/models/search"
	"github.com/pkg/errors"
)

// Prediction keys returned by Decoder.Predict.
const (
	// PredictedIDsKey maps to the decoded token ids, shaped [batch, length].
	PredictedIDsKey = "predicted_ids"

	// ScoresKey maps to the per-sentence sequence scores, shaped [batch].
	ScoresKey = "scores"
)

// LogitsFn builds next-token logits for a target prefix, conditioned on the
// source sentence: the graph-building signature shared by a single model's
// BuildLogits and by an ensemble combination of several.
type LogitsFn func(ctx *context.Context, sourceIDs, sourceLengths, targetPrefix *graph.Node) *graph.Node

// Decoder runs autoregressive decoding over a LogitsFn: greedy for beam size
// one, beam search otherwise. Each step compiles and runs a graph for the
// current prefix length; sequence lengths vary per step, so steps cannot
// share one compiled program.
type Decoder struct {
	backend  backends.Backend
	ctx      *context.Context
	logitsFn LogitsFn

	beamSize      int
	lengthPenalty float64
	maxLength     int
	bosID, eosID  int
}

// NewDecoder creates a greedy decoder over logitsFn, emitting ids from the
// target vocabulary. Configure beam search with WithBeamSize.
func NewDecoder(backend backends.Backend, ctx *context.Context, logitsFn LogitsFn,
	vocabTarget *data.Vocabulary) *Decoder {
	return &Decoder{
		backend:       backend,
		ctx:           ctx,
		logitsFn:      logitsFn,
		beamSize:      1,
		lengthPenalty: 1.0,
		maxLength:     100,
		bosID:         vocabTarget.BosID(),
		eosID:         vocabTarget.EosID(),
	}
}

// WithBeamSize sets the number of beams. One means greedy decoding.
func (d *Decoder) WithBeamSize(beamSize int) *Decoder {
	d.beamSize = beamSize
	return d
}

// WithLengthPenalty sets the exponent dividing sequence scores by
// length^penalty when ranking finished beams. 1.0 disables it.
func (d *Decoder) WithLengthPenalty(penalty float64) *Decoder {
	d.lengthPenalty = penalty
	return d
}

// WithMaxLength caps the decoded target length, BOS included.
func (d *Decoder) WithMaxLength(maxLength int) *Decoder {
	d.maxLength = maxLength
	return d
}

// Predict decodes the batch's source sentences and returns the predictions
// map with PredictedIDsKey and ScoresKey entries.
func (d *Decoder) Predict(batch *data.Batch) (map[string]*tensors.Tensor, error) {
	if batch == nil || batch.SourceIDs == nil || batch.SourceLengths == nil {
		return nil, errors.New("decoding requires a batch with source ids and lengths")
	}
	if d.beamSize <= 1 {
		return d.greedy(batch)
	}
	return d.beamSearch(batch)
}

func (d *Decoder) greedy(batch *data.Batch) (map[string]*tensors.Tensor, error) {
	batchSize := batch.SourceIDs.Shape().Dimensions[0]

	bosExec, err := context.NewExec(d.backend, d.ctx.Reuse(),
		func(ctx *context.Context, sourceIDs *graph.Node) *graph.Node {
			g := sourceIDs.Graph()
			bos := graph.Scalar(g, sourceIDs.DType(), d.bosID)
			return graph.BroadcastToShape(bos, bosPrefixShape(sourceIDs))
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building BOS prefix graph")
	}
	outputs, _, err := bosExec.ExecWithGraph(batch.SourceIDs)
	if err != nil {
		return nil, errors.WithMessage(err, "initializing decode prefix")
	}
	prefix := outputs[0]

	predCtx := d.ctx.Reuse()
	finished := make([]bool, batchSize)
	var score *tensors.Tensor
	for step := 1; step < d.maxLength; step++ {
		exec, err := context.NewExec(d.backend, predCtx,
			func(ctx *context.Context, sourceIDs, sourceLengths, prefix *graph.Node) (*graph.Node, *graph.Node) {
				logits := d.logitsFn(ctx, sourceIDs, sourceLengths, prefix)
				lastLogits := graph.Slice(logits, graph.AxisRange(), graph.AxisElem(-1), graph.AxisRange())
				lastLogits = graph.Squeeze(lastLogits, 1)
				logProbs := graph.LogSoftmax(lastLogits)
				nextToken := search.Greedy(lastLogits)
				tokenLogProb := graph.ReduceMax(logProbs, -1)
				next := graph.ExpandDims(nextToken, -1)
				next = graph.ConvertDType(next, prefix.DType())
				return graph.Concatenate([]*graph.Node{prefix, next}, 1), tokenLogProb
			})
		if err != nil {
			return nil, errors.WithMessagef(err, "building decode graph at step %d", step)
		}
		outputs, _, err := exec.ExecWithGraph(batch.SourceIDs, batch.SourceLengths, prefix)
		if err != nil {
			return nil, errors.WithMessagef(err, "decode step %d", step)
		}
		prefix = outputs[0]
		score = accumulateScores(score, outputs[1], finished)

		markFinished(prefix, finished, d.eosID)
		if allTrue(finished) {
			break
		}
	}

	if score == nil {
		score = tensors.FromFlatDataAndDimensions(make([]float32, batchSize), batchSize)
	}
	return map[string]*tensors.Tensor{
		PredictedIDsKey: prefix,
		ScoresKey:       score,
	}, nil
}

func (d *Decoder) beamSearch(batch *data.Batch) (map[string]*tensors.Tensor, error) {
	batchSize := batch.SourceIDs.Shape().Dimensions[0]
	batchBeamSize := batchSize * d.beamSize

	// Replicate the source sentence-major (every sentence's beams on
	// consecutive rows) and start every beam's prefix at BOS.
	initExec, err := context.NewExec(d.backend, d.ctx.Reuse(),
		func(ctx *context.Context, sourceIDs, sourceLengths *graph.Node) (*graph.Node, *graph.Node, *graph.Node) {
			g := sourceIDs.Graph()
			repIDs := replicateBeams(sourceIDs, d.beamSize)
			repLengths := replicateBeams(sourceLengths, d.beamSize)
			bos := graph.Scalar(g, sourceIDs.DType(), d.bosID)
			prefix := graph.BroadcastToShape(bos, bosPrefixShape(repIDs))
			return repIDs, repLengths, prefix
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building beam replication graph")
	}
	outputs, _, err := initExec.ExecWithGraph(batch.SourceIDs, batch.SourceLengths)
	if err != nil {
		return nil, errors.WithMessage(err, "replicating source for beams")
	}
	sourceIDs, sourceLengths, sequences := outputs[0], outputs[1], outputs[2]

	// Only the first beam of every sentence starts live, otherwise the
	// initial beams would all select the same token.
	initialScores := make([]float32, batchBeamSize)
	for i := range initialScores {
		if i%d.beamSize != 0 {
			initialScores[i] = -1e10
		}
	}
	scores := tensors.FromFlatDataAndDimensions(initialScores, batchBeamSize)

	beam := search.Beam{Size: d.beamSize, EOSToken: d.eosID}

	predCtx := d.ctx.Reuse()
	finalLength := 1
	for step := 1; step < d.maxLength; step++ {
		exec, err := context.NewExec(d.backend, predCtx,
			func(ctx *context.Context, sourceIDs, sourceLengths, sequences, scores *graph.Node) (*graph.Node, *graph.Node, *graph.Node) {
				logits := d.logitsFn(ctx, sourceIDs, sourceLengths, sequences)
				lastLogits := graph.Slice(logits, graph.AxisRange(), graph.AxisElem(-1), graph.AxisRange())
				lastLogits = graph.Squeeze(lastLogits, 1)
				return beam.Step(lastLogits, sequences, scores)
			})
		if err != nil {
			return nil, errors.WithMessagef(err, "building beam search graph at step %d", step)
		}
		outputs, _, err := exec.ExecWithGraph(sourceIDs, sourceLengths, sequences, scores)
		if err != nil {
			return nil, errors.WithMessagef(err, "beam search step %d", step)
		}
		sequences, scores = outputs[0], outputs[1]
		finalLength = step + 1

		if allFinished(outputs[2]) {
			break
		}
	}

	selectExec, err := context.NewExec(d.backend, d.ctx.Reuse(),
		func(ctx *context.Context, sequences, scores *graph.Node) (*graph.Node, *graph.Node) {
			lengths := graph.ConstAs(scores, finalLength)
			penalized := search.LengthPenalty(scores, lengths, d.lengthPenalty)
			return beam.SelectBest(sequences, penalized)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building beam selection graph")
	}
	outputs, _, err = selectExec.ExecWithGraph(sequences, scores)
	if err != nil {
		return nil, errors.WithMessage(err, "selecting best beams")
	}
	return map[string]*tensors.Tensor{
		PredictedIDsKey: outputs[0],
		ScoresKey:       outputs[1],
	}, nil
}

// replicateBeams repeats every row of x beamSize times, keeping each row's
// copies adjacent: [r0, r1] becomes [r0, r0, r1, r1] for beamSize 2. The
// beam-search math requires this sentence-major layout.
func replicateBeams(x *graph.Node, beamSize int) *graph.Node {
	dims := x.Shape().Dimensions
	broadcastDims := append([]int{dims[0], beamSize}, dims[1:]...)
	replicated := graph.ExpandDims(x, 1)
	replicated = graph.BroadcastToShape(replicated, shapes.Make(x.DType(), broadcastDims...))
	flatDims := append([]int{dims[0] * beamSize}, dims[1:]...)
	return graph.Reshape(replicated, flatDims...)
}

// bosPrefixShape is [batch, 1] with the ids' dtype, the shape of the initial
// all-BOS target prefix.
func bosPrefixShape(ids *graph.Node) shapes.Shape {
	return shapes.Make(ids.DType(), ids.Shape().Dimensions[0], 1)
}

// accumulateScores adds the step's token log-probabilities to the running
// per-sentence scores, skipping sentences that already emitted EOS.
func accumulateScores(total, step *tensors.Tensor, finished []bool) *tensors.Tensor {
	stepValues := step.Value().([]float32)
	var totalValues []float32
	if total == nil {
		totalValues = make([]float32, len(stepValues))
	} else {
		totalValues = total.Value().([]float32)
	}
	for i, v := range stepValues {
		if !finished[i] {
			totalValues[i] += v
		}
	}
	return tensors.FromFlatDataAndDimensions(totalValues, len(totalValues))
}

// markFinished flips finished[i] for rows whose last emitted token is EOS.
func markFinished(prefix *tensors.Tensor, finished []bool, eosID int) {
	flat := prefix.Value().([][]int32)
	for i, row := range flat {
		if int(row[len(row)-1]) == eosID {
			finished[i] = true
		}
	}
}

func allTrue(flags []bool) bool {
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return true
}

func allFinished(isFinished *tensors.Tensor) bool {
	flags, ok := isFinished.Value().([]bool)
	if !ok {
		return false
	}
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return true
}
