// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package search implements the graph-level math of autoregressive target
// search: greedy next-token selection and batched beam expansion.
//
// All beam operations share one row layout: sentences are flattened
// sentence-major to [batch*beam, ...], so rows i*beam to (i+1)*beam-1 are the
// beams of sentence i.
package search

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Greedy returns the highest-logit token id per row, as Int32.
func Greedy(logits *Node) *Node {
	return ArgMax(logits, -1, dtypes.Int32)
}

// Beam holds the beam-search parameters shared by the per-step expansion and
// the final selection.
type Beam struct {
	// Size is the number of beams kept per sentence.
	Size int

	// EOSToken is the token id that finishes a beam.
	EOSToken int
}

// Step expands every sentence's beams by one token and keeps its Size best
// continuations.
//
// logits is [batch*beam, vocab], sequences [batch*beam, len] and scores
// [batch*beam], all sentence-major. It returns the re-gathered sequences with
// the chosen token appended ([batch*beam, len+1]), the accumulated
// log-probability scores and a per-row bool marking beams that just emitted
// EOS.
func (b Beam) Step(logits, sequences, scores *Node) (nextSequences, nextScores, isFinished *Node) {
	g := logits.Graph()
	rows := logits.Shape().Dimensions[0]
	vocabSize := logits.Shape().Dimensions[1]
	batchSize := rows / b.Size

	logProbs := LogSoftmax(logits)
	candidates := Add(BroadcastToShape(ExpandDims(scores, -1), logProbs.Shape()), logProbs)

	// Rank each sentence's beam*vocab candidate continuations together.
	candidates = Reshape(candidates, batchSize, b.Size*vocabSize)
	topScores, topIndices := TopK(candidates, b.Size, -1)

	// Split the flat candidate index into the originating beam and the token:
	// index = beam*vocabSize + token. Integer division goes through floats,
	// the conversion back truncates.
	beamIdx := ConvertDType(topIndices, dtypes.Float32)
	beamIdx = DivScalar(beamIdx, float64(vocabSize))
	beamIdx = Floor(beamIdx)
	beamIdx = ConvertDType(beamIdx, topIndices.DType())
	tokenIdx := ConvertDType(topIndices, dtypes.Float32)
	tokenIdx = ModScalar(tokenIdx, float64(vocabSize))
	tokenIdx = ConvertDType(tokenIdx, topIndices.DType())

	nextScores = Reshape(topScores, rows)
	beamIdx = Reshape(beamIdx, rows)
	tokenIdx = Reshape(tokenIdx, rows)

	// Each sentence's rows gather from its own block of beam rows.
	rowBase := Iota(g, shapes.Make(dtypes.Float32, rows), 0)
	rowBase = Floor(DivScalar(rowBase, float64(b.Size)))
	rowBase = MulScalar(rowBase, float64(b.Size))
	rowBase = ConvertDType(rowBase, beamIdx.DType())

	gatherIndices := Add(rowBase, beamIdx)
	gatherIndices = ConvertDType(gatherIndices, dtypes.Int32)
	gatherIndices = ExpandDims(gatherIndices, -1)
	selected := Gather(sequences, gatherIndices)

	tokenIdx = ExpandDims(tokenIdx, -1)
	nextSequences = Concatenate([]*Node{selected, ConvertDType(tokenIdx, sequences.DType())}, -1)

	isFinished = Equal(tokenIdx, ConstAs(tokenIdx, b.EOSToken))
	isFinished = Squeeze(isFinished, -1)
	return nextSequences, nextScores, isFinished
}

// SelectBest keeps the best-scored beam of every sentence: sequences
// [batch*beam, len] and scores [batch*beam] in, [batch, len] and [batch] out.
func (b Beam) SelectBest(sequences, scores *Node) (bestSequences, bestScores *Node) {
	g := sequences.Graph()
	rows := sequences.Shape().Dimensions[0]
	batchSize := rows / b.Size

	scores = Reshape(scores, batchSize, b.Size)
	topScores, topIndices := TopK(scores, 1, -1)
	bestScores = Reshape(topScores, batchSize)

	rowBase := Iota(g, shapes.Make(topIndices.DType(), batchSize, 1), 0)
	rowBase = MulScalar(rowBase, float64(b.Size))
	gatherIndices := Reshape(Add(rowBase, topIndices), batchSize, 1)
	bestSequences = Gather(sequences, gatherIndices)
	return bestSequences, bestScores
}

// LengthPenalty divides scores by lengths^penalty, the ranking correction for
// comparing beams of different lengths. 1.0 leaves the scores untouched.
func LengthPenalty(scores, lengths *Node, penalty float64) *Node {
	if penalty == 1.0 {
		return scores
	}
	lengthsFloat := ConvertDType(lengths, scores.DType())
	return Div(scores, Pow(lengthsFloat, ConstAs(lengthsFloat, penalty)))
}
