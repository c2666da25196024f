// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	graphtest "github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, func(g *Graph) *Node {
		logits := Const(g, [][]float32{{0, 5, 1}, {9, 0, 0}})
		return Greedy(logits)
	})
	assert.Equal(t, []int32{1, 0}, got.Value().([]int32))
}

func TestBeamStepKeepsSentencesApart(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	beam := Beam{Size: 2, EOSToken: 3}

	// Two sentences, two beams each, sentence-major rows. Sentence 0's beams
	// favor token 1, sentence 1's beams favor token 2; the second beam of
	// each sentence starts with a dead score.
	outputs := MustExecOnceN(backend, func(g *Graph) (seqs, scores, finished *Node) {
		logits := Const(g, [][]float32{
			{0, 10, 0, 0},
			{0, 10, 0, 0},
			{0, 0, 10, 0},
			{0, 0, 10, 0},
		})
		sequences := Const(g, [][]int32{{5}, {5}, {7}, {7}})
		beamScores := Const(g, []float32{0, -1e10, 0, -1e10})
		return beam.Step(logits, sequences, beamScores)
	})

	seqs := outputs[0].Value().([][]int32)
	require.Len(t, seqs, 4)
	// Every row continues its own sentence's prefix with that sentence's
	// best token.
	assert.Equal(t, []int32{5, 1}, seqs[0])
	assert.Equal(t, []int32{5, 1}, seqs[1])
	assert.Equal(t, []int32{7, 2}, seqs[2])
	assert.Equal(t, []int32{7, 2}, seqs[3])

	finished := outputs[2].Value().([]bool)
	assert.Equal(t, []bool{false, false, false, false}, finished)
}

func TestBeamStepFinishesOnEOS(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	beam := Beam{Size: 2, EOSToken: 1}

	outputs := MustExecOnceN(backend, func(g *Graph) (seqs, scores, finished *Node) {
		logits := Const(g, [][]float32{
			{0, 10, 0, 0},
			{0, 10, 0, 0},
		})
		sequences := Const(g, [][]int32{{5}, {5}})
		beamScores := Const(g, []float32{0, -1e10})
		return beam.Step(logits, sequences, beamScores)
	})
	finished := outputs[2].Value().([]bool)
	assert.True(t, finished[0])
}

func TestSelectBest(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	beam := Beam{Size: 2, EOSToken: 1}

	outputs := MustExecOnceN(backend, func(g *Graph) (best, bestScores *Node) {
		sequences := Const(g, [][]int32{{1, 2}, {3, 4}, {5, 6}, {7, 8}})
		scores := Const(g, []float32{-1, -9, -7, -2})
		return beam.SelectBest(sequences, scores)
	})

	best := outputs[0].Value().([][]int32)
	require.Len(t, best, 2)
	assert.Equal(t, []int32{1, 2}, best[0])
	assert.Equal(t, []int32{7, 8}, best[1])
	scores := outputs[1].Value().([]float32)
	assert.Equal(t, []float32{-1, -2}, scores)
}

func TestLengthPenalty(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := MustExecOnceN(backend, func(g *Graph) (unchanged, penalized *Node) {
		scores := Const(g, []float32{-4, -8})
		lengths := Const(g, []float32{4, 4})
		return LengthPenalty(scores, lengths, 1.0), LengthPenalty(scores, lengths, 0.5)
	})
	assert.Equal(t, []float32{-4, -8}, outputs[0].Value().([]float32))
	assert.InDeltaSlice(t, []float32{-2, -4}, outputs[1].Value().([]float32), 1e-5)
}
