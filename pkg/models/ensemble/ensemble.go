// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ensemble combines several independently trained translation models
// into one inference-time predictor: every member scores each candidate
// token, and the weighted sum of their log-probabilities drives the decoder.
package ensemble

import (
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/models"
	"github.com/pkg/errors"
)

// InferenceOptions configure ensemble decoding.
type InferenceOptions struct {
	// BeamSize is the number of beams. One means greedy decoding.
	BeamSize int

	// LengthPenalty divides beam scores by length^penalty when ranking
	// finished candidates. 1.0 disables it.
	LengthPenalty float64

	// MaxLength caps the decoded target length, BOS included.
	MaxLength int
}

// DefaultInferenceOptions are the decoding defaults used when a caller
// passes the zero options.
func DefaultInferenceOptions() InferenceOptions {
	return InferenceOptions{BeamSize: 4, LengthPenalty: 0.6, MaxLength: 100}
}

// Weights parses a weight scheme for n ensemble members. The empty scheme
// and "average" weigh every member equally; otherwise the scheme is n
// comma-separated floats, normalized to sum to one.
func Weights(scheme string, n int) ([]float64, error) {
	if n <= 0 {
		return nil, errors.Errorf("ensemble needs at least one member, got %d", n)
	}
	if scheme == "" || scheme == "average" {
		weights := make([]float64, n)
		for i := range weights {
			weights[i] = 1.0 / float64(n)
		}
		return weights, nil
	}
	parts := strings.Split(scheme, ",")
	if len(parts) != n {
		return nil, errors.Errorf("weight scheme %q has %d weights for %d models",
			scheme, len(parts), n)
	}
	weights := make([]float64, n)
	var total float64
	for i, part := range parts {
		w, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing weight %d of scheme %q", i, scheme)
		}
		if w < 0 {
			return nil, errors.Errorf("weight %d of scheme %q is negative", i, scheme)
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return nil, errors.Errorf("weight scheme %q sums to zero", scheme)
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights, nil
}

// Member is one ensemble model with the absolute context scope holding its
// variables. Member scopes must be disjoint: the models were trained
// separately and their variables must never alias.
type Member struct {
	Model models.Model

	// ScopePath is the absolute scope under which the member's checkpoint
	// variables were re-declared, e.g. "/ensemble_0".
	ScopePath string
}

// Build creates the ensemble decoder. The context must already hold every
// member's variables under its ScopePath; the combined graph is built in
// reuse mode, so a missing variable is an error rather than a fresh
// initialization.
func Build(backend backends.Backend, ctx *context.Context, members []Member,
	weights []float64, vocabTarget *data.Vocabulary, opts InferenceOptions) (*models.Decoder, error) {
	if len(members) == 0 {
		return nil, errors.New("ensemble needs at least one member")
	}
	if len(weights) != len(members) {
		return nil, errors.Errorf("got %d weights for %d members", len(weights), len(members))
	}
	for _, member := range members {
		if member.Model.Mode() != models.ModeInfer {
			return nil, errors.Errorf("ensemble member %q was built for mode %s, want infer",
				member.Model.Name(), member.Model.Mode())
		}
	}
	if opts == (InferenceOptions{}) {
		opts = DefaultInferenceOptions()
	}

	combined := func(ctx *context.Context, sourceIDs, sourceLengths, targetPrefix *Node) *Node {
		var sum *Node
		for i, member := range members {
			memberCtx := ctx.InAbsPath(member.ScopePath).Reuse()
			logits := member.Model.BuildLogits(memberCtx, sourceIDs, sourceLengths, targetPrefix)
			logProbs := MulScalar(LogSoftmax(logits), weights[i])
			if sum == nil {
				sum = logProbs
			} else {
				sum = Add(sum, logProbs)
			}
		}
		return sum
	}

	decoder := models.NewDecoder(backend, ctx, combined, vocabTarget).
		WithBeamSize(opts.BeamSize).
		WithLengthPenalty(opts.LengthPenalty).
		WithMaxLength(opts.MaxLength)
	return decoder, nil
}
