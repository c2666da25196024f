// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models defines the Model interface implemented by translation
// models, and the registry that maps configured model identifiers to their
// factories.
//
// The registry replaces dynamic resolution of class names: identifiers are
// looked up, never evaluated, and unknown identifiers are configuration
// errors. Model packages register themselves at init time, e.g.:
//
//	import _ "github.com/gomlx/gonmt/pkg/models/seq2seq"
package models

import (
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/pkg/errors"
)

// Mode selects which execution graph a model builds.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
	ModeInfer
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModeInfer:
		return "infer"
	}
	return "invalid-mode"
}

// Model is one translation model, rooted at its own top-level variable
// scope. A Model is constructed for exactly one Mode and builds graphs under
// the context it is given -- the caller controls reuse and namespacing.
type Model interface {
	// Name is the model's top-level variable scope name.
	Name() string

	// Mode the model was constructed for.
	Mode() Mode

	// BuildLoss builds the graph computing the scalar mean per-token loss
	// over the batch. The fields must carry target ids and lengths.
	BuildLoss(ctx *context.Context, fields *data.InputFields) *graph.Node

	// BuildLogits builds next-token logits, shaped
	// [batch, targetPrefixLen, targetVocabSize], conditioned on the source
	// sentence and the given target prefix. It is the building block for
	// both single-model inference and ensembling.
	BuildLogits(ctx *context.Context, sourceIDs, sourceLengths, targetPrefix *graph.Node) *graph.Node
}

// Factory constructs a model from its hyperparameters for the given mode.
// The name becomes the model's top-level variable scope.
type Factory func(params map[string]any, mode Mode,
	vocabSource, vocabTarget *data.Vocabulary, name string) (Model, error)

var registry = map[string]Factory{}

// Register adds a model factory under the given identifier. It panics if the
// identifier is already taken -- registration happens at init time and a
// duplicate is a programming error.
func Register(identifier string, factory Factory) {
	if _, found := registry[identifier]; found {
		exceptions.Panicf("models.Register: identifier %q already registered", identifier)
	}
	registry[identifier] = factory
}

// Known returns the sorted registered identifiers.
func Known() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New resolves identifier in the registry and invokes its factory. Dotted
// identifiers are resolved by their last component, so configurations
// carrying fully qualified names keep working.
func New(identifier string, params map[string]any, mode Mode,
	vocabSource, vocabTarget *data.Vocabulary, name string) (Model, error) {
	parts := strings.Split(identifier, ".")
	factory, found := registry[parts[len(parts)-1]]
	if !found {
		return nil, errors.Errorf("unknown model %q, registered models are %v", identifier, Known())
	}
	model, err := factory(params, mode, vocabSource, vocabTarget, name)
	if err != nil {
		return nil, errors.WithMessagef(err, "building model %q (%s)", identifier, mode)
	}
	return model, nil
}
