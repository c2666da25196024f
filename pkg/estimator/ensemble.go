// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gonmt/pkg/configs"
	"github.com/gomlx/gonmt/pkg/data"
	"github.com/gomlx/gonmt/pkg/models"
	"github.com/gomlx/gonmt/pkg/models/ensemble"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Variable-scope markers identifying a translation model's variables inside
// a checkpoint: every model embeds its source tokens under the first and its
// target tokens under the second.
const (
	sourceModalityMarker = "/input_symbol_modality"
	targetModalityMarker = "/symbol_modality_"
)

// EnsembleScope is the disjoint top-level scope the i-th ensemble member's
// variables are re-declared under.
func EnsembleScope(i int) string {
	return fmt.Sprintf("%sensemble_%d", context.ScopeSeparator, i)
}

// ModelFnEnsemble loads the trained models persisted under modelDirs and
// assembles an inference EstimatorSpec decoding with their weighted
// combination. Checkpoints are loaded sequentially; any failure aborts the
// whole ensemble, there is no partial success.
//
// Every member's variables are re-declared under a disjoint ensemble_<i>
// scope, so identically named variables of independently trained models
// never collide.
func ModelFnEnsemble(backend backends.Backend, ctx *context.Context, modelDirs []string,
	ds *data.Dataset, weightScheme string, opts ensemble.InferenceOptions) (*EstimatorSpec, error) {
	if len(modelDirs) == 0 {
		return nil, errors.New("ensemble needs at least one model directory")
	}
	members := make([]ensemble.Member, 0, len(modelDirs))
	for i, dir := range modelDirs {
		member, err := loadEnsembleMember(ctx, i, dir, ds)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading ensemble model %d from %q", i, dir)
		}
		members = append(members, member)
	}

	weights, err := ensemble.Weights(weightScheme, len(members))
	if err != nil {
		return nil, err
	}
	decoder, err := ensemble.Build(backend, ctx, members, weights, ds.VocabTarget, opts)
	if err != nil {
		return nil, err
	}
	return NewEstimatorSpec(ModeInfer, decoder, nil, nil, nil, nil, nil)
}

// loadEnsembleMember reads one checkpoint into a scratch context, re-declares
// its model variables under the member's ensemble scope in ctx, and
// instantiates the persisted model configuration for inference.
func loadEnsembleMember(ctx *context.Context, i int, dir string, ds *data.Dataset) (ensemble.Member, error) {
	var member ensemble.Member

	// The scratch context absorbs the checkpoint's own parameters and
	// variable declarations without touching the shared context.
	scratch := context.New()
	handler, err := checkpoints.Load(scratch).Dir(dir).Done()
	if err != nil {
		return member, errors.WithMessage(err, "reading checkpoint")
	}
	loaded := handler.LoadedVariables()
	if len(loaded) == 0 {
		return member, errors.Errorf("checkpoint in %q holds no variables", dir)
	}

	mc, err := configs.Load(dir)
	if err != nil {
		return member, err
	}

	keys := make([]string, 0, len(loaded))
	for key := range loaded {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	scopeName := ""
	memberScope := EnsembleScope(i)
	kept := 0
	for _, key := range keys {
		scope, name := context.VariableScopeAndNameFromParameterName(key)
		if name == "" {
			return member, errors.Errorf("malformed variable key %q in checkpoint", key)
		}
		if isOptimizerState(scope, name) {
			klog.V(1).Infof("skipping optimizer state %q from %q", key, dir)
			continue
		}
		if scopeName == "" {
			scopeName = modelScopeName(scope, name)
		}
		ctx.InAbsPath(memberScope+scope).VariableWithValue(name, loaded[key])
		kept++
	}
	if kept == 0 {
		return member, errors.Errorf("checkpoint in %q holds only optimizer state", dir)
	}
	if mc.ModelName != "" {
		// The persisted configuration names the model scope, no need to
		// infer it from variable names.
		scopeName = mc.ModelName
	}
	if scopeName == "" {
		return member, errors.Errorf(
			"cannot infer the model variable scope from checkpoint %q: no variable under %q or %q, "+
				"and no model_name in %s", dir, sourceModalityMarker, targetModalityMarker, configs.FileName)
	}

	model, err := models.New(mc.Model, mc.ModelParams, models.ModeInfer,
		ds.VocabSource, ds.VocabTarget, scopeName)
	if err != nil {
		return member, err
	}
	klog.V(1).Infof("ensemble model %d: %q from %q, %d variables under %s",
		i, scopeName, dir, kept, memberScope)
	return ensemble.Member{Model: model, ScopePath: memberScope}, nil
}

// isOptimizerState reports whether a checkpoint variable belongs to the
// optimizer rather than the model: moments and steps under the optimizer
// scopes, and the global step counter. Scope segments are compared exactly,
// so a model scope merely starting with an optimizer scope's name is kept.
func isOptimizerState(scope, name string) bool {
	if name == optimizers.GlobalStepVariableName {
		return true
	}
	for _, segment := range strings.Split(scope, context.ScopeSeparator) {
		if segment == optimizers.Scope || segment == optimizers.AdamDefaultScope {
			return true
		}
	}
	return false
}

// modelScopeName extracts the model's top-level scope from a variable path
// carrying one of the modality markers, or returns "" when the variable does
// not identify it.
func modelScopeName(scope, name string) string {
	full := scope + context.ScopeSeparator + name
	idx := strings.Index(full, sourceModalityMarker+context.ScopeSeparator)
	if idx < 0 {
		idx = strings.Index(full, targetModalityMarker)
	}
	if idx <= 0 {
		return ""
	}
	return strings.TrimPrefix(full[:idx], context.ScopeSeparator)
}
