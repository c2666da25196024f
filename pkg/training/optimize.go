// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// HydrateOptimizerParams installs the configured optimizer hyperparameters
// into the context, so optimizers.FromContext resolves the configured
// optimizer and learning rate. Unknown optimizer names are reported here,
// before any graph is built.
func HydrateOptimizerParams(ctx *context.Context, params map[string]any) error {
	if params == nil {
		return nil
	}
	if nameAny, found := params[optimizers.ParamOptimizer]; found {
		name, ok := nameAny.(string)
		if !ok {
			return errors.Errorf("optimizer name must be a string, got %T", nameAny)
		}
		if _, found := optimizers.KnownOptimizers[name]; !found {
			return errors.Errorf("unknown optimizer %q, valid values are %v",
				name, maps.Keys(optimizers.KnownOptimizers))
		}
	}
	ctx.SetParams(params)
	return nil
}

// Optimize attaches the optimizer update to the loss graph: it applies the
// context-configured optimizer to loss and increments the global step. Called
// exactly once per training graph, as part of the training step program.
func Optimize(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	opt := optimizers.FromContext(ctx)
	opt.UpdateGraph(ctx, g, loss)
	optimizers.IncrementGlobalStepGraph(ctx, g, dtypes.Int64)
}
