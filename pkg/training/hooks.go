// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gonmt/pkg/configs"
	"github.com/gomlx/gonmt/pkg/data"
	"k8s.io/klog/v2"
)

// Hook observes the lifecycle of a training run. Begin is called once after
// the training step is assembled, BeforeRun/AfterRun bracket every step, and
// End is called once when the run finishes.
type Hook interface {
	Begin()
	BeforeRun(globalStep int64)
	AfterRun(globalStep int64)
	End()
}

// Priority orders hooks within a run: lower values run first. Logging runs
// last, so it observes what the other hooks of the step produced.
type Priority int

const (
	PriorityFirst   Priority = -100
	PriorityDefault Priority = 0
	PriorityLast    Priority = 100
)

type namedHook struct {
	name string
	hook Hook
}

// HookSet collects named hooks per priority and hands them out ordered.
type HookSet struct {
	byPriority map[Priority][]namedHook
}

// NewHookSet creates an empty hook set.
func NewHookSet() *HookSet {
	return &HookSet{byPriority: make(map[Priority][]namedHook)}
}

// Add registers hook under name at the given priority. The name shows up in
// verbose logs only; it carries no semantics.
func (s *HookSet) Add(name string, priority Priority, hook Hook) {
	s.byPriority[priority] = append(s.byPriority[priority], namedHook{name: name, hook: hook})
}

// Ordered returns the registered hooks sorted by priority, preserving
// registration order within each priority.
func (s *HookSet) Ordered() []Hook {
	priorities := make([]Priority, 0, len(s.byPriority))
	for priority := range s.byPriority {
		priorities = append(priorities, priority)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })
	var hooks []Hook
	for _, priority := range priorities {
		for _, named := range s.byPriority[priority] {
			klog.V(1).Infof("hook %q at priority %d", named.name, priority)
			hooks = append(hooks, named.hook)
		}
	}
	return hooks
}

// Hyperparameter keys read by BuildHooks from the optimizer parameters.
const (
	// ParamDisplaySteps sets how often (in steps) the logging hook reports
	// display values. Defaults to 100.
	ParamDisplaySteps = "hooks.display_steps"

	// ParamCheckpointSteps sets how often (in steps) the checkpoint hook
	// saves. Defaults to 1000.
	ParamCheckpointSteps = "hooks.checkpoint_steps"
)

// BuildHooks assembles the hooks every training run gets. Hooks that only
// make sense on a single worker (logging, checkpoint saving) are restricted
// to the chief when running distributed. A nil checkpoint handler skips the
// checkpoint hook.
func BuildHooks(mc *configs.ModelConfigs, distributedMode, isChief bool,
	display *Display, checkpoint *checkpoints.Handler) []Hook {
	set := NewHookSet()
	if !distributedMode || isChief {
		everyN := intParamOr(mc.OptimizerParams, ParamDisplaySteps, 100)
		set.Add("display-logging", PriorityLast, NewLoggingHook(display, everyN))
		if checkpoint != nil {
			saveEveryN := intParamOr(mc.OptimizerParams, ParamCheckpointSteps, 1000)
			set.Add("checkpoint-save", PriorityFirst, NewCheckpointHook(checkpoint, saveEveryN))
		}
	}
	return set.Ordered()
}

// BuildEvalMetrics assembles the metric hooks derived from the dataset.
// They run on the chief only: evaluating on every worker would duplicate
// work without changing the result.
func BuildEvalMetrics(mc *configs.ModelConfigs, ds *data.Dataset, isChief bool, modelName string) []Hook {
	if !isChief {
		return nil
	}
	everyN := intParamOr(mc.OptimizerParams, ParamDisplaySteps, 100)
	set := NewHookSet()
	set.Add(modelName+"-throughput", PriorityDefault, NewThroughputHook(modelName, ds, everyN))
	return set.Ordered()
}

// LoggingHook logs the registered display values every N steps.
type LoggingHook struct {
	display *Display
	everyN  int64
}

// NewLoggingHook creates a LoggingHook reporting every everyN steps.
func NewLoggingHook(display *Display, everyN int) *LoggingHook {
	if everyN <= 0 {
		everyN = 100
	}
	return &LoggingHook{display: display, everyN: int64(everyN)}
}

// Begin implements Hook.
func (h *LoggingHook) Begin() {}

// BeforeRun implements Hook.
func (h *LoggingHook) BeforeRun(int64) {}

// AfterRun implements Hook.
func (h *LoggingHook) AfterRun(globalStep int64) {
	if globalStep%h.everyN != 0 {
		return
	}
	var parts []string
	for _, key := range h.display.Keys() {
		probe, _ := h.display.Probe(key)
		if value, observed := probe.Value(); observed {
			parts = append(parts, key+"="+humanize.FtoaWithDigits(value, 4))
		}
	}
	if len(parts) > 0 {
		klog.Infof("step %d: %s", globalStep, strings.Join(parts, ", "))
	}
}

// End implements Hook.
func (h *LoggingHook) End() {}

// ThroughputHook reports training throughput (steps/s and tokens/s for the
// current batch shape) for a named model.
type ThroughputHook struct {
	modelName string
	ds        *data.Dataset
	everyN    int64

	lastTime time.Time
	lastStep int64
}

// NewThroughputHook creates a ThroughputHook reporting every everyN steps.
func NewThroughputHook(modelName string, ds *data.Dataset, everyN int) *ThroughputHook {
	if everyN <= 0 {
		everyN = 100
	}
	return &ThroughputHook{modelName: modelName, ds: ds, everyN: int64(everyN)}
}

// Begin implements Hook.
func (h *ThroughputHook) Begin() {
	h.lastTime = time.Now()
	h.lastStep = 0
}

// BeforeRun implements Hook.
func (h *ThroughputHook) BeforeRun(int64) {}

// AfterRun implements Hook.
func (h *ThroughputHook) AfterRun(globalStep int64) {
	if globalStep%h.everyN != 0 {
		return
	}
	elapsed := time.Since(h.lastTime)
	steps := globalStep - h.lastStep
	if elapsed <= 0 || steps <= 0 {
		return
	}
	stepsPerSec := float64(steps) / elapsed.Seconds()
	msg := humanize.FtoaWithDigits(stepsPerSec, 2) + " steps/s"
	if batch := h.ds.Batch(); batch != nil {
		tokens := batch.SourceIDs.Shape().Size()
		if batch.TargetIDs != nil {
			tokens += batch.TargetIDs.Shape().Size()
		}
		tokensPerSec := stepsPerSec * float64(tokens)
		msg += ", " + humanize.SIWithDigits(tokensPerSec, 1, "") + " tokens/s"
	}
	klog.Infof("%s: %s", h.modelName, msg)
	h.lastTime = time.Now()
	h.lastStep = globalStep
}

// End implements Hook.
func (h *ThroughputHook) End() {}

// CheckpointHook saves a checkpoint every N steps and once at the end of the
// run. It is meant for the chief worker only.
type CheckpointHook struct {
	handler *checkpoints.Handler
	everyN  int64
}

// NewCheckpointHook creates a CheckpointHook saving through handler every
// everyN steps.
func NewCheckpointHook(handler *checkpoints.Handler, everyN int) *CheckpointHook {
	if everyN <= 0 {
		everyN = 1000
	}
	return &CheckpointHook{handler: handler, everyN: int64(everyN)}
}

// Begin implements Hook.
func (h *CheckpointHook) Begin() {}

// BeforeRun implements Hook.
func (h *CheckpointHook) BeforeRun(int64) {}

// AfterRun implements Hook.
func (h *CheckpointHook) AfterRun(globalStep int64) {
	if globalStep%h.everyN != 0 {
		return
	}
	if err := h.handler.Save(); err != nil {
		klog.Errorf("checkpoint save at step %d failed: %+v", globalStep, err)
	}
}

// End implements Hook.
func (h *CheckpointHook) End() {
	if err := h.handler.Save(); err != nil {
		klog.Errorf("final checkpoint save failed: %+v", err)
	}
}

func intParamOr(params map[string]any, key string, defaultValue int) int {
	value, found := params[key]
	if !found {
		return defaultValue
	}
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}
