// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training holds the training-side collaborators of model
// construction: the lifecycle hooks attached to a training run, the display
// registry hooks read their values from, and the optimizer wiring that turns
// a loss node into a training step.
package training

import (
	"github.com/gomlx/exceptions"
)

// TrainLossKey is the display key under which the training loss is
// registered, once per training model construction.
const TrainLossKey = "train_loss"

// Probe is the latest observation of a scalar training signal. The training
// step writes it after every step; hooks read it. Graph construction and
// step execution are single-threaded, so no locking is involved.
type Probe struct {
	value    float64
	observed bool
}

// Observe records a new value.
func (p *Probe) Observe(value float64) {
	p.value = value
	p.observed = true
}

// Value returns the last observed value, and whether anything was observed
// yet.
func (p *Probe) Value() (float64, bool) {
	return p.value, p.observed
}

// Display is a registry of named probes, created per model construction and
// handed to hook construction. It replaces any process-global collection:
// hooks observe training signals only through the Display they were built
// with.
type Display struct {
	keys   []string
	probes map[string]*Probe
}

// NewDisplay creates an empty display registry.
func NewDisplay() *Display {
	return &Display{probes: make(map[string]*Probe)}
}

// Register adds a probe under key. Registering the same key twice is a
// programming error and panics.
func (d *Display) Register(key string, probe *Probe) {
	if _, found := d.probes[key]; found {
		exceptions.Panicf("display key %q registered twice", key)
	}
	d.keys = append(d.keys, key)
	d.probes[key] = probe
}

// Keys returns the registered keys in registration order.
func (d *Display) Keys() []string {
	keys := make([]string, len(d.keys))
	copy(keys, d.keys)
	return keys
}

// Probe returns the probe registered under key.
func (d *Display) Probe(key string) (*Probe, bool) {
	p, found := d.probes[key]
	return p, found
}
