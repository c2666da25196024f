// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package configs defines the model configuration record persisted alongside
// every checkpoint directory.
//
// The record names the model to construct (see package models), its
// hyperparameters and the optimizer hyperparameters. It is written as
// `model_configs.yml` in the checkpoint directory when training starts, and
// read back when reloading the model for evaluation, inference or ensembling.
package configs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileName of the persisted configuration record, relative to the checkpoint
// directory.
const FileName = "model_configs.yml"

// FilePermMode is the default file creation permission (before umask) used.
var FilePermMode = os.FileMode(0660)

// ModelConfigs holds everything needed to reconstruct a model from a
// checkpoint directory: the registered model identifier, its
// hyperparameters, and the optimizer hyperparameters used during training.
type ModelConfigs struct {
	// Model is the registered model identifier, e.g. "Seq2SeqModel".
	// Dotted identifiers are accepted for compatibility with configurations
	// that use fully qualified names; only the last component is looked up
	// in the registry.
	Model string `yaml:"model"`

	// ModelName optionally records the top-level variable scope name the
	// model was built under. When present it takes precedence over
	// inferring the scope name from checkpointed variable names.
	ModelName string `yaml:"model_name,omitempty"`

	// ModelParams are the model hyperparameters, handed to the model
	// factory and hydrated into the variable context parameters.
	ModelParams map[string]any `yaml:"model_params"`

	// OptimizerParams configure the training step: the "optimizer" key
	// selects the optimizer by name; any other keys are set as context
	// parameters for the optimizer to pick up (e.g. "learning_rate").
	OptimizerParams map[string]any `yaml:"optimizer_params"`
}

// ModelBaseName returns the last dot-separated component of the model
// identifier. It is the default top-level variable scope name for the model.
func (mc *ModelConfigs) ModelBaseName() string {
	parts := strings.Split(mc.Model, ".")
	return parts[len(parts)-1]
}

// Validate returns a configuration error if required fields are missing.
func (mc *ModelConfigs) Validate() error {
	if mc == nil {
		return errors.New("nil ModelConfigs")
	}
	if mc.Model == "" {
		return errors.New("model configuration is missing the \"model\" identifier")
	}
	return nil
}

// Save writes the configuration record to dir as FileName.
func (mc *ModelConfigs) Save(dir string) error {
	if err := mc.Validate(); err != nil {
		return errors.WithMessagef(err, "saving model configuration to %q", dir)
	}
	data, err := yaml.Marshal(mc)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal model configuration for %q", dir)
	}
	filePath := filepath.Join(dir, FileName)
	if err = os.WriteFile(filePath, data, FilePermMode); err != nil {
		return errors.Wrapf(err, "failed to write model configuration file %q", filePath)
	}
	return nil
}

// Load reads the configuration record persisted in dir.
//
// A missing or malformed file is an error: a checkpoint directory without its
// configuration record cannot be used to reconstruct a model.
func Load(dir string) (*ModelConfigs, error) {
	filePath := filepath.Join(dir, FileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model configuration file %q", filePath)
	}
	mc := &ModelConfigs{}
	if err = yaml.Unmarshal(data, mc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model configuration file %q", filePath)
	}
	if err = mc.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "loading model configuration from %q", dir)
	}
	return mc, nil
}
