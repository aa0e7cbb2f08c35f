// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emkit

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/akualab/emkit/model"
)

// Config selects a model type and its training parameters. It is the
// schema of the yaml file read by the command line tool.
type Config struct {
	Model     string `yaml:"model" json:"model"`
	NumStates int    `yaml:"num_states,omitempty" json:"num_states,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	Epochs    int    `yaml:"epochs,omitempty" json:"epochs,omitempty"`
	Workers   int    `yaml:"workers,omitempty" json:"workers,omitempty"`
	Seed      int64  `yaml:"seed,omitempty" json:"seed,omitempty"`

	HMM HMM

	GMM GMM

	Gaussian Gaussian

	Discrete Discrete

	Markov Markov
}

// HMM holds the hidden Markov model settings.
type HMM struct {
	OutputDist string `yaml:"output_distribution,omitempty" json:"output_distribution,omitempty"`
	UpdateTP   bool   `yaml:"update_tp,omitempty" json:"update_tp,omitempty"`
	UpdateIP   bool   `yaml:"update_ip,omitempty" json:"update_ip,omitempty"`
	MaxLength  int    `yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

// GMM holds the gaussian mixture settings.
type GMM struct {
	NumComponents int `yaml:"num_components,omitempty" json:"num_components,omitempty"`
}

// Gaussian holds the gaussian output head settings. CovKind is one of
// "spherical", "diag", "diag-shared" or "full".
type Gaussian struct {
	NumElements int    `yaml:"num_elements,omitempty" json:"num_elements,omitempty"`
	CovKind     string `yaml:"cov_kind,omitempty" json:"cov_kind,omitempty"`
}

// Discrete holds the discrete output head settings.
type Discrete struct {
	NumSymbols int `yaml:"num_symbols,omitempty" json:"num_symbols,omitempty"`
}

// Markov holds the Markov chain settings.
type Markov struct {
	Symmetric bool `yaml:"symmetric,omitempty" json:"symmetric,omitempty"`
}

// DefaultConfig returns a configuration with default training
// parameters. Keys absent from a file keep these values.
func DefaultConfig() *Config {
	return &Config{
		Epochs:  1,
		Workers: 1,
		Seed:    model.DefaultSeed,
		HMM: HMM{
			OutputDist: "discrete",
			UpdateTP:   true,
			UpdateIP:   true,
			MaxLength:  100,
		},
		GMM:      GMM{NumComponents: 1},
		Gaussian: Gaussian{NumElements: 1, CovKind: "diag"},
		Discrete: Discrete{NumSymbols: 2},
	}
}

// ReadConfig reads a training configuration from a yaml file.
func ReadConfig(fn string) (*Config, error) {

	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %s", fn)
	}
	config := DefaultConfig()
	if e := yaml.Unmarshal(b, config); e != nil {
		return nil, errors.Wrapf(e, "cannot parse config file %s", fn)
	}
	if len(config.Model) == 0 {
		return nil, errors.Errorf("config file %s does not name a model", fn)
	}
	return config, nil
}
