package emkit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig(t *testing.T) {

	fn := filepath.Join(os.TempDir(), "config.yaml")
	t.Logf("Config File: %s.", fn)
	err := os.WriteFile(fn, []byte(conf), 0644)
	CheckError(t, err)

	config, e := ReadConfig(fn)
	CheckError(t, e)
	t.Logf("Config: %+v", config)

	if config.Model != "hmm" {
		t.Fatalf("Model is [%s]. Expected [hmm].", config.Model)
	}
	if config.NumStates != 4 {
		t.Fatalf("NumStates is [%d]. Expected [4].", config.NumStates)
	}
	if config.Epochs != 10 {
		t.Fatalf("Epochs is [%d]. Expected [10].", config.Epochs)
	}
	if config.HMM.OutputDist != "discrete" {
		t.Fatalf("OutputDist is [%s]. Expected [discrete].", config.HMM.OutputDist)
	}
	if config.HMM.UpdateTP {
		t.Fatalf("UpdateTP is [%v]. Expected [false].", config.HMM.UpdateTP)
	}
	if config.Discrete.NumSymbols != 6 {
		t.Fatalf("NumSymbols is [%d]. Expected [6].", config.Discrete.NumSymbols)
	}

	// Absent keys keep the defaults.
	if !config.HMM.UpdateIP {
		t.Fatalf("UpdateIP is [%v]. Expected default [true].", config.HMM.UpdateIP)
	}
	if config.Workers != 1 {
		t.Fatalf("Workers is [%d]. Expected default [1].", config.Workers)
	}
	if config.Seed != 33 {
		t.Fatalf("Seed is [%d]. Expected default [33].", config.Seed)
	}
	if config.Gaussian.CovKind != "diag" {
		t.Fatalf("CovKind is [%s]. Expected default [diag].", config.Gaussian.CovKind)
	}

	fn = filepath.Join(os.TempDir(), "config-no-model.yaml")
	err = os.WriteFile(fn, []byte("epochs: 3\n"), 0644)
	CheckError(t, err)
	if _, e := ReadConfig(fn); e == nil {
		t.Fatalf("expected error for a config without a model")
	}

	if _, e := ReadConfig(filepath.Join(os.TempDir(), "no-such-config.yaml")); e == nil {
		t.Fatalf("expected error for a missing config file")
	}
}

const conf string = `
model: hmm
num_states: 4
epochs: 10
hmm:
  output_distribution: discrete
  update_tp: false
discrete:
  num_symbols: 6
`
