// Copyright (c) 2015 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/akualab/emkit"
	"github.com/akualab/emkit/model"
	"github.com/akualab/emkit/model/discrete"
	"github.com/akualab/emkit/model/gaussian"
	"github.com/akualab/emkit/model/gmm"
	"github.com/akualab/emkit/model/hmm"
	"github.com/akualab/emkit/model/markov"
)

// Streams have no length-known fallback, so batches need a size even
// when the configuration leaves one out.
const defaultBatchSize = 32

func trainCommand() *cli.Command {
	return &cli.Command{
		Name:      "train",
		Usage:     "estimate model parameters from a data file",
		ArgsUsage: "<data file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Required: true,
				Usage:    "yaml configuration file",
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Value:   "model.json",
				Usage:   "output model file",
			},
		},
		Action: trainAction,
	}
}

func trainAction(c *cli.Context) error {

	if c.NArg() != 1 {
		return errors.New("train takes one data file argument")
	}
	config, err := emkit.ReadConfig(c.String("config"))
	if err != nil {
		return err
	}
	dataFn := c.Args().First()
	glog.Infof("training a %s model from %s", config.Model, dataFn)

	switch config.Model {
	case "markov":
		return trainMarkov(config, dataFn, c.String("out"))
	case "gmm":
		return trainGMM(config, dataFn, c.String("out"))
	case "hmm":
		return trainHMM(config, dataFn, c.String("out"))
	}
	return errors.Errorf("unknown model type [%s]", config.Model)
}

func batchSize(config *emkit.Config) int {
	if config.BatchSize > 0 {
		return config.BatchSize
	}
	return defaultBatchSize
}

func trainMarkov(config *emkit.Config, dataFn, out string) error {

	f, err := os.Open(dataFn)
	if err != nil {
		return err
	}
	src, err := model.NewSeqReader(f, batchSize(config))
	if err != nil {
		return err
	}
	defer src.Close()

	opts := []func(*markov.Model){
		markov.Seed(config.Seed),
		markov.Workers(config.Workers),
	}
	if config.Markov.Symmetric {
		opts = append(opts, markov.Symmetric())
	}
	m := markov.NewModel(config.NumStates, opts...)
	if err := m.Fit(src); err != nil {
		return err
	}
	return m.WriteFile(out)
}

func trainGMM(config *emkit.Config, dataFn, out string) error {

	kind, err := gaussian.ParseCovKind(config.Gaussian.CovKind)
	if err != nil {
		return err
	}
	f, err := os.Open(dataFn)
	if err != nil {
		return err
	}
	src, err := model.NewObsReader(f, batchSize(config))
	if err != nil {
		return err
	}
	defer src.Close()

	m := gmm.NewModel(config.Gaussian.NumElements, config.GMM.NumComponents, kind,
		gmm.Seed(config.Seed))
	if err := m.Init(src); err != nil {
		return err
	}
	tr := emkit.NewTrainer(m,
		emkit.Epochs(config.Epochs),
		emkit.Workers(config.Workers),
		emkit.Progress())
	if err := tr.Train(src); err != nil {
		return err
	}
	return m.WriteFile(out)
}

// trainHMM covers chains with discrete heads. Gaussian heads need
// vector valued sequence files, which the line format does not carry.
func trainHMM(config *emkit.Config, dataFn, out string) error {

	if config.HMM.OutputDist != "discrete" {
		return errors.Errorf("cannot train an hmm with output distribution [%s] from symbol sequences", config.HMM.OutputDist)
	}
	if config.NumStates < 1 {
		return errors.New("config must set num_states for hmm models")
	}
	f, err := os.Open(dataFn)
	if err != nil {
		return err
	}
	src, err := model.NewSeqReader(f, batchSize(config))
	if err != nil {
		return err
	}
	defer src.Close()

	var seqs [][][]float64
	for {
		batch, e := src.Next()
		if e == io.EOF {
			break
		}
		if e != nil {
			return e
		}
		for _, s := range batch {
			seqs = append(seqs, discrete.Encode(s))
		}
	}

	head := discrete.NewModel(config.NumStates, config.Discrete.NumSymbols,
		discrete.Seed(config.Seed))
	m := hmm.NewModel(head,
		hmm.Seed(config.Seed),
		hmm.Workers(config.Workers),
		hmm.UpdateIP(config.HMM.UpdateIP),
		hmm.UpdateTP(config.HMM.UpdateTP))
	if err := m.Fit(seqs, config.Epochs); err != nil {
		return err
	}
	return m.WriteFile(out)
}
