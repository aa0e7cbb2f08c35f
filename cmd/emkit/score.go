// Copyright (c) 2015 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/akualab/emkit"
	"github.com/akualab/emkit/model"
	"github.com/akualab/emkit/model/discrete"
	"github.com/akualab/emkit/model/gmm"
	"github.com/akualab/emkit/model/hmm"
	"github.com/akualab/emkit/model/markov"
)

func scoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "score",
		Usage:     "compute log probability scores for a data file",
		ArgsUsage: "<data file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Required: true,
				Usage:    "yaml configuration file",
			},
			&cli.StringFlag{
				Name:     "model",
				Aliases:  []string{"m"},
				Required: true,
				Usage:    "trained model file",
			},
		},
		Action: scoreAction,
	}
}

func scoreAction(c *cli.Context) error {

	if c.NArg() != 1 {
		return errors.New("score takes one data file argument")
	}
	config, err := emkit.ReadConfig(c.String("config"))
	if err != nil {
		return err
	}
	modelFn := c.String("model")
	dataFn := c.Args().First()

	var scores []float64
	switch config.Model {
	case "markov":
		scores, err = scoreMarkov(config, modelFn, dataFn)
	case "gmm":
		scores, err = scoreGMM(config, modelFn, dataFn)
	case "hmm":
		scores, err = scoreHMM(config, modelFn, dataFn)
	default:
		return errors.Errorf("unknown model type [%s]", config.Model)
	}
	if err != nil {
		return err
	}
	return printScores(c.App.Writer, scores)
}

func scoreMarkov(config *emkit.Config, modelFn, dataFn string) ([]float64, error) {

	m, err := markov.ReadFile(modelFn)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dataFn)
	if err != nil {
		return nil, err
	}
	src, err := model.NewSeqReader(f, batchSize(config))
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return m.ScoreSamples(src)
}

func scoreGMM(config *emkit.Config, modelFn, dataFn string) ([]float64, error) {

	m, err := gmm.ReadFile(modelFn)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dataFn)
	if err != nil {
		return nil, err
	}
	src, err := model.NewObsReader(f, batchSize(config))
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return m.ScoreSamples(src)
}

func scoreHMM(config *emkit.Config, modelFn, dataFn string) ([]float64, error) {

	m, err := hmm.ReadFile(modelFn)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dataFn)
	if err != nil {
		return nil, err
	}
	src, err := model.NewSeqReader(f, batchSize(config))
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var seqs [][][]float64
	for {
		batch, e := src.Next()
		if e == io.EOF {
			break
		}
		if e != nil {
			return nil, e
		}
		for _, s := range batch {
			seqs = append(seqs, discrete.Encode(s))
		}
	}
	return m.ScoreSamples(seqs)
}

func printScores(w io.Writer, scores []float64) error {

	mean, err := stats.Mean(scores)
	if err != nil {
		return errors.Wrap(err, "no scores to summarize")
	}
	median, err := stats.Median(scores)
	if err != nil {
		return err
	}
	sd, err := stats.StandardDeviation(scores)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "scored items:         %d\n", len(scores))
	fmt.Fprintf(w, "mean log probability: %e\n", mean)
	fmt.Fprintf(w, "median:               %e\n", median)
	fmt.Fprintf(w, "standard deviation:   %e\n", sd)
	return nil
}
