// Copyright (c) 2015 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/akualab/emkit"
	"github.com/akualab/emkit/model"
	"github.com/akualab/emkit/model/discrete"
	"github.com/akualab/emkit/model/gmm"
	"github.com/akualab/emkit/model/hmm"
	"github.com/akualab/emkit/model/markov"
)

func sampleCommand() *cli.Command {
	return &cli.Command{
		Name:      "sample",
		Usage:     "generate random data from a trained model",
		ArgsUsage: "<model file>",
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
				Value:   "data.json",
				Usage:   "output data file",
			},
			&cli.IntFlag{
				Name:    "num",
				Aliases: []string{"n"},
				Value:   100,
				Usage:   "number of sequences or observations to generate",
			},
			&cli.IntFlag{
				Name:    "length",
				Aliases: []string{"l"},
				Value:   20,
				Usage:   "length of each generated sequence",
			},
		},
		Action: sampleAction,
	}
}

func sampleAction(c *cli.Context) error {

	if c.NArg() != 1 {
		return errors.New("sample takes one model file argument")
	}
	config, err := emkit.ReadConfig(c.String("config"))
	if err != nil {
		return err
	}
	modelFn := c.Args().First()
	n := c.Int("num")
	l := c.Int("length")

	f, err := os.Create(c.String("out"))
	if err != nil {
		return err
	}
	defer f.Close()

	switch config.Model {
	case "markov":
		m, err := markov.ReadFile(modelFn)
		if err != nil {
			return err
		}
		seqs, err := m.Sample(n, l)
		if err != nil {
			return err
		}
		return model.WriteSeqs(f, seqs)

	case "gmm":
		m, err := gmm.ReadFile(modelFn)
		if err != nil {
			return err
		}
		data, err := m.Sample(n)
		if err != nil {
			return err
		}
		return model.WriteObs(f, data)

	case "hmm":
		m, err := hmm.ReadFile(modelFn)
		if err != nil {
			return err
		}
		obs, _, err := m.Sample(n, l)
		if err != nil {
			return err
		}
		seqs := make([][]int, len(obs))
		for i, o := range obs {
			s, e := discrete.Decode(o)
			if e != nil {
				return errors.Wrap(e, "the hmm head does not generate symbol sequences")
			}
			seqs[i] = s
		}
		return model.WriteSeqs(f, seqs)
	}
	return errors.Errorf("unknown model type [%s]", config.Model)
}
