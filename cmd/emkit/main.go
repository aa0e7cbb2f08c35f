// Copyright (c) 2015 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command emkit trains, samples and scores statistical models from the
// command line. Data files hold one json record per line, a state
// sequence for chain models or an observation vector for mixtures. The
// model type and the training parameters come from a yaml configuration
// file.
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/urfave/cli/v2"

	"github.com/akualab/emkit"
)

const appVersion = "0.2"

func main() {

	app := &cli.App{
		Name:    "emkit",
		Usage:   "expectation-maximization modeling tool",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "log-stderr",
				Value: true,
				Usage: "logs are written to standard error",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"V"},
				Value:   "0",
				Usage:   "enable V-leveled logging at the specified level",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("log-stderr") {
				flag.Set("alsologtostderr", "true")
			}
			flag.Set("v", c.String("log-level"))
			return nil
		},
		Commands: []*cli.Command{
			trainCommand(),
			sampleCommand(),
			scoreCommand(),
		},
	}
	defer glog.Flush()
	emkit.Fatal(app.Run(os.Args))
}
