// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package emkit estimates statistical models with the
// expectation-maximization algorithm. The models live in subpackages
// under model: discrete and gaussian output heads, gaussian mixtures,
// Markov chains and hidden Markov models. The root package provides the
// training driver and the yaml configuration read by the command line
// tool.
package emkit

import "github.com/golang/glog"

// Fatal logs the error and exits when err is not nil.
func Fatal(err error) {
	if err != nil {
		glog.Fatal(err)
	}
}
