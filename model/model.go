// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package model defines the estimation protocol shared by the emkit
// model implementations.
//
// Parameters are learned with an accumulate, merge, commit cycle. For
// every mini-batch a model computes a local Stats record without
// touching its parameters. Local records from any number of batches or
// workers are merged with Update, an associative and commutative
// operation, so the result does not depend on batch order or worker
// count. Apply commits the merged record and is the only operation that
// mutates parameters.
package model

const (
	// DefaultSeed provided for model implementation.
	DefaultSeed = 33
)

// Stats is a mergeable record of sufficient statistics computed from one
// batch of observations. Records are ephemeral: created by Maximize,
// consumed by Update and Apply, then discarded. They are never persisted
// with the model.
type Stats interface {

	// Weight returns the total responsibility mass in the record.
	Weight() float64
}

// An OutputHead maps each hidden state of a sequence or mixture model to
// an observation distribution. The two implementations are
// discrete.Model (categorical emission table) and gaussian.Model
// (multivariate normal components).
type OutputHead interface {

	// The model name.
	Name() string

	// Dimensionality of the observation vector.
	Dim() int

	// Number of hidden states.
	NumStates() int

	// Reset re-initializes the model parameters. With nil data the
	// parameters are drawn from the canonical default for the head.
	// With data the initialization is data-driven and the returned
	// slice holds one cluster label per observation so the caller can
	// derive mixture weights from the same clustering.
	Reset(data [][]float64) ([]int, error)

	// Evaluate returns a matrix with one row per observation and one
	// column per hidden state holding the emission probability or, when
	// logDomain is true, its logarithm. Callers that need numerical
	// stability must request the log domain. Parameters are not
	// modified.
	Evaluate(x [][]float64, logDomain bool) ([][]float64, error)

	// Sample draws one observation per entry in states using the
	// committed parameters.
	Sample(states []int) ([][]float64, error)

	// Maximize computes the batch-local sufficient statistics for the
	// observations in x weighted by the responsibilities gamma, one row
	// per observation, one column per state. Parameters are not
	// modified.
	Maximize(x, gamma [][]float64) (Stats, error)

	// Update merges a local record into an accumulated one. A nil acc
	// is the identity. Merging is associative and commutative; only
	// floating point rounding depends on the order.
	Update(acc, local Stats) (Stats, error)

	// Apply commits parameters derived from the merged statistics.
	// A state whose total responsibility is below machine epsilon keeps
	// its previous parameters.
	Apply(s Stats) error
}

// A Fitter learns parameters from batches of observations. EStep
// computes responsibilities for one batch and returns the local record;
// the driver merges records with Update and commits once per epoch with
// Apply. Implementations must allow EStep calls from concurrent
// goroutines on disjoint batches.
type Fitter interface {
	EStep(x [][]float64) (Stats, error)
	Update(acc, local Stats) (Stats, error)
	Apply(s Stats) error
}
