// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// RandNormalVector returns a random observation vector drawn from a
// normal distribution with diagonal covariance.
func RandNormalVector(mean, std []float64, r *rand.Rand) ([]float64, error) {

	if !floats.EqualLengths(mean, std) {
		return nil, fmt.Errorf("Cannot generate random vectors length of mean [%d] and std [%d] don't match.",
			len(mean), len(std))
	}
	vector := make([]float64, len(mean))
	for i := range mean {
		v := r.NormFloat64()*std[i] + mean[i]
		vector[i] = v
	}

	return vector, nil
}

// Tolerance when checking that a sampled distribution accumulates to one.
const epsilon = 0.004

func sumsToOne(cum float64) bool {
	return math.Abs(cum-1.0) < epsilon
}

// Generates a random number given a discrete prob distribution.
func RandIntFromDist(dist []float64, r *rand.Rand) (int, error) {
	N := len(dist)
	if N == 0 {
		return -1, fmt.Errorf("Error prob distribution has len 0")
	}
	ran := r.Float64()
	cum := 0.0
	for i := 0; i < N; i++ {
		cum = cum + dist[i]
		if ran < cum {
			return i, nil
		}
	}
	if !sumsToOne(cum) {
		return -1, fmt.Errorf("Distribution doesn't sum to 1")
	}
	return N - 1, nil
}
