// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package floatx provides slice kernels shared by the model packages.
package floatx

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

type Error string

func (err Error) Error() string { return string(err) }

const (
	ErrIndexOutOfRange = Error("floatx: index out of range")
	ErrZeroLength      = Error("floatx: zero length in slice definition")
	ErrLength          = Error("floatx: length mismatch")
)

type ApplyFunc func(n int, v float64) float64
type ApplyFunc2D func(n1, n2 int, v float64) float64

func AddScalarFunc(f float64) ApplyFunc {
	return func(r int, v float64) float64 { return v + f }
}
func ScaleFunc(f float64) ApplyFunc {
	return func(r int, v float64) float64 { return v * f }
}
func SetValueFunc(f float64) ApplyFunc {
	return func(r int, v float64) float64 { return f }
}

// Apply function to 1D slice. If out slice is empty, the function is applied in place.
func Apply(fn ApplyFunc, in, out []float64) []float64 {

	n := len(in)
	if n == 0 {
		panic(ErrZeroLength)
	}
	if len(out) == 0 {
		out = in
	}
	if len(out) != n {
		panic(ErrLength)
	}
	for i := 0; i < n; i++ {
		out[i] = fn(i, in[i])
	}

	return out
}

// Apply function to 2D slice. If out slice is empty, the function is applied in place.
func Apply2D(fn ApplyFunc2D, in, out [][]float64) [][]float64 {

	n1, n2 := Check2D(in)
	if len(out) == 0 {
		out = in
	}
	for i := 0; i < n1; i++ {
		for j := 0; j < n2; j++ {
			out[i][j] = fn(i, j, in[i][j])
		}
	}

	return out
}

// Log computes the elementwise natural log of src. If dst is empty, src
// is transformed in place.
func Log(dst, src []float64) []float64 {
	return Apply(func(i int, v float64) float64 { return math.Log(v) }, src, dst)
}

// Exp computes the elementwise exponential of src. If dst is empty, src
// is transformed in place.
func Exp(dst, src []float64) []float64 {
	return Apply(func(i int, v float64) float64 { return math.Exp(v) }, src, dst)
}

// Sq computes the elementwise square of src. If dst is empty, src is
// transformed in place.
func Sq(dst, src []float64) []float64 {
	return Apply(func(i int, v float64) float64 { return v * v }, src, dst)
}

// Sqrt computes the elementwise square root of src. If dst is empty, src
// is transformed in place.
func Sqrt(dst, src []float64) []float64 {
	return Apply(func(i int, v float64) float64 { return math.Sqrt(v) }, src, dst)
}

func MakeFloat2D(n1, n2 int) [][]float64 {

	s := make([][]float64, n1)
	for i := 0; i < n1; i++ {
		s[i] = make([]float64, n2)
	}

	return s
}

func Check2D(s [][]float64) (n1, n2 int) {

	n1 = len(s)
	if n1 == 0 {
		panic(ErrZeroLength)
	}

	n2 = len(s[0])
	if n2 == 0 {
		panic(ErrZeroLength)
	}

	return n1, n2
}

func SubSlice2D(s [][]float64, c int) []float64 {

	n1, n2 := Check2D(s)
	if c < 0 || c >= n2 {
		panic(ErrIndexOutOfRange)
	}
	out := make([]float64, n1)
	for i := 0; i < n1; i++ {
		out[i] = s[i][c]
	}
	return out
}

func Flatten2D(s [][]float64) []float64 {

	n1, n2 := Check2D(s)
	out := make([]float64, n1*n2)

	p := 0
	for _, c := range s {
		copy(out[p:], c)
		p += len(c)
	}
	return out
}

// NormalizeSum scales x in place so the values sum to one and returns the
// original sum. Rows whose sum is smaller than 1e-10 cannot be normalized;
// all entries are set to the fallback value z instead.
func NormalizeSum(x []float64, z float64) float64 {

	sum := floats.Sum(x)
	if sum < 1e-10 {
		Apply(SetValueFunc(z), x, nil)
		return sum
	}
	floats.Scale(1.0/sum, x)
	return sum
}

// OneHot converts hard assignments into an n x k matrix where row i is
// one at column hot[i] and zero elsewhere.
func OneHot(hot []int, k int) [][]float64 {

	out := MakeFloat2D(len(hot), k)
	for i, v := range hot {
		if v < 0 || v >= k {
			panic(ErrIndexOutOfRange)
		}
		out[i][v] = 1.0
	}
	return out
}

// A simple []float64 slice pool object.
// Use it to avoid allocating unecessary resources in
// concurrent code.
type Pool struct {
	n   int
	buf chan []float64
}

func NewPool(n int) *Pool {

	return &Pool{n, make(chan []float64, 1)}
}

func (pool *Pool) Get() []float64 {
	select {
	case b := <-pool.buf:
		return b
	default:
	}
	return make([]float64, pool.n)
}

func (pool *Pool) Put(p []float64) {
	select {
	case pool.buf <- p:
	default:
	}
}
