// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package discrete provides a categorical output head. Each hidden state
// emits one of a finite set of symbols with state-specific probabilities.
package discrete

import (
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/akualab/emkit/floatx"
	"github.com/akualab/emkit/model"
)

var machEps = math.Nextafter(1, 2) - 1

// Model is a discrete output head with NStates hidden states and
// NSymbols emission symbols. Probs holds one emission distribution per
// state; rows sum to one.
type Model struct {
	ModelName string      `json:"name,omitempty"`
	NStates   int         `json:"num_states"`
	NSymbols  int         `json:"num_symbols"`
	Probs     [][]float64 `json:"probs,omitempty"`
	Seed      int64       `json:"seed"`
	logProbs  [][]float64
	generator *rand.Rand
}

// Stats holds the sufficient statistics for the emission table:
// responsibility-weighted (state, symbol) co-occurrence counts and the
// per-state responsibility totals.
type Stats struct {
	Num   [][]float64
	Denom []float64
}

// Weight returns the total responsibility mass in the record.
func (s *Stats) Weight() float64 { return floats.Sum(s.Denom) }

// NewModel creates a new discrete output head. Without a Probs option
// the emission table is drawn from the canonical default.
func NewModel(numStates, numSymbols int, options ...func(*Model)) *Model {

	m := &Model{
		ModelName: "Discrete",
		NStates:   numStates,
		NSymbols:  numSymbols,
		Seed:      model.DefaultSeed,
	}

	for _, option := range options {
		option(m)
	}

	m.generator = rand.New(rand.NewSource(m.Seed))

	if len(m.Probs) == 0 {
		m.Reset(nil)
	} else {
		m.refreshLogProbs()
	}
	return m
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// Dim is the dimensionality of the observation vector. Observations
// carry the emission symbol in column zero.
func (m *Model) Dim() int { return 1 }

// NumStates returns the number of hidden states.
func (m *Model) NumStates() int { return m.NStates }

// NumSymbols returns the number of emission symbols.
func (m *Model) NumSymbols() int { return m.NSymbols }

// Reset re-initializes the emission table with i.i.d. uniform rows,
// row-normalized. The head has no data-driven initialization; data is
// accepted for interface symmetry and the returned labels are nil.
func (m *Model) Reset(data [][]float64) ([]int, error) {

	probs := floatx.MakeFloat2D(m.NStates, m.NSymbols)
	for i := 0; i < m.NStates; i++ {
		for j := 0; j < m.NSymbols; j++ {
			probs[i][j] = m.generator.Float64()
		}
		floatx.NormalizeSum(probs[i], 1.0/float64(m.NSymbols))
	}
	m.Probs = probs
	m.refreshLogProbs()
	glog.V(2).Infof("reset discrete model %s with %d states and %d symbols",
		m.ModelName, m.NStates, m.NSymbols)
	return nil, nil
}

// symbol validates an observation vector and extracts the symbol index.
func (m *Model) symbol(obs []float64) (int, error) {

	if len(obs) != 1 {
		return -1, errors.Errorf("observation has dim [%d], expected [1]", len(obs))
	}
	v := obs[0]
	if v != math.Trunc(v) {
		return -1, errors.Errorf("symbol value [%f] is not an integer", v)
	}
	s := int(v)
	if s < 0 || s >= m.NSymbols {
		return -1, errors.Errorf("symbol [%d] out of range, model has [%d] symbols", s, m.NSymbols)
	}
	return s, nil
}

// Evaluate returns, for every observation, the emission probability of
// its symbol under each state, normalized over the state axis. A symbol
// with zero probability in every state falls back to the uniform
// distribution. Use logDomain to get logs of the normalized values.
func (m *Model) Evaluate(x [][]float64, logDomain bool) ([][]float64, error) {

	out := floatx.MakeFloat2D(len(x), m.NStates)
	for i, obs := range x {
		s, e := m.symbol(obs)
		if e != nil {
			return nil, e
		}
		for k := 0; k < m.NStates; k++ {
			out[i][k] = m.Probs[k][s]
		}
		floatx.NormalizeSum(out[i], 1.0/float64(m.NStates))
		if logDomain {
			floatx.Log(nil, out[i])
		}
	}
	return out, nil
}

// Sample draws one symbol per state index using the committed emission
// table.
func (m *Model) Sample(states []int) ([][]float64, error) {

	out := floatx.MakeFloat2D(len(states), 1)
	for i, k := range states {
		if k < 0 || k >= m.NStates {
			return nil, errors.Errorf("state [%d] out of range, model has [%d] states", k, m.NStates)
		}
		s, e := model.RandIntFromDist(m.Probs[k], m.generator)
		if e != nil {
			return nil, e
		}
		out[i][0] = float64(s)
	}
	return out, nil
}

// Maximize computes the batch-local sufficient statistics for x weighted
// by the responsibilities gamma. Parameters are not modified.
func (m *Model) Maximize(x, gamma [][]float64) (model.Stats, error) {

	if len(x) != len(gamma) {
		return nil, errors.Errorf("num observations [%d] and num responsibility rows [%d] don't match", len(x), len(gamma))
	}
	s := &Stats{
		Num:   floatx.MakeFloat2D(m.NStates, m.NSymbols),
		Denom: make([]float64, m.NStates),
	}
	for i, obs := range x {
		sym, e := m.symbol(obs)
		if e != nil {
			return nil, e
		}
		if len(gamma[i]) != m.NStates {
			return nil, errors.Errorf("responsibility row [%d] has [%d] states, expected [%d]", i, len(gamma[i]), m.NStates)
		}
		for k := 0; k < m.NStates; k++ {
			w := gamma[i][k]
			s.Num[k][sym] += w
			s.Denom[k] += w
		}
	}
	return s, nil
}

// Update merges the local record into acc and returns the result. A nil
// acc is the identity. The local record is not modified.
func (m *Model) Update(acc, local model.Stats) (model.Stats, error) {

	if local == nil {
		return acc, nil
	}
	ls, ok := local.(*Stats)
	if !ok {
		return nil, errors.Errorf("statistics have type [%T], expected [*discrete.Stats]", local)
	}
	if acc == nil {
		return ls, nil
	}
	as, ok := acc.(*Stats)
	if !ok {
		return nil, errors.Errorf("statistics have type [%T], expected [*discrete.Stats]", acc)
	}
	for k := 0; k < m.NStates; k++ {
		floats.Add(as.Num[k], ls.Num[k])
	}
	floats.Add(as.Denom, ls.Denom)
	return as, nil
}

// Apply commits a new emission table derived from the merged statistics.
// A state whose responsibility total is below machine epsilon keeps its
// previous distribution. The table is replaced wholesale; rows handed
// out earlier are not updated.
func (m *Model) Apply(s model.Stats) error {

	st, ok := s.(*Stats)
	if !ok {
		return errors.Errorf("statistics have type [%T], expected [*discrete.Stats]", s)
	}
	probs := floatx.MakeFloat2D(m.NStates, m.NSymbols)
	for k := 0; k < m.NStates; k++ {
		if st.Denom[k] <= machEps {
			// No responsibility for this state; retain previous value.
			glog.V(1).Infof("state %d has no responsibility mass, keeping previous distribution", k)
			copy(probs[k], m.Probs[k])
			continue
		}
		floatx.Apply(floatx.ScaleFunc(1.0/st.Denom[k]), st.Num[k], probs[k])
	}
	m.Probs = probs
	m.refreshLogProbs()
	return nil
}

func (m *Model) refreshLogProbs() {

	m.logProbs = floatx.MakeFloat2D(m.NStates, m.NSymbols)
	for k := 0; k < m.NStates; k++ {
		floatx.Log(m.logProbs[k], m.Probs[k])
	}
}

// LogProb returns the log emission probability of symbol s under state k.
func (m *Model) LogProb(k, s int) float64 { return m.logProbs[k][s] }

// Encode converts symbols to the observation format used by the head,
// one symbol per row.
func Encode(symbols []int) [][]float64 {

	out := floatx.MakeFloat2D(len(symbols), 1)
	for i, s := range symbols {
		out[i][0] = float64(s)
	}
	return out
}

// Decode converts observations back to symbols.
func Decode(x [][]float64) ([]int, error) {

	out := make([]int, len(x))
	for i, obs := range x {
		if len(obs) != 1 {
			return nil, errors.Errorf("observation has dim [%d], expected [1]", len(obs))
		}
		v := obs[0]
		if v != math.Trunc(v) {
			return nil, errors.Errorf("symbol value [%f] is not an integer", v)
		}
		out[i] = int(v)
	}
	return out, nil
}

// Options

// Name is an option to set the model name.
func Name(name string) func(*Model) {
	return func(m *Model) { m.ModelName = name }
}

// Seed sets a seed value for random functions.
func Seed(seed int64) func(*Model) {
	return func(m *Model) { m.Seed = seed }
}

// Probs sets the emission table.
func Probs(probs [][]float64) func(*Model) {
	return func(m *Model) { m.Probs = probs }
}

// IO

// Read unmarshals json data from an io.Reader into a model struct.
func Read(r io.Reader) (*Model, error) {

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m := &Model{}
	e := json.Unmarshal(b, m)
	if e != nil {
		return nil, e
	}
	m = NewModel(m.NStates, m.NSymbols, Name(m.ModelName), Seed(m.Seed), Probs(m.Probs))
	return m, nil
}

// ReadFile unmarshals json data from a file into a model struct.
func ReadFile(fn string) (*Model, error) {

	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	glog.Infof("Reading model from file %s.", fn)
	return Read(f)
}

// Write writes the model to an io.Writer.
func (m *Model) Write(w io.Writer) error {

	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, e := w.Write(b)
	return e
}

// WriteFile writes the model to file.
func (m *Model) WriteFile(fn string) error {

	e := os.MkdirAll(filepath.Dir(fn), 0755)
	if e != nil {
		return e
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	ee := m.Write(f)
	if ee != nil {
		return ee
	}

	glog.Infof("Wrote model \"%s\" to file %s.", m.Name(), fn)
	return nil
}
