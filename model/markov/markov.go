// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package markov estimates the initial and transition probabilities of a
// discrete Markov chain from observed state sequences.
package markov

import (
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/akualab/emkit/floatx"
	"github.com/akualab/emkit/model"
)

var machEps = math.Nextafter(1, 2) - 1

// Define functions for elementwise transformations.
var log2D = func(r int, c int, v float64) float64 { return math.Log(v) }

// Model is a first-order Markov chain over NStates states. TransProbs
// has one row per source state. In symmetric mode every observed
// transition is counted in both directions, modeling an undirected
// chain.
type Model struct {
	ModelName  string      `json:"name,omitempty"`
	NStates    int         `json:"num_states"`
	Symmetric  bool        `json:"symmetric,omitempty"`
	InitProbs  []float64   `json:"init_probs,omitempty"`
	TransProbs [][]float64 `json:"trans_probs,omitempty"`
	Seed       int64       `json:"seed"`
	workers    int
	logInit    []float64
	logTrans   [][]float64
	generator  *rand.Rand
}

// TransStats accumulates initial-state and transition counts for a batch
// of sequences. Counts from disjoint batches merge by elementwise
// addition.
type TransStats struct {
	Init  []float64
	Trans [][]float64
}

// Weight returns the number of sequences counted in the record.
func (s *TransStats) Weight() float64 { return floats.Sum(s.Init) }

// NewModel creates a new Markov chain model. With numStates zero the
// number of states is inferred from the data on the first Fit call.
func NewModel(numStates int, options ...func(*Model)) *Model {

	m := &Model{
		ModelName: "MarkovChain",
		NStates:   numStates,
		Seed:      model.DefaultSeed,
		workers:   1,
	}

	for _, option := range options {
		option(m)
	}

	m.generator = rand.New(rand.NewSource(m.Seed))

	if m.NStates > 0 && (len(m.InitProbs) == 0 || len(m.TransProbs) == 0) {
		m.reset()
	}
	if m.NStates > 0 {
		if err := m.refresh(); err != nil {
			glog.Fatalf("cannot initialize markov model: %s", err)
		}
	}
	return m
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// NumStates returns the number of states.
func (m *Model) NumStates() int { return m.NStates }

// reset sets uniform initial and transition probabilities.
func (m *Model) reset() {

	m.InitProbs = make([]float64, m.NStates)
	floatx.Apply(floatx.SetValueFunc(1.0/float64(m.NStates)), m.InitProbs, nil)
	m.TransProbs = floatx.MakeFloat2D(m.NStates, m.NStates)
	for k := range m.TransProbs {
		floatx.Apply(floatx.SetValueFunc(1.0/float64(m.NStates)), m.TransProbs[k], nil)
	}
}

// refresh rebuilds the log-domain tables scoring uses.
func (m *Model) refresh() error {

	if len(m.InitProbs) != m.NStates {
		return errors.Errorf("initial probabilities have [%d] values, expected [%d]", len(m.InitProbs), m.NStates)
	}
	if len(m.TransProbs) != m.NStates {
		return errors.Errorf("transition matrix has [%d] rows, expected [%d]", len(m.TransProbs), m.NStates)
	}
	for k := range m.TransProbs {
		if len(m.TransProbs[k]) != m.NStates {
			return errors.Errorf("transition row [%d] has [%d] values, expected [%d]", k, len(m.TransProbs[k]), m.NStates)
		}
	}
	m.logInit = floatx.Log(make([]float64, m.NStates), m.InitProbs)
	m.logTrans = floatx.Apply2D(log2D, m.TransProbs, floatx.MakeFloat2D(m.NStates, m.NStates))
	return nil
}

func (m *Model) checkStates(seq []int) error {

	for _, s := range seq {
		if s < 0 || s >= m.NStates {
			return errors.Errorf("state [%d] out of range, model has [%d] states", s, m.NStates)
		}
	}
	return nil
}

// Accumulate counts initial states and transitions for a batch of
// sequences. Sequence boundaries are respected; there is no transition
// between the last state of one sequence and the first state of the
// next. Parameters are not modified.
func (m *Model) Accumulate(seqs [][]int) (model.Stats, error) {

	if m.NStates == 0 {
		return nil, errors.New("model has no states, call Fit or set the number of states")
	}
	s := &TransStats{
		Init:  make([]float64, m.NStates),
		Trans: floatx.MakeFloat2D(m.NStates, m.NStates),
	}
	for _, seq := range seqs {
		if len(seq) == 0 {
			continue
		}
		if err := m.checkStates(seq); err != nil {
			return nil, err
		}
		s.Init[seq[0]]++
		for t := 0; t < len(seq)-1; t++ {
			i, j := seq[t], seq[t+1]
			s.Trans[i][j]++
			if m.Symmetric {
				s.Trans[j][i]++
			}
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
	ls, ok := local.(*TransStats)
	if !ok {
		return nil, errors.Errorf("statistics have type [%T], expected [*markov.TransStats]", local)
	}
	if acc == nil {
		return ls, nil
	}
	as, ok := acc.(*TransStats)
	if !ok {
		return nil, errors.Errorf("statistics have type [%T], expected [*markov.TransStats]", acc)
	}
	floats.Add(as.Init, ls.Init)
	for k := range as.Trans {
		floats.Add(as.Trans[k], ls.Trans[k])
	}
	return as, nil
}

// Apply commits new probabilities derived from the merged counts. Rows
// with no observed transitions keep their previous values, uniform on a
// freshly created model. The initial vector divides by its total.
func (m *Model) Apply(s model.Stats) error {

	st, ok := s.(*TransStats)
	if !ok {
		return errors.Errorf("statistics have type [%T], expected [*markov.TransStats]", s)
	}

	init := make([]float64, m.NStates)
	trans := floatx.MakeFloat2D(m.NStates, m.NStates)

	total := floats.Sum(st.Init)
	if total <= machEps {
		copy(init, m.InitProbs)
	} else {
		floatx.Apply(floatx.ScaleFunc(1.0/total), st.Init, init)
	}

	for k := 0; k < m.NStates; k++ {
		sum := floats.Sum(st.Trans[k])
		if sum <= machEps {
			glog.V(1).Infof("state %d has no outgoing transitions, keeping previous row", k)
			copy(trans[k], m.TransProbs[k])
			continue
		}
		floatx.Apply(floatx.ScaleFunc(1.0/sum), st.Trans[k], trans[k])
	}

	m.InitProbs = init
	m.TransProbs = trans
	return m.refresh()
}

// maxState scans the source once and returns the largest state index.
func maxState(src model.SeqSource) (int, error) {

	max := -1
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		for _, seq := range batch {
			for _, s := range seq {
				if s < 0 {
					return 0, errors.Errorf("negative state index [%d]", s)
				}
				if s > max {
					max = s
				}
			}
		}
	}
	if max < 0 {
		return 0, errors.New("cannot infer the number of states from an empty source")
	}
	return max, nil
}

// Fit estimates the chain parameters from a sequence source. Counts are
// accumulated per batch, merged, and committed once. When the number of
// states was not set, one extra pass infers it from the largest observed
// index; the source must then be replayable.
func (m *Model) Fit(src model.SeqSource) error {

	if m.NStates == 0 {
		max, err := maxState(src)
		if err != nil {
			return err
		}
		if err := src.Reset(); err != nil {
			return errors.Wrap(err, "state inference needs a replayable source")
		}
		m.NStates = max + 1
		m.reset()
		if err := m.refresh(); err != nil {
			return err
		}
		glog.V(2).Infof("inferred %d states", m.NStates)
	}

	var acc model.Stats
	var err error
	if m.workers > 1 {
		acc, err = m.accumulateParallel(src)
	} else {
		acc, err = m.accumulate(src)
	}
	if err != nil {
		return err
	}
	if acc == nil || acc.Weight() == 0 {
		return errors.New("source produced no sequences")
	}
	glog.V(2).Infof("fitting %s with %.0f sequences", m.ModelName, acc.Weight())
	return m.Apply(acc)
}

func (m *Model) accumulate(src model.SeqSource) (model.Stats, error) {

	var acc model.Stats
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		local, err := m.Accumulate(batch)
		if err != nil {
			return nil, err
		}
		acc, err = m.Update(acc, local)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// accumulateParallel fans batches out to worker goroutines. Each worker
// folds its own record; the partial records are merged at the end.
func (m *Model) accumulateParallel(src model.SeqSource) (model.Stats, error) {

	ch := make(chan [][]int, m.workers)
	locals := make([]model.Stats, m.workers)
	workerErrs := make([]error, m.workers)

	var wg sync.WaitGroup
	for w := 0; w < m.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var acc model.Stats
			for batch := range ch {
				if workerErrs[w] != nil {
					continue // keep draining so the feeder never blocks
				}
				local, err := m.Accumulate(batch)
				if err != nil {
					workerErrs[w] = err
					continue
				}
				acc, err = m.Update(acc, local)
				if err != nil {
					workerErrs[w] = err
				}
			}
			locals[w] = acc
		}(w)
	}

	var feedErr error
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			feedErr = err
			break
		}
		ch <- batch
	}
	close(ch)
	wg.Wait()

	if feedErr != nil {
		return nil, feedErr
	}
	for _, err := range workerErrs {
		if err != nil {
			return nil, err
		}
	}

	var acc model.Stats
	var err error
	for _, local := range locals {
		acc, err = m.Update(acc, local)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// Sample draws numSeq independent chains of length seqLen. The first
// state of each chain comes from the initial distribution, every
// following state from the previous state's transition row.
func (m *Model) Sample(numSeq, seqLen int) ([][]int, error) {

	if m.NStates == 0 {
		return nil, errors.New("model has no states, call Fit or set the number of states")
	}
	if numSeq < 1 || seqLen < 1 {
		return nil, errors.Errorf("number of sequences [%d] and sequence length [%d] must be positive", numSeq, seqLen)
	}

	out := make([][]int, numSeq)
	for n := range out {
		seq := make([]int, seqLen)
		s, e := model.RandIntFromDist(m.InitProbs, m.generator)
		if e != nil {
			return nil, e
		}
		seq[0] = s
		for t := 1; t < seqLen; t++ {
			s, e = model.RandIntFromDist(m.TransProbs[s], m.generator)
			if e != nil {
				return nil, e
			}
			seq[t] = s
		}
		out[n] = seq
	}
	return out, nil
}

// LogProb returns the log probability of one sequence,
// log P(s0) + sum log P(st+1|st).
func (m *Model) LogProb(seq []int) (float64, error) {

	if m.NStates == 0 {
		return 0, errors.New("model has no states, call Fit or set the number of states")
	}
	if len(seq) == 0 {
		return 0, errors.New("cannot score an empty sequence")
	}
	if err := m.checkStates(seq); err != nil {
		return 0, err
	}
	lp := m.logInit[seq[0]]
	for t := 0; t < len(seq)-1; t++ {
		lp += m.logTrans[seq[t]][seq[t+1]]
	}
	return lp, nil
}

// Score returns the mean per-sequence log probability over the source,
// computed as a running mean so batches of any size give the same
// result.
func (m *Model) Score(src model.SeqSource) (float64, error) {

	var mean, n float64
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		for _, seq := range batch {
			lp, e := m.LogProb(seq)
			if e != nil {
				return 0, e
			}
			n++
			mean += (lp - mean) / n
		}
	}
	if n == 0 {
		return 0, errors.New("source produced no sequences")
	}
	return mean, nil
}

// ScoreSamples returns the per-sequence log probabilities in source
// order. Unlike Score the result has no merge law, so it is only
// meaningful for a single stream.
func (m *Model) ScoreSamples(src model.SeqSource) ([]float64, error) {

	var out []float64
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, seq := range batch {
			lp, e := m.LogProb(seq)
			if e != nil {
				return nil, e
			}
			out = append(out, lp)
		}
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

// Symmetric makes the chain undirected; every observed transition also
// counts in the reverse direction.
func Symmetric() func(*Model) {
	return func(m *Model) { m.Symmetric = true }
}

// Workers sets the number of goroutines Fit uses to accumulate counts.
func Workers(n int) func(*Model) {
	return func(m *Model) { m.workers = n }
}

// InitProbs sets the initial state distribution.
func InitProbs(p []float64) func(*Model) {
	return func(m *Model) { m.InitProbs = p }
}

// TransProbs sets the transition matrix.
func TransProbs(p [][]float64) func(*Model) {
	return func(m *Model) { m.TransProbs = p }
}

// IO

// Read unmarshals json data from an io.Reader into a model struct.
func Read(r io.Reader) (*Model, error) {

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m := &Model{workers: 1}
	e := json.Unmarshal(b, m)
	if e != nil {
		return nil, e
	}
	m.generator = rand.New(rand.NewSource(m.Seed))
	if err := m.refresh(); err != nil {
		return nil, err
	}
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
