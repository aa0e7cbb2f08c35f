// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package hmm provides a hidden Markov model with pluggable output heads.

The model couples a Markov chain over hidden states with an emission
head that scores and generates observations. Any output head can serve
as the emission model; parameters are estimated with the Baum-Welch
algorithm and the forward, backward and Viterbi recursions run in the
log domain.
*/
package hmm

import (
	"bytes"
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
	"github.com/akualab/emkit/model/discrete"
	"github.com/akualab/emkit/model/gaussian"
)

var machEps = math.Nextafter(1, 2) - 1

// Define functions for elementwise transformations.
var log2D = func(r int, c int, v float64) float64 { return math.Log(v) }

// Head kind tags used in the json encoding.
const (
	discreteHead = "discrete"
	gaussianHead = "gaussian"
)

// Model is a hidden Markov model. InitProbs and TransProbs are the
// chain parameters in the linear domain; Head is the emission model.
// Likelihood is the total forward log probability seen by the most
// recent commit.
type Model struct {
	ModelName  string           `json:"name,omitempty"`
	NStates    int              `json:"num_states"`
	HeadKind   string           `json:"head_kind"`
	InitProbs  []float64        `json:"init_probs,omitempty"`
	TransProbs [][]float64      `json:"trans_probs,omitempty"`
	Head       model.OutputHead `json:"head,omitempty"`
	Likelihood float64          `json:"likelihood"`
	Seed       int64            `json:"seed"`
	updateIP   bool
	updateTP   bool
	workers    int
	logInit    []float64
	logTrans   [][]float64
	pool       *floatx.Pool
	generator  *rand.Rand
}

// Stats holds the expected counts collected from a set of sequences.
// Init and Trans merge by addition, Head carries the emission
// statistics and LogProb the total forward log probability. N counts
// sequences.
type Stats struct {
	Init    []float64
	Trans   [][]float64
	Head    model.Stats
	LogProb float64
	N       float64
}

// Weight returns the number of sequences in the record.
func (s *Stats) Weight() float64 { return s.N }

// NewModel creates a hidden Markov model around the given output head.
// The number of hidden states is taken from the head. Initial and
// transition probabilities default to uniform.
func NewModel(head model.OutputHead, options ...func(*Model)) *Model {

	if head == nil {
		glog.Fatalf("cannot create an hmm without an output head")
	}
	m := &Model{
		ModelName: "HMM",
		NStates:   head.NumStates(),
		HeadKind:  headKind(head),
		Head:      head,
		Seed:      model.DefaultSeed,
		updateIP:  true,
		updateTP:  true,
		workers:   1,
	}

	for _, option := range options {
		option(m)
	}

	if len(m.InitProbs) == 0 {
		m.InitProbs = make([]float64, m.NStates)
		floatx.Apply(floatx.SetValueFunc(1.0/float64(m.NStates)), m.InitProbs, nil)
	}
	if len(m.TransProbs) == 0 {
		m.TransProbs = floatx.MakeFloat2D(m.NStates, m.NStates)
		for i := range m.TransProbs {
			floatx.Apply(floatx.SetValueFunc(1.0/float64(m.NStates)), m.TransProbs[i], nil)
		}
	}
	m.generator = rand.New(rand.NewSource(m.Seed))
	if err := m.refresh(); err != nil {
		glog.Fatalf("cannot initialize hmm: %s", err)
	}
	return m
}

func headKind(head model.OutputHead) string {

	switch head.(type) {
	case *discrete.Model:
		return discreteHead
	case *gaussian.Model:
		return gaussianHead
	}
	return ""
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// Dim is the dimensionality of the observation vector.
func (m *Model) Dim() int { return m.Head.Dim() }

func (m *Model) refresh() error {

	if len(m.InitProbs) != m.NStates {
		return errors.Errorf("initial probabilities have [%d] values, expected [%d]", len(m.InitProbs), m.NStates)
	}
	if len(m.TransProbs) != m.NStates {
		return errors.Errorf("transition matrix has [%d] rows, expected [%d]", len(m.TransProbs), m.NStates)
	}
	for i := range m.TransProbs {
		if len(m.TransProbs[i]) != m.NStates {
			return errors.Errorf("transition row [%d] has [%d] values, expected [%d]", i, len(m.TransProbs[i]), m.NStates)
		}
	}
	m.logInit = floatx.Log(make([]float64, m.NStates), m.InitProbs)
	m.logTrans = floatx.Apply2D(log2D, m.TransProbs, floatx.MakeFloat2D(m.NStates, m.NStates))
	m.pool = floatx.NewPool(m.NStates)
	return nil
}

// alpha runs the forward recursion over the emission scores of one
// sequence. The returned matrix is indexed [time][state]; the second
// value is the total log probability of the sequence.
//
// α(0,j) = π(j) b(j,o(0))
// α(t,j) = sum_i [α(t-1,i) a(i,j)] b(j,o(t))
func (m *Model) alpha(lp [][]float64) ([][]float64, float64) {

	T := len(lp)
	N := m.NStates
	α := floatx.MakeFloat2D(T, N)
	w := m.pool.Get()
	defer m.pool.Put(w)

	for j := 0; j < N; j++ {
		α[0][j] = m.logInit[j] + lp[0][j]
	}
	for t := 1; t < T; t++ {
		for j := 0; j < N; j++ {
			for i := 0; i < N; i++ {
				w[i] = α[t-1][i] + m.logTrans[i][j]
			}
			α[t][j] = floats.LogSumExp(w) + lp[t][j]
		}
	}
	return α, floats.LogSumExp(α[T-1])
}

// beta runs the backward recursion. Indexed [time][state].
//
// β(T-1,i) = 1
// β(t,i)   = sum_j [a(i,j) b(j,o(t+1)) β(t+1,j)]
func (m *Model) beta(lp [][]float64) [][]float64 {

	T := len(lp)
	N := m.NStates
	β := floatx.MakeFloat2D(T, N)
	w := m.pool.Get()
	defer m.pool.Put(w)

	for t := T - 2; t >= 0; t-- {
		for i := 0; i < N; i++ {
			for j := 0; j < N; j++ {
				w[j] = m.logTrans[i][j] + lp[t+1][j] + β[t+1][j]
			}
			β[t][i] = floats.LogSumExp(w)
		}
	}
	return β
}

// SeqStats runs the forward-backward recursions on one sequence and
// returns its expected counts. Parameters are not modified.
func (m *Model) SeqStats(seq [][]float64) (model.Stats, error) {

	if len(seq) == 0 {
		return nil, errors.New("cannot collect statistics for an empty sequence")
	}
	lp, err := m.Head.Evaluate(seq, true)
	if err != nil {
		return nil, err
	}
	α, logProb := m.alpha(lp)
	β := m.beta(lp)

	// State occupancy, γ(t,i) = α(t,i)β(t,i) / P(O).
	T := len(seq)
	N := m.NStates
	γ := floatx.MakeFloat2D(T, N)
	for t := 0; t < T; t++ {
		for i := 0; i < N; i++ {
			γ[t][i] = math.Exp(α[t][i] + β[t][i] - logProb)
		}
	}

	s := &Stats{
		Init:    append([]float64(nil), γ[0]...),
		Trans:   floatx.MakeFloat2D(N, N),
		LogProb: logProb,
		N:       1,
	}

	// Expected transition counts, summed over t.
	// ζ(t,i,j) = α(t,i) a(i,j) b(j,o(t+1)) β(t+1,j) / P(O)
	for t := 0; t < T-1; t++ {
		for i := 0; i < N; i++ {
			for j := 0; j < N; j++ {
				s.Trans[i][j] += math.Exp(α[t][i] + m.logTrans[i][j] + lp[t+1][j] + β[t+1][j] - logProb)
			}
		}
	}

	hs, err := m.Head.Maximize(seq, γ)
	if err != nil {
		return nil, err
	}
	s.Head = hs
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
		return nil, errors.Errorf("statistics have type [%T], expected [*hmm.Stats]", local)
	}
	if acc == nil {
		return ls, nil
	}
	as, ok := acc.(*Stats)
	if !ok {
		return nil, errors.Errorf("statistics have type [%T], expected [*hmm.Stats]", acc)
	}

	hs, err := m.Head.Update(as.Head, ls.Head)
	if err != nil {
		return nil, err
	}
	as.Head = hs
	floats.Add(as.Init, ls.Init)
	for i := range as.Trans {
		floats.Add(as.Trans[i], ls.Trans[i])
	}
	as.LogProb += ls.LogProb
	as.N += ls.N
	return as, nil
}

// Apply commits new parameters from the merged statistics. The initial
// and transition blocks can be frozen with the UpdateIP and UpdateTP
// options. States with no expected mass keep their previous rows.
func (m *Model) Apply(s model.Stats) error {

	st, ok := s.(*Stats)
	if !ok {
		return errors.Errorf("statistics have type [%T], expected [*hmm.Stats]", s)
	}

	if m.updateIP {
		ip := make([]float64, m.NStates)
		total := floats.Sum(st.Init)
		if total <= machEps {
			copy(ip, m.InitProbs)
		} else {
			for i, v := range st.Init {
				ip[i] = v / total
			}
		}
		m.InitProbs = ip
	}

	if m.updateTP {
		tp := floatx.MakeFloat2D(m.NStates, m.NStates)
		for i, row := range st.Trans {
			total := floats.Sum(row)
			if total <= machEps {
				glog.V(1).Infof("state %d has no expected transitions, keeping previous row", i)
				copy(tp[i], m.TransProbs[i])
				continue
			}
			for j, v := range row {
				tp[i][j] = v / total
			}
		}
		m.TransProbs = tp
	}

	m.Likelihood = st.LogProb
	if err := m.refresh(); err != nil {
		return err
	}
	glog.V(2).Infof("committed %s, log likelihood %e", m.ModelName, m.Likelihood)
	return m.Head.Apply(st.Head)
}

// Init seeds the emission head from the observations by clustering the
// flattened sequences. Chain parameters are left untouched.
func (m *Model) Init(seqs [][][]float64) error {

	var flat [][]float64
	for _, seq := range seqs {
		flat = append(flat, seq...)
	}
	_, err := m.Head.Reset(flat)
	return err
}

// Fit estimates the model parameters with epochs passes of the
// Baum-Welch algorithm. Empty sequences are skipped. With more than one
// worker, sequences are processed concurrently; results do not depend
// on the number of workers.
func (m *Model) Fit(seqs [][][]float64, epochs int) error {

	if epochs < 1 {
		return errors.Errorf("number of epochs [%d] must be positive", epochs)
	}
	for ep := 0; ep < epochs; ep++ {
		var acc model.Stats
		var err error
		if m.workers > 1 {
			acc, err = m.accumulateParallel(seqs)
		} else {
			acc, err = m.accumulate(seqs)
		}
		if err != nil {
			return err
		}
		if acc == nil {
			return errors.New("no sequences with observations to fit")
		}
		if err := m.Apply(acc); err != nil {
			return err
		}
		glog.V(1).Infof("epoch %d of %d, log likelihood %e", ep+1, epochs, m.Likelihood)
	}
	return nil
}

func (m *Model) accumulate(seqs [][][]float64) (model.Stats, error) {

	var acc model.Stats
	for _, seq := range seqs {
		if len(seq) == 0 {
			continue
		}
		local, err := m.SeqStats(seq)
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

func (m *Model) accumulateParallel(seqs [][][]float64) (model.Stats, error) {

	in := make(chan [][]float64, m.workers)
	locals := make([]model.Stats, m.workers)
	workerErrs := make([]error, m.workers)
	var wg sync.WaitGroup
	for w := 0; w < m.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for seq := range in {
				if workerErrs[w] != nil {
					continue // keep draining so the feeder never blocks
				}
				local, err := m.SeqStats(seq)
				if err != nil {
					workerErrs[w] = err
					continue
				}
				locals[w], err = m.Update(locals[w], local)
				if err != nil {
					workerErrs[w] = err
				}
			}
		}(w)
	}

	for _, seq := range seqs {
		if len(seq) == 0 {
			continue
		}
		in <- seq
	}
	close(in)
	wg.Wait()

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

// Decode returns the most likely hidden state path for the sequence and
// its joint log probability.
//
// δ(0,j) = π(j) b(j,o(0))
// δ(t,j) = max_i [δ(t-1,i) a(i,j)] b(j,o(t))
func (m *Model) Decode(seq [][]float64) ([]int, float64, error) {

	if len(seq) == 0 {
		return nil, 0, errors.New("cannot decode an empty sequence")
	}
	lp, err := m.Head.Evaluate(seq, true)
	if err != nil {
		return nil, 0, err
	}

	T := len(seq)
	N := m.NStates
	δ := floatx.MakeFloat2D(T, N)
	bt := make([][]int, T)
	for t := range bt {
		bt[t] = make([]int, N)
	}

	for j := 0; j < N; j++ {
		δ[0][j] = m.logInit[j] + lp[0][j]
	}
	for t := 1; t < T; t++ {
		for j := 0; j < N; j++ {
			best := δ[t-1][0] + m.logTrans[0][j]
			arg := 0
			for i := 1; i < N; i++ {
				if v := δ[t-1][i] + m.logTrans[i][j]; v > best {
					best = v
					arg = i
				}
			}
			δ[t][j] = best + lp[t][j]
			bt[t][j] = arg
		}
	}

	path := make([]int, T)
	last := floats.MaxIdx(δ[T-1])
	path[T-1] = last
	for t := T - 2; t >= 0; t-- {
		path[t] = bt[t+1][path[t+1]]
	}
	return path, δ[T-1][last], nil
}

// LogProb returns the forward log probability of one sequence.
func (m *Model) LogProb(seq [][]float64) (float64, error) {

	if len(seq) == 0 {
		return 0, errors.New("cannot score an empty sequence")
	}
	lp, err := m.Head.Evaluate(seq, true)
	if err != nil {
		return 0, err
	}
	_, logProb := m.alpha(lp)
	return logProb, nil
}

// Score returns the mean per-sequence forward log probability.
func (m *Model) Score(seqs [][][]float64) (float64, error) {

	var mean, n float64
	for _, seq := range seqs {
		lp, err := m.LogProb(seq)
		if err != nil {
			return 0, err
		}
		n++
		mean += (lp - mean) / n
	}
	if n == 0 {
		return 0, errors.New("no sequences to score")
	}
	return mean, nil
}

// ScoreSamples returns the per-sequence forward log probabilities.
func (m *Model) ScoreSamples(seqs [][][]float64) ([]float64, error) {

	out := make([]float64, 0, len(seqs))
	for _, seq := range seqs {
		lp, err := m.LogProb(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	return out, nil
}

// Sample generates numSeq observation sequences of length seqLen along
// with the hidden state paths that produced them.
func (m *Model) Sample(numSeq, seqLen int) ([][][]float64, [][]int, error) {

	if numSeq < 1 || seqLen < 1 {
		return nil, nil, errors.Errorf("number of sequences [%d] and length [%d] must be positive", numSeq, seqLen)
	}
	obs := make([][][]float64, numSeq)
	paths := make([][]int, numSeq)
	for i := 0; i < numSeq; i++ {
		states := make([]int, seqLen)
		s, err := model.RandIntFromDist(m.InitProbs, m.generator)
		if err != nil {
			return nil, nil, err
		}
		states[0] = s
		for t := 1; t < seqLen; t++ {
			s, err = model.RandIntFromDist(m.TransProbs[states[t-1]], m.generator)
			if err != nil {
				return nil, nil, err
			}
			states[t] = s
		}
		x, err := m.Head.Sample(states)
		if err != nil {
			return nil, nil, err
		}
		obs[i] = x
		paths[i] = states
	}
	return obs, paths, nil
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

// Workers sets the number of goroutines used by Fit.
func Workers(n int) func(*Model) {
	return func(m *Model) {
		if n > 0 {
			m.workers = n
		}
	}
}

// InitProbs sets the initial state probabilities.
func InitProbs(ip []float64) func(*Model) {
	return func(m *Model) { m.InitProbs = ip }
}

// TransProbs sets the state transition probabilities.
func TransProbs(tp [][]float64) func(*Model) {
	return func(m *Model) { m.TransProbs = tp }
}

// UpdateIP controls whether Apply re-estimates the initial state
// probabilities. Default is true.
func UpdateIP(flag bool) func(*Model) {
	return func(m *Model) { m.updateIP = flag }
}

// UpdateTP controls whether Apply re-estimates the transition
// probabilities. Default is true.
func UpdateTP(flag bool) func(*Model) {
	return func(m *Model) { m.updateTP = flag }
}

// IO

// Read unmarshals json data from an io.Reader into a model struct. The
// head is decoded according to the head kind tag.
func Read(r io.Reader) (*Model, error) {

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	aux := struct {
		ModelName  string          `json:"name,omitempty"`
		NStates    int             `json:"num_states"`
		HeadKind   string          `json:"head_kind"`
		InitProbs  []float64       `json:"init_probs,omitempty"`
		TransProbs [][]float64     `json:"trans_probs,omitempty"`
		Head       json.RawMessage `json:"head,omitempty"`
		Likelihood float64         `json:"likelihood"`
		Seed       int64           `json:"seed"`
	}{}
	if e := json.Unmarshal(b, &aux); e != nil {
		return nil, e
	}
	if len(aux.Head) == 0 {
		return nil, errors.New("model file has no head")
	}

	var head model.OutputHead
	switch aux.HeadKind {
	case discreteHead:
		head, err = discrete.Read(bytes.NewReader(aux.Head))
	case gaussianHead:
		head, err = gaussian.Read(bytes.NewReader(aux.Head))
	default:
		return nil, errors.Errorf("unknown head kind [%s]", aux.HeadKind)
	}
	if err != nil {
		return nil, err
	}

	m := &Model{
		ModelName:  aux.ModelName,
		NStates:    aux.NStates,
		HeadKind:   aux.HeadKind,
		InitProbs:  aux.InitProbs,
		TransProbs: aux.TransProbs,
		Head:       head,
		Likelihood: aux.Likelihood,
		Seed:       aux.Seed,
		updateIP:   true,
		updateTP:   true,
		workers:    1,
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

	if m.HeadKind == "" {
		return errors.Errorf("cannot encode a head of type [%T]", m.Head)
	}
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
