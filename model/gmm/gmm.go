// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gmm provides a Gaussian mixture model built from mixture
// weights and a multi-component gaussian output head.
package gmm

import (
	"bytes"
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
	"github.com/akualab/emkit/model/gaussian"
)

var machEps = math.Nextafter(1, 2) - 1

// Model is a mixture of NComponents Gaussians. The component densities
// live in Head; Weights holds the mixture proportions. Likelihood is the
// total data log likelihood seen by the most recent commit.
type Model struct {
	ModelName   string          `json:"name,omitempty"`
	NE          int             `json:"num_elements"`
	NComponents int             `json:"num_components"`
	Weights     []float64       `json:"weights,omitempty"`
	Likelihood  float64         `json:"likelihood"`
	Head        *gaussian.Model `json:"head,omitempty"`
	Seed        int64           `json:"seed"`
	logWeights  []float64
	generator   *rand.Rand
}

// Stats pairs the head statistics with the mixture weight accumulator.
// LogLik is the total log likelihood of the batch and N the number of
// observations; both merge by addition.
type Stats struct {
	Head   model.Stats
	WSum   []float64
	LogLik float64
	N      float64
}

// Weight returns the number of observations in the record.
func (s *Stats) Weight() float64 { return s.N }

// NewModel creates a new Gaussian mixture model with uniform weights and
// a default-initialized head. Use Init to derive weights and component
// parameters from data instead.
func NewModel(numElements, numComponents int, kind gaussian.CovKind, options ...func(*Model)) *Model {

	m := &Model{
		ModelName:   "GMM",
		NE:          numElements,
		NComponents: numComponents,
		Seed:        model.DefaultSeed,
	}

	for _, option := range options {
		option(m)
	}

	m.generator = rand.New(rand.NewSource(m.Seed))

	if m.Head == nil {
		m.Head = gaussian.NewModel(numElements, numComponents, kind,
			gaussian.Name(m.ModelName+"-head"), gaussian.Seed(m.Seed))
	}
	if len(m.Weights) == 0 {
		m.Weights = make([]float64, m.NComponents)
		floatx.Apply(floatx.SetValueFunc(1.0/float64(m.NComponents)), m.Weights, nil)
	}
	if err := m.refresh(); err != nil {
		glog.Fatalf("cannot initialize gmm: %s", err)
	}
	return m
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// Dim is the dimensionality of the observation vector.
func (m *Model) Dim() int { return m.NE }

// NumComponents returns the number of mixture components.
func (m *Model) NumComponents() int { return m.NComponents }

func (m *Model) refresh() error {

	if len(m.Weights) != m.NComponents {
		return errors.Errorf("weights have [%d] values, expected [%d]", len(m.Weights), m.NComponents)
	}
	m.logWeights = floatx.Log(make([]float64, m.NComponents), m.Weights)
	return nil
}

// Init derives initial weights and component parameters from a sample
// batch: the head clusters the sample with k-means and the cluster sizes
// become the initial mixture proportions.
func (m *Model) Init(src model.Source) error {

	batch, err := src.Next()
	if err == io.EOF {
		return errors.New("source produced no data")
	}
	if err != nil {
		return errors.Wrap(err, "cannot draw an initialization sample")
	}

	labels, err := m.Head.Reset(batch)
	if err != nil {
		return err
	}
	w := make([]float64, m.NComponents)
	for _, l := range labels {
		w[l]++
	}
	floatx.NormalizeSum(w, 1.0/float64(m.NComponents))
	m.Weights = w
	glog.V(2).Infof("initialized %d components from %d observations", m.NComponents, len(batch))
	return m.refresh()
}

// EStep computes responsibilities for one batch and folds them into the
// batch-local sufficient statistics. Parameters are not modified.
func (m *Model) EStep(x [][]float64) (model.Stats, error) {

	lp, err := m.Head.Evaluate(x, true)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		WSum: make([]float64, m.NComponents),
		N:    float64(len(x)),
	}
	for i := range lp {
		floats.Add(lp[i], m.logWeights)
		logSum := floats.LogSumExp(lp[i])
		s.LogLik += logSum
		floatx.Apply(floatx.AddScalarFunc(-logSum), lp[i], nil)
		floatx.Exp(lp[i], lp[i])
		floats.Add(s.WSum, lp[i])
	}

	hs, err := m.Head.Maximize(x, lp)
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
		return nil, errors.Errorf("statistics have type [%T], expected [*gmm.Stats]", local)
	}
	if acc == nil {
		return ls, nil
	}
	as, ok := acc.(*Stats)
	if !ok {
		return nil, errors.Errorf("statistics have type [%T], expected [*gmm.Stats]", acc)
	}

	hs, err := m.Head.Update(as.Head, ls.Head)
	if err != nil {
		return nil, err
	}
	as.Head = hs
	floats.Add(as.WSum, ls.WSum)
	as.LogLik += ls.LogLik
	as.N += ls.N
	return as, nil
}

// Apply commits new mixture weights and component parameters. Components
// with no responsibility mass keep their previous weight; the weight
// vector is renormalized after the commit.
func (m *Model) Apply(s model.Stats) error {

	st, ok := s.(*Stats)
	if !ok {
		return errors.Errorf("statistics have type [%T], expected [*gmm.Stats]", s)
	}

	total := floats.Sum(st.WSum)
	w := make([]float64, m.NComponents)
	if total <= machEps {
		copy(w, m.Weights)
	} else {
		for k := range w {
			if st.WSum[k] <= machEps {
				glog.V(1).Infof("component %d has no responsibility mass, keeping previous weight", k)
				w[k] = m.Weights[k]
				continue
			}
			w[k] = st.WSum[k] / total
		}
		floatx.NormalizeSum(w, 1.0/float64(m.NComponents))
	}

	m.Weights = w
	m.Likelihood = st.LogLik
	if err := m.refresh(); err != nil {
		return err
	}
	glog.V(2).Infof("committed %s, log likelihood %e", m.ModelName, m.Likelihood)
	return m.Head.Apply(st.Head)
}

// Predict returns the index of the most likely component for each
// observation.
func (m *Model) Predict(x [][]float64) ([]int, error) {

	lp, err := m.Head.Evaluate(x, true)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(x))
	for i := range lp {
		floats.Add(lp[i], m.logWeights)
		out[i] = floats.MaxIdx(lp[i])
	}
	return out, nil
}

// Sample draws n observations from the mixture.
func (m *Model) Sample(n int) ([][]float64, error) {

	if n < 1 {
		return nil, errors.Errorf("number of samples [%d] must be positive", n)
	}
	states := make([]int, n)
	for i := range states {
		k, e := model.RandIntFromDist(m.Weights, m.generator)
		if e != nil {
			return nil, e
		}
		states[i] = k
	}
	return m.Head.Sample(states)
}

// logProbBatch returns the total mixture log likelihood per observation.
func (m *Model) logProbBatch(x [][]float64) ([]float64, error) {

	lp, err := m.Head.Evaluate(x, true)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(x))
	for i := range lp {
		floats.Add(lp[i], m.logWeights)
		out[i] = floats.LogSumExp(lp[i])
	}
	return out, nil
}

// Score returns the mean per-observation log likelihood over the source,
// computed as a running mean so batches of any size give the same
// result.
func (m *Model) Score(src model.Source) (float64, error) {

	var mean, n float64
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		lp, e := m.logProbBatch(batch)
		if e != nil {
			return 0, e
		}
		for _, v := range lp {
			n++
			mean += (v - mean) / n
		}
	}
	if n == 0 {
		return 0, errors.New("source produced no data")
	}
	return mean, nil
}

// ScoreSamples returns the per-observation log likelihoods in source
// order. Single-stream only; there is no merge law for the full vector.
func (m *Model) ScoreSamples(src model.Source) ([]float64, error) {

	var out []float64
	for {
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		lp, e := m.logProbBatch(batch)
		if e != nil {
			return nil, e
		}
		out = append(out, lp...)
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

// Weights sets the mixture proportions.
func Weights(w []float64) func(*Model) {
	return func(m *Model) { m.Weights = w }
}

// Head sets a prepared gaussian head, replacing the default.
func Head(h *gaussian.Model) func(*Model) {
	return func(m *Model) { m.Head = h }
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
	if m.Head == nil {
		return nil, errors.New("model file has no head")
	}

	// Rebuild the head caches dropped by the json codec.
	hb, e := json.Marshal(m.Head)
	if e != nil {
		return nil, e
	}
	m.Head, e = gaussian.Read(bytes.NewReader(hb))
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
