// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gaussian provides a multivariate normal output head with K
// components and a configurable covariance structure.
package gaussian

import (
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/akualab/emkit/floatx"
	"github.com/akualab/emkit/model"
)

const (
	SMALL_SD       = 0.01
	SMALL_VARIANCE = SMALL_SD * SMALL_SD

	// Attempts to factor a full covariance before giving up. Each
	// attempt adds a growing jitter to the diagonal.
	maxJitterTries = 6
)

var machEps = math.Nextafter(1, 2) - 1

// CovKind selects the covariance structure of the head.
type CovKind int

const (
	// Spherical keeps one variance scalar per component.
	Spherical CovKind = iota
	// Diag keeps one variance vector per component.
	Diag
	// DiagShared keeps a single variance vector shared by all components.
	DiagShared
	// Full keeps one full covariance matrix per component.
	Full
)

var kindNames = map[CovKind]string{
	Spherical:  "spherical",
	Diag:       "diag",
	DiagShared: "diag-shared",
	Full:       "full",
}

func (k CovKind) String() string { return kindNames[k] }

// ParseCovKind converts a configuration string into a CovKind.
func ParseCovKind(name string) (CovKind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown covariance structure [%s]", name)
}

// Define functions for elementwise transformations.
var floorv = func(r int, v float64) float64 {
	if v < SMALL_VARIANCE {
		return SMALL_VARIANCE
	}
	return v
}

// Model is a Gaussian output head. Mean has one row per component.
// The shape of Covar depends on the covariance kind: spherical K x 1,
// diag K x D, diag-shared 1 x D, full K rows of D*D row-major values.
type Model struct {
	ModelName string      `json:"name,omitempty"`
	NE        int         `json:"num_elements"`
	NStates   int         `json:"num_states"`
	KindName  string      `json:"cov_kind"`
	Mean      [][]float64 `json:"mean,omitempty"`
	Covar     [][]float64 `json:"covar,omitempty"`
	Seed      int64       `json:"seed"`
	kind      CovKind
	varInv    [][]float64
	sd        [][]float64
	chol      []*mat.Cholesky
	lfact     []*mat.TriDense
	logConst  []float64
	const1    float64 // -(D/2)log(2PI) Depends only on NE.
	generator *rand.Rand
}

// Stats holds the raw weighted sums the M-step needs: per-component
// responsibility totals W, weighted observation sums X (K x D), and the
// structure-reduced weighted scatter S (full K x D*D, diag and
// diag-shared K x D, spherical K x 1). Raw sums make the merge an exact
// elementwise addition; means and covariances are derived at commit
// time.
type Stats struct {
	W []float64
	X [][]float64
	S [][]float64
}

// Weight returns the total responsibility mass in the record.
func (s *Stats) Weight() float64 { return floats.Sum(s.W) }

// NewModel creates a new Gaussian output head. Without Mean and Covar
// options the parameters are drawn from the canonical default:
// standard-normal means and unit variance.
func NewModel(numElements, numStates int, kind CovKind, options ...func(*Model)) *Model {

	m := &Model{
		ModelName: "Gaussian",
		NE:        numElements,
		NStates:   numStates,
		kind:      kind,
		KindName:  kind.String(),
		Seed:      model.DefaultSeed,
	}

	for _, option := range options {
		option(m)
	}

	m.generator = rand.New(rand.NewSource(m.Seed))

	if len(m.Mean) == 0 {
		m.resetMean()
	}
	if len(m.Covar) == 0 {
		m.resetCovar()
	}
	if err := m.refresh(); err != nil {
		glog.Fatalf("cannot initialize gaussian model: %s", err)
	}
	return m
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// Dim is the dimensionality of the observation vector.
func (m *Model) Dim() int { return m.NE }

// NumStates returns the number of components.
func (m *Model) NumStates() int { return m.NStates }

// Kind returns the covariance structure.
func (m *Model) Kind() CovKind { return m.kind }

func (m *Model) covarShape() (rows, cols int) {
	switch m.kind {
	case Spherical:
		return m.NStates, 1
	case Diag:
		return m.NStates, m.NE
	case DiagShared:
		return 1, m.NE
	default:
		return m.NStates, m.NE * m.NE
	}
}

func (m *Model) scatterShape() (rows, cols int) {
	switch m.kind {
	case Spherical:
		return m.NStates, 1
	case Full:
		return m.NStates, m.NE * m.NE
	default:
		return m.NStates, m.NE
	}
}

func (m *Model) resetDefault() {
	m.resetMean()
	m.resetCovar()
}

func (m *Model) resetMean() {

	m.Mean = floatx.MakeFloat2D(m.NStates, m.NE)
	for k := 0; k < m.NStates; k++ {
		for d := 0; d < m.NE; d++ {
			m.Mean[k][d] = m.generator.NormFloat64()
		}
	}
}

func (m *Model) resetCovar() {

	rows, cols := m.covarShape()
	m.Covar = floatx.MakeFloat2D(rows, cols)
	for i := 0; i < rows; i++ {
		if m.kind == Full {
			for d := 0; d < m.NE; d++ {
				m.Covar[i][d*m.NE+d] = 1.0
			}
			continue
		}
		floatx.Apply(floatx.SetValueFunc(1.0), m.Covar[i], nil)
	}
}

// Reset re-initializes the parameters. With nil data the canonical
// default is used and the labels are nil. With data the means and
// covariances are derived from a k-means clustering of the sample using
// the same estimators the M-step uses, and the returned labels assign
// each observation to its cluster.
func (m *Model) Reset(data [][]float64) ([]int, error) {

	if len(data) == 0 {
		m.resetDefault()
		return nil, m.refresh()
	}
	if len(data) < m.NStates {
		return nil, errors.Errorf("data-driven reset needs at least [%d] observations, got [%d]", m.NStates, len(data))
	}

	obs := make([]clusters.Observation, len(data))
	for i, v := range data {
		if len(v) != m.NE {
			return nil, errors.Errorf("observation %d has dim [%d], expected [%d]", i, len(v), m.NE)
		}
		obs[i] = clusters.Coordinates(v)
	}

	km := kmeans.New()
	cc, err := km.Partition(obs, m.NStates)
	if err != nil {
		return nil, errors.Wrap(err, "k-means initialization failed")
	}
	labels := make([]int, len(data))
	for i := range obs {
		labels[i] = cc.Nearest(obs[i])
	}
	glog.V(2).Infof("k-means produced %d clusters for %d observations", len(cc), len(data))

	gamma := floatx.OneHot(labels, m.NStates)
	s, e := m.Maximize(data, gamma)
	if e != nil {
		return nil, e
	}
	if e := m.Apply(s); e != nil {
		return nil, e
	}
	return labels, nil
}

// Evaluate returns the density of every observation under each
// component, or the log density when logDomain is true. Callers that
// need numerical stability must use the log domain. Parameters are not
// modified.
func (m *Model) Evaluate(x [][]float64, logDomain bool) ([][]float64, error) {

	out := floatx.MakeFloat2D(len(x), m.NStates)
	for i, obs := range x {
		if len(obs) != m.NE {
			return nil, errors.Errorf("observation %d has dim [%d], expected [%d]", i, len(obs), m.NE)
		}
		for k := 0; k < m.NStates; k++ {
			out[i][k] = m.logProb(k, obs)
		}
		if !logDomain {
			floatx.Exp(nil, out[i])
		}
	}
	return out, nil
}

// logProb computes the log density of obs under component k using the
// structure-specific quadratic form and the cached log determinant.
func (m *Model) logProb(k int, obs []float64) float64 {

	mean := m.Mean[k]
	var q float64
	switch m.kind {

	case Spherical:
		for d, x := range obs {
			s := x - mean[d]
			q += s * s
		}
		q *= m.varInv[k][0]

	case Diag:
		for d, x := range obs {
			s := x - mean[d]
			q += s * s * m.varInv[k][d]
		}

	case DiagShared:
		for d, x := range obs {
			s := x - mean[d]
			q += s * s * m.varInv[0][d]
		}

	case Full:
		y := make([]float64, m.NE)
		floats.SubTo(y, obs, mean)
		yv := mat.NewVecDense(m.NE, y)
		var sol mat.VecDense
		if err := m.chol[k].SolveVecTo(&sol, yv); err != nil {
			// The factor is refreshed on every commit; a solve failure
			// leaves the worst case density.
			glog.Warningf("covariance solve failed for state %d: %s", k, err)
			return math.Inf(-1)
		}
		q = mat.Dot(yv, &sol)
	}

	return m.logConst[k] - q/2.0
}

// Sample draws one observation per entry in states. Identical states
// are grouped so each component's sampling factor is prepared once.
func (m *Model) Sample(states []int) ([][]float64, error) {

	for _, k := range states {
		if k < 0 || k >= m.NStates {
			return nil, errors.Errorf("state [%d] out of range, model has [%d] states", k, m.NStates)
		}
	}

	// Unique states in first-appearance order keep draws reproducible
	// for a given seed.
	seen := make(map[int]bool, m.NStates)
	uniq := make([]int, 0, m.NStates)
	pos := make(map[int][]int, m.NStates)
	for i, k := range states {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
		pos[k] = append(pos[k], i)
	}

	out := make([][]float64, len(states))
	for _, k := range uniq {
		sd, err := m.sdVector(k)
		if err != nil {
			return nil, err
		}
		for _, i := range pos[k] {
			var v []float64
			var e error
			if m.kind == Full {
				v, e = m.sampleFull(k)
			} else {
				v, e = model.RandNormalVector(m.Mean[k], sd, m.generator)
			}
			if e != nil {
				return nil, e
			}
			out[i] = v
		}
	}
	return out, nil
}

// sdVector returns the standard deviation vector for component k,
// broadcasting spherical scalars and the shared vector.
func (m *Model) sdVector(k int) ([]float64, error) {
	switch m.kind {
	case Spherical:
		sd := make([]float64, m.NE)
		floatx.Apply(floatx.SetValueFunc(m.sd[k][0]), sd, nil)
		return sd, nil
	case Diag:
		return m.sd[k], nil
	case DiagShared:
		return m.sd[0], nil
	default:
		return nil, nil
	}
}

// sampleFull draws from component k using the Cholesky factor of its
// covariance.
func (m *Model) sampleFull(k int) ([]float64, error) {

	z := make([]float64, m.NE)
	for d := range z {
		z[d] = m.generator.NormFloat64()
	}
	var y mat.VecDense
	y.MulVec(m.lfact[k], mat.NewVecDense(m.NE, z))

	v := make([]float64, m.NE)
	for d := 0; d < m.NE; d++ {
		v[d] = m.Mean[k][d] + y.AtVec(d)
	}
	return v, nil
}

// Maximize computes the batch-local sufficient statistics for x weighted
// by the responsibilities gamma. Parameters are not modified.
func (m *Model) Maximize(x, gamma [][]float64) (model.Stats, error) {

	if len(x) != len(gamma) {
		return nil, errors.Errorf("num observations [%d] and num responsibility rows [%d] don't match", len(x), len(gamma))
	}
	srows, scols := m.scatterShape()
	s := &Stats{
		W: make([]float64, m.NStates),
		X: floatx.MakeFloat2D(m.NStates, m.NE),
		S: floatx.MakeFloat2D(srows, scols),
	}
	for i, obs := range x {
		if len(obs) != m.NE {
			return nil, errors.Errorf("observation %d has dim [%d], expected [%d]", i, len(obs), m.NE)
		}
		if len(gamma[i]) != m.NStates {
			return nil, errors.Errorf("responsibility row [%d] has [%d] states, expected [%d]", i, len(gamma[i]), m.NStates)
		}
		for k := 0; k < m.NStates; k++ {
			w := gamma[i][k]
			if w == 0 {
				continue
			}
			s.W[k] += w
			for d, xv := range obs {
				s.X[k][d] += w * xv
			}
			switch m.kind {
			case Spherical:
				s.S[k][0] += w * floats.Dot(obs, obs)
			case Full:
				for d1, x1 := range obs {
					row := d1 * m.NE
					for d2, x2 := range obs {
						s.S[k][row+d2] += w * x1 * x2
					}
				}
			default:
				for d, xv := range obs {
					s.S[k][d] += w * xv * xv
				}
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
	ls, ok := local.(*Stats)
	if !ok {
		return nil, errors.Errorf("statistics have type [%T], expected [*gaussian.Stats]", local)
	}
	if acc == nil {
		return ls, nil
	}
	as, ok := acc.(*Stats)
	if !ok {
		return nil, errors.Errorf("statistics have type [%T], expected [*gaussian.Stats]", acc)
	}
	floats.Add(as.W, ls.W)
	for k := range as.X {
		floats.Add(as.X[k], ls.X[k])
	}
	for k := range as.S {
		floats.Add(as.S[k], ls.S[k])
	}
	return as, nil
}

// Apply commits new means and covariances derived from the merged
// statistics. A component whose responsibility total is below machine
// epsilon keeps its previous parameters. Parameter slices are replaced
// wholesale; slices handed out earlier are not updated.
func (m *Model) Apply(s model.Stats) error {

	st, ok := s.(*Stats)
	if !ok {
		return errors.Errorf("statistics have type [%T], expected [*gaussian.Stats]", s)
	}

	mean := floatx.MakeFloat2D(m.NStates, m.NE)
	crows, ccols := m.covarShape()
	covar := floatx.MakeFloat2D(crows, ccols)

	for k := 0; k < m.NStates; k++ {
		if st.W[k] <= machEps {
			// No responsibility for this component; retain previous value.
			glog.V(1).Infof("component %d has no responsibility mass, keeping previous parameters", k)
			copy(mean[k], m.Mean[k])
			if m.kind != DiagShared {
				copy(covar[k], m.Covar[k])
			}
			continue
		}
		floatx.Apply(floatx.ScaleFunc(1.0/st.W[k]), st.X[k], mean[k])

		switch m.kind {

		case Spherical:
			var msq float64
			for _, v := range mean[k] {
				msq += v * v
			}
			covar[k][0] = (st.S[k][0]/st.W[k] - msq) / float64(m.NE)

		case Diag:
			for d := 0; d < m.NE; d++ {
				covar[k][d] = st.S[k][d]/st.W[k] - mean[k][d]*mean[k][d]
			}

		case Full:
			for d1 := 0; d1 < m.NE; d1++ {
				row := d1 * m.NE
				for d2 := 0; d2 < m.NE; d2++ {
					covar[k][row+d2] = st.S[k][row+d2]/st.W[k] - mean[k][d1]*mean[k][d2]
				}
			}
		}
	}

	if m.kind == DiagShared {
		// Pool the scatter across all components before dividing by the
		// total responsibility.
		total := floats.Sum(st.W)
		if total <= machEps {
			copy(covar[0], m.Covar[0])
		} else {
			for d := 0; d < m.NE; d++ {
				var num float64
				for k := 0; k < m.NStates; k++ {
					if st.W[k] <= machEps {
						continue
					}
					num += st.S[k][d] - st.W[k]*mean[k][d]*mean[k][d]
				}
				covar[0][d] = num / total
			}
		}
	}

	m.Mean = mean
	m.Covar = covar
	return m.refresh()
}

// refresh rebuilds the cached quantities evaluate and sample use:
// floored variances, inverses, standard deviations, log determinants
// and, for the full kind, the Cholesky factors.
func (m *Model) refresh() error {

	rows, cols := m.covarShape()
	if len(m.Covar) != rows {
		return errors.Errorf("covariance has [%d] rows, kind %s needs [%d]", len(m.Covar), m.kind, rows)
	}
	for i := range m.Covar {
		if len(m.Covar[i]) != cols {
			return errors.Errorf("covariance row [%d] has [%d] values, kind %s needs [%d]", i, len(m.Covar[i]), m.kind, cols)
		}
	}
	if len(m.Mean) != m.NStates {
		return errors.Errorf("mean has [%d] rows, expected [%d]", len(m.Mean), m.NStates)
	}

	m.const1 = -float64(m.NE) * math.Log(2.0*math.Pi) / 2.0
	m.logConst = make([]float64, m.NStates)

	if m.kind == Full {
		return m.refreshFull()
	}

	m.varInv = floatx.MakeFloat2D(rows, cols)
	m.sd = floatx.MakeFloat2D(rows, cols)
	for i := range m.Covar {
		floatx.Apply(floorv, m.Covar[i], nil)
		floatx.Sqrt(m.sd[i], m.Covar[i])
		for j, v := range m.Covar[i] {
			m.varInv[i][j] = 1.0 / v
		}
	}

	for k := 0; k < m.NStates; k++ {
		var logDet float64
		switch m.kind {
		case Spherical:
			logDet = float64(m.NE) * math.Log(m.Covar[k][0])
		case Diag:
			for _, v := range m.Covar[k] {
				logDet += math.Log(v)
			}
		case DiagShared:
			for _, v := range m.Covar[0] {
				logDet += math.Log(v)
			}
		}
		m.logConst[k] = m.const1 - logDet/2.0
	}
	return nil
}

func (m *Model) refreshFull() error {

	m.chol = make([]*mat.Cholesky, m.NStates)
	m.lfact = make([]*mat.TriDense, m.NStates)
	for k := 0; k < m.NStates; k++ {
		sym := mat.NewSymDense(m.NE, m.Covar[k])
		for d := 0; d < m.NE; d++ {
			if sym.At(d, d) < SMALL_VARIANCE {
				sym.SetSym(d, d, SMALL_VARIANCE)
				m.Covar[k][d*m.NE+d] = SMALL_VARIANCE
			}
		}

		var ch mat.Cholesky
		jitter := SMALL_VARIANCE
		ok := ch.Factorize(sym)
		for tries := 0; !ok && tries < maxJitterTries; tries++ {
			glog.Warningf("covariance for state %d is not positive definite, adding jitter %e", k, jitter)
			for d := 0; d < m.NE; d++ {
				sym.SetSym(d, d, sym.At(d, d)+jitter)
				m.Covar[k][d*m.NE+d] += jitter
			}
			jitter *= 10
			ok = ch.Factorize(sym)
		}
		if !ok {
			return errors.Errorf("covariance for state [%d] is not positive definite", k)
		}

		m.chol[k] = &ch
		l := mat.NewTriDense(m.NE, mat.Lower, nil)
		ch.LTo(l)
		m.lfact[k] = l
		m.logConst[k] = m.const1 - ch.LogDet()/2.0
	}
	return nil
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

// Mean sets the component means.
func Mean(mean [][]float64) func(*Model) {
	return func(m *Model) { m.Mean = mean }
}

// Covar sets the covariance values. The shape must match the kind.
func Covar(covar [][]float64) func(*Model) {
	return func(m *Model) { m.Covar = covar }
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
	kind, e := ParseCovKind(m.KindName)
	if e != nil {
		return nil, e
	}

	// Rebuild the unexported caches dropped by the json codec.
	m.kind = kind
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
