package hmm

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/akualab/emkit"
	"github.com/akualab/emkit/model/discrete"
	"github.com/akualab/emkit/model/gaussian"
)

// Tests

// makeHMM builds the two-state model with N(1,1) and N(4,4) emissions
// used across the evaluation tests.
func makeHMM() *Model {
	h := gaussian.NewModel(1, 2, gaussian.Diag, gaussian.Name("g"),
		gaussian.Mean([][]float64{{1}, {4}}),
		gaussian.Covar([][]float64{{1}, {4}}))
	return NewModel(h, Name("hmm0"),
		InitProbs([]float64{0.8, 0.2}),
		TransProbs([][]float64{{0.9, 0.1}, {0.3, 0.7}}))
}

// The observations were built as if emitted by the state sequence
//
//	q: s0 s0 s0 s0 s0 s0 s1 s1 s1 s1 s0 s0
//
// so the most likely state at each time is known. The log forward and
// backward values below follow from the model parameters.
var (
	obs0 = [][]float64{
		{0.1}, {0.3}, {1.1}, {1.2}, {0.7}, {0.7}, {5.5}, {7.8}, {10.0}, {5.2}, {1.1}, {1.3}}
	alpha0 = []float64{
		-1.54708208451888,
		-2.80709238811418,
		-3.83134003758912,
		-4.86850442594034,
		-5.92973730403429,
		-6.99328952650412,
		-18.1370692144982,
		-36.3195887463382,
		-57.4758051059185,
		-32.2645657649804,
		-25.5978716740632,
		-26.5391830081456}
	alpha1 = []float64{
		-5.12277362619872,
		-6.99404330419337,
		-7.67194890763762,
		-8.58593275227677,
		-9.98735773434079,
		-11.0914094981902,
		-11.0792560557189,
		-14.8528937698143,
		-21.3216544274498,
		-23.4704150851531,
		-26.4904040834703,
		-29.0712307616184}
	beta0 = []float64{
		-24.9258011954291,
		-23.661415171904,
		-22.6397641116887,
		-21.6045197079498,
		-20.549461075003,
		-19.579339900188,
		-17.3294657178329,
		-13.5557050615525,
		-7.07931720879328,
		-2.06607429111337,
		-1.04620524392834,
		0}
	beta1 = []float64{
		-25.9309053603105,
		-24.6182012641994,
		-23.5726285099546,
		-22.4540945910146,
		-20.5873818254665,
		-17.6335597285231,
		-15.3835555701327,
		-11.6097949124971,
		-5.14103425479379,
		-2.99265648819389,
		-1.76872378444132,
		0}
)

func TestForward(t *testing.T) {

	m := makeHMM()
	lp, err := m.Head.Evaluate(obs0, true)
	emkit.CheckError(t, err)
	α, logProb := m.alpha(lp)

	for i := range obs0 {
		emkit.CompareFloats(t, alpha0[i], α[i][0], "wrong alpha for state 0", 1e-9)
		emkit.CompareFloats(t, alpha1[i], α[i][1], "wrong alpha for state 1", 1e-9)
	}
	want := floats.LogSumExp([]float64{alpha0[len(obs0)-1], alpha1[len(obs0)-1]})
	emkit.CompareFloats(t, want, logProb, "wrong log probability", 1e-9)

	v, err := m.LogProb(obs0)
	emkit.CheckError(t, err)
	emkit.CompareFloats(t, want, v, "wrong log probability", 1e-9)
}

func TestBackward(t *testing.T) {

	m := makeHMM()
	lp, err := m.Head.Evaluate(obs0, true)
	emkit.CheckError(t, err)
	β := m.beta(lp)

	for i := range obs0 {
		emkit.CompareFloats(t, beta0[i], β[i][0], "wrong beta for state 0", 1e-9)
		emkit.CompareFloats(t, beta1[i], β[i][1], "wrong beta for state 1", 1e-9)
	}
}

func TestOccupancy(t *testing.T) {

	m := makeHMM()
	lp, err := m.Head.Evaluate(obs0, true)
	emkit.CheckError(t, err)
	α, logProb := m.alpha(lp)
	β := m.beta(lp)

	// The most likely state at each time recovers the pattern the data
	// was built from.
	want := []int{0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 0, 0}
	got := make([]int, len(obs0))
	for i := range obs0 {
		if α[i][1]+β[i][1] > α[i][0]+β[i][0] {
			got[i] = 1
		}
	}
	emkit.CompareSliceInt(t, want, got, "wrong most likely states")

	stats, err := m.SeqStats(obs0)
	emkit.CheckError(t, err)
	s := stats.(*Stats)

	if s.N != 1 {
		t.Errorf("wrong sequence count. Expected: [1], Got: [%f]", s.N)
	}
	emkit.CompareFloats(t, logProb, s.LogProb, "wrong log probability in stats", 1e-12)
	emkit.CompareFloats(t, 1.0, floats.Sum(s.Init), "initial counts must sum to one", 1e-9)

	// Row sums of the expected transition counts match the occupancy of
	// the originating state over t < T-1.
	for k := 0; k < 2; k++ {
		var occ float64
		for i := 0; i < len(obs0)-1; i++ {
			occ += math.Exp(α[i][k] + β[i][k] - logProb)
		}
		emkit.CompareFloats(t, occ, floats.Sum(s.Trans[k]), "transition counts don't match occupancy", 1e-9)
	}
}

func TestMergeStats(t *testing.T) {

	m := makeHMM()
	xa := obs0[:4]
	xb := obs0[4:7]
	xc := obs0[7:]

	local := func(seq [][]float64) *Stats {
		s, err := m.SeqStats(seq)
		emkit.CheckError(t, err)
		return s.(*Stats)
	}

	ab, err := m.Update(local(xa), local(xb))
	emkit.CheckError(t, err)
	abc, err := m.Update(ab, local(xc))
	emkit.CheckError(t, err)

	cb, err := m.Update(local(xc), local(xb))
	emkit.CheckError(t, err)
	cba, err := m.Update(cb, local(xa))
	emkit.CheckError(t, err)

	s1 := abc.(*Stats)
	s2 := cba.(*Stats)
	emkit.CompareSliceFloat(t, s1.Init, s2.Init, "initial counts depend on merge order", 1e-12)
	for i := range s1.Trans {
		emkit.CompareSliceFloat(t, s1.Trans[i], s2.Trans[i], "transition counts depend on merge order", 1e-12)
	}
	emkit.CompareFloats(t, s1.LogProb, s2.LogProb, "log probability depends on merge order", 1e-12)
	if s1.N != s2.N {
		t.Errorf("sequence counts depend on merge order. Expected: [%f], Got: [%f]", s1.N, s2.N)
	}

	// nil is the identity on both sides.
	la := local(xa)
	left, err := m.Update(nil, la)
	emkit.CheckError(t, err)
	if left.(*Stats) != la {
		t.Errorf("merging into a nil accumulator must return the local record")
	}
	right, err := m.Update(la, nil)
	emkit.CheckError(t, err)
	if right.(*Stats) != la {
		t.Errorf("merging a nil record must return the accumulator")
	}

	if _, err := m.SeqStats(nil); err == nil {
		t.Errorf("expected error for an empty sequence")
	}
}

// One emitting state makes Baum-Welch equivalent to fitting the
// emission model directly.
func TestSingleState(t *testing.T) {

	h := gaussian.NewModel(2, 1, gaussian.Diag, gaussian.Name("g"))
	m := NewModel(h)

	seqs := [][][]float64{
		{{1.1, 2.0}, {0.9, 1.8}, {1.3, 2.2}},
		{{0.8, 2.1}, {1.2, 1.9}},
	}
	emkit.CheckError(t, m.Fit(seqs, 1))

	var flat [][]float64
	for _, seq := range seqs {
		flat = append(flat, seq...)
	}
	g := gaussian.NewModel(2, 1, gaussian.Diag)
	gs, err := g.Maximize(flat, [][]float64{{1}, {1}, {1}, {1}, {1}})
	emkit.CheckError(t, err)
	emkit.CheckError(t, g.Apply(gs))

	gh := m.Head.(*gaussian.Model)
	emkit.CompareSliceFloat(t, g.Mean[0], gh.Mean[0], "wrong mean", 1e-12)
	emkit.CompareSliceFloat(t, g.Covar[0], gh.Covar[0], "wrong variance", 1e-12)
	emkit.CompareSliceFloat(t, []float64{1}, m.InitProbs, "wrong initial probabilities", 1e-12)
	emkit.CompareSliceFloat(t, []float64{1}, m.TransProbs[0], "wrong transition probabilities", 1e-12)
}

func TestTrainHMM(t *testing.T) {

	if testing.Short() {
		t.Skip("skipping hmm training test in short mode")
	}

	ref := makeHMM()
	obs, _, err := ref.Sample(2000, 20)
	emkit.CheckError(t, err)

	h := gaussian.NewModel(1, 2, gaussian.Diag, gaussian.Name("g"),
		gaussian.Mean([][]float64{{0.5}, {5}}),
		gaussian.Covar([][]float64{{2}, {2}}))
	m := NewModel(h, Name("trained"), Workers(4))

	var prev float64
	epochs := 15
	for ep := 0; ep < epochs; ep++ {
		emkit.CheckError(t, m.Fit(obs, 1))
		t.Logf("epoch %d log likelihood: %e", ep, m.Likelihood)
		if ep > 0 && m.Likelihood < prev-math.Abs(prev)*1e-10 {
			t.Errorf("log likelihood decreased from %e to %e at epoch %d", prev, m.Likelihood, ep)
		}
		prev = m.Likelihood
	}

	gh := m.Head.(*gaussian.Model)
	t.Logf("init: %+v", m.InitProbs)
	t.Logf("trans: %+v", m.TransProbs)
	t.Logf("mean: %+v, covar: %+v", gh.Mean, gh.Covar)

	emkit.CompareSliceFloat(t, []float64{0.8, 0.2}, m.InitProbs, "wrong initial probabilities", 0.03)
	emkit.CompareSliceFloat(t, []float64{0.9, 0.1}, m.TransProbs[0], "wrong transitions for state 0", 0.03)
	emkit.CompareSliceFloat(t, []float64{0.3, 0.7}, m.TransProbs[1], "wrong transitions for state 1", 0.03)
	emkit.CompareSliceFloat(t, []float64{1}, gh.Mean[0], "wrong mean for state 0", 0.03)
	emkit.CompareSliceFloat(t, []float64{4}, gh.Mean[1], "wrong mean for state 1", 0.03)
	emkit.CompareSliceFloat(t, []float64{1}, gh.Covar[0], "wrong variance for state 0", 0.05)
	emkit.CompareSliceFloat(t, []float64{4}, gh.Covar[1], "wrong variance for state 1", 0.05)
}

func TestFitWorkers(t *testing.T) {

	ref := makeHMM()
	obs, _, err := ref.Sample(50, 10)
	emkit.CheckError(t, err)

	newHead := func() *gaussian.Model {
		return gaussian.NewModel(1, 2, gaussian.Diag, gaussian.Name("g"),
			gaussian.Mean([][]float64{{0.5}, {5}}),
			gaussian.Covar([][]float64{{2}, {2}}))
	}
	m1 := NewModel(newHead())
	m4 := NewModel(newHead(), Workers(4))

	emkit.CheckError(t, m1.Fit(obs, 2))
	emkit.CheckError(t, m4.Fit(obs, 2))

	emkit.CompareSliceFloat(t, m1.InitProbs, m4.InitProbs, "workers changed the initial probabilities", 1e-9)
	for i := range m1.TransProbs {
		emkit.CompareSliceFloat(t, m1.TransProbs[i], m4.TransProbs[i], "workers changed the transition probabilities", 1e-9)
	}
	g1 := m1.Head.(*gaussian.Model)
	g4 := m4.Head.(*gaussian.Model)
	for k := range g1.Mean {
		emkit.CompareSliceFloat(t, g1.Mean[k], g4.Mean[k], "workers changed the means", 1e-9)
		emkit.CompareSliceFloat(t, g1.Covar[k], g4.Covar[k], "workers changed the variances", 1e-9)
	}
}

func TestDiscreteChain(t *testing.T) {

	// Deterministic alternating chain over two symbols. Emission scores
	// are normalized over states, so the sequence log probability
	// carries the per-symbol normalization.
	h := discrete.NewModel(2, 2, discrete.Probs([][]float64{{0.9, 0.1}, {0.2, 0.8}}))
	m := NewModel(h, Name("chain"),
		InitProbs([]float64{1, 0}),
		TransProbs([][]float64{{0, 1}, {1, 0}}))

	seq := discrete.Encode([]int{0, 1, 0})
	want := math.Log(72.0 / 121.0)

	lp, err := m.LogProb(seq)
	emkit.CheckError(t, err)
	emkit.CompareFloats(t, want, lp, "wrong log probability", 1e-12)

	path, vlp, err := m.Decode(seq)
	emkit.CheckError(t, err)
	emkit.CompareSliceInt(t, []int{0, 1, 0}, path, "wrong decoded path")
	emkit.CompareFloats(t, want, vlp, "wrong viterbi log probability", 1e-12)

	obs, paths, err := m.Sample(3, 6)
	emkit.CheckError(t, err)
	for i, p := range paths {
		if len(obs[i]) != 6 {
			t.Fatalf("wrong sample length. Expected: [6], Got: [%d]", len(obs[i]))
		}
		for j, s := range p {
			if s != j%2 {
				t.Fatalf("sampled path must alternate, got %v", p)
			}
		}
	}

	if _, err := m.LogProb(nil); err == nil {
		t.Errorf("expected error for an empty sequence")
	}
	if _, _, err := m.Decode(nil); err == nil {
		t.Errorf("expected error for an empty sequence")
	}
	if _, _, err := m.Sample(0, 5); err == nil {
		t.Errorf("expected error for a non-positive sample count")
	}
}

func TestInitHMM(t *testing.T) {

	var seqA, seqB [][]float64
	for i := 0; i < 10; i++ {
		seqA = append(seqA, []float64{float64(i) * 0.1, float64(i) * 0.05})
		seqB = append(seqB, []float64{10 + float64(i)*0.1, 10 - float64(i)*0.05})
	}
	h := gaussian.NewModel(2, 2, gaussian.Diag)
	m := NewModel(h)
	emkit.CheckError(t, m.Init([][][]float64{seqA, seqB}))

	gh := m.Head.(*gaussian.Model)
	lo, hi := 0, 1
	if gh.Mean[0][0] > gh.Mean[1][0] {
		lo, hi = 1, 0
	}
	if gh.Mean[lo][0] > 4 {
		t.Errorf("low cluster mean should be near the origin, got %v", gh.Mean[lo])
	}
	if gh.Mean[hi][0] < 6 {
		t.Errorf("high cluster mean should be near (10,10), got %v", gh.Mean[hi])
	}

	// Chain parameters are untouched by init.
	emkit.CompareSliceFloat(t, []float64{0.5, 0.5}, m.InitProbs, "init must not touch the chain", 1e-15)
	for i := range m.TransProbs {
		emkit.CompareSliceFloat(t, []float64{0.5, 0.5}, m.TransProbs[i], "init must not touch the chain", 1e-15)
	}
}

func TestUpdateFlags(t *testing.T) {

	h := gaussian.NewModel(1, 2, gaussian.Diag, gaussian.Name("g"),
		gaussian.Mean([][]float64{{1}, {4}}),
		gaussian.Covar([][]float64{{1}, {4}}))
	m := NewModel(h,
		InitProbs([]float64{0.8, 0.2}),
		TransProbs([][]float64{{0.9, 0.1}, {0.3, 0.7}}),
		UpdateIP(false), UpdateTP(false))

	ref := makeHMM()
	obs, _, err := ref.Sample(20, 10)
	emkit.CheckError(t, err)
	emkit.CheckError(t, m.Fit(obs, 2))

	emkit.CompareSliceFloat(t, []float64{0.8, 0.2}, m.InitProbs, "frozen initial probabilities changed", 1e-15)
	emkit.CompareSliceFloat(t, []float64{0.9, 0.1}, m.TransProbs[0], "frozen transitions changed", 1e-15)
	emkit.CompareSliceFloat(t, []float64{0.3, 0.7}, m.TransProbs[1], "frozen transitions changed", 1e-15)
	if m.Likelihood == 0 {
		t.Errorf("likelihood must be updated by the commit")
	}
}

func TestWriteReadModel(t *testing.T) {

	ref := makeHMM()
	obs, _, err := ref.Sample(10, 8)
	emkit.CheckError(t, err)

	h := gaussian.NewModel(1, 2, gaussian.Diag, gaussian.Name("g"),
		gaussian.Mean([][]float64{{0.5}, {5}}),
		gaussian.Covar([][]float64{{2}, {2}}))
	m := NewModel(h, Name("persisted"))
	emkit.CheckError(t, m.Fit(obs, 2))

	fn := filepath.Join(os.TempDir(), "hmm.json")
	t.Logf("Wrote to temp file: %s\n", fn)
	emkit.CheckError(t, m.WriteFile(fn))

	m1, err := ReadFile(fn)
	emkit.CheckError(t, err)

	if m1.Name() != "persisted" {
		t.Errorf("wrong model name. Expected: [persisted], Got: [%s]", m1.Name())
	}
	if _, ok := m1.Head.(*gaussian.Model); !ok {
		t.Fatalf("wrong head type [%T]", m1.Head)
	}
	emkit.CompareSliceFloat(t, m.InitProbs, m1.InitProbs, "initial probabilities don't match", 1e-12)
	for i := range m.TransProbs {
		emkit.CompareSliceFloat(t, m.TransProbs[i], m1.TransProbs[i], "transition probabilities don't match", 1e-12)
	}
	emkit.CompareFloats(t, m.Likelihood, m1.Likelihood, "likelihood doesn't match", 1e-12)

	lp, err := m.ScoreSamples(obs)
	emkit.CheckError(t, err)
	lp1, err := m1.ScoreSamples(obs)
	emkit.CheckError(t, err)
	emkit.CompareSliceFloat(t, lp, lp1, "restored model scores differently", 1e-12)

	// Discrete head roundtrip.
	hd := discrete.NewModel(2, 3, discrete.Probs([][]float64{{0.5, 0.3, 0.2}, {0.1, 0.1, 0.8}}))
	md := NewModel(hd, Name("chain"), InitProbs([]float64{0.6, 0.4}))
	fn = filepath.Join(os.TempDir(), "hmm-discrete.json")
	emkit.CheckError(t, md.WriteFile(fn))
	md1, err := ReadFile(fn)
	emkit.CheckError(t, err)
	if _, ok := md1.Head.(*discrete.Model); !ok {
		t.Fatalf("wrong head type [%T]", md1.Head)
	}
	seq := discrete.Encode([]int{0, 2, 1})
	v, err := md.LogProb(seq)
	emkit.CheckError(t, err)
	v1, err := md1.LogProb(seq)
	emkit.CheckError(t, err)
	emkit.CompareFloats(t, v, v1, "restored model scores differently", 1e-12)

	// Unknown head kinds are rejected.
	bad := []byte(`{"name":"x","num_states":1,"head_kind":"banana","head":{}}`)
	if _, err := Read(bytes.NewReader(bad)); err == nil {
		t.Errorf("expected error for an unknown head kind")
	}
}
