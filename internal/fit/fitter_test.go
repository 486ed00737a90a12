package fit

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"gonum.org/v1/gonum/optimize"

	"github.com/twinstats/twinfit/internal/dataset"
	"github.com/twinstats/twinfit/internal/twinmodel"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// genCohort draws n twin pairs with the given mean, variance and within-pair
// covariance, plus one standard-normal covariate whose coefficient on the
// mean is beta.
func genCohort(rng *rand.Rand, group string, n int, mean, v, c, beta float64) *dataset.Cohort {
	a := math.Sqrt(c)
	b := math.Sqrt(v - c)
	cohort := &dataset.Cohort{Group: group}
	for i := 0; i < n; i++ {
		shared := rng.NormFloat64()
		var p dataset.Pair
		p.Covs = make([][2]float64, 1)
		for m := 0; m < 2; m++ {
			cov := rng.NormFloat64()
			p.Covs[0][m] = cov
			p.Y[m] = mean + beta*cov + a*shared + b*rng.NormFloat64()
		}
		cohort.Pairs = append(cohort.Pairs, p)
	}
	return cohort
}

// momentsOf mirrors the pipeline's moment-based starting values.
func momentsOf(c *dataset.Cohort) twinmodel.Moments {
	n := float64(len(c.Pairs))
	var mom twinmodel.Moments
	for _, p := range c.Pairs {
		mom.Mean[0] += p.Y[0] / n
		mom.Mean[1] += p.Y[1] / n
	}
	for _, p := range c.Pairs {
		d0 := p.Y[0] - mom.Mean[0]
		d1 := p.Y[1] - mom.Mean[1]
		mom.Var[0] += d0 * d0 / (n - 1)
		mom.Var[1] += d1 * d1 / (n - 1)
		mom.Cov += d0 * d1 / (n - 1)
	}
	return mom
}

func testSpec(cohorts [2]*dataset.Cohort, covariates []string) *twinmodel.Spec {
	return twinmodel.Saturated(twinmodel.Config{
		Groups:     [2]string{cohorts[0].Group, cohorts[1].Group},
		Covariates: covariates,
		Moments:    [2]twinmodel.Moments{momentsOf(cohorts[0]), momentsOf(cohorts[1])},
		Bounds:     twinmodel.DefaultBounds(),
	})
}

func TestObjectiveKnownValue(t *testing.T) {
	cohorts := [2]*dataset.Cohort{
		{Group: "MZ", Pairs: []dataset.Pair{{Y: [2]float64{0, 0}}}},
		{Group: "DZ", Pairs: []dataset.Pair{{Y: [2]float64{0, 0}}}},
	}
	spec := twinmodel.Saturated(twinmodel.Config{
		Groups: [2]string{"MZ", "DZ"},
		Bounds: twinmodel.DefaultBounds(),
	})
	obj := newObjective(spec, cohorts)

	// Standard bivariate normal at the origin: each pair contributes
	// 2 ln(2 pi), nothing from the determinant or the quadratic form.
	x := make([]float64, len(obj.names))
	for i, na := range obj.names {
		switch na[0] {
		case 'v':
			x[i] = 1
		default:
			x[i] = 0
		}
	}
	want := 2 * 2 * log2pi
	if got := obj.value(x); !almostEqual(got, want, 1e-10) {
		t.Errorf("value = %v, want %v", got, want)
	}
}

func TestObjectivePenalizesBoundViolations(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 20, 0, 1, 0.5, 0),
		genCohort(rng, "DZ", 20, 0, 1, 0.2, 0),
	}
	spec := testSpec(cohorts, nil)
	obj := newObjective(spec, cohorts)

	inside := make([]float64, len(obj.start))
	copy(inside, obj.start)
	base := obj.value(inside)

	// Push one variance below its floor: the clamped evaluation plus the
	// quadratic penalty must exceed the in-bounds value.
	outside := make([]float64, len(inside))
	copy(outside, inside)
	for i, na := range obj.names {
		if na[0] == 'v' {
			outside[i] = obj.lower[i] - 0.5
			break
		}
	}
	if got := obj.value(outside); got <= base {
		t.Errorf("out-of-bounds value %v not above in-bounds value %v", got, base)
	}
	if v := obj.value(outside); math.IsInf(v, 0) || math.IsNaN(v) {
		t.Errorf("penalized value must stay finite, got %v", v)
	}
}

func TestFitRecoversParameters(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 300, 0.5, 1, 0.8, 0),
		genCohort(rng, "DZ", 300, 0.5, 1, 0.4, 0),
	}
	spec := testSpec(cohorts, nil)

	f := &Fitter{Attempts: 3, Seed: 11}
	res, err := f.Fit(spec, cohorts)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !res.Converged {
		t.Fatalf("did not converge: %s", res.Status)
	}

	checks := []struct {
		name string
		want float64
	}{
		{"mMZ1", 0.5}, {"mDZ2", 0.5},
		{"vMZ1", 1}, {"vDZ2", 1},
		{"covMZ", 0.8}, {"covDZ", 0.4},
	}
	for _, c := range checks {
		if got := res.Estimates[c.name]; !almostEqual(got, c.want, 0.2) {
			t.Errorf("%s = %v, want about %v", c.name, got, c.want)
		}
	}

	if !almostEqual(res.Correlations[0].R, 0.8, 0.15) {
		t.Errorf("implied r(MZ) = %v, want about 0.8", res.Correlations[0].R)
	}
	if !almostEqual(res.Correlations[1].R, 0.4, 0.2) {
		t.Errorf("implied r(DZ) = %v, want about 0.4", res.Correlations[1].R)
	}

	// Accounting identities.
	if res.NFree != 10 {
		t.Errorf("NFree = %d, want 10", res.NFree)
	}
	if res.Df != 2*600-10 {
		t.Errorf("Df = %d, want %d", res.Df, 2*600-10)
	}
	if !almostEqual(res.AIC, res.Minus2LL+20, 1e-9) {
		t.Errorf("AIC = %v, want -2LL + 20", res.AIC)
	}
	if !almostEqual(res.BIC, res.Minus2LL+10*math.Log(600), 1e-9) {
		t.Errorf("BIC = %v inconsistent with -2LL", res.BIC)
	}
	if !almostEqual(res.LogLik(), -res.Minus2LL/2, 1e-12) {
		t.Errorf("LogLik = %v, want %v", res.LogLik(), -res.Minus2LL/2)
	}
}

func TestFitRecoversCovariateEffect(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 300, 0, 1, 0.6, 0.7),
		genCohort(rng, "DZ", 300, 0, 1, 0.3, 0.7),
	}
	spec := testSpec(cohorts, []string{"age"})

	f := &Fitter{Attempts: 3, Seed: 5}
	res, err := f.Fit(spec, cohorts)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if got := res.Estimates["bage"]; !almostEqual(got, 0.7, 0.1) {
		t.Errorf("bage = %v, want about 0.7", got)
	}
}

func TestFitConstrainedChainOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 200, 0, 1, 0.8, 0),
		genCohort(rng, "DZ", 200, 0, 1, 0.4, 0),
	}
	sat := testSpec(cohorts, nil)
	ev := sat.EqualMeans().EqualVariances()
	eg := ev.EqualGroups()

	f := &Fitter{Attempts: 3, Seed: 29}
	satRes, err := f.Fit(sat, cohorts)
	if err != nil {
		t.Fatalf("fit saturated: %v", err)
	}
	evRes, err := f.Fit(ev.Updated(satRes.Estimates), cohorts)
	if err != nil {
		t.Fatalf("fit equal_variances: %v", err)
	}
	egRes, err := f.Fit(eg.Updated(evRes.Estimates), cohorts)
	if err != nil {
		t.Fatalf("fit equal_groups: %v", err)
	}

	// A constrained model never fits better (small numerical slack).
	if evRes.Minus2LL < satRes.Minus2LL-1e-6 {
		t.Errorf("equal_variances -2LL %v below saturated %v", evRes.Minus2LL, satRes.Minus2LL)
	}
	if egRes.Minus2LL < evRes.Minus2LL-1e-6 {
		t.Errorf("equal_groups -2LL %v below equal_variances %v", egRes.Minus2LL, evRes.Minus2LL)
	}

	// Forcing the covariances equal across such different cohorts costs a
	// lot of likelihood.
	if egRes.Minus2LL-evRes.Minus2LL < 10 {
		t.Errorf("equal_groups should fit far worse here, delta = %v",
			egRes.Minus2LL-evRes.Minus2LL)
	}

	if egRes.Df <= satRes.Df {
		t.Errorf("df must grow along the chain: saturated %d, equal_groups %d",
			satRes.Df, egRes.Df)
	}
}

func TestFitIntervals(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 300, 0, 1, 0.7, 0),
		genCohort(rng, "DZ", 300, 0, 1, 0.35, 0),
	}
	spec := testSpec(cohorts, nil)

	f := &Fitter{Attempts: 3, Seed: 37, Intervals: true, Level: 0.95}
	res, err := f.Fit(spec, cohorts)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if res.StdErr == nil || res.CI == nil {
		t.Fatal("intervals requested but absent")
	}

	for _, na := range []string{"covMZ", "vMZ1", "mMZ1"} {
		se, ok := res.StdErr[na]
		if !ok {
			t.Errorf("no standard error for %s", na)
			continue
		}
		if se <= 0 || se > 1 {
			t.Errorf("se(%s) = %v, outside plausible range", na, se)
		}
		ci := res.CI[na]
		est := res.Estimates[na]
		if ci.Lower >= est || ci.Upper <= est {
			t.Errorf("CI for %s = [%v, %v] does not bracket estimate %v",
				na, ci.Lower, ci.Upper, est)
		}
	}

	for g := range res.Correlations {
		cr := res.Correlations[g]
		if !cr.HasCI {
			t.Errorf("cohort %s: no correlation interval", cr.Group)
			continue
		}
		if cr.CI.Lower >= cr.R || cr.CI.Upper <= cr.R {
			t.Errorf("cohort %s: CI [%v, %v] does not bracket r = %v",
				cr.Group, cr.CI.Lower, cr.CI.Upper, cr.R)
		}
		if cr.CI.Lower < -1 || cr.CI.Upper > 1 {
			t.Errorf("cohort %s: CI [%v, %v] escapes [-1, 1]",
				cr.Group, cr.CI.Lower, cr.CI.Upper)
		}
	}
}

func TestFitKeepsBestAttemptStatus(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 20, 0, 1, 0.5, 0),
		genCohort(rng, "DZ", 20, 0, 1, 0.2, 0),
	}
	spec := testSpec(cohorts, nil)

	// The first attempt converges; every jittered restart errors out. The
	// result must carry the converged attempt's status, not the restart
	// failure message.
	calls := 0
	f := &Fitter{
		Attempts: 3,
		Seed:     59,
		minimize: func(p optimize.Problem, start []float64, _ *optimize.Settings, _ optimize.Method) (*optimize.Result, error) {
			calls++
			if calls > 1 {
				return nil, errors.New("singular simplex")
			}
			return &optimize.Result{
				Location: optimize.Location{
					X: append([]float64(nil), start...),
					F: p.Func(start),
				},
				Status: optimize.FunctionConvergence,
			}, nil
		},
	}

	res, err := f.Fit(spec, cohorts)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if calls != 3 {
		t.Errorf("minimize called %d times, want 3", calls)
	}
	if !res.Converged {
		t.Fatalf("result not converged, status %q", res.Status)
	}
	if want := optimize.FunctionConvergence.String(); res.Status != want {
		t.Errorf("Status = %q, want %q", res.Status, want)
	}
	if strings.Contains(res.Status, "singular") {
		t.Errorf("restart failure leaked into the status: %q", res.Status)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestFitAllAttemptsFail(t *testing.T) {
	rng := rand.New(rand.NewSource(61))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 20, 0, 1, 0.5, 0),
		genCohort(rng, "DZ", 20, 0, 1, 0.2, 0),
	}
	spec := testSpec(cohorts, nil)

	f := &Fitter{
		Attempts: 2,
		Seed:     67,
		minimize: func(optimize.Problem, []float64, *optimize.Settings, optimize.Method) (*optimize.Result, error) {
			return nil, errors.New("singular simplex")
		},
	}

	res, err := f.Fit(spec, cohorts)
	var oe *OptimizationError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OptimizationError, got %v", err)
	}
	if res == nil {
		t.Fatal("partial result missing")
	}
	if res.Converged {
		t.Error("failed fit marked converged")
	}
	if !strings.Contains(res.Status, "singular simplex") {
		t.Errorf("Status = %q, want the failure message", res.Status)
	}
	if !math.IsNaN(res.Minus2LL) {
		t.Errorf("Minus2LL = %v, want NaN", res.Minus2LL)
	}
}

func TestFitUnknownMethod(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 20, 0, 1, 0.5, 0),
		genCohort(rng, "DZ", 20, 0, 1, 0.2, 0),
	}
	f := &Fitter{Method: "genetic", Attempts: 1}
	if _, err := f.Fit(testSpec(cohorts, nil), cohorts); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestJitteredFirstAttemptUnperturbed(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	cohorts := [2]*dataset.Cohort{
		genCohort(rng, "MZ", 10, 0, 1, 0.5, 0),
		genCohort(rng, "DZ", 10, 0, 1, 0.2, 0),
	}
	obj := newObjective(testSpec(cohorts, nil), cohorts)

	f := &Fitter{Jitter: 0.25}
	first := f.jittered(obj, 0, rng)
	for i := range first {
		if first[i] != obj.start[i] {
			t.Fatalf("attempt 0 start perturbed at %d: %v != %v", i, first[i], obj.start[i])
		}
	}

	second := f.jittered(obj, 1, rng)
	moved := false
	for i := range second {
		if second[i] != obj.start[i] {
			moved = true
		}
		if second[i] < obj.lower[i] || second[i] > obj.upper[i] {
			t.Errorf("jittered start %d = %v escapes bounds [%v, %v]",
				i, second[i], obj.lower[i], obj.upper[i])
		}
	}
	if !moved {
		t.Error("attempt 1 start identical to the spec start")
	}
}

func TestImpliedCorrelation(t *testing.T) {
	if got := impliedCorrelation(0.5, 1, 1); !almostEqual(got, 0.5, 1e-12) {
		t.Errorf("impliedCorrelation(0.5, 1, 1) = %v", got)
	}
	if got := impliedCorrelation(1, 4, 1); !almostEqual(got, 0.5, 1e-12) {
		t.Errorf("impliedCorrelation(1, 4, 1) = %v", got)
	}
	if got := impliedCorrelation(0.5, 0, 1); !math.IsNaN(got) {
		t.Errorf("impliedCorrelation with zero variance = %v, want NaN", got)
	}
}
