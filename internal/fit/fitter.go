// Package fit adapts the external gonum optimizer to the twin model specs:
// it evaluates the bivariate-normal -2 log-likelihood and lets
// optimize.Minimize do the numerical work, with a bounded retry budget to
// escape local optima.
package fit

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/twinstats/twinfit/internal/dataset"
	"github.com/twinstats/twinfit/internal/twinmodel"
)

// Fitter drives the external optimizer. The zero value is not usable; fill
// the fields from configuration.
type Fitter struct {
	// Method selects the optimizer: "neldermead" (default) or "bfgs".
	Method string

	// Attempts is the optimizer restart budget; starts after the first
	// are jittered.
	Attempts int

	// Jitter scales the random perturbation of restart starting values.
	Jitter float64

	// Seed for the jitter stream; 0 uses a time-based seed.
	Seed int64

	// Intervals requests standard errors and Wald confidence intervals.
	Intervals bool

	// Level is the confidence level for intervals, e.g. 0.95.
	Level float64

	// Log receives optimizer progress messages when not nil.
	Log *log.Logger

	// minimize stands in for optimize.Minimize in tests.
	minimize func(optimize.Problem, []float64, *optimize.Settings, optimize.Method) (*optimize.Result, error)
}

func (f *Fitter) method() (optimize.Method, error) {
	switch strings.ToLower(f.Method) {
	case "", "neldermead", "nelder-mead":
		return &optimize.NelderMead{}, nil
	case "bfgs":
		return &optimize.BFGS{Linesearcher: &optimize.MoreThuente{}}, nil
	}
	return nil, fmt.Errorf("unknown optimizer method %q", f.Method)
}

// Fit optimizes the spec against the two cohorts. On non-convergence it
// returns the best partial result together with an *OptimizationError so
// callers can still report what the optimizer saw.
func (f *Fitter) Fit(spec *twinmodel.Spec, cohorts [2]*dataset.Cohort) (*Result, error) {
	obj := newObjective(spec, cohorts)
	if len(obj.names) == 0 {
		return nil, fmt.Errorf("model %s has no free parameters", spec.Name)
	}

	method, err := f.method()
	if err != nil {
		return nil, err
	}

	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 200,
		},
		MajorIterations: 10000,
		FuncEvaluations: 200000,
	}

	problem := optimize.Problem{Func: obj.value}

	minimize := f.minimize
	if minimize == nil {
		minimize = optimize.Minimize
	}

	seed := f.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	attempts := f.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var best *optimize.Result
	var bestStatus string
	status := "no attempt ran"
	tried := 0

	for a := 0; a < attempts; a++ {
		start := f.jittered(obj, a, rng)
		tried++

		res, err := minimize(problem, start, settings, method)
		if err != nil {
			status = err.Error()
			continue
		}
		if serr := res.Status.Err(); serr != nil {
			status = serr.Error()
			continue
		}
		// Failed restarts never taint the status of the best attempt.
		if best == nil || res.F < best.F {
			best = res
			bestStatus = res.Status.String()
		}
	}

	if best == nil {
		partial := f.failedResult(spec, obj, status, tried)
		return partial, &OptimizationError{Model: spec.Name, Status: status}
	}

	if f.Log != nil {
		f.Log.Printf("model %s converged (%s) after %d attempt(s), -2LL=%.4f",
			spec.Name, bestStatus, tried, best.F)
	}

	r := f.buildResult(spec, obj, best.X, best.F, bestStatus, tried)
	if f.Intervals {
		f.intervals(obj, best.X, r)
	}
	return r, nil
}

// jittered produces the starting point for one attempt. The first attempt
// uses the spec's starting values unperturbed.
func (f *Fitter) jittered(obj *objective, attempt int, rng *rand.Rand) []float64 {
	start := make([]float64, len(obj.start))
	copy(start, obj.start)
	if attempt == 0 {
		return start
	}
	scale := f.Jitter
	if scale <= 0 {
		scale = 0.25
	}
	for i := range start {
		span := math.Abs(start[i])
		if span < 1 {
			span = 1
		}
		start[i] += rng.NormFloat64() * scale * span
		if start[i] < obj.lower[i] {
			start[i] = obj.lower[i]
		}
		if start[i] > obj.upper[i] {
			start[i] = obj.upper[i]
		}
	}
	return start
}

func (f *Fitter) buildResult(spec *twinmodel.Spec, obj *objective, x []float64, m2ll float64, status string, attempts int) *Result {
	nfree := len(obj.names)
	npairs := obj.pairs()
	obsStats := 2 * npairs

	r := &Result{
		Model:     spec.Name,
		Minus2LL:  m2ll,
		NFree:     nfree,
		Df:        obsStats - nfree,
		AIC:       m2ll + 2*float64(nfree),
		BIC:       m2ll + float64(nfree)*math.Log(float64(npairs)),
		Converged: true,
		Status:    status,
		Attempts:  attempts,
		Estimates: obj.estimates(x),
	}

	for g := range obj.cohorts {
		roles := spec.Roles[g]
		r.Correlations[g] = Correlation{
			Group: obj.cohorts[g].Group,
			R: impliedCorrelation(
				r.Estimates[roles.Cov],
				r.Estimates[roles.Var[0]],
				r.Estimates[roles.Var[1]],
			),
		}
	}
	return r
}

// failedResult packages what is known about a fit that never converged.
func (f *Fitter) failedResult(spec *twinmodel.Spec, obj *objective, status string, attempts int) *Result {
	nfree := len(obj.names)
	return &Result{
		Model:     spec.Name,
		Minus2LL:  math.NaN(),
		NFree:     nfree,
		Df:        2*obj.pairs() - nfree,
		AIC:       math.NaN(),
		BIC:       math.NaN(),
		Converged: false,
		Status:    status,
		Attempts:  attempts,
		Estimates: obj.estimates(obj.start),
		Correlations: [2]Correlation{
			{Group: obj.cohorts[0].Group, R: math.NaN()},
			{Group: obj.cohorts[1].Group, R: math.NaN()},
		},
	}
}
