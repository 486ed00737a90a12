package fit

import (
	"fmt"
	"math"
)

// Interval is a two-sided confidence interval.
type Interval struct {
	Lower float64
	Upper float64
}

// Correlation is the implied within-pair correlation of one cohort,
// computed algebraically from the fitted covariance structure. It is a
// derived output, never a free parameter.
type Correlation struct {
	Group string
	R     float64
	SE    float64
	CI    Interval
	HasCI bool
}

// Result is the outcome of optimizing one model spec. It is owned by the
// spec that produced it and never mutated after creation.
type Result struct {
	Model    string
	Minus2LL float64
	NFree    int

	// Df is observed statistics (two values per pair) minus free
	// parameters.
	Df int

	AIC float64
	BIC float64

	Converged bool
	Status    string
	Attempts  int

	// Estimates maps every parameter name, free and fixed, to its value.
	Estimates map[string]float64

	// StdErr and CI are present only when interval computation was
	// requested and the Hessian was usable.
	StdErr map[string]float64
	CI     map[string]Interval

	// Correlations holds the implied within-pair correlation per cohort.
	Correlations [2]Correlation
}

// LogLik returns the log-likelihood.
func (r *Result) LogLik() float64 {
	return -r.Minus2LL / 2
}

// Usable reports whether the result can anchor downstream comparisons.
func (r *Result) Usable() bool {
	return r != nil && r.Converged
}

// OptimizationError reports non-convergence after the configured attempt
// budget. It is recoverable: the phenotype's comparisons that depend on the
// failed fit are skipped.
type OptimizationError struct {
	Model  string
	Status string
}

func (e *OptimizationError) Error() string {
	return fmt.Sprintf("model %s did not converge: %s", e.Model, e.Status)
}

// impliedCorrelation computes cov / sqrt(v1*v2); once the member variances
// are aliased this reduces to covariance over variance.
func impliedCorrelation(cov, v1, v2 float64) float64 {
	d := v1 * v2
	if d <= 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(d)
}
