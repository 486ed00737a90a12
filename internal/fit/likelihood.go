package fit

import (
	"math"

	"github.com/twinstats/twinfit/internal/dataset"
	"github.com/twinstats/twinfit/internal/twinmodel"
)

const (
	// ln(2*pi)
	log2pi = 1.8378770664093453

	// detFloor keeps each cohort covariance matrix away from singularity.
	detFloor = 1e-8
)

// objective evaluates the -2 log-likelihood of a model spec against two
// cohorts of twin pairs. Box-bound and positive-definiteness violations are
// handled by evaluating at the nearest admissible point plus a quadratic
// penalty, which keeps the function finite everywhere the optimizer may
// step.
type objective struct {
	spec    *twinmodel.Spec
	cohorts [2]*dataset.Cohort

	// Free parameter layout, in spec order.
	names []string
	index map[string]int
	lower []float64
	upper []float64
	start []float64

	// Fixed parameter values by name.
	fixed map[string]float64

	penWeight float64
}

func newObjective(spec *twinmodel.Spec, cohorts [2]*dataset.Cohort) *objective {
	o := &objective{
		spec:    spec,
		cohorts: cohorts,
		index:   make(map[string]int),
		fixed:   make(map[string]float64),
	}
	for _, p := range spec.Params() {
		if !p.Free {
			o.fixed[p.Name] = p.Value
			continue
		}
		o.index[p.Name] = len(o.names)
		o.names = append(o.names, p.Name)
		o.lower = append(o.lower, p.Lower)
		o.upper = append(o.upper, p.Upper)
		o.start = append(o.start, p.Value)
	}
	n := len(cohorts[0].Pairs) + len(cohorts[1].Pairs)
	o.penWeight = 1e3 * float64(n)
	return o
}

// pairs returns the total pair count across both cohorts.
func (o *objective) pairs() int {
	return len(o.cohorts[0].Pairs) + len(o.cohorts[1].Pairs)
}

// at resolves a logical parameter name against the candidate point.
func (o *objective) at(x []float64, name string) float64 {
	if i, ok := o.index[name]; ok {
		return x[i]
	}
	return o.fixed[name]
}

// value is the penalized -2 log-likelihood at x.
func (o *objective) value(x []float64) float64 {
	pen := 0.0
	xc := make([]float64, len(x))
	for i, v := range x {
		if v < o.lower[i] {
			d := o.lower[i] - v
			pen += o.penWeight * d * d
			v = o.lower[i]
		} else if v > o.upper[i] {
			d := v - o.upper[i]
			pen += o.penWeight * d * d
			v = o.upper[i]
		}
		xc[i] = v
	}

	nbeta := len(o.spec.Covariates)
	betas := make([]float64, nbeta)
	for i := 0; i < nbeta; i++ {
		betas[i] = o.at(xc, o.spec.Beta(i).Name)
	}

	m2ll := 0.0
	for g, cohort := range o.cohorts {
		roles := o.spec.Roles[g]
		m1 := o.at(xc, roles.Mean[0])
		m2 := o.at(xc, roles.Mean[1])
		v1 := o.at(xc, roles.Var[0])
		v2 := o.at(xc, roles.Var[1])
		c := o.at(xc, roles.Cov)

		det := v1*v2 - c*c
		if det < detFloor {
			d := detFloor - det
			pen += o.penWeight * d * d
			det = detFloor
		}
		logDet := math.Log(det)

		for _, p := range cohort.Pairs {
			r1 := p.Y[0] - m1
			r2 := p.Y[1] - m2
			for k := 0; k < nbeta; k++ {
				r1 -= betas[k] * p.Covs[k][0]
				r2 -= betas[k] * p.Covs[k][1]
			}
			quad := (r1*r1*v2 - 2*r1*r2*c + r2*r2*v1) / det
			m2ll += 2*log2pi + logDet + quad
		}
	}

	return m2ll + pen
}

// estimates maps every parameter name (free and fixed) to its value at x.
func (o *objective) estimates(x []float64) map[string]float64 {
	out := make(map[string]float64, len(o.names)+len(o.fixed))
	for i, na := range o.names {
		out[na] = x[i]
	}
	for na, v := range o.fixed {
		out[na] = v
	}
	return out
}
