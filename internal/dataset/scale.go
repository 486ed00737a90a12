package dataset

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// grandScale standardizes each variable (phenotype and every covariate) by
// the mean and standard deviation computed with both pair members pooled
// into a single distribution, across both cohorts. Per-member scaling would
// break between-member comparability.
func grandScale(ext *Extract) {
	nvar := 1 + len(ext.Covariates)

	for v := 0; v < nvar; v++ {
		var pooled []float64
		for _, c := range ext.Cohorts {
			for _, p := range c.Pairs {
				for m := 0; m < 2; m++ {
					pooled = append(pooled, value(p, v, m))
				}
			}
		}
		mean, sd := stat.MeanStdDev(pooled, nil)
		if sd == 0 || math.IsNaN(sd) {
			// A constant column cannot be standardized; leave it as is.
			continue
		}
		for _, c := range ext.Cohorts {
			for i := range c.Pairs {
				for m := 0; m < 2; m++ {
					setValue(&c.Pairs[i], v, m, (value(c.Pairs[i], v, m)-mean)/sd)
				}
			}
		}
	}
}

// value addresses variable v (0 = phenotype, 1.. = covariates) of member m.
func value(p Pair, v, m int) float64 {
	if v == 0 {
		return p.Y[m]
	}
	return p.Covs[v-1][m]
}

func setValue(p *Pair, v, m int, x float64) {
	if v == 0 {
		p.Y[m] = x
		return
	}
	p.Covs[v-1][m] = x
}

// CohortMoments holds the sample statistics of one cohort's phenotype used
// as optimizer starting values: per-member means and variances and the
// within-pair covariance.
type CohortMoments struct {
	Mean [2]float64
	Var  [2]float64
	Cov  float64
}

// Moments computes the cohort's phenotype sample moments.
func (c *Cohort) Moments() CohortMoments {
	n := len(c.Pairs)
	var mom CohortMoments
	if n == 0 {
		mom.Var = [2]float64{1, 1}
		return mom
	}

	y := [2][]float64{make([]float64, n), make([]float64, n)}
	for i, p := range c.Pairs {
		y[0][i] = p.Y[0]
		y[1][i] = p.Y[1]
	}
	for m := 0; m < 2; m++ {
		mom.Mean[m], mom.Var[m] = stat.MeanVariance(y[m], nil)
	}
	mom.Cov = stat.Covariance(y[0], y[1], nil)
	return mom
}

// MemberStats is a descriptive-statistics row for one member column of one
// cohort, reported in the per-phenotype text log.
type MemberStats struct {
	Group  string
	Member int
	N      int
	Mean   float64
	SD     float64
	Min    float64
	Max    float64
}

// Describe produces descriptive statistics for both members of both
// cohorts.
func (e *Extract) Describe() []MemberStats {
	var out []MemberStats
	for _, c := range e.Cohorts {
		for m := 0; m < 2; m++ {
			vals := make([]float64, len(c.Pairs))
			for i, p := range c.Pairs {
				vals[i] = p.Y[m]
			}
			st := MemberStats{Group: c.Group, Member: m + 1, N: len(vals)}
			if len(vals) > 0 {
				var sd float64
				st.Mean, sd = stat.MeanStdDev(vals, nil)
				if !math.IsNaN(sd) {
					st.SD = sd
				}
				st.Min = floats.Min(vals)
				st.Max = floats.Max(vals)
			}
			out = append(out, st)
		}
	}
	return out
}
