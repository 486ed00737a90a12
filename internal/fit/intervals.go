package fit

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// intervals fills standard errors and Wald confidence intervals from a
// finite-difference Hessian of the -2LL at the optimum, plus delta-method
// intervals for the implied correlations. A Hessian that is not positive
// definite leaves the result without intervals; the point estimates stand.
func (f *Fitter) intervals(obj *objective, x []float64, r *Result) {
	n := len(x)
	hess := mat.NewSymDense(n, nil)
	fd.Hessian(hess, obj.value, x, nil)

	var chol mat.Cholesky
	if !chol.Factorize(hess) {
		if f.Log != nil {
			f.Log.Printf("model %s: Hessian not positive definite, intervals skipped", r.Model)
		}
		return
	}
	var hinv mat.SymDense
	if err := chol.InverseTo(&hinv); err != nil {
		if f.Log != nil {
			f.Log.Printf("model %s: Hessian inversion failed, intervals skipped: %v", r.Model, err)
		}
		return
	}

	// The objective is -2 log L, so the parameter covariance is twice the
	// inverse Hessian.
	vcov := func(i, j int) float64 { return 2 * hinv.At(i, j) }

	level := f.Level
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(0.5 + level/2)

	r.StdErr = make(map[string]float64, n)
	r.CI = make(map[string]Interval, n)
	for i, na := range obj.names {
		v := vcov(i, i)
		if v < 0 {
			continue
		}
		se := math.Sqrt(v)
		est := r.Estimates[na]
		r.StdErr[na] = se
		r.CI[na] = Interval{Lower: est - z*se, Upper: est + z*se}
	}

	// Delta method for r = c / sqrt(v1*v2):
	//   dr/dc = 1/sqrt(v1*v2), dr/dv1 = -r/(2 v1), dr/dv2 = -r/(2 v2).
	// Contributions accumulate by free-parameter index, so aliased
	// variance roles combine naturally.
	for g := range r.Correlations {
		roles := obj.spec.Roles[g]
		v1 := r.Estimates[roles.Var[0]]
		v2 := r.Estimates[roles.Var[1]]
		rr := r.Correlations[g].R
		if math.IsNaN(rr) || v1 <= 0 || v2 <= 0 {
			continue
		}

		grad := make([]float64, n)
		add := func(name string, w float64) {
			if i, ok := obj.index[name]; ok {
				grad[i] += w
			}
		}
		add(roles.Cov, 1/math.Sqrt(v1*v2))
		add(roles.Var[0], -rr/(2*v1))
		add(roles.Var[1], -rr/(2*v2))

		variance := 0.0
		for i := 0; i < n; i++ {
			if grad[i] == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				if grad[j] == 0 {
					continue
				}
				variance += grad[i] * vcov(i, j) * grad[j]
			}
		}
		if variance < 0 {
			continue
		}
		se := math.Sqrt(variance)
		r.Correlations[g].SE = se
		r.Correlations[g].CI = Interval{
			Lower: math.Max(-1, rr-z*se),
			Upper: math.Min(1, rr+z*se),
		}
		r.Correlations[g].HasCI = true
	}
}
