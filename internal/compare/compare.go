// Package compare performs nested likelihood-ratio tests between a
// reference fit and a set of constrained candidate fits.
package compare

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/twinstats/twinfit/internal/fit"
)

// Comparison is the likelihood-ratio outcome for one candidate against the
// reference. P is NaN when the degrees-of-freedom difference is zero: no
// valid chi-square test exists there.
type Comparison struct {
	Model string
	Base  string

	Minus2LL float64
	Df       int
	AIC      float64
	BIC      float64

	DeltaMinus2LL float64
	DeltaDf       int
	P             float64
	DeltaAIC      float64
	DeltaBIC      float64
}

// Significant reports whether the test rejects at the given alpha. A NaN
// p-value never rejects.
func (c Comparison) Significant(alpha float64) bool {
	return !math.IsNaN(c.P) && c.P < alpha
}

// Compare tests each candidate against the single reference (star
// topology). Candidates whose fit is absent or unconverged are omitted, not
// zero-filled; the remaining rows keep the supplied order. Candidates must
// be nested in the reference: a negative df difference is an error.
func Compare(ref *fit.Result, candidates []*fit.Result) ([]Comparison, error) {
	if !ref.Usable() {
		return nil, fmt.Errorf("reference fit is unavailable")
	}

	var out []Comparison
	for _, cand := range candidates {
		if !cand.Usable() {
			continue
		}

		deltaDf := cand.Df - ref.Df
		if deltaDf < 0 {
			return nil, fmt.Errorf("model %s is not nested in %s: degrees of freedom decreased by %d",
				cand.Model, ref.Model, -deltaDf)
		}

		// In theory the constrained -2LL is never below the reference's,
		// but floating point can produce a tiny negative delta.
		delta := cand.Minus2LL - ref.Minus2LL
		if delta < 0 {
			delta = 0
		}

		p := math.NaN()
		if deltaDf > 0 {
			chi2 := distuv.ChiSquared{K: float64(deltaDf)}
			p = chi2.Survival(delta)
			if p < 0 {
				p = 0
			}
			if p > 1 {
				p = 1
			}
		}

		out = append(out, Comparison{
			Model:         cand.Model,
			Base:          ref.Model,
			Minus2LL:      cand.Minus2LL,
			Df:            cand.Df,
			AIC:           cand.AIC,
			BIC:           cand.BIC,
			DeltaMinus2LL: delta,
			DeltaDf:       deltaDf,
			P:             p,
			DeltaAIC:      cand.AIC - ref.AIC,
			DeltaBIC:      cand.BIC - ref.BIC,
		})
	}

	return out, nil
}
