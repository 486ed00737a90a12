// Package twinmodel builds the tree of nested variance/covariance model
// specifications fitted to twin-pair data. Each cohort contributes two
// member means, two member variances and one within-pair covariance;
// covariate regression coefficients on the means are shared across cohorts.
// Derived specs tighten equality constraints by parameter aliasing and are
// immutable once created.
package twinmodel

import (
	"fmt"
	"math"
)

// Model names along the derivation chain.
const (
	NameSaturated      = "saturated"
	NameEqualMeans     = "equal_means"
	NameEqualVariances = "equal_variances"
	NameEqualGroups    = "equal_groups"
)

// DropName returns the name of the variant with one covariate removed.
func DropName(covariate string) string {
	return "drop_" + covariate
}

// CohortRoles maps the structural roles of one cohort onto parameter names.
// After aliasing, several roles may point at the same name.
type CohortRoles struct {
	Mean [2]string
	Var  [2]string
	Cov  string
}

// Moments carries per-cohort sample statistics used as default starting
// values for the saturated model.
type Moments struct {
	Mean [2]float64
	Var  [2]float64
	Cov  float64
}

// Bounds holds box constraints applied to the covariance-structure
// parameters. The positive-definiteness of each cohort's covariance matrix
// is enforced separately by the fitting objective; these bounds exist on
// top of that for users who standardize their variables.
type Bounds struct {
	// VarFloor is the lower bound for the variance parameters.
	VarFloor float64
	// CovFloor is the lower bound for the within-pair covariance
	// parameters. On unit-variance data a value just above -1 bounds the
	// implied correlation.
	CovFloor float64
}

// DefaultBounds returns the bounds used when the configuration supplies
// none.
func DefaultBounds() Bounds {
	return Bounds{VarFloor: 1e-4, CovFloor: -0.99}
}

// Config assembles everything needed to construct a saturated model.
type Config struct {
	// Groups names the two cohorts, in order (first, second expected
	// value of the zygosity column).
	Groups [2]string
	// Covariates are the base names of the mean-model regressors.
	Covariates []string
	// Moments provide starting values per cohort.
	Moments [2]Moments
	// Bounds for variance and covariance parameters.
	Bounds Bounds
	// Starts optionally overrides starting values by parameter name.
	Starts map[string]float64
}

// Spec is one node in the model derivation tree: an ordered parameter set
// plus the role bindings that tie parameters to the data. Specs are
// immutable; derivations return new nodes referencing the receiver as
// parent.
type Spec struct {
	Name       string
	Parent     *Spec
	Groups     [2]string
	Covariates []string
	Roles      [2]CohortRoles

	// betas[i] is the parameter name of the coefficient for Covariates[i].
	betas []string

	ps *paramSet
}

// Saturated builds the root of the derivation tree: per cohort two free
// means and variances and a free within-pair covariance, plus one free
// regression coefficient per covariate shared across cohorts and members.
func Saturated(cfg Config) *Spec {
	ps := newParamSet()
	var roles [2]CohortRoles

	start := func(name, fallback string, v float64) float64 {
		if s, ok := cfg.Starts[name]; ok {
			return s
		}
		if s, ok := cfg.Starts[fallback]; ok {
			return s
		}
		return v
	}

	for g, group := range cfg.Groups {
		mom := cfg.Moments[g]
		for m := 0; m < 2; m++ {
			name := fmt.Sprintf("m%s%d", group, m+1)
			ps.add(unbounded(name, start(name, "mean", mom.Mean[m]), true))
			roles[g].Mean[m] = name
		}
		for m := 0; m < 2; m++ {
			name := fmt.Sprintf("v%s%d", group, m+1)
			ps.add(Param{
				Name:  name,
				Value: start(name, "variance", mom.Var[m]),
				Free:  true,
				Lower: cfg.Bounds.VarFloor,
				Upper: math.Inf(1),
			})
			roles[g].Var[m] = name
		}
		name := "cov" + group
		ps.add(Param{
			Name:  name,
			Value: start(name, "covariance", mom.Cov),
			Free:  true,
			Lower: cfg.Bounds.CovFloor,
			Upper: math.Inf(1),
		})
		roles[g].Cov = name
	}

	betas := make([]string, len(cfg.Covariates))
	for i, cv := range cfg.Covariates {
		name := "b" + cv
		ps.add(unbounded(name, start(name, "beta", 0), true))
		betas[i] = name
	}

	return &Spec{
		Name:       NameSaturated,
		Groups:     cfg.Groups,
		Covariates: cfg.Covariates,
		Roles:      roles,
		betas:      betas,
		ps:         ps,
	}
}

// Params returns a copy of the ordered parameter list.
func (s *Spec) Params() []Param {
	out := make([]Param, len(s.ps.params))
	copy(out, s.ps.params)
	return out
}

// Param looks up a parameter by logical name.
func (s *Spec) Param(name string) (Param, bool) {
	return s.ps.get(name)
}

// Beta returns the coefficient parameter for the i-th covariate.
func (s *Spec) Beta(i int) Param {
	p, ok := s.ps.get(s.betas[i])
	if !ok {
		panic(fmt.Sprintf("twinmodel: missing beta parameter %q", s.betas[i]))
	}
	return p
}

// FreeCount returns the number of free parameters.
func (s *Spec) FreeCount() int {
	n := 0
	for _, p := range s.ps.params {
		if p.Free {
			n++
		}
	}
	return n
}

// FreeNames returns the names of the free parameters, in order.
func (s *Spec) FreeNames() []string {
	var out []string
	for _, p := range s.ps.params {
		if p.Free {
			out = append(out, p.Name)
		}
	}
	return out
}

// Updated returns a copy of the spec whose free-parameter starting values
// are replaced from the given estimates (typically the parent's fit).
// Names absent from estimates keep their current value.
func (s *Spec) Updated(estimates map[string]float64) *Spec {
	out := *s
	out.ps = s.ps.clone()
	for i, p := range out.ps.params {
		if !p.Free {
			continue
		}
		if v, ok := estimates[p.Name]; ok {
			out.ps.params[i].Value = v
		}
	}
	return &out
}

// derive clones the receiver into a child node.
func (s *Spec) derive(name string) *Spec {
	out := *s
	out.Name = name
	out.Parent = s
	out.ps = s.ps.clone()
	out.betas = append([]string(nil), s.betas...)
	return &out
}

// EqualMeans aliases the two member means within each cohort to a single
// parameter. Across-group equality is untouched.
func (s *Spec) EqualMeans() *Spec {
	out := s.derive(NameEqualMeans)
	for g, group := range s.Groups {
		merged := "m" + group
		out.ps = out.ps.merge(merged, s.Roles[g].Mean[0], s.Roles[g].Mean[1])
		out.Roles[g].Mean = [2]string{merged, merged}
	}
	return out
}

// EqualVariances additionally aliases the two member variances within each
// cohort.
func (s *Spec) EqualVariances() *Spec {
	out := s.derive(NameEqualVariances)
	for g, group := range s.Groups {
		merged := "v" + group
		out.ps = out.ps.merge(merged, s.Roles[g].Var[0], s.Roles[g].Var[1])
		out.Roles[g].Var = [2]string{merged, merged}
	}
	return out
}

// EqualGroups additionally aliases the (by now single) mean, variance and
// within-pair covariance parameters across the two cohorts. The implied
// per-cohort correlations remain computable from any fit as covariance over
// variance; they are derived outputs, never free parameters.
func (s *Spec) EqualGroups() *Spec {
	for g := range s.Groups {
		if s.Roles[g].Mean[0] != s.Roles[g].Mean[1] || s.Roles[g].Var[0] != s.Roles[g].Var[1] {
			panic("twinmodel: EqualGroups requires within-cohort means and variances already aliased")
		}
	}
	out := s.derive(NameEqualGroups)
	out.ps = out.ps.merge("m", s.Roles[0].Mean[0], s.Roles[1].Mean[0])
	out.ps = out.ps.merge("v", s.Roles[0].Var[0], s.Roles[1].Var[0])
	out.ps = out.ps.merge("cov", s.Roles[0].Cov, s.Roles[1].Cov)
	for g := range out.Roles {
		out.Roles[g].Mean = [2]string{"m", "m"}
		out.Roles[g].Var = [2]string{"v", "v"}
		out.Roles[g].Cov = "cov"
	}
	return out
}

// DropCovariate derives a model identical to the receiver with the named
// covariate's regression coefficient fixed at zero.
func (s *Spec) DropCovariate(covariate string) *Spec {
	idx := -1
	for i, cv := range s.Covariates {
		if cv == covariate {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("twinmodel: unknown covariate %q", covariate))
	}
	out := s.derive(DropName(covariate))
	out.ps = out.ps.fix(s.betas[idx], 0)
	return out
}
