package twinmodel

import (
	"fmt"
	"math"
)

// Param is one named model parameter. A parameter is either free (estimated
// by the optimizer, starting from Value) or fixed (held at Value).
type Param struct {
	Name  string
	Value float64
	Free  bool
	Lower float64
	Upper float64
}

// unbounded returns a Param with no box constraints.
func unbounded(name string, value float64, free bool) Param {
	return Param{
		Name:  name,
		Value: value,
		Free:  free,
		Lower: math.Inf(-1),
		Upper: math.Inf(1),
	}
}

// paramSet is an ordered collection of parameters with name lookup.
// Constraint application works by aliasing: merging two or more logical
// names into a single shared parameter.
type paramSet struct {
	params []Param
	index  map[string]int
}

func newParamSet() *paramSet {
	return &paramSet{index: make(map[string]int)}
}

func (ps *paramSet) add(p Param) {
	if _, ok := ps.index[p.Name]; ok {
		panic(fmt.Sprintf("twinmodel: duplicate parameter %q", p.Name))
	}
	ps.index[p.Name] = len(ps.params)
	ps.params = append(ps.params, p)
}

func (ps *paramSet) get(name string) (Param, bool) {
	i, ok := ps.index[name]
	if !ok {
		return Param{}, false
	}
	return ps.params[i], true
}

// clone deep-copies the set; derived specs never share backing storage
// with their parent.
func (ps *paramSet) clone() *paramSet {
	out := newParamSet()
	for _, p := range ps.params {
		out.add(p)
	}
	return out
}

// merge removes the named parameters and introduces a single replacement
// whose starting value is the mean of the removed free values and whose
// bounds are the tightest of the removed bounds. All removed names must
// exist and be free.
func (ps *paramSet) merge(newName string, names ...string) *paramSet {
	if len(names) < 2 {
		panic("twinmodel: merge needs at least two parameters")
	}
	drop := make(map[string]bool, len(names))
	var sum, lower, upper float64
	lower = math.Inf(-1)
	upper = math.Inf(1)
	for _, na := range names {
		p, ok := ps.get(na)
		if !ok {
			panic(fmt.Sprintf("twinmodel: merge of unknown parameter %q", na))
		}
		if !p.Free {
			panic(fmt.Sprintf("twinmodel: merge of fixed parameter %q", na))
		}
		drop[na] = true
		sum += p.Value
		lower = math.Max(lower, p.Lower)
		upper = math.Min(upper, p.Upper)
	}

	out := newParamSet()
	inserted := false
	for _, p := range ps.params {
		if !drop[p.Name] {
			out.add(p)
			continue
		}
		// The merged parameter takes the slot of the first member it
		// replaces so the overall ordering stays stable.
		if !inserted {
			out.add(Param{
				Name:  newName,
				Value: sum / float64(len(names)),
				Free:  true,
				Lower: lower,
				Upper: upper,
			})
			inserted = true
		}
	}
	return out
}

// fix replaces a free parameter with a fixed one held at the given value.
func (ps *paramSet) fix(name string, value float64) *paramSet {
	if _, ok := ps.get(name); !ok {
		panic(fmt.Sprintf("twinmodel: fix of unknown parameter %q", name))
	}
	out := newParamSet()
	for _, p := range ps.params {
		if p.Name == name {
			p.Free = false
			p.Value = value
		}
		out.add(p)
	}
	return out
}
