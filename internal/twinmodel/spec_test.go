package twinmodel

import (
	"math"
	"testing"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func testConfig() Config {
	return Config{
		Groups:     [2]string{"MZ", "DZ"},
		Covariates: []string{"age", "sex"},
		Moments: [2]Moments{
			{Mean: [2]float64{0.1, 0.2}, Var: [2]float64{1.1, 1.2}, Cov: 0.9},
			{Mean: [2]float64{0.3, 0.4}, Var: [2]float64{1.3, 1.4}, Cov: 0.5},
		},
		Bounds: DefaultBounds(),
	}
}

func TestSaturatedLayout(t *testing.T) {
	s := Saturated(testConfig())

	// 5 covariance-structure parameters per cohort plus one beta per
	// covariate, all free.
	wantFree := 2*5 + 2
	if got := s.FreeCount(); got != wantFree {
		t.Fatalf("FreeCount() = %d, want %d", got, wantFree)
	}
	if len(s.Params()) != wantFree {
		t.Fatalf("Params() has %d entries, want %d", len(s.Params()), wantFree)
	}

	p, ok := s.Param("mMZ2")
	if !ok {
		t.Fatal("parameter mMZ2 not found")
	}
	if !almostEqual(p.Value, 0.2, 1e-12) {
		t.Errorf("mMZ2 start = %v, want 0.2", p.Value)
	}

	p, ok = s.Param("vDZ1")
	if !ok {
		t.Fatal("parameter vDZ1 not found")
	}
	if !almostEqual(p.Value, 1.3, 1e-12) {
		t.Errorf("vDZ1 start = %v, want 1.3", p.Value)
	}
	if p.Lower != 1e-4 {
		t.Errorf("vDZ1 lower bound = %v, want 1e-4", p.Lower)
	}

	if got := s.Beta(1).Name; got != "bsex" {
		t.Errorf("Beta(1).Name = %q, want %q", got, "bsex")
	}
	if s.Beta(0).Value != 0 {
		t.Errorf("beta start = %v, want 0", s.Beta(0).Value)
	}
}

func TestSaturatedStartOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.Starts = map[string]float64{
		"mMZ1":     5,   // exact name wins
		"variance": 2.5, // fallback by role
	}
	s := Saturated(cfg)

	if p, _ := s.Param("mMZ1"); !almostEqual(p.Value, 5, 1e-12) {
		t.Errorf("mMZ1 start = %v, want 5", p.Value)
	}
	// Other means keep the moment-based default.
	if p, _ := s.Param("mMZ2"); !almostEqual(p.Value, 0.2, 1e-12) {
		t.Errorf("mMZ2 start = %v, want 0.2", p.Value)
	}
	for _, name := range []string{"vMZ1", "vMZ2", "vDZ1", "vDZ2"} {
		if p, _ := s.Param(name); !almostEqual(p.Value, 2.5, 1e-12) {
			t.Errorf("%s start = %v, want 2.5", name, p.Value)
		}
	}
}

func TestChainFreeCountsDecrease(t *testing.T) {
	sat := Saturated(testConfig())
	em := sat.EqualMeans()
	ev := em.EqualVariances()
	eg := ev.EqualGroups()

	counts := []struct {
		name string
		got  int
		want int
	}{
		{NameSaturated, sat.FreeCount(), 12},
		{NameEqualMeans, em.FreeCount(), 10},
		{NameEqualVariances, ev.FreeCount(), 8},
		{NameEqualGroups, eg.FreeCount(), 5},
	}
	for _, c := range counts {
		if c.got != c.want {
			t.Errorf("%s free count = %d, want %d", c.name, c.got, c.want)
		}
	}

	// Every derivation must strictly reduce the free count.
	for i := 1; i < len(counts); i++ {
		if counts[i].got >= counts[i-1].got {
			t.Errorf("%s (%d free) does not constrain %s (%d free)",
				counts[i].name, counts[i].got, counts[i-1].name, counts[i-1].got)
		}
	}
}

func TestEqualMeansAliasing(t *testing.T) {
	s := Saturated(testConfig()).EqualMeans()

	for g, group := range s.Groups {
		want := "m" + group
		if s.Roles[g].Mean[0] != want || s.Roles[g].Mean[1] != want {
			t.Errorf("cohort %s means = %v, want both %q", group, s.Roles[g].Mean, want)
		}
	}

	// Merged start is the mean of the member starts.
	p, ok := s.Param("mMZ")
	if !ok {
		t.Fatal("merged parameter mMZ not found")
	}
	if !almostEqual(p.Value, 0.15, 1e-12) {
		t.Errorf("mMZ start = %v, want 0.15", p.Value)
	}

	// Variances untouched at this level.
	if _, ok := s.Param("vMZ1"); !ok {
		t.Error("vMZ1 should survive EqualMeans")
	}
}

func TestEqualGroupsAliasing(t *testing.T) {
	eg := Saturated(testConfig()).EqualMeans().EqualVariances().EqualGroups()

	for g := range eg.Roles {
		if eg.Roles[g].Mean != [2]string{"m", "m"} {
			t.Errorf("cohort %d means = %v, want m/m", g, eg.Roles[g].Mean)
		}
		if eg.Roles[g].Var != [2]string{"v", "v"} {
			t.Errorf("cohort %d vars = %v, want v/v", g, eg.Roles[g].Var)
		}
		if eg.Roles[g].Cov != "cov" {
			t.Errorf("cohort %d cov = %q, want cov", g, eg.Roles[g].Cov)
		}
	}

	// Betas survive all structural aliasing.
	if eg.Beta(0).Name != "bage" || !eg.Beta(0).Free {
		t.Errorf("bage should remain a free parameter, got %+v", eg.Beta(0))
	}
}

func TestEqualGroupsRequiresAliasedMembers(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("EqualGroups on the saturated model should panic")
		}
	}()
	Saturated(testConfig()).EqualGroups()
}

func TestDropCovariate(t *testing.T) {
	eg := Saturated(testConfig()).EqualMeans().EqualVariances().EqualGroups()
	d := eg.DropCovariate("sex")

	if d.Name != "drop_sex" {
		t.Errorf("Name = %q, want drop_sex", d.Name)
	}
	if d.Parent != eg {
		t.Error("Parent should be the receiving spec")
	}
	if d.FreeCount() != eg.FreeCount()-1 {
		t.Errorf("free count = %d, want %d", d.FreeCount(), eg.FreeCount()-1)
	}

	b := d.Beta(1)
	if b.Free {
		t.Error("dropped beta should be fixed")
	}
	if b.Value != 0 {
		t.Errorf("dropped beta value = %v, want 0", b.Value)
	}

	// The receiver is immutable.
	if !eg.Beta(1).Free {
		t.Error("DropCovariate mutated its receiver")
	}
}

func TestDropCovariateUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("dropping an unknown covariate should panic")
		}
	}()
	Saturated(testConfig()).DropCovariate("height")
}

func TestUpdatedSeedsFreeValuesOnly(t *testing.T) {
	s := Saturated(testConfig()).EqualMeans()
	up := s.Updated(map[string]float64{
		"mMZ":  9.0,
		"vDZ2": 7.0,
		"mMZ1": 3.0, // no longer exists; ignored
	})

	if p, _ := up.Param("mMZ"); !almostEqual(p.Value, 9, 1e-12) {
		t.Errorf("updated mMZ = %v, want 9", p.Value)
	}
	if p, _ := up.Param("vDZ2"); !almostEqual(p.Value, 7, 1e-12) {
		t.Errorf("updated vDZ2 = %v, want 7", p.Value)
	}
	// Untouched names keep their starts, and the receiver is unchanged.
	if p, _ := up.Param("covMZ"); !almostEqual(p.Value, 0.9, 1e-12) {
		t.Errorf("updated covMZ = %v, want 0.9", p.Value)
	}
	if p, _ := s.Param("mMZ"); !almostEqual(p.Value, 0.15, 1e-12) {
		t.Errorf("Updated mutated its receiver: mMZ = %v", p.Value)
	}
}

func TestMergeKeepsOrderAndTightensBounds(t *testing.T) {
	ps := newParamSet()
	ps.add(Param{Name: "a", Value: 1, Free: true, Lower: math.Inf(-1), Upper: 10})
	ps.add(Param{Name: "b", Value: 3, Free: true, Lower: 0, Upper: math.Inf(1)})
	ps.add(Param{Name: "c", Value: 5, Free: true, Lower: math.Inf(-1), Upper: math.Inf(1)})

	out := ps.merge("ab", "a", "b")
	if len(out.params) != 2 {
		t.Fatalf("merged set has %d parameters, want 2", len(out.params))
	}
	// Replacement takes the first member's slot.
	if out.params[0].Name != "ab" || out.params[1].Name != "c" {
		t.Fatalf("order = [%s %s], want [ab c]", out.params[0].Name, out.params[1].Name)
	}
	m := out.params[0]
	if !almostEqual(m.Value, 2, 1e-12) {
		t.Errorf("merged start = %v, want 2", m.Value)
	}
	if m.Lower != 0 || m.Upper != 10 {
		t.Errorf("merged bounds = [%v, %v], want [0, 10]", m.Lower, m.Upper)
	}
}
