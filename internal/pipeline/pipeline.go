// Package pipeline orchestrates a batch run: for each phenotype, load and
// clean the data, partition by zygosity, build the nested model chain, fit
// each model through the external optimizer, run the likelihood-ratio
// comparisons and persist the reports. Per-phenotype failures warn and the
// batch continues; only configuration problems abort.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/twinstats/twinfit/internal/compare"
	"github.com/twinstats/twinfit/internal/config"
	"github.com/twinstats/twinfit/internal/dataset"
	"github.com/twinstats/twinfit/internal/fit"
	"github.com/twinstats/twinfit/internal/report"
	"github.com/twinstats/twinfit/internal/twinmodel"
)

// Status classifies how one phenotype ended up.
type Status string

const (
	StatusAnalyzed Status = "analyzed"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Outcome records one phenotype's fate for the end-of-run summary.
type Outcome struct {
	Phenotype string
	Status    Status
	Reason    string
}

// Run is the per-run context: configuration, logger, writer and accumulated
// outcomes. Create it with New at run start; no state survives it.
type Run struct {
	cfg    *config.Config
	log    *log.Logger
	writer *report.Writer
	fitter *fit.Fitter

	// Progress, when set, is invoked after each phenotype completes.
	Progress func(phenotype string)

	Outcomes []Outcome
}

// New builds the run context and creates the output directory.
func New(cfg *config.Config, logger *log.Logger) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if err := os.MkdirAll(cfg.Output, 0o755); err != nil {
		return nil, &config.Error{Reason: fmt.Sprintf("create output directory %s: %v", cfg.Output, err)}
	}
	return &Run{
		cfg:    cfg,
		log:    logger,
		writer: &report.Writer{Dir: cfg.Output},
		fitter: &fit.Fitter{
			Method:    cfg.Optimizer.Method,
			Attempts:  cfg.Optimizer.Attempts,
			Jitter:    cfg.Optimizer.Jitter,
			Seed:      cfg.Optimizer.Seed,
			Intervals: cfg.Intervals.Enabled,
			Level:     cfg.Intervals.Level,
			Log:       logger,
		},
	}, nil
}

func (r *Run) options() dataset.Options {
	return dataset.Options{
		PairIDColumn: r.cfg.Columns.PairID,
		GroupColumn:  r.cfg.Columns.Group,
		Groups:       r.cfg.GroupPair(),
		Covariates:   r.cfg.Columns.Covariates,
		Scale:        r.cfg.Scale,
		MinPairs:     r.cfg.MinPairs,
	}
}

// Execute runs the batch. The returned error is fatal (configuration
// level); everything recoverable lands in Outcomes and the log.
func (r *Run) Execute() error {
	tbl, err := dataset.Load(r.cfg.Data)
	if err != nil {
		return &config.Error{Reason: err.Error()}
	}

	// Structural columns apply to every phenotype: missing ones are fatal
	// before any work starts.
	if err := tbl.Validate(r.options()); err != nil {
		return &config.Error{Reason: err.Error()}
	}

	r.log.Printf("loaded %s: %d pair rows", r.cfg.Data, tbl.Rows())

	for _, pheno := range r.cfg.Phenotypes {
		out := r.phenotype(tbl, pheno)
		r.Outcomes = append(r.Outcomes, out)
		if r.Progress != nil {
			r.Progress(pheno)
		}
	}

	r.summarize()
	return nil
}

func (r *Run) summarize() {
	var analyzed, skipped, failed int
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusAnalyzed:
			analyzed++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	r.log.Printf("run complete: %d analyzed, %d skipped, %d failed (reports in %s)",
		analyzed, skipped, failed, r.cfg.Output)
}

// phenotype runs one phenotype end to end and never returns an error:
// everything below configuration level is an outcome plus a warning.
func (r *Run) phenotype(tbl *dataset.Table, pheno string) Outcome {
	ext, err := tbl.Extract(pheno, r.options())
	if err != nil {
		var dq *dataset.DataQualityError
		if errors.As(err, &dq) {
			r.log.Printf("warning: skipping phenotype %s: %s", pheno, dq.Reason)
			return Outcome{Phenotype: pheno, Status: StatusSkipped, Reason: dq.Reason}
		}
		r.log.Printf("warning: phenotype %s failed: %v", pheno, err)
		return Outcome{Phenotype: pheno, Status: StatusFailed, Reason: err.Error()}
	}

	if len(ext.StrayGroups) > 0 {
		r.log.Printf("warning: phenotype %s: dropped rows with unexpected %s values: %s",
			pheno, r.cfg.Columns.Group, strayList(ext.StrayGroups))
	}
	if ext.DroppedMissingPhenotype > 0 || ext.DroppedMissingCovariate > 0 {
		r.log.Printf("phenotype %s: dropped %d pair(s) missing phenotype, %d missing covariates",
			pheno, ext.DroppedMissingPhenotype, ext.DroppedMissingCovariate)
	}

	chainFits, dropFits := r.fitChain(ext)

	rep := &report.Phenotype{
		Name:    pheno,
		Extract: ext,
		Fits:    append(append([]*fit.Result{}, chainFits...), dropFits...),
	}

	// Each chain model is tested against its immediate parent.
	for i := 1; i < len(chainFits); i++ {
		parent, child := chainFits[i-1], chainFits[i]
		if !parent.Usable() {
			r.log.Printf("warning: phenotype %s: comparison %s vs %s skipped, parent fit unavailable",
				pheno, child.Model, parent.Model)
			continue
		}
		rows, err := compare.Compare(parent, []*fit.Result{child})
		if err != nil {
			r.log.Printf("warning: phenotype %s: %v", pheno, err)
			continue
		}
		if len(rows) == 0 {
			r.log.Printf("warning: phenotype %s: comparison %s vs %s skipped, fit unavailable",
				pheno, child.Model, parent.Model)
		}
		rep.ModelComparisons = append(rep.ModelComparisons, rows...)
	}

	// Covariate-dropped variants are all tested against equal_groups.
	equalGroups := chainFits[len(chainFits)-1]
	if equalGroups.Usable() {
		rows, err := compare.Compare(equalGroups, dropFits)
		if err != nil {
			r.log.Printf("warning: phenotype %s: %v", pheno, err)
		} else {
			rep.CovariateComparisons = rows
		}
	} else {
		r.log.Printf("warning: phenotype %s: covariate tests skipped, %s fit unavailable",
			pheno, twinmodel.NameEqualGroups)
	}

	if err := r.writer.Write(rep); err != nil {
		// Reporting failures are recoverable: logged, batch continues.
		r.log.Printf("warning: phenotype %s: %v", pheno, err)
		return Outcome{Phenotype: pheno, Status: StatusFailed, Reason: err.Error()}
	}

	return Outcome{Phenotype: pheno, Status: StatusAnalyzed}
}

// fitChain builds and fits saturated → equal_means → equal_variances →
// equal_groups, then the covariate-dropped variants of equal_groups. Each
// child starts from its parent's estimates when the parent converged.
func (r *Run) fitChain(ext *dataset.Extract) (chainFits, dropFits []*fit.Result) {
	sat := twinmodel.Saturated(twinmodel.Config{
		Groups:     r.cfg.GroupPair(),
		Covariates: ext.Covariates,
		Moments:    r.moments(ext),
		Bounds: twinmodel.Bounds{
			VarFloor: r.cfg.Bounds.VarianceFloor,
			CovFloor: r.cfg.Bounds.CovarianceFloor,
		},
		Starts: r.cfg.Starts,
	})

	derive := []func(*twinmodel.Spec) *twinmodel.Spec{
		(*twinmodel.Spec).EqualMeans,
		(*twinmodel.Spec).EqualVariances,
		(*twinmodel.Spec).EqualGroups,
	}

	cur := sat
	chainFits = append(chainFits, r.fitOne(cur, ext))
	for i, d := range derive {
		parentFit := chainFits[i]
		base := cur
		if parentFit.Usable() {
			base = cur.Updated(parentFit.Estimates)
		}
		next := d(base)
		chainFits = append(chainFits, r.fitOne(next, ext))
		cur = next
	}

	equalGroups := cur
	egFit := chainFits[len(chainFits)-1]
	if egFit.Usable() {
		equalGroups = equalGroups.Updated(egFit.Estimates)
	}
	for _, cv := range ext.Covariates {
		dropFits = append(dropFits, r.fitOne(equalGroups.DropCovariate(cv), ext))
	}
	return chainFits, dropFits
}

func (r *Run) fitOne(spec *twinmodel.Spec, ext *dataset.Extract) *fit.Result {
	res, err := r.fitter.Fit(spec, ext.Cohorts)
	if err != nil {
		var oe *fit.OptimizationError
		if errors.As(err, &oe) {
			r.log.Printf("warning: phenotype %s: %v", ext.Phenotype, oe)
			return res
		}
		r.log.Printf("warning: phenotype %s: fitting %s: %v", ext.Phenotype, spec.Name, err)
		if res == nil {
			res = &fit.Result{Model: spec.Name, Status: err.Error()}
		}
		return res
	}
	return res
}

func (r *Run) moments(ext *dataset.Extract) [2]twinmodel.Moments {
	var out [2]twinmodel.Moments
	for g, c := range ext.Cohorts {
		m := c.Moments()
		out[g] = twinmodel.Moments{Mean: m.Mean, Var: m.Var, Cov: m.Cov}
	}
	return out
}

func strayList(stray map[string]int) string {
	keys := make([]string, 0, len(stray))
	for k := range stray {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%q x%d", k, stray[k])
	}
	return strings.Join(parts, ", ")
}
