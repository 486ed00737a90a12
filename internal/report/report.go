// Package report persists per-phenotype analysis output: a descriptive text
// log, a model-comparison CSV and a covariate-test CSV.
package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/twinstats/twinfit/internal/compare"
	"github.com/twinstats/twinfit/internal/dataset"
	"github.com/twinstats/twinfit/internal/fit"
)

// Phenotype collects everything rendered for one phenotype.
type Phenotype struct {
	Name    string
	Extract *dataset.Extract

	// Fits in chain order: saturated first, covariate-dropped variants
	// last. Unconverged fits are included; their status is reported.
	Fits []*fit.Result

	ModelComparisons     []compare.Comparison
	CovariateComparisons []compare.Comparison
}

// Writer persists phenotype reports under a directory.
type Writer struct {
	Dir string
}

// LogPath returns the text-log path for a phenotype.
func (w *Writer) LogPath(phenotype string) string {
	return filepath.Join(w.Dir, phenotype+".log")
}

// ComparisonPath returns the model-comparison CSV path.
func (w *Writer) ComparisonPath(phenotype string) string {
	return filepath.Join(w.Dir, phenotype+"_model_comparison.csv")
}

// CovariatePath returns the covariate-test CSV path.
func (w *Writer) CovariatePath(phenotype string) string {
	return filepath.Join(w.Dir, phenotype+"_covariate_tests.csv")
}

// Write persists the three output files for one phenotype.
func (w *Writer) Write(rep *Phenotype) error {
	if err := w.writeLog(rep); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	if err := writeComparisonCSV(w.ComparisonPath(rep.Name), rep.ModelComparisons); err != nil {
		return fmt.Errorf("write model comparison table: %w", err)
	}
	if err := writeComparisonCSV(w.CovariatePath(rep.Name), rep.CovariateComparisons); err != nil {
		return fmt.Errorf("write covariate test table: %w", err)
	}
	return nil
}

var comparisonHeader = []string{
	"model", "base", "minus2LL", "df", "AIC", "BIC",
	"delta_minus2LL", "delta_df", "delta_AIC", "delta_BIC", "p_value",
}

func writeComparisonCSV(path string, rows []compare.Comparison) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	cw := csv.NewWriter(file)
	defer cw.Flush()

	if err := cw.Write(comparisonHeader); err != nil {
		return err
	}
	for _, row := range rows {
		rec := []string{
			row.Model,
			row.Base,
			formatFloat(row.Minus2LL),
			strconv.Itoa(row.Df),
			formatFloat(row.AIC),
			formatFloat(row.BIC),
			formatFloat(row.DeltaMinus2LL),
			strconv.Itoa(row.DeltaDf),
			formatFloat(row.DeltaAIC),
			formatFloat(row.DeltaBIC),
			formatP(row.P),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// formatP renders a p-value; NaN (no valid test) is omitted.
func formatP(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func (w *Writer) writeLog(rep *Phenotype) error {
	file, err := os.Create(w.LogPath(rep.Name))
	if err != nil {
		return err
	}
	defer file.Close()

	fmt.Fprintf(file, "Phenotype: %s\n", rep.Name)
	fmt.Fprintf(file, "=======================================\n\n")

	ext := rep.Extract
	fmt.Fprintf(file, "Pairs retained: %d (%s: %d, %s: %d)\n",
		ext.Pairs(),
		ext.Cohorts[0].Group, len(ext.Cohorts[0].Pairs),
		ext.Cohorts[1].Group, len(ext.Cohorts[1].Pairs))
	fmt.Fprintf(file, "Pairs dropped, missing phenotype: %d\n", ext.DroppedMissingPhenotype)
	fmt.Fprintf(file, "Pairs dropped, missing covariate: %d\n", ext.DroppedMissingCovariate)
	if len(ext.StrayGroups) > 0 {
		keys := make([]string, 0, len(ext.StrayGroups))
		for k := range ext.StrayGroups {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(file, "Rows dropped for unexpected group values:\n")
		for _, k := range keys {
			fmt.Fprintf(file, "  %q: %d\n", k, ext.StrayGroups[k])
		}
	}
	fmt.Fprintln(file)

	fmt.Fprintf(file, "Descriptive statistics:\n")
	fmt.Fprintf(file, "%-8s %-7s %6s %12s %12s %12s %12s\n",
		"Group", "Member", "N", "Mean", "SD", "Min", "Max")
	for _, st := range ext.Describe() {
		fmt.Fprintf(file, "%-8s %-7d %6d %12.4f %12.4f %12.4f %12.4f\n",
			st.Group, st.Member, st.N, st.Mean, st.SD, st.Min, st.Max)
	}
	fmt.Fprintln(file)

	for _, res := range rep.Fits {
		writeFitBlock(file, res)
	}

	writeComparisonBlock(file, "Model comparisons (each against its parent)", rep.ModelComparisons)
	writeComparisonBlock(file, "Covariate tests (against equal_groups)", rep.CovariateComparisons)

	return nil
}

func writeFitBlock(file *os.File, res *fit.Result) {
	fmt.Fprintf(file, "Model %s\n", res.Model)
	if !res.Converged {
		fmt.Fprintf(file, "  DID NOT CONVERGE after %d attempt(s): %s\n\n", res.Attempts, res.Status)
		return
	}
	fmt.Fprintf(file, "  logL: %.4f  -2LL: %.4f  df: %d  AIC: %.4f  BIC: %.4f  free: %d\n",
		res.LogLik(), res.Minus2LL, res.Df, res.AIC, res.BIC, res.NFree)
	fmt.Fprintf(file, "  status: %s (attempts: %d)\n", res.Status, res.Attempts)

	names := make([]string, 0, len(res.Estimates))
	for na := range res.Estimates {
		names = append(names, na)
	}
	sort.Strings(names)
	fmt.Fprintf(file, "  estimates:\n")
	for _, na := range names {
		line := fmt.Sprintf("    %-10s %12.6f", na, res.Estimates[na])
		if ci, ok := res.CI[na]; ok {
			line += fmt.Sprintf("  [%.6f, %.6f]", ci.Lower, ci.Upper)
		}
		fmt.Fprintln(file, line)
	}

	for _, cr := range res.Correlations {
		line := fmt.Sprintf("  implied r(%s) = %.4f", cr.Group, cr.R)
		if cr.HasCI {
			line += fmt.Sprintf("  [%.4f, %.4f]", cr.CI.Lower, cr.CI.Upper)
		}
		fmt.Fprintln(file, line)
	}
	fmt.Fprintln(file)
}

func writeComparisonBlock(file *os.File, title string, rows []compare.Comparison) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(file, "%s:\n", title)
	fmt.Fprintf(file, "%-16s %-16s | %10s | %4s | %8s\n", "Model", "Base", "d(-2LL)", "dDf", "P")
	for _, row := range rows {
		p := formatP(row.P)
		if p == "" {
			p = "-"
		}
		fmt.Fprintf(file, "%-16s %-16s | %10.4f | %4d | %8s\n",
			row.Model, row.Base, row.DeltaMinus2LL, row.DeltaDf, p)
	}
	fmt.Fprintln(file)
}
