package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/twinstats/twinfit/internal/config"
	"github.com/twinstats/twinfit/internal/pipeline"
)

var (
	dataPath   string
	outputDir  string
	phenotypes []string
	minPairs   int
	noScale    bool
	attempts   int
	intervals  bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fit the model chain for each configured phenotype",
	Long: `Runs the batch analysis: for every phenotype, load and clean the pair
data, partition by zygosity, fit the nested model chain
(saturated, equal_means, equal_variances, equal_groups and one
covariate-dropped variant per covariate), compare nested fits and write
the per-phenotype reports.

Example:
  twinfit run --data pairs.csv --phenotypes hippocampus,thalamus
  twinfit run --data pairs.csv --out ./reports --attempts 10 --ci`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&dataPath, "data", "", "input CSV of twin-pair records")
	runCmd.Flags().StringVar(&outputDir, "out", "", "output directory for reports")
	runCmd.Flags().StringSliceVar(&phenotypes, "phenotypes", nil, "phenotypes to analyze (comma separated)")
	runCmd.Flags().IntVar(&minPairs, "min-pairs", 0, "minimum pairs per cohort")
	runCmd.Flags().BoolVar(&noScale, "no-scale", false, "disable grand-mean standardization")
	runCmd.Flags().IntVar(&attempts, "attempts", 0, "optimizer restart budget")
	runCmd.Flags().BoolVar(&intervals, "ci", false, "compute confidence intervals")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags override whatever the config file and environment resolved.
	if dataPath != "" {
		cfg.Data = dataPath
	}
	if outputDir != "" {
		cfg.Output = outputDir
	}
	if len(phenotypes) > 0 {
		cfg.Phenotypes = phenotypes
	}
	if minPairs > 0 {
		cfg.MinPairs = minPairs
	}
	if noScale {
		cfg.Scale = false
	}
	if attempts > 0 {
		cfg.Optimizer.Attempts = attempts
	}
	if intervals {
		cfg.Intervals.Enabled = true
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	run, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "twinfit: %d phenotype(s), output in %s\n", len(cfg.Phenotypes), cfg.Output)

	bar := progressbar.NewOptions(len(cfg.Phenotypes),
		progressbar.OptionSetDescription("phenotypes"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	run.Progress = func(string) { _ = bar.Add(1) }

	if err := run.Execute(); err != nil {
		return err
	}

	for _, o := range run.Outcomes {
		if o.Status != pipeline.StatusAnalyzed {
			fmt.Fprintf(os.Stderr, "✗ %s: %s (%s)\n", o.Phenotype, o.Status, o.Reason)
		} else if verbose {
			fmt.Fprintf(os.Stderr, "✓ %s\n", o.Phenotype)
		}
	}

	return nil
}
