// Package config holds the run configuration: data location, column
// mappings, phenotype list and optimizer/report options. Values resolve
// through viper with the hierarchy flags > TWINFIT_* environment > config
// file > defaults.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Error is a configuration-level failure. Unlike per-phenotype data
// problems, these abort the whole run.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "configuration: " + e.Reason
}

// Columns maps the structural input columns.
type Columns struct {
	// PairID is the pair-identifier column.
	PairID string `mapstructure:"pair_id" yaml:"pair_id"`
	// Group is the zygosity column.
	Group string `mapstructure:"group" yaml:"group"`
	// Groups lists the two admissible zygosity values, cohort order.
	Groups []string `mapstructure:"groups" yaml:"groups"`
	// Covariates are base names; the file carries <name>_1/<name>_2.
	Covariates []string `mapstructure:"covariates" yaml:"covariates"`
}

// Optimizer configures the external optimizer adapter.
type Optimizer struct {
	// Method is "neldermead" or "bfgs".
	Method string `mapstructure:"method" yaml:"method"`
	// Attempts is the restart budget used to escape local optima.
	Attempts int `mapstructure:"attempts" yaml:"attempts"`
	// Jitter scales the perturbation of restart starting values.
	Jitter float64 `mapstructure:"jitter" yaml:"jitter"`
	// Seed fixes the jitter stream; 0 seeds from the clock.
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

// Intervals configures confidence-interval computation.
type Intervals struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	Level   float64 `mapstructure:"level" yaml:"level"`
}

// Bounds configures the box constraints on covariance-structure
// parameters. The positive-definiteness of each cohort covariance matrix is
// enforced by the objective regardless of these values.
type Bounds struct {
	VarianceFloor float64 `mapstructure:"variance_floor" yaml:"variance_floor"`
	// CovarianceFloor is meaningful as a correlation-scale bound only on
	// standardized data.
	CovarianceFloor float64 `mapstructure:"covariance_floor" yaml:"covariance_floor"`
}

// Config is the full run configuration.
type Config struct {
	// Data is the input CSV path.
	Data string `mapstructure:"data" yaml:"data"`
	// Output is the directory receiving per-phenotype reports.
	Output string `mapstructure:"output" yaml:"output"`
	// Phenotypes to analyze, in order.
	Phenotypes []string `mapstructure:"phenotypes" yaml:"phenotypes"`

	Columns Columns `mapstructure:"columns" yaml:"columns"`

	// MinPairs is the smallest cohort accepted; smaller cohorts skip the
	// phenotype.
	MinPairs int `mapstructure:"min_pairs" yaml:"min_pairs"`
	// Scale enables grand-mean standardization of phenotype and
	// covariates.
	Scale bool `mapstructure:"scale" yaml:"scale"`

	Optimizer Optimizer `mapstructure:"optimizer" yaml:"optimizer"`
	Intervals Intervals `mapstructure:"intervals" yaml:"intervals"`
	Bounds    Bounds    `mapstructure:"bounds" yaml:"bounds"`

	// Starts overrides optimizer starting values by parameter name.
	// Moment-based defaults are used otherwise.
	Starts map[string]float64 `mapstructure:"starts" yaml:"starts,omitempty"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Output: "twinfit-reports",
		Columns: Columns{
			PairID:     "pair_id",
			Group:      "zygosity",
			Groups:     []string{"MZ", "DZ"},
			Covariates: []string{"age", "sex", "icv"},
		},
		MinPairs: 10,
		Scale:    true,
		Optimizer: Optimizer{
			Method:   "neldermead",
			Attempts: 5,
			Jitter:   0.25,
		},
		Intervals: Intervals{
			Enabled: false,
			Level:   0.95,
		},
		Bounds: Bounds{
			VarianceFloor:   1e-4,
			CovarianceFloor: -0.99,
		},
	}
}

// Load resolves the effective configuration from viper on top of defaults.
// Validation is deferred to the caller so flag overrides can be applied on
// top of the resolved values first.
func Load() (*Config, error) {
	cfg := Default()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("unmarshal: %v", err)}
	}
	return cfg, nil
}

// Validate checks option-level consistency. Column presence in the data is
// checked later, once the file is read.
func (c *Config) Validate() error {
	if c.Data == "" {
		return &Error{Reason: "no input data file configured"}
	}
	if len(c.Phenotypes) == 0 {
		return &Error{Reason: "no phenotypes configured"}
	}
	if c.Output == "" {
		return &Error{Reason: "no output directory configured"}
	}
	if len(c.Columns.Groups) != 2 {
		return &Error{Reason: fmt.Sprintf("columns.groups must name exactly two values, got %d", len(c.Columns.Groups))}
	}
	if c.Columns.Groups[0] == c.Columns.Groups[1] {
		return &Error{Reason: "columns.groups values must differ"}
	}
	if len(c.Columns.Covariates) == 0 {
		return &Error{Reason: "at least one covariate is required"}
	}
	if c.MinPairs < 3 {
		return &Error{Reason: "min_pairs must be at least 3"}
	}
	if c.Optimizer.Attempts < 1 {
		return &Error{Reason: "optimizer.attempts must be at least 1"}
	}
	switch c.Optimizer.Method {
	case "", "neldermead", "nelder-mead", "bfgs":
	default:
		return &Error{Reason: fmt.Sprintf("unknown optimizer.method %q", c.Optimizer.Method)}
	}
	if c.Intervals.Level <= 0 || c.Intervals.Level >= 1 {
		return &Error{Reason: "intervals.level must be in (0, 1)"}
	}
	return nil
}

// GroupPair returns the two zygosity values as a fixed-size pair.
func (c *Config) GroupPair() [2]string {
	return [2]string{c.Columns.Groups[0], c.Columns.Groups[1]}
}
