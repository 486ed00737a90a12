// Package dataset loads wide-format twin-pair CSV files and prepares
// per-phenotype cohorts: member-column selection, pairwise-complete
// filtering, grand-mean standardization and partition by zygosity.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// DataQualityError signals a per-phenotype data problem: the phenotype is
// skipped and the batch continues.
type DataQualityError struct {
	Phenotype string
	Reason    string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("phenotype %s: %s", e.Phenotype, e.Reason)
}

// ColumnError reports a missing structural column (pair id, group or a
// covariate member column). These apply to every phenotype and are treated
// as fatal by the caller.
type ColumnError struct {
	Column string
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("required column %q not found in input", e.Column)
}

// Options controls extraction of one phenotype from a Table.
type Options struct {
	PairIDColumn string
	GroupColumn  string
	// Groups holds the two admissible zygosity values, in cohort order.
	Groups [2]string
	// Covariates are base names; the input carries <name>_1 and <name>_2.
	Covariates []string
	// Scale standardizes phenotype and covariates on the pooled
	// two-member distribution.
	Scale bool
	// MinPairs is the smallest cohort size accepted for analysis.
	MinPairs int
}

// Pair is one twin-pair record with both members' values present.
type Pair struct {
	ID string
	// Y holds the two member phenotype values.
	Y [2]float64
	// Covs[i] holds the two member values of Covariates[i].
	Covs [][2]float64
}

// Cohort is the ordered set of pairs sharing one zygosity value.
type Cohort struct {
	Group string
	Pairs []Pair
}

// Extract is the cleaned, scaled, partitioned data for one phenotype.
type Extract struct {
	Phenotype  string
	Covariates []string
	Cohorts    [2]*Cohort

	// DroppedMissingPhenotype counts pairs removed because either member
	// phenotype value was missing.
	DroppedMissingPhenotype int
	// DroppedMissingCovariate counts pairs removed for missing covariate
	// values.
	DroppedMissingCovariate int
	// StrayGroups counts rows whose group value matched neither expected
	// cohort, keyed by the stray value.
	StrayGroups map[string]int
}

// Pairs returns the total number of retained pairs across both cohorts.
func (e *Extract) Pairs() int {
	return len(e.Cohorts[0].Pairs) + len(e.Cohorts[1].Pairs)
}

// Table is a raw tabular input held by column name.
type Table struct {
	columns map[string]int
	records [][]string
}

// Load reads a CSV file into a Table. The first row is the header; every
// data row must have the same width.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f, path)
}

// Read parses CSV content. The name is used in error messages only.
func Read(r io.Reader, name string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("empty header in %s", name)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.TrimSpace(h)] = i
	}

	var records [][]string
	row := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+2, err)
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("row %d: expected %d columns, got %d", row+2, len(header), len(rec))
		}
		records = append(records, rec)
		row++
	}
	if row == 0 {
		return nil, fmt.Errorf("no data rows in %s", name)
	}

	return &Table{columns: columns, records: records}, nil
}

// Rows returns the number of data rows.
func (t *Table) Rows() int { return len(t.records) }

// HasColumn reports whether the header names the column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// Validate checks that every structural column the options name is present:
// pair id, group, and both member columns of each covariate.
func (t *Table) Validate(opts Options) error {
	need := []string{opts.PairIDColumn, opts.GroupColumn}
	for _, cv := range opts.Covariates {
		need = append(need, cv+"_1", cv+"_2")
	}
	for _, c := range need {
		if !t.HasColumn(c) {
			return &ColumnError{Column: c}
		}
	}
	return nil
}

// missing reports whether a raw cell holds no usable value.
func missing(s string) bool {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null", ".":
		return true
	}
	return false
}

// cell parses one value; missing cells come back as NaN.
func (t *Table) cell(row int, col int) (float64, error) {
	s := t.records[row][col]
	if missing(s) {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("row %d: parse %q: %w", row+2, s, err)
	}
	return v, nil
}

// Extract selects one phenotype's member columns, drops incomplete pairs,
// applies grand scaling when configured, and partitions by zygosity.
func (t *Table) Extract(phenotype string, opts Options) (*Extract, error) {
	y1, ok1 := t.columns[phenotype+"_1"]
	y2, ok2 := t.columns[phenotype+"_2"]
	if !ok1 || !ok2 {
		return nil, &DataQualityError{
			Phenotype: phenotype,
			Reason:    fmt.Sprintf("columns %s_1/%s_2 not found in input", phenotype, phenotype),
		}
	}
	if err := t.Validate(opts); err != nil {
		return nil, err
	}

	idCol := t.columns[opts.PairIDColumn]
	grpCol := t.columns[opts.GroupColumn]

	ext := &Extract{
		Phenotype:   phenotype,
		Covariates:  opts.Covariates,
		StrayGroups: make(map[string]int),
	}
	for g, group := range opts.Groups {
		ext.Cohorts[g] = &Cohort{Group: group}
	}

	for row := range t.records {
		var p Pair
		p.ID = strings.TrimSpace(t.records[row][idCol])

		var err error
		if p.Y[0], err = t.cell(row, y1); err != nil {
			return nil, err
		}
		if p.Y[1], err = t.cell(row, y2); err != nil {
			return nil, err
		}
		// Pairwise-complete requirement: both member phenotype values or
		// the pair is excluded entirely.
		if math.IsNaN(p.Y[0]) || math.IsNaN(p.Y[1]) {
			ext.DroppedMissingPhenotype++
			continue
		}

		complete := true
		p.Covs = make([][2]float64, len(opts.Covariates))
		for i, cv := range opts.Covariates {
			for m := 0; m < 2; m++ {
				v, err := t.cell(row, t.columns[fmt.Sprintf("%s_%d", cv, m+1)])
				if err != nil {
					return nil, err
				}
				if math.IsNaN(v) {
					complete = false
				}
				p.Covs[i][m] = v
			}
		}
		if !complete {
			ext.DroppedMissingCovariate++
			continue
		}

		group := strings.TrimSpace(t.records[row][grpCol])
		switch group {
		case opts.Groups[0]:
			ext.Cohorts[0].Pairs = append(ext.Cohorts[0].Pairs, p)
		case opts.Groups[1]:
			ext.Cohorts[1].Pairs = append(ext.Cohorts[1].Pairs, p)
		default:
			ext.StrayGroups[group]++
		}
	}

	if opts.Scale {
		grandScale(ext)
	}

	for _, c := range ext.Cohorts {
		if len(c.Pairs) < opts.MinPairs {
			return nil, &DataQualityError{
				Phenotype: phenotype,
				Reason: fmt.Sprintf("cohort %s has %d pairs, below the minimum of %d",
					c.Group, len(c.Pairs), opts.MinPairs),
			}
		}
	}

	return ext, nil
}
