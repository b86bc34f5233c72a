package campaign

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/report.schema.json
var reportSchemaJSON string

const reportSchemaURL = "report.schema.json"

var (
	reportSchemaOnce sync.Once
	reportSchema     *jsonschema.Schema
	reportSchemaErr  error
)

func compiledReportSchema() (*jsonschema.Schema, error) {
	reportSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource(reportSchemaURL, strings.NewReader(reportSchemaJSON)); err != nil {
			reportSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		reportSchema, reportSchemaErr = compiler.Compile(reportSchemaURL)
	})
	return reportSchema, reportSchemaErr
}

// ValidateReport checks an encoded report against the report schema.
func ValidateReport(data []byte) error {
	s, err := compiledReportSchema()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("report schema: %w", err)
	}
	return nil
}

// WriteJSON encodes the report, validates it and writes it to w.
func (r *Report) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := ValidateReport(data); err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// SaveJSON writes the JSON report to path.
func (r *Report) SaveJSON(path string) error {
	var buf bytes.Buffer
	if err := r.WriteJSON(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// WriteTable writes a per-rung summary. With verbose set, the faults that
// bypassed or spared a rung are listed below it.
func (r *Report) WriteTable(w io.Writer, verbose bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRESET\tPOLICY\tFAULTS\tDETECTED\tBYPASSED\tSPARED\tHARMLESS\tNOT REACHED")
	for _, rung := range r.Rungs {
		c := rung.Counts
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			rung.Preset, rung.Policy, c.Total, c.Detected, c.Bypassed, c.Spared, c.Harmless, c.NotReached)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !verbose {
		return nil
	}

	for _, rung := range r.Rungs {
		if len(rung.Bypasses) == 0 && len(rung.Spared) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", rung.Preset)
		for _, t := range rung.Bypasses {
			fmt.Fprintf(w, "  bypassed  %-12s %s\n", t.Scenario, t.Fault)
		}
		for _, t := range rung.Spared {
			fmt.Fprintf(w, "  spared    %-12s %s\n", t.Scenario, t.Fault)
		}
	}
	return nil
}
