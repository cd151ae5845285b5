// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/verdict"
)

// Result is the recorded outcome of one test.
type Result struct {
	// Name is the test name.
	Name string `json:"name"`
	// Verdict is the test's outcome.
	Verdict verdict.Verdict `json:"verdict"`
	// Summary is the free-text summary captured from the machine, if any.
	Summary string `json:"summary,omitempty"`
	// Start and End bound the test's execution, including deployment.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Report is the suite-level results document saved at the end of a run.
type Report struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`
	// Suite is the name of the executed suite.
	Suite string `json:"suite"`
	// Platform is the machine backend the suite ran against.
	Platform string `json:"platform"`
	// Location describes where the machines live.
	Location string `json:"location"`
	// RootEnabled reports whether the privileged account was available on
	// every machine of the last fresh deployment.
	RootEnabled bool `json:"root_enabled"`
	// Start and End bound the whole run.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// Results holds one entry per test that produced a result, in run order.
	Results []*Result `json:"results"`
}

// Verdict reduces the report to a single verdict across its tests.
func (r *Report) Verdict() verdict.Verdict {
	vs := make([]verdict.Verdict, len(r.Results))
	for i, res := range r.Results {
		vs[i] = res.Verdict
	}
	return verdict.Merge(vs...)
}

// ResultsFilename is the name of the JSON report file written to the results
// directory.
const ResultsFilename = "results.json"

// WriteReport saves rep as JSON under resDir, renders the verdict table to w,
// and logs per-test verdict lines through ctx. complete indicates whether
// every selected test ran.
func WriteReport(ctx context.Context, w io.Writer, resDir string, rep *Report, complete bool) error {
	if err := writeResultsJSON(filepath.Join(resDir, ResultsFilename), rep); err != nil {
		return err
	}
	RenderTable(w, rep)
	logResults(ctx, rep, resDir, complete)
	return nil
}

func writeResultsJSON(path string, rep *Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// RenderTable renders the per-test verdict table to w, styled by the overall
// outcome.
func RenderTable(w io.Writer, rep *Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Suite %s on %s (%s)", rep.Suite, rep.Platform, rep.Location))
	t.AppendHeader(table.Row{"Test", "Verdict", "Duration", "Summary"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Summary", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
	})
	for _, res := range rep.Results {
		t.AppendRow(table.Row{res.Name, res.Verdict, res.End.Sub(res.Start).Round(time.Second), firstLine(res.Summary)})
	}
	overall := rep.Verdict()
	if overall == verdict.Passed {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}
	t.AppendFooter(table.Row{"TOTAL", overall, rep.End.Sub(rep.Start).Round(time.Second), ""})
	t.Render()
}

// logResults writes an aligned verdict line per test, so the log tail gives
// the run outcome at a glance.
func logResults(ctx context.Context, rep *Report, resDir string, complete bool) {
	ml := 0
	for _, res := range rep.Results {
		if len(res.Name) > ml {
			ml = len(res.Name)
		}
	}

	sep := strings.Repeat("-", 80)
	logging.Info(ctx, sep)
	for _, res := range rep.Results {
		pn := fmt.Sprintf("%-"+strconv.Itoa(ml)+"s", res.Name)
		logging.Info(ctx, pn+"  "+verdictTag(res.Verdict))
	}
	if !complete {
		logging.Info(ctx, "")
		logging.Info(ctx, "Run did not finish successfully; results are incomplete")
	}
	logging.Info(ctx, sep)
	logging.Info(ctx, "Results saved to ", resDir)
}

// verdictTag formats v as a fixed-width status tag for log lines.
func verdictTag(v verdict.Verdict) string {
	switch v {
	case verdict.Passed:
		return "[ PASS ]"
	case verdict.Failed:
		return "[ FAIL ]"
	case verdict.Aborted:
		return "[ ABRT ]"
	default:
		return "[ UNKN ]"
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
