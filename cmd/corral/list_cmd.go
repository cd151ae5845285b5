// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/run"
	"github.com/corralhq/corral/internal/suite"
)

// listCmd implements subcommands.Command to support listing tests.
type listCmd struct {
	json   bool               // marshal tests to JSON instead of just printing names
	cfg    *run.MutableConfig // shared config for listing tests
	stdout io.Writer          // where to write tests
}

var _ = subcommands.Command(&listCmd{})

// newListCmd returns a new listCmd that will write tests to stdout.
func newListCmd(stdout io.Writer) *listCmd {
	return &listCmd{
		cfg:    run.NewMutableConfig(run.ListTestsMode, corralDir),
		stdout: stdout,
	}
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list tests" }
func (*listCmd) Usage() string {
	return `Usage: list -suite=<file> [flag]... [test]...

Description:
    List the suite's tests matched by zero or more names.

    To list all the tests:

        $ corral list -suite=net.yaml

Flag:
`
}

func (lc *listCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&lc.json, "json", false, "print full test entries as JSON")
	lc.cfg.SetFlags(f)
}

func (lc *listCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	lc.cfg.Tests = append(lc.cfg.Tests, f.Args()...)
	if err := lc.cfg.DeriveDefaults(); err != nil {
		logging.Info(ctx, "Failed to derive defaults: ", err)
		return subcommands.ExitUsageError
	}
	cfg := lc.cfg.Freeze()

	s, err := suite.Load(cfg.SuiteFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return subcommands.ExitFailure
	}
	tests, err := s.Select(cfg.Tests())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return subcommands.ExitFailure
	}

	if err := lc.printTests(tests); err != nil {
		logging.Info(ctx, "Failed to write tests: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// printTests writes the supplied tests to lc.stdout.
func (lc *listCmd) printTests(tests []suite.Test) error {
	if lc.json {
		enc := json.NewEncoder(lc.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tests)
	}

	// If -json wasn't passed, just print test names, one per line.
	for _, t := range tests {
		if _, err := fmt.Fprintln(lc.stdout, t.Name); err != nil {
			return err
		}
	}
	return nil
}
