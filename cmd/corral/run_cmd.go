// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/deploy"
	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/providers/docker"
	"github.com/corralhq/corral/internal/providers/static"
	"github.com/corralhq/corral/internal/run"
	"github.com/corralhq/corral/internal/suite"
	"github.com/corralhq/corral/internal/verdict"
	"github.com/corralhq/corral/timing"
)

const (
	fullLogName   = "full.txt"    // file in ResDir containing full output
	timingLogName = "timing.json" // file in ResDir containing timing information
)

// runCmd implements subcommands.Command to support running test suites.
type runCmd struct {
	cfg          *run.MutableConfig // shared config for running tests
	wrapper      runWrapper         // can be set by tests to stub out calls to run package
	failForTests bool               // exit with 1 if any individual tests fail
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd() *runCmd {
	return &runCmd{
		cfg:     run.NewMutableConfig(run.RunTestsMode, corralDir),
		wrapper: realRunWrapper{},
	}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a test suite" }
func (*runCmd) Usage() string {
	return `Usage: run -suite=<file> -pool=<file> [flag]... [test]...

Description:
    Runs the suite's tests against the machine pool and writes results to the
    results directory. Exits with 0 if all selected tests were executed, even
    if some of them failed. Non-zero exit codes indicate run-level issues,
    e.g. machines could not be deployed. Callers should examine results.json
    for failing tests. -failfortests can be supplied to override this
    behavior.

Test:
    Tests are selected by their suite names. Without any, the whole suite
    runs. Example:

        $ corral run -suite=net.yaml -pool=lab.yaml net_check throughput

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.failForTests, "failfortests", false, "exit with 1 if any tests fail")
	r.cfg.SetFlags(f)
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	tl := &timing.Log{}
	ctx = timing.NewContext(ctx, tl)
	st := timing.Start(ctx, "exec")

	r.cfg.Tests = append(r.cfg.Tests, f.Args()...)

	updateLatest := r.cfg.ResDir == ""

	if err := r.cfg.DeriveDefaults(); err != nil {
		logging.Info(ctx, "Failed to derive defaults: ", err)
		return subcommands.ExitUsageError
	}

	if err := os.MkdirAll(r.cfg.ResDir, 0755); err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}

	// Update the "latest" symlink if the default result directory is used.
	if updateLatest {
		link := filepath.Join(filepath.Dir(r.cfg.ResDir), "latest")
		os.Remove(link)
		if err := os.Symlink(filepath.Base(r.cfg.ResDir), link); err != nil {
			logging.Info(ctx, "Failed to create results symlink: ", err)
		}
	}

	// Write the timing log after the command finishes.
	defer func() {
		st.End()
		f, err := os.Create(filepath.Join(r.cfg.ResDir, timingLogName))
		if err != nil {
			logging.Info(ctx, err)
			return
		}
		defer f.Close()
		if err := tl.Write(f); err != nil {
			logging.Info(ctx, err)
		}
	}()

	// Log the full output of the command to disk.
	fullLog, err := os.Create(filepath.Join(r.cfg.ResDir, fullLogName))
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	defer fullLog.Close()

	logger := logging.NewSinkLogger(logging.LevelDebug, true, logging.NewWriterSink(fullLog))
	ctx = logging.AttachLogger(ctx, logger)

	logging.Info(ctx, "Command line: ", strings.Join(os.Args, " "))

	cfg := r.cfg.Freeze()

	if cfg.KeyFile() != "" {
		logging.Debug(ctx, "Using SSH key ", cfg.KeyFile())
	}
	if cfg.KeyDir() != "" {
		logging.Debug(ctx, "Using SSH dir ", cfg.KeyDir())
	}
	logging.Info(ctx, "Writing results to ", cfg.ResDir())

	s, err := suite.Load(cfg.SuiteFile())
	if err != nil {
		logging.Info(ctx, "Failed to load suite: ", err)
		return subcommands.ExitFailure
	}
	pool, err := suite.LoadPool(cfg.PoolFile())
	if err != nil {
		logging.Info(ctx, "Failed to load machine pool: ", err)
		return subcommands.ExitFailure
	}

	provider, err := newProvider(pool)
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	if c, ok := provider.(io.Closer); ok {
		defer c.Close()
	}

	rep, runErr := r.wrapper.run(ctx, cfg, s, pool, provider)

	if rep != nil {
		if err := r.wrapper.writeReport(ctx, os.Stdout, cfg.ResDir(), rep, runErr == nil); err != nil {
			logging.Info(ctx, "Failed to write results: ", err)
			return subcommands.ExitFailure
		}
	}

	if runErr != nil {
		logging.Infof(ctx, "Failed to run tests: %v", runErr)
		return subcommands.ExitFailure
	}

	if r.failForTests && rep != nil && rep.Verdict() != verdict.Passed {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// newProvider builds the machine backend for the pool's platform.
func newProvider(pool *suite.Pool) (deploy.Provider, error) {
	switch pool.Platform {
	case "docker":
		images := make(map[string]string, len(pool.Machines))
		for _, m := range pool.Machines {
			images[m.Role] = m.Image
		}
		return docker.New(images)
	case "static":
		addrs := make(map[string]string, len(pool.Machines))
		for _, m := range pool.Machines {
			addrs[m.Role] = m.Addr
		}
		return static.New(addrs)
	default:
		return nil, errors.Errorf("unsupported platform %q", pool.Platform)
	}
}
