// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package run orchestrates the execution of a test suite against a machine
// pool and reports the results.
package run

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/command"
)

// DefaultTestTimeout bounds a single script execution when the test does not
// declare its own timeout.
const DefaultTestTimeout = 300 * time.Second

// Mode describes the action to perform.
type Mode int

const (
	// RunTestsMode indicates that tests should be run and their results reported.
	RunTestsMode Mode = iota
	// ListTestsMode indicates that tests should only be listed.
	ListTestsMode
)

// DeployMode describes how machines are obtained across the tests of a run.
type DeployMode int

const (
	// DeploySuite provisions machines once before the first test and reuses
	// them for the rest of the suite, wiping workspaces in between.
	DeploySuite DeployMode = iota
	// DeployPerTest provisions fresh machines for every test and releases
	// them when the test finishes.
	DeployPerTest
	// DeployRestore provisions machines once, checkpoints them, and reverts
	// to the checkpoint between tests. The platform must support snapshots.
	DeployRestore
)

var deployModeNames = map[string]int{
	"suite":   int(DeploySuite),
	"test":    int(DeployPerTest),
	"restore": int(DeployRestore),
}

// MutableConfig is similar to Config, but its fields are mutable.
// Call Freeze to obtain a Config from MutableConfig.
type MutableConfig struct {
	// See Config for descriptions of these fields.

	Mode      Mode
	CorralDir string

	SuiteFile  string
	PoolFile   string
	ScriptsDir string
	ResDir     string

	Tests  []string
	Params []string

	KeyFile string
	KeyDir  string

	Deploy  DeployMode
	Timeout time.Duration
}

// NewMutableConfig returns a new configuration for the supplied mode.
// corralDir is the base directory under which defaults are derived.
func NewMutableConfig(mode Mode, corralDir string) *MutableConfig {
	return &MutableConfig{Mode: mode, CorralDir: corralDir}
}

// SetFlags adds common run-related flags to f that store values in Config.
func (c *MutableConfig) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.SuiteFile, "suite", "", "path to the suite definition file")
	f.Var(command.NewListFlag(",", func(v []string) { c.Tests = v }, nil), "tests",
		"comma-separated names of tests to run (default: all tests in the suite)")

	if c.Mode == RunTestsMode {
		f.StringVar(&c.PoolFile, "pool", "", "path to the machine pool file")
		f.StringVar(&c.ResDir, "resultsdir", "", "directory where test results are written")
		f.StringVar(&c.ScriptsDir, "scriptsdir", "", "directory containing test scripts (default: the suite file's directory)")

		kd := filepath.Join(os.Getenv("HOME"), ".ssh")
		if _, err := os.Stat(kd); err != nil {
			kd = ""
		}
		f.StringVar(&c.KeyDir, "keydir", kd, "directory containing SSH private keys to use when the pool names none")
		f.StringVar(&c.KeyFile, "keyfile", "", "path to SSH private key to use when the pool names none")

		f.Var(command.NewDurationFlag(time.Second, &c.Timeout, DefaultTestTimeout), "timeout",
			"default per-test timeout in seconds")

		dm := command.NewEnumFlag(deployModeNames, func(v int) { c.Deploy = DeployMode(v) }, "suite")
		f.Var(dm, "deploy", fmt.Sprintf("how machines are deployed across tests (%s; default %q)",
			dm.QuotedValues(), dm.Default()))

		pf := command.RepeatedFlag(func(v string) error {
			if !strings.Contains(v, "=") {
				return errors.New(`want "name=value"`)
			}
			c.Params = append(c.Params, v)
			return nil
		})
		f.Var(&pf, "param", `test parameter as "name=value" (can be repeated; overrides suite parameters)`)
	}
}

// DeriveDefaults sets default config values to unset members, possibly
// deriving from already set members. It should be called after non-default
// values are set to c.
func (c *MutableConfig) DeriveDefaults() error {
	setIfEmpty := func(p *string, s string) {
		if *p == "" {
			*p = s
		}
	}

	if c.SuiteFile == "" {
		return errors.New("suite file must be specified with -suite")
	}
	setIfEmpty(&c.ScriptsDir, filepath.Dir(c.SuiteFile))

	if c.Mode != RunTestsMode {
		return nil
	}

	if c.PoolFile == "" {
		return errors.New("machine pool file must be specified with -pool")
	}
	setIfEmpty(&c.ResDir, filepath.Join(c.CorralDir, "results", time.Now().Format("20060102-150405")))
	if c.Timeout <= 0 {
		c.Timeout = DefaultTestTimeout
	}
	return nil
}

// Freeze returns a frozen configuration object.
func (c *MutableConfig) Freeze() *Config {
	return &Config{m: c}
}

// Config contains shared configuration information for running or listing
// tests. All Config values are frozen and cannot be altered after
// construction.
type Config struct {
	m *MutableConfig
}

// Mode is the action to perform.
func (c *Config) Mode() Mode { return c.m.Mode }

// CorralDir is the base directory under which defaults are derived.
func (c *Config) CorralDir() string { return c.m.CorralDir }

// SuiteFile is the path to the suite definition file.
func (c *Config) SuiteFile() string { return c.m.SuiteFile }

// PoolFile is the path to the machine pool file.
func (c *Config) PoolFile() string { return c.m.PoolFile }

// ScriptsDir is the directory containing the suite's scripts.
func (c *Config) ScriptsDir() string { return c.m.ScriptsDir }

// ResDir is the directory where test results are written.
func (c *Config) ResDir() string { return c.m.ResDir }

// Tests are the names of the tests to run. An empty list selects the whole
// suite.
func (c *Config) Tests() []string { return append([]string(nil), c.m.Tests...) }

// Params are extra "name=value" test parameters appended after each test's
// own parameters so they take precedence during resolution.
func (c *Config) Params() []string { return append([]string(nil), c.m.Params...) }

// KeyFile is the path to an SSH private key used when the pool names none.
func (c *Config) KeyFile() string { return c.m.KeyFile }

// KeyDir is a directory containing SSH private keys used when the pool
// names none.
func (c *Config) KeyDir() string { return c.m.KeyDir }

// Deploy is the machine deployment policy.
func (c *Config) Deploy() DeployMode { return c.m.Deploy }

// Timeout is the default per-test timeout.
func (c *Config) Timeout() time.Duration { return c.m.Timeout }
