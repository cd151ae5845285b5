// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package suite loads test suite and machine pool definitions from YAML
// files and validates them before a run starts.
package suite

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/script"
)

// Test describes one test case of a suite. The JSON tags shape the output of
// the list command.
type Test struct {
	// Name identifies the test in results and log file names.
	Name string `yaml:"name" json:"name"`
	// Script is the test script file name. Its suffix selects the execution
	// strategy.
	Script string `yaml:"script" json:"script"`
	// Params are raw "name=value" parameter entries, resolved at run time.
	Params []string `yaml:"params" json:"params,omitempty"`
	// Setup is a comma-separated list of scripts run before the test.
	Setup string `yaml:"setup" json:"setup,omitempty"`
	// Cleanup is a comma-separated list of scripts run after the test.
	Cleanup string `yaml:"cleanup" json:"cleanup,omitempty"`
	// Timeout bounds script execution in seconds. Zero selects the run
	// default.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`
	// Files lists file dependencies uploaded to every machine's workspace
	// before the test runs.
	Files []string `yaml:"files" json:"files,omitempty"`
	// SkipVerify disables kernel log verification after the test.
	SkipVerify bool `yaml:"skip_verify" json:"skip_verify,omitempty"`
	// FreshDeploy requests freshly provisioned machines for this test.
	FreshDeploy bool `yaml:"fresh_deploy" json:"fresh_deploy,omitempty"`
}

// Kind returns the execution strategy selected by the test script's suffix.
func (t *Test) Kind() (script.Kind, error) {
	return script.Classify(t.Script)
}

// SetupScripts returns the setup scripts in declared order.
func (t *Test) SetupScripts() []string {
	return splitScripts(t.Setup)
}

// CleanupScripts returns the cleanup scripts in declared order.
func (t *Test) CleanupScripts() []string {
	return splitScripts(t.Cleanup)
}

// EffectiveTimeout returns the test's execution timeout, substituting def
// for tests that do not declare one.
func (t *Test) EffectiveTimeout(def time.Duration) time.Duration {
	if t.Timeout > 0 {
		return time.Duration(t.Timeout) * time.Second
	}
	return def
}

func splitScripts(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Suite is an ordered collection of tests run against one machine pool.
type Suite struct {
	Name  string `yaml:"name"`
	Tests []Test `yaml:"tests"`
}

// Load reads a suite definition from the YAML file at path and validates it.
func Load(path string) (*Suite, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Suite
	if err := yaml.UnmarshalStrict(b, &s); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if err := s.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid suite %s", path)
	}
	return &s, nil
}

func (s *Suite) validate() error {
	if s.Name == "" {
		return errors.New("suite has no name")
	}
	if len(s.Tests) == 0 {
		return errors.New("suite declares no tests")
	}
	seen := make(map[string]struct{})
	for i := range s.Tests {
		t := &s.Tests[i]
		if t.Name == "" {
			return errors.Errorf("test #%d has no name", i+1)
		}
		if _, ok := seen[t.Name]; ok {
			return errors.Errorf("test %q is declared twice", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Script == "" {
			return errors.Errorf("test %q has no script", t.Name)
		}
		if _, err := script.Classify(t.Script); err != nil {
			return errors.Wrapf(err, "test %q", t.Name)
		}
		if t.Timeout < 0 {
			return errors.Errorf("test %q has negative timeout %d", t.Name, t.Timeout)
		}
	}
	return nil
}

// Select returns the named tests in suite order, or all tests when names is
// empty. Requesting a test the suite does not declare is an error.
func (s *Suite) Select(names []string) ([]Test, error) {
	if len(names) == 0 {
		return s.Tests, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = false
	}
	var out []Test
	for _, t := range s.Tests {
		if _, ok := want[t.Name]; ok {
			out = append(out, t)
			want[t.Name] = true
		}
	}
	for _, n := range names {
		if !want[n] {
			return nil, errors.Errorf("suite %q has no test %q", s.Name, n)
		}
	}
	return out, nil
}
