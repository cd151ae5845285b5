// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package script

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/corralhq/corral/ctxutil"
	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/verdict"
)

// DefaultLocalInterpreter runs host-local scripts.
const DefaultLocalInterpreter = "pwsh"

// ParamString serializes params as the single argument passed to host-local
// scripts: key=value pairs joined by ";", sorted by key.
func ParamString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}

// Local executes host-local scripts on the controller host.
type Local struct {
	// Dir is the directory script references resolve against.
	Dir string
	// Interpreter runs the scripts. Empty means DefaultLocalInterpreter.
	Interpreter string
}

func (l *Local) interpreter() string {
	if l.Interpreter == "" {
		return DefaultLocalInterpreter
	}
	return l.Interpreter
}

// Run executes script with params, bounded by timeout, and maps the outcome
// directly to a verdict: Aborted when the script cannot start, Failed on a
// nonzero exit or on timeout, Passed otherwise. Host-local scripts bypass
// log collection entirely.
func (l *Local) Run(ctx context.Context, script string, params map[string]string, timeout time.Duration) (verdict.Verdict, error) {
	ctx, cancel := ctxutil.OptionalTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.Command(l.interpreter(), filepath.Join(l.Dir, script), ParamString(params))
	cmd.Stdout = &out
	cmd.Stderr = &out
	// The script runs in its own session so that a timeout can kill its
	// whole process tree, not just the interpreter.
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return verdict.Aborted, errors.Wrapf(err, "starting %s", script)
	}
	sid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var v verdict.Verdict
	var runErr error
	select {
	case err := <-done:
		if err != nil {
			v, runErr = verdict.Failed, errors.Wrapf(err, "running %s", script)
		} else {
			v = verdict.Passed
		}
	case <-ctx.Done():
		killSession(sid, unix.SIGKILL)
		<-done
		v, runErr = verdict.Failed, errors.Wrapf(ctx.Err(), "running %s", script)
	}

	if s := strings.TrimSpace(out.String()); s != "" {
		logging.Debugf(ctx, "Output of %s:\n%s", script, s)
	}
	return v, runErr
}

// killSession makes a best-effort attempt to kill all processes in session
// sid. It makes several passes over the list of running processes, sending
// sig to any that are part of the session, and returns once it finds none.
// This is racy: continually-forking processes could spawn children that
// don't get killed.
func killSession(sid int, sig unix.Signal) {
	const maxPasses = 3
	for i := 0; i < maxPasses; i++ {
		pids, err := process.Pids()
		if err != nil {
			return
		}
		n := 0
		for _, pid := range pids {
			pid := int(pid)
			if s, err := unix.Getsid(pid); err == nil && s == sid {
				unix.Kill(pid, sig)
				n++
			}
		}
		if n == 0 {
			return
		}
	}
}
