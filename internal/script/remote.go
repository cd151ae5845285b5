// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package script

import (
	"context"
	"fmt"
	"time"

	"github.com/corralhq/corral/ctxutil"
	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/machine"
	"github.com/corralhq/corral/shutil"
	"github.com/corralhq/corral/ssh"
)

const (
	// DefaultWorkspace is the remote directory scripts run in.
	DefaultWorkspace = "/root"
	// DefaultInterpreter executes interpreted scripts on the remote machine.
	DefaultInterpreter = "python3"

	// StateFile is the completion token file a remote script writes before
	// exiting. The collector translates its content into a verdict.
	StateFile = "state.txt"
	// SummaryLog receives the combined output of a remote script.
	SummaryLog = "summary.log"
	// RuntimeLog is the fixed log name interpreted scripts write. It is
	// renamed to the per-test summary name after the interpreter exits.
	RuntimeLog = "runtime.log"
)

// TestSummaryLog returns the per-test summary log name for testName.
func TestSummaryLog(testName string) string {
	return testName + "_summary.log"
}

// Remote executes test scripts on machines over SSH.
type Remote struct {
	// Account is the privileged account scripts run as.
	Account machine.Account
	// Workspace is the remote directory scripts run in. Empty means
	// DefaultWorkspace.
	Workspace string
	// Interpreter executes interpreted scripts. Empty means
	// DefaultInterpreter.
	Interpreter string
}

func (r *Remote) workspace() string {
	if r.Workspace == "" {
		return DefaultWorkspace
	}
	return r.Workspace
}

func (r *Remote) interpreter() string {
	if r.Interpreter == "" {
		return DefaultInterpreter
	}
	return r.Interpreter
}

// shellCommand builds the remote command line for a shell script. The
// workspace is exported as the home directory and combined output goes to
// the summary log.
func (r *Remote) shellCommand(script string) string {
	ws := shutil.Escape(r.workspace())
	return fmt.Sprintf("cd %s && export HOME=%s && bash %s > %s 2>&1",
		ws, ws, shutil.Escape(script), shutil.Escape(SummaryLog))
}

// interpretedCommand builds the remote command line running the interpreter
// against an interpreted script.
func (r *Remote) interpretedCommand(script string) string {
	ws := shutil.Escape(r.workspace())
	return fmt.Sprintf("cd %s && export HOME=%s && %s %s > %s 2>&1",
		ws, ws, shutil.Escape(r.interpreter()), shutil.Escape(script), shutil.Escape(SummaryLog))
}

// renameRuntimeLogCommand builds the command renaming the fixed runtime log
// to the per-test summary name.
func (r *Remote) renameRuntimeLogCommand(testName string) string {
	return fmt.Sprintf("cd %s && mv %s %s",
		shutil.Escape(r.workspace()), shutil.Escape(RuntimeLog), shutil.Escape(TestSummaryLog(testName)))
}

// Run executes script of the given kind on m, bounded by timeout. Exceeding
// the timeout is a hard cutoff reported as an error; it is up to the caller
// to fold that into a failure verdict. For interpreted scripts the runtime
// log is renamed to the per-test summary name even when the interpreter
// fails, so that collection still finds it.
func (r *Remote) Run(ctx context.Context, m *machine.Machine, script, testName string, kind Kind, timeout time.Duration) error {
	var cmd string
	switch kind {
	case RemoteShell:
		cmd = r.shellCommand(script)
	case RemoteInterpreted:
		cmd = r.interpretedCommand(script)
	default:
		return errors.Errorf("script %q (%v) does not execute remotely", script, kind)
	}

	conn, err := machine.Dial(ctx, m, r.Account)
	if err != nil {
		return errors.Wrapf(err, "running %s on %s", script, m.Role)
	}
	defer conn.Close(ctx)

	logging.Infof(ctx, "Running %s on %s (timeout %v)", script, m.Role, timeout)
	execCtx, cancel := ctxutil.OptionalTimeout(ctx, timeout)
	defer cancel()
	runErr := conn.CommandContext(execCtx, "sh", "-c", cmd).Run(ssh.DumpLogOnError)

	if kind == RemoteInterpreted {
		mv := r.renameRuntimeLogCommand(testName)
		if err := conn.CommandContext(ctx, "sh", "-c", mv).Run(ssh.DumpLogOnError); err != nil && runErr == nil {
			runErr = errors.Wrap(err, "renaming runtime log")
		}
	}
	if runErr != nil {
		return errors.Wrapf(runErr, "running %s on %s", script, m.Role)
	}
	logging.Infof(ctx, "Finished %s on %s", script, m.Role)
	return nil
}
