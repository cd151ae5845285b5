// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package collect retrieves the artifacts a test script leaves on a machine
// and translates them into a verdict.
//
// Every script kind leaves a fixed artifact set in the machine's workspace:
// a completion token file plus one summary log for shell scripts, or two
// summary logs for interpreted scripts. Downloads always authenticate as the
// privileged account regardless of which account executed the script.
package collect

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/machine"
	"github.com/corralhq/corral/internal/script"
	"github.com/corralhq/corral/internal/verdict"
	"github.com/corralhq/corral/ssh"
	"github.com/corralhq/corral/ssh/linuxssh"
)

const (
	// summaryBanner and endSummaryBanner frame the summary echo on the
	// operator stream.
	summaryBanner    = "TEST SCRIPT SUMMARY ~~~~~~~~~~~~~~~"
	endSummaryBanner = "END OF TEST SCRIPT SUMMARY ~~~~~~~~~~~~~~~"

	// kernelErrorMarker in kernel logs downgrades a passing test.
	kernelErrorMarker = "call trace"
)

// Result is what one collection pass recovers from a machine.
type Result struct {
	// Verdict is the translation of the completion token.
	Verdict verdict.Verdict
	// Token is the raw completion token as the script wrote it.
	Token string
	// Summary is the free-text payload of an interpreted script, the
	// content of its renamed runtime log. Empty for shell scripts.
	Summary string
}

// Collector downloads test artifacts from machines.
type Collector struct {
	// Account authenticates downloads. It must be the privileged account
	// even when the script ran as somebody else.
	Account machine.Account
	// Workspace is the remote directory artifacts are collected from.
	// Empty means the script package's default workspace.
	Workspace string
}

func (c *Collector) workspace() string {
	if c.Workspace == "" {
		return script.DefaultWorkspace
	}
	return c.Workspace
}

// Collect downloads the artifact set for kind from m into dstDir, echoes the
// summary log to the operator stream and translates the completion token.
// The echo happens independent of the verdict. Collect fails when any
// artifact of the fixed set is missing.
func (c *Collector) Collect(ctx context.Context, m *machine.Machine, kind script.Kind, testName, dstDir string) (*Result, error) {
	if !kind.Remote() {
		return nil, errors.Errorf("no artifacts to collect for %v scripts", kind)
	}
	conn, err := machine.Dial(ctx, m, c.Account)
	if err != nil {
		return nil, errors.Wrapf(err, "collecting results from %s", m.Role)
	}
	defer conn.Close(ctx)

	names := []string{script.StateFile, script.SummaryLog}
	if kind == script.RemoteInterpreted {
		names = append(names, script.TestSummaryLog(testName))
	}
	for _, name := range names {
		src := filepath.Join(c.workspace(), name)
		if err := linuxssh.GetFile(ctx, conn, src, filepath.Join(dstDir, name), linuxssh.PreserveSymlinks); err != nil {
			return nil, errors.Wrapf(err, "downloading %s from %s", name, m.Role)
		}
	}

	token, err := readToken(filepath.Join(dstDir, script.StateFile))
	if err != nil {
		return nil, errors.Wrapf(err, "reading completion token of %s", testName)
	}
	res := &Result{Verdict: verdict.Translate(token), Token: token}
	if res.Verdict == verdict.Unknown {
		logging.Infof(ctx, "Completion token %q has no verdict mapping", token)
	}

	if kind == script.RemoteInterpreted {
		b, err := os.ReadFile(filepath.Join(dstDir, script.TestSummaryLog(testName)))
		if err != nil {
			return nil, errors.Wrapf(err, "reading summary payload of %s", testName)
		}
		res.Summary = string(b)
	}

	b, err := os.ReadFile(filepath.Join(dstDir, script.SummaryLog))
	if err != nil {
		return nil, errors.Wrapf(err, "reading summary log of %s", testName)
	}
	echoSummary(ctx, string(b))
	return res, nil
}

// readToken returns the first line of the completion token file, stripped of
// surrounding whitespace.
func readToken(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", nil
	}
	return strings.TrimSpace(sc.Text()), nil
}

// echoSummary writes content line by line to the operator stream, framed by
// the fixed banner markers.
func echoSummary(ctx context.Context, content string) {
	logging.Info(ctx, summaryBanner)
	if content != "" {
		for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
			logging.Info(ctx, line)
		}
	}
	logging.Info(ctx, endSummaryBanner)
}

// CheckKernelLogs scans the kernel ring buffer of m for crash markers and
// reports whether it is clean. A test that passed otherwise is downgraded to
// Failed by the orchestrator when this check finds a problem.
func (c *Collector) CheckKernelLogs(ctx context.Context, m *machine.Machine) (bool, error) {
	conn, err := machine.Dial(ctx, m, c.Account)
	if err != nil {
		return false, errors.Wrapf(err, "checking kernel logs on %s", m.Role)
	}
	defer conn.Close(ctx)

	out, err := conn.CommandContext(ctx, "dmesg").Output(ssh.DumpLogOnError)
	if err != nil {
		return false, errors.Wrapf(err, "checking kernel logs on %s", m.Role)
	}
	clean := true
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(strings.ToLower(line), kernelErrorMarker) {
			logging.Infof(ctx, "Kernel log problem on %s: %s", m.Role, strings.TrimSpace(line))
			clean = false
		}
	}
	return clean, nil
}
