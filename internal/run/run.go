// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package run

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/collect"
	"github.com/corralhq/corral/internal/deploy"
	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/machine"
	"github.com/corralhq/corral/internal/param"
	"github.com/corralhq/corral/internal/script"
	"github.com/corralhq/corral/internal/suite"
	"github.com/corralhq/corral/internal/verdict"
	"github.com/corralhq/corral/ssh/linuxssh"
	"github.com/corralhq/corral/timing"
)

// Runner executes the tests of one suite against one machine pool.
type Runner struct {
	cfg      *Config
	suite    *suite.Suite
	pool     *suite.Pool
	provider deploy.Provider

	ctl  *deploy.Controller
	acct machine.Account

	// Deployment state carried across tests.
	machines machine.Set
	deployed bool
	rootOK   bool
	distro   string

	// localInterp overrides the interpreter for host-side scripts. Empty
	// selects the script package default. Tests substitute a plain shell.
	localInterp string
}

// NewRunner returns a Runner executing the tests of s against machines from
// pool obtained through provider. SSH credentials from cfg fill in whatever
// the pool leaves unset.
func NewRunner(cfg *Config, s *suite.Suite, pool *suite.Pool, provider deploy.Provider) *Runner {
	acct := pool.MachineAccount()
	if acct.KeyFile == "" {
		acct.KeyFile = cfg.KeyFile()
	}
	if acct.KeyDir == "" {
		acct.KeyDir = cfg.KeyDir()
	}
	return &Runner{
		cfg:      cfg,
		suite:    s,
		pool:     pool,
		provider: provider,
		acct:     acct,
		ctl: &deploy.Controller{
			Provider:  provider,
			Account:   acct,
			Workspace: pool.Workspace,
		},
	}
}

// Run executes the configured tests in suite order and returns the report.
// The report is valid even when an error is returned; it covers the tests
// that produced a result before the run aborted.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	tests, err := r.suite.Select(r.cfg.Tests())
	if err != nil {
		return nil, err
	}
	if err := r.preflight(tests); err != nil {
		return nil, err
	}

	rep := &Report{
		RunID:    uuid.New().String(),
		Suite:    r.suite.Name,
		Platform: r.pool.Platform,
		Location: locationOf(r.pool),
		Start:    time.Now(),
	}
	logging.Infof(ctx, "Run %s: suite %s on %s machines (%s)", rep.RunID, rep.Suite, rep.Platform, rep.Location)

	defer func() {
		rep.RootEnabled = r.rootOK
		rep.End = time.Now()
	}()
	defer r.release(ctx)

	for i := range tests {
		res, err := r.runTest(ctx, &tests[i])
		rep.Results = append(rep.Results, res)
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// preflight rejects configurations that would only fail mid-run: a restore
// policy on a platform without snapshots, and setup or cleanup hooks that
// are not host-side scripts.
func (r *Runner) preflight(tests []suite.Test) error {
	if r.cfg.Deploy() == DeployRestore {
		if _, ok := r.provider.(deploy.SnapshotCapable); !ok {
			return errors.Errorf("platform %q does not support checkpoint restore", r.pool.Platform)
		}
	}
	for i := range tests {
		t := &tests[i]
		for _, hook := range append(t.SetupScripts(), t.CleanupScripts()...) {
			kind, err := script.Classify(hook)
			if err != nil {
				return errors.Wrapf(err, "test %q", t.Name)
			}
			if kind != script.HostLocal {
				return errors.Errorf("test %q: hook script %q must run on the host", t.Name, hook)
			}
		}
	}
	return nil
}

// runTest runs a single test through its full lifecycle and returns its
// result. A non-nil error reports a fatal condition that aborts the rest of
// the run; ordinary test failures are captured in the result instead.
func (r *Runner) runTest(ctx context.Context, t *suite.Test) (res *Result, retErr error) {
	defer timing.Start(ctx, t.Name).End()

	res = &Result{Name: t.Name, Verdict: verdict.Unknown, Start: time.Now()}
	defer func() { res.End = time.Now() }()

	logging.Info(ctx, "Starting test ", t.Name)

	fresh := !r.deployed || r.cfg.Deploy() == DeployPerTest || t.FreshDeploy
	if err := r.deploy(ctx, fresh); err != nil {
		res.Verdict = verdict.Aborted
		return res, err
	}

	resDir := filepath.Join(r.cfg.ResDir(), "tests", t.Name)
	if err := os.MkdirAll(resDir, 0755); err != nil {
		res.Verdict = verdict.Aborted
		return res, errors.Wrapf(err, "test %s", t.Name)
	}

	params, err := r.resolveParams(t)
	if err != nil {
		logging.Infof(ctx, "Test %s has invalid parameters: %v", t.Name, err)
		res.Verdict = verdict.Aborted
		return res, nil
	}

	timeout := t.EffectiveTimeout(r.cfg.Timeout())

	var vs []verdict.Verdict
	setupOK := true
	for _, hook := range t.SetupScripts() {
		v := r.runHook(ctx, hook, params, timeout)
		vs = append(vs, v)
		if v != verdict.Passed {
			logging.Infof(ctx, "Setup script %s did not pass (%s); skipping test script", hook, v)
			setupOK = false
			break
		}
	}

	if setupOK {
		v, summary := r.dispatch(ctx, t, params, timeout, resDir)
		vs = append(vs, v)
		res.Summary = summary
	}

	res.Verdict = verdict.Merge(vs...)

	// Kernel logs are only meaningful on machines this test deployed; reused
	// machines carry messages from earlier tests.
	if fresh && !t.SkipVerify {
		if clean := r.kernelClean(ctx); !clean && res.Verdict == verdict.Passed {
			logging.Infof(ctx, "Marking test %s failed for kernel log problems", t.Name)
			res.Verdict = verdict.Failed
		}
	}

	// Cleanup hooks run after the verdict is settled. Their failures are
	// logged, not folded in.
	for _, hook := range t.CleanupScripts() {
		if v := r.runHook(ctx, hook, params, timeout); v != verdict.Passed {
			logging.Infof(ctx, "Cleanup script %s did not pass (%s)", hook, v)
		}
	}

	if r.cfg.Deploy() == DeployPerTest {
		r.release(ctx)
	}

	logging.Infof(ctx, "Completed test %s: %s", t.Name, res.Verdict)
	return res, nil
}

// deploy ensures machines are ready for the next test per the deployment
// policy. A fresh deployment replaces whatever machines were in use.
func (r *Runner) deploy(ctx context.Context, fresh bool) error {
	defer timing.Start(ctx, "deploy").End()

	if fresh && r.deployed {
		r.release(ctx)
	}

	req := &deploy.Request{
		Machines: r.machines,
		Fresh:    fresh,
		Restore:  r.cfg.Deploy() == DeployRestore,
	}
	if fresh {
		req.Machines = r.pool.MachineSet()
	}
	d, err := r.ctl.Deploy(ctx, req)
	if err != nil {
		return err
	}
	r.machines = d.Machines
	r.deployed = true
	if fresh {
		r.rootOK = d.RootEnabled
		r.distro = d.Distro
		if !d.RootEnabled {
			logging.Info(ctx, "Privileged account is unavailable on some machines; scripts needing root may fail")
		}
	}
	return nil
}

// release tears down the current machines. Failures are logged, not
// returned.
func (r *Runner) release(ctx context.Context) {
	if !r.deployed {
		return
	}
	if err := r.ctl.Teardown(ctx, r.machines); err != nil {
		logging.Infof(ctx, "Failed to release machines: %v", err)
	}
	r.machines = nil
	r.deployed = false
}

// resolveParams resolves the test's parameter entries, with run-level
// entries appended last so they win, and secrets filled from the current
// deployment.
func (r *Runner) resolveParams(t *suite.Test) (map[string]string, error) {
	secrets := param.Secrets{
		Password: r.acct.Password,
		Distro:   r.distro,
	}
	if p := r.machines.Primary(); p != nil {
		secrets.RoleName = p.Role
		secrets.IPv4 = p.Addr
	}
	entries := append(append([]string(nil), t.Params...), r.cfg.Params()...)
	return param.Resolve(entries, secrets)
}

// runHook runs one host-side hook script once per machine, power cycling the
// machine around the execution. The returned verdict is the worst across
// machines.
func (r *Runner) runHook(ctx context.Context, name string, params map[string]string, timeout time.Duration) verdict.Verdict {
	defer timing.Start(ctx, name).End()

	loc := r.localRunner()
	vs := make([]verdict.Verdict, 0, len(r.machines))
	for _, m := range r.machines {
		m := m
		mctx := logging.SetLogPrefix(ctx, "["+m.Role+"] ")
		v := verdict.Aborted
		err := r.ctl.WithPowerCycle(mctx, m, func(ctx context.Context) error {
			var err error
			v, err = loc.Run(ctx, name, hookParams(params, m), timeout)
			return err
		})
		if err != nil {
			logging.Infof(mctx, "Hook script %s: %v", name, err)
		}
		vs = append(vs, v)
	}
	return verdict.Merge(vs...)
}

// hookParams overlays the target machine's identity onto params so a host
// script knows which machine it is preparing.
func hookParams(params map[string]string, m *machine.Machine) map[string]string {
	hp := make(map[string]string, len(params)+2)
	for k, v := range params {
		hp[k] = v
	}
	hp["ROLE_NAME"] = m.Role
	if m.HostRef != "" {
		hp["HOST_REF"] = m.HostRef
	}
	return hp
}

// dispatch stages the test's inputs on the machines and executes the test
// script per its kind, returning the script verdict and captured summary.
func (r *Runner) dispatch(ctx context.Context, t *suite.Test, params map[string]string, timeout time.Duration, resDir string) (verdict.Verdict, string) {
	kind, err := t.Kind()
	if err != nil {
		logging.Infof(ctx, "Cannot dispatch %s: %v", t.Script, err)
		return verdict.Aborted, ""
	}

	if err := r.stageInputs(ctx, t, kind, params); err != nil {
		logging.Infof(ctx, "Staging inputs for %s failed: %v", t.Name, err)
		return verdict.Aborted, ""
	}

	if kind == script.HostLocal {
		defer timing.Start(ctx, "script").End()
		v, err := r.localRunner().Run(ctx, t.Script, params, timeout)
		if err != nil {
			logging.Infof(ctx, "Script %s: %v", t.Script, err)
		}
		return v, ""
	}
	return r.dispatchRemote(ctx, t, kind, timeout, resDir)
}

func (r *Runner) localRunner() *script.Local {
	return &script.Local{Dir: r.cfg.ScriptsDir(), Interpreter: r.localInterp}
}

func (r *Runner) remoteRunner() *script.Remote {
	return &script.Remote{Account: r.acct, Workspace: r.pool.Workspace, Interpreter: r.pool.Interpreter}
}

// stageInputs uploads what the test needs before dispatch: the constants
// payload on every machine, and for remote kinds the script itself plus the
// declared file dependencies.
func (r *Runner) stageInputs(ctx context.Context, t *suite.Test, kind script.Kind, params map[string]string) error {
	defer timing.Start(ctx, "stage").End()

	rem := r.remoteRunner()
	if err := rem.UploadConstants(ctx, r.machines, params); err != nil {
		return err
	}

	files := make(map[string]string)
	if kind.Remote() {
		files[filepath.Join(r.cfg.ScriptsDir(), t.Script)] = filepath.Join(r.workspace(), filepath.Base(t.Script))
	}
	for _, f := range t.Files {
		src := f
		if !filepath.IsAbs(src) {
			src = filepath.Join(r.cfg.ScriptsDir(), f)
		}
		files[src] = filepath.Join(r.workspace(), filepath.Base(f))
	}
	if len(files) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range r.machines {
		m := m
		g.Go(func() error {
			mctx := logging.SetLogPrefix(gctx, "["+m.Role+"] ")
			conn, err := machine.Dial(mctx, m, r.acct)
			if err != nil {
				return errors.Wrapf(err, "staging files on %s", m.Role)
			}
			defer conn.Close(mctx)
			n, err := linuxssh.PutFiles(mctx, conn, files, linuxssh.DereferenceSymlinks)
			if err != nil {
				return errors.Wrapf(err, "staging files on %s", m.Role)
			}
			logging.Debugf(mctx, "Sent %d bytes", n)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) workspace() string {
	if r.pool.Workspace == "" {
		return script.DefaultWorkspace
	}
	return r.pool.Workspace
}

// dispatchRemote runs the test script on the primary machine and collects
// logs and the verdict afterwards. Collection runs even when execution
// failed, so whatever the script wrote still reaches the results.
func (r *Runner) dispatchRemote(ctx context.Context, t *suite.Test, kind script.Kind, timeout time.Duration, resDir string) (verdict.Verdict, string) {
	primary := r.machines.Primary()

	rem := r.remoteRunner()
	runErr := func() error {
		defer timing.Start(ctx, "script").End()
		return rem.Run(ctx, primary, filepath.Base(t.Script), t.Name, kind, timeout)
	}()
	if runErr != nil {
		logging.Infof(ctx, "Script %s: %v", t.Script, runErr)
	}
	timedOut := runErr != nil && errors.Is(runErr, context.DeadlineExceeded)

	col := &collect.Collector{Account: r.acct, Workspace: r.pool.Workspace}
	cres, err := func() (*collect.Result, error) {
		defer timing.Start(ctx, "collect").End()
		return col.Collect(ctx, primary, kind, t.Name, resDir)
	}()
	if err != nil {
		logging.Infof(ctx, "Collecting results for %s failed: %v", t.Name, err)
		if timedOut {
			return verdict.Failed, ""
		}
		return verdict.Aborted, ""
	}

	v := cres.Verdict
	if timedOut {
		// A completion token may predate the cutoff; the timeout itself
		// fails the test.
		v = verdict.Merge(v, verdict.Failed)
	}
	return v, cres.Summary
}

// kernelClean checks the kernel logs of every machine and reports whether
// all of them are free of problems. Check errors are logged and do not count
// against the machines.
func (r *Runner) kernelClean(ctx context.Context) bool {
	defer timing.Start(ctx, "verify").End()

	col := &collect.Collector{Account: r.acct, Workspace: r.pool.Workspace}
	clean := true
	for _, m := range r.machines {
		ok, err := col.CheckKernelLogs(ctx, m)
		if err != nil {
			logging.Infof(ctx, "Kernel log check on %s failed: %v", m.Role, err)
			continue
		}
		if !ok {
			logging.Infof(ctx, "Kernel logs on %s contain problems", m.Role)
			clean = false
		}
	}
	return clean
}

// locationOf resolves where the pool's machines live. Docker machines are
// local to the controller host; anything else defaults to the lab.
func locationOf(pool *suite.Pool) string {
	if pool.Location != "" {
		return pool.Location
	}
	if pool.Platform == "docker" {
		return "local"
	}
	return "lab"
}
