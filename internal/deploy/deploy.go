// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package deploy drives the machine lifecycle around a test run.
//
// A test can deploy machines four ways: provision fresh ones, reuse the
// previous machines as they are, reuse them after restoring a checkpoint, or
// provision once for a whole suite under an explicit setup/teardown override.
// The controller implements the per-test paths; the orchestrator decides when
// the override applies.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/machine"
	"github.com/corralhq/corral/internal/poll"
	"github.com/corralhq/corral/internal/probe"
	"github.com/corralhq/corral/internal/script"
	"github.com/corralhq/corral/shutil"
	"github.com/corralhq/corral/ssh"
	"github.com/corralhq/corral/ssh/linuxssh"
)

// CheckpointName is the fixed checkpoint identifier shared by the create and
// restore calls within one suite.
const CheckpointName = "baseline"

// osReleasePath identifies the distribution on a deployed machine.
const osReleasePath = "/etc/os-release"

// sshSettleTimeout bounds the wait for sshd to accept connections again after
// root enablement restarted it.
const sshSettleTimeout = time.Minute

// sshSettleInterval is the delay between connection attempts during that wait.
const sshSettleInterval = time.Second

// Provider provisions and releases machines on one backend.
type Provider interface {
	// Provision allocates the machines described by ms, filling in their
	// backend handles. Failure is fatal for the run.
	Provision(ctx context.Context, ms machine.Set) error
	// Address reports the current network address of m. It returns an
	// empty string without an error while the backend has not assigned
	// one yet.
	Address(ctx context.Context, m *machine.Machine) (string, error)
	// Cleanup releases every machine in ms.
	Cleanup(ctx context.Context, ms machine.Set) error
}

// PowerCycler is implemented by providers whose machines can be stopped and
// started in place.
type PowerCycler interface {
	PowerOff(ctx context.Context, m *machine.Machine) error
	PowerOn(ctx context.Context, m *machine.Machine) error
}

// SnapshotCapable is implemented by providers that can save and restore the
// full state of a machine under a name. Snapshots are taken and restored
// around power transitions, so every SnapshotCapable provider can also
// power cycle.
type SnapshotCapable interface {
	PowerCycler
	CreateCheckpoint(ctx context.Context, m *machine.Machine, name string) error
	RestoreCheckpoint(ctx context.Context, m *machine.Machine, name string) error
}

// Request describes the machines a test needs and how to obtain them.
type Request struct {
	// Machines lists the machine descriptors. For fresh deployments they
	// carry roles only; for reuse paths they are the previous deployment's
	// machines.
	Machines machine.Set
	// Fresh provisions new machines instead of reusing existing ones.
	Fresh bool
	// Restore reverts reused machines to the named checkpoint before use.
	// Ignored for fresh deployments.
	Restore bool
}

// Deployment is the outcome of a successful Deploy.
type Deployment struct {
	// Machines is the ready machine set with addresses populated.
	Machines machine.Set
	// RootEnabled reports whether the privileged account was enabled on
	// every machine. Scripts that need root may consult it; a false value
	// does not fail the deployment.
	RootEnabled bool
	// Distro is the distribution ID detected on the primary machine.
	// Empty when detection failed or the deployment reused machines.
	Distro string
}

// Controller obtains machines from a Provider and prepares them for tests.
type Controller struct {
	// Provider is the machine backend.
	Provider Provider
	// Account authenticates remote operations on deployed machines.
	Account machine.Account
	// Prober overrides the default readiness prober. If nil, a prober
	// backed by Provider.Address is used.
	Prober *probe.Prober
	// Workspace is the remote directory wiped when machines are reused.
	// Empty means the script package's default workspace.
	Workspace string
	// EnableRoot prepares the privileged account on one machine. If nil,
	// a default that permits root SSH login through the configured account
	// is used. Tests substitute their own.
	EnableRoot func(ctx context.Context, m *machine.Machine, acct machine.Account) error
}

func (c *Controller) workspace() string {
	if c.Workspace == "" {
		return script.DefaultWorkspace
	}
	return c.Workspace
}

func (c *Controller) prober() *probe.Prober {
	if c.Prober != nil {
		return c.Prober
	}
	return &probe.Prober{Lookup: c.Provider.Address}
}

// Deploy obtains machines per req. Provisioning and readiness failures are
// fatal; a failure to enable the privileged account on some machine is only
// reflected in the returned Deployment.
func (c *Controller) Deploy(ctx context.Context, req *Request) (*Deployment, error) {
	switch {
	case req.Fresh:
		return c.deployFresh(ctx, req.Machines)
	case req.Restore:
		ms, err := c.restore(ctx, req.Machines)
		if err != nil {
			return nil, err
		}
		return &Deployment{Machines: ms, RootEnabled: true}, nil
	default:
		if err := c.wipeWorkspaces(ctx, req.Machines); err != nil {
			return nil, err
		}
		return &Deployment{Machines: req.Machines, RootEnabled: true}, nil
	}
}

// Teardown releases the machines of a deployment.
func (c *Controller) Teardown(ctx context.Context, ms machine.Set) error {
	logging.Info(ctx, "Releasing machines: ", strings.Join(ms.Roles(), ", "))
	if err := c.Provider.Cleanup(ctx, ms); err != nil {
		return errors.Wrap(err, "releasing machines")
	}
	return nil
}

func (c *Controller) deployFresh(ctx context.Context, ms machine.Set) (*Deployment, error) {
	logging.Info(ctx, "Provisioning machines: ", strings.Join(ms.Roles(), ", "))
	ms = ms.Clone()
	if err := c.Provider.Provision(ctx, ms); err != nil {
		return nil, errors.Wrap(err, "provisioning machines")
	}

	ms, err := c.prober().Wait(ctx, ms)
	if err != nil {
		return nil, err
	}

	rootOK := c.enableRootAll(ctx, ms)

	// Root enablement restarts sshd, and the restart command can return
	// before the daemon listens again. Connections must succeed before a
	// checkpoint captures the machine state.
	if err := c.waitSSH(ctx, ms); err != nil {
		return nil, err
	}

	cycled, err := c.snapshot(ctx, ms)
	if err != nil {
		return nil, err
	}
	if cycled {
		// Power transitions can invalidate addresses, so discovery runs
		// again from scratch.
		for _, m := range ms {
			m.Addr = ""
		}
		if ms, err = c.prober().Wait(ctx, ms); err != nil {
			return nil, err
		}
	}

	d := &Deployment{Machines: ms, RootEnabled: rootOK}
	if distro, err := c.detectDistro(ctx, ms.Primary()); err != nil {
		logging.Infof(ctx, "Distro detection failed: %v", err)
	} else if distro != "" {
		d.Distro = distro
		logging.Infof(ctx, "Machine %s runs distro %q", ms.Primary().Role, distro)
	}
	return d, nil
}

// enableRootAll enables the privileged account on every machine in ms and
// reports whether all of them succeeded. Individual failures are logged,
// not returned.
func (c *Controller) enableRootAll(ctx context.Context, ms machine.Set) bool {
	enable := c.EnableRoot
	if enable == nil {
		enable = enableRoot
	}

	ok := make([]bool, len(ms))
	var wg sync.WaitGroup
	for i, m := range ms {
		i, m := i, m
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := enable(ctx, m, c.Account); err != nil {
				logging.Infof(ctx, "Failed to enable root on %s: %v", m.Role, err)
				return
			}
			ok[i] = true
		}()
	}
	wg.Wait()

	all := true
	for _, b := range ok {
		all = all && b
	}
	return all
}

// enableRoot permits root SSH login on m through acct: the root password
// is set to the account's password, sshd is configured to accept root and
// restarted.
func enableRoot(ctx context.Context, m *machine.Machine, acct machine.Account) error {
	conn, err := machine.Dial(ctx, m, acct)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	seq := fmt.Sprintf("echo root:%s | chpasswd && "+
		"sed -i -e 's/^#\\{0,1\\}PermitRootLogin.*/PermitRootLogin yes/' /etc/ssh/sshd_config && "+
		"(systemctl restart sshd || service ssh restart)",
		shutil.Escape(acct.Password))
	var cmd *ssh.Cmd
	if acct.User == "" || acct.User == "root" {
		cmd = conn.CommandContext(ctx, "sh", "-c", seq)
	} else {
		cmd = conn.CommandContext(ctx, "sudo", "-n", "sh", "-c", seq)
	}
	return cmd.Run(ssh.DumpLogOnError)
}

// waitSSH blocks until every machine in ms accepts an SSH connection as the
// configured account.
func (c *Controller) waitSSH(ctx context.Context, ms machine.Set) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range ms {
		m := m
		g.Go(func() error {
			err := poll.Poll(ctx, func(ctx context.Context) error {
				conn, err := machine.Dial(ctx, m, c.Account)
				if err != nil {
					return err
				}
				return conn.Close(ctx)
			}, &poll.Options{Timeout: sshSettleTimeout, Interval: sshSettleInterval})
			if err != nil {
				return errors.Wrapf(err, "waiting for sshd on %s", m.Role)
			}
			return nil
		})
	}
	return g.Wait()
}

// snapshot checkpoints every machine in ms when the provider supports it.
// Machines are powered off for the checkpoint and back on afterwards. It
// reports whether power was cycled.
func (c *Controller) snapshot(ctx context.Context, ms machine.Set) (bool, error) {
	sc, ok := c.Provider.(SnapshotCapable)
	if !ok {
		return false, nil
	}
	for _, m := range ms {
		logging.Infof(ctx, "Creating checkpoint %q of %s", CheckpointName, m.Role)
		if err := sc.PowerOff(ctx, m); err != nil {
			return false, errors.Wrapf(err, "powering off %s", m.Role)
		}
		if err := sc.CreateCheckpoint(ctx, m, CheckpointName); err != nil {
			return false, errors.Wrapf(err, "checkpointing %s", m.Role)
		}
		if err := sc.PowerOn(ctx, m); err != nil {
			return false, errors.Wrapf(err, "powering on %s", m.Role)
		}
	}
	return true, nil
}

// restore reverts every machine in ms to the suite checkpoint and probes for
// the resulting addresses, which may differ from the ones held before. The
// passed set is not modified.
func (c *Controller) restore(ctx context.Context, ms machine.Set) (machine.Set, error) {
	sc, ok := c.Provider.(SnapshotCapable)
	if !ok {
		return nil, errors.New("provider cannot restore checkpoints")
	}
	out := ms.Clone()
	for _, m := range out {
		logging.Infof(ctx, "Restoring checkpoint %q on %s", CheckpointName, m.Role)
		if err := sc.PowerOff(ctx, m); err != nil {
			return nil, errors.Wrapf(err, "powering off %s", m.Role)
		}
		if err := sc.RestoreCheckpoint(ctx, m, CheckpointName); err != nil {
			return nil, errors.Wrapf(err, "restoring %s", m.Role)
		}
		if err := sc.PowerOn(ctx, m); err != nil {
			return nil, errors.Wrapf(err, "powering on %s", m.Role)
		}
		m.Addr = ""
	}
	return c.prober().Wait(ctx, out)
}

// wipeWorkspaces clears the workspace directory content on every machine in
// ms in parallel. Dotfiles at the top level survive, so SSH credentials stay
// intact.
func (c *Controller) wipeWorkspaces(ctx context.Context, ms machine.Set) error {
	logging.Info(ctx, "Wiping workspaces on: ", strings.Join(ms.Roles(), ", "))
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range ms {
		m := m
		g.Go(func() error {
			conn, err := machine.Dial(ctx, m, c.Account)
			if err != nil {
				return errors.Wrapf(err, "wiping workspace on %s", m.Role)
			}
			defer conn.Close(ctx)
			// find tolerates an already-empty workspace, unlike a shell glob.
			cmd := fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 ! -name '.*' -exec rm -rf -- {} +", shutil.Escape(c.workspace()))
			if err := conn.CommandContext(ctx, "sh", "-c", cmd).Run(ssh.DumpLogOnError); err != nil {
				return errors.Wrapf(err, "wiping workspace on %s", m.Role)
			}
			return nil
		})
	}
	return g.Wait()
}

// WithPowerCycle stops m, runs f, and guarantees a start attempt afterwards
// even when f fails. Providers that cannot power cycle run f directly.
func (c *Controller) WithPowerCycle(ctx context.Context, m *machine.Machine, f func(context.Context) error) (retErr error) {
	pc, ok := c.Provider.(PowerCycler)
	if !ok {
		logging.Debugf(ctx, "Provider cannot power cycle %s; running without cycling", m.Role)
		return f(ctx)
	}
	if err := pc.PowerOff(ctx, m); err != nil {
		return errors.Wrapf(err, "powering off %s", m.Role)
	}
	defer func() {
		if err := pc.PowerOn(ctx, m); err != nil {
			if retErr == nil {
				retErr = errors.Wrapf(err, "powering on %s", m.Role)
			} else {
				logging.Infof(ctx, "Failed to power %s back on: %v", m.Role, err)
			}
		}
	}()
	return f(ctx)
}

// detectDistro reads the distribution ID from the primary machine.
func (c *Controller) detectDistro(ctx context.Context, m *machine.Machine) (string, error) {
	if m == nil {
		return "", nil
	}
	conn, err := machine.Dial(ctx, m, c.Account)
	if err != nil {
		return "", err
	}
	defer conn.Close(ctx)

	b, err := linuxssh.ReadFile(ctx, conn, osReleasePath)
	if err != nil {
		return "", err
	}
	return parseOSRelease(string(b)), nil
}

// parseOSRelease extracts the ID value from os-release content.
func parseOSRelease(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "ID=") {
			continue
		}
		v := strings.TrimPrefix(line, "ID=")
		v = strings.Trim(v, `"'`)
		return strings.TrimSpace(v)
	}
	return ""
}
