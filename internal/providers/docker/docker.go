// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package docker implements the machine backend on the local Docker daemon.
//
// Containers stand in for virtual machines: each image runs an SSH daemon as
// its entry point and tests drive the container over SSH like any other
// machine. Experimental engine checkpoints back the suite checkpoint, so the
// provider is snapshot capable on daemons with checkpoint support enabled.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/deploy"
	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/machine"
)

const namePrefix = "corral"

// stopTimeout bounds how long a container gets to shut down cleanly before
// the daemon kills it.
const stopTimeout = 30 * time.Second

// roleLabel marks containers with the machine role they serve.
const roleLabel = "dev.corral.role"

// Provider provisions machines as containers on one Docker daemon.
type Provider struct {
	cli    *client.Client
	images map[string]string
	runTag string
}

var _ deploy.SnapshotCapable = (*Provider)(nil)
var _ deploy.Provider = (*Provider)(nil)

// New returns a Provider creating containers from the role to image table,
// connecting to the daemon per the standard Docker environment variables.
func New(images map[string]string) (*Provider, error) {
	for role, img := range images {
		if img == "" {
			return nil, errors.Errorf("machine %q has no image", role)
		}
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "connecting to Docker daemon")
	}
	return &Provider{cli: cli, images: images, runTag: uuid.New().String()[:8]}, nil
}

// Close releases the connection to the daemon.
func (p *Provider) Close() error {
	return p.cli.Close()
}

// containerName builds a name unique across runs so leftovers from an
// aborted run never collide with the next one.
func (p *Provider) containerName(role string) string {
	return fmt.Sprintf("%s-%s-%s", namePrefix, p.runTag, role)
}

// Provision creates and starts one container per machine, filling in the
// container IDs as backend handles.
func (p *Provider) Provision(ctx context.Context, ms machine.Set) error {
	for _, m := range ms {
		img, ok := p.images[m.Role]
		if !ok {
			return errors.Errorf("no image configured for machine %q", m.Role)
		}
		conf := &container.Config{
			Image:    img,
			Hostname: m.Role,
			Labels:   map[string]string{roleLabel: m.Role},
		}
		// Checkpointing and most integration workloads need full device
		// and cgroup access.
		hostConf := &container.HostConfig{Privileged: true}
		resp, err := p.cli.ContainerCreate(ctx, conf, hostConf, nil, nil, p.containerName(m.Role))
		if err != nil {
			return errors.Wrapf(err, "creating container for %s", m.Role)
		}
		m.HostRef = resp.ID
		if err := p.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
			return errors.Wrapf(err, "starting container for %s", m.Role)
		}
		logging.Infof(ctx, "Started container %s for %s", shortID(resp.ID), m.Role)
	}
	return nil
}

// Address reports the container's current address. A container whose
// networking is not up yet yields an empty address without an error, and the
// readiness prober retries.
func (p *Provider) Address(ctx context.Context, m *machine.Machine) (string, error) {
	info, err := p.inspect(ctx, m)
	if err != nil {
		return "", err
	}
	return address(&info), nil
}

// PowerOff stops the container. Stopping an already stopped container is a
// no-op, so the checkpoint and restore sequences can power off
// unconditionally.
func (p *Provider) PowerOff(ctx context.Context, m *machine.Machine) error {
	info, err := p.inspect(ctx, m)
	if err != nil {
		return err
	}
	if !running(&info) {
		return nil
	}
	logging.Debugf(ctx, "Stopping container for %s", m.Role)
	secs := int(stopTimeout / time.Second)
	if err := p.cli.ContainerStop(ctx, m.HostRef, container.StopOptions{Timeout: &secs}); err != nil {
		return errors.Wrapf(err, "stopping container for %s", m.Role)
	}
	return nil
}

// PowerOn starts the container if it is not already running.
func (p *Provider) PowerOn(ctx context.Context, m *machine.Machine) error {
	info, err := p.inspect(ctx, m)
	if err != nil {
		return err
	}
	if running(&info) {
		return nil
	}
	logging.Debugf(ctx, "Starting container for %s", m.Role)
	if err := p.cli.ContainerStart(ctx, m.HostRef, types.ContainerStartOptions{}); err != nil {
		return errors.Wrapf(err, "starting container for %s", m.Role)
	}
	return nil
}

// CreateCheckpoint saves the container state under name. Engine checkpoints
// are taken from a live container, so a stopped machine is started first.
func (p *Provider) CreateCheckpoint(ctx context.Context, m *machine.Machine, name string) error {
	if err := p.PowerOn(ctx, m); err != nil {
		return err
	}
	opts := types.CheckpointCreateOptions{CheckpointID: name, Exit: false}
	if err := p.cli.CheckpointCreate(ctx, m.HostRef, opts); err != nil {
		return errors.Wrapf(err, "checkpointing container for %s", m.Role)
	}
	return nil
}

// RestoreCheckpoint starts the container from the named checkpoint. The
// container must be stopped, which the controller's preceding power-off
// guarantees.
func (p *Provider) RestoreCheckpoint(ctx context.Context, m *machine.Machine, name string) error {
	opts := types.ContainerStartOptions{CheckpointID: name}
	if err := p.cli.ContainerStart(ctx, m.HostRef, opts); err != nil {
		return errors.Wrapf(err, "restoring container for %s", m.Role)
	}
	return nil
}

// Cleanup force-removes every container of the set. Removal continues past
// individual failures so one stuck container does not leak the rest.
func (p *Provider) Cleanup(ctx context.Context, ms machine.Set) error {
	var firstErr error
	for _, m := range ms {
		if m.HostRef == "" {
			continue
		}
		opts := types.ContainerRemoveOptions{Force: true, RemoveVolumes: true}
		if err := p.cli.ContainerRemove(ctx, m.HostRef, opts); err != nil && !client.IsErrNotFound(err) {
			logging.Infof(ctx, "Failed to remove container for %s: %v", m.Role, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "removing container for %s", m.Role)
			}
			continue
		}
		logging.Infof(ctx, "Removed container %s for %s", shortID(m.HostRef), m.Role)
	}
	return firstErr
}

func (p *Provider) inspect(ctx context.Context, m *machine.Machine) (types.ContainerJSON, error) {
	if m.HostRef == "" {
		return types.ContainerJSON{}, errors.Errorf("machine %q has no container", m.Role)
	}
	info, err := p.cli.ContainerInspect(ctx, m.HostRef)
	if err != nil {
		return types.ContainerJSON{}, errors.Wrapf(err, "inspecting container for %s", m.Role)
	}
	return info, nil
}

// address extracts a container's address, preferring the default bridge
// network and falling back to the first attached network in name order.
func address(info *types.ContainerJSON) string {
	ns := info.NetworkSettings
	if ns == nil {
		return ""
	}
	if ns.IPAddress != "" {
		return ns.IPAddress
	}
	names := make([]string, 0, len(ns.Networks))
	for name := range ns.Networks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if es := ns.Networks[name]; es != nil && es.IPAddress != "" {
			return es.IPAddress
		}
	}
	return ""
}

// running reports whether an inspected container is currently running.
func running(info *types.ContainerJSON) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

// shortID abbreviates a container ID the way the Docker CLI does.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
