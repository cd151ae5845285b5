// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package static implements the machine backend for pre-provisioned pools.
//
// The machines exist outside corral's control, so provisioning only hands
// out the configured addresses and cleanup leaves the machines running. The
// provider deliberately cannot power cycle or checkpoint; runs against a
// static pool reuse machines as they are.
package static

import (
	"context"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/deploy"
	"github.com/corralhq/corral/internal/machine"
)

// Provider serves machines from a fixed role to address table.
type Provider struct {
	addrs map[string]string
}

var _ deploy.Provider = (*Provider)(nil)

// New returns a Provider serving the given role to address table.
func New(addrs map[string]string) (*Provider, error) {
	if len(addrs) == 0 {
		return nil, errors.New("static pool has no machines")
	}
	m := make(map[string]string, len(addrs))
	for role, addr := range addrs {
		if addr == "" {
			return nil, errors.Errorf("machine %q has no address", role)
		}
		m[role] = addr
	}
	return &Provider{addrs: m}, nil
}

// Provision checks that every requested machine has a configured address and
// records it as the backend handle.
func (p *Provider) Provision(ctx context.Context, ms machine.Set) error {
	for _, m := range ms {
		addr, ok := p.addrs[m.Role]
		if !ok {
			return errors.Errorf("no address configured for machine %q", m.Role)
		}
		m.HostRef = addr
	}
	return nil
}

// Address returns the configured address for m. Reachability is still
// verified by the readiness prober.
func (p *Provider) Address(ctx context.Context, m *machine.Machine) (string, error) {
	addr, ok := p.addrs[m.Role]
	if !ok {
		return "", errors.Errorf("no address configured for machine %q", m.Role)
	}
	return addr, nil
}

// Cleanup leaves the machines untouched. They are owned by whoever
// provisioned the pool.
func (p *Provider) Cleanup(ctx context.Context, ms machine.Set) error {
	return nil
}
