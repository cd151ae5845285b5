// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package machine defines descriptors for the addressable test targets of a
// run and the SSH dialing helper shared by the lifecycle phases.
package machine

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/exp/slices"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/ssh"
)

const (
	defaultPort    = 22
	connectTimeout = 10 * time.Second
)

// Machine is one addressable test target. Descriptors are created by the
// deployment lifecycle controller; Addr is populated by the readiness prober
// once a reachable address has been discovered.
type Machine struct {
	// Role is the logical name the suite refers to this machine by.
	Role string
	// Addr is the network address assigned by the backend. It is empty
	// until discovered, and once reachable it is never cleared within a run
	// except by a checkpoint restore.
	Addr string
	// Port is the remote command port. Zero means the default SSH port.
	Port int
	// HostRef is the backend-specific handle for the machine, such as a
	// container or instance ID.
	HostRef string
}

// SSHPort returns the remote command port, substituting the default SSH port
// for zero.
func (m *Machine) SSHPort() int {
	if m.Port == 0 {
		return defaultPort
	}
	return m.Port
}

// Account identifies the credentials used for remote operations on a machine.
type Account struct {
	// User is the login name. Empty means the privileged account, root.
	User string
	// Password is used for password and keyboard-interactive authentication
	// when set. Key-based methods are tried first.
	Password string
	// KeyFile is an optional path to an unencrypted SSH private key.
	KeyFile string
	// KeyDir is an optional path to a directory containing SSH private keys.
	KeyDir string
}

// Set is an ordered collection of the machines taking part in one run. The
// first machine is the primary target.
type Set []*Machine

// Primary returns the machine test scripts treat as the main target, the
// first in the set, or nil for an empty set.
func (s Set) Primary() *Machine {
	if len(s) == 0 {
		return nil
	}
	return s[0]
}

// ByRole returns the machine with the given role.
func (s Set) ByRole(role string) (*Machine, bool) {
	i := slices.IndexFunc(s, func(m *Machine) bool { return m.Role == role })
	if i < 0 {
		return nil, false
	}
	return s[i], true
}

// Roles returns the role names in set order.
func (s Set) Roles() []string {
	rs := make([]string, len(s))
	for i, m := range s {
		rs[i] = m.Role
	}
	return rs
}

// Unready returns the roles of machines that do not have an address yet.
func (s Set) Unready() []string {
	var rs []string
	for _, m := range s {
		if m.Addr == "" {
			rs = append(rs, m.Role)
		}
	}
	return rs
}

// Clone returns a copy of the set with copied descriptors, so that writers
// can populate addresses without mutating the caller's collection.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for i, m := range s {
		c := *m
		out[i] = &c
	}
	return out
}

// Dial opens an SSH connection to m, authenticating as acct.
func Dial(ctx context.Context, m *Machine, acct Account) (*ssh.Conn, error) {
	if m.Addr == "" {
		return nil, errors.Errorf("machine %q has no address", m.Role)
	}
	user := acct.User
	if user == "" {
		user = "root"
	}
	opts := &ssh.Options{
		User:           user,
		Hostname:       net.JoinHostPort(m.Addr, strconv.Itoa(m.SSHPort())),
		KeyFile:        acct.KeyFile,
		KeyDir:         acct.KeyDir,
		Password:       acct.Password,
		ConnectTimeout: connectTimeout,
	}
	return ssh.New(ctx, opts)
}
