// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package probe waits for deployed machines to publish reachable addresses.
//
// Backends assign network addresses asynchronously, so after deployment each
// machine goes through two gates before a run may use it: the backend must
// report an address, and the address must accept connections on the machine's
// SSH port. One deadline is shared by the whole machine set.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/machine"
)

const (
	// DefaultTimeout bounds address discovery for the whole machine set.
	DefaultTimeout = 300 * time.Second
	// DefaultInterval is the delay between readiness passes.
	DefaultInterval = 5 * time.Second

	// reachTimeout bounds a single reachability dial.
	reachTimeout = 5 * time.Second
)

// clk is replaced in unit tests to use fake clocks.
var clk = clock.NewClock()

// LookupFunc queries the backend for the current address of a machine. It
// returns an empty string without an error while the backend has not assigned
// one yet.
type LookupFunc func(ctx context.Context, m *machine.Machine) (string, error)

// Prober polls a deployed machine set until every machine is reachable.
type Prober struct {
	// Lookup obtains a machine's address from the backend.
	Lookup LookupFunc
	// Reach verifies that addr accepts TCP connections on port. If nil,
	// a real dialer is used.
	Reach func(ctx context.Context, addr string, port int) error
	// Timeout bounds the wait for the whole set. Non-positive values mean
	// DefaultTimeout.
	Timeout time.Duration
	// Interval is the delay between passes. Non-positive values mean
	// DefaultInterval.
	Interval time.Duration
}

// TimeoutError is reported when some machines miss the readiness deadline.
type TimeoutError struct {
	// Roles lists the machines that never became reachable.
	Roles []string
	// Timeout is the deadline that was missed.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("machines [%s] not ready after %v", strings.Join(e.Roles, ", "), e.Timeout)
}

// Wait blocks until every machine in ms has a reachable address, then returns
// a copy of the set with addresses filled in. ms itself is not modified.
// Machines that already carry an address are trusted as ready. If the shared
// deadline passes first, Wait returns a *TimeoutError naming the machines
// that are still missing.
func (p *Prober) Wait(ctx context.Context, ms machine.Set) (machine.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	out := ms.Clone()
	deadline := clk.Now().Add(timeout)
	for {
		if p.pass(ctx, out) {
			return out, nil
		}
		if !clk.Now().Before(deadline) {
			return nil, &TimeoutError{Roles: out.Unready(), Timeout: timeout}
		}
		tm := clk.NewTimer(interval)
		select {
		case <-ctx.Done():
			tm.Stop()
			return nil, ctx.Err()
		case <-tm.C():
		}
		tm.Stop()
	}
}

// pass runs one readiness sweep over ms and reports whether every machine now
// has a verified address. An address that fails the reachability check is
// discarded so that the next pass retries it from scratch.
func (p *Prober) pass(ctx context.Context, ms machine.Set) bool {
	ready := true
	for _, m := range ms {
		if m.Addr != "" {
			continue
		}
		addr, err := p.Lookup(ctx, m)
		if err != nil {
			logging.Debugf(ctx, "Address lookup for %s failed: %v", m.Role, err)
			ready = false
			continue
		}
		if addr == "" {
			ready = false
			continue
		}
		if err := p.reach(ctx, addr, m.SSHPort()); err != nil {
			logging.Debugf(ctx, "Machine %s not reachable at %s: %v", m.Role, addr, err)
			ready = false
			continue
		}
		m.Addr = addr
		logging.Infof(ctx, "Machine %s is ready at %s", m.Role, addr)
	}
	return ready
}

func (p *Prober) reach(ctx context.Context, addr string, port int) error {
	if p.Reach != nil {
		return p.Reach(ctx, addr, port)
	}
	return tcpReach(ctx, addr, port)
}

// tcpReach checks that addr accepts TCP connections on port.
func tcpReach(ctx context.Context, addr string, port int) error {
	d := net.Dialer{Timeout: reachTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
