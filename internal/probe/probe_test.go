// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/go-cmp/cmp"

	"github.com/corralhq/corral/internal/machine"
)

// useFakeClock installs a fake clock initialized with the UNIX epoch.
// restore must be called later to uninstall the fake clock.
func useFakeClock() (fclk *fakeclock.FakeClock, restore func()) {
	fclk = fakeclock.NewFakeClock(time.Unix(0, 0))
	clk = fclk
	restore = func() { clk = clock.NewClock() }
	return fclk, restore
}

type waitResult struct {
	ms  machine.Set
	err error
}

// startWait runs p.Wait in a goroutine and returns a channel delivering its
// result.
func startWait(ctx context.Context, p *Prober, ms machine.Set) <-chan waitResult {
	ch := make(chan waitResult, 1)
	go func() {
		out, err := p.Wait(ctx, ms)
		ch <- waitResult{out, err}
	}()
	return ch
}

// recvResult receives the result of Wait, giving up after 10 seconds of real
// time.
func recvResult(t *testing.T, ch <-chan waitResult) waitResult {
	t.Helper()

	// Use the real timer.
	tm := time.NewTimer(10 * time.Second)
	defer tm.Stop()

	select {
	case res := <-ch:
		return res
	case <-tm.C:
		t.Fatal("Wait did not return")
		return waitResult{}
	}
}

// okReach accepts every address without dialing.
func okReach(ctx context.Context, addr string, port int) error {
	return nil
}

func TestWait(t *testing.T) {
	var mu sync.Mutex
	var reached []string
	p := &Prober{
		Lookup: func(ctx context.Context, m *machine.Machine) (string, error) {
			switch m.Role {
			case "primary":
				return "10.0.0.5", nil
			case "peer":
				return "10.0.0.6", nil
			}
			return "", errors.New("unknown role")
		},
		Reach: func(ctx context.Context, addr string, port int) error {
			mu.Lock()
			defer mu.Unlock()
			reached = append(reached, net.JoinHostPort(addr, strconv.Itoa(port)))
			return nil
		},
	}
	ms := machine.Set{
		{Role: "primary"},
		{Role: "peer", Port: 2222},
	}

	out, err := p.Wait(context.Background(), ms)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	want := machine.Set{
		{Role: "primary", Addr: "10.0.0.5"},
		{Role: "peer", Addr: "10.0.0.6", Port: 2222},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Wait returned unexpected set (-want +got):\n%s", diff)
	}
	if ms[0].Addr != "" || ms[1].Addr != "" {
		t.Error("Wait mutated the input set")
	}
	if diff := cmp.Diff([]string{"10.0.0.5:22", "10.0.0.6:2222"}, reached); diff != "" {
		t.Errorf("Unexpected reachability checks (-want +got):\n%s", diff)
	}
}

func TestWaitAlreadyAddressed(t *testing.T) {
	p := &Prober{
		Lookup: func(ctx context.Context, m *machine.Machine) (string, error) {
			t.Errorf("Lookup called for %s, which already has an address", m.Role)
			return "", errors.New("unexpected lookup")
		},
	}
	ms := machine.Set{{Role: "primary", Addr: "10.0.0.5"}}

	out, err := p.Wait(context.Background(), ms)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if out[0].Addr != "10.0.0.5" {
		t.Errorf("Wait returned addr %q; want %q", out[0].Addr, "10.0.0.5")
	}
}

func TestWaitLateAssignment(t *testing.T) {
	fclk, restore := useFakeClock()
	defer restore()

	// The backend publishes the address 12 seconds in.
	assignedAt := time.Unix(12, 0)
	p := &Prober{
		Lookup: func(ctx context.Context, m *machine.Machine) (string, error) {
			if clk.Now().Before(assignedAt) {
				return "", nil
			}
			return "10.0.0.9", nil
		},
		Reach: okReach,
	}

	ch := startWait(context.Background(), p, machine.Set{{Role: "primary"}})

	// Passes at t=0, 5 and 10 see no address; the pass at t=15 succeeds.
	for i := 0; i < 3; i++ {
		fclk.WaitForNWatchersAndIncrement(5*time.Second, 1)
	}

	res := recvResult(t, ch)
	if res.err != nil {
		t.Fatalf("Wait failed: %v", res.err)
	}
	if res.ms[0].Addr != "10.0.0.9" {
		t.Errorf("Wait returned addr %q; want %q", res.ms[0].Addr, "10.0.0.9")
	}
}

func TestWaitUnreachableRetried(t *testing.T) {
	fclk, restore := useFakeClock()
	defer restore()

	// The address is known from the start but refuses connections for the
	// first 8 seconds. It must not be accepted until a check passes.
	reachableAt := time.Unix(8, 0)
	checks := 0
	p := &Prober{
		Lookup: func(ctx context.Context, m *machine.Machine) (string, error) {
			return "10.0.0.9", nil
		},
		Reach: func(ctx context.Context, addr string, port int) error {
			checks++
			if clk.Now().Before(reachableAt) {
				return errors.New("connection refused")
			}
			return nil
		},
	}

	ch := startWait(context.Background(), p, machine.Set{{Role: "primary"}})

	for i := 0; i < 2; i++ {
		fclk.WaitForNWatchersAndIncrement(5*time.Second, 1)
	}

	res := recvResult(t, ch)
	if res.err != nil {
		t.Fatalf("Wait failed: %v", res.err)
	}
	if res.ms[0].Addr != "10.0.0.9" {
		t.Errorf("Wait returned addr %q; want %q", res.ms[0].Addr, "10.0.0.9")
	}
	if checks != 3 {
		t.Errorf("Reachability checked %d times; want 3", checks)
	}
}

func TestWaitTimeout(t *testing.T) {
	fclk, restore := useFakeClock()
	defer restore()

	p := &Prober{
		Lookup: func(ctx context.Context, m *machine.Machine) (string, error) {
			if m.Role == "primary" {
				return "10.0.0.5", nil
			}
			return "", nil
		},
		Reach:    okReach,
		Timeout:  10 * time.Second,
		Interval: 5 * time.Second,
	}
	ms := machine.Set{{Role: "primary"}, {Role: "peer"}}

	ch := startWait(context.Background(), p, ms)

	// The deadline is reached on the pass at t=10.
	for i := 0; i < 2; i++ {
		fclk.WaitForNWatchersAndIncrement(5*time.Second, 1)
	}

	res := recvResult(t, ch)
	var te *TimeoutError
	if !errors.As(res.err, &te) {
		t.Fatalf("Wait returned %v; want *TimeoutError", res.err)
	}
	if diff := cmp.Diff([]string{"peer"}, te.Roles); diff != "" {
		t.Errorf("TimeoutError roles mismatch (-want +got):\n%s", diff)
	}
	if te.Timeout != 10*time.Second {
		t.Errorf("TimeoutError timeout = %v; want %v", te.Timeout, 10*time.Second)
	}
}

func TestWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prober{
		Lookup: func(ctx context.Context, m *machine.Machine) (string, error) {
			return "", nil
		},
		Reach:    okReach,
		Interval: time.Millisecond,
	}

	ch := startWait(ctx, p, machine.Set{{Role: "primary"}})
	cancel()

	res := recvResult(t, ch)
	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("Wait returned %v; want %v", res.err, context.Canceled)
	}
}

func TestWaitTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	p := &Prober{
		Lookup: func(ctx context.Context, m *machine.Machine) (string, error) {
			return host, nil
		},
	}
	ms := machine.Set{{Role: "primary", Port: port}}

	out, err := p.Wait(context.Background(), ms)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if out[0].Addr != host {
		t.Errorf("Wait returned addr %q; want %q", out[0].Addr, host)
	}
}
