// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ctxutil

import (
	"context"
	"testing"
	"time"
)

// runAndGetDeadline runs f with a context derived from ctx and returns the
// derived context's deadline, or a zero time if it has none.
func runAndGetDeadline(ctx context.Context, f func(context.Context, time.Duration) (context.Context, context.CancelFunc), d time.Duration) (time.Time, bool) {
	ctx, cancel := f(ctx, d)
	defer cancel()
	return ctx.Deadline()
}

func TestOptionalTimeoutPositive(t *testing.T) {
	const timeout = time.Minute
	now := time.Now()
	dl, ok := runAndGetDeadline(context.Background(), OptionalTimeout, timeout)
	if !ok {
		t.Fatal("OptionalTimeout returned a context without deadline")
	}
	if min := now.Add(timeout); dl.Before(min) {
		t.Errorf("OptionalTimeout returned a context with deadline %v; want %v or later", dl, min)
	}
}

func TestOptionalTimeoutZero(t *testing.T) {
	if dl, ok := runAndGetDeadline(context.Background(), OptionalTimeout, 0); ok {
		t.Errorf("OptionalTimeout returned a context with deadline %v; want no deadline", dl)
	}
}

func TestOptionalTimeoutNegative(t *testing.T) {
	if dl, ok := runAndGetDeadline(context.Background(), OptionalTimeout, -time.Minute); ok {
		t.Errorf("OptionalTimeout returned a context with deadline %v; want no deadline", dl)
	}
}

func TestShorten(t *testing.T) {
	const (
		timeout = time.Minute
		shorten = time.Second
	)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	orig, _ := ctx.Deadline()

	dl, ok := runAndGetDeadline(ctx, Shorten, shorten)
	if !ok {
		t.Fatal("Shorten returned a context without deadline")
	}
	if want := orig.Add(-shorten); !dl.Equal(want) {
		t.Errorf("Shorten returned a context with deadline %v; want %v", dl, want)
	}
}

func TestShortenNoDeadline(t *testing.T) {
	if dl, ok := runAndGetDeadline(context.Background(), Shorten, time.Second); ok {
		t.Errorf("Shorten returned a context with deadline %v; want no deadline", dl)
	}
}

func TestDeadlineBefore(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if DeadlineBefore(context.Background(), now) {
		t.Error("DeadlineBefore returned true for a context without deadline")
	}

	ctx, cancel := context.WithDeadline(context.Background(), now)
	defer cancel()
	if !DeadlineBefore(ctx, future) {
		t.Errorf("DeadlineBefore returned false for deadline %v and time %v", now, future)
	}
	if DeadlineBefore(ctx, past) {
		t.Errorf("DeadlineBefore returned true for deadline %v and time %v", now, past)
	}
}
