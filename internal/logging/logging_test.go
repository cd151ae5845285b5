// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging_test

import (
	"bytes"
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/corralhq/corral/internal/logging"
	"github.com/corralhq/corral/internal/logging/loggingtest"
)

// memorySink is a Sink that accumulates logs to an in-memory buffer.
type memorySink struct {
	mu   sync.Mutex
	msgs []string
}

func (ms *memorySink) Log(msg string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.msgs = append(ms.msgs, msg)
}

func (ms *memorySink) Get() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.msgs...)
}

func TestSinkLogger(t *testing.T) {
	var sink memorySink
	logger := logging.NewSinkLogger(logging.LevelInfo, false, &sink)
	logger.Log(logging.LevelInfo, time.Time{}, "foo")
	logger.Log(logging.LevelInfo, time.Time{}, "bar\nbaz\n")

	want := []string{"foo", "bar\nbaz\n"}
	if diff := cmp.Diff(sink.Get(), want); diff != "" {
		t.Errorf("Messages mismatch (-got +want):\n%s", diff)
	}
}

func TestSinkLogger_Level(t *testing.T) {
	var sink memorySink
	logger := logging.NewSinkLogger(logging.LevelInfo, false, &sink)
	logger.Log(logging.LevelInfo, time.Time{}, "foo")
	logger.Log(logging.LevelDebug, time.Time{}, "bar")

	want := []string{"foo"}
	if diff := cmp.Diff(sink.Get(), want); diff != "" {
		t.Errorf("Messages mismatch (-got +want):\n%s", diff)
	}
}

func TestSinkLogger_Timestamp(t *testing.T) {
	var sink memorySink
	logger := logging.NewSinkLogger(logging.LevelInfo, true, &sink)
	logger.Log(logging.LevelInfo, time.Date(2025, 3, 14, 15, 9, 26, 535897000, time.UTC), "foo")

	msgs := sink.Get()
	if len(msgs) != 1 {
		t.Fatalf("Got %d messages; want 1", len(msgs))
	}
	if want := "2025-03-14T15:09:26.535897Z foo"; msgs[0] != want {
		t.Errorf("Message = %q; want %q", msgs[0], want)
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := logging.NewWriterSink(&buf)
	sink.Log("foo")
	sink.Log("bar")

	if want := "foo\nbar\n"; buf.String() != want {
		t.Errorf("Written logs = %q; want %q", buf.String(), want)
	}
}

func TestMultiLogger(t *testing.T) {
	logger1 := loggingtest.NewLogger(t, logging.LevelInfo)
	logger2 := loggingtest.NewLogger(t, logging.LevelInfo)

	logger := logging.NewMultiLogger(logger1)
	logger.Log(logging.LevelInfo, time.Time{}, "aaa")
	logger.AddLogger(logger2)
	logger.Log(logging.LevelInfo, time.Time{}, "bbb")
	logger.RemoveLogger(logger1)
	logger.Log(logging.LevelInfo, time.Time{}, "ccc")

	if diff := cmp.Diff(logger1.Logs(), []string{"aaa", "bbb"}); diff != "" {
		t.Errorf("Messages mismatch for logger1 (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(logger2.Logs(), []string{"bbb", "ccc"}); diff != "" {
		t.Errorf("Messages mismatch for logger2 (-got +want):\n%s", diff)
	}
}

func TestAttachLogger_Propagation(t *testing.T) {
	outer := loggingtest.NewLogger(t, logging.LevelInfo)
	inner := loggingtest.NewLogger(t, logging.LevelInfo)

	ctx := logging.AttachLogger(context.Background(), outer)
	logging.Info(ctx, "aaa")

	ctx2 := logging.AttachLogger(ctx, inner)
	logging.Info(ctx2, "bbb")

	ctx3 := logging.AttachLoggerNoPropagation(ctx, inner)
	logging.Info(ctx3, "ccc")

	if diff := cmp.Diff(outer.Logs(), []string{"aaa", "bbb"}); diff != "" {
		t.Errorf("Messages mismatch for outer (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(inner.Logs(), []string{"bbb", "ccc"}); diff != "" {
		t.Errorf("Messages mismatch for inner (-got +want):\n%s", diff)
	}
}

func TestLogPrefix(t *testing.T) {
	logger := loggingtest.NewLogger(t, logging.LevelInfo)
	ctx := logging.AttachLogger(context.Background(), logger)
	ctx = logging.SetLogPrefix(ctx, "[vm-0] ")
	logging.Info(ctx, "ready")
	logging.Infof(ctx, "took %ds", 3)
	ctx = logging.UnsetLogPrefix(ctx)
	logging.Info(ctx, "done")

	want := []string{"[vm-0] ready", "[vm-0] took 3s", "done"}
	if diff := cmp.Diff(logger.Logs(), want); diff != "" {
		t.Errorf("Messages mismatch (-got +want):\n%s", diff)
	}
}

func TestHasLogger(t *testing.T) {
	ctx := context.Background()
	if logging.HasLogger(ctx) {
		t.Error("HasLogger = true for bare context")
	}
	ctx = logging.AttachLogger(ctx, loggingtest.NewLogger(t, logging.LevelInfo))
	if !logging.HasLogger(ctx) {
		t.Error("HasLogger = false for context with logger")
	}
}

func TestReplaceInvalidUTF8(t *testing.T) {
	re := regexp.MustCompile(`^ab$`)
	if got := logging.ReplaceInvalidUTF8("a\xffb"); !re.MatchString(got) {
		t.Errorf("ReplaceInvalidUTF8 = %q; want %q", got, "ab")
	}
}
