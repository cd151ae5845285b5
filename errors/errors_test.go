// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package errors

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
)

func check(t *testing.T, err error, msg string, traceRegexp *regexp.Regexp) {
	if s := err.Error(); s != msg {
		t.Errorf("Wrong error message %q; want %q", s, msg)
	}
	if s := fmt.Sprintf("%v", err); s != msg {
		t.Errorf("Wrong default value %q; want %q", s, msg)
	}
	if tr := fmt.Sprintf("%+v", err); !traceRegexp.MatchString(tr) {
		t.Errorf("Wrong trace %q; should match %q", tr, traceRegexp)
	}
}

func TestNew(t *testing.T) {
	const msg = "meow"
	traceRegexp := regexp.MustCompile(`^meow
	at github\.com/corralhq/corral/errors\.TestNew \(errors_test.go:\d+\)`)

	err := New(msg)

	check(t, err, msg, traceRegexp)
}

func TestErrorf(t *testing.T) {
	const msg = "meow"
	traceRegexp := regexp.MustCompile(`^meow
	at github\.com/corralhq/corral/errors\.TestErrorf \(errors_test.go:\d+\)`)

	err := Errorf("%sow", "me")

	check(t, err, msg, traceRegexp)
}

func TestWrap(t *testing.T) {
	const msg = "meow: woof"
	traceRegexp := regexp.MustCompile(`(?s)^meow
	at github\.com/corralhq/corral/errors\.TestWrap \(errors_test.go:\d+\)
.*
woof
	at github\.com/corralhq/corral/errors\.TestWrap \(errors_test.go:\d+\)`)

	err := Wrap(New("woof"), "meow")

	check(t, err, msg, traceRegexp)
}

func TestWrapForeignError(t *testing.T) {
	const msg = "meow: woof"
	traceRegexp := regexp.MustCompile(`(?s)^meow
	at github\.com/corralhq/corral/errors\.TestWrapForeignError \(errors_test.go:\d+\)
.*
woof
	at \?\?\?$`)

	// Use standard errors package to create an error without trace.
	err := Wrap(errors.New("woof"), "meow")

	check(t, err, msg, traceRegexp)
}

func TestWrapNil(t *testing.T) {
	const msg = "meow"
	traceRegexp := regexp.MustCompile(`^meow
	at github\.com/corralhq/corral/errors\.TestWrapNil \(errors_test.go:\d+\)`)

	err := Wrap(nil, "meow")

	check(t, err, msg, traceRegexp)
}

func TestWrapf(t *testing.T) {
	const msg = "meow: woof"
	traceRegexp := regexp.MustCompile(`(?s)^meow
	at github\.com/corralhq/corral/errors\.TestWrapf \(errors_test.go:\d+\)
.*
woof
	at github\.com/corralhq/corral/errors\.TestWrapf \(errors_test.go:\d+\)`)

	err := Wrapf(New("woof"), "%sow", "me")

	check(t, err, msg, traceRegexp)
}

type fakeError struct{ code int }

func (e *fakeError) Error() string { return fmt.Sprintf("fake error %d", e.code) }

func TestIs(t *testing.T) {
	cause := New("woof")
	err := Wrap(cause, "meow")
	if !Is(err, cause) {
		t.Error("Is(err, cause) = false; want true")
	}
	if Is(err, New("other")) {
		t.Error("Is(err, other) = true; want false")
	}
}

func TestAs(t *testing.T) {
	cause := &fakeError{code: 42}
	err := Wrap(Wrap(cause, "woof"), "meow")

	var fe *fakeError
	if !As(err, &fe) {
		t.Fatal("As(err, &fe) = false; want true")
	}
	if fe.code != 42 {
		t.Errorf("fe.code = %d; want 42", fe.code)
	}
}

func TestUnwrap(t *testing.T) {
	cause := New("woof")
	err := Wrap(cause, "meow")
	if got := Unwrap(err); got != cause {
		t.Errorf("Unwrap(err) = %v; want %v", got, cause)
	}
	if got := Unwrap(cause); got != nil {
		t.Errorf("Unwrap(cause) = %v; want nil", got)
	}
}
