// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package verdict_test

import (
	"encoding/json"
	"testing"

	"github.com/corralhq/corral/internal/verdict"
)

func TestTranslate(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		token string
		want  verdict.Verdict
	}{
		{"TestCompleted", verdict.Passed},
		{"TestFailed", verdict.Failed},
		{"TestAborted", verdict.Aborted},
		{"", verdict.Unknown},
		{"TestRunning", verdict.Unknown},
		{"testcompleted", verdict.Unknown},
		{"TestCompleted ", verdict.Unknown},
	} {
		if got := verdict.Translate(tc.token); got != tc.want {
			t.Errorf("Translate(%q) = %v; want %v", tc.token, got, tc.want)
		}
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		vs   []verdict.Verdict
		want verdict.Verdict
	}{
		{[]verdict.Verdict{verdict.Passed}, verdict.Passed},
		{[]verdict.Verdict{verdict.Passed, verdict.Passed}, verdict.Passed},
		{[]verdict.Verdict{verdict.Passed, verdict.Unknown}, verdict.Unknown},
		{[]verdict.Verdict{verdict.Unknown, verdict.Failed}, verdict.Failed},
		{[]verdict.Verdict{verdict.Failed, verdict.Aborted, verdict.Passed}, verdict.Aborted},
		{[]verdict.Verdict{verdict.Aborted}, verdict.Aborted},
		{nil, verdict.Unknown},
	} {
		if got := verdict.Merge(tc.vs...); got != tc.want {
			t.Errorf("Merge(%v) = %v; want %v", tc.vs, got, tc.want)
		}
	}
}

func TestMergeNeverUpgradesUnknown(t *testing.T) {
	t.Parallel()
	if got := verdict.Merge(verdict.Unknown, verdict.Passed, verdict.Passed); got == verdict.Passed {
		t.Error("Merge upgraded Unknown to Passed")
	}
}

func TestJSON(t *testing.T) {
	t.Parallel()
	for _, v := range []verdict.Verdict{verdict.Unknown, verdict.Passed, verdict.Failed, verdict.Aborted} {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal(%v) failed: %v", v, err)
		}
		if want := `"` + v.String() + `"`; string(b) != want {
			t.Errorf("Marshal(%v) = %s; want %s", v, b, want)
		}
		var got verdict.Verdict
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", b, err)
		}
		if got != v {
			t.Errorf("Unmarshal(%s) = %v; want %v", b, got, v)
		}
	}
	var got verdict.Verdict
	if err := json.Unmarshal([]byte(`"flaky"`), &got); err == nil {
		t.Error("Unmarshal accepted an unrecognized verdict name")
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		v    verdict.Verdict
		want string
	}{
		{verdict.Unknown, "unknown"},
		{verdict.Passed, "passed"},
		{verdict.Failed, "failed"},
		{verdict.Aborted, "aborted"},
		{verdict.Verdict(42), "invalid"},
	} {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("Verdict(%d).String() = %q; want %q", int(tc.v), got, tc.want)
		}
	}
}
