// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package verdict defines the canonical outcome of a test run and the
// translation from raw completion tokens.
package verdict

import (
	"encoding/json"

	"github.com/corralhq/corral/errors"
)

// Verdict is the canonical outcome of a single test run.
type Verdict int

const (
	// Unknown is reported when no recognizable completion token was
	// produced. It must never be silently upgraded to Passed.
	Unknown Verdict = iota
	// Passed indicates the test completed successfully.
	Passed
	// Failed indicates the test ran but did not succeed.
	Failed
	// Aborted indicates the test could not run to completion.
	Aborted
)

// String returns a human-readable name for the verdict.
func (v Verdict) String() string {
	switch v {
	case Unknown:
		return "unknown"
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "invalid"
	}
}

// MarshalJSON serializes the verdict as its string name.
func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON restores a verdict serialized by MarshalJSON.
func (v *Verdict) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "unknown":
		*v = Unknown
	case "passed":
		*v = Passed
	case "failed":
		*v = Failed
	case "aborted":
		*v = Aborted
	default:
		return errors.Errorf("unknown verdict %q", s)
	}
	return nil
}

// Completion tokens written by test scripts to the completion token file.
const (
	TokenAborted   = "TestAborted"
	TokenFailed    = "TestFailed"
	TokenCompleted = "TestCompleted"
)

// Translate maps a raw completion token to a Verdict. The mapping is total:
// tokens outside the table yield Unknown so a missing or garbled token is
// visible in results instead of being dropped.
func Translate(token string) Verdict {
	switch token {
	case TokenAborted:
		return Aborted
	case TokenFailed:
		return Failed
	case TokenCompleted:
		return Passed
	default:
		return Unknown
	}
}

// severity orders verdicts for Merge. Unknown ranks above Passed so that a
// run with an unrecognized outcome never reports overall success.
func severity(v Verdict) int {
	switch v {
	case Passed:
		return 0
	case Unknown:
		return 1
	case Failed:
		return 2
	case Aborted:
		return 3
	default:
		return 3
	}
}

// Merge reduces the verdicts of several script executions to a single run
// verdict, keeping the most severe one. Merging nothing yields Unknown.
func Merge(vs ...Verdict) Verdict {
	if len(vs) == 0 {
		return Unknown
	}
	worst := vs[0]
	for _, v := range vs[1:] {
		if severity(v) > severity(worst) {
			worst = v
		}
	}
	return worst
}
