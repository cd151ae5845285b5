// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package script classifies test scripts by type suffix and executes them.
//
// A test script runs in one of three ways depending on its suffix: shell
// scripts and interpreted scripts execute on the remote machine, host-local
// scripts execute on the controller host. All three receive the resolved
// parameter map, remote kinds through a constants payload uploaded to every
// machine, host-local kinds through a single serialized argument.
package script

import (
	"fmt"
	"path/filepath"
)

// Kind is the execution strategy selected for a test script.
type Kind int

const (
	// Unknown is the zero value. Classify never returns it together with
	// a nil error.
	Unknown Kind = iota
	// RemoteShell runs the script under a shell on the remote machine.
	RemoteShell
	// RemoteInterpreted runs an interpreter against the script on the
	// remote machine.
	RemoteInterpreted
	// HostLocal runs the script on the controller host.
	HostLocal
)

func (k Kind) String() string {
	switch k {
	case Unknown:
		return "unknown"
	case RemoteShell:
		return "remote shell"
	case RemoteInterpreted:
		return "remote interpreted"
	case HostLocal:
		return "host local"
	default:
		return fmt.Sprintf("invalid(%d)", int(k))
	}
}

// Remote reports whether scripts of this kind execute on the remote machine.
func (k Kind) Remote() bool {
	return k == RemoteShell || k == RemoteInterpreted
}

// UnknownTypeError is reported when a script reference carries no recognized
// type suffix.
type UnknownTypeError struct {
	// Script is the script reference as written in the test definition.
	Script string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("script %q has no recognized type suffix", e.Script)
}

// Classify selects the execution strategy for a script by its suffix:
// .sh runs under a remote shell, .py runs under a remote interpreter, and
// .ps1 runs on the controller host. Any other suffix is a configuration
// error reported as *UnknownTypeError.
func Classify(script string) (Kind, error) {
	switch filepath.Ext(script) {
	case ".sh":
		return RemoteShell, nil
	case ".py":
		return RemoteInterpreted, nil
	case ".ps1":
		return HostLocal, nil
	}
	return Unknown, &UnknownTypeError{Script: script}
}
