// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package param resolves a test definition's raw parameter list into the
// flat key/value map passed to test scripts.
package param

import (
	"strings"

	"github.com/corralhq/corral/errors"
)

// Sentinel is the reserved parameter name whose value names deployment-time
// secrets to expand into the resolved map.
const Sentinel = "SECRET_PARAMS"

// Secrets carries the deployment-time values the sentinel group expands to.
// Fields corresponding to tokens absent from the sentinel list are ignored.
type Secrets struct {
	// Password of the privileged account on the machines.
	Password string
	// RoleName of the primary machine in the current set.
	RoleName string
	// Distro is the OS distribution detected on the primary machine.
	Distro string
	// IPv4 is the primary machine's assigned address.
	IPv4 string
}

// Resolve turns an ordered list of "name=value" entries into a flat map.
//
// Each entry is split once on the first "=". An entry whose name is Sentinel
// has its value parsed as a parenthesized, space-separated token list; each
// recognized token is resolved from secrets and inserted under its canonical
// key, and unrecognized tokens are ignored. All other entries are inserted
// with the name upper-cased. Later entries overwrite earlier ones.
//
// An entry with no "=" is a configuration error.
func Resolve(entries []string, secrets Secrets) (map[string]string, error) {
	params := make(map[string]string)
	for _, e := range entries {
		f := strings.SplitN(e, "=", 2)
		if len(f) != 2 {
			return nil, errors.Errorf("parameter %q is not in name=value form", e)
		}
		name, value := f[0], f[1]
		if name == Sentinel {
			for _, tok := range splitTokens(value) {
				switch tok {
				case "Password":
					params["PASSWORD"] = secrets.Password
				case "RoleName":
					params["ROLE_NAME"] = secrets.RoleName
				case "Distro":
					params["DISTRO"] = secrets.Distro
				case "IPv4":
					params["IPV4"] = secrets.IPv4
				}
			}
			continue
		}
		params[strings.ToUpper(name)] = value
	}
	return params, nil
}

// splitTokens splits a parenthesized, space-separated token list such as
// "(Password RoleName)".
func splitTokens(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	return strings.Fields(s)
}
