// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ssh

import (
	"fmt"

	"github.com/corralhq/corral/shutil"
)

// Platform defines platform-specific behaviors for SSH connections.
type Platform struct {
	// BuildShellCommand builds a command string that changes the working
	// directory to dir and executes args in the default shell of the host.
	// If dir is empty, the command runs in the default working directory.
	BuildShellCommand func(dir string, args []string) string
}

// shellCmd builds a shell command string to execute a process with exec.
func shellCmd(dir string, args []string) string {
	cmd := "exec " + shutil.EscapeSlice(args)
	if dir != "" {
		// Return 125 (chosen arbitrarily) if dir does not exist.
		cmd = fmt.Sprintf("cd %s > /dev/null 2>&1 || exit 125; %s", shutil.Escape(dir), cmd)
	}
	return cmd
}

// DefaultPlatform represents a generic Linux test machine.
var DefaultPlatform = &Platform{BuildShellCommand: shellCmd}
