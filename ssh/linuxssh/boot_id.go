// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package linuxssh

import (
	"context"
	"strings"

	"github.com/corralhq/corral/ssh"
)

// ReadBootID reads the current boot_id on the host.
// Each boot generates a fresh random ID, so comparing values taken before and
// after a reboot request tells whether the machine actually went down.
func ReadBootID(ctx context.Context, conn *ssh.Conn) (string, error) {
	out, err := conn.CommandContext(ctx, "cat", "/proc/sys/kernel/random/boot_id").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
