// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package script

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/machine"
	"github.com/corralhq/corral/ssh/linuxssh"
)

// ConstantsFile is the name of the parameter file uploaded to each machine's
// workspace. Remote scripts source it to read their parameters.
const ConstantsFile = "constants.sh"

// constantsHeader is the first line of every generated constants payload.
const constantsHeader = "# Generated by corral"

// FormatConstants renders params as a constants payload: the generated-by
// header followed by one KEY=VALUE line per parameter, sorted by key.
// Identical maps always produce byte-identical payloads.
func FormatConstants(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(constantsHeader)
	b.WriteByte('\n')
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// ParseConstants recovers the parameter map from a constants payload.
// Comment lines and blank lines are skipped.
func ParseConstants(data []byte) (map[string]string, error) {
	params := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("constants line %q is not in KEY=VALUE form", line)
		}
		params[kv[0]] = kv[1]
	}
	return params, nil
}

// UploadConstants writes the constants payload for params to the workspace of
// every machine in ms. Machines are uploaded to in parallel; the first error
// is returned after all uploads settle. Execution of any script, including a
// host-local one, must not begin on a machine before its upload completes.
func (r *Remote) UploadConstants(ctx context.Context, ms machine.Set, params map[string]string) error {
	data := FormatConstants(params)
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range ms {
		m := m
		g.Go(func() error {
			conn, err := machine.Dial(ctx, m, r.Account)
			if err != nil {
				return errors.Wrapf(err, "uploading constants to %s", m.Role)
			}
			defer conn.Close(ctx)
			dst := filepath.Join(r.workspace(), ConstantsFile)
			if err := linuxssh.WriteFile(ctx, conn, dst, data, 0644); err != nil {
				return errors.Wrapf(err, "uploading constants to %s", m.Role)
			}
			return nil
		})
	}
	return g.Wait()
}
