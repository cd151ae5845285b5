// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"io"

	"github.com/corralhq/corral/internal/deploy"
	"github.com/corralhq/corral/internal/run"
	"github.com/corralhq/corral/internal/suite"
)

// runWrapper is a wrapper that allows functions from the run package to be
// stubbed out for testing.
type runWrapper interface {
	// run builds a runner for the suite and executes it.
	run(ctx context.Context, cfg *run.Config, s *suite.Suite, pool *suite.Pool, provider deploy.Provider) (*run.Report, error)
	// writeReport calls run.WriteReport.
	writeReport(ctx context.Context, w io.Writer, resDir string, rep *run.Report, complete bool) error
}

// realRunWrapper is a runWrapper implementation that calls the real functions
// in the run package.
type realRunWrapper struct{}

func (realRunWrapper) run(ctx context.Context, cfg *run.Config, s *suite.Suite, pool *suite.Pool, provider deploy.Provider) (*run.Report, error) {
	return run.NewRunner(cfg, s, pool, provider).Run(ctx)
}

func (realRunWrapper) writeReport(ctx context.Context, w io.Writer, resDir string, rep *run.Report, complete bool) error {
	return run.WriteReport(ctx, w, resDir, rep, complete)
}
