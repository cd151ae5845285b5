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

// stubRunWrapper is a stub implementation of runWrapper used for testing.
type stubRunWrapper struct {
	runCtx      context.Context // context passed to run
	runCfg      *run.Config     // config passed to run
	runSuite    *suite.Suite    // suite passed to run
	runPool     *suite.Pool     // pool passed to run
	runProvider deploy.Provider // provider passed to run

	runRes *run.Report // report to return from run
	runErr error       // error to return from run

	wroteRep      *run.Report // report passed to writeReport, nil if not called
	wroteDir      string      // results dir passed to writeReport
	wroteComplete bool        // complete flag passed to writeReport
}

func (w *stubRunWrapper) run(ctx context.Context, cfg *run.Config, s *suite.Suite, pool *suite.Pool, provider deploy.Provider) (*run.Report, error) {
	w.runCtx, w.runCfg, w.runSuite, w.runPool, w.runProvider = ctx, cfg, s, pool, provider
	return w.runRes, w.runErr
}

func (w *stubRunWrapper) writeReport(ctx context.Context, wr io.Writer, resDir string, rep *run.Report, complete bool) error {
	w.wroteRep, w.wroteDir, w.wroteComplete = rep, resDir, complete
	return nil
}
