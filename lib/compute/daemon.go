// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acquire-foundation/acquire/lib/clock"
)

// DefaultPollInterval is how often a Daemon asks for pending jobs.
const DefaultPollInterval = 30 * time.Second

// JobSource is the access service as the cluster daemon sees it.
// *Client satisfies it.
type JobSource interface {
	PendingJobUIDs(ctx context.Context) ([]string, error)
	Job(ctx context.Context, uid string) (*ComputeJob, error)
	Update(ctx context.Context, uid string, state State, message string) (*ComputeJob, error)
}

// Reporter moves the job being submitted to a new state.
type Reporter func(ctx context.Context, state State, message string) error

// Submitter hands jobs to the cluster's workload manager. Submit is
// called once the job is in the submitting state, and reports starting,
// running and the final state through report. A returned error moves
// the job to error.
type Submitter interface {
	Submit(ctx context.Context, job *ComputeJob, report Reporter) error
}

// LogSubmitter runs nothing: it logs each job and reports it
// completed. It stands in for a workload manager.
type LogSubmitter struct {
	Logger *slog.Logger
}

// Submit logs job and walks it to completed.
func (s LogSubmitter) Submit(ctx context.Context, job *ComputeJob, report Reporter) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Info("running compute job",
		"job_uid", job.UID,
		"resource", job.Request.Resource,
		"bucket", job.BucketName,
	)
	for _, state := range []State{StateStarting, StateRunning, StateCompleted} {
		if err := report(ctx, state, ""); err != nil {
			return err
		}
	}
	return nil
}

// DaemonConfig configures a Daemon.
type DaemonConfig struct {
	// Jobs is required.
	Jobs JobSource

	// Submitter defaults to a LogSubmitter.
	Submitter Submitter

	// Interval defaults to DefaultPollInterval.
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Daemon runs on the cluster. It polls the access service for queued
// jobs, takes each one and submits it.
type Daemon struct {
	jobs      JobSource
	submitter Submitter
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewDaemon creates a Daemon.
func NewDaemon(cfg DaemonConfig) *Daemon {
	d := &Daemon{
		jobs:      cfg.Jobs,
		submitter: cfg.Submitter,
		interval:  cfg.Interval,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if d.interval <= 0 {
		d.interval = DefaultPollInterval
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	if d.submitter == nil {
		d.submitter = LogSubmitter{Logger: d.logger}
	}
	return d
}

// Run polls until ctx is done. Poll failures are logged and retried on
// the next tick.
func (d *Daemon) Run(ctx context.Context) error {
	d.pollAndLog(ctx)
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pollAndLog(ctx)
		}
	}
}

func (d *Daemon) pollAndLog(ctx context.Context) {
	if _, err := d.Poll(ctx); err != nil {
		d.logger.Warn("polling for compute jobs failed", "error", err)
	}
}

// Poll takes and submits every pending job, returning how many this
// daemon took. Jobs another daemon took first are skipped.
func (d *Daemon) Poll(ctx context.Context) (int, error) {
	uids, err := d.jobs.PendingJobUIDs(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	taken := 0
	for _, uid := range uids {
		ok, err := d.take(ctx, uid)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", uid, err))
		}
		if ok {
			taken++
		}
	}
	return taken, errors.Join(errs...)
}

// take claims one job and submits it. It reports false when another
// daemon claimed the job first.
func (d *Daemon) take(ctx context.Context, uid string) (bool, error) {
	if _, err := d.jobs.Update(ctx, uid, StateSubmitting, ""); err != nil {
		if errors.Is(err, ErrJobState) {
			d.logger.Debug("compute job already taken", "job_uid", uid)
			return false, nil
		}
		return false, err
	}
	job, err := d.jobs.Job(ctx, uid)
	if err != nil {
		return true, errors.Join(err, d.fail(ctx, uid, err))
	}
	report := func(ctx context.Context, state State, message string) error {
		_, err := d.jobs.Update(ctx, uid, state, message)
		return err
	}
	if err := d.submitter.Submit(ctx, job, report); err != nil {
		d.logger.Warn("submitting compute job failed", "job_uid", uid, "error", err)
		return true, d.fail(ctx, uid, err)
	}
	return true, nil
}

func (d *Daemon) fail(ctx context.Context, uid string, cause error) error {
	_, err := d.jobs.Update(ctx, uid, StateError, cause.Error())
	return err
}
