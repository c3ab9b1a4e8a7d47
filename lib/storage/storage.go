// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the storage service: per-user drives
// holding versioned files, with uploads and downloads that travel
// inline, through pre-authenticated requests, or in chunks.
//
// Metadata lives in the service bucket; file contents live in a
// separate data bucket at <drive uid>/<file uid>, with chunked
// contents at <drive uid>/<file uid>/<n>.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	// DefaultInlineLimit is the largest file sent inside a request or
	// reply.
	DefaultInlineLimit = 1 << 20

	// DefaultPARDuration is how long upload and download PARs last.
	DefaultPARDuration = time.Hour

	// FunctionFinaliseUpload is the PAR cleanup function that records
	// a file uploaded through a PAR.
	FunctionFinaliseUpload = "storage.finalise_upload"
)

// Config configures a Service.
type Config struct {
	// Store is the object store. Its PAR registry runs upload
	// cleanups. Required.
	Store *objstore.Store

	// Bucket holds drive and file metadata. Required.
	Bucket *objstore.Bucket

	// Data holds file contents. Required.
	Data *objstore.Bucket

	// Verifier checks user authorisations. Required.
	Verifier *auth.Verifier

	// InlineLimit defaults to DefaultInlineLimit.
	InlineLimit int64

	// PARDuration defaults to DefaultPARDuration.
	PARDuration time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Service is a storage service.
type Service struct {
	store       *objstore.Store
	bucket      *objstore.Bucket
	data        *objstore.Bucket
	verifier    *auth.Verifier
	inlineLimit int64
	parDuration time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

// New returns a storage Service and registers its PAR cleanup with the
// store.
func New(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		bucket:      cfg.Bucket,
		data:        cfg.Data,
		verifier:    cfg.Verifier,
		inlineLimit: cfg.InlineLimit,
		parDuration: cfg.PARDuration,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if s.inlineLimit <= 0 {
		s.inlineLimit = DefaultInlineLimit
	}
	if s.parDuration <= 0 {
		s.parDuration = DefaultPARDuration
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.store.PARs().RegisterFunction(FunctionFinaliseUpload, s.finaliseUpload)
	return s
}

func (s *Service) verify(ctx context.Context, a *auth.Authorisation, resource string) error {
	if a == nil {
		return fmt.Errorf("%w: an authorisation is required", auth.ErrInvalidAuthorisation)
	}
	return s.verifier.Verify(ctx, a, resource)
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// Checksum is the hex MD5 clients declare for uploads.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func dataKey(driveUID, fileUID string) string {
	return driveUID + "/" + fileUID
}
