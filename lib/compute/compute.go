// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package compute bridges the access service and a worker cluster.
// Users pay for a job with a cheque, upload its input through a bucket
// PAR and queue it; the cluster daemon polls for queued jobs, takes
// them and reports their progress. Completing a job receipts the
// payment and failing one refunds it.
package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/accounting"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/cheque"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/ledger"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/service"
)

const (
	// DefaultReceiptWindow is how long a job has to complete before
	// its payment must be receipted.
	DefaultReceiptWindow = 24 * time.Hour

	// DefaultPARDuration is how long users have to upload job input.
	DefaultPARDuration = time.Hour
)

// Accounting is the accounting service as the access service uses
// it. Both *accounting.Service and *accounting.Client satisfy it.
type Accounting interface {
	CashCheque(ctx context.Context, args accounting.CashArgs) (*accounting.CashResult, error)
	Receipt(ctx context.Context, args accounting.ReceiptArgs) (*ledger.TransactionRecord, error)
	Refund(ctx context.Context, args accounting.RefundArgs) (*ledger.TransactionRecord, error)
}

// Pricer prices run requests.
type Pricer interface {
	Price(ctx context.Context, req RunRequest) (decimal.Decimal, error)
}

// FixedPrice charges the same for every job.
type FixedPrice decimal.Decimal

// Price returns p.
func (p FixedPrice) Price(context.Context, RunRequest) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}

// AdminFunc returns nil when a was made by an administrator of the
// service for resource.
type AdminFunc func(ctx context.Context, a *auth.Authorisation, resource string) error

// Config configures a Service.
type Config struct {
	// Store creates job buckets and their PARs. Required.
	Store *objstore.Store

	// Bucket holds the cluster and jobs. Required.
	Bucket *objstore.Bucket

	// Self returns the unlocked access service. Required.
	Self func() *service.Service

	// Verifier checks user authorisations. It needs a bucket for
	// single-use checks. Required.
	Verifier *auth.Verifier

	// Accounting cashes cheques and settles payments. Required.
	Accounting Accounting

	// Pricer is required.
	Pricer Pricer

	// Admin authorises SetCluster. Required.
	Admin AdminFunc

	// ReceiptWindow defaults to DefaultReceiptWindow; PARDuration to
	// DefaultPARDuration.
	ReceiptWindow time.Duration
	PARDuration   time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Service is the access service's compute bridge.
type Service struct {
	store         *objstore.Store
	bucket        *objstore.Bucket
	self          func() *service.Service
	verifier      *auth.Verifier
	accounting    Accounting
	pricer        Pricer
	admin         AdminFunc
	receiptWindow time.Duration
	parDuration   time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	s := &Service{
		store:         cfg.Store,
		bucket:        cfg.Bucket,
		self:          cfg.Self,
		verifier:      cfg.Verifier,
		accounting:    cfg.Accounting,
		pricer:        cfg.Pricer,
		admin:         cfg.Admin,
		receiptWindow: cfg.ReceiptWindow,
		parDuration:   cfg.PARDuration,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}
	if s.receiptWindow <= 0 {
		s.receiptWindow = DefaultReceiptWindow
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
	return s
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

func (s *Service) withJob(ctx context.Context, uid string, fn func(job *ComputeJob) error) error {
	return objstore.WithMutex(ctx, s.bucket, "job/"+uid, objstore.MutexOptions{Clock: s.clock}, func() error {
		job, err := s.loadJob(ctx, uid)
		if err != nil {
			return err
		}
		return fn(job)
	})
}

func (s *Service) loadJob(ctx context.Context, uid string) (*ComputeJob, error) {
	var job ComputeJob
	if err := s.bucket.GetJSON(ctx, jobKey(uid), &job); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, uid)
		}
		return nil, err
	}
	return &job, nil
}

// RequestResult is returned by Request.
type RequestResult struct {
	JobUID string `json:"job_uid"`

	// PAR is a write PAR on the job's bucket, encrypted to the
	// caller's key, for uploading input.
	PAR *objstore.PAR `json:"par"`
}

// Request accepts a job and its payment. The authorisation must be for
// "run <request fingerprint>" and is accepted once. The cheque is
// endorsed by this service and cashed for the job's price; the job is
// stored as pending but is not queued until RunCalculation.
func (s *Service) Request(ctx context.Context, a *auth.Authorisation, req RunRequest, payment *cheque.Cheque, encryptKey *keys.PublicKey) (*RequestResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, fmt.Errorf("%w: a cheque is required", cheque.ErrPayment)
	}
	if encryptKey == nil {
		return nil, fmt.Errorf("%w: an encryption key is required for the upload PAR", ErrRunRequest)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: an authorisation is required", auth.ErrInvalidAuthorisation)
	}
	resource := "run " + req.Fingerprint()
	if err := s.verifier.AssertOnce(ctx, a, resource); err != nil {
		return nil, err
	}
	price, err := s.pricer.Price(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := payment.Endorse(s.self()); err != nil {
		return nil, err
	}

	uid := uuid.NewString()
	now := s.now()
	cashed, err := s.accounting.CashCheque(ctx, accounting.CashArgs{
		Cheque:      payment,
		Spend:       price,
		Resource:    resource,
		ReceiptBy:   now.Add(s.receiptWindow),
		Description: "compute job " + uid,
	})
	if err != nil {
		return nil, fmt.Errorf("compute: cashing cheque for job %s: %w", uid, err)
	}
	if cashed.Status != accounting.StatusCashed || len(cashed.CreditNotes) == 0 {
		return nil, fmt.Errorf("%w: cheque was %s", cheque.ErrPayment, cashed.Status)
	}

	job := ComputeJob{
		UID:         uid,
		UserGUID:    a.UserGUID(),
		Request:     req,
		CreditNotes: cashed.CreditNotes,
		State:       StatePending,
		History:     []Transition{{State: StatePending, Datetime: now}},
	}
	par, err := s.openJob(ctx, &job, encryptKey)
	if err != nil {
		return nil, errors.Join(err, s.settle(ctx, job.CreditNotes, false))
	}
	s.logger.Info("accepted compute job", "job_uid", uid, "user_guid", job.UserGUID, "price", price.String())
	return &RequestResult{JobUID: uid, PAR: par}, nil
}

// openJob creates the job's bucket and upload PAR and stores the job.
func (s *Service) openJob(ctx context.Context, job *ComputeJob, encryptKey *keys.PublicKey) (*objstore.PAR, error) {
	bucket, err := s.store.CreateBucket(ctx, "job-"+job.UID)
	if err != nil {
		return nil, err
	}
	par, err := s.store.CreatePAR(ctx, bucket, encryptKey, objstore.CreatePAROptions{
		Writeable: true,
		Duration:  s.parDuration,
	})
	if err != nil {
		return nil, err
	}
	job.BucketName = bucket.Name()
	job.StoragePAR = par
	if err := s.bucket.SetJSON(ctx, jobKey(job.UID), job); err != nil {
		return nil, errors.Join(err, par.Close(ctx, s.store))
	}
	return par, nil
}

// RunCalculation queues a pending job for the cluster and closes its
// upload PAR. Only the user who requested the job may queue it, with
// an authorisation for "run_calculation <job uid>". Queueing twice is
// harmless.
func (s *Service) RunCalculation(ctx context.Context, a *auth.Authorisation, jobUID string) (*ComputeJob, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: an authorisation is required", auth.ErrInvalidAuthorisation)
	}
	if err := s.verifier.Verify(ctx, a, "run_calculation "+jobUID); err != nil {
		return nil, err
	}
	_, secret, err := s.cluster(ctx)
	if err != nil {
		return nil, err
	}
	var queued *ComputeJob
	err = s.withJob(ctx, jobUID, func(job *ComputeJob) error {
		if job.UserGUID != a.UserGUID() {
			return fmt.Errorf("%w: job %s belongs to another user", auth.ErrPermissionDenied, jobUID)
		}
		if job.State != StatePending {
			return fmt.Errorf("%w: job %s is %s", ErrJobState, jobUID, job.State)
		}
		if job.StoragePAR != nil {
			if err := job.StoragePAR.Close(ctx, s.store); err != nil {
				return err
			}
		}
		job.SecretFingerprint = keys.Fingerprint([]byte(secret))
		if err := s.bucket.SetJSON(ctx, jobKey(jobUID), job); err != nil {
			return err
		}
		if _, _, err := s.bucket.SetIns(ctx, stateKey(StatePending, jobUID), []byte(jobUID)); err != nil {
			return err
		}
		queued = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("queued compute job", "job_uid", jobUID)
	return queued, nil
}

// GetJob returns a job to the cluster. The passphrase is
// Passphrase(secret, job uid).
func (s *Service) GetJob(ctx context.Context, uid, passphrase string) (*ComputeJob, error) {
	if _, err := s.checkPassphrase(ctx, uid, passphrase); err != nil {
		return nil, err
	}
	return s.loadJob(ctx, uid)
}

// UpdateJob advances a job for the cluster. The passphrase is
// Passphrase(secret, "update_job <job uid>"). Moving a queued job to
// submitting takes it off the pending queue, so only one daemon can
// take each job. Completing a job receipts its payment; error and
// terminated refund it.
func (s *Service) UpdateJob(ctx context.Context, uid string, state State, message, passphrase string) (*ComputeJob, error) {
	if _, err := s.checkPassphrase(ctx, "update_job "+uid, passphrase); err != nil {
		return nil, err
	}
	var updated *ComputeJob
	err := s.withJob(ctx, uid, func(job *ComputeJob) error {
		previous := job.State
		if err := job.advance(state, message, s.now()); err != nil {
			return err
		}
		if previous == StatePending && state == StateSubmitting {
			if _, err := s.bucket.Take(ctx, stateKey(StatePending, uid)); err != nil {
				if errors.Is(err, objstore.ErrNotFound) {
					return fmt.Errorf("%w: job %s is not queued", ErrJobState, uid)
				}
				return err
			}
		}
		switch state {
		case StateCompleted:
			if err := s.settle(ctx, job.CreditNotes, true); err != nil {
				return err
			}
		case StateError, StateTerminated:
			if err := s.settle(ctx, job.CreditNotes, false); err != nil {
				return err
			}
		}
		if err := s.bucket.SetJSON(ctx, jobKey(uid), job); err != nil {
			return err
		}
		if err := s.bucket.Delete(ctx, stateKey(previous, uid)); err != nil {
			return err
		}
		if err := s.bucket.Set(ctx, stateKey(state, uid), []byte(uid)); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("compute job changed state", "job_uid", uid, "state", string(state))
	return updated, nil
}

// settle receipts or refunds every credit note in full, signed as this
// service. Notes already settled by an earlier attempt are skipped.
func (s *Service) settle(ctx context.Context, notes []ledger.CreditNote, receipt bool) error {
	var errs []error
	for _, note := range notes {
		var err error
		if receipt {
			args := accounting.ReceiptArgs{CreditNote: note, ReceiptedValue: note.Value}
			if err = args.SignAs(s.self()); err == nil {
				_, err = s.accounting.Receipt(ctx, args)
			}
		} else {
			args := accounting.RefundArgs{CreditNote: note}
			if err = args.SignAs(s.self()); err == nil {
				_, err = s.accounting.Refund(ctx, args)
			}
		}
		if err != nil && !errors.Is(err, ledger.ErrTransactionState) {
			errs = append(errs, fmt.Errorf("settling credit note %s: %w", note.UID, err))
		}
	}
	return errors.Join(errs...)
}
