// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package servicehost

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/service"
)

// Admin functions registered on every service.
const (
	FunctionSetup                  = "admin/setup"
	FunctionTrustService           = "admin/trust_service"
	FunctionTrustAccountingService = "admin/trust_accounting_service"
	FunctionGetStatus              = "admin/get_status"
	FunctionDumpKeys               = "admin/dump_keys"
	FunctionRefreshKeys            = "admin/refresh_keys"
	FunctionTest                   = "admin/test"
	FunctionReset                  = "admin/reset"
)

const (
	setupKey          = "admin/setup"
	accountingPrefix  = "service/accounting/"
	minimumPassword   = 8
	argonTime         = 1
	argonMemory       = 64 * 1024
	argonThreads      = 4
	argonKeyLength    = 32
	passwordSaltBytes = 16
)

// setupRecord names the service's administrators.
type setupRecord struct {
	AdminUserGUIDs []string  `json:"admin_user_guids"`
	PasswordSalt   []byte    `json:"password_salt"`
	PasswordHash   []byte    `json:"password_hash"`
	Created        time.Time `json:"created"`
}

func hashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

// Setup records the first administrator and the admin password. It
// succeeds once.
func (h *Host) Setup(ctx context.Context, adminUserGUID, password string) error {
	if adminUserGUID == "" {
		return fmt.Errorf("%w: an admin user is required", auth.ErrPermissionDenied)
	}
	if len(password) < minimumPassword {
		return fmt.Errorf("%w: the admin password must be at least %d characters", auth.ErrPermissionDenied, minimumPassword)
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	record := setupRecord{
		AdminUserGUIDs: []string{adminUserGUID},
		PasswordSalt:   salt,
		PasswordHash:   hashPassword(password, salt),
		Created:        h.clock.Now().UTC(),
	}
	inserted, err := h.bucket.SetInsJSON(ctx, setupKey, record, nil)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrAlreadySetup
	}
	h.logger.Info("service set up", "admin_user_guid", adminUserGUID)
	return nil
}

func (h *Host) setup(ctx context.Context) (*setupRecord, error) {
	var record setupRecord
	if err := h.bucket.GetJSON(ctx, setupKey, &record); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, ErrNotSetup
		}
		return nil, err
	}
	return &record, nil
}

// CheckPassword reports whether password is the admin password.
func (h *Host) CheckPassword(ctx context.Context, password string) error {
	record, err := h.setup(ctx)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(hashPassword(password, record.PasswordSalt), record.PasswordHash) != 1 {
		return fmt.Errorf("%w: wrong admin password", auth.ErrPermissionDenied)
	}
	return nil
}

// AssertAdmin checks that a was signed by an administrator for
// resource.
func (h *Host) AssertAdmin(ctx context.Context, a *auth.Authorisation, resource string) error {
	if a == nil {
		return fmt.Errorf("%w: an authorisation is required", auth.ErrInvalidAuthorisation)
	}
	record, err := h.setup(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(record.AdminUserGUIDs, a.UserGUID()) {
		return fmt.Errorf("%w: %s is not an administrator", auth.ErrPermissionDenied, a.UserGUID())
	}
	return h.verifier.Verify(ctx, a, resource)
}

// TrustService resolves the service at url and trusts it. Without a
// registry the descriptor is fetched from the service itself.
func (h *Host) TrustService(ctx context.Context, a *auth.Authorisation, url string) (*service.Service, error) {
	if err := h.AssertAdmin(ctx, a, "trust_service "+url); err != nil {
		return nil, err
	}
	return h.trustURL(ctx, url)
}

func (h *Host) trustURL(ctx context.Context, url string) (*service.Service, error) {
	if h.registry != nil {
		return h.trust.GetByURL(ctx, url)
	}
	descriptor, err := h.client.FetchDescriptor(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := h.trust.Trust(ctx, descriptor, func(context.Context) error { return nil }); err != nil {
		return nil, err
	}
	return descriptor.Lock(), nil
}

// TrustAccountingService is TrustService for an accounting service,
// which is also recorded as one this service may use.
func (h *Host) TrustAccountingService(ctx context.Context, a *auth.Authorisation, url string) (*service.Service, error) {
	if err := h.AssertAdmin(ctx, a, "trust_accounting_service "+url); err != nil {
		return nil, err
	}
	svc, err := h.trustURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if svc.Type != service.TypeAccounting {
		return nil, fmt.Errorf("%w: %s is a %s service", service.ErrInvalidDescriptor, url, svc.Type)
	}
	if err := h.bucket.SetString(ctx, accountingPrefix+svc.UID, svc.CanonicalURL); err != nil {
		return nil, err
	}
	return svc, nil
}

// AccountingServiceUIDs lists the trusted accounting services, sorted.
func (h *Host) AccountingServiceUIDs(ctx context.Context) ([]string, error) {
	uids, err := h.bucket.ListNames(ctx, accountingPrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(uids)
	return uids, nil
}

// Status is the reply of admin/get_status.
type Status struct {
	ServiceUID    string       `json:"service_uid"`
	ServiceType   service.Type `json:"service_type"`
	CanonicalURL  string       `json:"canonical_url"`
	LastKeyUpdate time.Time    `json:"last_key_update"`
	IsSetup       bool         `json:"is_setup"`
	Datetime      time.Time    `json:"datetime"`
}

// Status reports on the service.
func (h *Host) Status(ctx context.Context) (Status, error) {
	svc := h.Service()
	_, err := h.setup(ctx)
	if err != nil && !errors.Is(err, ErrNotSetup) {
		return Status{}, err
	}
	return Status{
		ServiceUID:    svc.UID,
		ServiceType:   svc.Type,
		CanonicalURL:  svc.CanonicalURL,
		LastKeyUpdate: svc.LastKeyUpdate,
		IsSetup:       err == nil,
		Datetime:      h.clock.Now().UTC(),
	}, nil
}

// KeyFingerprints are the fingerprints of the service's public keys.
type KeyFingerprints struct {
	PublicKey           string `json:"public_key"`
	PublicCertificate   string `json:"public_certificate"`
	PreviousPublicKey   string `json:"previous_public_key,omitempty"`
	PreviousCertificate string `json:"previous_certificate,omitempty"`
}

// DumpKeys returns the fingerprints of the service's keys.
func (h *Host) DumpKeys(ctx context.Context, a *auth.Authorisation) (KeyFingerprints, error) {
	if err := h.AssertAdmin(ctx, a, "dump_keys"); err != nil {
		return KeyFingerprints{}, err
	}
	svc := h.Service()
	dump := KeyFingerprints{
		PublicKey:         svc.PublicKey.Fingerprint(),
		PublicCertificate: svc.PublicCertificate.Fingerprint(),
	}
	if svc.PreviousPublicKey != nil {
		dump.PreviousPublicKey = svc.PreviousPublicKey.Fingerprint()
	}
	if svc.PreviousCertificate != nil {
		dump.PreviousCertificate = svc.PreviousCertificate.Fingerprint()
	}
	return dump, nil
}

// Reset drops every cached descriptor and session certificate and
// forgets the trusted accounting services.
func (h *Host) Reset(ctx context.Context, a *auth.Authorisation) error {
	if err := h.AssertAdmin(ctx, a, "reset"); err != nil {
		return err
	}
	uids, err := h.AccountingServiceUIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, uid := range uids {
		errs = append(errs, h.trust.Untrust(ctx, uid), h.bucket.Delete(ctx, accountingPrefix+uid))
	}
	h.trust.Clear()
	h.verifier.Clear()
	h.logger.Info("service reset")
	return errors.Join(errs...)
}

type adminArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation"`
	AdminUserGUID string              `json:"admin_user_guid"`
	Password      string              `json:"password"`
	ServiceURL    string              `json:"service_url"`
}

type serviceReply struct {
	Service *service.Service `json:"service"`
}

func (h *Host) registerAdmin() {
	d := h.dispatcher
	d.Handle(FunctionSetup, func(ctx context.Context, req *service.Request) (any, error) {
		var args adminArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return nil, h.Setup(ctx, args.AdminUserGUID, args.Password)
	})
	d.Handle(FunctionTrustService, func(ctx context.Context, req *service.Request) (any, error) {
		var args adminArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		svc, err := h.TrustService(ctx, args.Authorisation, args.ServiceURL)
		if err != nil {
			return nil, err
		}
		return serviceReply{Service: svc}, nil
	})
	d.Handle(FunctionTrustAccountingService, func(ctx context.Context, req *service.Request) (any, error) {
		var args adminArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		svc, err := h.TrustAccountingService(ctx, args.Authorisation, args.ServiceURL)
		if err != nil {
			return nil, err
		}
		return serviceReply{Service: svc}, nil
	})
	d.Handle(FunctionGetStatus, func(ctx context.Context, req *service.Request) (any, error) {
		return h.Status(ctx)
	})
	d.Handle(FunctionDumpKeys, func(ctx context.Context, req *service.Request) (any, error) {
		var args adminArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return h.DumpKeys(ctx, args.Authorisation)
	})
	d.Handle(FunctionRefreshKeys, func(ctx context.Context, req *service.Request) (any, error) {
		var args adminArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		if err := h.AssertAdmin(ctx, args.Authorisation, "refresh_keys"); err != nil {
			return nil, err
		}
		if _, err := h.RotateKeys(ctx, true); err != nil {
			return nil, err
		}
		return serviceReply{Service: h.Service().Lock()}, nil
	})
	d.Handle(FunctionTest, func(ctx context.Context, req *service.Request) (any, error) {
		echo := make(map[string]json.RawMessage, len(req.Args))
		for name, value := range req.Args {
			switch name {
			case envelope.FieldFunction, envelope.FieldResponseKey, envelope.FieldSignWith, envelope.FieldSynctime:
				continue
			}
			echo[name] = value
		}
		return echo, nil
	})
	d.Handle(FunctionReset, func(ctx context.Context, req *service.Request) (any, error) {
		var args adminArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return nil, h.Reset(ctx, args.Authorisation)
	})
}
