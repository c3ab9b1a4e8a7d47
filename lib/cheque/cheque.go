// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package cheque implements cheques: a user's signed, encrypted
// promise that a named service may draw up to a limit from one of
// their accounts. Only the accounting service can open a cheque, and
// only the recipient named on it can endorse it for cashing.
package cheque

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/codec"
	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/ledger"
	"github.com/acquire-foundation/acquire/lib/service"
)

// ErrPayment is returned for every reason a cheque cannot be cashed.
var ErrPayment = errors.New("cheque: payment refused")

func init() {
	envelope.RegisterError("cheque", "PaymentError", ErrPayment)
}

// Info is what the user signs. It is encoded as deterministic CBOR so
// that its fingerprint is stable.
type Info struct {
	UID          string    `cbor:"uid" json:"uid"`
	AccountUID   string    `cbor:"account_uid" json:"account_uid"`
	Resource     string    `cbor:"resource" json:"resource"`
	RecipientURL string    `cbor:"recipient_url" json:"recipient_url"`
	MaxSpend     string    `cbor:"max_spend" json:"max_spend"`
	Expiry       time.Time `cbor:"expiry" json:"expiry_date,omitzero"`
}

// sealed is the plaintext inside a cheque.
type sealed struct {
	Info          []byte              `cbor:"info"`
	Authorisation *auth.Authorisation `cbor:"authorisation"`
}

// Cheque is the transferable form: ciphertext only the accounting
// service can open, plus the recipient's endorsement.
type Cheque struct {
	AccountingUID  string `json:"accounting_service_uid"`
	KeyFingerprint string `json:"key_fingerprint"`
	Data           []byte `json:"cheque"`

	// Endorsement is the recipient's signature over Data, made with
	// the certificate named by EndorsedBy.
	Endorsement []byte `json:"signature,omitempty"`
	EndorsedBy  string `json:"fingerprint,omitempty"`
}

// Session identifies the login session writing a cheque.
type Session struct {
	Key         *keys.PrivateKey
	UserUID     string
	SessionUID  string
	IdentityUID string
}

// WriteOptions describe a cheque.
type WriteOptions struct {
	AccountUID   string
	Resource     string
	RecipientURL string
	MaxSpend     decimal.Decimal

	// Expiry is optional.
	Expiry time.Time
}

// Resource returns the authorisation resource for an encoded Info.
func Resource(info []byte) string {
	return "cheque " + keys.Fingerprint(info)
}

// Write creates a cheque drawn on opts.AccountUID, encrypted to the
// accounting service.
func Write(session Session, accounting *service.Service, opts WriteOptions, now time.Time) (*Cheque, error) {
	maxSpend, err := ledger.Normalise(opts.MaxSpend)
	if err != nil {
		return nil, err
	}
	if !maxSpend.IsPositive() {
		return nil, fmt.Errorf("%w: max spend must be positive", ErrPayment)
	}
	if opts.AccountUID == "" {
		return nil, fmt.Errorf("%w: an account is required", ErrPayment)
	}
	info := Info{
		UID:          uuid.NewString(),
		AccountUID:   opts.AccountUID,
		Resource:     opts.Resource,
		RecipientURL: opts.RecipientURL,
		MaxSpend:     maxSpend.StringFixed(ledger.Places),
	}
	if !opts.Expiry.IsZero() {
		info.Expiry = opts.Expiry.UTC().Truncate(time.Microsecond)
	}
	encoded, err := codec.Marshal(info)
	if err != nil {
		return nil, err
	}
	authorisation := auth.Create(session.Key, session.UserUID, session.SessionUID, session.IdentityUID, Resource(encoded), now)
	plaintext, err := codec.Marshal(sealed{Info: encoded, Authorisation: authorisation})
	if err != nil {
		return nil, err
	}
	data, err := accounting.PublicKey.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &Cheque{
		AccountingUID:  accounting.UID,
		KeyFingerprint: accounting.PublicKey.Fingerprint(),
		Data:           data,
	}, nil
}

// Endorse signs the cheque as recipient. The accounting service only
// cashes a cheque naming a recipient when that recipient endorsed it.
func (c *Cheque) Endorse(recipient *service.Service) error {
	signature, err := recipient.Sign(c.Data)
	if err != nil {
		return err
	}
	c.Endorsement = signature
	c.EndorsedBy = recipient.PublicCertificate.Fingerprint()
	return nil
}

// RecipientResolver looks up the trusted descriptor of a recipient.
// trust.Store implements it.
type RecipientResolver interface {
	GetByURL(ctx context.Context, url string) (*service.Service, error)
}

// Reader opens cheques on the accounting service.
type Reader struct {
	// Self returns the accounting service's own descriptor.
	Self func() *service.Service

	Verifier   *auth.Verifier
	Recipients RecipientResolver
	Clock      clock.Clock
}

// ReadOptions are the terms the recipient asks to cash on.
type ReadOptions struct {
	// Spend defaults to the cheque's maximum.
	Spend     decimal.Decimal
	Resource  string
	ReceiptBy time.Time
}

// Validated is a cheque that may be cashed.
type Validated struct {
	Info          Info
	Authorisation *auth.Authorisation
	Spend         decimal.Decimal
	ReceiptBy     time.Time

	// Recipient is the endorsing service, nil for open cheques.
	Recipient *service.Service
}

// Read decrypts the cheque and checks the user's authorisation, the
// recipient's endorsement and the requested terms. It does not record
// the cheque as used; the caller detects reuse when it records the
// cashing.
func (r *Reader) Read(ctx context.Context, c *Cheque, opts ReadOptions) (*Validated, error) {
	self := r.Self()
	if c.AccountingUID != self.UID {
		return nil, fmt.Errorf("%w: cheque is drawn on accounting service %s", ErrPayment, c.AccountingUID)
	}
	plaintext, err := self.Decrypt(c.KeyFingerprint, c.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open cheque: %v", ErrPayment, err)
	}
	var contents sealed
	if err := codec.Unmarshal(plaintext, &contents); err != nil {
		return nil, fmt.Errorf("%w: malformed cheque: %v", ErrPayment, err)
	}
	if err := r.Verifier.Verify(ctx, contents.Authorisation, Resource(contents.Info)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayment, err)
	}
	var info Info
	if err := codec.Unmarshal(contents.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: malformed cheque info: %v", ErrPayment, err)
	}

	validated := &Validated{Info: info, Authorisation: contents.Authorisation}
	if info.RecipientURL != "" {
		recipient, err := r.endorser(ctx, c, info.RecipientURL)
		if err != nil {
			return nil, err
		}
		validated.Recipient = recipient
	}

	maxSpend, err := ledger.ParseAmount(info.MaxSpend)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayment, err)
	}
	spend := maxSpend
	if !opts.Spend.IsZero() {
		if spend, err = ledger.Normalise(opts.Spend); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayment, err)
		}
	}
	if !spend.IsPositive() || spend.GreaterThan(maxSpend) {
		return nil, fmt.Errorf("%w: spend %s is outside (0, %s]", ErrPayment, spend.StringFixed(ledger.Places), info.MaxSpend)
	}
	if info.Resource != "" && opts.Resource != info.Resource {
		return nil, fmt.Errorf("%w: cheque is for resource %q", ErrPayment, info.Resource)
	}

	now := r.Clock.Now().UTC()
	receiptBy := opts.ReceiptBy.UTC()
	if !now.Before(receiptBy) {
		return nil, fmt.Errorf("%w: receipt_by %s has passed", ErrPayment, receiptBy.Format(time.RFC3339))
	}
	if !info.Expiry.IsZero() {
		if !now.Before(info.Expiry) {
			return nil, fmt.Errorf("%w: cheque expired at %s", ErrPayment, info.Expiry.Format(time.RFC3339))
		}
		if receiptBy.After(info.Expiry) {
			return nil, fmt.Errorf("%w: receipt_by %s is after the cheque expiry %s", ErrPayment,
				receiptBy.Format(time.RFC3339), info.Expiry.Format(time.RFC3339))
		}
	}
	validated.Spend = spend
	validated.ReceiptBy = receiptBy
	return validated, nil
}

func (r *Reader) endorser(ctx context.Context, c *Cheque, url string) (*service.Service, error) {
	if len(c.Endorsement) == 0 {
		return nil, fmt.Errorf("%w: cheque for %s has not been endorsed", ErrPayment, url)
	}
	recipient, err := r.Recipients.GetByURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient %s is not trusted: %w", ErrPayment, url, err)
	}
	for _, certificate := range recipient.Signers() {
		if certificate.Fingerprint() != c.EndorsedBy {
			continue
		}
		if err := certificate.Verify(c.Data, c.Endorsement); err != nil {
			return nil, fmt.Errorf("%w: endorsement: %w", ErrPayment, err)
		}
		return recipient, nil
	}
	return nil, fmt.Errorf("%w: cheque was not endorsed by %s", ErrPayment, url)
}
