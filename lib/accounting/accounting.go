// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package accounting implements the accounting service: user
// accounts, transfers between them, and the cashing, receipting and
// refunding of cheques on behalf of other services.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/cheque"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/ledger"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/service"
)

const (
	cashedChequePrefix = "accounting/cashed_cheque/"

	// ServicesGroup holds the accounts other services are paid into,
	// one per service, named by its UID.
	ServicesGroup = "services"

	// BankGroup holds the account deposits are drawn from.
	BankGroup   = "bank"
	bankAccount = "bank"

	// DepositAccount is the account deposits are credited to when
	// none is named.
	DepositAccount = "deposits"
)

// Cash statuses recorded at accounting/cashed_cheque/<uid>.
const (
	StatusCashed            = "cashed"
	StatusDuplicate         = "duplicate"
	StatusRefundedDuplicate = "refunded_duplicate"
)

// ErrDepositsDisabled is returned by Deposit unless deposits are
// allowed.
var ErrDepositsDisabled = errors.New("accounting: deposits are not enabled on this service")

func init() {
	envelope.RegisterError("accounting", "DepositsDisabledError", ErrDepositsDisabled)
}

// RecipientResolver resolves the services named on cheques.
type RecipientResolver = cheque.RecipientResolver

// ServiceResolver resolves the services that settle credit notes paid
// into their own accounts.
type ServiceResolver interface {
	Get(ctx context.Context, uid string) (*service.Service, error)
}

// Config configures a Service.
type Config struct {
	// Ledger holds the accounts. Required.
	Ledger *ledger.Ledger

	// Bucket records cashed cheques. Required.
	Bucket *objstore.Bucket

	// Self returns the accounting service's own descriptor. Required.
	Self func() *service.Service

	// Verifier checks user authorisations. Required.
	Verifier *auth.Verifier

	// Recipients resolves cheque recipients. Required to cash
	// cheques that name one.
	Recipients RecipientResolver

	// Services resolves the services that sign receipts and refunds.
	// Without it only users may settle credit notes.
	Services ServiceResolver

	// AllowDeposits enables Deposit, which draws on the bank
	// account.
	AllowDeposits bool

	// BankOverdraft is the bank account's overdraft limit.
	BankOverdraft decimal.Decimal

	Clock  clock.Clock
	Logger *slog.Logger
}

// Service is an accounting service.
type Service struct {
	ledger        *ledger.Ledger
	bucket        *objstore.Bucket
	self          func() *service.Service
	verifier      *auth.Verifier
	reader        *cheque.Reader
	services      ServiceResolver
	allowDeposits bool
	bankOverdraft decimal.Decimal
	clock         clock.Clock
	logger        *slog.Logger
}

// New returns an accounting Service.
func New(cfg Config) *Service {
	s := &Service{
		ledger:        cfg.Ledger,
		bucket:        cfg.Bucket,
		self:          cfg.Self,
		verifier:      cfg.Verifier,
		services:      cfg.Services,
		allowDeposits: cfg.AllowDeposits,
		bankOverdraft: cfg.BankOverdraft,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.reader = &cheque.Reader{
		Self:       cfg.Self,
		Verifier:   cfg.Verifier,
		Recipients: cfg.Recipients,
		Clock:      s.clock,
	}
	return s
}

// Ledger returns the service's ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

func (s *Service) verify(ctx context.Context, a *auth.Authorisation, resource string) error {
	if a == nil {
		return fmt.Errorf("%w: an authorisation is required", auth.ErrInvalidAuthorisation)
	}
	return s.verifier.Verify(ctx, a, resource)
}

// CreateAccount creates (or returns) the caller's account called
// name. The authorisation resource is "create_account <name>".
func (s *Service) CreateAccount(ctx context.Context, a *auth.Authorisation, name, description string) (*ledger.Account, error) {
	if err := s.verify(ctx, a, "create_account "+name); err != nil {
		return nil, err
	}
	return s.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{
		UserGUID:    a.UserGUID(),
		Name:        name,
		Description: description,
	})
}

// GetAccountUIDs maps account uid to name for the caller's accounts,
// or for the one account called name.
func (s *Service) GetAccountUIDs(ctx context.Context, a *auth.Authorisation, name string) (map[string]string, error) {
	if err := s.verify(ctx, a, "get_account_uids"); err != nil {
		return nil, err
	}
	userGUID := a.UserGUID()
	names := []string{name}
	if name == "" {
		var err error
		if names, err = s.ledger.ListAccounts(ctx, userGUID, ""); err != nil {
			return nil, err
		}
	}
	uids := make(map[string]string, len(names))
	for _, accountName := range names {
		account, err := s.ledger.GetAccount(ctx, userGUID, "", accountName)
		if err != nil {
			return nil, err
		}
		uids[account.UID] = account.Name
	}
	return uids, nil
}

// AccountInfo is returned by GetInfo.
type AccountInfo struct {
	UID            string        `json:"account_uid"`
	Name           string        `json:"account_name"`
	Description    string        `json:"description"`
	OverdraftLimit string        `json:"overdraft_limit"`
	Balance        ledger.Status `json:"balance"`
}

// GetInfo describes the caller's account called name. The
// authorisation resource is "get_info <account uid>".
func (s *Service) GetInfo(ctx context.Context, a *auth.Authorisation, name string) (*AccountInfo, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: an authorisation is required", auth.ErrInvalidAuthorisation)
	}
	account, err := s.ledger.GetAccount(ctx, a.UserGUID(), "", name)
	if err != nil {
		return nil, err
	}
	if err := s.verify(ctx, a, "get_info "+account.UID); err != nil {
		return nil, err
	}
	status, err := account.BalanceStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		UID:            account.UID,
		Name:           account.Name,
		Description:    account.Description,
		OverdraftLimit: account.OverdraftLimit.StringFixed(ledger.Places),
		Balance:        status,
	}, nil
}

// PerformArgs move funds between two accounts.
type PerformArgs struct {
	DebitAccountUID  string               `json:"debit_account_uid"`
	CreditAccountUID string               `json:"credit_account_uid"`
	Transactions     []ledger.Transaction `json:"transactions"`
	Provisional      bool                 `json:"is_provisional"`
	ReceiptBy        time.Time            `json:"receipt_by,omitzero"`
	Authorisation    *auth.Authorisation  `json:"authorisation"`
}

// Perform moves funds out of an account the caller may write to. The
// authorisation resource is "perform <debit account uid>".
func (s *Service) Perform(ctx context.Context, args PerformArgs) ([]*ledger.TransactionRecord, error) {
	if args.DebitAccountUID == args.CreditAccountUID {
		return nil, fmt.Errorf("%w: debit and credit accounts are the same", ledger.ErrTransaction)
	}
	if err := s.verify(ctx, args.Authorisation, "perform "+args.DebitAccountUID); err != nil {
		return nil, err
	}
	debit, err := s.ledger.LoadAccount(ctx, args.DebitAccountUID)
	if err != nil {
		return nil, err
	}
	credit, err := s.ledger.LoadAccount(ctx, args.CreditAccountUID)
	if err != nil {
		return nil, err
	}
	return s.ledger.Perform(ctx, ledger.PerformRequest{
		Transactions:  args.Transactions,
		Debit:         debit,
		Credit:        credit,
		Authorisation: args.Authorisation,
		Resource:      "perform",
		Provisional:   args.Provisional,
		ReceiptBy:     args.ReceiptBy,
	})
}

// Deposit credits the caller's account (DepositAccount unless named)
// from the service's bank account. The authorisation resource is
// "deposit <value>".
func (s *Service) Deposit(ctx context.Context, a *auth.Authorisation, tx ledger.Transaction, accountName string) ([]*ledger.TransactionRecord, error) {
	if !s.allowDeposits {
		return nil, ErrDepositsDisabled
	}
	value, err := ledger.Normalise(tx.Value)
	if err != nil {
		return nil, err
	}
	if err := s.verify(ctx, a, "deposit "+value.StringFixed(ledger.Places)); err != nil {
		return nil, err
	}
	if accountName == "" {
		accountName = DepositAccount
	}
	credit, err := s.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{
		UserGUID:    a.UserGUID(),
		Name:        accountName,
		Description: "Deposit account",
	})
	if err != nil {
		return nil, err
	}
	bank, err := s.bank(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.ledger.Perform(ctx, ledger.PerformRequest{
		Transactions: []ledger.Transaction{{Value: value, Description: tx.Description}},
		Debit:        bank,
		Credit:       credit,
		Resource:     "deposit",
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit", "user_guid", a.UserGUID(), "account", credit.UID, "value", value.StringFixed(ledger.Places))
	return records, nil
}

func (s *Service) bank(ctx context.Context) (*ledger.Account, error) {
	return s.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{
		Group:          BankGroup,
		Name:           bankAccount,
		Description:    "Funds backing deposits",
		OverdraftLimit: s.bankOverdraft,
	})
}

// ServiceAccount returns the account payments to the service with uid
// are credited to when a cheque names no account.
func (s *Service) ServiceAccount(ctx context.Context, serviceUID string) (*ledger.Account, error) {
	return s.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{
		Group:       ServicesGroup,
		Name:        serviceUID,
		Description: "Payments to service " + serviceUID,
	})
}

// CashArgs are the arguments of CashCheque.
type CashArgs struct {
	Cheque *cheque.Cheque `json:"cheque"`

	// Spend defaults to the cheque's maximum.
	Spend decimal.Decimal `json:"spend"`

	Resource    string    `json:"resource"`
	ReceiptBy   time.Time `json:"receipt_by"`
	Description string    `json:"description,omitempty"`

	// AccountUID is the account to credit. It defaults to the
	// endorsing recipient's service account.
	AccountUID string `json:"account_uid,omitempty"`
}

// CashResult is returned by CashCheque.
type CashResult struct {
	Status      string              `json:"cash_status"`
	CreditNotes []ledger.CreditNote `json:"credit_notes,omitempty"`
}

// cashRecord is stored at accounting/cashed_cheque/<uid>.
type cashRecord struct {
	Status      string              `json:"status"`
	CreditNotes []ledger.CreditNote `json:"credit_notes"`
	Datetime    time.Time           `json:"datetime"`
}

// CashCheque validates a cheque and draws it as a provisional
// transaction that the recipient must later receipt or refund. A
// cheque cashes once: a second attempt is refunded at once and
// reported with StatusDuplicate.
func (s *Service) CashCheque(ctx context.Context, args CashArgs) (*CashResult, error) {
	if args.Cheque == nil {
		return nil, fmt.Errorf("%w: no cheque", cheque.ErrPayment)
	}
	validated, err := s.reader.Read(ctx, args.Cheque, cheque.ReadOptions{
		Spend:     args.Spend,
		Resource:  args.Resource,
		ReceiptBy: args.ReceiptBy,
	})
	if err != nil {
		return nil, err
	}

	debit, err := s.ledger.LoadAccount(ctx, validated.Info.AccountUID)
	if err != nil {
		return nil, fmt.Errorf("%w: cheque account: %w", cheque.ErrPayment, err)
	}
	credit, err := s.creditAccount(ctx, args.AccountUID, validated)
	if err != nil {
		return nil, err
	}
	description := args.Description
	if description == "" {
		description = validated.Info.Resource
	}

	records, err := s.ledger.Perform(ctx, ledger.PerformRequest{
		Transactions:  []ledger.Transaction{{Value: validated.Spend, Description: description}},
		Debit:         debit,
		Credit:        credit,
		Authorisation: validated.Authorisation,
		Resource:      "cash_cheque " + validated.Info.UID,
		Provisional:   true,
		ReceiptBy:     validated.ReceiptBy,
	})
	if err != nil {
		return nil, err
	}
	notes := make([]ledger.CreditNote, len(records))
	for i, record := range records {
		notes[i] = record.CreditNote
	}

	now := s.clock.Now().UTC()
	key := cashedChequePrefix + validated.Info.UID
	inserted, err := s.bucket.SetInsJSON(ctx, key, cashRecord{Status: StatusCashed, CreditNotes: notes, Datetime: now}, nil)
	if err != nil {
		return nil, errors.Join(err, s.refundAll(ctx, notes))
	}
	if inserted {
		s.logger.Info("cashed cheque",
			"cheque", validated.Info.UID,
			"debit", debit.UID,
			"credit", credit.UID,
			"value", validated.Spend.StringFixed(ledger.Places),
		)
		return &CashResult{Status: StatusCashed, CreditNotes: notes}, nil
	}

	s.logger.Warn("refunding duplicate cheque", "cheque", validated.Info.UID, "debit", debit.UID)
	if err := s.refundAll(ctx, notes); err != nil {
		return nil, err
	}
	duplicateKey := key + "-duplicate-" + keys.RandomHex(4)
	if err := s.bucket.SetJSON(ctx, duplicateKey, cashRecord{Status: StatusRefundedDuplicate, CreditNotes: notes, Datetime: now}); err != nil {
		return nil, err
	}
	return &CashResult{Status: StatusDuplicate}, nil
}

func (s *Service) creditAccount(ctx context.Context, accountUID string, validated *cheque.Validated) (*ledger.Account, error) {
	if accountUID == "" {
		if validated.Recipient == nil {
			return nil, fmt.Errorf("%w: an open cheque needs an account to credit", cheque.ErrPayment)
		}
		return s.ServiceAccount(ctx, validated.Recipient.UID)
	}
	account, err := s.ledger.LoadAccount(ctx, accountUID)
	if err != nil {
		return nil, fmt.Errorf("%w: account to credit: %w", cheque.ErrPayment, err)
	}
	return account, nil
}

func (s *Service) refundAll(ctx context.Context, notes []ledger.CreditNote) error {
	var errs []error
	for _, note := range notes {
		if _, err := s.ledger.Refund(ctx, ledger.Refund{CreditNote: note}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CashedCheque returns the status recorded for a cheque uid.
func (s *Service) CashedCheque(ctx context.Context, chequeUID string) (string, error) {
	var record cashRecord
	if err := s.bucket.GetJSON(ctx, cashedChequePrefix+chequeUID, &record); err != nil {
		return "", err
	}
	return record.Status, nil
}

// ReceiptArgs settle a provisional transaction. Either Authorisation
// or the service signature must come from the owner of the credited
// account.
type ReceiptArgs struct {
	CreditNote       ledger.CreditNote   `json:"credit_note"`
	ReceiptedValue   decimal.Decimal     `json:"receipted_value"`
	Authorisation    *auth.Authorisation `json:"authorisation,omitempty"`
	ServiceUID       string              `json:"service_uid,omitempty"`
	ServiceSignature []byte              `json:"service_signature,omitempty"`
}

func receiptMessage(note ledger.CreditNote, value decimal.Decimal) []byte {
	return []byte("receipt " + note.UID + " " + value.String())
}

// SignAs signs the receipt as svc, the service paid by the credit
// note.
func (a *ReceiptArgs) SignAs(svc *service.Service) error {
	signature, err := svc.Sign(receiptMessage(a.CreditNote, a.ReceiptedValue))
	if err != nil {
		return err
	}
	a.ServiceUID, a.ServiceSignature = svc.UID, signature
	return nil
}

// Receipt settles the transaction behind a credit note.
func (s *Service) Receipt(ctx context.Context, args ReceiptArgs) (*ledger.TransactionRecord, error) {
	err := s.authoriseSettlement(ctx, args.CreditNote, settlementProof{
		authorisation: args.Authorisation,
		resource:      "receipt " + args.CreditNote.UID,
		serviceUID:    args.ServiceUID,
		signature:     args.ServiceSignature,
		message:       receiptMessage(args.CreditNote, args.ReceiptedValue),
	})
	if err != nil {
		return nil, err
	}
	return s.ledger.Receipt(ctx, ledger.Receipt{
		CreditNote:     args.CreditNote,
		ReceiptedValue: args.ReceiptedValue,
		Authorisation:  args.Authorisation,
	})
}

// RefundArgs reverse a transaction. They carry the same proof as
// ReceiptArgs.
type RefundArgs struct {
	CreditNote       ledger.CreditNote   `json:"credit_note"`
	Authorisation    *auth.Authorisation `json:"authorisation,omitempty"`
	ServiceUID       string              `json:"service_uid,omitempty"`
	ServiceSignature []byte              `json:"service_signature,omitempty"`
}

func refundMessage(note ledger.CreditNote) []byte {
	return []byte("refund " + note.UID)
}

// SignAs signs the refund as svc, the service paid by the credit note.
func (a *RefundArgs) SignAs(svc *service.Service) error {
	signature, err := svc.Sign(refundMessage(a.CreditNote))
	if err != nil {
		return err
	}
	a.ServiceUID, a.ServiceSignature = svc.UID, signature
	return nil
}

// Refund reverses the transaction behind a credit note.
func (s *Service) Refund(ctx context.Context, args RefundArgs) (*ledger.TransactionRecord, error) {
	err := s.authoriseSettlement(ctx, args.CreditNote, settlementProof{
		authorisation: args.Authorisation,
		resource:      "refund " + args.CreditNote.UID,
		serviceUID:    args.ServiceUID,
		signature:     args.ServiceSignature,
		message:       refundMessage(args.CreditNote),
	})
	if err != nil {
		return nil, err
	}
	return s.ledger.Refund(ctx, ledger.Refund{CreditNote: args.CreditNote, Authorisation: args.Authorisation})
}

type settlementProof struct {
	authorisation *auth.Authorisation
	resource      string
	serviceUID    string
	signature     []byte
	message       []byte
}

// authoriseSettlement checks that the proof comes from the owner of
// the account the credit note pays: a user with write access, or the
// service whose services-group account it is. The ledger matches the
// note against the stored transaction, so note.AccountUID is trusted
// from here on.
func (s *Service) authoriseSettlement(ctx context.Context, note ledger.CreditNote, proof settlementProof) error {
	if proof.serviceUID != "" {
		return s.authoriseService(ctx, note, proof)
	}
	if err := s.verify(ctx, proof.authorisation, proof.resource); err != nil {
		return err
	}
	account, err := s.ledger.LoadAccount(ctx, note.AccountUID)
	if err != nil {
		return err
	}
	user := proof.authorisation.UserGUID()
	rule, err := s.ledger.Permission(ctx, account, user)
	if err != nil {
		return err
	}
	if !rule.CanWrite() {
		return fmt.Errorf("%w: %s may not settle payments into account %s", auth.ErrPermissionDenied, user, account.UID)
	}
	return nil
}

func (s *Service) authoriseService(ctx context.Context, note ledger.CreditNote, proof settlementProof) error {
	if s.services == nil {
		return fmt.Errorf("%w: services may not settle credit notes here", auth.ErrPermissionDenied)
	}
	svc, err := s.services.Get(ctx, proof.serviceUID)
	if err != nil {
		return err
	}
	verified := false
	for _, signer := range svc.Signers() {
		if signer.Verify(proof.message, proof.signature) == nil {
			verified = true
			break
		}
	}
	if !verified {
		return fmt.Errorf("%w: bad settlement signature from service %s", auth.ErrPermissionDenied, svc.UID)
	}
	account, err := s.ServiceAccount(ctx, svc.UID)
	if err != nil {
		return err
	}
	if account.UID != note.AccountUID {
		return fmt.Errorf("%w: service %s is not paid by credit note %s", auth.ErrPermissionDenied, svc.UID, note.UID)
	}
	return nil
}
