// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over a primary store), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicateKey is returned when an insert collides with an existing key.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrImmutable is returned when a caller tries to rewrite an append-only row.
	ErrImmutable = errors.New("store: history rows are append-only")
)

// NotFoundAs converts ErrNotFound into an apperr.NotFoundError for
// resource/id and wraps any other error with context.
func NotFoundAs(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound(resource, id)
	}
	return fmt.Errorf("load %s %s: %w", resource, id, err)
}

// HistoryFilter selects facility position history rows. FacilityID is
// required. When Origin is set it replaces the date range.
type HistoryFilter struct {
	FacilityID string
	LenderID   string
	Start      *time.Time
	End        *time.Time
	Origin     *model.Origin
}

// TransactionFilter selects transaction history rows.
type TransactionFilter struct {
	FacilityID string
	LoanID     string
	Origin     *model.Origin
	Type       model.ChangeType
}

// Tx is the set of operations available inside a transaction. Every Get*
// returns ErrNotFound when the row does not exist.
//
// Within a transaction, Get* on trades, servicing activities, facilities and
// loans lock the row until commit. Commands take locks in one order to avoid
// deadlocks: the guarding trade or servicing activity, then the facility
// (GetFacility, or LockFacility when the row itself is not needed), then
// loans, then positions.
type Tx interface {
	// --- Parties ---

	CreateEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	CreateBorrower(ctx context.Context, b *model.Borrower) error
	GetBorrower(ctx context.Context, id string) (*model.Borrower, error)
	CreateLender(ctx context.Context, l *model.Lender) error
	GetLender(ctx context.Context, id string) (*model.Lender, error)

	// UpsertLenderByEntity returns the lender for entityID, creating an
	// ACTIVE one when none exists.
	UpsertLenderByEntity(ctx context.Context, entityID string) (*model.Lender, error)

	// --- Agreements and facilities ---

	CreateCreditAgreement(ctx context.Context, ca *model.CreditAgreement) error
	GetCreditAgreement(ctx context.Context, id string) (*model.CreditAgreement, error)
	UpdateCreditAgreement(ctx context.Context, ca *model.CreditAgreement) error

	CreateFacility(ctx context.Context, f *model.Facility) error
	GetFacility(ctx context.Context, id string) (*model.Facility, error)
	UpdateFacility(ctx context.Context, f *model.Facility) error
	ListFacilitiesByAgreement(ctx context.Context, agreementID string) ([]model.Facility, error)
	LockFacility(ctx context.Context, id string) error

	// --- Positions ---

	CreateFacilityPosition(ctx context.Context, p *model.FacilityPosition) error
	UpdateFacilityPosition(ctx context.Context, p *model.FacilityPosition) error
	ListFacilityPositions(ctx context.Context, facilityID string) ([]model.FacilityPosition, error)
	GetFacilityPositionByLender(ctx context.Context, facilityID, lenderID string) (*model.FacilityPosition, error)

	// --- Loans ---

	CreateLoan(ctx context.Context, l *model.Loan) error
	GetLoan(ctx context.Context, id string) (*model.Loan, error)
	UpdateLoan(ctx context.Context, l *model.Loan) error
	ListLoansByFacility(ctx context.Context, facilityID string) ([]model.Loan, error)
	CreateLoanPosition(ctx context.Context, p *model.LoanPosition) error
	UpdateLoanPosition(ctx context.Context, p *model.LoanPosition) error
	ListLoanPositions(ctx context.Context, loanID string) ([]model.LoanPosition, error)

	// --- Trades and servicing ---

	CreateTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	UpdateTrade(ctx context.Context, t *model.Trade) error

	CreateServicingActivity(ctx context.Context, a *model.ServicingActivity) error
	GetServicingActivity(ctx context.Context, id string) (*model.ServicingActivity, error)
	UpdateServicingActivity(ctx context.Context, a *model.ServicingActivity) error

	// --- Immutable history ---

	// InsertPositionHistory appends a facility position history row.
	InsertPositionHistory(ctx context.Context, h *model.FacilityPositionHistory) error

	// QueryPositionHistory returns rows ordered by ChangeDateTime descending.
	QueryPositionHistory(ctx context.Context, f HistoryFilter) ([]model.FacilityPositionHistory, error)

	// InsertTransactionHistory appends a transaction history row.
	InsertTransactionHistory(ctx context.Context, h *model.TransactionHistory) error

	// QueryTransactionHistory returns rows ordered by CreatedAt descending.
	QueryTransactionHistory(ctx context.Context, f TransactionFilter) ([]model.TransactionHistory, error)
}

// Store is the persistence interface. Calls made directly on a Store run in
// their own implicit transaction; WithTx groups calls atomically.
type Store interface {
	Tx

	// WithTx runs fn inside one transaction. If fn returns an error every
	// write made through tx is rolled back and the error is returned.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

func newID() string {
	return uuid.NewString()
}
