// Package history writes and reads the append-only audit trail of facility
// position changes and facility-level transactions.
//
// Writes always take the caller's transaction: a history row is committed
// together with the position mutation it documents, or not at all.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/metrics"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/store"
)

// Recorder appends and queries history rows.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

// NewRecorder creates a Recorder reading through s.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source. Intended for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// PositionChange describes one facility position mutation. Before is the
// zero value for a position opened by the change.
type PositionChange struct {
	Before model.FacilityPosition
	After  model.FacilityPosition
	Amount decimal.Decimal // signed
	Type   model.ChangeType
	UserID string
	Origin model.Origin
}

// RecordPositionChange appends one FacilityPositionHistory row inside tx.
func (r *Recorder) RecordPositionChange(ctx context.Context, tx store.Tx, c PositionChange) (*model.FacilityPositionHistory, error) {
	if err := checkOrigin(c.Origin); err != nil {
		return nil, err
	}

	h := &model.FacilityPositionHistory{
		ID:                 uuid.NewString(),
		FacilityID:         c.After.FacilityID,
		FacilityPositionID: c.After.ID,
		LenderID:           c.After.LenderID,
		PreviousCommitment: c.Before.CommitmentAmount,
		NewCommitment:      c.After.CommitmentAmount,
		PreviousDrawn:      c.Before.DrawnAmount,
		NewDrawn:           c.After.DrawnAmount,
		PreviousUndrawn:    c.Before.UndrawnAmount,
		NewUndrawn:         c.After.UndrawnAmount,
		PreviousShare:      c.Before.Share,
		NewShare:           c.After.Share,
		ChangeAmount:       c.Amount,
		ChangeType:         c.Type,
		UserID:             c.UserID,
		Origin:             c.Origin,
		ChangeDateTime:     r.now(),
	}
	if err := tx.InsertPositionHistory(ctx, h); err != nil {
		return nil, fmt.Errorf("record position change: %w", err)
	}
	metrics.HistoryRowsTotal.WithLabelValues(string(c.Type)).Inc()
	return h, nil
}

// RecordTransaction appends one TransactionHistory row inside tx. ID and
// CreatedAt are assigned here; a zero TransactionDate defaults to now.
func (r *Recorder) RecordTransaction(ctx context.Context, tx store.Tx, entry model.TransactionHistory) (*model.TransactionHistory, error) {
	if err := checkOrigin(entry.Origin); err != nil {
		return nil, err
	}

	now := r.now()
	entry.ID = uuid.NewString()
	entry.CreatedAt = now
	if entry.TransactionDate.IsZero() {
		entry.TransactionDate = now
	}
	if err := tx.InsertTransactionHistory(ctx, &entry); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	return &entry, nil
}

func checkOrigin(o model.Origin) error {
	switch o.Kind {
	case model.OriginTrade, model.OriginServicing:
		if o.ID == "" {
			return fmt.Errorf("history: %s origin without id", o.Kind)
		}
	case model.OriginManual:
	default:
		return fmt.Errorf("history: unknown origin kind %q", o.Kind)
	}
	return nil
}

// Query selects position history for one facility.
type Query struct {
	FacilityID   string
	LenderID     string
	StartDate    *time.Time
	EndDate      *time.Time
	ActivityID   string
	ActivityType string // TRADE or SERVICING
}

// Query returns matching rows, newest first. When ActivityID is set the
// date range is ignored and rows are matched on the linked trade or
// servicing activity instead.
func (r *Recorder) Query(ctx context.Context, q Query) ([]model.FacilityPositionHistory, error) {
	if q.FacilityID == "" {
		return nil, apperr.Validation("Facility id is required")
	}

	f := store.HistoryFilter{FacilityID: q.FacilityID, LenderID: q.LenderID}

	if q.ActivityType != "" || q.ActivityID != "" {
		var origin model.Origin
		switch model.OriginKind(q.ActivityType) {
		case model.OriginTrade:
			origin = model.TradeOrigin(q.ActivityID)
		case model.OriginServicing:
			origin = model.ServicingOrigin(q.ActivityID)
		default:
			return nil, apperr.Validation("Activity type must be TRADE or SERVICING")
		}
		if q.ActivityID == "" {
			return nil, apperr.Validation("Activity id is required when filtering by activity type")
		}
		f.Origin = &origin
	} else {
		if q.StartDate != nil && q.EndDate != nil && q.EndDate.Before(*q.StartDate) {
			return nil, apperr.Validation("End date must not be before start date")
		}
		f.Start = q.StartDate
		f.End = q.EndDate
	}

	rows, err := r.store.QueryPositionHistory(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query position history: %w", err)
	}
	return rows, nil
}

// Transactions returns the facility's transaction history, newest first.
func (r *Recorder) Transactions(ctx context.Context, facilityID string) ([]model.TransactionHistory, error) {
	if facilityID == "" {
		return nil, apperr.Validation("Facility id is required")
	}
	rows, err := r.store.QueryTransactionHistory(ctx, store.TransactionFilter{FacilityID: facilityID})
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	return rows, nil
}
