// Package feed fans committed ledger changes out to live subscribers.
//
// Events are published only after the transaction that produced them has
// committed. Delivery is best effort: the history tables remain the system
// of record and a failed publish never fails the command.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/model"
)

// Event types.
const (
	TradeSettled      = "trade.settled"
	TradeStatusChange = "trade.status_changed"
	PaydownApplied    = "paydown.applied"
	ServicingUpdated  = "servicing.updated"
	AgreementChanged  = "agreement.changed"
)

// Event describes one committed change to a facility.
type Event struct {
	ID            string                   `json:"id"`
	Type          string                   `json:"type"`
	FacilityID    string                   `json:"facility_id,omitempty"`
	AgreementID   string                   `json:"credit_agreement_id,omitempty"`
	TradeID       string                   `json:"trade_id,omitempty"`
	ActivityID    string                   `json:"servicing_activity_id,omitempty"`
	LoanID        string                   `json:"loan_id,omitempty"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	Status        string                   `json:"status,omitempty"`
	Amount        *decimal.Decimal         `json:"amount,omitempty"`
	Positions     []model.FacilityPosition `json:"positions,omitempty"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(typ string) Event {
	return Event{ID: uuid.NewString(), Type: typ, OccurredAt: time.Now().UTC()}
}

// Publisher delivers committed events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
