// Package servicing runs the servicing activity lifecycle.
//
// Completing a payment activity pays down the loans it covers in the same
// transaction that marks it COMPLETED. Completing an already COMPLETED
// activity is a no-op, and a paydown is never applied twice for the same
// activity and loan, even across a reopen.
package servicing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/feed"
	"github.com/loanbook/position-engine/internal/ledger"
	"github.com/loanbook/position-engine/internal/metrics"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/paydown"
	"github.com/loanbook/position-engine/internal/store"
)

// Service executes servicing activity commands.
type Service struct {
	store   store.Store
	paydown *paydown.Processor
	pub     feed.Publisher
	log     zerolog.Logger
	now     func() time.Time
}

// NewService creates a servicing service. pub may be nil.
func NewService(s store.Store, pd *paydown.Processor, pub feed.Publisher, log zerolog.Logger) *Service {
	if pub == nil {
		pub = feed.Nop{}
	}
	return &Service{
		store:   s,
		paydown: pd,
		pub:     pub,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UpdateInput is a requested status change.
type UpdateInput struct {
	ID          string                `json:"id"`
	Status      model.ServicingStatus `json:"status"`
	CompletedBy string                `json:"completed_by,omitempty"`
}

// UpdateServicingActivity moves an activity to in.Status and returns the
// stored activity.
func (s *Service) UpdateServicingActivity(ctx context.Context, in UpdateInput) (*model.ServicingActivity, error) {
	if !in.Status.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("Invalid servicing status %q", in.Status))
	}

	start := time.Now()
	var (
		activity *model.ServicingActivity
		from     model.ServicingStatus
		paydowns []*paydown.Result
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		activity, err = tx.GetServicingActivity(ctx, in.ID)
		if err != nil {
			return store.NotFoundAs(err, "ServicingActivity", in.ID)
		}
		from = activity.Status
		if !from.CanTransitionTo(in.Status) {
			return apperr.InvalidTransition(from, in.Status)
		}

		switch {
		case from == model.ServicingCompleted && in.Status == model.ServicingCompleted:
			return nil

		case in.Status == model.ServicingCompleted:
			if activity.ActivityType.IsPayment() && activity.Amount.IsPositive() {
				paydowns, err = s.applyPayment(ctx, tx, activity, in.CompletedBy)
				if err != nil {
					return err
				}
			}
			completedAt := s.now()
			activity.CompletedAt = &completedAt
			activity.CompletedBy = in.CompletedBy

		case from == model.ServicingCompleted:
			// Reopen.
			activity.CompletedAt = nil
			activity.CompletedBy = ""
		}

		activity.Status = in.Status
		return tx.UpdateServicingActivity(ctx, activity)
	})
	metrics.ObserveCommand("update_servicing_activity", start, err)
	if err != nil {
		s.log.Warn().Err(err).Str("servicing_activity_id", in.ID).Str("to", string(in.Status)).
			Msg("servicing update rejected")
		return nil, err
	}

	for _, res := range paydowns {
		s.paydown.Committed(ctx, res, paydown.SourceServicing)
	}
	if from == in.Status {
		return activity, nil
	}

	s.log.Info().
		Str("servicing_activity_id", activity.ID).
		Str("facility_id", activity.FacilityID).
		Str("from", string(from)).
		Str("to", string(activity.Status)).
		Int("paydowns", len(paydowns)).
		Msg("servicing activity updated")

	evt := feed.NewEvent(feed.ServicingUpdated)
	evt.FacilityID = activity.FacilityID
	evt.ActivityID = activity.ID
	evt.LoanID = activity.LoanID
	evt.Status = string(activity.Status)
	s.publish(ctx, evt)
	return activity, nil
}

// applyPayment pays down the activity's loan, or every loan on the facility
// with an outstanding balance, split pro rata by outstanding.
func (s *Service) applyPayment(ctx context.Context, tx store.Tx, activity *model.ServicingActivity, userID string) ([]*paydown.Result, error) {
	// The facility lock is taken before any loan row, matching ApplyInTx.
	if err := tx.LockFacility(ctx, activity.FacilityID); err != nil {
		return nil, store.NotFoundAs(err, "Facility", activity.FacilityID)
	}

	var loans []model.Loan
	if activity.LoanID != "" {
		loan, err := tx.GetLoan(ctx, activity.LoanID)
		if err != nil {
			return nil, store.NotFoundAs(err, "Loan", activity.LoanID)
		}
		loans = []model.Loan{*loan}
	} else {
		all, err := tx.ListLoansByFacility(ctx, activity.FacilityID)
		if err != nil {
			return nil, fmt.Errorf("list loans: %w", err)
		}
		for _, l := range all {
			if l.OutstandingBalance.IsPositive() {
				loans = append(loans, l)
			}
		}
		if len(loans) == 0 {
			return nil, apperr.Validation("No outstanding loans to apply payment to")
		}
	}

	weights := make([]decimal.Decimal, len(loans))
	outstanding := decimal.Zero
	for i, l := range loans {
		weights[i] = l.OutstandingBalance
		outstanding = outstanding.Add(l.OutstandingBalance)
	}
	if len(loans) > 1 && activity.Amount.GreaterThan(outstanding) {
		return nil, &apperr.ExceedsOutstandingError{Requested: activity.Amount, Outstanding: outstanding}
	}

	amounts := []decimal.Decimal{activity.Amount}
	if len(loans) > 1 {
		amounts = ledger.ProRata(weights, activity.Amount)
	}

	results := make([]*paydown.Result, 0, len(loans))
	for i, l := range loans {
		if !amounts[i].IsPositive() {
			continue
		}
		res, err := s.paydown.ApplyInTx(ctx, tx, paydown.Request{
			LoanID:              l.ID,
			FacilityID:          activity.FacilityID,
			Amount:              amounts[i],
			PaymentDate:         activity.DueDate,
			ServicingActivityID: activity.ID,
			UserID:              userID,
		})
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// CreateInput schedules a servicing activity.
type CreateInput struct {
	FacilityID   string             `json:"facility_id"`
	LoanID       string             `json:"loan_id,omitempty"`
	ActivityType model.ActivityType `json:"activity_type"`
	DueDate      time.Time          `json:"due_date"`
	Amount       decimal.Decimal    `json:"amount"`
	Description  string             `json:"description,omitempty"`
}

// CreateServicingActivity validates and stores a PENDING activity.
func (s *Service) CreateServicingActivity(ctx context.Context, in CreateInput) (*model.ServicingActivity, error) {
	switch {
	case in.FacilityID == "":
		return nil, apperr.Validation("Facility id is required")
	case !in.ActivityType.Valid():
		return nil, apperr.Validation(fmt.Sprintf("Invalid activity type %q", in.ActivityType))
	case in.DueDate.IsZero():
		return nil, apperr.Validation("Due date is required")
	case in.Amount.IsNegative():
		return nil, apperr.Validation("Amount must not be negative")
	case in.ActivityType.IsPayment() && !in.Amount.IsPositive():
		return nil, apperr.Validation("Payment amount must be positive")
	}

	activity := &model.ServicingActivity{
		ID:           uuid.NewString(),
		FacilityID:   in.FacilityID,
		LoanID:       in.LoanID,
		ActivityType: in.ActivityType,
		DueDate:      in.DueDate,
		Amount:       in.Amount,
		Status:       model.ServicingPending,
		Description:  in.Description,
		CreatedAt:    s.now(),
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetFacility(ctx, in.FacilityID); err != nil {
			return store.NotFoundAs(err, "Facility", in.FacilityID)
		}
		if in.LoanID != "" {
			loan, err := tx.GetLoan(ctx, in.LoanID)
			if err != nil {
				return store.NotFoundAs(err, "Loan", in.LoanID)
			}
			if loan.FacilityID != in.FacilityID {
				return apperr.Validation(fmt.Sprintf("Loan %s does not belong to facility %s", loan.ID, in.FacilityID))
			}
		}
		return tx.CreateServicingActivity(ctx, activity)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("servicing_activity_id", activity.ID).
		Str("facility_id", activity.FacilityID).
		Str("type", string(activity.ActivityType)).
		Str("amount", activity.Amount.String()).
		Msg("servicing activity created")
	return activity, nil
}

func (s *Service) publish(ctx context.Context, evt feed.Event) {
	if err := s.pub.Publish(ctx, evt); err != nil {
		s.log.Warn().Err(err).Str("event", evt.Type).Str("event_id", evt.ID).Msg("publish failed")
	}
}
