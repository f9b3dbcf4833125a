// Package paydown applies principal repayments to loan and facility positions.
package paydown

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/feed"
	"github.com/loanbook/position-engine/internal/history"
	"github.com/loanbook/position-engine/internal/ledger"
	"github.com/loanbook/position-engine/internal/metrics"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/store"
)

// Paydown sources, used as the metrics label.
const (
	SourceDirect    = "direct"
	SourceServicing = "servicing"
)

// Request is a paydown of Amount against one loan.
type Request struct {
	LoanID              string          `json:"loan_id"`
	FacilityID          string          `json:"facility_id"`
	Amount              decimal.Decimal `json:"amount"`
	PaymentDate         time.Time       `json:"payment_date"`
	ServicingActivityID string          `json:"servicing_activity_id,omitempty"`
	UserID              string          `json:"user_id,omitempty"`
}

// Result reports an applied (or previously applied) paydown.
type Result struct {
	Success             bool                       `json:"success"`
	TransactionID       string                     `json:"transaction_id"`
	ServicingActivityID string                     `json:"servicing_activity_id"`
	FacilityID          string                     `json:"facility_id"`
	LoanID              string                     `json:"loan_id"`
	Amount              decimal.Decimal            `json:"amount"`
	Outstanding         decimal.Decimal            `json:"outstanding"` // loan balance after the paydown
	Reductions          map[string]decimal.Decimal `json:"reductions,omitempty"`
	Positions           []model.FacilityPosition   `json:"positions,omitempty"`

	// Duplicate is set when the activity had already been applied to the
	// loan and nothing was written.
	Duplicate bool `json:"duplicate"`
}

// Processor executes paydowns against a Store.
type Processor struct {
	store    store.Store
	recorder *history.Recorder
	pub      feed.Publisher
	log      zerolog.Logger
	now      func() time.Time
}

// NewProcessor creates a paydown processor. pub may be nil.
func NewProcessor(s store.Store, rec *history.Recorder, pub feed.Publisher, log zerolog.Logger) *Processor {
	if pub == nil {
		pub = feed.Nop{}
	}
	return &Processor{
		store:    s,
		recorder: rec,
		pub:      pub,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessPaydown applies req in its own transaction.
func (p *Processor) ProcessPaydown(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	var res *Result
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = p.ApplyInTx(ctx, tx, req)
		return err
	})
	metrics.ObserveCommand("paydown", start, err)
	if err != nil {
		p.log.Warn().Err(err).
			Str("loan_id", req.LoanID).
			Str("facility_id", req.FacilityID).
			Str("amount", req.Amount.String()).
			Msg("paydown rejected")
		return nil, err
	}
	p.Committed(ctx, res, SourceDirect)
	return res, nil
}

// Committed logs, counts and publishes a paydown once the transaction that
// applied it has committed. Duplicates are logged only.
func (p *Processor) Committed(ctx context.Context, res *Result, source string) {
	if res.Duplicate {
		p.log.Info().
			Str("loan_id", res.LoanID).
			Str("servicing_activity_id", res.ServicingActivityID).
			Str("transaction_id", res.TransactionID).
			Msg("paydown already applied")
		return
	}

	metrics.PaydownsTotal.WithLabelValues(source).Inc()
	p.log.Info().
		Str("loan_id", res.LoanID).
		Str("facility_id", res.FacilityID).
		Str("servicing_activity_id", res.ServicingActivityID).
		Str("amount", res.Amount.String()).
		Str("outstanding", res.Outstanding.String()).
		Int("lenders", len(res.Reductions)).
		Msg("paydown applied")

	evt := feed.NewEvent(feed.PaydownApplied)
	evt.FacilityID = res.FacilityID
	evt.LoanID = res.LoanID
	evt.ActivityID = res.ServicingActivityID
	evt.TransactionID = res.TransactionID
	amount := res.Amount
	evt.Amount = &amount
	evt.Positions = res.Positions
	if err := p.pub.Publish(ctx, evt); err != nil {
		p.log.Warn().Err(err).Str("event", evt.Type).Str("event_id", evt.ID).Msg("publish failed")
	}
}

// ApplyInTx applies req inside tx. With a ServicingActivityID the paydown is
// linked to that activity and applied at most once per loan; without one a
// COMPLETED PRINCIPAL_PAYMENT activity is created as the link.
func (p *Processor) ApplyInTx(ctx context.Context, tx store.Tx, req Request) (*Result, error) {
	switch {
	case req.LoanID == "":
		return nil, apperr.Validation("Loan id is required")
	case req.FacilityID == "":
		return nil, apperr.Validation("Facility id is required")
	case !req.Amount.IsPositive():
		return nil, apperr.Validation("Paydown amount must be positive")
	}

	// Lock order: servicing activity, facility, loan.
	var (
		origin   model.Origin
		activity *model.ServicingActivity
		err      error
	)
	if req.ServicingActivityID != "" {
		activity, err = tx.GetServicingActivity(ctx, req.ServicingActivityID)
		if err != nil {
			return nil, store.NotFoundAs(err, "ServicingActivity", req.ServicingActivityID)
		}
		if activity.FacilityID != req.FacilityID {
			return nil, apperr.Validation(fmt.Sprintf("Servicing activity %s does not belong to facility %s", activity.ID, req.FacilityID))
		}
		origin = model.ServicingOrigin(activity.ID)
	}

	// Serialises every position read-modify-write on the facility.
	facility, err := tx.GetFacility(ctx, req.FacilityID)
	if err != nil {
		return nil, store.NotFoundAs(err, "Facility", req.FacilityID)
	}
	loan, err := tx.GetLoan(ctx, req.LoanID)
	if err != nil {
		return nil, store.NotFoundAs(err, "Loan", req.LoanID)
	}
	if loan.FacilityID != facility.ID {
		return nil, apperr.Validation(fmt.Sprintf("Loan %s does not belong to facility %s", loan.ID, facility.ID))
	}

	if activity != nil {
		prior, err := tx.QueryTransactionHistory(ctx, store.TransactionFilter{
			FacilityID: facility.ID,
			LoanID:     loan.ID,
			Origin:     &origin,
			Type:       model.ChangePaydown,
		})
		if err != nil {
			return nil, fmt.Errorf("check prior paydown: %w", err)
		}
		if len(prior) > 0 {
			return &Result{
				Success:             true,
				TransactionID:       prior[0].ID,
				ServicingActivityID: activity.ID,
				FacilityID:          facility.ID,
				LoanID:              loan.ID,
				Amount:              prior[0].Amount,
				Outstanding:         loan.OutstandingBalance,
				Duplicate:           true,
			}, nil
		}
	}

	loanPositions, err := tx.ListLoanPositions(ctx, loan.ID)
	if err != nil {
		return nil, fmt.Errorf("load loan positions: %w", err)
	}
	facilityPositions, err := tx.ListFacilityPositions(ctx, facility.ID)
	if err != nil {
		return nil, fmt.Errorf("load facility positions: %w", err)
	}

	// Everything above is read-only: an oversized paydown fails here
	// without writing anything.
	res, err := ledger.RecomputeOnPaydown(loanPositions, facilityPositions, req.Amount)
	if err != nil {
		return nil, err
	}

	paymentDate := req.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = p.now()
	}

	if activity == nil {
		completedAt := p.now()
		activity = &model.ServicingActivity{
			ID:           uuid.NewString(),
			FacilityID:   facility.ID,
			LoanID:       loan.ID,
			ActivityType: model.ActivityPrincipalPayment,
			DueDate:      paymentDate,
			Amount:       req.Amount,
			Status:       model.ServicingCompleted,
			Description:  fmt.Sprintf("Principal paydown of %s %s", req.Amount, loan.Currency),
			CompletedAt:  &completedAt,
			CompletedBy:  req.UserID,
			CreatedAt:    completedAt,
		}
		if err := tx.CreateServicingActivity(ctx, activity); err != nil {
			return nil, fmt.Errorf("create servicing activity: %w", err)
		}
		origin = model.ServicingOrigin(activity.ID)
	}

	for i, lp := range res.LoanPositions {
		if lp.Amount.Equal(loanPositions[i].Amount) {
			continue
		}
		lp := lp
		if err := tx.UpdateLoanPosition(ctx, &lp); err != nil {
			return nil, fmt.Errorf("update loan position %s: %w", lp.ID, err)
		}
	}

	loan.OutstandingBalance = ledger.Outstanding(res.LoanPositions)
	if err := tx.UpdateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("update loan: %w", err)
	}

	for i, fp := range res.FacilityPositions {
		r, ok := res.Reductions[fp.LenderID]
		if !ok {
			continue
		}
		fp := fp
		if err := tx.UpdateFacilityPosition(ctx, &fp); err != nil {
			return nil, fmt.Errorf("update facility position %s: %w", fp.ID, err)
		}
		if _, err := p.recorder.RecordPositionChange(ctx, tx, history.PositionChange{
			Before: facilityPositions[i],
			After:  fp,
			Amount: r.Neg(),
			Type:   model.ChangePaydown,
			UserID: req.UserID,
			Origin: origin,
		}); err != nil {
			return nil, err
		}
	}

	if err := ledger.CheckFacilityInvariants(*facility, res.FacilityPositions); err != nil {
		return nil, err
	}

	facility.OutstandingAmount = ledger.DrawnTotal(res.FacilityPositions)
	facility.AvailableAmount = facility.CommitmentAmount.Sub(facility.OutstandingAmount)
	if err := tx.UpdateFacility(ctx, facility); err != nil {
		return nil, fmt.Errorf("update facility: %w", err)
	}

	txn, err := p.recorder.RecordTransaction(ctx, tx, model.TransactionHistory{
		CreditAgreementID: facility.CreditAgreementID,
		FacilityID:        facility.ID,
		LoanID:            loan.ID,
		TransactionType:   model.ChangePaydown,
		Amount:            req.Amount,
		Currency:          loan.Currency,
		Description:       fmt.Sprintf("Paydown of %s %s on loan %s", req.Amount, loan.Currency, loan.ID),
		UserID:            req.UserID,
		Origin:            origin,
		TransactionDate:   paymentDate,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:             true,
		TransactionID:       txn.ID,
		ServicingActivityID: origin.ServicingActivityID(),
		FacilityID:          facility.ID,
		LoanID:              loan.ID,
		Amount:              req.Amount,
		Outstanding:         loan.OutstandingBalance,
		Reductions:          res.Reductions,
		Positions:           res.FacilityPositions,
	}, nil
}
