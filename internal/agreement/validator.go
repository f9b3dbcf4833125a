// Package agreement validates and persists credit agreements and their
// facilities.
package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/store"
)

// Allocation commits Amount of a facility to one lender at creation.
type Allocation struct {
	LenderID string          `json:"lender_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// FacilityInput describes a facility created with its agreement.
type FacilityInput struct {
	Name             string          `json:"name"`
	FacilityType     string          `json:"facility_type"`
	CommitmentAmount decimal.Decimal `json:"commitment_amount"`
	Currency         string          `json:"currency,omitempty"` // defaults to the agreement currency
	StartDate        time.Time       `json:"start_date"`
	MaturityDate     time.Time       `json:"maturity_date"`
	InterestType     string          `json:"interest_type"`
	Margin           decimal.Decimal `json:"margin"`
	Allocations      []Allocation    `json:"allocations,omitempty"`
}

// CreateInput is the payload for a new credit agreement.
type CreateInput struct {
	Name         string                      `json:"name"`
	BorrowerID   string                      `json:"borrower_id"`
	LenderID     string                      `json:"lender_id"`
	Amount       decimal.Decimal             `json:"amount"`
	Currency     string                      `json:"currency"`
	StartDate    time.Time                   `json:"start_date"`
	MaturityDate time.Time                   `json:"maturity_date"`
	InterestRate decimal.Decimal             `json:"interest_rate"`
	Status       model.CreditAgreementStatus `json:"status,omitempty"`
	Facilities   []FacilityInput             `json:"facilities"`
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	ID           string                       `json:"id"`
	Name         *string                      `json:"name,omitempty"`
	Amount       *decimal.Decimal             `json:"amount,omitempty"`
	Currency     *string                      `json:"currency,omitempty"`
	StartDate    *time.Time                   `json:"start_date,omitempty"`
	MaturityDate *time.Time                   `json:"maturity_date,omitempty"`
	InterestRate *decimal.Decimal             `json:"interest_rate,omitempty"`
	Status       *model.CreditAgreementStatus `json:"status,omitempty"`
}

// Draft is a validated, normalized create payload. Ids are left for the
// caller to assign.
type Draft struct {
	Agreement   model.CreditAgreement
	Facilities  []model.Facility
	Allocations [][]Allocation // parallel to Facilities
}

// Validator checks agreement payloads against current state. It reads
// through the given Tx and never writes.
type Validator struct{}

// ValidateCreate applies the create rules in order; the first failure wins.
func (Validator) ValidateCreate(ctx context.Context, tx store.Tx, in CreateInput) (*Draft, error) {
	borrower, err := tx.GetBorrower(ctx, in.BorrowerID)
	if err := partyErr(err, "Borrower", in.BorrowerID); err != nil {
		return nil, err
	}
	if borrower.Status != model.EntityActive {
		return nil, apperr.NotFoundMsg("Borrower", in.BorrowerID, "Borrower not found")
	}
	lender, err := tx.GetLender(ctx, in.LenderID)
	if err := partyErr(err, "Lender", in.LenderID); err != nil {
		return nil, err
	}
	if lender.Status != model.EntityActive {
		return nil, apperr.NotFoundMsg("Lender", in.LenderID, "Lender not found")
	}

	if err := checkTerms(in.StartDate, in.MaturityDate, in.Amount, in.InterestRate); err != nil {
		return nil, err
	}

	if len(in.Facilities) == 0 {
		return nil, apperr.Validation("At least one facility is required")
	}

	if in.Currency == "" {
		return nil, apperr.Validation("Currency is required")
	}
	status := in.Status
	if status == "" {
		status = model.AgreementDraft
	}
	if !status.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("Invalid credit agreement status %q", status))
	}

	draft := &Draft{
		Agreement: model.CreditAgreement{
			Name:         in.Name,
			BorrowerID:   borrower.ID,
			LenderID:     lender.ID,
			Amount:       in.Amount,
			Currency:     in.Currency,
			StartDate:    in.StartDate,
			MaturityDate: in.MaturityDate,
			InterestRate: in.InterestRate,
			Status:       status,
		},
		Facilities:  make([]model.Facility, 0, len(in.Facilities)),
		Allocations: make([][]Allocation, 0, len(in.Facilities)),
	}

	total := decimal.Zero
	for i, fi := range in.Facilities {
		if !fi.CommitmentAmount.IsPositive() {
			return nil, apperr.Validation(fmt.Sprintf("Facility %d commitment amount must be positive", i+1))
		}
		if !fi.MaturityDate.After(fi.StartDate) {
			return nil, apperr.Validation(fmt.Sprintf("Facility %d maturity date must be after start date", i+1))
		}
		for _, a := range fi.Allocations {
			l, err := tx.GetLender(ctx, a.LenderID)
			if err := partyErr(err, "Lender", a.LenderID); err != nil {
				return nil, err
			}
			if l.Status != model.EntityActive {
				return nil, apperr.NotFoundMsg("Lender", a.LenderID, "Lender not found")
			}
		}

		currency := fi.Currency
		if currency == "" {
			currency = in.Currency
		}
		draft.Facilities = append(draft.Facilities, model.Facility{
			Name:              fi.Name,
			FacilityType:      fi.FacilityType,
			CommitmentAmount:  fi.CommitmentAmount,
			AvailableAmount:   fi.CommitmentAmount,
			OutstandingAmount: decimal.Zero,
			Currency:          currency,
			StartDate:         fi.StartDate,
			MaturityDate:      fi.MaturityDate,
			InterestType:      fi.InterestType,
			Margin:            fi.Margin,
			Status:            "ACTIVE",
		})
		draft.Allocations = append(draft.Allocations, fi.Allocations)
		total = total.Add(fi.CommitmentAmount)
	}

	if in.Amount.LessThan(total) {
		return nil, apperr.Validation("Credit agreement amount cannot be less than total facility commitments")
	}
	return draft, nil
}

// ValidateUpdate merges in onto the stored agreement and checks the result.
// Term rules run on the merged record first, then the rules that protect
// existing facilities.
func (Validator) ValidateUpdate(ctx context.Context, tx store.Tx, in UpdateInput) (*model.CreditAgreement, error) {
	existing, err := tx.GetCreditAgreement(ctx, in.ID)
	if err != nil {
		return nil, store.NotFoundAs(err, "CreditAgreement", in.ID)
	}

	merged := *existing
	if in.Name != nil {
		merged.Name = *in.Name
	}
	if in.Amount != nil {
		merged.Amount = *in.Amount
	}
	if in.Currency != nil {
		merged.Currency = *in.Currency
	}
	if in.StartDate != nil {
		merged.StartDate = *in.StartDate
	}
	if in.MaturityDate != nil {
		merged.MaturityDate = *in.MaturityDate
	}
	if in.InterestRate != nil {
		merged.InterestRate = *in.InterestRate
	}
	if in.Status != nil {
		merged.Status = *in.Status
	}

	if err := checkTerms(merged.StartDate, merged.MaturityDate, merged.Amount, merged.InterestRate); err != nil {
		return nil, err
	}
	if !merged.Status.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("Invalid credit agreement status %q", merged.Status))
	}

	facilities, err := tx.ListFacilitiesByAgreement(ctx, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("list facilities: %w", err)
	}
	if len(facilities) == 0 {
		return &merged, nil
	}

	total := decimal.Zero
	var latest time.Time
	for _, f := range facilities {
		total = total.Add(f.CommitmentAmount)
		if f.MaturityDate.After(latest) {
			latest = f.MaturityDate
		}
	}
	if merged.Amount.LessThan(total) {
		return nil, apperr.Validation("Credit agreement amount cannot be less than total facility commitments")
	}
	if merged.MaturityDate.Before(latest) {
		return nil, apperr.Validation("Credit agreement maturity date cannot be earlier than facility maturity dates")
	}
	if merged.Currency != existing.Currency {
		return nil, apperr.Validation("Cannot change currency of credit agreement with existing facilities")
	}
	return &merged, nil
}

func checkTerms(start, maturity time.Time, amount, rate decimal.Decimal) error {
	if !maturity.After(start) {
		return apperr.Validation("Maturity date must be after start date")
	}
	if !amount.IsPositive() {
		return apperr.Validation("Amount must be positive")
	}
	if rate.IsNegative() {
		return apperr.Validation("Interest rate must be non-negative")
	}
	return nil
}

func partyErr(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFoundMsg(resource, id, resource+" not found")
	}
	return fmt.Errorf("load %s %s: %w", resource, id, err)
}
