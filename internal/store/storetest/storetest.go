// Package storetest seeds stores with small syndicated facilities for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/loanbook/position-engine/internal/ledger"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/store"
)

// Holding is one lender's seeded stake.
type Holding struct {
	EntityID   string
	Commitment string
	Drawn      string
}

// Fixture holds the ids created by SeedFacility.
type Fixture struct {
	AgreementID string
	FacilityID  string
	LoanID      string
	Borrower    model.Borrower
	Lenders     map[string]model.Lender // keyed by entity id
	Positions   map[string]model.FacilityPosition
}

// Epoch is the fixed clock used by seeded records.
var Epoch = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

// SeedFacility creates an ACTIVE USD agreement with one facility of the
// given commitment, one position per holding, and a single loan whose
// outstanding balance is the drawn total split by holding.
func SeedFacility(t *testing.T, s store.Store, commitment string, holdings ...Holding) *Fixture {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	fx := &Fixture{
		AgreementID: "ca-" + suffix,
		FacilityID:  "fac-" + suffix,
		LoanID:      "loan-" + suffix,
		Lenders:     make(map[string]model.Lender),
		Positions:   make(map[string]model.FacilityPosition),
	}

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		borrowerEntity := &model.Entity{ID: "ent-borrower-" + suffix, LegalName: "Borrower Co", Status: model.EntityActive}
		if err := tx.CreateEntity(ctx, borrowerEntity); err != nil {
			return err
		}
		fx.Borrower = model.Borrower{ID: "bor-" + suffix, EntityID: borrowerEntity.ID, Status: model.EntityActive}
		if err := tx.CreateBorrower(ctx, &fx.Borrower); err != nil {
			return err
		}

		for _, h := range holdings {
			if _, err := tx.GetEntity(ctx, h.EntityID); err != nil {
				if err := tx.CreateEntity(ctx, &model.Entity{ID: h.EntityID, LegalName: h.EntityID, Status: model.EntityActive}); err != nil {
					return err
				}
			}
			l, err := tx.UpsertLenderByEntity(ctx, h.EntityID)
			if err != nil {
				return err
			}
			fx.Lenders[h.EntityID] = *l
		}

		var agent string
		if len(holdings) > 0 {
			agent = fx.Lenders[holdings[0].EntityID].ID
		} else {
			agentEntity := &model.Entity{ID: "ent-agent-" + suffix, LegalName: "Agent Bank", Status: model.EntityActive}
			if err := tx.CreateEntity(ctx, agentEntity); err != nil {
				return err
			}
			l, err := tx.UpsertLenderByEntity(ctx, agentEntity.ID)
			if err != nil {
				return err
			}
			agent = l.ID
		}

		total := decimal.RequireFromString(commitment)
		drawn := decimal.Zero
		for _, h := range holdings {
			drawn = drawn.Add(decimal.RequireFromString(h.Drawn))
		}

		if err := tx.CreateCreditAgreement(ctx, &model.CreditAgreement{
			ID:           fx.AgreementID,
			Name:         "Test Agreement",
			BorrowerID:   fx.Borrower.ID,
			LenderID:     agent,
			Amount:       total,
			Currency:     "USD",
			StartDate:    Epoch,
			MaturityDate: Epoch.AddDate(5, 0, 0),
			InterestRate: decimal.RequireFromString("5.25"),
			Status:       model.AgreementActive,
			CreatedAt:    Epoch,
			UpdatedAt:    Epoch,
		}); err != nil {
			return err
		}

		if err := tx.CreateFacility(ctx, &model.Facility{
			ID:                fx.FacilityID,
			CreditAgreementID: fx.AgreementID,
			Name:              "Term Loan A",
			FacilityType:      "TERM_LOAN",
			CommitmentAmount:  total,
			AvailableAmount:   total.Sub(drawn),
			OutstandingAmount: drawn,
			Currency:          "USD",
			StartDate:         Epoch,
			MaturityDate:      Epoch.AddDate(5, 0, 0),
			InterestType:      "FLOATING",
			Margin:            decimal.RequireFromString("2.5"),
			Status:            "ACTIVE",
		}); err != nil {
			return err
		}

		if err := tx.CreateLoan(ctx, &model.Loan{
			ID:                 fx.LoanID,
			FacilityID:         fx.FacilityID,
			Amount:             drawn,
			OutstandingBalance: drawn,
			Currency:           "USD",
			Status:             "ACTIVE",
			StartDate:          Epoch,
			MaturityDate:       Epoch.AddDate(5, 0, 0),
		}); err != nil {
			return err
		}

		for _, h := range holdings {
			c := decimal.RequireFromString(h.Commitment)
			dr := decimal.RequireFromString(h.Drawn)
			lender := fx.Lenders[h.EntityID]
			p := model.FacilityPosition{
				ID:               "fp-" + h.EntityID + "-" + suffix,
				FacilityID:       fx.FacilityID,
				LenderID:         lender.ID,
				CommitmentAmount: c,
				DrawnAmount:      dr,
				UndrawnAmount:    c.Sub(dr),
				Share:            ledger.Share(c, total),
				Status:           model.PositionActive,
			}
			if err := tx.CreateFacilityPosition(ctx, &p); err != nil {
				return err
			}
			fx.Positions[h.EntityID] = p

			if dr.IsPositive() {
				if err := tx.CreateLoanPosition(ctx, &model.LoanPosition{
					ID:       "lp-" + h.EntityID + "-" + suffix,
					LoanID:   fx.LoanID,
					LenderID: lender.ID,
					Amount:   dr,
					Share:    dr.Div(drawn).Mul(decimal.NewFromInt(100)).Round(10),
					Status:   model.PositionActive,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	return fx
}

// D parses a decimal literal.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
