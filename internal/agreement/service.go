package agreement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/loanbook/position-engine/internal/feed"
	"github.com/loanbook/position-engine/internal/ledger"
	"github.com/loanbook/position-engine/internal/metrics"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/store"
)

// Service creates, updates and reads credit agreements.
type Service struct {
	store     store.Store
	validator Validator
	pub       feed.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates an agreement service. pub may be nil.
func NewService(s store.Store, pub feed.Publisher, log zerolog.Logger) *Service {
	if pub == nil {
		pub = feed.Nop{}
	}
	return &Service{
		store: s,
		pub:   pub,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ValidateAndCreateCreditAgreement validates in and, only when it passes,
// creates the agreement with its facilities and initial allocations in one
// transaction.
func (s *Service) ValidateAndCreateCreditAgreement(ctx context.Context, in CreateInput, userID string) (*model.CreditAgreementWithRelations, error) {
	start := time.Now()
	var out *model.CreditAgreementWithRelations

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		draft, err := s.validator.ValidateCreate(ctx, tx, in)
		if err != nil {
			return err
		}

		now := s.now()
		ca := draft.Agreement
		ca.ID = uuid.NewString()
		ca.CreatedAt = now
		ca.UpdatedAt = now

		// Build every row before the first write so an allocation error
		// leaves the store untouched.
		facilities := make([]model.Facility, len(draft.Facilities))
		positions := make([][]model.FacilityPosition, len(draft.Facilities))
		for i, f := range draft.Facilities {
			f.ID = uuid.NewString()
			f.CreditAgreementID = ca.ID
			facilities[i] = f

			allocs := draft.Allocations[i]
			if len(allocs) == 0 {
				continue
			}
			lenderIDs := make([]string, len(allocs))
			amounts := make([]decimal.Decimal, len(allocs))
			for j, a := range allocs {
				lenderIDs[j] = a.LenderID
				amounts[j] = a.Amount
			}
			ps, err := ledger.Allocate(f, lenderIDs, amounts)
			if err != nil {
				return err
			}
			for j := range ps {
				ps[j].ID = uuid.NewString()
			}
			positions[i] = ps
		}

		if err := tx.CreateCreditAgreement(ctx, &ca); err != nil {
			return fmt.Errorf("create credit agreement: %w", err)
		}
		for i := range facilities {
			if err := tx.CreateFacility(ctx, &facilities[i]); err != nil {
				return fmt.Errorf("create facility: %w", err)
			}
			for j := range positions[i] {
				if err := tx.CreateFacilityPosition(ctx, &positions[i][j]); err != nil {
					return fmt.Errorf("create facility position: %w", err)
				}
			}
		}

		out, err = loadRelations(ctx, tx, ca.ID)
		return err
	})
	metrics.ObserveCommand("create_credit_agreement", start, err)
	if err != nil {
		s.log.Warn().Err(err).Str("name", in.Name).Msg("credit agreement rejected")
		return nil, err
	}

	s.log.Info().
		Str("credit_agreement_id", out.ID).
		Str("amount", out.Amount.String()).
		Int("facilities", len(out.Facilities)).
		Str("user_id", userID).
		Msg("credit agreement created")
	s.announce(ctx, out)
	return out, nil
}

// ValidateAndUpdateCreditAgreement applies a partial update after validating
// the merged record.
func (s *Service) ValidateAndUpdateCreditAgreement(ctx context.Context, in UpdateInput, userID string) (*model.CreditAgreementWithRelations, error) {
	start := time.Now()
	var out *model.CreditAgreementWithRelations

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		merged, err := s.validator.ValidateUpdate(ctx, tx, in)
		if err != nil {
			return err
		}
		merged.UpdatedAt = s.now()
		if err := tx.UpdateCreditAgreement(ctx, merged); err != nil {
			return fmt.Errorf("update credit agreement: %w", err)
		}
		out, err = loadRelations(ctx, tx, merged.ID)
		return err
	})
	metrics.ObserveCommand("update_credit_agreement", start, err)
	if err != nil {
		s.log.Warn().Err(err).Str("credit_agreement_id", in.ID).Msg("credit agreement update rejected")
		return nil, err
	}

	s.log.Info().
		Str("credit_agreement_id", out.ID).
		Str("status", string(out.Status)).
		Str("user_id", userID).
		Msg("credit agreement updated")
	s.announce(ctx, out)
	return out, nil
}

// GetCreditAgreement returns an agreement with its facilities and positions.
func (s *Service) GetCreditAgreement(ctx context.Context, id string) (*model.CreditAgreementWithRelations, error) {
	return loadRelations(ctx, s.store, id)
}

// GetFacility returns a facility with its positions.
func (s *Service) GetFacility(ctx context.Context, id string) (*model.FacilityWithPositions, error) {
	f, err := s.store.GetFacility(ctx, id)
	if err != nil {
		return nil, store.NotFoundAs(err, "Facility", id)
	}
	positions, err := s.store.ListFacilityPositions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return &model.FacilityWithPositions{Facility: *f, Positions: nonNil(positions)}, nil
}

func loadRelations(ctx context.Context, tx store.Tx, id string) (*model.CreditAgreementWithRelations, error) {
	ca, err := tx.GetCreditAgreement(ctx, id)
	if err != nil {
		return nil, store.NotFoundAs(err, "CreditAgreement", id)
	}
	facilities, err := tx.ListFacilitiesByAgreement(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list facilities: %w", err)
	}

	out := &model.CreditAgreementWithRelations{
		CreditAgreement: *ca,
		Facilities:      make([]model.FacilityWithPositions, 0, len(facilities)),
	}
	for _, f := range facilities {
		positions, err := tx.ListFacilityPositions(ctx, f.ID)
		if err != nil {
			return nil, fmt.Errorf("list positions for facility %s: %w", f.ID, err)
		}
		out.Facilities = append(out.Facilities, model.FacilityWithPositions{Facility: f, Positions: nonNil(positions)})
	}
	return out, nil
}

func nonNil(ps []model.FacilityPosition) []model.FacilityPosition {
	if ps == nil {
		return []model.FacilityPosition{}
	}
	return ps
}

func (s *Service) announce(ctx context.Context, ca *model.CreditAgreementWithRelations) {
	evt := feed.NewEvent(feed.AgreementChanged)
	evt.AgreementID = ca.ID
	evt.Status = string(ca.Status)
	if err := s.pub.Publish(ctx, evt); err != nil {
		s.log.Warn().Err(err).Str("event", evt.Type).Str("event_id", evt.ID).Msg("publish failed")
	}
}
