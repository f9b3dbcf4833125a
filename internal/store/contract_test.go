package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/store"
	"github.com/loanbook/position-engine/internal/store/storetest"
)

var d = storetest.D

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("seed and read back", func(t *testing.T) {
		s := newStore(t)
		fx := storetest.SeedFacility(t, s, "2000000",
			storetest.Holding{EntityID: "ent-A", Commitment: "1000000", Drawn: "1000000"},
			storetest.Holding{EntityID: "ent-B", Commitment: "1000000", Drawn: "1000000"},
		)
		ctx := context.Background()

		f, err := s.GetFacility(ctx, fx.FacilityID)
		require.NoError(t, err)
		assert.True(t, f.CommitmentAmount.Equal(d("2000000")))
		assert.True(t, f.OutstandingAmount.Equal(d("2000000")))
		assert.True(t, f.Margin.Equal(d("2.5")))

		positions, err := s.ListFacilityPositions(ctx, fx.FacilityID)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		for _, p := range positions {
			assert.True(t, p.Share.Equal(d("50")), "share %s", p.Share)
		}

		lps, err := s.ListLoanPositions(ctx, fx.LoanID)
		require.NoError(t, err)
		assert.Len(t, lps, 2)

		ca, err := s.GetCreditAgreement(ctx, fx.AgreementID)
		require.NoError(t, err)
		assert.Equal(t, "USD", ca.Currency)
		assert.True(t, ca.InterestRate.Equal(d("5.25")))
	})

	t.Run("missing rows map to ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetFacility(ctx, "no-such-facility")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetTrade(ctx, "no-such-trade")
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.UpdateLoan(ctx, &model.Loan{ID: "no-such-loan"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("upsert lender is idempotent per entity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateEntity(ctx, &model.Entity{ID: "ent-upsert", LegalName: "Upsert LLC", Status: model.EntityActive}))

		first, err := s.UpsertLenderByEntity(ctx, "ent-upsert")
		require.NoError(t, err)
		second, err := s.UpsertLenderByEntity(ctx, "ent-upsert")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, model.EntityActive, second.Status)
	})

	t.Run("duplicate facility position is rejected", func(t *testing.T) {
		s := newStore(t)
		fx := storetest.SeedFacility(t, s, "1000",
			storetest.Holding{EntityID: "ent-dup", Commitment: "1000", Drawn: "0"},
		)
		dup := fx.Positions["ent-dup"]
		dup.ID = "fp-dup-second"
		err := s.CreateFacilityPosition(context.Background(), &dup)
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})

	t.Run("failed transaction rolls back every write", func(t *testing.T) {
		s := newStore(t)
		fx := storetest.SeedFacility(t, s, "1000",
			storetest.Holding{EntityID: "ent-rb", Commitment: "1000", Drawn: "400"},
		)
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.WithTx(ctx, func(tx store.Tx) error {
			p, err := tx.GetFacilityPositionByLender(ctx, fx.FacilityID, fx.Lenders["ent-rb"].ID)
			if err != nil {
				return err
			}
			p.DrawnAmount = d("0")
			p.UndrawnAmount = d("1000")
			if err := tx.UpdateFacilityPosition(ctx, p); err != nil {
				return err
			}
			if err := tx.InsertTransactionHistory(ctx, &model.TransactionHistory{
				ID:                "th-rollback",
				CreditAgreementID: fx.AgreementID,
				FacilityID:        fx.FacilityID,
				TransactionType:   model.ChangePaydown,
				Amount:            d("400"),
				Currency:          "USD",
				Origin:            model.ManualOrigin(),
				TransactionDate:   storetest.Epoch,
				CreatedAt:         storetest.Epoch,
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		p, err := s.GetFacilityPositionByLender(ctx, fx.FacilityID, fx.Lenders["ent-rb"].ID)
		require.NoError(t, err)
		assert.True(t, p.DrawnAmount.Equal(d("400")), "drawn %s", p.DrawnAmount)

		rows, err := s.QueryTransactionHistory(ctx, store.TransactionFilter{FacilityID: fx.FacilityID})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("position history filters and ordering", func(t *testing.T) {
		s := newStore(t)
		fx := storetest.SeedFacility(t, s, "1000",
			storetest.Holding{EntityID: "ent-H1", Commitment: "600", Drawn: "0"},
			storetest.Holding{EntityID: "ent-H2", Commitment: "400", Drawn: "0"},
		)
		ctx := context.Background()

		trade := &model.Trade{
			ID:             "tr-hist-" + fx.FacilityID,
			FacilityID:     fx.FacilityID,
			SellerEntityID: "ent-H1",
			BuyerEntityID:  "ent-H2",
			ParAmount:      d("100"),
			Price:          d("99.5"),
			TradeDate:      storetest.Epoch,
			SettlementDate: storetest.Epoch,
			Status:         model.TradeSettled,
			CreatedAt:      storetest.Epoch,
		}
		require.NoError(t, s.CreateTrade(ctx, trade))

		p1 := fx.Positions["ent-H1"]
		p2 := fx.Positions["ent-H2"]
		rows := []model.FacilityPositionHistory{
			historyRow("h-1", p1, model.ManualOrigin(), storetest.Epoch.Add(1*time.Hour)),
			historyRow("h-2", p1, model.TradeOrigin(trade.ID), storetest.Epoch.Add(2*time.Hour)),
			historyRow("h-3", p2, model.TradeOrigin(trade.ID), storetest.Epoch.Add(2*time.Hour)),
			historyRow("h-4", p2, model.ManualOrigin(), storetest.Epoch.Add(3*time.Hour)),
		}
		for i := range rows {
			rows[i].ID = rows[i].ID + "-" + fx.FacilityID
			require.NoError(t, s.InsertPositionHistory(ctx, &rows[i]))
		}

		all, err := s.QueryPositionHistory(ctx, store.HistoryFilter{FacilityID: fx.FacilityID})
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].ChangeDateTime.After(all[i-1].ChangeDateTime), "rows must be newest first")
		}

		byTrade, err := s.QueryPositionHistory(ctx, store.HistoryFilter{
			FacilityID: fx.FacilityID,
			Origin:     ptr(model.TradeOrigin(trade.ID)),
		})
		require.NoError(t, err)
		assert.Len(t, byTrade, 2)

		start := storetest.Epoch.Add(90 * time.Minute)
		end := storetest.Epoch.Add(150 * time.Minute)
		windowed, err := s.QueryPositionHistory(ctx, store.HistoryFilter{
			FacilityID: fx.FacilityID,
			Start:      &start,
			End:        &end,
		})
		require.NoError(t, err)
		assert.Len(t, windowed, 2)

		byLender, err := s.QueryPositionHistory(ctx, store.HistoryFilter{
			FacilityID: fx.FacilityID,
			LenderID:   p2.LenderID,
		})
		require.NoError(t, err)
		assert.Len(t, byLender, 2)

		err = s.InsertPositionHistory(ctx, &rows[0])
		assert.ErrorIs(t, err, store.ErrImmutable)
	})
}

func historyRow(id string, p model.FacilityPosition, origin model.Origin, at time.Time) model.FacilityPositionHistory {
	return model.FacilityPositionHistory{
		ID:                 id,
		FacilityID:         p.FacilityID,
		FacilityPositionID: p.ID,
		LenderID:           p.LenderID,
		PreviousCommitment: p.CommitmentAmount,
		NewCommitment:      p.CommitmentAmount,
		PreviousDrawn:      p.DrawnAmount,
		NewDrawn:           p.DrawnAmount,
		PreviousUndrawn:    p.UndrawnAmount,
		NewUndrawn:         p.UndrawnAmount,
		PreviousShare:      p.Share,
		NewShare:           p.Share,
		ChangeAmount:       d("0"),
		ChangeType:         model.ChangeAdjustment,
		UserID:             "tester",
		Origin:             origin,
		ChangeDateTime:     at,
	}
}

func ptr[T any](v T) *T {
	return &v
}
