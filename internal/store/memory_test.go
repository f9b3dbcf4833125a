package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanbook/position-engine/internal/store"
	"github.com/loanbook/position-engine/internal/store/storetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestMemoryStore_CancelledContextDiscardsTx(t *testing.T) {
	s := store.NewMemoryStore()
	fx := storetest.SeedFacility(t, s, "1000",
		storetest.Holding{EntityID: "ent-A", Commitment: "1000", Drawn: "1000"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	err := s.WithTx(ctx, func(tx store.Tx) error {
		f, err := tx.GetFacility(ctx, fx.FacilityID)
		if err != nil {
			return err
		}
		f.Status = "CLOSED"
		if err := tx.UpdateFacility(ctx, f); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	f, err := s.GetFacility(context.Background(), fx.FacilityID)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", f.Status)
}

func TestMemoryStore_ConcurrentTransactionsSerialise(t *testing.T) {
	s := store.NewMemoryStore()
	fx := storetest.SeedFacility(t, s, "1000",
		storetest.Holding{EntityID: "ent-A", Commitment: "1000", Drawn: "1000"},
	)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithTx(ctx, func(tx store.Tx) error {
				l, err := tx.GetLoan(ctx, fx.LoanID)
				if err != nil {
					return err
				}
				l.OutstandingBalance = l.OutstandingBalance.Sub(d("10"))
				return tx.UpdateLoan(ctx, l)
			})
		}()
	}
	wg.Wait()

	l, err := s.GetLoan(ctx, fx.LoanID)
	require.NoError(t, err)
	assert.True(t, l.OutstandingBalance.Equal(d("500")), "lost update: outstanding %s", l.OutstandingBalance)
}

func TestMemoryStore_ParentMustExist(t *testing.T) {
	s := store.NewMemoryStore()
	fx := storetest.SeedFacility(t, s, "1000")
	ctx := context.Background()

	f, err := s.GetFacility(ctx, fx.FacilityID)
	require.NoError(t, err)
	f.ID = "orphan"
	f.CreditAgreementID = "missing"
	err = s.CreateFacility(ctx, f)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
