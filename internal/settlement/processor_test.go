package settlement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/feed"
	"github.com/loanbook/position-engine/internal/history"
	"github.com/loanbook/position-engine/internal/ledger"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/settlement"
	"github.com/loanbook/position-engine/internal/store"
	"github.com/loanbook/position-engine/internal/store/storetest"
)

var d = storetest.D

type recordingPublisher struct {
	mu     sync.Mutex
	events []feed.Event
}

func (r *recordingPublisher) Publish(_ context.Context, evt feed.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func newProcessor(s store.Store, pub feed.Publisher) *settlement.Processor {
	return settlement.NewProcessor(s, history.NewRecorder(s), pub, zerolog.Nop())
}

// seedTwoLenders builds the 2 × 1,000,000 facility used across these tests.
func seedTwoLenders(t *testing.T, s store.Store) *storetest.Fixture {
	t.Helper()
	return storetest.SeedFacility(t, s, "2000000",
		storetest.Holding{EntityID: "ent-A", Commitment: "1000000", Drawn: "1000000"},
		storetest.Holding{EntityID: "ent-B", Commitment: "1000000", Drawn: "1000000"},
	)
}

func seedTrade(t *testing.T, s store.Store, fx *storetest.Fixture, seller, buyer, par string, status model.TradeStatus) *model.Trade {
	t.Helper()
	trade := &model.Trade{
		ID:             "tr-" + seller + "-" + buyer + "-" + par,
		FacilityID:     fx.FacilityID,
		SellerEntityID: seller,
		BuyerEntityID:  buyer,
		ParAmount:      d(par),
		Price:          d("99.75"),
		TradeDate:      storetest.Epoch,
		SettlementDate: storetest.Epoch.AddDate(0, 0, 7),
		Status:         status,
		CreatedAt:      storetest.Epoch,
	}
	require.NoError(t, s.CreateTrade(context.Background(), trade))
	return trade
}

func positionFor(t *testing.T, s store.Store, fx *storetest.Fixture, entityID string) *model.FacilityPosition {
	t.Helper()
	l, err := s.UpsertLenderByEntity(context.Background(), entityID)
	require.NoError(t, err)
	p, err := s.GetFacilityPositionByLender(context.Background(), fx.FacilityID, l.ID)
	require.NoError(t, err)
	return p
}

func historyRows(t *testing.T, s store.Store, fx *storetest.Fixture) []model.FacilityPositionHistory {
	t.Helper()
	rows, err := s.QueryPositionHistory(context.Background(), store.HistoryFilter{FacilityID: fx.FacilityID})
	require.NoError(t, err)
	return rows
}

func TestCloseTrade_TwoMillionScenario(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	trade := seedTrade(t, ms, fx, "ent-A", "ent-B", "200000", model.TradeSettled)
	pub := &recordingPublisher{}
	proc := newProcessor(ms, pub)

	out, err := proc.CloseTrade(context.Background(), trade.ID, "user-1")
	require.NoError(t, err)

	assert.True(t, out.Seller.CommitmentAmount.Equal(d("800000")))
	assert.True(t, out.Seller.Share.Equal(d("40")), "seller share %s", out.Seller.Share)
	assert.True(t, out.Buyer.CommitmentAmount.Equal(d("1200000")))
	assert.True(t, out.Buyer.Share.Equal(d("60")), "buyer share %s", out.Buyer.Share)
	assert.Equal(t, model.TradeClosed, out.Trade.Status)
	assert.Equal(t, "user-1", out.Trade.ClosedBy)
	require.NotNil(t, out.Trade.ClosedAt)
	assert.True(t, out.Trade.FacilityOutstandingSnapshot.Equal(d("2000000")))

	// Persisted state matches the returned state.
	assert.True(t, positionFor(t, ms, fx, "ent-A").CommitmentAmount.Equal(d("800000")))
	assert.True(t, positionFor(t, ms, fx, "ent-B").CommitmentAmount.Equal(d("1200000")))
	stored, err := ms.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeClosed, stored.Status)

	rows := historyRows(t, ms, fx)
	require.Len(t, rows, 2)
	changes := map[string]string{}
	for _, r := range rows {
		assert.Equal(t, model.ChangeTrade, r.ChangeType)
		assert.Equal(t, model.TradeOrigin(trade.ID), r.Origin)
		changes[r.LenderID] = r.ChangeAmount.String()
	}
	assert.Equal(t, "-200000", changes[fx.Lenders["ent-A"].ID])
	assert.Equal(t, "200000", changes[fx.Lenders["ent-B"].ID])

	txs, err := ms.QueryTransactionHistory(context.Background(), store.TransactionFilter{FacilityID: fx.FacilityID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, out.TransactionID, txs[0].ID)
	assert.True(t, txs[0].Amount.Equal(d("200000")))

	positions, err := ms.ListFacilityPositions(context.Background(), fx.FacilityID)
	require.NoError(t, err)
	f, err := ms.GetFacility(context.Background(), fx.FacilityID)
	require.NoError(t, err)
	require.NoError(t, ledger.CheckFacilityInvariants(*f, positions))

	require.Len(t, pub.events, 1)
	assert.Equal(t, feed.TradeSettled, pub.events[0].Type)
	assert.Equal(t, trade.ID, pub.events[0].TradeID)
}

func TestCloseTrade_TwiceFailsWithoutDuplicateHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	trade := seedTrade(t, ms, fx, "ent-A", "ent-B", "200000", model.TradeSettled)
	proc := newProcessor(ms, nil)

	_, err := proc.CloseTrade(context.Background(), trade.ID, "user-1")
	require.NoError(t, err)

	_, err = proc.CloseTrade(context.Background(), trade.ID, "user-1")
	require.ErrorIs(t, err, apperr.ErrStateTransition)
	assert.Equal(t, "Trade is already closed", err.Error())

	assert.Len(t, historyRows(t, ms, fx), 2)
	assert.True(t, positionFor(t, ms, fx, "ent-A").CommitmentAmount.Equal(d("800000")))
}

func TestCloseTrade_ConcurrentClosesApplyOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	trade := seedTrade(t, ms, fx, "ent-A", "ent-B", "100000", model.TradeSettled)
	proc := newProcessor(ms, nil)

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := proc.CloseTrade(context.Background(), trade.ID, "user-1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, apperr.ErrStateTransition):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 7, rejected.Load())
	assert.Len(t, historyRows(t, ms, fx), 2)
	assert.True(t, positionFor(t, ms, fx, "ent-A").CommitmentAmount.Equal(d("900000")))
}

func TestCloseTrade_RequiresSettled(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	trade := seedTrade(t, ms, fx, "ent-A", "ent-B", "200000", model.TradePending)

	_, err := newProcessor(ms, nil).CloseTrade(context.Background(), trade.ID, "user-1")
	require.ErrorIs(t, err, apperr.ErrStateTransition)
	assert.Equal(t, "Invalid status transition from PENDING to CLOSED", err.Error())
	assert.Empty(t, historyRows(t, ms, fx))
}

func TestCloseTrade_UnknownTrade(t *testing.T) {
	ms := store.NewMemoryStore()
	_, err := newProcessor(ms, nil).CloseTrade(context.Background(), "missing", "user-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCloseTrade_SellerWithoutPosition(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	require.NoError(t, ms.CreateEntity(context.Background(), &model.Entity{ID: "ent-C", LegalName: "C", Status: model.EntityActive}))
	trade := seedTrade(t, ms, fx, "ent-C", "ent-B", "100", model.TradeSettled)

	_, err := newProcessor(ms, nil).CloseTrade(context.Background(), trade.ID, "user-1")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, "Seller position not found", err.Error())

	stored, err := ms.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeSettled, stored.Status)
}

func TestCloseTrade_OpensPositionForNewBuyer(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	require.NoError(t, ms.CreateEntity(context.Background(), &model.Entity{ID: "ent-N", LegalName: "New Fund", Status: model.EntityActive}))
	trade := seedTrade(t, ms, fx, "ent-A", "ent-N", "500000", model.TradeSettled)

	out, err := newProcessor(ms, nil).CloseTrade(context.Background(), trade.ID, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, out.Buyer.ID)
	assert.True(t, out.Buyer.Share.Equal(d("25")))

	p := positionFor(t, ms, fx, "ent-N")
	assert.Equal(t, out.Buyer.ID, p.ID)
	assert.True(t, p.CommitmentAmount.Equal(d("500000")))

	positions, err := ms.ListFacilityPositions(context.Background(), fx.FacilityID)
	require.NoError(t, err)
	assert.Len(t, positions, 3)
}

func TestCloseTrade_InsufficientPositionWritesNothing(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	trade := seedTrade(t, ms, fx, "ent-A", "ent-B", "1000000.01", model.TradeSettled)

	_, err := newProcessor(ms, nil).CloseTrade(context.Background(), trade.ID, "user-1")
	require.ErrorIs(t, err, apperr.ErrInsufficientPosition)

	assert.Empty(t, historyRows(t, ms, fx))
	assert.True(t, positionFor(t, ms, fx, "ent-A").CommitmentAmount.Equal(d("1000000")))
}

// failingStore fails UpdateTrade inside transactions, after every position
// and history write has already been made.
type failingStore struct {
	store.Store
}

type failingTx struct {
	store.Tx
}

func (f failingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{tx})
	})
}

func (failingTx) UpdateTrade(context.Context, *model.Trade) error {
	return errors.New("disk full")
}

func TestCloseTrade_RollsBackOnLateFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	trade := seedTrade(t, ms, fx, "ent-A", "ent-B", "200000", model.TradeSettled)
	s := failingStore{ms}

	_, err := newProcessor(s, nil).CloseTrade(context.Background(), trade.ID, "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Empty(t, historyRows(t, ms, fx))
	txs, err := ms.QueryTransactionHistory(context.Background(), store.TransactionFilter{FacilityID: fx.FacilityID})
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.True(t, positionFor(t, ms, fx, "ent-A").CommitmentAmount.Equal(d("1000000")))
	assert.True(t, positionFor(t, ms, fx, "ent-B").CommitmentAmount.Equal(d("1000000")))
}

func TestUpdateTradeStatus_Transitions(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	trade := seedTrade(t, ms, fx, "ent-A", "ent-B", "200000", model.TradePending)
	proc := newProcessor(ms, nil)
	ctx := context.Background()

	err := proc.UpdateTradeStatus(ctx, settlement.UpdateTradeStatusInput{ID: trade.ID, Status: model.TradeSettled})
	require.ErrorIs(t, err, apperr.ErrStateTransition)
	assert.Equal(t, "Invalid status transition from PENDING to SETTLED", err.Error())

	err = proc.UpdateTradeStatus(ctx, settlement.UpdateTradeStatusInput{ID: trade.ID, Status: "BOGUS"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	for _, next := range []model.TradeStatus{model.TradeConfirmed, model.TradeSettled, model.TradeClosed} {
		require.NoError(t, proc.UpdateTradeStatus(ctx, settlement.UpdateTradeStatusInput{ID: trade.ID, Status: next, UserID: "ops"}), "to %s", next)
	}

	stored, err := ms.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeClosed, stored.Status)
	assert.Len(t, historyRows(t, ms, fx), 2, "closing through status update settles the trade")

	err = proc.UpdateTradeStatus(ctx, settlement.UpdateTradeStatusInput{ID: trade.ID, Status: model.TradeSettled})
	assert.ErrorIs(t, err, apperr.ErrStateTransition)
}

func TestCreateTrade(t *testing.T) {
	ms := store.NewMemoryStore()
	fx := seedTwoLenders(t, ms)
	proc := newProcessor(ms, nil)
	ctx := context.Background()

	valid := settlement.CreateTradeInput{
		FacilityID:     fx.FacilityID,
		SellerEntityID: "ent-A",
		BuyerEntityID:  "ent-B",
		ParAmount:      d("250000"),
		Price:          d("98.5"),
		TradeDate:      storetest.Epoch,
		SettlementDate: storetest.Epoch.Add(48 * time.Hour),
	}

	trade, err := proc.CreateTrade(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, model.TradePending, trade.Status)
	stored, err := ms.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, stored.ParAmount.Equal(d("250000")))

	tests := []struct {
		name   string
		mutate func(in *settlement.CreateTradeInput)
		kind   error
		msg    string
	}{
		{"zero par", func(in *settlement.CreateTradeInput) { in.ParAmount = d("0") }, apperr.ErrValidation, "Par amount must be positive"},
		{"negative price", func(in *settlement.CreateTradeInput) { in.Price = d("-1") }, apperr.ErrValidation, "Price must be positive"},
		{"self trade", func(in *settlement.CreateTradeInput) { in.BuyerEntityID = "ent-A" }, apperr.ErrValidation, "Seller and buyer must be different entities"},
		{"settles before trade", func(in *settlement.CreateTradeInput) { in.SettlementDate = storetest.Epoch.Add(-time.Hour) }, apperr.ErrValidation, "Settlement date cannot be before trade date"},
		{"unknown facility", func(in *settlement.CreateTradeInput) { in.FacilityID = "nope" }, apperr.ErrNotFound, "Facility nope not found"},
		{"unknown buyer", func(in *settlement.CreateTradeInput) { in.BuyerEntityID = "ent-ghost" }, apperr.ErrNotFound, "Entity ent-ghost not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := proc.CreateTrade(ctx, in)
			require.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.msg, err.Error())
		})
	}
}
