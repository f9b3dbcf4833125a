package storetest

import (
	"context"
	"sync"

	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/store"
)

// Lock kinds recorded by LockSpy.
const (
	LockTrade    = "trade"
	LockActivity = "activity"
	LockFacility = "facility"
	LockLoan     = "loan"
)

// LockSpy wraps a store and records, per transaction, the order in which
// row-locking reads are first issued for each kind of row.
type LockSpy struct {
	store.Store

	mu  sync.Mutex
	txs [][]string
}

// NewLockSpy wraps s.
func NewLockSpy(s store.Store) *LockSpy {
	return &LockSpy{Store: s}
}

// WithTx runs fn with a recording transaction.
func (s *LockSpy) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	rec := &lockSpyTx{seen: make(map[string]bool)}
	defer func() {
		s.mu.Lock()
		s.txs = append(s.txs, rec.order)
		s.mu.Unlock()
	}()
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
}

// Orders returns the first-lock order of every finished transaction.
func (s *LockSpy) Orders() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.txs))
	copy(out, s.txs)
	return out
}

type lockSpyTx struct {
	store.Tx

	seen  map[string]bool
	order []string
}

func (t *lockSpyTx) note(kind string) {
	if !t.seen[kind] {
		t.seen[kind] = true
		t.order = append(t.order, kind)
	}
}

func (t *lockSpyTx) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t.note(LockTrade)
	return t.Tx.GetTrade(ctx, id)
}

func (t *lockSpyTx) GetServicingActivity(ctx context.Context, id string) (*model.ServicingActivity, error) {
	t.note(LockActivity)
	return t.Tx.GetServicingActivity(ctx, id)
}

func (t *lockSpyTx) GetFacility(ctx context.Context, id string) (*model.Facility, error) {
	t.note(LockFacility)
	return t.Tx.GetFacility(ctx, id)
}

func (t *lockSpyTx) LockFacility(ctx context.Context, id string) error {
	t.note(LockFacility)
	return t.Tx.LockFacility(ctx, id)
}

func (t *lockSpyTx) GetLoan(ctx context.Context, id string) (*model.Loan, error) {
	t.note(LockLoan)
	return t.Tx.GetLoan(ctx, id)
}
