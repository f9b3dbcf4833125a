package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loanbook/position-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Write transactions are serialised by a single mutex and run against a
// cloned state that replaces the committed state only when fn succeeds.
// Calling MemoryStore methods directly from inside a WithTx callback
// deadlocks; use the tx argument instead.
type MemoryStore struct {
	memTx

	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{state: newMemState()}
	s.memTx = memTx{s: s}
	return s
}

var _ Store = (*MemoryStore)(nil)

// WithTx runs fn against a private copy of the state and commits it on success.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{s: s, st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.state = work
	return nil
}

type memState struct {
	seq int64
	ord map[string]int64 // record id → insertion sequence

	entities          map[string]model.Entity
	borrowers         map[string]model.Borrower
	lenders           map[string]model.Lender
	agreements        map[string]model.CreditAgreement
	facilities        map[string]model.Facility
	facilityPositions map[string]model.FacilityPosition
	loans             map[string]model.Loan
	loanPositions     map[string]model.LoanPosition
	trades            map[string]model.Trade
	activities        map[string]model.ServicingActivity

	positionHistory    []model.FacilityPositionHistory
	transactionHistory []model.TransactionHistory
}

func newMemState() *memState {
	return &memState{
		ord:               make(map[string]int64),
		entities:          make(map[string]model.Entity),
		borrowers:         make(map[string]model.Borrower),
		lenders:           make(map[string]model.Lender),
		agreements:        make(map[string]model.CreditAgreement),
		facilities:        make(map[string]model.Facility),
		facilityPositions: make(map[string]model.FacilityPosition),
		loans:             make(map[string]model.Loan),
		loanPositions:     make(map[string]model.LoanPosition),
		trades:            make(map[string]model.Trade),
		activities:        make(map[string]model.ServicingActivity),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st *memState) clone() *memState {
	return &memState{
		seq:                st.seq,
		ord:                cloneMap(st.ord),
		entities:           cloneMap(st.entities),
		borrowers:          cloneMap(st.borrowers),
		lenders:            cloneMap(st.lenders),
		agreements:         cloneMap(st.agreements),
		facilities:         cloneMap(st.facilities),
		facilityPositions:  cloneMap(st.facilityPositions),
		loans:              cloneMap(st.loans),
		loanPositions:      cloneMap(st.loanPositions),
		trades:             cloneMap(st.trades),
		activities:         cloneMap(st.activities),
		positionHistory:    append([]model.FacilityPositionHistory(nil), st.positionHistory...),
		transactionHistory: append([]model.TransactionHistory(nil), st.transactionHistory...),
	}
}

func (st *memState) track(id string) {
	st.seq++
	st.ord[id] = st.seq
}

// sortByInsertion orders records by creation sequence.
func sortByInsertion[T any](st *memState, items []T, id func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return st.ord[id(items[i])] < st.ord[id(items[j])]
	})
}

// memTx is the Tx implementation shared by MemoryStore (st == nil: each call
// locks the committed state) and WithTx callbacks (st is the working copy).
type memTx struct {
	s  *MemoryStore
	st *memState
}

func (t *memTx) read() (*memState, func()) {
	if t.st != nil {
		return t.st, func() {}
	}
	t.s.mu.RLock()
	return t.s.state, t.s.mu.RUnlock
}

func (t *memTx) write() (*memState, func()) {
	if t.st != nil {
		return t.st, func() {}
	}
	t.s.mu.Lock()
	return t.s.state, t.s.mu.Unlock
}

// insert stores v under id, failing on duplicates.
func insert[V any](st *memState, m map[string]V, id string, v V) error {
	if id == "" {
		return fmt.Errorf("insert: empty id")
	}
	if _, ok := m[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, id)
	}
	m[id] = v
	st.track(id)
	return nil
}

// replace overwrites an existing row.
func replace[V any](m map[string]V, id string, v V) error {
	if _, ok := m[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m[id] = v
	return nil
}

func get[V any](m map[string]V, id string) (*V, error) {
	v, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &v, nil
}

// --- Parties ---

func (t *memTx) CreateEntity(_ context.Context, e *model.Entity) error {
	st, done := t.write()
	defer done()
	return insert(st, st.entities, e.ID, *e)
}

func (t *memTx) GetEntity(_ context.Context, id string) (*model.Entity, error) {
	st, done := t.read()
	defer done()
	return get(st.entities, id)
}

func (t *memTx) CreateBorrower(_ context.Context, b *model.Borrower) error {
	st, done := t.write()
	defer done()
	return insert(st, st.borrowers, b.ID, *b)
}

func (t *memTx) GetBorrower(_ context.Context, id string) (*model.Borrower, error) {
	st, done := t.read()
	defer done()
	return get(st.borrowers, id)
}

func (t *memTx) CreateLender(_ context.Context, l *model.Lender) error {
	st, done := t.write()
	defer done()
	for _, existing := range st.lenders {
		if existing.EntityID == l.EntityID {
			return fmt.Errorf("%w: lender for entity %s", ErrDuplicateKey, l.EntityID)
		}
	}
	return insert(st, st.lenders, l.ID, *l)
}

func (t *memTx) GetLender(_ context.Context, id string) (*model.Lender, error) {
	st, done := t.read()
	defer done()
	return get(st.lenders, id)
}

func (t *memTx) UpsertLenderByEntity(_ context.Context, entityID string) (*model.Lender, error) {
	st, done := t.write()
	defer done()

	for _, l := range st.lenders {
		if l.EntityID == entityID {
			found := l
			return &found, nil
		}
	}
	if _, ok := st.entities[entityID]; !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, entityID)
	}

	l := model.Lender{ID: newID(), EntityID: entityID, Status: model.EntityActive}
	if err := insert(st, st.lenders, l.ID, l); err != nil {
		return nil, err
	}
	return &l, nil
}

// --- Agreements and facilities ---

func (t *memTx) CreateCreditAgreement(_ context.Context, ca *model.CreditAgreement) error {
	st, done := t.write()
	defer done()
	return insert(st, st.agreements, ca.ID, *ca)
}

func (t *memTx) GetCreditAgreement(_ context.Context, id string) (*model.CreditAgreement, error) {
	st, done := t.read()
	defer done()
	return get(st.agreements, id)
}

func (t *memTx) UpdateCreditAgreement(_ context.Context, ca *model.CreditAgreement) error {
	st, done := t.write()
	defer done()
	return replace(st.agreements, ca.ID, *ca)
}

func (t *memTx) CreateFacility(_ context.Context, f *model.Facility) error {
	st, done := t.write()
	defer done()
	if _, ok := st.agreements[f.CreditAgreementID]; !ok {
		return fmt.Errorf("%w: credit agreement %s", ErrNotFound, f.CreditAgreementID)
	}
	return insert(st, st.facilities, f.ID, *f)
}

func (t *memTx) GetFacility(_ context.Context, id string) (*model.Facility, error) {
	st, done := t.read()
	defer done()
	return get(st.facilities, id)
}

func (t *memTx) UpdateFacility(_ context.Context, f *model.Facility) error {
	st, done := t.write()
	defer done()
	return replace(st.facilities, f.ID, *f)
}

func (t *memTx) ListFacilitiesByAgreement(_ context.Context, agreementID string) ([]model.Facility, error) {
	st, done := t.read()
	defer done()

	var result []model.Facility
	for _, f := range st.facilities {
		if f.CreditAgreementID == agreementID {
			result = append(result, f)
		}
	}
	sortByInsertion(st, result, func(f model.Facility) string { return f.ID })
	return result, nil
}

// LockFacility only checks existence: write transactions are already
// serialised by the store mutex.
func (t *memTx) LockFacility(_ context.Context, id string) error {
	st, done := t.read()
	defer done()
	if _, ok := st.facilities[id]; !ok {
		return fmt.Errorf("%w: facility %s", ErrNotFound, id)
	}
	return nil
}

// --- Positions ---

func (t *memTx) CreateFacilityPosition(_ context.Context, p *model.FacilityPosition) error {
	st, done := t.write()
	defer done()
	for _, existing := range st.facilityPositions {
		if existing.FacilityID == p.FacilityID && existing.LenderID == p.LenderID {
			return fmt.Errorf("%w: position for lender %s on facility %s", ErrDuplicateKey, p.LenderID, p.FacilityID)
		}
	}
	return insert(st, st.facilityPositions, p.ID, *p)
}

func (t *memTx) UpdateFacilityPosition(_ context.Context, p *model.FacilityPosition) error {
	st, done := t.write()
	defer done()
	return replace(st.facilityPositions, p.ID, *p)
}

func (t *memTx) ListFacilityPositions(_ context.Context, facilityID string) ([]model.FacilityPosition, error) {
	st, done := t.read()
	defer done()

	var result []model.FacilityPosition
	for _, p := range st.facilityPositions {
		if p.FacilityID == facilityID {
			result = append(result, p)
		}
	}
	sortByInsertion(st, result, func(p model.FacilityPosition) string { return p.ID })
	return result, nil
}

func (t *memTx) GetFacilityPositionByLender(_ context.Context, facilityID, lenderID string) (*model.FacilityPosition, error) {
	st, done := t.read()
	defer done()

	for _, p := range st.facilityPositions {
		if p.FacilityID == facilityID && p.LenderID == lenderID {
			found := p
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: position for lender %s on facility %s", ErrNotFound, lenderID, facilityID)
}

// --- Loans ---

func (t *memTx) CreateLoan(_ context.Context, l *model.Loan) error {
	st, done := t.write()
	defer done()
	if _, ok := st.facilities[l.FacilityID]; !ok {
		return fmt.Errorf("%w: facility %s", ErrNotFound, l.FacilityID)
	}
	return insert(st, st.loans, l.ID, *l)
}

func (t *memTx) GetLoan(_ context.Context, id string) (*model.Loan, error) {
	st, done := t.read()
	defer done()
	return get(st.loans, id)
}

func (t *memTx) UpdateLoan(_ context.Context, l *model.Loan) error {
	st, done := t.write()
	defer done()
	return replace(st.loans, l.ID, *l)
}

func (t *memTx) ListLoansByFacility(_ context.Context, facilityID string) ([]model.Loan, error) {
	st, done := t.read()
	defer done()

	var result []model.Loan
	for _, l := range st.loans {
		if l.FacilityID == facilityID {
			result = append(result, l)
		}
	}
	sortByInsertion(st, result, func(l model.Loan) string { return l.ID })
	return result, nil
}

func (t *memTx) CreateLoanPosition(_ context.Context, p *model.LoanPosition) error {
	st, done := t.write()
	defer done()
	if _, ok := st.loans[p.LoanID]; !ok {
		return fmt.Errorf("%w: loan %s", ErrNotFound, p.LoanID)
	}
	return insert(st, st.loanPositions, p.ID, *p)
}

func (t *memTx) UpdateLoanPosition(_ context.Context, p *model.LoanPosition) error {
	st, done := t.write()
	defer done()
	return replace(st.loanPositions, p.ID, *p)
}

func (t *memTx) ListLoanPositions(_ context.Context, loanID string) ([]model.LoanPosition, error) {
	st, done := t.read()
	defer done()

	var result []model.LoanPosition
	for _, p := range st.loanPositions {
		if p.LoanID == loanID {
			result = append(result, p)
		}
	}
	sortByInsertion(st, result, func(p model.LoanPosition) string { return p.ID })
	return result, nil
}

// --- Trades and servicing ---

func (t *memTx) CreateTrade(_ context.Context, tr *model.Trade) error {
	st, done := t.write()
	defer done()
	return insert(st, st.trades, tr.ID, *tr)
}

func (t *memTx) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	st, done := t.read()
	defer done()
	return get(st.trades, id)
}

func (t *memTx) UpdateTrade(_ context.Context, tr *model.Trade) error {
	st, done := t.write()
	defer done()
	return replace(st.trades, tr.ID, *tr)
}

func (t *memTx) CreateServicingActivity(_ context.Context, a *model.ServicingActivity) error {
	st, done := t.write()
	defer done()
	return insert(st, st.activities, a.ID, *a)
}

func (t *memTx) GetServicingActivity(_ context.Context, id string) (*model.ServicingActivity, error) {
	st, done := t.read()
	defer done()
	return get(st.activities, id)
}

func (t *memTx) UpdateServicingActivity(_ context.Context, a *model.ServicingActivity) error {
	st, done := t.write()
	defer done()
	return replace(st.activities, a.ID, *a)
}

// --- Immutable history ---

func (t *memTx) InsertPositionHistory(_ context.Context, h *model.FacilityPositionHistory) error {
	st, done := t.write()
	defer done()

	for _, existing := range st.positionHistory {
		if existing.ID == h.ID {
			return fmt.Errorf("%w: %s", ErrImmutable, h.ID)
		}
	}
	st.positionHistory = append(st.positionHistory, *h)
	st.track(h.ID)
	return nil
}

func (t *memTx) QueryPositionHistory(_ context.Context, f HistoryFilter) ([]model.FacilityPositionHistory, error) {
	st, done := t.read()
	defer done()

	var result []model.FacilityPositionHistory
	for _, h := range st.positionHistory {
		if h.FacilityID != f.FacilityID {
			continue
		}
		if f.LenderID != "" && h.LenderID != f.LenderID {
			continue
		}
		if f.Origin != nil {
			if h.Origin != *f.Origin {
				continue
			}
		} else {
			if f.Start != nil && h.ChangeDateTime.Before(*f.Start) {
				continue
			}
			if f.End != nil && h.ChangeDateTime.After(*f.End) {
				continue
			}
		}
		result = append(result, h)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].ChangeDateTime.Equal(result[j].ChangeDateTime) {
			return result[i].ChangeDateTime.After(result[j].ChangeDateTime)
		}
		return st.ord[result[i].ID] > st.ord[result[j].ID]
	})
	return result, nil
}

func (t *memTx) InsertTransactionHistory(_ context.Context, h *model.TransactionHistory) error {
	st, done := t.write()
	defer done()

	for _, existing := range st.transactionHistory {
		if existing.ID == h.ID {
			return fmt.Errorf("%w: %s", ErrImmutable, h.ID)
		}
	}
	st.transactionHistory = append(st.transactionHistory, *h)
	st.track(h.ID)
	return nil
}

func (t *memTx) QueryTransactionHistory(_ context.Context, f TransactionFilter) ([]model.TransactionHistory, error) {
	st, done := t.read()
	defer done()

	var result []model.TransactionHistory
	for _, h := range st.transactionHistory {
		if f.FacilityID != "" && h.FacilityID != f.FacilityID {
			continue
		}
		if f.LoanID != "" && h.LoanID != f.LoanID {
			continue
		}
		if f.Origin != nil && h.Origin != *f.Origin {
			continue
		}
		if f.Type != "" && h.TransactionType != f.Type {
			continue
		}
		result = append(result, h)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return st.ord[result[i].ID] > st.ord[result[j].ID]
	})
	return result, nil
}
