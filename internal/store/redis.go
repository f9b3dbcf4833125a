package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loanbook/position-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for facilities, facility positions and credit agreements. Writes go
// to the primary store and invalidate the affected keys once they are
// durable; reads check Redis first then fall back to the primary.
//
// Reads made inside WithTx always hit the primary so they see the
// transaction's own writes and take its row locks.
//
// Every cached key has a generation counter that invalidation bumps. A
// read-through fill only lands if the generation it saw before reading the
// primary is still current, so a value read before a commit is never written
// back after that commit's invalidation.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

var _ Store = (*CachedStore)(nil)

// WithTx runs fn against the primary and drops every cache key the
// transaction touched after it commits. A rolled back transaction leaves
// the cache alone.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched *cacheTx
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		touched = &cacheTx{Tx: tx}
		return fn(touched)
	})
	if err != nil {
		return err
	}
	if touched != nil {
		s.invalidate(ctx, touched.keys()...)
	}
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateCreditAgreement(ctx context.Context, ca *model.CreditAgreement) error {
	if err := s.Store.UpdateCreditAgreement(ctx, ca); err != nil {
		return err
	}
	s.invalidate(ctx, agreementKey(ca.ID))
	return nil
}

func (s *CachedStore) CreateFacility(ctx context.Context, f *model.Facility) error {
	if err := s.Store.CreateFacility(ctx, f); err != nil {
		return err
	}
	s.invalidate(ctx, agreementKey(f.CreditAgreementID))
	return nil
}

func (s *CachedStore) UpdateFacility(ctx context.Context, f *model.Facility) error {
	if err := s.Store.UpdateFacility(ctx, f); err != nil {
		return err
	}
	s.invalidate(ctx, facilityKey(f.ID), agreementKey(f.CreditAgreementID))
	return nil
}

func (s *CachedStore) CreateFacilityPosition(ctx context.Context, p *model.FacilityPosition) error {
	if err := s.Store.CreateFacilityPosition(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, positionsKey(p.FacilityID))
	return nil
}

func (s *CachedStore) UpdateFacilityPosition(ctx context.Context, p *model.FacilityPosition) error {
	if err := s.Store.UpdateFacilityPosition(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, positionsKey(p.FacilityID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCreditAgreement(ctx context.Context, id string) (*model.CreditAgreement, error) {
	var ca model.CreditAgreement
	gen, hit := s.load(ctx, agreementKey(id), &ca)
	if hit {
		return &ca, nil
	}

	got, err := s.Store.GetCreditAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, agreementKey(id), gen, got)
	return got, nil
}

func (s *CachedStore) GetFacility(ctx context.Context, id string) (*model.Facility, error) {
	var f model.Facility
	gen, hit := s.load(ctx, facilityKey(id), &f)
	if hit {
		return &f, nil
	}

	got, err := s.Store.GetFacility(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, facilityKey(id), gen, got)
	return got, nil
}

func (s *CachedStore) ListFacilityPositions(ctx context.Context, facilityID string) ([]model.FacilityPosition, error) {
	var positions []model.FacilityPosition
	gen, hit := s.load(ctx, positionsKey(facilityID), &positions)
	if hit {
		return positions, nil
	}

	positions, err := s.Store.ListFacilityPositions(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, positionsKey(facilityID), gen, positions)
	return positions, nil
}

// --- Cache helpers ---

// load reads key into dst. On a miss it returns the key's generation, which
// the caller hands back to save after reading the primary.
func (s *CachedStore) load(ctx context.Context, key string, dst any) (int64, bool) {
	vals, err := s.rdb.MGet(ctx, key, genKey(key)).Result()
	if err != nil || len(vals) != 2 {
		return -1, false
	}
	if data, ok := vals[0].(string); ok && json.Unmarshal([]byte(data), dst) == nil {
		return 0, true
	}
	return parseGen(vals[1]), false
}

// save stores v under key unless the key was invalidated since load saw gen.
func (s *CachedStore) save(ctx context.Context, key string, gen int64, v any) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	gk := genKey(key)
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, gk)
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	_, _ = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, genKey(k))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
}

func parseGen(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// cacheTx records which cached keys a transaction wrote.
type cacheTx struct {
	Tx

	mu      sync.Mutex
	touched map[string]struct{}
}

func (t *cacheTx) touch(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.touched == nil {
		t.touched = make(map[string]struct{})
	}
	for _, k := range keys {
		t.touched[k] = struct{}{}
	}
}

func (t *cacheTx) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.touched))
	for k := range t.touched {
		out = append(out, k)
	}
	return out
}

func (t *cacheTx) UpdateCreditAgreement(ctx context.Context, ca *model.CreditAgreement) error {
	if err := t.Tx.UpdateCreditAgreement(ctx, ca); err != nil {
		return err
	}
	t.touch(agreementKey(ca.ID))
	return nil
}

func (t *cacheTx) CreateFacility(ctx context.Context, f *model.Facility) error {
	if err := t.Tx.CreateFacility(ctx, f); err != nil {
		return err
	}
	t.touch(agreementKey(f.CreditAgreementID))
	return nil
}

func (t *cacheTx) UpdateFacility(ctx context.Context, f *model.Facility) error {
	if err := t.Tx.UpdateFacility(ctx, f); err != nil {
		return err
	}
	t.touch(facilityKey(f.ID), agreementKey(f.CreditAgreementID))
	return nil
}

func (t *cacheTx) CreateFacilityPosition(ctx context.Context, p *model.FacilityPosition) error {
	if err := t.Tx.CreateFacilityPosition(ctx, p); err != nil {
		return err
	}
	t.touch(positionsKey(p.FacilityID))
	return nil
}

func (t *cacheTx) UpdateFacilityPosition(ctx context.Context, p *model.FacilityPosition) error {
	if err := t.Tx.UpdateFacilityPosition(ctx, p); err != nil {
		return err
	}
	t.touch(positionsKey(p.FacilityID))
	return nil
}

func agreementKey(id string) string  { return fmt.Sprintf("agreement:%s", id) }
func facilityKey(id string) string   { return fmt.Sprintf("facility:%s", id) }
func positionsKey(fid string) string { return fmt.Sprintf("positions:%s", fid) }
func genKey(key string) string       { return "gen:" + key }
