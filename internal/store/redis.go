package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quadmarket/prediction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Reads check Redis first then fall back to the primary; writes run
// against the primary inside RunTransaction and invalidate every cached
// entity the transaction touched, but only after the commit succeeds.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// RunTransaction delegates to the primary store, wrapping the transaction
// to track which markets and users it writes. On a successful commit the
// stale cache keys are dropped; the next read re-populates from the primary.
func (s *CachedStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	touched := make(map[string]struct{})
	err := s.primary.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for key := range touched {
		s.rdb.Del(ctx, key)
	}
	return nil
}

// trackingTx records the cache key of every entity a transaction writes.
type trackingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *trackingTx) touch(key string) { t.touched[key] = struct{}{} }

func (t *trackingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.touch(marketKey(m.ID))
	return t.Tx.CreateMarket(ctx, m)
}

func (t *trackingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.touch(marketKey(m.ID))
	return t.Tx.UpdateMarket(ctx, m)
}

func (t *trackingTx) DeleteMarket(ctx context.Context, marketID string) error {
	t.touch(marketKey(marketID))
	return t.Tx.DeleteMarket(ctx, marketID)
}

func (t *trackingTx) AppendPricePoint(ctx context.Context, marketID string, p model.PricePoint) error {
	t.touch(marketKey(marketID))
	return t.Tx.AppendPricePoint(ctx, marketID, p)
}

func (t *trackingTx) UpdateUserTokens(ctx context.Context, userID string, tokens decimal.Decimal) error {
	t.touch(userKey(userID))
	return t.Tx.UpdateUserTokens(ctx, userID, tokens)
}

func (t *trackingTx) AddActiveBet(ctx context.Context, userID string, s model.BetSummary) error {
	t.touch(userKey(userID))
	return t.Tx.AddActiveBet(ctx, userID, s)
}

func (t *trackingTx) RemoveActiveBets(ctx context.Context, userID, marketID string) error {
	t.touch(userKey(userID))
	return t.Tx.RemoveActiveBets(ctx, userID, marketID)
}

func (t *trackingTx) AddResolvedBet(ctx context.Context, userID string, r model.ResolvedBet) error {
	t.touch(userKey(userID))
	return t.Tx.AddResolvedBet(ctx, userID, r)
}

func (t *trackingTx) AddCreatedMarket(ctx context.Context, userID, marketID string) error {
	t.touch(userKey(userID))
	return t.Tx.AddCreatedMarket(ctx, userID, marketID)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	// Cache miss.
	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListOpenMarkets(ctx)
}

func (s *CachedStore) MarketsByCreator(ctx context.Context, userID string) ([]model.Market, error) {
	return s.primary.MarketsByCreator(ctx, userID)
}

func (s *CachedStore) BetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	return s.primary.BetsByMarket(ctx, marketID)
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	return s.primary.Leaderboard(ctx, limit)
}

func (s *CachedStore) ListPendingRequests(ctx context.Context) ([]model.ResolutionRequest, error) {
	return s.primary.ListPendingRequests(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }
