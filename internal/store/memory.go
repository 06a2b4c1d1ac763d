package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quadmarket/prediction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions hold the store lock for their whole duration,
// stage every mutation on private copies, and apply the copies only on
// commit — an error from the callback leaves the store untouched.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	markets  map[string]*model.Market
	bets     []model.Bet
	requests map[string]*model.ResolutionRequest // key: marketID/requestID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*model.User),
		markets:  make(map[string]*model.Market),
		requests: make(map[string]*model.ResolutionRequest),
	}
}

func requestKey(marketID, requestID string) string {
	return marketID + "/" + requestID
}

// --- Deep copies: transactions and reads must never alias live documents ---

func cloneMarket(m *model.Market) *model.Market {
	c := *m
	c.PriceHistory = append([]model.PricePoint(nil), m.PriceHistory...)
	c.FinalPayouts = append([]model.PayoutEntry(nil), m.FinalPayouts...)
	return &c
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.ActiveBets = append([]model.BetSummary(nil), u.ActiveBets...)
	c.ResolvedBets = append([]model.ResolvedBet(nil), u.ResolvedBets...)
	c.CreatedMarkets = append([]string(nil), u.CreatedMarkets...)
	return &c
}

// --- Transactions ---

// memTx stages reads and writes against copies of the live documents.
type memTx struct {
	s              *MemoryStore
	users          map[string]*model.User
	markets        map[string]*model.Market
	requests       map[string]*model.ResolutionRequest
	deleted        map[string]bool
	deletedMarkets map[string]bool
	newBets        []model.Bet
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:              s,
		users:          make(map[string]*model.User),
		markets:        make(map[string]*model.Market),
		requests:       make(map[string]*model.ResolutionRequest),
		deleted:        make(map[string]bool),
		deletedMarkets: make(map[string]bool),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	// Commit: staged copies replace the live documents.
	for id, u := range tx.users {
		s.users[id] = u
	}
	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for key, r := range tx.requests {
		s.requests[key] = r
	}
	for key := range tx.deleted {
		delete(s.requests, key)
	}
	s.bets = append(s.bets, tx.newBets...)
	for id := range tx.deletedMarkets {
		delete(s.markets, id)
		kept := s.bets[:0]
		for _, b := range s.bets {
			if b.MarketID != id {
				kept = append(kept, b)
			}
		}
		s.bets = kept
	}
	return nil
}

func (tx *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		return cloneUser(u), nil
	}
	u, ok := tx.s.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	if tx.deletedMarkets[id] {
		return nil, model.ErrMarketNotFound
	}
	if m, ok := tx.markets[id]; ok {
		return cloneMarket(m), nil
	}
	m, ok := tx.s.markets[id]
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	return cloneMarket(m), nil
}

func (tx *memTx) GetResolutionRequest(_ context.Context, marketID, requestID string) (*model.ResolutionRequest, error) {
	key := requestKey(marketID, requestID)
	if tx.deleted[key] {
		return nil, model.ErrRequestNotFound
	}
	if r, ok := tx.requests[key]; ok {
		c := *r
		return &c, nil
	}
	r, ok := tx.s.requests[key]
	if !ok {
		return nil, model.ErrRequestNotFound
	}
	c := *r
	return &c, nil
}

func (tx *memTx) BetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	var result []model.Bet
	for _, b := range tx.s.bets {
		if b.MarketID == marketID {
			result = append(result, b)
		}
	}
	for _, b := range tx.newBets {
		if b.MarketID == marketID {
			result = append(result, b)
		}
	}
	return result, nil
}

// stageUser loads a user into the transaction's write set.
func (tx *memTx) stageUser(id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		return u, nil
	}
	u, ok := tx.s.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	c := cloneUser(u)
	tx.users[id] = c
	return c, nil
}

func (tx *memTx) stageMarket(id string) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		return m, nil
	}
	m, ok := tx.s.markets[id]
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	c := cloneMarket(m)
	tx.markets[id] = c
	return c, nil
}

func (tx *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	tx.markets[m.ID] = cloneMarket(m)
	return nil
}

func (tx *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	staged, err := tx.stageMarket(m.ID)
	if err != nil {
		return err
	}
	history := staged.PriceHistory // history is append-only, owned by AppendPricePoint
	*staged = *cloneMarket(m)
	staged.PriceHistory = history
	return nil
}

func (tx *memTx) DeleteMarket(_ context.Context, marketID string) error {
	if tx.deletedMarkets[marketID] {
		return model.ErrMarketNotFound
	}
	if _, staged := tx.markets[marketID]; !staged {
		if _, ok := tx.s.markets[marketID]; !ok {
			return model.ErrMarketNotFound
		}
	}
	delete(tx.markets, marketID)
	tx.deletedMarkets[marketID] = true

	// Strip the market from every user's active bets and created list.
	affected := make(map[string]bool)
	for id := range tx.s.users {
		affected[id] = true
	}
	for id := range tx.users {
		affected[id] = true
	}
	for id := range affected {
		u, err := tx.stageUser(id)
		if err != nil {
			return err
		}
		keptBets := u.ActiveBets[:0]
		for _, b := range u.ActiveBets {
			if b.MarketID != marketID {
				keptBets = append(keptBets, b)
			}
		}
		u.ActiveBets = keptBets
		keptIDs := u.CreatedMarkets[:0]
		for _, mid := range u.CreatedMarkets {
			if mid != marketID {
				keptIDs = append(keptIDs, mid)
			}
		}
		u.CreatedMarkets = keptIDs
	}

	// Drop pending staged bets and resolution requests for the market.
	keptNew := tx.newBets[:0]
	for _, b := range tx.newBets {
		if b.MarketID != marketID {
			keptNew = append(keptNew, b)
		}
	}
	tx.newBets = keptNew
	for key, r := range tx.requests {
		if r.MarketID == marketID {
			delete(tx.requests, key)
		}
	}
	for key, r := range tx.s.requests {
		if r.MarketID == marketID {
			tx.deleted[key] = true
		}
	}
	return nil
}

func (tx *memTx) AppendPricePoint(_ context.Context, marketID string, p model.PricePoint) error {
	staged, err := tx.stageMarket(marketID)
	if err != nil {
		return err
	}
	staged.PriceHistory = append(staged.PriceHistory, p)
	return nil
}

func (tx *memTx) CreateBet(_ context.Context, b *model.Bet) error {
	tx.newBets = append(tx.newBets, *b)
	return nil
}

func (tx *memTx) UpdateUserTokens(_ context.Context, userID string, tokens decimal.Decimal) error {
	u, err := tx.stageUser(userID)
	if err != nil {
		return err
	}
	u.Tokens = tokens
	return nil
}

func (tx *memTx) AddActiveBet(_ context.Context, userID string, s model.BetSummary) error {
	u, err := tx.stageUser(userID)
	if err != nil {
		return err
	}
	u.ActiveBets = append(u.ActiveBets, s)
	return nil
}

func (tx *memTx) RemoveActiveBets(_ context.Context, userID, marketID string) error {
	u, err := tx.stageUser(userID)
	if err != nil {
		return err
	}
	kept := u.ActiveBets[:0]
	for _, b := range u.ActiveBets {
		if b.MarketID != marketID {
			kept = append(kept, b)
		}
	}
	u.ActiveBets = kept
	return nil
}

func (tx *memTx) AddResolvedBet(_ context.Context, userID string, r model.ResolvedBet) error {
	u, err := tx.stageUser(userID)
	if err != nil {
		return err
	}
	u.ResolvedBets = append(u.ResolvedBets, r)
	return nil
}

func (tx *memTx) AddCreatedMarket(_ context.Context, userID, marketID string) error {
	u, err := tx.stageUser(userID)
	if err != nil {
		return err
	}
	u.CreatedMarkets = append(u.CreatedMarkets, marketID)
	return nil
}

func (tx *memTx) CreateResolutionRequest(_ context.Context, r *model.ResolutionRequest) error {
	c := *r
	tx.requests[requestKey(r.MarketID, r.ID)] = &c
	return nil
}

func (tx *memTx) UpdateResolutionRequest(_ context.Context, r *model.ResolutionRequest) error {
	key := requestKey(r.MarketID, r.ID)
	if _, staged := tx.requests[key]; !staged {
		if _, ok := tx.s.requests[key]; !ok {
			return model.ErrRequestNotFound
		}
	}
	c := *r
	tx.requests[key] = &c
	return nil
}

func (tx *memTx) DeleteResolutionRequest(_ context.Context, marketID, requestID string) error {
	key := requestKey(marketID, requestID)
	delete(tx.requests, key)
	tx.deleted[key] = true
	return nil
}

// --- Plain reads ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	return cloneMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *cloneMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	all, err := s.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	var open []model.Market
	for _, m := range all {
		if m.Status == model.StatusOpen {
			open = append(open, m)
		}
	}
	return open, nil
}

func (s *MemoryStore) MarketsByCreator(ctx context.Context, userID string) ([]model.Market, error) {
	all, err := s.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	var mine []model.Market
	for _, m := range all {
		if m.CreatedBy == userID {
			mine = append(mine, m)
		}
	}
	return mine, nil
}

func (s *MemoryStore) BetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.MarketID == marketID {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return model.ErrUserExists
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.LeaderboardEntry, 0, len(s.users))
	for _, u := range s.users {
		entries = append(entries, model.LeaderboardEntry{
			UserID: u.ID,
			Name:   u.Name,
			Tokens: u.Tokens,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Tokens.GreaterThan(entries[j].Tokens)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) ListPendingRequests(_ context.Context) ([]model.ResolutionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []model.ResolutionRequest
	for _, r := range s.requests {
		if r.Status == model.RequestPending {
			pending = append(pending, *r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SubmittedAt.After(pending[j].SubmittedAt)
	})
	return pending, nil
}
