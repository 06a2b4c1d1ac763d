// Package store defines the persistence interface for the prediction
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing and development).
//
// Every multi-document mutation — wager placement, market creation,
// resolution acceptance — runs inside RunTransaction: the callback's reads
// see a consistent snapshot, its writes apply atomically on success, and
// any error aborts with zero side effects. Conflicting concurrent writers
// are retried by the implementation, not by callers.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quadmarket/prediction-engine/internal/model"
)

// Tx exposes the read-modify-write operations available inside a
// transaction. All reads observe the transaction's snapshot; all writes
// are deferred until commit.
type Tx interface {
	// --- Snapshot reads ---

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetResolutionRequest(ctx context.Context, marketID, requestID string) (*model.ResolutionRequest, error)
	BetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// --- Market writes ---

	CreateMarket(ctx context.Context, m *model.Market) error
	UpdateMarket(ctx context.Context, m *model.Market) error

	// DeleteMarket removes a market and everything hanging off it: its
	// bets, price history, pending resolution requests, every user's
	// active-bet entries for it, and created-market references. Archived
	// resolved bets on users are kept as history.
	DeleteMarket(ctx context.Context, marketID string) error

	// AppendPricePoint appends to a market's append-only price history.
	AppendPricePoint(ctx context.Context, marketID string, p model.PricePoint) error

	// --- Bet and user writes ---

	CreateBet(ctx context.Context, b *model.Bet) error
	UpdateUserTokens(ctx context.Context, userID string, tokens decimal.Decimal) error
	AddActiveBet(ctx context.Context, userID string, s model.BetSummary) error
	RemoveActiveBets(ctx context.Context, userID, marketID string) error
	AddResolvedBet(ctx context.Context, userID string, r model.ResolvedBet) error
	AddCreatedMarket(ctx context.Context, userID, marketID string) error

	// --- Resolution request writes ---

	CreateResolutionRequest(ctx context.Context, r *model.ResolutionRequest) error
	UpdateResolutionRequest(ctx context.Context, r *model.ResolutionRequest) error
	DeleteResolutionRequest(ctx context.Context, marketID, requestID string) error
}

// Store is the persistence interface. Reads outside RunTransaction have no
// ordering guarantee beyond an eventually consistent snapshot at request
// time; they are never used to derive written state.
type Store interface {
	// RunTransaction executes fn atomically. Any error from fn aborts with
	// no side effects. Serialization conflicts are retried transparently.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// --- Market reads ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	ListOpenMarkets(ctx context.Context) ([]model.Market, error)
	MarketsByCreator(ctx context.Context, userID string) ([]model.Market, error)
	BetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// --- User reads/creation ---

	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)

	// --- Resolution request reads ---

	ListPendingRequests(ctx context.Context) ([]model.ResolutionRequest, error)
}
