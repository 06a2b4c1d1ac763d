// Package model defines the core domain types shared across the prediction
// engine. All token amounts and prices use shopspring/decimal — never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wager positions.
const (
	PositionYes = "yes"
	PositionNo  = "no"
)

// Market lifecycle states.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusResolved = "resolved"
)

// Resolution request states.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
)

// ValidPosition reports whether s is "yes" or "no".
func ValidPosition(s string) bool {
	return s == PositionYes || s == PositionNo
}

// PricePoint is one entry in a market's append-only price history.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Market is a binary-outcome proposition open for wagering until it is
// closed or resolved. Pool totals, the published price, and the derived
// display fields are mutated once per accepted wager; resolution fields are
// set once and are terminal.
type Market struct {
	ID          string `json:"id" db:"id"`
	Title       string `json:"title" db:"title"`
	Description string `json:"description" db:"description"`
	Category    string `json:"category" db:"category"`

	CreatedBy string    `json:"createdBy" db:"created_by"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`

	// Status is the canonical lifecycle tag; Resolved duplicates the
	// terminal state for API compatibility with older clients.
	Status   string `json:"status" db:"status"`
	Resolved bool   `json:"resolved" db:"resolved"`

	YesAmount   decimal.Decimal `json:"yesAmount" db:"yes_amount"`
	NoAmount    decimal.Decimal `json:"noAmount" db:"no_amount"`
	TotalAmount decimal.Decimal `json:"totalAmount" db:"total_amount"`

	CurrentPrice decimal.Decimal `json:"currentPrice" db:"current_price"`
	Liquidity    decimal.Decimal `json:"liquidity" db:"liquidity"`
	PriceHistory []PricePoint    `json:"priceHistory"`

	YesPercentage decimal.Decimal `json:"yesPercentage" db:"yes_percentage"`
	NoPercentage  decimal.Decimal `json:"noPercentage" db:"no_percentage"`

	TotalBets int `json:"totalBets" db:"total_bets"`
	YesBets   int `json:"yesBets" db:"yes_bets"`
	NoBets    int `json:"noBets" db:"no_bets"`

	PotentialYesWin decimal.Decimal `json:"potentialYesWin" db:"potential_yes_win"`
	PotentialNoWin  decimal.Decimal `json:"potentialNoWin" db:"potential_no_win"`

	MinimumBet decimal.Decimal `json:"minimumBet" db:"minimum_bet"`

	WinningOutcome     string        `json:"winningOutcome,omitempty" db:"winning_outcome"`
	PayoutsDistributed bool          `json:"payoutsDistributed" db:"payouts_distributed"`
	ResolvedAt         *time.Time    `json:"resolvedAt,omitempty" db:"resolved_at"`
	FinalPayouts       []PayoutEntry `json:"finalPayouts,omitempty"`

	LastUpdateTime time.Time `json:"lastUpdateTime" db:"last_update_time"`
}

// Bet is an immutable record of one wager on a market. EffectivePrice is
// the slippage-adjusted price at time of placement and is never rewritten;
// settlement reads it back to compute the payout adjustment.
type Bet struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"userId" db:"user_id"`
	MarketID       string          `json:"marketId" db:"market_id"`
	MarketTitle    string          `json:"marketTitle" db:"market_title"`
	Position       string          `json:"position" db:"position"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	EffectivePrice decimal.Decimal `json:"effectivePrice" db:"effective_price"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// BetSummary is the lightweight entry kept on a user's active-bet list
// while the market is unresolved.
type BetSummary struct {
	ID             string          `json:"id"`
	MarketID       string          `json:"marketId"`
	MarketTitle    string          `json:"marketTitle"`
	Position       string          `json:"position"`
	Amount         decimal.Decimal `json:"amount"`
	EffectivePrice decimal.Decimal `json:"effectivePrice"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ResolvedBet is the historical record appended to a user once a market
// settles. Payout is 0 for losing bets.
type ResolvedBet struct {
	MarketID       string          `json:"marketId"`
	MarketTitle    string          `json:"marketTitle"`
	Amount         decimal.Decimal `json:"amount"`
	Position       string          `json:"position"`
	EffectivePrice decimal.Decimal `json:"effectivePrice"`
	Outcome        string          `json:"outcome"`
	Payout         decimal.Decimal `json:"payout"`
	ResolvedAt     time.Time       `json:"resolvedAt"`
}

// User holds the token balance and bet collections for one account.
// IsAdmin is a strict boolean enforced at write time.
type User struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Tokens         decimal.Decimal `json:"tokens" db:"tokens"`
	IsAdmin        bool            `json:"isAdmin" db:"is_admin"`
	ActiveBets     []BetSummary    `json:"activeBets"`
	ResolvedBets   []ResolvedBet   `json:"resolvedBets"`
	CreatedMarkets []string        `json:"createdMarkets"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}

// ResolutionRequest is a proposed final outcome for a market, pending
// creator acceptance or admin rejection.
type ResolutionRequest struct {
	ID                string     `json:"id" db:"id"`
	MarketID          string     `json:"marketId" db:"market_id"`
	Outcome           string     `json:"outcome" db:"outcome"`
	ResolutionDetails string     `json:"resolutionDetails" db:"resolution_details"`
	EvidenceURL       string     `json:"evidenceUrl,omitempty" db:"evidence_url"`
	SubmittedBy       string     `json:"submittedBy" db:"submitted_by"`
	SubmittedAt       time.Time  `json:"submittedAt" db:"submitted_at"`
	Status            string     `json:"status" db:"status"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty" db:"processed_at"`
}

// PayoutEntry records one user's settlement credit on a resolved market.
type PayoutEntry struct {
	UserID string          `json:"userId"`
	Payout decimal.Decimal `json:"payout"`
}

// LeaderboardEntry is one row of the token-balance leaderboard.
type LeaderboardEntry struct {
	UserID string          `json:"id"`
	Name   string          `json:"displayName"`
	Tokens decimal.Decimal `json:"tokens"`
}
