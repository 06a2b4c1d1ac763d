package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Every error raised
// inside a store transaction aborts it with zero side effects; handlers map
// these to machine-readable kinds and HTTP status codes.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already registered")
	ErrMarketNotFound     = errors.New("market not found")
	ErrRequestNotFound    = errors.New("resolution request not found")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrMarketNotOpen      = errors.New("market is not open for wagering")
	ErrMarketResolved     = errors.New("market is already resolved")
	ErrRequestNotPending  = errors.New("resolution request is not pending")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrBelowMinimumBet    = errors.New("amount is below the market minimum bet")
	ErrInvalidPosition    = errors.New(`position must be "yes" or "no"`)
	ErrNoWinningPool      = errors.New("winning pool is empty, market requires manual review")
)

// SimilarMarketError rejects a market creation because an open market with
// a near-identical title or description already exists.
type SimilarMarketError struct {
	Existing *Market
}

func (e *SimilarMarketError) Error() string {
	return fmt.Sprintf("a similar market already exists: %s", e.Existing.Title)
}

// ModerationRejectedError rejects a market creation because the moderation
// oracle explicitly returned a rejection verdict.
type ModerationRejectedError struct {
	Reason string
}

func (e *ModerationRejectedError) Error() string {
	return "market question rejected: " + e.Reason
}
