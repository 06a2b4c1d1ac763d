// Package resolution implements the market resolution workflow: bettors
// request an outcome with evidence, the market creator accepts a request
// to settle the market and distribute payouts, and admins can reject
// spurious requests.
//
// Settlement is pari-mutuel: the whole pool is split across winning bets
// pro rata, scaled by the price each winner locked in at bet time. The
// entire settlement — payouts, balance credits, bet archival, market and
// request state — commits in one transaction.
package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quadmarket/prediction-engine/internal/auth"
	"github.com/quadmarket/prediction-engine/internal/metrics"
	"github.com/quadmarket/prediction-engine/internal/model"
	"github.com/quadmarket/prediction-engine/internal/store"
	"github.com/quadmarket/prediction-engine/internal/wager"
)

var one = decimal.NewFromInt(1)

// Service handles resolution requests and market settlement.
type Service struct {
	store store.Store
	wsHub *wager.WSHub // optional
}

// NewService creates a new resolution service.
func NewService(st store.Store, hub *wager.WSHub) *Service {
	return &Service{store: st, wsHub: hub}
}

// RequestResolutionRequest is the JSON body for submitting a resolution
// request.
type RequestResolutionRequest struct {
	Outcome           string `json:"outcome"` // "yes" or "no"
	ResolutionDetails string `json:"resolution_details"`
	EvidenceURL       string `json:"evidence_url"`
}

// RequestResolution handles POST /api/v1/markets/{marketID}/resolution-requests
func (s *Service) RequestResolution(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	marketID := chi.URLParam(r, "marketID")

	var req RequestResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	if !model.ValidPosition(req.Outcome) {
		serviceError(w, model.ErrInvalidPosition)
		return
	}
	if req.ResolutionDetails == "" {
		writeError(w, "resolution_details is required", "invalid_input", http.StatusBadRequest)
		return
	}

	request := &model.ResolutionRequest{
		ID:                uuid.New().String(),
		MarketID:          marketID,
		Outcome:           req.Outcome,
		ResolutionDetails: req.ResolutionDetails,
		EvidenceURL:       req.EvidenceURL,
		SubmittedBy:       userID,
		SubmittedAt:       time.Now().UTC(),
		Status:            model.RequestPending,
	}

	err := s.store.RunTransaction(r.Context(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if market.Resolved {
			return model.ErrMarketResolved
		}
		return tx.CreateResolutionRequest(ctx, request)
	})
	if err != nil {
		serviceError(w, err)
		return
	}

	slog.Info("resolution requested",
		"request_id", request.ID,
		"market", marketID,
		"outcome", req.Outcome,
		"by", userID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(request)
}

// AcceptResolution handles POST /api/v1/markets/{marketID}/resolution-requests/{requestID}/accept
// Only the market creator may accept. Settles the market at the request's
// outcome and distributes payouts to the winning side.
func (s *Service) AcceptResolution(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	marketID := chi.URLParam(r, "marketID")
	requestID := chi.URLParam(r, "requestID")

	var settled *model.Market
	totalPaid := decimal.Zero

	err := s.store.RunTransaction(r.Context(), func(ctx context.Context, tx store.Tx) error {
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if market.CreatedBy != userID {
			return model.ErrUnauthorized
		}
		if market.Resolved {
			return model.ErrMarketResolved
		}
		request, err := tx.GetResolutionRequest(ctx, marketID, requestID)
		if err != nil {
			return err
		}
		if request.Status != model.RequestPending {
			return model.ErrRequestNotPending
		}

		outcome := request.Outcome
		winningPool := market.YesAmount
		if outcome == model.PositionNo {
			winningPool = market.NoAmount
		}

		bets, err := tx.BetsByMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if len(bets) > 0 && !winningPool.IsPositive() {
			return model.ErrNoWinningPool
		}

		now := time.Now().UTC()
		totalPool := market.TotalAmount

		// Pro-rata share of the whole pool, scaled by the price each
		// winner locked in. A cheap entry pays more per token.
		payoutByUser := make(map[string]decimal.Decimal)
		resolvedByUser := make(map[string][]model.ResolvedBet)
		var order []string
		var finalPayouts []model.PayoutEntry

		for _, bet := range bets {
			payout := decimal.Zero
			if bet.Position == outcome {
				adjustment := one.Div(bet.EffectivePrice)
				if outcome == model.PositionNo {
					adjustment = one.Div(one.Sub(bet.EffectivePrice))
				}
				payout = bet.Amount.Div(winningPool).Mul(totalPool).Mul(adjustment).Round(2)
			}

			if _, seen := payoutByUser[bet.UserID]; !seen {
				order = append(order, bet.UserID)
			}
			payoutByUser[bet.UserID] = payoutByUser[bet.UserID].Add(payout)
			// One ledger entry per bet, zero payouts included, so the
			// record shows every stake the resolution touched.
			finalPayouts = append(finalPayouts, model.PayoutEntry{UserID: bet.UserID, Payout: payout})
			resolvedByUser[bet.UserID] = append(resolvedByUser[bet.UserID], model.ResolvedBet{
				MarketID:       marketID,
				MarketTitle:    market.Title,
				Amount:         bet.Amount,
				Position:       bet.Position,
				EffectivePrice: bet.EffectivePrice,
				Outcome:        outcome,
				Payout:         payout,
				ResolvedAt:     now,
			})
		}

		for _, bettor := range order {
			user, err := tx.GetUser(ctx, bettor)
			if err != nil {
				return err
			}
			payout := payoutByUser[bettor]
			if payout.IsPositive() {
				if err := tx.UpdateUserTokens(ctx, bettor, user.Tokens.Add(payout)); err != nil {
					return err
				}
				totalPaid = totalPaid.Add(payout)
			}
			if err := tx.RemoveActiveBets(ctx, bettor, marketID); err != nil {
				return err
			}
			for _, rb := range resolvedByUser[bettor] {
				if err := tx.AddResolvedBet(ctx, bettor, rb); err != nil {
					return err
				}
			}
		}

		market.Status = model.StatusResolved
		market.Resolved = true
		market.WinningOutcome = outcome
		market.PayoutsDistributed = true
		market.ResolvedAt = &now
		market.FinalPayouts = finalPayouts
		market.LastUpdateTime = now
		if err := tx.UpdateMarket(ctx, market); err != nil {
			return err
		}

		request.Status = model.RequestAccepted
		request.ProcessedAt = &now
		if err := tx.UpdateResolutionRequest(ctx, request); err != nil {
			return err
		}

		settled = market
		return nil
	})
	if err != nil {
		serviceError(w, err)
		return
	}

	metrics.MarketsResolved.WithLabelValues(settled.WinningOutcome).Inc()
	metrics.PayoutsDistributed.Add(totalPaid.InexactFloat64())

	slog.Info("market resolved",
		"market", marketID,
		"outcome", settled.WinningOutcome,
		"payout_entries", len(settled.FinalPayouts),
		"total_paid", totalPaid.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(wager.WSMessage{
			Type:     "market_resolved",
			MarketID: marketID,
			Outcome:  settled.WinningOutcome,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settled)
}

// RejectResolution handles DELETE /api/v1/markets/{marketID}/resolution-requests/{requestID}
// Admin-only: removes a pending request without touching the market, so
// a fresh request can be submitted later.
func (s *Service) RejectResolution(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	marketID := chi.URLParam(r, "marketID")
	requestID := chi.URLParam(r, "requestID")

	err := s.store.RunTransaction(r.Context(), func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if !user.IsAdmin {
			return model.ErrUnauthorized
		}
		request, err := tx.GetResolutionRequest(ctx, marketID, requestID)
		if err != nil {
			return err
		}
		if request.Status != model.RequestPending {
			return model.ErrRequestNotPending
		}
		return tx.DeleteResolutionRequest(ctx, marketID, requestID)
	})
	if err != nil {
		serviceError(w, err)
		return
	}

	slog.Info("resolution request rejected", "request_id", requestID, "market", marketID, "by", userID)
	w.WriteHeader(http.StatusNoContent)
}

// ListPendingRequests handles GET /api/v1/resolution-requests
func (s *Service) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := s.store.ListPendingRequests(r.Context())
	if err != nil {
		writeError(w, "failed to list resolution requests", "internal", http.StatusInternalServerError)
		return
	}
	if requests == nil {
		requests = []model.ResolutionRequest{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(requests)
}

// writeError writes a JSON error response with a machine-readable kind.
func writeError(w http.ResponseWriter, message, kind string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": kind})
}

// serviceError maps domain errors onto HTTP responses.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrUserNotFound),
		errors.Is(err, model.ErrMarketNotFound),
		errors.Is(err, model.ErrRequestNotFound):
		writeError(w, err.Error(), "not_found", http.StatusNotFound)
	case errors.Is(err, model.ErrUnauthorized):
		writeError(w, err.Error(), "unauthorized", http.StatusForbidden)
	case errors.Is(err, model.ErrInvalidPosition):
		writeError(w, err.Error(), "invalid_input", http.StatusBadRequest)
	case errors.Is(err, model.ErrMarketResolved),
		errors.Is(err, model.ErrRequestNotPending),
		errors.Is(err, model.ErrNoWinningPool):
		writeError(w, err.Error(), "conflict", http.StatusConflict)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", "internal", http.StatusInternalServerError)
	}
}
