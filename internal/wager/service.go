// Package wager provides the HTTP handlers and business logic for creating
// markets, placing bets, and querying markets, bets, and users.
//
// All token amounts and prices use shopspring/decimal — never float64 for
// money. Every state change runs inside a single store transaction, so a
// bet either fully lands (pools, price, history, user balance) or leaves
// no trace.
package wager

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
	"github.com/quadmarket/prediction-engine/internal/moderation"
	"github.com/quadmarket/prediction-engine/internal/pricing"
	"github.com/quadmarket/prediction-engine/internal/similarity"
	"github.com/quadmarket/prediction-engine/internal/store"
)

var (
	defaultMinimumBet = decimal.NewFromInt(10)
	evenOdds          = decimal.NewFromInt(2)
	half              = decimal.NewFromFloat(0.5)
	fifty             = decimal.NewFromInt(50)
	hundred           = decimal.NewFromInt(100)
)

const leaderboardLimit = 10

// Service handles market and bet operations.
type Service struct {
	store  store.Store
	oracle moderation.Oracle
	policy moderation.Policy
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new wager service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, oracle moderation.Oracle, policy moderation.Policy, hub *WSHub) *Service {
	return &Service{
		store:  st,
		oracle: oracle,
		policy: policy,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	ExpiresAt   time.Time       `json:"expires_at"`
	MinimumBet  decimal.Decimal `json:"minimum_bet"` // 0 → default 10
}

// PlaceBetRequest is the JSON body for POST /markets/{marketID}/bets.
type PlaceBetRequest struct {
	Position string          `json:"position"` // "yes" or "no"
	Amount   decimal.Decimal `json:"amount"`
}

// PlaceBetResponse is the JSON body returned from a successful bet.
// PotentialWin is what this stake pays out if the chosen side wins, at
// the pool ratios immediately after the bet lands.
type PlaceBetResponse struct {
	Bet          model.Bet       `json:"bet"`
	Market       *model.Market   `json:"market"`
	PotentialWin decimal.Decimal `json:"potential_win"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", "invalid_input", http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		writeError(w, "description is required", "invalid_input", http.StatusBadRequest)
		return
	}
	if !req.ExpiresAt.After(time.Now()) {
		writeError(w, "expires_at must be in the future", "invalid_input", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Content review runs before any state is touched.
	verdict, err := s.oracle.Review(ctx, req.Title, req.Description)
	if err != nil {
		metrics.ModerationFailures.Inc()
		if s.policy == moderation.FailClosed {
			slog.Error("moderation unavailable, rejecting market", "err", err)
			writeError(w, "content review unavailable", "external_service_failure", http.StatusBadGateway)
			return
		}
		slog.Warn("moderation unavailable, proceeding without review", "err", err)
	} else if !verdict.Approved {
		serviceError(w, &model.ModerationRejectedError{Reason: verdict.Reason})
		return
	}

	// Scan open markets for near-duplicates before committing. Closed and
	// resolved markets are fair game to recreate.
	existing, err := s.store.ListOpenMarkets(ctx)
	if err != nil {
		writeError(w, "failed to scan existing markets", "internal", http.StatusInternalServerError)
		return
	}
	for i := range existing {
		if similarity.TooSimilar(req.Title, req.Description, existing[i].Title, existing[i].Description) {
			metrics.SimilarityRejections.Inc()
			serviceError(w, &model.SimilarMarketError{Existing: &existing[i]})
			return
		}
	}

	minBet := req.MinimumBet
	if minBet.LessThanOrEqual(decimal.Zero) {
		minBet = defaultMinimumBet
	}

	now := time.Now().UTC()
	market := &model.Market{
		ID:              uuid.New().String(),
		Title:           req.Title,
		Description:     req.Description,
		Category:        req.Category,
		CreatedBy:       userID,
		CreatedAt:       now,
		ExpiresAt:       req.ExpiresAt.UTC(),
		Status:          model.StatusOpen,
		CurrentPrice:    half,
		Liquidity:       pricing.BaseLiquidity,
		YesPercentage:   fifty,
		NoPercentage:    fifty,
		PotentialYesWin: evenOdds,
		PotentialNoWin:  evenOdds,
		MinimumBet:      minBet,
		LastUpdateTime:  now,
	}
	seed := model.PricePoint{Price: half, Timestamp: now}

	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		if err := tx.CreateMarket(ctx, market); err != nil {
			return err
		}
		if err := tx.AppendPricePoint(ctx, market.ID, seed); err != nil {
			return err
		}
		return tx.AddCreatedMarket(ctx, userID, market.ID)
	})
	if err != nil {
		serviceError(w, err)
		return
	}
	market.PriceHistory = []model.PricePoint{seed}

	metrics.MarketsCreated.Inc()
	slog.Info("market created",
		"id", market.ID,
		"title", market.Title,
		"creator", userID,
		"expires_at", market.ExpiresAt,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_created",
			MarketID: market.ID,
			Price:    market.CurrentPrice.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(market)
}

// PlaceBet handles POST /api/v1/markets/{marketID}/bets
// Debits the bettor, grows the position pool, moves the price, and appends
// one price history point — all inside a single transaction.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	marketID := chi.URLParam(r, "marketID")
	start := time.Now()

	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	if !model.ValidPosition(req.Position) {
		serviceError(w, model.ErrInvalidPosition)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", "invalid_input", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	var bet model.Bet
	var updated *model.Market
	var potentialWin decimal.Decimal

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}

		if market.Resolved {
			return model.ErrMarketResolved
		}
		if market.Status != model.StatusOpen {
			return model.ErrMarketNotOpen
		}
		if req.Amount.LessThan(market.MinimumBet) {
			return model.ErrBelowMinimumBet
		}
		if user.Tokens.LessThan(req.Amount) {
			return model.ErrInsufficientTokens
		}

		// Effective price comes from the pre-bet market state: the bettor
		// pays the slippage their own bet causes.
		effectivePrice := pricing.EffectivePrice(market.CurrentPrice, req.Amount, req.Position, market.Liquidity)

		if req.Position == model.PositionYes {
			market.YesAmount = market.YesAmount.Add(req.Amount)
			market.YesBets++
		} else {
			market.NoAmount = market.NoAmount.Add(req.Amount)
			market.NoBets++
		}
		market.TotalAmount = market.TotalAmount.Add(req.Amount)
		market.TotalBets++

		market.YesPercentage = market.YesAmount.Div(market.TotalAmount).Mul(hundred).Round(2)
		market.NoPercentage = hundred.Sub(market.YesPercentage)

		// Pari-mutuel odds: what one token in a pool pays if that side wins.
		if market.YesAmount.IsPositive() {
			market.PotentialYesWin = market.TotalAmount.Div(market.YesAmount).Round(2)
		}
		if market.NoAmount.IsPositive() {
			market.PotentialNoWin = market.TotalAmount.Div(market.NoAmount).Round(2)
		}

		// What this stake pays at the post-bet pool ratio.
		side := market.YesAmount
		if req.Position == model.PositionNo {
			side = market.NoAmount
		}
		potentialWin = req.Amount.Mul(market.TotalAmount.Div(side)).Round(2)

		market.CurrentPrice = pricing.AdjustForImbalance(market.YesAmount, market.NoAmount, market.CurrentPrice)
		market.Liquidity = market.Liquidity.Add(req.Amount)
		market.LastUpdateTime = now

		bet = model.Bet{
			ID:             uuid.New().String(),
			UserID:         userID,
			MarketID:       market.ID,
			MarketTitle:    market.Title,
			Position:       req.Position,
			Amount:         req.Amount,
			EffectivePrice: effectivePrice,
			CreatedAt:      now,
		}

		if err := tx.UpdateMarket(ctx, market); err != nil {
			return err
		}
		if err := tx.AppendPricePoint(ctx, market.ID, model.PricePoint{Price: market.CurrentPrice, Timestamp: now}); err != nil {
			return err
		}
		if err := tx.CreateBet(ctx, &bet); err != nil {
			return err
		}
		if err := tx.UpdateUserTokens(ctx, userID, user.Tokens.Sub(req.Amount)); err != nil {
			return err
		}
		if err := tx.AddActiveBet(ctx, userID, model.BetSummary{
			ID:             bet.ID,
			MarketID:       market.ID,
			MarketTitle:    market.Title,
			Position:       bet.Position,
			Amount:         bet.Amount,
			EffectivePrice: bet.EffectivePrice,
			CreatedAt:      bet.CreatedAt,
		}); err != nil {
			return err
		}

		updated = market
		return nil
	})
	if err != nil {
		serviceError(w, err)
		return
	}
	updated.PriceHistory = append(updated.PriceHistory, model.PricePoint{Price: updated.CurrentPrice, Timestamp: now})

	metrics.BetsTotal.WithLabelValues(req.Position).Inc()
	metrics.BetLatency.WithLabelValues(req.Position).Observe(time.Since(start).Seconds())

	slog.Info("bet placed",
		"bet_id", bet.ID,
		"user", userID,
		"market", marketID,
		"position", req.Position,
		"amount", req.Amount.String(),
		"effective_price", bet.EffectivePrice.String(),
		"new_price", updated.CurrentPrice.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "bet_placed",
			MarketID:      marketID,
			Price:         updated.CurrentPrice.String(),
			YesPercentage: updated.YesPercentage.String(),
			NoPercentage:  updated.NoPercentage.String(),
			Position:      req.Position,
			Amount:        req.Amount.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PlaceBetResponse{Bet: bet, Market: updated, PotentialWin: potentialWin})
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
// Only the creator (or an admin) may close betting early.
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	marketID := chi.URLParam(r, "marketID")

	var closed *model.Market
	err := s.store.RunTransaction(r.Context(), func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if market.CreatedBy != userID && !user.IsAdmin {
			return model.ErrUnauthorized
		}
		if market.Status != model.StatusOpen {
			return model.ErrMarketNotOpen
		}
		market.Status = model.StatusClosed
		market.LastUpdateTime = time.Now().UTC()
		if err := tx.UpdateMarket(ctx, market); err != nil {
			return err
		}
		closed = market
		return nil
	})
	if err != nil {
		serviceError(w, err)
		return
	}

	slog.Info("market closed", "market", marketID, "by", userID)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "market_closed", MarketID: marketID})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(closed)
}

// DeleteMarket handles DELETE /api/v1/markets/{marketID}
// Only the creator (or an admin) may delete a market. Stakes still at
// risk are refunded before the market and its bets are removed; resolved
// markets have already paid out, so nothing is returned for those.
func (s *Service) DeleteMarket(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	marketID := chi.URLParam(r, "marketID")

	err := s.store.RunTransaction(r.Context(), func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		market, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if market.CreatedBy != userID && !user.IsAdmin {
			return model.ErrUnauthorized
		}

		if !market.Resolved {
			bets, err := tx.BetsByMarket(ctx, marketID)
			if err != nil {
				return err
			}
			refunds := make(map[string]decimal.Decimal)
			order := make([]string, 0, len(bets))
			for _, b := range bets {
				if _, seen := refunds[b.UserID]; !seen {
					order = append(order, b.UserID)
				}
				refunds[b.UserID] = refunds[b.UserID].Add(b.Amount)
			}
			for _, bettor := range order {
				u, err := tx.GetUser(ctx, bettor)
				if err != nil {
					return err
				}
				if err := tx.UpdateUserTokens(ctx, bettor, u.Tokens.Add(refunds[bettor])); err != nil {
					return err
				}
			}
		}

		return tx.DeleteMarket(ctx, marketID)
	})
	if err != nil {
		serviceError(w, err)
		return
	}

	slog.Info("market deleted", "market", marketID, "by", userID)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "market_deleted", MarketID: marketID})
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, or only open ones with ?status=open.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var markets []model.Market
	var err error

	if r.URL.Query().Get("status") == model.StatusOpen {
		markets, err = s.store.ListOpenMarkets(r.Context())
	} else {
		markets, err = s.store.ListMarkets(r.Context())
	}
	if err != nil {
		writeError(w, "failed to list markets", "internal", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(market)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
// Returns the current price, the implied probability of a yes outcome,
// and the full price history.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		serviceError(w, err)
		return
	}

	history := market.PriceHistory
	if history == nil {
		history = []model.PricePoint{}
	}
	resp := map[string]any{
		"currentPrice":       market.CurrentPrice,
		"impliedProbability": pricing.ImpliedProbability(market.CurrentPrice),
		"priceHistory":       history,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetMarketBets handles GET /api/v1/markets/{marketID}/bets
func (s *Service) GetMarketBets(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		serviceError(w, err)
		return
	}
	bets, err := s.store.BetsByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to list bets", "internal", http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bets)
}

// RegisterRequest is the JSON body for user registration.
type RegisterRequest struct {
	Name string `json:"name"`
}

var startingTokens = decimal.NewFromInt(1000)

// Register handles POST /api/v1/users
// Creates the ledger record for the authenticated identity. New users
// start with 1000 tokens.
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	name := req.Name
	if name == "" {
		name = userID
	}

	ctx := r.Context()
	if _, err := s.store.GetUser(ctx, userID); err == nil {
		writeError(w, "user already registered", "conflict", http.StatusConflict)
		return
	} else if !errors.Is(err, model.ErrUserNotFound) {
		serviceError(w, err)
		return
	}

	now := time.Now().UTC()
	user := &model.User{
		ID:        userID,
		Name:      name,
		Tokens:    startingTokens,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		serviceError(w, err)
		return
	}

	slog.Info("user registered", "user", userID, "name", name)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

// GetProfile handles GET /api/v1/users/me
func (s *Service) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// GetMyMarkets handles GET /api/v1/users/me/markets
func (s *Service) GetMyMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.MarketsByCreator(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, "failed to list markets", "internal", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetLeaderboard handles GET /api/v1/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Leaderboard(r.Context(), leaderboardLimit)
	if err != nil {
		writeError(w, "failed to load leaderboard", "internal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// writeError writes a JSON error response with a machine-readable kind.
func writeError(w http.ResponseWriter, message, kind string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": kind})
}

// serviceError maps domain errors onto HTTP responses.
func serviceError(w http.ResponseWriter, err error) {
	var similar *model.SimilarMarketError
	var rejected *model.ModerationRejectedError

	switch {
	case errors.As(err, &similar):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error":              err.Error(),
			"kind":               "conflict",
			"existing_market_id": similar.Existing.ID,
		})
	case errors.As(err, &rejected):
		writeError(w, err.Error(), "invalid_input", http.StatusUnprocessableEntity)
	case errors.Is(err, model.ErrUserNotFound),
		errors.Is(err, model.ErrMarketNotFound),
		errors.Is(err, model.ErrRequestNotFound):
		writeError(w, err.Error(), "not_found", http.StatusNotFound)
	case errors.Is(err, model.ErrUnauthorized):
		writeError(w, err.Error(), "unauthorized", http.StatusForbidden)
	case errors.Is(err, model.ErrInvalidPosition),
		errors.Is(err, model.ErrBelowMinimumBet):
		writeError(w, err.Error(), "invalid_input", http.StatusBadRequest)
	case errors.Is(err, model.ErrInsufficientTokens):
		writeError(w, err.Error(), "insufficient_funds", http.StatusPaymentRequired)
	case errors.Is(err, model.ErrMarketNotOpen),
		errors.Is(err, model.ErrMarketResolved),
		errors.Is(err, model.ErrRequestNotPending),
		errors.Is(err, model.ErrNoWinningPool),
		errors.Is(err, model.ErrUserExists):
		writeError(w, err.Error(), "conflict", http.StatusConflict)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", "internal", http.StatusInternalServerError)
	}
}
