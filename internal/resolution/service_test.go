package resolution_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quadmarket/prediction-engine/internal/auth"
	"github.com/quadmarket/prediction-engine/internal/model"
	"github.com/quadmarket/prediction-engine/internal/resolution"
	"github.com/quadmarket/prediction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := resolution.NewService(ms, nil)

	verifier := auth.StaticVerifier{
		"tok-creator": "creator",
		"tok-admin":   "admin",
		"tok-alice":   "alice",
		"tok-bob":     "bob",
		"tok-carol":   "carol",
		"tok-dave":    "dave",
	}

	r := chi.NewRouter()
	r.Use(auth.Middleware(verifier))
	r.Post("/api/v1/markets/{marketID}/resolution-requests", svc.RequestResolution)
	r.Post("/api/v1/markets/{marketID}/resolution-requests/{requestID}/accept", svc.AcceptResolution)
	r.Delete("/api/v1/markets/{marketID}/resolution-requests/{requestID}", svc.RejectResolution)
	r.Get("/api/v1/resolution-requests", svc.ListPendingRequests)

	return ms, r
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, tokens float64, admin bool) {
	t.Helper()
	now := time.Now().UTC()
	err := ms.CreateUser(context.Background(), &model.User{
		ID:        id,
		Name:      id,
		Tokens:    d(tokens),
		IsAdmin:   admin,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

type seedBet struct {
	user           string
	position       string
	amount         float64
	effectivePrice float64
}

// seedMarketWithBets creates a market whose pools match the given bets,
// with matching active-bet entries on each bettor.
func seedMarketWithBets(t *testing.T, ms *store.MemoryStore, id string, bets []seedBet) {
	t.Helper()
	now := time.Now().UTC()

	market := &model.Market{
		ID:             id,
		Title:          "Test market " + id,
		CreatedBy:      "creator",
		CreatedAt:      now,
		ExpiresAt:      now.Add(72 * time.Hour),
		Status:         model.StatusOpen,
		CurrentPrice:   d(0.5),
		Liquidity:      d(1000),
		MinimumBet:     d(10),
		LastUpdateTime: now,
	}
	for _, b := range bets {
		amt := d(b.amount)
		if b.position == model.PositionYes {
			market.YesAmount = market.YesAmount.Add(amt)
			market.YesBets++
		} else {
			market.NoAmount = market.NoAmount.Add(amt)
			market.NoBets++
		}
		market.TotalAmount = market.TotalAmount.Add(amt)
		market.TotalBets++
	}

	err := ms.RunTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateMarket(ctx, market); err != nil {
			return err
		}
		for i, b := range bets {
			bet := model.Bet{
				ID:             id + "-bet-" + string(rune('0'+i)),
				UserID:         b.user,
				MarketID:       id,
				MarketTitle:    market.Title,
				Position:       b.position,
				Amount:         d(b.amount),
				EffectivePrice: d(b.effectivePrice),
				CreatedAt:      now.Add(time.Duration(i) * time.Second),
			}
			if err := tx.CreateBet(ctx, &bet); err != nil {
				return err
			}
			if err := tx.AddActiveBet(ctx, b.user, model.BetSummary{
				ID:             bet.ID,
				MarketID:       id,
				MarketTitle:    market.Title,
				Position:       bet.Position,
				Amount:         bet.Amount,
				EffectivePrice: bet.EffectivePrice,
				CreatedAt:      bet.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed market with bets: %v", err)
	}
}

func submitRequest(t *testing.T, ms *store.MemoryStore, marketID, outcome string) string {
	t.Helper()
	req := &model.ResolutionRequest{
		ID:                marketID + "-req",
		MarketID:          marketID,
		Outcome:           outcome,
		ResolutionDetails: "outcome observed",
		SubmittedBy:       "alice",
		SubmittedAt:       time.Now().UTC(),
		Status:            model.RequestPending,
	}
	err := ms.RunTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateResolutionRequest(ctx, req)
	})
	if err != nil {
		t.Fatalf("failed to seed request: %v", err)
	}
	return req.ID
}

func do(t *testing.T, router chi.Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Settlement tests ---

func TestAcceptResolution_YesOutcomePayouts(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "creator", 1000, false)
	seedUser(t, ms, "alice", 1000, false)
	seedUser(t, ms, "carol", 1000, false)
	seedUser(t, ms, "bob", 1000, false)

	// Pools: yes 400, no 600, total 1000.
	seedMarketWithBets(t, ms, "m1", []seedBet{
		{user: "alice", position: "yes", amount: 100, effectivePrice: 0.40},
		{user: "carol", position: "yes", amount: 300, effectivePrice: 0.50},
		{user: "bob", position: "no", amount: 600, effectivePrice: 0.60},
	})
	reqID := submitRequest(t, ms, "m1", "yes")

	w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests/"+reqID+"/accept", "tok-creator", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// alice: (100/400)*1000*(1/0.40) = 625.00
	alice, _ := ms.GetUser(context.Background(), "alice")
	if !alice.Tokens.Equal(d(1625)) {
		t.Errorf("alice tokens = %s, want 1625 (payout 625.00)", alice.Tokens)
	}
	// carol: (300/400)*1000*(1/0.50) = 1500.00
	carol, _ := ms.GetUser(context.Background(), "carol")
	if !carol.Tokens.Equal(d(2500)) {
		t.Errorf("carol tokens = %s, want 2500 (payout 1500.00)", carol.Tokens)
	}
	// bob bet the losing side: no credit.
	bob, _ := ms.GetUser(context.Background(), "bob")
	if !bob.Tokens.Equal(d(1000)) {
		t.Errorf("bob tokens = %s, want 1000 (payout 0)", bob.Tokens)
	}

	// Active bets cleared and archived for every bettor, winners and losers.
	for _, id := range []string{"alice", "carol", "bob"} {
		u, _ := ms.GetUser(context.Background(), id)
		if len(u.ActiveBets) != 0 {
			t.Errorf("%s still has %d active bets", id, len(u.ActiveBets))
		}
		if len(u.ResolvedBets) != 1 {
			t.Errorf("%s has %d resolved bets, want 1", id, len(u.ResolvedBets))
		}
	}
	bob, _ = ms.GetUser(context.Background(), "bob")
	if !bob.ResolvedBets[0].Payout.IsZero() {
		t.Errorf("bob resolved payout = %s, want 0", bob.ResolvedBets[0].Payout)
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.Resolved || m.Status != model.StatusResolved {
		t.Errorf("market not marked resolved: status=%q resolved=%v", m.Status, m.Resolved)
	}
	if m.WinningOutcome != "yes" {
		t.Errorf("WinningOutcome = %q, want yes", m.WinningOutcome)
	}
	if !m.PayoutsDistributed || m.ResolvedAt == nil {
		t.Error("payout bookkeeping fields not set")
	}
	// One ledger entry per bet, losers recorded at zero.
	if len(m.FinalPayouts) != 3 {
		t.Fatalf("FinalPayouts has %d entries, want one per bet", len(m.FinalPayouts))
	}
	if m.FinalPayouts[0].UserID != "alice" || !m.FinalPayouts[0].Payout.Equal(d(625)) {
		t.Errorf("FinalPayouts[0] = %+v, want alice 625.00", m.FinalPayouts[0])
	}
	if m.FinalPayouts[2].UserID != "bob" || !m.FinalPayouts[2].Payout.IsZero() {
		t.Errorf("FinalPayouts[2] = %+v, want bob 0", m.FinalPayouts[2])
	}

	req, err := requestStatus(ms, "m1", reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != model.RequestAccepted || req.ProcessedAt == nil {
		t.Errorf("request status = %q processed=%v, want accepted with timestamp", req.Status, req.ProcessedAt)
	}
}

func requestStatus(ms *store.MemoryStore, marketID, requestID string) (*model.ResolutionRequest, error) {
	var req *model.ResolutionRequest
	err := ms.RunTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		req, err = tx.GetResolutionRequest(ctx, marketID, requestID)
		return err
	})
	return req, err
}

func TestAcceptResolution_NoOutcomePayout(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "creator", 1000, false)
	seedUser(t, ms, "alice", 1000, false)
	seedUser(t, ms, "bob", 1000, false)
	seedUser(t, ms, "dave", 1000, false)

	// Pools: yes 400, no 600, total 1000.
	seedMarketWithBets(t, ms, "m1", []seedBet{
		{user: "alice", position: "yes", amount: 400, effectivePrice: 0.50},
		{user: "bob", position: "no", amount: 100, effectivePrice: 0.60},
		{user: "dave", position: "no", amount: 500, effectivePrice: 0.50},
	})
	reqID := submitRequest(t, ms, "m1", "no")

	w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests/"+reqID+"/accept", "tok-creator", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// bob: (100/600)*1000*(1/(1-0.60)) rounded = 416.67
	bob, _ := ms.GetUser(context.Background(), "bob")
	if !bob.Tokens.Equal(d(1416.67)) {
		t.Errorf("bob tokens = %s, want 1416.67 (payout 416.67)", bob.Tokens)
	}
	alice, _ := ms.GetUser(context.Background(), "alice")
	if !alice.Tokens.Equal(d(1000)) {
		t.Errorf("alice tokens = %s, want 1000 (payout 0)", alice.Tokens)
	}
}

func TestAcceptResolution_CreatorOnly(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "creator", 1000, false)
	seedUser(t, ms, "alice", 1000, false)
	seedMarketWithBets(t, ms, "m1", []seedBet{
		{user: "alice", position: "yes", amount: 100, effectivePrice: 0.55},
	})
	reqID := submitRequest(t, ms, "m1", "yes")

	w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests/"+reqID+"/accept", "tok-alice", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Resolved {
		t.Error("market resolved by non-creator")
	}
}

func TestAcceptResolution_NoWinningPool(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "creator", 1000, false)
	seedUser(t, ms, "alice", 1000, false)

	// Every bet sits on the losing side: the yes pool is empty.
	seedMarketWithBets(t, ms, "m1", []seedBet{
		{user: "alice", position: "no", amount: 200, effectivePrice: 0.45},
	})
	reqID := submitRequest(t, ms, "m1", "yes")

	w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests/"+reqID+"/accept", "tok-creator", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Resolved {
		t.Error("market resolved despite empty winning pool")
	}
	u, _ := ms.GetUser(context.Background(), "alice")
	if len(u.ActiveBets) != 1 {
		t.Error("active bets were touched by rejected settlement")
	}
}

func TestAcceptResolution_AlreadyResolved(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "creator", 1000, false)
	seedUser(t, ms, "alice", 1000, false)
	seedMarketWithBets(t, ms, "m1", []seedBet{
		{user: "alice", position: "yes", amount: 100, effectivePrice: 0.55},
	})
	reqID := submitRequest(t, ms, "m1", "yes")

	if w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests/"+reqID+"/accept", "tok-creator", nil); w.Code != http.StatusOK {
		t.Fatalf("first accept: status = %d", w.Code)
	}
	w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests/"+reqID+"/accept", "tok-creator", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second accept: status = %d, want 409", w.Code)
	}
}

// --- Request lifecycle tests ---

func TestRequestResolution(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000, false)
	seedUser(t, ms, "creator", 1000, false)
	seedMarketWithBets(t, ms, "m1", nil)

	w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests", "tok-alice", resolution.RequestResolutionRequest{
		Outcome:           "yes",
		ResolutionDetails: "the event happened",
		EvidenceURL:       "https://example.com/proof",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var req model.ResolutionRequest
	json.Unmarshal(w.Body.Bytes(), &req)
	if req.Status != model.RequestPending {
		t.Errorf("Status = %q, want pending", req.Status)
	}
	if req.SubmittedBy != "alice" {
		t.Errorf("SubmittedBy = %q, want alice", req.SubmittedBy)
	}

	pending, _ := ms.ListPendingRequests(context.Background())
	if len(pending) != 1 {
		t.Errorf("pending requests = %d, want 1", len(pending))
	}
}

func TestRequestResolution_InvalidOutcome(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000, false)
	seedMarketWithBets(t, ms, "m1", nil)

	w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests", "tok-alice", resolution.RequestResolutionRequest{
		Outcome:           "tie",
		ResolutionDetails: "details",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRequestResolution_ResolvedMarket(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "creator", 1000, false)
	seedUser(t, ms, "alice", 1000, false)
	seedMarketWithBets(t, ms, "m1", []seedBet{
		{user: "alice", position: "yes", amount: 100, effectivePrice: 0.55},
	})
	reqID := submitRequest(t, ms, "m1", "yes")
	if w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests/"+reqID+"/accept", "tok-creator", nil); w.Code != http.StatusOK {
		t.Fatalf("accept: status = %d", w.Code)
	}

	w := do(t, router, "POST", "/api/v1/markets/m1/resolution-requests", "tok-alice", resolution.RequestResolutionRequest{
		Outcome:           "no",
		ResolutionDetails: "late request",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestRejectResolution_AdminOnly(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "creator", 1000, false)
	seedUser(t, ms, "alice", 1000, false)
	seedUser(t, ms, "admin", 1000, true)
	seedMarketWithBets(t, ms, "m1", nil)
	reqID := submitRequest(t, ms, "m1", "yes")

	if w := do(t, router, "DELETE", "/api/v1/markets/m1/resolution-requests/"+reqID, "tok-alice", nil); w.Code != http.StatusForbidden {
		t.Errorf("non-admin reject: status = %d, want 403", w.Code)
	}
	// The creator is not an admin; creators settle by accepting, not rejecting.
	if w := do(t, router, "DELETE", "/api/v1/markets/m1/resolution-requests/"+reqID, "tok-creator", nil); w.Code != http.StatusForbidden {
		t.Errorf("creator reject: status = %d, want 403", w.Code)
	}

	w := do(t, router, "DELETE", "/api/v1/markets/m1/resolution-requests/"+reqID, "tok-admin", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("admin reject: status = %d, want 204", w.Code)
	}

	pending, _ := ms.ListPendingRequests(context.Background())
	if len(pending) != 0 {
		t.Errorf("pending requests = %d after reject, want 0", len(pending))
	}
	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Resolved || m.Status != model.StatusOpen {
		t.Error("reject touched the market state")
	}
}
