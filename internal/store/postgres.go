package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quadmarket/prediction-engine/internal/model"
)

// maxTxAttempts bounds retries of serialization conflicts before the
// failure is surfaced to the caller.
const maxTxAttempts = 5

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All token amounts are stored as NUMERIC for exact decimal precision.
// Transactions run at SERIALIZABLE isolation and are retried on
// serialization failures, so callers never see partial writes or stale
// read-modify-write cycles.
type PostgresStore struct {
	pgOps
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgOps: pgOps{q: pool}, pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the same
// query code serve plain reads and transactional operations.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgTx adapts a pgx.Tx to the Tx interface.
type pgTx struct {
	pgOps
}

func (s *PostgresStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{pgOps{q: tx}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isSerializationFailure reports whether err is a retryable concurrency
// conflict (serialization failure or deadlock detected).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// pgOps carries every query against either a pool or an open transaction.
type pgOps struct {
	q querier
}

// --- Markets ---

const marketColumns = `id, title, description, category, created_by, created_at, expires_at,
	status, resolved,
	yes_amount::TEXT, no_amount::TEXT, total_amount::TEXT,
	current_price::TEXT, liquidity::TEXT,
	yes_percentage::TEXT, no_percentage::TEXT,
	total_bets, yes_bets, no_bets,
	potential_yes_win::TEXT, potential_no_win::TEXT, minimum_bet::TEXT,
	winning_outcome, payouts_distributed, resolved_at, final_payouts, last_update_time`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var yesAmt, noAmt, totalAmt, price, liq, yesPct, noPct, potYes, potNo, minBet string
	var winningOutcome *string
	var finalPayouts []byte

	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Category,
		&m.CreatedBy, &m.CreatedAt, &m.ExpiresAt,
		&m.Status, &m.Resolved,
		&yesAmt, &noAmt, &totalAmt,
		&price, &liq,
		&yesPct, &noPct,
		&m.TotalBets, &m.YesBets, &m.NoBets,
		&potYes, &potNo, &minBet,
		&winningOutcome, &m.PayoutsDistributed, &m.ResolvedAt, &finalPayouts, &m.LastUpdateTime)
	if err != nil {
		return nil, err
	}

	m.YesAmount, _ = decimal.NewFromString(yesAmt)
	m.NoAmount, _ = decimal.NewFromString(noAmt)
	m.TotalAmount, _ = decimal.NewFromString(totalAmt)
	m.CurrentPrice, _ = decimal.NewFromString(price)
	m.Liquidity, _ = decimal.NewFromString(liq)
	m.YesPercentage, _ = decimal.NewFromString(yesPct)
	m.NoPercentage, _ = decimal.NewFromString(noPct)
	m.PotentialYesWin, _ = decimal.NewFromString(potYes)
	m.PotentialNoWin, _ = decimal.NewFromString(potNo)
	m.MinimumBet, _ = decimal.NewFromString(minBet)
	if winningOutcome != nil {
		m.WinningOutcome = *winningOutcome
	}
	if len(finalPayouts) > 0 {
		json.Unmarshal(finalPayouts, &m.FinalPayouts)
	}
	return &m, nil
}

func (o pgOps) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := o.q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}

	m.PriceHistory, err = o.priceHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (o pgOps) priceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	rows, err := o.q.Query(ctx,
		`SELECT price::TEXT, ts FROM price_history WHERE market_id = $1 ORDER BY ts, seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var priceS string
		if err := rows.Scan(&priceS, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(priceS)
		history = append(history, p)
	}
	return history, rows.Err()
}

func (o pgOps) listMarketsWhere(ctx context.Context, where string, args ...any) ([]model.Market, error) {
	rows, err := o.q.Query(ctx,
		`SELECT `+marketColumns+` FROM markets `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (o pgOps) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return o.listMarketsWhere(ctx, ``)
}

func (o pgOps) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	return o.listMarketsWhere(ctx, `WHERE status = 'open'`)
}

func (o pgOps) MarketsByCreator(ctx context.Context, userID string) ([]model.Market, error) {
	return o.listMarketsWhere(ctx, `WHERE created_by = $1`, userID)
}

func (o pgOps) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO markets (id, title, description, category, created_by, created_at, expires_at,
			status, resolved,
			yes_amount, no_amount, total_amount, current_price, liquidity,
			yes_percentage, no_percentage, total_bets, yes_bets, no_bets,
			potential_yes_win, potential_no_win, minimum_bet,
			payouts_distributed, last_update_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
			$15::NUMERIC, $16::NUMERIC, $17, $18, $19,
			$20::NUMERIC, $21::NUMERIC, $22::NUMERIC, $23, $24)`,
		m.ID, m.Title, m.Description, m.Category, m.CreatedBy, m.CreatedAt, m.ExpiresAt,
		m.Status, m.Resolved,
		m.YesAmount.String(), m.NoAmount.String(), m.TotalAmount.String(),
		m.CurrentPrice.String(), m.Liquidity.String(),
		m.YesPercentage.String(), m.NoPercentage.String(),
		m.TotalBets, m.YesBets, m.NoBets,
		m.PotentialYesWin.String(), m.PotentialNoWin.String(), m.MinimumBet.String(),
		m.PayoutsDistributed, m.LastUpdateTime,
	)
	return err
}

func (o pgOps) UpdateMarket(ctx context.Context, m *model.Market) error {
	var winningOutcome *string
	if m.WinningOutcome != "" {
		winningOutcome = &m.WinningOutcome
	}
	finalPayouts, err := json.Marshal(m.FinalPayouts)
	if err != nil {
		return err
	}

	tag, err := o.q.Exec(ctx,
		`UPDATE markets SET
			status = $2, resolved = $3,
			yes_amount = $4::NUMERIC, no_amount = $5::NUMERIC, total_amount = $6::NUMERIC,
			current_price = $7::NUMERIC, liquidity = $8::NUMERIC,
			yes_percentage = $9::NUMERIC, no_percentage = $10::NUMERIC,
			total_bets = $11, yes_bets = $12, no_bets = $13,
			potential_yes_win = $14::NUMERIC, potential_no_win = $15::NUMERIC,
			winning_outcome = $16, payouts_distributed = $17, resolved_at = $18,
			final_payouts = $19, last_update_time = $20
		 WHERE id = $1`,
		m.ID, m.Status, m.Resolved,
		m.YesAmount.String(), m.NoAmount.String(), m.TotalAmount.String(),
		m.CurrentPrice.String(), m.Liquidity.String(),
		m.YesPercentage.String(), m.NoPercentage.String(),
		m.TotalBets, m.YesBets, m.NoBets,
		m.PotentialYesWin.String(), m.PotentialNoWin.String(),
		winningOutcome, m.PayoutsDistributed, m.ResolvedAt,
		finalPayouts, m.LastUpdateTime,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrMarketNotFound
	}
	return nil
}

func (o pgOps) DeleteMarket(ctx context.Context, marketID string) error {
	cascades := []string{
		`DELETE FROM active_bets WHERE market_id = $1`,
		`DELETE FROM bets WHERE market_id = $1`,
		`DELETE FROM price_history WHERE market_id = $1`,
		`DELETE FROM resolution_requests WHERE market_id = $1`,
		`DELETE FROM created_markets WHERE market_id = $1`,
	}
	for _, q := range cascades {
		if _, err := o.q.Exec(ctx, q, marketID); err != nil {
			return err
		}
	}
	tag, err := o.q.Exec(ctx, `DELETE FROM markets WHERE id = $1`, marketID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrMarketNotFound
	}
	return nil
}

func (o pgOps) AppendPricePoint(ctx context.Context, marketID string, p model.PricePoint) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO price_history (market_id, price, ts) VALUES ($1, $2::NUMERIC, $3)`,
		marketID, p.Price.String(), p.Timestamp,
	)
	return err
}

// --- Bets ---

func (o pgOps) CreateBet(ctx context.Context, b *model.Bet) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO bets (id, user_id, market_id, market_title, position, amount, effective_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		b.ID, b.UserID, b.MarketID, b.MarketTitle, b.Position,
		b.Amount.String(), b.EffectivePrice.String(), b.CreatedAt,
	)
	return err
}

func (o pgOps) BetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := o.q.Query(ctx,
		`SELECT id, user_id, market_id, market_title, position,
			amount::TEXT, effective_price::TEXT, created_at
		 FROM bets WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var amountS, priceS string
		if err := rows.Scan(&b.ID, &b.UserID, &b.MarketID, &b.MarketTitle, &b.Position,
			&amountS, &priceS, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amountS)
		b.EffectivePrice, _ = decimal.NewFromString(priceS)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// --- Users ---

func (o pgOps) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var tokensS string

	err := o.q.QueryRow(ctx,
		`SELECT id, name, tokens::TEXT, is_admin, created_at, updated_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &tokensS, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Tokens, _ = decimal.NewFromString(tokensS)

	if u.ActiveBets, err = o.activeBets(ctx, id); err != nil {
		return nil, err
	}
	if u.ResolvedBets, err = o.resolvedBets(ctx, id); err != nil {
		return nil, err
	}
	if u.CreatedMarkets, err = o.createdMarkets(ctx, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (o pgOps) activeBets(ctx context.Context, userID string) ([]model.BetSummary, error) {
	rows, err := o.q.Query(ctx,
		`SELECT bet_id, market_id, market_title, position, amount::TEXT, effective_price::TEXT, created_at
		 FROM active_bets WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []model.BetSummary
	for rows.Next() {
		var s model.BetSummary
		var amountS, priceS string
		if err := rows.Scan(&s.ID, &s.MarketID, &s.MarketTitle, &s.Position,
			&amountS, &priceS, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Amount, _ = decimal.NewFromString(amountS)
		s.EffectivePrice, _ = decimal.NewFromString(priceS)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (o pgOps) resolvedBets(ctx context.Context, userID string) ([]model.ResolvedBet, error) {
	rows, err := o.q.Query(ctx,
		`SELECT market_id, market_title, amount::TEXT, position, effective_price::TEXT,
			outcome, payout::TEXT, resolved_at
		 FROM resolved_bets WHERE user_id = $1 ORDER BY resolved_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resolved []model.ResolvedBet
	for rows.Next() {
		var r model.ResolvedBet
		var amountS, priceS, payoutS string
		if err := rows.Scan(&r.MarketID, &r.MarketTitle, &amountS, &r.Position, &priceS,
			&r.Outcome, &payoutS, &r.ResolvedAt); err != nil {
			return nil, err
		}
		r.Amount, _ = decimal.NewFromString(amountS)
		r.EffectivePrice, _ = decimal.NewFromString(priceS)
		r.Payout, _ = decimal.NewFromString(payoutS)
		resolved = append(resolved, r)
	}
	return resolved, rows.Err()
}

func (o pgOps) createdMarkets(ctx context.Context, userID string) ([]string, error) {
	rows, err := o.q.Query(ctx,
		`SELECT market_id FROM created_markets WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (o pgOps) CreateUser(ctx context.Context, u *model.User) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO users (id, name, tokens, is_admin, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		u.ID, u.Name, u.Tokens.String(), u.IsAdmin, u.CreatedAt, u.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.ErrUserExists
	}
	return err
}

func (o pgOps) UpdateUserTokens(ctx context.Context, userID string, tokens decimal.Decimal) error {
	tag, err := o.q.Exec(ctx,
		`UPDATE users SET tokens = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		userID, tokens.String(), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

func (o pgOps) AddActiveBet(ctx context.Context, userID string, s model.BetSummary) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO active_bets (bet_id, user_id, market_id, market_title, position, amount, effective_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		s.ID, userID, s.MarketID, s.MarketTitle, s.Position,
		s.Amount.String(), s.EffectivePrice.String(), s.CreatedAt,
	)
	return err
}

func (o pgOps) RemoveActiveBets(ctx context.Context, userID, marketID string) error {
	_, err := o.q.Exec(ctx,
		`DELETE FROM active_bets WHERE user_id = $1 AND market_id = $2`,
		userID, marketID,
	)
	return err
}

func (o pgOps) AddResolvedBet(ctx context.Context, userID string, r model.ResolvedBet) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO resolved_bets (user_id, market_id, market_title, amount, position, effective_price, outcome, payout, resolved_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7, $8::NUMERIC, $9)`,
		userID, r.MarketID, r.MarketTitle, r.Amount.String(), r.Position,
		r.EffectivePrice.String(), r.Outcome, r.Payout.String(), r.ResolvedAt,
	)
	return err
}

func (o pgOps) AddCreatedMarket(ctx context.Context, userID, marketID string) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO created_markets (user_id, market_id) VALUES ($1, $2)`,
		userID, marketID,
	)
	return err
}

func (o pgOps) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := o.q.Query(ctx,
		`SELECT id, name, tokens::TEXT FROM users ORDER BY tokens DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var tokensS string
		if err := rows.Scan(&e.UserID, &e.Name, &tokensS); err != nil {
			return nil, err
		}
		e.Tokens, _ = decimal.NewFromString(tokensS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Resolution requests ---

func (o pgOps) GetResolutionRequest(ctx context.Context, marketID, requestID string) (*model.ResolutionRequest, error) {
	var r model.ResolutionRequest
	err := o.q.QueryRow(ctx,
		`SELECT id, market_id, outcome, resolution_details, evidence_url,
			submitted_by, submitted_at, status, processed_at
		 FROM resolution_requests WHERE market_id = $1 AND id = $2`, marketID, requestID).
		Scan(&r.ID, &r.MarketID, &r.Outcome, &r.ResolutionDetails, &r.EvidenceURL,
			&r.SubmittedBy, &r.SubmittedAt, &r.Status, &r.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resolution request %s: %w", requestID, err)
	}
	return &r, nil
}

func (o pgOps) CreateResolutionRequest(ctx context.Context, r *model.ResolutionRequest) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO resolution_requests (id, market_id, outcome, resolution_details, evidence_url,
			submitted_by, submitted_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.MarketID, r.Outcome, r.ResolutionDetails, r.EvidenceURL,
		r.SubmittedBy, r.SubmittedAt, r.Status,
	)
	return err
}

func (o pgOps) UpdateResolutionRequest(ctx context.Context, r *model.ResolutionRequest) error {
	tag, err := o.q.Exec(ctx,
		`UPDATE resolution_requests SET status = $3, processed_at = $4
		 WHERE market_id = $1 AND id = $2`,
		r.MarketID, r.ID, r.Status, r.ProcessedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRequestNotFound
	}
	return nil
}

func (o pgOps) DeleteResolutionRequest(ctx context.Context, marketID, requestID string) error {
	_, err := o.q.Exec(ctx,
		`DELETE FROM resolution_requests WHERE market_id = $1 AND id = $2`,
		marketID, requestID,
	)
	return err
}

func (o pgOps) ListPendingRequests(ctx context.Context) ([]model.ResolutionRequest, error) {
	rows, err := o.q.Query(ctx,
		`SELECT id, market_id, outcome, resolution_details, evidence_url,
			submitted_by, submitted_at, status, processed_at
		 FROM resolution_requests WHERE status = 'pending' ORDER BY submitted_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []model.ResolutionRequest
	for rows.Next() {
		var r model.ResolutionRequest
		if err := rows.Scan(&r.ID, &r.MarketID, &r.Outcome, &r.ResolutionDetails, &r.EvidenceURL,
			&r.SubmittedBy, &r.SubmittedAt, &r.Status, &r.ProcessedAt); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}
