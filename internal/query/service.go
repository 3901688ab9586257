package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fpmath "PerpEngine/internal/math"
)

// QueryService provides read-only access to the event log and the
// projection tables. History responses carry the projection watermark so
// callers can judge freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// Page bounds a history query. Before is an exclusive sequence cursor;
// zero means from the newest row.
type Page struct {
	Limit  int
	Before int64
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func (p Page) limit() int {
	switch {
	case p.Limit <= 0:
		return defaultLimit
	case p.Limit > maxLimit:
		return maxLimit
	}
	return p.Limit
}

// where assembles a WHERE clause from conditions, numbering placeholders
// in order.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

// page appends the cursor condition and returns the WHERE, ORDER BY and
// LIMIT tail. Extra columns break ties within a sequence.
func (w *where) page(p Page, column string, tiebreak ...string) string {
	if p.Before > 0 {
		w.add(column+" < ?", p.Before)
	}
	w.args = append(w.args, p.limit())
	order := column + " DESC"
	for _, c := range tiebreak {
		order += ", " + c + " DESC"
	}
	return " WHERE " + strings.Join(w.conds, " AND ") +
		fmt.Sprintf(" ORDER BY %s LIMIT $%d", order, len(w.args))
}

func parseWad(s string) fpmath.Wad { return fpmath.NewWad(decimal.RequireFromString(s)) }

func parsePrice(s string) fpmath.Price { return fpmath.NewPrice(decimal.RequireFromString(s)) }

func optWad(s sql.NullString) *fpmath.Wad {
	if !s.Valid {
		return nil
	}
	w := parseWad(s.String)
	return &w
}

// GetFundingHistory returns the settlements of a user, newest first.
func (qs *QueryService) GetFundingHistory(ctx context.Context, market string, user uuid.UUID, p Page) ([]FundingHistoryResponse, error) {
	asOf, err := qs.getWatermark(ctx, market)
	if err != nil {
		return nil, err
	}

	var w where
	w.add("market_id = ?", market)
	w.add("user_id = ?", user)
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, from_index, to_index, funding_paid::text, insurance_paid::text, settled_at
		FROM projections.funding_history`+w.page(p, "sequence"), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []FundingHistoryResponse{}
	for rows.Next() {
		h := FundingHistoryResponse{UserID: user, MarketID: market, AsOfSequence: asOf}
		var funding, insurance string
		if err := rows.Scan(&h.Sequence, &h.FromIndex, &h.ToIndex, &funding, &insurance, &h.SettledAt); err != nil {
			return nil, err
		}
		h.FundingPaid, h.InsurancePaid = parseWad(funding), parseWad(insurance)
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetFundingIndices returns projected funding index entries from index
// number from upward.
func (qs *QueryService) GetFundingIndices(ctx context.Context, market string, from int64, limit int) ([]FundingIndexResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT index_number, hour, fair_price::text, avg_tracer_price::text, avg_oracle_price::text,
		       funding_rate::text, insurance_rate::text, cumulative_funding_rate::text,
		       cumulative_insurance::text, appended_at
		FROM projections.funding_index
		WHERE market_id = $1 AND index_number >= $2
		ORDER BY index_number ASC
		LIMIT $3
	`, market, from, Page{Limit: limit}.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []FundingIndexResponse{}
	for rows.Next() {
		r := FundingIndexResponse{MarketID: market}
		var fair, tracer, oracle, rate, ins, cumRate, cumIns string
		if err := rows.Scan(&r.Index, &r.Hour, &fair, &tracer, &oracle, &rate, &ins, &cumRate, &cumIns, &r.AppendedAt); err != nil {
			return nil, err
		}
		r.FairPrice, r.AvgTracerPrice, r.AvgOraclePrice = parsePrice(fair), parsePrice(tracer), parsePrice(oracle)
		r.FundingRate, r.InsuranceRate = parseWad(rate), parseWad(ins)
		r.CumulativeFundingRate, r.CumulativeInsurance = parseWad(cumRate), parseWad(cumIns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReceipts returns receipts where user was liquidator or liquidatee,
// newest first.
func (qs *QueryService) GetReceipts(ctx context.Context, market string, user uuid.UUID, p Page) ([]ReceiptResponse, error) {
	var w where
	w.add("market_id = ?", market)
	w.add("(liquidator = ? OR liquidatee = ?)", user)
	rows, err := qs.db.QueryContext(ctx, `
		SELECT receipt_id, liquidator, liquidatee, units::text, price::text, escrowed::text,
		       pool_drawn::text, shortfall::text, refund::text, escrow_returned::text,
		       releases_at, created_at, claimed_at, escrow_claimed_at
		FROM projections.receipts`+w.page(p, "last_sequence"), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ReceiptResponse{}
	for rows.Next() {
		r := ReceiptResponse{MarketID: market}
		var units, px, escrowed, drawn, shortfall string
		var refund, returned sql.NullString
		var claimed, escrowClaimed sql.NullTime
		if err := rows.Scan(
			&r.ReceiptID, &r.Liquidator, &r.Liquidatee, &units, &px, &escrowed,
			&drawn, &shortfall, &refund, &returned,
			&r.ReleasesAt, &r.CreatedAt, &claimed, &escrowClaimed,
		); err != nil {
			return nil, err
		}
		r.Units, r.Price, r.Escrowed = parseWad(units), parsePrice(px), parseWad(escrowed)
		r.PoolDrawn, r.Shortfall = parseWad(drawn), parseWad(shortfall)
		r.Refund, r.EscrowReturned = optWad(refund), optWad(returned)
		if claimed.Valid {
			r.ClaimedAt = &claimed.Time
		}
		if escrowClaimed.Valid {
			r.EscrowClaimedAt = &escrowClaimed.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPoolEvents returns insurance pool movements, newest first.
func (qs *QueryService) GetPoolEvents(ctx context.Context, market string, p Page) ([]PoolEventResponse, error) {
	var w where
	w.add("market_id = ?", market)
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, kind, user_id, tokens::text, amount::text, holdings::text, occurred_at
		FROM projections.pool_events`+w.page(p, "sequence", "position"), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []PoolEventResponse{}
	for rows.Next() {
		e := PoolEventResponse{MarketID: market}
		var user uuid.NullUUID
		var tokens, amount, holdings sql.NullString
		if err := rows.Scan(&e.Sequence, &e.Kind, &user, &tokens, &amount, &holdings, &e.OccurredAt); err != nil {
			return nil, err
		}
		if user.Valid {
			e.UserID = &user.UUID
		}
		e.Tokens, e.Amount, e.Holdings = optWad(tokens), optWad(amount), optWad(holdings)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal lines touching the user's accounts,
// newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, market string, user uuid.UUID, p Page) ([]JournalHistoryEntry, error) {
	var w where
	w.add("market_id = ?", market)
	w.add("(debit_account LIKE ? OR credit_account LIKE ?)", fmt.Sprintf("user:%s:%%", user))
	rows, err := qs.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::text, journal_type, timestamp
		FROM event_log.journal`+w.page(p, "sequence", "journal_id"), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = parseWad(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain and sequence continuity of the
// event log, then compares the balance projection with balances recomputed
// from the journal up to the projection watermark.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, market string) (*IntegrityReport, error) {
	report := &IntegrityReport{MarketID: market}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, prev_hash = prev_state, sequence - prev_seq
		FROM (
			SELECT sequence, prev_hash,
			       LAG(state_hash) OVER (ORDER BY sequence) AS prev_state,
			       LAG(sequence) OVER (ORDER BY sequence) AS prev_seq
			FROM event_log.events
			WHERE market_id = $1
		) chain
		WHERE prev_state IS NOT NULL AND (prev_hash <> prev_state OR sequence - prev_seq <> 1)
		ORDER BY sequence
		LIMIT 100
	`, market)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	for rows.Next() {
		var seq, step int64
		var linked bool
		if err := rows.Scan(&seq, &linked, &step); err != nil {
			rows.Close()
			return nil, err
		}
		if !linked {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if step != 1 {
			report.SequenceGaps = append(report.SequenceGaps, seq)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_log.journal WHERE market_id = $1 AND amount <= 0`, market,
	).Scan(&report.InvalidJournals); err != nil {
		return nil, fmt.Errorf("journal amounts: %w", err)
	}

	var projected string
	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0)::text FROM projections.balances WHERE market_id = $1`, market,
	).Scan(&projected); err != nil {
		return nil, fmt.Errorf("projected balance: %w", err)
	}
	report.ProjectedImbalance = parseWad(projected)

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events WHERE market_id = $1`, market,
	).Scan(&report.LatestSequence); err != nil {
		return nil, err
	}
	if report.ProjectedSequence, err = qs.getWatermark(ctx, market); err != nil {
		return nil, err
	}

	drift, err := qs.db.QueryContext(ctx, `
		SELECT COALESCE(j.account_path, b.account_path)
		FROM (
			SELECT account_path, SUM(delta) AS balance FROM (
				SELECT debit_account AS account_path, amount AS delta
				FROM event_log.journal WHERE market_id = $1 AND sequence <= $2
				UNION ALL
				SELECT credit_account, -amount
				FROM event_log.journal WHERE market_id = $1 AND sequence <= $2
			) lines GROUP BY account_path
		) j
		FULL OUTER JOIN (
			SELECT account_path, balance FROM projections.balances WHERE market_id = $1
		) b ON b.account_path = j.account_path
		WHERE COALESCE(j.balance, 0) <> COALESCE(b.balance, 0)
		ORDER BY 1
		LIMIT 100
	`, market, report.ProjectedSequence)
	if err != nil {
		return nil, fmt.Errorf("projection drift: %w", err)
	}
	defer drift.Close()
	for drift.Next() {
		var path string
		if err := drift.Scan(&path); err != nil {
			return nil, err
		}
		report.DriftedAccounts = append(report.DriftedAccounts, path)
	}
	if err := drift.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.DriftedAccounts) == 0 &&
		report.InvalidJournals == 0 &&
		report.ProjectedImbalance.IsZero()
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context, market string) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE market_id = $1`, market,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
