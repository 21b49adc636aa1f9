package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the event log and projection
// tables. Projection responses carry as_of_sequence, the last event the
// projection worker applied.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns every projected account balance of a user
func (qs *QueryService) GetBalances(ctx context.Context, userID uuid.UUID) (*BalancesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, asset_id
	`, userAccountPrefix(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{UserID: userID, AsOfSequence: asOfSeq}
	for rows.Next() {
		var b BalanceEntry
		if err := rows.Scan(&b.AccountPath, &b.AssetID, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// GetPositionHistory returns a user's positions, newest first. A non-nil
// beforeSequence pages past positions opened at or after it.
func (qs *QueryService) GetPositionHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]PositionHistoryEntry, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT settlement_id, user_id, status, leverage, collateral, total_exposure,
		       borrowed_debt, open_premium, entry_price, guarantee_reference,
		       guarantee_amount, guarantee_expiry, guarantee_charged, exit_price,
		       close_premium, profit, lp_share, user_payout, opened_sequence,
		       closed_sequence, opened_at, closed_at
		FROM projections.positions
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND opened_sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY opened_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []PositionHistoryEntry
	for rows.Next() {
		var (
			p                                                    PositionHistoryEntry
			exitPrice, closePremium, profit, lpShare, userPayout sql.NullInt64
			closedSeq                                            sql.NullInt64
			closedAt                                             sql.NullTime
		)
		if err := rows.Scan(
			&p.SettlementID, &p.UserID, &p.Status, &p.Leverage, &p.Collateral, &p.TotalExposure,
			&p.BorrowedDebt, &p.OpenPremium, &p.EntryPrice, &p.GuaranteeReference,
			&p.GuaranteeAmount, &p.GuaranteeExpiry, &p.GuaranteeCharged, &exitPrice,
			&closePremium, &profit, &lpShare, &userPayout, &p.OpenedSequence,
			&closedSeq, &p.OpenedAt, &closedAt,
		); err != nil {
			return nil, err
		}
		p.ExitPrice = nullInt(exitPrice)
		p.ClosePremium = nullInt(closePremium)
		p.Profit = nullInt(profit)
		p.LPShare = nullInt(lpShare)
		p.UserPayout = nullInt(userPayout)
		p.ClosedSequence = nullInt(closedSeq)
		if closedAt.Valid {
			p.ClosedAt = &closedAt.Time
		}
		p.AsOfSequence = asOfSeq
		history = append(history, p)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first, paging before afterSequence when set.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{userAccountPrefix(userID)}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, sequence contiguity and the
// zero-sum balance invariant over the persisted state.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	breaks, err := qs.int64s(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	report.HashChainBreaks = breaks

	gaps, err := qs.int64s(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}
	report.SequenceGaps = gaps

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) int64s(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

func userAccountPrefix(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:%%", userID)
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
