package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"FlashLever/internal/core"
	"FlashLever/internal/event"
	"FlashLever/internal/observability"
	"FlashLever/internal/persistence"

	"github.com/rs/zerolog"
)

// ProjectionWorker maintains the read-side tables (balances, position
// history, watermark) from committed outputs. Its channel is fed
// non-blocking, so it may miss outputs under load; RebuildProjections
// restores it from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		logger:    observability.NewLogger("projection"),
	}
}

// Run applies outputs until ctx is cancelled or the channel is closed
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			ev, journals := persistence.ToRows(output)
			if pw.lastSeq >= 0 && ev.Sequence != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", ev.Sequence).Msg("projection gap, rebuild required")
			}
			if err := pw.apply(ctx, ev, journals); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", ev.Sequence).Msg("projection update failed")
			}
			pw.lastSeq = ev.Sequence
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, ev persistence.EventRow, journals []persistence.JournalRow) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range journals {
		if err := applyJournal(ctx, tx, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if err := applyEvent(ctx, tx, ev); err != nil {
		return fmt.Errorf("position projection: %w", err)
	}
	if err := setWatermark(ctx, tx, ev.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

// applyJournal moves Amount from the credit account to the debit account,
// matching the in-memory ledger's sign convention.
func applyJournal(ctx context.Context, tx *sql.Tx, j persistence.JournalRow) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, j.Sequence); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3::BIGINT, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, j.Sequence)
	return err
}

// applyEvent updates position history for the event types that affect it;
// other events only advance the watermark.
func applyEvent(ctx context.Context, tx *sql.Tx, ev persistence.EventRow) error {
	switch ev.EventType {
	case event.EventTypePositionOpened.String():
		var p event.PositionOpened
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(settlement_id, user_id, status, leverage, collateral, total_exposure,
				 borrowed_debt, open_premium, entry_price, guarantee_reference,
				 guarantee_amount, guarantee_expiry, opened_sequence, opened_at)
			VALUES ($1, $2, 'active', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (settlement_id) DO NOTHING
		`, p.SettlementID, p.UserID, p.Leverage, p.Collateral, p.TotalExposure,
			p.BorrowedDebt, p.Premium, p.EntryPrice, p.GuaranteeReference,
			p.GuaranteeAmount, p.GuaranteeExpiry, ev.Sequence, ev.Timestamp)
		return err

	case event.EventTypePositionClosed.String():
		var p event.PositionClosed
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET status = 'closed', exit_price = $2, close_premium = $3, profit = $4,
			    lp_share = $5, user_payout = $6, closed_sequence = $7, closed_at = $8
			WHERE user_id = $1 AND status = 'active'
		`, p.UserID, p.ExitPrice, p.Premium, p.Profit, p.LPShare, p.UserPayout, ev.Sequence, ev.Timestamp)
		return err

	case event.EventTypeGuaranteeResolved.String():
		var g event.GuaranteeResolved
		if err := json.Unmarshal(ev.Payload, &g); err != nil {
			return err
		}
		if g.Kind != event.GuaranteeCapture || !g.Applied {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET guarantee_charged = TRUE
			WHERE user_id = $1 AND guarantee_reference = $2 AND status = 'active'
		`, g.UserID, g.Reference)
		return err
	}
	return nil
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections recomputes every projection table from the event log:
// balances by aggregating journals, position history by replaying the
// position and guarantee events in sequence order.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, event_type, payload, timestamp
		FROM event_log.events
		WHERE event_type IN ($1, $2, $3)
		ORDER BY sequence ASC
	`, event.EventTypePositionOpened.String(), event.EventTypePositionClosed.String(), event.EventTypeGuaranteeResolved.String())
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	var events []persistence.EventRow
	for rows.Next() {
		var e persistence.EventRow
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.Payload, &e.Timestamp); err != nil {
			rows.Close()
			return err
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range events {
		if err := applyEvent(ctx, tx, e); err != nil {
			return fmt.Errorf("replay sequence %d: %w", e.Sequence, err)
		}
	}

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&latest); err != nil {
		return err
	}
	if latest.Valid {
		if err := setWatermark(ctx, tx, latest.Int64); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int("position_events", len(events)).Msg("projection rebuild complete")
	return nil
}
