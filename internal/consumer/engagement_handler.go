package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/retention/internal/events"
)

// EngagementHandler persists consumed engagement events into Postgres, where
// the daily run reads them as a member's engagement history.
type EngagementHandler struct {
	pool *pgxpool.Pool
}

// NewEngagementHandler constructs a handler backed by the provided pool.
func NewEngagementHandler(pool *pgxpool.Pool) *EngagementHandler {
	return &EngagementHandler{pool: pool}
}

// Handle stores one engagement event. Replayed events are skipped by event ID,
// so reprocessing a partition is harmless.
func (h *EngagementHandler) Handle(ctx context.Context, msg Message) error {
	var ev events.EngagementRecorded
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("decode engagement payload: %w", err)
	}
	if ev.EventID == "" || ev.TenantID == "" || ev.MemberID == "" {
		return fmt.Errorf("engagement payload missing identifiers (event_id=%q)", ev.EventID)
	}

	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", ev.TenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO engagement_events (event_id, tenant_id, member_id, kind, occurred_at, duration_min)
         VALUES ($1,$2,$3,$4,$5,$6)
         ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.TenantID, ev.MemberID, ev.Kind, ev.OccurredAt, ev.DurationMin,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
