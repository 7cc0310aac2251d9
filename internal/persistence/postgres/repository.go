package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/events"
	"example.com/retention/internal/observability"
)

// engagementLookback bounds how much history the scorer sees per member.
const engagementLookback = 90 * 24 * time.Hour

// Repository provides Postgres-backed persistence for members, interventions,
// daily runs, coach assignments, and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const interventionColumns = `intervention_id, tenant_id, member_id, intervention_type, status, created_at, approved_at, sent_at, failure_reason`

// Get retrieves an intervention by ID within a tenant.
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*domain.Intervention, error) {
	query := `SELECT ` + interventionColumns + ` FROM interventions WHERE tenant_id=$1 AND intervention_id=$2`

	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	row := tx.QueryRow(ctx, query, tenantID, id)
	iv, err := scanIntervention(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return iv, nil
}

// CreateBatch inserts candidate interventions, skipping members that already
// have open work of the same type. The partial unique index makes the skip
// atomic, so retried runs cannot double-insert. Outbox events are recorded in
// the same transaction as each accepted row.
func (r *Repository) CreateBatch(ctx context.Context, tenantID string, candidates []domain.Intervention) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	defer release()

	const insert = `INSERT INTO interventions (intervention_id, tenant_id, member_id, intervention_type, status, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$6)
        ON CONFLICT (tenant_id, member_id, intervention_type) WHERE status IN ('PENDING_APPROVAL','APPROVED') DO NOTHING`

	inserted := 0
	for _, c := range candidates {
		tag, err := tx.Exec(ctx, insert, c.ID, c.TenantID, c.MemberID, c.Type, c.Status, c.CreatedAt)
		if err != nil {
			return 0, err
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		inserted++

		dedupeKey := fmt.Sprintf("%s:created", c.ID)
		if err := insertOutbox(ctx, tx, c.TenantID, c.ID, "intervention.created", partitionKeyCreated(c), dedupeKey, events.InterventionCreated{
			InterventionID:   c.ID,
			TenantID:         c.TenantID,
			MemberID:         c.MemberID,
			InterventionType: string(c.Type),
			Status:           string(c.Status),
			CreatedAt:        c.CreatedAt,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	observability.RecordInterventionsCreated(tenantID, inserted)
	return inserted, nil
}

// OpenByMembers returns the open (PENDING_APPROVAL or APPROVED) interventions
// for the given members, keyed by member ID.
func (r *Repository) OpenByMembers(ctx context.Context, tenantID string, memberIDs []string) (map[string][]domain.Intervention, error) {
	out := make(map[string][]domain.Intervention, len(memberIDs))
	if len(memberIDs) == 0 {
		return out, nil
	}

	query := `SELECT ` + interventionColumns + ` FROM interventions
        WHERE tenant_id=$1 AND member_id = ANY($2) AND status IN ('PENDING_APPROVAL','APPROVED')`

	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := tx.Query(ctx, query, tenantID, memberIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		out[iv.MemberID] = append(out[iv.MemberID], *iv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Transition performs the atomic conditional status write. It succeeds only
// when the stored status still equals from; concurrent callers race on the
// row and exactly one wins. The approval timestamp is written once and
// preserved across FAILED retries.
func (r *Repository) Transition(ctx context.Context, tenantID, id string, from, to domain.InterventionStatus, at time.Time, reason *string) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return false, err
	}
	defer release()

	const update = `UPDATE interventions
        SET status=$4,
            approved_at = CASE WHEN $4='APPROVED' THEN COALESCE(approved_at, $5) ELSE approved_at END,
            sent_at = CASE WHEN $4='SENT' THEN $5 ELSE sent_at END,
            failure_reason = CASE WHEN $6::text IS NOT NULL THEN $6 ELSE failure_reason END,
            updated_at = $5
        WHERE tenant_id=$1 AND intervention_id=$2 AND status=$3
        RETURNING member_id`

	var memberID string
	if err := tx.QueryRow(ctx, update, tenantID, id, from, to, at, reason).Scan(&memberID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, tx.Commit(ctx)
		}
		return false, err
	}

	payload := events.InterventionStatusChanged{
		InterventionID: id,
		TenantID:       tenantID,
		MemberID:       memberID,
		Status:         string(to),
		OccurredAt:     at,
	}
	if reason != nil {
		payload.Reason = *reason
	}
	dedupeKey := fmt.Sprintf("%s:%s->%s", id, from, to)
	if err := insertOutbox(ctx, tx, tenantID, id, "intervention.status_changed", id, dedupeKey, payload); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	observability.RecordTransition(string(to))
	return true, nil
}

// CountByStatus counts interventions in the given status for a tenant.
func (r *Repository) CountByStatus(ctx context.Context, tenantID string, status domain.InterventionStatus) (int, error) {
	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	defer release()

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM interventions WHERE tenant_id=$1 AND status=$2`, tenantID, status).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit(ctx)
}

// List returns interventions ordered newest first with keyset pagination.
func (r *Repository) List(ctx context.Context, tenantID string, status *domain.InterventionStatus, cursor *domain.Cursor, limit int) ([]domain.Intervention, *domain.Cursor, error) {
	args := []interface{}{tenantID, limit}
	query := `SELECT ` + interventionColumns + ` FROM interventions WHERE tenant_id=$1`

	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (created_at, intervention_id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY created_at DESC, intervention_id DESC LIMIT $2`

	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Intervention, 0, limit)
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *iv)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, next, nil
}

// ListSnapshots loads a chunk of members in ID order with their recent
// engagement history and active coach assignment.
func (r *Repository) ListSnapshots(ctx context.Context, tenantID, afterMemberID string, limit int) ([]domain.MemberSnapshot, error) {
	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	const memberQuery = `SELECT member_id, tenant_id, full_name, email, joined_at
        FROM members WHERE tenant_id=$1 AND member_id > $2 ORDER BY member_id LIMIT $3`

	rows, err := tx.Query(ctx, memberQuery, tenantID, afterMemberID, limit)
	if err != nil {
		return nil, err
	}

	snapshots := make([]domain.MemberSnapshot, 0, limit)
	index := make(map[string]int)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.TenantID, &m.FullName, &m.Email, &m.JoinedAt); err != nil {
			rows.Close()
			return nil, err
		}
		index[m.ID] = len(snapshots)
		ids = append(ids, m.ID)
		snapshots = append(snapshots, domain.MemberSnapshot{Member: m})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return snapshots, tx.Commit(ctx)
	}

	const eventQuery = `SELECT event_id, tenant_id, member_id, kind, occurred_at, duration_min
        FROM engagement_events
        WHERE tenant_id=$1 AND member_id = ANY($2) AND occurred_at > $3
        ORDER BY occurred_at DESC`

	eventRows, err := tx.Query(ctx, eventQuery, tenantID, ids, time.Now().UTC().Add(-engagementLookback))
	if err != nil {
		return nil, err
	}
	for eventRows.Next() {
		var ev domain.EngagementEvent
		if err := eventRows.Scan(&ev.ID, &ev.TenantID, &ev.MemberID, &ev.Kind, &ev.OccurredAt, &ev.DurationMin); err != nil {
			eventRows.Close()
			return nil, err
		}
		if i, ok := index[ev.MemberID]; ok {
			snapshots[i].History = append(snapshots[i].History, ev)
		}
	}
	eventRows.Close()
	if err := eventRows.Err(); err != nil {
		return nil, err
	}

	const assignmentQuery = `SELECT assignment_id, tenant_id, member_id, coach_id, saved, last_touch_at, assigned_at
        FROM coach_assignments WHERE tenant_id=$1 AND member_id = ANY($2) AND active`

	assignRows, err := tx.Query(ctx, assignmentQuery, tenantID, ids)
	if err != nil {
		return nil, err
	}
	for assignRows.Next() {
		var a domain.CoachAssignment
		if err := assignRows.Scan(&a.ID, &a.TenantID, &a.MemberID, &a.CoachID, &a.Saved, &a.LastTouchAt, &a.AssignedAt); err != nil {
			assignRows.Close()
			return nil, err
		}
		if i, ok := index[a.MemberID]; ok {
			assignment := a
			snapshots[i].Assignment = &assignment
		}
	}
	assignRows.Close()
	if err := assignRows.Err(); err != nil {
		return nil, err
	}

	return snapshots, tx.Commit(ctx)
}

// ClaimRun inserts the provisional record for (tenant, date) or returns the
// existing one. The unique constraint guarantees a single winner under
// concurrent invocations; created reports whether this caller inserted it.
func (r *Repository) ClaimRun(ctx context.Context, tenantID string, runDate time.Time) (*domain.DailyRunRecord, bool, error) {
	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	const insert = `INSERT INTO daily_runs (tenant_id, run_date, status, member_cursor, started_at)
        VALUES ($1,$2,'in_progress','',NOW())
        ON CONFLICT (tenant_id, run_date) DO NOTHING
        RETURNING run_id, started_at`

	rec := &domain.DailyRunRecord{TenantID: tenantID, RunDate: runDate, Status: domain.RunInProgress}
	err = tx.QueryRow(ctx, insert, tenantID, runDate).Scan(&rec.ID, &rec.StartedAt)
	if err == nil {
		return rec, true, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	const query = `SELECT run_id, tenant_id, run_date, status, member_cursor, members_processed, interventions_created, coaches_assigned, errors, started_at, completed_at
        FROM daily_runs WHERE tenant_id=$1 AND run_date=$2`

	rec = &domain.DailyRunRecord{}
	row := tx.QueryRow(ctx, query, tenantID, runDate)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.RunDate, &rec.Status, &rec.MemberCursor, &rec.MembersProcessed, &rec.InterventionsCreated, &rec.CoachesAssigned, &rec.Errors, &rec.StartedAt, &rec.CompletedAt); err != nil {
		return nil, false, err
	}
	return rec, false, tx.Commit(ctx)
}

// AdvanceRun persists chunk progress, conditional on the cursor the caller
// last observed so overlapping workers cannot clobber each other.
func (r *Repository) AdvanceRun(ctx context.Context, rec *domain.DailyRunRecord, prevCursor string) (bool, error) {
	return r.updateRun(ctx, rec, prevCursor, false)
}

// CompleteRun marks the record complete, guarded by the same cursor condition.
func (r *Repository) CompleteRun(ctx context.Context, rec *domain.DailyRunRecord, prevCursor string) (bool, error) {
	ok, err := r.updateRun(ctx, rec, prevCursor, true)
	if err == nil && ok {
		observability.RecordRunCompleted(rec.TenantID)
	}
	return ok, err
}

func (r *Repository) updateRun(ctx context.Context, rec *domain.DailyRunRecord, prevCursor string, complete bool) (bool, error) {
	tx, release, err := r.tenantTx(ctx, rec.TenantID)
	if err != nil {
		return false, err
	}
	defer release()

	status := domain.RunInProgress
	if complete {
		status = domain.RunCompleted
	}

	const update = `UPDATE daily_runs
        SET status=$1, member_cursor=$2, members_processed=$3, interventions_created=$4, coaches_assigned=$5, errors=$6,
            completed_at = CASE WHEN $1='completed' THEN NOW() ELSE completed_at END
        WHERE tenant_id=$7 AND run_date=$8 AND member_cursor=$9 AND status='in_progress'`

	tag, err := tx.Exec(ctx, update, status, rec.MemberCursor, rec.MembersProcessed, rec.InterventionsCreated, rec.CoachesAssigned, rec.Errors, rec.TenantID, rec.RunDate, prevCursor)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ActiveAssignment returns the member's active coach assignment, if any.
func (r *Repository) ActiveAssignment(ctx context.Context, tenantID, memberID string) (*domain.CoachAssignment, error) {
	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	const query = `SELECT assignment_id, tenant_id, member_id, coach_id, saved, last_touch_at, assigned_at
        FROM coach_assignments WHERE tenant_id=$1 AND member_id=$2 AND active`

	var a domain.CoachAssignment
	row := tx.QueryRow(ctx, query, tenantID, memberID)
	if err := row.Scan(&a.ID, &a.TenantID, &a.MemberID, &a.CoachID, &a.Saved, &a.LastTouchAt, &a.AssignedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, err
	}
	return &a, tx.Commit(ctx)
}

// ListUnassignedMembers returns members without an active assignment.
func (r *Repository) ListUnassignedMembers(ctx context.Context, tenantID string, limit int) ([]string, error) {
	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	const query = `SELECT m.member_id FROM members m
        WHERE m.tenant_id=$1 AND NOT EXISTS (
            SELECT 1 FROM coach_assignments a
            WHERE a.tenant_id=m.tenant_id AND a.member_id=m.member_id AND a.active)
        ORDER BY m.member_id LIMIT $2`

	rows, err := tx.Query(ctx, query, tenantID, limit)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, tx.Commit(ctx)
}

// CoachLoads returns every coach in the tenant with their active member count.
func (r *Repository) CoachLoads(ctx context.Context, tenantID string) (map[string]int, error) {
	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	const query = `SELECT c.coach_id, COUNT(a.assignment_id)
        FROM coaches c
        LEFT JOIN coach_assignments a ON a.tenant_id=c.tenant_id AND a.coach_id=c.coach_id AND a.active
        WHERE c.tenant_id=$1
        GROUP BY c.coach_id`

	rows, err := tx.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loads := make(map[string]int)
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		loads[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return loads, tx.Commit(ctx)
}

// Assign records a new active assignment. The partial unique index on active
// assignments makes concurrent auto-assignment of the same member harmless.
func (r *Repository) Assign(ctx context.Context, a domain.CoachAssignment) error {
	tx, release, err := r.tenantTx(ctx, a.TenantID)
	if err != nil {
		return err
	}
	defer release()

	const insert = `INSERT INTO coach_assignments (assignment_id, tenant_id, member_id, coach_id, saved, last_touch_at, assigned_at, active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE)
        ON CONFLICT (tenant_id, member_id) WHERE active DO NOTHING`

	if _, err := tx.Exec(ctx, insert, a.ID, a.TenantID, a.MemberID, a.CoachID, a.Saved, a.LastTouchAt, a.AssignedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetSaved toggles the saved flag on the member's active assignment.
func (r *Repository) SetSaved(ctx context.Context, tenantID, memberID string, saved bool) (bool, error) {
	return r.updateAssignment(ctx, tenantID, memberID, `saved=$3`, saved)
}

// RecordTouch stamps the last coach contact on the member's active assignment.
func (r *Repository) RecordTouch(ctx context.Context, tenantID, memberID string, at time.Time) (bool, error) {
	return r.updateAssignment(ctx, tenantID, memberID, `last_touch_at=$3`, at)
}

func (r *Repository) updateAssignment(ctx context.Context, tenantID, memberID, setClause string, value interface{}) (bool, error) {
	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return false, err
	}
	defer release()

	query := `UPDATE coach_assignments SET ` + setClause + ` WHERE tenant_id=$1 AND member_id=$2 AND active`
	tag, err := tx.Exec(ctx, query, tenantID, memberID, value)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListOverdue returns active assignments whose last touch is older than the cutoff.
func (r *Repository) ListOverdue(ctx context.Context, tenantID string, olderThan time.Time) ([]domain.CoachAssignment, error) {
	tx, release, err := r.tenantTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	const query = `SELECT assignment_id, tenant_id, member_id, coach_id, saved, last_touch_at, assigned_at
        FROM coach_assignments
        WHERE tenant_id=$1 AND active AND last_touch_at < $2
        ORDER BY last_touch_at`

	rows, err := tx.Query(ctx, query, tenantID, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CoachAssignment
	for rows.Next() {
		var a domain.CoachAssignment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.MemberID, &a.CoachID, &a.Saved, &a.LastTouchAt, &a.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

// tenantTx opens a transaction with the tenant GUC set for row-level security.
// The release func rolls back if the transaction was not committed.
func (r *Repository) tenantTx(ctx context.Context, tenantID string) (pgx.Tx, func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		_ = tx.Rollback(ctx)
		conn.Release()
		return nil, nil, err
	}

	release := func() {
		_ = tx.Rollback(ctx)
		conn.Release()
	}
	return tx, release, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntervention(row rowScanner) (*domain.Intervention, error) {
	var iv domain.Intervention
	if err := row.Scan(&iv.ID, &iv.TenantID, &iv.MemberID, &iv.Type, &iv.Status, &iv.CreatedAt, &iv.ApprovedAt, &iv.SentAt, &iv.FailureReason); err != nil {
		return nil, err
	}
	return &iv, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, tenantID, aggregateID, eventType, partitionKey, dedupeKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		tenantID,
		"intervention",
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		dedupeKey,
	)
	return err
}

func partitionKeyCreated(c domain.Intervention) string {
	return fmt.Sprintf("%s:%s", c.TenantID, c.MemberID)
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	"intervention.created": {
		Topic:         "intervention_events",
		SchemaSubject: "intervention_events-value",
	},
	"intervention.status_changed": {
		Topic:         "intervention_status_changed",
		SchemaSubject: "intervention_status_changed-value",
	},
}
