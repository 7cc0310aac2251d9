package domain

import (
	"context"
	"log"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a daily run record.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
)

// DailyRunRecord is the persisted anchor for one (tenant, calendar date) pass.
// At most one exists per pair; its cursor lets an interrupted run resume.
type DailyRunRecord struct {
	ID                   int64
	TenantID             string
	RunDate              time.Time
	Status               RunStatus
	MemberCursor         string
	MembersProcessed     int
	InterventionsCreated int
	CoachesAssigned      int
	Errors               int
	StartedAt            time.Time
	CompletedAt          *time.Time
}

// RunSummary is what a daily run invocation reports back, complete or not.
type RunSummary struct {
	TenantID             string
	RunDate              time.Time
	MembersProcessed     int
	InterventionsCreated int
	CoachesAssigned      int
	Errors               int
	Completed            bool
	AlreadyComplete      bool
}

// Coordinator drives one risk-scoring and generation pass per tenant per day.
type Coordinator struct {
	runs          DailyRunRepository
	members       MemberRepository
	interventions InterventionRepository
	tracker       *CoachTracker
	risk          RiskConfig
	chunkSize     int
	scoreWorkers  int
	now           func() time.Time
	logger        *log.Logger
}

// CoordinatorConfig holds Coordinator tunables.
type CoordinatorConfig struct {
	Risk         RiskConfig
	ChunkSize    int
	ScoreWorkers int
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(runs DailyRunRepository, members MemberRepository, interventions InterventionRepository, tracker *CoachTracker, cfg CoordinatorConfig) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.ScoreWorkers <= 0 {
		cfg.ScoreWorkers = 4
	}
	return &Coordinator{
		runs:          runs,
		members:       members,
		interventions: interventions,
		tracker:       tracker,
		risk:          cfg.Risk,
		chunkSize:     cfg.ChunkSize,
		scoreWorkers:  cfg.ScoreWorkers,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        log.New(log.Writer(), "[dailyrun] ", log.LstdFlags),
	}
}

// RunDaily executes (or resumes) the daily pass for a tenant. A completed
// record short-circuits with the stored summary; an in-progress record is
// resumed from its cursor. The pass stops cleanly at the context deadline and
// reports Completed=false so a later invocation picks up where it left off.
func (c *Coordinator) RunDaily(ctx context.Context, tenantID string, asOf time.Time) (RunSummary, error) {
	asOf = asOf.UTC()
	runDate := asOf.Truncate(24 * time.Hour)

	rec, created, err := c.runs.ClaimRun(ctx, tenantID, runDate)
	if err != nil {
		return RunSummary{}, err
	}
	if rec.Status == RunCompleted {
		summary := summarize(rec)
		summary.AlreadyComplete = true
		return summary, nil
	}
	if !created {
		c.logger.Printf("resuming run tenant=%s date=%s cursor=%q", tenantID, runDate.Format("2006-01-02"), rec.MemberCursor)
	}

	if created && c.tracker != nil {
		assigned, assignErr := c.tracker.AutoAssign(ctx, tenantID, asOf)
		if assignErr != nil {
			c.logger.Printf("auto-assignment failed tenant=%s: %v", tenantID, assignErr)
			rec.Errors++
		}
		rec.CoachesAssigned += assigned
	}

	for {
		if ctx.Err() != nil {
			c.logger.Printf("run interrupted tenant=%s cursor=%q: %v", tenantID, rec.MemberCursor, ctx.Err())
			return summarize(rec), nil
		}

		snapshots, err := c.members.ListSnapshots(ctx, tenantID, rec.MemberCursor, c.chunkSize)
		if err != nil {
			return summarize(rec), err
		}
		if len(snapshots) == 0 {
			break
		}

		created, errs, chunkOK := c.processChunk(ctx, tenantID, asOf, snapshots)
		if !chunkOK {
			// The whole chunk failed before any member was handled. Leave the
			// cursor where it is so a later invocation retries these members.
			rec.Errors += errs
			c.logger.Printf("chunk failed tenant=%s cursor=%q, stopping for retry", tenantID, rec.MemberCursor)
			return summarize(rec), nil
		}

		prevCursor := rec.MemberCursor
		rec.MemberCursor = snapshots[len(snapshots)-1].Member.ID
		rec.MembersProcessed += len(snapshots)
		rec.InterventionsCreated += created
		rec.Errors += errs

		ok, err := c.runs.AdvanceRun(ctx, rec, prevCursor)
		if err != nil {
			return summarize(rec), err
		}
		if !ok {
			// Another worker advanced the run; pick up its progress instead.
			latest, _, reloadErr := c.runs.ClaimRun(ctx, tenantID, runDate)
			if reloadErr != nil {
				return summarize(rec), reloadErr
			}
			rec = latest
			if rec.Status == RunCompleted {
				summary := summarize(rec)
				summary.AlreadyComplete = true
				return summary, nil
			}
			continue
		}

		if len(snapshots) < c.chunkSize {
			break
		}
	}

	ok, err := c.runs.CompleteRun(ctx, rec, rec.MemberCursor)
	if err != nil {
		return summarize(rec), err
	}
	if !ok {
		latest, _, reloadErr := c.runs.ClaimRun(ctx, tenantID, runDate)
		if reloadErr != nil {
			return summarize(rec), reloadErr
		}
		rec = latest
	} else {
		rec.Status = RunCompleted
	}
	return summarize(rec), nil
}

// processChunk scores a chunk with bounded parallelism, then generates and
// persists candidates. Per-member failures are counted, never fatal; a
// chunk-wide storage failure reports ok=false so the caller holds the cursor.
func (c *Coordinator) processChunk(ctx context.Context, tenantID string, asOf time.Time, snapshots []MemberSnapshot) (created, errs int, ok bool) {
	assessments := make([]Assessment, len(snapshots))

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.scoreWorkers)
	for i, snap := range snapshots {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, snap MemberSnapshot) {
			defer wg.Done()
			defer func() { <-sem }()
			var lastTouch *time.Time
			if snap.Assignment != nil {
				t := snap.Assignment.LastTouchAt
				lastTouch = &t
			}
			assessments[i] = ScoreMember(snap.History, lastTouch, asOf, c.risk)
		}(i, snap)
	}
	wg.Wait()

	memberIDs := make([]string, len(snapshots))
	for i, snap := range snapshots {
		memberIDs[i] = snap.Member.ID
	}

	open, err := c.interventions.OpenByMembers(ctx, tenantID, memberIDs)
	if err != nil {
		c.logger.Printf("open-work lookup failed tenant=%s: %v", tenantID, err)
		return 0, len(snapshots), false
	}

	var candidates []Intervention
	for i, snap := range snapshots {
		candidates = append(candidates, GenerateInterventions(snap.Member, assessments[i], open[snap.Member.ID], asOf)...)
	}
	if len(candidates) == 0 {
		return 0, 0, true
	}

	inserted, err := c.interventions.CreateBatch(ctx, tenantID, candidates)
	if err != nil {
		c.logger.Printf("candidate persistence failed tenant=%s: %v", tenantID, err)
		return 0, len(snapshots), false
	}
	return inserted, 0, true
}

func summarize(rec *DailyRunRecord) RunSummary {
	return RunSummary{
		TenantID:             rec.TenantID,
		RunDate:              rec.RunDate,
		MembersProcessed:     rec.MembersProcessed,
		InterventionsCreated: rec.InterventionsCreated,
		CoachesAssigned:      rec.CoachesAssigned,
		Errors:               rec.Errors,
		Completed:            rec.Status == RunCompleted,
	}
}
