// Package retention deletes attachments whose retention window has passed and
// carries out GDPR erasure requests.
//
// A sweep runs four passes, each independent of the others:
//  1. records older than the retention window
//  2. records stuck in Failed longer than the processing timeout
//  3. records whose scheduled deletion date has arrived
//  4. orphaned temp files in the scratch directories
//
// Per-record failures are collected in CleanupStats.Errors and never stop a sweep.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/database"
	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/observability"
	"github.com/PaulBabatuyi/attachvault/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

type Config struct {
	RetentionDays          int
	ProcessingTimeoutHours int
	TempFileTimeoutHours   int
	WarningDays            int
	TempDirs               []string

	// GDPRPasses is raised to storage.GDPRPasses if lower.
	GDPRPasses   int
	ExpiryPasses int

	// BatchSize caps the records each pass handles per sweep; 0 means no cap.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		RetentionDays:          30,
		ProcessingTimeoutHours: 24,
		TempFileTimeoutHours:   24,
		WarningDays:            7,
		GDPRPasses:             storage.GDPRPasses,
		ExpiryPasses:           storage.MinPasses,
	}
}

// Shredder is the vault's deletion surface.
type Shredder interface {
	SecureDelete(ctx context.Context, recordID, reason string, passes int) (storage.DeleteResult, error)
	CleanupTemp(ctx context.Context, dirs []string, maxAge time.Duration, now time.Time) storage.TempCleanupResult
}

type SweepOptions struct {
	// DryRun counts what would be deleted without touching anything.
	DryRun bool
}

// Reaper is the only component besides the pipeline that writes records.
type Reaper struct {
	store  database.RecordStore
	vault  Shredder
	cfg    Config
	logger *zap.Logger

	mu sync.Mutex // one sweep at a time
}

func NewReaper(store database.RecordStore, vault Shredder, cfg Config, logger *zap.Logger) *Reaper {
	if cfg.GDPRPasses < storage.GDPRPasses {
		cfg.GDPRPasses = storage.GDPRPasses
	}
	if cfg.ExpiryPasses < storage.MinPasses || cfg.ExpiryPasses > storage.MaxPasses {
		cfg.ExpiryPasses = storage.MinPasses
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:  store,
		vault:  vault,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "reaper")),
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("retention sweeps started", zap.Duration("interval", interval))
	r.Sweep(ctx, time.Now(), SweepOptions{})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("retention sweeps stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx, time.Now(), SweepOptions{})
		}
	}
}

// Sweep runs every pass against now and returns the combined stats.
func (r *Reaper) Sweep(ctx context.Context, now time.Time, opts SweepOptions) models.CleanupStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := observability.Tracer().Start(ctx, "Sweep")
	defer span.End()

	start := time.Now()
	stats := models.CleanupStats{DryRun: opts.DryRun}
	retentionCutoff := now.Add(-time.Duration(r.cfg.RetentionDays) * day)

	// 1. retention window
	recs, err := r.store.ListCreatedBefore(ctx, retentionCutoff, r.cfg.BatchSize)
	stats.RetentionExpired = r.deleteAll(ctx, &stats, recs, err,
		pass{op: "list_expired", reason: models.ReasonRetentionExpired, passes: r.cfg.ExpiryPasses}, now, opts)

	// 2. stale failures
	failedCutoff := now.Add(-time.Duration(r.cfg.ProcessingTimeoutHours) * time.Hour)
	recs, err = r.store.ListFailedBefore(ctx, failedCutoff, r.cfg.BatchSize)
	stats.FailedTimedOut = r.deleteAll(ctx, &stats, recs, err,
		pass{op: "list_failed", reason: models.ReasonFailedProcessingTimeout, passes: r.cfg.ExpiryPasses}, now, opts)

	// 3. schedules that have come due
	recs, err = r.store.ListScheduledDue(ctx, now, r.cfg.BatchSize)
	stats.Scheduled = r.deleteAll(ctx, &stats, recs, err,
		pass{op: "list_scheduled", reason: models.ReasonScheduled, passes: r.cfg.ExpiryPasses, useScheduled: true}, now, opts)

	// 4. orphaned temp files
	if opts.DryRun {
		r.logger.Debug("dry run: temp file pass skipped")
	} else {
		tmp := r.vault.CleanupTemp(ctx, r.cfg.TempDirs, time.Duration(r.cfg.TempFileTimeoutHours)*time.Hour, now)
		stats.TempFilesRemoved = tmp.FilesRemoved
		stats.DirsPruned = tmp.DirsPruned
		stats.BytesFreed += tmp.BytesFreed
		for _, e := range tmp.Errors {
			stats.Errors = append(stats.Errors, models.RetentionError{Op: "cleanup_temp", Err: e})
		}
		observability.BytesFreed.Add(float64(tmp.BytesFreed))
	}

	// records whose retention cutoff falls inside the warning horizon
	horizon := retentionCutoff.Add(time.Duration(r.cfg.WarningDays) * day)
	if n, err := r.store.CountCreatedBetween(ctx, retentionCutoff, horizon); err != nil {
		stats.Errors = append(stats.Errors, models.RetentionError{Op: "count_approaching", Err: err})
	} else {
		stats.ApproachingExpiry = n
	}

	stats.Duration = time.Since(start)
	observability.SweepDuration.Observe(stats.Duration.Seconds())
	observability.SweepErrors.Add(float64(len(stats.Errors)))
	span.SetAttributes(
		attribute.Int("records_deleted", stats.RecordsDeleted()),
		attribute.Int("errors", len(stats.Errors)),
		attribute.Bool("dry_run", opts.DryRun),
	)

	r.logger.Info("retention sweep finished",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("retention_expired", stats.RetentionExpired),
		zap.Int("failed_timed_out", stats.FailedTimedOut),
		zap.Int("scheduled", stats.Scheduled),
		zap.Int("temp_files_removed", stats.TempFilesRemoved),
		zap.Int("dirs_pruned", stats.DirsPruned),
		zap.Int64("bytes_freed", stats.BytesFreed),
		zap.Int("approaching_expiry", stats.ApproachingExpiry),
		zap.Int("errors", len(stats.Errors)),
		zap.Duration("duration", stats.Duration),
	)
	if stats.ApproachingExpiry > 0 {
		r.logger.Warn("attachments approaching retention cutoff",
			zap.Int("count", stats.ApproachingExpiry),
			zap.Int("warning_days", r.cfg.WarningDays),
		)
	}
	return stats
}

// EraseForUser deletes every live record of ownerID at once, ignoring
// retention windows, with at least storage.GDPRPasses overwrite passes.
func (r *Reaper) EraseForUser(ctx context.Context, ownerID, reason string) models.CleanupStats {
	ctx, span := observability.Tracer().Start(ctx, "EraseForUser")
	defer span.End()

	if reason == "" {
		reason = models.ReasonUserRequest
	}
	start := time.Now()
	var stats models.CleanupStats
	if ownerID == "" {
		stats.Errors = append(stats.Errors, models.RetentionError{Op: "erase", Err: fmt.Errorf("owner is required")})
		return stats
	}

	recs, err := r.store.ListByOwner(ctx, ownerID)
	stats.UserErased = r.deleteAll(ctx, &stats, recs, err,
		pass{op: "list_owner", reason: reason, label: models.ReasonUserRequest, passes: r.cfg.GDPRPasses}, time.Now(), SweepOptions{})
	stats.Duration = time.Since(start)
	observability.SweepErrors.Add(float64(len(stats.Errors)))

	r.logger.Info("user data erased",
		zap.String("owner_id", ownerID),
		zap.String("reason", reason),
		zap.Int("records", stats.UserErased),
		zap.Int64("bytes_freed", stats.BytesFreed),
		zap.Int("errors", len(stats.Errors)),
	)
	return stats
}

// ScheduleDeletion records a future deletion date. The next sweep on or after
// at performs it. Returns false if the record is missing or already deleted.
func (r *Reaper) ScheduleDeletion(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	if reason == "" {
		reason = models.ReasonScheduled
	}
	ok, err := r.store.ScheduleDeletion(ctx, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("schedule deletion of %s: %w", id, err)
	}
	if ok {
		r.logger.Info("deletion scheduled",
			zap.String("record_id", id),
			zap.Time("at", at),
			zap.String("reason", reason),
		)
	}
	return ok, nil
}

// pass describes one deletion pass.
type pass struct {
	op     string // reported when listing fails
	reason string
	passes int

	// label replaces reason as the metric label; free-text reasons stay out of it.
	label string

	// useScheduled prefers the reason stored with the schedule.
	useScheduled bool
}

// deleteAll shreds and marks each record, returning how many succeeded.
func (r *Reaper) deleteAll(ctx context.Context, stats *models.CleanupStats, recs []*models.AttachmentRecord, listErr error,
	p pass, now time.Time, opts SweepOptions) int {
	if listErr != nil {
		stats.Errors = append(stats.Errors, models.RetentionError{Op: p.op, Err: listErr})
		return 0
	}
	if opts.DryRun {
		return len(recs)
	}
	label := p.label
	if label == "" {
		label = p.reason
	}

	deleted := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			stats.Errors = append(stats.Errors, models.RetentionError{RecordID: rec.ID, Op: "delete", Err: err})
			break
		}
		reason := p.reason
		if p.useScheduled && rec.ScheduledDeletionReason != "" {
			reason = rec.ScheduledDeletionReason
		}

		res, err := r.vault.SecureDelete(ctx, rec.ID, reason, p.passes)
		if err != nil {
			stats.Errors = append(stats.Errors, models.RetentionError{RecordID: rec.ID, Op: "secure_delete", Err: err})
			continue
		}
		if err := r.store.MarkDeleted(ctx, rec.ID, reason, now); err != nil {
			stats.Errors = append(stats.Errors, models.RetentionError{RecordID: rec.ID, Op: "mark_deleted", Err: err})
			continue
		}
		deleted++
		stats.BytesFreed += res.BytesFreed
		observability.RecordsDeleted.WithLabelValues(label).Inc()
		observability.BytesFreed.Add(float64(res.BytesFreed))
	}
	return deleted
}
