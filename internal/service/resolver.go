package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttachments = 5
	DefaultPollInterval   = 2 * time.Second
	DefaultWaitTimeout    = 60 * time.Second
)

type ResolverConfig struct {
	MaxAttachments int
	PollInterval   time.Duration
	Timeout        time.Duration
	// HideOwnership reports records owned by someone else as not found.
	HideOwnership bool
}

// Resolver hands attachments to the consumer layer after checking ownership
// and waiting, within bounds, for background processing to finish.
type Resolver struct {
	records RecordReader
	content ContentReader
	cfg     ResolverConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewResolver(records RecordReader, content ContentReader, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = DefaultMaxAttachments
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWaitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		records: records,
		content: content,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "resolver")),
		now:     time.Now,
	}
}

// Resolve returns the attachments in the order given. The first bad ID aborts
// the call and no partial results are returned.
func (r *Resolver) Resolve(ctx context.Context, ids []string, requester string) ([]models.ResolvedAttachment, error) {
	ctx, span := observability.Tracer().Start(ctx, "Resolve")
	defer span.End()
	span.SetAttributes(attribute.Int("attachments", len(ids)))

	out, err := r.resolve(ctx, ids, requester)
	if err != nil {
		observability.ResolveOutcomes.WithLabelValues(outcome(err)).Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	observability.ResolveOutcomes.WithLabelValues("ok").Inc()
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, ids []string, requester string) ([]models.ResolvedAttachment, error) {
	if len(ids) > r.cfg.MaxAttachments {
		return nil, fmt.Errorf("%w: %d requested, limit is %d", models.ErrTooManyAttachments, len(ids), r.cfg.MaxAttachments)
	}

	out := make([]models.ResolvedAttachment, 0, len(ids))
	for _, id := range ids {
		rec, err := r.owned(ctx, id, requester)
		if err != nil {
			return nil, err
		}
		if rec.State.IsInFlight() {
			if rec, err = r.waitForProcessing(ctx, id); err != nil {
				return nil, err
			}
		}
		if rec.State == models.StateFailed {
			return nil, &models.ProcessingFailedError{ID: id, Reason: rec.ErrorMessage}
		}
		out = append(out, r.shape(rec))
	}
	return out, nil
}

// Content returns the decrypted bytes of an attachment the requester owns.
func (r *Resolver) Content(ctx context.Context, id, requester string) ([]byte, error) {
	if _, err := r.owned(ctx, id, requester); err != nil {
		return nil, err
	}
	return r.content.Retrieve(ctx, id)
}

// owned fetches a live record and enforces ownership.
func (r *Resolver) owned(ctx context.Context, id, requester string) (*models.AttachmentRecord, error) {
	rec, err := r.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != requester {
		r.logger.Warn("ownership denied",
			zap.String("record_id", id),
			zap.String("requester", requester),
		)
		if r.cfg.HideOwnership {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %s", models.ErrOwnershipDenied, id)
	}
	return rec, nil
}

func (r *Resolver) fetch(ctx context.Context, id string) (*models.AttachmentRecord, error) {
	rec, err := r.records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		return nil, err
	}
	if rec.IsDeleted {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return rec, nil
}

// waitForProcessing re-fetches the record every poll interval until it leaves
// the pipeline, the timeout passes or ctx is cancelled.
func (r *Resolver) waitForProcessing(ctx context.Context, id string) (*models.AttachmentRecord, error) {
	start := time.Now()
	defer func() { observability.ProcessingWait.Observe(time.Since(start).Seconds()) }()

	timeout := time.NewTimer(r.cfg.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			r.logger.Warn("attachment still processing at timeout",
				zap.String("record_id", id),
				zap.Duration("timeout", r.cfg.Timeout),
				zap.Int("polls", attempt-1),
			)
			return nil, fmt.Errorf("%w: %s after %s", models.ErrProcessingTimedOut, id, r.cfg.Timeout)
		case <-ticker.C:
		}

		rec, err := r.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if !rec.State.IsInFlight() {
			r.logger.Debug("attachment ready",
				zap.String("record_id", id),
				zap.String("state", string(rec.State)),
				zap.Int("polls", attempt),
			)
			return rec, nil
		}
	}
}

func (r *Resolver) shape(rec *models.AttachmentRecord) models.ResolvedAttachment {
	res := models.ResolvedAttachment{
		ID:            rec.ID,
		Filename:      rec.OriginalFilename,
		ExtractedText: rec.ExtractedText,
		ExtractedData: rec.ExtractedData,
		Category:      rec.Category,
		MimeType:      rec.MimeType,
		Size:          rec.Size,
		State:         rec.State,
		IsExpired:     rec.IsExpired(r.now()),
	}
	if res.IsExpired {
		res.Warning = models.WarningExpired
	}
	return res
}

func outcome(err error) string {
	var failed *models.ProcessingFailedError
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrOwnershipDenied):
		return "ownership_denied"
	case errors.Is(err, models.ErrTooManyAttachments):
		return "too_many"
	case errors.Is(err, models.ErrProcessingTimedOut):
		return "timed_out"
	case errors.As(err, &failed):
		return "failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
