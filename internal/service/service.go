package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/database"
	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// IngestedAttachment is one stored file of a batch. Duplicates holds the IDs of
// other files in the same batch with identical content.
type IngestedAttachment struct {
	Record     *models.AttachmentRecord
	Duplicates []string
}

// IngestService validates, scans and stores upload batches.
type IngestService struct {
	store   database.RecordStore
	vault   BlobStore
	scanner ThreatScanner
	limits  ingest.Limits
	expiry  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewIngestService(store database.RecordStore, vault BlobStore, scanner ThreatScanner, limits ingest.Limits, logger *zap.Logger) *IngestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestService{
		store:   store,
		vault:   vault,
		scanner: scanner,
		limits:  limits,
		expiry:  models.DefaultExpiry,
		logger:  logger.With(zap.String("component", "ingest")),
		now:     time.Now,
	}
}

// Ingest accepts the whole batch or nothing. Validation and scanning cover
// every file before the first byte is stored; a storage failure part way
// through erases whatever was already written.
func (s *IngestService) Ingest(ctx context.Context, batch []ingest.File, ownerID string) ([]IngestedAttachment, error) {
	ctx, span := observability.Tracer().Start(ctx, "Ingest")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	if ownerID == "" {
		observability.IngestRejections.WithLabelValues("validation").Inc()
		return nil, &models.ValidationError{Reasons: []string{"owner is required"}}
	}

	validated, err := ingest.Validate(batch, s.limits)
	if err != nil {
		observability.IngestRejections.WithLabelValues("validation").Inc()
		span.SetStatus(codes.Error, "validation failed")
		s.logger.Info("upload rejected", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, err
	}

	targets := make([]ingest.Target, len(batch))
	for i, f := range batch {
		targets[i] = ingest.Target{Name: f.Name, MimeType: validated[i].MimeType, Data: f.Data}
	}
	flagged, err := s.scanner.ScanBatch(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	if len(flagged) > 0 {
		observability.IngestRejections.WithLabelValues("threat").Inc()
		span.SetStatus(codes.Error, "threat detected")
		return nil, &models.ThreatError{Files: flagged}
	}

	now := s.now()
	out := make([]IngestedAttachment, 0, len(batch))
	for i, f := range batch {
		rec, err := s.persist(ctx, ownerID, f, validated[i], now)
		if err != nil {
			s.rollback(ctx, out)
			observability.IngestRejections.WithLabelValues("storage").Inc()
			span.SetStatus(codes.Error, "storage failed")
			return nil, fmt.Errorf("store %s: %w", validated[i].Filename, err)
		}
		out = append(out, IngestedAttachment{Record: rec})
	}
	flagDuplicates(out)

	observability.IngestedFiles.Add(float64(len(out)))
	s.logger.Info("attachments ingested",
		zap.String("owner_id", ownerID),
		zap.Int("count", len(out)),
	)
	return out, nil
}

func (s *IngestService) persist(ctx context.Context, ownerID string, f ingest.File, v ingest.Validated, now time.Time) (*models.AttachmentRecord, error) {
	id := uuid.New().String()
	handle, err := s.vault.Store(ctx, id, v.Filename, f.Data)
	if err != nil {
		return nil, err
	}

	rec := &models.AttachmentRecord{
		ID:               id,
		OwnerID:          ownerID,
		OriginalFilename: v.Filename,
		StoredFilename:   filepath.Base(handle.Path),
		MimeType:         v.MimeType,
		Size:             handle.PlaintextSize,
		Fingerprint:      v.Fingerprint,
		State:            models.StateProcessing,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(s.expiry),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if _, derr := s.vault.SecureDelete(context.WithoutCancel(ctx), id, models.ReasonIngestRollback, 1); derr != nil {
			s.logger.Error("rollback blob failed", zap.String("record_id", id), zap.Error(derr))
		}
		return nil, err
	}
	return rec, nil
}

// rollback erases blobs and records written earlier in a failed batch.
func (s *IngestService) rollback(ctx context.Context, written []IngestedAttachment) {
	ctx = context.WithoutCancel(ctx)
	for _, w := range written {
		id := w.Record.ID
		var errs []error
		if _, err := s.vault.SecureDelete(ctx, id, models.ReasonIngestRollback, 1); err != nil {
			errs = append(errs, err)
		}
		if err := s.store.MarkDeleted(ctx, id, models.ReasonIngestRollback, s.now()); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			s.logger.Error("ingest rollback incomplete", zap.String("record_id", id), zap.Error(err))
		}
	}
}

func flagDuplicates(items []IngestedAttachment) {
	byPrint := make(map[string][]int)
	for i, it := range items {
		byPrint[it.Record.Fingerprint] = append(byPrint[it.Record.Fingerprint], i)
	}
	for _, idx := range byPrint {
		if len(idx) < 2 {
			continue
		}
		for _, i := range idx {
			for _, j := range idx {
				if i != j {
					items[i].Duplicates = append(items[i].Duplicates, items[j].Record.ID)
				}
			}
		}
	}
}
