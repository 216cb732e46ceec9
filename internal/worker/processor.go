// Package worker is the reference extraction pipeline. It claims records in
// Processing, extracts text where it can, classifies them and finishes them as
// Completed or Failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/database"
	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/storage"
	"go.uber.org/zap"
)

const defaultMaxTextBytes = 64 * 1024

type WorkerConfig struct {
	PollInterval time.Duration
	MaxTextBytes int
	PreviewWidth int
}

// Vault is the part of the encrypted store the worker uses.
type Vault interface {
	Retrieve(ctx context.Context, recordID string) ([]byte, error)
	StoreDerived(ctx context.Context, recordID, kind string, plaintext []byte) (*storage.StorageHandle, error)
}

type ProcessingWorker struct {
	store    database.RecordStore
	vault    Vault
	previews *ImageProcessor
	config   WorkerConfig
	logger   *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func NewProcessingWorker(store database.RecordStore, vault Vault, config WorkerConfig, logger *zap.Logger) *ProcessingWorker {
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.MaxTextBytes <= 0 {
		config.MaxTextBytes = defaultMaxTextBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessingWorker{
		store:    store,
		vault:    vault,
		previews: NewImageProcessor(config.PreviewWidth, 0),
		config:   config,
		logger:   logger.With(zap.String("component", "worker")),
		done:     make(chan struct{}),
	}
}

func (pw *ProcessingWorker) Start(ctx context.Context) {
	pw.wg.Add(1)
	go pw.run(ctx)
	pw.logger.Info("processing worker started", zap.Duration("poll_interval", pw.config.PollInterval))
}

// Stop waits for the record in hand, if any, to finish.
func (pw *ProcessingWorker) Stop() {
	close(pw.done)
	pw.wg.Wait()
	pw.logger.Info("processing worker stopped")
}

func (pw *ProcessingWorker) run(ctx context.Context) {
	defer pw.wg.Done()
	ticker := time.NewTicker(pw.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain the backlog before sleeping again
			for {
				ok, err := pw.ProcessNext(ctx)
				if err != nil {
					pw.logger.Error("processing step failed", zap.Error(err))
				}
				if !ok || err != nil {
					break
				}
			}
		}
	}
}

// ProcessNext handles the oldest waiting record. It reports false when there
// was nothing to do. A document that cannot be processed ends as Failed and
// is not an error; errors are store or context failures.
func (pw *ProcessingWorker) ProcessNext(ctx context.Context) (bool, error) {
	rec, err := pw.store.ClaimNext(ctx, models.StateProcessing, models.StateExtracting)
	if err != nil {
		return false, fmt.Errorf("claim next record: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	log := pw.logger.With(zap.String("record_id", rec.ID), zap.String("mime_type", rec.MimeType))
	log.Debug("record claimed")

	data, err := pw.vault.Retrieve(ctx, rec.ID)
	if err != nil {
		return true, pw.fail(ctx, log, rec.ID, fmt.Errorf("read attachment: %w", err))
	}

	ex, err := extract(rec.MimeType, data, pw.config.MaxTextBytes)
	if err != nil {
		return true, pw.fail(ctx, log, rec.ID, err)
	}

	if err := pw.store.Advance(ctx, rec.ID, database.StateChange{To: models.StateAnalyzing}); err != nil {
		return true, pw.advanceErr(log, rec.ID, err)
	}

	if rec.MimeType == ingest.MimeJPEG || rec.MimeType == ingest.MimePNG {
		if err := pw.preview(ctx, rec.ID, data, &ex); err != nil {
			return true, pw.fail(ctx, log, rec.ID, err)
		}
	}

	category := Classify(rec.OriginalFilename, ex.text)
	err = pw.store.Advance(ctx, rec.ID, database.StateChange{
		To:         models.StateCompleted,
		Extraction: &database.Extraction{Text: ex.text, Data: ex.data, Category: category},
	})
	if err != nil {
		return true, pw.advanceErr(log, rec.ID, err)
	}

	log.Info("record processed",
		zap.String("category", string(category)),
		zap.Int("text_bytes", len(ex.text)),
	)
	return true, nil
}

func (pw *ProcessingWorker) preview(ctx context.Context, id string, data []byte, ex *extraction) error {
	thumb, w, h, err := pw.previews.Preview(data)
	if err != nil {
		return err
	}
	if _, err := pw.vault.StoreDerived(ctx, id, PreviewKind, thumb); err != nil {
		return fmt.Errorf("store preview: %w", err)
	}
	ex.data["width"] = w
	ex.data["height"] = h
	ex.data["preview"] = PreviewKind
	return nil
}

func (pw *ProcessingWorker) fail(ctx context.Context, log *zap.Logger, id string, cause error) error {
	log.Warn("record failed processing", zap.Error(cause))
	err := pw.store.Advance(ctx, id, database.StateChange{To: models.StateFailed, ErrorMessage: cause.Error()})
	if err != nil {
		return pw.advanceErr(log, id, err)
	}
	return nil
}

// advanceErr tolerates records deleted while the worker held them.
func (pw *ProcessingWorker) advanceErr(log *zap.Logger, id string, err error) error {
	if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
		log.Info("record changed underneath the worker, dropping it", zap.Error(err))
		return nil
	}
	return fmt.Errorf("advance %s: %w", id, err)
}
