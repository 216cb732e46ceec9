package database

import (
	"context"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/models"
)

// Extraction is what the text/classification pipeline writes on completion.
type Extraction struct {
	Text     string
	Data     map[string]any
	Category models.Category
}

// StateChange is applied in a single write so readers never see a half-updated record.
type StateChange struct {
	To           models.ProcessingState
	ErrorMessage string
	Extraction   *Extraction
}

// RecordStore is the source of truth for attachment records.
// Implementations reject backward transitions with models.ErrInvalidTransition
// and report absent records with models.ErrNotFound.
type RecordStore interface {
	Create(ctx context.Context, rec *models.AttachmentRecord) error
	// Get returns deleted records too; callers check IsDeleted.
	Get(ctx context.Context, id string) (*models.AttachmentRecord, error)
	Advance(ctx context.Context, id string, change StateChange) error
	// ClaimNext moves the oldest record in state from to state to and returns it, or nil.
	ClaimNext(ctx context.Context, from, to models.ProcessingState) (*models.AttachmentRecord, error)

	// MarkDeleted is idempotent for records that are already deleted.
	MarkDeleted(ctx context.Context, id, reason string, at time.Time) error
	ScheduleDeletion(ctx context.Context, id string, at time.Time, reason string) (bool, error)

	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AttachmentRecord, error)
	ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AttachmentRecord, error)
	ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*models.AttachmentRecord, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.AttachmentRecord, error)
	CountCreatedBetween(ctx context.Context, from, to time.Time) (int, error)

	Close() error
}
