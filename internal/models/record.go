package models

import "time"

// DefaultExpiry is applied to every record at creation.
const DefaultExpiry = 48 * time.Hour

type AttachmentRecord struct {
	ID               string
	OwnerID          string
	OriginalFilename string
	StoredFilename   string
	MimeType         string
	Size             int64
	Fingerprint      string
	State            ProcessingState
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
	ErrorMessage     string

	// Populated by the extraction pipeline.
	ExtractedText string
	ExtractedData map[string]any
	Category      Category

	IsDeleted      bool
	DeletedAt      *time.Time
	DeletionReason string

	ScheduledDeletionDate   *time.Time
	ScheduledDeletionReason string
}

// IsExpired reports whether now is past the record's expiry deadline.
func (r *AttachmentRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (r *AttachmentRecord) Clone() *AttachmentRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExtractedData != nil {
		c.ExtractedData = make(map[string]any, len(r.ExtractedData))
		for k, v := range r.ExtractedData {
			c.ExtractedData[k] = v
		}
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	if r.ScheduledDeletionDate != nil {
		t := *r.ScheduledDeletionDate
		c.ScheduledDeletionDate = &t
	}
	return &c
}

// ResolvedAttachment is the read-side view handed to the consumer layer.
type ResolvedAttachment struct {
	ID            string
	Filename      string
	ExtractedText string
	ExtractedData map[string]any
	Category      Category
	MimeType      string
	Size          int64
	State         ProcessingState
	IsExpired     bool
	Warning       string
}

// WarningExpired is attached to resolved attachments past their expiry.
const WarningExpired = "expired"

// Deletion reasons recorded on the record and in the audit log.
const (
	ReasonRetentionExpired        = "RETENTION_EXPIRED"
	ReasonFailedProcessingTimeout = "FAILED_PROCESSING_TIMEOUT"
	ReasonScheduled               = "SCHEDULED_DELETION"
	ReasonUserRequest             = "GDPR_USER_REQUEST"
	ReasonIngestRollback          = "INGEST_ROLLBACK"
)
