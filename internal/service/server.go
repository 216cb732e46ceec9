package service

import (
	"context"

	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/storage"
)

// BlobStore is the encrypted vault as seen by the services.
type BlobStore interface {
	Store(ctx context.Context, recordID, filename string, plaintext []byte) (*storage.StorageHandle, error)
	Retrieve(ctx context.Context, recordID string) ([]byte, error)
	SecureDelete(ctx context.Context, recordID, reason string, passes int) (storage.DeleteResult, error)
}

// ThreatScanner reports the files of a batch that failed the security scan.
type ThreatScanner interface {
	ScanBatch(ctx context.Context, targets []ingest.Target) ([]models.FileThreats, error)
}

// RecordReader is the read-only view the resolver needs. The resolver never writes.
type RecordReader interface {
	Get(ctx context.Context, id string) (*models.AttachmentRecord, error)
}

// ContentReader decrypts stored attachments.
type ContentReader interface {
	Retrieve(ctx context.Context, recordID string) ([]byte, error)
}
