package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	blobPerm   = 0o600
	dirPerm    = 0o700
	tempPrefix = ".upload-"

	// derivedMarker separates a blob's base name from a derived artifact kind.
	derivedMarker = ".derived-"
)

var blobMagic = []byte("AVB1")

// StorageHandle describes one persisted blob.
type StorageHandle struct {
	RecordID      string
	Path          string
	PlaintextSize int64
	StoredSize    int64
}

// Vault encrypts attachments at rest. It is immutable after construction and
// owns its directory exclusively.
type Vault struct {
	fs     afero.Fs
	dir    string
	aead   cipher.AEAD
	logger *zap.Logger
}

// NewVault prepares dir with owner-only permissions and binds the AES-256-GCM key.
func NewVault(fs afero.Fs, dir string, key Key, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	if err := fs.Chmod(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("restrict vault dir: %w", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Vault{
		fs:     fs,
		dir:    dir,
		aead:   aead,
		logger: logger.With(zap.String("component", "vault")),
	}, nil
}

// Dir returns the vault directory.
func (v *Vault) Dir() string { return v.dir }

// Store encrypts plaintext and writes it to {recordID}_{filename}.
// The file appears atomically: temp file, fsync, rename.
func (v *Vault) Store(ctx context.Context, recordID, filename string, plaintext []byte) (*StorageHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, ioErr(recordID, err)
	}
	name, err := blobName(recordID, filename)
	if err != nil {
		return nil, ioErr(recordID, err)
	}

	sealed, err := v.seal(plaintext, []byte(recordID))
	if err != nil {
		return nil, &StorageError{Kind: EncryptionFailure, RecordID: recordID, Err: err}
	}

	path := filepath.Join(v.dir, name)
	if err := v.writeAtomic(path, sealed); err != nil {
		return nil, ioErr(recordID, err)
	}

	v.logger.Debug("blob stored",
		zap.String("record_id", recordID),
		zap.Int("plaintext_bytes", len(plaintext)),
	)

	return &StorageHandle{
		RecordID:      recordID,
		Path:          path,
		PlaintextSize: int64(len(plaintext)),
		StoredSize:    int64(len(sealed)),
	}, nil
}

// Retrieve locates the blob by record ID, authenticates and decrypts it.
func (v *Vault) Retrieve(ctx context.Context, recordID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ioErr(recordID, err)
	}
	path, err := v.locate(recordID)
	if err != nil {
		return nil, err
	}
	return v.open(recordID, path, []byte(recordID))
}

// StoreDerived writes an encrypted artifact (preview, thumbnail) next to the record's blob.
func (v *Vault) StoreDerived(ctx context.Context, recordID, kind string, plaintext []byte) (*StorageHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, ioErr(recordID, err)
	}
	if kind == "" || strings.ContainsAny(kind, `/\`) {
		return nil, ioErr(recordID, fmt.Errorf("invalid derived kind %q", kind))
	}
	base, err := v.locate(recordID)
	if err != nil {
		return nil, err
	}

	sealed, err := v.seal(plaintext, derivedAAD(recordID, kind))
	if err != nil {
		return nil, &StorageError{Kind: EncryptionFailure, RecordID: recordID, Err: err}
	}
	path := base + derivedMarker + kind
	if err := v.writeAtomic(path, sealed); err != nil {
		return nil, ioErr(recordID, err)
	}
	return &StorageHandle{
		RecordID:      recordID,
		Path:          path,
		PlaintextSize: int64(len(plaintext)),
		StoredSize:    int64(len(sealed)),
	}, nil
}

// RetrieveDerived decrypts an artifact written by StoreDerived.
func (v *Vault) RetrieveDerived(ctx context.Context, recordID, kind string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ioErr(recordID, err)
	}
	base, err := v.locate(recordID)
	if err != nil {
		return nil, err
	}
	path := base + derivedMarker + kind
	if _, err := v.fs.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &StorageError{Kind: NotFound, RecordID: recordID, Err: fmt.Errorf("no %s artifact", kind)}
		}
		return nil, ioErr(recordID, err)
	}
	return v.open(recordID, path, derivedAAD(recordID, kind))
}

func (v *Vault) seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(blobMagic)+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, blobMagic...)
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, aad), nil
}

func (v *Vault) open(recordID, path string, aad []byte) ([]byte, error) {
	data, err := afero.ReadFile(v.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &StorageError{Kind: NotFound, RecordID: recordID, Err: err}
		}
		return nil, ioErr(recordID, err)
	}

	ns := v.aead.NonceSize()
	if len(data) < len(blobMagic)+ns+v.aead.Overhead() || !bytes.Equal(data[:len(blobMagic)], blobMagic) {
		return nil, &StorageError{Kind: DecryptionFailure, RecordID: recordID, Err: errors.New("malformed blob header")}
	}
	nonce := data[len(blobMagic) : len(blobMagic)+ns]
	plaintext, err := v.aead.Open(nil, nonce, data[len(blobMagic)+ns:], aad)
	if err != nil {
		return nil, &StorageError{Kind: DecryptionFailure, RecordID: recordID, Err: err}
	}
	return plaintext, nil
}

func (v *Vault) writeAtomic(path string, data []byte) (err error) {
	tmp, err := afero.TempFile(v.fs, v.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			v.fs.Remove(tmpPath)
		}
	}()

	if err = v.fs.Chmod(tmpPath, blobPerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = v.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// locate finds the primary blob for recordID by its name prefix.
func (v *Vault) locate(recordID string) (string, error) {
	matches, err := v.family(recordID)
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if !strings.Contains(filepath.Base(m), derivedMarker) {
			return m, nil
		}
	}
	return "", &StorageError{Kind: NotFound, RecordID: recordID}
}

// family lists the blob and every derived artifact belonging to recordID.
func (v *Vault) family(recordID string) ([]string, error) {
	if recordID == "" || strings.ContainsAny(recordID, `/\_`) {
		return nil, &StorageError{Kind: NotFound, RecordID: recordID, Err: errors.New("invalid record id")}
	}
	entries, err := afero.ReadDir(v.fs, v.dir)
	if err != nil {
		return nil, ioErr(recordID, err)
	}
	prefix := recordID + "_"
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		out = append(out, filepath.Join(v.dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func blobName(recordID, filename string) (string, error) {
	if recordID == "" || strings.ContainsAny(recordID, `/\_`) {
		return "", fmt.Errorf("invalid record id %q", recordID)
	}
	filename = filepath.Base(filename)
	if filename == "." || filename == string(filepath.Separator) || filename == "" {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	if strings.Contains(filename, derivedMarker) {
		return "", fmt.Errorf("filename %q uses a reserved marker", filename)
	}
	return recordID + "_" + filename, nil
}

func derivedAAD(recordID, kind string) []byte {
	return []byte(recordID + "/" + kind)
}
