package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRecordID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

var testSalt = []byte("0123456789abcdef")

func newTestVault(t *testing.T, fs afero.Fs) *storage.Vault {
	t.Helper()
	key, err := storage.DeriveKey("unit-test-secret", testSalt, storage.MinKDFIterations)
	require.NoError(t, err)
	v, err := storage.NewVault(fs, "/vault", key, zap.NewNop())
	require.NoError(t, err)
	return v
}

func TestDeriveKey(t *testing.T) {
	k1, err := storage.DeriveKey("secret", testSalt, storage.MinKDFIterations)
	require.NoError(t, err)
	k2, err := storage.DeriveKey("secret", testSalt, storage.MinKDFIterations)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := storage.DeriveKey("secret", []byte("fedcba9876543210"), storage.MinKDFIterations)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = storage.DeriveKey("", testSalt, storage.MinKDFIterations)
	assert.Error(t, err)
	_, err = storage.DeriveKey("secret", []byte("short"), storage.MinKDFIterations)
	assert.Error(t, err)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := newTestVault(t, fs)
	ctx := context.Background()

	for _, p := range [][]byte{{}, []byte("x"), []byte("%PDF-1.7 modello 730 redditi 2025")} {
		h, err := v.Store(ctx, testRecordID, "modello_730.pdf", p)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/vault", testRecordID+"_modello_730.pdf"), h.Path)

		got, err := v.Retrieve(ctx, testRecordID)
		require.NoError(t, err)
		assert.Equal(t, len(p), len(got))
		assert.Equal(t, string(p), string(got))
	}

	info, err := fs.Stat(filepath.Join("/vault", testRecordID+"_modello_730.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())
}

func TestCiphertextDoesNotContainPlaintext(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := newTestVault(t, fs)

	h, err := v.Store(context.Background(), testRecordID, "a.csv", []byte("codice_fiscale;RSSMRA80A01H501U"))
	require.NoError(t, err)

	raw, err := afero.ReadFile(fs, h.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "RSSMRA80A01H501U")
}

func TestTamperedBlobFailsDecryption(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := newTestVault(t, fs)
	ctx := context.Background()

	h, err := v.Store(ctx, testRecordID, "a.csv", []byte("importo;1200,50"))
	require.NoError(t, err)

	raw, err := afero.ReadFile(fs, h.Path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, afero.WriteFile(fs, h.Path, raw, 0o600))

	_, err = v.Retrieve(ctx, testRecordID)
	require.Error(t, err)
	assert.Equal(t, storage.DecryptionFailure, storage.KindOf(err))
}

func TestBlobBoundToRecordID(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := newTestVault(t, fs)
	ctx := context.Background()
	otherID := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"

	h, err := v.Store(ctx, testRecordID, "a.csv", []byte("data"))
	require.NoError(t, err)
	raw, err := afero.ReadFile(fs, h.Path)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/vault", otherID+"_a.csv"), raw, 0o600))

	_, err = v.Retrieve(ctx, otherID)
	assert.Equal(t, storage.DecryptionFailure, storage.KindOf(err))
}

func TestRetrieveMissing(t *testing.T) {
	v := newTestVault(t, afero.NewMemMapFs())
	_, err := v.Retrieve(context.Background(), testRecordID)
	require.Error(t, err)
	assert.Equal(t, storage.NotFound, storage.KindOf(err))
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStoreRejectsBadNames(t *testing.T) {
	v := newTestVault(t, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := v.Store(ctx, "bad_id", "a.pdf", []byte("x"))
	assert.Equal(t, storage.IoFailure, storage.KindOf(err))
	_, err = v.Store(ctx, testRecordID, "a.pdf.derived-preview", []byte("x"))
	assert.Equal(t, storage.IoFailure, storage.KindOf(err))
}

func TestSecureDeleteRemovesBlobAndDerived(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := newTestVault(t, fs)
	ctx := context.Background()

	h, err := v.Store(ctx, testRecordID, "scan.jpg", []byte("jpeg bytes"))
	require.NoError(t, err)
	_, err = v.StoreDerived(ctx, testRecordID, "preview", []byte("small jpeg"))
	require.NoError(t, err)

	preview, err := v.RetrieveDerived(ctx, testRecordID, "preview")
	require.NoError(t, err)
	assert.Equal(t, "small jpeg", string(preview))

	res, err := v.SecureDelete(ctx, testRecordID, models.ReasonUserRequest, storage.GDPRPasses)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Greater(t, res.BytesFreed, int64(len("jpeg bytes")))
	assert.False(t, res.Missing)

	exists, err := afero.Exists(fs, h.Path)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = v.Retrieve(ctx, testRecordID)
	assert.Equal(t, storage.NotFound, storage.KindOf(err))
}

func TestSecureDeleteIsIdempotent(t *testing.T) {
	v := newTestVault(t, afero.NewMemMapFs())
	res, err := v.SecureDelete(context.Background(), testRecordID, models.ReasonRetentionExpired, 1)
	require.NoError(t, err)
	assert.True(t, res.Missing)
	assert.Zero(t, res.Files)
}

func TestSecureDeleteRejectsPassCount(t *testing.T) {
	v := newTestVault(t, afero.NewMemMapFs())
	_, err := v.SecureDelete(context.Background(), testRecordID, "x", 0)
	assert.Error(t, err)
	_, err = v.SecureDelete(context.Background(), testRecordID, "x", 4)
	assert.Error(t, err)
}

func TestCleanupTemp(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := newTestVault(t, fs)
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	require.NoError(t, fs.MkdirAll("/scratch/job1/pages", 0o700))
	require.NoError(t, afero.WriteFile(fs, "/scratch/job1/pages/p1.txt", []byte("estratto"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/scratch/fresh.txt", []byte("new"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/vault/.upload-123", []byte("partial"), 0o600))
	require.NoError(t, fs.Chtimes("/scratch/job1/pages/p1.txt", old, old))
	require.NoError(t, fs.Chtimes("/vault/.upload-123", old, old))

	res := v.CleanupTemp(context.Background(), []string{"/scratch", "/missing"}, 24*time.Hour, now)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.FilesRemoved)
	assert.Equal(t, 2, res.DirsPruned)
	assert.Equal(t, int64(len("estratto")+len("partial")), res.BytesFreed)

	exists, _ := afero.Exists(fs, "/scratch/fresh.txt")
	assert.True(t, exists)
	exists, _ = afero.DirExists(fs, "/scratch/job1")
	assert.False(t, exists)
	exists, _ = afero.DirExists(fs, "/scratch")
	assert.True(t, exists)
}

func TestCleanupTempNeverEntersVault(t *testing.T) {
	fs := afero.NewMemMapFs()
	key, err := storage.DeriveKey("unit-test-secret", testSalt, storage.MinKDFIterations)
	require.NoError(t, err)
	v, err := storage.NewVault(fs, "/data/vault", key, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = v.Store(ctx, testRecordID, "busta_paga.pdf", []byte("%PDF-1.7 cedolino"))
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("/data/tmp", 0o700))
	require.NoError(t, afero.WriteFile(fs, "/data/tmp/ocr.txt", []byte("scratch"), 0o600))

	later := time.Now().Add(48 * time.Hour)
	res := v.CleanupTemp(ctx, []string{"/data", "/data/vault/"}, 24*time.Hour, later)

	require.Len(t, res.Errors, 1)
	assert.ErrorContains(t, res.Errors[0], "inside the vault")
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Equal(t, int64(len("scratch")), res.BytesFreed)

	got, err := v.Retrieve(ctx, testRecordID)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 cedolino", string(got))
	exists, _ := afero.DirExists(fs, "/data/vault")
	assert.True(t, exists)
}
