package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/database"
	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/storage"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipeline struct {
	store  *database.MemoryStore
	vault  *storage.Vault
	worker *ProcessingWorker
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	key, err := storage.DeriveKey("worker-test-secret", []byte("0123456789abcdef"), storage.MinKDFIterations)
	require.NoError(t, err)
	v, err := storage.NewVault(afero.NewMemMapFs(), "/vault", key, zap.NewNop())
	require.NoError(t, err)
	store := database.NewMemoryStore()
	return &pipeline{
		store:  store,
		vault:  v,
		worker: NewProcessingWorker(store, v, WorkerConfig{PollInterval: 10 * time.Millisecond, PreviewWidth: 200}, zap.NewNop()),
	}
}

func (p *pipeline) add(t *testing.T, filename, mimeType string, data []byte) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	_, err := p.vault.Store(ctx, id, filename, data)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, p.store.Create(ctx, &models.AttachmentRecord{
		ID:               id,
		OwnerID:          "user-1",
		OriginalFilename: filename,
		MimeType:         mimeType,
		Size:             int64(len(data)),
		State:            models.StateProcessing,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(models.DefaultExpiry),
	}))
	return id
}

func (p *pipeline) get(t *testing.T, id string) *models.AttachmentRecord {
	t.Helper()
	rec, err := p.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProcessNextIdle(t *testing.T) {
	p := newPipeline(t)
	ok, err := p.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessCSV(t *testing.T) {
	p := newPipeline(t)
	csvData := []byte("data;descrizione;importo\n2025-01-03;bonifico stipendio;1850,00\n2025-01-05;affitto;-700,00\n")
	id := p.add(t, "estratto_conto_gennaio.csv", ingest.MimeCSV, csvData)

	ok, err := p.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	rec := p.get(t, id)
	assert.Equal(t, models.StateCompleted, rec.State)
	assert.Equal(t, models.CategoryBankStatement, rec.Category)
	assert.Contains(t, rec.ExtractedText, "bonifico stipendio | 1850,00")
	assert.Equal(t, 2, rec.ExtractedData["rows"])
	assert.Equal(t, []string{"data", "descrizione", "importo"}, rec.ExtractedData["columns"])
}

func TestProcessXML(t *testing.T) {
	p := newPipeline(t)
	doc := []byte(`<?xml version="1.0"?><FatturaElettronica><Numero>42</Numero><Descrizione>Consulenza fiscale</Descrizione></FatturaElettronica>`)
	id := p.add(t, "IT01234567890_00001.xml", ingest.MimeXML, doc)

	_, err := p.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	rec := p.get(t, id)
	assert.Equal(t, models.StateCompleted, rec.State)
	assert.Equal(t, "42 Consulenza fiscale", rec.ExtractedText)
	assert.Equal(t, "FatturaElettronica", rec.ExtractedData["root"])
	assert.Equal(t, 3, rec.ExtractedData["elements"])
}

func TestProcessImageStoresEncryptedPreview(t *testing.T) {
	p := newPipeline(t)
	id := p.add(t, "scontrino_farmacia.png", ingest.MimePNG, pngBytes(t, 600, 300))

	_, err := p.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	rec := p.get(t, id)
	require.Equal(t, models.StateCompleted, rec.State, rec.ErrorMessage)
	assert.Equal(t, models.CategoryReceipt, rec.Category)
	assert.Equal(t, 600, rec.ExtractedData["width"])
	assert.Equal(t, 300, rec.ExtractedData["height"])

	preview, err := p.vault.RetrieveDerived(context.Background(), id, PreviewKind)
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(preview))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestCorruptImageFails(t *testing.T) {
	p := newPipeline(t)
	broken := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x01}, 64)...)
	id := p.add(t, "ricevuta.png", ingest.MimePNG, broken)

	ok, err := p.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	rec := p.get(t, id)
	assert.Equal(t, models.StateFailed, rec.State)
	assert.Contains(t, rec.ErrorMessage, "decode image")
}

func TestDeferredFormatsCompleteWithMetadata(t *testing.T) {
	p := newPipeline(t)
	id := p.add(t, "Modello_730_2025.pdf", ingest.MimePDF, []byte("%PDF-1.7\n%%EOF\n"))

	_, err := p.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	rec := p.get(t, id)
	assert.Equal(t, models.StateCompleted, rec.State)
	assert.Equal(t, models.CategoryTaxReturn, rec.Category)
	assert.Empty(t, rec.ExtractedText)
	assert.Equal(t, "deferred", rec.ExtractedData["extraction"])
}

func TestRecordDeletedMidProcessing(t *testing.T) {
	p := newPipeline(t)
	id := p.add(t, "note.txt", ingest.MimeText, []byte("appunti"))

	// claim it so the worker's later writes race the deletion
	rec, err := p.store.ClaimNext(context.Background(), models.StateProcessing, models.StateExtracting)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, p.store.MarkDeleted(context.Background(), id, models.ReasonUserRequest, time.Now()))

	err = p.worker.fail(context.Background(), zap.NewNop(), id, assert.AnError)
	assert.NoError(t, err)
	assert.True(t, p.get(t, id).IsDeleted)
}

func TestWorkerLoopDrainsBacklog(t *testing.T) {
	p := newPipeline(t)
	a := p.add(t, "a.txt", ingest.MimeText, []byte("contratto di locazione"))
	b := p.add(t, "b.txt", ingest.MimeText, []byte("busta paga marzo"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.worker.Start(ctx)
	defer p.worker.Stop()

	done := func(id string) bool {
		rec, err := p.store.Get(context.Background(), id)
		return err == nil && rec.State == models.StateCompleted
	}
	assert.Eventually(t, func() bool { return done(a) && done(b) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.CategoryContract, p.get(t, a).Category)
	assert.Equal(t, models.CategoryPayslip, p.get(t, b).Category)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		filename string
		text     string
		want     models.Category
	}{
		{"Modello_730_2025.pdf", "", models.CategoryTaxReturn},
		{"cedolino-03-2025.pdf", "", models.CategoryPayslip},
		{"documento.pdf", "Fattura n. 12 partita iva 01234567890", models.CategoryInvoice},
		{"scan.jpg", "", models.CategoryOther},
		{"bilancio_2024.xlsx", "", models.CategoryBalanceSheet},
		{"lettera.pdf", "diffida ad adempiere, avvocato Rossi", models.CategoryLegalCorrespond},
		// the filename outweighs a single text hit
		{"fattura_luce.pdf", "ricevuta di pagamento", models.CategoryInvoice},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.filename, tt.text))
		})
	}
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 10))
	assert.Equal(t, "ab", clip("abc", 2))
	// never splits a multi-byte rune
	assert.Equal(t, "caff", clip("caffè", 5))
}
