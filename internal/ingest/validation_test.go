package ingest

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

var defaultLimits = Limits{MaxFiles: 5, MaxFileSize: 10 * mb}

func pdfBytes(body string) []byte {
	return []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\n" + body + "\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")
}

func xlsxBytes(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	base := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`,
		"xl/workbook.xml":     `<?xml version="1.0" encoding="UTF-8"?><workbook><sheets><sheet name="Bilancio"/></sheets></workbook>`,
	}
	for name, body := range parts {
		base[name] = body
	}
	for _, name := range []string{"[Content_Types].xml", "xl/workbook.xml"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(base[name]))
		require.NoError(t, err)
		delete(base, name)
	}
	for name, body := range base {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func validationReasons(t *testing.T, err error) []string {
	t.Helper()
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr.Reasons
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Fingerprint(nil))
	assert.Equal(t, Fingerprint([]byte("730")), Fingerprint([]byte("730")))
	assert.NotEqual(t, Fingerprint([]byte("730")), Fingerprint([]byte("740")))
	assert.Len(t, Fingerprint([]byte("x")), 64)
}

func TestValidateAcceptsSupportedFormats(t *testing.T) {
	batch := []File{
		{Name: "modello_730.pdf", Data: pdfBytes("")},
		{Name: "bilancio.xlsx", Data: xlsxBytes(t, nil)},
		{Name: "spese.csv", Data: []byte("data,importo\n2025-01-10,120.50\n2025-02-03,80.00\n")},
		{Name: "fattura.xml", Data: append([]byte{0xEF, 0xBB, 0xBF}, []byte(`<?xml version="1.0"?><FatturaElettronica/>`)...)},
	}

	out, err := Validate(batch, defaultLimits)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, MimePDF, out[0].MimeType)
	assert.Equal(t, MimeXLSX, out[1].MimeType)
	assert.Equal(t, MimeCSV, out[2].MimeType)
	assert.Equal(t, MimeXML, out[3].MimeType)
	assert.Equal(t, "modello_730.pdf", out[0].Filename)
	assert.Equal(t, Fingerprint(batch[0].Data), out[0].Fingerprint)
}

func TestValidateTooManyFiles(t *testing.T) {
	batch := make([]File, 6)
	for i := range batch {
		batch[i] = File{Name: "ricevuta.pdf", Data: pdfBytes("")}
	}
	_, err := Validate(batch, defaultLimits)
	reasons := validationReasons(t, err)
	require.NotEmpty(t, reasons)
	assert.Contains(t, reasons[0], "too many files")
	assert.Contains(t, reasons[0], "5")
}

func TestValidateFileTooLarge(t *testing.T) {
	data := make([]byte, 15*mb)
	copy(data, "%PDF-1.4\n")
	_, err := Validate([]File{{Name: "scansione.pdf", Data: data}}, defaultLimits)
	reasons := validationReasons(t, err)

	var sizeReason string
	for _, r := range reasons {
		if strings.Contains(r, "exceeds the limit") {
			sizeReason = r
		}
	}
	require.NotEmpty(t, sizeReason)
	assert.Contains(t, sizeReason, "10")
	assert.Contains(t, sizeReason, "MB")
}

func TestValidateAccumulatesReasons(t *testing.T) {
	batch := []File{
		{Name: "fake.pdf", Data: []byte("just some text pretending to be a pdf")},
		{Name: "tool.exe", Data: []byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00")},
		{Name: "broken.xml", Data: []byte("<root/>")},
	}
	_, err := Validate(batch, defaultLimits)
	reasons := validationReasons(t, err)
	require.Len(t, reasons, 3)
	assert.Contains(t, reasons[0], "missing %PDF header")
	assert.Contains(t, reasons[1], "unsupported file type")
	assert.Contains(t, reasons[2], "missing <?xml declaration")
}

func TestValidateEmptyBatch(t *testing.T) {
	_, err := Validate(nil, defaultLimits)
	assert.Equal(t, []string{"no files in upload"}, validationReasons(t, err))
}

func TestDetectMIMEFallsBackToExtension(t *testing.T) {
	assert.Equal(t, MimePDF, DetectMIME("x.pdf", pdfBytes("")))
	assert.Equal(t, MimeCSV, DetectMIME("righe.csv", []byte("solo testo")))
	assert.Equal(t, MimeText, DetectMIME("note", []byte("solo testo")))
	assert.Equal(t, MimeOctet, DetectMIME("blob.bin", []byte{0x00, 0x01, 0x02, 0xff, 0xfe}))
}

func TestValidateRejectsArchiveBehindTextExtension(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "payload.exe", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write([]byte("MZ\x90\x00 not really a program"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	for _, name := range []string{"estratto.csv", "note.txt", "fattura.xml"} {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, MimeCSV, DetectMIME(name, buf.Bytes()))
			_, err := Validate([]File{{Name: name, Data: buf.Bytes()}}, defaultLimits)
			reasons := validationReasons(t, err)
			require.Len(t, reasons, 1)
			assert.Contains(t, reasons[0], "unsupported file type")
		})
	}

	assert.Equal(t, MimeOctet, DetectMIME("righe.csv", []byte{0x00, 0x01, 0x02, 0xff, 0xfe}))
}

func TestValidateDefusesDerivedMarker(t *testing.T) {
	out, err := Validate([]File{{Name: "report.derived-x.pdf", Data: pdfBytes("")}}, defaultLimits)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "report_derived-x.pdf", out[0].Filename)
	assert.NotContains(t, out[0].Filename, ".derived-")
}

func TestSanitizeFilename(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "fattura_2025.pdf", "fattura_2025.pdf"},
		{"unix traversal", "../../etc/passwd", "passwd"},
		{"windows traversal", `..\..\windows\system32\config.xls`, "config.xls"},
		{"control chars", "bil\x00an\x1fcio.xlsx", "bilancio.xlsx"},
		{"illegal chars", `a<b>c:d"e|f?g*h.csv`, "abcdefgh.csv"},
		{"reserved device", "CON.txt", "_CON.txt"},
		{"reserved lowercase", "lpt1.csv", "_lpt1.csv"},
		{"trailing dots", "ricevuta.pdf. . ", "ricevuta.pdf"},
		{"only dots", "..", ""},
		{"empty", "", ""},
		{"too long", long, strings.Repeat("a", 251) + ".pdf"},
		{"derived marker", "a.derived-preview.derived-b.csv", "a_derived-preview_derived-b.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestSanitizeFilenameKeepsRunesWhole(t *testing.T) {
	in := strings.Repeat("è", 200) + ".pdf"
	out := SanitizeFilename(in)
	assert.LessOrEqual(t, len(out), 255)
	assert.True(t, strings.HasSuffix(out, ".pdf"))
	assert.True(t, strings.HasPrefix(out, "è"))
	assert.NotContains(t, out, "�")
}
