package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

const (
	MimePDF   = "application/pdf"
	MimeXLSX  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeXLS   = "application/vnd.ms-excel"
	MimeCSV   = "text/csv"
	MimeXML   = "application/xml"
	MimeText  = "text/plain"
	MimeJPEG  = "image/jpeg"
	MimePNG   = "image/png"
	MimeOctet = "application/octet-stream"

	maxFilenameLen = 255

	// reservedMarker is how the vault names derived artifacts on disk.
	reservedMarker = ".derived-"
)

// File is one attachment of an upload batch.
type File struct {
	Name string
	Data []byte
}

// Limits bounds a single upload batch.
type Limits struct {
	MaxFiles    int
	MaxFileSize int64
}

// Validated is the outcome for one file that passed every check.
type Validated struct {
	Fingerprint string
	MimeType    string
	Filename    string
}

var supported = map[string]bool{
	MimePDF:  true,
	MimeXLSX: true,
	MimeXLS:  true,
	MimeCSV:  true,
	MimeXML:  true,
	MimeText: true,
	MimeJPEG: true,
	MimePNG:  true,
}

// aliases folds sniffer output onto the supported set.
var aliases = map[string]string{
	"text/xml":          MimeXML,
	"application/x-pdf": MimePDF,
	"application/csv":   MimeCSV,
	"image/pjpeg":       MimeJPEG,
}

// textual types carry no magic bytes, so their extension is only trusted
// when the content itself sniffs as text.
var textual = map[string]bool{
	MimeCSV:  true,
	MimeXML:  true,
	MimeText: true,
}

var extensions = map[string]string{
	".pdf":  MimePDF,
	".xlsx": MimeXLSX,
	".xls":  MimeXLS,
	".csv":  MimeCSV,
	".xml":  MimeXML,
	".txt":  MimeText,
	".jpg":  MimeJPEG,
	".jpeg": MimeJPEG,
	".png":  MimePNG,
}

var (
	sigPDF  = []byte("%PDF")
	sigZIP  = []byte("PK\x03\x04")
	sigOLE2 = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	sigXML  = []byte("<?xml")
	sigBOM  = []byte{0xEF, 0xBB, 0xBF}
	sigJPEG = []byte{0xFF, 0xD8, 0xFF}
	sigPNG  = []byte("\x89PNG\r\n\x1a\n")
)

// Fingerprint is the lowercase hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks the batch against limits and format rules. Every violation
// across every file is collected into a single *models.ValidationError.
func Validate(batch []File, limits Limits) ([]Validated, error) {
	var reasons []string

	if len(batch) == 0 {
		reasons = append(reasons, "no files in upload")
	}
	if limits.MaxFiles > 0 && len(batch) > limits.MaxFiles {
		reasons = append(reasons, fmt.Sprintf("too many files: %d exceeds the limit of %d per upload", len(batch), limits.MaxFiles))
	}

	var total int64
	for _, f := range batch {
		size := int64(len(f.Data))
		total += size
		if limits.MaxFileSize > 0 && size > limits.MaxFileSize {
			reasons = append(reasons, fmt.Sprintf("%s: size %s exceeds the limit of %s",
				f.Name, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limits.MaxFileSize))))
		}
	}
	if limit := limits.MaxFileSize * int64(len(batch)); limits.MaxFileSize > 0 && total > limit {
		reasons = append(reasons, fmt.Sprintf("combined size %s exceeds the batch limit of %s",
			humanize.Bytes(uint64(total)), humanize.Bytes(uint64(limit))))
	}

	out := make([]Validated, 0, len(batch))
	for _, f := range batch {
		mime := DetectMIME(f.Name, f.Data)
		if !supported[mime] {
			reasons = append(reasons, fmt.Sprintf("%s: unsupported file type %s", f.Name, mime))
		} else if err := checkSignature(mime, f.Data); err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", f.Name, err))
		}

		name := SanitizeFilename(f.Name)
		if name == "" {
			reasons = append(reasons, fmt.Sprintf("%q: filename is empty after sanitization", f.Name))
		}

		out = append(out, Validated{
			Fingerprint: Fingerprint(f.Data),
			MimeType:    mime,
			Filename:    name,
		})
	}

	if len(reasons) > 0 {
		return nil, &models.ValidationError{Reasons: reasons}
	}
	return out, nil
}

// DetectMIME sniffs content by magic bytes, falls back to the file extension,
// then to application/octet-stream. A text extension on binary content yields
// the sniffed type, so a renamed archive is reported as what it is.
func DetectMIME(filename string, data []byte) string {
	detected := mimetype.Detect(data)
	sniffed := normalizeMIME(detected.String())
	if supported[sniffed] && !isGeneric(sniffed) {
		return sniffed
	}
	if mime, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
		if !textual[mime] || isText(detected) {
			return mime
		}
		return sniffed
	}
	if supported[sniffed] {
		return sniffed
	}
	return MimeOctet
}

func normalizeMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	m = strings.TrimSpace(strings.ToLower(m))
	if a, ok := aliases[m]; ok {
		return a
	}
	return m
}

// isGeneric reports sniffer results that don't pin down a container format.
func isGeneric(m string) bool {
	return m == MimeText || m == MimeOctet
}

// isText reports whether m is text/plain or one of its descendants.
func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(MimeText) {
			return true
		}
	}
	return false
}

func checkSignature(mime string, data []byte) error {
	switch mime {
	case MimePDF:
		if !bytes.HasPrefix(data, sigPDF) {
			return fmt.Errorf("missing %%PDF header")
		}
	case MimeXLSX:
		if !bytes.HasPrefix(data, sigZIP) {
			return fmt.Errorf("missing ZIP header for xlsx")
		}
	case MimeXLS:
		if !bytes.HasPrefix(data, sigOLE2) {
			return fmt.Errorf("missing OLE2 header for xls")
		}
	case MimeXML:
		if !bytes.HasPrefix(bytes.TrimPrefix(data, sigBOM), sigXML) {
			return fmt.Errorf("missing <?xml declaration")
		}
	case MimeJPEG:
		if !bytes.HasPrefix(data, sigJPEG) {
			return fmt.Errorf("missing JPEG header")
		}
	case MimePNG:
		if !bytes.HasPrefix(data, sigPNG) {
			return fmt.Errorf("missing PNG header")
		}
	}
	return nil
}

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFilename drops any directory part, control characters and characters
// that are illegal on Windows, defuses reserved device names and the vault's
// derived-artifact marker, and caps the result at 255 bytes with the extension
// preserved. Returns "" if nothing usable remains.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		if r == utf8.RuneError || unicode.IsControl(r) || strings.ContainsRune(`<>:"|?*/`, r) {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.Trim(b.String(), " .")
	name = strings.ReplaceAll(name, reservedMarker, "_derived-")
	if name == "" {
		return ""
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if reservedNames[strings.ToUpper(stem)] {
		stem = "_" + stem
	}
	if len(ext) > 16 {
		// not a real extension, keep it as part of the stem
		stem, ext = stem+ext, ""
	}
	if len(stem)+len(ext) > maxFilenameLen {
		stem = truncateUTF8(stem, maxFilenameLen-len(ext))
	}
	return stem + ext
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
