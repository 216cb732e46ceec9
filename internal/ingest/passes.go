package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strings"
)

const (
	entropyWindow      = 1024
	minSuspiciousAPIs  = 3
	zipBombRatio       = 100
	zipBombTotal       = 1 << 30
	zipPartReadLimit   = 8 << 20
	nullPaddingMinSize = 1 << 20
	nullPaddingRatio   = 0.9
	eofWindow          = 1024
	maxDTDSize         = 8 << 10
	maxEntityDecls     = 20
)

var executableMagic = []struct {
	magic []byte
	label string
}{
	{[]byte("MZ"), "PE executable"},
	{[]byte("\x7fELF"), "ELF executable"},
	{[]byte{0xFE, 0xED, 0xFA, 0xCE}, "Mach-O executable"},
	{[]byte{0xFE, 0xED, 0xFA, 0xCF}, "Mach-O executable"},
	{[]byte{0xCE, 0xFA, 0xED, 0xFE}, "Mach-O executable"},
	{[]byte{0xCF, 0xFA, 0xED, 0xFE}, "Mach-O executable"},
	{[]byte{0xCA, 0xFE, 0xBA, 0xBE}, "Mach-O universal binary"},
	{[]byte("#!"), "script shebang"},
}

// matched case-insensitively
var injectionPatterns = []string{
	"<script",
	"javascript:",
	"vbscript:",
	"eval(",
	"activexobject",
	"wscript.shell",
	"wscript.createobject",
	"shell.application",
	"scripting.filesystemobject",
}

var suspiciousAPIs = []string{
	"VirtualAlloc",
	"VirtualProtect",
	"WriteProcessMemory",
	"CreateRemoteThread",
	"LoadLibrary",
	"GetProcAddress",
	"URLDownloadToFile",
	"WinExec",
	"ShellExecute",
	"NtUnmapViewOfSection",
	"SetWindowsHookEx",
	"IsDebuggerPresent",
}

var pdfActions = []struct {
	marker string
	label  string
}{
	{"/JavaScript", "PDF embedded JavaScript"},
	{"/JS", "PDF embedded JavaScript"},
	{"/Launch", "PDF launch action"},
	{"/EmbeddedFile", "PDF embedded file"},
	{"/XFA", "PDF XFA form"},
}

var (
	externalEntity = regexp.MustCompile(`(?is)<!ENTITY[^>]*\b(SYSTEM|PUBLIC)\b`)
	entityDecl     = regexp.MustCompile(`(?i)<!ENTITY`)
	internalSubset = regexp.MustCompile(`(?is)<!DOCTYPE[^\[>]*\[(.*?)\]\s*>`)
	externalTarget = regexp.MustCompile(`(?i)TargetMode\s*=\s*"External"`)
)

// Entropy is the Shannon entropy of data in bits per byte, between 0 and 8.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func signatureScan(t Target) []string {
	var threats []string
	for _, m := range executableMagic {
		if bytes.HasPrefix(t.Data, m.magic) {
			threats = append(threats, "signature: "+m.label+" header")
			break
		}
	}
	lower := bytes.ToLower(t.Data)
	for _, p := range injectionPatterns {
		if bytes.Contains(lower, []byte(p)) {
			threats = append(threats, "signature: script injection pattern "+p)
		}
	}
	return threats
}

// compressed formats are high-entropy by construction
func entropyExempt(mime string) bool {
	return mime == MimeXLSX || mime == MimeJPEG || mime == MimePNG
}

func heuristicScan(t Target, threshold float64) []string {
	var threats []string
	if !entropyExempt(t.MimeType) {
		head := t.Data
		if len(head) > entropyWindow {
			head = head[:entropyWindow]
		}
		if e := Entropy(head); e > threshold {
			threats = append(threats, fmt.Sprintf("heuristic: high entropy %.2f suggests packed or encrypted content", e))
		}
	}

	var found []string
	for _, api := range suspiciousAPIs {
		if bytes.Contains(t.Data, []byte(api)) {
			found = append(found, api)
		}
	}
	if len(found) >= minSuspiciousAPIs {
		threats = append(threats, "heuristic: suspicious Windows API references "+strings.Join(found, ", "))
	}
	return threats
}

func structureScan(t Target, maxExternalRefs int) []string {
	switch {
	case t.MimeType == MimePDF || bytes.HasPrefix(t.Data, sigPDF):
		return pdfStructure(t.Data)
	case bytes.HasPrefix(t.Data, sigZIP):
		return officeStructure(t.Data, maxExternalRefs)
	case bytes.HasPrefix(t.Data, sigOLE2):
		return oleStructure(t.Data)
	case t.MimeType == MimeXML:
		return xmlStructure(t.Data, "")
	}
	return nil
}

func pdfStructure(data []byte) []string {
	var threats []string
	seen := make(map[string]bool)
	for _, a := range pdfActions {
		if seen[a.label] || !containsName(data, a.marker) {
			continue
		}
		seen[a.label] = true
		threats = append(threats, "structure: "+a.label)
	}
	return threats
}

// containsName matches a PDF name token, so /JS does not match /JSON.
func containsName(data []byte, name string) bool {
	for i := 0; ; {
		j := bytes.Index(data[i:], []byte(name))
		if j < 0 {
			return false
		}
		end := i + j + len(name)
		if end >= len(data) || !isNameChar(data[end]) {
			return true
		}
		i = end
	}
}

func isNameChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func officeStructure(data []byte, maxExternalRefs int) []string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return []string{"structure: corrupt ZIP container"}
	}

	var threats []string
	var macros, ole bool
	externalRefs := 0
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		switch {
		case strings.HasSuffix(name, "vbaproject.bin") || strings.HasSuffix(name, "vbadata.xml"):
			macros = true
		case strings.Contains(name, "/embeddings/") || strings.Contains(name, "oleobject"):
			ole = true
		}
		if !strings.HasSuffix(name, ".xml") && !strings.HasSuffix(name, ".rels") {
			continue
		}
		part, err := readPart(f)
		if err != nil {
			continue
		}
		if strings.HasSuffix(name, ".rels") {
			externalRefs += len(externalTarget.FindAllIndex(part, -1))
		}
		threats = append(threats, xmlStructure(part, f.Name)...)
	}

	if macros {
		threats = append(threats, "structure: Office macro project")
	}
	if ole {
		threats = append(threats, "structure: embedded OLE object")
	}
	if externalRefs > maxExternalRefs {
		threats = append(threats, fmt.Sprintf("structure: %d external references exceed the limit of %d", externalRefs, maxExternalRefs))
	}
	sort.Strings(threats)
	return threats
}

func readPart(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, zipPartReadLimit))
}

// oleStructure looks for stream names in the OLE2 directory, which are UTF-16LE.
func oleStructure(data []byte) []string {
	var threats []string
	if bytes.Contains(data, utf16le("_VBA_PROJECT")) {
		threats = append(threats, "structure: Office macro project")
	}
	if bytes.Contains(data, utf16le("Ole10Native")) || bytes.Contains(data, utf16le("ObjectPool")) {
		threats = append(threats, "structure: embedded OLE object")
	}
	return threats
}

func utf16le(s string) []byte {
	out := make([]byte, 0, 2*len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, s[i], 0)
	}
	return out
}

func xmlStructure(data []byte, part string) []string {
	where := ""
	if part != "" {
		where = " in " + part
	}
	var threats []string
	if externalEntity.Match(data) {
		threats = append(threats, "structure: XML external entity"+where)
	}
	if m := internalSubset.FindSubmatch(data); m != nil && len(m[1]) > maxDTDSize {
		threats = append(threats, "structure: oversized DTD"+where)
	} else if len(entityDecl.FindAllIndex(data, maxEntityDecls+1)) > maxEntityDecls {
		threats = append(threats, "structure: entity expansion risk"+where)
	}
	return threats
}

func integrityScan(t Target) []string {
	var threats []string
	if bytes.HasPrefix(t.Data, sigZIP) {
		if threat := zipBomb(t.Data); threat != "" {
			threats = append(threats, threat)
		}
	}
	if len(t.Data) >= nullPaddingMinSize {
		zeros := bytes.Count(t.Data, []byte{0})
		if float64(zeros)/float64(len(t.Data)) > nullPaddingRatio {
			threats = append(threats, "integrity: excessive null-byte padding")
		}
	}
	if t.MimeType == MimePDF {
		tail := t.Data
		if len(tail) > eofWindow {
			tail = tail[len(tail)-eofWindow:]
		}
		if !bytes.Contains(tail, []byte("%%EOF")) {
			threats = append(threats, "integrity: PDF missing %%EOF marker, file may be truncated")
		}
	}
	return threats
}

// zipBomb compares declared uncompressed sizes against compressed sizes.
func zipBomb(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	var compressed, uncompressed uint64
	for _, f := range zr.File {
		compressed += f.CompressedSize64
		uncompressed += f.UncompressedSize64
		if f.CompressedSize64 > 0 && f.UncompressedSize64/f.CompressedSize64 > zipBombRatio {
			return fmt.Sprintf("integrity: zip bomb suspected, %s expands %dx", f.Name, f.UncompressedSize64/f.CompressedSize64)
		}
	}
	if uncompressed > zipBombTotal {
		return fmt.Sprintf("integrity: zip bomb suspected, declared size %d bytes", uncompressed)
	}
	if compressed > 0 && uncompressed/compressed > zipBombRatio {
		return fmt.Sprintf("integrity: zip bomb suspected, archive expands %dx", uncompressed/compressed)
	}
	return ""
}
