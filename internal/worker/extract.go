package worker

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	"github.com/PaulBabatuyi/attachvault/internal/models"
)

// extraction is what a single file yields before classification.
type extraction struct {
	text string
	data map[string]any
}

// extract pulls searchable text out of the formats handled locally. PDF and
// spreadsheet parsing belong to the downstream document pipeline, so those
// records complete with metadata only.
func extract(mimeType string, data []byte, maxText int) (extraction, error) {
	switch mimeType {
	case ingest.MimeCSV:
		return extractCSV(data, maxText)
	case ingest.MimeXML:
		return extractXML(data, maxText)
	case ingest.MimeText:
		if !utf8.Valid(data) {
			return extraction{}, errors.New("text file is not valid UTF-8")
		}
		return extraction{text: clip(string(data), maxText), data: map[string]any{"characters": utf8.RuneCount(data)}}, nil
	case ingest.MimeJPEG, ingest.MimePNG:
		// dimensions are filled in by the preview step
		return extraction{data: map[string]any{}}, nil
	}
	return extraction{data: map[string]any{"extraction": "deferred"}}, nil
}

func extractCSV(data []byte, maxText int) (extraction, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	// Italian exports commonly use semicolons
	if first, _, _ := bytes.Cut(data, []byte("\n")); bytes.Count(first, []byte(";")) > bytes.Count(first, []byte(",")) {
		r.Comma = ';'
	}

	var (
		sb      strings.Builder
		header  []string
		rows    int
		clipped bool
	)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return extraction{}, fmt.Errorf("parse csv: %w", err)
		}
		if header == nil {
			header = append([]string(nil), rec...)
		} else {
			rows++
		}
		if clipped {
			continue
		}
		line := strings.Join(rec, " | ")
		if sb.Len()+len(line)+1 > maxText {
			clipped = true
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return extraction{
		text: strings.TrimRight(sb.String(), "\n"),
		data: map[string]any{
			"columns":   header,
			"rows":      rows,
			"truncated": clipped,
		},
	}, nil
}

func extractXML(data []byte, maxText int) (extraction, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var (
		parts    []string
		size     int
		root     string
		elements int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return extraction{}, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			elements++
			if root == "" {
				root = t.Name.Local
			}
		case xml.CharData:
			s := strings.TrimSpace(string(t))
			if s == "" || size+len(s)+1 > maxText {
				continue
			}
			parts = append(parts, s)
			size += len(s) + 1
		}
	}
	if root == "" {
		return extraction{}, errors.New("parse xml: no root element")
	}
	return extraction{
		text: strings.Join(parts, " "),
		data: map[string]any{"root": root, "elements": elements},
	}, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// keywords maps each category to filename and text markers, Italian first.
var keywords = []struct {
	category models.Category
	words    []string
}{
	{models.CategoryTaxReturn, []string{"modello 730", "730", "redditi", "dichiarazione", "unico", "f24", "tax return"}},
	{models.CategoryPayslip, []string{"busta paga", "cedolino", "payslip", "retribuzione"}},
	{models.CategoryBankStatement, []string{"estratto conto", "saldo contabile", "iban", "bank statement"}},
	{models.CategoryInvoice, []string{"fattura", "fatturapa", "partita iva", "invoice"}},
	{models.CategoryReceipt, []string{"scontrino", "ricevuta", "receipt"}},
	{models.CategoryContract, []string{"contratto", "locazione", "contract"}},
	{models.CategoryBalanceSheet, []string{"bilancio", "stato patrimoniale", "balance sheet"}},
	{models.CategoryLegalCorrespond, []string{"avvocato", "tribunale", "diffida", "raccomandata", "notifica"}},
}

// Classify scores filename matches twice as high as text matches. Ties keep
// table order; no match at all is CategoryOther.
func Classify(filename, text string) models.Category {
	name := normalize(filename)
	body := normalize(text)

	best, bestScore := models.CategoryOther, 0
	for _, k := range keywords {
		score := 0
		for _, w := range k.words {
			if containsWord(name, w) {
				score += 2
			}
			if containsWord(body, w) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = k.category, score
		}
	}
	return best
}

var separators = strings.NewReplacer("_", " ", "-", " ", ".", " ", "|", " ", "\n", " ", "\t", " ")

func normalize(s string) string {
	return " " + strings.Join(strings.Fields(strings.ToLower(separators.Replace(s))), " ") + " "
}

func containsWord(haystack, word string) bool {
	return strings.Contains(haystack, " "+word+" ")
}
