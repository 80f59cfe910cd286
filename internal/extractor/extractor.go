// Package extractor converts uploaded document bytes into plain text for
// chunking. It handles plain text, CSV, and PDF natively; office formats
// (docx, xlsx, pptx and friends) are supported by first converting them to
// PDF through a Gotenberg service when one is configured.
package extractor

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/54b3r/docqa-go/internal/rag"
)

// MIME types the extractor understands natively.
const (
	MIMEText = "text/plain"
	MIMECSV  = "text/csv"
	MIMEPDF  = "application/pdf"
)

// Extractor turns raw document bytes into plain text. Unsupported formats
// are delegated to the converter when one is present.
type Extractor struct {
	// converter translates unsupported formats to PDF. Nil means office
	// formats are rejected as unsupported.
	converter *GotenbergClient
}

// New constructs an Extractor. converter may be nil, which restricts the
// extractor to text, CSV, and PDF.
func New(converter *GotenbergClient) *Extractor {
	return &Extractor{converter: converter}
}

// Extract converts data of the given MIME type into plain text. It returns
// rag.ErrUnsupported for formats it cannot handle and rag.ErrEmptyDocument
// when the document yields no usable text.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	mimeType = normalizeMIME(mimeType)

	var (
		text string
		err  error
	)
	switch mimeType {
	case MIMEText:
		text = string(data)
	case MIMECSV:
		text, err = extractCSV(data)
	case MIMEPDF:
		text, err = extractPDF(data)
	default:
		if e.converter == nil || !e.converter.Supports(mimeType, filename) {
			return "", fmt.Errorf("extractor: %w: mime type %q", rag.ErrUnsupported, mimeType)
		}
		var converted []byte
		converted, err = e.converter.ConvertToPDF(ctx, data, filename)
		if err != nil {
			return "", fmt.Errorf("extractor: convert %q: %w", filename, err)
		}
		text, err = extractPDF(converted)
	}
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("extractor: %w: %q produced no text", rag.ErrEmptyDocument, filename)
	}
	return text, nil
}

// normalizeMIME strips parameters ("text/csv; charset=utf-8" → "text/csv")
// and lowercases the type.
func normalizeMIME(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// extractCSV flattens tabular data into prose-like lines: cell values in a
// row are joined with ", " and rows with newlines, so a row reads as one
// statement when chunked and embedded.
func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // ragged rows are common in real exports

	var b strings.Builder
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("extractor: %w: parse csv: %v", rag.ErrInvalidRequest, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.Join(record, ", "))
	}
	return b.String(), nil
}

// extractPDF pulls the plain text out of a PDF document, page order
// preserved.
func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("extractor: %w: parse pdf: %v", rag.ErrInvalidRequest, err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extractor: %w: read pdf text: %v", rag.ErrInvalidRequest, err)
	}

	var b strings.Builder
	if _, err := io.Copy(&b, plain); err != nil {
		return "", fmt.Errorf("extractor: %w: read pdf text: %v", rag.ErrInvalidRequest, err)
	}
	return b.String(), nil
}
