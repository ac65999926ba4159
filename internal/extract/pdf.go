package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor extracts text from PDF files.
type PDFExtractor struct{}

// NewPDFExtractor creates a new PDFExtractor.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// Extract reads the plain text of every page. Scanned PDFs with no text
// layer legitimately produce an empty result.
func (e *PDFExtractor) Extract(ctx context.Context, path string) (*Result, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w: %v", ErrMalformed, err)
	}
	defer f.Close()

	var sb strings.Builder
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not discard the rest.
			continue
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}

	return &Result{
		Text:  strings.TrimSpace(sb.String()),
		Pages: pages,
	}, nil
}

// SupportedTypes implements Extractor.
func (e *PDFExtractor) SupportedTypes() []string {
	return []string{"application/pdf", ".pdf"}
}
