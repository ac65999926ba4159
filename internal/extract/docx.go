package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

// DOCXExtractor extracts text from Office Open XML word documents.
type DOCXExtractor struct{}

// NewDOCXExtractor creates a new DOCXExtractor.
func NewDOCXExtractor() *DOCXExtractor {
	return &DOCXExtractor{}
}

// Extract implements Extractor.
func (e *DOCXExtractor) Extract(ctx context.Context, path string) (*Result, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w: %v", ErrMalformed, err)
	}
	defer doc.Close()

	content := doc.Editable().GetContent()
	return &Result{Text: strings.TrimSpace(stripXMLTags(content))}, nil
}

// SupportedTypes implements Extractor.
func (e *DOCXExtractor) SupportedTypes() []string {
	return []string{
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".docx",
	}
}

// stripXMLTags removes markup from the raw document XML, inserting spaces
// at tag boundaries so adjacent runs do not merge into one word.
func stripXMLTags(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			sb.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
