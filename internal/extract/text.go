package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// maxTextBytes caps how much of a plain-text file is read. Anything past
// this is beyond the indexable excerpt anyway.
const maxTextBytes = 4 << 20

// TextExtractor handles plain text and text-like formats.
type TextExtractor struct{}

// NewTextExtractor creates a new TextExtractor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// Extract reads the file as UTF-8, falling back to Latin-1 when the content
// is not valid UTF-8.
func (e *TextExtractor) Extract(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open text file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTextBytes))
	if err != nil {
		return nil, fmt.Errorf("read text file: %w", err)
	}

	text := string(data)
	if !utf8.Valid(data) {
		decoded, _, err := transform.String(charmap.ISO8859_1.NewDecoder(), text)
		if err != nil {
			return nil, fmt.Errorf("decode text file: %w", err)
		}
		text = decoded
	}

	return &Result{Text: strings.TrimSpace(text)}, nil
}

// SupportedTypes implements Extractor.
func (e *TextExtractor) SupportedTypes() []string {
	return []string{
		"text/plain", "text/csv", "text/markdown", "application/json",
		".txt", ".csv", ".md", ".json", ".log",
	}
}
