// Package extract turns downloaded files into plain text. It routes each
// file to an extractor by MIME type, sniffing the content when the declared
// type is missing or unknown.
package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedType indicates no extractor handles the file's type.
// Callers treat this as a valid metadata-only outcome, not a failure.
var ErrUnsupportedType = errors.New("unsupported file type")

// ErrMalformed indicates the file content could not be parsed as its type.
// The content will not change on redelivery, so retrying cannot succeed.
var ErrMalformed = errors.New("malformed file content")

// Result is the output of text extraction for one file.
type Result struct {
	Text     string
	MIMEType string
	Pages    int
}

// Engine extracts text from a local file given its declared MIME type.
type Engine interface {
	Extract(ctx context.Context, path, declaredMIME string) (*Result, error)
}

// Extractor handles one family of file types.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Result, error)
	SupportedTypes() []string
}

// Registry is an Engine that dispatches to registered extractors by MIME
// type or file extension.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry creates a Registry with the built-in extractors.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	r.Register(NewPDFExtractor())
	r.Register(NewDOCXExtractor())
	r.Register(NewTextExtractor())
	return r
}

// Register adds an extractor under all of its supported types.
func (r *Registry) Register(e Extractor) {
	for _, t := range e.SupportedTypes() {
		r.extractors[strings.ToLower(t)] = e
	}
}

// Extract detects the file's type and runs the matching extractor. Image
// files produce an empty-text result with the detected type; the embedding
// stage handles their content. Types nobody handles return
// ErrUnsupportedType wrapped with the detected type.
func (r *Registry) Extract(ctx context.Context, path, declaredMIME string) (*Result, error) {
	mimeType := r.resolveType(path, declaredMIME)

	if IsImage(mimeType) {
		return &Result{MIMEType: mimeType}, nil
	}

	e, ok := r.lookup(mimeType, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	res, err := e.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	res.MIMEType = mimeType
	return res, nil
}

// resolveType picks the declared MIME type when it maps to a known handler,
// falling back to content sniffing and then the file extension.
func (r *Registry) resolveType(path, declaredMIME string) string {
	if declared := normalizeMIME(declaredMIME); declared != "" {
		if _, ok := r.extractors[declared]; ok || IsImage(declared) {
			return declared
		}
	}
	if detected, err := mimetype.DetectFile(path); err == nil {
		return normalizeMIME(detected.String())
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return normalizeMIME(byExt)
	}
	return "application/octet-stream"
}

func (r *Registry) lookup(mimeType, path string) (Extractor, bool) {
	if e, ok := r.extractors[mimeType]; ok {
		return e, true
	}
	if e, ok := r.extractors[strings.ToLower(filepath.Ext(path))]; ok {
		return e, true
	}
	return nil, false
}

// normalizeMIME lowercases a MIME type and strips parameters.
func normalizeMIME(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

// IsImage reports whether the MIME type is an image type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
