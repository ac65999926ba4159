// Package searchindex stores processed file documents in an S3 Vectors index
// for similarity search.
package searchindex

import "time"

// Document is one indexed file. The ItemID key makes indexing idempotent:
// reprocessing the same object overwrites the prior entry instead of
// duplicating it.
type Document struct {
	ItemID          string
	ObjectContainer string
	ObjectKey       string
	// ExtractedTextExcerpt is the truncated text stored alongside the vector
	// so search results can show context without refetching the object.
	ExtractedTextExcerpt string
	Embedding            []float32
	ThumbnailKey         string
	DeclaredSize         int64
	MIMEType             string
	Pages                int
	IndexedAt            time.Time
	// Metadata carries caller-supplied fields from the work item through to
	// the index unchanged.
	Metadata map[string]string
}

// metadataDocument flattens a Document into the filterable metadata map
// stored with the vector.
func metadataDocument(doc Document) map[string]any {
	meta := map[string]any{
		"objectContainer": doc.ObjectContainer,
		"objectKey":       doc.ObjectKey,
		"excerpt":         doc.ExtractedTextExcerpt,
		"mimeType":        doc.MIMEType,
		"size":            doc.DeclaredSize,
		"indexedAt":       doc.IndexedAt.UTC().Format(time.RFC3339),
	}
	if doc.ThumbnailKey != "" {
		meta["thumbnailKey"] = doc.ThumbnailKey
	}
	if doc.Pages > 0 {
		meta["pages"] = doc.Pages
	}
	for k, v := range doc.Metadata {
		// Caller metadata must not shadow the fields above.
		if _, exists := meta[k]; !exists {
			meta[k] = v
		}
	}
	return meta
}
