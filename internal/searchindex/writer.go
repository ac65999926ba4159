package searchindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	s3vdocument "github.com/aws/aws-sdk-go-v2/service/s3vectors/document"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors/types"
	"golang.org/x/sync/semaphore"
)

// ErrDimensionMismatch indicates an embedding whose length does not match
// the index schema. Retrying the same content cannot succeed.
var ErrDimensionMismatch = errors.New("embedding dimension does not match index")

// Writer upserts documents into the search index.
type Writer interface {
	PutDocument(ctx context.Context, doc Document) error
}

// S3VectorsAPI abstracts S3 Vectors operations for dependency inversion.
type S3VectorsAPI interface {
	CreateIndex(ctx context.Context, params *s3vectors.CreateIndexInput, optFns ...func(*s3vectors.Options)) (*s3vectors.CreateIndexOutput, error)
	PutVectors(ctx context.Context, params *s3vectors.PutVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.PutVectorsOutput, error)
}

// Config holds configuration for the S3 Vectors writer.
type Config struct {
	BucketName string
	IndexName  string
	// Dimensions is the vector dimension of the index schema.
	Dimensions int
	// MaxConcurrent bounds in-flight PutVectors calls across all workers.
	MaxConcurrent int64
}

// S3VectorsWriter implements Writer using AWS S3 Vectors.
type S3VectorsWriter struct {
	client     S3VectorsAPI
	bucketName string
	indexName  string
	dimensions int
	sem        *semaphore.Weighted

	mu         sync.Mutex
	knownIndex bool
}

// NewS3VectorsWriter creates a new S3VectorsWriter.
func NewS3VectorsWriter(client S3VectorsAPI, cfg Config) *S3VectorsWriter {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1024
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &S3VectorsWriter{
		client:     client,
		bucketName: cfg.BucketName,
		indexName:  cfg.IndexName,
		dimensions: dims,
		sem:        semaphore.NewWeighted(maxConcurrent),
	}
}

// ensureIndex creates the vector index if it doesn't already exist. A known
// index is cached in-memory to avoid repeated CreateIndex calls.
func (w *S3VectorsWriter) ensureIndex(ctx context.Context) error {
	w.mu.Lock()
	if w.knownIndex {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	dim := int32(w.dimensions)
	_, err := w.client.CreateIndex(ctx, &s3vectors.CreateIndexInput{
		VectorBucketName: &w.bucketName,
		IndexName:        &w.indexName,
		Dimension:        &dim,
		DataType:         types.DataTypeFloat32,
		DistanceMetric:   types.DistanceMetricCosine,
	})
	if err != nil {
		// If the index already exists, that's fine
		var conflictErr *types.ConflictException
		if !errors.As(err, &conflictErr) {
			return fmt.Errorf("create index %s: %w", w.indexName, err)
		}
	}

	w.mu.Lock()
	w.knownIndex = true
	w.mu.Unlock()
	return nil
}

// PutDocument upserts a document keyed by its ItemID.
func (w *S3VectorsWriter) PutDocument(ctx context.Context, doc Document) error {
	if len(doc.Embedding) != w.dimensions {
		return fmt.Errorf("document %s has %d dimensions, index has %d: %w",
			doc.ItemID, len(doc.Embedding), w.dimensions, ErrDimensionMismatch)
	}

	if err := w.ensureIndex(ctx); err != nil {
		return err
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	vectors := []types.PutInputVector{
		{
			Key:      &doc.ItemID,
			Data:     &types.VectorDataMemberFloat32{Value: doc.Embedding},
			Metadata: s3vdocument.NewLazyDocument(metadataDocument(doc)),
		},
	}

	_, err := w.client.PutVectors(ctx, &s3vectors.PutVectorsInput{
		VectorBucketName: &w.bucketName,
		IndexName:        aws.String(w.indexName),
		Vectors:          vectors,
	})
	if err != nil {
		return fmt.Errorf("put document %s: %w", doc.ItemID, err)
	}
	return nil
}
