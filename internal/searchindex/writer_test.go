package searchindex

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors/types"
)

// mockS3VectorsAPI implements S3VectorsAPI for testing.
type mockS3VectorsAPI struct {
	createIndexFunc func(ctx context.Context, params *s3vectors.CreateIndexInput, optFns ...func(*s3vectors.Options)) (*s3vectors.CreateIndexOutput, error)
	putVectorsFunc  func(ctx context.Context, params *s3vectors.PutVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.PutVectorsOutput, error)

	createIndexCalls int
	putVectorsCalls  int
}

func (m *mockS3VectorsAPI) CreateIndex(ctx context.Context, params *s3vectors.CreateIndexInput, optFns ...func(*s3vectors.Options)) (*s3vectors.CreateIndexOutput, error) {
	m.createIndexCalls++
	if m.createIndexFunc != nil {
		return m.createIndexFunc(ctx, params, optFns...)
	}
	return &s3vectors.CreateIndexOutput{}, nil
}

func (m *mockS3VectorsAPI) PutVectors(ctx context.Context, params *s3vectors.PutVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.PutVectorsOutput, error) {
	m.putVectorsCalls++
	if m.putVectorsFunc != nil {
		return m.putVectorsFunc(ctx, params, optFns...)
	}
	return &s3vectors.PutVectorsOutput{}, nil
}

func testDocument(dims int) Document {
	return Document{
		ItemID:               "abc123",
		ObjectContainer:      "file-bucket",
		ObjectKey:            "reports/q3.pdf",
		ExtractedTextExcerpt: "quarterly report",
		Embedding:            make([]float32, dims),
		MIMEType:             "application/pdf",
		DeclaredSize:         2048,
		Pages:                12,
		IndexedAt:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPutDocument_KeyedByItemID(t *testing.T) {
	var captured *s3vectors.PutVectorsInput
	mock := &mockS3VectorsAPI{
		putVectorsFunc: func(ctx context.Context, params *s3vectors.PutVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.PutVectorsOutput, error) {
			captured = params
			return &s3vectors.PutVectorsOutput{}, nil
		},
	}
	writer := NewS3VectorsWriter(mock, Config{BucketName: "vec-bucket", IndexName: "file-index", Dimensions: 4})

	if err := writer.PutDocument(context.Background(), testDocument(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured == nil {
		t.Fatal("PutVectors not called")
	}
	if *captured.VectorBucketName != "vec-bucket" {
		t.Errorf("bucket = %q, want vec-bucket", *captured.VectorBucketName)
	}
	if *captured.IndexName != "file-index" {
		t.Errorf("index = %q, want file-index", *captured.IndexName)
	}
	if len(captured.Vectors) != 1 {
		t.Fatalf("vectors count = %d, want 1", len(captured.Vectors))
	}
	if *captured.Vectors[0].Key != "abc123" {
		t.Errorf("vector key = %q, want abc123", *captured.Vectors[0].Key)
	}

	metaBytes, err := captured.Vectors[0].Metadata.MarshalSmithyDocument()
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta["objectKey"] != "reports/q3.pdf" {
		t.Errorf("objectKey = %v, want reports/q3.pdf", meta["objectKey"])
	}
	if meta["excerpt"] != "quarterly report" {
		t.Errorf("excerpt = %v, want quarterly report", meta["excerpt"])
	}
}

func TestPutDocument_DimensionMismatch(t *testing.T) {
	mock := &mockS3VectorsAPI{}
	writer := NewS3VectorsWriter(mock, Config{BucketName: "vec-bucket", IndexName: "file-index", Dimensions: 1024})

	err := writer.PutDocument(context.Background(), testDocument(3))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
	if mock.putVectorsCalls != 0 {
		t.Errorf("PutVectors called %d times, want 0", mock.putVectorsCalls)
	}
}

func TestPutDocument_IndexCreatedOnce(t *testing.T) {
	mock := &mockS3VectorsAPI{}
	writer := NewS3VectorsWriter(mock, Config{BucketName: "vec-bucket", IndexName: "file-index", Dimensions: 4})

	for i := 0; i < 3; i++ {
		if err := writer.PutDocument(context.Background(), testDocument(4)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if mock.createIndexCalls != 1 {
		t.Errorf("CreateIndex called %d times, want 1", mock.createIndexCalls)
	}
	if mock.putVectorsCalls != 3 {
		t.Errorf("PutVectors called %d times, want 3", mock.putVectorsCalls)
	}
}

func TestPutDocument_ExistingIndexConflictTolerated(t *testing.T) {
	mock := &mockS3VectorsAPI{
		createIndexFunc: func(ctx context.Context, params *s3vectors.CreateIndexInput, optFns ...func(*s3vectors.Options)) (*s3vectors.CreateIndexOutput, error) {
			return nil, &types.ConflictException{}
		},
	}
	writer := NewS3VectorsWriter(mock, Config{BucketName: "vec-bucket", IndexName: "file-index", Dimensions: 4})

	if err := writer.PutDocument(context.Background(), testDocument(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.putVectorsCalls != 1 {
		t.Errorf("PutVectors called %d times, want 1", mock.putVectorsCalls)
	}
}

func TestMetadataDocument_CallerMetadataDoesNotShadow(t *testing.T) {
	doc := testDocument(4)
	doc.Metadata = map[string]string{
		"objectKey": "spoofed",
		"owner":     "team-a",
	}

	meta := metadataDocument(doc)
	if meta["objectKey"] != "reports/q3.pdf" {
		t.Errorf("objectKey = %v, want reports/q3.pdf", meta["objectKey"])
	}
	if meta["owner"] != "team-a" {
		t.Errorf("owner = %v, want team-a", meta["owner"])
	}
}
