// Package objectstore provides S3-backed blob access for the worker.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrObjectNotFound indicates the referenced object no longer exists.
// Downloads hitting this are permanent failures: redelivery cannot help.
var ErrObjectNotFound = errors.New("object not found")

// S3API abstracts the S3 operations the client needs.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client downloads source objects and uploads generated thumbnails.
type Client struct {
	api             S3API
	downloader      *manager.Downloader
	thumbnailPrefix string
}

// NewClient creates a new Client. thumbnailPrefix is the key prefix under
// which generated previews are stored.
func NewClient(api S3API, thumbnailPrefix string) *Client {
	return &Client{
		api:             api,
		downloader:      manager.NewDownloader(api),
		thumbnailPrefix: thumbnailPrefix,
	}
}

// Download fetches s3://container/key into destPath via the transfer manager.
func (c *Client) Download(ctx context.Context, container, key, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	defer f.Close()

	_, err = c.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("download s3://%s/%s: %w", container, key, ErrObjectNotFound)
		}
		return fmt.Errorf("download s3://%s/%s: %w", container, key, err)
	}
	return nil
}

// PutThumbnail uploads a JPEG preview for the given source object and returns
// the thumbnail key. The key is a pure function of the source key, so
// reprocessing the same item overwrites the same thumbnail instead of
// accumulating duplicates.
func (c *Client) PutThumbnail(ctx context.Context, container, key string, data []byte) (string, error) {
	thumbKey := ThumbnailKey(c.thumbnailPrefix, key)
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(container),
		Key:         aws.String(thumbKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/jpeg"),
		Metadata: map[string]string{
			"original-key": key,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put thumbnail %s: %w", thumbKey, err)
	}
	return thumbKey, nil
}

// ThumbnailKey derives the deterministic preview key for a source object key.
func ThumbnailKey(prefix, key string) string {
	return prefix + "/" + key + ".jpg"
}

// IsNotFound reports whether err wraps ErrObjectNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "NoSuchBucket"
	}
	return false
}
