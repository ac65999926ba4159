// Package embeddings provides vector embedding generation via Amazon Bedrock.
package embeddings

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/semaphore"
)

const (
	// ModelTitanEmbedTextV2 is the model ID for Amazon Titan Text Embeddings v2.
	ModelTitanEmbedTextV2 = "amazon.titan-embed-text-v2:0"
	// ModelTitanEmbedImageV1 is the model ID for Amazon Titan Multimodal Embeddings G1.
	ModelTitanEmbedImageV1 = "amazon.titan-embed-image-v1"
)

// Client generates vector embeddings from text or image bytes.
type Client interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// BedrockInvoker abstracts Bedrock model invocation for dependency inversion.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config holds configuration for the Bedrock embedding client.
type Config struct {
	TextModelID  string
	ImageModelID string
	// Dimensions is the requested output dimension, matching the index schema.
	Dimensions int
	// MaxConcurrent bounds in-flight Bedrock calls across all workers, so a
	// large worker pool cannot overwhelm the model endpoint during bursts.
	MaxConcurrent int64
}

// BedrockClient generates embeddings via Amazon Bedrock Titan models.
type BedrockClient struct {
	client       BedrockInvoker
	textModelID  string
	imageModelID string
	dimensions   int
	sem          *semaphore.Weighted
}

// NewBedrockClient creates a new BedrockClient.
func NewBedrockClient(client BedrockInvoker, cfg Config) *BedrockClient {
	textModel := cfg.TextModelID
	if textModel == "" {
		textModel = ModelTitanEmbedTextV2
	}
	imageModel := cfg.ImageModelID
	if imageModel == "" {
		imageModel = ModelTitanEmbedImageV1
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1024
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &BedrockClient{
		client:       client,
		textModelID:  textModel,
		imageModelID: imageModel,
		dimensions:   dims,
		sem:          semaphore.NewWeighted(maxConcurrent),
	}
}

// titanTextRequest is the request body for Titan Text Embeddings v2.
type titanTextRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions"`
	Normalize  bool   `json:"normalize"`
}

// titanImageRequest is the request body for Titan Multimodal Embeddings G1.
type titanImageRequest struct {
	InputImage      string           `json:"inputImage"`
	EmbeddingConfig *embeddingConfig `json:"embeddingConfig,omitempty"`
}

type embeddingConfig struct {
	OutputEmbeddingLength int `json:"outputEmbeddingLength"`
}

// titanResponse is the response body shared by both Titan embedding models.
type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedText generates a vector embedding for the given text.
func (c *BedrockClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(titanTextRequest{
		InputText:  text,
		Dimensions: c.dimensions,
		Normalize:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.invoke(ctx, c.textModelID, reqBody)
}

// EmbedImage generates a vector embedding for the given PNG or JPEG bytes.
func (c *BedrockClient) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	reqBody, err := json.Marshal(titanImageRequest{
		InputImage: base64.StdEncoding.EncodeToString(image),
		EmbeddingConfig: &embeddingConfig{
			OutputEmbeddingLength: c.dimensions,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.invoke(ctx, c.imageModelID, reqBody)
}

func (c *BedrockClient) invoke(ctx context.Context, modelID string, body []byte) ([]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: &modelID,
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model %s: %w", modelID, err)
	}

	var resp titanResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp.Embedding, nil
}

// IsThrottle reports whether err is a rate-limit or temporary-capacity error
// from Bedrock. Such failures are retryable via queue redelivery.
func IsThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException",
		"ServiceUnavailableException", "ModelTimeoutException",
		"ModelNotReadyException":
		return true
	}
	return false
}

// IsBadInput reports whether err indicates the model rejected the input
// itself. Retrying the same content cannot succeed.
func IsBadInput(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationException"
}
