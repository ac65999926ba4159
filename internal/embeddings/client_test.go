package embeddings

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
)

// mockBedrockInvoker implements BedrockInvoker for testing.
type mockBedrockInvoker struct {
	invokeFunc func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

func (m *mockBedrockInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if m.invokeFunc != nil {
		return m.invokeFunc(ctx, params, optFns...)
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(`{"embedding":[]}`)}, nil
}

func TestEmbedText_SendsDimensionsAndNormalize(t *testing.T) {
	var capturedModel string
	var capturedBody []byte
	mock := &mockBedrockInvoker{
		invokeFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
			capturedModel = *params.ModelId
			capturedBody = params.Body
			return &bedrockruntime.InvokeModelOutput{Body: []byte(`{"embedding":[0.1,0.2]}`)}, nil
		},
	}

	client := NewBedrockClient(mock, Config{Dimensions: 1024})
	vec, err := client.EmbedText(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("embedding length = %d, want 2", len(vec))
	}
	if capturedModel != ModelTitanEmbedTextV2 {
		t.Errorf("model = %q, want %q", capturedModel, ModelTitanEmbedTextV2)
	}

	var req struct {
		InputText  string `json:"inputText"`
		Dimensions int    `json:"dimensions"`
		Normalize  bool   `json:"normalize"`
	}
	if err := json.Unmarshal(capturedBody, &req); err != nil {
		t.Fatalf("failed to parse request body: %v", err)
	}
	if req.InputText != "hello world" {
		t.Errorf("InputText = %q, want %q", req.InputText, "hello world")
	}
	if req.Dimensions != 1024 {
		t.Errorf("Dimensions = %d, want 1024", req.Dimensions)
	}
	if !req.Normalize {
		t.Error("Normalize = false, want true")
	}
}

func TestEmbedImage_Base64EncodesInput(t *testing.T) {
	var capturedModel string
	var capturedBody []byte
	mock := &mockBedrockInvoker{
		invokeFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
			capturedModel = *params.ModelId
			capturedBody = params.Body
			return &bedrockruntime.InvokeModelOutput{Body: []byte(`{"embedding":[0.5]}`)}, nil
		},
	}

	client := NewBedrockClient(mock, Config{Dimensions: 1024})
	raw := []byte{0xff, 0xd8, 0xff, 0xe0}
	if _, err := client.EmbedImage(context.Background(), raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capturedModel != ModelTitanEmbedImageV1 {
		t.Errorf("model = %q, want %q", capturedModel, ModelTitanEmbedImageV1)
	}

	var req struct {
		InputImage string `json:"inputImage"`
	}
	if err := json.Unmarshal(capturedBody, &req); err != nil {
		t.Fatalf("failed to parse request body: %v", err)
	}
	if req.InputImage != base64.StdEncoding.EncodeToString(raw) {
		t.Errorf("InputImage not base64 of input")
	}
}

func TestEmbedText_InvokeError(t *testing.T) {
	mock := &mockBedrockInvoker{
		invokeFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
			return nil, errors.New("boom")
		},
	}

	client := NewBedrockClient(mock, Config{})
	if _, err := client.EmbedText(context.Background(), "text"); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsThrottle(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ThrottlingException", true},
		{"TooManyRequestsException", true},
		{"ServiceUnavailableException", true},
		{"ModelTimeoutException", true},
		{"ValidationException", false},
		{"AccessDeniedException", false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("invoke model: %w", &smithy.GenericAPIError{Code: tt.code})
		if got := IsThrottle(err); got != tt.want {
			t.Errorf("IsThrottle(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
	if IsThrottle(errors.New("plain error")) {
		t.Error("IsThrottle(plain error) = true, want false")
	}
}

func TestIsBadInput(t *testing.T) {
	err := fmt.Errorf("invoke model: %w", &smithy.GenericAPIError{Code: "ValidationException"})
	if !IsBadInput(err) {
		t.Error("IsBadInput(ValidationException) = false, want true")
	}
	if IsBadInput(fmt.Errorf("invoke model: %w", &smithy.GenericAPIError{Code: "ThrottlingException"})) {
		t.Error("IsBadInput(ThrottlingException) = true, want false")
	}
}
