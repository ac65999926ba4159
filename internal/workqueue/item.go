// Package workqueue provides the SQS-backed durable work queue client.
package workqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// WorkItem is one unit of queued work referencing a file to process.
// ItemID is stable across redeliveries; ReceiptToken is specific to the
// current delivery and is invalidated once the item is acknowledged.
type WorkItem struct {
	ItemID           string
	ObjectContainer  string
	ObjectKey        string
	DeclaredSize     int64
	DeclaredMIMEType string
	Metadata         map[string]string

	ReceiptToken  string
	DeliveryCount int
	ReceivedAt    time.Time
}

// messageBody is the JSON payload produced by the upload notifier.
type messageBody struct {
	ItemID           string            `json:"itemId"`
	ObjectContainer  string            `json:"objectContainer"`
	ObjectKey        string            `json:"objectKey"`
	DeclaredSize     int64             `json:"declaredSize"`
	DeclaredMIMEType string            `json:"declaredMimeType"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// deadLetterRecord is the body written to the dead-letter queue. It carries
// the original message fields plus enough error detail for an operator to
// diagnose the failure without re-running the pipeline.
type deadLetterRecord struct {
	messageBody
	ErrorKind     string    `json:"errorKind"`
	ErrorDetail   string    `json:"errorDetail"`
	DeliveryCount int       `json:"deliveryCount"`
	FailedAt      time.Time `json:"failedAt"`
}

// DeriveItemID computes a deterministic item ID from the object location.
// Duplicate deliveries of the same upload always map to the same ID, so
// downstream writes stay idempotent regardless of receipt tokens.
func DeriveItemID(container, key string) string {
	sum := sha256.Sum256([]byte(container + "/" + key))
	return hex.EncodeToString(sum[:])
}
