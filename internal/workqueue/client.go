package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
)

// maxAttempts bounds the client's internal retries against SQS. Exhaustion
// surfaces as an error to the coordinator, which backs off the poll loop.
const maxAttempts = 3

// SQSAPI abstracts SQS operations for dependency inversion.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSClient implements the work queue contract over Amazon SQS.
type SQSClient struct {
	client            SQSAPI
	queueURL          string
	dlqURL            string
	defaultContainer  string
	visibilityTimeout time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

// NewSQSClient creates a new SQSClient. defaultContainer is the bucket
// assumed for messages that omit objectContainer.
func NewSQSClient(client SQSAPI, queueURL, dlqURL, defaultContainer string, visibilityTimeout time.Duration, logger *slog.Logger) *SQSClient {
	return &SQSClient{
		client:            client,
		queueURL:          queueURL,
		dlqURL:            dlqURL,
		defaultContainer:  defaultContainer,
		visibilityTimeout: visibilityTimeout,
		logger:            logger,
		now:               time.Now,
	}
}

// ReceiveBatch long-polls the queue for up to waitSeconds and returns at most
// maxItems work items. An empty slice on timeout is not an error. Messages
// whose bodies cannot be parsed are dead-lettered and deleted immediately:
// they can never process successfully, so redelivering them is pointless.
func (c *SQSClient) ReceiveBatch(ctx context.Context, maxItems int32, waitSeconds int32) ([]WorkItem, error) {
	out, err := retry(ctx, func() (*sqs.ReceiveMessageOutput, error) {
		return c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.queueURL,
			MaxNumberOfMessages: maxItems,
			WaitTimeSeconds:     waitSeconds,
			VisibilityTimeout:   int32(c.visibilityTimeout / time.Second),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	items := make([]WorkItem, 0, len(out.Messages))
	for _, msg := range out.Messages {
		item, err := c.decodeMessage(msg)
		if err != nil {
			c.logger.ErrorContext(ctx, "Dropping malformed work message",
				slog.String("message_id", aws.ToString(msg.MessageId)),
				slog.String("error", err.Error()),
			)
			c.deadLetterRaw(ctx, aws.ToString(msg.Body), err.Error())
			c.deleteReceipt(ctx, aws.ToString(msg.ReceiptHandle))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// decodeMessage parses one SQS message into a WorkItem.
func (c *SQSClient) decodeMessage(msg types.Message) (WorkItem, error) {
	var body messageBody
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &body); err != nil {
		return WorkItem{}, fmt.Errorf("parse message body: %w", err)
	}
	if body.ObjectKey == "" {
		return WorkItem{}, errors.New("message missing objectKey")
	}
	if body.ObjectContainer == "" {
		body.ObjectContainer = c.defaultContainer
	}

	itemID := body.ItemID
	if itemID == "" {
		itemID = DeriveItemID(body.ObjectContainer, body.ObjectKey)
	}

	deliveries := 1
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			deliveries = n
		}
	}

	return WorkItem{
		ItemID:           itemID,
		ObjectContainer:  body.ObjectContainer,
		ObjectKey:        body.ObjectKey,
		DeclaredSize:     body.DeclaredSize,
		DeclaredMIMEType: body.DeclaredMIMEType,
		Metadata:         body.Metadata,
		ReceiptToken:     aws.ToString(msg.ReceiptHandle),
		DeliveryCount:    deliveries,
		ReceivedAt:       c.now(),
	}, nil
}

// ExtendVisibility pushes out the item's visibility deadline by d from now.
func (c *SQSClient) ExtendVisibility(ctx context.Context, item WorkItem, d time.Duration) error {
	_, err := retry(ctx, func() (*sqs.ChangeMessageVisibilityOutput, error) {
		return c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          &c.queueURL,
			ReceiptHandle:     &item.ReceiptToken,
			VisibilityTimeout: int32(d / time.Second),
		})
	})
	if err != nil {
		return fmt.Errorf("extend visibility for %s: %w", item.ItemID, err)
	}
	return nil
}

// Acknowledge deletes the item from the queue. An expired receipt token is a
// logged warning, not an error: the message has already become visible again
// and the idempotent index write makes the redelivery harmless.
func (c *SQSClient) Acknowledge(ctx context.Context, item WorkItem) error {
	_, err := retry(ctx, func() (*sqs.DeleteMessageOutput, error) {
		return c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &c.queueURL,
			ReceiptHandle: &item.ReceiptToken,
		})
	})
	if err != nil {
		if isReceiptInvalid(err) {
			c.logger.WarnContext(ctx, "Acknowledge on expired receipt, item will redeliver",
				slog.String("item_id", item.ItemID),
			)
			return nil
		}
		return fmt.Errorf("acknowledge %s: %w", item.ItemID, err)
	}
	return nil
}

// SendToDeadLetter escalates the item to the dead-letter queue with the
// captured error kind and detail attached.
func (c *SQSClient) SendToDeadLetter(ctx context.Context, item WorkItem, kind, detail string) error {
	record := deadLetterRecord{
		messageBody: messageBody{
			ItemID:           item.ItemID,
			ObjectContainer:  item.ObjectContainer,
			ObjectKey:        item.ObjectKey,
			DeclaredSize:     item.DeclaredSize,
			DeclaredMIMEType: item.DeclaredMIMEType,
			Metadata:         item.Metadata,
		},
		ErrorKind:     kind,
		ErrorDetail:   truncateDetail(detail),
		DeliveryCount: item.DeliveryCount,
		FailedAt:      c.now().UTC(),
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}

	bodyStr := string(body)
	_, err = retry(ctx, func() (*sqs.SendMessageOutput, error) {
		return c.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    &c.dlqURL,
			MessageBody: &bodyStr,
			MessageAttributes: map[string]types.MessageAttributeValue{
				"ErrorKind": {
					DataType:    aws.String("String"),
					StringValue: aws.String(kind),
				},
				"FailedAt": {
					DataType:    aws.String("String"),
					StringValue: aws.String(record.FailedAt.Format(time.RFC3339)),
				},
			},
		})
	})
	if err != nil {
		return fmt.Errorf("send %s to dead-letter queue: %w", item.ItemID, err)
	}

	c.logger.InfoContext(ctx, "Item escalated to dead-letter queue",
		slog.String("item_id", item.ItemID),
		slog.String("error_kind", kind),
		slog.Int("delivery_count", item.DeliveryCount),
	)
	return nil
}

// ApproximateVisibleItems returns the queue's approximate visible depth.
func (c *SQSClient) ApproximateVisibleItems(ctx context.Context) (int, error) {
	out, err := retry(ctx, func() (*sqs.GetQueueAttributesOutput, error) {
		return c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl: &c.queueURL,
			AttributeNames: []types.QueueAttributeName{
				types.QueueAttributeNameApproximateNumberOfMessages,
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("get queue attributes: %w", err)
	}

	v := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse queue depth %q: %w", v, err)
	}
	return n, nil
}

// deadLetterRaw forwards an unparseable raw body to the DLQ, best-effort.
func (c *SQSClient) deadLetterRaw(ctx context.Context, body, detail string) {
	_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &c.dlqURL,
		MessageBody: &body,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"ErrorKind": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Permanent"),
			},
			"ErrorDetail": {
				DataType:    aws.String("String"),
				StringValue: aws.String(truncateDetail(detail)),
			},
		},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to dead-letter malformed message",
			slog.String("error", err.Error()),
		)
	}
}

// deleteReceipt deletes a message by receipt handle, best-effort.
func (c *SQSClient) deleteReceipt(ctx context.Context, receipt string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.queueURL,
		ReceiptHandle: &receipt,
	})
	if err != nil && !isReceiptInvalid(err) {
		c.logger.ErrorContext(ctx, "Failed to delete malformed message",
			slog.String("error", err.Error()),
		)
	}
}

// retry runs op with bounded exponential backoff.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxAttempts),
	)
}

// isReceiptInvalid reports whether err indicates an expired or invalid
// receipt handle. SQS surfaces both a typed error and, for expired handles,
// a generic InvalidParameterValue.
func isReceiptInvalid(err error) bool {
	var receiptErr *types.ReceiptHandleIsInvalid
	if errors.As(err, &receiptErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "ReceiptHandleIsInvalid" || code == "InvalidParameterValue"
	}
	return false
}

// truncateDetail caps error detail at the SQS attribute-friendly length,
// without splitting a multi-byte character.
func truncateDetail(s string) string {
	const maxDetail = 1024
	if len(s) <= maxDetail {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxDetail {
		return s
	}
	return string(runes[:maxDetail])
}
