// Package events publishes committed account changes to downstream billing
// and analytics consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"iris/internal/types"
)

// Publisher delivers an AccountEvent. Callers treat failures as
// non-fatal: the mutation the event describes has already committed.
type Publisher interface {
	Publish(ctx context.Context, event types.AccountEvent) error
}

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each event as one JSON message. The event type is
// copied into the "event_type" message attribute so consumers can filter
// without decoding the body.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

var _ Publisher = (*SQSPublisher)(nil)

// NewSQSPublisher creates a publisher targeting queueURL.
func NewSQSPublisher(client SQSSender, queueURL string, logger types.Logger) *SQSPublisher {
	if logger == nil {
		logger = types.NewSlogAdapter(nil)
	}
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish serializes event and sends it to the account events queue.
func (p *SQSPublisher) Publish(ctx context.Context, event types.AccountEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("account event publisher: failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("account event publisher: failed to send message to %s: %w", p.queueURL, err)
	}

	p.logger.Info("account event published",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"user_id", event.UserID,
	)
	return nil
}

// NopPublisher drops every event. Used when no queue is configured.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) Publish(context.Context, types.AccountEvent) error { return nil }
