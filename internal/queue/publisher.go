// Package queue publishes accepted notifications to the downstream SQS work
// queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"mailnotify/internal/config"
	"mailnotify/internal/types"
)

// SQSAPI is the subset of *sqs.Client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// ConnState is the publisher's connection state.
type ConnState int32

const (
	StateClosed ConnState = iota
	StateConnecting
	StateOpen
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ErrPublisherClosed is returned by Connect after Close.
var ErrPublisherClosed = errors.New("queue: publisher closed")

const fifoSuffix = ".fifo"

// Publisher forwards QueueMessages to SQS.
//
// The connection is the resolved queue URL. It moves Closed -> Connecting ->
// Open on the first publish (or Connect) and drops back to Closed when a send
// shows the queue is gone or unreachable; the next publish reconnects. There
// is no background reconnection.
//
// mu guards the state. Sends hold the read lock, so they run concurrently
// with each other but never overlap a reconnect. mu lives as long as the
// Publisher.
type Publisher struct {
	client SQSAPI
	cfg    config.AWSConfig
	logger types.Logger

	mu       sync.RWMutex
	state    ConnState
	queueURL string
	shutdown bool
}

// NewPublisher creates a Publisher in the Closed state.
func NewPublisher(client SQSAPI, cfg config.AWSConfig, logger types.Logger) *Publisher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger.With("queue", cfg.QueueName),
	}
}

// Connect opens the connection eagerly. Publish connects lazily, so calling
// Connect is optional.
func (p *Publisher) Connect(ctx context.Context) error {
	return p.ensureOpen(ctx)
}

// Publish sends msg to the work queue. It reports false on any failure,
// including a failed reconnect; it never panics on a broken connection.
func (p *Publisher) Publish(ctx context.Context, msg types.QueueMessage) bool {
	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal queue message", "notification_id", msg.NotificationID, "error", err)
		return false
	}

	if err := p.ensureOpen(ctx); err != nil {
		p.logger.Error("queue connection unavailable", "notification_id", msg.NotificationID, "error", err)
		return false
	}

	p.mu.RLock()
	if p.state != StateOpen {
		p.mu.RUnlock()
		p.logger.Warn("queue connection closed before publish", "notification_id", msg.NotificationID)
		return false
	}
	queueURL := p.queueURL
	_, err = p.client.SendMessage(ctx, p.buildInput(queueURL, string(body), msg))
	p.mu.RUnlock()

	if err != nil {
		if connectionLost(err) {
			p.markClosed(queueURL)
		}
		p.logger.Error("failed to publish queue message",
			"notification_id", msg.NotificationID,
			"error", err,
		)
		return false
	}

	p.logger.Info("queue message published",
		"notification_id", msg.NotificationID,
		"subscription_id", msg.SubscriptionID,
		"change_type", string(msg.ChangeType),
	)
	return true
}

// IsHealthy reports whether the connection is currently open.
func (p *Publisher) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.shutdown && p.state == StateOpen
}

// State returns the current connection state.
func (p *Publisher) State() ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Close shuts the publisher down permanently. Subsequent publishes return
// false.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	p.state = StateClosed
	p.queueURL = ""
	return nil
}

func (p *Publisher) ensureOpen(ctx context.Context) error {
	p.mu.RLock()
	open, shut := p.state == StateOpen, p.shutdown
	p.mu.RUnlock()
	if shut {
		return ErrPublisherClosed
	}
	if open {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have connected while we waited.
	if p.shutdown {
		return ErrPublisherClosed
	}
	if p.state == StateOpen {
		return nil
	}

	p.state = StateConnecting
	queueURL, err := p.declareTopology(ctx)
	if err != nil {
		p.state = StateClosed
		return err
	}
	p.queueURL = queueURL
	p.state = StateOpen
	p.logger.Info("queue connection open", "queue_url", queueURL)
	return nil
}

// markClosed drops the connection if it is still the one that failed.
func (p *Publisher) markClosed(failedURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateOpen && p.queueURL == failedURL {
		p.state = StateClosed
		p.queueURL = ""
		p.logger.Warn("queue connection lost; will reconnect on next publish")
	}
}

// declareTopology declares the dead-letter queue (when configured) and the
// work queue. Caller must hold mu.
func (p *Publisher) declareTopology(ctx context.Context) (string, error) {
	attrs := map[string]string{}
	if isFIFO(p.cfg.QueueName) {
		attrs[string(sqsTypes.QueueAttributeNameFifoQueue)] = "true"
	}

	if p.cfg.DLQName != "" {
		redrive, err := p.redrivePolicy(ctx)
		if err != nil {
			return "", err
		}
		if redrive != "" {
			attrs[string(sqsTypes.QueueAttributeNameRedrivePolicy)] = redrive
		}
	}

	return p.declareQueue(ctx, p.cfg.QueueName, attrs)
}

func (p *Publisher) redrivePolicy(ctx context.Context) (string, error) {
	dlqAttrs := map[string]string{}
	if isFIFO(p.cfg.DLQName) {
		dlqAttrs[string(sqsTypes.QueueAttributeNameFifoQueue)] = "true"
	}
	dlqURL, err := p.declareQueue(ctx, p.cfg.DLQName, dlqAttrs)
	if err != nil {
		return "", err
	}

	out, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(dlqURL),
		AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		if isAccessDenied(err) {
			p.logger.Warn("cannot read dead-letter queue arn; skipping redrive policy", "dlq", p.cfg.DLQName)
			return "", nil
		}
		return "", fmt.Errorf("queue: reading dead-letter queue arn: %w", err)
	}

	policy, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": out.Attributes[string(sqsTypes.QueueAttributeNameQueueArn)],
		"maxReceiveCount":     strconv.Itoa(p.cfg.MaxReceiveCount),
	})
	if err != nil {
		return "", fmt.Errorf("queue: encoding redrive policy: %w", err)
	}
	return string(policy), nil
}

// declareQueue creates the queue if absent. CreateQueue is idempotent for
// matching attributes. When the caller may not create queues, or the queue
// exists with other attributes, the existing queue is used as-is.
func (p *Publisher) declareQueue(ctx context.Context, name string, attrs map[string]string) (string, error) {
	input := &sqs.CreateQueueInput{QueueName: aws.String(name)}
	if len(attrs) > 0 {
		input.Attributes = attrs
	}

	out, err := p.client.CreateQueue(ctx, input)
	if err == nil {
		return aws.ToString(out.QueueUrl), nil
	}

	var nameExists *sqsTypes.QueueNameExists
	switch {
	case isAccessDenied(err):
		p.logger.Warn("no permission to declare queue; treating it as externally managed", "queue_name", name)
	case errors.As(err, &nameExists):
		p.logger.Warn("queue exists with different attributes; using it as-is", "queue_name", name)
	default:
		return "", fmt.Errorf("queue: declaring %s: %w", name, err)
	}

	got, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("queue: resolving %s: %w", name, err)
	}
	return aws.ToString(got.QueueUrl), nil
}

func (p *Publisher) buildInput(queueURL, body string, msg types.QueueMessage) *sqs.SendMessageInput {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			types.HeaderNotificationID: stringAttr(msg.NotificationID),
			types.HeaderUserID:         stringAttr(msg.OwnerID),
			types.HeaderMessageID:      stringAttr(msg.ResourceMessageID),
			types.HeaderChangeType:     stringAttr(string(msg.ChangeType)),
			types.HeaderPersistent:     stringAttr("true"),
		},
	}
	if isFIFO(queueURL) {
		input.MessageGroupId = aws.String(msg.SubscriptionID)
		input.MessageDeduplicationId = aws.String(msg.NotificationID)
	}
	return input
}

// stringAttr builds a String message attribute. SQS rejects empty values.
func stringAttr(v string) sqsTypes.MessageAttributeValue {
	if v == "" {
		v = types.UnknownSegment
	}
	return sqsTypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func isFIFO(nameOrURL string) bool {
	return strings.HasSuffix(nameOrURL, fifoSuffix)
}

func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(apiErr.ErrorCode(), "AccessDenied")
}

// connectionLost reports whether a send error means the resolved queue can no
// longer be used and the next publish should reconnect.
func connectionLost(err error) bool {
	var notExist *sqsTypes.QueueDoesNotExist
	if errors.As(err, &notExist) {
		return true
	}
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "AWS.SimpleQueueService.NonExistentQueue"
	}
	return false
}
