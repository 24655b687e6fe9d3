// Package sqsingress feeds the pipeline from an AWS SQS queue. Each
// message body is parsed as a wire envelope and submitted; the accept
// policy decides between delete and redrive.
package sqsingress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/tidwall/gjson"

	mesh "github.com/hatsunemiku3939/agentmesh"
	"github.com/hatsunemiku3939/agentmesh/pkg/jsonschema"
	"github.com/hatsunemiku3939/agentmesh/semroute"
)

const (
	// maxMessages caps one receive batch.
	maxMessages = 5
	// waitTimeSeconds enables long polling.
	waitTimeSeconds = 10
	// deleteTimeout bounds the DeleteMessage call.
	deleteTimeout = 5 * time.Second
	// receiveRetryDelay paces retries after receive errors.
	receiveRetryDelay = 2 * time.Second
)

// SQSClient is the slice of the SQS API the consumer needs; mockable in
// tests.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Submitter is the slice of the pipeline the consumer needs.
type Submitter interface {
	Submit(ctx context.Context, env mesh.Envelope) (mesh.Ack, error)
}

// IntentRouter resolves intent-form messages to dispatch plans.
type IntentRouter interface {
	RouteByIntent(ctx context.Context, natural, profileName, threadID string) (semroute.DispatchPlan, error)
}

// senderName is the envelope sender recorded for queue-originated
// submissions.
const senderName = "sqs-ingress"

// Consumer polls SQS and submits envelopes.
type Consumer struct {
	client    SQSClient
	queueURL  string
	pipeline  Submitter
	schemas   *jsonschema.Registry
	policy    AcceptPolicy
	intents   IntentRouter
	namespace string
	log       *slog.Logger
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Consumer) { c.log = log }
}

// WithAcceptPolicy overrides the accept policy.
func WithAcceptPolicy(p AcceptPolicy) Option {
	return func(c *Consumer) { c.policy = p }
}

// WithIntentRouter enables intent-form messages: bodies shaped
// {"intent": ..., "profile": ..., "threadId": ...} are resolved through
// the semantic router and the resulting plan is submitted under the given
// namespace.
func WithIntentRouter(ir IntentRouter, namespace string) Option {
	return func(c *Consumer) {
		c.intents = ir
		c.namespace = namespace
	}
}

// NewConsumer creates an SQS ingress consumer.
func NewConsumer(client SQSClient, queueURL string, pipeline Submitter, schemas *jsonschema.Registry, opts ...Option) *Consumer {
	c := &Consumer{
		client:   client,
		queueURL: queueURL,
		pipeline: pipeline,
		schemas:  schemas,
		policy:   RedrivePolicy{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the polling loop and blocks until the context is canceled,
// then waits for in-flight messages.
func (c *Consumer) Start(ctx context.Context) {
	c.log.Info("sqs ingress started", slog.String("queue", c.queueURL))
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}

		output, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: maxMessages,
			WaitTimeSeconds:     waitTimeSeconds,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			c.log.Error("receive failed, retrying", slog.Any("error", err))
			time.Sleep(receiveRetryDelay)
			continue
		}

		for _, msg := range output.Messages {
			wg.Add(1)
			go func(m types.Message) {
				defer wg.Done()
				c.processMessage(context.WithoutCancel(ctx), &m)
			}(msg)
		}
	}

	wg.Wait()
	c.log.Info("sqs ingress stopped", slog.String("queue", c.queueURL))
}

// processMessage parses, submits, and settles a single queue message.
func (c *Consumer) processMessage(ctx context.Context, msg *types.Message) {
	if msg.Body == nil {
		c.log.Error("message with empty body", slog.String("queue", c.queueURL))
		return
	}

	body := []byte(*msg.Body)
	env, err := c.decode(ctx, body)
	var ack mesh.Ack
	if err == nil {
		ack, err = c.pipeline.Submit(ctx, env)
	}
	if err != nil {
		c.log.Warn("envelope rejected",
			slog.String("tag", env.PayloadTag),
			slog.String("thread", env.ThreadID),
			slog.Any("error", err))
	} else {
		c.log.Debug("envelope accepted",
			slog.String("tag", env.PayloadTag),
			slog.String("thread", env.ThreadID),
			slog.String("ack", ack.ID))
	}

	if !c.policy.Decide(ctx, ack, err).Delete {
		return
	}
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	if _, err := c.client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		c.log.Error("delete failed", slog.Any("error", err))
	}
}

// decode turns a message body into an envelope: intent-form bodies go
// through the semantic router when one is configured, everything else is
// parsed as a wire envelope. The field sniff is cheap and runs before any
// full parse.
func (c *Consumer) decode(ctx context.Context, body []byte) (mesh.Envelope, error) {
	if c.intents != nil && gjson.GetBytes(body, "intent").Exists() && !gjson.GetBytes(body, "payloadTag").Exists() {
		natural := gjson.GetBytes(body, "intent").String()
		profileName := gjson.GetBytes(body, "profile").String()
		threadID := gjson.GetBytes(body, "threadId").String()
		if threadID == "" {
			threadID = mesh.RootThreadID
		}
		plan, err := c.intents.RouteByIntent(ctx, natural, profileName, threadID)
		if err != nil {
			return mesh.Envelope{}, err
		}
		return mesh.Envelope{
			Namespace:  c.namespace,
			PayloadTag: plan.PayloadTag,
			Payload:    plan.Payload,
			Sender:     senderName,
			ThreadID:   threadID,
			Profile:    profileName,
		}, nil
	}
	return mesh.ParseEnvelope(c.schemas, body)
}
