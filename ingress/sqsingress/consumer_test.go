package sqsingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mesh "github.com/hatsunemiku3939/agentmesh"
	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/pkg/jsonschema"
	"github.com/hatsunemiku3939/agentmesh/semroute"
)

const testQueueURL = "https://sqs.test/queue/mesh"

// mockSQS serves one batch of messages, then blocks until cancellation.
type mockSQS struct {
	mu       sync.Mutex
	messages []types.Message
	served   bool
	deleted  []string
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	if !m.served {
		m.served = true
		out := &sqs.ReceiveMessageOutput{Messages: m.messages}
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()
	<-ctx.Done()
	return nil, context.Canceled
}

func (m *mockSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) deletedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// stubSubmitter scripts submit outcomes and records envelopes.
type stubSubmitter struct {
	mu        sync.Mutex
	envelopes []mesh.Envelope
	err       error
}

func (s *stubSubmitter) Submit(_ context.Context, env mesh.Envelope) (mesh.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, env)
	if s.err != nil {
		return mesh.Ack{}, s.err
	}
	return mesh.Ack{ID: "ack-1", ThreadID: env.ThreadID, Accepted: true}, nil
}

func (s *stubSubmitter) submitted() []mesh.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mesh.Envelope(nil), s.envelopes...)
}

type stubRouter struct {
	mu    sync.Mutex
	calls []string
	plan  semroute.DispatchPlan
	err   error
}

func (s *stubRouter) RouteByIntent(_ context.Context, natural, _, _ string) (semroute.DispatchPlan, error) {
	s.mu.Lock()
	s.calls = append(s.calls, natural)
	s.mu.Unlock()
	return s.plan, s.err
}

func testSchemas(t *testing.T) *jsonschema.Registry {
	t.Helper()
	schemas := jsonschema.NewRegistry()
	require.NoError(t, schemas.Compile("mesh/envelope", mesh.EnvelopeSchema))
	return schemas
}

func message(handle, body string) types.Message {
	return types.Message{ReceiptHandle: aws.String(handle), Body: aws.String(body)}
}

func runConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	time.Sleep(150 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

const validBody = `{
	"namespace": "mesh.test/v1",
	"payloadTag": "FileReadRequest",
	"payload": {"path": "x"},
	"sender": "remote",
	"threadId": "root",
	"profile": "coding"
}`

func TestConsumerSubmitsAndDeletes(t *testing.T) {
	client := &mockSQS{messages: []types.Message{message("h1", validBody)}}
	submitter := &stubSubmitter{}
	c := NewConsumer(client, testQueueURL, submitter, testSchemas(t))

	runConsumer(t, c)

	envs := submitter.submitted()
	require.Len(t, envs, 1)
	assert.Equal(t, "FileReadRequest", envs[0].PayloadTag)
	assert.Equal(t, []string{"h1"}, client.deletedHandles())
}

func TestConsumerDeletesPoisonMessages(t *testing.T) {
	client := &mockSQS{messages: []types.Message{message("bad", `{"garbage":`)}}
	submitter := &stubSubmitter{}
	c := NewConsumer(client, testQueueURL, submitter, testSchemas(t))

	runConsumer(t, c)

	assert.Empty(t, submitter.submitted(), "unparseable bodies never reach the pipeline")
	assert.Equal(t, []string{"bad"}, client.deletedHandles())
}

func TestConsumerLeavesTransientFailuresForRedrive(t *testing.T) {
	client := &mockSQS{messages: []types.Message{message("h1", validBody)}}
	submitter := &stubSubmitter{err: mesh.ErrMailboxFull}
	c := NewConsumer(client, testQueueURL, submitter, testSchemas(t))

	runConsumer(t, c)

	assert.Len(t, submitter.submitted(), 1)
	assert.Empty(t, client.deletedHandles(), "transient failures stay on the queue")
}

func TestConsumerDeletesStructuralDenials(t *testing.T) {
	client := &mockSQS{messages: []types.Message{message("h1", validBody)}}
	submitter := &stubSubmitter{err: fault.New(fault.KindRouteNotFound, "no route")}
	c := NewConsumer(client, testQueueURL, submitter, testSchemas(t))

	runConsumer(t, c)

	assert.Equal(t, []string{"h1"}, client.deletedHandles(), "denied messages never become valid")
}

func TestConsumerIntentBody(t *testing.T) {
	client := &mockSQS{messages: []types.Message{message("h1",
		`{"intent":"read the config file","profile":"researcher","threadId":"root"}`)}}
	submitter := &stubSubmitter{}
	router := &stubRouter{plan: semroute.DispatchPlan{
		Handler:    "file-read",
		PayloadTag: "FileReadRequest",
		Payload:    []byte(`{"path":"config.yml"}`),
	}}
	c := NewConsumer(client, testQueueURL, submitter, testSchemas(t),
		WithIntentRouter(router, "mesh.test/v1"))

	runConsumer(t, c)

	router.mu.Lock()
	assert.Equal(t, []string{"read the config file"}, router.calls)
	router.mu.Unlock()

	envs := submitter.submitted()
	require.Len(t, envs, 1)
	assert.Equal(t, "FileReadRequest", envs[0].PayloadTag)
	assert.Equal(t, "researcher", envs[0].Profile)
	assert.Equal(t, senderName, envs[0].Sender)
	assert.JSONEq(t, `{"path":"config.yml"}`, string(envs[0].Payload))
	assert.Equal(t, []string{"h1"}, client.deletedHandles())
}

func TestConsumerIntentRouterDenial(t *testing.T) {
	client := &mockSQS{messages: []types.Message{message("h1",
		`{"intent":"erase the disk","profile":"researcher"}`)}}
	submitter := &stubSubmitter{}
	router := &stubRouter{err: fault.New(fault.KindNoCapability, "masked")}
	c := NewConsumer(client, testQueueURL, submitter, testSchemas(t),
		WithIntentRouter(router, "mesh.test/v1"))

	runConsumer(t, c)

	assert.Empty(t, submitter.submitted())
	assert.Equal(t, []string{"h1"}, client.deletedHandles(), "a structural denial is poison")
}

func TestConsumerIgnoresErrFromEmptyBody(t *testing.T) {
	client := &mockSQS{messages: []types.Message{{ReceiptHandle: aws.String("h1")}}}
	submitter := &stubSubmitter{}
	c := NewConsumer(client, testQueueURL, submitter, testSchemas(t))

	runConsumer(t, c)

	assert.Empty(t, submitter.submitted())
	assert.Empty(t, client.deletedHandles())
}

var (
	_ SQSClient    = (*mockSQS)(nil)
	_ Submitter    = (*stubSubmitter)(nil)
	_ IntentRouter = (*stubRouter)(nil)
)
