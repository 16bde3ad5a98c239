package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/3rs4lg4d0/gtbx-relay/emitter"
	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"google.golang.org/api/option"
)

// Emitter publishes outbox records to Google Cloud Pub/Sub, one topic per
// route. Messages are ordered by aggregate id.
type Emitter struct {
	client *pubsub.Client
	logger gtbx.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ gtbx.Emitter = (*Emitter)(nil)
var _ gtbx.Loggable = (*Emitter)(nil)

func New(c *pubsub.Client) *Emitter {
	if c == nil {
		panic("client is mandatory")
	}
	return &Emitter{
		client: c,
		logger: &gtbx.NopLogger{},
		topics: make(map[string]*pubsub.Topic),
	}
}

// NewClient creates a Pub/Sub client for the given project.
func NewClient(ctx context.Context, projectId string, opts ...option.ClientOption) (*pubsub.Client, error) {
	c, err := pubsub.NewClient(ctx, projectId, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create the pubsub client: %w", err)
	}
	return c, nil
}

func (e *Emitter) SetLogger(l gtbx.Logger) {
	e.logger = l
}

// Emit publishes the record and waits for the server acknowledgement.
func (e *Emitter) Emit(ctx context.Context, o *gtbx.OutboxRecord) error {
	data, err := gtbx.BuildMessage(o)
	if err != nil {
		return err
	}

	topic := e.topic(o.Topic)
	res := topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  emitter.Headers(ctx, o),
		OrderingKey: o.AggregateId,
	})
	serverId, err := res.Get(ctx)
	if err != nil {
		// a failed publish pauses its ordering key until resumed
		topic.ResumePublish(o.AggregateId)
		return fmt.Errorf("could not publish record %d: %w", o.Id, err)
	}

	e.logger.Debug(fmt.Sprintf("delivered message %s to topic %s", serverId, o.Topic))
	return nil
}

// Close flushes the pending messages and closes the client.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.topics {
		t.Stop()
	}
	return e.client.Close()
}

func (e *Emitter) topic(id string) *pubsub.Topic {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.topics[id]
	if !ok {
		t = e.client.Topic(id)
		t.EnableMessageOrdering = true
		e.topics[id] = t
	}
	return t
}
