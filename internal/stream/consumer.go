package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
)

// Dispatcher receives decoded bus messages; the Fabric implements it.
type Dispatcher interface {
	Dispatch(Envelope)
}

// PubSubConsumer attaches one bus subscription per topic and pushes every
// received message through the dispatcher. Attachment is lazy and
// idempotent; the receive loops run until Close.
type PubSubConsumer struct {
	client     *pubsub.Client
	dispatcher Dispatcher
	subPrefix  string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	offsets map[string]*atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPubSubConsumer connects to the message bus.
func NewPubSubConsumer(ctx context.Context, projectID, subPrefix string, d Dispatcher) (*PubSubConsumer, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	if subPrefix == "" {
		subPrefix = "access-layer"
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &PubSubConsumer{
		client:     client,
		dispatcher: d,
		subPrefix:  subPrefix,
		cancels:    make(map[string]context.CancelFunc),
		offsets:    make(map[string]*atomic.Int64),
		ctx:        rootCtx,
		cancel:     cancel,
	}, nil
}

// EnsureSubscribed starts the receive loop for a topic if it is not
// already running.
func (c *PubSubConsumer) EnsureSubscribed(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cancels[topic]; ok {
		return nil
	}

	t := c.client.Topic(topic)
	exists, err := t.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic exists %s: %w", topic, err)
	}
	if !exists {
		return fmt.Errorf("bus topic %s does not exist", topic)
	}

	subID := c.subPrefix + "-" + topic
	sub := c.client.Subscription(subID)
	if ok, err := sub.Exists(ctx); err != nil {
		return fmt.Errorf("subscription exists %s: %w", subID, err)
	} else if !ok {
		sub, err = c.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: t})
		if err != nil {
			return fmt.Errorf("create subscription %s: %w", subID, err)
		}
	}

	recvCtx, cancel := context.WithCancel(c.ctx)
	c.cancels[topic] = cancel
	offset := &atomic.Int64{}
	c.offsets[topic] = offset

	go func() {
		err := sub.Receive(recvCtx, func(_ context.Context, m *pubsub.Message) {
			c.handle(topic, offset, m)
		})
		if err != nil && recvCtx.Err() == nil {
			slog.Error("bus receive loop exited", "topic", topic, "error", err)
		}
	}()

	slog.Info("bus consumer attached", "topic", topic, "subscription", subID)
	return nil
}

// handle decodes one bus message into an envelope and dispatches it. The
// bus has no native partition/offset; the consumer synthesises a
// per-topic sequence so clients can observe ordering gaps.
func (c *PubSubConsumer) handle(topic string, offset *atomic.Int64, m *pubsub.Message) {
	var data map[string]interface{}
	if err := json.Unmarshal(m.Data, &data); err != nil {
		slog.Warn("dropping non-JSON bus message", "topic", topic, "error", err)
		m.Ack()
		return
	}

	c.dispatcher.Dispatch(Envelope{
		Topic:     topic,
		Data:      data,
		Timestamp: m.PublishTime,
		Partition: 0,
		Offset:    offset.Add(1) - 1,
	})
	m.Ack()
}

// Close cancels every receive loop and the client.
func (c *PubSubConsumer) Close() error {
	c.cancel()
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = map[string]context.CancelFunc{}
	c.mu.Unlock()
	return c.client.Close()
}

var _ BusSubscriber = (*PubSubConsumer)(nil)
