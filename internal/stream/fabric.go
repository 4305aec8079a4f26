package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/commodix/access-layer/internal/entitlement"
	"github.com/commodix/access-layer/internal/metrics"
)

var (
	ErrUnknownTopic  = errors.New("unknown topic")
	ErrNotEntitled   = errors.New("not entitled to topic")
	ErrTopicsBackend = errors.New("topic entitlement check unavailable")
)

// BusSubscriber lazily attaches the fabric to a bus topic. Implementations
// must be idempotent per topic.
type BusSubscriber interface {
	EnsureSubscribed(ctx context.Context, topic string) error
	Close() error
}

// Fabric wires the connection registry to the bus consumer and gates
// subscriptions through the entitlement engine.
type Fabric struct {
	Registry *Registry
	bus      BusSubscriber
	ent      *entitlement.Engine
	m        *metrics.Metrics

	// Guards the lazy per-topic bus subscribe so only one attach call per
	// topic is ever in flight.
	subscribeMu sync.Mutex
	attached    map[string]bool
}

// NewFabric composes the streaming fabric.
func NewFabric(reg *Registry, bus BusSubscriber, ent *entitlement.Engine, m *metrics.Metrics) *Fabric {
	return &Fabric{
		Registry: reg,
		bus:      bus,
		ent:      ent,
		m:        m,
		attached: make(map[string]bool),
	}
}

// AttachBus installs the bus subscriber after construction. The consumer
// needs the fabric as its dispatcher, so wiring is two-step: build the
// fabric, build the consumer against it, attach.
func (f *Fabric) AttachBus(bus BusSubscriber) {
	f.subscribeMu.Lock()
	f.bus = bus
	f.subscribeMu.Unlock()
}

// Subscribe authorises and records a topic subscription for a connection.
func (f *Fabric) Subscribe(ctx context.Context, conn *Connection, topic string, filter Filter) error {
	info, ok := Topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	roles := make([]interface{}, len(conn.Roles))
	for i, r := range conn.Roles {
		roles[i] = r
	}
	decision, err := f.ent.Check(ctx, &entitlement.CheckRequest{
		Subject:  conn.Subject,
		Tenant:   conn.Tenant,
		Resource: info.Resource,
		Action:   info.Action,
		Context: map[string]interface{}{
			"topic":     topic,
			"transport": conn.Transport,
			"roles":     roles,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTopicsBackend, err)
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrNotEntitled, topic)
	}

	if err := f.ensureBusTopic(ctx, topic); err != nil {
		return err
	}
	return f.Registry.Subscribe(conn.ID, topic, filter)
}

// Unsubscribe removes a subscription. The bus attachment is retained even
// when the subscriber set empties; no reference counting.
func (f *Fabric) Unsubscribe(conn *Connection, topic string) error {
	if _, ok := Topics[topic]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return f.Registry.Unsubscribe(conn.ID, topic)
}

func (f *Fabric) ensureBusTopic(ctx context.Context, topic string) error {
	f.subscribeMu.Lock()
	defer f.subscribeMu.Unlock()
	if f.attached[topic] {
		return nil
	}
	if f.bus != nil {
		if err := f.bus.EnsureSubscribed(ctx, topic); err != nil {
			return fmt.Errorf("bus subscribe %s: %w", topic, err)
		}
	}
	f.attached[topic] = true
	return nil
}

// Dispatch fans one bus message out to the topic's subscribers, applying
// each subscriber's filter. The envelope is marshalled once; enqueueing
// never blocks.
func (f *Fabric) Dispatch(env Envelope) {
	subs := f.Registry.Subscribers(env.Topic)
	if len(subs) == 0 {
		return
	}

	var frame []byte
	for _, conn := range subs {
		filter, ok := conn.TopicFilter(env.Topic)
		if !ok {
			continue
		}
		if !filter.Matches(env.Data) {
			continue
		}
		if frame == nil {
			var err error
			frame, err = json.Marshal(env)
			if err != nil {
				slog.Warn("dropping unmarshallable bus message", "topic", env.Topic, "error", err)
				return
			}
		}
		if conn.Enqueue(frame) {
			if f.m != nil {
				f.m.MessagesDelivered.WithLabelValues(env.Topic).Inc()
			}
		} else if f.m != nil {
			f.m.MessagesDropped.WithLabelValues(env.Topic).Inc()
		}
	}
}

// Close shuts the registry and the bus consumer down.
func (f *Fabric) Close() {
	f.Registry.Close()
	f.subscribeMu.Lock()
	bus := f.bus
	f.subscribeMu.Unlock()
	if bus != nil {
		bus.Close()
	}
}
