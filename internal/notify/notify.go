// Package notify fans out "something changed, re-fetch" signals to every
// reader holding a view of appointments or availability.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Topic string

const (
	TopicAppointments Topic = "appointments"
	TopicAvailability Topic = "availability"
)

// Event types published by the booking coordinator.
const (
	EventBooked      = "appointment.booked"
	EventCancelled   = "appointment.cancelled"
	EventRescheduled = "appointment.rescheduled"
	EventConfirmed   = "appointment.confirmed"
	EventCompleted   = "appointment.completed"
)

type Event struct {
	ID            string    `json:"id"`
	Topic         Topic     `json:"topic"`
	Type          string    `json:"type"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	ProviderID    string    `json:"provider_id,omitempty"`
	Date          string    `json:"date,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewEvent stamps an event with an id and timestamp.
func NewEvent(topic Topic, typ, appointmentID, providerID, date string) Event {
	return Event{
		ID:            uuid.NewString(),
		Topic:         topic,
		Type:          typ,
		AppointmentID: appointmentID,
		ProviderID:    providerID,
		Date:          date,
		OccurredAt:    time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber hands out a channel of events for the given topics. The
// channel is closed when ctx is done or the returned func is called,
// whichever comes first.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...Topic) (<-chan Event, func())
}

type Notifier interface {
	Publisher
	Subscriber
}

const defaultBuffer = 64

type subscription struct {
	ch     chan Event
	topics map[Topic]struct{}
	once   sync.Once
}

// Broadcaster is the in-process notifier. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	log    zerolog.Logger
	buffer int

	published *prometheus.CounterVec
	dropped   prometheus.Counter

	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

type Option func(*Broadcaster)

func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithCounters attaches Prometheus counters. published is labelled by topic.
func WithCounters(published *prometheus.CounterVec, dropped prometheus.Counter) Option {
	return func(b *Broadcaster) {
		b.published = published
		b.dropped = dropped
	}
}

func NewBroadcaster(log zerolog.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		log:    log,
		buffer: defaultBuffer,
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) Publish(_ context.Context, evt Event) error {
	b.deliver(evt)
	return nil
}

func (b *Broadcaster) deliver(evt Event) {
	if b.published != nil {
		b.published.WithLabelValues(string(evt.Topic)).Inc()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if _, ok := sub.topics[evt.Topic]; !ok {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if b.dropped != nil {
				b.dropped.Inc()
			}
			b.log.Warn().
				Str("topic", string(evt.Topic)).
				Str("event_id", evt.ID).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

func (b *Broadcaster) Subscribe(ctx context.Context, topics ...Topic) (<-chan Event, func()) {
	sub := &subscription{
		ch:     make(chan Event, b.buffer),
		topics: make(map[Topic]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()

	b.log.Debug().Int("subscribers", count).Interface("topics", topics).Msg("subscribed")

	done := make(chan struct{})
	unsubscribe := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			close(sub.ch)
			b.mu.Unlock()
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()

	return sub.ch, unsubscribe
}

// Subscribers reports the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PublishChange emits the same event on both topics, which is what every
// successful appointment mutation does.
func PublishChange(ctx context.Context, p Publisher, typ, appointmentID, providerID, date string) error {
	var firstErr error
	for _, topic := range []Topic{TopicAppointments, TopicAvailability} {
		if err := p.Publish(ctx, NewEvent(topic, typ, appointmentID, providerID, date)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
