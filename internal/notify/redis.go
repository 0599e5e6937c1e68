package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "clinic:changes:"

// RedisNotifier carries events between API instances over Redis Pub/Sub.
// Subscribers attach to a local Broadcaster fed by a single receive loop,
// so one Redis subscription serves every SSE stream in the process.
type RedisNotifier struct {
	client *redis.Client
	local  *Broadcaster
	log    zerolog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func channelFor(t Topic) string {
	return channelPrefix + string(t)
}

// NewRedisNotifier subscribes to both topics and starts the receive loop.
func NewRedisNotifier(ctx context.Context, client *redis.Client, local *Broadcaster, log zerolog.Logger) (*RedisNotifier, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	pubsub := client.Subscribe(loopCtx, channelFor(TopicAppointments), channelFor(TopicAvailability))

	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe change channels: %w", err)
	}

	n := &RedisNotifier{
		client: client,
		local:  local,
		log:    log,
		pubsub: pubsub,
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.receive(loopCtx)
	return n, nil
}

// Publish sends evt to every instance. When Redis is unreachable the event
// is still delivered to local subscribers and the error is returned for
// logging; callers must not fail a committed mutation on it.
func (n *RedisNotifier) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, channelFor(evt.Topic), data).Err(); err != nil {
		n.local.deliver(evt)
		return fmt.Errorf("publish event: %w", err)
	}
	n.log.Debug().Str("topic", string(evt.Topic)).Str("event_id", evt.ID).Str("type", evt.Type).Msg("published event")
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, topics ...Topic) (<-chan Event, func()) {
	return n.local.Subscribe(ctx, topics...)
}

func (n *RedisNotifier) receive(ctx context.Context) {
	defer n.wg.Done()
	ch := n.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				n.log.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding malformed event")
				continue
			}
			if evt.Topic == "" {
				evt.Topic = Topic(strings.TrimPrefix(msg.Channel, channelPrefix))
			}
			n.local.deliver(evt)
		}
	}
}

func (n *RedisNotifier) Close() error {
	n.cancel()
	err := n.pubsub.Close()
	n.wg.Wait()
	if err != nil {
		return fmt.Errorf("close change subscription: %w", err)
	}
	return nil
}
