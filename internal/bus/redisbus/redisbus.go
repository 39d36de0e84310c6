// Package redisbus implements bus.Bus on Redis Pub/Sub: fanning events
// out to every gateway instance subscribed to a topic, with a bounded
// exponential backoff on reconnect.
package redisbus

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pairchat/relay/internal/apperr"
	"github.com/pairchat/relay/internal/bus"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// Bus publishes and subscribes through a single *redis.Client, sharding
// each topic into a fixed number of channels so records sharing a
// partition key land on the same channel and are therefore observed in
// publication order by any one subscriber.
type Bus struct {
	client   *redis.Client
	log      zerolog.Logger
	pool     *pond.WorkerPool
	shards   int
	clientID string
	groupID  string

	mu      sync.Mutex
	stopped bool
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger attaches a logger used for reconnect and delivery failures.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithWorkers bounds the concurrency used to invoke subscriber handlers.
// Defaults to 16 workers, 64 queued tasks (4x queue depth).
func WithWorkers(n int) Option {
	return func(b *Bus) { b.pool = pond.New(n, n*4, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second)) }
}

// WithShards sets the number of channels each topic is split across.
// Defaults to 1, i.e. total order across the whole topic. Raise it for
// throughput once ordering only needs to hold per partition key.
func WithShards(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.shards = n
		}
	}
}

// WithClientID tags this instance's logs and Redis client name, for
// correlating traffic across gateway instances sharing one broker.
func WithClientID(id string) Option {
	return func(b *Bus) { b.clientID = id }
}

// WithGroupID tags the logical group this instance belongs to, for the
// same correlation purpose as WithClientID at coarser granularity.
func WithGroupID(id string) Option {
	return func(b *Bus) { b.groupID = id }
}

// New returns a Bus backed by a Redis client built from url (e.g.
// "redis://host:6379/0").
func New(url string, opts ...Option) (*Bus, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperr.Lifecycle("redisbus.New", err)
	}
	b := &Bus{
		log:    zerolog.Nop(),
		shards: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clientID != "" {
		redisOpts.ClientName = b.clientID
	}
	b.client = redis.NewClient(redisOpts)
	if b.clientID != "" || b.groupID != "" {
		b.log = b.log.With().Str("busClientId", b.clientID).Str("busGroupId", b.groupID).Logger()
	}
	if b.pool == nil {
		b.pool = pond.New(16, 64, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second))
	}
	return b, nil
}

func (b *Bus) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return apperr.Lifecycle("redisbus.Start", err)
	}
	return nil
}

func (b *Bus) Stop() error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.pool.StopAndWait()
	if err := b.client.Close(); err != nil {
		return apperr.Lifecycle("redisbus.Stop", err)
	}
	return nil
}

func (b *Bus) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// shardChannel maps a (topic, key) pair onto one of the topic's shard
// channels, e.g. "chat.messages.3".
func (b *Bus) shardChannel(topic bus.Topic, key string) string {
	if b.shards <= 1 {
		return string(topic) + ".0"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shard := int(h.Sum32()) % b.shards
	if shard < 0 {
		shard += b.shards
	}
	return string(topic) + "." + itoa(shard)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

func (b *Bus) Publish(ctx context.Context, topic bus.Topic, key string, record []byte) error {
	if b.isStopped() {
		return apperr.Lifecycle("redisbus.Publish", errors.New("bus is shutting down"))
	}
	channel := b.shardChannel(topic, key)
	env := envelope{Key: key, Record: record}
	payload, err := encodeEnvelope(env)
	if err != nil {
		return apperr.Validation("redisbus.Publish", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return apperr.Transient("redisbus.Publish", err)
	}
	return nil
}

// Subscribe listens on every shard channel for topic and reconnects
// with a bounded exponential backoff: the first retry waits 200ms, and
// each later one doubles the wait up to a 10s ceiling, until ctx is
// canceled or Stop is called.
func (b *Bus) Subscribe(ctx context.Context, topic bus.Topic, handler bus.Handler) error {
	if b.isStopped() {
		return apperr.Lifecycle("redisbus.Subscribe", errors.New("bus is shutting down"))
	}

	channels := make([]string, b.shards)
	for i := range channels {
		channels[i] = string(topic) + "." + itoa(i)
	}

	backoff := initialBackoff
	for {
		err := b.subscribeOnce(ctx, topic, channels, handler)
		if ctx.Err() != nil || b.isStopped() {
			return nil
		}
		if err == nil {
			backoff = initialBackoff
			continue
		}
		b.log.Warn().Err(err).Str("topic", string(topic)).Dur("backoff", backoff).Msg("redisbus: subscription dropped, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bus) subscribeOnce(ctx context.Context, topic bus.Topic, channels []string, handler bus.Handler) error {
	sub := b.client.Subscribe(ctx, channels...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redisbus: subscription channel closed")
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.log.Warn().Err(err).Str("topic", string(topic)).Msg("redisbus: dropping malformed record")
				continue
			}
			b.pool.Submit(func() {
				defer func() {
					if r := recover(); r != nil {
						b.log.Warn().Interface("panic", r).Str("topic", string(topic)).Msg("redisbus: handler panicked")
					}
				}()
				if err := handler(ctx, topic, env.Key, env.Record); err != nil {
					b.log.Error().Err(err).Str("topic", string(topic)).Str("key", env.Key).Msg("redisbus: handler failed")
				}
			})
		}
	}
}

var _ bus.Bus = (*Bus)(nil)
