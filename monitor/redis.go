package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentguard-ai/agentguard/types"
)

// Default pub/sub channels for RedisMonitor.
const (
	DefaultEventChannel    = "agentguard:events"
	DefaultSnapshotChannel = "agentguard:snapshots"
)

// RedisOptions configures the redis connection behind a RedisMonitor.
type RedisOptions struct {
	// URL is the redis connection string (e.g. "redis://localhost:6379").
	URL string

	// TLS configuration for secure connections.
	TLS *tls.Config

	// EventChannel and SnapshotChannel name the pub/sub channels events and
	// snapshots are published to. Defaults apply when empty.
	EventChannel    string
	SnapshotChannel string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish call.
	PublishTimeout time.Duration

	// Logger receives publish failures at warning level. Optional.
	Logger *slog.Logger
}

// RedisMonitor publishes every event and snapshot as JSON to redis pub/sub
// channels, letting external dashboards and aggregators observe the engine
// without linking against it. Publish failures are logged and dropped; the
// engine never blocks on a slow subscriber.
type RedisMonitor struct {
	client          *redis.Client
	eventChannel    string
	snapshotChannel string
	publishTimeout  time.Duration
	logger          *slog.Logger
}

// NewRedisMonitor connects to redis and returns a publishing monitor.
func NewRedisMonitor(opts RedisOptions) (*RedisMonitor, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.EventChannel == "" {
		opts.EventChannel = DefaultEventChannel
	}
	if opts.SnapshotChannel == "" {
		opts.SnapshotChannel = DefaultSnapshotChannel
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PublishTimeout == 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisMonitor{
		client:          client,
		eventChannel:    opts.EventChannel,
		snapshotChannel: opts.SnapshotChannel,
		publishTimeout:  opts.PublishTimeout,
		logger:          opts.Logger,
	}, nil
}

// OnEvent publishes the event as JSON to the event channel.
func (m *RedisMonitor) OnEvent(event Event) {
	m.publish(m.eventChannel, event)
}

// OnSnapshot publishes the snapshot as JSON to the snapshot channel.
func (m *RedisMonitor) OnSnapshot(snapshot types.SystemSnapshot) {
	m.publish(m.snapshotChannel, snapshot)
}

// Close closes the redis connection.
func (m *RedisMonitor) Close() error {
	return m.client.Close()
}

func (m *RedisMonitor) publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("failed to marshal monitor payload",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.publishTimeout)
	defer cancel()

	if err := m.client.Publish(ctx, channel, data).Err(); err != nil {
		m.logger.Warn("failed to publish monitor payload",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}
}
