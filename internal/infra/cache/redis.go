// Package cache mirrors rendered surface frames into Redis for out-of-process readers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/volsurface/internal/app/viewer"
	"github.com/coachpo/volsurface/internal/infra/logging"
	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

const (
	defaultKeyPrefix = "volsurface"
	defaultTTL       = 30 * time.Second
)

// ErrNoFrame is returned when no live frame is cached for a symbol.
var ErrNoFrame = errors.New("cache: no frame cached")

// Options configures a RedisPublisher.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisPublisher stores the latest frame per symbol under <prefix>:<symbol>:latest with a TTL and
// announces it on <prefix>:<symbol>:frames.
type RedisPublisher struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	log       *logrus.Entry

	published metric.Int64Counter
}

var _ viewer.Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher dials Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, opts Options, log *logrus.Entry) (*RedisPublisher, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("cache: redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return NewRedisPublisherWithClient(client, opts, log), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client redis.UniversalClient, opts Options, log *logrus.Entry) *RedisPublisher {
	if log == nil {
		log = logging.Discard()
	}
	prefix := strings.Trim(strings.TrimSpace(opts.KeyPrefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	p := &RedisPublisher{
		client:    client,
		keyPrefix: prefix,
		ttl:       ttl,
		log:       log.WithField("cache", "redis"),
	}
	meter := otel.Meter("cache.redis")
	p.published, _ = meter.Int64Counter("cache.frame.publish.count",
		metric.WithDescription("Frames mirrored into Redis"),
		metric.WithUnit("{frame}"))
	return p
}

// LatestKey returns the key holding the latest frame for symbol.
func (p *RedisPublisher) LatestKey(symbol string) string {
	return fmt.Sprintf("%s:%s:latest", p.keyPrefix, strings.ToUpper(strings.TrimSpace(symbol)))
}

// Channel returns the pub/sub channel frames are announced on.
func (p *RedisPublisher) Channel(symbol string) string {
	return fmt.Sprintf("%s:%s:frames", p.keyPrefix, strings.ToUpper(strings.TrimSpace(symbol)))
}

// Publish stores frame and notifies subscribers in one pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, frame viewer.Frame) error {
	if strings.TrimSpace(frame.Symbol) == "" {
		return fmt.Errorf("cache: frame symbol required")
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("cache: encode frame: %w", err)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.LatestKey(frame.Symbol), payload, p.ttl)
		pipe.Publish(ctx, p.Channel(frame.Symbol), payload)
		return nil
	})
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	p.published.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrSymbol.String(frame.Symbol),
		telemetry.AttrResult.String(result)))
	if err != nil {
		return fmt.Errorf("cache: publish frame: %w", err)
	}
	return nil
}

// Latest reads the cached frame for symbol.
func (p *RedisPublisher) Latest(ctx context.Context, symbol string) (viewer.Frame, error) {
	payload, err := p.client.Get(ctx, p.LatestKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return viewer.Frame{}, ErrNoFrame
	}
	if err != nil {
		return viewer.Frame{}, fmt.Errorf("cache: read frame: %w", err)
	}
	var frame viewer.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return viewer.Frame{}, fmt.Errorf("cache: decode frame: %w", err)
	}
	return frame, nil
}

// Close releases the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
