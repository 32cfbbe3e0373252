package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

const (
	// DefaultPingInterval is the interval at which RedisTransport checks the health of its connection.
	DefaultPingInterval = 2 * time.Second
)

// RedisTransport is a Transport backed by Redis pub/sub.
type RedisTransport struct {
	*baseTransport

	client       *redis.Client
	hostname     string
	port         int
	db           int
	password     string
	pingInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger
}

// NewRedisTransport creates a new RedisTransport. The connection is not established until Connect is called.
func NewRedisTransport(hostname string, port int, db int, password string) *RedisTransport {
	transport := &RedisTransport{
		baseTransport: newBaseTransport(),
		hostname:      hostname,
		port:          port,
		db:            db,
		password:      password,
		pingInterval:  DefaultPingInterval,
	}

	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}

	transport.logger = logger
	transport.sugaredLogger = logger.Sugar()

	return transport
}

// SetPingInterval changes the interval of the connection health check. It must be called before Connect.
func (t *RedisTransport) SetPingInterval(interval time.Duration) {
	t.pingInterval = interval
}

func (t *RedisTransport) address() string {
	return fmt.Sprintf("%s:%d", t.hostname, t.port)
}

// Connect creates the Redis client and starts the health check. If Redis is not reachable, Connect returns an
// error but the health check keeps running, so the transport becomes Connected once Redis comes up.
func (t *RedisTransport) Connect(ctx context.Context) error {
	if t.client != nil {
		return nil
	}

	t.sugaredLogger.Debugf("Connecting to remote Redis server at '%s'", t.address())
	t.setStatus(Connecting)

	t.client = redis.NewClient(&redis.Options{
		Addr:     t.address(),
		Password: t.password,
		DB:       t.db,
	})

	var pingCtx context.Context
	pingCtx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.healthCheck(pingCtx)

	if err := t.client.Ping(ctx).Err(); err != nil {
		t.sugaredLogger.Warnf("Failed to connect to remote Redis server at '%s': %v", t.address(), err)
		t.setStatus(Disconnected)
		return fmt.Errorf("%w: %v", types.ErrDisconnected, err)
	}

	t.sugaredLogger.Debugf("Connected to remote Redis server at '%s'", t.address())
	t.setStatus(Connected)

	return nil
}

func (t *RedisTransport) healthCheck(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := t.client.Ping(ctx).Err(); err != nil {
			if ctx.Err() != nil {
				return
			}

			if t.ConnectionStatus() == Connected {
				t.sugaredLogger.Warnf("Lost connection to remote Redis server at '%s': %v", t.address(), err)
			}

			t.setStatus(Disconnected)
			continue
		}

		t.setStatus(Connected)
	}
}

// Close stops the health check and closes the client. A closed RedisTransport cannot be reconnected.
func (t *RedisTransport) Close() error {
	if t.client == nil || t.cancel == nil {
		return nil
	}

	t.cancel()
	t.cancel = nil
	t.wg.Wait()

	err := t.client.Close()
	t.setStatus(Disconnected)

	return err
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.client == nil || t.ConnectionStatus() != Connected {
		return fmt.Errorf("%w: cannot publish to %s", types.ErrDisconnected, topic)
	}

	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		t.setStatus(Disconnected)
		return fmt.Errorf("%w: failed to publish to %s: %v", types.ErrDisconnected, topic, err)
	}

	return nil
}

// Subscribe subscribes to the topic. "+" levels are translated to a Redis glob, and messages whose channel does
// not match the topic level-by-level are discarded.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error) {
	if t.client == nil {
		return nil, fmt.Errorf("%w: cannot subscribe to %s", types.ErrDisconnected, topic)
	}

	var pubsub *redis.PubSub
	if strings.Contains(topic, Wildcard) {
		pubsub = t.client.PSubscribe(ctx, strings.ReplaceAll(topic, Wildcard, "*"))
	} else {
		pubsub = t.client.Subscribe(ctx, topic)
	}

	// Wait for the confirmation so that no message published after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}

	go func() {
		defer close(sub.done)

		for msg := range pubsub.Channel() {
			if !Matches(topic, msg.Channel) {
				continue
			}

			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}
