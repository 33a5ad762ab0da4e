// Package broker carries admission messages over Redis Streams. Each event
// has its own stream, consumed by one worker through a consumer group so
// unacknowledged messages survive restarts and are delivered again.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"ticket-queue/utils"

	"github.com/redis/go-redis/v9"
)

type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Ready
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Dialer opens a client that has already answered a PING.
type Dialer func(ctx context.Context) (redis.UniversalClient, error)

// DialURL dials a redis:// URL or host:port.
func DialURL(url string) Dialer {
	return func(ctx context.Context) (redis.UniversalClient, error) {
		return utils.NewRedisClient(ctx, url)
	}
}

// Connection is the process-wide handle to the message channel. Concurrent
// callers that find it disconnected wait for a single dial.
type Connection struct {
	dial   Dialer
	logger *slog.Logger

	mu     sync.Mutex
	client redis.UniversalClient
	state  atomic.Int32
}

func NewConnection(dial Dialer, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{dial: dial, logger: logger}
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Client returns the live client, dialing first if needed.
func (c *Connection) Client(ctx context.Context) (redis.UniversalClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	c.state.Store(int32(Connecting))
	client, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(Disconnected))
		return nil, fmt.Errorf("connect message channel: %w", err)
	}

	c.client = client
	c.state.Store(int32(Ready))
	c.logger.Info("Message channel connected")
	return client, nil
}

// Invalidate drops failed so the next caller reconnects. A failed client
// that was already replaced is ignored; its late errors must not tear down
// the new one.
func (c *Connection) Invalidate(failed redis.UniversalClient, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || c.client != failed {
		return
	}
	c.logger.Warn("Message channel connection lost", "error", cause)

	c.client.Close()
	c.client = nil
	c.state.Store(int32(Disconnected))
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	c.client = nil
	c.state.Store(int32(Disconnected))
	return err
}

// IsConnectionError reports whether err means the link itself is broken,
// as opposed to a reply error, an empty read or a cancelled call.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}
