package natsjs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
)

// Logger interface for optional connection event logging.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client wraps a NATS connection and its JetStream context.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  config.NATSConfig

	logger   Logger
	loggerMu sync.RWMutex
}

// Connect dials the NATS server and initialises JetStream.
//
// Parameters:
//   - ctx: Bounds the initial connection attempt
//   - cfg: NATS configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed wrapping the cause
func Connect(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	c := &Client{cfg: cfg}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, c.options()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, r.err)
		}
		c.conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, ctx.Err())
	}

	js, err := jetstream.New(c.conn)
	if err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("%w: jetstream: %w", ErrConnectionFailed, err)
	}
	c.js = js
	return c, nil
}

// options builds nats.Options from configuration.
func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if l := c.getLogger(); l != nil {
				l.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			if l := c.getLogger(); l != nil {
				l.Info("NATS reconnected", "url", conn.ConnectedUrl())
			}
		}),
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	if c.cfg.Name != "" {
		opts = append(opts, nats.Name(c.cfg.Name))
	}
	if c.cfg.RequestTimeout > 0 {
		opts = append(opts, nats.Timeout(c.cfg.RequestTimeout))
	}
	return opts
}

// SetLogger sets a logger for connection events.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Stream returns the named stream, creating or updating it to match cfg.
func (c *Client) Stream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	s, err := c.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("natsjs: stream %s: %w", cfg.Name, err)
	}
	return s, nil
}

// KeyValue returns the named bucket, creating it when it does not exist.
func (c *Client) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	kv, err := c.js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("natsjs: bucket %s: %w", bucket, err)
	}

	kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Twinline device twin documents",
		History:     1,
	})
	if err != nil {
		if isAlreadyExists(err) {
			return c.js.KeyValue(ctx, bucket)
		}
		return nil, fmt.Errorf("natsjs: creating bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// HealthCheck verifies the connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("nats health check: %w", ctx.Err())
	default:
	}
	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("natsjs: drain: %w", err)
	}
	return nil
}
