// Package nats connects the engine's event sink to a NATS JetStream server.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/config"
)

// ConnectionConfig holds the client settings for a NATS connection.
type ConnectionConfig struct {
	URL           string
	Name          string
	MaxReconnects int // -1 for unlimited
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// FromConfig derives connection settings from the engine configuration.
func FromConfig(cfg config.NATSConfig) *ConnectionConfig {
	return &ConnectionConfig{
		URL:           cfg.URL,
		Name:          cfg.Name,
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect establishes a connection, honouring ctx while dialing.
func Connect(ctx context.Context, cfg *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if cfg == nil {
		return nil, errors.New("connection config cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains conn, falling back to a hard close.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// StreamManager is the part of nats.JetStreamContext used to provision the
// event stream.
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// EnsureEventStream creates the stream capturing every subject below prefix
// unless it already exists.
func EnsureEventStream(js StreamManager, stream, prefix string) error {
	if stream == "" || prefix == "" {
		return errors.New("stream name and subject prefix are required")
	}
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:        stream,
		Description: "Execution lifecycle events",
		Subjects:    []string{prefix + ".>"},
		Storage:     nats.FileStorage,
		Replicas:    1,
		MaxAge:      24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", stream, err)
	}
	return nil
}

// JetStream connects and returns a JetStream context with the event stream
// provisioned. The caller owns the returned connection.
func JetStream(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	conn, err := Connect(ctx, FromConfig(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = Close(conn)
		return nil, nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	if err := EnsureEventStream(js, cfg.Stream, cfg.SubjectPrefix); err != nil {
		_ = Close(conn)
		return nil, nil, err
	}
	return conn, js, nil
}
