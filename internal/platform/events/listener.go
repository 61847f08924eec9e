// Package events receives Postgres change notifications on a LISTEN
// channel and hands each payload to a handler.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// HandlerFunc processes one notification payload. A returned error is
// logged; the notification is not redelivered by Postgres.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Session is one dedicated connection subscribed to a channel.
type Session interface {
	Listen(ctx context.Context, channel string) error
	Wait(ctx context.Context) (*pgconn.Notification, error)
	Close()
}

// Connector opens a new Session.
type Connector func(ctx context.Context) (Session, error)

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) ListenerOption {
	return func(l *Listener) {
		l.minBackoff = min
		l.maxBackoff = max
	}
}

// WithHandlerTimeout bounds how long one payload may be processed.
func WithHandlerTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) { l.handlerTimeout = d }
}

type Listener struct {
	connect        Connector
	channel        string
	handler        HandlerFunc
	logger         zerolog.Logger
	minBackoff     time.Duration
	maxBackoff     time.Duration
	handlerTimeout time.Duration
}

func NewListener(connect Connector, channel string, handler HandlerFunc, logger zerolog.Logger, opts ...ListenerOption) *Listener {
	l := &Listener{
		connect:        connect,
		channel:        channel,
		handler:        handler,
		logger:         logger.With().Str("component", "events").Str("channel", channel).Logger(),
		minBackoff:     500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		handlerTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff
// whenever the session fails. It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.minBackoff
	for {
		handled, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if handled > 0 {
			delay = l.minBackoff
		}
		l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("notification session ended")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.maxBackoff {
			delay = l.maxBackoff
		}
	}
}

// session runs one connection until it fails and reports how many
// notifications it delivered.
func (l *Listener) session(ctx context.Context) (int, error) {
	s, err := l.connect(ctx)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer s.Close()

	if err := s.Listen(ctx, l.channel); err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	l.logger.Info().Msg("listening for notifications")

	handled := 0
	for {
		n, err := s.Wait(ctx)
		if err != nil {
			return handled, fmt.Errorf("wait: %w", err)
		}
		if n.Channel != l.channel {
			continue
		}
		l.dispatch(ctx, n)
		handled++
	}
}

func (l *Listener) dispatch(ctx context.Context, n *pgconn.Notification) {
	hctx, cancel := context.WithTimeout(ctx, l.handlerTimeout)
	defer cancel()

	if err := l.handler(hctx, []byte(n.Payload)); err != nil {
		l.logger.Error().Err(err).Uint32("backend_pid", n.PID).Msg("notification handler failed")
	}
}

// PoolConnector acquires dedicated connections from pool. Each session
// holds its connection for its whole lifetime.
func PoolConnector(pool *pgxpool.Pool) Connector {
	return func(ctx context.Context) (Session, error) {
		if pool == nil {
			return nil, errors.New("no database pool")
		}
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &poolSession{conn: conn}, nil
	}
}

type poolSession struct {
	conn *pgxpool.Conn
}

func (s *poolSession) Listen(ctx context.Context, channel string) error {
	_, err := s.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (s *poolSession) Wait(ctx context.Context) (*pgconn.Notification, error) {
	return s.conn.Conn().WaitForNotification(ctx)
}

// Close drops the underlying connection instead of returning it, so the
// LISTEN subscription never leaks into other pool users.
func (s *poolSession) Close() {
	conn := s.conn.Hijack()
	conn.Close(context.Background())
}
