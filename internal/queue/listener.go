package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const reconnectDelay = 5 * time.Second

// Listener waits for PostgreSQL notifications on a channel and calls
// onNotify for each one. It reconnects after connection failures.
type Listener struct {
	url      string
	channel  string
	onNotify func()
	logger   *slog.Logger
}

// NewListener creates a Listener for channel on the database at url.
func NewListener(url, channel string, onNotify func(), logger *slog.Logger) *Listener {
	return &Listener{
		url:      url,
		channel:  channel,
		onNotify: onNotify,
		logger:   logger.With("system", "listener", "channel", channel),
	}
}

// Run listens until ctx ends.
func (l *Listener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("listen failed, reconnecting", "error", err, "delay", reconnectDelay)
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.url)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.logger.Info("listening")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.logger.Debug("notification received", "payload", n.Payload)
		l.onNotify()
	}
}
