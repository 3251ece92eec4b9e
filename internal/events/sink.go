package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/JaimeStill/docmark/pkg/lifecycle"
)

// New builds the sink selected by cfg. Broker-backed sinks register a
// shutdown hook on lc that closes their connections.
func New(cfg *Config, db *sql.DB, lc *lifecycle.Coordinator, logger *slog.Logger) (Sink, error) {
	logger = logger.With("system", "events")

	switch cfg.Driver {
	case DriverNone:
		return Nop{}, nil
	case DriverLog:
		return NewLog(logger), nil
	case DriverPostgres:
		return NewPostgres(db, cfg.Channel), nil
	case DriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		client := redis.NewClient(opts)
		lc.OnShutdown(func() {
			<-lc.Context().Done()
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", "error", err)
			}
		})
		return NewRedis(client, cfg.Channel), nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

// Log writes events to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (s *Log) EmitTaskEvent(ctx context.Context, typ Type, e TaskEvent) error {
	attrs := []any{"type", typ, "task_id", e.TaskID}
	if e.Task != nil {
		attrs = append(attrs, "status", e.Task.Status, "progress", e.Task.Progress)
	}
	s.logger.InfoContext(ctx, "task event", attrs...)
	return nil
}

func (s *Log) EmitTaskDetailEvent(ctx context.Context, typ Type, e PageEvent) error {
	s.logger.InfoContext(ctx, "page event", "type", typ, "task_id", e.TaskID, "page_id", e.PageID, "status", e.Status)
	return nil
}

// Postgres publishes events with pg_notify. Payloads over the server's 8000
// byte NOTIFY limit are sent without the task or page snapshot.
type Postgres struct {
	db      *sql.DB
	channel string
}

// NewPostgres creates a Postgres sink.
func NewPostgres(db *sql.DB, channel string) *Postgres {
	return &Postgres{db: db, channel: channel}
}

const notifyLimit = 8000

func (s *Postgres) EmitTaskEvent(ctx context.Context, typ Type, e TaskEvent) error {
	payload, err := encode(typ, e)
	if err != nil {
		return err
	}
	if len(payload) >= notifyLimit {
		e.Task = nil
		if payload, err = encode(typ, e); err != nil {
			return err
		}
	}
	return s.notify(ctx, payload)
}

func (s *Postgres) EmitTaskDetailEvent(ctx context.Context, typ Type, e PageEvent) error {
	payload, err := encode(typ, e)
	if err != nil {
		return err
	}
	if len(payload) >= notifyLimit {
		e.Page = nil
		if payload, err = encode(typ, e); err != nil {
			return err
		}
	}
	return s.notify(ctx, payload)
}

func (s *Postgres) notify(ctx context.Context, payload []byte) error {
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Redis publishes events on a Redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis creates a Redis sink.
func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (s *Redis) EmitTaskEvent(ctx context.Context, typ Type, e TaskEvent) error {
	return s.publish(ctx, typ, e)
}

func (s *Redis) EmitTaskDetailEvent(ctx context.Context, typ Type, e PageEvent) error {
	return s.publish(ctx, typ, e)
}

func (s *Redis) publish(ctx context.Context, typ Type, data any) error {
	payload, err := encode(typ, data)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func encode(typ Type, data any) ([]byte, error) {
	b, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", typ, err)
	}
	return b, nil
}
