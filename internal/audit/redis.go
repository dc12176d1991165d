package audit

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// RedisSink appends msgpack-encoded events to a Redis stream
type RedisSink struct {
	rdb    *goredis.Client
	stream string
	maxLen int64
	log    logger.Logger
}

// NewRedisSink connects to config.RedisAddr and verifies the connection
func NewRedisSink(ctx context.Context, config *Config, log logger.Logger) (*RedisSink, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        config.RedisAddr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "audit.redis_addr", config.RedisAddr, err).
			WithSuggestion("check that redis is reachable or set audit.sink to 'log'")
	}

	return &RedisSink{
		rdb:    rdb,
		stream: config.Stream,
		maxLen: config.MaxLen,
		log:    log.WithComponent("audit_redis"),
	}, nil
}

// EncodeEvent serializes an event for the stream payload
func EncodeEvent(event Event) ([]byte, error) {
	return msgpack.Marshal(&event)
}

// DecodeEvent reverses EncodeEvent
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	err := msgpack.Unmarshal(data, &event)
	return event, err
}

func (s *RedisSink) Record(ctx context.Context, event Event) error {
	payload, err := EncodeEvent(event)
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode audit event", err)
	}

	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"action":  string(event.Action),
			"scope":   event.ScopeKey,
			"payload": payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return errors.StorageError(errors.CodeStorageFailure, "append audit event", err).
			WithContext("stream", s.stream)
	}
	return nil
}

// Read returns up to count events from the start of the stream
func (s *RedisSink) Read(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := s.rdb.XRangeN(ctx, s.stream, "-", "+", count).Result()
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageFailure, "read audit stream", err)
	}
	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["payload"].(string)
		if !ok {
			continue
		}
		event, err := DecodeEvent([]byte(raw))
		if err != nil {
			s.log.WithError(err).WithField("message_id", m.ID).Warn("bad audit payload")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
