// Package audit records lifecycle events of statements and duplicate groups.
// Recording is best effort: callers wrap sinks in BestEffort so that an audit
// outage never fails the operation being audited.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// Action names an audited transition
type Action string

const (
	ActionSubmitted        Action = "statement.submitted"
	ActionProcessing       Action = "statement.processing"
	ActionParsed           Action = "statement.parsed"
	ActionFailed           Action = "statement.failed"
	ActionTimedOut         Action = "statement.timed_out"
	ActionDeleted          Action = "statement.deleted"
	ActionFileDeleteFailed Action = "statement.file_delete_failed"
	ActionReprocessSkipped Action = "statement.reprocess_skipped"
	ActionGroupMarked      Action = "duplicates.marked"
	ActionGroupRejected    Action = "duplicates.rejected"
)

const (
	SinkLog   = "log"
	SinkRedis = "redis"
	SinkNone  = "none"
)

// Event is one audit record
type Event struct {
	ID          string            `msgpack:"id" json:"id"`
	Action      Action            `msgpack:"action" json:"action"`
	ScopeKey    string            `msgpack:"scope" json:"scope"`
	StatementID string            `msgpack:"statement_id,omitempty" json:"statementId,omitempty"`
	Status      string            `msgpack:"status,omitempty" json:"status,omitempty"`
	Detail      string            `msgpack:"detail,omitempty" json:"detail,omitempty"`
	Attributes  map[string]string `msgpack:"attributes,omitempty" json:"attributes,omitempty"`
	OccurredAt  time.Time         `msgpack:"occurred_at" json:"occurredAt"`
}

// NewEvent creates an event stamped with a fresh id and the current time
func NewEvent(action Action, scopeKey, statementID string) Event {
	return Event{
		ID:          uuid.NewString(),
		Action:      action,
		ScopeKey:    scopeKey,
		StatementID: statementID,
		OccurredAt:  time.Now().UTC(),
	}
}

// With returns a copy of the event with an extra attribute
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// Sink stores audit events
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Config selects the audit sink
type Config struct {
	Sink      string        `mapstructure:"sink" json:"sink"`
	RedisAddr string        `mapstructure:"redis_addr" json:"redis_addr"`
	Stream    string        `mapstructure:"stream" json:"stream"`
	MaxLen    int64         `mapstructure:"max_len" json:"max_len"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout"`
}

// DefaultConfig logs audit events through the application logger
func DefaultConfig() *Config {
	return &Config{
		Sink:    SinkLog,
		Stream:  "statements:audit",
		MaxLen:  100000,
		Timeout: 2 * time.Second,
	}
}

// Validate checks the audit configuration
func (c *Config) Validate() error {
	switch c.Sink {
	case SinkLog, SinkNone:
	case SinkRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.ConfigurationError(errors.CodeMissingConfig, "audit.redis_addr", c.RedisAddr, nil)
		}
		if strings.TrimSpace(c.Stream) == "" {
			return errors.ConfigurationError(errors.CodeMissingConfig, "audit.stream", c.Stream, nil)
		}
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "audit.sink", c.Sink, nil).
			WithSuggestion("use 'log', 'redis' or 'none'")
	}
	if c.MaxLen < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "audit.max_len", c.MaxLen, nil)
	}
	if c.Timeout < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "audit.timeout", c.Timeout, nil)
	}
	return nil
}

// New builds the configured sink wrapped in BestEffort
func New(ctx context.Context, config *Config, log logger.Logger) (*BestEffort, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	var sink Sink
	switch config.Sink {
	case SinkNone:
		sink = Nop{}
	case SinkRedis:
		redisSink, err := NewRedisSink(ctx, config, log)
		if err != nil {
			return nil, err
		}
		sink = redisSink
	default:
		sink = NewLogSink(log)
	}
	return NewBestEffort(sink, config.Timeout, log), nil
}

// Nop discards events
type Nop struct{}

func (Nop) Record(ctx context.Context, event Event) error { return nil }

// LogSink writes events as structured log entries
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a sink on log
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log.WithComponent("audit")}
}

func (s *LogSink) Record(ctx context.Context, event Event) error {
	fields := logger.Fields{
		"event_id":     event.ID,
		"action":       string(event.Action),
		"scope":        event.ScopeKey,
		"statement_id": event.StatementID,
	}
	if event.Status != "" {
		fields["status"] = event.Status
	}
	if event.Detail != "" {
		fields["detail"] = event.Detail
	}
	for k, v := range event.Attributes {
		fields["attr_"+k] = v
	}
	s.log.WithFields(fields).Info("audit")
	return nil
}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Actions returns the recorded actions in order
func (r *Recorder) Actions() []Action {
	events := r.Events()
	out := make([]Action, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

// BestEffort forwards events to a sink, bounding each call by timeout and
// logging instead of returning failures
type BestEffort struct {
	sink    Sink
	timeout time.Duration
	log     logger.Logger
}

// NewBestEffort wraps sink
func NewBestEffort(sink Sink, timeout time.Duration, log logger.Logger) *BestEffort {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &BestEffort{sink: sink, timeout: timeout, log: log.WithComponent("audit")}
}

// Record never fails
func (b *BestEffort) Record(ctx context.Context, event Event) error {
	if b == nil || b.sink == nil {
		return nil
	}
	// audit survives cancellation of the request that triggered it
	ctx = context.WithoutCancel(ctx)
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if err := b.sink.Record(ctx, event); err != nil {
		b.log.WithError(err).WithFields(logger.Fields{
			"action":       string(event.Action),
			"statement_id": event.StatementID,
		}).Warn("Audit event dropped")
	}
	return nil
}

// Close releases the wrapped sink when it holds resources
func (b *BestEffort) Close() error {
	if closer, ok := b.sink.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
