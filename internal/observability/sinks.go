package observability

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/core"
)

// LogSink writes pipeline events to a Logger. Routine events log at debug;
// failures, releases and breaker changes log higher.
type LogSink struct {
	Logger Logger
}

// NewLogSink builds a LogSink. A nil logger discards events.
func NewLogSink(logger Logger) *LogSink {
	return &LogSink{Logger: LoggerOrNop(logger)}
}

func (s *LogSink) Emit(_ context.Context, event core.Event) {
	logger := LoggerOrNop(s.Logger)
	fields := EventFields(event)

	switch event.Type {
	case core.EventCircuitChange:
		if event.To == core.APIError || event.To == core.APIDisabled {
			logger.Warn("Resource status changed", fields...)
			return
		}
		logger.Info("Resource status changed", fields...)
	case core.EventFailed, core.EventCallFailed:
		logger.Warn("Enrichment "+string(event.Type), fields...)
	case core.EventRetried, core.EventRequeued:
		logger.Info("Enrichment "+string(event.Type), fields...)
	default:
		logger.Debug("Enrichment "+string(event.Type), fields...)
	}
}

// EventFields renders the populated fields of event.
func EventFields(event core.Event) []zap.Field {
	fields := []zap.Field{zap.String("event", string(event.Type))}
	if event.JobID != "" {
		fields = append(fields, zap.String("job_id", event.JobID))
	}
	if event.DedupKey != "" {
		fields = append(fields, zap.String("dedup_key", event.DedupKey))
	}
	if event.Resource != "" {
		fields = append(fields, zap.String("resource", event.Resource))
	}
	if event.JobID != "" {
		fields = append(fields, zap.Stringer("priority", event.Priority))
	}
	if event.Count != 0 {
		fields = append(fields, zap.Int("count", event.Count))
	}
	if event.From != "" || event.To != "" {
		fields = append(fields, zap.String("from", string(event.From)), zap.String("to", string(event.To)))
	}
	if event.Kind != core.KindNone {
		fields = append(fields, zap.String("kind", string(event.Kind)))
	}
	if event.Duration > 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	if event.Err != nil {
		fields = append(fields, zap.Error(event.Err))
	}
	return fields
}

// FanoutSink forwards every event to each sink in order.
type FanoutSink []core.EventSink

// NewFanoutSink drops nil sinks.
func NewFanoutSink(sinks ...core.EventSink) FanoutSink {
	out := make(FanoutSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

func (f FanoutSink) Emit(ctx context.Context, event core.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	for _, sink := range f {
		sink.Emit(ctx, event)
	}
}
