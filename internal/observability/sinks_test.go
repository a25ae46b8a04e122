package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gridlens/gridlens/internal/core"
)

func TestLogSinkLevels(t *testing.T) {
	observed, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(observed))
	ctx := context.Background()

	sink.Emit(ctx, core.Event{Type: core.EventClaimed, Count: 3})
	sink.Emit(ctx, core.Event{Type: core.EventRetried, JobID: "j1", Resource: "weather"})
	sink.Emit(ctx, core.Event{Type: core.EventCallFailed, Resource: "weather", Kind: core.KindUpstream, Err: errors.New("status 502")})
	sink.Emit(ctx, core.Event{Type: core.EventCircuitChange, Resource: "weather", From: core.APIActive, To: core.APIError})
	sink.Emit(ctx, core.Event{Type: core.EventCircuitChange, Resource: "weather", From: core.APIError, To: core.APIActive})

	entries := logs.All()
	require.Len(t, entries, 5)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, zapcore.WarnLevel, entries[3].Level)
	require.Equal(t, zapcore.InfoLevel, entries[4].Level)

	fields := entries[2].ContextMap()
	require.Equal(t, "weather", fields["resource"])
	require.Equal(t, "upstream_error", fields["kind"])
	require.Equal(t, "status 502", fields["error"])
}

func TestEventFieldsSkipsEmptyValues(t *testing.T) {
	fields := EventFields(core.Event{Type: core.EventRequeued, Count: 2})

	keys := make([]string, 0, len(fields))
	for _, field := range fields {
		keys = append(keys, field.Key)
	}
	require.Equal(t, []string{"event", "count"}, keys)
}

func TestFanoutSinkStampsTime(t *testing.T) {
	var got []core.Event
	record := sinkFunc(func(_ context.Context, event core.Event) { got = append(got, event) })

	fanout := NewFanoutSink(record, nil, record)
	require.Len(t, fanout, 2)

	fanout.Emit(context.Background(), core.Event{Type: core.EventEnqueued})
	require.Len(t, got, 2)
	require.False(t, got[0].Time.IsZero())

	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	fanout.Emit(context.Background(), core.Event{Type: core.EventEnqueued, Time: at})
	require.Equal(t, at, got[2].Time)
}

type sinkFunc func(context.Context, core.Event)

func (f sinkFunc) Emit(ctx context.Context, event core.Event) { f(ctx, event) }
