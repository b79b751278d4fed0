package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

type sinkCall struct {
	component string
	level     string
	message   string
	context   []byte
}

type captureSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *captureSink) InsertSystemLog(ctx context.Context, component, level, message string, logCtx []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{component, level, message, logCtx})
	return s.err
}

func (s *captureSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func TestMirrorHandlerWarnAndAbove(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	logger := slog.New(NewMirrorHandler(slog.NewTextHandler(io.Discard, nil), sink))

	logger.Info("routine tick", "n", 1)
	logger.Warn("limit breached", "limit", "max_daily_loss", "value", 1200, "elapsed", 1500*time.Millisecond)
	logger.Error("stream down", "error", errors.New("dial tcp: connection refused"))

	calls := sink.snapshot()
	if len(calls) != 2 {
		t.Fatalf("mirrored %d records, want 2", len(calls))
	}

	warn := calls[0]
	if warn.level != "WARN" || warn.message != "limit breached" {
		t.Errorf("first call = %s %q, want WARN \"limit breached\"", warn.level, warn.message)
	}
	var fields map[string]any
	if err := json.Unmarshal(warn.context, &fields); err != nil {
		t.Fatalf("decode context: %v", err)
	}
	if fields["limit"] != "max_daily_loss" {
		t.Errorf("context limit = %v, want max_daily_loss", fields["limit"])
	}
	if fields["value"] != float64(1200) {
		t.Errorf("context value = %v, want 1200", fields["value"])
	}
	if fields["elapsed"] != "1.5s" {
		t.Errorf("context elapsed = %v, want 1.5s", fields["elapsed"])
	}

	errCall := calls[1]
	if errCall.level != "ERROR" {
		t.Errorf("second call level = %s, want ERROR", errCall.level)
	}
	if !strings.Contains(string(errCall.context), "connection refused") {
		t.Errorf("error context %s missing the error text", errCall.context)
	}
}

func TestMirrorHandlerComponentAttr(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	base := slog.New(NewMirrorHandler(slog.NewTextHandler(io.Discard, nil), sink))
	logger := base.With("component", "risk_gate", "profile", "default")

	logger.Warn("order rejected")

	calls := sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("mirrored %d records, want 1", len(calls))
	}
	if calls[0].component != "risk_gate" {
		t.Errorf("component = %q, want risk_gate", calls[0].component)
	}
	if strings.Contains(string(calls[0].context), "component") {
		t.Errorf("context %s should not repeat the component key", calls[0].context)
	}
	if !strings.Contains(string(calls[0].context), "default") {
		t.Errorf("context %s missing the profile attr", calls[0].context)
	}
}

func TestMirrorHandlerDefaultComponent(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	logger := slog.New(NewMirrorHandler(slog.NewTextHandler(io.Discard, nil), sink))

	logger.Warn("no component attached")

	calls := sink.snapshot()
	if len(calls) != 1 || calls[0].component != "bot" {
		t.Fatalf("calls = %+v, want one record under component bot", calls)
	}
	if calls[0].context != nil {
		t.Errorf("context = %s, want none for an attr-less record", calls[0].context)
	}
}

func TestMirrorHandlerSinkFailureSwallowed(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := &captureSink{err: errors.New("database down")}
	logger := slog.New(NewMirrorHandler(slog.NewTextHandler(&buf, nil), sink))

	logger.Warn("still logs")

	if !strings.Contains(buf.String(), "still logs") {
		t.Error("wrapped handler did not receive the record")
	}
}

func TestMirrorHandlerBypassesInnerLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError})
	sink := &captureSink{}
	logger := slog.New(NewMirrorHandler(inner, sink))

	logger.Warn("quiet on stdout")

	if len(sink.snapshot()) != 1 {
		t.Error("warn was not mirrored when the wrapped handler is at error level")
	}
	if buf.Len() != 0 {
		t.Errorf("wrapped handler emitted %q below its level", buf.String())
	}
}
