package observability

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
	fields  [][]Field
}

func (r *recordingLogger) record(level, msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, level+":"+msg)
	r.fields = append(r.fields, fields)
}

func (r *recordingLogger) Debug(msg string, fields ...Field) { r.record("debug", msg, fields) }
func (r *recordingLogger) Info(msg string, fields ...Field)  { r.record("info", msg, fields) }
func (r *recordingLogger) Warn(msg string, fields ...Field)  { r.record("warn", msg, fields) }
func (r *recordingLogger) Error(msg string, fields ...Field) { r.record("error", msg, fields) }

func TestAggregateErrorsSkipsNil(t *testing.T) {
	rec := &recordingLogger{}
	SetLogger(rec)
	defer SetLogger(nil)

	if err := AggregateErrors("shutdown", []error{nil, nil}); err != nil {
		t.Fatalf("expected nil for all-nil input, got %v", err)
	}
	first := errors.New("first")
	err := AggregateErrors("shutdown", []error{first, nil, errors.New("second")}, F("component", "client"))
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, first) {
		t.Fatalf("expected joined error to wrap inputs: %v", err)
	}
	if len(rec.entries) != 1 || rec.entries[0] != "error:operation errors" {
		t.Fatalf("expected one error log entry, got %v", rec.entries)
	}
}

func TestWithPrefixesFields(t *testing.T) {
	rec := &recordingLogger{}
	scoped := With(rec, F("conn", "c1"))
	scoped.Info("connected", F("epoch", 2))
	if len(rec.fields) != 1 || len(rec.fields[0]) != 2 || rec.fields[0][0].Key != "conn" {
		t.Fatalf("unexpected fields %+v", rec.fields)
	}
}

func TestDeadLetterQueueDropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	q.Offer(DroppedFrame{Raw: "a"})
	q.Offer(DroppedFrame{Raw: "b"})
	q.Offer(DroppedFrame{Raw: "c"})
	if q.Len() != 2 || q.Total() != 3 {
		t.Fatalf("unexpected len=%d total=%d", q.Len(), q.Total())
	}
	frames := q.Drain()
	if frames[0].Raw != "b" || frames[1].Raw != "c" {
		t.Fatalf("expected oldest frame evicted, got %+v", frames)
	}
	if q.Len() != 0 {
		t.Fatalf("expected drained queue")
	}
}

func TestLogrusLoggerWritesFields(t *testing.T) {
	base := logrus.New()
	var buf bytes.Buffer
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})
	logger := NewLogrusLoggerFrom(base).WithComponent("dispatcher")
	logger.Warn("unroutable frame", F("chan_id", 42))
	out := buf.String()
	if !strings.Contains(out, `"chan_id":42`) || !strings.Contains(out, `"component":"dispatcher"`) {
		t.Fatalf("unexpected log output %s", out)
	}
}

func TestNewLogrusLoggerRejectsBadFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if _, err := NewLogrusLogger(LogConfig{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := NewLogrusLogger(LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
