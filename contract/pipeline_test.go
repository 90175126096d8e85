package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type echoInput struct {
	Name string `json:"name"`
}

func echoContract() Contract {
	return Contract{
		ActionID: "test.echo",
		Version:  1,
		Input:    Object(map[string]*Schema{"name": NonEmptyString()}, "name"),
		Output:   OpenObject(),
	}
}

type recordingHook struct {
	name  string
	trail *[]string
}

func (h recordingHook) Before(ctx context.Context, exec Execution) context.Context {
	*h.trail = append(*h.trail, h.name+".before")
	return ctx
}

func (h recordingHook) After(_ context.Context, exec Execution) {
	state := "ok"
	if exec.Err != nil {
		state = "err"
	}
	*h.trail = append(*h.trail, h.name+".after:"+state)
}

func newTestPipeline(t *testing.T, trail *[]string, sink AuditSink) *Pipeline {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoContract()))
	p, err := NewPipeline(reg,
		WithHooks(recordingHook{"first", trail}, recordingHook{"second", trail}),
		WithAuditSink(sink),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	)
	require.NoError(t, err)
	return p
}

var echoCall = Call{Type: ExecutionTool, ActionID: "test.echo", Version: 1}

func TestRegistry_IdempotentRegistration(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoContract()))
	require.NoError(t, reg.Register(echoContract()))

	changed := echoContract()
	changed.Input = Object(map[string]*Schema{"name": String()})
	assert.Error(t, reg.Register(changed))

	assert.Len(t, reg.List(), 1)
}

func TestRun_OrderAndSingleAudit(t *testing.T) {
	var trail []string
	var records []AuditRecord
	sink := AuditSinkFunc(func(_ context.Context, rec AuditRecord) error {
		trail = append(trail, "audit")
		records = append(records, rec)
		return nil
	})
	p := newTestPipeline(t, &trail, sink)

	out, err := Run(context.Background(), p, echoCall, echoInput{Name: "ada"}, func(_ context.Context, in echoInput) (string, error) {
		trail = append(trail, "handler")
		return "hello " + in.Name, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)
	assert.Equal(t, []string{"first.before", "second.before", "handler", "first.after:ok", "second.after:ok", "audit"}, trail)
	require.Len(t, records, 1)
	assert.Equal(t, "test.echo", records[0].ActionID)
	assert.Equal(t, "hello ada", records[0].Output)
	assert.Empty(t, records[0].Error)
}

func TestRun_ValidationFailureSkipsHandler(t *testing.T) {
	var trail []string
	audits := 0
	p := newTestPipeline(t, &trail, AuditSinkFunc(func(context.Context, AuditRecord) error {
		audits++
		return nil
	}))

	called := false
	_, err := Run(context.Background(), p, echoCall, map[string]any{"name": "", "extra": 1}, func(context.Context, map[string]any) (string, error) {
		called = true
		return "", nil
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "test.echo@1", ve.SchemaID)
	assert.Equal(t, []string{"extra: unknown field", "name: length must be at least 1"}, ve.Errors)
	assert.False(t, called)
	assert.Empty(t, trail)
	assert.Zero(t, audits)
}

func TestRun_HandlerErrorIsAuditedAndReturned(t *testing.T) {
	var trail []string
	var rec AuditRecord
	p := newTestPipeline(t, &trail, AuditSinkFunc(func(_ context.Context, r AuditRecord) error {
		rec = r
		return nil
	}))

	boom := errors.New("boom")
	_, err := Run(context.Background(), p, echoCall, echoInput{Name: "x"}, func(context.Context, echoInput) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first.before", "second.before", "first.after:err", "second.after:err"}, trail)
	assert.Equal(t, "boom", rec.Error)
	assert.Nil(t, rec.Output)
}

func TestRun_HandlerPanicBecomesRuntimeError(t *testing.T) {
	var trail []string
	p := newTestPipeline(t, &trail, nil)
	_, err := Run(context.Background(), p, echoCall, echoInput{Name: "x"}, func(context.Context, echoInput) (int, error) {
		panic("kaput")
	})
	assert.True(t, IsRuntime(err))
}

func TestRun_SinkFailureDoesNotAffectCaller(t *testing.T) {
	var trail []string
	p := newTestPipeline(t, &trail, AuditSinkFunc(func(context.Context, AuditRecord) error {
		panic("sink down")
	}))
	out, err := Run(context.Background(), p, echoCall, echoInput{Name: "x"}, func(context.Context, echoInput) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, out)

	p = newTestPipeline(t, &trail, AuditSinkFunc(func(context.Context, AuditRecord) error {
		return errors.New("disk full")
	}))
	_, err = Run(context.Background(), p, echoCall, echoInput{Name: "x"}, func(context.Context, echoInput) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
}

func TestRun_UnknownContractIsRuntimeError(t *testing.T) {
	var trail []string
	p := newTestPipeline(t, &trail, nil)
	_, err := Run(context.Background(), p, Call{ActionID: "missing", Version: 1}, echoInput{}, func(context.Context, echoInput) (int, error) {
		return 0, nil
	})
	assert.True(t, IsRuntime(err))
}

func TestRun_TraceIDPropagatesToNestedCalls(t *testing.T) {
	var trail []string
	var ids []string
	p := newTestPipeline(t, &trail, AuditSinkFunc(func(_ context.Context, rec AuditRecord) error {
		ids = append(ids, rec.TraceID)
		return nil
	}))
	call := echoCall
	call.TraceID = "trace-123"
	_, err := Run(context.Background(), p, call, echoInput{Name: "outer"}, func(ctx context.Context, _ echoInput) (int, error) {
		return Run(ctx, p, echoCall, echoInput{Name: "inner"}, func(context.Context, echoInput) (int, error) {
			return 1, nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"trace-123", "trace-123"}, ids)
}

func TestHooks_MetricsTracingLogging(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoContract()))
	promReg := prometheus.NewRegistry()
	metrics, err := NewMetricsHook(promReg)
	require.NoError(t, err)
	_, err = NewMetricsHook(promReg)
	require.NoError(t, err, "second registration reuses collectors")

	var logs bytes.Buffer
	p, err := NewPipeline(reg, WithHooks(
		NewTracingHook(noop.NewTracerProvider().Tracer("test")),
		metrics,
		NewLoggingHook(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	))
	require.NoError(t, err)

	_, err = Run(context.Background(), p, echoCall, echoInput{Name: "x"}, func(context.Context, echoInput) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	_, err = Run(context.Background(), p, echoCall, echoInput{Name: "x"}, func(context.Context, echoInput) (int, error) {
		return 0, Runtimef("test", "broken")
	})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("test.echo", "tool", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("test.echo", "tool", "runtime_error")))
	assert.Contains(t, logs.String(), "gateway call failed")
}

func TestFileAuditSink_AppendsAndRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	sink, err := NewFileAuditSink(path, 300)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Audit(context.Background(), AuditRecord{ID: "rec", ActionID: "test.echo", Version: 1, Input: map[string]any{"i": i}}))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec AuditRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "test.echo", rec.ActionID)
	}
	archived, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
}
