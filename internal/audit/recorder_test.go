package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

type memSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	block   chan struct{}
	started chan struct{}
}

func (s *memSink) Write(_ context.Context, e model.AuditEntry) error {
	if e.Action == "BLOCK" {
		close(s.started)
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

func TestRecorderSynchronousMode(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, nil, Options{})

	r.Record(context.Background(), model.AuditEntry{Action: model.ActionLoginFailed})
	require.Equal(t, []string{model.ActionLoginFailed}, sink.actions())
	assert.False(t, sink.entries[0].CreatedAt.IsZero())
	assert.NotEmpty(t, sink.entries[0].ID)

	r.Record(context.Background(), model.AuditEntry{ID: "fixed", Action: model.ActionLogout})
	assert.Equal(t, "fixed", sink.entries[1].ID)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorderSinkFailureIsSwallowed(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	failing := SinkFunc(func(context.Context, model.AuditEntry) error { return errors.New("db down") })
	r := NewRecorder(failing, zap.New(core), Options{})

	assert.NotPanics(t, func() {
		r.Record(context.Background(), model.AuditEntry{Action: model.ActionPermissionDenied})
	})
	require.Equal(t, 1, logs.FilterMessage("audit write failed").Len())

	panicking := SinkFunc(func(context.Context, model.AuditEntry) error { panic("boom") })
	r = NewRecorder(panicking, zap.New(core), Options{})
	assert.NotPanics(t, func() {
		r.Record(context.Background(), model.AuditEntry{Action: model.ActionPermissionDenied})
	})
	require.Equal(t, 1, logs.FilterMessage("audit sink panicked").Len())
}

func TestRecorderFullQueueWritesInline(t *testing.T) {
	sink := &memSink{block: make(chan struct{}), started: make(chan struct{})}
	r := NewRecorder(sink, nil, Options{Workers: 1, QueueSize: 1})

	r.Record(context.Background(), model.AuditEntry{Action: "BLOCK"})
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first entry")
	}

	r.Record(context.Background(), model.AuditEntry{Action: "QUEUED"})
	r.Record(context.Background(), model.AuditEntry{Action: "INLINE"})
	assert.Equal(t, []string{"INLINE"}, sink.actions())

	close(sink.block)
	require.NoError(t, r.Close(context.Background()))
	assert.ElementsMatch(t, []string{"INLINE", "BLOCK", "QUEUED"}, sink.actions())
}

func TestRecorderCloseDrainsAndKeepsRecording(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, nil, Options{Workers: 4, QueueSize: 64})

	for i := 0; i < 50; i++ {
		r.Record(context.Background(), model.AuditEntry{Action: model.ActionUserUpdated})
	}
	require.NoError(t, r.Close(context.Background()))
	assert.Len(t, sink.actions(), 50)

	r.Record(context.Background(), model.AuditEntry{Action: model.ActionLogout})
	assert.Len(t, sink.actions(), 51)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorderIgnoresCancelledRequestContext(t *testing.T) {
	var got error
	sink := SinkFunc(func(ctx context.Context, _ model.AuditEntry) error {
		got = ctx.Err()
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewRecorder(sink, nil, Options{}).Record(ctx, model.AuditEntry{Action: model.ActionLogout})
	assert.NoError(t, got)
}

func TestFromRequest(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/v1/admin/users/u2", nil)
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.9")
	req.Header.Set("User-Agent", "backoffice-ui/1.0")
	c := e.NewContext(req, httptest.NewRecorder())

	entry := FromRequest(c, "u1", model.ActionUserArchived, "user", "u2", nil)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "u1", *entry.ActorID)
	assert.Equal(t, "u2", *entry.ResourceID)
	assert.Equal(t, "203.0.113.9", entry.IP)
	assert.Equal(t, "backoffice-ui/1.0", entry.UserAgent)

	anon := FromRequest(c, "", model.ActionLoginFailed, "user", "", map[string]any{"email": "x@example.org"})
	assert.Nil(t, anon.ActorID)
	assert.Nil(t, anon.ResourceID)
}

func TestFromRequestTruncatesLongUserAgent(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/users", nil)
	req.Header.Set("User-Agent", strings.Repeat("A", 600))
	c := e.NewContext(req, httptest.NewRecorder())

	entry := FromRequest(c, "u2", model.ActionUnauthorizedAccess, "route", "/v1/admin/users", nil)
	assert.Len(t, entry.UserAgent, model.AuditUserAgentMax)
	assert.Equal(t, model.ActionUnauthorizedAccess, entry.Action)
}
