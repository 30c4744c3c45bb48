package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mallpanel.org/internal/audit"
	"mallpanel.org/internal/store/memory"
)

type failingAppender struct{ err error }

func (f failingAppender) Append(context.Context, audit.Entry) error { return f.err }

type panickingAppender struct{}

func (panickingAppender) Append(context.Context, audit.Entry) error { panic("boom") }

type deadlineAppender struct{ deadline bool }

func (d *deadlineAppender) Append(ctx context.Context, _ audit.Entry) error {
	_, d.deadline = ctx.Deadline()
	return ctx.Err()
}

func TestRecordAssignsIdentityAndDefaults(t *testing.T) {
	store := memory.New()
	now := time.Date(2025, 5, 4, 10, 30, 0, 0, time.UTC)
	rec := audit.NewRecorder(store, audit.WithClock(func() time.Time { return now }))

	rec.Record(context.Background(), audit.Entry{
		Action:       audit.ActionCreate,
		Module:       "events",
		ResourceType: "event",
		ResourceID:   "ev-1",
		ResourceName: "Spring sale",
		NewValues:    audit.Values{"title": "Spring sale", "capacity": 200},
	})

	entries := store.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, audit.SystemActor, e.ActorID)
	assert.Equal(t, now, e.CreatedAt)
	assert.Equal(t, float64(200), e.NewValues["capacity"], "values are stored in their JSON form")
	assert.Nil(t, e.OldValues)
}

func TestRecordDropsIncompleteEntries(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := memory.New()
	rec := audit.NewRecorder(store, audit.WithLogger(zap.New(core)))

	rec.Record(context.Background(), audit.Entry{Module: "events"})
	rec.Record(context.Background(), audit.Entry{Action: audit.ActionDelete, Module: "  "})

	assert.Empty(t, store.Entries())
	assert.Equal(t, 2, logs.FilterMessageSnippet("dropped").Len())
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rec := audit.NewRecorder(failingAppender{err: errors.New("disk full")}, audit.WithLogger(zap.New(core)))

	ctx := audit.WithRequestID(context.Background(), "req-42")
	assert.NotPanics(t, func() {
		rec.Record(ctx, audit.Entry{ActorID: "u1", Action: audit.ActionUpdate, Module: "roles", ResourceID: "r1"})
	})

	entries := logs.FilterMessage("activity log write failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "u1", fields["actor_id"])
	assert.Equal(t, "disk full", fields["error"])
}

func TestRecordRecoversFromPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	rec := audit.NewRecorder(panickingAppender{}, audit.WithLogger(zap.New(core)))
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), audit.Entry{Action: audit.ActionDelete, Module: "users"})
	})
	assert.Equal(t, 1, logs.FilterMessage("activity log write panicked").Len())
}

func TestRecordIgnoresRequestCancellation(t *testing.T) {
	app := &deadlineAppender{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	core, logs := observer.New(zapcore.WarnLevel)
	rec := audit.NewRecorder(app, audit.WithWriteTimeout(time.Second), audit.WithLogger(zap.New(core)))
	rec.Record(ctx, audit.Entry{Action: audit.ActionLogout, Module: "auth"})

	assert.True(t, app.deadline, "write must run under its own timeout")
	assert.Zero(t, logs.Len(), "a cancelled request must not fail the write")
}

func TestRecordMirrorsToLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := audit.NewRecorder(memory.New(), audit.WithLogger(zap.New(core)), audit.WithLogMirror(true))
	ctx := audit.WithRequestID(context.Background(), "req-7")

	rec.Record(ctx, audit.Entry{ActorID: "u1", Action: audit.ActionLogin, Module: "auth", Metadata: audit.Values{"ip": "10.0.0.1"}})

	lines := logs.FilterMessage("audit").All()
	require.Len(t, lines, 1)
	fields := lines[0].ContextMap()
	assert.Equal(t, "audit", fields["type"])
	assert.Equal(t, "auth.login", fields["event"])
	assert.Equal(t, "req-7", fields["request_id"])
}

func TestRecordNilRecorderIsNoop(t *testing.T) {
	var rec *audit.Recorder
	assert.NotPanics(t, func() { rec.Record(context.Background(), audit.Entry{Action: "x", Module: "y"}) })
}

type capturePublisher struct{ entries []audit.Entry }

func (c *capturePublisher) Publish(e audit.Entry) { c.entries = append(c.entries, e) }

func TestRecordPublishesOnlyStoredEntries(t *testing.T) {
	pub := &capturePublisher{}
	rec := audit.NewRecorder(memory.New(), audit.WithPublisher(pub))
	rec.Record(context.Background(), audit.Entry{Action: audit.ActionDelete, Module: "blog", ResourceID: "b-1"})
	require.Len(t, pub.entries, 1)
	assert.Equal(t, "b-1", pub.entries[0].ResourceID)
	assert.NotEmpty(t, pub.entries[0].ID)

	failing := audit.NewRecorder(failingAppender{err: errors.New("down")}, audit.WithPublisher(pub))
	failing.Record(context.Background(), audit.Entry{Action: audit.ActionDelete, Module: "blog"})
	assert.Len(t, pub.entries, 1)
}
