package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/events"
	"github.com/phrazzld/repackd/internal/platform/memory"
	"github.com/phrazzld/repackd/internal/store"
	"github.com/phrazzld/repackd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records messages and can be told to fail.
type fakeTransport struct {
	mu       sync.Mutex
	messages [][]byte
	sendErr  error
	sends    int
	closed   bool
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages = append(f.messages, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, inboundType(m))
	}
	return out
}

func (f *fakeTransport) records(t *testing.T) []domain.TaskRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TaskRecord
	for _, m := range f.messages {
		var r domain.TaskRecord
		require.NoError(t, json.Unmarshal(m, &r))
		out = append(out, r)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newSession(channel string) (*Session, *fakeTransport) {
	tr := &fakeTransport{}
	return NewSession(channel, tr, t0), tr
}

func TestManager_Scenario_ClientObservesAllUpdatesInOrder(t *testing.T) {
	logger := testLogger()
	ctx := context.Background()

	bus := events.NewInMemoryEventEmitter(logger)
	tracker := task.NewTracker(memory.NewTaskStore(logger), bus, time.Hour, logger)
	m := NewManager(Config{}, tracker, logger)
	bus.RegisterHandler(m)

	taskSession, taskTr := newSession("t1")
	globalSession, globalTr := newSession(events.GlobalChannel)
	require.NoError(t, m.Join(ctx, "t1", taskSession))
	require.NoError(t, m.Join(ctx, events.GlobalChannel, globalSession))

	updates := []domain.TaskUpdate{
		{Status: domain.TaskStatusDownloading, Progress: 5},
		{Status: domain.TaskStatusProcessing, Progress: 15},
		{Status: domain.TaskStatusProcessing, Progress: 100},
		{Status: domain.TaskStatusCompleted, Progress: 100, OutputReference: "x-offline.pkg"},
	}
	for _, u := range updates {
		_, err := tracker.Update(ctx, "t1", u)
		require.NoError(t, err)
	}

	for name, tr := range map[string]*fakeTransport{"task": taskTr, "global": globalTr} {
		got := tr.records(t)
		require.Len(t, got, 4, name)
		assert.Equal(t, domain.TaskStatusDownloading, got[0].Status, name)
		assert.Equal(t, 5, got[0].Progress, name)
		assert.Equal(t, domain.TaskStatusProcessing, got[1].Status, name)
		assert.Equal(t, 15, got[1].Progress, name)
		assert.Equal(t, domain.TaskStatusProcessing, got[2].Status, name)
		assert.Equal(t, 100, got[2].Progress, name)
		assert.Equal(t, domain.TaskStatusCompleted, got[3].Status, name)
		assert.Equal(t, "x-offline.pkg", got[3].OutputReference, name)
	}
}

func TestManager_JoinSendsSnapshotFirst(t *testing.T) {
	logger := testLogger()
	ctx := context.Background()

	bus := events.NewInMemoryEventEmitter(logger)
	tracker := task.NewTracker(memory.NewTaskStore(logger), bus, time.Hour, logger)
	m := NewManager(Config{}, tracker, logger)
	bus.RegisterHandler(m)

	_, err := tracker.Create(ctx, "t1", nil)
	require.NoError(t, err)
	current, err := tracker.Update(ctx, "t1", domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 60, Message: "installing"})
	require.NoError(t, err)

	s, tr := newSession("t1")
	require.NoError(t, m.Join(ctx, "t1", s))

	_, err = tracker.Update(ctx, "t1", domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 80})
	require.NoError(t, err)

	got := tr.records(t)
	require.Len(t, got, 2)
	assert.Equal(t, current.Progress, got[0].Progress)
	assert.Equal(t, current.Message, got[0].Message)
	assert.Equal(t, current.UpdatedAt, got[0].UpdatedAt)
	assert.Equal(t, 80, got[1].Progress)

	t.Run("no snapshot for unknown task or global channel", func(t *testing.T) {
		s, tr := newSession("unknown")
		require.NoError(t, m.Join(ctx, "unknown", s))
		g, gtr := newSession(events.GlobalChannel)
		require.NoError(t, m.Join(ctx, events.GlobalChannel, g))
		assert.Zero(t, tr.sendCount())
		assert.Zero(t, gtr.sendCount())
	})
}

func TestManager_JoinRejectsEmptyChannel(t *testing.T) {
	m := NewManager(Config{}, nil, testLogger())
	s, _ := newSession("")
	assert.ErrorIs(t, m.Join(context.Background(), "", s), ErrInvalidChannel)
}

func TestManager_LeaveIsIdempotent(t *testing.T) {
	m := NewManager(Config{}, nil, testLogger())
	s, _ := newSession("t1")
	require.NoError(t, m.Join(context.Background(), "t1", s))
	assert.Equal(t, 1, m.ChannelCount())

	assert.True(t, m.Leave("t1", s))
	assert.False(t, m.Leave("t1", s))
	assert.False(t, m.Leave("other", s))
	assert.Zero(t, m.ChannelCount(), "empty channels are removed")

	require.NoError(t, m.Join(context.Background(), "t1", s))
	assert.Equal(t, 1, m.SessionCount(), "channels are recreated on join")
}

func TestManager_PublishRemovesFailedSessionsOnce(t *testing.T) {
	m := NewManager(Config{PingInterval: time.Second}, nil, testLogger())
	ctx := context.Background()

	good, goodTr := newSession("t1")
	bad, badTr := newSession("t1")
	require.NoError(t, m.Join(ctx, "t1", good))
	require.NoError(t, m.Join(ctx, "t1", bad))

	badTr.fail(errors.New("broken pipe"))

	assert.Equal(t, 1, m.Publish("t1", []byte(`{"id":"t1"}`)))
	assert.Equal(t, 1, m.SessionCount())
	assert.True(t, badTr.isClosed())
	assert.False(t, m.Leave("t1", bad), "already removed")

	assert.Equal(t, 1, m.Publish("t1", []byte(`{"id":"t1"}`)))
	assert.Equal(t, 1, badTr.sendCount(), "removed session is not written again")
	assert.Equal(t, 2, goodTr.sendCount())

	assert.Zero(t, m.Sweep(t0.Add(time.Second)), "sweep does not evict it a second time")
}

func TestManager_Broadcast(t *testing.T) {
	m := NewManager(Config{}, nil, testLogger())
	ctx := context.Background()

	var transports []*fakeTransport
	for _, channel := range []string{"a", "a", "b", "c", events.GlobalChannel} {
		s, tr := newSession(channel)
		require.NoError(t, m.Join(ctx, channel, s))
		transports = append(transports, tr)
	}
	transports[2].fail(errors.New("gone"))

	assert.Equal(t, 4, m.Broadcast([]byte(`{"type":"heartbeat"}`)))
	assert.Equal(t, 4, m.SessionCount())
	for i, tr := range transports {
		if i == 2 {
			continue
		}
		assert.Equal(t, []string{TypeHeartbeat}, tr.types(), "transport %d", i)
	}
}

func TestManager_HandleEventIgnoresOtherTypes(t *testing.T) {
	m := NewManager(Config{}, nil, testLogger())
	s, tr := newSession("t1")
	require.NoError(t, m.Join(context.Background(), "t1", s))

	event, err := events.NewEvent("t1", "something_else", map[string]string{"a": "b"})
	require.NoError(t, err)
	require.NoError(t, m.HandleEvent(context.Background(), event))
	assert.Zero(t, tr.sendCount())
}

func TestManager_Scenario_SilentClientIsEvicted(t *testing.T) {
	interval := 30 * time.Second
	m := NewManager(Config{PingInterval: interval}, nil, testLogger())
	ctx := context.Background()

	silent, silentTr := newSession("t1")
	responsive, responsiveTr := newSession("t1")
	require.NoError(t, m.Join(ctx, "t1", silent))
	require.NoError(t, m.Join(ctx, "t1", responsive))

	for i := 1; i <= 2; i++ {
		now := t0.Add(time.Duration(i) * interval)
		assert.Zero(t, m.Sweep(now))
		responsive.recordPong(now)
	}
	assert.Equal(t, []string{TypePing, TypePing}, silentTr.types())

	now := t0.Add(3 * interval)
	assert.Equal(t, 1, m.Sweep(now))
	assert.True(t, silentTr.isClosed())
	assert.Equal(t, 1, m.SessionCount())

	sent := silentTr.sendCount()
	assert.Equal(t, 1, m.Publish("t1", []byte(`{"id":"t1"}`)))
	assert.Equal(t, sent, silentTr.sendCount(), "evicted session receives nothing")
	assert.Contains(t, responsiveTr.types(), TypePing)

	stats := responsive.Stats()
	assert.Equal(t, 3, stats.PingCount)
	assert.Equal(t, 2, stats.PongCount)
}

func TestManager_SweepDoesNotEvictWithoutPing(t *testing.T) {
	interval := 30 * time.Second
	m := NewManager(Config{PingInterval: interval}, nil, testLogger())

	s, tr := newSession("t1")
	require.NoError(t, m.Join(context.Background(), "t1", s))

	// The first sweep after a long pause pings before it can evict.
	assert.Zero(t, m.Sweep(t0.Add(10*interval)))
	assert.Equal(t, []string{TypePing}, tr.types())
	assert.Equal(t, 1, m.Sweep(t0.Add(11*interval)))
}

func TestManager_StartSendsHeartbeatsAndStopClosesSessions(t *testing.T) {
	clk := &clock{now: t0}
	m := NewManager(Config{
		PingInterval:      20 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		Now:               clk.Now,
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	s, tr := newSession("t1")
	require.NoError(t, m.Join(ctx, "t1", s))

	assert.Eventually(t, func() bool {
		m.Pong(s)
		for _, typ := range tr.types() {
			if typ == TypeHeartbeat {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	m.Stop()
	assert.True(t, tr.isClosed())
	assert.Zero(t, m.SessionCount())

	s2, _ := newSession("t2")
	assert.ErrorIs(t, m.Join(ctx, "t2", s2), ErrManagerStopped)

	m.Stop()
}

type staticRecords map[string]*domain.TaskRecord

func (s staticRecords) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	if r, ok := s[id]; ok {
		return r.Clone(), nil
	}
	return nil, store.ErrTaskNotFound
}

func recordEvent(t *testing.T, r *domain.TaskRecord) *events.Event {
	t.Helper()
	event, err := events.NewEvent(r.ID, events.TypeTaskUpdate, r)
	require.NoError(t, err)
	return event
}

func TestManager_DropsUpdatesOlderThanDelivered(t *testing.T) {
	ctx := context.Background()
	base, err := domain.NewTaskRecord("t1", nil, t0)
	require.NoError(t, err)

	apply := func(r *domain.TaskRecord, u domain.TaskUpdate, at time.Duration) *domain.TaskRecord {
		next, err := r.Apply(u, t0.Add(at))
		require.NoError(t, err)
		return next
	}
	inFlight := apply(base, domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 40, Attempt: 1}, time.Second)
	snapshot := apply(inFlight, domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 60}, 2*time.Second)
	next := apply(snapshot, domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 80}, 3*time.Second)
	failed := apply(next, domain.TaskUpdate{Status: domain.TaskStatusFailed, Error: "task cancelled"}, 4*time.Second)
	retried := apply(snapshot, domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 15, Attempt: 2}, 5*time.Second)

	m := NewManager(Config{}, staticRecords{"t1": snapshot}, testLogger())
	s, tr := newSession("t1")
	g, gtr := newSession(events.GlobalChannel)
	require.NoError(t, m.Join(ctx, "t1", s))
	require.NoError(t, m.Join(ctx, events.GlobalChannel, g))

	for _, r := range []*domain.TaskRecord{inFlight, next, failed, retried} {
		require.NoError(t, m.HandleEvent(ctx, recordEvent(t, r)))
	}

	progress := func(records []domain.TaskRecord) []int {
		out := make([]int, 0, len(records))
		for _, r := range records {
			out = append(out, r.Progress)
		}
		return out
	}
	got := tr.records(t)
	assert.Equal(t, []int{60, 80, 80}, progress(got), "the in-flight update behind the snapshot is dropped")
	assert.Equal(t, domain.TaskStatusFailed, got[len(got)-1].Status, "nothing follows a terminal record")
	assert.Equal(t, []int{40, 80, 80}, progress(gtr.records(t)), "global sessions had no snapshot")
}

func TestRecordVersion_Supersedes(t *testing.T) {
	at := func(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

	testCases := []struct {
		name       string
		last, next recordVersion
		want       bool
	}{
		{"higher progress", recordVersion{1, 40, false, at(1)}, recordVersion{1, 60, false, at(2)}, true},
		{"same progress new line", recordVersion{1, 60, false, at(1)}, recordVersion{1, 60, false, at(2)}, true},
		{"lower progress", recordVersion{1, 60, false, at(1)}, recordVersion{1, 40, false, at(2)}, false},
		{"older timestamp", recordVersion{1, 60, false, at(2)}, recordVersion{1, 80, false, at(1)}, false},
		{"new attempt resets progress", recordVersion{1, 90, false, at(1)}, recordVersion{2, 15, false, at(2)}, true},
		{"older attempt", recordVersion{2, 15, false, at(1)}, recordVersion{1, 90, false, at(2)}, false},
		{"failed caps progress", recordVersion{1, 100, false, at(1)}, recordVersion{1, 99, true, at(2)}, true},
		{"after terminal", recordVersion{1, 99, true, at(1)}, recordVersion{1, 99, true, at(2)}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.next.supersedes(tc.last))
		})
	}
}
