package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/events"
	"github.com/phrazzld/repackd/internal/store"
	"github.com/sourcegraph/conc/pool"
)

// RecordReader returns the current record of a task.
type RecordReader interface {
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
}

// Config configures a Manager.
type Config struct {
	// PingInterval is the sweep cadence. Sessions silent for two intervals
	// are evicted.
	PingInterval time.Duration

	// HeartbeatInterval is the cadence of the heartbeat broadcast.
	HeartbeatInterval time.Duration

	// Now replaces time.Now when set.
	Now func() time.Time
}

// DefaultConfig returns the default liveness cadences.
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		HeartbeatInterval: 60 * time.Second,
	}
}

// Manager owns every connected session.
type Manager struct {
	cfg     Config
	records RecordReader
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]map[*Session]struct{}
	stopped  bool

	// wake is signalled when a session joins so the liveness loop can resume.
	wake chan struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

var _ events.EventHandler = (*Manager)(nil)

// NewManager creates a Manager. records may be nil, in which case joins get
// no snapshot.
func NewManager(cfg Config, records RecordReader, logger *slog.Logger) *Manager {
	defaults := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		records:  records,
		logger:   logger.With("component", "connection_manager"),
		channels: make(map[string]map[*Session]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Join registers s on channel and, for task channels, sends the current
// record as the first message the session receives.
func (m *Manager) Join(ctx context.Context, channel string, s *Session) error {
	if channel == "" {
		return ErrInvalidChannel
	}

	// Hold the session's write lock across registration and snapshot so that
	// no publish can reach the client ahead of the snapshot.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	sessions, ok := m.channels[channel]
	if !ok {
		sessions = make(map[*Session]struct{})
		m.channels[channel] = sessions
	}
	sessions[s] = struct{}{}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.logger.Debug("session joined", "channel", channel, "session_id", s.ID())

	if channel == events.GlobalChannel || m.records == nil {
		return nil
	}

	record, err := m.records.Get(ctx, channel)
	if err != nil {
		if !errors.Is(err, store.ErrTaskNotFound) {
			m.logger.Warn("failed to load snapshot", "channel", channel, "error", err)
		}
		return nil
	}

	event, err := events.NewEvent(channel, events.TypeTaskUpdate, record)
	if err != nil {
		m.logger.Error("failed to encode snapshot", "channel", channel, "error", err)
		return nil
	}
	if err := s.sendLocked(event.Data); err != nil {
		m.logger.Debug("snapshot delivery failed", "channel", channel, "session_id", s.ID(), "error", err)
		m.drop(channel, s)
		return nil
	}
	s.delivered.Add(record.ID, versionOf(record))
	return nil
}

// Leave deregisters s. It reports whether s was registered.
func (m *Manager) Leave(channel string, s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.channels[channel]
	if !ok {
		return false
	}
	if _, ok := sessions[s]; !ok {
		return false
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(m.channels, channel)
	}
	return true
}

// drop removes a session whose transport failed and closes it.
func (m *Manager) drop(channel string, s *Session) {
	if m.Leave(channel, s) {
		m.logger.Info("session removed", "channel", channel, "session_id", s.ID())
	}
	s.Close()
}

func (m *Manager) sessions(channel string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.channels[channel]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (m *Manager) allSessions() map[string][]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]*Session, len(m.channels))
	for channel, set := range m.channels {
		list := make([]*Session, 0, len(set))
		for s := range set {
			list = append(list, s)
		}
		out[channel] = list
	}
	return out
}

// Publish delivers payload to every session on channel and returns how many
// received it. Sessions that fail are removed.
func (m *Manager) Publish(channel string, payload []byte) int {
	return m.deliver(channel, m.sessions(channel), payload)
}

func (m *Manager) deliver(channel string, sessions []*Session, payload []byte) int {
	delivered := 0
	for _, s := range sessions {
		if err := s.Send(payload); err != nil {
			m.logger.Debug("delivery failed", "channel", channel, "session_id", s.ID(), "error", err)
			m.drop(channel, s)
			continue
		}
		delivered++
	}
	return delivered
}

// Broadcast delivers payload to every session on every channel. Channels
// are served concurrently, each in its own ordered loop.
func (m *Manager) Broadcast(payload []byte) int {
	var mu sync.Mutex
	total := 0

	p := pool.New()
	for channel, sessions := range m.allSessions() {
		p.Go(func() {
			n := m.deliver(channel, sessions, payload)
			mu.Lock()
			total += n
			mu.Unlock()
		})
	}
	p.Wait()
	return total
}

// HandleEvent forwards task updates to the task channel and the global
// channel. A session never receives a record older than one it already
// got, so a bus event that raced a join snapshot is dropped. Delivery
// failures never surface as errors.
func (m *Manager) HandleEvent(ctx context.Context, event *events.Event) error {
	if event.Type != events.TypeTaskUpdate {
		return nil
	}

	var record domain.TaskRecord
	if err := json.Unmarshal(event.Data, &record); err != nil || record.ID == "" {
		m.logger.Warn("task update without a record", "channel", event.Channel, "event_id", event.ID)
		return nil
	}

	v := versionOf(&record)
	m.publishRecord(event.Channel, record.ID, v, event.Data)
	if event.Channel != events.GlobalChannel {
		m.publishRecord(events.GlobalChannel, record.ID, v, event.Data)
	}
	return nil
}

func (m *Manager) publishRecord(channel, taskID string, v recordVersion, payload []byte) {
	for _, s := range m.sessions(channel) {
		sent, err := s.sendRecord(taskID, v, payload)
		if err != nil {
			m.logger.Debug("delivery failed", "channel", channel, "session_id", s.ID(), "error", err)
			m.drop(channel, s)
			continue
		}
		if !sent {
			m.logger.Debug("dropping stale task update",
				"channel", channel,
				"session_id", s.ID(),
				"task_id", taskID,
				"progress", v.progress)
		}
	}
}

// Pong records a client pong.
func (m *Manager) Pong(s *Session) {
	s.recordPong(m.cfg.Now())
}

// Ping answers a client ping.
func (m *Manager) Ping(s *Session) error {
	return s.Send(encodeControl(TypePong, m.cfg.Now()))
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, set := range m.channels {
		n += len(set)
	}
	return n
}

// ChannelCount returns the number of channels with at least one session.
func (m *Manager) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Sweep runs one liveness pass at now. A session is evicted when its last
// pong, or its connect time before any pong, is older than two ping
// intervals and a ping has been sent since. Otherwise it is pinged once the
// previous ping is an interval old. Sweep returns the number of evictions.
func (m *Manager) Sweep(now time.Time) int {
	interval := m.cfg.PingInterval
	evicted := 0

	for channel, sessions := range m.allSessions() {
		for _, s := range sessions {
			seen := s.lastSeen()
			lastPing := s.lastPing()

			if now.Sub(seen) > 2*interval && lastPing.After(seen) {
				m.logger.Info("evicting unresponsive session",
					"channel", channel,
					"session_id", s.ID(),
					"last_seen", seen)
				m.drop(channel, s)
				evicted++
				continue
			}

			if lastPing.IsZero() || now.Sub(lastPing) >= interval {
				if err := s.Send(encodeControl(TypePing, now)); err != nil {
					m.drop(channel, s)
					evicted++
					continue
				}
				s.recordPing(now)
			}
		}
	}
	return evicted
}

// Heartbeat broadcasts a heartbeat message.
func (m *Manager) Heartbeat(now time.Time) int {
	return m.Broadcast(encodeControl(TypeHeartbeat, now))
}

// Start runs the liveness loop until ctx ends or Stop is called. The loop
// idles while no session is connected.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.run(ctx)
	}()
	m.logger.Info("connection manager started",
		"ping_interval", m.cfg.PingInterval,
		"heartbeat_interval", m.cfg.HeartbeatInterval)
}

// Stop ends the liveness loop and closes every session.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.lifecycleMu.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	channels := m.channels
	m.channels = make(map[string]map[*Session]struct{})
	m.mu.Unlock()

	closed := 0
	for _, set := range channels {
		for s := range set {
			s.Close()
			closed++
		}
	}
	m.logger.Info("connection manager stopped", "closed_sessions", closed)
}

func (m *Manager) run(ctx context.Context) {
	for {
		if !m.waitForSessions(ctx) {
			return
		}
		if !m.liveness(ctx) {
			return
		}
	}
}

func (m *Manager) waitForSessions(ctx context.Context) bool {
	for {
		if m.SessionCount() > 0 {
			return true
		}
		select {
		case <-m.wake:
		case <-ctx.Done():
			return false
		}
	}
}

// liveness sweeps and sends heartbeats until no session remains. It returns
// false when ctx ended.
func (m *Manager) liveness(ctx context.Context) bool {
	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ping.C:
			m.Sweep(m.cfg.Now())
		case <-heartbeat.C:
			m.Heartbeat(m.cfg.Now())
		}
		if m.SessionCount() == 0 {
			return true
		}
	}
}
