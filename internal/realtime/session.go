package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/phrazzld/repackd/internal/domain"
)

// trackedTasksPerSession bounds how many task versions a session remembers.
const trackedTasksPerSession = 1024

// recordVersion is the ordering key of a delivered task record.
type recordVersion struct {
	attempt   int
	progress  int
	terminal  bool
	updatedAt time.Time
}

func versionOf(r *domain.TaskRecord) recordVersion {
	return recordVersion{
		attempt:   r.Attempt,
		progress:  r.Progress,
		terminal:  r.IsTerminal(),
		updatedAt: r.UpdatedAt,
	}
}

// supersedes reports whether a record at v may follow one at last without
// the client seeing the task move backwards.
func (v recordVersion) supersedes(last recordVersion) bool {
	switch {
	case last.terminal:
		return false
	case v.updatedAt.Before(last.updatedAt):
		return false
	case v.attempt < last.attempt:
		return false
	case v.attempt == last.attempt && v.progress < last.progress && !v.terminal:
		return false
	}
	return true
}

// Transport is the network side of a session.
type Transport interface {
	// Send writes one message. Calls are serialized by the session.
	Send(payload []byte) error
	Close() error
}

// Session is one connected client.
type Session struct {
	id          string
	channel     string
	transport   Transport
	connectedAt time.Time

	// writeMu serializes writes; the transport allows a single writer.
	writeMu sync.Mutex
	// delivered is the last record version sent per task, guarded by writeMu.
	delivered *lru.Cache[string, recordVersion]

	mu                 sync.Mutex
	lastPingSentAt     time.Time
	lastPongReceivedAt time.Time
	pingCount          int
	pongCount          int

	closeOnce sync.Once
	closed    chan struct{}
}

// SessionStats is a point-in-time copy of a session's liveness counters.
type SessionStats struct {
	ID                 string    `json:"id"`
	Channel            string    `json:"channel"`
	ConnectedAt        time.Time `json:"connected_at"`
	LastPingSentAt     time.Time `json:"last_ping_sent_at"`
	LastPongReceivedAt time.Time `json:"last_pong_received_at"`
	PingCount          int       `json:"ping_count"`
	PongCount          int       `json:"pong_count"`
}

// NewSession creates a session on channel that connected at connectedAt.
func NewSession(channel string, transport Transport, connectedAt time.Time) *Session {
	delivered, _ := lru.New[string, recordVersion](trackedTasksPerSession)
	return &Session{
		id:          uuid.NewString(),
		channel:     channel,
		transport:   transport,
		connectedAt: connectedAt,
		delivered:   delivered,
		closed:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Channel returns the channel the session subscribes to.
func (s *Session) Channel() string { return s.channel }

// Send writes payload to the client.
func (s *Session) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sendLocked(payload)
}

// sendRecord writes a task record payload unless the session already
// received a newer version of that task. It reports whether it wrote.
func (s *Session) sendRecord(taskID string, v recordVersion, payload []byte) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if last, ok := s.delivered.Get(taskID); ok && !v.supersedes(last) {
		return false, nil
	}
	if err := s.sendLocked(payload); err != nil {
		return false, err
	}
	s.delivered.Add(taskID, v)
	return true, nil
}

func (s *Session) sendLocked(payload []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	return s.transport.Send(payload)
}

// Close closes the transport once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.transport.Close()
	})
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Stats returns the liveness counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		ID:                 s.id,
		Channel:            s.channel,
		ConnectedAt:        s.connectedAt,
		LastPingSentAt:     s.lastPingSentAt,
		LastPongReceivedAt: s.lastPongReceivedAt,
		PingCount:          s.pingCount,
		PongCount:          s.pongCount,
	}
}

func (s *Session) recordPing(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPingSentAt = at
	s.pingCount++
}

func (s *Session) recordPong(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPongReceivedAt = at
	s.pongCount++
}

// lastSeen is the last pong, or the connect time before the first one.
func (s *Session) lastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPongReceivedAt.IsZero() {
		return s.connectedAt
	}
	return s.lastPongReceivedAt
}

func (s *Session) lastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPingSentAt
}
