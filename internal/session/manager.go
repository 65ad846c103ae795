package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session. Terminal statuses remove the
// record from the registry.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusEnded   Status = "ended"
)

// Session binds a user, a challenge and a running container for a bounded
// interval. Values handed out by the manager are copies; all mutation goes
// through manager methods.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         uint      `json:"user_id"`
	ChallengeID    uint      `json:"challenge_id"`
	ContainerID    string    `json:"-"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Decision is the outcome of admission control.
type Decision struct {
	Allowed bool
	Reason  string
}

type Config struct {
	IdleTimeout time.Duration
	MaxDuration time.Duration
	MaxPerUser  int
	MaxTotal    int
}

type pendingKey struct {
	userID      uint
	challengeID uint
}

// Manager is the in-memory session registry. One mutex covers the session
// map and the pending set; admission checks, counts and mutations all happen
// under it, and no I/O ever does.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[pendingKey]struct{}
	cfg      Config

	// endNotifier is invoked (on its own goroutine) after a session leaves
	// the registry, so the terminal gateway can close the matching socket.
	endNotifier func(sessionID string)
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 1
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 15
	}
	return &Manager{
		sessions: make(map[string]*Session),
		pending:  make(map[pendingKey]struct{}),
		cfg:      cfg,
	}
}

// SetEndNotifier registers the callback fired when a session ends or
// expires. The notification is non-blocking and idempotent on the receiver
// side.
func (m *Manager) SetEndNotifier(fn func(sessionID string)) {
	m.mu.Lock()
	m.endNotifier = fn
	m.mu.Unlock()
}

// Admit applies the per-user and global caps against live active counts.
func (m *Manager) Admit(userID uint) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	mine := 0
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		total++
		if s.UserID == userID {
			mine++
		}
	}

	if mine >= m.cfg.MaxPerUser {
		return Decision{Reason: fmt.Sprintf("Maximum %d active session(s) per user", m.cfg.MaxPerUser)}
	}
	if total >= m.cfg.MaxTotal {
		return Decision{Reason: "System at capacity, try again later"}
	}
	return Decision{Allowed: true}
}

// MarkPending reserves the (user, challenge) pair for the window between
// admission and session insertion. Returns false when another request holds
// the reservation.
func (m *Manager) MarkPending(userID, challengeID uint) bool {
	key := pendingKey{userID, challengeID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[key]; exists {
		return false
	}
	m.pending[key] = struct{}{}
	return true
}

func (m *Manager) ClearPending(userID, challengeID uint) {
	m.mu.Lock()
	delete(m.pending, pendingKey{userID, challengeID})
	m.mu.Unlock()
}

func (m *Manager) IsPending(userID, challengeID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.pending[pendingKey{userID, challengeID}]
	return exists
}

// Create inserts a fresh active session and returns a copy of it.
func (m *Manager) Create(userID, challengeID uint, containerID string) Session {
	now := time.Now()
	s := &Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		ChallengeID:    challengeID,
		ContainerID:    containerID,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.MaxDuration),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Printf("Session created: %s user=%d challenge=%d container=%s", s.ID, userID, challengeID, shortID(containerID))
	return *s
}

// Get returns a copy of the session, or false when absent.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// GetForUserChallenge returns the user's active session for a challenge.
func (m *Manager) GetForUserChallenge(userID, challengeID uint) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.ChallengeID == challengeID && s.Status == StatusActive {
			return *s, true
		}
	}
	return Session{}, false
}

// UpdateActivity advances last_activity_at; stale callers cannot regress
// the timestamp. No-op when the session is gone.
func (m *Manager) UpdateActivity(id string) {
	now := time.Now()
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	m.mu.Unlock()
}

// End removes the session with status ended and schedules the gateway
// notification.
func (m *Manager) End(id string) {
	m.remove(id, StatusEnded)
}

// MarkExpired removes the session with status expired; diagnostically
// distinct from End.
func (m *Manager) MarkExpired(id string) {
	m.remove(id, StatusExpired)
}

func (m *Manager) remove(id string, status Status) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.Status = status
		delete(m.sessions, id)
	}
	notifier := m.endNotifier
	m.mu.Unlock()

	if !ok {
		return
	}

	log.Printf("Session %s: %s", status, id)
	if notifier != nil {
		go notifier(id)
	}
}

// ListActive returns copies of all active sessions.
func (m *Manager) ListActive() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			out = append(out, *s)
		}
	}
	return out
}

// ListUser returns copies of the user's active sessions.
func (m *Manager) ListUser(userID uint) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == StatusActive {
			out = append(out, *s)
		}
	}
	return out
}

// ListExpired returns sessions whose idle or absolute timeout has elapsed
// at the moment of the call.
func (m *Manager) ListExpired() []Session {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActivityAt) > m.cfg.IdleTimeout || now.After(s.ExpiresAt) {
			out = append(out, *s)
		}
	}
	return out
}

// ActiveCount returns the number of active sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
