package social

import (
	"strings"
	"sync"
	"time"
)

type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusUploading  SessionStatus = "uploading"
	StatusProcessing SessionStatus = "processing"
	StatusReady      SessionStatus = "ready"
	StatusFailed     SessionStatus = "failed"
)

// Snapshot is the read-only projection of an UploadSession handed to
// observers (HTTP status endpoint, realtime hub).
type Snapshot struct {
	UserID    string        `json:"userId"`
	Service   string        `json:"service"`
	Progress  int           `json:"progress"`
	Status    SessionStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	MediaID   string        `json:"mediaId,omitempty"`
	PostID    string        `json:"postId,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Session is the ephemeral state of one publish attempt on one platform.
// Progress only moves forward; once the session reaches a terminal status
// or is discarded, late-arriving updates are dropped.
type Session struct {
	mu        sync.Mutex
	userID    string
	service   string
	progress  int
	status    SessionStatus
	errMsg    string
	mediaID   string
	postID    string
	startedAt time.Time
	updatedAt time.Time
	discarded bool
	notify    func(Snapshot)
	pending   []Snapshot
	emitting  bool
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		UserID:    s.userID,
		Service:   s.service,
		Progress:  s.progress,
		Status:    s.status,
		Error:     s.errMsg,
		MediaID:   s.mediaID,
		PostID:    s.postID,
		StartedAt: s.startedAt,
		UpdatedAt: s.updatedAt,
	}
}

func (s *Session) emitLocked() {
	if s.notify == nil {
		return
	}
	// Observers may call back into Snapshot(), so deliveries happen outside
	// the lock. A single drain goroutine keeps them in emission order.
	s.pending = append(s.pending, s.snapshotLocked())
	if s.emitting {
		return
	}
	s.emitting = true
	go s.drainPending()
}

func (s *Session) drainPending() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.emitting = false
			s.mu.Unlock()
			return
		}
		snap := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.notify(snap)
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// advance raises progress to floor (never lowers it) and sets the status.
func (s *Session) advance(floor int, status SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded || s.status == StatusFailed {
		return
	}
	if floor > s.progress {
		s.progress = floor
	}
	s.status = status
	s.updatedAt = time.Now().UTC()
	s.emitLocked()
}

func (s *Session) setMediaID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return
	}
	s.mediaID = id
	s.updatedAt = time.Now().UTC()
}

// complete marks the session ready at 100 with the resulting post id.
func (s *Session) complete(postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded || s.status == StatusFailed {
		return
	}
	s.postID = postID
	s.progress = 100
	s.status = StatusReady
	s.updatedAt = time.Now().UTC()
	s.emitLocked()
}

// fail is terminal: status becomes failed and progress freezes.
func (s *Session) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded || s.status == StatusFailed {
		return
	}
	s.status = StatusFailed
	s.errMsg = msg
	s.updatedAt = time.Now().UTC()
	s.emitLocked()
}

func (s *Session) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = true
}

// SessionRegistry enforces at most one active UploadSession per
// (user, service): chunked-upload media ids are not safe to share across
// concurrent attempts, so a second publish while one is in flight is
// rejected rather than interleaved.
type SessionRegistry struct {
	mu     sync.Mutex
	active map[string]*Session
	last   map[string]Snapshot
	notify func(Snapshot)
}

func NewSessionRegistry(notify func(Snapshot)) *SessionRegistry {
	return &SessionRegistry{
		active: make(map[string]*Session),
		last:   make(map[string]Snapshot),
		notify: notify,
	}
}

func sessionKey(userID, service string) string {
	return strings.TrimSpace(userID) + "|" + strings.TrimSpace(service)
}

// Begin creates the session for (user, service), or fails with
// KindSessionActive when one is already in flight.
func (r *SessionRegistry) Begin(userID, service string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey(userID, service)
	if _, busy := r.active[key]; busy {
		return nil, newError(KindSessionActive, service, "a publish attempt is already in progress")
	}
	now := time.Now().UTC()
	s := &Session{
		userID:    userID,
		service:   service,
		status:    StatusPending,
		startedAt: now,
		updatedAt: now,
		notify:    r.notify,
	}
	r.active[key] = s
	return s, nil
}

// End discards the session and retires its final snapshot for observers.
// After End, late-arriving responses cannot mutate session state.
func (r *SessionRegistry) End(s *Session) {
	if s == nil {
		return
	}
	final := s.Snapshot()
	s.discard()
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey(final.UserID, final.Service)
	if r.active[key] == s {
		delete(r.active, key)
	}
	r.last[key] = final
}

// Status reports the in-flight session if any, else the last finished one.
func (r *SessionRegistry) Status(userID, service string) *Snapshot {
	r.mu.Lock()
	key := sessionKey(userID, service)
	s, ok := r.active[key]
	if !ok {
		last, found := r.last[key]
		r.mu.Unlock()
		if !found {
			return nil
		}
		return &last
	}
	r.mu.Unlock()
	snap := s.Snapshot()
	return &snap
}
