package session

import (
	"slices"
	"sync"
	"time"

	"github.com/wfunc/casefile/network"
)

// Session is one websocket client of the case event feed.
type Session struct {
	ID        string
	Conn      network.Connection
	CreatedAt time.Time

	mutex      sync.RWMutex
	lastActive time.Time
	watching   map[int64]struct{}
}

func NewSession(id string, conn network.Connection) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		lastActive: now,
		watching:   make(map[int64]struct{}),
	}
}

func (s *Session) Send(msgID uint16, data []byte) error {
	s.Touch()
	return s.Conn.Send(msgID, data)
}

// Touch records activity, e.g. a heartbeat.
func (s *Session) Touch() {
	s.mutex.Lock()
	s.lastActive = time.Now()
	s.mutex.Unlock()
}

func (s *Session) LastActive() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastActive
}

// Watching returns the watched case ids in ascending order.
func (s *Session) Watching() []int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]int64, 0, len(s.watching))
	for id := range s.watching {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Session) GetID() string {
	return s.ID
}

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Manager tracks live sessions and which cases each one watches.
type Manager struct {
	sessions map[string]*Session
	watchers map[int64]map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		watchers: make(map[int64]map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

// Remove forgets the session and all of its watches.
func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)

	sess.mutex.Lock()
	for caseID := range sess.watching {
		m.dropWatcher(caseID, sessionID)
	}
	clear(sess.watching)
	sess.mutex.Unlock()
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	result := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		result = append(result, sess)
	}
	return result
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// Watch subscribes a registered session to caseID. It reports false for an
// unknown session.
func (m *Manager) Watch(sessionID string, caseID int64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	set, ok := m.watchers[caseID]
	if !ok {
		set = make(map[string]*Session)
		m.watchers[caseID] = set
	}
	set[sessionID] = sess

	sess.mutex.Lock()
	sess.watching[caseID] = struct{}{}
	sess.mutex.Unlock()
	return true
}

func (m *Manager) Unwatch(sessionID string, caseID int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.dropWatcher(caseID, sessionID)
	if sess, ok := m.sessions[sessionID]; ok {
		sess.mutex.Lock()
		delete(sess.watching, caseID)
		sess.mutex.Unlock()
	}
}

// Watchers returns a snapshot of the sessions watching caseID.
func (m *Manager) Watchers(caseID int64) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	set := m.watchers[caseID]
	result := make([]*Session, 0, len(set))
	for _, sess := range set {
		result = append(result, sess)
	}
	return result
}

// caller holds m.mutex
func (m *Manager) dropWatcher(caseID int64, sessionID string) {
	set, ok := m.watchers[caseID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(m.watchers, caseID)
	}
}
