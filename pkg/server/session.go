package server

import (
	"sync"
	"sync/atomic"
)

// Session represents an active client connection.
type Session struct {
	ID         uint64
	Conn       *SafeConn // Connection with automatic write synchronization
	RemoteAddr string

	mu             sync.RWMutex
	userID         int64  // 0 until authenticated
	username       string // "" until authenticated
	currentChannel *int64 // Channel the session has entered, nil outside any

	lastActivity atomic.Int64 // Unix milliseconds
}

// Authenticated reports whether the session has completed REGISTER or LOGIN.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID != 0
}

// Identity returns the session's user id and username.
func (s *Session) Identity() (int64, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.username
}

// CurrentChannel returns the channel the session has entered, or nil.
func (s *Session) CurrentChannel() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentChannel
}

// SetCurrentChannel records the channel the session has entered.
func (s *Session) SetCurrentChannel(channelID *int64) {
	s.mu.Lock()
	s.currentChannel = channelID
	s.mu.Unlock()
}

// Touch records activity on the session.
func (s *Session) Touch(nowMillis int64) {
	s.lastActivity.Store(nowMillis)
}

// LastActivity returns the last activity timestamp in Unix milliseconds.
func (s *Session) LastActivity() int64 {
	return s.lastActivity.Load()
}

// SessionManager tracks all active sessions and enforces the one-session-per-
// user rule through its byUser index.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byUser   map[int64]*Session // userID -> authenticated session
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		byUser:   make(map[int64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for a connection.
func (sm *SessionManager) CreateSession(conn *SafeConn, nowMillis int64) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
	}
	sess.Touch(nowMillis)

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// Authenticate binds a user identity to a session. Returns false when the
// user already has a live session; the new connection must be refused.
func (sm *SessionManager) Authenticate(sess *Session, userID int64, username string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, online := sm.byUser[userID]; online {
		return false
	}

	sess.mu.Lock()
	sess.userID = userID
	sess.username = username
	sess.mu.Unlock()

	sm.byUser[userID] = sess
	return true
}

// GetSession returns a session by id.
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetByUser returns the live session for a user, if any.
func (sm *SessionManager) GetByUser(userID int64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.byUser[userID]
	return sess, ok
}

// IsOnline reports whether the user has a live session.
func (sm *SessionManager) IsOnline(userID int64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	_, ok := sm.byUser[userID]
	return ok
}

// GetAllSessions returns a snapshot of all active sessions.
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// SessionsForUsers returns the live sessions for the given user ids. The
// result is a snapshot; callers write to it without holding any manager lock.
func (sm *SessionManager) SessionsForUsers(userIDs []int64) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(userIDs))
	for _, id := range userIDs {
		if sess, ok := sm.byUser[id]; ok {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// RemoveSession removes a session and closes the connection. The user becomes
// free to log in again.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)

	sess.mu.RLock()
	userID := sess.userID
	sess.mu.RUnlock()
	if userID != 0 && sm.byUser[userID] == sess {
		delete(sm.byUser, userID)
	}
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionDisconnected()
	}

	sess.Conn.Close()
}

// CountOnlineUsers returns the number of authenticated sessions.
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.byUser)
}

// CountSessions returns the number of connections, authenticated or not.
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CloseAll closes all sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
	sm.sessions = make(map[uint64]*Session)
	sm.byUser = make(map[int64]*Session)
}
