// session/session.go
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wfunc/quizroom/network"
)

// Session 一个观战连接，绑定到一个房间，可选绑定玩家 uid
type Session struct {
	ID         string
	Conn       network.Connection
	RoomCode   string
	UID        string
	CreatedAt  time.Time
	lastActive time.Time
	mutex      sync.RWMutex
}

func NewSession(conn network.Connection, roomCode, uid string) *Session {
	now := time.Now()
	return &Session{
		ID:         uuid.NewString(),
		Conn:       conn,
		RoomCode:   roomCode,
		UID:        uid,
		CreatedAt:  now,
		lastActive: now,
	}
}

func (s *Session) Send(msgID uint16, data []byte) error {
	return s.Conn.Send(msgID, data)
}

// Touch 记录最近一次收到客户端数据的时间
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

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Manager Session管理器，按房间建立索引
type Manager struct {
	sessions map[string]*Session
	byRoom   map[string]map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byRoom:   make(map[string]map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.sessions[session.ID] = session
	room, ok := m.byRoom[session.RoomCode]
	if !ok {
		room = make(map[string]*Session)
		m.byRoom[session.RoomCode] = room
	}
	room[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if room := m.byRoom[session.RoomCode]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(m.byRoom, session.RoomCode)
		}
	}
}

// ByRoom 返回房间内所有连接的快照
func (m *Manager) ByRoom(code string) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	room := m.byRoom[code]
	result := make([]*Session, 0, len(room))
	for _, session := range room {
		result = append(result, session)
	}
	return result
}

// Rooms 返回有观战连接的房间
func (m *Manager) Rooms() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	codes := make([]string, 0, len(m.byRoom))
	for code := range m.byRoom {
		codes = append(codes, code)
	}
	return codes
}

// IdleSince 返回 before 之后没有收到过数据的连接
func (m *Manager) IdleSince(before time.Time) []*Session {
	var idle []*Session
	for _, code := range m.Rooms() {
		for _, session := range m.ByRoom(code) {
			if session.LastActive().Before(before) {
				idle = append(idle, session)
			}
		}
	}
	return idle
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// CloseAll 关闭并移除所有连接
func (m *Manager) CloseAll() {
	m.mutex.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.byRoom = make(map[string]map[string]*Session)
	m.mutex.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
