// Package session tracks what the bot expects next from each private chat.
package session

import "sync"

// Mode says how the next non-command message from a user is interpreted.
type Mode int

const (
	ModeIdle Mode = iota
	ModeAwaitingCode
	ModeAwaitingPost
	ModeAwaitingBulkFile
)

func (m Mode) String() string {
	switch m {
	case ModeAwaitingCode:
		return "awaiting_code"
	case ModeAwaitingPost:
		return "awaiting_post"
	case ModeAwaitingBulkFile:
		return "awaiting_bulk_file"
	default:
		return "idle"
	}
}

// State is the per-user session payload. ChatID carries the target chat for
// modes that need one (bulk file approval).
type State struct {
	Mode   Mode
	ChatID int64
}

// Manager is an in-memory session table keyed by user id.
// Sessions are ephemeral on purpose; a restart drops them all.
type Manager struct {
	mu    sync.Mutex
	users map[int64]State
}

func NewManager() *Manager {
	return &Manager{users: map[int64]State{}}
}

func (m *Manager) Set(userID int64, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.Mode == ModeIdle {
		delete(m.users, userID)
		return
	}
	m.users[userID] = st
}

func (m *Manager) Get(userID int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID]
}

func (m *Manager) Clear(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
}
