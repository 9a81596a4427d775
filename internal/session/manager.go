package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Manager tracks the sessions of all connected clients
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	catalog  Catalog
	maxSubs  int
	logger   zerolog.Logger
}

// NewManager creates a new session Manager
func NewManager(catalog Catalog, maxSubs int, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*ClientSession),
		catalog:  catalog,
		maxSubs:  maxSubs,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Open creates a session for a new connection
func (m *Manager) Open(sender Sender) *ClientSession {
	session := NewClientSession(sender, m.catalog, m.maxSubs, m.logger)

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	m.logger.Debug().Str("session", session.ID()).Msg("created new client session")
	return session
}

// Remove closes a session and forgets it
func (m *Manager) Remove(session *ClientSession) {
	m.mu.Lock()
	_, ok := m.sessions[session.ID()]
	delete(m.sessions, session.ID())
	m.mu.Unlock()

	session.Close()
	if ok {
		m.logger.Debug().Str("session", session.ID()).Msg("removed client session")
	}
}

// CloseAll closes all sessions
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*ClientSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*ClientSession)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	m.logger.Info().Int("sessions", len(sessions)).Msg("closed all sessions")
}

// SessionCount returns the number of active sessions
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SubscriptionCount returns the total number of subscriptions across all sessions
func (m *Manager) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, session := range m.sessions {
		total += session.SubscriptionCount()
	}
	return total
}
