// Package session implements the stream session admission manager:
// a global concurrency cap plus a per-channel cap, idle-timeout eviction via
// a periodic sweep, and byte-count tracking so a session that never reads
// any bytes is still reaped. One mutex guards the whole table; stream I/O
// happens outside it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plexbridge/tuner/internal/apperr"
)

type Session struct {
	ID         string
	ChannelID  string
	StartedAt  time.Time
	LastActive time.Time
	BytesSent  int64
	cancel     context.CancelFunc
}

type Manager struct {
	mu              sync.Mutex
	sessions        map[string]*Session
	byChannel       map[string]int
	maxGlobal       int
	maxPerChannel   int
	idleTimeout     time.Duration
	sweepInterval   time.Duration
}

func NewManager(maxGlobal, maxPerChannel int, idleTimeout, sweepInterval time.Duration) *Manager {
	if maxGlobal <= 0 {
		maxGlobal = 5
	}
	if maxPerChannel <= 0 {
		maxPerChannel = 1
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Second
	}
	return &Manager{
		sessions:      make(map[string]*Session),
		byChannel:     make(map[string]int),
		maxGlobal:     maxGlobal,
		maxPerChannel: maxPerChannel,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
	}
}

// Admit reserves a slot for channelID, returning apperr.ErrCapacity if the
// global or per-channel cap is already saturated. cancel is invoked by the
// sweep loop (or Release) to signal the stream handler's goroutine to stop.
func (m *Manager) Admit(channelID string, cancel context.CancelFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.maxGlobal {
		return nil, apperr.Wrap(apperr.ErrCapacity, errCapacity("global"))
	}
	if m.byChannel[channelID] >= m.maxPerChannel {
		return nil, apperr.Wrap(apperr.ErrCapacity, errCapacity("channel"))
	}
	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		StartedAt:  now,
		LastActive: now,
		cancel:     cancel,
	}
	m.sessions[sess.ID] = sess
	m.byChannel[channelID]++
	return sess, nil
}

// MarkActive records n bytes written to the client and resets the idle
// clock; called from the stream handler's write loop.
func (m *Manager) MarkActive(sessionID string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActive = time.Now()
		s.BytesSent += n
	}
}

// Release frees sessionID's slot. Safe to call more than once.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(sessionID)
}

func (m *Manager) releaseLocked(sessionID string) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	m.byChannel[s.ChannelID]--
	if m.byChannel[s.ChannelID] <= 0 {
		delete(m.byChannel, s.ChannelID)
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) CountForChannel(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byChannel[channelID]
}

// ActiveSession is a snapshot of one session for the /streams/active
// admin endpoint; it carries no cancel func so callers can't affect
// accounting through it.
type ActiveSession struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
	BytesSent  int64     `json:"bytes_sent"`
}

// Active snapshots every currently-admitted session.
func (m *Manager) Active() []ActiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, ActiveSession{
			ID:         s.ID,
			ChannelID:  s.ChannelID,
			StartedAt:  s.StartedAt,
			LastActive: s.LastActive,
			BytesSent:  s.BytesSent,
		})
	}
	return out
}

// Sweep runs a periodic pass evicting sessions idle past idleTimeout,
// calling each session's cancel func before dropping it, until ctx is done.
func (m *Manager) Sweep(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, s := range m.sessions {
		if now.Sub(s.LastActive) > m.idleTimeout {
			if s.cancel != nil {
				s.cancel()
			}
			m.releaseLocked(id)
		}
	}
}

type capacityError string

func (e capacityError) Error() string { return "session capacity exceeded: " + string(e) }

func errCapacity(scope string) error { return capacityError(scope) }
