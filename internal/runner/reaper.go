package runner

import (
	"time"

	"github.com/camofleet/camofleet/internal/api"
)

// startReaper launches the periodic idle-session sweep.
func (m *Manager) startReaper() {
	interval := time.Duration(m.cfg.CleanupInterval) * time.Second
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.reapExpired(time.Now().UTC())
			}
		}
	}()
}

// reapExpired removes every session whose idle TTL has elapsed and
// tears it down outside the table lock. It returns how many sessions
// were expired.
func (m *Manager) reapExpired(now time.Time) int {
	var stale []*session
	m.mu.Lock()
	for id, s := range m.sessions {
		deadline := s.lastSeenAt.Add(time.Duration(s.idleTTL) * time.Second)
		if !now.Before(deadline) {
			s.status = api.StatusTerminating
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Info("session expired; shutting down", "session_id", s.id)
		m.shutdownSession(s)
	}
	return len(stale)
}
