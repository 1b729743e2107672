package session

import "time"

// SetClock replaces the Manager's time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}
