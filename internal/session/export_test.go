package session

// Tracked returns how many sessions hold a debounce entry.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastTouch)
}
