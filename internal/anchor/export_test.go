package anchor

// PollerCount reports how many pollers are running.
func (m *Monitor) PollerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers)
}
