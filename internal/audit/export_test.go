package audit

// Tamper replaces the stored HashAfter of the n-th event of an entity.
func (s *InMemoryStore) Tamper(entityID string, n int, hashAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < len(s.events[entityID]) {
		s.events[entityID][n].HashAfter = hashAfter
	}
}
