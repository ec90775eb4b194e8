package scheduler

// ExportedTick runs one tick synchronously for external tests.
func (s *Scheduler) ExportedTick() {
	s.tick()
}
