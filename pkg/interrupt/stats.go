package interrupt

// Stats are diagnostic counters. SelfHeals and StuckResets count how often
// the recovery branches fire, which is the only evidence of how often the
// sources disagree in practice.
type Stats struct {
	Emitted         map[Event]uint64
	Suppressed      uint64
	SelfHeals       uint64
	StuckResets     uint64
	GainsSuppressed uint64
	PollTicks       uint64
	StaleTasks      uint64
}

func newStats() Stats {
	return Stats{Emitted: make(map[Event]uint64)}
}

// Total is the number of events forwarded to the sink
func (s Stats) Total() uint64 {
	var total uint64
	for _, n := range s.Emitted {
		total += n
	}
	return total
}

// Stats returns a snapshot of the diagnostic counters
func (m *Module) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.stats
	snapshot.Emitted = make(map[Event]uint64, len(m.stats.Emitted))
	for ev, n := range m.stats.Emitted {
		snapshot.Emitted[ev] = n
	}

	return snapshot
}
