package interrupt

import (
	"time"
)

// pollingSession samples the call state source after a transient focus
// loss, in case the push notification for the call end never arrives
type pollingSession struct {
	active bool
	seq    uint64
	taskID int
	timer  Timer
}

func (m *Module) armPollingLocked() {
	if !m.callSourceActive || m.calls == nil {
		m.logger.Debug("No call state source registered, call state polling is inert")
		return
	}

	if m.poll.active {
		m.logger.Debug("Call state polling already active")
		return
	}

	m.poll.active = true
	m.poll.seq++
	m.logger.Infow("Starting call state polling", "interval", m.pollInterval)

	// first sample right away, a call may already be over
	m.schedulePollLocked(m.poll.seq, 0)
}

func (m *Module) schedulePollLocked(seq uint64, delay time.Duration) {
	id, t := m.scheduleLocked(delay, func() {
		m.pollTickLocked(seq)
	})
	m.poll.taskID = id
	m.poll.timer = t
}

func (m *Module) pollTickLocked(seq uint64) {
	if !m.poll.active || m.poll.seq != seq {
		m.stats.StaleTasks++
		m.logger.Debugw("Dropping tick from finished polling session", "seq", seq)
		return
	}

	m.stats.PollTicks++

	state, err := m.calls.CurrentState()
	if err != nil {
		m.logger.Warnw("Polling: failed to query call state, retrying", "error", err)
		m.schedulePollLocked(seq, m.pollInterval)
		return
	}

	m.logger.Debugw("Polling: call state", "callState", state)

	if state != CallIdle {
		m.schedulePollLocked(seq, m.pollInterval)
		return
	}

	m.logger.Info("Call end detected by polling")
	m.disarmPollingLocked("call ended")

	if m.tracker.reset() {
		m.changed = true
	}

	m.emitLocked(EventCallEnded)
	m.schedulePostCallFocusGainLocked()
}

func (m *Module) disarmPollingLocked(reason string) {
	if !m.poll.active {
		return
	}

	m.poll.active = false
	if m.poll.timer != nil {
		m.poll.timer.Stop()
		m.tasks.done(m.poll.taskID)
		m.poll.timer = nil
	}

	m.logger.Infow("Stopping call state polling", "reason", reason)
}

// Polling reports whether the call state polling fallback is armed
func (m *Module) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poll.active
}
