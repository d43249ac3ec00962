package interrupt

import (
	"time"
)

// Dispatch feeds an already normalized signal into the state machine, as if
// the matching source had delivered it. Signals are ignored while not listening.
func (m *Module) Dispatch(sig Signal) {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	m.handleSignal(gen, sig)
}

func (m *Module) handleSignal(gen uint64, sig Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registered || gen != m.generation {
		m.logger.Debugw("Dropping signal from stale registration", "signal", sig)
		return
	}

	m.logger.Debugw("Received signal", "signal", sig)

	switch sig.Kind {
	case SignalCall:
		m.onCallStateLocked(sig.Call)
	case SignalFocus:
		m.onFocusLocked(sig.Focus)
	case SignalRoute:
		m.onRouteLocked(sig.Route)
	default:
		m.logger.Debugw("Unknown signal kind, ignoring", "kind", sig.Kind)
	}
}

func (m *Module) onCallStateLocked(state CallState) {
	started, ended := m.tracker.onCallStateChanged(state)

	switch {
	case started:
		m.changed = true
		m.callGen++
		m.cancelPostCallLocked()
		m.logger.Infow("Call active", "callState", state)
		m.emitLocked(EventCall)

	case ended:
		m.changed = true
		m.disarmPollingLocked("call ended")
		m.logger.Info("Call ended, sending immediate event")

		// unblock the UI right away, then follow with focus_gain once audio is usable again
		m.emitLocked(EventCallEnded)
		m.schedulePostCallFocusGainLocked()

	case state == CallIdle:
		// idle without a call we know about: state drifted somewhere, recover anyway
		m.stats.SelfHeals++
		m.disarmPollingLocked("idle reported")
		m.logger.Warnw("Call state idle but no call was active, sending focus_gain to recover",
			"selfHeals", m.stats.SelfHeals)
		m.emitLocked(EventFocusGain)

	default:
		m.logger.Debugw("Call still active, nothing to send", "callState", state)
	}
}

func (m *Module) onFocusLocked(focus FocusSignal) {
	if !m.hasFocusState || m.focusState != focus {
		m.changed = true
	}
	m.focusState = focus
	m.hasFocusState = true

	switch focus {
	case FocusLost:
		m.emitLocked(EventFocusLoss)

	case FocusLostTransient:
		m.emitLocked(EventFocusLossTransient)

		// call state pushes are not always delivered, watch for the call end ourselves
		m.armPollingLocked()

	case FocusLostTransientDuckable:
		m.emitLocked(EventFocusLossCanDuck)

	case FocusGained:
		if m.callInProgressLocked() {
			m.stats.GainsSuppressed++
			m.logger.Infow("Audio focus gained during an active call, not sending focus_gain")
			return
		}

		if m.tracker.reset() {
			m.changed = true
			m.stats.StuckResets++
			m.logger.Warnw("Resetting stuck call active flag", "stuckResets", m.stats.StuckResets)
		}

		m.emitLocked(EventFocusGain)

	default:
		m.logger.Debugw("Unknown focus signal, ignoring", "focus", focus)
	}
}

func (m *Module) onRouteLocked(route RouteSignal) {
	switch route {
	case RouteBecameNoisy:
		m.emitLocked(EventNoisy)
	case RouteOverridden:
		m.emitLocked(EventRouteOverride)
	case RouteServicesReset:
		m.emitLocked(EventMediaServicesReset)
	default:
		m.logger.Debugw("Unknown route signal, ignoring", "route", route)
	}
}

// callInProgressLocked asks the call state source when it is registered
// and falls back to the tracker otherwise
func (m *Module) callInProgressLocked() bool {
	if m.callSourceActive && m.calls != nil {
		state, err := m.calls.CurrentState()
		if err == nil {
			m.logger.Debugw("Queried call state", "callState", state, "inCall", state.InCall())
			return state.InCall()
		}
		m.logger.Warnw("Failed to query call state, using tracked state", "error", err)
	}

	return m.tracker.isActive()
}

// sourceReportsIdleLocked re-validates, at fire time, that the call is still over
func (m *Module) sourceReportsIdleLocked() bool {
	if m.tracker.isActive() {
		return false
	}

	if !m.callSourceActive || m.calls == nil {
		return true
	}

	state, err := m.calls.CurrentState()
	if err != nil {
		m.logger.Warnw("Failed to re-check call state", "error", err)
		return false
	}

	return state == CallIdle
}

// emitLocked applies the dedup rule and forwards the event. An event equal
// to the previous one is dropped unless call or focus state moved in between.
// Route events always go through.
func (m *Module) emitLocked(ev Event) {
	if !ev.routeEvent() && m.hasLastEvent && m.lastEvent == ev && !m.changed {
		m.stats.Suppressed++
		m.logger.Debugw("Suppressing duplicate event", "event", ev)
		return
	}

	m.lastEvent = ev
	m.hasLastEvent = true
	m.changed = false
	m.stats.Emitted[ev]++

	m.sink.forward(ev)
}

// scheduleLocked runs fn after d under the module lock, unless listeners
// were torn down or restarted in the meantime
func (m *Module) scheduleLocked(d time.Duration, fn func()) (int, Timer) {
	gen := m.generation

	var id int
	t := m.scheduler.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.tasks.done(id)

		if !m.registered || gen != m.generation {
			m.stats.StaleTasks++
			m.logger.Debugw("Dropping stale scheduled task", "generation", gen, "current", m.generation)
			return
		}

		fn()
	})
	id = m.tasks.add(t)

	return id, t
}

func (m *Module) schedulePostCallFocusGainLocked() {
	m.cancelPostCallLocked()

	callGen := m.callGen
	var taskID int
	id, t := m.scheduleLocked(m.postCallDelay, func() {
		if m.postCallID == taskID {
			m.postCall = nil
		}

		if callGen != m.callGen {
			m.stats.StaleTasks++
			m.logger.Debug("Another call started before focus recovery, skipping focus_gain")
			return
		}

		if !m.sourceReportsIdleLocked() {
			m.logger.Debug("Call no longer idle, skipping focus_gain")
			return
		}

		m.logger.Info("Call still idle, sending focus_gain for audio recovery")
		m.emitLocked(EventFocusGain)
	})

	taskID = id
	m.postCallID = id
	m.postCall = t
}

func (m *Module) cancelPostCallLocked() {
	if m.postCall == nil {
		return
	}

	if m.postCall.Stop() {
		m.logger.Debug("Cancelled pending post-call focus_gain")
	}
	m.tasks.done(m.postCallID)
	m.postCall = nil
}
