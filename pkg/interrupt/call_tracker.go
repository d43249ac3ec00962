package interrupt

// callTracker keeps the "is a call active" flag. Only the edges matter:
// Ringing followed by Offhook is still the same call.
//
// Not safe for concurrent use on its own, the Module lock guards it.
type callTracker struct {
	active bool
	state  CallState
}

// onCallStateChanged records a new state and reports whether a call just
// started or just ended
func (t *callTracker) onCallStateChanged(newState CallState) (started bool, ended bool) {
	t.state = newState

	if newState.InCall() {
		if !t.active {
			t.active = true
			return true, false
		}
		return false, false
	}

	if t.active {
		t.active = false
		return false, true
	}

	return false, false
}

func (t *callTracker) isActive() bool {
	return t.active
}

// reset clears a flag that got stuck (we missed the Idle) and reports whether it was set
func (t *callTracker) reset() bool {
	wasActive := t.active
	t.active = false
	t.state = CallIdle
	return wasActive
}
