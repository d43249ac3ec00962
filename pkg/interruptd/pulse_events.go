package interruptd

import (
	"strings"
	"sync"

	"github.com/thoas/go-funk"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

// routeTracker turns default sink bookkeeping into route signals
type routeTracker struct {
	defaultName  string
	defaultIndex uint32
	known        bool

	// set when the default sink was removed, so the server change that follows isn't an override
	defaultGone bool
}

// reset forgets everything, e.g. after reconnecting to the audio server
func (rt *routeTracker) reset(name string, index uint32) {
	rt.defaultName = name
	rt.defaultIndex = index
	rt.known = name != ""
	rt.defaultGone = false
}

// sinkRemoved reports noisy when the default sink disappears
func (rt *routeTracker) sinkRemoved(index uint32) (interrupt.RouteSignal, bool) {
	if !rt.known || rt.defaultGone || index != rt.defaultIndex {
		return 0, false
	}

	rt.defaultGone = true
	return interrupt.RouteBecameNoisy, true
}

// defaultChanged reports an override when the default sink moves while the old one still exists
func (rt *routeTracker) defaultChanged(name string, index uint32) (interrupt.RouteSignal, bool) {
	if name == "" || (rt.known && name == rt.defaultName) {
		return 0, false
	}

	wasKnown, wasGone := rt.known, rt.defaultGone
	rt.reset(name, index)

	if !wasKnown || wasGone {
		return 0, false
	}

	return interrupt.RouteOverridden, true
}

// focusTracker maps other applications' streams to focus signals by their media.role
type focusTracker struct {
	mu     sync.Mutex
	roles  FocusRoles
	active map[uint32]interrupt.FocusSignal
}

func newFocusTracker(roles FocusRoles) *focusTracker {
	return &focusTracker{
		roles:  roles,
		active: map[uint32]interrupt.FocusSignal{},
	}
}

func (ft *focusTracker) setRoles(roles FocusRoles) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.roles = roles
}

func (ft *focusTracker) classify(role string) (interrupt.FocusSignal, bool) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return 0, false
	}

	switch {
	case funk.ContainsString(ft.roles.Transient, role):
		return interrupt.FocusLostTransient, true
	case funk.ContainsString(ft.roles.Duck, role):
		return interrupt.FocusLostTransientDuckable, true
	case funk.ContainsString(ft.roles.Loss, role):
		return interrupt.FocusLost, true
	default:
		return 0, false
	}
}

// streamAdded reports the focus loss caused by a new stream, if its role is one we watch
func (ft *focusTracker) streamAdded(index uint32, role string) (interrupt.FocusSignal, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	sig, ok := ft.classify(role)
	if !ok {
		return 0, false
	}

	ft.active[index] = sig
	return sig, true
}

// streamRemoved reports focus gain once the last watched stream is gone
func (ft *focusTracker) streamRemoved(index uint32) (interrupt.FocusSignal, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if _, ok := ft.active[index]; !ok {
		return 0, false
	}
	delete(ft.active, index)

	if len(ft.active) > 0 {
		return 0, false
	}

	return interrupt.FocusGained, true
}

// clear drops tracked streams, e.g. after the audio server restarted
func (ft *focusTracker) clear() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.active = map[uint32]interrupt.FocusSignal{}
}
