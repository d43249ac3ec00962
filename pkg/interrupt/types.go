// Package interrupt reconciles call-state, audio-focus and audio-route
// signals into a single deduplicated stream of interruption events
package interrupt

// CallState is the telephony state reported by a CallStateSource
type CallState int

const (
	CallIdle CallState = iota
	CallRinging
	CallActive // off-hook
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRinging:
		return "ringing"
	case CallActive:
		return "offhook"
	default:
		return "unknown"
	}
}

// InCall reports whether the state means a call is ringing or in progress
func (s CallState) InCall() bool {
	return s == CallRinging || s == CallActive
}

// FocusSignal is a change of audio focus delivered through a FocusHandle
type FocusSignal int

const (
	FocusLost FocusSignal = iota
	FocusLostTransient
	FocusLostTransientDuckable
	FocusGained
)

func (f FocusSignal) String() string {
	switch f {
	case FocusLost:
		return "lost"
	case FocusLostTransient:
		return "lost_transient"
	case FocusLostTransientDuckable:
		return "lost_transient_can_duck"
	case FocusGained:
		return "gained"
	default:
		return "unknown"
	}
}

// RouteSignal is a change of the audio output path
type RouteSignal int

const (
	// RouteBecameNoisy means the playback device went away (headphones unplugged etc.)
	RouteBecameNoisy RouteSignal = iota

	// RouteOverridden means output moved to another device while the old one is still present
	RouteOverridden

	// RouteServicesReset means the audio server restarted underneath us
	RouteServicesReset
)

func (r RouteSignal) String() string {
	switch r {
	case RouteBecameNoisy:
		return "becoming_noisy"
	case RouteOverridden:
		return "override"
	case RouteServicesReset:
		return "media_services_reset"
	default:
		return "unknown"
	}
}

// Event is a semantic interruption event pushed to the EventSink.
// Its String() value is the payload the presentation layer receives.
type Event int

const (
	EventCall Event = iota
	EventCallEnded
	EventFocusLoss
	EventFocusLossTransient
	EventFocusLossCanDuck
	EventFocusGain
	EventNoisy
	EventRouteOverride
	EventMediaServicesReset
)

// EventName is the name every interruption is emitted under
const EventName = "onAudioInterruption"

var eventTags = map[Event]string{
	EventCall:               "call",
	EventCallEnded:          "call_ended",
	EventFocusLoss:          "focus_loss",
	EventFocusLossTransient: "focus_loss_transient",
	EventFocusLossCanDuck:   "focus_loss_can_duck",
	EventFocusGain:          "focus_gain",
	EventNoisy:              "noisy",
	EventRouteOverride:      "route_override",
	EventMediaServicesReset: "media_services_reset",
}

func (e Event) String() string {
	if tag, ok := eventTags[e]; ok {
		return tag
	}
	return "unknown"
}

// ParseEvent maps a payload tag back to its Event
func ParseEvent(tag string) (Event, bool) {
	for ev, t := range eventTags {
		if t == tag {
			return ev, true
		}
	}
	return 0, false
}

// routeEvent reports whether e comes from the route source. Route events
// are physical transitions and are never deduplicated.
func (e Event) routeEvent() bool {
	return e == EventNoisy || e == EventRouteOverride || e == EventMediaServicesReset
}

// SignalKind tells which collaborator a Signal came from
type SignalKind int

const (
	SignalCall SignalKind = iota
	SignalFocus
	SignalRoute
)

// Signal is the normalized form of anything a collaborator reports
type Signal struct {
	Kind  SignalKind
	Call  CallState
	Focus FocusSignal
	Route RouteSignal
}

func (s Signal) String() string {
	switch s.Kind {
	case SignalCall:
		return "call:" + s.Call.String()
	case SignalFocus:
		return "focus:" + s.Focus.String()
	case SignalRoute:
		return "route:" + s.Route.String()
	default:
		return "unknown"
	}
}
