package interrupt

import (
	"strings"
)

// Android constants, as delivered by bridges that forward raw platform values
const (
	androidCallStateIdle    = 0
	androidCallStateRinging = 1
	androidCallStateOffhook = 2

	androidFocusGain                 = 1
	androidFocusGainTransientExcl    = 4
	androidFocusLoss                 = -1
	androidFocusLossTransient        = -2
	androidFocusLossTransientCanDuck = -3
)

var callStateNames = map[string]CallState{
	"idle":      CallIdle,
	"ended":     CallIdle,
	"off":       CallIdle,
	"ringing":   CallRinging,
	"incoming":  CallRinging,
	"offhook":   CallActive,
	"off_hook":  CallActive,
	"active":    CallActive,
	"connected": CallActive,
	"on":        CallActive,
}

var focusNames = map[string]FocusSignal{
	"focus_gain":           FocusGained,
	"gain":                 FocusGained,
	"gained":               FocusGained,
	"focus_loss":           FocusLost,
	"loss":                 FocusLost,
	"lost":                 FocusLost,
	"focus_loss_transient": FocusLostTransient,
	"transient":            FocusLostTransient,
	"lost_transient":       FocusLostTransient,
	"began":                FocusLostTransient,
	"focus_loss_can_duck":  FocusLostTransientDuckable,
	"duck":                 FocusLostTransientDuckable,
	"can_duck":             FocusLostTransientDuckable,
	// another app asked us to silence secondary audio: duck, don't pause
	"secondary_audio_silenced": FocusLostTransientDuckable,
	"secondaryaudiosilenced":   FocusLostTransientDuckable,
}

var routeNames = map[string]RouteSignal{
	"becoming_noisy":         RouteBecameNoisy,
	"noisy":                  RouteBecameNoisy,
	"old_device_unavailable": RouteBecameNoisy,
	"olddeviceunavailable":   RouteBecameNoisy,
	"deviceunavailable":      RouteBecameNoisy,
	"override":               RouteOverridden,
	"routeoverride":          RouteOverridden,
	"route_override":         RouteOverridden,
	"media_services_reset":   RouteServicesReset,
	"mediaservicesreset":     RouteServicesReset,
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeCallState translates a call-state value of any supported shape
// (CallState, Android int, or name) into a Signal
func NormalizeCallState(v interface{}) (Signal, bool) {
	var state CallState

	switch raw := v.(type) {
	case CallState:
		if raw < CallIdle || raw > CallActive {
			return Signal{}, false
		}
		state = raw
	case int:
		switch raw {
		case androidCallStateIdle:
			state = CallIdle
		case androidCallStateRinging:
			state = CallRinging
		case androidCallStateOffhook:
			state = CallActive
		default:
			return Signal{}, false
		}
	case float64:
		// JSON numbers
		return NormalizeCallState(int(raw))
	case bool:
		// binary sensors report "call in progress" as a plain bool
		state = CallIdle
		if raw {
			state = CallActive
		}
	case string:
		s, ok := callStateNames[normalizeKey(raw)]
		if !ok {
			return Signal{}, false
		}
		state = s
	default:
		return Signal{}, false
	}

	return Signal{Kind: SignalCall, Call: state}, true
}

// NormalizeFocus translates an audio focus change into a Signal
func NormalizeFocus(v interface{}) (Signal, bool) {
	var focus FocusSignal

	switch raw := v.(type) {
	case FocusSignal:
		if raw < FocusLost || raw > FocusGained {
			return Signal{}, false
		}
		focus = raw
	case int:
		switch {
		case raw >= androidFocusGain && raw <= androidFocusGainTransientExcl:
			focus = FocusGained
		case raw == androidFocusLoss:
			focus = FocusLost
		case raw == androidFocusLossTransient:
			focus = FocusLostTransient
		case raw == androidFocusLossTransientCanDuck:
			focus = FocusLostTransientDuckable
		default:
			return Signal{}, false
		}
	case float64:
		return NormalizeFocus(int(raw))
	case string:
		f, ok := focusNames[normalizeKey(raw)]
		if !ok {
			return Signal{}, false
		}
		focus = f
	default:
		return Signal{}, false
	}

	return Signal{Kind: SignalFocus, Focus: focus}, true
}

// NormalizeRoute translates an output path notification into a Signal
func NormalizeRoute(v interface{}) (Signal, bool) {
	var route RouteSignal

	switch raw := v.(type) {
	case RouteSignal:
		if raw < RouteBecameNoisy || raw > RouteServicesReset {
			return Signal{}, false
		}
		route = raw
	case string:
		r, ok := routeNames[normalizeKey(raw)]
		if !ok {
			return Signal{}, false
		}
		route = r
	default:
		return Signal{}, false
	}

	return Signal{Kind: SignalRoute, Route: route}, true
}
