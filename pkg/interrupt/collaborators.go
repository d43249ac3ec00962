package interrupt

// Subscription is a registration with a signal source
type Subscription interface {
	Unsubscribe() error
}

// CallStateSource reports telephony state. CheckPermission must succeed
// before Subscribe is attempted.
type CallStateSource interface {
	CheckPermission() error
	Subscribe(handler func(CallState)) (Subscription, error)
	CurrentState() (CallState, error)
}

// AudioRouteSource reports audio output path changes
type AudioRouteSource interface {
	Subscribe(handler func(RouteSignal)) (Subscription, error)
}

// FocusAttributes describe the audio focus we ask for
type FocusAttributes struct {
	Usage       string
	ContentType string
}

// DefaultFocusAttributes matches a speech recorder that also plays back media
var DefaultFocusAttributes = FocusAttributes{
	Usage:       "media",
	ContentType: "speech",
}

// FocusHandle is a granted audio focus request
type FocusHandle interface {
	OnChange(handler func(FocusSignal))
}

// AudioFocusSource grants audio focus and reports when it changes hands
type AudioFocusSource interface {
	Request(attrs FocusAttributes) (FocusHandle, error)
	Abandon(handle FocusHandle) error
}

// EventSink receives interruption events. Emit is fire-and-forget and must not block for long.
type EventSink interface {
	Emit(eventName string, payload string)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(eventName string, payload string)

// Emit calls f
func (f EventSinkFunc) Emit(eventName string, payload string) {
	f(eventName, payload)
}

// Sinks fans one event out to several sinks, in order
type Sinks []EventSink

// Emit forwards to every non-nil sink
func (s Sinks) Emit(eventName string, payload string) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(eventName, payload)
		}
	}
}
