package interrupt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is how often the call state is sampled after a transient focus loss
	DefaultPollInterval = 1000 * time.Millisecond

	// DefaultPostCallDelay gives the audio stack time to come back after a call before focus_gain is sent
	DefaultPostCallDelay = 500 * time.Millisecond
)

// Options tune a Module. Zero values pick the defaults.
type Options struct {
	Scheduler       Scheduler
	PollInterval    time.Duration
	PostCallDelay   time.Duration
	FocusAttributes *FocusAttributes
}

// Module owns the reconciliation state for one set of collaborators.
// Any of the three sources may be nil, in which case that registration is skipped.
type Module struct {
	logger *zap.SugaredLogger

	calls  CallStateSource
	routes AudioRouteSource
	focus  AudioFocusSource
	sink   *sinkAdapter

	scheduler     Scheduler
	pollInterval  time.Duration
	postCallDelay time.Duration
	focusAttrs    FocusAttributes

	// everything below is guarded by mu
	mu sync.Mutex

	registered bool
	generation uint64

	// set when the last StartListening returned an error, so the next one retries what's missing
	incomplete bool

	callSub          Subscription
	routeSub         Subscription
	focusHandle      FocusHandle
	callSourceActive bool

	tracker callTracker

	focusState    FocusSignal
	hasFocusState bool

	// dedup bookkeeping: last emitted event and whether state moved since
	lastEvent    Event
	hasLastEvent bool
	changed      bool

	// bumped on every call start so a pending post-call focus_gain can tell it went stale
	callGen    uint64
	postCallID int
	postCall   Timer

	poll  pollingSession
	tasks *pendingTasks

	stats Stats
}

// NewModule creates a Module bound to the given collaborators
func NewModule(logger *zap.SugaredLogger,
	calls CallStateSource,
	routes AudioRouteSource,
	focus AudioFocusSource,
	sink EventSink,
	opts Options,
) (*Module, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("interrupt")

	if sink == nil {
		return nil, errors.New("create module: nil event sink")
	}

	m := &Module{
		logger:        logger,
		calls:         calls,
		routes:        routes,
		focus:         focus,
		sink:          newSinkAdapter(logger, sink),
		scheduler:     opts.Scheduler,
		pollInterval:  opts.PollInterval,
		postCallDelay: opts.PostCallDelay,
		focusAttrs:    DefaultFocusAttributes,
		tasks:         newPendingTasks(),
		stats:         newStats(),
	}

	if m.scheduler == nil {
		m.scheduler = RealScheduler
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}
	if m.postCallDelay <= 0 {
		m.postCallDelay = DefaultPostCallDelay
	}
	if opts.FocusAttributes != nil {
		m.focusAttrs = *opts.FocusAttributes
	}

	logger.Debugw("Created interruption module instance",
		"pollInterval", m.pollInterval,
		"postCallDelay", m.postCallDelay,
		"hasCallSource", calls != nil,
		"hasRouteSource", routes != nil,
		"hasFocusSource", focus != nil)

	return m, nil
}

// StartListening registers with every available source and requests audio
// focus. Calling it while already listening does nothing. A denied call
// state permission only disables call tracking; other registration failures
// are returned, and whatever did register stays tracked for StopListening.
// After a failed start, the next call retries only the missing registrations.
func (m *Module) StartListening() error {
	m.mu.Lock()
	if m.registered && !m.incomplete {
		m.mu.Unlock()
		m.logger.Debug("Already listening, ignoring start request")
		return nil
	}

	retry := m.registered
	if !m.registered {
		m.registered = true
		m.generation++
	}
	gen := m.generation
	needCalls := m.callSub == nil
	needRoutes := m.routeSub == nil
	needFocus := m.focusHandle == nil
	m.mu.Unlock()

	if retry {
		m.logger.Infow("Retrying failed registrations", "generation", gen,
			"calls", needCalls, "routes", needRoutes, "focus", needFocus)
	} else {
		m.logger.Infow("Starting to listen for audio interruptions", "generation", gen)
	}

	var errs []error

	// phone state first, same as the route and focus order below
	if needCalls {
		if err := m.registerCallSource(gen); err != nil {
			errs = append(errs, err)
		}
	}

	if needRoutes {
		if err := m.registerRouteSource(gen); err != nil {
			errs = append(errs, err)
		}
	}

	if needFocus {
		if err := m.requestFocus(gen); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	if gen == m.generation {
		m.incomplete = len(errs) > 0
	}
	m.mu.Unlock()

	if len(errs) > 0 {
		err := errors.Join(errs...)
		m.logger.Warnw("Started listening with errors", "error", err)
		return fmt.Errorf("start listening: %w", err)
	}

	m.logger.Debug("Listening for audio interruptions")
	return nil
}

func (m *Module) registerCallSource(gen uint64) error {
	if m.calls == nil {
		m.logger.Debug("No call state source, call tracking disabled")
		return nil
	}

	if err := m.calls.CheckPermission(); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			m.logger.Infow("Call state permission not granted, skipping call state listener")
			return nil
		}
		m.logger.Warnw("Failed to check call state permission, skipping call state listener", "error", err)
		return fmt.Errorf("check call state permission: %w", err)
	}

	sub, err := m.calls.Subscribe(func(state CallState) {
		m.handleSignal(gen, Signal{Kind: SignalCall, Call: state})
	})
	if err != nil {
		m.logger.Warnw("Failed to subscribe to call state", "error", err)
		return fmt.Errorf("subscribe to call state: %w", err)
	}

	m.mu.Lock()
	if gen != m.generation || m.callSub != nil {
		// stopped while we were subscribing, or a concurrent retry got there first
		m.mu.Unlock()
		m.releaseSubscription("call state", sub)
		return nil
	}
	m.callSub = sub
	m.callSourceActive = true
	m.mu.Unlock()

	m.logger.Debug("Subscribed to call state")
	return nil
}

func (m *Module) registerRouteSource(gen uint64) error {
	if m.routes == nil {
		m.logger.Debug("No audio route source, noisy detection disabled")
		return nil
	}

	sub, err := m.routes.Subscribe(func(route RouteSignal) {
		m.handleSignal(gen, Signal{Kind: SignalRoute, Route: route})
	})
	if err != nil {
		m.logger.Warnw("Failed to subscribe to audio route changes", "error", err)
		return fmt.Errorf("subscribe to audio route: %w", err)
	}

	m.mu.Lock()
	if gen != m.generation || m.routeSub != nil {
		m.mu.Unlock()
		m.releaseSubscription("audio route", sub)
		return nil
	}
	m.routeSub = sub
	m.mu.Unlock()

	m.logger.Debug("Subscribed to audio route changes")
	return nil
}

func (m *Module) requestFocus(gen uint64) error {
	if m.focus == nil {
		m.logger.Debug("No audio focus source, focus tracking disabled")
		return nil
	}

	handle, err := m.focus.Request(m.focusAttrs)
	if err != nil {
		m.logger.Warnw("Failed to request audio focus", "error", err, "attributes", m.focusAttrs)
		return fmt.Errorf("request audio focus: %w", err)
	}

	handle.OnChange(func(focus FocusSignal) {
		m.handleSignal(gen, Signal{Kind: SignalFocus, Focus: focus})
	})

	m.mu.Lock()
	if gen != m.generation || m.focusHandle != nil {
		m.mu.Unlock()
		m.abandonFocus(handle)
		return nil
	}
	m.focusHandle = handle
	m.mu.Unlock()

	m.logger.Debugw("Requested audio focus", "attributes", m.focusAttrs)
	return nil
}

// StopListening releases every registration, abandons focus and cancels all
// scheduled work. It is safe to call at any time, any number of times.
func (m *Module) StopListening() error {
	m.mu.Lock()

	callSub, routeSub, handle := m.callSub, m.routeSub, m.focusHandle
	m.callSub, m.routeSub, m.focusHandle = nil, nil, nil

	wasRegistered := m.registered
	m.registered = false
	m.incomplete = false
	m.callSourceActive = false
	m.generation++

	// a new session starts without dedup or focus history
	m.hasLastEvent = false
	m.hasFocusState = false
	m.changed = false

	m.disarmPollingLocked("listener stopped")
	m.postCall = nil
	cancelled := m.tasks.cancelAll()

	m.mu.Unlock()

	if !wasRegistered && callSub == nil && routeSub == nil && handle == nil {
		m.logger.Debug("Not listening, nothing to stop")
		return nil
	}

	m.logger.Infow("Stopping audio interruption listeners", "cancelledTasks", cancelled)

	var errs []error
	if err := m.releaseSubscription("call state", callSub); err != nil {
		errs = append(errs, err)
	}
	if err := m.releaseSubscription("audio route", routeSub); err != nil {
		errs = append(errs, err)
	}
	if err := m.abandonFocus(handle); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop listening: %w", errors.Join(errs...))
	}

	return nil
}

// Close stops listening. Hosts call it on process shutdown.
func (m *Module) Close() error {
	return m.StopListening()
}

func (m *Module) releaseSubscription(name string, sub Subscription) error {
	if sub == nil {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		if errors.Is(err, ErrAlreadyUnsubscribed) {
			m.logger.Debugw("Subscription already released", "source", name)
			return nil
		}
		m.logger.Warnw("Failed to unsubscribe", "source", name, "error", err)
		return fmt.Errorf("unsubscribe %s: %w", name, err)
	}

	return nil
}

func (m *Module) abandonFocus(handle FocusHandle) error {
	if handle == nil || m.focus == nil {
		return nil
	}

	if err := m.focus.Abandon(handle); err != nil {
		if errors.Is(err, ErrAlreadyUnsubscribed) {
			m.logger.Debug("Audio focus already abandoned")
			return nil
		}
		m.logger.Warnw("Failed to abandon audio focus", "error", err)
		return fmt.Errorf("abandon audio focus: %w", err)
	}

	return nil
}

// Listening reports whether StartListening is in effect
func (m *Module) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// CheckMicrophoneAvailability reports false while a call is ringing or in
// progress. With a registered call state source the source is asked
// directly; otherwise the tracked state is used. A failing query is
// returned as a *QueryError.
func (m *Module) CheckMicrophoneAvailability() (available bool, err error) {
	m.mu.Lock()
	calls := m.calls
	sourceActive := m.callSourceActive
	trackedActive := m.tracker.isActive()
	m.mu.Unlock()

	if calls == nil || !sourceActive {
		m.logger.Debugw("Microphone check from tracked state", "available", !trackedActive)
		return !trackedActive, nil
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("Call state query panicked during microphone check", "panic", r)
			available = false
			err = &QueryError{Code: QueryErrorCode, Message: "Failed to check microphone availability", Err: fmt.Errorf("%v", r)}
		}
	}()

	state, qErr := calls.CurrentState()
	if qErr != nil {
		m.logger.Errorw("Error checking microphone availability", "error", qErr)
		return false, &QueryError{Code: QueryErrorCode, Message: "Failed to check microphone availability", Err: qErr}
	}

	if state.InCall() {
		m.logger.Debugw("Microphone check: unavailable, active call detected", "callState", state)
		return false, nil
	}

	m.logger.Debug("Microphone check: available, no active call")
	return true, nil
}

// AddListener exists for hosts whose event emitter convention requires it
func (m *Module) AddListener(eventName string) {}

// RemoveListeners exists for hosts whose event emitter convention requires it
func (m *Module) RemoveListeners(count float64) {}
