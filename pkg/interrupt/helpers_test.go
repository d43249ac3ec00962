package interrupt

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// manualScheduler only fires timers when the test advances its clock
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	at      time.Duration
	f       func()
	fired   bool
	stopped bool
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &manualTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward, firing due timers in order
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d

	for {
		pending := make([]*manualTimer, 0, len(s.timers))
		for _, t := range s.timers {
			if !t.fired && !t.stopped && t.at <= target {
				pending = append(pending, t)
			}
		}
		if len(pending) == 0 {
			break
		}

		sort.SliceStable(pending, func(i, j int) bool { return pending[i].at < pending[j].at })
		next := pending[0]
		next.fired = true
		s.now = next.at

		s.mu.Unlock()
		next.f()
		s.mu.Lock()
	}

	s.now = target
	s.mu.Unlock()
}

// Pending counts timers that are neither fired nor stopped
func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type fakeSubscription struct {
	mu       sync.Mutex
	released bool
	onClose  func()
	err      error
}

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrAlreadyUnsubscribed
	}
	s.released = true
	if s.onClose != nil {
		s.onClose()
	}
	return s.err
}

type fakeCallSource struct {
	mu            sync.Mutex
	state         CallState
	queryErr      error
	permissionErr error
	subscribeErr  error
	handler       func(CallState)
	subscriptions int
	sub           *fakeSubscription
}

func (f *fakeCallSource) CheckPermission() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissionErr
}

func (f *fakeCallSource) Subscribe(handler func(CallState)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}

	f.handler = handler
	f.subscriptions++
	f.sub = &fakeSubscription{onClose: func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}}
	return f.sub, nil
}

func (f *fakeCallSource) CurrentState() (CallState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.queryErr
}

// set changes the state without notifying, like a dropped push notification
func (f *fakeCallSource) set(state CallState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

// push changes the state and notifies the subscriber
func (f *fakeCallSource) push(state CallState) {
	f.mu.Lock()
	f.state = state
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		handler(state)
	}
}

func (f *fakeCallSource) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

type fakeRouteSource struct {
	mu      sync.Mutex
	handler func(RouteSignal)
	sub     *fakeSubscription
	err     error
}

func (f *fakeRouteSource) Subscribe(handler func(RouteSignal)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	f.handler = handler
	f.sub = &fakeSubscription{onClose: func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}}
	return f.sub, nil
}

func (f *fakeRouteSource) fire(route RouteSignal) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		handler(route)
	}
}

type fakeFocusHandle struct {
	mu      sync.Mutex
	handler func(FocusSignal)
}

func (h *fakeFocusHandle) OnChange(handler func(FocusSignal)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

type fakeFocusSource struct {
	mu        sync.Mutex
	handle    *fakeFocusHandle
	attrs     FocusAttributes
	requested int
	abandoned int
	err       error
}

func (f *fakeFocusSource) Request(attrs FocusAttributes) (FocusHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	f.requested++
	f.attrs = attrs
	f.handle = &fakeFocusHandle{}
	return f.handle, nil
}

func (f *fakeFocusSource) Abandon(handle FocusHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handle == nil || handle != FocusHandle(f.handle) {
		return ErrAlreadyUnsubscribed
	}
	f.abandoned++
	f.handle = nil
	return nil
}

func (f *fakeFocusSource) fire(focus FocusSignal) {
	f.mu.Lock()
	handle := f.handle
	f.mu.Unlock()

	if handle == nil {
		return
	}

	handle.mu.Lock()
	handler := handle.handler
	handle.mu.Unlock()

	if handler != nil {
		handler(focus)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	names  []string
	events []string
}

func (s *recordingSink) Emit(eventName string, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, eventName)
	s.events = append(s.events, payload)
}

func (s *recordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) Count(payload string) int {
	n := 0
	for _, ev := range s.Events() {
		if ev == payload {
			n++
		}
	}
	return n
}

type harness struct {
	module *Module
	sched  *manualScheduler
	calls  *fakeCallSource
	routes *fakeRouteSource
	focus  *fakeFocusSource
	sink   *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		sched:  &manualScheduler{},
		calls:  &fakeCallSource{},
		routes: &fakeRouteSource{},
		focus:  &fakeFocusSource{},
		sink:   &recordingSink{},
	}

	m, err := NewModule(zaptest.NewLogger(t).Sugar(), h.calls, h.routes, h.focus, h.sink, Options{
		Scheduler: h.sched,
	})
	require.NoError(t, err)
	h.module = m

	t.Cleanup(func() {
		_ = m.StopListening()
	})

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.module.StartListening())
}
