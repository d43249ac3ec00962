package interrupt

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewModuleRequiresSink(t *testing.T) {
	t.Parallel()

	_, err := NewModule(nil, nil, nil, nil, nil, Options{})
	require.Error(t, err)
}

func TestStartListeningIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	h.start(t)

	assert.True(t, h.module.Listening())
	assert.Equal(t, 1, h.calls.subscriptions)
	assert.Equal(t, 1, h.focus.requested)
	assert.Equal(t, DefaultFocusAttributes, h.focus.attrs)
}

func TestCustomFocusAttributes(t *testing.T) {
	t.Parallel()

	focus := &fakeFocusSource{}
	attrs := FocusAttributes{Usage: "voice_communication", ContentType: "speech"}

	m, err := NewModule(zaptest.NewLogger(t).Sugar(), nil, nil, focus, &recordingSink{}, Options{
		Scheduler:       &manualScheduler{},
		FocusAttributes: &attrs,
	})
	require.NoError(t, err)
	require.NoError(t, m.StartListening())
	t.Cleanup(func() { _ = m.Close() })

	assert.Equal(t, attrs, focus.attrs)
}

func TestPermissionDeniedDegradesToFocusAndRoute(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calls.permissionErr = ErrPermissionDenied
	h.start(t)

	assert.False(t, h.calls.subscribed())

	h.calls.push(CallRinging)
	assert.Empty(t, h.sink.Events())

	h.focus.fire(FocusLostTransient)
	assert.False(t, h.module.Polling(), "polling needs a call state source")
	assert.Equal(t, 0, h.sched.Pending())

	h.routes.fire(RouteBecameNoisy)
	assert.Equal(t, []string{"focus_loss_transient", "noisy"}, h.sink.Events())

	available, err := h.module.CheckMicrophoneAvailability()
	require.NoError(t, err)
	assert.True(t, available)
}

func TestStopListeningTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.focus.fire(FocusLostTransient)
	h.calls.push(CallActive)
	h.calls.push(CallIdle)
	h.focus.fire(FocusLostTransient)
	require.True(t, h.module.Polling())
	require.NotZero(t, h.sched.Pending())

	require.NoError(t, h.module.StopListening())
	require.NoError(t, h.module.StopListening())

	assert.False(t, h.module.Listening())
	assert.False(t, h.module.Polling())
	assert.Equal(t, 0, h.sched.Pending())

	before := h.sink.Events()
	h.sched.Advance(10 * time.Second)
	assert.Equal(t, before, h.sink.Events())
}

func TestStopListeningBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.NoError(t, h.module.StopListening())
	assert.NoError(t, h.module.Close())
}

func TestStopListeningReleasesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	require.NoError(t, h.module.StopListening())

	assert.False(t, h.calls.subscribed())
	assert.Nil(t, h.routes.handler)
	assert.Equal(t, 1, h.focus.abandoned)

	// late deliveries from the torn down registrations go nowhere
	h.module.Dispatch(Signal{Kind: SignalRoute, Route: RouteBecameNoisy})
	assert.Empty(t, h.sink.Events())
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	require.NoError(t, h.module.StopListening())
	h.start(t)

	assert.Equal(t, 2, h.calls.subscriptions)
	assert.Equal(t, 2, h.focus.requested)

	h.calls.push(CallRinging)
	assert.Equal(t, []string{"call"}, h.sink.Events())
}

func TestRestartForgetsLastEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.focus.fire(FocusLost)
	require.NoError(t, h.module.StopListening())
	h.start(t)

	h.focus.fire(FocusLost)
	assert.Equal(t, []string{"focus_loss", "focus_loss"}, h.sink.Events(), "a new session starts without dedup history")
	assert.Zero(t, h.module.Stats().Suppressed)

	// within a session, dedup still applies
	h.focus.fire(FocusLost)
	assert.Equal(t, 2, h.sink.Count("focus_loss"))
}

func TestStartRetriesFailedRegistrations(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.focus.err = errors.New("focus refused")

	err := h.module.StartListening()
	require.Error(t, err)
	assert.ErrorIs(t, err, h.focus.err)
	assert.Equal(t, 0, h.focus.requested)

	h.focus.mu.Lock()
	h.focus.err = nil
	h.focus.mu.Unlock()

	require.NoError(t, h.module.StartListening())
	assert.Equal(t, 1, h.focus.requested, "focus is requested on retry")
	assert.Equal(t, 1, h.calls.subscriptions, "working registrations are kept")
	assert.True(t, h.module.Listening())

	// retried registrations deliver into the same session
	h.focus.fire(FocusLostTransientDuckable)
	h.calls.push(CallRinging)
	assert.Equal(t, []string{"focus_loss_can_duck", "call"}, h.sink.Events())

	// fully started now, so further calls do nothing
	require.NoError(t, h.module.StartListening())
	assert.Equal(t, 1, h.focus.requested)
	assert.Equal(t, 1, h.calls.subscriptions)
}

func TestStopAfterFailedStartClearsRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.routes.err = errors.New("no audio server")

	require.Error(t, h.module.StartListening())
	require.NoError(t, h.module.StopListening())

	h.routes.mu.Lock()
	h.routes.err = nil
	h.routes.mu.Unlock()

	h.start(t)
	assert.Equal(t, 2, h.calls.subscriptions, "a fresh start registers everything again")
	assert.Equal(t, 2, h.focus.requested)
	assert.NotNil(t, h.routes.handler)
}

func TestDoubleUnregisterIsSwallowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	// the platform already dropped our registrations
	require.NoError(t, h.calls.sub.Unsubscribe())
	require.NoError(t, h.routes.sub.Unsubscribe())

	assert.NoError(t, h.module.StopListening())
}

func TestUnsubscribeFailureIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	failure := errors.New("receiver not registered with this context")
	h.routes.sub.err = failure

	err := h.module.StopListening()
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 1, h.focus.abandoned, "other registrations are still released")
}

func TestPartialStartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.routes.err = errors.New("no audio server")

	err := h.module.StartListening()
	require.Error(t, err)
	assert.ErrorIs(t, err, h.routes.err)

	assert.True(t, h.calls.subscribed())
	assert.Equal(t, 1, h.focus.requested)

	require.NoError(t, h.module.StopListening())
	assert.False(t, h.calls.subscribed())
	assert.Equal(t, 1, h.focus.abandoned)
}

func TestPermissionCheckFailureIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calls.permissionErr = errors.New("telephony service unavailable")

	err := h.module.StartListening()
	require.Error(t, err)
	assert.False(t, h.calls.subscribed())
	assert.Equal(t, 1, h.focus.requested)
}

func TestCheckMicrophoneAvailability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state     CallState
		available bool
	}{
		{CallIdle, true},
		{CallRinging, false},
		{CallActive, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.state.String(), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.start(t)
			h.calls.set(tt.state)

			available, err := h.module.CheckMicrophoneAvailability()
			require.NoError(t, err)
			assert.Equal(t, tt.available, available)
		})
	}
}

func TestCheckMicrophoneAvailabilityQueryFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	h.calls.queryErr = assert.AnError

	available, err := h.module.CheckMicrophoneAvailability()
	require.Error(t, err)
	assert.False(t, available)

	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, QueryErrorCode, qErr.Code)
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCheckMicrophoneAvailabilityWithoutListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calls.set(CallActive)

	// not subscribed, so only the tracked state counts
	available, err := h.module.CheckMicrophoneAvailability()
	require.NoError(t, err)
	assert.True(t, available)
}

// stubbornScheduler hands out timers that can't be stopped, like one that already fired
type stubbornScheduler struct {
	*manualScheduler
}

type stubbornTimer struct{}

func (stubbornTimer) Stop() bool { return false }

func (s stubbornScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.manualScheduler.AfterFunc(d, f)
	return stubbornTimer{}
}

func TestStaleTaskAfterRestartIsDropped(t *testing.T) {
	t.Parallel()

	sched := stubbornScheduler{&manualScheduler{}}
	calls := &fakeCallSource{}
	sink := &recordingSink{}

	m, err := NewModule(zaptest.NewLogger(t).Sugar(), calls, nil, nil, sink, Options{Scheduler: sched})
	require.NoError(t, err)
	require.NoError(t, m.StartListening())
	t.Cleanup(func() { _ = m.StopListening() })

	calls.push(CallActive)
	calls.push(CallIdle)
	require.NoError(t, m.StopListening())
	require.NoError(t, m.StartListening())

	sched.Advance(time.Second)

	assert.Equal(t, []string{"call", "call_ended"}, sink.Events())
	assert.Equal(t, uint64(1), m.Stats().StaleTasks)
}

func TestListenerConventionNoOps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.module.AddListener(EventName)
	h.module.RemoveListeners(3)
	assert.Empty(t, h.sink.Events())
}

func TestSinksFanOut(t *testing.T) {
	t.Parallel()

	a, b := &recordingSink{}, &recordingSink{}
	sinks := Sinks{a, nil, b}
	sinks.Emit(EventName, "noisy")

	assert.Equal(t, []string{"noisy"}, a.Events())
	assert.Equal(t, []string{"noisy"}, b.Events())
}

func TestRealSchedulerFiresAndStops(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	RealScheduler.AfterFunc(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	stopped := RealScheduler.AfterFunc(time.Hour, func() {})
	assert.True(t, stopped.Stop())
}
