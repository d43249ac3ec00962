package interruptd

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

var (
	errLinkDown     = errors.New("telephony bridge not connected")
	errStateUnknown = errors.New("call state not reported since the bridge reconnected")
)

// callStateSource is the interrupt.CallStateSource fed by the telephony
// bridge link (serial or SSE). The link reports states and connection
// changes; the module subscribes and queries.
type callStateSource struct {
	logger *zap.SugaredLogger

	// permission is read once per StartListening
	permission func() bool

	mu        sync.Mutex
	connected bool
	state     interrupt.CallState
	// false until the bridge reports a state on the current connection
	known       bool
	nextID      int
	subscribers map[int]func(interrupt.CallState)
}

func newCallStateSource(logger *zap.SugaredLogger, permission func() bool) *callStateSource {
	cs := &callStateSource{
		logger:      logger.Named("call_source"),
		permission:  permission,
		subscribers: map[int]func(interrupt.CallState){},
	}

	cs.logger.Debug("Created call state source instance")

	return cs
}

// CheckPermission implements interrupt.CallStateSource
func (cs *callStateSource) CheckPermission() error {
	if cs.permission != nil && !cs.permission() {
		return interrupt.ErrPermissionDenied
	}
	return nil
}

// Subscribe implements interrupt.CallStateSource
func (cs *callStateSource) Subscribe(handler func(interrupt.CallState)) (interrupt.Subscription, error) {
	if handler == nil {
		return nil, errors.New("subscribe to call state: nil handler")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	id := cs.nextID
	cs.nextID++
	cs.subscribers[id] = handler

	cs.logger.Debugw("Added call state subscriber", "id", id, "subscribers", len(cs.subscribers))

	return &callSubscription{source: cs, id: id}, nil
}

// CurrentState implements interrupt.CallStateSource
func (cs *callStateSource) CurrentState() (interrupt.CallState, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.connected {
		return interrupt.CallIdle, fmt.Errorf("query call state: %w", errLinkDown)
	}
	if !cs.known {
		return cs.state, fmt.Errorf("query call state: %w", errStateUnknown)
	}

	return cs.state, nil
}

// report records a state from the bridge and pushes it to every subscriber
func (cs *callStateSource) report(state interrupt.CallState) {
	cs.mu.Lock()
	cs.connected = true
	cs.known = true
	cs.state = state

	handlers := make([]func(interrupt.CallState), 0, len(cs.subscribers))
	for _, h := range cs.subscribers {
		handlers = append(handlers, h)
	}
	cs.mu.Unlock()

	cs.logger.Debugw("Call state reported", "callState", state, "subscribers", len(handlers))

	for _, h := range handlers {
		h(state)
	}
}

// setConnected tracks the bridge link. The state is unknown after a
// (re)connect until the bridge reports again, so queries fail and callers
// fall back to what they tracked; a call may have outlived the outage.
func (cs *callStateSource) setConnected(connected bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.connected == connected {
		return
	}

	cs.connected = connected
	cs.known = false

	cs.logger.Infow("Telephony bridge link changed", "connected", connected)
}

func (cs *callStateSource) unsubscribe(id int) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.subscribers[id]; !ok {
		return interrupt.ErrAlreadyUnsubscribed
	}
	delete(cs.subscribers, id)

	cs.logger.Debugw("Removed call state subscriber", "id", id, "subscribers", len(cs.subscribers))
	return nil
}

type callSubscription struct {
	source *callStateSource
	id     int
}

func (s *callSubscription) Unsubscribe() error {
	return s.source.unsubscribe(s.id)
}
