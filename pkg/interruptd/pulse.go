package interruptd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

const (
	pulseHealthInterval = 5 * time.Second
	pulseRetryDelay     = 2 * time.Second
	pulseEventBuffer    = 64
)

// pulseWatcher holds one PulseAudio connection and turns its subscription
// events into route and focus signals
type pulseWatcher struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex // protects client and conn
	client *proto.Client
	conn   net.Conn

	events      chan *proto.SubscribeEvent
	stopChannel chan struct{}
	done        chan struct{}
	stopping    sync.Once

	// only touched by the worker goroutine
	routes routeTracker
	focus  *focusTracker
	ownPID string

	listenersMu    sync.Mutex
	nextID         int
	routeListeners map[int]func(interrupt.RouteSignal)
	focusListeners map[int]func(interrupt.FocusSignal)
}

func newPulseWatcher(logger *zap.SugaredLogger, roles FocusRoles) *pulseWatcher {
	w := &pulseWatcher{
		logger:         logger.Named("pulse"),
		events:         make(chan *proto.SubscribeEvent, pulseEventBuffer),
		stopChannel:    make(chan struct{}),
		done:           make(chan struct{}),
		focus:          newFocusTracker(roles),
		ownPID:         strconv.Itoa(os.Getpid()),
		routeListeners: map[int]func(interrupt.RouteSignal){},
		focusListeners: map[int]func(interrupt.FocusSignal){},
	}

	w.logger.Debug("Created PulseAudio watcher instance")

	return w
}

// Start connects to the audio server and begins watching
func (w *pulseWatcher) Start() error {
	if err := w.connect(); err != nil {
		return fmt.Errorf("start PulseAudio watcher: %w", err)
	}

	go w.run()

	return nil
}

func (w *pulseWatcher) connect() error {
	client, conn, err := proto.Connect("")
	if err != nil {
		w.logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("interruptd"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return fmt.Errorf("set PulseAudio client name: %w", err)
	}

	// the callback runs on the connection's reader, so it only queues; Request from here would deadlock
	client.Callback = func(msg interface{}) {
		ev, ok := msg.(*proto.SubscribeEvent)
		if !ok {
			return
		}

		select {
		case w.events <- ev:
		default:
			w.logger.Warnw("PulseAudio event queue full, dropping event", "event", ev.Event, "index", ev.Index)
		}
	}

	mask := proto.SubscriptionMaskSink | proto.SubscriptionMaskSinkInput | proto.SubscriptionMaskServer
	if err := client.Request(&proto.Subscribe{Mask: mask}, nil); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to PulseAudio events: %w", err)
	}

	w.mu.Lock()
	w.client = client
	w.conn = conn
	w.mu.Unlock()

	name, index, err := w.queryDefaultSink()
	if err != nil {
		w.logger.Warnw("Failed to get default sink, noisy detection waits for the next server change", "error", err)
	}
	w.routes.reset(name, index)

	w.logger.Infow("Connected to PulseAudio", "defaultSink", name)

	return nil
}

func (w *pulseWatcher) request(req proto.RequestArgs, reply proto.Reply) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()

	if client == nil {
		return errors.New("not connected to PulseAudio")
	}

	return client.Request(req, reply)
}

func (w *pulseWatcher) queryDefaultSink() (string, uint32, error) {
	info := proto.GetServerInfoReply{}
	if err := w.request(&proto.GetServerInfo{}, &info); err != nil {
		return "", 0, fmt.Errorf("get server info: %w", err)
	}

	sink := proto.GetSinkInfoReply{}
	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
		SinkName:  info.DefaultSinkName,
	}
	if err := w.request(&request, &sink); err != nil {
		return info.DefaultSinkName, proto.Undefined, fmt.Errorf("get default sink info: %w", err)
	}

	return sink.SinkName, sink.SinkIndex, nil
}

func (w *pulseWatcher) run() {
	defer close(w.done)

	ticker := time.NewTicker(pulseHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChannel:
			return

		case ev := <-w.events:
			w.handleEvent(ev)

		case <-ticker.C:
			if err := w.request(&proto.GetServerInfo{}, &proto.GetServerInfoReply{}); err == nil {
				continue
			}

			w.logger.Warn("Lost PulseAudio connection, reconnecting")
			if !w.reconnect() {
				return
			}
		}
	}
}

// reconnect retries until connected or stopped, then reports the reset
func (w *pulseWatcher) reconnect() bool {
	w.closeConn()

	for {
		select {
		case <-w.stopChannel:
			return false
		case <-time.After(pulseRetryDelay):
		}

		if err := w.connect(); err != nil {
			continue
		}

		// streams we tracked belonged to the old server
		w.focus.clear()
		w.dispatchRoute(interrupt.RouteServicesReset)
		return true
	}
}

func (w *pulseWatcher) handleEvent(ev *proto.SubscribeEvent) {
	facility := ev.Event.GetFacility()
	kind := ev.Event.GetType()

	switch facility {
	case proto.EventSink:
		if kind != proto.EventRemove {
			return
		}
		if sig, ok := w.routes.sinkRemoved(ev.Index); ok {
			w.logger.Infow("Default sink removed", "index", ev.Index)
			w.dispatchRoute(sig)
		}

	case proto.EventServer:
		if kind != proto.EventChange {
			return
		}
		name, index, err := w.queryDefaultSink()
		if err != nil {
			w.logger.Debugw("Failed to re-read default sink", "error", err)
			return
		}
		if sig, ok := w.routes.defaultChanged(name, index); ok {
			w.logger.Infow("Default sink changed", "sink", name)
			w.dispatchRoute(sig)
		}

	case proto.EventSinkSinkInput:
		switch kind {
		case proto.EventNew:
			w.onStreamAdded(ev.Index)
		case proto.EventRemove:
			if sig, ok := w.focus.streamRemoved(ev.Index); ok {
				w.dispatchFocus(sig)
			}
		}
	}
}

func (w *pulseWatcher) onStreamAdded(index uint32) {
	info := proto.GetSinkInputInfoReply{}
	if err := w.request(&proto.GetSinkInputInfo{SinkInputIndex: index}, &info); err != nil {
		w.logger.Debugw("Failed to get sink input info", "index", index, "error", err)
		return
	}

	if pid, ok := info.Properties["application.process.id"]; ok && pid.String() == w.ownPID {
		return
	}

	role := ""
	if prop, ok := info.Properties["media.role"]; ok {
		role = prop.String()
	}

	if sig, ok := w.focus.streamAdded(index, role); ok {
		w.logger.Debugw("Stream took audio focus", "index", index, "role", role, "focus", sig)
		w.dispatchFocus(sig)
	}
}

func (w *pulseWatcher) setRoles(roles FocusRoles) {
	w.focus.setRoles(roles)
}

func (w *pulseWatcher) dispatchRoute(sig interrupt.RouteSignal) {
	w.listenersMu.Lock()
	listeners := make([]func(interrupt.RouteSignal), 0, len(w.routeListeners))
	for _, l := range w.routeListeners {
		listeners = append(listeners, l)
	}
	w.listenersMu.Unlock()

	for _, l := range listeners {
		l(sig)
	}
}

func (w *pulseWatcher) dispatchFocus(sig interrupt.FocusSignal) {
	w.listenersMu.Lock()
	listeners := make([]func(interrupt.FocusSignal), 0, len(w.focusListeners))
	for _, l := range w.focusListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	w.listenersMu.Unlock()

	for _, l := range listeners {
		l(sig)
	}
}

func (w *pulseWatcher) closeConn() {
	w.mu.Lock()
	conn := w.conn
	w.client, w.conn = nil, nil
	w.mu.Unlock()

	if conn == nil {
		return
	}

	if err := conn.Close(); err != nil {
		w.logger.Warnw("Failed to close PulseAudio connection", "error", err)
	}
}

// Stop ends the worker and closes the connection
func (w *pulseWatcher) Stop() {
	w.stopping.Do(func() {
		close(w.stopChannel)
	})

	w.closeConn()
	w.logger.Debug("Released PulseAudio watcher")
}

// pulseRouteSource implements interrupt.AudioRouteSource
type pulseRouteSource struct {
	w *pulseWatcher
}

func (rs *pulseRouteSource) Subscribe(handler func(interrupt.RouteSignal)) (interrupt.Subscription, error) {
	if handler == nil {
		return nil, errors.New("subscribe to audio route: nil handler")
	}

	w := rs.w
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()

	id := w.nextID
	w.nextID++
	w.routeListeners[id] = handler

	return &pulseSubscription{unsubscribe: func() error {
		w.listenersMu.Lock()
		defer w.listenersMu.Unlock()

		if _, ok := w.routeListeners[id]; !ok {
			return interrupt.ErrAlreadyUnsubscribed
		}
		delete(w.routeListeners, id)
		return nil
	}}, nil
}

type pulseSubscription struct {
	unsubscribe func() error
}

func (s *pulseSubscription) Unsubscribe() error {
	return s.unsubscribe()
}

// pulseFocusSource implements interrupt.AudioFocusSource. PulseAudio has no
// focus arbitration, so requesting focus just starts observing other streams.
type pulseFocusSource struct {
	w *pulseWatcher
}

type pulseFocusHandle struct {
	w     *pulseWatcher
	id    int
	attrs interrupt.FocusAttributes
}

func (fs *pulseFocusSource) Request(attrs interrupt.FocusAttributes) (interrupt.FocusHandle, error) {
	w := fs.w
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()

	id := w.nextID
	w.nextID++
	w.focusListeners[id] = nil

	w.logger.Debugw("Audio focus requested", "usage", attrs.Usage, "contentType", attrs.ContentType)

	return &pulseFocusHandle{w: w, id: id, attrs: attrs}, nil
}

func (fs *pulseFocusSource) Abandon(handle interrupt.FocusHandle) error {
	h, ok := handle.(*pulseFocusHandle)
	if !ok || h.w != fs.w {
		return interrupt.ErrAlreadyUnsubscribed
	}

	w := fs.w
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()

	if _, ok := w.focusListeners[h.id]; !ok {
		return interrupt.ErrAlreadyUnsubscribed
	}
	delete(w.focusListeners, h.id)

	w.logger.Debug("Audio focus abandoned")
	return nil
}

func (h *pulseFocusHandle) OnChange(handler func(interrupt.FocusSignal)) {
	h.w.listenersMu.Lock()
	defer h.w.listenersMu.Unlock()

	if _, ok := h.w.focusListeners[h.id]; ok {
		h.w.focusListeners[h.id] = handler
	}
}
