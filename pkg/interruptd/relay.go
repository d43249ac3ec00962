package interruptd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

const (
	// client reconnect delay in milliseconds
	relayRetryTimeout = 30000

	relayPingInterval = 10 * time.Second
	relayQueueSize    = 64

	relayEventType = "interruption"
)

// MicrophoneChecker answers /status requests
type MicrophoneChecker interface {
	CheckMicrophoneAvailability() (bool, error)
}

type relayPayload struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
	ID     int64  `json:"id"`
}

// RelayServer is an EventSink that serves interruption events to the
// presentation layer as a Server-Sent Events stream
type RelayServer struct {
	logger *zap.SugaredLogger

	// guards server and stopChannel across Start, Stop and config reloads
	lifecycleMutex sync.Mutex
	server         *http.Server

	manager *eventsource.ConnectionManager
	mic     MicrophoneChecker
	metrics http.Handler

	queue       chan eventsource.Event
	stopChannel chan bool
	running     int32

	eventID int64

	lastMutex sync.Mutex
	last      *eventsource.Event

	portMutex   sync.Mutex
	currentPort int
}

// NewRelayServer creates a relay; metrics may be nil
func NewRelayServer(logger *zap.SugaredLogger, mic MicrophoneChecker, metrics http.Handler) (*RelayServer, error) {
	logger = logger.Named("relay")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New SSE client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("SSE client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &RelayServer{
		logger:      logger,
		manager:     manager,
		mic:         mic,
		metrics:     metrics,
		queue:       make(chan eventsource.Event, relayQueueSize),
		stopChannel: make(chan bool),
	}

	logger.Debug("Created relay server instance")

	return srv, nil
}

// Emit implements interrupt.EventSink. Events are queued and broadcast on
// the relay's own goroutine.
func (srv *RelayServer) Emit(eventName string, payload string) {
	event, err := srv.newEvent(eventName, payload)
	if err != nil {
		srv.logger.Warnw("Failed to build interruption event", "error", err, "payload", payload)
		return
	}

	srv.lastMutex.Lock()
	srv.last = &event
	srv.lastMutex.Unlock()

	if atomic.LoadInt32(&srv.running) == 0 {
		return
	}

	select {
	case srv.queue <- event:
	default:
		srv.logger.Warnw("Relay queue full, dropping event", "payload", payload)
	}
}

func (srv *RelayServer) newEvent(eventName string, payload string) (eventsource.Event, error) {
	id := atomic.AddInt64(&srv.eventID, 1)

	data, err := json.Marshal(relayPayload{Event: eventName, Reason: payload, ID: id})
	if err != nil {
		return eventsource.Event{}, fmt.Errorf("marshal interruption event: %w", err)
	}

	return eventsource.Event{
		ID:   fmt.Sprintf("%d", id),
		Type: relayEventType,
		Data: data,
	}, nil
}

func (srv *RelayServer) pingEvent() (eventsource.Event, error) {
	data, err := json.Marshal(map[string]interface{}{
		"title":   "interruptd",
		"clients": srv.manager.Count(),
	})
	if err != nil {
		return eventsource.Event{}, fmt.Errorf("marshal ping data: %w", err)
	}

	return eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
		Type: "ping",
		Data: data,
	}, nil
}

func (srv *RelayServer) handler(stopChannel chan bool) http.Handler {
	stream := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(relayRetryTimeout); err != nil {
			srv.logEncodeError("retry", err)
			return
		}

		ping, err := srv.pingEvent()
		if err != nil {
			srv.logger.Warnw("Failed to build ping", "error", err)
			return
		}
		if err := encoder.Encode(ping); err != nil {
			srv.logEncodeError("ping", err)
			return
		}

		// a client that connects mid-interruption still needs to know about it
		srv.lastMutex.Lock()
		last := srv.last
		srv.lastMutex.Unlock()

		if last != nil {
			if err := encoder.Encode(*last); err != nil {
				srv.logEncodeError("last event", err)
				return
			}
		}

		select {
		case <-stop:
		case <-stopChannel:
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/status", srv.handleStatus)
	if srv.metrics != nil {
		mux.Handle("/metrics", srv.metrics)
	}
	mux.HandleFunc("/", eventsource.HandlerWithManager(srv.manager, stream).ServeHTTP)

	return mux
}

func (srv *RelayServer) logEncodeError(what string, err error) {
	if eventsource.IsConnectionError(err) {
		srv.logger.Debugw("Error sending "+what+", connection closed", "error", err)
	} else {
		srv.logger.Debugw("Error sending "+what, "error", err)
	}
}

func (srv *RelayServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{}
	code := http.StatusOK

	available, err := srv.mic.CheckMicrophoneAvailability()
	if err != nil {
		srv.logger.Warnw("Microphone availability check failed", "error", err)
		status["error"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["microphone_available"] = available
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		srv.logger.Debugw("Failed to write status response", "error", err)
	}
}

// Start serves the relay on the given port; port 0 disables it
func (srv *RelayServer) Start(port int) error {
	if port <= 0 {
		srv.logger.Debug("SSE_RELAY_PORT not configured, relay will not start")
		return nil
	}

	srv.lifecycleMutex.Lock()
	defer srv.lifecycleMutex.Unlock()

	srv.portMutex.Lock()
	currentPort := srv.currentPort
	srv.portMutex.Unlock()

	if srv.IsRunning() && currentPort == port {
		srv.logger.Debugw("Relay already running on the same port", "port", port)
		return nil
	}

	if srv.IsRunning() {
		srv.logger.Infow("Relay port changed, restarting", "old_port", currentPort, "new_port", port)
		srv.stopLocked()
	}

	stop := make(chan bool)
	addr := fmt.Sprintf(":%d", port)
	srv.server = &http.Server{
		Addr:              addr,
		Handler:           srv.handler(stop),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.stopChannel = stop

	srv.portMutex.Lock()
	srv.currentPort = port
	srv.portMutex.Unlock()

	atomic.StoreInt32(&srv.running, 1)

	server := srv.server
	go func() {
		srv.logger.Infow("Starting relay server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("Relay server error", "error", err)
			if atomic.CompareAndSwapInt32(&srv.running, 1, 0) {
				close(stop)
			}
		}
	}()

	go srv.broadcastLoop(stop)

	return nil
}

func (srv *RelayServer) broadcastLoop(stop chan bool) {
	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case event := <-srv.queue:
			srv.broadcast(event)

		case <-ticker.C:
			ping, err := srv.pingEvent()
			if err != nil {
				srv.logger.Warnw("Failed to build ping", "error", err)
				continue
			}
			srv.broadcast(ping)
		}
	}
}

func (srv *RelayServer) broadcast(event eventsource.Event) {
	// failed connections are dropped by the manager
	if err := srv.manager.Broadcast(event); err != nil && eventsource.IsConnectionError(err) {
		srv.logger.Debugw("Some connections failed during broadcast", "error", err, "type", event.Type)
	}
}

// Stop shuts the relay down and disconnects every client
func (srv *RelayServer) Stop() {
	srv.lifecycleMutex.Lock()
	defer srv.lifecycleMutex.Unlock()

	srv.stopLocked()
}

func (srv *RelayServer) stopLocked() {
	if !atomic.CompareAndSwapInt32(&srv.running, 1, 0) {
		return
	}

	srv.logger.Debug("Stopping relay server")

	close(srv.stopChannel)

	srv.manager.CloseAll()

	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during relay shutdown", "error", err)
			srv.server.Close()
		}
	}

	srv.portMutex.Lock()
	srv.currentPort = 0
	srv.portMutex.Unlock()

	srv.logger.Info("Relay server stopped")
}

// CurrentPort returns the port the relay runs on, 0 if stopped
func (srv *RelayServer) CurrentPort() int {
	srv.portMutex.Lock()
	defer srv.portMutex.Unlock()
	return srv.currentPort
}

// IsRunning returns whether the relay is serving
func (srv *RelayServer) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}
