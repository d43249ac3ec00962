package interruptd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

const sseReconnectDelay = 3 * time.Second

// SseLink follows the telephony bridge's ESPHome-style event stream
type SseLink struct {
	daemon *Daemon
	logger *zap.SugaredLogger

	mu         sync.Mutex // protects es, cancel and currentURL
	es         *eventsource.EventSource
	cancel     context.CancelFunc
	currentURL string
	done       chan struct{}

	running   int32
	connected int32
}

// NewSseLink creates an SseLink that uses the daemon's connection info
func NewSseLink(daemon *Daemon, logger *zap.SugaredLogger) (*SseLink, error) {
	logger = logger.Named("sse")

	s := &SseLink{
		daemon: daemon,
		logger: logger,
	}

	logger.Debug("Created SSE link instance")

	return s, nil
}

// IsConnected reports whether events are currently flowing
func (s *SseLink) IsConnected() bool {
	return atomic.LoadInt32(&s.connected) == 1
}

// URL returns the stream URL of the current connection
func (s *SseLink) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// Start attempts to connect to the SSE endpoint
func (s *SseLink) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		s.logger.Warn("Already running, can't start another without stopping first")
		return errors.New("sse: connection already active")
	}

	url := strings.TrimSpace(s.daemon.config.ConnectionInfo.SSE_URL)
	if url == "" {
		atomic.StoreInt32(&s.running, 0)
		return errors.New("sse: empty SSE_URL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("sse: build request: %w", err)
	}

	// the client reconnects on its own, honoring the server's retry field
	es := eventsource.New(req, sseReconnectDelay)

	done := make(chan struct{})

	s.mu.Lock()
	s.es = es
	s.cancel = cancel
	s.currentURL = url
	s.done = done
	s.mu.Unlock()

	s.logger.Debugw("Attempting SSE connection", "url", url)

	go s.readLoop(ctx, es, done)

	return nil
}

func (s *SseLink) readLoop(ctx context.Context, es *eventsource.EventSource, done chan struct{}) {
	logger := s.logger.Named("eventstream")

	defer func() {
		s.setConnected(logger, false)
		atomic.StoreInt32(&s.running, 0)
		close(done)
	}()

	for {
		ev, err := es.Read()
		if ctx.Err() != nil {
			logger.Debug("SSE stream cancelled")
			return
		}

		if err != nil {
			s.setConnected(logger, false)
			if s.daemon.Verbose() {
				logger.Warnw("Failed to read SSE event", "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(sseReconnectDelay):
			}
			continue
		}

		s.setConnected(logger, true)

		// pings only tell us the bridge is alive
		if ev.Type != "state" {
			if s.daemon.Verbose() {
				logger.Debugw("Non-state event", "type", ev.Type, "id", ev.ID)
			}
			continue
		}

		s.daemon.handleStateEvent(logger, ev.Data)
	}
}

func (s *SseLink) setConnected(logger *zap.SugaredLogger, connected bool) {
	var v int32
	if connected {
		v = 1
	}

	if atomic.SwapInt32(&s.connected, v) == v {
		return
	}

	if connected {
		logger.Infow("Connected", "url", s.URL())
	} else {
		logger.Infow("Disconnected", "url", s.URL())
	}

	s.daemon.calls.setConnected(connected)
}

// Stop shuts down the SSE connection, if one is active
func (s *SseLink) Stop() {
	if atomic.LoadInt32(&s.running) == 0 {
		s.logger.Debug("Not currently connected, nothing to stop")
		return
	}

	s.logger.Debug("Shutting down SSE connection")

	s.mu.Lock()
	cancel, es := s.cancel, s.es
	s.cancel, s.es = nil, nil
	s.mu.Unlock()

	// cancelling the request aborts a blocked Read
	if cancel != nil {
		cancel()
	}
	if es != nil {
		es.Close()
	}
}

// WaitForStop waits for the read loop to exit
func (s *SseLink) WaitForStop(timeout time.Duration) bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return true
	}

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
