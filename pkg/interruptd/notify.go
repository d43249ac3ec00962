package interruptd

import (
	"sync"

	"github.com/gen2brain/beeep"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications through beeep
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification (or falls back to other types of notification for older Windows versions)
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

var toastMessages = map[string]string{
	"call":                 "Incoming or active call, audio paused",
	"call_ended":           "Call ended",
	"focus_loss":           "Another app took over audio output",
	"focus_loss_transient": "Audio paused by another app",
	"focus_loss_can_duck":  "Another app is playing a short sound",
	"focus_gain":           "Audio output is available again",
	"noisy":                "Playback device disconnected",
	"route_override":       "Audio output moved to another device",
	"media_services_reset": "Audio server restarted",
}

// toastSink raises a desktop notification for the event tags listed in notify_events
type toastSink struct {
	logger   *zap.SugaredLogger
	notifier Notifier

	mu     sync.RWMutex
	events []string
}

func newToastSink(logger *zap.SugaredLogger, notifier Notifier, events []string) *toastSink {
	ts := &toastSink{
		logger:   logger.Named("toast_sink"),
		notifier: notifier,
		events:   events,
	}

	ts.logger.Debugw("Created toast sink instance", "events", events)

	return ts
}

func (ts *toastSink) setEvents(events []string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.events = events
}

func (ts *toastSink) wants(tag string) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return funk.ContainsString(ts.events, tag)
}

// Emit implements interrupt.EventSink. The notification goes out on its own
// goroutine so a slow notification daemon never holds up the module.
func (ts *toastSink) Emit(eventName string, payload string) {
	if eventName != interrupt.EventName || !ts.wants(payload) {
		return
	}

	message, ok := toastMessages[payload]
	if !ok {
		message = payload
	}

	go ts.notifier.Notify("Audio interruption", message)
}
