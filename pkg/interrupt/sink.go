package interrupt

import (
	"go.uber.org/zap"
)

// sinkAdapter hands decided events to the EventSink. It adds no delay and no
// filtering of its own.
type sinkAdapter struct {
	logger *zap.SugaredLogger
	sink   EventSink
}

func newSinkAdapter(logger *zap.SugaredLogger, sink EventSink) *sinkAdapter {
	return &sinkAdapter{
		logger: logger.Named("sink"),
		sink:   sink,
	}
}

func (a *sinkAdapter) forward(ev Event) {
	payload := ev.String()

	// a misbehaving sink must not take the state machine down with it
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorw("Event sink panicked", "event", EventName, "reason", payload, "panic", r)
		}
	}()

	a.logger.Debugw("Sending event", "event", EventName, "reason", payload)
	a.sink.Emit(EventName, payload)
}
