package interruptd

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

func TestMQTTSinkNeedsBroker(t *testing.T) {
	t.Parallel()

	ms, err := newMQTTSink(zaptest.NewLogger(t).Sugar(), MQTTConfig{Topic: "interruptd/events"})
	assert.Error(t, err)
	assert.Nil(t, ms)
}

func TestMQTTSinkPayload(t *testing.T) {
	t.Parallel()

	ms, err := newMQTTSink(zaptest.NewLogger(t).Sugar(), MQTTConfig{
		Broker:   "tcp://localhost:1883",
		Topic:    "interruptd/events",
		ClientID: "interruptd-test",
	})
	require.NoError(t, err)

	ms.now = func() time.Time { return time.Unix(1700000000, 0) }

	data, err := ms.payload(interrupt.EventName, "call_ended")
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, map[string]interface{}{
		"event":     interrupt.EventName,
		"reason":    "call_ended",
		"timestamp": float64(1700000000),
	}, msg)
}

func TestMQTTSinkDropsWhileDisconnected(t *testing.T) {
	t.Parallel()

	ms, err := newMQTTSink(zaptest.NewLogger(t).Sugar(), MQTTConfig{Broker: "tcp://localhost:1883"})
	require.NoError(t, err)

	// never connected: neither call may panic
	ms.Emit(interrupt.EventName, "noisy")
	ms.Disconnect()
}
