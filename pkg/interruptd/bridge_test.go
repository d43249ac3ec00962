package interruptd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

func TestParseBridgeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		data  string
		state interrupt.CallState
		ok    bool
	}{
		{"plain id with value", `{"id":"call_state","value":"ringing"}`, interrupt.CallRinging, true},
		{"text sensor with state", `{"id":"text_sensor-call_state","state":"offhook"}`, interrupt.CallActive, true},
		{"value preferred over state", `{"id":"call_state","value":"idle","state":"ringing"}`, interrupt.CallIdle, true},
		{"null value falls back to state", `{"id":"call_state","value":null,"state":"ringing"}`, interrupt.CallRinging, true},
		{"android int", `{"id":"sensor-call_state","value":2}`, interrupt.CallActive, true},
		{"binary sensor true", `{"id":"binary_sensor-in_call","value":true}`, interrupt.CallActive, true},
		{"binary sensor false", `{"id":"binary_sensor-in_call","value":false}`, interrupt.CallIdle, true},
		{"other entity", `{"id":"sensor-battery","value":80}`, interrupt.CallIdle, false},
		{"unknown state name", `{"id":"call_state","value":"dialing"}`, interrupt.CallIdle, false},
		{"no value at all", `{"id":"call_state"}`, interrupt.CallIdle, false},
		{"not json", `call_state=ringing`, interrupt.CallIdle, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			state, ok := parseBridgeEvent([]byte(tt.data))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.state, state)
		})
	}
}

func TestExtractJSONLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"pure json", `{"id":"call_state","value":"idle"}`, `{"id":"call_state","value":"idle"}`, true},
		{"padded json", "  {\"id\":\"call_state\"}\r\n", `{"id":"call_state"}`, true},
		{"esphome log line", `[12:01:02][D][json:042]: {"id":"call_state","value":"ringing"}`, `{"id":"call_state","value":"ringing"}`, true},
		{"colored log line", "\x1b[0;36m[D][json:7]: {\"id\":\"in_call\",\"value\":true}\x1b[0m", `{"id":"in_call","value":true}`, true},
		{"regular log line", `[D][sensor:093]: 'Battery': Sending state 80.00 %`, "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := extractJSONLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
