package interruptd

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

// CallLink is the transport to the telephony bridge (serial, SSE)
type CallLink interface {
	Start() error
	Stop()
	WaitForStop(timeout time.Duration) bool
	IsConnected() bool
}

var errLinkStopped = errors.New("link stopped")

var (
	// ESPHome prefixes entity ids with their domain: text_sensor-call_state, binary_sensor-in_call
	callStateIDPattern = regexp.MustCompile(`^(?:(?:text_|binary_)?sensor-)?(call_state|in_call)$`)

	ansiRegexp    = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	jsonLogRegexp = regexp.MustCompile(`\[[A-Z]\]\[json:\d+\]:\s*(\{.*\})`)
)

// parseBridgeEvent extracts a call state from a bridge state event such as
// {"id":"call_state","value":"ringing"} or {"id":"text_sensor-call_state","state":"offhook"}
func parseBridgeEvent(data []byte) (interrupt.CallState, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return interrupt.CallIdle, false
	}

	id, _ := raw["id"].(string)
	if !callStateIDPattern.MatchString(id) {
		return interrupt.CallIdle, false
	}

	value, ok := raw["value"]
	if !ok || value == nil {
		if value, ok = raw["state"]; !ok {
			return interrupt.CallIdle, false
		}
	}

	sig, ok := interrupt.NormalizeCallState(value)
	if !ok {
		return interrupt.CallIdle, false
	}

	return sig.Call, true
}

// extractJSONLine returns the JSON payload of a serial line, which is either
// pure JSON or an ESPHome log line tagged [json:N]
func extractJSONLine(line string) (string, bool) {
	clean := ansiRegexp.ReplaceAllString(line, "")
	trimmed := strings.TrimSpace(clean)

	if len(trimmed) > 1 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		return trimmed, true
	}

	m := jsonLogRegexp.FindStringSubmatch(clean)
	if m == nil {
		return "", false
	}

	return m[1], true
}
