package interruptd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

func newTestConfig(t *testing.T) *CanonicalConfig {
	t.Helper()

	cc, err := NewConfig(zaptest.NewLogger(t).Sugar(), newChanNotifier())
	require.NoError(t, err)
	return cc
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cc := newTestConfig(t)
	require.NoError(t, cc.populateFromVipers())

	assert.Empty(t, cc.ConnectionInfo.SSE_URL)
	assert.Empty(t, cc.ConnectionInfo.SERIAL_Port)
	assert.Zero(t, cc.ConnectionInfo.SERIAL_BaudRate)
	assert.Equal(t, default_SSE_RELAY_PORT, cc.ConnectionInfo.SSE_RELAY_PORT)

	assert.True(t, cc.CallStatePermission)
	assert.Equal(t, interrupt.DefaultPollInterval, cc.PollInterval)
	assert.Equal(t, interrupt.DefaultPostCallDelay, cc.PostCallDelay)
	assert.Equal(t, []string{"call", "noisy"}, cc.NotifyEvents)

	assert.Equal(t, FocusRoles{
		Transient: []string{"phone"},
		Duck:      []string{"event", "notification", "a11y"},
		Loss:      []string{"music", "video", "game"},
	}, cc.FocusRoles)

	assert.Equal(t, MQTTConfig{Topic: "interruptd/events", ClientID: "interruptd"}, cc.MQTT)
}

func TestConfigUserValues(t *testing.T) {
	t.Parallel()

	cc := newTestConfig(t)
	cc.userConfig.Set(configKey_SERIAL_PORT, " /dev/ttyUSB0 ")
	cc.userConfig.Set(configKey_SERIAL_BaudRate, 115200)
	cc.userConfig.Set(configKey_CallStatePermission, false)
	cc.userConfig.Set(configKey_PollInterval, 250)
	cc.userConfig.Set(configKey_PostCallDelay, -1)
	cc.userConfig.Set(configKey_NotifyEvents, []string{"call_ended", "bogus", "route_override"})
	cc.userConfig.Set(configKey_FocusLossRoles, []string{"Music", " game ", ""})
	cc.internalConfig.Set(configKey_FocusLossRoles, []string{"game", "movie"})
	cc.userConfig.Set(configKey_MQTTBroker, "tcp://localhost:1883")

	require.NoError(t, cc.populateFromVipers())

	assert.Equal(t, "/dev/ttyUSB0", cc.ConnectionInfo.SERIAL_Port)
	assert.Equal(t, 115200, cc.ConnectionInfo.SERIAL_BaudRate)
	assert.False(t, cc.CallStatePermission)
	assert.Equal(t, 250*time.Millisecond, cc.PollInterval)
	assert.Equal(t, interrupt.DefaultPostCallDelay, cc.PostCallDelay, "non-positive falls back")
	assert.Equal(t, []string{"call_ended", "route_override"}, cc.NotifyEvents)
	assert.Equal(t, []string{"music", "game", "movie"}, cc.FocusRoles.Loss)
	assert.Equal(t, "tcp://localhost:1883", cc.MQTT.Broker)
}

func TestConfigRejectsInvalidPorts(t *testing.T) {
	t.Parallel()

	cc := newTestConfig(t)
	cc.userConfig.Set(configKey_SERIAL_BaudRate, -9600)
	assert.Error(t, cc.populateFromVipers())

	cc = newTestConfig(t)
	cc.userConfig.Set(configKey_SSE_RELAY_PORT, 70000)
	assert.Error(t, cc.populateFromVipers())
}

func TestMergeRoles(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"phone", "voip"}, mergeRoles([]string{"Phone", "VOIP "}, []string{"phone"}))
	assert.Empty(t, mergeRoles(nil, nil))
}

func TestConfigReloadConsumers(t *testing.T) {
	t.Parallel()

	cc := newTestConfig(t)
	first := cc.SubscribeToChanges()
	second := cc.SubscribeToChanges()

	// a second reload while one is pending must not block
	cc.onConfigReloaded()
	cc.onConfigReloaded()

	assert.True(t, <-first)
	assert.True(t, <-second)

	cc.closeReloadChannels()

	_, open := <-first
	assert.False(t, open)
	_, open = <-second
	assert.False(t, open)
}
