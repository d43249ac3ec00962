package interruptd

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/stalexteam/interruptd/pkg/interrupt"
	"github.com/stalexteam/interruptd/pkg/interruptd/util"
)

// FocusRoles maps PulseAudio media.role values of other streams to focus signals
type FocusRoles struct {
	Transient []string
	Duck      []string
	Loss      []string
}

// MQTTConfig describes the optional MQTT event sink
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for the configuration file
type CanonicalConfig struct {
	ConnectionInfo struct {
		SSE_URL         string
		SERIAL_Port     string
		SERIAL_BaudRate int
		SSE_RELAY_PORT  int
	}

	CallStatePermission bool
	PollInterval        time.Duration
	PostCallDelay       time.Duration
	NotifyEvents        []string
	FocusRoles          FocusRoles
	MQTT                MQTTConfig

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadMutex     sync.Mutex
	reloadConsumers []chan bool

	userConfig     *viper.Viper
	internalConfig *viper.Viper
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName     = "config"
	internalConfigName = "preferences"

	userConfigPath = "."

	configType = "yaml"

	configKey_SSE_URL         = "SSE_URL"
	configKey_SERIAL_PORT     = "SERIAL_Port"
	configKey_SERIAL_BaudRate = "SERIAL_BaudRate"
	configKey_SSE_RELAY_PORT  = "SSE_RELAY_PORT"

	configKey_CallStatePermission = "call_state_permission"
	configKey_PollInterval        = "poll_interval_ms"
	configKey_PostCallDelay       = "post_call_delay_ms"
	configKey_NotifyEvents        = "notify_events"

	configKey_FocusTransientRoles = "focus.transient_roles"
	configKey_FocusDuckRoles      = "focus.duck_roles"
	configKey_FocusLossRoles      = "focus.loss_roles"

	configKey_MQTTBroker   = "mqtt.broker"
	configKey_MQTTTopic    = "mqtt.topic"
	configKey_MQTTClientID = "mqtt.client_id"

	default_SSE_URL         = "" // http://phone-bridge.local/events
	default_SERIAL_PORT     = ""
	default_SERIAL_BaudRate = 0
	default_SSE_RELAY_PORT  = 8089

	default_MQTTTopic    = "interruptd/events"
	default_MQTTClientID = "interruptd"
)

var (
	default_NotifyEvents        = []string{"call", "noisy"}
	default_FocusTransientRoles = []string{"phone"}
	default_FocusDuckRoles      = []string{"event", "notification", "a11y"}
	default_FocusLossRoles      = []string{"music", "video", "game"}
)

// has to be defined as a non-constant because we're using path.Join
var internalConfigPath = path.Join(".", logDirectory)

// NewConfig creates a config instance and sets up viper instances for the config files
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// distinguish between the user-provided config (config.yaml) and the internal config (logs/preferences.yaml)
	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKey_SSE_URL, default_SSE_URL)
	userConfig.SetDefault(configKey_SERIAL_PORT, default_SERIAL_PORT)
	userConfig.SetDefault(configKey_SERIAL_BaudRate, default_SERIAL_BaudRate)
	userConfig.SetDefault(configKey_SSE_RELAY_PORT, default_SSE_RELAY_PORT)

	userConfig.SetDefault(configKey_CallStatePermission, true)
	userConfig.SetDefault(configKey_PollInterval, interrupt.DefaultPollInterval.Milliseconds())
	userConfig.SetDefault(configKey_PostCallDelay, interrupt.DefaultPostCallDelay.Milliseconds())
	userConfig.SetDefault(configKey_NotifyEvents, default_NotifyEvents)

	userConfig.SetDefault(configKey_FocusTransientRoles, default_FocusTransientRoles)
	userConfig.SetDefault(configKey_FocusDuckRoles, default_FocusDuckRoles)
	userConfig.SetDefault(configKey_FocusLossRoles, default_FocusLossRoles)

	userConfig.SetDefault(configKey_MQTTBroker, "")
	userConfig.SetDefault(configKey_MQTTTopic, default_MQTTTopic)
	userConfig.SetDefault(configKey_MQTTClientID, default_MQTTClientID)

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(internalConfigPath)

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads the config files from disk and tries to parse them
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	if !util.FileExists(userConfigFilepath) {
		cc.logger.Warnw("Config file not found", "path", userConfigFilepath)
		cc.notifier.Notify("Can't find configuration!",
			fmt.Sprintf("%s must be in the same directory as interruptd. Please re-launch", userConfigFilepath))
		return fmt.Errorf("config file doesn't exist: %s", userConfigFilepath)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check the logs for more details.")
		}
		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"connectionInfo", cc.ConnectionInfo,
		"callStatePermission", cc.CallStatePermission,
		"pollInterval", cc.PollInterval,
		"postCallDelay", cc.PostCallDelay,
		"notifyEvents", cc.NotifyEvents,
		"focusRoles", cc.FocusRoles,
		"mqttBroker", cc.MQTT.Broker,
	)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.reloadMutex.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.reloadMutex.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// viper owns the fsnotify watch; the cooldown is still ours since editors write twice
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor flush the new contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop and closes reload consumers
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	case <-time.After(100 * time.Millisecond):
		cc.logger.Debug("Config watcher not running")
	}

	cc.closeReloadChannels()
}

func (cc *CanonicalConfig) closeReloadChannels() {
	cc.reloadMutex.Lock()
	defer cc.reloadMutex.Unlock()

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromVipers() error {
	cc.ConnectionInfo.SSE_URL = strings.TrimSpace(cc.userConfig.GetString(configKey_SSE_URL))
	cc.ConnectionInfo.SERIAL_Port = strings.TrimSpace(cc.userConfig.GetString(configKey_SERIAL_PORT))
	cc.ConnectionInfo.SERIAL_BaudRate = cc.userConfig.GetInt(configKey_SERIAL_BaudRate)
	cc.ConnectionInfo.SSE_RELAY_PORT = cc.userConfig.GetInt(configKey_SSE_RELAY_PORT)

	if cc.ConnectionInfo.SERIAL_BaudRate < 0 {
		return fmt.Errorf("invalid %s: %d", configKey_SERIAL_BaudRate, cc.ConnectionInfo.SERIAL_BaudRate)
	}
	if cc.ConnectionInfo.SSE_RELAY_PORT < 0 || cc.ConnectionInfo.SSE_RELAY_PORT > 65535 {
		return fmt.Errorf("invalid %s: %d", configKey_SSE_RELAY_PORT, cc.ConnectionInfo.SSE_RELAY_PORT)
	}

	cc.CallStatePermission = cc.userConfig.GetBool(configKey_CallStatePermission)

	cc.PollInterval = cc.durationMillis(configKey_PollInterval, interrupt.DefaultPollInterval)
	cc.PostCallDelay = cc.durationMillis(configKey_PostCallDelay, interrupt.DefaultPostCallDelay)

	cc.NotifyEvents = cc.eventTags(cc.userConfig.GetStringSlice(configKey_NotifyEvents))

	// the preferences file may pin roles for this machine on top of the user's
	cc.FocusRoles = FocusRoles{
		Transient: mergeRoles(cc.userConfig.GetStringSlice(configKey_FocusTransientRoles), cc.internalConfig.GetStringSlice(configKey_FocusTransientRoles)),
		Duck:      mergeRoles(cc.userConfig.GetStringSlice(configKey_FocusDuckRoles), cc.internalConfig.GetStringSlice(configKey_FocusDuckRoles)),
		Loss:      mergeRoles(cc.userConfig.GetStringSlice(configKey_FocusLossRoles), cc.internalConfig.GetStringSlice(configKey_FocusLossRoles)),
	}

	cc.MQTT = MQTTConfig{
		Broker:   strings.TrimSpace(cc.userConfig.GetString(configKey_MQTTBroker)),
		Topic:    cc.userConfig.GetString(configKey_MQTTTopic),
		ClientID: cc.userConfig.GetString(configKey_MQTTClientID),
	}

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *CanonicalConfig) durationMillis(key string, fallback time.Duration) time.Duration {
	ms := cc.userConfig.GetInt(key)
	if ms <= 0 {
		cc.logger.Warnw("Non-positive duration in config, using default", "key", key, "value", ms, "default", fallback)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// eventTags drops entries that aren't interruption event tags
func (cc *CanonicalConfig) eventTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}

	return funk.Filter(tags, func(tag string) bool {
		if _, ok := interrupt.ParseEvent(tag); !ok {
			cc.logger.Warnw("Unknown event tag in notify_events, ignoring", "tag", tag)
			return false
		}
		return true
	}).([]string)
}

func mergeRoles(user []string, internal []string) []string {
	merged := funk.Filter(append(append([]string{}, user...), internal...), func(s string) bool {
		return strings.TrimSpace(s) != ""
	}).([]string)

	return funk.UniqString(funk.Map(merged, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	}).([]string))
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.reloadMutex.Lock()
	defer cc.reloadMutex.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}
