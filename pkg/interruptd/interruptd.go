// Package interruptd runs the interruption module as a desktop daemon: a
// telephony bridge supplies call state, PulseAudio supplies route and focus
// changes, and events go out over an SSE relay, MQTT and desktop toasts.
package interruptd

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/interruptd/pkg/interrupt"
	"github.com/stalexteam/interruptd/pkg/interruptd/util"
)

const (
	// when this is set to anything, interruptd won't use a tray icon
	envNoTray = "INTERRUPTD_NO_TRAY_ICON"

	// delay between stopping the old link and starting the new one during config reload
	configReloadStopDelay = 50 * time.Millisecond

	linkStopTimeout = 500 * time.Millisecond
)

// Daemon is the main entity managing access to all sub-components
type Daemon struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig

	calls  *callStateSource
	serial *SerialLink
	sse    *SseLink
	link   CallLink
	pulse  *pulseWatcher

	module  *interrupt.Module
	metrics *Metrics
	relay   *RelayServer
	mqtt    *mqttSink
	toasts  *toastSink
	tray    *trayStatus

	stopChannel chan bool
	version     string
	verbose     bool
	withTray    bool
	stopping    sync.Once

	linkMutex sync.Mutex // protects link and startLink() calls
}

// New creates a Daemon instance
func New(logger *zap.SugaredLogger, verbose bool) (*Daemon, error) {
	logger = logger.Named("interruptd")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Daemon{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		tray:        &trayStatus{},
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	d.calls = newCallStateSource(logger, func() bool {
		return d.config.CallStatePermission
	})

	serial, err := NewSerialLink(d, logger)
	if err != nil {
		logger.Errorw("Failed to create SerialLink", "error", err)
		return nil, fmt.Errorf("create new SerialLink: %w", err)
	}
	d.serial = serial

	sse, err := NewSseLink(d, logger)
	if err != nil {
		logger.Errorw("Failed to create SseLink", "error", err)
		return nil, fmt.Errorf("create new SseLink: %w", err)
	}
	d.sse = sse

	logger.Debug("Created interruptd instance")

	return d, nil
}

// Initialize loads the config, builds the module and runs until stopped
func (d *Daemon) Initialize(noTray bool) error {
	d.logger.Debug("Initializing")

	if err := d.config.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := d.setupModule(); err != nil {
		d.logger.Errorw("Failed to set up interruption module", "error", err)
		return fmt.Errorf("set up module: %w", err)
	}

	_, noTraySet := os.LookupEnv(envNoTray)
	d.withTray = !noTray && !noTraySet

	d.setupInterruptHandler()

	if !d.withTray {
		d.logger.Debugw("Running without tray icon", "reason", "flag or envvar set")
		d.run()
	} else {
		d.initializeTray(d.run)
	}

	return nil
}

// setupModule wires the collaborators and sinks into a Module
func (d *Daemon) setupModule() error {
	var routes interrupt.AudioRouteSource
	var focus interrupt.AudioFocusSource

	d.pulse = newPulseWatcher(d.logger, d.config.FocusRoles)
	if err := d.pulse.Start(); err != nil {
		d.logger.Warnw("PulseAudio unavailable, running without route and focus signals", "error", err)
		d.pulse = nil
	} else {
		routes = &pulseRouteSource{w: d.pulse}
		focus = &pulseFocusSource{w: d.pulse}
	}

	d.toasts = newToastSink(d.logger, d.notifier, d.config.NotifyEvents)

	// the relay and metrics need the module, the module needs the relay as a sink
	var sinks interrupt.Sinks
	sink := interrupt.EventSinkFunc(func(eventName string, payload string) {
		sinks.Emit(eventName, payload)
	})

	module, err := interrupt.NewModule(d.logger, d.calls, routes, focus, sink, interrupt.Options{
		PollInterval:  d.config.PollInterval,
		PostCallDelay: d.config.PostCallDelay,
	})
	if err != nil {
		return fmt.Errorf("create module: %w", err)
	}
	d.module = module

	metrics, err := NewMetrics(d.logger, module)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	d.metrics = metrics

	relay, err := NewRelayServer(d.logger, module, metrics.Handler())
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}
	d.relay = relay

	sinks = interrupt.Sinks{relay, d.toasts, d.tray}

	if d.config.MQTT.Broker != "" {
		ms, err := newMQTTSink(d.logger, d.config.MQTT)
		if err != nil {
			return fmt.Errorf("create MQTT sink: %w", err)
		}
		if err := ms.Connect(); err != nil {
			d.logger.Warnw("Failed to connect to MQTT broker, events won't be published", "error", err)
		} else {
			d.mqtt = ms
			sinks = append(sinks, ms)
		}
	}

	return nil
}

// SetVersion adds a version string to the tray menu if called before Initialize
func (d *Daemon) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether interruptd is running in verbose mode
func (d *Daemon) Verbose() bool {
	return d.verbose
}

func (d *Daemon) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Daemon) run() {
	d.logger.Info("Run loop starting")

	go d.config.WatchConfigFileChanges()

	d.setupOnConfigReload()

	if err := d.relay.Start(d.config.ConnectionInfo.SSE_RELAY_PORT); err != nil {
		d.logger.Warnw("Failed to start relay server", "error", err)
	}

	if err := d.module.StartListening(); err != nil {
		// whatever did register keeps working
		d.logger.Warnw("Started listening with errors", "error", err)
	}

	go d.startLink()

	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop interruptd", "error", err)
		os.Exit(1)
	}

	os.Exit(0)
}

func (d *Daemon) signalStop() {
	d.stopping.Do(func() {
		d.logger.Debug("Signalling stop channel")
		d.stopChannel <- true
	})
}

func (d *Daemon) stop() error {
	d.logger.Info("Stopping")

	d.config.StopWatchingConfigFile()

	d.linkMutex.Lock()
	link := d.link
	d.link = nil
	d.linkMutex.Unlock()

	if link != nil {
		link.Stop()
		if link.WaitForStop(linkStopTimeout) {
			d.logger.Debug("Call link stopped successfully")
		} else {
			d.logger.Warn("Call link did not stop within timeout, proceeding anyway")
		}
	}

	var errs []error
	if err := d.module.Close(); err != nil {
		d.logger.Errorw("Failed to stop listening", "error", err)
		errs = append(errs, err)
	}

	d.relay.Stop()

	if d.mqtt != nil {
		d.mqtt.Disconnect()
	}

	if d.pulse != nil {
		d.pulse.Stop()
	}

	d.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	d.logger.Sync()

	return errors.Join(errs...)
}

// handleStateEvent processes a JSON state event from either link
func (d *Daemon) handleStateEvent(logger *zap.SugaredLogger, data []byte) {
	state, ok := parseBridgeEvent(data)
	if !ok {
		if d.Verbose() {
			logger.Debugw("Ignoring bridge event", "data", string(data))
		}
		return
	}

	if d.Verbose() {
		logger.Debugw("Call state from bridge", "callState", state)
	}

	d.calls.report(state)
}

func (d *Daemon) isActiveLink(link CallLink) bool {
	d.linkMutex.Lock()
	defer d.linkMutex.Unlock()
	return d.link == link
}

func (d *Daemon) serialConfigured() bool {
	return d.config.ConnectionInfo.SERIAL_Port != "" && d.config.ConnectionInfo.SERIAL_BaudRate != 0
}

func (d *Daemon) sseConfigured() bool {
	return d.config.ConnectionInfo.SSE_URL != ""
}

// startLink connects to the telephony bridge, preferring serial over SSE.
// Without a bridge the module still runs on focus and route signals.
func (d *Daemon) startLink() {
	d.linkMutex.Lock()
	defer d.linkMutex.Unlock()

	if !d.serialConfigured() && !d.sseConfigured() {
		d.logger.Warn("No telephony bridge configured, call state tracking is disabled")
		d.notifier.Notify("No telephony bridge configured!", "Set a serial port or an SSE URL to track calls.")
		d.link = nil
		return
	}

	if d.serialConfigured() {
		d.link = d.serial
		err := d.serial.Start()
		if err == nil {
			return
		}

		port := d.config.ConnectionInfo.SERIAL_Port
		d.logger.Warnw("Failed to start first-time serial connection", "error", err)

		switch {
		case errors.Is(err, os.ErrPermission):
			d.notifier.Notify(fmt.Sprintf("Can't connect to %s!", port),
				"This serial port is busy, make sure to close any serial monitor or other instance.")
			d.link = nil
			return

		case errors.Is(err, os.ErrNotExist) && !d.sseConfigured():
			d.notifier.Notify(fmt.Sprintf("Can't connect to %s!", port),
				"This serial port doesn't exist, check your configuration and make sure it's set correctly.")
			d.link = nil
			return

		case !d.sseConfigured():
			d.link = nil
			return
		}

		d.logger.Infow("Falling back to SSE", "port", port)
	}

	d.link = d.sse
	if err := d.sse.Start(); err != nil {
		d.logger.Warnw("Failed to start first-time SSE connection", "error", err)
		d.notifier.Notify(fmt.Sprintf("Can't connect to %s!", d.config.ConnectionInfo.SSE_URL),
			"Make sure the URL is correct and the bridge's event stream is reachable.")
		d.link = nil
	}
}

// linkNeedsRestart compares the running link against the reloaded config
func (d *Daemon) linkNeedsRestart() bool {
	d.linkMutex.Lock()
	link := d.link
	d.linkMutex.Unlock()

	switch {
	case link == nil:
		return d.serialConfigured() || d.sseConfigured()

	case link == CallLink(d.serial):
		if !d.serialConfigured() {
			return true
		}
		port, baud := d.serial.PortSettings()
		return port != d.config.ConnectionInfo.SERIAL_Port || baud != uint(d.config.ConnectionInfo.SERIAL_BaudRate)

	default:
		// serial takes priority once configured
		return d.serialConfigured() || d.sse.URL() != d.config.ConnectionInfo.SSE_URL
	}
}

func (d *Daemon) restartLink() {
	d.linkMutex.Lock()
	link := d.link
	d.link = nil
	d.linkMutex.Unlock()

	if link != nil {
		link.Stop()
		if !link.WaitForStop(linkStopTimeout) {
			d.logger.Warn("Previous link did not stop within timeout, proceeding anyway")
		}
	}

	<-time.After(configReloadStopDelay)
	d.startLink()
}

// setupOnConfigReload applies the parts of the config that can change at runtime
func (d *Daemon) setupOnConfigReload() {
	configReloadedChannel := d.config.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			d.toasts.setEvents(d.config.NotifyEvents)

			if d.pulse != nil {
				d.pulse.setRoles(d.config.FocusRoles)
			}

			if err := d.relay.Start(d.config.ConnectionInfo.SSE_RELAY_PORT); err != nil {
				d.logger.Warnw("Failed to restart relay server", "error", err)
			}
			if d.config.ConnectionInfo.SSE_RELAY_PORT <= 0 {
				d.relay.Stop()
			}

			if d.linkNeedsRestart() {
				d.logger.Info("Detected telephony bridge change in config, reconnecting")
				d.restartLink()
			}
		}

		d.logger.Debug("Config reload channel closed, exiting handler")
	}()
}
