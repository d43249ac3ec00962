package interruptd

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/stalexteam/interruptd/pkg/interrupt"
	"github.com/stalexteam/interruptd/pkg/interruptd/util"
)

// trayStatus is an EventSink that shows the latest interruption in the tray menu
type trayStatus struct {
	mu     sync.Mutex
	item   *systray.MenuItem
	latest string
}

func statusLine(payload string) string {
	if payload == "" {
		return "No interruptions yet"
	}
	return fmt.Sprintf("Last event: %s", payload)
}

// Emit implements interrupt.EventSink
func (ts *trayStatus) Emit(eventName string, payload string) {
	if eventName != interrupt.EventName {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.latest = payload
	if ts.item != nil {
		ts.item.SetTitle(statusLine(payload))
	}
}

func (ts *trayStatus) attach(item *systray.MenuItem) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.item = item
	item.SetTitle(statusLine(ts.latest))
}

func (d *Daemon) initializeTray(onDone func()) {
	logger := d.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTitle("interruptd")
		systray.SetTooltip("Audio interruption monitor")

		status := systray.AddMenuItem(statusLine(""), "Most recent interruption event")
		status.Disable()
		d.tray.attach(status)

		micStatus := systray.AddMenuItem("Check microphone", "Ask whether a call is holding the microphone")
		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with your editor")

		var dumpStack *systray.MenuItem
		if d.verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Output all goroutines stack trace to log (for debugging deadlocks)")
		}

		if d.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(d.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop interruptd and quit")

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")
					d.signalStop()
					return

				case <-micStatus.ClickedCh:
					available, err := d.module.CheckMicrophoneAvailability()
					switch {
					case err != nil:
						logger.Warnw("Microphone check failed", "error", err)
						micStatus.SetTitle("Microphone: unknown")
					case available:
						micStatus.SetTitle("Microphone: available")
					default:
						micStatus.SetTitle("Microphone: in use by a call")
					}

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if err := util.OpenExternal(logger, util.EditorCommand(), userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		if dumpStack != nil {
			go func() {
				for range dumpStack.ClickedCh {
					logger.Info("Dump stack trace menu item clicked, outputting all goroutines stack trace")
					util.DumpAllGoroutines(logger)
				}
			}()
		}

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (d *Daemon) stopTray() {
	if !d.withTray {
		return
	}

	d.logger.Debug("Quitting tray")
	systray.Quit()
}
