package interruptd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

// SerialLink reads call state JSON lines from a telephony bridge on a serial port
type SerialLink struct {
	daemon *Daemon
	logger *zap.SugaredLogger

	stopChannel chan bool
	mu          sync.Mutex // protects connected, conn and connOptions
	connected   bool
	running     bool
	connOptions serial.OpenOptions
	conn        io.ReadWriteCloser
}

const (
	serialRetryDelay = 2 * time.Second

	// milliseconds between characters before a read returns
	serialInterCharacterTimeout = 50
)

// NewSerialLink creates a SerialLink that uses the daemon's connection info
func NewSerialLink(daemon *Daemon, logger *zap.SugaredLogger) (*SerialLink, error) {
	logger = logger.Named("serial")

	sl := &SerialLink{
		daemon:      daemon,
		logger:      logger,
		stopChannel: make(chan bool),
	}

	logger.Debug("Created serial link instance")

	return sl, nil
}

// IsConnected returns whether the serial connection is currently active
func (sl *SerialLink) IsConnected() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.connected
}

// PortSettings returns the port and baud rate of the current connection
func (sl *SerialLink) PortSettings() (string, uint) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.connOptions.PortName, sl.connOptions.BaudRate
}

// Start opens the port and keeps it open, reconnecting when it drops
func (sl *SerialLink) Start() error {
	sl.mu.Lock()
	if sl.running {
		sl.mu.Unlock()
		return errors.New("serial: already running")
	}
	sl.mu.Unlock()

	if err := sl.connect(); err != nil {
		return fmt.Errorf("serial initial connect: %w", err)
	}

	sl.mu.Lock()
	sl.running = true
	sl.mu.Unlock()

	go func() {
		defer func() {
			sl.mu.Lock()
			sl.running = false
			sl.mu.Unlock()
		}()

		for {
			if sl.IsConnected() {
				err := sl.run()
				if errors.Is(err, errLinkStopped) {
					sl.close()
					return
				}
				if err != nil {
					sl.logger.Warnw("Serial connection lost", "error", err.Error())
				}
			}

			sl.close()

			select {
			case <-sl.stopChannel:
				return
			case <-time.After(serialRetryDelay):
			}

			// another link may have taken over after a config reload
			if !sl.daemon.isActiveLink(sl) {
				sl.logger.Debug("Serial is no longer the active link, exiting retry loop")
				return
			}

			if sl.daemon.config.ConnectionInfo.SERIAL_Port == "" || sl.daemon.config.ConnectionInfo.SERIAL_BaudRate == 0 {
				sl.logger.Info("Serial port or baud rate unset in config, unable to reconnect")
				sl.daemon.notifier.Notify("Serial port or baud rate unset in config", "Call state tracking is disabled.")
				return
			}

			if err := sl.connect(); err != nil {
				sl.logger.Warnw("Serial reconnect failed", "error", err.Error())
				continue
			}
		}
	}()

	return nil
}

func (sl *SerialLink) connect() error {
	sl.mu.Lock()
	if sl.connected {
		sl.mu.Unlock()
		return errors.New("already connected")
	}

	sl.connOptions = serial.OpenOptions{
		PortName:              sl.daemon.config.ConnectionInfo.SERIAL_Port,
		BaudRate:              uint(sl.daemon.config.ConnectionInfo.SERIAL_BaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: serialInterCharacterTimeout,
	}
	opts := sl.connOptions
	sl.mu.Unlock()

	sl.logger.Debugw("Attempting serial connection", "port", opts.PortName, "baud", opts.BaudRate)

	conn, err := serial.Open(opts)
	if err != nil {
		errMsg := strings.ToLower(err.Error())
		if errors.Is(err, os.ErrPermission) || strings.Contains(errMsg, "access is denied") || strings.Contains(errMsg, "permission denied") {
			sl.logger.Errorw("Serial port access denied, port may be in use by another application",
				"port", opts.PortName, "error", err)
			return fmt.Errorf("serial port %s is busy or access denied: %w", opts.PortName, os.ErrPermission)
		}
		if errors.Is(err, os.ErrNotExist) || strings.Contains(errMsg, "no such file") || strings.Contains(errMsg, "cannot find") {
			sl.logger.Errorw("Serial port does not exist, check port name in configuration",
				"port", opts.PortName, "error", err)
			return fmt.Errorf("serial port %s does not exist: %w", opts.PortName, os.ErrNotExist)
		}
		sl.logger.Errorw("Failed to open serial port", "port", opts.PortName, "error", err)
		return fmt.Errorf("open serial port %s: %w", opts.PortName, err)
	}

	sl.mu.Lock()
	sl.conn = conn
	sl.connected = true
	sl.mu.Unlock()

	sl.daemon.calls.setConnected(true)
	sl.logger.Infow("Connected to serial port", "port", opts.PortName)

	return nil
}

func (sl *SerialLink) run() error {
	sl.mu.Lock()
	conn := sl.conn
	sl.mu.Unlock()

	if conn == nil {
		return errors.New("cannot run: connection is nil")
	}

	done := make(chan struct{})
	defer close(done)

	lineChannel := sl.readLine(bufio.NewReader(conn), done)

	for {
		select {
		case <-sl.stopChannel:
			return errLinkStopped

		case line, ok := <-lineChannel:
			if !ok {
				return errors.New("serial connection lost")
			}
			sl.handleLine(line)
		}
	}
}

// Stop signals us to shut down our serial connection, if one is active
func (sl *SerialLink) Stop() {
	sl.mu.Lock()
	running := sl.running
	sl.mu.Unlock()

	if !running {
		sl.logger.Debug("Not currently connected, nothing to stop")
		return
	}

	sl.logger.Debug("Shutting down serial connection")
	select {
	case sl.stopChannel <- true:
	case <-time.After(serialRetryDelay):
		sl.logger.Warn("Serial loop did not pick up the stop signal")
	}
}

// WaitForStop waits for the connection to be fully stopped
func (sl *SerialLink) WaitForStop(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sl.mu.Lock()
		stopped := !sl.connected && !sl.running
		sl.mu.Unlock()
		if stopped {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (sl *SerialLink) close() {
	sl.mu.Lock()
	conn := sl.conn
	portName := sl.connOptions.PortName
	sl.conn = nil
	sl.connected = false
	sl.mu.Unlock()

	if conn == nil {
		return
	}

	sl.daemon.calls.setConnected(false)

	if err := conn.Close(); err != nil {
		sl.logger.Warnw("Failed to close serial connection", "port", portName, "error", err.Error())
	} else {
		sl.logger.Infow("Serial connection closed", "port", portName)
	}
}

func (sl *SerialLink) readLine(reader *bufio.Reader, done <-chan struct{}) chan string {
	ch := make(chan string)

	go func() {
		defer close(ch)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					sl.logger.Infow("Serial read error, connection may be lost", "error", err)
				} else if sl.daemon.Verbose() {
					sl.logger.Debugw("Serial read EOF", "error", err)
				}
				return
			}

			if sl.daemon.Verbose() {
				sl.logger.Debugw("Read new line", "line", line)
			}

			select {
			case ch <- line:
			case <-done:
				return
			}
		}
	}()

	return ch
}

func (sl *SerialLink) handleLine(line string) {
	payload, ok := extractJSONLine(line)
	if !ok {
		return
	}

	if sl.daemon.Verbose() {
		sl.logger.Debugw("JSON payload received", "json", payload)
	}

	sl.daemon.handleStateEvent(sl.logger, []byte(payload))
}
