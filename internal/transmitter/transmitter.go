// Package transmitter drives the USB-serial DMX adapter: device
// discovery, Enttec framing, a 40 Hz refresh loop and a reconnecting
// connection state machine.
package transmitter

import (
	"sync"
	"time"

	"dmxlightd/internal/config"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/universe"
)

// Port is the open serial device. go.bug.st/serial ports satisfy it.
type Port interface {
	Write(p []byte) (int, error)
	Close() error
}

// Opener finds and opens the transmitter device. Tests substitute a
// fake; production uses serialOpener.
type Opener interface {
	Detect() (string, error)
	Open(path string) (Port, error)
}

// Status is published on every transition into or out of Connected.
type Status struct {
	Connected bool
	Port      string
}

// StatusListener receives status transitions.
type StatusListener func(Status)

// State of the connection machine.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateOpening
	StateConnected
	StateDisconnected
	StateTerminated
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// Consecutive write failures after which the port is presumed
	// gone. The serial stack has no close event to lean on.
	writeFailureLimit = 4
)

// Transmitter owns the serial port exclusively. The refresh loop runs
// for the whole lifetime; disconnected ticks are no-ops.
type Transmitter struct {
	log      logger.Logger
	uni      *universe.Universe
	opener   Opener
	interval time.Duration
	backoff  backoff

	mu         sync.Mutex
	state      State
	port       Port
	portPath   string
	writeFails int
	listeners  map[string]StatusListener

	stopCh    chan struct{}
	restartCh chan struct{}
	doneCh    chan struct{}
}

func New(log logger.Logger, uni *universe.Universe, cfg config.SerialConf) *Transmitter {
	interval := time.Duration(cfg.RefreshMs) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	opener := &serialOpener{log: log, configured: cfg.Port}
	return newTransmitter(log, uni, opener, interval, initialBackoff, maxBackoff)
}

func newTransmitter(log logger.Logger, uni *universe.Universe, opener Opener, interval, initial, max time.Duration) *Transmitter {
	return &Transmitter{
		log:       log,
		uni:       uni,
		opener:    opener,
		interval:  interval,
		backoff:   backoff{initial: initial, max: max},
		state:     StateIdle,
		listeners: make(map[string]StatusListener),
		stopCh:    make(chan struct{}),
		restartCh: make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
}

// Subscribe registers a status listener under id. The listener is
// immediately handed the current status.
func (t *Transmitter) Subscribe(id string, fn StatusListener) {
	t.mu.Lock()
	t.listeners[id] = fn
	st := Status{Connected: t.state == StateConnected, Port: t.portPath}
	t.mu.Unlock()
	fn(st)
}

// Unsubscribe removes the listener registered under id.
func (t *Transmitter) Unsubscribe(id string) {
	t.mu.Lock()
	delete(t.listeners, id)
	t.mu.Unlock()
}

// Status returns the current connection status.
func (t *Transmitter) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{Connected: t.state == StateConnected, Port: t.portPath}
}

// Initialize starts the refresh loop and the first device scan.
func (t *Transmitter) Initialize() {
	go t.run()
}

// Shutdown terminates the machine and closes the port. Blocks until
// the loop has exited.
func (t *Transmitter) Shutdown() {
	close(t.stopCh)
	<-t.doneCh
}

// Restart force-closes the port, resets the backoff and rescans.
func (t *Transmitter) Restart() {
	select {
	case t.restartCh <- struct{}{}:
	default:
	}
}

func (t *Transmitter) run() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var reconnect <-chan time.Time
	reconnect = t.attempt()

	for {
		select {
		case <-t.stopCh:
			t.closePort()
			t.setState(StateTerminated)
			return

		case <-t.restartCh:
			t.log.With(logger.Fields{"module": "transmitter"}).Info("restart requested")
			t.closePort()
			t.backoff.Reset()
			reconnect = t.attempt()

		case <-reconnect:
			reconnect = t.attempt()

		case <-ticker.C:
			if lost := t.tick(); lost {
				t.closePort()
				reconnect = t.schedule()
			}
		}
	}
}

// attempt runs one Scanning -> Opening pass. It returns a reconnect
// timer when the pass failed, nil when connected.
func (t *Transmitter) attempt() <-chan time.Time {
	t.setState(StateScanning)

	path, err := t.opener.Detect()
	if err != nil {
		t.log.With(logger.Fields{"module": "transmitter"}).Errorf("port scan failed: %v", err)
		return t.schedule()
	}
	if path == "" {
		t.log.With(logger.Fields{"module": "transmitter"}).Debug("no DMX transmitter found")
		return t.schedule()
	}

	t.setState(StateOpening)
	port, err := t.opener.Open(path)
	if err != nil {
		t.log.With(logger.Fields{"module": "transmitter"}).Errorf("open %s failed: %v", path, err)
		return t.schedule()
	}

	t.mu.Lock()
	t.port = port
	t.portPath = path
	t.writeFails = 0
	t.mu.Unlock()
	t.backoff.Reset()
	t.setState(StateConnected)
	t.log.With(logger.Fields{"module": "transmitter"}).Infof("connected to %s", path)
	return nil
}

func (t *Transmitter) schedule() <-chan time.Time {
	t.setState(StateDisconnected)
	delay := t.backoff.Next()
	t.log.With(logger.Fields{"module": "transmitter"}).Debugf("next scan in %v", delay)
	return time.After(delay)
}

// tick writes one frame of the universe's effective state. It reports
// whether the port should be treated as lost.
func (t *Transmitter) tick() bool {
	t.mu.Lock()
	port := t.port
	path := t.portPath
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || port == nil {
		return false
	}

	frame := EncodeFrame(t.uni.GetEffective())
	if _, err := port.Write(frame); err != nil {
		t.log.With(logger.Fields{"module": "transmitter"}).Errorf("frame write failed: %v", err)
		t.mu.Lock()
		t.writeFails++
		lost := t.writeFails >= writeFailureLimit
		t.mu.Unlock()
		if lost {
			t.log.With(logger.Fields{"module": "transmitter"}).Warnf("port %s presumed lost after %d write failures", path, writeFailureLimit)
		}
		return lost
	}

	t.mu.Lock()
	t.writeFails = 0
	t.mu.Unlock()
	return false
}

func (t *Transmitter) closePort() {
	t.mu.Lock()
	port := t.port
	t.port = nil
	t.writeFails = 0
	t.mu.Unlock()
	if port != nil {
		if err := port.Close(); err != nil {
			t.log.With(logger.Fields{"module": "transmitter"}).Debugf("port close: %v", err)
		}
	}
}

// setState records the transition and publishes it when the Connected
// edge changes.
func (t *Transmitter) setState(next State) {
	t.mu.Lock()
	prev := t.state
	t.state = next
	if next != StateConnected && prev == StateConnected {
		t.portPath = ""
	}
	wasConnected := prev == StateConnected
	isConnected := next == StateConnected
	st := Status{Connected: isConnected, Port: t.portPath}
	var fns []StatusListener
	if wasConnected != isConnected {
		for _, fn := range t.listeners {
			fns = append(fns, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// backoff implements the doubling reconnect delay.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// Next returns the delay to wait before the upcoming attempt and
// advances the sequence.
func (b *backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	}
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the sequence to its initial delay.
func (b *backoff) Reset() {
	b.current = 0
}
