// Package coupler implements the lifecycle state machine shared by every source/sink endpoint in
// the router: a Coupler wraps any nmea.RawMessageReaderWriter-like device (an actisense, socketcan
// or canboat device, a serial port, a plain io.ReadWriter) behind one buffered read loop with idle
// detection, reconnect-with-backoff and rate statistics, instead of a Coupler -> BufferedIPCoupler
// -> {concrete} inheritance chain.
package coupler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aldas/n2krouter"
)

// Direction constrains which of ReadRawMessage/WriteRawMessage a Coupler may use.
type Direction uint8

const (
	Bidirectional Direction = iota
	ReadOnly
	WriteOnly
)

// Mode is the message family a Coupler carries.
type Mode uint8

const (
	ModeNMEA0183 Mode = iota
	ModeNMEA2000
)

// State is the Coupler lifecycle, per the router's state diagram:
//
//	NotReady --open()--> Open --connect()--> Connected --first-read--> Active
//	Active --suspend()--> Suspended --resume()--> Active
//	Active|Suspended|Connected|Open --close()--> NotReady
//
// Transitions are monotonic forward except Connected->Open on reconnect and Active<->Suspended.
type State uint8

const (
	NotReady State = iota
	Open
	Connected
	Active
	Suspended
	Stopped
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Open:
		return "open"
	case Connected:
		return "connected"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrWrongDirection is returned by Read/Write when Direction forbids the attempted operation.
	ErrWrongDirection = errors.New("coupler: operation not permitted by configured direction")
	// ErrNotActive is returned by Write when the Coupler is not in a state that accepts writes.
	ErrNotActive = errors.New("coupler: not in a writable state")
	// ErrStopped is returned by Open and Run once the Coupler has been permanently closed.
	ErrStopped = errors.New("coupler: stopped")
)

// idleLimit is the number of consecutive soft-timeout reads (§4.9 default: 5) after which a
// Bidirectional coupler triggers a reconnect.
const idleLimit = 5

// readTimeout is the soft per-read timeout; a timed-out read increments the idle counter and loops.
const readTimeout = 1 * time.Second

// maxBackoff caps the exponential reconnect backoff.
const maxBackoff = 30 * time.Second

// rateWindow is the EWMA window used for input/output rate statistics.
const rateWindow = 10 * time.Second

// Statistics holds the running counters and rates of a Coupler, safe to read via Coupler.Stats.
type Statistics struct {
	MsgIn     uint64
	MsgInRaw  uint64
	MsgOut    uint64
	InputRate float64
	OutputRate float64
}

// Device is the underlying transport a Coupler drives. Teacher devices (actisense.N2kASCIIDevice,
// socketcan.Device) and canboat.Device all already satisfy this.
type Device interface {
	nmea.RawMessageReaderWriter
}

// Opener (re)establishes the underlying Device connection; Coupler calls it on open() and on every
// reconnect attempt. Returning the same Device repeatedly is valid for devices that are always-open
// (e.g. an already-dialed serial port); Opener exists mainly for TCP/UDP-style dial-on-demand
// devices.
type Opener func(ctx context.Context) (Device, error)

// Config configures a Coupler.
type Config struct {
	Name      string
	Direction Direction
	Mode      Mode
	Open      Opener
	// TraceWriter, if set, receives every frame read/written as a trace line (see tracelog).
	TraceWriter interface {
		TraceReceived(raw nmea.RawMessage)
		TraceSent(raw nmea.RawMessage)
	}
}

// Coupler drives one Device through its lifecycle state machine and exposes a single buffered read
// loop (Run) plus a guarded Write path, so every concrete transport in the router is composed over
// this one implementation instead of re-implementing the loop per device kind.
type Coupler struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	device   Device
	idle     int
	attempts int
	stats    Statistics
	lastIn   time.Time
	lastOut  time.Time

	writeLock sync.Mutex
}

// New creates a Coupler in state NotReady; call Open to begin the connect sequence.
func New(config Config) *Coupler {
	return &Coupler{
		config: config,
		now:    time.Now,
		state:  NotReady,
	}
}

// State returns the current lifecycle state.
func (c *Coupler) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the running statistics.
func (c *Coupler) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Open transitions NotReady->Open->Connected by calling Config.Open. The caller should follow with
// Run to start the read loop (which advances Connected->Active on the first successful read).
func (c *Coupler) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return ErrStopped
	}
	c.state = Open
	device, err := c.config.Open(ctx)
	if err != nil {
		return fmt.Errorf("coupler %q: open failed: %w", c.config.Name, err)
	}
	if err := device.Initialize(); err != nil {
		return fmt.Errorf("coupler %q: initialize failed: %w", c.config.Name, err)
	}
	c.device = device
	c.state = Connected
	c.attempts = 0
	return nil
}

// Close transitions to NotReady (or Stopped if permanent is true) and closes the underlying Device.
func (c *Coupler) Close(permanent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.device != nil {
		err = c.device.Close()
		c.device = nil
	}
	if permanent {
		c.state = Stopped
	} else {
		c.state = NotReady
	}
	return err
}

// Suspend transitions Active->Suspended: the read loop keeps running but Write is refused.
func (c *Coupler) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Active {
		c.state = Suspended
	}
}

// Resume transitions Suspended->Active.
func (c *Coupler) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Suspended {
		c.state = Active
	}
}

// Run executes the blocking read loop until ctx is cancelled or the Coupler is permanently closed.
// Each received RawMessage is delivered to onMessage. Idle reads (soft timeout with no error) count
// toward the reconnect threshold (idleLimit) for Bidirectional couplers and are ignored for other
// directions. A hard read error makes a Bidirectional coupler reconnect at once; other directions
// return the error to the caller.
func (c *Coupler) Run(ctx context.Context, onMessage func(nmea.RawMessage)) error {
	if c.config.Direction == WriteOnly {
		return fmt.Errorf("coupler %q: %w", c.config.Name, ErrWrongDirection)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.mu.Lock()
		state, device := c.state, c.device
		c.mu.Unlock()
		if state == Stopped {
			return fmt.Errorf("coupler %q: %w", c.config.Name, ErrStopped)
		}
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		raw, err := device.ReadRawMessage(readCtx)
		cancel()

		if err != nil {
			if c.State() == Stopped {
				return fmt.Errorf("coupler %q: %w", c.config.Name, ErrStopped)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if c.onIdle(ctx) {
					continue
				}
				if err := c.reconnect(ctx); err != nil {
					return err
				}
				continue
			}
			if c.config.Direction != Bidirectional {
				return fmt.Errorf("coupler %q: read failed: %w", c.config.Name, err)
			}
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.onMessageReceived(raw)
		if c.config.TraceWriter != nil {
			c.config.TraceWriter.TraceReceived(raw)
		}
		onMessage(raw)
	}
}

// onIdle increments the idle counter; it returns true if the loop should simply continue (idle
// count below threshold, or not a reconnecting direction).
func (c *Coupler) onIdle(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle++
	if c.config.Direction != Bidirectional || c.idle < idleLimit {
		return true
	}
	return false
}

func (c *Coupler) onMessageReceived(raw nmea.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = 0
	c.stats.MsgInRaw++
	c.stats.MsgIn++
	c.stats.InputRate = advanceEWMA(c.stats.InputRate, c.lastIn, c.now())
	c.lastIn = c.now()
	if c.state == Connected {
		c.state = Active
	}
}

// reconnect performs close+open+connect with exponential backoff capped at maxBackoff, per §4.9.
func (c *Coupler) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.device != nil {
		_ = c.device.Close()
		c.device = nil
	}
	c.state = Open
	c.idle = 0
	attempt := c.attempts
	c.attempts++
	c.mu.Unlock()

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}

	device, err := c.config.Open(ctx)
	if err != nil {
		return fmt.Errorf("coupler %q: reconnect failed: %w", c.config.Name, err)
	}
	if err := device.Initialize(); err != nil {
		return fmt.Errorf("coupler %q: reconnect initialize failed: %w", c.config.Name, err)
	}

	c.mu.Lock()
	c.device = device
	c.state = Connected
	c.attempts = 0
	c.mu.Unlock()
	return nil
}

// Write validates direction and state, serializes access via writeLock and transitions to
// NotReady on IO error, per §4.9's send_msg.
func (c *Coupler) Write(ctx context.Context, msg nmea.RawMessage) error {
	if c.config.Direction == ReadOnly {
		return fmt.Errorf("coupler %q: %w", c.config.Name, ErrWrongDirection)
	}

	c.mu.Lock()
	state := c.state
	device := c.device
	c.mu.Unlock()
	if state != Active && state != Suspended && state != Connected {
		return fmt.Errorf("coupler %q in state %v: %w", c.config.Name, state, ErrNotActive)
	}

	c.writeLock.Lock()
	err := device.WriteRawMessage(ctx, msg)
	c.writeLock.Unlock()

	if err != nil {
		c.mu.Lock()
		c.state = NotReady
		c.mu.Unlock()
		return fmt.Errorf("coupler %q: write failed: %w", c.config.Name, err)
	}

	c.mu.Lock()
	c.stats.MsgOut++
	c.stats.OutputRate = advanceEWMA(c.stats.OutputRate, c.lastOut, c.now())
	c.lastOut = c.now()
	c.mu.Unlock()

	if c.config.TraceWriter != nil {
		c.config.TraceWriter.TraceSent(msg)
	}
	return nil
}

// advanceEWMA folds one new sample (arriving at now, after the previous one at last; a zero last
// yields 1.0) into a rate estimate using a 10s exponential window, mirroring the classic
// `alpha = 1 - exp(-dt/window)` EWMA update used for per-second rate gauges.
func advanceEWMA(prevRate float64, last time.Time, now time.Time) float64 {
	if last.IsZero() {
		return 1.0
	}
	dt := now.Sub(last)
	if dt <= 0 {
		return prevRate
	}
	instant := 1.0 / dt.Seconds()
	alpha := 1 - math.Exp(-dt.Seconds()/rateWindow.Seconds())
	return prevRate + alpha*(instant-prevRate)
}
