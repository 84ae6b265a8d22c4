// Package n2kcontroller implements the NMEA2000 Active Controller: it owns the CAN interface and
// dispatches inbound messages to the n2kapp.Application that owns the destination address, per
// the rules of ISO 11783-3 (a da=255 broadcast reaches every Application, a directed message
// reaches only the one Application that holds that address).
package n2kcontroller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aldas/n2krouter"
)

// ErrUnregisteredSource is returned by ProcessMessage (and ignored by Run, not fatal) when a directed message's destination
// address has no registered Application — i.e. a peer addressed us at an address we don't own.
var ErrUnregisteredSource = errors.New("n2kcontroller: no application registered for destination address")

// ErrAlreadyRunning is returned by Run if the controller is already running.
var ErrAlreadyRunning = errors.New("n2kcontroller: active controller is already running")

// Application is the subset of n2kapp.Application the controller dispatches to.
type Application interface {
	Address() uint8
	ReceiveISOMsg(ctx context.Context, raw nmea.RawMessage) (*nmea.RawMessage, error)
	ReceiveDataMsg(raw nmea.RawMessage) error
}

// Device is the CAN interface the controller reads frames from and writes replies to.
type Device interface {
	nmea.RawMessageReaderWriter
}

// pendingAddressChange records an Application that has just claimed a new address so the
// controller's re-registration under the new address can be deferred to the next broadcast
// boundary, mirroring ISO 11783-3's rule that address bindings may not change mid-dispatch.
type pendingAddressChange struct {
	app        Application
	oldAddress uint8
}

// ActiveController owns a Device and a set of Applications keyed by the address each currently
// holds, dispatching every inbound RawMessage to the right one.
type ActiveController struct {
	device Device

	// Observer, if set, is invoked with every inbound RawMessage before it is dispatched to an
	// Application, regardless of destination address. This lets a bus-wide listener such as
	// addressmapper.AddressMapper build a picture of every node the bus carries traffic for, not
	// just the ones addressed to one of this controller's own Applications.
	Observer func(raw nmea.RawMessage)

	mu           sync.Mutex
	applications map[uint8]Application
	pendingMove  *pendingAddressChange
	running      bool
}

// NewActiveController creates a controller with no Applications registered yet.
func NewActiveController(device Device) *ActiveController {
	return &ActiveController{
		device:       device,
		applications: map[uint8]Application{},
	}
}

// AddApplication registers app under the address it currently holds.
func (c *ActiveController) AddApplication(app Application) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applications[app.Address()] = app
}

// RemoveApplication unregisters whatever Application currently holds oldAddress.
func (c *ActiveController) RemoveApplication(oldAddress uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.applications, oldAddress)
}

// RequestAddressChange defers moving app's registration from oldAddress to its new Address()
// until the next broadcast message is fully dispatched, per applyPendingAddressChangeLocked.
func (c *ActiveController) RequestAddressChange(app Application, oldAddress uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingMove = &pendingAddressChange{app: app, oldAddress: oldAddress}
}

func (c *ActiveController) applyPendingAddressChangeLocked() {
	if c.pendingMove == nil {
		return
	}
	delete(c.applications, c.pendingMove.oldAddress)
	c.applications[c.pendingMove.app.Address()] = c.pendingMove.app
	c.pendingMove = nil
}

// Run reads frames from the Device until ctx is cancelled or a read error occurs, dispatching each
// to ProcessMessage.
func (c *ActiveController) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := c.device.ReadRawMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.ProcessMessage(ctx, raw); err != nil && !errors.Is(err, ErrUnregisteredSource) {
			return err
		}
	}
}

// ProcessMessage dispatches a single inbound RawMessage, per NMEA2KActiveController.process_msg:
// a directed (da != 255) message reaches only the Application at that address; a broadcast
// (da == 255) ISO-protocol message reaches every Application (so each can independently contest an
// address claim or answer an ISO Request addressed to it), after which any deferred address change
// from that round is applied.
func (c *ActiveController) ProcessMessage(ctx context.Context, raw nmea.RawMessage) error {
	if c.Observer != nil {
		c.Observer(raw)
	}

	isISO := nmea.IsISOProtocolPGN(raw.Header.PGN)

	if raw.Header.Destination != nmea.AddressGlobal {
		c.mu.Lock()
		app, ok := c.applications[raw.Header.Destination]
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("destination %v pgn %v: %w", raw.Header.Destination, raw.Header.PGN, ErrUnregisteredSource)
		}
		return c.dispatch(ctx, app, raw, isISO)
	}

	c.mu.Lock()
	apps := make([]Application, 0, len(c.applications))
	for _, app := range c.applications {
		apps = append(apps, app)
	}
	c.mu.Unlock()

	for _, app := range apps {
		if err := c.dispatch(ctx, app, raw, isISO); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.applyPendingAddressChangeLocked()
	c.mu.Unlock()
	return nil
}

func (c *ActiveController) dispatch(ctx context.Context, app Application, raw nmea.RawMessage, isISO bool) error {
	if !isISO {
		return app.ReceiveDataMsg(raw)
	}
	reply, err := app.ReceiveISOMsg(ctx, raw)
	if err != nil {
		return err
	}
	if reply != nil {
		return c.device.WriteRawMessage(ctx, *reply)
	}
	return nil
}
