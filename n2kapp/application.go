// Package n2kapp implements a NMEA2000 Controller Application (CA): the address-claim state
// machine and PGN responder that owns one address on the bus, as distinct from addressmapper's
// passive bus-discovery role.
package n2kapp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/aldas/n2krouter"
	"github.com/aldas/n2krouter/addressmapper"
)

// State is the address-claim lifecycle of an Application, per SAE J1939-81.
type State uint8

const (
	// StateInit is the zero value: the Application has not yet attempted to claim an address.
	StateInit State = iota
	// StateClaiming is between broadcasting an ISO Address Claim and the 250ms contest window closing.
	StateClaiming
	// StateClaimed is the steady state: Address is owned and defended against later claims.
	StateClaimed
	// StateCannotClaim is reached when every address this Application is willing to use is already
	// held by a node with a numerically lower (higher priority) NAME.
	StateCannotClaim
)

var (
	// ErrNoFreeAddress is returned when a lost address contest leaves no further address in AddressRange to try.
	ErrNoFreeAddress = errors.New("n2kapp: no free address available to claim")
	// ErrNotClaimed is returned by operations that require StateClaimed (e.g. replying to requests)
	// while the Application has not yet claimed an address.
	ErrNotClaimed = errors.New("n2kapp: application has not claimed an address")
)

// Writer is the subset of nmea.RawMessageWriter an Application needs to send replies/claims.
type Writer interface {
	WriteRawMessage(ctx context.Context, msg nmea.RawMessage) error
}

// Config configures a new Application.
type Config struct {
	// NAME is this node's 64 bit NMEA2000 NAME, lower values win address-claim conflicts.
	NAME addressmapper.NodeName
	// AddressRange is the ordered set of addresses this Application will attempt to claim, tried in
	// order starting from the first. Typically a single preferred address followed by fallbacks in
	// the 128-247 "arbitrary address capable" range.
	AddressRange []uint8
	// ProductInfo is replied verbatim in response to an ISO Request for PGN 126996.
	ProductInfo addressmapper.ProductInfo
	// ConfigurationInfo is replied verbatim in response to an ISO Request for PGN 126998.
	ConfigurationInfo addressmapper.ConfigurationInfo
	// SupportedPGNs is replied in response to an ISO Request for PGN 126464 (PGN List).
	SupportedPGNs []uint32
}

// Application is a single NMEA2000 CA: it claims and defends one bus address, and answers the
// standard ISO Request PGNs (Product Info, Configuration Info, PGN List) that every CA must.
//
// Application is safe for concurrent use: Receive* and public accessors take an internal lock.
type Application struct {
	writer Writer
	config Config

	mu      sync.Mutex
	state   State
	address uint8
}

// NewApplication creates an Application that has not yet claimed a bus address; call ClaimAddress
// (or Start) to begin the claim process.
func NewApplication(writer Writer, config Config) *Application {
	if len(config.AddressRange) == 0 {
		config.AddressRange = []uint8{nmea.AddressNull}
	}
	return &Application{
		writer:  writer,
		config:  config,
		state:   StateInit,
		address: nmea.AddressNull,
	}
}

// State returns the current address-claim state.
func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Address returns the currently claimed address, or nmea.AddressNull if none is held.
func (a *Application) Address() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.address
}

// ClaimAddress broadcasts an ISO Address Claim for the first address in config.AddressRange and
// transitions to StateClaiming. The caller must separately wait out the 250ms contest window (per
// SAE J1939-81) and call ConfirmClaim before treating the claim as final; cmd/n2krouter schedules
// ConfirmClaim 250ms after ClaimAddress.
func (a *Application) ClaimAddress(ctx context.Context) error {
	a.mu.Lock()
	address := a.config.AddressRange[0]
	a.address = address
	a.state = StateClaiming
	a.mu.Unlock()

	return a.broadcastAddressClaim(ctx, address)
}

func (a *Application) broadcastAddressClaim(ctx context.Context, address uint8) error {
	nameBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(nameBytes, a.config.NAME.Uint64())

	return a.writer.WriteRawMessage(ctx, nmea.RawMessage{
		Header: nmea.CanBusHeader{
			PGN:         uint32(nmea.PGNISOAddressClaim),
			Priority:    6,
			Source:      address,
			Destination: nmea.AddressGlobal,
		},
		Data: nameBytes,
	})
}

// ConfirmClaim finalizes a pending StateClaiming into StateClaimed once the contest window has
// closed with no higher-priority claim observed.
func (a *Application) ConfirmClaim() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClaiming {
		a.state = StateClaimed
	}
}

// ReceiveISOMsg processes an ISO-protocol broadcast (address claim contest, or an ISO Request
// addressed to us or globally). It returns an optional reply to send, or nil if no reply is due.
func (a *Application) ReceiveISOMsg(ctx context.Context, raw nmea.RawMessage) (*nmea.RawMessage, error) {
	switch nmea.PGN(raw.Header.PGN) {
	case nmea.PGNISOAddressClaim:
		return nil, a.handleAddressClaimContest(ctx, raw)
	case nmea.PGNISORequest:
		return a.handleISORequest(raw)
	}
	return nil, nil
}

func (a *Application) handleAddressClaimContest(ctx context.Context, raw nmea.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if raw.Header.Source != a.address || a.state == StateInit {
		return nil // claim from some other address, nothing to contest
	}
	if len(raw.Data) != 8 {
		return fmt.Errorf("n2kapp: ISO address claim payload must be 8 bytes, got %v", len(raw.Data))
	}
	theirNAME := binary.LittleEndian.Uint64(raw.Data)
	ourNAME := a.config.NAME.Uint64()
	if theirNAME == ourNAME {
		return nil // our own claim echoed back
	}

	if theirNAME < ourNAME {
		// they win: we must vacate this address and try the next one, or give up.
		return a.tryNextAddressLocked(ctx)
	}
	// we win: re-assert our claim so the loser backs off.
	return a.broadcastAddressClaim(ctx, a.address)
}

func (a *Application) tryNextAddressLocked(ctx context.Context) error {
	idx := -1
	for i, addr := range a.config.AddressRange {
		if addr == a.address {
			idx = i
			break
		}
	}
	if idx == -1 || idx+1 >= len(a.config.AddressRange) {
		a.state = StateCannotClaim
		a.address = nmea.AddressNull
		// SAE J1939-81: a CA that cannot claim any address still broadcasts its NAME from the
		// null address (254) so other nodes on the bus learn it exists without an address.
		if bErr := a.broadcastAddressClaim(ctx, nmea.AddressNull); bErr != nil {
			return fmt.Errorf("address %v: %w (cannot-claim broadcast also failed: %v)", a.address, ErrNoFreeAddress, bErr)
		}
		return fmt.Errorf("address %v: %w", a.address, ErrNoFreeAddress)
	}
	a.address = a.config.AddressRange[idx+1]
	a.state = StateClaiming
	return a.broadcastAddressClaim(ctx, a.address)
}

func (a *Application) handleISORequest(raw nmea.RawMessage) (*nmea.RawMessage, error) {
	a.mu.Lock()
	address := a.address
	state := a.state
	a.mu.Unlock()

	if raw.Header.Destination != nmea.AddressGlobal && raw.Header.Destination != address {
		return nil, nil
	}
	if state != StateClaimed {
		return nil, fmt.Errorf("address %v: %w", address, ErrNotClaimed)
	}
	if len(raw.Data) < 3 {
		return nil, fmt.Errorf("n2kapp: ISO request payload too short: %v bytes", len(raw.Data))
	}
	requestedPGN := uint32(raw.Data[0]) | uint32(raw.Data[1])<<8 | uint32(raw.Data[2])<<16

	switch nmea.PGN(requestedPGN) {
	case nmea.PGNProductInfo:
		return a.replyProductInfo(raw.Header.Source, address)
	case nmea.PGNConfigurationInformation:
		return a.replyConfigurationInfo(raw.Header.Source, address)
	case nmea.PGNPGNList:
		return a.replyPGNList(raw.Header.Source, address)
	}

	return a.replyNACK(raw.Header.Source, address, requestedPGN)
}

func (a *Application) replyProductInfo(requestor uint8, address uint8) (*nmea.RawMessage, error) {
	info := a.config.ProductInfo
	builder := nmea.NewRawDataBuilder(134)
	_ = builder.EncodeVariableUint(0, 16, uint64(info.NMEA2000Version))
	_ = builder.EncodeVariableUint(16, 16, uint64(info.ProductCode))
	_ = builder.EncodeStringFix(32, 256, info.ModelID)
	_ = builder.EncodeStringFix(288, 256, info.SoftwareVersionCode)
	_ = builder.EncodeStringFix(544, 256, info.ModelVersion)
	_ = builder.EncodeStringFix(800, 256, info.ModelSerialCode)
	data := builder.Bytes()
	data[132] = info.CertificationLevel
	data[133] = info.LoadEquivalency

	return &nmea.RawMessage{
		Header: nmea.CanBusHeader{PGN: uint32(nmea.PGNProductInfo), Priority: 6, Source: address, Destination: requestor},
		Data:   data,
	}, nil
}

func (a *Application) replyConfigurationInfo(requestor uint8, address uint8) (*nmea.RawMessage, error) {
	ci := a.config.ConfigurationInfo
	data := append([]byte{}, []byte(ci.InstallationDesc1)...)
	data = append(data, 0)
	data = append(data, []byte(ci.InstallationDesc2)...)
	data = append(data, 0)
	data = append(data, []byte(ci.ManufacturerInfo)...)
	data = append(data, 0)

	return &nmea.RawMessage{
		Header: nmea.CanBusHeader{PGN: uint32(nmea.PGNConfigurationInformation), Priority: 6, Source: address, Destination: requestor},
		Data:   data,
	}, nil
}

func (a *Application) replyPGNList(requestor uint8, address uint8) (*nmea.RawMessage, error) {
	data := make([]byte, 1+3*len(a.config.SupportedPGNs))
	data[0] = 0 // 0 = transmit PGNs list
	for i, pgn := range a.config.SupportedPGNs {
		offset := 1 + i*3
		data[offset] = byte(pgn)
		data[offset+1] = byte(pgn >> 8)
		data[offset+2] = byte(pgn >> 16)
	}
	return &nmea.RawMessage{
		Header: nmea.CanBusHeader{PGN: uint32(nmea.PGNPGNList), Priority: 6, Source: address, Destination: requestor},
		Data:   data,
	}, nil
}

func (a *Application) replyNACK(requestor uint8, address uint8, requestedPGN uint32) (*nmea.RawMessage, error) {
	return &nmea.RawMessage{
		Header: nmea.CanBusHeader{PGN: uint32(nmea.PGNNACK), Priority: 6, Source: address, Destination: requestor},
		Data:   []byte{1, 0xFF, 0xFF, 0xFF, byte(requestedPGN), byte(requestedPGN >> 8), byte(requestedPGN >> 16)},
	}, nil
}

// ReceiveDataMsg handles an application-data (non-ISO-protocol) message addressed to this
// Application. The base Application has no data PGNs of its own; it is a hook point for an
// embedding type to extend.
func (a *Application) ReceiveDataMsg(_ nmea.RawMessage) error {
	return nil
}
