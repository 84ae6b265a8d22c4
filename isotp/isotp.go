// Package isotp implements the ISO 11783-3 / SAE J1939-21 Transport Protocol used to move NMEA2000
// payloads larger than a single 8 byte CAN frame and not covered by the Fast-Packet catalogue:
// broadcast transfer (BAM) and peer-to-peer transfer (RTS/CTS).
package isotp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aldas/n2krouter"
)

// PGNTransportConnectionManagement (TP.CM) carries BAM/RTS/CTS/EndOfMsgACK/Abort control frames.
const PGNTransportConnectionManagement uint32 = 60416

// PGNTransportDataTransfer (TP.DT) carries the 7-byte data segments of a transfer in progress.
const PGNTransportDataTransfer uint32 = 60160

const (
	controlBAM         uint8 = 32
	controlRTS         uint8 = 16
	controlCTS         uint8 = 17
	controlEndOfMsgACK uint8 = 19
	controlAbort       uint8 = 255
)

// watchdogThreshold is the maximum time allowed between consecutive frames of a transfer, per
// SAE J1939-21's T1/T2/T3 timers (1.25s is the tightest of the three and is used uniformly here).
const watchdogThreshold = 1250 * time.Millisecond

var (
	// ErrAborted indicates the peer sent a TP.CM Abort control frame for the transfer in progress.
	ErrAborted = errors.New("isotp transfer aborted by peer")
	// ErrUnknownControl indicates a TP.CM frame carried a control byte this package does not handle.
	ErrUnknownControl = errors.New("isotp unknown TP.CM control byte")
	// ErrSequenceMismatch indicates a TP.DT frame's sequence number did not match the next expected one.
	ErrSequenceMismatch = errors.New("isotp data frame sequence mismatch")
	// ErrSendDisabled indicates Fragmenter.Fragment was called while the configured Policy is SendDisabled.
	ErrSendDisabled = errors.New("isotp outbound transfer disabled by policy")
	// ErrPayloadTooLarge indicates a payload exceeds nmea.ISOTPDataMaxSize.
	ErrPayloadTooLarge = errors.New("isotp payload exceeds maximum size")
)

// Policy gates whether the Fragmenter is allowed to originate outbound ISO-TP transfers. The
// receive path (Assembler) is always enabled regardless of Policy: a CA must not silently drop a
// peer's BAM/RTS traffic just because this node never sends ISO-TP itself.
type Policy uint8

const (
	// SendDisabled is the default: outbound ISO-TP transfers are rejected. Fast-Packet-catalogued PGNs
	// are unaffected, since they never reach this package.
	SendDisabled Policy = iota
	// SendEnabled allows Fragmenter.Fragment to originate BAM broadcasts and RTS/CTS sessions.
	SendEnabled
)

type session struct {
	header     nmea.CanBusHeader
	pgn        uint32
	totalSize  uint16
	totalPkts  uint8
	data       []byte
	nextSeq    uint8
	lastFrame  time.Time
	isBroadcast bool
}

func (s *session) reset() {
	*s = session{}
}

// Assembler reassembles BAM broadcasts and RTS/CTS sessions into complete nmea.RawMessage values.
// Reception is always active; there is no Policy gate on the receive side.
type Assembler struct {
	now func() time.Time

	lock     sync.Mutex
	sessions map[uint32]*session // keyed by (source<<24 | pgn), see sessionKey
}

// NewAssembler creates an Assembler ready to reassemble inbound ISO-TP transfers.
func NewAssembler() *Assembler {
	return &Assembler{
		now:      time.Now,
		sessions: map[uint32]*session{},
	}
}

func sessionKey(source uint8, pgn uint32) uint32 {
	return uint32(source)<<24 | pgn
}

// HandleConnectionManagement processes a TP.CM frame (BAM/RTS/CTS/EndOfMsgACK/Abort). CTS and
// EndOfMsgACK are only meaningful to the peer that is sending; as a pure receiver Assembler only
// acts on BAM/RTS/Abort, but records all known control bytes so unexpected ones surface as errors.
func (a *Assembler) HandleConnectionManagement(raw nmea.RawMessage) error {
	if len(raw.Data) < 8 {
		return fmt.Errorf("isotp TP.CM frame too short: %v bytes", len(raw.Data))
	}
	control := raw.Data[0]

	a.lock.Lock()
	defer a.lock.Unlock()

	key := sessionKey(raw.Header.Source, pgnFromBytes(raw.Data[5:8]))
	switch control {
	case controlBAM, controlRTS:
		totalSize := uint16(raw.Data[1]) | uint16(raw.Data[2])<<8
		totalPkts := raw.Data[3]
		pgn := pgnFromBytes(raw.Data[5:8])

		a.sessions[key] = &session{
			header:      raw.Header,
			pgn:         pgn,
			totalSize:   totalSize,
			totalPkts:   totalPkts,
			data:        make([]byte, 0, totalSize),
			nextSeq:     1,
			lastFrame:   a.now(),
			isBroadcast: control == controlBAM,
		}
		return nil
	case controlCTS, controlEndOfMsgACK:
		return nil // only relevant to an active sender, which this receive-only Assembler is not
	case controlAbort:
		delete(a.sessions, key)
		return ErrAborted
	}
	return fmt.Errorf("control byte %v, err: %w", control, ErrUnknownControl)
}

// HandleDataTransfer processes a TP.DT frame, returning the completed RawMessage and true once the
// session's totalSize bytes have been received. TP.DT frames do not themselves carry a PGN; the
// session opened for the frame's source by the preceding TP.CM supplies it.
func (a *Assembler) HandleDataTransfer(raw nmea.RawMessage) (nmea.RawMessage, bool, error) {
	if len(raw.Data) < 2 {
		return nmea.RawMessage{}, false, fmt.Errorf("isotp TP.DT frame too short: %v bytes", len(raw.Data))
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	var s *session
	var key uint32
	for k, tmp := range a.sessions {
		if k>>24 == uint32(raw.Header.Source) {
			s = tmp
			key = k
			break
		}
	}
	if s == nil {
		return nmea.RawMessage{}, false, fmt.Errorf("isotp data transfer with no prior TP.CM session from source %v", raw.Header.Source)
	}

	seq := raw.Data[0]
	if seq != s.nextSeq {
		delete(a.sessions, key)
		return nmea.RawMessage{}, false, fmt.Errorf("source %v pgn %v expected seq %v got %v: %w", raw.Header.Source, s.pgn, s.nextSeq, seq, ErrSequenceMismatch)
	}
	s.nextSeq++
	s.lastFrame = a.now()

	remaining := int(s.totalSize) - len(s.data)
	chunk := raw.Data[1:]
	if remaining < len(chunk) {
		chunk = chunk[:remaining]
	}
	s.data = append(s.data, chunk...)

	if len(s.data) >= int(s.totalSize) {
		result := nmea.RawMessage{
			Time:   s.lastFrame,
			Header: nmea.CanBusHeader{PGN: s.pgn, Priority: s.header.Priority, Source: s.header.Source, Destination: s.header.Destination},
			Data:   s.data,
		}
		delete(a.sessions, key)
		return result, true, nil
	}
	return nmea.RawMessage{}, false, nil
}

// Expire drops sessions that have not received a frame within the watchdog threshold, per
// SAE J1939-21's timers. Returns the number of sessions dropped.
func (a *Assembler) Expire(now time.Time) int {
	a.lock.Lock()
	defer a.lock.Unlock()

	threshold := now.Add(-watchdogThreshold)
	expired := 0
	for key, s := range a.sessions {
		if s.lastFrame.Before(threshold) {
			delete(a.sessions, key)
			expired++
		}
	}
	return expired
}

func pgnFromBytes(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func pgnToBytes(pgn uint32) [3]byte {
	return [3]byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

// Fragmenter splits an outbound payload too large for a single frame or Fast-Packet sequence into
// an ISO-TP TP.CM + TP.DT frame sequence. Gated by Policy: with SendDisabled (the default),
// Fragment always returns ErrSendDisabled.
type Fragmenter struct {
	policy Policy
}

// NewFragmenter creates a Fragmenter with the given send Policy.
func NewFragmenter(policy Policy) *Fragmenter {
	return &Fragmenter{policy: policy}
}

// Fragment splits msg into the TP.CM + TP.DT frame sequence needed to send it, addressed as a
// broadcast (BAM) when msg.Header.Destination is nmea.AddressGlobal, otherwise as a peer-to-peer
// RTS session (the caller is responsible for then waiting for CTS before sending TP.DT frames when
// peer-to-peer; BAM frames may be sent back-to-back with no flow control per spec).
func (f *Fragmenter) Fragment(msg nmea.RawMessage) ([]nmea.RawMessage, error) {
	if f.policy != SendEnabled {
		return nil, ErrSendDisabled
	}
	if len(msg.Data) > nmea.ISOTPDataMaxSize {
		return nil, fmt.Errorf("payload %v bytes, max %v: %w", len(msg.Data), nmea.ISOTPDataMaxSize, ErrPayloadTooLarge)
	}

	totalPkts := uint8((len(msg.Data) + 6) / 7)
	pgnBytes := pgnToBytes(msg.Header.PGN)

	isBroadcast := msg.Header.Destination == nmea.AddressGlobal
	control := controlRTS
	if isBroadcast {
		control = controlBAM
	}

	cmHeader := nmea.CanBusHeader{
		PGN:         PGNTransportConnectionManagement,
		Priority:    msg.Header.Priority,
		Source:      msg.Header.Source,
		Destination: msg.Header.Destination,
	}
	cmData := []byte{
		control,
		byte(len(msg.Data)), byte(len(msg.Data) >> 8),
		totalPkts,
		0xFF, // reserved (RTS: max packets per CTS, unused here)
		pgnBytes[0], pgnBytes[1], pgnBytes[2],
	}

	frames := make([]nmea.RawMessage, 0, 1+int(totalPkts))
	frames = append(frames, nmea.RawMessage{Time: msg.Time, Header: cmHeader, Data: cmData})

	dtHeader := nmea.CanBusHeader{
		PGN:         PGNTransportDataTransfer,
		Priority:    msg.Header.Priority,
		Source:      msg.Header.Source,
		Destination: msg.Header.Destination,
	}
	data := msg.Data
	for seq := uint8(1); seq <= totalPkts; seq++ {
		dtData := make([]byte, 8)
		for i := range dtData {
			dtData[i] = 0xFF
		}
		dtData[0] = seq
		n := copy(dtData[1:], data)
		data = data[n:]
		frames = append(frames, nmea.RawMessage{Time: msg.Time, Header: dtHeader, Data: dtData})
	}
	return frames, nil
}
