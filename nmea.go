package nmea

import "time"

/*
 * Canboat notes:
 * Notes on the NMEA 2000 packet structure
 * ---------------------------------------
 *
 * http://www.nmea.org/Assets/pgn059392.pdf tells us that:
 * - All messages shall set the reserved bit in the CAN ID field to zero on transmit.
 * - Data field reserve bits or reserve bytes shall be filled with ones. i.e. a reserve
 *   byte will be set to a hex value of FF, a single reserve bit would be set to a value of 1.
 * - Data field extra bytes shall be filled with a hex value of FF.
 * - If the PGN in a Command or Request is not recognized by the destination it shall
 *   reply with the PGN 059392 ACK or NACK message using a destination specific address.
 */

// FastRawPacketMaxSize is maximum size of fast packet multiple packets total length.
//
// NMEA 2000 uses the 8 'data' bytes as follows: data[0] is an 'order' that increments, or not (depending a bit on
// implementation). If the size of the packet <= 7 then the data follows in data[1..7]. If the size of the packet
// > 7 then the next byte data[1] is the size of the payload and data[0] is divided into 5 bits index into the fast
// packet, and 3 bits 'order' that increases. This means that for 'fast packets' the first bucket (sub-packet)
// contains 6 payload bytes and 7 for remaining. Since the max index is 31, the maximal payload is 6 + 31*7 = 223 bytes.
const FastRawPacketMaxSize = 223

// ISOTPDataMaxSize is maximum payload size of ISO-TP (multi-packet) transfer, per SAE J1939-21.
const ISOTPDataMaxSize = 1785

// AddressNull (254) is used as source address by nodes that have not yet claimed a bus address.
const AddressNull uint8 = 254

// AddressGlobal (255) is the broadcast destination address.
const AddressGlobal uint8 = 255

// PGN is Parameter Group Number identifying NMEA2000/J1939 message content.
type PGN uint32

// ISO/J1939 protocol PGNs that every node must recognize regardless of catalogue contents.
const (
	// PGNNACK is ISO Acknowledgement/NACK, used to reject unsupported PGN requests or commands.
	PGNNACK PGN = 59392
	// PGNISORequest requests that a node transmits a given PGN.
	PGNISORequest PGN = 59904
	// PGNISOAddressClaim is broadcast by a node to claim or defend a bus address using its NAME.
	PGNISOAddressClaim PGN = 60928
	// PGNProductInfo carries NMEA2000 product information (model, software version, serial number).
	PGNProductInfo PGN = 126996
	// PGNConfigurationInformation carries free-text installation/manufacturer configuration strings.
	PGNConfigurationInformation PGN = 126998
	// PGNPGNList is the transmit/receive PGN list a node replies with after an ISO Request.
	PGNPGNList PGN = 126464
	// PGNISOCommandedAddress instructs a node to claim a specific address for a given NAME.
	PGNISOCommandedAddress PGN = 65240
)

// IsISOProtocolPGN reports whether pgn is ISO/J1939 acknowledgement, request or address-management
// traffic rather than application data, so routing/dispatch can treat it distinctly. Transport
// protocol PGNs (TP.CM/TP.DT) are not included.
func IsISOProtocolPGN(pgn uint32) bool {
	switch PGN(pgn) {
	case PGNNACK, PGNISORequest, PGNISOAddressClaim, PGNISOCommandedAddress:
		return true
	}
	return false
}

// RawMessage is an undecoded NMEA2000 message, reassembled (if needed) from CAN frames.
type RawMessage struct {
	// Time is when message was read from NMEA bus. Filled by the library.
	Time   time.Time
	Header CanBusHeader
	Data   []byte
}

// RawFrame is a single CAN bus frame, as read from or written to a SocketCAN/Actisense device,
// before Fast-Packet or ISO-TP reassembly.
type RawFrame struct {
	Time   time.Time
	Header CanBusHeader
	Length uint8
	Data   [8]byte
}

// Message is a decoded NMEA2000 message: a RawMessage with its fields resolved against a PGN catalogue.
type Message struct {
	Header CanBusHeader
	Fields FieldValues
	// NodeNAME is the 64-bit NAME of the source node, when known (resolved via address mapping), else 0.
	NodeNAME uint64
}

// MsgKind distinguishes the payload carried by a GenericMessage.
type MsgKind uint8

const (
	// NullMsg is the zero value; a GenericMessage should never be used in this state.
	NullMsg MsgKind = iota
	// NMEA0183Msg marks a GenericMessage carrying a parsed NMEA0183 Sentence.
	NMEA0183Msg
	// NMEA2000Msg marks a GenericMessage carrying an NMEA2000 RawMessage.
	NMEA2000Msg
	// TransparentMsg marks a GenericMessage carrying an opaque byte payload (pass-through, not parsed).
	TransparentMsg
)

// GenericMessage is the bus-agnostic envelope couplers, filters and the publisher operate on:
// exactly one of Sentence or N2K is set, matching Kind.
type GenericMessage struct {
	Kind MsgKind
	// Timestamp is when the message was captured, filled by the reading coupler.
	Timestamp time.Time
	// Raw is the wire-form bytes, where available, for tracing/re-transmission.
	Raw []byte

	// Sentence is set iff Kind == NMEA0183Msg.
	Sentence *Sentence
	// N2K is set iff Kind == NMEA2000Msg.
	N2K *RawMessage
}

// NewNMEA0183GenericMessage wraps a parsed NMEA0183 sentence into a GenericMessage.
func NewNMEA0183GenericMessage(s Sentence) GenericMessage {
	return GenericMessage{
		Kind:      NMEA0183Msg,
		Timestamp: time.Now(),
		Raw:       s.Raw,
		Sentence:  &s,
	}
}

// NewNMEA2000GenericMessage wraps an NMEA2000 RawMessage into a GenericMessage.
func NewNMEA2000GenericMessage(raw RawMessage) GenericMessage {
	return GenericMessage{
		Kind:      NMEA2000Msg,
		Timestamp: raw.Time,
		Raw:       raw.Data,
		N2K:       &raw,
	}
}
