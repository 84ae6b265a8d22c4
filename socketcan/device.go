package socketcan

import (
	"context"
	"errors"
	"time"

	"github.com/aldas/n2krouter"
	"github.com/aldas/n2krouter/isotp"
)

type Device struct {
	conn *Connection

	// ifName is SocketCAN interface name. For example: can0
	ifName string

	// receiveDataTimeout is to limit amount of time reads can result no data. to timeout the connection when there is no
	// interaction in bus. This is different from for example serial device readTimeout which limits how much time Read
	// call blocks but we want to Reads block small amount of time to be able to check if context was cancelled during read
	// but at the same time we want to be able to detect when there are no coming from bus for excessive amount of time.
	receiveDataTimeout time.Duration

	timeNow func() time.Time

	// assembler reassembles Fast-Packet CAN frames into RawMessage. ISO-TP (TP.CM/TP.DT) frames are
	// also single-frame at the CAN level, so they pass through here unchanged before isotpAsm
	// reassembles the PGNs they carry across multiple frames.
	assembler *nmea.FastPacketAssembler
	// fragmenter splits outbound Fast-Packet RawMessage into the RawFrame sequence to send.
	fragmenter *nmea.FastPacketFragmenter

	// isotpAsm reassembles BAM/RTS-CTS transfers (PGNs not covered by the Fast-Packet catalogue,
	// e.g. the PGN List ISO Request reply). Reception is always active regardless of isotpFrag's
	// Policy: a CA must not drop a peer's ISO-TP traffic just because it never originates any itself.
	isotpAsm *isotp.Assembler
	// isotpFrag splits an outbound RawMessage too large for a single frame or Fast-Packet sequence
	// into a TP.CM/TP.DT sequence. Gated by its own Policy (SendDisabled by default).
	isotpFrag *isotp.Fragmenter
}

// DeviceConfig configures a SocketCAN Device.
type DeviceConfig struct {
	// InterfaceName is SocketCAN interface name. For example: can0
	InterfaceName string
	// ReceiveDataTimeout is maximum duration reads from device can produce no data until we error out (idle).
	ReceiveDataTimeout time.Duration
	// FastPacketAssembler assembles received Fast-Packet frames to complete RawMessage.
	FastPacketAssembler *nmea.FastPacketAssembler
	// FastPacketFragmenter splits outbound Fast-Packet RawMessage into frames to send.
	FastPacketFragmenter *nmea.FastPacketFragmenter
	// ISOTPPolicy gates whether this device is allowed to originate outbound ISO-TP transfers
	// (BAM/RTS) for payloads too large for Fast-Packet framing. Defaults to isotp.SendDisabled.
	ISOTPPolicy isotp.Policy
}

// NewDevice creates new SocketCAN device for the given config.
func NewDevice(config DeviceConfig) *Device {
	receiveDataTimeout := 5 * time.Second
	if config.ReceiveDataTimeout > 0 {
		receiveDataTimeout = config.ReceiveDataTimeout
	}
	assembler := config.FastPacketAssembler
	if assembler == nil {
		assembler = nmea.NewFastPacketAssembler(nil)
	}
	fragmenter := config.FastPacketFragmenter
	if fragmenter == nil {
		fragmenter = nmea.NewFastPacketFragmenter(nil)
	}

	return &Device{
		conn: nil,

		ifName:             config.InterfaceName,
		timeNow:            time.Now,
		receiveDataTimeout: receiveDataTimeout,

		assembler:  assembler,
		fragmenter: fragmenter,

		isotpAsm:  isotp.NewAssembler(),
		isotpFrag: isotp.NewFragmenter(config.ISOTPPolicy),
	}
}

func (d *Device) Close() error {
	return d.conn.Close()
}

func (d *Device) Initialize() error {
	conn, err := NewConnection(d.ifName)
	if err != nil {
		return err
	}
	d.conn = conn

	return nil
}

// WriteRawMessage sends msg, splitting it with Fast-Packet framing, or (when too large even for
// that) handing it to isotpFrag for BAM/RTS framing instead.
func (d *Device) WriteRawMessage(ctx context.Context, msg nmea.RawMessage) error {
	if len(msg.Data) > nmea.FastRawPacketMaxSize {
		tpFrames, err := d.isotpFrag.Fragment(msg)
		if err != nil {
			return err
		}
		for _, tpFrame := range tpFrames {
			if err := d.sendFramed(ctx, tpFrame); err != nil {
				return err
			}
		}
		return nil
	}
	return d.sendFramed(ctx, msg)
}

func (d *Device) sendFramed(ctx context.Context, msg nmea.RawMessage) error {
	frames, err := d.fragmenter.Fragment(msg)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.conn.SendFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) ReadRawMessage(ctx context.Context) (nmea.RawMessage, error) {
	start := d.timeNow()
	var msg nmea.RawMessage
	for {
		select {
		case <-ctx.Done():
			return nmea.RawMessage{}, ctx.Err()
		default:
		}

		if err := d.conn.SetReadTimeout(50 * time.Millisecond); err != nil { // max 50ms block time for read per iteration
			return nmea.RawMessage{}, err
		}
		frame, err := d.conn.ReadRawFrame()

		now := d.timeNow()
		// on a read timeout (errReadTimeout) we do not return immediately: we set new deadline on next
		// iteration, until receiveDataTimeout passes without data. Any other read error is returned.
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				if now.Sub(start) > d.receiveDataTimeout {
					return nmea.RawMessage{}, err
				}
				continue
			}
			return nmea.RawMessage{}, err
		}
		start = now
		d.isotpAsm.Expire(now)

		if !d.assembler.Assemble(frame, &msg) {
			continue
		}
		switch msg.Header.PGN {
		case isotp.PGNTransportConnectionManagement:
			_ = d.isotpAsm.HandleConnectionManagement(msg) // malformed/unknown control: drop, keep reading
		case isotp.PGNTransportDataTransfer:
			complete, done, err := d.isotpAsm.HandleDataTransfer(msg)
			if err == nil && done {
				return complete, nil
			}
		default:
			return msg, nil
		}
	}
}
