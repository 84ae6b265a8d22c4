package isotp

import (
	"testing"
	"time"

	"github.com/aldas/n2krouter"
	"github.com/stretchr/testify/assert"
)

func TestFragmenter_Assembler_BAM_roundtrip(t *testing.T) {
	msg := nmea.RawMessage{
		Header: nmea.CanBusHeader{PGN: 126998, Priority: 6, Source: 35, Destination: nmea.AddressGlobal},
		Data:   []byte("this is a configuration information string longer than 8 bytes"),
	}

	fragmenter := NewFragmenter(SendEnabled)
	frames, err := fragmenter.Fragment(msg)
	assert.NoError(t, err)
	assert.Greater(t, len(frames), 1)

	assembler := NewAssembler()
	err = assembler.HandleConnectionManagement(frames[0])
	assert.NoError(t, err)

	var result nmea.RawMessage
	complete := false
	for _, frame := range frames[1:] {
		result, complete, err = assembler.HandleDataTransfer(frame)
		assert.NoError(t, err)
	}

	assert.True(t, complete)
	assert.Equal(t, msg.Data, result.Data)
	assert.Equal(t, msg.Header.PGN, result.Header.PGN)
}

func TestFragmenter_Fragment_sendDisabledByDefault(t *testing.T) {
	fragmenter := NewFragmenter(SendDisabled)

	_, err := fragmenter.Fragment(nmea.RawMessage{Data: make([]byte, 20)})

	assert.ErrorIs(t, err, ErrSendDisabled)
}

func TestAssembler_HandleDataTransfer_sequenceMismatch(t *testing.T) {
	assembler := NewAssembler()
	err := assembler.HandleConnectionManagement(nmea.RawMessage{
		Header: nmea.CanBusHeader{Source: 10},
		Data:   []byte{controlBAM, 20, 0, 3, 0xFF, 0x01, 0x02, 0x03},
	})
	assert.NoError(t, err)

	_, _, err = assembler.HandleDataTransfer(nmea.RawMessage{
		Header: nmea.CanBusHeader{Source: 10},
		Data:   []byte{2, 0, 0, 0, 0, 0, 0, 0}, // seq 2 when 1 was expected
	})

	assert.ErrorIs(t, err, ErrSequenceMismatch)
}

func TestAssembler_Expire(t *testing.T) {
	now := time.Unix(1665488842, 0).UTC()
	assembler := NewAssembler()
	assembler.now = func() time.Time { return now }

	err := assembler.HandleConnectionManagement(nmea.RawMessage{
		Header: nmea.CanBusHeader{Source: 5},
		Data:   []byte{controlRTS, 10, 0, 2, 0xFF, 0x01, 0x02, 0x03},
	})
	assert.NoError(t, err)

	expired := assembler.Expire(now.Add(2 * time.Second))

	assert.Equal(t, 1, expired)
}

func TestAssembler_HandleConnectionManagement_abort(t *testing.T) {
	assembler := NewAssembler()
	err := assembler.HandleConnectionManagement(nmea.RawMessage{
		Header: nmea.CanBusHeader{Source: 7},
		Data:   []byte{controlRTS, 10, 0, 2, 0xFF, 0x01, 0x02, 0x03},
	})
	assert.NoError(t, err)

	err = assembler.HandleConnectionManagement(nmea.RawMessage{
		Header: nmea.CanBusHeader{Source: 7},
		Data:   []byte{controlAbort, 0, 0, 0, 0, 0x01, 0x02, 0x03},
	})

	assert.ErrorIs(t, err, ErrAborted)
}
