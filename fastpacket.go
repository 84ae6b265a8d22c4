package nmea

import (
	"fmt"
	"sync"
	"time"
)

// couldBeFastPacket is a cheap pre-filter on PGN range before consulting the catalogue-driven Fast-Packet
// PGN list: single-frame PGNs are assigned below this range, Fast-Packet/ISO-TP PGNs from it upward.
func couldBeFastPacket(pgn uint32) bool {
	return pgn >= 126720
}

type Assembler interface {
	Assemble(frame RawFrame, to *RawMessage) bool
}

type fastPacketSequence struct {
	header CanBusHeader

	lastReceivedFrameTime time.Time
	// sequence is message counter to distinguish to which message frame belongs. 0-7. Frames from same source may arrive
	// out of order and without sequence counter it is hard to know if in which message this frame belongs.
	sequence uint8
	// length of data in all frames. Length is found as second byte in first frame
	length             uint8
	completeFramesMask uint32

	// Fast-Packet data is maximum of 32 frames. First frame 6 bytes and max 31 frame of 7 bytes. Last frame can be 1-7 bytes.
	receivedFramesMask  uint32 // each frame is single bit
	receivedFramesCount uint8
	data                [FastRawPacketMaxSize]byte
}

func (m *fastPacketSequence) Append(frame RawFrame) bool {
	if frame.Length < 2 {
		return false
	}
	sequence := frame.Data[0] >> 5 // last 3 bits (sequence counter range is 0-7)

	frameNr := frame.Data[0] & 0b0001_1111 // first 5 bits
	frameMask := uint32(1 << (frameNr))
	if m.receivedFramesMask&frameMask != 0 { // we have already seen that frame
		// maybe should be error? can we receive same frame more than once?
		return m.completeFramesMask == m.receivedFramesMask
	}
	if m.receivedFramesMask == 0 {
		m.header = frame.Header
		m.sequence = sequence
	}
	m.receivedFramesMask |= frameMask
	m.receivedFramesCount++
	m.lastReceivedFrameTime = frame.Time

	if frameNr == 0 { // first frame initializes lengths ,so we know when sequence is complete
		// very first frame 0th, has 2 bytes for metadata (3 bits sequence counter, 5bits frame counter, 8bits length)
		// and 6 bytes actual data
		m.length = frame.Data[1]

		frameCount := uint8(1)
		if m.length > 6 { // fast packet data is multiple frames long
			frameCount += (m.length - 6 + 6) / 7
		}
		m.completeFramesMask = ^(0xFFFFFFFF << frameCount)

		copy(m.data[:6], frame.Data[2:])
	} else { // subsequent frames, have 7 bytes of data, first byte is for sequence counter and frame counter
		start := 6 + int(frameNr-1)*7
		end := start + len(frame.Data) - 1
		copy(m.data[start:end], frame.Data[1:])
	}

	return m.completeFramesMask == m.receivedFramesMask
}

func (m *fastPacketSequence) Reset() {
	m.lastReceivedFrameTime = time.Time{}

	m.header.PGN = 0
	m.header.Priority = 0
	m.header.Source = 0
	m.header.Destination = 0

	m.sequence = 0
	m.length = 0
	m.completeFramesMask = 0
	m.receivedFramesMask = 0
	m.receivedFramesCount = 0
	// we do not reset data here. data will be overridden
}

func (m *fastPacketSequence) To(to *RawMessage) {
	to.Time = m.lastReceivedFrameTime
	to.Header = m.header

	if cap(to.Data) < int(m.length) {
		to.Data = make([]byte, m.length)
	}
	copy(to.Data[:], m.data[0:m.length])
}

func (m *fastPacketSequence) As() RawMessage {
	data := make([]byte, m.length)
	copy(data[:], m.data[0:m.length])

	return RawMessage{
		Time:   m.lastReceivedFrameTime,
		Header: m.header,
		Data:   data,
	}
}

// FastPacketFragmenter splits an outbound RawMessage whose PGN is configured as Fast-Packet into the
// sequence of RawFrame values it must be sent as, mirroring fastPacketSequence.Append in reverse.
type FastPacketFragmenter struct {
	// pgns is list of PGNs that must be sent as Fast-Packet frames instead of a single 8 byte frame.
	pgns []uint32

	// sequenceCounters tracks the per-(pgn,source) 3 bit sequence counter (0-7) so consecutive
	// fast-packet transfers for the same message on the bus are distinguishable.
	sequenceCounters map[uint32]uint8
	lock             sync.Mutex
}

// NewFastPacketFragmenter creates new instance of FastPacketFragmenter for the given Fast-Packet PGNs.
func NewFastPacketFragmenter(fpPGNs []uint32) *FastPacketFragmenter {
	return &FastPacketFragmenter{
		pgns:             append([]uint32{}, fpPGNs...),
		sequenceCounters: map[uint32]uint8{},
	}
}

// IsFastPacket reports whether msg's PGN must be sent using Fast-Packet framing.
func (f *FastPacketFragmenter) IsFastPacket(pgn uint32) bool {
	if !couldBeFastPacket(pgn) {
		return false
	}
	for _, p := range f.pgns {
		if p == pgn {
			return true
		}
	}
	return false
}

// Fragment splits msg into the RawFrame sequence to send it as a Fast-Packet message.
// If msg does not need Fast-Packet framing, it returns a single frame holding msg.Data as-is.
func (f *FastPacketFragmenter) Fragment(msg RawMessage) ([]RawFrame, error) {
	if len(msg.Data) > FastRawPacketMaxSize {
		return nil, fmt.Errorf("fast packet message data too long: %v bytes, max %v", len(msg.Data), FastRawPacketMaxSize)
	}
	if !f.IsFastPacket(msg.Header.PGN) {
		var frame RawFrame
		frame.Time = msg.Time
		frame.Header = msg.Header
		frame.Length = uint8(len(msg.Data))
		copy(frame.Data[:], msg.Data)
		return []RawFrame{frame}, nil
	}

	f.lock.Lock()
	key := msg.Header.PGN<<8 | uint32(msg.Header.Source)
	sequence := f.sequenceCounters[key]
	f.sequenceCounters[key] = (sequence + 1) % 8
	f.lock.Unlock()

	frameCount := 1
	if len(msg.Data) > 6 {
		frameCount += (len(msg.Data) - 6 + 6) / 7
	}

	frames := make([]RawFrame, 0, frameCount)
	data := msg.Data
	for frameNr := 0; frameNr < frameCount; frameNr++ {
		var frame RawFrame
		frame.Time = msg.Time
		frame.Header = msg.Header
		frame.Data[0] = sequence<<5 | uint8(frameNr)

		if frameNr == 0 {
			frame.Data[1] = uint8(len(msg.Data))
			n := copy(frame.Data[2:], data)
			frame.Length = uint8(1 + n + 1)
			data = data[n:]
		} else {
			n := copy(frame.Data[1:], data)
			frame.Length = uint8(1 + n)
			data = data[n:]
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

type FastPacketAssembler struct {
	// pgns is list of PGNs that are transferred as Fast-Packet RawFrame and should be assembled to RawMessage
	pgns       []uint32
	inTransfer []*fastPacketSequence

	now  func() time.Time
	pool *sync.Pool
	lock sync.Mutex
}

func NewFastPacketAssembler(fpPGNs []uint32) *FastPacketAssembler {
	pool := new(sync.Pool)
	pool.New = func() any {
		return &fastPacketSequence{}
	}

	return &FastPacketAssembler{
		pgns:       append([]uint32{}, fpPGNs...),
		inTransfer: make([]*fastPacketSequence, 0, 10),

		now:  time.Now,
		pool: pool,
	}
}

// Expire sweeps in-transfer Fast-Packet sequences and drops any that have not received a frame
// within the 750ms watchdog threshold, returning them to the pool. Callers that are not reading
// frames continuously (e.g. an idle bus) should call this periodically so a stalled sequence does
// not hold a pool slot indefinitely.
func (a *FastPacketAssembler) Expire(now time.Time) int {
	a.lock.Lock()
	defer a.lock.Unlock()

	threshold := now.Add(-750 * time.Millisecond)
	expired := 0
	remaining := a.inTransfer[:0]
	for _, fp := range a.inTransfer {
		if fp.lastReceivedFrameTime.Before(threshold) {
			expired++
			a.pool.Put(fp)
			continue
		}
		remaining = append(remaining, fp)
	}
	a.inTransfer = remaining
	return expired
}

func (a *FastPacketAssembler) Assemble(frame RawFrame, to *RawMessage) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	isFastPacket := false
	if couldBeFastPacket(frame.Header.PGN) {
		for _, pgn := range a.pgns {
			if pgn == frame.Header.PGN {
				isFastPacket = true
				break
			}
		}
	}
	if !isFastPacket {
		if cap(to.Data) < int(frame.Length) {
			to.Data = make([]byte, frame.Length)
		}
		copy(to.Data[:], frame.Data[0:frame.Length])
		to.Time = frame.Time
		to.Header = frame.Header
		return true
	}

	// fast packet sequence is uniquely identified by: source+pgn+sequence+lastReceivedFrameTime

	threshold := a.now().Add(-750 * time.Millisecond)
	sequence := frame.Data[0] >> 5 // last 3 bits (sequence counter range is 0-7)

	var fp *fastPacketSequence
	idx := 0
	for i, tmpFp := range a.inTransfer {
		if tmpFp.header.Source != frame.Header.Source ||
			tmpFp.header.PGN != frame.Header.PGN ||
			tmpFp.sequence != sequence {
			continue
		}
		fp = a.inTransfer[i]
		idx = i
		if fp.lastReceivedFrameTime.Before(threshold) { // sequence is too old to be this frame sequence
			fp.Reset()
		}
	}
	if fp == nil {
		fp = a.pool.Get().(*fastPacketSequence)
		fp.Reset()
		a.inTransfer = append(a.inTransfer, fp)
		idx = len(a.inTransfer) - 1
	}
	isComplete := fp.Append(frame)
	if isComplete { // message is now complete
		fp.To(to) // copy data over to rawMessage

		// remove item from in transfer list and put it back to pool
		a.inTransfer[idx] = a.inTransfer[len(a.inTransfer)-1]
		a.inTransfer = a.inTransfer[:len(a.inTransfer)-1]
		a.pool.Put(fp)
	} else {
		a.inTransfer[idx] = fp
	}
	return isComplete
}
