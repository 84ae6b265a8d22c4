// Package tracelog implements the router's trace file format: one text file per traced coupler,
// header plus one framed record per line, writes serialized under a per-trace mutex so a record
// is never interleaved across goroutines.
package tracelog

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aldas/n2krouter"
)

// Direction of a traced record, rendered as '>' (in) or '<' (out).
type Direction uint8

const (
	In Direction = iota
	Out
)

// rune renders the direction marker. Grounded on original_source's NMEAMsgTrace, which (somewhat
// counter-intuitively) writes '>' for TRACE_IN and '<' for TRACE_OUT; kept as-is rather than
// "corrected" since nothing in spec.md pins down which symbol means which direction.
func (d Direction) rune() byte {
	if d == Out {
		return '<'
	}
	return '>'
}

// traceTimeFormat is the UTC microsecond timestamp format used by every record.
const traceTimeFormat = "2006-01-02 15:04:05.000000"

// Trace writes framed records to one file, per spec.md §6's trace file format:
//
//	H0|<trace-type>|V1.4
//	M<n>#<iso-timestamp>(>|<)<printable>
//	R<n>#<iso-timestamp>(>|<)<raw decoded to string>
//	N<n>#<iso-timestamp>(>|<)<pgn-dec>|<pgn-hex>|<sa>|<prio>|<hex-payload>
//	Event#><free text>
type Trace struct {
	now func() time.Time

	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	counter uint64
}

// New opens a trace with the given type name (e.g. "nmea0183", "nmea2000"), writing the H0 header
// immediately.
func New(traceType string, w io.Writer) (*Trace, error) {
	t := &Trace{now: time.Now, w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	if _, err := fmt.Fprintf(t.w, "H0|%s|V1.4\n", traceType); err != nil {
		return nil, fmt.Errorf("tracelog: writing header: %w", err)
	}
	return t, t.w.Flush()
}

// Close flushes and, if the underlying io.Writer is an io.Closer, closes it.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.w.Flush(); err != nil {
		return err
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

func (t *Trace) nextCounter() uint64 {
	n := t.counter
	t.counter++
	return n
}

// TraceMessage records a structured (decoded/printable) message, direction-tagged.
func (t *Trace) TraceMessage(dir Direction, printable string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nextCounter()
	_, err := fmt.Fprintf(t.w, "M%d#%s%c%s\n", n, t.now().UTC().Format(traceTimeFormat), dir.rune(), printable)
	if err != nil {
		return err
	}
	return t.w.Flush()
}

// TraceRaw records a raw frame, decoded to a printable string, direction-tagged.
func (t *Trace) TraceRaw(dir Direction, decoded string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nextCounter()
	_, err := fmt.Fprintf(t.w, "R%d#%s%c%s\n", n, t.now().UTC().Format(traceTimeFormat), dir.rune(), decoded)
	if err != nil {
		return err
	}
	return t.w.Flush()
}

// TraceN2K records a raw NMEA2000 message's header and payload.
func (t *Trace) TraceN2K(dir Direction, raw nmea.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nextCounter()
	_, err := fmt.Fprintf(t.w, "N%d#%s%c%d|%05X|%d|%d|%X\n",
		n, t.now().UTC().Format(traceTimeFormat), dir.rune(),
		raw.Header.PGN, raw.Header.PGN, raw.Header.Source, raw.Header.Priority, raw.Data)
	if err != nil {
		return err
	}
	return t.w.Flush()
}

// TraceReceived implements coupler.Config.TraceWriter for an inbound NMEA2000 frame. Errors are
// swallowed: a failing trace write must not stop the coupler's read loop.
func (t *Trace) TraceReceived(raw nmea.RawMessage) {
	_ = t.TraceN2K(In, raw)
}

// TraceSent implements coupler.Config.TraceWriter for an outbound NMEA2000 frame.
func (t *Trace) TraceSent(raw nmea.RawMessage) {
	_ = t.TraceN2K(Out, raw)
}

// RecordEvent implements publisher.EventRecorder: it writes an asynchronous event line. name is
// folded into the free text since the trace format has no separate event-subject field.
func (t *Trace) RecordEvent(name string, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.w, "Event#>%s: %s\n", name, message)
	_ = t.w.Flush()
}
