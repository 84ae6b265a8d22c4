// Package filter implements the router's message filtering stage: a FilterSet made of individual
// NMEA0183/NMEA2000 filters that admit or drop messages by talker/formatter, source/PGN, or a
// per-PGN decimation period.
package filter

import (
	"errors"
	"time"

	"github.com/aldas/n2krouter"
)

// ErrEmptyFilterSet is returned by NewFilterSet when given no valid filters.
var ErrEmptyFilterSet = errors.New("filter: filter set has no valid filters")

// Type chooses what a filter's predicate match means for the message: Discard drops a matching
// message outright; Select keeps evaluating the filter's action (e.g. a decimation period) to
// decide whether to admit it.
type Type uint8

const (
	Discard Type = iota
	Select
)

// Filter is implemented by NMEA0183Filter, NMEA2000Filter and NMEA2000TimeFilter.
type Filter interface {
	Name() string
	Valid() bool
}

// NMEA0183Filter matches NMEA0183 sentences by talker ID and/or formatter (both optional, ANDed).
type NMEA0183Filter struct {
	name      string
	kind      Type
	talker    string
	formatter string
}

// NewNMEA0183Filter creates a filter matching by talker and/or formatter; empty string means
// "don't filter on this field".
func NewNMEA0183Filter(name string, kind Type, talker, formatter string) *NMEA0183Filter {
	return &NMEA0183Filter{name: name, kind: kind, talker: talker, formatter: formatter}
}

func (f *NMEA0183Filter) Name() string { return f.name }

// Valid reports whether at least one of talker/formatter was configured.
func (f *NMEA0183Filter) Valid() bool {
	return f.talker != "" || f.formatter != ""
}

func (f *NMEA0183Filter) match(s *nmea.Sentence) bool {
	talkerOK := f.talker == "" || f.talker == s.Talker
	formatterOK := f.formatter == "" || f.formatter == s.Formatter
	return talkerOK && formatterOK
}

func (f *NMEA0183Filter) kindOf() Type { return f.kind }

func (f *NMEA0183Filter) action(*nmea.Sentence) bool { return true }

// n2kFilter is implemented by NMEA2000Filter and NMEA2000TimeFilter, letting FilterSet keep both
// in a single insertion-ordered list the way the teacher's own n2k_filters list does.
type n2kFilter interface {
	Name() string
	Valid() bool
	match(raw *nmea.RawMessage) bool
	kindOf() Type
	action(raw *nmea.RawMessage) bool
}

// NMEA2000Filter matches NMEA2000 messages by source address and/or a set of PGNs (both optional,
// ANDed).
type NMEA2000Filter struct {
	name   string
	kind   Type
	pgns   map[uint32]struct{}
	source *uint8
}

// NewNMEA2000Filter creates a filter matching by source address and/or PGNs. A nil source or empty
// pgns means "don't filter on this field".
func NewNMEA2000Filter(name string, kind Type, source *uint8, pgns []uint32) *NMEA2000Filter {
	f := &NMEA2000Filter{name: name, kind: kind, source: source}
	if len(pgns) > 0 {
		f.pgns = make(map[uint32]struct{}, len(pgns))
		for _, pgn := range pgns {
			f.pgns[pgn] = struct{}{}
		}
	}
	return f
}

func (f *NMEA2000Filter) Name() string { return f.name }

// Valid reports whether at least one of source/pgns was configured.
func (f *NMEA2000Filter) Valid() bool {
	return f.source != nil || len(f.pgns) > 0
}

func (f *NMEA2000Filter) match(raw *nmea.RawMessage) bool {
	sourceOK := f.source == nil || *f.source == raw.Header.Source
	pgnOK := true
	if len(f.pgns) > 0 {
		_, pgnOK = f.pgns[raw.Header.PGN]
	}
	return sourceOK && pgnOK
}

func (f *NMEA2000Filter) kindOf() Type { return f.kind }

// action is the plain NMEA2000Filter's trivial action: a match is final, nothing further to check.
func (f *NMEA2000Filter) action(*nmea.RawMessage) bool { return true }

// timeFilter decimates admission of a single PGN to at most once per period: the tick advances by
// exactly one period on admission, so a burst of late messages doesn't let two through back to
// back. Grounded on original_source's TimeFilter.check_period.
type timeFilter struct {
	period time.Duration
	tick   time.Time
}

func (t *timeFilter) checkPeriod(now time.Time) bool {
	if now.Sub(t.tick) > t.period {
		t.tick = t.tick.Add(t.period)
		return false
	}
	return true
}

// NMEA2000TimeFilter wraps an NMEA2000Filter with a per-PGN decimation period: a matching message
// is admitted at most once per period, independently per PGN (or once overall if Pgns was empty).
type NMEA2000TimeFilter struct {
	*NMEA2000Filter
	now    func() time.Time
	period time.Duration
	timers map[uint32]*timeFilter
}

// NewNMEA2000TimeFilter creates a time-decimating NMEA2000 filter. period must be > 0 or Valid
// reports false.
func NewNMEA2000TimeFilter(name string, kind Type, source *uint8, pgns []uint32, period time.Duration) *NMEA2000TimeFilter {
	inner := NewNMEA2000Filter(name, kind, source, pgns)
	f := &NMEA2000TimeFilter{NMEA2000Filter: inner, now: time.Now, period: period, timers: map[uint32]*timeFilter{}}
	if len(pgns) == 0 {
		f.timers[0] = &timeFilter{period: period, tick: f.now()}
	} else {
		for _, pgn := range pgns {
			f.timers[pgn] = &timeFilter{period: period, tick: f.now()}
		}
	}
	return f
}

// Valid requires both the embedded NMEA2000Filter's match fields and a positive period.
func (f *NMEA2000TimeFilter) Valid() bool {
	return f.period > 0 && f.NMEA2000Filter.Valid()
}

// action applies the decimator: whether the message, having matched, is due for admission now.
func (f *NMEA2000TimeFilter) action(raw *nmea.RawMessage) bool {
	timer, ok := f.timers[raw.Header.PGN]
	if !ok {
		timer, ok = f.timers[0]
		if !ok {
			return true
		}
	}
	return !timer.checkPeriod(f.now())
}

// FilterSet groups NMEA0183 and NMEA2000 filters and decides, per GenericMessage, whether it
// should be routed onward. Evaluation follows spec's filter-set rule: the first filter (in
// insertion order) whose predicate matches decides the outcome — a Discard match drops the
// message outright, a Select match is admitted only if its action also returns true. If no filter
// matches, the default is admit.
type FilterSet struct {
	nmea0183Filters []*NMEA0183Filter
	n2kFilters      []n2kFilter
}

// NewFilterSet builds a FilterSet from a mixture of *NMEA0183Filter, *NMEA2000Filter and
// *NMEA2000TimeFilter, preserving the order given. Invalid filters (Valid() == false) are skipped;
// an entirely empty result is an error.
func NewFilterSet(filters ...Filter) (*FilterSet, error) {
	fs := &FilterSet{}
	for _, f := range filters {
		if !f.Valid() {
			continue
		}
		switch v := f.(type) {
		case *NMEA2000TimeFilter:
			fs.n2kFilters = append(fs.n2kFilters, v)
		case *NMEA2000Filter:
			fs.n2kFilters = append(fs.n2kFilters, v)
		case *NMEA0183Filter:
			fs.nmea0183Filters = append(fs.nmea0183Filters, v)
		}
	}
	if len(fs.nmea0183Filters)+len(fs.n2kFilters) == 0 {
		return nil, ErrEmptyFilterSet
	}
	return fs, nil
}

// Process reports whether msg should be routed onward.
func (fs *FilterSet) Process(msg nmea.GenericMessage) bool {
	switch msg.Kind {
	case nmea.NMEA0183Msg:
		if msg.Sentence == nil {
			return false
		}
		for _, f := range fs.nmea0183Filters {
			if !f.match(msg.Sentence) {
				continue
			}
			if f.kind == Discard {
				return false
			}
			return f.action(msg.Sentence)
		}
		return true
	case nmea.NMEA2000Msg:
		if msg.N2K == nil {
			return false
		}
		for _, f := range fs.n2kFilters {
			if !f.match(msg.N2K) {
				continue
			}
			if f.kindOf() == Discard {
				return false
			}
			return f.action(msg.N2K)
		}
		return true
	}
	return false
}
