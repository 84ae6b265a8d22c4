package nmea

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrSentenceTooShort indicates the sentence is too short to contain an address field and checksum.
	ErrSentenceTooShort = errors.New("nmea0183 sentence too short")
	// ErrSentenceMissingChecksum indicates the sentence has no trailing `*HH` checksum field.
	ErrSentenceMissingChecksum = errors.New("nmea0183 sentence missing checksum field")
	// ErrSentenceChecksumMismatch indicates the computed checksum does not match the one in the sentence.
	ErrSentenceChecksumMismatch = errors.New("nmea0183 sentence checksum mismatch")
	// ErrSentenceTooLong indicates sentence exceeds the 82 byte wire limit (does not apply to `!` encapsulation sentences).
	ErrSentenceTooLong = errors.New("nmea0183 sentence exceeds 82 byte limit")
)

// maxSentenceLength is the NMEA0183 standard sentence length limit, including leading `$`/`!` and trailing `\r\n`.
const maxSentenceLength = 82

// Sentence is a parsed NMEA0183 sentence: `$TT FF,f1,f2,...*HH\r\n` (or `!`-encapsulated).
type Sentence struct {
	// Talker is the 2 character talker ID (e.g. "GP", "II"). Empty for proprietary ("P") sentences.
	Talker string
	// Formatter is the 3 character sentence formatter (e.g. "GGA", "RMC"). For proprietary sentences this is
	// the manufacturer mnemonic that follows the leading 'P'.
	Formatter string
	// Proprietary is true when address starts with 'P' (manufacturer-proprietary sentence).
	Proprietary bool
	// Fields holds the comma-separated data fields, not including address or checksum.
	Fields []string
	// Checksum is the parsed XOR checksum byte. Bytes() recomputes the checksum it writes and does
	// not update this field.
	Checksum uint8
	// Raw is the original wire bytes, without trailing \r\n. Bytes() does not update it.
	Raw []byte
}

// ParseSentence parses a raw NMEA0183 sentence, verifying its checksum and length.
func ParseSentence(raw []byte) (Sentence, error) {
	data := bytes.TrimRight(raw, "\r\n")
	if len(data) == 0 || (data[0] != '$' && data[0] != '!') {
		return Sentence{}, ErrSentenceTooShort
	}
	if data[0] == '$' && len(raw) > maxSentenceLength {
		return Sentence{}, ErrSentenceTooLong
	}

	starIdx := bytes.LastIndexByte(data, '*')
	if starIdx == -1 || starIdx+3 > len(data) {
		return Sentence{}, ErrSentenceMissingChecksum
	}

	var checksum uint8
	if _, err := fmt.Sscanf(string(data[starIdx+1:starIdx+3]), "%02X", &checksum); err != nil {
		return Sentence{}, fmt.Errorf("nmea0183 sentence invalid checksum hex: %w", err)
	}
	if got := xorChecksum(data[1:starIdx]); got != checksum {
		return Sentence{}, fmt.Errorf("%w: got %02X want %02X", ErrSentenceChecksumMismatch, got, checksum)
	}

	commaIdx := bytes.IndexByte(data, ',')
	if commaIdx == -1 {
		commaIdx = starIdx
	}
	address := string(data[1:commaIdx])

	s := Sentence{
		Checksum: checksum,
		Raw:      append([]byte{}, data...),
	}
	if len(address) > 0 && address[0] == 'P' {
		s.Proprietary = true
		s.Formatter = address[1:]
	} else if len(address) >= 5 {
		s.Talker = address[0:2]
		s.Formatter = address[2:]
	} else {
		s.Formatter = address
	}

	if commaIdx < starIdx {
		s.Fields = splitFields(data[commaIdx+1 : starIdx])
	}
	return s, nil
}

// Bytes re-serializes the sentence, recomputing the checksum from Talker/Formatter/Fields.
func (s Sentence) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte('$')
	if s.Proprietary {
		buf.WriteByte('P')
		buf.WriteString(s.Formatter)
	} else {
		buf.WriteString(s.Talker)
		buf.WriteString(s.Formatter)
	}
	for _, f := range s.Fields {
		buf.WriteByte(',')
		buf.WriteString(f)
	}

	body := buf.Bytes()[1:] // checksum excludes leading '$'/'!'
	checksum := xorChecksum(body)

	buf.WriteString(fmt.Sprintf("*%02X", checksum))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// SetTalker replaces the talker ID in-place, preserving Formatter/Fields, so that Bytes()
// reflects the new talker with a recomputed checksum. Proprietary sentences are left unchanged.
func (s *Sentence) SetTalker(talker string) {
	if s.Proprietary {
		return
	}
	s.Talker = talker
}

func splitFields(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte(","))
	fields := make([]string, len(parts))
	for i, p := range parts {
		fields[i] = string(p)
	}
	return fields
}

func xorChecksum(data []byte) uint8 {
	var c uint8
	for _, b := range data {
		c ^= b
	}
	return c
}
