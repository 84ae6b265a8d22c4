package canboat

import (
	"errors"
	"fmt"
	"github.com/aldas/n2krouter"
	"math"
	"time"
)

var (
	// ErrEncodeUnsupportedFieldType is returned when Field.Encode does not (yet) implement the given FieldType.
	ErrEncodeUnsupportedFieldType = errors.New("unsupported field type for encoding")
	// ErrEncodeOutOfRange is returned when a field value does not fit the field's bit length/range.
	ErrEncodeOutOfRange = errors.New("field value is out of range for encoding")
	// ErrMissingEnumKey names the failure to resolve a LOOKUP/INDIRECT_LOOKUP/BITLOOKUP field value's Code to a
	// numeric enum value. The encoders in this file encode the numeric Value and never resolve Code, so none of
	// them returns this error.
	ErrMissingEnumKey = errors.New("field value has no matching enum key")
	// ErrEncodeUnknownPGN is returned when Decoder.Encode is asked to encode a message for a PGN not present
	// in the schema.
	ErrEncodeUnknownPGN = errors.New("encode failed, unknown PGN seen")
)

// Encode writes value into builder at bitOffset, the inverse of Field.Decode. It returns the number of
// bits written.
func (f *Field) Encode(builder *nmea.RawDataBuilder, bitOffset uint16, value nmea.FieldValue) (uint16, error) {
	switch f.FieldType {
	case FieldTypeNumber:
		return f.BitLength, f.encodeNumber(builder, bitOffset, value)
	case FieldTypeLookup, FieldTypeIndirectLookup:
		return f.BitLength, f.encodeLookup(builder, bitOffset, value)
	case FieldTypeBitLookup:
		return f.BitLength, f.encodeBitLookup(builder, bitOffset, value)
	case FieldTypeReserved, FieldTypeSpare, FieldTypeBinary:
		return f.BitLength, f.encodeBytes(builder, bitOffset, value)
	case FieldTypeFloat:
		return f.BitLength, f.encodeFloat(builder, bitOffset, value)
	case FieldTypeTime:
		return f.BitLength, f.encodeTime(builder, bitOffset, value)
	case FieldTypeMMSI:
		return f.BitLength, f.encodeNumber(builder, bitOffset, value)
	case FieldTypeStringFix:
		return f.BitLength, f.encodeStringFix(builder, bitOffset, value)
	}
	return 0, fmt.Errorf("field type: %v, err: %w", f.FieldType, ErrEncodeUnsupportedFieldType)
}

func (f *Field) encodeNumber(builder *nmea.RawDataBuilder, bitOffset uint16, value nmea.FieldValue) error {
	if f.Signed {
		v, ok := value.Value.(int64)
		if !ok {
			fv, ok := value.AsFloat64()
			if !ok {
				return fmt.Errorf("field id: %v: %w", f.ID, ErrEncodeOutOfRange)
			}
			v = int64(math.Round(fv/f.Resolution)) - int64(f.Offset)
		} else {
			v -= int64(f.Offset)
		}
		return builder.EncodeVariableInt(bitOffset, f.BitLength, v)
	}

	v, ok := value.Value.(uint64)
	if !ok {
		fv, ok := value.AsFloat64()
		if !ok {
			return fmt.Errorf("field id: %v: %w", f.ID, ErrEncodeOutOfRange)
		}
		v = uint64(math.Round(fv/f.Resolution)) - uint64(f.Offset)
	} else {
		v -= uint64(f.Offset)
	}
	return builder.EncodeVariableUint(bitOffset, f.BitLength, v)
}

func (f *Field) encodeLookup(builder *nmea.RawDataBuilder, bitOffset uint16, value nmea.FieldValue) error {
	enum, ok := value.Value.(nmea.EnumValue)
	if !ok {
		if raw, isRaw := value.Value.(uint64); isRaw {
			return builder.EncodeVariableUint(bitOffset, f.BitLength, raw)
		}
		return builder.EncodeVariableUint(bitOffset, f.BitLength, uint64(0))
	}
	return builder.EncodeVariableUint(bitOffset, f.BitLength, uint64(enum.Value))
}

func (f *Field) encodeBitLookup(builder *nmea.RawDataBuilder, bitOffset uint16, value nmea.FieldValue) error {
	switch v := value.Value.(type) {
	case uint64:
		return builder.EncodeVariableUint(bitOffset, f.BitLength, v)
	case []nmea.EnumValue: // as produced by Decoder: Value is the bit number, or the whole raw value when unknown
		var bits uint64
		for _, e := range v {
			if e.Code == "UNKNOWN BIT ENUM VALUE" {
				bits |= uint64(e.Value)
				continue
			}
			bits |= 1 << e.Value
		}
		return builder.EncodeVariableUint(bitOffset, f.BitLength, bits)
	}
	enums, ok := value.Value.([]BitEnumValue)
	if !ok {
		return builder.EncodeVariableUint(bitOffset, f.BitLength, uint64(0))
	}
	var bits uint64
	for _, e := range enums {
		bits |= 1 << e.Bit
	}
	return builder.EncodeVariableUint(bitOffset, f.BitLength, bits)
}

func (f *Field) encodeBytes(builder *nmea.RawDataBuilder, bitOffset uint16, value nmea.FieldValue) error {
	b, ok := value.Value.([]byte)
	if !ok {
		return nil // reserved/spare fields left at their "no data" default when no value given
	}
	return builder.EncodeBytes(bitOffset, f.BitLength, b)
}

func (f *Field) encodeFloat(builder *nmea.RawDataBuilder, bitOffset uint16, value nmea.FieldValue) error {
	fv, ok := value.AsFloat64()
	if !ok {
		return fmt.Errorf("field id: %v: %w", f.ID, ErrEncodeOutOfRange)
	}
	return builder.EncodeFloat(bitOffset, fv)
}

func (f *Field) encodeTime(builder *nmea.RawDataBuilder, bitOffset uint16, value nmea.FieldValue) error {
	d, ok := value.Value.(time.Duration)
	if !ok {
		return fmt.Errorf("field id: %v: %w", f.ID, ErrEncodeOutOfRange)
	}
	seconds := d.Seconds() / f.Resolution
	return builder.EncodeVariableUint(bitOffset, f.BitLength, uint64(seconds))
}

func (f *Field) encodeStringFix(builder *nmea.RawDataBuilder, bitOffset uint16, value nmea.FieldValue) error {
	s, ok := value.Value.(string)
	if !ok {
		return fmt.Errorf("field id: %v: %w", f.ID, ErrEncodeOutOfRange)
	}
	return builder.EncodeStringFix(bitOffset, f.BitLength, s)
}

// Encode serializes fields (matched by Field.ID) into a NMEA2000 data payload for this PGN definition.
// Fields not present in values are left as their FieldType's "no data" sentinel.
func (p *PGN) Encode(values nmea.FieldValues) ([]byte, error) {
	sizeBytes := int(p.Length)
	if sizeBytes <= 0 {
		sizeBytes = int(p.MinLength)
	}
	builder := nmea.NewRawDataBuilder(sizeBytes)

	var bitOffset uint16
	for _, field := range p.Fields {
		offset := field.BitOffset
		if offset == 0 {
			offset = bitOffset
		}
		fv, ok := values.FindByID(field.ID)
		if ok {
			written, err := field.Encode(builder, offset, fv)
			if err != nil {
				return nil, err
			}
			bitOffset = offset + written
		} else {
			bitOffset = offset + field.BitLength
		}
	}
	return builder.Bytes(), nil
}

// Encode serializes msg.Fields back into an outbound nmea.RawMessage using the schema's PGN catalogue,
// the inverse of Decoder.Decode.
func (d *Decoder) Encode(msg nmea.Message) (nmea.RawMessage, error) {
	pgn, ok := d.uniquePGNs[msg.Header.PGN]
	if !ok {
		group, ok := d.nonUniqPGNs[msg.Header.PGN]
		if !ok || len(group) == 0 {
			return nmea.RawMessage{}, fmt.Errorf("pgn: %v, err: %w", msg.Header.PGN, ErrEncodeUnknownPGN)
		}
		pgn = group[0]
	}

	data, err := pgn.Encode(msg.Fields)
	if err != nil {
		return nmea.RawMessage{}, err
	}
	return nmea.RawMessage{
		Header: msg.Header,
		Data:   data,
	}, nil
}
