package fix

import (
	"fmt"
	"strconv"
)

// maxTag bounds tag parsing; FIX user-defined tags stop at 39999 and nothing
// this engine speaks goes near it.
const maxTag = 99999

// Encode appends the wire form of m to dst and returns the extended slice.
// BodyLength(9) and CheckSum(10) are computed here; any 8, 9 or 10 fields
// already present on the message are ignored in favor of the computed ones.
// MsgType(35) is always emitted first in the body regardless of its position.
//
// Encoding is append-only: with a pre-sized dst the hot path does not
// allocate.
func Encode(dst []byte, m *Message) ([]byte, error) {
	begin, ok := m.Get(TagBeginString)
	if !ok {
		return dst, ErrMissingBeginString
	}
	msgType, ok := m.Get(TagMsgType)
	if !ok {
		return dst, ErrMissingMsgType
	}

	bodyLen := fieldLen(TagMsgType, msgType)
	for _, f := range m.fields {
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagCheckSum, TagMsgType:
			continue
		}
		for _, b := range f.Value {
			if b == SOH {
				return dst, fmt.Errorf("%w: tag %d", ErrEmbeddedSOH, f.Tag)
			}
		}
		bodyLen += fieldLen(f.Tag, f.Value)
	}

	start := len(dst)
	dst = appendField(dst, TagBeginString, begin)
	dst = strconv.AppendInt(append(dst, '9', '='), int64(bodyLen), 10)
	dst = append(dst, SOH)
	dst = appendField(dst, TagMsgType, msgType)
	for _, f := range m.fields {
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagCheckSum, TagMsgType:
			continue
		}
		dst = appendField(dst, f.Tag, f.Value)
	}

	var sum uint32
	for _, b := range dst[start:] {
		sum += uint32(b)
	}
	dst = append(dst, '1', '0', '=')
	dst = appendChecksum(dst, byte(sum%256))
	dst = append(dst, SOH)
	return dst, nil
}

// Decode parses one complete wire message. The returned message's values
// alias data; Clone before retaining. Messages come from MessagePool and
// should be Released when done.
func Decode(data []byte) (*Message, error) {
	m := MessagePool.Get().(*Message)
	m.Reset()
	if err := decodeInto(m, data); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

func decodeInto(m *Message, data []byte) error {
	var (
		msgTypeStart  = -1
		checksumStart = -1
	)

	pos := 0
	for pos < len(data) {
		fieldStart := pos
		tag := 0
		for pos < len(data) && data[pos] != '=' {
			c := data[pos]
			if c < '0' || c > '9' {
				return fmt.Errorf("%w: non-numeric tag at offset %d", ErrMalformedField, fieldStart)
			}
			tag = tag*10 + int(c-'0')
			if tag > maxTag {
				return fmt.Errorf("%w: tag at offset %d exceeds %d", ErrMalformedField, fieldStart, maxTag)
			}
			pos++
		}
		if pos == fieldStart {
			return fmt.Errorf("%w: empty tag at offset %d", ErrMalformedField, fieldStart)
		}
		if pos >= len(data) {
			return fmt.Errorf("%w: tag %d has no value separator", ErrMalformedField, tag)
		}
		pos++ // consume '='
		valStart := pos
		for pos < len(data) && data[pos] != SOH {
			pos++
		}
		if pos >= len(data) {
			return fmt.Errorf("%w: tag %d is not SOH terminated", ErrMalformedField, tag)
		}

		switch {
		case len(m.fields) == 0 && tag != TagBeginString:
			return fmt.Errorf("%w: BeginString(8) must be the first field, got %d", ErrMalformedField, tag)
		case len(m.fields) == 1 && tag != TagBodyLength:
			return fmt.Errorf("%w: BodyLength(9) must be the second field, got %d", ErrMalformedField, tag)
		case len(m.fields) == 2 && tag != TagMsgType:
			return fmt.Errorf("%w: MsgType(35) must be the third field, got %d", ErrMalformedField, tag)
		}
		if tag == TagMsgType && msgTypeStart < 0 {
			msgTypeStart = fieldStart
		}
		if tag == TagCheckSum {
			checksumStart = fieldStart
		}

		m.append(tag, data[valStart:pos])
		pos++ // consume SOH

		if tag == TagCheckSum {
			break
		}
	}

	if len(m.fields) < 4 {
		return fmt.Errorf("%w: message has %d fields, need at least 8, 9, 35 and 10", ErrMalformedField, len(m.fields))
	}
	if checksumStart < 0 || m.fields[len(m.fields)-1].Tag != TagCheckSum {
		return fmt.Errorf("%w: CheckSum(10) must be the last field", ErrMalformedField)
	}
	if pos != len(data) {
		return fmt.Errorf("%w: %d trailing bytes after CheckSum(10)", ErrMalformedField, len(data)-pos)
	}

	declaredLen, err := strconv.Atoi(string(m.fields[1].Value))
	if err != nil || declaredLen < 0 {
		return fmt.Errorf("%w: BodyLength(9) value %q is not a length", ErrMalformedField, m.fields[1].Value)
	}
	if actual := checksumStart - msgTypeStart; actual != declaredLen {
		return fmt.Errorf("%w: declared %d, actual %d", ErrBodyLengthMismatch, declaredLen, actual)
	}

	declaredSum := m.fields[len(m.fields)-1].Value
	if len(declaredSum) != 3 {
		return fmt.Errorf("%w: CheckSum(10) value %q must be exactly three digits", ErrMalformedField, declaredSum)
	}
	var sum uint32
	for _, b := range data[:checksumStart] {
		sum += uint32(b)
	}
	computed := byte(sum % 256)
	declared, err := strconv.Atoi(string(declaredSum))
	if err != nil || declared > 255 {
		return fmt.Errorf("%w: CheckSum(10) value %q is not a checksum", ErrMalformedField, declaredSum)
	}
	if byte(declared) != computed {
		return fmt.Errorf("%w: declared %03d, computed %03d", ErrChecksumMismatch, declared, computed)
	}
	return nil
}

func appendField(dst []byte, tag int, value []byte) []byte {
	dst = strconv.AppendInt(dst, int64(tag), 10)
	dst = append(dst, '=')
	dst = append(dst, value...)
	return append(dst, SOH)
}

// appendChecksum writes the three-digit zero-padded checksum.
func appendChecksum(dst []byte, sum byte) []byte {
	return append(dst, '0'+sum/100, '0'+(sum/10)%10, '0'+sum%10)
}

func fieldLen(tag int, value []byte) int {
	return tagDigits(tag) + 1 + len(value) + 1
}

func tagDigits(tag int) int {
	d := 1
	for tag >= 10 {
		tag /= 10
		d++
	}
	return d
}
