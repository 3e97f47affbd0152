package fix

import (
	"bytes"
	"fmt"
	"io"
)

// trailerLen is the byte length of "10=XXX<SOH>".
const trailerLen = 7

// DefaultMaxFrameBytes bounds a single message read from the stream.
const DefaultMaxFrameBytes = 1 << 16

// Scanner extracts complete FIX frames from a byte stream. It locates the
// message boundary from the BodyLength(9) header field, so a frame is
// returned as soon as its final checksum byte has arrived, across any TCP
// fragmentation.
//
// Scanner is not safe for concurrent use; each session owns one on its
// reader loop.
type Scanner struct {
	r        io.Reader
	buf      []byte
	start    int // first unconsumed byte
	end      int // one past last buffered byte
	maxFrame int
}

// NewScanner wraps r with a frame scanner. maxFrame <= 0 selects
// DefaultMaxFrameBytes.
func NewScanner(r io.Reader, maxFrame int) *Scanner {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Scanner{
		r:        r,
		buf:      make([]byte, 0, 8192),
		maxFrame: maxFrame,
	}
}

// Next returns the next complete raw message. The returned slice aliases the
// scanner's buffer and is valid only until the following Next call; Decode
// immediately or copy. Transport errors from the underlying reader are
// returned as-is (io.EOF included); framing violations wrap ErrMalformedField
// or ErrFrameTooLarge.
func (s *Scanner) Next() ([]byte, error) {
	for {
		if frame, err := s.extract(); frame != nil || err != nil {
			return frame, err
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// extract attempts to slice one complete frame out of the buffer. A nil,nil
// return means more bytes are needed.
func (s *Scanner) extract() ([]byte, error) {
	data := s.buf[s.start:s.end]
	if len(data) < 2 {
		return nil, nil
	}
	if data[0] != '8' || data[1] != '=' {
		return nil, fmt.Errorf("%w: stream does not begin with BeginString(8)", ErrMalformedField)
	}

	firstSOH := bytes.IndexByte(data, SOH)
	if firstSOH < 0 {
		if len(data) > s.maxFrame {
			return nil, fmt.Errorf("%w: no field boundary within %d bytes", ErrFrameTooLarge, s.maxFrame)
		}
		return nil, nil
	}

	rest := data[firstSOH+1:]
	if len(rest) < 2 {
		return nil, nil
	}
	if rest[0] != '9' || rest[1] != '=' {
		return nil, fmt.Errorf("%w: BodyLength(9) does not follow BeginString(8)", ErrMalformedField)
	}
	lenSOH := bytes.IndexByte(rest, SOH)
	if lenSOH < 0 {
		return nil, nil
	}

	bodyLen := 0
	for _, c := range rest[2:lenSOH] {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: BodyLength(9) value %q is not a length", ErrMalformedField, rest[2:lenSOH])
		}
		bodyLen = bodyLen*10 + int(c-'0')
		if bodyLen > s.maxFrame {
			return nil, fmt.Errorf("%w: declared body of %d bytes", ErrFrameTooLarge, bodyLen)
		}
	}

	total := firstSOH + 1 + lenSOH + 1 + bodyLen + trailerLen
	if total > s.maxFrame {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrFrameTooLarge, total)
	}
	if len(data) < total {
		return nil, nil
	}

	s.start += total
	return data[:total], nil
}

// fill reads more bytes, compacting or growing the buffer as needed.
func (s *Scanner) fill() error {
	if s.start > 0 {
		n := copy(s.buf[:cap(s.buf)], s.buf[s.start:s.end])
		s.start, s.end = 0, n
		s.buf = s.buf[:n]
	}
	if s.end == cap(s.buf) {
		grown := make([]byte, s.end, cap(s.buf)*2)
		copy(grown, s.buf[:s.end])
		s.buf = grown
	}
	n, err := s.r.Read(s.buf[s.end:cap(s.buf)])
	if n > 0 {
		s.end += n
		s.buf = s.buf[:s.end]
		return nil
	}
	if err != nil {
		return err
	}
	return io.ErrNoProgress
}
