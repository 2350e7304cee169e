package tws

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameSize bounds a single upstream frame; anything larger is a
// protocol error.
const maxFrameSize = 0xFFFFFF

// encodeFrame serializes fields into the TWS wire form: a 4-byte
// big-endian length prefix followed by NUL-terminated fields.
func encodeFrame(fields ...string) []byte {
	size := 0
	for _, f := range fields {
		size += len(f) + 1
	}

	buf := make([]byte, 4, 4+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	for _, f := range fields {
		buf = append(buf, f...)
		buf = append(buf, 0)
	}
	return buf
}

// readFrame reads one length-prefixed frame and splits it into fields.
func readFrame(r io.Reader) ([]string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	// Fields are NUL-terminated; drop the trailing empty split.
	fields := strings.Split(string(payload), "\x00")
	if n := len(fields); n > 0 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	return fields, nil
}

// fieldScanner walks a decoded frame's fields with typed accessors.
// Reads past the end return zero values; Err reports the first failure.
type fieldScanner struct {
	fields []string
	pos    int
	err    error
}

func newScanner(fields []string) *fieldScanner {
	return &fieldScanner{fields: fields}
}

func (s *fieldScanner) next() string {
	if s.pos >= len(s.fields) {
		if s.err == nil {
			s.err = fmt.Errorf("frame truncated at field %d", s.pos)
		}
		return ""
	}
	f := s.fields[s.pos]
	s.pos++
	return f
}

func (s *fieldScanner) nextInt() int {
	f := s.next()
	if f == "" {
		return 0
	}
	n, err := strconv.Atoi(f)
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("field %d: %w", s.pos-1, err)
	}
	return n
}

func (s *fieldScanner) nextInt64() int64 {
	f := s.next()
	if f == "" {
		return 0
	}
	n, err := strconv.ParseInt(f, 10, 64)
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("field %d: %w", s.pos-1, err)
	}
	return n
}

func (s *fieldScanner) nextFloat() float64 {
	f := s.next()
	if f == "" {
		return 0
	}
	v, err := strconv.ParseFloat(f, 64)
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("field %d: %w", s.pos-1, err)
	}
	return v
}

func (s *fieldScanner) nextBool() bool {
	return s.next() == "1"
}

func (s *fieldScanner) Err() error {
	return s.err
}

// Encoding helpers for outbound fields.

func encInt(n int) string        { return strconv.Itoa(n) }
func encInt32(n int32) string    { return strconv.FormatInt(int64(n), 10) }
func encInt64(n int64) string    { return strconv.FormatInt(n, 10) }
func encFloat(v float64) string  { return strconv.FormatFloat(v, 'g', -1, 64) }
func encBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
