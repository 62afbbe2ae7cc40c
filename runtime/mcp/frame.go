package mcp

import (
	"bytes"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

const (
	// maxHeaderBytes bounds the header block of a frame.
	maxHeaderBytes = 8 << 10
	// DefaultMaxFrameBytes bounds the body of a frame.
	DefaultMaxFrameBytes = 64 << 20
)

var (
	crlfSep = []byte("\r\n\r\n")
	lfSep   = []byte("\n\n")
)

// FrameDecoder reassembles Content-Length framed messages from a byte stream
// delivered in arbitrary chunks. It is not safe for concurrent use.
type FrameDecoder struct {
	buf      []byte
	maxFrame int
}

// NewFrameDecoder returns a decoder rejecting bodies larger than maxFrame
// bytes. A non-positive maxFrame selects DefaultMaxFrameBytes.
func NewFrameDecoder(maxFrame int) *FrameDecoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &FrameDecoder{maxFrame: maxFrame}
}

// Feed buffers chunk and returns an iterator over the frames completed so
// far. Frames are decoded lazily as the iterator advances; frames left
// unconsumed stay buffered for the next call. A malformed header yields an
// ErrProtocol error and discards the buffer since the stream cannot be
// resynchronized.
func (d *FrameDecoder) Feed(chunk []byte) iter.Seq2[[]byte, error] {
	d.buf = append(d.buf, chunk...)
	return func(yield func([]byte, error) bool) {
		for {
			frame, ok, err := d.next()
			if err != nil {
				d.buf = nil
				yield(nil, err)
				return
			}
			if !ok || !yield(frame, nil) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *FrameDecoder) Buffered() int { return len(d.buf) }

func (d *FrameDecoder) next() ([]byte, bool, error) {
	d.buf = bytes.TrimLeft(d.buf, "\r\n")
	end, sepLen := headerEnd(d.buf)
	if end < 0 {
		if len(d.buf) > maxHeaderBytes {
			return nil, false, fmt.Errorf("%w: frame header exceeds %d bytes", ErrProtocol, maxHeaderBytes)
		}
		return nil, false, nil
	}
	length, err := contentLength(d.buf[:end])
	if err != nil {
		return nil, false, err
	}
	if length > d.maxFrame {
		return nil, false, fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", ErrProtocol, length, d.maxFrame)
	}
	start := end + sepLen
	if len(d.buf)-start < length {
		return nil, false, nil
	}
	frame := make([]byte, length)
	copy(frame, d.buf[start:start+length])
	d.buf = append(d.buf[:0], d.buf[start+length:]...)
	return frame, true, nil
}

// headerEnd locates the blank line closing the header block, accepting both
// CRLF and bare LF line endings.
func headerEnd(buf []byte) (int, int) {
	i := bytes.Index(buf, crlfSep)
	j := bytes.Index(buf, lfSep)
	switch {
	case i < 0 && j < 0:
		return -1, 0
	case j < 0 || (i >= 0 && i < j):
		return i, len(crlfSep)
	default:
		return j, len(lfSep)
	}
}

func contentLength(header []byte) (int, error) {
	length := -1
	for line := range strings.SplitSeq(string(header), "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return 0, fmt.Errorf("%w: malformed header line %q", ErrProtocol, line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrProtocol, strings.TrimSpace(value))
		}
		length = n
	}
	if length < 0 {
		return 0, fmt.Errorf("%w: Content-Length header missing", ErrProtocol)
	}
	return length, nil
}

// EncodeFrame prefixes payload with its Content-Length header.
func EncodeFrame(payload []byte) []byte {
	header := "Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...)
}
