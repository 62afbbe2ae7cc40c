package mcp

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, d *FrameDecoder, chunk []byte) []string {
	t.Helper()
	var out []string
	for frame, err := range d.Feed(chunk) {
		require.NoError(t, err)
		out = append(out, string(frame))
	}
	return out
}

func TestFrameDecoderSplitFrameParsedOnce(t *testing.T) {
	d := NewFrameDecoder(0)
	msg := `{"jsonrpc":"2.0","id":1,"result":{}}`
	wire := EncodeFrame([]byte(msg))

	assert.Empty(t, collect(t, d, wire[:10]))
	assert.Empty(t, collect(t, d, wire[10:len(wire)-3]))
	assert.Equal(t, []string{msg}, collect(t, d, wire[len(wire)-3:]))
	assert.Zero(t, d.Buffered())
	assert.Empty(t, collect(t, d, nil))
}

func TestFrameDecoderMultipleFramesInOneChunk(t *testing.T) {
	d := NewFrameDecoder(0)
	wire := append(EncodeFrame([]byte(`{"a":1}`)), EncodeFrame([]byte(`{"b":2}`))...)
	wire = append(wire, []byte("Content-Length: 7\r\n\r\n{\"c\"")...)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, collect(t, d, wire))
	assert.Equal(t, []string{`{"c":3}`}, collect(t, d, []byte(":3}")))
}

func TestFrameDecoderIsLazy(t *testing.T) {
	d := NewFrameDecoder(0)
	wire := append(EncodeFrame([]byte(`1`)), EncodeFrame([]byte(`2`))...)
	for frame := range d.Feed(wire) {
		assert.Equal(t, "1", string(frame))
		break
	}
	assert.Equal(t, []string{"2"}, collect(t, d, nil))
}

func TestFrameDecoderHeaderVariants(t *testing.T) {
	d := NewFrameDecoder(0)
	wire := "\r\ncontent-length:   2\nContent-Type: application/json\n\n{}"
	assert.Equal(t, []string{"{}"}, collect(t, d, []byte(wire)))
	// Multi-byte UTF-8 content is measured in bytes.
	body := `"héllo"`
	assert.Equal(t, []string{body}, collect(t, d, EncodeFrame([]byte(body))))
}

func TestFrameDecoderRejectsMalformedHeaders(t *testing.T) {
	cases := map[string]string{
		"missing length": "Content-Type: x\r\n\r\n{}",
		"bad length":     "Content-Length: abc\r\n\r\n{}",
		"negative":       "Content-Length: -1\r\n\r\n{}",
		"garbage":        "hello world\r\n\r\n",
		"too large":      "Content-Length: 100\r\n\r\n",
		"header too big": strings.Repeat("x", maxHeaderBytes+1),
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewFrameDecoder(50)
			var errs int
			for _, err := range d.Feed([]byte(wire)) {
				require.ErrorIs(t, err, ErrProtocol)
				errs++
			}
			assert.Equal(t, 1, errs)
			assert.Zero(t, d.Buffered())
		})
	}
}

func TestFrameDecoderSplitInvariance(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("any chunking yields the same frames", prop.ForAll(
		func(bodies []string, cuts []int) bool {
			var wire []byte
			for _, b := range bodies {
				wire = append(wire, EncodeFrame([]byte(b))...)
			}
			d := NewFrameDecoder(0)
			var got []string
			pos := 0
			for _, c := range cuts {
				if pos >= len(wire) {
					break
				}
				end := min(pos+c, len(wire))
				for frame, err := range d.Feed(wire[pos:end]) {
					if err != nil {
						return false
					}
					got = append(got, string(frame))
				}
				pos = end
			}
			for frame, err := range d.Feed(wire[pos:]) {
				if err != nil {
					return false
				}
				got = append(got, string(frame))
			}
			if len(got) != len(bodies) {
				return false
			}
			for i := range bodies {
				if got[i] != bodies[i] {
					return false
				}
			}
			return d.Buffered() == 0
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.IntRange(1, 17)),
	))
	properties.TestingRun(t)
}
