package someip

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadPattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 256)
	}
	return p
}

func TestSegmentReassembleRoundTrip(t *testing.T) {
	payload := payloadPattern(5000)
	segs := Segment(payload, 1400)

	r := NewTPReassembler()
	var out []byte
	for i, seg := range segs {
		res, result := r.Process(1, 1, 0, 1, seg)
		if i < len(segs)-1 {
			assert.Equal(t, ResultPending, result)
		} else {
			require.Equal(t, ResultComplete, result)
			out = res
		}
	}
	assert.Equal(t, payload, out)
}

func TestReassembleIsPermutationInvariant(t *testing.T) {
	payload := payloadPattern(3216)
	segs := Segment(payload, 400)

	shuffled := append([]TPSegment(nil), segs...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	r := NewTPReassembler()
	var out []byte
	var result ReassemblyResult
	for _, seg := range shuffled {
		out, result = r.Process(1, 2, 0, 5, seg)
	}
	assert.Equal(t, ResultComplete, result)
	assert.Equal(t, payload, out)
}

func TestSegmentNonFinalChunksAreSixteenByteAligned(t *testing.T) {
	segs := Segment(payloadPattern(1000), 333)
	for i, seg := range segs {
		if i == len(segs)-1 {
			continue
		}
		assert.Zero(t, len(seg.Payload)%tpSegmentUnit)
		assert.True(t, seg.Header.MoreSegments)
	}
	assert.False(t, segs[len(segs)-1].Header.MoreSegments)
}

func TestMisalignedNonFinalSegmentAbortsSession(t *testing.T) {
	r := NewTPReassembler()

	bad := TPSegment{Header: TPSegmentHeader{Offset: 0, MoreSegments: true}, Payload: make([]byte, 10)}
	_, result := r.Process(1, 1, 0, 9, bad)
	assert.Equal(t, ResultError, result)

	// A final segment can no longer complete the aborted session.
	final := TPSegment{Header: TPSegmentHeader{Offset: 0, MoreSegments: false}, Payload: make([]byte, 10)}
	_, result = r.Process(1, 1, 0, 9, final)
	assert.Equal(t, ResultPending, result)
}

func TestTPHeaderRoundTrip(t *testing.T) {
	h := TPSegmentHeader{Offset: 0x1234, MoreSegments: true}
	buf := make([]byte, TPHeaderSize)
	WriteTPHeader(h, buf)

	got, err := ParseTPHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}
