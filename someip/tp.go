package someip

import (
	"encoding/binary"
	"sort"
	"sync"
)

// TPHeaderSize is the size of the 4-byte TP segment header that precedes a
// segment's payload when the message type has the TP bit set.
const TPHeaderSize = 4

// tpSegmentUnit is the granularity (bytes) of the TP offset field: offset is
// counted in units of 16 bytes, and every non-final segment's payload length
// must be a multiple of it.
const tpSegmentUnit = 16

// TPSegmentHeader is the 4-byte header carried by every TP segment.
type TPSegmentHeader struct {
	Offset uint32 // in units of 16 bytes
	MoreSegments bool
}

// ParseTPHeader decodes the 4-byte TP header from buf.
func ParseTPHeader(buf []byte) (TPSegmentHeader, error) {
	if len(buf) < TPHeaderSize {
		return TPSegmentHeader{}, ErrMalformedMessage
	}
	v := binary.BigEndian.Uint32(buf[0:4])
	return TPSegmentHeader{
		Offset: v >> 4,
		MoreSegments: v&1 != 0,
	}, nil
}

// WriteTPHeader encodes h into the first 4 bytes of out.
func WriteTPHeader(h TPSegmentHeader, out []byte) {
	v := h.Offset<<4 | 0
	if h.MoreSegments {
		v |= 1
	}
	binary.BigEndian.PutUint32(out[0:4], v)
}

// TPSegment is one segment produced by Segment or consumed by the
// reassembler: the 4-byte TP header plus its chunk of the payload.
type TPSegment struct {
	Header TPSegmentHeader
	Payload []byte
}

// Segment partitions payload into chunks no larger than max. Every
// non-final chunk's size is rounded down to a multiple of 16 bytes; the
// final chunk carries the remainder and sets MoreSegments=false. max must
// be >= 16.
func Segment(payload []byte, max int) []TPSegment {
	if max < tpSegmentUnit {
		max = tpSegmentUnit
	}
	chunkSize := max - (max % tpSegmentUnit)
	if chunkSize == 0 {
		chunkSize = tpSegmentUnit
	}

	var segs []TPSegment
	offsetBytes := 0
	for offsetBytes < len(payload) {
		remaining := len(payload) - offsetBytes
		n := chunkSize
		more := true
		if n >= remaining {
			n = remaining
			more = false
		}
		segs = append(segs, TPSegment{
				Header: TPSegmentHeader{
					Offset: uint32(offsetBytes / tpSegmentUnit),
					MoreSegments: more,
				},
				Payload: payload[offsetBytes: offsetBytes+n],
		})
		offsetBytes += n
	}
	if len(segs) == 0 {
		segs = append(segs, TPSegment{Header: TPSegmentHeader{MoreSegments: false}})
	}
	return segs
}

// reassemblyKey identifies one in-flight TP reassembly session.
type reassemblyKey struct {
	service ServiceID
	method MethodID
	client ClientID
	session SessionID
}

type reassemblyState struct {
	chunks map[uint32][]byte // offset (bytes) -> payload
	totalLen int // known once the final segment arrives
	lastSeen bool
	aborted bool
}

// ReassemblyResult is returned by TPReassembler.Process.
type ReassemblyResult int

const (
	// ResultPending means more segments are needed.
	ResultPending ReassemblyResult = iota
	// ResultComplete means the full payload has been assembled and
	// returned.
	ResultComplete
	// ResultError means the session was aborted (misaligned non-final
	// segment) and its buffered segments dropped; no further segment can
	// complete it, and later segments for the same key report ResultPending.
	ResultError
)

// TPReassembler reassembles TP segments keyed by
// (service, method, client, session). It holds no timers and evicts nothing
// on its own: a session that never completes, or was aborted, stays until
// Evict is called for its key. The reactor does not call Evict.
type TPReassembler struct {
	mu sync.Mutex
	state map[reassemblyKey]*reassemblyState
}

// NewTPReassembler creates an empty reassembler.
func NewTPReassembler() *TPReassembler {
	return &TPReassembler{state: make(map[reassemblyKey]*reassemblyState)}
}

// Process feeds one segment into the reassembler for the given key. It
// returns ResultComplete with the full payload exactly once per session,
// ResultPending while incomplete, or ResultError if a misaligned non-final
// segment aborted the session.
func (r *TPReassembler) Process(service ServiceID, method MethodID, client ClientID, session SessionID, seg TPSegment) ([]byte, ReassemblyResult) {
	key := reassemblyKey{service, method, client, session}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.state[key]
	if ok && st.aborted {
		return nil, ResultPending
	}

	if seg.Header.MoreSegments && len(seg.Payload)%tpSegmentUnit != 0 {
		r.state[key] = &reassemblyState{aborted: true}
		return nil, ResultError
	}

	if !ok {
		st = &reassemblyState{chunks: make(map[uint32][]byte)}
		r.state[key] = st
	}

	offsetBytes := seg.Header.Offset * tpSegmentUnit
	buf := make([]byte, len(seg.Payload))
	copy(buf, seg.Payload)
	st.chunks[offsetBytes] = buf

	if !seg.Header.MoreSegments {
		st.lastSeen = true
		st.totalLen = int(offsetBytes) + len(seg.Payload)
	}

	if !st.lastSeen {
		return nil, ResultPending
	}

	full, complete := assembleContiguous(st)
	if !complete {
		return nil, ResultPending
	}
	delete(r.state, key)
	return full, ResultComplete
}

// Evict removes a reassembly session keyed by the given tuple, regardless
// of completion state, dropping a stale in-flight or aborted session.
func (r *TPReassembler) Evict(service ServiceID, method MethodID, client ClientID, session SessionID) {
	r.mu.Lock()
	delete(r.state, reassemblyKey{service, method, client, session})
	r.mu.Unlock()
}

func assembleContiguous(st *reassemblyState) ([]byte, bool) {
	offsets := make([]uint32, 0, len(st.chunks))
	for off := range st.chunks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([]byte, 0, st.totalLen)
	expect := uint32(0)
	for _, off := range offsets {
		if off != expect {
			return nil, false
		}
		chunk := st.chunks[off]
		out = append(out, chunk...)
		expect += uint32(len(chunk))
	}
	if len(out) != st.totalLen {
		return nil, false
	}
	return out, true
}
