package someip

import (
	"encoding/binary"
	"net"
	"strings"
)

// SDEntryType is the SD entry "type" field.
type SDEntryType uint8

// Entry types used by this runtime.
const (
	SDFindService SDEntryType = 0x00
	SDOfferService SDEntryType = 0x01
	SDSubscribeEventgroup SDEntryType = 0x06
	SDSubscribeEventgroupAck SDEntryType = 0x07
)

// SDOptionType is an SD option's "type" byte.
type SDOptionType uint8

// Option types used by this runtime.
const (
	SDOptionIPv4Endpoint SDOptionType = 0x04
	SDOptionIPv6Endpoint SDOptionType = 0x06
	SDOptionIPv4Multicast SDOptionType = 0x14
	SDOptionIPv6Multicast SDOptionType = 0x16
)

// SDOption is one SD endpoint/multicast option.
type SDOption struct {
	Type SDOptionType
	IP net.IP
	Proto Transport
	Port uint16
}

func (o SDOption) equal(other SDOption) bool {
	return o.Type == other.Type && o.Proto == other.Proto && o.Port == other.Port && o.IP.Equal(other.IP)
}

// AsEndpoint converts an endpoint-typed option into an Endpoint.
func (o SDOption) AsEndpoint() Endpoint {
	return Endpoint{IP: o.IP, Port: o.Port, Transport: o.Proto}
}

// SDEntry is one parsed or to-be-written SD entry plus the endpoint options
// resolved for it. ParseSD populates Options from the shared options table;
// WriteSD consumes them to build that table, sharing one block between
// entries whose option lists are identical.
type SDEntry struct {
	Type SDEntryType
	ServiceID ServiceID
	InstanceID InstanceID
	MajorVersion uint8
	TTL uint32 // seconds, 24-bit on the wire
	MinorVersion uint32 // Offer/Find entries
	EventgroupID EventgroupID // Subscribe/SubscribeAck entries: minor>>16
	Options []SDOption
}

// SDFlags are the SD message's 4-byte flags field.
type SDFlags struct {
	Reboot bool
	Unicast bool
}

func (f SDFlags) encode() uint32 {
	var v uint32
	if f.Reboot {
		v |= 1 << 31
	}
	if f.Unicast {
		v |= 1 << 30
	}
	return v
}

func decodeSDFlags(v uint32) SDFlags {
	return SDFlags{Reboot: v&(1<<31) != 0, Unicast: v&(1<<30) != 0}
}

// SDMessage is a fully parsed Service Discovery payload.
type SDMessage struct {
	Flags SDFlags
	Entries []SDEntry
}

const sdEntrySize = 16

// ParseSD parses a SOME/IP SD payload (the bytes after the 16-byte message
// header). Malformed entry/option indices or lengths are a parse error and
// the whole message is dropped.
func ParseSD(payload []byte) (SDMessage, error) {
	if len(payload) < 8 {
		return SDMessage{}, ErrMalformedMessage
	}
	flags := decodeSDFlags(binary.BigEndian.Uint32(payload[0:4]))
	entriesLen := binary.BigEndian.Uint32(payload[4:8])
	off := 8
	if uint64(off)+uint64(entriesLen) > uint64(len(payload)) || entriesLen%sdEntrySize != 0 {
		return SDMessage{}, ErrMalformedMessage
	}
	entryBytes := payload[off: off+int(entriesLen)]
	off += int(entriesLen)

	if off+4 > len(payload) {
		return SDMessage{}, ErrMalformedMessage
	}
	optionsLen := binary.BigEndian.Uint32(payload[off: off+4])
	off += 4
	if uint64(off)+uint64(optionsLen) > uint64(len(payload)) {
		return SDMessage{}, ErrMalformedMessage
	}
	optionBytes := payload[off: off+int(optionsLen)]

	options, err := parseSDOptions(optionBytes)
	if err != nil {
		return SDMessage{}, err
	}

	n := len(entryBytes) / sdEntrySize
	entries := make([]SDEntry, 0, n)
	for i := 0; i < n; i++ {
		b := entryBytes[i*sdEntrySize: (i+1)*sdEntrySize]
		e, err := parseSDEntry(b, options)
		if err != nil {
			return SDMessage{}, err
		}
		entries = append(entries, e)
	}
	return SDMessage{Flags: flags, Entries: entries}, nil
}

func parseSDEntry(b []byte, options []SDOption) (SDEntry, error) {
	typ := SDEntryType(b[0])
	index1 := int(b[1])
	index2 := int(b[2])
	numOpts := b[3]
	run1 := int(numOpts >> 4)
	run2 := int(numOpts & 0x0F)

	serviceID := ServiceID(binary.BigEndian.Uint16(b[4:6]))
	instanceID := InstanceID(binary.BigEndian.Uint16(b[6:8]))
	major := b[8]
	ttl := uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11])
	minor := binary.BigEndian.Uint32(b[12:16])

	e := SDEntry{
		Type: typ,
		ServiceID: serviceID,
		InstanceID: instanceID,
		MajorVersion: major,
		TTL: ttl,
	}

	switch typ {
		case SDSubscribeEventgroup, SDSubscribeEventgroupAck:
		e.EventgroupID = EventgroupID(minor >> 16)
		default:
		e.MinorVersion = minor
	}

	opts, err := resolveEntryOptions(options, index1, run1, index2, run2)
	if err != nil {
		return SDEntry{}, err
	}
	e.Options = opts
	return e, nil
}

func resolveEntryOptions(options []SDOption, index1, run1, index2, run2 int) ([]SDOption, error) {
	var out []SDOption
	if run1 > 0 {
		if index1 < 0 || index1+run1 > len(options) {
			return nil, ErrMalformedMessage
		}
		out = append(out, options[index1:index1+run1]...)
	}
	if run2 > 0 {
		if index2 < 0 || index2+run2 > len(options) {
			return nil, ErrMalformedMessage
		}
		out = append(out, options[index2:index2+run2]...)
	}
	return out, nil
}

func parseSDOptions(buf []byte) ([]SDOption, error) {
	var opts []SDOption
	off := 0
	for off < len(buf) {
		if off+3 > len(buf) {
			return nil, ErrMalformedMessage
		}
		length := int(binary.BigEndian.Uint16(buf[off: off+2]))
		typ := SDOptionType(buf[off+2])
		rest := buf[off+3:]
		if length > len(rest) {
			return nil, ErrMalformedMessage
		}
		body := rest[:length]

		opt, err := parseSDOption(typ, body)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
		off += 3 + length
	}
	return opts, nil
}

func parseSDOption(typ SDOptionType, body []byte) (SDOption, error) {
	switch typ {
		case SDOptionIPv4Endpoint, SDOptionIPv4Multicast:
		if len(body) != 9 {
			return SDOption{}, ErrMalformedMessage
		}
		ip := net.IP(append([]byte(nil), body[1:5]...))
		proto := Transport(body[6])
		port := binary.BigEndian.Uint16(body[7:9])
		return SDOption{Type: typ, IP: ip, Proto: proto, Port: port}, nil
		case SDOptionIPv6Endpoint, SDOptionIPv6Multicast:
		if len(body) != 21 {
			return SDOption{}, ErrMalformedMessage
		}
		ip := net.IP(append([]byte(nil), body[1:17]...))
		proto := Transport(body[18])
		port := binary.BigEndian.Uint16(body[19:21])
		return SDOption{Type: typ, IP: ip, Proto: proto, Port: port}, nil
		default:
		return SDOption{}, ErrMalformedMessage
	}
}

// WriteSD builds an SD payload from entries, in the order given. An entry
// whose option list is identical to an earlier entry's reuses that block,
// so the options are emitted once; an option that appears in two different
// lists is emitted once per list. This runtime only ever attaches one
// contiguous endpoint block
// per entry, so every entry uses a single option run (index1/run1); index2/
// run2 are always zero on write, though ParseSD understands them on
// messages from other stacks.
func WriteSD(flags SDFlags, entries []SDEntry) []byte {
	var dedupOpts []SDOption
	type block struct{ start, count int }
	seen := make(map[string]block)

	blockFor := func(opts []SDOption) block {
		if len(opts) == 0 {
			return block{}
		}
		key := optionSetKey(opts)
		if b, ok := seen[key]; ok {
			return b
		}
		b := block{start: len(dedupOpts), count: len(opts)}
		dedupOpts = append(dedupOpts, opts...)
		seen[key] = b
		return b
	}

	entryBuf := make([]byte, 0, len(entries)*sdEntrySize)
	for _, e := range entries {
		b := blockFor(e.Options)

		var raw [sdEntrySize]byte
		raw[0] = byte(e.Type)
		raw[1] = byte(b.start)
		raw[2] = 0
		raw[3] = byte(b.count << 4)
		binary.BigEndian.PutUint16(raw[4:6], uint16(e.ServiceID))
		binary.BigEndian.PutUint16(raw[6:8], uint16(e.InstanceID))
		raw[8] = e.MajorVersion
		raw[9] = byte(e.TTL >> 16)
		raw[10] = byte(e.TTL >> 8)
		raw[11] = byte(e.TTL)

		var minor uint32
		switch e.Type {
			case SDSubscribeEventgroup, SDSubscribeEventgroupAck:
			minor = uint32(e.EventgroupID) << 16
			default:
			minor = e.MinorVersion
		}
		binary.BigEndian.PutUint32(raw[12:16], minor)

		entryBuf = append(entryBuf, raw[:]...)
	}

	optBuf := make([]byte, 0, len(dedupOpts)*16)
	for _, o := range dedupOpts {
		optBuf = append(optBuf, encodeSDOption(o)...)
	}

	payload := make([]byte, 0, 8+len(entryBuf)+4+len(optBuf))
	var u32 [4]byte

	binary.BigEndian.PutUint32(u32[:], flags.encode())
	payload = append(payload, u32[:]...)

	binary.BigEndian.PutUint32(u32[:], uint32(len(entryBuf)))
	payload = append(payload, u32[:]...)
	payload = append(payload, entryBuf...)

	binary.BigEndian.PutUint32(u32[:], uint32(len(optBuf)))
	payload = append(payload, u32[:]...)
	payload = append(payload, optBuf...)

	return payload
}

func optionSetKey(opts []SDOption) string {
	var sb strings.Builder
	for _, o := range opts {
		sb.WriteByte(byte(o.Type))
		sb.WriteString(o.IP.String())
		sb.WriteByte(byte(o.Proto))
		sb.WriteByte(byte(o.Port >> 8))
		sb.WriteByte(byte(o.Port))
		sb.WriteByte(0) // separator
	}
	return sb.String()
}

func encodeSDOption(o SDOption) []byte {
	switch o.Type {
		case SDOptionIPv4Endpoint, SDOptionIPv4Multicast:
		buf := make([]byte, 3+9)
		binary.BigEndian.PutUint16(buf[0:2], 9)
		buf[2] = byte(o.Type)
		ip4 := o.IP.To4()
		copy(buf[4:8], ip4)
		buf[9] = byte(o.Proto)
		binary.BigEndian.PutUint16(buf[10:12], o.Port)
		return buf
		case SDOptionIPv6Endpoint, SDOptionIPv6Multicast:
		buf := make([]byte, 3+21)
		binary.BigEndian.PutUint16(buf[0:2], 21)
		buf[2] = byte(o.Type)
		ip16 := o.IP.To16()
		copy(buf[4:20], ip16)
		buf[21] = byte(o.Proto)
		binary.BigEndian.PutUint16(buf[22:24], o.Port)
		return buf
		default:
		return nil
	}
}
