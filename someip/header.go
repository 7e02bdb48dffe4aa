package someip

import "encoding/binary"

// HeaderSize is the fixed size of the SOME/IP message header.
const HeaderSize = 16

// Header is the 16-byte SOME/IP message header. All multi-byte fields are
// big-endian.
type Header struct {
	ServiceID ServiceID
	MethodID MethodID
	Length uint32 // payload bytes + 8 (client_id.return_code)
	ClientID ClientID
	SessionID SessionID
	ProtocolVersion uint8
	InterfaceVersion uint8
	MessageType MessageType
	ReturnCode ReturnCode
}

// PayloadLength returns the number of payload bytes implied by Length,
// i.e. Length - 8.
func (h Header) PayloadLength() uint32 {
	if h.Length < 8 {
		return 0
	}
	return h.Length - 8
}

// ParseHeader parses the first 16 bytes of buf into a Header. It requires at
// least HeaderSize bytes and a protocol_version of 1; it does not validate
// Length against the buffer size, which is the caller's job (UDP datagram
// size or TCP framing accumulator).
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrMalformedMessage
	}
	h := Header{
		ServiceID: ServiceID(binary.BigEndian.Uint16(buf[0:2])),
		MethodID: MethodID(binary.BigEndian.Uint16(buf[2:4])),
		Length: binary.BigEndian.Uint32(buf[4:8]),
		ClientID: ClientID(binary.BigEndian.Uint16(buf[8:10])),
		SessionID: SessionID(binary.BigEndian.Uint16(buf[10:12])),
		ProtocolVersion: buf[12],
		InterfaceVersion: buf[13],
		MessageType: MessageType(buf[14]),
		ReturnCode: ReturnCode(buf[15]),
	}
	if h.ProtocolVersion != protocolVersion {
		return Header{}, ErrMalformedMessage
	}
	return h, nil
}

// WriteHeader writes the 16-byte header into out, which must be at least
// HeaderSize bytes.
func WriteHeader(h Header, out []byte) {
	binary.BigEndian.PutUint16(out[0:2], uint16(h.ServiceID))
	binary.BigEndian.PutUint16(out[2:4], uint16(h.MethodID))
	binary.BigEndian.PutUint32(out[4:8], h.Length)
	binary.BigEndian.PutUint16(out[8:10], uint16(h.ClientID))
	binary.BigEndian.PutUint16(out[10:12], uint16(h.SessionID))
	out[12] = h.ProtocolVersion
	out[13] = h.InterfaceVersion
	out[14] = byte(h.MessageType)
	out[15] = byte(h.ReturnCode)
}

// BuildMessage packs a full SOME/IP message (header + payload) with Length
// computed from len(payload).
func BuildMessage(h Header, payload []byte) []byte {
	h.Length = uint32(len(payload)) + 8
	buf := make([]byte, HeaderSize+len(payload))
	WriteHeader(h, buf)
	copy(buf[HeaderSize:], payload)
	return buf
}

// SplitMessage parses the header and returns the header plus the payload
// slice (sharing the backing array with buf). It rejects messages whose
// declared Length does not match the available buffer.
func SplitMessage(buf []byte) (Header, []byte, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	want := int(h.Length) + 8
	if want != len(buf) {
		return Header{}, nil, ErrMalformedMessage
	}
	return h, buf[HeaderSize:], nil
}
