package someip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		ServiceID: 0x1234,
		MethodID: 0x0421,
		ClientID: 0x0001,
		SessionID: 0x0042,
		ProtocolVersion: protocolVersion,
		InterfaceVersion: 1,
		MessageType: MsgTypeRequest,
		ReturnCode: ReturnOk,
	}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	raw := BuildMessage(h, payload)
	got, body, err := SplitMessage(raw)
	require.NoError(t, err)

	h.Length = uint32(len(payload)) + 8
	assert.Equal(t, h, got)
	assert.Equal(t, payload, body)
}

func TestHeaderPayloadLength(t *testing.T) {
	for _, p := range [][]byte{{}, {0x01}, make([]byte, 1400)} {
		raw := BuildMessage(Header{MessageType: MsgTypeNotification, ProtocolVersion: protocolVersion}, p)
		h, _, err := SplitMessage(raw)
		require.NoError(t, err)
		assert.EqualValues(t, len(p), h.PayloadLength())
	}
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	_, err := ParseHeader(make([]byte, 15))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseHeaderRejectsWrongProtocolVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[12] = 0x02
	_, err := ParseHeader(buf)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestSplitMessageRejectsLengthMismatch(t *testing.T) {
	raw := BuildMessage(Header{ProtocolVersion: protocolVersion}, []byte{1, 2, 3})
	raw = append(raw, 0xFF) // now longer than Length claims
	_, _, err := SplitMessage(raw)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
