package someip

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackIface(t *testing.T, name string) IfaceConfig {
	t.Helper()
	return IfaceConfig{
		Name: name,
		UnicastV4: &Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 0, Transport: TransportUDP},
	}
}

func newTestRuntime(t *testing.T, name string) *Runtime {
	t.Helper()
	cfg := RuntimeConfig{
		Interfaces: []IfaceConfig{loopbackIface(t, name)},
		Reactor: ReactorConfig{
			RequestResponseDelay: 0,
			RequestTimeout: 300 * time.Millisecond,
			MaxTPChunk: 1400,
		},
	}
	rt, err := NewRuntime(cfg, NopLogger())
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func boundEndpoint(rt *Runtime) Endpoint {
	ifc := rt.ifaces[0]
	port, _ := ifc.BoundPort("unicast_v4")
	return Endpoint{IP: net.ParseIP("127.0.0.1"), Port: port, Transport: TransportUDP}
}

func encodeTwoInt32(a, b int32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(a))
	binary.BigEndian.PutUint32(buf[4:8], uint32(b))
	return buf
}

// TestRequestResponseRoundTrip is end-to-end scenario 1: instance A offers
// service 0x1001 method 1 returning a+b; instance B calls send_request and
// must see the sum within request_timeout_ms.
func TestRequestResponseRoundTrip(t *testing.T) {
	a := newTestRuntime(t, "a")
	b := newTestRuntime(t, "b")

	a.OfferService(ProvidingService{Service: 0x1001, Instance: 1}, HandlerFunc(
			func(h Header, payload []byte) ([]byte, ReturnCode) {
				x := int32(binary.BigEndian.Uint32(payload[0:4]))
				y := int32(binary.BigEndian.Uint32(payload[4:8]))
				out := make([]byte, 4)
				binary.BigEndian.PutUint32(out, uint32(x+y))
				return out, ReturnOk
	}))

	resp, err := b.SendRequest(0x1001, 1, encodeTwoInt32(3, 4), boundEndpoint(a))
	require.NoError(t, err)
	require.Len(t, resp, 4)
	assert.EqualValues(t, 7, int32(binary.BigEndian.Uint32(resp)))
}

// TestLargePayloadViaTP is end-to-end scenario 4: a 5,000-byte response is
// reassembled correctly on the requester side.
func TestLargePayloadViaTP(t *testing.T) {
	a := newTestRuntime(t, "a")
	b := newTestRuntime(t, "b")

	want := make([]byte, 5000)
	for i := range want {
		want[i] = byte(i % 256)
	}

	a.OfferService(ProvidingService{Service: 0x1002, Instance: 1}, HandlerFunc(
			func(h Header, payload []byte) ([]byte, ReturnCode) { return want, ReturnOk }))

	resp, err := b.SendRequest(0x1002, 1, nil, boundEndpoint(a))
	require.NoError(t, err)
	assert.Equal(t, want, resp)
}

// TestUnknownServiceReturnsError covers the UnknownService error-handling
// path of: a Request to an unregistered service gets back an Error
// message that completes the pending slot with ErrUnknownService.
func TestUnknownServiceReturnsError(t *testing.T) {
	a := newTestRuntime(t, "a")
	b := newTestRuntime(t, "b")

	_, err := b.SendRequest(0x9999, 1, nil, boundEndpoint(a))
	assert.ErrorIs(t, err, ErrUnknownService)
}

// TestSendRequestTimeout is end-to-end scenario 6: a request to an endpoint
// that never responds returns Timeout, and the pending slot is removed.
func TestSendRequestTimeout(t *testing.T) {
	b := newTestRuntime(t, "b")

	// An address nothing listens on: reserve and close a UDP socket so the
	// port is valid but unbound for the duration of the test.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	deadEndpoint := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(conn.LocalAddr().(*net.UDPAddr).Port), Transport: TransportUDP}
	conn.Close()

	_, err = b.SendRequest(0x1234, 1, nil, deadEndpoint)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, b.pending.Len())
}

// TestSubscribeAndNotify is end-to-end scenario 3's data-plane half: once B
// is an admitted subscriber of A's eventgroup, A's notification reaches B's
// listener with the exact payload over the real UDP socket pair. The SD
// control-plane subscribe/ack exchange that admits a subscriber is
// exercised directly against SDStateMachine in sd_test.go; here the
// Subscriber Registry is seeded the way that exchange would leave it.
func TestSubscribeAndNotify(t *testing.T) {
	a := newTestRuntime(t, "a")
	b := newTestRuntime(t, "b")

	a.offers.Add(&OfferedService{Service: 0x3000, Instance: 1, Interfaces: []string{"a"}})
	a.subs.Add(0x3000, 1, boundEndpoint(b), 0xFFFFFF)
	b.localSubs.Set(0x3000, 1, &LocalSubscription{Acked: true})

	received := make(chan []byte, 1)
	b.RegisterNotifyListener(0x3000, 0x8001, func(h Header, payload []byte) { received <- payload })

	require.True(t, b.IsSubscriptionAcked(0x3000, 1))

	a.SendNotification(0x3000, 0x8001, 1, []byte{0xAA, 0xBB})

	select {
		case payload := <-received:
		assert.Equal(t, []byte{0xAA, 0xBB}, payload)
		case <-time.After(time.Second):
		t.Fatal("notification never delivered")
	}
}

// TestStopOfferRemovesPeer is end-to-end scenario 5: once a StopOffer is
// processed, get_remote_service returns false and a subsequent request is
// Unreachable.
func TestStopOfferRemovesPeer(t *testing.T) {
	b := newTestRuntime(t, "b")
	ep := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 40000, Transport: TransportUDP}
	b.peers.Upsert(0x4000, 1, ep, 0xFFFFFF)

	_, ok := b.GetRemoteService(0x4000, 1)
	require.True(t, ok)

	b.peers.Remove(0x4000, 1)

	_, ok = b.GetRemoteService(0x4000, 1)
	assert.False(t, ok)

	_, err := b.SendRequest(0x4000, 1, nil, Endpoint{})
	assert.ErrorIs(t, err, ErrUnreachable)
}
