package someip

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSDMachine() (*SDStateMachine, *PeerRegistry, *LocalOfferTable, *SubscriberRegistry, *LocalSubscriptionTable) {
	peers := NewPeerRegistry()
	offers := NewLocalOfferTable()
	subs := NewSubscriberRegistry()
	localSubs := NewLocalSubscriptionTable()
	sm := NewSDStateMachine(peers, offers, subs, localSubs, 0, nil, NopLogger())
	return sm, peers, offers, subs, localSubs
}

func TestSDOfferInstallsPeerAndStopOfferRemoves(t *testing.T) {
	sm, peers, _, _, _ := newTestSDMachine()
	from := Endpoint{IP: net.ParseIP("10.0.0.9"), Port: 30509, Transport: TransportUDP}
	ep := SDOption{Type: SDOptionIPv4Endpoint, IP: net.ParseIP("10.0.0.9").To4(), Proto: TransportUDP, Port: 30509}

	offer := SDMessage{Entries: []SDEntry{
			{Type: SDOfferService, ServiceID: 0x1001, InstanceID: 1, TTL: 3, Options: []SDOption{ep}},
	}}
	sm.HandleMessage(offer, from, "eth0", func(sdOutbound) { t.Fatal("offer must not produce a reply") })

	got, ok := peers.Lookup(0x1001, 1)
	require.True(t, ok)
	assert.True(t, got.IP.Equal(ep.IP))

	stop := SDMessage{Entries: []SDEntry{{Type: SDOfferService, ServiceID: 0x1001, InstanceID: 1, TTL: 0}}}
	sm.HandleMessage(stop, from, "eth0", func(sdOutbound) {})

	_, ok = peers.Lookup(0x1001, 1)
	assert.False(t, ok)
}

func TestSDOfferPrefersMatchingTransport(t *testing.T) {
	peers := NewPeerRegistry()
	offers := NewLocalOfferTable()
	subs := NewSubscriberRegistry()
	localSubs := NewLocalSubscriptionTable()
	lookup := func(service ServiceID, instance InstanceID) Transport { return TransportTCP }
	sm := NewSDStateMachine(peers, offers, subs, localSubs, 0, lookup, NopLogger())

	from := Endpoint{IP: net.ParseIP("10.0.0.9"), Port: 30509, Transport: TransportUDP}
	udpOpt := SDOption{Type: SDOptionIPv4Endpoint, IP: net.ParseIP("10.0.0.9").To4(), Proto: TransportUDP, Port: 30509}
	tcpOpt := SDOption{Type: SDOptionIPv4Endpoint, IP: net.ParseIP("10.0.0.9").To4(), Proto: TransportTCP, Port: 30510}

	offer := SDMessage{Entries: []SDEntry{
			{Type: SDOfferService, ServiceID: 0x1001, InstanceID: 1, TTL: 3, Options: []SDOption{udpOpt, tcpOpt}},
	}}
	sm.HandleMessage(offer, from, "eth0", func(sdOutbound) { t.Fatal("offer must not produce a reply") })

	got, ok := peers.Lookup(0x1001, 1)
	require.True(t, ok)
	assert.Equal(t, TransportTCP, got.Transport)
	assert.Equal(t, uint16(30510), got.Port)
}

func TestSDSubscribeProducesExactlyOneAckAndDedupes(t *testing.T) {
	sm, _, offers, subs, _ := newTestSDMachine()
	offers.Add(&OfferedService{Service: 0x3000, Instance: 1, Interfaces: []string{"eth0"}})

	from := Endpoint{IP: net.ParseIP("10.0.0.2"), Port: 4000, Transport: TransportUDP}
	sub := SDMessage{Entries: []SDEntry{
			{Type: SDSubscribeEventgroup, ServiceID: 0x3000, InstanceID: 1, EventgroupID: 1, TTL: 3600},
	}}

	var acks int
	deliver := func(out sdOutbound) {
		acks++
		assert.Equal(t, SDSubscribeEventgroupAck, out.entry.Type)
		assert.Equal(t, from, out.to)
	}

	sm.HandleMessage(sub, from, "eth0", deliver)
	assert.Equal(t, 1, acks)
	assert.Len(t, subs.List(0x3000, 1), 1)

	// Duplicate subscribe from the same endpoint: no new entry, no new ack.
	sm.HandleMessage(sub, from, "eth0", deliver)
	assert.Equal(t, 1, acks)
	assert.Len(t, subs.List(0x3000, 1), 1)
}

func TestSDSubscribeIgnoredWhenNotOffered(t *testing.T) {
	sm, _, _, subs, _ := newTestSDMachine()
	from := Endpoint{IP: net.ParseIP("10.0.0.2"), Port: 4000, Transport: TransportUDP}
	sub := SDMessage{Entries: []SDEntry{
			{Type: SDSubscribeEventgroup, ServiceID: 0x3000, InstanceID: 1, EventgroupID: 1, TTL: 3600},
	}}
	sm.HandleMessage(sub, from, "eth0", func(sdOutbound) { t.Fatal("must not ack an unoffered service") })
	assert.Empty(t, subs.List(0x3000, 1))
}

func TestSDAckMarksLocalSubscription(t *testing.T) {
	sm, _, _, _, localSubs := newTestSDMachine()
	localSubs.Set(0x3000, 1, &LocalSubscription{})

	ack := SDMessage{Entries: []SDEntry{{Type: SDSubscribeEventgroupAck, ServiceID: 0x3000, InstanceID: 1, EventgroupID: 1, TTL: 3600}}}
	sm.HandleMessage(ack, Endpoint{}, "eth0", func(sdOutbound) {})

	sub, ok := localSubs.Get(0x3000, 1)
	require.True(t, ok)
	assert.True(t, sub.Acked)

	nack := SDMessage{Entries: []SDEntry{{Type: SDSubscribeEventgroupAck, ServiceID: 0x3000, InstanceID: 1, EventgroupID: 1, TTL: 0}}}
	sm.HandleMessage(nack, Endpoint{}, "eth0", func(sdOutbound) {})
	assert.True(t, sub.Failed)
}

func TestSDFindServiceReplicatesOfferToRequester(t *testing.T) {
	sm, _, offers, _, _ := newTestSDMachine()
	offers.Add(&OfferedService{Service: 0x4000, Instance: 2, Major: 1, Interfaces: []string{"eth0"}})

	from := Endpoint{IP: net.ParseIP("10.0.0.3"), Port: 30509, Transport: TransportUDP}
	find := SDMessage{Entries: []SDEntry{{Type: SDFindService, ServiceID: 0x4000, InstanceID: 2}}}

	var got *sdOutbound
	sm.HandleMessage(find, from, "eth0", func(out sdOutbound) { got = &out })

	require.NotNil(t, got)
	assert.Equal(t, SDOfferService, got.entry.Type)
	assert.Equal(t, from, got.to)
}

func TestSDReplyDelayIsHonored(t *testing.T) {
	peers := NewPeerRegistry()
	offers := NewLocalOfferTable()
	offers.Add(&OfferedService{Service: 0x4000, Instance: 1, Interfaces: []string{"eth0"}})
	subs := NewSubscriberRegistry()
	localSubs := NewLocalSubscriptionTable()
	sm := NewSDStateMachine(peers, offers, subs, localSubs, 30*time.Millisecond, nil, NopLogger())

	from := Endpoint{IP: net.ParseIP("10.0.0.3"), Port: 1, Transport: TransportUDP}
	find := SDMessage{Entries: []SDEntry{{Type: SDFindService, ServiceID: 0x4000, InstanceID: 1}}}

	delivered := make(chan struct{})
	sm.HandleMessage(find, from, "eth0", func(sdOutbound) { close(delivered) })

	select {
		case <-delivered:
		t.Fatal("reply delivered before the configured delay")
		case <-time.After(10 * time.Millisecond):
	}
	select {
		case <-delivered:
		case <-time.After(200 * time.Millisecond):
		t.Fatal("reply never delivered")
	}
}
