package someip

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerRegistryUpsertAndLookup(t *testing.T) {
	r := NewPeerRegistry()
	ep := Endpoint{IP: net.ParseIP("10.0.0.5"), Port: 30509, Transport: TransportUDP}

	changed := r.Upsert(0x1001, 1, ep, 0xFFFFFF)
	assert.True(t, changed)

	got, ok := r.Lookup(0x1001, 1)
	assert.True(t, ok)
	assert.Equal(t, ep, got)

	// Refreshing with the same endpoint is not a change.
	assert.False(t, r.Upsert(0x1001, 1, ep, 0xFFFFFF))
}

func TestPeerRegistryLookupAnyInstance(t *testing.T) {
	r := NewPeerRegistry()
	ep := Endpoint{IP: net.ParseIP("10.0.0.5"), Port: 1, Transport: TransportUDP}
	r.Upsert(0x2000, 7, ep, 0xFFFFFF)

	got, ok := r.Lookup(0x2000, InstanceIDAny)
	assert.True(t, ok)
	assert.Equal(t, ep, got)
}

func TestPeerRegistryRemoveAndExpire(t *testing.T) {
	r := NewPeerRegistry()
	ep := Endpoint{IP: net.ParseIP("10.0.0.5"), Port: 1, Transport: TransportUDP}
	r.Upsert(1, 1, ep, 0xFFFFFF)
	r.Remove(1, 1)
	_, ok := r.Lookup(1, 1)
	assert.False(t, ok)

	r.Upsert(2, 1, ep, 1)
	expired := r.ExpireTTL(time.Now().Add(2 * time.Second))
	assert.Len(t, expired, 1)
	_, ok = r.Lookup(2, 1)
	assert.False(t, ok)
}

func TestSubscriberRegistryDedupAndAck(t *testing.T) {
	s := NewSubscriberRegistry()
	ep := Endpoint{IP: net.ParseIP("192.168.0.2"), Port: 4000, Transport: TransportUDP}

	isNew := s.Add(0x3000, 1, ep, 3600)
	assert.True(t, isNew)
	isNew = s.Add(0x3000, 1, ep, 3600)
	assert.False(t, isNew, "duplicate subscribe from the same endpoint must not create a second entry")

	list := s.List(0x3000, 1)
	assert.Len(t, list, 1)

	s.Remove(0x3000, 1, ep)
	assert.Empty(t, s.List(0x3000, 1))
}

func TestSubscriberRegistryExpireTTL(t *testing.T) {
	s := NewSubscriberRegistry()
	ep := Endpoint{IP: net.ParseIP("192.168.0.2"), Port: 4000, Transport: TransportUDP}
	s.Add(0x3000, 1, ep, 1)

	s.ExpireTTL(time.Now().Add(2 * time.Second))
	assert.Empty(t, s.List(0x3000, 1))
}

func TestLocalOfferTableDueOffer(t *testing.T) {
	tbl := NewLocalOfferTable()
	o := &OfferedService{Service: 1, Instance: 1, CyclePeriod: 100 * time.Millisecond}
	tbl.Add(o)

	assert.True(t, o.DueOffer(time.Now()), "first offer is due immediately")
	assert.False(t, o.DueOffer(time.Now()), "not due again until the cycle elapses")
	assert.True(t, o.DueOffer(time.Now().Add(200*time.Millisecond)))
}

func TestLocalOfferTableBoundPorts(t *testing.T) {
	o := &OfferedService{Service: 1, Instance: 1}
	o.SetBoundPort("eth0", 30509)
	port, ok := o.BoundPort("eth0")
	assert.True(t, ok)
	assert.EqualValues(t, 30509, port)
}

func TestPendingRequestTableCompleteAndRemove(t *testing.T) {
	tbl := NewPendingRequestTable()
	slot, release := tbl.Register(1, 1, 42)
	defer release()

	assert.Equal(t, 1, tbl.Len())
	ok := tbl.Complete(1, 1, 42, []byte{1, 2, 3}, nil)
	assert.True(t, ok)

	<-slot.done
	assert.Equal(t, []byte{1, 2, 3}, slot.payload)
	assert.NoError(t, slot.err)
}

func TestPendingRequestTableCompleteUnknownSlotReturnsFalse(t *testing.T) {
	tbl := NewPendingRequestTable()
	assert.False(t, tbl.Complete(9, 9, 9, nil, nil))
}

func TestPendingRequestTableFailAll(t *testing.T) {
	tbl := NewPendingRequestTable()
	slot, release := tbl.Register(1, 1, 1)
	defer release()

	tbl.FailAll(ErrShutdown)
	<-slot.done
	assert.ErrorIs(t, slot.err, ErrShutdown)
	assert.Equal(t, 0, tbl.Len())
}
