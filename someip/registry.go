package someip

import (
	"sync"
	"time"
)

// peerKey identifies one Peer Registry slot.
type peerKey struct {
	service ServiceID
	instance InstanceID
}

type peerEntry struct {
	endpoint Endpoint
	expiry time.Time // zero means "no expiry" (ttl was 0xFFFFFF/forever)
}

// PeerRegistry maps (service_id, instance_id) to the unicast endpoint last
// learned from a valid OfferService entry.
type PeerRegistry struct {
	mu sync.RWMutex
	entries map[peerKey]peerEntry
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{entries: make(map[peerKey]peerEntry)}
}

// Upsert installs or refreshes the endpoint for (service, instance). ttl is
// in seconds; 0xFFFFFF (24-bit max) means "never expires".
func (r *PeerRegistry) Upsert(service ServiceID, instance InstanceID, ep Endpoint, ttl uint32) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := peerKey{service, instance}
	prev, existed := r.entries[key]

	var expiry time.Time
	if ttl != 0xFFFFFF {
		expiry = time.Now().Add(time.Duration(ttl) * time.Second)
	}
	r.entries[key] = peerEntry{endpoint: ep, expiry: expiry}
	return !existed || !prev.endpoint.IP.Equal(ep.IP) || prev.endpoint.Port != ep.Port || prev.endpoint.Transport != ep.Transport
}

// Remove deletes the entry for (service, instance), if present.
func (r *PeerRegistry) Remove(service ServiceID, instance InstanceID) {
	r.mu.Lock()
	delete(r.entries, peerKey{service, instance})
	r.mu.Unlock()
}

// Lookup resolves (service, instance) to its endpoint. instance ==
// InstanceIDAny matches any instance of that service.
func (r *PeerRegistry) Lookup(service ServiceID, instance InstanceID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if instance != InstanceIDAny {
		e, ok := r.entries[peerKey{service, instance}]
		return e.endpoint, ok
	}
	for k, e := range r.entries {
		if k.service == service {
			return e.endpoint, true
		}
	}
	return Endpoint{}, false
}

// ExpireTTL removes entries whose TTL has elapsed as of now and returns the
// (service, instance) pairs removed, for logging.
func (r *PeerRegistry) ExpireTTL(now time.Time) []struct {
	Service ServiceID
	Instance InstanceID
} {
	var expired []struct {
		Service ServiceID
		Instance InstanceID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if !e.expiry.IsZero() && !now.Before(e.expiry) {
			delete(r.entries, k)
			expired = append(expired, struct {
					Service ServiceID
					Instance InstanceID
				}{k.service, k.instance})
		}
	}
	return expired
}

// Len reports the number of tracked peers (used by tests).
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// OfferedService is one locally offered (service, instance). Core
// fields are set once at offer_service time; nextOffer/boundPorts mutate as
// the reactor runs the cyclic-offer schedule.
type OfferedService struct {
	Service ServiceID
	Instance InstanceID
	Major uint8
	Minor uint32
	Transport Transport
	MulticastGroup *Endpoint
	Interfaces []string
	CyclePeriod time.Duration

	mu sync.Mutex
	nextOffer time.Time
	boundPorts map[string]uint16
}

// DueOffer reports whether this offer's cyclic deadline has elapsed, and if
// so advances nextOffer by one period.
func (o *OfferedService) DueOffer(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if now.Before(o.nextOffer) {
		return false
	}
	if o.CyclePeriod <= 0 {
		o.nextOffer = now.Add(time.Hour) // degenerate: effectively one-shot
	} else {
		o.nextOffer = o.nextOffer.Add(o.CyclePeriod)
		if o.nextOffer.Before(now) {
			o.nextOffer = now.Add(o.CyclePeriod)
		}
	}
	return true
}

// BoundPort returns the bound port recorded for ifaceName, if any.
func (o *OfferedService) BoundPort(ifaceName string) (uint16, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.boundPorts[ifaceName]
	return p, ok
}

// SetBoundPort records the ephemeral port actually bound on ifaceName.
func (o *OfferedService) SetBoundPort(ifaceName string, port uint16) {
	o.mu.Lock()
	if o.boundPorts == nil {
		o.boundPorts = make(map[string]uint16)
	}
	o.boundPorts[ifaceName] = port
	o.mu.Unlock()
}

// offerKey identifies one offered (service, instance).
type offerKey struct {
	service ServiceID
	instance InstanceID
}

// LocalOfferTable is the set of locally offered services with their cyclic
// offer schedule.
type LocalOfferTable struct {
	mu sync.Mutex
	entries map[offerKey]*OfferedService
}

// NewLocalOfferTable creates an empty table.
func NewLocalOfferTable() *LocalOfferTable {
	return &LocalOfferTable{entries: make(map[offerKey]*OfferedService)}
}

// Add installs a new offered service, scheduling its first offer
// immediately (the reactor will see it as already due).
func (t *LocalOfferTable) Add(o *OfferedService) {
	o.nextOffer = time.Now()
	t.mu.Lock()
	t.entries[offerKey{o.Service, o.Instance}] = o
	t.mu.Unlock()
}

// Remove deletes an offered service, e.g. on unoffer/shutdown.
func (t *LocalOfferTable) Remove(service ServiceID, instance InstanceID) {
	t.mu.Lock()
	delete(t.entries, offerKey{service, instance})
	t.mu.Unlock()
}

// Get returns the offered service for (service, instance), if offered
// locally.
func (t *LocalOfferTable) Get(service ServiceID, instance InstanceID) (*OfferedService, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.entries[offerKey{service, instance}]
	return o, ok
}

// All returns a snapshot slice of every offered service, for cyclic-offer
// scanning and for emitting StopOffer on shutdown.
func (t *LocalOfferTable) All() []*OfferedService {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*OfferedService, 0, len(t.entries))
	for _, o := range t.entries {
		out = append(out, o)
	}
	return out
}

// subscriberKey identifies one eventgroup's subscriber set.
type subscriberKey struct {
	service ServiceID
	eventgroup EventgroupID
}

type subscriberEntry struct {
	endpoint Endpoint
	expiry time.Time
}

func subscriberEntryKey(ep Endpoint) string {
	return ep.IP.String() + "/" + itoa(int(ep.Port))
}

// SubscriberRegistry tracks, per (service_id, eventgroup_id), the remote
// endpoints currently subscribed.
type SubscriberRegistry struct {
	mu sync.Mutex
	entries map[subscriberKey]map[string]subscriberEntry
}

// NewSubscriberRegistry creates an empty registry.
func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{entries: make(map[subscriberKey]map[string]subscriberEntry)}
}

// Add admits ep as a subscriber to (service, eventgroup). It deduplicates by
// address+port and reports whether this call newly admitted the subscriber
// (false means it only refreshed an existing TTL) — callers ack only on a
// fresh admission.
func (s *SubscriberRegistry) Add(service ServiceID, eventgroup EventgroupID, ep Endpoint, ttl uint32) (isNew bool) {
	key := subscriberKey{service, eventgroup}
	var expiry time.Time
	if ttl != 0xFFFFFF {
		expiry = time.Now().Add(time.Duration(ttl) * time.Second)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.entries[key]
	if !ok {
		set = make(map[string]subscriberEntry)
		s.entries[key] = set
	}
	epKey := subscriberEntryKey(ep)
	_, existed := set[epKey]
	set[epKey] = subscriberEntry{endpoint: ep, expiry: expiry}
	return !existed
}

// Remove drops ep as a subscriber to (service, eventgroup).
func (s *SubscriberRegistry) Remove(service ServiceID, eventgroup EventgroupID, ep Endpoint) {
	key := subscriberKey{service, eventgroup}
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.entries[key]; ok {
		delete(set, subscriberEntryKey(ep))
		if len(set) == 0 {
			delete(s.entries, key)
		}
	}
}

// List returns a copy of the subscriber endpoints for (service, eventgroup),
// so callers can send to them without the lock held across a socket write.
func (s *SubscriberRegistry) List(service ServiceID, eventgroup EventgroupID) []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.entries[subscriberKey{service, eventgroup}]
	if !ok {
		return nil
	}
	out := make([]Endpoint, 0, len(set))
	for _, e := range set {
		out = append(out, e.endpoint)
	}
	return out
}

// ExpireTTL removes subscriber entries whose TTL has elapsed.
func (s *SubscriberRegistry) ExpireTTL(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, set := range s.entries {
		for epKey, e := range set {
			if !e.expiry.IsZero() && !now.Before(e.expiry) {
				delete(set, epKey)
			}
		}
		if len(set) == 0 {
			delete(s.entries, key)
		}
	}
}

// LocalSubscription is the client-side record of one outstanding
// subscribe_eventgroup call: whether the provider has acknowledged it, and
// the local endpoint we advertised.
type LocalSubscription struct {
	LocalEndpoint Endpoint
	Acked bool
	Failed bool
}

type localSubKey struct {
	service ServiceID
	eventgroup EventgroupID
}

// LocalSubscriptionTable tracks subscribe_eventgroup calls made by this
// runtime as a client.
type LocalSubscriptionTable struct {
	mu sync.Mutex
	entries map[localSubKey]*LocalSubscription
}

// NewLocalSubscriptionTable creates an empty table.
func NewLocalSubscriptionTable() *LocalSubscriptionTable {
	return &LocalSubscriptionTable{entries: make(map[localSubKey]*LocalSubscription)}
}

// Set installs or replaces the subscription record for (service, eventgroup).
func (t *LocalSubscriptionTable) Set(service ServiceID, eventgroup EventgroupID, sub *LocalSubscription) {
	t.mu.Lock()
	t.entries[localSubKey{service, eventgroup}] = sub
	t.mu.Unlock()
}

// Get returns the subscription record for (service, eventgroup), if any.
func (t *LocalSubscriptionTable) Get(service ServiceID, eventgroup EventgroupID) (*LocalSubscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[localSubKey{service, eventgroup}]
	return s, ok
}

// Remove deletes the subscription record for (service, eventgroup).
func (t *LocalSubscriptionTable) Remove(service ServiceID, eventgroup EventgroupID) {
	t.mu.Lock()
	delete(t.entries, localSubKey{service, eventgroup})
	t.mu.Unlock()
}

// Ack marks a local subscription acknowledged (ttl>0) or failed (ttl==0).
func (t *LocalSubscriptionTable) Ack(service ServiceID, eventgroup EventgroupID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, exists := t.entries[localSubKey{service, eventgroup}]
	if !exists {
		return
	}
	if ok {
		sub.Acked = true
	} else {
		sub.Failed = true
	}
}

// pendingKey identifies one in-flight request awaiting a response.
type pendingKey struct {
	service ServiceID
	method MethodID
	session SessionID
}

// pendingSlot is the one-shot waiter a caller of send_request parks on.
type pendingSlot struct {
	done chan struct{}
	payload []byte
	err error
	once sync.Once
}

func (p *pendingSlot) complete(payload []byte, err error) {
	p.once.Do(func() {
			p.payload = payload
			p.err = err
			close(p.done)
	})
}

// PendingRequestTable holds one-shot slots keyed by
// (service_id, method_id, session_id), awaited by send_request callers and
// fulfilled by the reactor.
type PendingRequestTable struct {
	mu sync.Mutex
	slots map[pendingKey]*pendingSlot
}

// NewPendingRequestTable creates an empty table.
func NewPendingRequestTable() *PendingRequestTable {
	return &PendingRequestTable{slots: make(map[pendingKey]*pendingSlot)}
}

// Register installs a new pending slot for (service, method, session). It
// returns the slot and a release function the caller must call exactly once
// when done waiting (success, timeout, or cancellation).
func (t *PendingRequestTable) Register(service ServiceID, method MethodID, session SessionID) (*pendingSlot, func()) {
	key := pendingKey{service, method, session}
	slot := &pendingSlot{done: make(chan struct{})}

	t.mu.Lock()
	t.slots[key] = slot
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		if t.slots[key] == slot {
			delete(t.slots, key)
		}
		t.mu.Unlock()
	}
	return slot, release
}

// Complete fulfills the pending slot for (service, method, session), if one
// exists. It returns false if no slot exists (the response is discarded,
// e.g. a late reply after the caller already timed out).
func (t *PendingRequestTable) Complete(service ServiceID, method MethodID, session SessionID, payload []byte, err error) bool {
	key := pendingKey{service, method, session}

	t.mu.Lock()
	slot, ok := t.slots[key]
	if ok {
		delete(t.slots, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	slot.complete(payload, err)
	return true
}

// FailAll fulfills every outstanding slot with err (used on shutdown).
func (t *PendingRequestTable) FailAll(err error) {
	t.mu.Lock()
	slots := make([]*pendingSlot, 0, len(t.slots))
	for k, s := range t.slots {
		slots = append(slots, s)
		delete(t.slots, k)
	}
	t.mu.Unlock()

	for _, s := range slots {
		s.complete(nil, err)
	}
}

// Len reports the number of outstanding pending requests (used by tests to
// verify a timed-out slot was removed).
func (t *PendingRequestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
