package someip

import "time"

// Handler is the capability a generated service stub registers with
// offer_service: given a parsed header and request payload it produces a
// response payload and return code. Dispatch is by service_id map
// lookup, never by virtual dispatch on a handler hierarchy.
type Handler interface {
	Handle(h Header, payload []byte) (resp []byte, rc ReturnCode)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(h Header, payload []byte) ([]byte, ReturnCode)

// Handle implements Handler.
func (f HandlerFunc) Handle(h Header, payload []byte) ([]byte, ReturnCode) { return f(h, payload) }

// NotifyFunc is a local listener callback for an incoming Notification,
// registered by a generated proxy on behalf of subscribe_eventgroup.
type NotifyFunc func(h Header, payload []byte)

// sdOutbound is one reply the SD state machine wants sent: a unicast SD
// message on the interface the triggering entry arrived on.
type sdOutbound struct {
	iface string
	to Endpoint
	entry SDEntry
}

// RequiredTransportLookup resolves the transport a locally required
// (service, instance) was configured to prefer, so an Offer carrying both a
// UDP and a TCP endpoint option picks the one the local client actually
// wants. A zero Transport (the default for services with no required-side
// config) means "no preference."
type RequiredTransportLookup func(service ServiceID, instance InstanceID) Transport

// SDStateMachine consumes parsed SD entries and mutates the Peer Registry
// and Subscriber Registry, producing the Offer/Ack replies each entry type
// calls for. It holds no sockets; the reactor delivers its outbound
// replies.
type SDStateMachine struct {
	peers *PeerRegistry
	offers *LocalOfferTable
	subs *SubscriberRegistry
	localSubs *LocalSubscriptionTable
	log Logger

	responseDelay time.Duration
	requiredTransport RequiredTransportLookup
}

// NewSDStateMachine wires a state machine to the shared registries.
// requiredTransport may be nil, meaning every Offer is resolved with no
// transport preference.
func NewSDStateMachine(peers *PeerRegistry, offers *LocalOfferTable, subs *SubscriberRegistry, localSubs *LocalSubscriptionTable, responseDelay time.Duration, requiredTransport RequiredTransportLookup, log Logger) *SDStateMachine {
	if log == nil {
		log = NopLogger()
	}
	return &SDStateMachine{peers: peers, offers: offers, subs: subs, localSubs: localSubs, responseDelay: responseDelay, requiredTransport: requiredTransport, log: log}
}

// HandleMessage processes every entry of an inbound SD message in order,
// ifaceName is the interface the datagram arrived on; from is its
// source endpoint. deliver is invoked (possibly after responseDelay, on its
// own goroutine) for each unicast reply the state machine produces; it is
// the reactor's job to actually write the datagram.
func (sm *SDStateMachine) HandleMessage(msg SDMessage, from Endpoint, ifaceName string, deliver func(sdOutbound)) {
	for _, e := range msg.Entries {
		switch e.Type {
			case SDOfferService:
			sm.handleOffer(e, ifaceName)
			case SDFindService:
			sm.handleFind(e, ifaceName, from, deliver)
			case SDSubscribeEventgroup:
			sm.handleSubscribe(e, ifaceName, from, deliver)
			case SDSubscribeEventgroupAck:
			sm.handleAck(e)
			default:
			sm.log.Debugf("sd: ignoring unknown entry type %#02x", byte(e.Type))
		}
	}
}

func (sm *SDStateMachine) handleOffer(e SDEntry, ifaceName string) {
	if e.TTL == 0 {
		sm.peers.Remove(e.ServiceID, e.InstanceID)
		sm.log.Infof("sd[%s]: StopOffer service=%#04x instance=%#04x", ifaceName, e.ServiceID, e.InstanceID)
		return
	}
	var want Transport
	if sm.requiredTransport != nil {
		want = sm.requiredTransport(e.ServiceID, e.InstanceID)
	}
	ep, ok := firstUnicastOption(e.Options, want)
	if !ok {
		sm.log.Debugf("sd[%s]: OfferService service=%#04x instance=%#04x has no usable endpoint option", ifaceName, e.ServiceID, e.InstanceID)
		return
	}
	if changed := sm.peers.Upsert(e.ServiceID, e.InstanceID, ep, e.TTL); changed {
		sm.log.Infof("sd[%s]: OfferService service=%#04x instance=%#04x -> %s", ifaceName, e.ServiceID, e.InstanceID, ep)
	}
}

func (sm *SDStateMachine) handleFind(e SDEntry, ifaceName string, from Endpoint, deliver func(sdOutbound)) {
	offer, ok := sm.offers.Get(e.ServiceID, e.InstanceID)
	if !ok {
		return
	}
	if !onInterface(offer.Interfaces, ifaceName) {
		return
	}
	reply := SDEntry{
		Type: SDOfferService,
		ServiceID: offer.Service,
		InstanceID: offer.Instance,
		MajorVersion: offer.Major,
		TTL: offerTTLSeconds(offer.CyclePeriod),
		MinorVersion: offer.Minor,
	}
	sm.scheduleReply(ifaceName, from, reply, deliver)
}

func (sm *SDStateMachine) handleSubscribe(e SDEntry, ifaceName string, from Endpoint, deliver func(sdOutbound)) {
	if e.TTL == 0 {
		sm.subs.Remove(e.ServiceID, e.EventgroupID, from)
		return
	}
	offer, ok := sm.offers.Get(e.ServiceID, e.InstanceID)
	if !ok || !onInterface(offer.Interfaces, ifaceName) {
		return
	}
	isNew := sm.subs.Add(e.ServiceID, e.EventgroupID, from, e.TTL)
	if !isNew {
		return
	}
	ack := SDEntry{
		Type: SDSubscribeEventgroupAck,
		ServiceID: e.ServiceID,
		InstanceID: e.InstanceID,
		MajorVersion: e.MajorVersion,
		TTL: e.TTL,
		EventgroupID: e.EventgroupID,
	}
	sm.log.Infof("sd[%s]: Subscribe service=%#04x eventgroup=%#04x from %s admitted", ifaceName, e.ServiceID, e.EventgroupID, from)
	sm.scheduleReply(ifaceName, from, ack, deliver)
}

func (sm *SDStateMachine) handleAck(e SDEntry) {
	sm.localSubs.Ack(e.ServiceID, e.EventgroupID, e.TTL > 0)
}

func (sm *SDStateMachine) scheduleReply(ifaceName string, to Endpoint, entry SDEntry, deliver func(sdOutbound)) {
	out := sdOutbound{iface: ifaceName, to: to, entry: entry}
	if sm.responseDelay <= 0 {
		deliver(out)
		return
	}
	time.AfterFunc(sm.responseDelay, func() { deliver(out) })
}

// firstUnicastOption picks the endpoint option whose transport matches want.
// want of 0 (no preference) or no match on transport falls back to the
// first unicast endpoint option present, same as an unfiltered scan.
func firstUnicastOption(opts []SDOption, want Transport) (Endpoint, bool) {
	if want != 0 {
		for _, o := range opts {
			if isUnicastOption(o) && o.Proto == want {
				return o.AsEndpoint(), true
			}
		}
	}
	for _, o := range opts {
		if isUnicastOption(o) {
			return o.AsEndpoint(), true
		}
	}
	return Endpoint{}, false
}

func isUnicastOption(o SDOption) bool {
	return o.Type == SDOptionIPv4Endpoint || o.Type == SDOptionIPv6Endpoint
}

func onInterface(ifaces []string, name string) bool {
	if len(ifaces) == 0 {
		return true
	}
	for _, n := range ifaces {
		if n == name {
			return true
		}
	}
	return false
}

func offerTTLSeconds(cycle time.Duration) uint32 {
	if cycle <= 0 {
		return 3
	}
	secs := uint32(cycle/time.Second) * 3
	if secs == 0 {
		secs = 3
	}
	return secs
}
