package someip

import (
	"sync"
	"time"
)

// RuntimeConfig is the fully-resolved configuration a Runtime is built
// from: one entry per configured network interface, plus the SD timing
// parameters. The JSON loader (an external collaborator) is
// responsible for turning the on-disk schema into this shape.
type RuntimeConfig struct {
	Interfaces []IfaceConfig
	Reactor ReactorConfig
	ClientID ClientID
}

// Runtime is the top-level public API: offer_service, create_client,
// send_request, send_notification, subscribe/unsubscribe_eventgroup,
// wait_for_service, get_remote_service. It owns the Interface Table, every
// registry, and the Reactor; callers only ever see handles into it.
type Runtime struct {
	ifaces []*Iface
	cfg RuntimeConfig
	log Logger

	peers *PeerRegistry
	offers *LocalOfferTable
	subs *SubscriberRegistry
	localSubs *LocalSubscriptionTable
	pending *PendingRequestTable
	sessions *SessionRegistry

	reactor *Reactor

	// required lets required-service config (preferred transport and
	// interface) resolve an alias to its configured (service, instance),
	// for create_client/wait_for_service callers that only know the alias.
	mu sync.RWMutex
	required map[string]RequiredService
}

// RequiredService is one entry of the per-instance `required` config
// block. PreferredTransport steers which SD endpoint option a multi-
// transport Offer resolves to; PreferredInterface steers which local
// interface outbound requests for this service transmit on.
type RequiredService struct {
	Alias string
	Service ServiceID
	Instance InstanceID
	MajorVersion uint8
	MinorVersion uint32
	PreferredTransport Transport
	PreferredInterface string
}

// ProvidingService is one entry of the per-instance `providing` config
// block.
type ProvidingService struct {
	Alias string
	Service ServiceID
	Instance InstanceID
	Major uint8
	Minor uint32
	Transport Transport
	Interfaces []string
	CyclePeriod time.Duration
}

// NewRuntime opens every configured interface and starts the reactor. A
// failure to bind any socket is fatal and returned to the caller.
func NewRuntime(cfg RuntimeConfig, log Logger) (*Runtime, error) {
	if log == nil {
		log = NopLogger()
	}
	rt := &Runtime{
		cfg: cfg,
		log: log,
		peers: NewPeerRegistry(),
		offers: NewLocalOfferTable(),
		subs: NewSubscriberRegistry(),
		localSubs: NewLocalSubscriptionTable(),
		pending: NewPendingRequestTable(),
		sessions: NewSessionRegistry(),
		required: make(map[string]RequiredService),
	}

	for _, ic := range cfg.Interfaces {
		ifc, err := OpenIface(ic, log)
		if err != nil {
			rt.closeIfaces()
			return nil, err
		}
		rt.ifaces = append(rt.ifaces, ifc)
	}

	rt.reactor = NewReactor(rt.ifaces, cfg.Reactor, rt.peers, rt.offers, rt.subs, rt.localSubs, rt.pending, rt.sessions, rt.requiredTransportFor, log)
	rt.reactor.Start()
	return rt, nil
}

func (rt *Runtime) closeIfaces() {
	for _, ifc := range rt.ifaces {
		ifc.Close()
	}
}

// Close implements the shutdown sequence of: StopOffer everywhere, stop
// the reactor, drop sockets, fail pending requests.
func (rt *Runtime) Close() {
	rt.reactor.Stop()
	rt.closeIfaces()
}

// RegisterRequired records a required-service alias so create_client and
// wait_for_service can be called by alias.
func (rt *Runtime) RegisterRequired(r RequiredService) {
	rt.mu.Lock()
	rt.required[r.Alias] = r
	rt.mu.Unlock()
}

// requiredTransportFor implements RequiredTransportLookup against the
// registered required-service table, for the SD state machine to prefer a
// matching endpoint option on a multi-transport Offer.
func (rt *Runtime) requiredTransportFor(service ServiceID, instance InstanceID) Transport {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, r := range rt.required {
		if r.Service != service {
			continue
		}
		if r.Instance != InstanceIDAny && instance != InstanceIDAny && r.Instance != instance {
			continue
		}
		if r.PreferredTransport != 0 {
			return r.PreferredTransport
		}
	}
	return 0
}

// preferredInterfaceFor returns the configured preferred_interface for
// service's required-service registration, or "" if none is set.
func (rt *Runtime) preferredInterfaceFor(service ServiceID) string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, r := range rt.required {
		if r.Service == service && r.PreferredInterface != "" {
			return r.PreferredInterface
		}
	}
	return ""
}

// OfferService publishes a locally-provided service: installs it in the
// Local Offer Table (the reactor sends the first Offer on its next tick)
// and registers handler for dispatch.
func (rt *Runtime) OfferService(p ProvidingService, handler Handler) {
	o := &OfferedService{
		Service: p.Service,
		Instance: p.Instance,
		Major: p.Major,
		Minor: p.Minor,
		Transport: p.Transport,
		Interfaces: p.Interfaces,
		CyclePeriod: p.CyclePeriod,
	}
	rt.offers.Add(o)
	rt.reactor.RegisterHandler(p.Service, handler)
	rt.log.Infof("offer_service: service=%#04x instance=%#04x major=%d", p.Service, p.Instance, p.Major)
}

// UnofferService removes a locally-provided service and emits a StopOffer
// immediately rather than waiting for shutdown.
func (rt *Runtime) UnofferService(service ServiceID, instance InstanceID) {
	if o, ok := rt.offers.Get(service, instance); ok {
		rt.reactor.emitStopOffer(o)
	}
	rt.offers.Remove(service, instance)
}

// WaitForService polls the Peer Registry for (service, instance) until it
// resolves or timeout elapses.
func (rt *Runtime) WaitForService(service ServiceID, instance InstanceID, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, ok := rt.peers.Lookup(service, instance); ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// CreateClient resolves a required-service alias to its (service,
// instance), waiting for SD discovery up to request_timeout_ms, and
// returns the resolved endpoint (the generated proxy wraps this with the
// typed method surface).
func (rt *Runtime) CreateClient(alias string) (Endpoint, bool) {
	rt.mu.RLock()
	req, ok := rt.required[alias]
	rt.mu.RUnlock()
	if !ok {
		return Endpoint{}, false
	}
	if !rt.WaitForService(req.Service, req.Instance, rt.cfg.Reactor.RequestTimeout) {
		return Endpoint{}, false
	}
	ep, ok := rt.peers.Lookup(req.Service, req.Instance)
	return ep, ok
}

// GetRemoteService returns the currently-known endpoint for (service,
// instance), or false if undiscovered.
func (rt *Runtime) GetRemoteService(service ServiceID, instance InstanceID) (Endpoint, bool) {
	return rt.peers.Lookup(service, instance)
}

// SendRequest implements send_request: resolves target (an
// explicit endpoint, or any known instance of service if target has no IP),
// then calls the reactor's correlator.
func (rt *Runtime) SendRequest(service ServiceID, method MethodID, payload []byte, target Endpoint) ([]byte, error) {
	if target.IP == nil {
		ep, ok := rt.peers.Lookup(service, InstanceIDAny)
		if !ok {
			return nil, newUnreachableError(service, InstanceIDAny)
		}
		target = ep
	}
	return rt.reactor.SendRequest(service, method, rt.cfg.ClientID, payload, target, false, rt.preferredInterfaceFor(service))
}

// SendRequestNoReturn is send_request's RequestNoReturn variant: fire and
// forget, never waits on a pending slot.
func (rt *Runtime) SendRequestNoReturn(service ServiceID, method MethodID, payload []byte, target Endpoint) error {
	if target.IP == nil {
		ep, ok := rt.peers.Lookup(service, InstanceIDAny)
		if !ok {
			return newUnreachableError(service, InstanceIDAny)
		}
		target = ep
	}
	_, err := rt.reactor.SendRequest(service, method, rt.cfg.ClientID, payload, target, true, rt.preferredInterfaceFor(service))
	return err
}

// SendNotification implements send_notification.
func (rt *Runtime) SendNotification(service ServiceID, event MethodID, eventgroup EventgroupID, payload []byte) {
	rt.reactor.SendNotification(service, event, eventgroup, rt.cfg.ClientID, payload)
}

// RegisterNotifyListener wires a local callback for inbound notifications
// of (service, event), invoked by the generated proxy a subscribe_
// eventgroup caller registered against.
func (rt *Runtime) RegisterNotifyListener(service ServiceID, event MethodID, fn NotifyFunc) {
	rt.reactor.RegisterNotifyListener(service, event, fn)
}

// SubscribeEventgroup implements subscribe_eventgroup: sends a
// SubscribeEventgroup SD entry to the service's known peer and records the
// local subscription awaiting its Ack.
func (rt *Runtime) SubscribeEventgroup(service ServiceID, instance InstanceID, eventgroup EventgroupID, ttl uint32) error {
	peer, ok := rt.peers.Lookup(service, instance)
	if !ok {
		return newUnreachableError(service, instance)
	}
	ifc := rt.ifaceForFamily(peer.IsIPv6())
	if ifc == nil {
		return newUnreachableError(service, instance)
	}

	sub := &LocalSubscription{}
	rt.localSubs.Set(service, eventgroup, sub)

	entry := SDEntry{
		Type: SDSubscribeEventgroup,
		ServiceID: service,
		InstanceID: instance,
		MajorVersion: 1,
		TTL: ttl,
		EventgroupID: eventgroup,
	}
	rt.reactor.sendSD(ifc, peer.IsIPv6(), peer, []SDEntry{entry})
	return nil
}

// UnsubscribeEventgroup implements unsubscribe_eventgroup: sends ttl=0 and
// drops the local subscription record.
func (rt *Runtime) UnsubscribeEventgroup(service ServiceID, instance InstanceID, eventgroup EventgroupID) error {
	peer, ok := rt.peers.Lookup(service, instance)
	if !ok {
		rt.localSubs.Remove(service, eventgroup)
		return nil
	}
	ifc := rt.ifaceForFamily(peer.IsIPv6())
	if ifc != nil {
		entry := SDEntry{
			Type: SDSubscribeEventgroup,
			ServiceID: service,
			InstanceID: instance,
			MajorVersion: 1,
			TTL: 0,
			EventgroupID: eventgroup,
		}
		rt.reactor.sendSD(ifc, peer.IsIPv6(), peer, []SDEntry{entry})
	}
	rt.localSubs.Remove(service, eventgroup)
	return nil
}

// IsSubscriptionAcked implements is_subscription_acked.
func (rt *Runtime) IsSubscriptionAcked(service ServiceID, eventgroup EventgroupID) bool {
	sub, ok := rt.localSubs.Get(service, eventgroup)
	return ok && sub.Acked
}

func (rt *Runtime) ifaceForFamily(v6 bool) *Iface {
	for _, ifc := range rt.ifaces {
		if ifc.UDPConn(v6) != nil || ifc.SDConn(v6) != nil {
			return ifc
		}
	}
	return nil
}
