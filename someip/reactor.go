package someip

import (
	"net"
	"sync"
	"time"
)

// ReactorConfig carries the timing parameters sourced from the top-level
// `sd` configuration block.
type ReactorConfig struct {
	CycleOfferMin time.Duration // reactor tick period when positive and at most 100 ms; otherwise the tick is 100 ms
	RequestResponseDelay time.Duration
	RequestTimeout time.Duration
	MaxTPChunk int // bytes per TP segment payload before fragmenting a response
}

func (c ReactorConfig) tick() time.Duration {
	if c.CycleOfferMin <= 0 || c.CycleOfferMin > 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return c.CycleOfferMin
}

// inboundFrame is one fully-framed SOME/IP message read off a socket,
// queued for the reactor's single dispatch goroutine.
type inboundFrame struct {
	header Header
	payload []byte
	from Endpoint
	iface *Iface
	isV6 bool
	tcpConn *net.TCPConn // non-nil when received over TCP; used to write the response
}

// Reactor is the single background task that owns every Iface's sockets:
// it runs the cyclic-offer/TTL-expiry schedule and dispatches framed
// messages to handlers, the correlator, or the SD state machine. Socket
// reads happen on their own goroutines (the idiomatic Go
// equivalent of a level-triggered multi-fd select) and fan into one
// channel that the dispatch goroutine drains — a channel-based router
// rather than a raw poll loop.
type Reactor struct {
	ifaces []*Iface
	cfg ReactorConfig
	log Logger

	peers *PeerRegistry
	offers *LocalOfferTable
	subs *SubscriberRegistry
	localSubs *LocalSubscriptionTable
	pending *PendingRequestTable
	sessions *SessionRegistry
	tp *TPReassembler
	sd *SDStateMachine

	handlersMu sync.RWMutex
	handlers map[ServiceID]Handler

	notifyMu sync.RWMutex
	notifiers map[notifyKey][]NotifyFunc

	inbox chan inboundFrame
	stopCh chan struct{}
	wg sync.WaitGroup
	started bool

	tcpOutMu sync.Mutex
	tcpOut map[string]*net.TCPConn
}

type notifyKey struct {
	service ServiceID
	method MethodID
}

// NewReactor wires a reactor over the given interfaces and shared
// registries. requiredTransport resolves the SD transport preference
// a required-service registration carries; it may be nil.
func NewReactor(ifaces []*Iface, cfg ReactorConfig, peers *PeerRegistry, offers *LocalOfferTable, subs *SubscriberRegistry, localSubs *LocalSubscriptionTable, pending *PendingRequestTable, sessions *SessionRegistry, requiredTransport RequiredTransportLookup, log Logger) *Reactor {
	if log == nil {
		log = NopLogger()
	}
	rt := &Reactor{
		ifaces: ifaces,
		cfg: cfg,
		log: log,
		peers: peers,
		offers: offers,
		subs: subs,
		localSubs: localSubs,
		pending: pending,
		sessions: sessions,
		tp: NewTPReassembler(),
		handlers: make(map[ServiceID]Handler),
		notifiers: make(map[notifyKey][]NotifyFunc),
		inbox: make(chan inboundFrame, 256),
		stopCh: make(chan struct{}),
		tcpOut: make(map[string]*net.TCPConn),
	}
	rt.sd = NewSDStateMachine(peers, offers, subs, localSubs, cfg.RequestResponseDelay, requiredTransport, log)
	return rt
}

// RegisterHandler installs the Request/RequestNoReturn handler for a
// service_id, overwriting any previous registration.
func (rt *Reactor) RegisterHandler(service ServiceID, h Handler) {
	rt.handlersMu.Lock()
	rt.handlers[service] = h
	rt.handlersMu.Unlock()
}

// RegisterNotifyListener adds a local callback invoked for every inbound
// Notification matching (service, event).
func (rt *Reactor) RegisterNotifyListener(service ServiceID, event MethodID, fn NotifyFunc) {
	key := notifyKey{service, event}
	rt.notifyMu.Lock()
	rt.notifiers[key] = append(rt.notifiers[key], fn)
	rt.notifyMu.Unlock()
}

// Start spawns the socket-reader goroutines and the dispatch loop.
func (rt *Reactor) Start() {
	if rt.started {
		return
	}
	rt.started = true

	for _, ifc := range rt.ifaces {
		rt.spawnUDPReader(ifc, false)
		rt.spawnUDPReader(ifc, true)
		rt.spawnSDReader(ifc, false)
		rt.spawnSDReader(ifc, true)
		rt.spawnTCPAcceptor(ifc, false)
		rt.spawnTCPAcceptor(ifc, true)
	}

	rt.wg.Add(1)
	go rt.dispatchLoop()
}

// Stop emits StopOffer for every locally offered service on every
// interface, signals the dispatch loop to exit, closes every interface
// socket and outbound TCP connection so the reader goroutines return, joins
// them, and fails every pending request with Shutdown.
func (rt *Reactor) Stop() {
	for _, o := range rt.offers.All() {
		rt.emitStopOffer(o)
	}
	close(rt.stopCh)

	for _, ifc := range rt.ifaces {
		ifc.Close()
	}
	rt.tcpOutMu.Lock()
	for _, c := range rt.tcpOut {
		c.Close()
	}
	rt.tcpOutMu.Unlock()

	rt.wg.Wait()
	rt.pending.FailAll(ErrShutdown)
}

func (rt *Reactor) spawnUDPReader(ifc *Iface, v6 bool) {
	conn := ifc.UDPConn(v6)
	if conn == nil {
		return
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		buf := make([]byte, 65535)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
					case <-rt.stopCh:
					return
					default:
					rt.log.Debugf("iface %s: udp read error: %v", ifc.Name(), err)
					return
				}
			}
			rt.frameAndEnqueue(buf[:n], udpSourceEndpoint(addr), ifc, v6, nil)
		}
	}()
}

func (rt *Reactor) spawnSDReader(ifc *Iface, v6 bool) {
	conn := ifc.SDConn(v6)
	if conn == nil {
		return
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		buf := make([]byte, 65535)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
					case <-rt.stopCh:
					return
					default:
					rt.log.Debugf("iface %s: sd read error: %v", ifc.Name(), err)
					return
				}
			}
			rt.frameAndEnqueue(buf[:n], udpSourceEndpoint(addr), ifc, v6, nil)
		}
	}()
}

func (rt *Reactor) spawnTCPAcceptor(ifc *Iface, v6 bool) {
	ln := ifc.TCPListener(v6)
	if ln == nil {
		return
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		for {
			conn, err := ln.AcceptTCP()
			if err != nil {
				select {
					case <-rt.stopCh:
					return
					default:
					rt.log.Debugf("iface %s: tcp accept error: %v", ifc.Name(), err)
					return
				}
			}
			rt.spawnTCPReader(conn, ifc, v6)
		}
	}()
}

func (rt *Reactor) spawnTCPReader(conn *net.TCPConn, ifc *Iface, v6 bool) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer conn.Close()
		acc := make([]byte, 0, 4096)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			acc = append(acc, buf[:n]...)
			for {
				if len(acc) < HeaderSize {
					break
				}
				h, err := ParseHeader(acc)
				if err != nil {
					return // malformed stream, drop the connection
				}
				total := HeaderSize + int(h.PayloadLength())
				if len(acc) < total {
					break
				}
				frame := acc[:total]
				acc = append([]byte(nil), acc[total:]...)

				hh, payload, err := SplitMessage(frame)
				if err != nil {
					continue
				}
				remote, _ := conn.RemoteAddr().(*net.TCPAddr)
				from := Endpoint{Transport: TransportTCP}
				if remote != nil {
					from = Endpoint{IP: remote.IP, Port: uint16(remote.Port), Transport: TransportTCP}
				}
				select {
					case rt.inbox <- inboundFrame{header: hh, payload: payload, from: from, iface: ifc, isV6: v6, tcpConn: conn}:
					case <-rt.stopCh:
					return
				}
			}
		}
	}()
}

func (rt *Reactor) frameAndEnqueue(buf []byte, from Endpoint, ifc *Iface, v6 bool, tcpConn *net.TCPConn) {
	h, payload, err := SplitMessage(buf)
	if err != nil {
		rt.log.Warnf("iface %s: malformed message from %s: %v", ifc.Name(), from, err)
		return
	}
	select {
		case rt.inbox <- inboundFrame{header: h, payload: payload, from: from, iface: ifc, isV6: v6, tcpConn: tcpConn}:
		case <-rt.stopCh:
	}
}

func udpSourceEndpoint(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP, Port: uint16(addr.Port), Transport: TransportUDP}
}

func (rt *Reactor) dispatchLoop() {
	defer rt.wg.Done()
	ticker := time.NewTicker(rt.cfg.tick())
	defer ticker.Stop()
	for {
		select {
			case <-rt.stopCh:
			return
			case f := <-rt.inbox:
			rt.dispatch(f)
			case now := <-ticker.C:
			rt.tick(now)
		}
	}
}

func (rt *Reactor) tick(now time.Time) {
	for _, o := range rt.offers.All() {
		if o.DueOffer(now) {
			rt.emitOffer(o)
		}
	}
	rt.peers.ExpireTTL(now)
	rt.subs.ExpireTTL(now)
}

func (rt *Reactor) dispatch(f inboundFrame) {
	if f.header.ServiceID == ServiceIDSD && f.header.MethodID == MethodIDSD {
		rt.dispatchSD(f)
		return
	}

	if f.header.MessageType.IsTP() {
		seg, err := ParseTPHeader(f.payload)
		if err != nil {
			rt.log.Warnf("tp: malformed segment header from %s", f.from)
			return
		}
		full, result := rt.tp.Process(f.header.ServiceID, f.header.MethodID, f.header.ClientID, f.header.SessionID,
			TPSegment{Header: seg, Payload: f.payload[TPHeaderSize:]})
		switch result {
			case ResultPending:
			return
			case ResultError:
			rt.log.Warnf("tp: misaligned segment aborted session service=%#04x method=%#04x", f.header.ServiceID, f.header.MethodID)
			return
		}
		f.header.MessageType = f.header.MessageType.WithoutTP()
		f.payload = full
	}

	switch {
		case f.header.MessageType == MsgTypeRequest || f.header.MessageType == MsgTypeRequestNoReturn:
		rt.dispatchRequest(f)
		case f.header.MessageType == MsgTypeNotification:
		rt.dispatchNotification(f)
		case f.header.MessageType.IsResponseLike():
		rt.dispatchResponse(f)
		default:
		rt.log.Debugf("dispatch: unhandled message_type %#02x", byte(f.header.MessageType))
	}
}

func (rt *Reactor) dispatchSD(f inboundFrame) {
	msg, err := ParseSD(f.payload)
	if err != nil {
		rt.log.Warnf("sd: malformed payload from %s: %v", f.from, err)
		return
	}
	rt.sd.HandleMessage(msg, f.from, f.iface.Name(), func(out sdOutbound) {
			rt.sendSDEntry(out)
	})
}

func (rt *Reactor) dispatchRequest(f inboundFrame) {
	rt.handlersMu.RLock()
	h, ok := rt.handlers[f.header.ServiceID]
	rt.handlersMu.RUnlock()

	wantsResponse := f.header.MessageType == MsgTypeRequest

	var resp []byte
	rc := ReturnUnknownService
	if ok {
		resp, rc = h.Handle(f.header, f.payload)
	} else {
		rt.log.Warnf("dispatch: no handler for service=%#04x method=%#04x", f.header.ServiceID, f.header.MethodID)
	}
	if !wantsResponse {
		return
	}

	mt := MsgTypeResponse
	if rc != ReturnOk {
		mt = MsgTypeError
	}
	respHeader := Header{
		ServiceID: f.header.ServiceID,
		MethodID: f.header.MethodID,
		ClientID: f.header.ClientID,
		SessionID: f.header.SessionID,
		ProtocolVersion: protocolVersion,
		InterfaceVersion: f.header.InterfaceVersion,
		MessageType: mt,
		ReturnCode: rc,
	}
	rt.reply(f, respHeader, resp)
}

func (rt *Reactor) dispatchNotification(f inboundFrame) {
	key := notifyKey{f.header.ServiceID, f.header.MethodID}
	rt.notifyMu.RLock()
	fns := append([]NotifyFunc(nil), rt.notifiers[key]...)
	rt.notifyMu.RUnlock()
	for _, fn := range fns {
		fn(f.header, f.payload)
	}
}

func (rt *Reactor) dispatchResponse(f inboundFrame) {
	var err error
	if f.header.ReturnCode != ReturnOk {
		err = wireError(f.header.ReturnCode)
	}
	rt.pending.Complete(f.header.ServiceID, f.header.MethodID, f.header.SessionID, f.payload, err)
}

// reply sends a Response/Error back on the transport and socket the
// request arrived on, fragmenting via TP if the payload exceeds the
// configured chunk size.
func (rt *Reactor) reply(f inboundFrame, h Header, payload []byte) {
	if rt.cfg.MaxTPChunk > 0 && len(payload) > rt.cfg.MaxTPChunk {
		rt.replyWithTP(f, h, payload)
		return
	}
	raw := BuildMessage(h, payload)
	rt.writeBack(f, raw)
}

func (rt *Reactor) replyWithTP(f inboundFrame, h Header, payload []byte) {
	segs := Segment(payload, rt.cfg.MaxTPChunk)
	tpType := MsgTypeResponseWithTp
	if h.MessageType == MsgTypeError {
		tpType = MsgTypeErrorWithTp
	}
	h.MessageType = tpType
	for _, seg := range segs {
		body := make([]byte, TPHeaderSize+len(seg.Payload))
		WriteTPHeader(seg.Header, body)
		copy(body[TPHeaderSize:], seg.Payload)
		raw := BuildMessage(h, body)
		rt.writeBack(f, raw)
	}
}

func (rt *Reactor) writeBack(f inboundFrame, raw []byte) {
	if f.tcpConn != nil {
		if _, err := f.tcpConn.Write(raw); err != nil {
			rt.log.Warnf("tcp write to %s failed: %v", f.from, err)
		}
		return
	}
	conn := f.iface.UDPConn(f.isV6)
	if conn == nil {
		rt.log.Warnf("no udp socket to reply to %s on iface %s", f.from, f.iface.Name())
		return
	}
	addr := &net.UDPAddr{IP: f.from.IP, Port: int(f.from.Port)}
	if _, err := conn.WriteToUDP(raw, addr); err != nil {
		rt.log.Warnf("udp write to %s failed: %v", f.from, err)
	}
}

func (rt *Reactor) emitOffer(o *OfferedService) {
	entry := SDEntry{
		Type: SDOfferService,
		ServiceID: o.Service,
		InstanceID: o.Instance,
		MajorVersion: o.Major,
		TTL: offerTTLSeconds(o.CyclePeriod),
		MinorVersion: o.Minor,
	}
	rt.broadcastSD(o.Interfaces, entry)
}

func (rt *Reactor) emitStopOffer(o *OfferedService) {
	entry := SDEntry{
		Type: SDOfferService,
		ServiceID: o.Service,
		InstanceID: o.Instance,
		MajorVersion: o.Major,
		TTL: 0,
		MinorVersion: o.Minor,
	}
	rt.broadcastSD(o.Interfaces, entry)
}

func (rt *Reactor) broadcastSD(ifaceNames []string, entry SDEntry) {
	for _, ifc := range rt.ifaces {
		if len(ifaceNames) > 0 && !onInterface(ifaceNames, ifc.Name()) {
			continue
		}
		if ep := ifc.SDGroup(false); ep.IP != nil {
			rt.sendSD(ifc, false, ep, []SDEntry{entry})
		}
		if ep := ifc.SDGroup(true); ep.IP != nil {
			rt.sendSD(ifc, true, ep, []SDEntry{entry})
		}
	}
}

func (rt *Reactor) sendSDEntry(out sdOutbound) {
	for _, ifc := range rt.ifaces {
		if ifc.Name() != out.iface {
			continue
		}
		v6 := out.to.IsIPv6()
		rt.sendSD(ifc, v6, out.to, []SDEntry{out.entry})
		return
	}
}

func (rt *Reactor) sendSD(ifc *Iface, v6 bool, to Endpoint, entries []SDEntry) {
	conn := ifc.SDConn(v6)
	if conn == nil {
		return
	}
	payload := WriteSD(SDFlags{}, entries)
	session := rt.sessions.Next(ServiceIDSD, MethodIDSD)
	h := Header{
		ServiceID: ServiceIDSD,
		MethodID: MethodIDSD,
		ClientID: 0,
		SessionID: session,
		ProtocolVersion: protocolVersion,
		InterfaceVersion: 1,
		MessageType: MsgTypeNotification,
		ReturnCode: ReturnOk,
	}
	raw := BuildMessage(h, payload)
	addr := &net.UDPAddr{IP: to.IP, Port: int(to.Port)}
	if _, err := conn.WriteToUDP(raw, addr); err != nil {
		rt.log.Warnf("sd write to %s failed: %v", to, err)
	}
}

// SendRequest implements the correlator half of send_request:
// allocate a session, install a pending slot, transmit, and wait.
// preferredIface, when non-empty, is tried before falling back to the
// first interface that can reach target's transport/family.
func (rt *Reactor) SendRequest(service ServiceID, method MethodID, clientID ClientID, payload []byte, target Endpoint, noReturn bool, preferredIface string) ([]byte, error) {
	session := rt.sessions.Next(service, method)
	mt := MsgTypeRequest
	if noReturn {
		mt = MsgTypeRequestNoReturn
	}
	h := Header{
		ServiceID: service,
		MethodID: method,
		ClientID: clientID,
		SessionID: session,
		ProtocolVersion: protocolVersion,
		InterfaceVersion: 1,
		MessageType: mt,
		ReturnCode: ReturnOk,
	}
	raw := BuildMessage(h, payload)

	if noReturn {
		return nil, rt.transmit(target, raw, preferredIface)
	}

	slot, release := rt.pending.Register(service, method, session)
	defer release()

	if err := rt.transmit(target, raw, preferredIface); err != nil {
		return nil, err
	}

	timer := time.NewTimer(rt.cfg.RequestTimeout)
	defer timer.Stop()
	select {
		case <-slot.done:
		return slot.payload, slot.err
		case <-timer.C:
		return nil, newTimeoutError(service, method, session)
	}
}

// SendNotification implements send_notification's fan-out: every
// subscriber of (service, event's eventgroup) receives one Notification,
// sent from the first interface with a unicast UDP socket of the
// subscriber's address family (TCP subscribers over a dialed connection).
// The interfaces the service is offered on are not consulted.
func (rt *Reactor) SendNotification(service ServiceID, event MethodID, eventgroup EventgroupID, clientID ClientID, payload []byte) {
	targets := rt.subs.List(service, eventgroup)
	if len(targets) == 0 {
		return
	}
	session := rt.sessions.Next(service, event)
	h := Header{
		ServiceID: service,
		MethodID: event,
		ClientID: clientID,
		SessionID: session,
		ProtocolVersion: protocolVersion,
		InterfaceVersion: 1,
		MessageType: MsgTypeNotification,
		ReturnCode: ReturnOk,
	}
	raw := BuildMessage(h, payload)
	for _, to := range targets {
		if err := rt.transmit(to, raw, ""); err != nil {
			rt.log.Warnf("notify: send to %s failed: %v", to, err)
		}
	}
}

// transmit resolves target's transport and address family to one of this
// reactor's interfaces and writes raw, dialing (and caching) a TCP
// connection if needed. preferredIface names the interface to try first;
// an empty string or a name not currently present falls back to the first
// interface able to reach target.
func (rt *Reactor) transmit(target Endpoint, raw []byte, preferredIface string) error {
	v6 := target.IsIPv6()

	if target.Transport == TransportTCP {
		conn, err := rt.dialTCP(target, preferredIface)
		if err != nil {
			return err
		}
		_, err = conn.Write(raw)
		return err
	}

	if preferredIface != "" {
		for _, ifc := range rt.ifaces {
			if ifc.Name() != preferredIface {
				continue
			}
			conn := ifc.UDPConn(v6)
			if conn == nil {
				break
			}
			addr := &net.UDPAddr{IP: target.IP, Port: int(target.Port)}
			_, err := conn.WriteToUDP(raw, addr)
			return err
		}
	}

	for _, ifc := range rt.ifaces {
		conn := ifc.UDPConn(v6)
		if conn == nil {
			continue
		}
		addr := &net.UDPAddr{IP: target.IP, Port: int(target.Port)}
		_, err := conn.WriteToUDP(raw, addr)
		return err
	}
	return newUnreachableError(0, 0)
}

func (rt *Reactor) dialTCP(target Endpoint, preferredIface string) (*net.TCPConn, error) {
	key := target.String()

	rt.tcpOutMu.Lock()
	defer rt.tcpOutMu.Unlock()
	if c, ok := rt.tcpOut[key]; ok {
		return c, nil
	}

	network := "tcp4"
	if target.IsIPv6() {
		network = "tcp6"
	}
	conn, err := net.DialTCP(network, nil, &net.TCPAddr{IP: target.IP, Port: int(target.Port)})
	if err != nil {
		return nil, newSocketError("dial "+target.String(), err)
	}
	rt.tcpOut[key] = conn

	ifc := rt.ifaceFor(target.IsIPv6(), preferredIface)
	rt.spawnTCPReader(conn, ifc, target.IsIPv6())
	return conn, nil
}

// ifaceFor returns the interface named preferredIface if it exists,
// otherwise the first configured interface.
func (rt *Reactor) ifaceFor(v6 bool, preferredIface string) *Iface {
	if preferredIface != "" {
		for _, ifc := range rt.ifaces {
			if ifc.Name() == preferredIface {
				return ifc
			}
		}
	}
	if len(rt.ifaces) == 0 {
		return nil
	}
	return rt.ifaces[0]
}

// wireError turns a non-Ok return_code from a peer's Response/Error message
// into an error surfaced to the send_request caller.
func wireError(rc ReturnCode) error {
	switch rc {
		case ReturnUnknownService:
		return ErrUnknownService
		case ReturnUnknownMethod:
		return ErrUnknownMethod
		case ReturnNotReady, ReturnNotReachable:
		return ErrUnreachable
		default:
		return &Error{kind: kindMalformedMessage, msg: "peer returned return_code " + itoa(int(rc))}
	}
}
