// Package stub is a worked example of the code a service-definition
// compiler would generate: it serializes/deserializes application payloads
// and dispatches by method id, the same way a generated stub wraps the
// runtime's Handler surface (dispatch by service_id map lookup, never by
// virtual dispatch on a handler hierarchy). Real generated code would
// repeat this shape per service definition; this file hand-writes one such
// service (EchoService, matching the add(a,b) end-to-end scenario) to
// exercise the core's public surface the way a real stub would.
package stub

import (
	"encoding/binary"

	"github.com/eshenhu/someip/someip"
)

// Method and event ids for EchoService.
const (
	MethodAdd someip.MethodID = 0x0001
	EventTick someip.MethodID = 0x8001
)

// EchoServiceServer is the application-level contract a provider
// implements; the generated RegisterEchoService wraps it as a
// someip.Handler.
type EchoServiceServer interface {
	Add(a, b int32) (int32, error)
}

// RegisterEchoService offers EchoService on rt, dispatching Add requests to
// impl.
func RegisterEchoService(rt *someip.Runtime, p someip.ProvidingService, impl EchoServiceServer) {
	rt.OfferService(p, someip.HandlerFunc(func(h someip.Header, payload []byte) ([]byte, someip.ReturnCode) {
				switch h.MethodID {
					case MethodAdd:
					return handleAdd(impl, payload)
					default:
					return nil, someip.ReturnUnknownMethod
				}
	}))
}

func handleAdd(impl EchoServiceServer, payload []byte) ([]byte, someip.ReturnCode) {
	if len(payload) != 8 {
		return nil, someip.ReturnMalformedMessage
	}
	a := int32(binary.BigEndian.Uint32(payload[0:4]))
	b := int32(binary.BigEndian.Uint32(payload[4:8]))
	sum, err := impl.Add(a, b)
	if err != nil {
		return nil, someip.ReturnNotOk
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(sum))
	return out, someip.ReturnOk
}

// EchoServiceClient is the generated proxy a create_client caller receives
// for EchoService.
type EchoServiceClient struct {
	rt *someip.Runtime
	service someip.ServiceID
	target someip.Endpoint
}

// NewEchoServiceClient wraps target as an EchoService proxy.
func NewEchoServiceClient(rt *someip.Runtime, service someip.ServiceID, target someip.Endpoint) *EchoServiceClient {
	return &EchoServiceClient{rt: rt, service: service, target: target}
}

// Add calls EchoService's add(a,b) method and decodes the int32 result.
func (c *EchoServiceClient) Add(a, b int32) (int32, error) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], uint32(a))
	binary.BigEndian.PutUint32(payload[4:8], uint32(b))

	resp, err := c.rt.SendRequest(c.service, MethodAdd, payload, c.target)
	if err != nil {
		return 0, err
	}
	if len(resp) != 4 {
		return 0, someip.ErrMalformedMessage
	}
	return int32(binary.BigEndian.Uint32(resp)), nil
}

// TickListener receives EchoService's periodic Tick event payload decoded
// as an int32.
type TickListener func(value int32)

// SubscribeTick registers fn against EventTick's eventgroup and sends the
// SD subscription.
func SubscribeTick(rt *someip.Runtime, service someip.ServiceID, instance someip.InstanceID, eventgroup someip.EventgroupID, ttl uint32, fn TickListener) error {
	rt.RegisterNotifyListener(service, EventTick, func(h someip.Header, payload []byte) {
			if len(payload) != 4 {
				return
			}
			fn(int32(binary.BigEndian.Uint32(payload)))
	})
	return rt.SubscribeEventgroup(service, instance, eventgroup, ttl)
}

// PublishTick implements the provider side of the Tick event: send_
// notification wrapped with EchoService's wire encoding.
func PublishTick(rt *someip.Runtime, service someip.ServiceID, eventgroup someip.EventgroupID, value int32) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(value))
	rt.SendNotification(service, EventTick, eventgroup, payload)
}
