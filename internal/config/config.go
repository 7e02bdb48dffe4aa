// Package config loads the on-disk JSON deployment configuration: named
// endpoints, interfaces, SD timing, and per-instance providing/required
// service tables. It is an external collaborator to the someip core (the
// core only ever sees the resolved someip.RuntimeConfig): load, then
// validate, then hand the resolved shape to the runtime.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/eshenhu/someip/someip"
)

// Endpoint is one named entry of the top-level `endpoints` map.
type Endpoint struct {
	IP string `json:"ip"`
	Interface string `json:"interface"`
	Version int `json:"version"`
	Port uint16 `json:"port"`
	Protocol string `json:"protocol"`
}

// SD carries the `sd.endpoint`/`sd.endpoint_v6` pair of an interface block.
type SD struct {
	Endpoint string `json:"endpoint"`
	EndpointV6 string `json:"endpoint_v6"`
}

// Interface is one named entry of the top-level `interfaces` map.
type Interface struct {
	Name string `json:"name"`
	Endpoints []string `json:"endpoints"`
	SD SD `json:"sd"`
}

// SDTiming is the top-level `sd` block.
type SDTiming struct {
	CycleOfferMs int `json:"cycle_offer_ms"`
	RequestResponseMs int `json:"request_response_delay_ms"`
	RequestTimeoutMs int `json:"request_timeout_ms"`
	MulticastHops int `json:"multicast_hops"`
}

// OfferOn is the `offer_on` map of a providing entry: interface name to
// endpoint name.
type OfferOn map[string]string

// Providing is one entry of an instance's `providing` map.
type Providing struct {
	ServiceID uint16 `json:"service_id"`
	InstanceID uint16 `json:"instance_id"`
	MajorVersion uint8 `json:"major_version"`
	MinorVersion uint32 `json:"minor_version"`
	Endpoint string `json:"endpoint"`
	Multicast string `json:"multicast"`
	Interfaces []string `json:"interfaces"`
	OfferOn OfferOn `json:"offer_on"`
	CycleOfferMs int `json:"cycle_offer_ms"`
}

// Required is one entry of an instance's `required` map.
type Required struct {
	ServiceID uint16 `json:"service_id"`
	InstanceID uint16 `json:"instance_id"`
	MajorVersion uint8 `json:"major_version"`
	MinorVersion uint32 `json:"minor_version"`
	Endpoint string `json:"endpoint"`
	PreferredInterface string `json:"preferred_interface"`
	FindOn []string `json:"find_on"`
}

// Instance is one runtime-instance block, keyed by instance name inside the
// document's top-level `instances` object.
type Instance struct {
	Providing map[string]Providing `json:"providing"`
	Required map[string]Required `json:"required"`
	UnicastBind map[string]string `json:"unicast_bind"`
	SD *SDTiming `json:"sd"`
}

// Document is the full on-disk JSON schema. Unknown keys are ignored
// (json.Unmarshal's default behavior satisfies that requirement).
type Document struct {
	Endpoints map[string]Endpoint `json:"endpoints"`
	Interfaces map[string]Interface `json:"interfaces"`
	SD SDTiming `json:"sd"`
	Instances map[string]Instance `json:"instances"`
}

// Load reads and parses path into a Document. It does not validate
// references between sections; call Validate for that.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var doc Document
	dec := json.NewDecoder(f)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &doc, nil
}

// Validate checks that every endpoint/interface cross-reference in the
// document resolves, returning the first error found.
func (d *Document) Validate() error {
	for name, ep := range d.Endpoints {
		if ep.Version != 4 && ep.Version != 6 {
			return fmt.Errorf("config: endpoint %q: version must be 4 or 6, got %d", name, ep.Version)
		}
		if ep.Protocol != "udp" && ep.Protocol != "tcp" {
			return fmt.Errorf("config: endpoint %q: protocol must be udp or tcp, got %q", name, ep.Protocol)
		}
		if ep.IP != "" && net.ParseIP(ep.IP) == nil {
			return fmt.Errorf("config: endpoint %q: invalid ip %q", name, ep.IP)
		}
	}
	for name, ifc := range d.Interfaces {
		for _, epName := range ifc.Endpoints {
			if _, ok := d.Endpoints[epName]; !ok {
				return fmt.Errorf("config: interface %q: unknown endpoint %q", name, epName)
			}
		}
		if ifc.SD.Endpoint != "" {
			if _, ok := d.Endpoints[ifc.SD.Endpoint]; !ok {
				return fmt.Errorf("config: interface %q: unknown sd.endpoint %q", name, ifc.SD.Endpoint)
			}
		}
		if ifc.SD.EndpointV6 != "" {
			if _, ok := d.Endpoints[ifc.SD.EndpointV6]; !ok {
				return fmt.Errorf("config: interface %q: unknown sd.endpoint_v6 %q", name, ifc.SD.EndpointV6)
			}
		}
	}
	for instName, inst := range d.Instances {
		for iface := range inst.UnicastBind {
			if _, ok := d.Interfaces[iface]; !ok {
				return fmt.Errorf("config: instance %q: unicast_bind references unknown interface %q", instName, iface)
			}
		}
		for alias, p := range inst.Providing {
			if _, ok := d.Endpoints[p.Endpoint]; !ok {
				return fmt.Errorf("config: instance %q: providing %q: unknown endpoint %q", instName, alias, p.Endpoint)
			}
			for _, iface := range p.Interfaces {
				if _, ok := d.Interfaces[iface]; !ok {
					return fmt.Errorf("config: instance %q: providing %q: unknown interface %q", instName, alias, iface)
				}
			}
		}
		for alias, r := range inst.Required {
			if r.Endpoint != "" {
				if _, ok := d.Endpoints[r.Endpoint]; !ok {
					return fmt.Errorf("config: instance %q: required %q: unknown endpoint %q", instName, alias, r.Endpoint)
				}
			}
			if r.PreferredInterface != "" {
				if _, ok := d.Interfaces[r.PreferredInterface]; !ok {
					return fmt.Errorf("config: instance %q: required %q: unknown preferred_interface %q", instName, alias, r.PreferredInterface)
				}
			}
			for _, iface := range r.FindOn {
				if _, ok := d.Interfaces[iface]; !ok {
					return fmt.Errorf("config: instance %q: required %q: unknown find_on interface %q", instName, alias, iface)
				}
			}
		}
	}
	return nil
}

// ResolveRuntime builds a someip.RuntimeConfig for instName out of the
// document: one someip.IfaceConfig per interface named in
// instances[instName].unicast_bind, wired to that interface's SD multicast
// group and the endpoint the instance bound on.
func (d *Document) ResolveRuntime(instName string, clientID uint16) (someip.RuntimeConfig, error) {
	inst, ok := d.Instances[instName]
	if !ok {
		return someip.RuntimeConfig{}, fmt.Errorf("config: unknown instance %q", instName)
	}

	sdTiming := d.SD
	if inst.SD != nil {
		sdTiming = *inst.SD
	}

	var ifaces []someip.IfaceConfig
	for ifaceName := range inst.UnicastBind {
		ifCfg, err := d.resolveIface(ifaceName, inst, sdTiming)
		if err != nil {
			return someip.RuntimeConfig{}, err
		}
		ifaces = append(ifaces, ifCfg)
	}

	return someip.RuntimeConfig{
		Interfaces: ifaces,
		Reactor: someip.ReactorConfig{
			CycleOfferMin: time.Duration(sdTiming.CycleOfferMs) * time.Millisecond,
			RequestResponseDelay: time.Duration(sdTiming.RequestResponseMs) * time.Millisecond,
			RequestTimeout: time.Duration(sdTiming.RequestTimeoutMs) * time.Millisecond,
			MaxTPChunk: 1400,
		},
		ClientID: someip.ClientID(clientID),
	}, nil
}

// ResolveProviding translates instances[instName].providing into
// someip.ProvidingService values ready for Runtime.OfferService. A
// providing entry's transport is taken from its endpoint's protocol.
func (d *Document) ResolveProviding(instName string) ([]someip.ProvidingService, error) {
	inst, ok := d.Instances[instName]
	if !ok {
		return nil, fmt.Errorf("config: unknown instance %q", instName)
	}

	var out []someip.ProvidingService
	for alias, p := range inst.Providing {
		ep, ok := d.Endpoints[p.Endpoint]
		if !ok {
			return nil, fmt.Errorf("config: instance %q: providing %q: unknown endpoint %q", instName, alias, p.Endpoint)
		}
		out = append(out, someip.ProvidingService{
			Alias: alias,
			Service: someip.ServiceID(p.ServiceID),
			Instance: someip.InstanceID(p.InstanceID),
			Major: p.MajorVersion,
			Minor: p.MinorVersion,
			Transport: toRuntimeEndpoint(ep).Transport,
			Interfaces: p.Interfaces,
			CyclePeriod: time.Duration(p.CycleOfferMs) * time.Millisecond,
		})
	}
	return out, nil
}

// ResolveRequired translates instances[instName].required into
// someip.RequiredService values ready for Runtime.RegisterRequired.
func (d *Document) ResolveRequired(instName string) ([]someip.RequiredService, error) {
	inst, ok := d.Instances[instName]
	if !ok {
		return nil, fmt.Errorf("config: unknown instance %q", instName)
	}

	var out []someip.RequiredService
	for alias, r := range inst.Required {
		rs := someip.RequiredService{
			Alias: alias,
			Service: someip.ServiceID(r.ServiceID),
			Instance: someip.InstanceID(r.InstanceID),
			MajorVersion: r.MajorVersion,
			MinorVersion: r.MinorVersion,
			PreferredInterface: r.PreferredInterface,
		}
		if r.Endpoint != "" {
			ep, ok := d.Endpoints[r.Endpoint]
			if !ok {
				return nil, fmt.Errorf("config: instance %q: required %q: unknown endpoint %q", instName, alias, r.Endpoint)
			}
			rs.PreferredTransport = toRuntimeEndpoint(ep).Transport
		}
		out = append(out, rs)
	}
	return out, nil
}

func (d *Document) resolveIface(ifaceName string, inst Instance, sdTiming SDTiming) (someip.IfaceConfig, error) {
	ifaceDoc, ok := d.Interfaces[ifaceName]
	if !ok {
		return someip.IfaceConfig{}, fmt.Errorf("config: unknown interface %q", ifaceName)
	}

	boundEpName := inst.UnicastBind[ifaceName]
	boundEp, ok := d.Endpoints[boundEpName]
	if !ok {
		return someip.IfaceConfig{}, fmt.Errorf("config: interface %q: unicast_bind endpoint %q not found", ifaceName, boundEpName)
	}

	out := someip.IfaceConfig{
		Name: ifaceName,
		DeviceName: boundEp.Interface,
		MulticastTTL: sdTiming.MulticastHops,
	}

	ep := toRuntimeEndpoint(boundEp)
	if boundEp.Version == 6 {
		out.UnicastV6 = &ep
	} else {
		out.UnicastV4 = &ep
	}
	if boundEp.Protocol == "tcp" {
		tcp := ep
		if boundEp.Version == 6 {
			out.TCPListenV6 = &tcp
		} else {
			out.TCPListenV4 = &tcp
		}
	}

	if ifaceDoc.SD.Endpoint != "" {
		sdEp, ok := d.Endpoints[ifaceDoc.SD.Endpoint]
		if !ok {
			return someip.IfaceConfig{}, fmt.Errorf("config: interface %q: sd.endpoint %q not found", ifaceName, ifaceDoc.SD.Endpoint)
		}
		out.SDGroupV4 = toRuntimeEndpoint(sdEp)
	}
	if ifaceDoc.SD.EndpointV6 != "" {
		sdEp, ok := d.Endpoints[ifaceDoc.SD.EndpointV6]
		if !ok {
			return someip.IfaceConfig{}, fmt.Errorf("config: interface %q: sd.endpoint_v6 %q not found", ifaceName, ifaceDoc.SD.EndpointV6)
		}
		out.SDGroupV6 = toRuntimeEndpoint(sdEp)
	}

	return out, nil
}

func toRuntimeEndpoint(e Endpoint) someip.Endpoint {
	transport := someip.TransportUDP
	if e.Protocol == "tcp" {
		transport = someip.TransportTCP
	}
	return someip.Endpoint{IP: net.ParseIP(e.IP), Port: e.Port, Transport: transport}
}
