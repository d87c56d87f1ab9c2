package hvtsim

// engine.go declares the narrow interface the scenario layer needs from a
// packet-level simulation engine. Everything the scenario does to the
// simulated world (entities, links, addresses, routes, applications, the run
// itself) goes through an Engine, so any implementation satisfying it can be
// substituted; the netsim package provides the one used by cmd/hvtsim.

import (
	"context"
	"net/netip"
)

// EndpointKind distinguishes the two endpoint variants.
type EndpointKind int

const (
	BaseStation EndpointKind = iota
	Mobile
)

func (k EndpointKind) String() string {
	switch k {
	case BaseStation:
		return "base-station"
	case Mobile:
		return "mobile"
	}
	return "unknown"
}

// LinkKind distinguishes radio attachments from wired back-haul links.
type LinkKind int

const (
	RadioAttachment LinkKind = iota
	WiredLink
)

func (k LinkKind) String() string {
	switch k {
	case RadioAttachment:
		return "radio"
	case WiredLink:
		return "wired"
	}
	return "unknown"
}

// AppKind selects the application role installed on a host.
type AppKind int

const (
	SinkApp AppKind = iota
	SourceApp
)

func (k AppKind) String() string {
	if k == SinkApp {
		return "sink"
	}
	return "source"
}

// Handles are opaque identifiers issued by an Engine.
type (
	EndpointHandle int
	LinkHandle     int
	AppHandle      int
)

// EndpointSpec describes an entity to create.
type EndpointSpec struct {
	Name     string
	Kind     EndpointKind
	Position Position
}

// LinkSpec describes a link between two existing endpoints. Delay is in
// seconds and DataRate in bits per second; both are ignored for radio
// attachments, whose behaviour belongs to the engine's radio model.
type LinkSpec struct {
	Kind     LinkKind
	A, B     EndpointHandle
	Delay    float64
	DataRate float64
}

// InterfaceAddrs are the addresses bound to the A and B sides of a link.
type InterfaceAddrs struct {
	A, B netip.Addr
}

// AppSpec describes an application role. Sinks listen on Port; sources send
// PacketSize byte payloads to Remote every Interval seconds, at most
// MaxPackets of them, while Start <= t < Stop.
type AppSpec struct {
	Kind       AppKind
	Host       EndpointHandle
	Port       uint16
	Remote     netip.AddrPort
	PacketSize int
	MaxPackets int
	Interval   float64
	Start      float64
	Stop       float64
}

// PacketEventKind tells where in its life a packet was observed.
type PacketEventKind int

const (
	// Originate marks a datagram handed to IP by its sending application.
	Originate PacketEventKind = iota
	// Forward marks a datagram relayed by an intermediate node.
	Forward
	// Deliver marks a datagram accepted by the IP layer of its destination.
	Deliver
	// Drop marks a datagram discarded anywhere on its way.
	Drop
)

func (k PacketEventKind) String() string {
	switch k {
	case Originate:
		return "originate"
	case Forward:
		return "forward"
	case Deliver:
		return "deliver"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// PacketEvent is what an engine reports to its monitors. Data holds the
// complete IPv4 datagram; observers must not retain or modify it.
type PacketEvent struct {
	Kind   PacketEventKind
	Time   float64        // simulation time of the observation
	Sent   float64        // simulation time the datagram was originated
	Node   EndpointHandle // where the observation happened
	Data   []byte
	Reason string // drop reason, empty otherwise
}

// PacketObserver receives every packet event of a run, in simulation time
// order, on the engine's single thread of execution.
type PacketObserver interface {
	ObservePacket(ev PacketEvent)
}

// Engine is the simulation capability the scenario layer is built on.
type Engine interface {
	CreateEndpoint(spec EndpointSpec) (EndpointHandle, error)
	CreateLink(spec LinkSpec) (LinkHandle, error)
	AssignAddress(link LinkHandle, block netip.Prefix) (InterfaceAddrs, error)
	PopulateRoutes() error
	InstallApplication(spec AppSpec) (AppHandle, error)
	InstallMonitor(obs PacketObserver) error
	RunUntil(ctx context.Context, horizon float64) error
	Destroy()
}
