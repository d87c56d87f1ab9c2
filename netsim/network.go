// Package netsim is a discrete-event, packet-level network engine built on
// the iti/evt event manager. It implements hvtsim.Engine: devices joined by
// point-to-point wired links and radio attachments, static shortest-path
// routing over the addressed wired graph, UDP sink and constant bit rate
// source applications, and packet event monitors.
//
// A packet entering the network is carried through a fixed chain of event
// handlers, one per edge of an interface crossing:
//
//	enterEgressIntrfc -> exitEgressIntrfc -> enterIngressIntrfc -> exitIngressIntrfc
//
// Transmission time is charged on the egress side, propagation delay between
// the egress and the ingress interface. The device owning the ingress
// interface then either delivers the packet to its UDP layer or, for the base
// station, forwards it after a processing delay served by a TaskScheduler.
package netsim

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/lvwf1/hvtsim"
	"github.com/lvwf1/hvtsim/internal/logging"
	"golang.org/x/exp/slices"
)

var (
	// ErrUnknownEndpoint is returned for an endpoint handle the network did not issue.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrUnknownLink is returned for a link handle the network did not issue.
	ErrUnknownLink = errors.New("unknown link")
	// ErrAlreadyAddressed is returned when a link is given a second address block.
	ErrAlreadyAddressed = errors.New("link already addressed")
	// ErrRoutesPopulated is returned for topology changes after PopulateRoutes.
	ErrRoutesPopulated = errors.New("routes already populated")
	// ErrSimulationDone is returned when a network is run twice or used after Destroy.
	ErrSimulationDone = errors.New("simulation already run")
)

var _ hvtsim.Engine = (*Network)(nil)

// Default engine parameters.
const (
	DefaultQueueLimit      = 100
	DefaultForwardingDelay = 10e-5
	DefaultMaxBackoff      = 0.005
	DefaultTTL             = 64
)

// Stats counts what happened to packets over a run.
type Stats struct {
	Originated int `json:"originated" yaml:"originated"`
	Forwarded  int `json:"forwarded" yaml:"forwarded"`
	Delivered  int `json:"delivered" yaml:"delivered"`
	Dropped    int `json:"dropped" yaml:"dropped"`
	Unclaimed  int `json:"unclaimed" yaml:"unclaimed"` // delivered to IP, no socket bound
}

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(nw *Network) { nw.log = logging.OrNoop(l) }
}

// WithTraceManager records packet passages through interfaces in tm.
func WithTraceManager(tm *TraceManager) Option {
	return func(nw *Network) { nw.traceMgr = tm }
}

// WithQueueLimit sets the DropTail limit of every wired egress queue.
func WithQueueLimit(n int) Option {
	return func(nw *Network) { nw.queueLimit = n }
}

// WithForwardingDelay sets the per-packet processing time of the base station.
func WithForwardingDelay(d float64) Option {
	return func(nw *Network) { nw.fwdDelay = d }
}

// WithMaxBackoff sets the upper bound of the random radio attach backoff.
func WithMaxBackoff(d float64) Option {
	return func(nw *Network) { nw.maxBackoff = d }
}

// Network is the simulated world. It is not safe for concurrent use; all of
// its state is mutated from the event manager's single thread of execution.
type Network struct {
	log      logging.Logger
	ctx      context.Context
	evtMgr   *evtm.EventManager
	traceMgr *TraceManager

	queueLimit int
	fwdDelay   float64
	maxBackoff float64

	numIDs        int
	topoDevByID   map[int]topoDev
	topoDevByName map[string]topoDev
	devices       []topoDev // indexed by hvtsim.EndpointHandle
	links         []*linkStruct
	intrfcByID    map[int]*intrfcStruct
	intrfcByAddr  map[netip.Addr]*intrfcStruct

	// topoGraph holds, per device id, the ids of devices reachable over one
	// addressed wired link
	topoGraph map[int][]int
	rt        *router
	radio     *radioModel
	portal    *networkPortal
	apps      []application
	monitors  []hvtsim.PacketObserver

	horizon   float64
	routed    bool
	ran       bool
	destroyed bool
	stats     Stats
}

// New creates an empty network.
func New(opts ...Option) *Network {
	nw := &Network{
		log:           logging.Noop(),
		ctx:           context.Background(),
		evtMgr:        evtm.New(),
		queueLimit:    DefaultQueueLimit,
		fwdDelay:      DefaultForwardingDelay,
		maxBackoff:    DefaultMaxBackoff,
		topoDevByID:   make(map[int]topoDev),
		topoDevByName: make(map[string]topoDev),
		intrfcByID:    make(map[int]*intrfcStruct),
		intrfcByAddr:  make(map[netip.Addr]*intrfcStruct),
		topoGraph:     make(map[int][]int),
		rt:            newRouter(),
	}
	for _, opt := range opts {
		opt(nw)
	}
	nw.radio = newRadioModel(nw)
	nw.portal = newNetworkPortal(nw)
	return nw
}

// nxtID creates an id for objects created within the network, unique among
// those objects
func (nw *Network) nxtID() int {
	nw.numIDs += 1
	return nw.numIDs
}

func (nw *Network) usable() error {
	if nw.destroyed || nw.ran {
		return ErrSimulationDone
	}
	return nil
}

func (nw *Network) device(hdl hvtsim.EndpointHandle) (topoDev, error) {
	if int(hdl) < 0 || int(hdl) >= len(nw.devices) {
		return nil, fmt.Errorf("%w: handle %d", ErrUnknownEndpoint, hdl)
	}
	return nw.devices[hdl], nil
}

// CreateEndpoint creates a mobile host or the base station.
func (nw *Network) CreateEndpoint(spec hvtsim.EndpointSpec) (hvtsim.EndpointHandle, error) {
	if err := nw.usable(); err != nil {
		return 0, err
	}
	if nw.routed {
		return 0, ErrRoutesPopulated
	}
	if _, present := nw.topoDevByName[spec.Name]; present {
		return 0, fmt.Errorf("endpoint name %q over-used", spec.Name)
	}

	hdl := hvtsim.EndpointHandle(len(nw.devices))
	core := newDevCore(nw.nxtID(), spec.Name, hdl, spec.Position)

	var dev topoDev
	switch spec.Kind {
	case hvtsim.BaseStation:
		dev = createBaseDev(core, nw.fwdDelay)
	case hvtsim.Mobile:
		dev = createHostDev(core)
	default:
		return 0, fmt.Errorf("endpoint %s: unsupported kind %v", spec.Name, spec.Kind)
	}

	nw.addTopoDevLookup(dev)
	nw.devices = append(nw.devices, dev)
	if nw.traceMgr != nil {
		nw.traceMgr.AddName(dev.devID(), dev.devName(), spec.Kind.String())
	}
	nw.log.Debug(nw.ctx, "endpoint created",
		logging.String("name", spec.Name),
		logging.String("kind", spec.Kind.String()),
		logging.Int("id", dev.devID()),
	)
	return hdl, nil
}

// addTopoDevLookup puts a new entry in the topoDevByID and topoDevByName maps
func (nw *Network) addTopoDevLookup(td topoDev) {
	if _, present := nw.topoDevByID[td.devID()]; present {
		panic(fmt.Sprintf("index %d over-used in topoDevByID", td.devID()))
	}
	nw.topoDevByID[td.devID()] = td
	nw.topoDevByName[td.devName()] = td
}

// CreateLink joins two existing endpoints. A wired link gets one interface
// on each side, cabled to each other; a radio attachment is handed to the
// radio model.
func (nw *Network) CreateLink(spec hvtsim.LinkSpec) (hvtsim.LinkHandle, error) {
	if err := nw.usable(); err != nil {
		return 0, err
	}
	if nw.routed {
		return 0, ErrRoutesPopulated
	}
	devA, err := nw.device(spec.A)
	if err != nil {
		return 0, err
	}
	devB, err := nw.device(spec.B)
	if err != nil {
		return 0, err
	}
	if devA == devB {
		return 0, fmt.Errorf("link from %s to itself", devA.devName())
	}

	hdl := hvtsim.LinkHandle(len(nw.links))
	link := &linkStruct{kind: spec.Kind, devA: devA, devB: devB, delay: spec.Delay, rate: spec.DataRate}

	switch spec.Kind {
	case hvtsim.WiredLink:
		if !(spec.DataRate > 0) || spec.Delay < 0 {
			return 0, fmt.Errorf("wired link %s-%s: rate %v, delay %v", devA.devName(), devB.devName(), spec.DataRate, spec.Delay)
		}
		link.intrfcA = nw.createIntrfcStruct(devA, wired, spec.DataRate, spec.Delay)
		link.intrfcB = nw.createIntrfcStruct(devB, wired, spec.DataRate, spec.Delay)
		link.intrfcA.cable = link.intrfcB
		link.intrfcB.cable = link.intrfcA
	case hvtsim.RadioAttachment:
		if err := nw.radio.attach(hdl, devA, devB); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("link %s-%s: unsupported kind %v", devA.devName(), devB.devName(), spec.Kind)
	}

	nw.links = append(nw.links, link)
	nw.log.Debug(nw.ctx, "link created",
		logging.String("kind", spec.Kind.String()),
		logging.String("a", devA.devName()),
		logging.String("b", devB.devName()),
	)
	return hdl, nil
}

// AssignAddress binds the first two host addresses of block to the A and B
// interfaces of a wired link.
func (nw *Network) AssignAddress(hdl hvtsim.LinkHandle, block netip.Prefix) (hvtsim.InterfaceAddrs, error) {
	var addrs hvtsim.InterfaceAddrs
	if err := nw.usable(); err != nil {
		return addrs, err
	}
	if nw.routed {
		return addrs, ErrRoutesPopulated
	}
	if int(hdl) < 0 || int(hdl) >= len(nw.links) {
		return addrs, fmt.Errorf("%w: handle %d", ErrUnknownLink, hdl)
	}
	link := nw.links[hdl]
	if link.kind != hvtsim.WiredLink {
		return addrs, fmt.Errorf("link %d is a %s link and carries no addresses", hdl, link.kind)
	}
	if link.intrfcA.addr.IsValid() {
		return addrs, fmt.Errorf("%w: link %d has %v", ErrAlreadyAddressed, hdl, link.intrfcA.prefix)
	}

	block = block.Masked()
	if !block.Addr().Is4() || block.Bits() > 30 {
		return addrs, fmt.Errorf("block %v cannot address a point-to-point link", block)
	}
	addrs.A = block.Addr().Next()
	addrs.B = addrs.A.Next()
	for _, a := range []netip.Addr{addrs.A, addrs.B} {
		if owner, present := nw.intrfcByAddr[a]; present {
			return hvtsim.InterfaceAddrs{}, fmt.Errorf("address %v already bound to %s", a, owner.name)
		}
	}

	link.intrfcA.bind(addrs.A, block)
	link.intrfcB.bind(addrs.B, block)
	nw.intrfcByAddr[addrs.A] = link.intrfcA
	nw.intrfcByAddr[addrs.B] = link.intrfcB
	nw.connectIDs(link.devA.devID(), link.devB.devID(), link.intrfcA.number, link.intrfcB.number)
	return addrs, nil
}

// connectIDs remembers the communication linkage between devices with the
// given id numbers, and the interfaces that carry it
func (nw *Network) connectIDs(id1, id2, intrfc1, intrfc2 int) {
	if id1 == id2 {
		return
	}
	if !slices.Contains(nw.topoGraph[id1], id2) {
		nw.topoGraph[id1] = append(nw.topoGraph[id1], id2)
	}
	if !slices.Contains(nw.topoGraph[id2], id1) {
		nw.topoGraph[id2] = append(nw.topoGraph[id2], id1)
	}
	nw.rt.routeStepIntrfcs[intPair{i: id1, j: id2}] = intPair{i: intrfc1, j: intrfc2}
	nw.rt.routeStepIntrfcs[intPair{i: id2, j: id1}] = intPair{i: intrfc2, j: intrfc1}
}

// PopulateRoutes computes shortest-path routing over the addressed wired
// graph. Pairs of addressed devices without a path are logged.
func (nw *Network) PopulateRoutes() error {
	if err := nw.usable(); err != nil {
		return err
	}
	if nw.routed {
		return ErrRoutesPopulated
	}
	nw.rt.build(nw.topoGraph)
	nw.routed = true

	if missing := nw.checkConnections(); len(missing) > 0 {
		for src, dsts := range missing {
			nw.log.Warn(nw.ctx, "missing paths", logging.String("from", src), logging.Any("to", dsts))
		}
	}
	nw.log.Debug(nw.ctx, "routes populated", logging.Int("devices", len(nw.topoGraph)))
	return nil
}

// checkConnections returns, by device name, the addressed devices each
// addressed device has no route to.
func (nw *Network) checkConnections() map[string][]string {
	untouched := make(map[string][]string)
	ids := make([]int, 0, len(nw.topoGraph))
	for id := range nw.topoGraph {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, srcID := range ids {
		for _, dstID := range ids {
			if srcID == dstID {
				continue
			}
			if route := nw.rt.findRoute(srcID, dstID); len(*route) == 0 {
				srcName := nw.topoDevByID[srcID].devName()
				untouched[srcName] = append(untouched[srcName], nw.topoDevByID[dstID].devName())
			}
		}
	}
	return untouched
}

// InstallApplication creates a UDP sink or source on a host.
func (nw *Network) InstallApplication(spec hvtsim.AppSpec) (hvtsim.AppHandle, error) {
	if err := nw.usable(); err != nil {
		return 0, err
	}
	dev, err := nw.device(spec.Host)
	if err != nil {
		return 0, err
	}

	hdl := hvtsim.AppHandle(len(nw.apps))
	var app application
	switch spec.Kind {
	case hvtsim.SinkApp:
		if spec.Port == 0 {
			return 0, fmt.Errorf("sink on %s: port must be non-zero", dev.devName())
		}
		app = createUDPSink(nw, hdl, dev, spec)
	case hvtsim.SourceApp:
		if !spec.Remote.IsValid() || !(spec.Interval > 0) || spec.MaxPackets <= 0 {
			return 0, fmt.Errorf("source on %s: remote %v, interval %v, max packets %d",
				dev.devName(), spec.Remote, spec.Interval, spec.MaxPackets)
		}
		app = createUDPSource(nw, hdl, dev, spec, dev.core().allocPort())
	default:
		return 0, fmt.Errorf("application on %s: unsupported kind %v", dev.devName(), spec.Kind)
	}
	nw.apps = append(nw.apps, app)
	return hdl, nil
}

// InstallMonitor registers obs to receive every packet event of the run.
func (nw *Network) InstallMonitor(obs hvtsim.PacketObserver) error {
	if err := nw.usable(); err != nil {
		return err
	}
	if obs == nil {
		return errors.New("nil packet observer")
	}
	nw.monitors = append(nw.monitors, obs)
	return nil
}

// RunUntil schedules radio attachment and application start events and
// runs the event manager to horizon. Cancellation is only honoured before
// the run begins.
func (nw *Network) RunUntil(ctx context.Context, horizon float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := nw.usable(); err != nil {
		return err
	}
	if !(horizon > 0) {
		return fmt.Errorf("horizon %v must be > 0", horizon)
	}
	nw.ctx = ctx
	nw.horizon = horizon
	nw.ran = true

	nw.radio.start(nw.evtMgr)
	for _, app := range nw.apps {
		app.schedule(nw.evtMgr)
	}

	nw.log.Debug(ctx, "event manager running", logging.Float64("horizon", horizon))
	nw.evtMgr.Run(horizon)

	nw.log.Info(ctx, "network run complete",
		logging.Int("originated", nw.stats.Originated),
		logging.Int("forwarded", nw.stats.Forwarded),
		logging.Int("delivered", nw.stats.Delivered),
		logging.Int("dropped", nw.stats.Dropped),
		logging.Int("unclaimed", nw.stats.Unclaimed),
		logging.Int("attached", nw.radio.attachedCount()),
		logging.Int("in_flight", nw.portal.inFlight),
	)
	for _, dev := range nw.devices {
		if sched := dev.devSched(); sched != nil {
			nw.log.Debug(ctx, "forwarding load",
				logging.String("device", dev.devName()),
				logging.Int("served", sched.Served()),
				logging.Int("maxwaiting", sched.MaxWaiting()),
			)
		}
	}
	return nil
}

// expired reports whether the simulation clock reached the horizon. Events
// at or past the horizon do nothing.
func (nw *Network) expired(evtMgr *evtm.EventManager) bool {
	return evtMgr.CurrentSeconds() >= nw.horizon
}

// notify hands a packet event to every monitor.
func (nw *Network) notify(evtMgr *evtm.EventManager, kind hvtsim.PacketEventKind, dev topoDev, nm *networkMsg, reason string) {
	switch kind {
	case hvtsim.Originate:
		nw.stats.Originated++
	case hvtsim.Forward:
		nw.stats.Forwarded++
	case hvtsim.Deliver:
		nw.stats.Delivered++
	case hvtsim.Drop:
		nw.stats.Dropped++
		nw.log.Debug(nw.ctx, "packet dropped",
			logging.String("device", dev.devName()),
			logging.String("reason", reason),
			logging.Float64("time", evtMgr.CurrentSeconds()),
		)
	}
	ev := hvtsim.PacketEvent{
		Kind:   kind,
		Time:   evtMgr.CurrentSeconds(),
		Sent:   nm.startTime,
		Node:   dev.handle(),
		Data:   nm.data,
		Reason: reason,
	}
	for _, m := range nw.monitors {
		m.ObservePacket(ev)
	}
}

// Destroy releases the event manager and monitors. Counters and routes stay
// readable; every other operation returns ErrSimulationDone.
func (nw *Network) Destroy() {
	if nw.destroyed {
		return
	}
	nw.destroyed = true
	nw.monitors = nil
	nw.evtMgr = nil
}

// Stats returns the packet counters of the run.
func (nw *Network) Stats() Stats { return nw.stats }

// AppStats returns the counters of an installed application.
func (nw *Network) AppStats(hdl hvtsim.AppHandle) (AppStats, error) {
	if int(hdl) < 0 || int(hdl) >= len(nw.apps) {
		return AppStats{}, fmt.Errorf("unknown application handle %d", hdl)
	}
	return nw.apps[hdl].stats(), nil
}

// Attachments describes every radio attachment and whether it completed.
func (nw *Network) Attachments() []Attachment {
	return nw.radio.describe()
}

// QueueStats summarizes the egress queue of a wired interface.
type QueueStats struct {
	Admitted int `json:"admitted" yaml:"admitted"`
	Dropped  int `json:"dropped" yaml:"dropped"`
	MaxHeld  int `json:"maxheld" yaml:"maxheld"`
}

// Queues returns the egress queue counters of every wired interface, by
// interface name.
func (nw *Network) Queues() map[string]QueueStats {
	rtn := make(map[string]QueueStats)
	for _, intrfc := range nw.intrfcByID {
		q := intrfc.state.queue
		rtn[intrfc.name] = QueueStats{Admitted: q.admitted, Dropped: q.drops, MaxHeld: q.maxHeld}
	}
	return rtn
}

// DropReasons counts dropped datagrams by reason.
func (nw *Network) DropReasons() map[string]int {
	rtn := make(map[string]int, len(nw.portal.lost))
	for reason, cnt := range nw.portal.lost {
		rtn[reason] = cnt
	}
	return rtn
}

// Path lists the names of the devices a datagram from src to dst crosses,
// both ends included. It is empty until routes are populated, or when dst is
// unreachable.
func (nw *Network) Path(src, dst hvtsim.EndpointHandle) (string, error) {
	srcDev, err := nw.device(src)
	if err != nil {
		return "", err
	}
	dstDev, err := nw.device(dst)
	if err != nil {
		return "", err
	}
	return nw.rt.showPath(srcDev.devID(), dstDev.devID(), func(id int) string {
		return nw.topoDevByID[id].devName()
	}), nil
}
