package netsim

// net.go holds the device and interface model and the event handlers that
// carry a packet across an interface.

import (
	"fmt"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
	"github.com/lvwf1/hvtsim"
)

// pppHeaderLen is the point-to-point framing added to every datagram on a
// wired link.
const pppHeaderLen = 2

// firstEphemeralPort is where per-device source port allocation starts.
const firstEphemeralPort uint16 = 49153

type devCode int

const (
	hostCode devCode = iota
	baseCode
)

func (code devCode) String() string {
	switch code {
	case hostCode:
		return "host"
	case baseCode:
		return "base"
	}
	return "unknown"
}

type networkMedia int

const (
	unknownMedia networkMedia = iota
	wired
	wireless
)

type intPair struct {
	i, j int
}

// the topoDev interface specifies the functionality different device types provide
type topoDev interface {
	devName() string              // every device has a unique name
	devID() int                   // every device has a unique integer id
	devType() devCode             // every device is one of the devCode types
	devIntrfcs() []*intrfcStruct  // interfaces embedded in the device
	devDelay(any) float64         // delay the device introduces when relaying a message
	devRng() *rngstream.RngStream // every device has its own RNG stream
	devSched() *TaskScheduler     // nil for devices that do not forward
	handle() hvtsim.EndpointHandle
	core() *devCore
}

// devCore is the state shared by every device type.
type devCore struct {
	id       int
	name     string
	hdl      hvtsim.EndpointHandle
	position hvtsim.Position
	intrfcs  []*intrfcStruct
	rngstrm  *rngstream.RngStream
	sockets  map[uint16]udpReceiver
	nxtPort  uint16
}

func newDevCore(id int, name string, hdl hvtsim.EndpointHandle, pos hvtsim.Position) *devCore {
	return &devCore{
		id:       id,
		name:     name,
		hdl:      hdl,
		position: pos,
		intrfcs:  make([]*intrfcStruct, 0),
		rngstrm:  rngstream.New(name),
		sockets:  make(map[uint16]udpReceiver),
		nxtPort:  firstEphemeralPort,
	}
}

func (dc *devCore) devName() string               { return dc.name }
func (dc *devCore) devID() int                    { return dc.id }
func (dc *devCore) devIntrfcs() []*intrfcStruct   { return dc.intrfcs }
func (dc *devCore) devRng() *rngstream.RngStream  { return dc.rngstrm }
func (dc *devCore) handle() hvtsim.EndpointHandle { return dc.hdl }
func (dc *devCore) core() *devCore                { return dc }

func (dc *devCore) addIntrfc(intrfc *intrfcStruct) {
	dc.intrfcs = append(dc.intrfcs, intrfc)
}

// ownsAddr reports whether one of the device's interfaces carries addr.
func (dc *devCore) ownsAddr(addr netip.Addr) bool {
	for _, intrfc := range dc.intrfcs {
		if intrfc.addr == addr {
			return true
		}
	}
	return false
}

// primaryAddr is the address of the first addressed interface, used as the
// source address of locally originated datagrams.
func (dc *devCore) primaryAddr() netip.Addr {
	for _, intrfc := range dc.intrfcs {
		if intrfc.addr.IsValid() {
			return intrfc.addr
		}
	}
	return netip.Addr{}
}

// allocPort hands out the next ephemeral port not bound by a socket.
func (dc *devCore) allocPort() uint16 {
	for {
		port := dc.nxtPort
		dc.nxtPort++
		if dc.nxtPort == 0 {
			dc.nxtPort = firstEphemeralPort
		}
		if _, present := dc.sockets[port]; !present {
			return port
		}
	}
}

// bind attaches a receiver to a UDP port. It fails if the port is taken.
func (dc *devCore) bind(port uint16, recv udpReceiver) bool {
	if _, present := dc.sockets[port]; present {
		return false
	}
	dc.sockets[port] = recv
	return true
}

func (dc *devCore) unbind(port uint16) {
	delete(dc.sockets, port)
}

// hostDev is a mobile. It originates and terminates traffic and never
// forwards.
type hostDev struct {
	*devCore
}

func createHostDev(core *devCore) *hostDev {
	return &hostDev{devCore: core}
}

func (host *hostDev) devType() devCode         { return hostCode }
func (host *hostDev) devDelay(arg any) float64 { return 0.0 }
func (host *hostDev) devSched() *TaskScheduler { return nil }

// baseDev is the base station. Besides hosting applications it forwards
// between its wired interfaces, one packet at a time, each after a fixed
// processing delay.
type baseDev struct {
	*devCore
	fwdDelay float64
	sched    *TaskScheduler
}

func createBaseDev(core *devCore, fwdDelay float64) *baseDev {
	return &baseDev{devCore: core, fwdDelay: fwdDelay, sched: CreateTaskScheduler(1)}
}

func (base *baseDev) devType() devCode         { return baseCode }
func (base *baseDev) devDelay(arg any) float64 { return base.fwdDelay }
func (base *baseDev) devSched() *TaskScheduler { return base.sched }

// linkStruct records what CreateLink built.
type linkStruct struct {
	kind    hvtsim.LinkKind
	devA    topoDev
	devB    topoDev
	intrfcA *intrfcStruct // nil for radio attachments
	intrfcB *intrfcStruct
	delay   float64
	rate    float64
}

// The intrfcStruct holds information about a network interface embedded in a device
type intrfcStruct struct {
	name   string        // unique name, generated from the device name
	number int           // unique integer id
	nw     *Network      // network the interface belongs to
	media  networkMedia  // media of the link the interface drives
	device topoDev       // pointer to the device holding the interface
	cable  *intrfcStruct // the interface at the other end of the wire
	addr   netip.Addr    // zero until AssignAddress
	prefix netip.Prefix
	state  *intrfcState // pointer to the interface's block of state information
}

// The intrfcState holds parameters descriptive of the interface's capabilities
type intrfcState struct {
	dataRate float64  // transmit rate, bits per second
	latency  float64  // time the leading bit takes to traverse the wire out of the interface
	delay    float64  // time the leading bit takes to traverse the interface
	queue    *txQueue // egress queue
	packets  int      // packets between ingress entry and exit
	trace    bool     // switch for calling add trace
}

func createIntrfcState(dataRate, latency float64, queueLimit int) *intrfcState {
	return &intrfcState{
		dataRate: dataRate,
		latency:  latency,
		delay:    0.0,
		queue:    createTxQueue(queueLimit),
	}
}

// createIntrfcStruct builds an interface on dev and registers it.
func (nw *Network) createIntrfcStruct(dev topoDev, media networkMedia, dataRate, latency float64) *intrfcStruct {
	is := &intrfcStruct{
		name:   fmt.Sprintf("%s-intrfc%d", dev.devName(), len(dev.devIntrfcs())),
		number: nw.nxtID(),
		nw:     nw,
		media:  media,
		device: dev,
		state:  createIntrfcState(dataRate, latency, nw.queueLimit),
	}
	dev.core().addIntrfc(is)
	nw.intrfcByID[is.number] = is

	if nw.traceMgr != nil {
		is.state.trace = true
		nw.traceMgr.AddName(is.number, is.name, "interface")
	}
	return is
}

func (intrfc *intrfcStruct) bind(addr netip.Addr, prefix netip.Prefix) {
	intrfc.addr = addr
	intrfc.prefix = prefix
}

// serialization is the time to clock msgLen bytes plus framing onto the wire.
func (intrfc *intrfcStruct) serialization(msgLen int) float64 {
	return float64((msgLen+pppHeaderLen)*8) / intrfc.state.dataRate
}

func (intrfc *intrfcStruct) addTrace(label string, nm *networkMsg, vrt vrtime.Time) {
	if !intrfc.state.trace {
		return
	}
	AddNetTrace(intrfc.nw.traceMgr, vrt, nm, intrfc.number, label)
}

// pt2ptLatency computes the latency on a point-to-point connection between interfaces
func pt2ptLatency(srcIntrfc, dstIntrfc *intrfcStruct) float64 {
	return max(srcIntrfc.state.latency, dstIntrfc.state.latency)
}

// intrfcsToDev is one step of a route: leave through srcIntrfcID, arrive
// through dstIntrfcID embedded in device devID.
type intrfcsToDev struct {
	srcIntrfcID int
	dstIntrfcID int
	devID       int
}

// The networkMsg type wraps a datagram on its way through the network. stepIdx
// indexes into the route, so that by incrementing we find the next step.
type networkMsg struct {
	stepIdx   int             // position within the route from source to destination
	route     *[]intrfcsToDev // pointer to description of route
	srcID     int             // id of the originating device
	startTime float64         // time the datagram entered the network
	data      []byte          // complete IPv4 datagram
}

// enterEgressIntrfc implements the event handler for a packet reaching the
// egress side of an interface. The packet joins the transmit queue, or is
// dropped when the queue is full, and its departure is scheduled for when
// its last bit has been clocked out.
func enterEgressIntrfc(evtMgr *evtm.EventManager, egressIntrfc any, msg any) any {
	intrfc := egressIntrfc.(*intrfcStruct)
	nm := msg.(networkMsg)
	nw := intrfc.nw
	if nw.expired(evtMgr) {
		return nil
	}

	nowInSecs := evtMgr.CurrentSeconds()
	intrfc.addTrace("enterEgressIntrfc", &nm, evtMgr.CurrentTime())

	departs, admitted := intrfc.state.queue.admit(nowInSecs, intrfc.serialization(len(nm.data)))
	if !admitted {
		nw.portal.lostPacket(evtMgr, intrfc.device, &nm, "queue full")
		return nil
	}

	evtMgr.Schedule(egressIntrfc, nm, exitEgressIntrfc, vrtime.SecondsToTime(departs-nowInSecs))
	return nil
}

// exitEgressIntrfc implements an event handler for the departure of a packet
// from an interface. It schedules the arrival of the leading edge at the
// interface on the other end of the wire.
func exitEgressIntrfc(evtMgr *evtm.EventManager, egressIntrfc any, msg any) any {
	intrfc := egressIntrfc.(*intrfcStruct)
	nm := msg.(networkMsg)
	nw := intrfc.nw

	intrfc.state.queue.release()
	if nw.expired(evtMgr) {
		return nil
	}
	intrfc.addTrace("exitEgressIntrfc", &nm, evtMgr.CurrentTime())

	nxtIntrfc := nw.intrfcByID[(*nm.route)[nm.stepIdx].dstIntrfcID]
	if intrfc.cable != nxtIntrfc {
		panic(fmt.Errorf("route step from %s does not follow its cable", intrfc.name))
	}

	evtMgr.Schedule(nxtIntrfc, nm, enterIngressIntrfc, vrtime.SecondsToTime(pt2ptLatency(intrfc, nxtIntrfc)))
	return nil
}

// enterIngressIntrfc implements the event handler for the arrival of a packet
// at the ingress side of an interface, and schedules its exit after the delay
// through the interface.
func enterIngressIntrfc(evtMgr *evtm.EventManager, ingressIntrfc any, msg any) any {
	intrfc := ingressIntrfc.(*intrfcStruct)
	nm := msg.(networkMsg)
	if intrfc.nw.expired(evtMgr) {
		return nil
	}

	intrfc.addTrace("enterIngressIntrfc", &nm, evtMgr.CurrentTime())
	intrfc.state.packets += 1

	evtMgr.Schedule(ingressIntrfc, nm, exitIngressIntrfc, vrtime.SecondsToTime(intrfc.state.delay))
	return nil
}

// exitIngressIntrfc is the event handler for a packet leaving the ingress
// side of an interface into its device. At the end of the route the packet
// departs the network; otherwise the device must forward it.
func exitIngressIntrfc(evtMgr *evtm.EventManager, ingressIntrfc any, msg any) any {
	intrfc := ingressIntrfc.(*intrfcStruct)
	nm := msg.(networkMsg)
	nw := intrfc.nw

	intrfc.state.packets -= 1
	if nw.expired(evtMgr) {
		return nil
	}
	intrfc.addTrace("exitIngressIntrfc", &nm, evtMgr.CurrentTime())

	thisDev := intrfc.device
	if nm.stepIdx == len(*nm.route)-1 {
		nw.portal.Depart(evtMgr, thisDev, nm)
		return nil
	}

	sched := thisDev.devSched()
	if sched == nil {
		nw.portal.lostPacket(evtMgr, thisDev, &nm, "not forwarding")
		return nil
	}

	// the device holds the packet for its processing time before it reaches
	// the next egress interface
	delay := thisDev.devDelay(nm)
	sched.Schedule(evtMgr, "forward", delay, delay, intrfc, nm, forwardComplete)
	return nil
}

// forwardComplete is called when a forwarding device has processed a packet.
// The TTL is decremented and the packet moves to the next step of its route.
func forwardComplete(evtMgr *evtm.EventManager, context any, data any) any {
	intrfc := context.(*intrfcStruct)
	task := data.(*Task)
	nm := task.Msg.(networkMsg)
	nw := intrfc.nw
	if nw.expired(evtMgr) {
		return nil
	}

	thisDev := intrfc.device
	out, alive, err := hvtsim.DecrementTTL(nm.data)
	if err != nil {
		nw.portal.lostPacket(evtMgr, thisDev, &nm, "malformed header")
		return nil
	}
	if !alive {
		nw.portal.lostPacket(evtMgr, thisDev, &nm, "ttl exceeded")
		return nil
	}
	nm.data = out
	nw.notify(evtMgr, hvtsim.Forward, thisDev, &nm, "")

	nm.stepIdx += 1
	nxtIntrfc := nw.intrfcByID[(*nm.route)[nm.stepIdx].srcIntrfcID]
	evtMgr.Schedule(nxtIntrfc, nm, enterEgressIntrfc, vrtime.SecondsToTime(0.0))
	return nil
}
