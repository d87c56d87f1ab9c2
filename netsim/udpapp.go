package netsim

// udpapp.go holds the UDP applications: a sink that listens on a port and a
// constant bit rate source

import (
	"encoding/binary"
	"math"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/lvwf1/hvtsim"
	"github.com/lvwf1/hvtsim/internal/logging"
)

// sourceHeaderLen is the part of every source payload carrying the sequence
// number and the send time.
const sourceHeaderLen = 12

// AppStats holds the counters of an application.
type AppStats struct {
	Kind     string `json:"kind" yaml:"kind"`
	Host     string `json:"host" yaml:"host"`
	Port     uint16 `json:"port" yaml:"port"`
	Sent     int    `json:"sent" yaml:"sent"`
	Received int    `json:"received" yaml:"received"`
	Bytes    int    `json:"bytes" yaml:"bytes"` // payload bytes sent or received
	Lost     int    `json:"lost" yaml:"lost"`   // sequence gaps seen by a sink
	Unbound  bool   `json:"unbound" yaml:"unbound"`
}

type application interface {
	schedule(evtMgr *evtm.EventManager)
	stats() AppStats
}

// udpReceiver is anything bound to a UDP port.
type udpReceiver interface {
	receive(evtMgr *evtm.EventManager, payload []byte, ft hvtsim.FiveTuple, sent float64)
}

// udpSink listens on a port over [start, stop) and counts what arrives.
type udpSink struct {
	hdl       hvtsim.AppHandle
	dev       topoDev
	nw        *Network
	port      uint16
	start     float64
	stop      float64
	listening bool
	unbound   bool // the port was taken when the sink started
	received  int
	bytes     int

	// per remote socket: packets received and one past the highest sequence number
	peers map[netip.AddrPort]*seqTracker
}

type seqTracker struct {
	count int
	next  uint32
}

func createUDPSink(nw *Network, hdl hvtsim.AppHandle, dev topoDev, spec hvtsim.AppSpec) *udpSink {
	return &udpSink{
		hdl:   hdl,
		dev:   dev,
		nw:    nw,
		port:  spec.Port,
		start: spec.Start,
		stop:  spec.Stop,
		peers: make(map[netip.AddrPort]*seqTracker),
	}
}

func (sink *udpSink) schedule(evtMgr *evtm.EventManager) {
	evtMgr.Schedule(sink, nil, sinkStart, vrtime.SecondsToTime(sink.start))
	if sink.stop > sink.start {
		evtMgr.Schedule(sink, nil, sinkStop, vrtime.SecondsToTime(sink.stop))
	}
}

// sinkStart binds the sink's socket.
func sinkStart(evtMgr *evtm.EventManager, context any, data any) any {
	sink := context.(*udpSink)
	core := sink.dev.core()
	if !core.bind(sink.port, sink) {
		sink.unbound = true
		nw := sink.nw
		nw.log.Warn(nw.ctx, "sink port in use",
			logging.String("device", core.name),
			logging.Int("port", int(sink.port)),
		)
		return nil
	}
	sink.listening = true
	return nil
}

// sinkStop releases the sink's socket.
func sinkStop(evtMgr *evtm.EventManager, context any, data any) any {
	sink := context.(*udpSink)
	if sink.listening {
		sink.dev.core().unbind(sink.port)
		sink.listening = false
	}
	return nil
}

func (sink *udpSink) receive(evtMgr *evtm.EventManager, payload []byte, ft hvtsim.FiveTuple, sent float64) {
	sink.received += 1
	sink.bytes += len(payload)

	if len(payload) < 4 {
		return
	}
	peer := netip.AddrPortFrom(ft.SrcAddr, ft.SrcPort)
	tr, present := sink.peers[peer]
	if !present {
		tr = new(seqTracker)
		sink.peers[peer] = tr
	}
	tr.count += 1
	if seq := binary.BigEndian.Uint32(payload[0:4]); seq+1 > tr.next {
		tr.next = seq + 1
	}
}

func (sink *udpSink) stats() AppStats {
	lost := 0
	for _, tr := range sink.peers {
		lost += max(int(tr.next)-tr.count, 0)
	}
	return AppStats{
		Kind:     hvtsim.SinkApp.String(),
		Host:     sink.dev.devName(),
		Port:     sink.port,
		Received: sink.received,
		Bytes:    sink.bytes,
		Lost:     lost,
		Unbound:  sink.unbound,
	}
}

// udpSource sends a fixed size payload to remote at start + k*interval for
// k = 0, 1, ... while the send time is before stop and fewer than maxPackets
// have been sent.
type udpSource struct {
	hdl        hvtsim.AppHandle
	dev        topoDev
	nw         *Network
	port       uint16
	remote     netip.AddrPort
	size       int
	maxPackets int
	interval   float64
	start      float64
	stop       float64
	sent       int
	bytes      int
	noAddr     bool
}

func createUDPSource(nw *Network, hdl hvtsim.AppHandle, dev topoDev, spec hvtsim.AppSpec, port uint16) *udpSource {
	return &udpSource{
		hdl:        hdl,
		dev:        dev,
		nw:         nw,
		port:       port,
		remote:     spec.Remote,
		size:       max(spec.PacketSize, 0),
		maxPackets: spec.MaxPackets,
		interval:   spec.Interval,
		start:      spec.Start,
		stop:       spec.Stop,
	}
}

func (src *udpSource) schedule(evtMgr *evtm.EventManager) {
	if !(src.start < src.stop) || src.maxPackets <= 0 {
		return
	}
	evtMgr.Schedule(src, 0, sourceSend, vrtime.SecondsToTime(src.start))
}

// sendTime is when the k-th datagram goes out. Send times are computed from
// start rather than accumulated, so they do not drift.
func (src *udpSource) sendTime(k int) float64 {
	return src.start + float64(k)*src.interval
}

// sourceSend sends datagram k and schedules datagram k+1.
func sourceSend(evtMgr *evtm.EventManager, context any, data any) any {
	src := context.(*udpSource)
	k := data.(int)
	core := src.dev.core()
	nw := src.nw
	if nw.expired(evtMgr) {
		return nil
	}

	srcAddr := core.primaryAddr()
	if !srcAddr.IsValid() {
		src.noAddr = true
		return nil
	}

	now := evtMgr.CurrentSeconds()
	payload := make([]byte, src.size)
	if src.size >= 4 {
		binary.BigEndian.PutUint32(payload[0:4], uint32(k))
	}
	if src.size >= sourceHeaderLen {
		binary.BigEndian.PutUint64(payload[4:sourceHeaderLen], math.Float64bits(now))
	}

	datagram, err := hvtsim.EncodeUDPDatagram(netip.AddrPortFrom(srcAddr, src.port), src.remote, uint16(k), DefaultTTL, payload)
	if err != nil {
		nw.log.Error(nw.ctx, "source stopped", logging.String("device", core.name), logging.Err(err))
		return nil
	}
	src.sent += 1
	src.bytes += len(payload)
	nw.portal.EnterNetwork(evtMgr, src.dev, datagram)

	nxt := src.sendTime(k + 1)
	if nxt < src.stop && src.sent < src.maxPackets {
		evtMgr.Schedule(src, k+1, sourceSend, vrtime.SecondsToTime(nxt-now))
	}
	return nil
}

func (src *udpSource) stats() AppStats {
	return AppStats{
		Kind:    hvtsim.SourceApp.String(),
		Host:    src.dev.devName(),
		Port:    src.port,
		Sent:    src.sent,
		Bytes:   src.bytes,
		Unbound: src.noAddr,
	}
}
