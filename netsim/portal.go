package netsim

// portal.go holds state and code related to the transition of traffic
// between the application layer and the network layer

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/lvwf1/hvtsim"
	"github.com/lvwf1/hvtsim/internal/logging"
)

// networkPortal is where datagrams enter and leave the network. Applications
// hand it complete IPv4 datagrams; on arrival it demultiplexes them to the
// UDP socket bound on the destination port.
type networkPortal struct {
	nw       *Network
	inFlight int            // entered and neither departed nor lost
	lost     map[string]int // dropped datagrams by reason
}

func newNetworkPortal(nw *Network) *networkPortal {
	return &networkPortal{nw: nw, lost: make(map[string]int)}
}

// EnterNetwork is called by an application on srcDev to send a datagram. The
// route to the device owning the destination address is looked up and the
// datagram is scheduled to arrive at the first egress interface. It returns
// false if the datagram was dropped on entry.
func (np *networkPortal) EnterNetwork(evtMgr *evtm.EventManager, srcDev topoDev, data []byte) bool {
	nw := np.nw
	nm := networkMsg{srcID: srcDev.devID(), startTime: evtMgr.CurrentSeconds(), data: data}
	nw.notify(evtMgr, hvtsim.Originate, srcDev, &nm, "")
	np.inFlight += 1

	dst, err := hvtsim.DatagramDst(data)
	if err != nil {
		np.lostPacket(evtMgr, srcDev, &nm, "malformed header")
		return false
	}

	// a datagram addressed to the sender itself never touches a wire
	if srcDev.core().ownsAddr(dst.Addr()) {
		np.Depart(evtMgr, srcDev, nm)
		return true
	}

	dstIntrfc, present := nw.intrfcByAddr[dst.Addr()]
	if !present {
		np.lostPacket(evtMgr, srcDev, &nm, "no route")
		return false
	}
	dstDev := dstIntrfc.device

	route := nw.rt.findRoute(srcDev.devID(), dstDev.devID())
	if len(*route) == 0 {
		np.lostPacket(evtMgr, srcDev, &nm, "no route")
		return false
	}
	nm.route = route

	firstIntrfc := nw.intrfcByID[(*route)[0].srcIntrfcID]
	evtMgr.Schedule(firstIntrfc, nm, enterEgressIntrfc, vrtime.SecondsToTime(0.0))
	return true
}

// Depart is called when a datagram reaches the device owning its destination
// address. The datagram counts as delivered to IP whether or not a socket
// claims it.
func (np *networkPortal) Depart(evtMgr *evtm.EventManager, dstDev topoDev, nm networkMsg) {
	nw := np.nw
	np.inFlight -= 1
	nw.notify(evtMgr, hvtsim.Deliver, dstDev, &nm, "")

	dst, err := hvtsim.DatagramDst(nm.data)
	if err != nil {
		return
	}
	recv, bound := dstDev.core().sockets[dst.Port()]
	if !bound {
		nw.stats.Unclaimed++
		nw.log.Debug(nw.ctx, "no socket bound",
			logging.String("device", dstDev.devName()),
			logging.Int("port", int(dst.Port())),
			logging.Float64("time", evtMgr.CurrentSeconds()),
		)
		return
	}

	payload, err := hvtsim.UDPPayload(nm.data)
	if err != nil {
		return
	}
	ft, err := hvtsim.ClassifyPacket(nm.data)
	if err != nil {
		return
	}
	recv.receive(evtMgr, payload, ft, nm.startTime)
}

// lostPacket records the loss of a datagram at dev.
func (np *networkPortal) lostPacket(evtMgr *evtm.EventManager, dev topoDev, nm *networkMsg, reason string) {
	np.inFlight -= 1
	np.lost[reason] += 1
	np.nw.notify(evtMgr, hvtsim.Drop, dev, nm, reason)
}
