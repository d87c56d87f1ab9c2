package hvtsim

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
)

// fakeEngine records every call and, when run, replays source traffic as
// originate and deliver events separated by a fixed latency.
type fakeEngine struct {
	endpoints []EndpointSpec
	links     []LinkSpec
	addrs     map[LinkHandle]InterfaceAddrs
	owner     map[netip.Addr]EndpointHandle
	hostAddr  map[EndpointHandle]netip.Addr
	apps      []AppSpec
	monitors  []PacketObserver
	calls     []string
	routed    bool
	destroyed bool

	latency float64
	failOn  string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		addrs:    make(map[LinkHandle]InterfaceAddrs),
		owner:    make(map[netip.Addr]EndpointHandle),
		hostAddr: make(map[EndpointHandle]netip.Addr),
		latency:  0.004,
	}
}

var errFake = errors.New("fake engine failure")

func (fe *fakeEngine) fail(call string) error {
	fe.calls = append(fe.calls, call)
	if fe.failOn == call {
		return errFake
	}
	return nil
}

func (fe *fakeEngine) CreateEndpoint(spec EndpointSpec) (EndpointHandle, error) {
	if err := fe.fail("endpoint"); err != nil {
		return 0, err
	}
	fe.endpoints = append(fe.endpoints, spec)
	return EndpointHandle(len(fe.endpoints) - 1), nil
}

func (fe *fakeEngine) CreateLink(spec LinkSpec) (LinkHandle, error) {
	if err := fe.fail("link"); err != nil {
		return 0, err
	}
	fe.links = append(fe.links, spec)
	return LinkHandle(len(fe.links) - 1), nil
}

func (fe *fakeEngine) AssignAddress(link LinkHandle, block netip.Prefix) (InterfaceAddrs, error) {
	if err := fe.fail("address"); err != nil {
		return InterfaceAddrs{}, err
	}
	spec := fe.links[link]
	if spec.Kind != WiredLink {
		return InterfaceAddrs{}, fmt.Errorf("link %d is not wired", link)
	}
	a := block.Addr().Next()
	addrs := InterfaceAddrs{A: a, B: a.Next()}
	fe.addrs[link] = addrs
	fe.owner[addrs.A] = spec.A
	fe.owner[addrs.B] = spec.B
	if _, ok := fe.hostAddr[spec.A]; !ok {
		fe.hostAddr[spec.A] = addrs.A
	}
	if _, ok := fe.hostAddr[spec.B]; !ok {
		fe.hostAddr[spec.B] = addrs.B
	}
	return addrs, nil
}

func (fe *fakeEngine) PopulateRoutes() error {
	if err := fe.fail("routes"); err != nil {
		return err
	}
	fe.routed = true
	return nil
}

func (fe *fakeEngine) InstallApplication(spec AppSpec) (AppHandle, error) {
	if err := fe.fail("app:" + spec.Kind.String()); err != nil {
		return 0, err
	}
	fe.apps = append(fe.apps, spec)
	return AppHandle(len(fe.apps) - 1), nil
}

func (fe *fakeEngine) InstallMonitor(obs PacketObserver) error {
	if err := fe.fail("monitor"); err != nil {
		return err
	}
	fe.monitors = append(fe.monitors, obs)
	return nil
}

func (fe *fakeEngine) RunUntil(ctx context.Context, horizon float64) error {
	if err := fe.fail("run"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	events := make([]PacketEvent, 0)
	for _, app := range fe.apps {
		if app.Kind != SourceApp {
			continue
		}
		src := netip.AddrPortFrom(fe.hostAddr[app.Host], 49153)
		for k := 0; k < app.MaxPackets; k++ {
			t := app.Start + float64(k)*app.Interval
			if t >= app.Stop || t >= horizon {
				break
			}
			data, err := EncodeUDPDatagram(src, app.Remote, uint16(k), 64, make([]byte, app.PacketSize))
			if err != nil {
				return err
			}
			events = append(events, PacketEvent{Kind: Originate, Time: t, Sent: t, Node: app.Host, Data: data})
			dst, ok := fe.owner[app.Remote.Addr()]
			if !ok {
				events = append(events, PacketEvent{Kind: Drop, Time: t, Sent: t, Node: app.Host, Data: data, Reason: "no route"})
				continue
			}
			if t+fe.latency < horizon {
				events = append(events, PacketEvent{Kind: Deliver, Time: t + fe.latency, Sent: t, Node: dst, Data: data})
			}
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })

	for _, ev := range events {
		for _, m := range fe.monitors {
			m.ObservePacket(ev)
		}
	}
	return nil
}

func (fe *fakeEngine) Destroy() {
	fe.calls = append(fe.calls, "destroy")
	fe.destroyed = true
}

func (fe *fakeEngine) count(kind LinkKind) int {
	n := 0
	for _, l := range fe.links {
		if l.Kind == kind {
			n++
		}
	}
	return n
}

func (fe *fakeEngine) indexOf(call string) int {
	for idx, c := range fe.calls {
		if c == call {
			return idx
		}
	}
	return -1
}

func (fe *fakeEngine) lastIndexOf(call string) int {
	last := -1
	for idx, c := range fe.calls {
		if c == call {
			last = idx
		}
	}
	return last
}
