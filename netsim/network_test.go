package netsim

import (
	"context"
	"errors"
	"math"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/lvwf1/hvtsim"
)

func runScenario(t *testing.T, cfg hvtsim.ScenarioConfig, opts ...Option) (*Network, *hvtsim.Result) {
	t.Helper()
	nw := New(opts...)
	res, err := hvtsim.Run(context.Background(), cfg, nw)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return nw, res
}

func TestDefaultScenarioEndToEnd(t *testing.T) {
	nw, res := runScenario(t, hvtsim.DefaultScenarioConfig())

	rows := res.Report.Rows
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	wantSrc := []string{"10.1.1.1", "10.1.3.1", "10.1.4.1"}
	for idx, row := range rows {
		if row.Tuple.SrcAddr.String() != wantSrc[idx] {
			t.Errorf("row %d source = %v, want %s", idx, row.Tuple.SrcAddr, wantSrc[idx])
		}
		if row.Tuple.DstAddr != netip.MustParseAddr("10.1.2.1") || row.Tuple.DstPort != 8080 {
			t.Errorf("row %d destination = %v:%d", idx, row.Tuple.DstAddr, row.Tuple.DstPort)
		}
		if row.Tuple.SrcPort != firstEphemeralPort {
			t.Errorf("row %d source port = %d", idx, row.Tuple.SrcPort)
		}
		if row.TxPackets != 160 || row.RxPackets != 160 {
			t.Errorf("row %d packets tx=%d rx=%d", idx, row.TxPackets, row.RxPackets)
		}
		if row.TxBytes != 160*540 || row.RxBytes != row.TxBytes {
			t.Errorf("row %d bytes tx=%d rx=%d", idx, row.TxBytes, row.RxBytes)
		}
		if row.LostPackets != 0 {
			t.Errorf("row %d lost %d", idx, row.LostPackets)
		}
		if rec := res.Stats.Records[row.FlowID]; rec.TimesForwarded != 160 {
			t.Errorf("row %d forwarded %d times, want 160", idx, rec.TimesForwarded)
		}
		if !row.Throughput.Defined || math.Abs(row.Throughput.Mbps-0.0869) > 0.0005 {
			t.Errorf("row %d throughput = %v, want about 0.0869 Mbps", idx, row.Throughput)
		}
		// two hops of 2 ms propagation, two serializations and one forwarding delay
		if row.MeanDelay < 0.004 || row.MeanDelay > 0.005 {
			t.Errorf("row %d mean delay = %v", idx, row.MeanDelay)
		}
	}

	st := nw.Stats()
	if st.Originated != 480 || st.Forwarded != 480 || st.Delivered != 480 || st.Dropped != 0 {
		t.Errorf("stats = %+v", st)
	}
	// the sources target mobile 1, where nothing listens
	if st.Unclaimed != 480 {
		t.Errorf("unclaimed = %d, want 480", st.Unclaimed)
	}

	sink, err := nw.AppStats(res.Traffic.Sink.Handle)
	if err != nil {
		t.Fatalf("AppStats: %v", err)
	}
	if sink.Kind != "sink" || sink.Port != 8080 || sink.Received != 0 || sink.Unbound {
		t.Errorf("sink = %+v", sink)
	}
	for _, src := range res.Traffic.Sources {
		st, err := nw.AppStats(src.Handle)
		if err != nil {
			t.Fatalf("AppStats: %v", err)
		}
		if st.Sent != 160 || st.Bytes != 160*512 {
			t.Errorf("source on %s = %+v", st.Host, st)
		}
	}

	mobiles := res.Topology.Mobiles
	path, err := nw.Path(mobiles[0].Handle, mobiles[1].Handle)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if want := mobiles[0].Name + "," + res.Topology.Base.Name + "," + mobiles[1].Name; path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
}

func TestRadioAttachments(t *testing.T) {
	nw, res := runScenario(t, hvtsim.DefaultScenarioConfig(), WithMaxBackoff(0.01))

	atts := nw.Attachments()
	if len(atts) != 4 {
		t.Fatalf("attachments = %d, want 4", len(atts))
	}
	for idx, att := range atts {
		if !att.Attached {
			t.Errorf("%s not attached", att.Mobile)
		}
		if att.At < 0 || att.At >= 0.01 {
			t.Errorf("%s attached at %v", att.Mobile, att.At)
		}
		if att.Base != res.Topology.Base.Name {
			t.Errorf("%s attached to %s", att.Mobile, att.Base)
		}
		want := res.Topology.Mobiles[idx].Position.DistanceTo(res.Topology.Base.Position)
		if math.Abs(att.Distance-want) > 1e-9 {
			t.Errorf("%s distance = %v, want %v", att.Mobile, att.Distance, want)
		}
	}
}

func TestQueueOverflowCountsAsLoss(t *testing.T) {
	cfg := hvtsim.DefaultScenarioConfig()
	cfg.DataRate = 1e5
	nw, res := runScenario(t, cfg, WithQueueLimit(5))

	var lost, tx, rx uint64
	for _, row := range res.Report.Rows {
		lost += row.LostPackets
		tx += row.TxBytes
		rx += row.RxBytes
	}
	if lost == 0 || rx >= tx {
		t.Errorf("lost=%d tx=%d rx=%d, want losses", lost, tx, rx)
	}
	if nw.DropReasons()["queue full"] == 0 {
		t.Errorf("drop reasons = %v", nw.DropReasons())
	}
	dropped := 0
	for name, q := range nw.Queues() {
		dropped += q.Dropped
		if q.MaxHeld > 5 {
			t.Errorf("%s held %d packets over its limit", name, q.MaxHeld)
		}
	}
	if dropped == 0 || dropped != nw.Stats().Dropped {
		t.Errorf("queue drops = %d, stats = %+v", dropped, nw.Stats())
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	_, first := runScenario(t, hvtsim.DefaultScenarioConfig())
	_, second := runScenario(t, hvtsim.DefaultScenarioConfig())
	if len(first.Report.Rows) != len(second.Report.Rows) {
		t.Fatalf("row counts differ")
	}
	for idx := range first.Report.Rows {
		if first.Report.Rows[idx] != second.Report.Rows[idx] {
			t.Errorf("row %d differs: %+v vs %+v", idx, first.Report.Rows[idx], second.Report.Rows[idx])
		}
	}
}

func TestSinkReceivesTrafficAddressedToIt(t *testing.T) {
	nw := New()
	base, _ := nw.CreateEndpoint(hvtsim.EndpointSpec{Name: "base", Kind: hvtsim.BaseStation})
	mobile, _ := nw.CreateEndpoint(hvtsim.EndpointSpec{Name: "mobile0", Kind: hvtsim.Mobile})
	link, err := nw.CreateLink(hvtsim.LinkSpec{Kind: hvtsim.WiredLink, A: mobile, B: base, Delay: 0.002, DataRate: 5e7})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	addrs, err := nw.AssignAddress(link, netip.MustParsePrefix("10.1.1.0/24"))
	if err != nil {
		t.Fatalf("AssignAddress: %v", err)
	}
	if err := nw.PopulateRoutes(); err != nil {
		t.Fatalf("PopulateRoutes: %v", err)
	}
	sinkHdl, err := nw.InstallApplication(hvtsim.AppSpec{Kind: hvtsim.SinkApp, Host: base, Port: 8080, Start: 1, Stop: 10})
	if err != nil {
		t.Fatalf("install sink: %v", err)
	}
	srcHdl, err := nw.InstallApplication(hvtsim.AppSpec{
		Kind:       hvtsim.SourceApp,
		Host:       mobile,
		Remote:     netip.AddrPortFrom(addrs.B, 8080),
		PacketSize: 512,
		MaxPackets: 10,
		Interval:   0.1,
		Start:      2,
		Stop:       10,
	})
	if err != nil {
		t.Fatalf("install source: %v", err)
	}
	if err := nw.RunUntil(context.Background(), 10); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}

	sink, _ := nw.AppStats(sinkHdl)
	src, _ := nw.AppStats(srcHdl)
	if src.Sent != 10 {
		t.Errorf("sent = %d, want the 10 packet limit", src.Sent)
	}
	if sink.Received != 10 || sink.Bytes != 10*512 || sink.Lost != 0 {
		t.Errorf("sink = %+v", sink)
	}
	if st := nw.Stats(); st.Unclaimed != 0 || st.Forwarded != 0 || st.Delivered != 10 {
		t.Errorf("stats = %+v", st)
	}
}

func TestUnroutableDestinationIsDropped(t *testing.T) {
	nw := New()
	base, _ := nw.CreateEndpoint(hvtsim.EndpointSpec{Name: "base", Kind: hvtsim.BaseStation})
	mobile, _ := nw.CreateEndpoint(hvtsim.EndpointSpec{Name: "mobile0", Kind: hvtsim.Mobile})
	link, _ := nw.CreateLink(hvtsim.LinkSpec{Kind: hvtsim.WiredLink, A: mobile, B: base, Delay: 0.002, DataRate: 5e7})
	if _, err := nw.AssignAddress(link, netip.MustParsePrefix("10.1.1.0/24")); err != nil {
		t.Fatalf("AssignAddress: %v", err)
	}
	if err := nw.PopulateRoutes(); err != nil {
		t.Fatalf("PopulateRoutes: %v", err)
	}
	_, err := nw.InstallApplication(hvtsim.AppSpec{
		Kind:       hvtsim.SourceApp,
		Host:       mobile,
		Remote:     netip.MustParseAddrPort("10.9.9.9:8080"),
		PacketSize: 64,
		MaxPackets: 3,
		Interval:   0.5,
		Start:      1,
		Stop:       5,
	})
	if err != nil {
		t.Fatalf("install source: %v", err)
	}
	if err := nw.RunUntil(context.Background(), 5); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if st := nw.Stats(); st.Originated != 3 || st.Dropped != 3 || st.Delivered != 0 {
		t.Errorf("stats = %+v", st)
	}
	if nw.DropReasons()["no route"] != 3 {
		t.Errorf("drop reasons = %v", nw.DropReasons())
	}
}

func TestEngineErrors(t *testing.T) {
	nw := New()
	if _, err := nw.CreateLink(hvtsim.LinkSpec{Kind: hvtsim.WiredLink, A: 0, B: 1}); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("link between unknown endpoints: %v", err)
	}
	if _, err := nw.AssignAddress(3, netip.MustParsePrefix("10.1.1.0/24")); !errors.Is(err, ErrUnknownLink) {
		t.Errorf("address unknown link: %v", err)
	}

	base, _ := nw.CreateEndpoint(hvtsim.EndpointSpec{Name: "base", Kind: hvtsim.BaseStation})
	mobile, _ := nw.CreateEndpoint(hvtsim.EndpointSpec{Name: "mobile0", Kind: hvtsim.Mobile})
	if _, err := nw.CreateEndpoint(hvtsim.EndpointSpec{Name: "mobile0", Kind: hvtsim.Mobile}); err == nil {
		t.Errorf("duplicate endpoint name accepted")
	}
	if _, err := nw.CreateLink(hvtsim.LinkSpec{Kind: hvtsim.RadioAttachment, A: mobile, B: mobile}); err == nil {
		t.Errorf("self link accepted")
	}
	if _, err := nw.CreateLink(hvtsim.LinkSpec{Kind: hvtsim.RadioAttachment, A: mobile, B: base}); err != nil {
		t.Errorf("radio attachment: %v", err)
	}
	if _, err := nw.CreateLink(hvtsim.LinkSpec{Kind: hvtsim.RadioAttachment, A: base, B: mobile}); err == nil {
		t.Errorf("second radio attachment of the same mobile accepted")
	}
	radio := hvtsim.LinkHandle(0)
	if _, err := nw.AssignAddress(radio, netip.MustParsePrefix("10.1.1.0/24")); err == nil {
		t.Errorf("radio attachment addressed")
	}

	wiredLink, err := nw.CreateLink(hvtsim.LinkSpec{Kind: hvtsim.WiredLink, A: mobile, B: base, Delay: 0.002, DataRate: 5e7})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if _, err := nw.AssignAddress(wiredLink, netip.MustParsePrefix("10.1.1.0/31")); err == nil {
		t.Errorf("/31 accepted for a point-to-point link")
	}
	if _, err := nw.AssignAddress(wiredLink, netip.MustParsePrefix("10.1.1.0/24")); err != nil {
		t.Fatalf("AssignAddress: %v", err)
	}
	if _, err := nw.AssignAddress(wiredLink, netip.MustParsePrefix("10.1.2.0/24")); !errors.Is(err, ErrAlreadyAddressed) {
		t.Errorf("second address block: %v", err)
	}

	if err := nw.PopulateRoutes(); err != nil {
		t.Fatalf("PopulateRoutes: %v", err)
	}
	if err := nw.PopulateRoutes(); !errors.Is(err, ErrRoutesPopulated) {
		t.Errorf("second PopulateRoutes: %v", err)
	}
	if _, err := nw.CreateEndpoint(hvtsim.EndpointSpec{Name: "late", Kind: hvtsim.Mobile}); !errors.Is(err, ErrRoutesPopulated) {
		t.Errorf("endpoint after routing: %v", err)
	}

	if err := nw.RunUntil(context.Background(), 1); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if err := nw.RunUntil(context.Background(), 1); !errors.Is(err, ErrSimulationDone) {
		t.Errorf("second RunUntil: %v", err)
	}
	nw.Destroy()
	if err := nw.InstallMonitor(nil); !errors.Is(err, ErrSimulationDone) {
		t.Errorf("InstallMonitor after Destroy: %v", err)
	}
}

func TestRunUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New().RunUntil(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestTraceManagerRecordsPassages(t *testing.T) {
	tm := CreateTraceManager("hvt", true)
	cfg := hvtsim.DefaultScenarioConfig()
	for idx := range cfg.Sources {
		cfg.Sources[idx].MaxPackets = 2
	}
	runScenario(t, cfg, WithTraceManager(tm))

	// 5 devices and 8 wired interfaces
	if len(tm.NameByID) != 13 {
		t.Errorf("names = %d, want 13", len(tm.NameByID))
	}
	// 6 packets, each crossing 2 links with 4 handlers per crossing
	if tm.Len() != 6*2*4 {
		t.Errorf("trace records = %d, want 48", tm.Len())
	}

	filename := filepath.Join(t.TempDir(), "trace.yaml")
	if err := tm.WriteToFile(filename); err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}
	if err := tm.WriteToFile(filepath.Join(t.TempDir(), "trace.txt")); err == nil {
		t.Errorf("unknown extension accepted")
	}
	if err := CreateTraceManager("off", false).WriteToFile(filename); err != nil {
		t.Errorf("inactive trace manager: %v", err)
	}
}
