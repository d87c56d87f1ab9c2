package hvtsim

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func datagram(t *testing.T, src, dst string, size int) []byte {
	t.Helper()
	data, err := EncodeUDPDatagram(netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst), 1, 64, make([]byte, size))
	if err != nil {
		t.Fatalf("EncodeUDPDatagram: %v", err)
	}
	return data
}

// segment builds an IPv4/TCP packet with the given endpoints.
func segment(t *testing.T, src, dst string) []byte {
	t.Helper()
	s, d := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(s.Addr().AsSlice()),
		DstIP:    net.IP(d.Addr().AsSlice()),
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(s.Port()), DstPort: layers.TCPPort(d.Port()), SYN: true, Window: 1024}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func TestClassifyPacket(t *testing.T) {
	data := datagram(t, "10.1.1.1:49153", "10.1.2.1:8080", 512)
	if len(data) != 512+UDPHeaderLen+IPv4HeaderLen {
		t.Fatalf("datagram length = %d", len(data))
	}
	ft, err := ClassifyPacket(data)
	if err != nil {
		t.Fatalf("ClassifyPacket: %v", err)
	}
	want := FiveTuple{
		Protocol: uint8(layers.IPProtocolUDP),
		SrcAddr:  netip.MustParseAddr("10.1.1.1"),
		DstAddr:  netip.MustParseAddr("10.1.2.1"),
		SrcPort:  49153,
		DstPort:  8080,
	}
	if ft != want {
		t.Errorf("tuple = %v, want %v", ft, want)
	}
	if _, err := ClassifyPacket([]byte{0x45, 0x00}); err == nil {
		t.Errorf("truncated packet classified")
	}
}

func TestDecrementTTL(t *testing.T) {
	data := datagram(t, "10.1.1.1:49153", "10.1.2.1:8080", 32)
	out, ok, err := DecrementTTL(data)
	if err != nil || !ok {
		t.Fatalf("DecrementTTL = %v, %v", ok, err)
	}
	if out[8] != 63 || len(out) != len(data) {
		t.Errorf("ttl=%d len=%d", out[8], len(out))
	}
	if data[8] != 64 {
		t.Errorf("input modified")
	}
	if payload, err := UDPPayload(out); err != nil || len(payload) != 32 {
		t.Errorf("payload after decrement = %d bytes, %v", len(payload), err)
	}

	last, err := EncodeUDPDatagram(netip.MustParseAddrPort("10.1.1.1:1"), netip.MustParseAddrPort("10.1.2.1:2"), 1, 1, nil)
	if err != nil {
		t.Fatalf("EncodeUDPDatagram: %v", err)
	}
	if _, ok, err := DecrementTTL(last); ok || err != nil {
		t.Errorf("exhausted ttl = %v, %v", ok, err)
	}
}

func TestRecorderFlowIdentity(t *testing.T) {
	base := "10.1.1.1:49153"
	dst := "10.1.2.1:8080"
	tests := []struct {
		name     string
		src, dst string
		sameFlow bool
	}{
		{"identical", base, dst, true},
		{"other source address", "10.1.3.1:49153", dst, false},
		{"other destination address", base, "10.1.4.1:8080", false},
		{"other source port", "10.1.1.1:49154", dst, false},
		{"other destination port", base, "10.1.2.1:9090", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := NewFlowRecorder()
			rec.ObservePacket(PacketEvent{Kind: Originate, Time: 2, Data: datagram(t, base, dst, 64)})
			rec.ObservePacket(PacketEvent{Kind: Originate, Time: 3, Data: datagram(t, tc.src, tc.dst, 128)})
			want := 2
			if tc.sameFlow {
				want = 1
			}
			if stats := rec.Freeze(); len(stats.Records) != want {
				t.Errorf("flows = %d, want %d", len(stats.Records), want)
			}
		})
	}
}

func TestRecorderSeparatesProtocols(t *testing.T) {
	src, dst := "10.1.1.1:49153", "10.1.2.1:8080"
	rec := NewFlowRecorder()
	rec.ObservePacket(PacketEvent{Kind: Originate, Time: 2, Data: datagram(t, src, dst, 64)})
	rec.ObservePacket(PacketEvent{Kind: Originate, Time: 3, Data: segment(t, src, dst)})

	stats := rec.Freeze()
	if len(stats.Records) != 2 {
		t.Fatalf("flows = %d, want 2", len(stats.Records))
	}
	want := []uint8{uint8(layers.IPProtocolTCP), uint8(layers.IPProtocolUDP)}
	for i, id := range stats.IDs() {
		ft, ok := stats.Classifier.FindFlow(id)
		if !ok {
			t.Fatalf("flow %d has no tuple", id)
		}
		if ft.Protocol != want[i] || ft.SrcPort != 49153 || ft.DstPort != 8080 {
			t.Errorf("flow %d = %v", id, ft)
		}
	}
}

func TestRecorderCounters(t *testing.T) {
	data := datagram(t, "10.1.1.1:49153", "10.1.2.1:8080", 512)
	rec := NewFlowRecorder()
	rec.ObservePacket(PacketEvent{Kind: Originate, Time: 2.0, Sent: 2.0, Data: data})
	rec.ObservePacket(PacketEvent{Kind: Forward, Time: 2.1, Sent: 2.0, Data: data})
	rec.ObservePacket(PacketEvent{Kind: Deliver, Time: 2.2, Sent: 2.0, Data: data})
	rec.ObservePacket(PacketEvent{Kind: Originate, Time: 2.5, Sent: 2.5, Data: data})
	rec.ObservePacket(PacketEvent{Kind: Drop, Time: 2.6, Sent: 2.5, Data: data, Reason: "queue full"})
	rec.ObservePacket(PacketEvent{Kind: Deliver, Time: 3, Data: []byte{1, 2, 3}})

	stats := rec.Freeze()
	if len(stats.Records) != 1 {
		t.Fatalf("flows = %d, want 1", len(stats.Records))
	}
	r := stats.Records[1]
	if r.TxPackets != 2 || r.TxBytes != 2*540 || r.RxPackets != 1 || r.RxBytes != 540 {
		t.Errorf("record = %+v", r)
	}
	if r.LostPackets != 1 || r.TimesForwarded != 1 {
		t.Errorf("lost=%d forwarded=%d", r.LostPackets, r.TimesForwarded)
	}
	if r.FirstTx != 2.0 || r.LastTx != 2.5 || r.FirstRx != 2.2 || r.LastRx != 2.2 {
		t.Errorf("times = %v %v %v %v", r.FirstTx, r.LastTx, r.FirstRx, r.LastRx)
	}
	if d := r.DelaySum; d < 0.2-1e-9 || d > 0.2+1e-9 {
		t.Errorf("delay sum = %v", d)
	}
}

func TestRecorderIDsIgnoreArrivalOrder(t *testing.T) {
	a := datagram(t, "10.1.4.1:49153", "10.1.2.1:8080", 64)
	b := datagram(t, "10.1.1.1:49153", "10.1.2.1:8080", 64)
	c := datagram(t, "10.1.3.1:49153", "10.1.2.1:8080", 64)

	first := NewFlowRecorder()
	for _, d := range [][]byte{a, b, c} {
		first.ObservePacket(PacketEvent{Kind: Originate, Data: d})
	}
	second := NewFlowRecorder()
	for _, d := range [][]byte{c, a, b} {
		second.ObservePacket(PacketEvent{Kind: Originate, Data: d})
	}

	s1, s2 := first.Freeze(), second.Freeze()
	for _, id := range s1.IDs() {
		t1, _ := s1.Classifier.FindFlow(id)
		t2, _ := s2.Classifier.FindFlow(id)
		if t1 != t2 {
			t.Errorf("flow %d = %v and %v", id, t1, t2)
		}
	}
	if t1, _ := s1.Classifier.FindFlow(1); t1.SrcAddr.String() != "10.1.1.1" {
		t.Errorf("flow 1 source = %v, want 10.1.1.1", t1.SrcAddr)
	}
	if ids := s1.IDs(); len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("ids = %v", ids)
	}
}

func TestRecorderFreeze(t *testing.T) {
	data := datagram(t, "10.1.1.1:49153", "10.1.2.1:8080", 64)
	rec := NewFlowRecorder()
	rec.ObservePacket(PacketEvent{Kind: Originate, Data: data})
	if rec.Frozen() || rec.Len() != 1 {
		t.Fatalf("frozen=%v len=%d", rec.Frozen(), rec.Len())
	}

	stats := rec.Freeze()
	rec.ObservePacket(PacketEvent{Kind: Originate, Data: data})
	rec.ObservePacket(PacketEvent{Kind: Originate, Data: datagram(t, "10.1.3.1:49153", "10.1.2.1:8080", 64)})
	if again := rec.Freeze(); again != stats {
		t.Errorf("second Freeze returned new statistics")
	}
	if stats.Records[1].TxPackets != 1 || len(stats.Records) != 1 {
		t.Errorf("frozen statistics changed: %+v", stats.Records)
	}
}

func TestRecorderCapture(t *testing.T) {
	var buf bytes.Buffer
	pc, err := NewPcapCapture(&buf)
	if err != nil {
		t.Fatalf("NewPcapCapture: %v", err)
	}
	data := datagram(t, "10.1.1.1:49153", "10.1.2.1:8080", 100)
	rec := NewFlowRecorder(WithCapture(pc))
	rec.ObservePacket(PacketEvent{Kind: Originate, Time: 2, Data: data})
	rec.ObservePacket(PacketEvent{Kind: Deliver, Time: 2.01, Data: data})
	rec.ObservePacket(PacketEvent{Kind: Originate, Time: 2.05, Data: data})
	if pc.Count() != 2 {
		t.Fatalf("captured %d packets, want 2", pc.Count())
	}

	r, err := pcapgo.NewReader(&buf)
	if err != nil {
		t.Fatalf("pcapgo.NewReader: %v", err)
	}
	if r.LinkType() != layers.LinkTypeRaw {
		t.Errorf("link type = %v", r.LinkType())
	}
	got, ci, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("ReadPacketData: %v", err)
	}
	if !bytes.Equal(got, data) || ci.Timestamp.Unix() != 2 {
		t.Errorf("first packet len=%d at %v", len(got), ci.Timestamp)
	}
	if err := pc.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
