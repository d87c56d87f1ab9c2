package hvtsim

// packet.go is the wire codec shared by the engine and the flow recorder:
// building IPv4/UDP datagrams and classifying them by 5-tuple.

import (
	"cmp"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPv4HeaderLen and UDPHeaderLen are the fixed header sizes of the datagrams
// built here (no IP options).
const (
	IPv4HeaderLen = 20
	UDPHeaderLen  = 8
)

// FiveTuple identifies a flow.
type FiveTuple struct {
	Protocol uint8      `json:"protocol" yaml:"protocol"`
	SrcAddr  netip.Addr `json:"srcaddr" yaml:"srcaddr"`
	DstAddr  netip.Addr `json:"dstaddr" yaml:"dstaddr"`
	SrcPort  uint16     `json:"srcport" yaml:"srcport"`
	DstPort  uint16     `json:"dstport" yaml:"dstport"`
}

func (ft FiveTuple) String() string {
	return fmt.Sprintf("%d %s:%d -> %s:%d", ft.Protocol, ft.SrcAddr, ft.SrcPort, ft.DstAddr, ft.DstPort)
}

// Compare orders tuples by protocol, source address, destination address,
// source port and destination port.
func (ft FiveTuple) Compare(o FiveTuple) int {
	if c := cmp.Compare(ft.Protocol, o.Protocol); c != 0 {
		return c
	}
	if c := ft.SrcAddr.Compare(o.SrcAddr); c != 0 {
		return c
	}
	if c := ft.DstAddr.Compare(o.DstAddr); c != 0 {
		return c
	}
	if c := cmp.Compare(ft.SrcPort, o.SrcPort); c != 0 {
		return c
	}
	return cmp.Compare(ft.DstPort, o.DstPort)
}

var decodeOpts = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

// ClassifyPacket decodes an IPv4 datagram and extracts its 5-tuple. The
// result depends on header fields only.
func ClassifyPacket(data []byte) (FiveTuple, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeIPv4, decodeOpts)

	var ft FiveTuple
	l := packet.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return ft, fmt.Errorf("not an IPv4 packet")
	}
	ip := l.(*layers.IPv4)
	ft.Protocol = uint8(ip.Protocol)
	ft.SrcAddr, _ = netip.AddrFromSlice(ip.SrcIP.To4())
	ft.DstAddr, _ = netip.AddrFromSlice(ip.DstIP.To4())

	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		ft.SrcPort = uint16(udp.SrcPort)
		ft.DstPort = uint16(udp.DstPort)
	} else if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		ft.SrcPort = uint16(tcp.SrcPort)
		ft.DstPort = uint16(tcp.DstPort)
	} else {
		return ft, fmt.Errorf("not a TCP or UDP packet")
	}
	return ft, nil
}

// EncodeUDPDatagram builds a complete IPv4 datagram carrying payload from src
// to dst, with checksums and lengths filled in.
func EncodeUDPDatagram(src, dst netip.AddrPort, id uint16, ttl uint8, payload []byte) ([]byte, error) {
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return nil, fmt.Errorf("datagram %v -> %v: only IPv4 is supported", src, dst)
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Id:       id,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src.Addr().AsSlice()),
		DstIP:    net.IP(dst.Addr().AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize datagram %v -> %v: %w", src, dst, err)
	}
	return buf.Bytes(), nil
}

// DecrementTTL returns a copy of the datagram with its TTL reduced by one and
// the header checksum recomputed. ok is false when the TTL is exhausted.
func DecrementTTL(data []byte) (out []byte, ok bool, err error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, false, err
	}
	if ip.TTL <= 1 {
		return nil, false, nil
	}
	ip.TTL--

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, gopacket.Payload(ip.Payload)); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

// DatagramDst returns the destination address and port of a UDP datagram.
func DatagramDst(data []byte) (netip.AddrPort, error) {
	ft, err := ClassifyPacket(data)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ft.DstAddr, ft.DstPort), nil
}

// UDPPayload returns the application payload of a UDP datagram.
func UDPPayload(data []byte) ([]byte, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeIPv4, decodeOpts)
	l := packet.Layer(layers.LayerTypeUDP)
	if l == nil {
		return nil, fmt.Errorf("not a UDP datagram")
	}
	return l.(*layers.UDP).Payload, nil
}
