package hvtsim

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// captureEpoch anchors simulation time zero in pcap timestamps.
var captureEpoch = time.Unix(0, 0).UTC()

// PcapCapture writes datagrams to a pcap stream with raw IPv4 link type,
// stamping each with its simulation time.
type PcapCapture struct {
	w      *pcapgo.Writer
	closer io.Closer
	count  int
}

// NewPcapCapture writes the pcap file header to w.
func NewPcapCapture(w io.Writer) (*PcapCapture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PcapCapture{w: pw}, nil
}

// CreatePcapCapture creates filename and writes the pcap file header to it.
func CreatePcapCapture(filename string) (*PcapCapture, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create capture %s: %w", filename, err)
	}
	pc, err := NewPcapCapture(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	pc.closer = f
	return pc, nil
}

// WritePacket appends one datagram observed at simulation time t.
func (pc *PcapCapture) WritePacket(t float64, data []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     captureEpoch.Add(time.Duration(t * float64(time.Second))),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := pc.w.WritePacket(ci, data); err != nil {
		return err
	}
	pc.count++
	return nil
}

// Count returns the number of packets written.
func (pc *PcapCapture) Count() int { return pc.count }

// Close closes the underlying file, if the capture created one.
func (pc *PcapCapture) Close() error {
	if pc.closer == nil {
		return nil
	}
	return pc.closer.Close()
}
