package hvtsim

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lvwf1/hvtsim/internal/logging"
	"github.com/lvwf1/hvtsim/internal/observability"
	"golang.org/x/exp/slices"
)

// ErrUnknownFlow is returned when a flow id has no classifier entry.
var ErrUnknownFlow = errors.New("unknown flow id")

// FlowID identifies a recorded flow. Ids start at 1.
type FlowID uint32

// FlowRecord accumulates the counters of one flow. Byte counts are IPv4
// datagram lengths; times are simulation seconds.
type FlowRecord struct {
	TxBytes        uint64  `json:"txbytes" yaml:"txbytes"`
	RxBytes        uint64  `json:"rxbytes" yaml:"rxbytes"`
	TxPackets      uint64  `json:"txpackets" yaml:"txpackets"`
	RxPackets      uint64  `json:"rxpackets" yaml:"rxpackets"`
	LostPackets    uint64  `json:"lostpackets" yaml:"lostpackets"`
	TimesForwarded uint64  `json:"timesforwarded" yaml:"timesforwarded"`
	FirstTx        float64 `json:"firsttx" yaml:"firsttx"`
	LastTx         float64 `json:"lasttx" yaml:"lasttx"`
	FirstRx        float64 `json:"firstrx" yaml:"firstrx"`
	LastRx         float64 `json:"lastrx" yaml:"lastrx"`
	DelaySum       float64 `json:"delaysum" yaml:"delaysum"`
}

// HasRx reports whether any packet of the flow was received.
func (r FlowRecord) HasRx() bool { return r.RxPackets > 0 }

// HasTx reports whether any packet of the flow was originated.
func (r FlowRecord) HasTx() bool { return r.TxPackets > 0 }

// Classifier maps flow ids back to their 5-tuples.
type Classifier struct {
	byID map[FlowID]FiveTuple
}

// FindFlow returns the 5-tuple of a flow id.
func (c *Classifier) FindFlow(id FlowID) (FiveTuple, bool) {
	ft, ok := c.byID[id]
	return ft, ok
}

// FlowStats is the frozen result of a recorded run.
type FlowStats struct {
	Records    map[FlowID]FlowRecord
	Classifier *Classifier
}

// IDs returns the flow ids in ascending order.
func (fs *FlowStats) IDs() []FlowID {
	ids := make([]FlowID, 0, len(fs.Records))
	for id := range fs.Records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// FlowRecorder is a PacketObserver that accumulates per-flow counters keyed
// by 5-tuple. It is mutated only from the engine's event handlers.
type FlowRecorder struct {
	records      map[FiveTuple]*FlowRecord
	frozen       *FlowStats
	capture      *PcapCapture
	unclassified int
	late         int

	log     logging.Logger
	metrics *observability.SimCollector
}

// WithCapture makes the recorder write every originated datagram to pc.
func WithCapture(pc *PcapCapture) Option {
	return func(o *options) { o.capture = pc }
}

// NewFlowRecorder is a constructor.
func NewFlowRecorder(opts ...Option) *FlowRecorder {
	o := buildOptions(opts)
	return &FlowRecorder{
		records: make(map[FiveTuple]*FlowRecord),
		capture: o.capture,
		log:     o.log,
		metrics: o.metrics,
	}
}

// ObservePacket classifies the datagram and updates its flow record.
func (fr *FlowRecorder) ObservePacket(ev PacketEvent) {
	ctx := context.Background()
	if fr.frozen != nil {
		fr.late++
		return
	}

	ft, err := ClassifyPacket(ev.Data)
	if err != nil {
		fr.unclassified++
		fr.log.Debug(ctx, "unclassified packet", logging.String("event", ev.Kind.String()), logging.Err(err))
		return
	}

	rec, present := fr.records[ft]
	if !present {
		rec = new(FlowRecord)
		fr.records[ft] = rec
		fr.log.Debug(ctx, "new flow", logging.String("tuple", ft.String()), logging.Float64("time", ev.Time))
	}

	size := uint64(len(ev.Data))
	switch ev.Kind {
	case Originate:
		if !rec.HasTx() {
			rec.FirstTx = ev.Time
		}
		rec.LastTx = ev.Time
		rec.TxBytes += size
		rec.TxPackets += 1
		fr.metrics.IncPacketEvent(observability.EventOriginate)
		if fr.capture != nil {
			if err := fr.capture.WritePacket(ev.Time, ev.Data); err != nil {
				fr.log.Warn(ctx, "packet capture disabled", logging.Err(err))
				fr.capture = nil
			}
		}
	case Forward:
		rec.TimesForwarded += 1
		fr.metrics.IncPacketEvent(observability.EventForward)
	case Deliver:
		if !rec.HasRx() {
			rec.FirstRx = ev.Time
		}
		rec.LastRx = ev.Time
		rec.RxBytes += size
		rec.RxPackets += 1
		rec.DelaySum += ev.Time - ev.Sent
		fr.metrics.IncPacketEvent(observability.EventDeliver)
	case Drop:
		rec.LostPackets += 1
		fr.metrics.IncPacketEvent(observability.EventDrop)
	}

	if fr.log.Enabled(ctx, slog.LevelDebug) {
		fr.log.Debug(ctx, "packet",
			logging.String("event", ev.Kind.String()),
			logging.String("tuple", ft.String()),
			logging.Float64("time", ev.Time),
			logging.Int("node", int(ev.Node)),
			logging.String("reason", ev.Reason),
		)
	}
}

// Freeze stops the recorder and returns its statistics. Flow ids are
// assigned in ascending tuple order, so the same set of flows gets the same
// ids whatever order their packets arrived in. Later calls return the same
// statistics.
func (fr *FlowRecorder) Freeze() *FlowStats {
	if fr.frozen != nil {
		return fr.frozen
	}

	tuples := make([]FiveTuple, 0, len(fr.records))
	for ft := range fr.records {
		tuples = append(tuples, ft)
	}
	slices.SortFunc(tuples, func(a, b FiveTuple) int { return a.Compare(b) })

	stats := &FlowStats{
		Records:    make(map[FlowID]FlowRecord, len(tuples)),
		Classifier: &Classifier{byID: make(map[FlowID]FiveTuple, len(tuples))},
	}
	for idx, ft := range tuples {
		id := FlowID(idx + 1)
		stats.Records[id] = *fr.records[ft]
		stats.Classifier.byID[id] = ft
	}
	fr.frozen = stats

	fr.metrics.SetFlows(len(tuples))
	if fr.unclassified > 0 {
		fr.log.Warn(context.Background(), "packets could not be classified", logging.Int("count", fr.unclassified))
	}
	return stats
}

// Frozen reports whether Freeze has been called.
func (fr *FlowRecorder) Frozen() bool { return fr.frozen != nil }

// Len returns the number of flows seen so far.
func (fr *FlowRecorder) Len() int { return len(fr.records) }
