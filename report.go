package hvtsim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/lvwf1/hvtsim/internal/logging"
	"github.com/lvwf1/hvtsim/internal/observability"
	"gonum.org/v1/gonum/stat"
)

// Throughput is a flow's received bit rate in decimal megabits per second.
// Defined is false when no duration could be measured, in which case Mbps is
// zero and the value renders as "undefined".
type Throughput struct {
	Mbps    float64 `json:"mbps" yaml:"mbps"`
	Defined bool    `json:"defined" yaml:"defined"`
}

// Undefined is the throughput of a flow without a measurable duration.
var Undefined = Throughput{}

// ComputeThroughput returns rxBytes*8 / (lastRx-firstTx) / 1e6. A flow with
// no received packet, a non-positive duration or a non-finite result is
// Undefined.
func ComputeThroughput(rxBytes uint64, firstTx, lastRx float64, hasRx bool) Throughput {
	if !hasRx {
		return Undefined
	}
	duration := lastRx - firstTx
	if !(duration > 0) || math.IsInf(duration, 0) {
		return Undefined
	}
	mbps := float64(rxBytes) * 8 / duration / 1e6
	if math.IsNaN(mbps) || math.IsInf(mbps, 0) {
		return Undefined
	}
	return Throughput{Mbps: mbps, Defined: true}
}

func (t Throughput) String() string {
	if !t.Defined {
		return "undefined"
	}
	return strconv.FormatFloat(t.Mbps, 'g', 6, 64) + " Mbps"
}

// ReportRow is the derived, read-only view of one flow.
type ReportRow struct {
	FlowID      FlowID     `json:"flowid" yaml:"flowid"`
	Tuple       FiveTuple  `json:"tuple" yaml:"tuple"`
	TxBytes     uint64     `json:"txbytes" yaml:"txbytes"`
	RxBytes     uint64     `json:"rxbytes" yaml:"rxbytes"`
	TxPackets   uint64     `json:"txpackets" yaml:"txpackets"`
	RxPackets   uint64     `json:"rxpackets" yaml:"rxpackets"`
	LostPackets uint64     `json:"lostpackets" yaml:"lostpackets"`
	Throughput  Throughput `json:"throughput" yaml:"throughput"`
	MeanDelay   float64    `json:"meandelay" yaml:"meandelay"` // seconds, zero without received packets
}

// ReportSummary aggregates the rows of a report.
type ReportSummary struct {
	Flows              int     `json:"flows" yaml:"flows"`
	DefinedFlows       int     `json:"definedflows" yaml:"definedflows"`
	TotalTxBytes       uint64  `json:"totaltxbytes" yaml:"totaltxbytes"`
	TotalRxBytes       uint64  `json:"totalrxbytes" yaml:"totalrxbytes"`
	MeanThroughputMbps float64 `json:"meanthroughputmbps" yaml:"meanthroughputmbps"`
	MeanDelay          float64 `json:"meandelay" yaml:"meandelay"`
}

// Report is the per-flow outcome of a run, rows in flow-id order.
type Report struct {
	Rows    []ReportRow   `json:"rows" yaml:"rows"`
	Summary ReportSummary `json:"summary" yaml:"summary"`
}

// BuildReport resolves every flow id through the classifier and derives its
// row. Rows come out in ascending flow-id order.
func BuildReport(ctx context.Context, stats *FlowStats, opts ...Option) (*Report, error) {
	_, span := observability.StartStage(ctx, "report.build")
	defer span.End()

	o := buildOptions(opts)
	rprt := &Report{Rows: make([]ReportRow, 0, len(stats.Records))}

	tput := make([]float64, 0, len(stats.Records))
	delays := make([]float64, 0, len(stats.Records))

	for _, id := range stats.IDs() {
		ft, ok := stats.Classifier.FindFlow(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownFlow, id)
		}
		rec := stats.Records[id]

		row := ReportRow{
			FlowID:      id,
			Tuple:       ft,
			TxBytes:     rec.TxBytes,
			RxBytes:     rec.RxBytes,
			TxPackets:   rec.TxPackets,
			RxPackets:   rec.RxPackets,
			LostPackets: rec.LostPackets,
			Throughput:  ComputeThroughput(rec.RxBytes, rec.FirstTx, rec.LastRx, rec.HasRx() && rec.HasTx()),
		}
		if rec.HasRx() {
			row.MeanDelay = rec.DelaySum / float64(rec.RxPackets)
			delays = append(delays, row.MeanDelay)
		}
		if row.Throughput.Defined {
			tput = append(tput, row.Throughput.Mbps)
			o.metrics.SetFlowThroughput(strconv.Itoa(int(id)), ft.SrcAddr.String(), ft.DstAddr.String(), row.Throughput.Mbps)
		} else {
			o.log.Warn(ctx, "flow throughput undefined",
				logging.Int("flow", int(id)),
				logging.String("tuple", ft.String()),
				logging.Int("rx_packets", int(rec.RxPackets)),
			)
		}

		rprt.Summary.TotalTxBytes += rec.TxBytes
		rprt.Summary.TotalRxBytes += rec.RxBytes
		rprt.Rows = append(rprt.Rows, row)
	}

	rprt.Summary.Flows = len(rprt.Rows)
	rprt.Summary.DefinedFlows = len(tput)
	if len(tput) > 0 {
		rprt.Summary.MeanThroughputMbps = stat.Mean(tput, nil)
	}
	if len(delays) > 0 {
		rprt.Summary.MeanDelay = stat.Mean(delays, nil)
	}
	return rprt, nil
}

// Render writes the line-oriented console report.
func (r *Report) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if len(r.Rows) == 0 {
		fmt.Fprintln(bw, "No flows recorded")
	}
	for _, row := range r.Rows {
		fmt.Fprintf(bw, "Flow %d (%s -> %s)\n", row.FlowID, row.Tuple.SrcAddr, row.Tuple.DstAddr)
		fmt.Fprintf(bw, "Tx Bytes: %d\n", row.TxBytes)
		fmt.Fprintf(bw, "Rx Bytes: %d\n", row.RxBytes)
		fmt.Fprintf(bw, "Throughput: %s\n", row.Throughput)
	}
	if len(r.Rows) > 0 {
		mean := "undefined"
		if r.Summary.DefinedFlows > 0 {
			mean = Throughput{Mbps: r.Summary.MeanThroughputMbps, Defined: true}.String()
		}
		fmt.Fprintf(bw, "Flows: %d, mean throughput: %s\n", r.Summary.Flows, mean)
	}
	return bw.Flush()
}

// WriteToFile serializes the report to json or yaml, selected by the
// extension of filename.
func (r *Report) WriteToFile(filename string) error {
	return writeByExt(filename, *r)
}
