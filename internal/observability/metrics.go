package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Packet event labels used by PacketEvents.
const (
	EventOriginate = "originate"
	EventForward   = "forward"
	EventDeliver   = "deliver"
	EventDrop      = "drop"
)

// SimCollector bundles the Prometheus metrics of one scenario run.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Endpoints      prometheus.Gauge
	Links          *prometheus.GaugeVec
	PacketEvents   *prometheus.CounterVec
	Flows          prometheus.Gauge
	FlowThroughput *prometheus.GaugeVec
	RunDuration    prometheus.Histogram
}

// NewSimCollector registers the simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	endpoints, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hvt_scenario_endpoints",
		Help: "Number of endpoints (base station and mobiles) in the scenario.",
	}), "hvt_scenario_endpoints")
	if err != nil {
		return nil, err
	}

	links, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hvt_scenario_links",
		Help: "Number of links in the scenario, labeled by link kind.",
	}, []string{"kind"}), "hvt_scenario_links")
	if err != nil {
		return nil, err
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hvt_packet_events_total",
		Help: "Packet events observed by the flow recorder, labeled by event.",
	}, []string{"event"}), "hvt_packet_events_total")
	if err != nil {
		return nil, err
	}

	flows, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hvt_flows",
		Help: "Number of distinct flows recorded when the run froze.",
	}), "hvt_flows")
	if err != nil {
		return nil, err
	}

	throughput, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hvt_flow_throughput_mbps",
		Help: "Per-flow throughput in decimal Mbps; absent for flows with undefined throughput.",
	}, []string{"flow", "src", "dst"}), "hvt_flow_throughput_mbps")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hvt_run_duration_seconds",
		Help:    "Wall-clock time taken by the simulation run.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}), "hvt_run_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:       gatherer,
		Endpoints:      endpoints,
		Links:          links,
		PacketEvents:   events,
		Flows:          flows,
		FlowThroughput: throughput,
		RunDuration:    duration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetTopology records the entity counts of a built topology.
func (c *SimCollector) SetTopology(endpoints, radio, wired int) {
	if c == nil {
		return
	}
	if c.Endpoints != nil {
		c.Endpoints.Set(float64(endpoints))
	}
	if c.Links != nil {
		c.Links.WithLabelValues("radio").Set(float64(radio))
		c.Links.WithLabelValues("wired").Set(float64(wired))
	}
}

// IncPacketEvent counts one packet event of the given kind.
func (c *SimCollector) IncPacketEvent(event string) {
	if c == nil || c.PacketEvents == nil {
		return
	}
	c.PacketEvents.WithLabelValues(event).Inc()
}

// SetFlows updates the flow count gauge.
func (c *SimCollector) SetFlows(count int) {
	if c == nil || c.Flows == nil {
		return
	}
	c.Flows.Set(float64(count))
}

// SetFlowThroughput publishes the throughput of one flow.
func (c *SimCollector) SetFlowThroughput(flow, src, dst string, mbps float64) {
	if c == nil || c.FlowThroughput == nil {
		return
	}
	c.FlowThroughput.WithLabelValues(flow, src, dst).Set(mbps)
}

// ObserveRun records how long a run took.
func (c *SimCollector) ObserveRun(d time.Duration) {
	if c == nil || c.RunDuration == nil {
		return
	}
	c.RunDuration.Observe(d.Seconds())
}

// WriteToTextfile dumps the gathered metrics in the Prometheus text format.
func (c *SimCollector) WriteToTextfile(filename string) error {
	if c == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(filename, c.gatherer); err != nil {
		return fmt.Errorf("write metrics to %s: %w", filename, err)
	}
	return nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
