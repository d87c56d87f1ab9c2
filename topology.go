package hvtsim

import (
	"context"
	"fmt"

	"github.com/lvwf1/hvtsim/internal/logging"
	"github.com/lvwf1/hvtsim/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

// Endpoint is a simulated node: the base station or a mobile.
type Endpoint struct {
	ID       int
	Name     string
	Kind     EndpointKind
	Index    int // mobile index, -1 for the base station
	Position Position
	Handle   EndpointHandle
}

// Link relates a mobile (A) to the base station (B). It references the
// endpoints and does not own them.
type Link struct {
	ID       int
	Kind     LinkKind
	A, B     *Endpoint
	Delay    float64 // seconds
	DataRate float64 // bits per second
	Handle   LinkHandle
}

// Topology is the result of building a scenario's entities and links.
type Topology struct {
	scenario *Scenario
	engine   Engine
	log      logging.Logger
	metrics  *observability.SimCollector

	Base    *Endpoint
	Mobiles []*Endpoint
	Radio   []*Link // Radio[i] attaches Mobiles[i]
	Wired   []*Link // Wired[i] connects Mobiles[i]
}

// Scenario returns the scenario the topology was built from.
func (t *Topology) Scenario() *Scenario { return t.scenario }

// Endpoints lists the base station followed by the mobiles.
func (t *Topology) Endpoints() []*Endpoint {
	rtn := []*Endpoint{t.Base}
	return append(rtn, t.Mobiles...)
}

// Mobile returns the mobile with the given index.
func (t *Topology) Mobile(idx int) (*Endpoint, error) {
	if idx < 0 || idx >= len(t.Mobiles) {
		return nil, fmt.Errorf("%w: index %d, scenario has %d mobiles", ErrUnknownMobile, idx, len(t.Mobiles))
	}
	return t.Mobiles[idx], nil
}

// Option configures the pipeline components that accept one.
type Option func(*options)

type options struct {
	log     logging.Logger
	metrics *observability.SimCollector
	capture *PcapCapture
}

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the Prometheus collector.
func WithMetrics(c *observability.SimCollector) Option {
	return func(o *options) { o.metrics = c }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logging.OrNoop(o.log)
	return o
}

// TopologyBuilder creates a scenario's entities and links through an Engine.
type TopologyBuilder struct {
	engine Engine
	opts   options
	nxtID  int
}

// NewTopologyBuilder is a constructor.
func NewTopologyBuilder(engine Engine, opts ...Option) *TopologyBuilder {
	return &TopologyBuilder{engine: engine, opts: buildOptions(opts)}
}

func (tb *TopologyBuilder) nextID() int {
	tb.nxtID += 1
	return tb.nxtID
}

// Build creates the base station, one mobile per configured position, and
// for every mobile a radio attachment and a wired link to the base station.
// A scenario with no mobiles yields an idle base station.
func (tb *TopologyBuilder) Build(ctx context.Context, sc *Scenario) (*Topology, error) {
	ctx, span := observability.StartStage(ctx, "topology.build")
	defer span.End()

	topo := &Topology{
		scenario: sc,
		engine:   tb.engine,
		log:      tb.opts.log,
		metrics:  tb.opts.metrics,
	}

	base, err := tb.createEndpoint("base", BaseStation, -1, sc.BasePosition())
	if err != nil {
		return nil, err
	}
	topo.Base = base

	for idx := 0; idx < sc.MobileCount(); idx++ {
		name := fmt.Sprintf("mobile-%d", idx)
		mobile, err := tb.createEndpoint(name, Mobile, idx, sc.MobilePosition(idx))
		if err != nil {
			return nil, err
		}
		topo.Mobiles = append(topo.Mobiles, mobile)
	}

	for _, mobile := range topo.Mobiles {
		radio, err := tb.createLink(RadioAttachment, mobile, base, 0, 0)
		if err != nil {
			return nil, err
		}
		topo.Radio = append(topo.Radio, radio)

		wired, err := tb.createLink(WiredLink, mobile, base, sc.Delay(), sc.DataRate())
		if err != nil {
			return nil, err
		}
		topo.Wired = append(topo.Wired, wired)
	}

	if len(topo.Mobiles) == 0 {
		tb.opts.log.Warn(ctx, "scenario has no mobiles; base station is idle")
	}

	span.SetAttributes(
		attribute.Int("mobiles", len(topo.Mobiles)),
		attribute.Int("links", len(topo.Radio)+len(topo.Wired)),
	)
	tb.opts.metrics.SetTopology(len(topo.Mobiles)+1, len(topo.Radio), len(topo.Wired))
	tb.opts.log.Info(ctx, "topology built",
		logging.String("scenario", sc.Name()),
		logging.Int("mobiles", len(topo.Mobiles)),
		logging.Int("radio_attachments", len(topo.Radio)),
		logging.Int("wired_links", len(topo.Wired)),
		logging.Float64("delay_ms", sc.Delay()*1000),
		logging.Float64("data_rate_bps", sc.DataRate()),
	)

	return topo, nil
}

func (tb *TopologyBuilder) createEndpoint(name string, kind EndpointKind, idx int, pos Position) (*Endpoint, error) {
	hdl, err := tb.engine.CreateEndpoint(EndpointSpec{Name: name, Kind: kind, Position: pos})
	if err != nil {
		return nil, fmt.Errorf("create %s %s: %w", kind, name, err)
	}
	return &Endpoint{ID: tb.nextID(), Name: name, Kind: kind, Index: idx, Position: pos, Handle: hdl}, nil
}

func (tb *TopologyBuilder) createLink(kind LinkKind, a, b *Endpoint, delay, rate float64) (*Link, error) {
	spec := LinkSpec{Kind: kind, A: a.Handle, B: b.Handle, Delay: delay, DataRate: rate}
	hdl, err := tb.engine.CreateLink(spec)
	if err != nil {
		return nil, fmt.Errorf("create %s link %s-%s: %w", kind, a.Name, b.Name, err)
	}
	return &Link{ID: tb.nextID(), Kind: kind, A: a, B: b, Delay: delay, DataRate: rate, Handle: hdl}, nil
}
