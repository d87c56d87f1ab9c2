package hvtsim

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/lvwf1/hvtsim/internal/logging"
	"github.com/lvwf1/hvtsim/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

// ErrUnknownMobile is returned when traffic names a mobile the topology lacks.
var ErrUnknownMobile = errors.New("unknown mobile")

// Sink is the UDP sink installed on the base station.
type Sink struct {
	net    *RoutedNetwork
	Host   *Endpoint
	Port   uint16
	Start  float64
	Stop   float64
	Handle AppHandle
}

// Source is one installed traffic source.
type Source struct {
	Mobile *Endpoint
	Remote netip.AddrPort
	Config SourceConfig
	Handle AppHandle
}

// TrafficPlan holds the installed applications. Holding one means the sink
// was installed before any source.
type TrafficPlan struct {
	net     *RoutedNetwork
	Sink    *Sink
	Sources []*Source
}

// InstallSink installs the UDP sink on the base station, listening on the
// scenario's sink port over [SinkStart, Horizon).
func (rn *RoutedNetwork) InstallSink(ctx context.Context) (*Sink, error) {
	ctx, span := observability.StartStage(ctx, "traffic.install_sink")
	defer span.End()

	topo := rn.plan.topo
	sc := topo.scenario
	spec := AppSpec{
		Kind:  SinkApp,
		Host:  topo.Base.Handle,
		Port:  sc.SinkPort(),
		Start: sc.SinkStart(),
		Stop:  sc.Horizon(),
	}
	hdl, err := topo.engine.InstallApplication(spec)
	if err != nil {
		return nil, fmt.Errorf("install sink on %s: %w", topo.Base.Name, err)
	}

	topo.log.Info(ctx, "sink installed",
		logging.String("host", topo.Base.Name),
		logging.Int("port", int(spec.Port)),
		logging.Float64("start", spec.Start),
		logging.Float64("stop", spec.Stop),
	)
	return &Sink{net: rn, Host: topo.Base, Port: spec.Port, Start: spec.Start, Stop: spec.Stop, Handle: hdl}, nil
}

// Target returns the address every source sends to: the target mobile's
// wired interface at the sink port.
func (s *Sink) Target() (netip.AddrPort, error) {
	plan := s.net.plan
	idx := plan.topo.scenario.TargetMobile()
	subnet, ok := plan.SubnetFor(idx)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: target mobile %d has no wired address", ErrUnknownMobile, idx)
	}
	return netip.AddrPortFrom(subnet.MobileAddr, s.Port), nil
}

// InstallSources installs one source per configured SourceConfig. Each
// source keeps its own configuration. Whether anything listens at the
// target is not checked; unanswered datagrams only lower received counts.
func (s *Sink) InstallSources(ctx context.Context) (*TrafficPlan, error) {
	ctx, span := observability.StartStage(ctx, "traffic.install_sources")
	defer span.End()

	topo := s.net.plan.topo
	plan := &TrafficPlan{net: s.net, Sink: s}

	sources := topo.scenario.Sources()
	if len(sources) == 0 {
		topo.log.Warn(ctx, "scenario has no sources")
		return plan, nil
	}

	remote, err := s.Target()
	if err != nil {
		return nil, err
	}

	for _, cfg := range sources {
		mobile, err := topo.Mobile(cfg.Mobile)
		if err != nil {
			return nil, fmt.Errorf("install source: %w", err)
		}
		spec := AppSpec{
			Kind:       SourceApp,
			Host:       mobile.Handle,
			Remote:     remote,
			PacketSize: cfg.PacketSize,
			MaxPackets: cfg.MaxPackets,
			Interval:   cfg.Interval,
			Start:      cfg.Start,
			Stop:       cfg.Stop,
		}
		hdl, err := topo.engine.InstallApplication(spec)
		if err != nil {
			return nil, fmt.Errorf("install source on %s: %w", mobile.Name, err)
		}
		plan.Sources = append(plan.Sources, &Source{Mobile: mobile, Remote: remote, Config: cfg, Handle: hdl})

		topo.log.Info(ctx, "source installed",
			logging.String("host", mobile.Name),
			logging.String("remote", remote.String()),
			logging.Int("packet_size", cfg.PacketSize),
			logging.Int("max_packets", cfg.MaxPackets),
			logging.Float64("interval", cfg.Interval),
			logging.Float64("start", cfg.Start),
			logging.Float64("stop", cfg.Stop),
		)
	}

	span.SetAttributes(attribute.Int("sources", len(plan.Sources)))
	return plan, nil
}

// Run registers the recorder with the engine, runs the simulation to the
// scenario horizon and returns the frozen flow statistics.
func (tp *TrafficPlan) Run(ctx context.Context, rec *FlowRecorder) (*FlowStats, error) {
	ctx, span := observability.StartStage(ctx, "simulation.run")
	defer span.End()

	topo := tp.net.plan.topo
	if err := topo.engine.InstallMonitor(rec); err != nil {
		return nil, fmt.Errorf("install flow monitor: %w", err)
	}

	horizon := topo.scenario.Horizon()
	topo.log.Info(ctx, "simulation starting", logging.Float64("horizon", horizon))
	if err := topo.engine.RunUntil(ctx, horizon); err != nil {
		return nil, fmt.Errorf("run to %v s: %w", horizon, err)
	}

	stats := rec.Freeze()
	span.SetAttributes(attribute.Int("flows", len(stats.Records)))
	topo.log.Info(ctx, "simulation finished", logging.Int("flows", len(stats.Records)))
	return stats, nil
}
