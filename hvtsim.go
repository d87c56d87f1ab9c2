// Package hvtsim builds and runs a hybrid network scenario: one radio base
// station, a set of mobiles each attached to it by radio and by a wired
// back-haul link, UDP traffic relayed between mobiles through the base
// station, and a per-flow throughput report.
//
// The package owns the decisions (topology shape, address plan, traffic plan,
// flow accounting and metric derivation). Everything that moves packets is
// delegated to an Engine; the netsim package supplies one.
//
// Stages are chained through the values they return, so the required order
// is enforced by construction:
//
//	topo, _ := NewTopologyBuilder(engine).Build(ctx, scenario)
//	plan, _ := AssignAddresses(ctx, topo)
//	routed, _ := plan.PopulateRoutes(ctx)
//	sink, _ := routed.InstallSink(ctx)
//	traffic, _ := sink.InstallSources(ctx)
//	stats, _ := traffic.Run(ctx, NewFlowRecorder())
//	report, _ := BuildReport(ctx, stats)
package hvtsim

import (
	"context"
	"time"

	"github.com/lvwf1/hvtsim/internal/logging"
)

// Result carries every stage of a completed run.
type Result struct {
	Scenario *Scenario
	Topology *Topology
	Plan     *AddressPlan
	Traffic  *TrafficPlan
	Stats    *FlowStats
	Report   *Report
}

// Run validates cfg and drives the whole pipeline on engine, destroying the
// engine when done. Configuration errors are returned before any entity is
// created.
func Run(ctx context.Context, cfg ScenarioConfig, engine Engine, opts ...Option) (*Result, error) {
	o := buildOptions(opts)

	sc, err := NewScenario(cfg)
	if err != nil {
		return nil, err
	}
	defer engine.Destroy()

	res := &Result{Scenario: sc}

	res.Topology, err = NewTopologyBuilder(engine, opts...).Build(ctx, sc)
	if err != nil {
		return nil, err
	}
	res.Plan, err = AssignAddresses(ctx, res.Topology)
	if err != nil {
		return nil, err
	}
	routed, err := res.Plan.PopulateRoutes(ctx)
	if err != nil {
		return nil, err
	}
	sink, err := routed.InstallSink(ctx)
	if err != nil {
		return nil, err
	}
	res.Traffic, err = sink.InstallSources(ctx)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res.Stats, err = res.Traffic.Run(ctx, NewFlowRecorder(opts...))
	if err != nil {
		return nil, err
	}
	o.metrics.ObserveRun(time.Since(started))
	o.log.Debug(ctx, "run wall-clock", logging.Float64("seconds", time.Since(started).Seconds()))

	res.Report, err = BuildReport(ctx, res.Stats, opts...)
	if err != nil {
		return nil, err
	}
	return res, nil
}
