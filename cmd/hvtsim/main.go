// Command hvtsim runs the hybrid network scenario: one base station,
// four mobiles attached to it by radio and by wired back-haul links, and UDP
// sources on three mobiles sending to the fourth through the base station.
// The per-flow report goes to stdout, logs to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/lvwf1/hvtsim"
	"github.com/lvwf1/hvtsim/internal/logging"
	"github.com/lvwf1/hvtsim/internal/observability"
	"github.com/lvwf1/hvtsim/netsim"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type cliFlags struct {
	delay      float64
	dataRate   float64
	interval   float64
	scenario   string
	reportFile string
	traceFile  string
	pcapFile   string
	metricFile string
	set        map[string]bool // flags given on the command line
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, error) {
	cf := &cliFlags{set: make(map[string]bool)}
	fs := flag.NewFlagSet("hvtsim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Float64Var(&cf.delay, "delay", hvtsim.DefaultDelayMs, "wired link delay in milliseconds")
	fs.Float64Var(&cf.dataRate, "dataRate", hvtsim.DefaultDataRate, "wired link data rate in bits per second")
	fs.Float64Var(&cf.interval, "interval", hvtsim.DefaultInterval, "seconds between packets of a source")
	fs.StringVar(&cf.scenario, "scenario", "", "scenario file (.yaml, .yml or .json); flags override its values")
	fs.StringVar(&cf.reportFile, "report", "", "write the report rows to this .yaml or .json file")
	fs.StringVar(&cf.traceFile, "trace", "", "write the engine packet trace to this .yaml or .json file")
	fs.StringVar(&cf.pcapFile, "pcap", "", "capture every originated datagram to this pcap file")
	fs.StringVar(&cf.metricFile, "metrics", "", "write Prometheus metrics in text format to this file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { cf.set[f.Name] = true })
	return cf, nil
}

// scenarioConfig starts from the defaults or the scenario file and applies
// the flags that were given explicitly.
func (cf *cliFlags) scenarioConfig() (hvtsim.ScenarioConfig, error) {
	cfg := hvtsim.DefaultScenarioConfig()
	if cf.scenario != "" {
		read, err := hvtsim.ReadScenarioConfig(cf.scenario, hvtsim.UseYAML(cf.scenario), nil)
		if err != nil {
			return cfg, err
		}
		cfg = *read
	}
	if cf.set["delay"] {
		cfg.DelayMs = cf.delay
	}
	if cf.set["dataRate"] {
		cfg.DataRate = cf.dataRate
	}
	if cf.set["interval"] {
		cfg.Interval = cf.interval
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cf, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}

	log := logging.New(logging.Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
		Output: stderr,
	})

	cfg, err := cf.scenarioConfig()
	if err != nil {
		log.Error(ctx, "scenario not loaded", logging.Err(err))
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid scenario", logging.Err(err))
		return 1
	}
	if ok, err := hvtsim.CheckOutputFiles([]string{cf.reportFile, cf.traceFile, cf.pcapFile, cf.metricFile}); !ok {
		log.Error(ctx, "output files not writable", logging.Err(err))
		return 1
	}

	tracingCfg, err := observability.TracingConfigFromEnv()
	if err != nil {
		log.Error(ctx, "invalid tracing configuration", logging.Err(err))
		return 1
	}
	tracingCfg.Scenario = cfg.Name
	shutdown, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		log.Error(ctx, "tracing not initialised", logging.Err(err))
		return 1
	}
	defer observability.ShutdownWithTimeout(ctx, shutdown, log)

	metrics, err := observability.NewSimCollector(prometheus.NewRegistry())
	if err != nil {
		log.Error(ctx, "metrics collector not initialised", logging.Err(err))
		return 1
	}

	opts := []hvtsim.Option{hvtsim.WithLogger(log), hvtsim.WithMetrics(metrics)}
	var capture *hvtsim.PcapCapture
	if cf.pcapFile != "" {
		capture, err = hvtsim.CreatePcapCapture(cf.pcapFile)
		if err != nil {
			log.Error(ctx, "capture not opened", logging.Err(err))
			return 1
		}
		opts = append(opts, hvtsim.WithCapture(capture))
	}

	engineOpts := []netsim.Option{netsim.WithLogger(log)}
	var traceMgr *netsim.TraceManager
	if cf.traceFile != "" {
		traceMgr = netsim.CreateTraceManager(cfg.Name, true)
		engineOpts = append(engineOpts, netsim.WithTraceManager(traceMgr))
	}
	engine := netsim.New(engineOpts...)

	res, runErr := hvtsim.Run(ctx, cfg, engine, opts...)
	errs := []error{runErr}
	if capture != nil {
		errs = append(errs, capture.Close())
	}
	if runErr == nil {
		errs = append(errs, res.Report.Render(stdout))
		if cf.reportFile != "" {
			errs = append(errs, res.Report.WriteToFile(cf.reportFile))
		}
		if traceMgr != nil {
			errs = append(errs, traceMgr.WriteToFile(cf.traceFile))
		}
		if cf.metricFile != "" {
			errs = append(errs, metrics.WriteToTextfile(cf.metricFile))
		}
		st := engine.Stats()
		log.Info(ctx, "engine counters",
			logging.Int("originated", st.Originated),
			logging.Int("delivered", st.Delivered),
			logging.Int("dropped", st.Dropped),
			logging.Int("unclaimed", st.Unclaimed),
		)
	}
	if err := hvtsim.ReportErrs(errs); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
