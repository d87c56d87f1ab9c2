package hvtsim

// scenario.go holds the description of the one scenario this repository runs:
// where the endpoints sit, the wired link parameters, and the traffic intent.
// A ScenarioConfig is the serializable, editable form; NewScenario validates
// it and freezes it into the *Scenario every pipeline stage is handed.

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
)

// Default scenario constants.
const (
	DefaultDelayMs     = 2.0
	DefaultDataRate    = 50000000.0
	DefaultInterval    = 0.05
	DefaultHorizon     = 10.0
	DefaultSinkPort    = 8080
	DefaultSinkStart   = 1.0
	DefaultSourceStart = 2.0
	DefaultPacketSize  = 512
	DefaultMaxPackets  = 10000
	DefaultSubnetBase  = "10.1.0.0"

	// MinPacketSize leaves room for the sequence and timestamp header
	// carried at the front of every source payload.
	MinPacketSize = 12
	// MaxPacketSize is the largest UDP payload that fits one 1500 byte
	// IPv4 packet.
	MaxPacketSize = 1472
)

// Position is a 3-D coordinate in metres.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// DistanceTo returns the Euclidean distance between two positions.
func (p Position) DistanceTo(q Position) float64 {
	dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (p Position) String() string {
	return fmt.Sprintf("(%g,%g,%g)", p.X, p.Y, p.Z)
}

// SourceConfig is the traffic intent of one source. Zero-valued fields are
// filled from the scenario-wide values when the scenario is built.
type SourceConfig struct {
	Mobile     int     `json:"mobile" yaml:"mobile"`
	Start      float64 `json:"start,omitempty" yaml:"start,omitempty"`
	Stop       float64 `json:"stop,omitempty" yaml:"stop,omitempty"`
	PacketSize int     `json:"packetsize,omitempty" yaml:"packetsize,omitempty"`
	MaxPackets int     `json:"maxpackets,omitempty" yaml:"maxpackets,omitempty"`
	Interval   float64 `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// ScenarioConfig is the serializable description of a scenario.
type ScenarioConfig struct {
	Name string `json:"name" yaml:"name"`

	// wired link parameters
	DelayMs  float64 `json:"delayms" yaml:"delayms"`
	DataRate float64 `json:"datarate" yaml:"datarate"`

	// timing, in seconds
	Interval    float64 `json:"interval" yaml:"interval"`
	Horizon     float64 `json:"horizon" yaml:"horizon"`
	SinkStart   float64 `json:"sinkstart" yaml:"sinkstart"`
	SourceStart float64 `json:"sourcestart" yaml:"sourcestart"`

	SinkPort   uint16 `json:"sinkport" yaml:"sinkport"`
	PacketSize int    `json:"packetsize" yaml:"packetsize"`
	MaxPackets int    `json:"maxpackets" yaml:"maxpackets"`

	BasePosition    Position   `json:"baseposition" yaml:"baseposition"`
	MobilePositions []Position `json:"mobilepositions" yaml:"mobilepositions"`

	// first address of the block sequence; link k gets a.b.(c+k+1).0/24
	SubnetBase string `json:"subnetbase" yaml:"subnetbase"`

	// index of the mobile whose wired address every source targets
	TargetMobile int            `json:"targetmobile" yaml:"targetmobile"`
	Sources      []SourceConfig `json:"sources" yaml:"sources"`
}

// DefaultScenarioConfig returns the hybrid scenario with its stock parameters.
func DefaultScenarioConfig() ScenarioConfig {
	return ScenarioConfig{
		Name:         "hvt-without-d2d",
		DelayMs:      DefaultDelayMs,
		DataRate:     DefaultDataRate,
		Interval:     DefaultInterval,
		Horizon:      DefaultHorizon,
		SinkStart:    DefaultSinkStart,
		SourceStart:  DefaultSourceStart,
		SinkPort:     DefaultSinkPort,
		PacketSize:   DefaultPacketSize,
		MaxPackets:   DefaultMaxPackets,
		BasePosition: Position{X: 5, Y: -20, Z: 0},
		MobilePositions: []Position{
			{X: 10, Y: 10, Z: 0},
			{X: 0, Y: 10, Z: 0},
			{X: 20, Y: 10, Z: 0},
			{X: -10, Y: 10, Z: 0},
		},
		SubnetBase:   DefaultSubnetBase,
		TargetMobile: 1,
		Sources: []SourceConfig{
			{Mobile: 0},
			{Mobile: 2},
			{Mobile: 3},
		},
	}
}

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid scenario configuration")

// resolve returns a copy of src with zero fields taken from the scenario.
func (sc *ScenarioConfig) resolve(src SourceConfig) SourceConfig {
	if src.Start == 0 {
		src.Start = sc.SourceStart
	}
	if src.Stop == 0 {
		src.Stop = sc.Horizon
	}
	if src.PacketSize == 0 {
		src.PacketSize = sc.PacketSize
	}
	if src.MaxPackets == 0 {
		src.MaxPackets = sc.MaxPackets
	}
	if src.Interval == 0 {
		src.Interval = sc.Interval
	}
	return src
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks every numeric option and ordering constraint and returns
// all violations joined into one error wrapping ErrInvalidConfig. Whether
// source mobiles exist is left to the traffic plan.
func (sc *ScenarioConfig) Validate() error {
	errs := make([]error, 0)
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !finite(sc.DelayMs) || sc.DelayMs < 0 {
		bad("delay %v ms must be a finite value >= 0", sc.DelayMs)
	}
	if !finite(sc.DataRate) || !(sc.DataRate > 0) {
		bad("data rate %v bit/s must be finite and > 0", sc.DataRate)
	}
	if !finite(sc.Interval) || !(sc.Interval > 0) {
		bad("interval %v s must be finite and > 0", sc.Interval)
	}
	if !finite(sc.Horizon) || !(sc.Horizon > 0) {
		bad("horizon %v s must be finite and > 0", sc.Horizon)
	}
	if !finite(sc.SinkStart) || sc.SinkStart < 0 {
		bad("sink start %v s must be finite and >= 0", sc.SinkStart)
	}
	if !(sc.SinkStart < sc.SourceStart) {
		bad("sink start %v s must precede source start %v s", sc.SinkStart, sc.SourceStart)
	}
	if sc.SinkPort == 0 {
		bad("sink port must be non-zero")
	}
	if sc.PacketSize < MinPacketSize || sc.PacketSize > MaxPacketSize {
		bad("packet size %d outside [%d, %d]", sc.PacketSize, MinPacketSize, MaxPacketSize)
	}
	if sc.MaxPackets <= 0 {
		bad("max packets %d must be > 0", sc.MaxPackets)
	}
	for _, p := range append([]Position{sc.BasePosition}, sc.MobilePositions...) {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			bad("position %v is not finite", p)
		}
	}

	base, err := netip.ParseAddr(sc.SubnetBase)
	if err != nil || !base.Is4() {
		bad("subnet base %q is not an IPv4 address", sc.SubnetBase)
	} else if _, err := PlanSubnets(base, len(sc.MobilePositions)); err != nil {
		bad("%v", err)
	}

	for idx, raw := range sc.Sources {
		src := sc.resolve(raw)
		if !finite(src.Start) || !(src.Start > sc.SinkStart) || !(src.Start < sc.Horizon) {
			bad("source %d start %v s must lie in (%v, %v)", idx, src.Start, sc.SinkStart, sc.Horizon)
		}
		if !finite(src.Stop) || src.Stop < src.Start || src.Stop > sc.Horizon {
			bad("source %d stop %v s must lie in [%v, %v]", idx, src.Stop, src.Start, sc.Horizon)
		}
		if !finite(src.Interval) || !(src.Interval > 0) {
			bad("source %d interval %v s must be finite and > 0", idx, src.Interval)
		}
		if src.PacketSize < MinPacketSize || src.PacketSize > MaxPacketSize {
			bad("source %d packet size %d outside [%d, %d]", idx, src.PacketSize, MinPacketSize, MaxPacketSize)
		}
		if src.MaxPackets <= 0 {
			bad("source %d max packets %d must be > 0", idx, src.MaxPackets)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, ReportErrs(errs))
}

// Scenario is a validated, immutable scenario configuration. Accessors hand
// out copies so no stage can alter what another stage sees.
type Scenario struct {
	cfg        ScenarioConfig
	subnetBase netip.Addr
	sources    []SourceConfig
}

// NewScenario validates cfg and freezes a private copy of it.
func NewScenario(cfg ScenarioConfig) (*Scenario, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scenario{cfg: cfg}
	s.cfg.MobilePositions = append([]Position(nil), cfg.MobilePositions...)
	s.cfg.Sources = append([]SourceConfig(nil), cfg.Sources...)
	s.subnetBase = netip.MustParseAddr(cfg.SubnetBase)

	s.sources = make([]SourceConfig, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		s.sources = append(s.sources, cfg.resolve(src))
	}
	return s, nil
}

// Config returns a copy of the configuration the scenario was built from.
func (s *Scenario) Config() ScenarioConfig {
	c := s.cfg
	c.MobilePositions = append([]Position(nil), s.cfg.MobilePositions...)
	c.Sources = append([]SourceConfig(nil), s.cfg.Sources...)
	return c
}

func (s *Scenario) Name() string           { return s.cfg.Name }
func (s *Scenario) MobileCount() int       { return len(s.cfg.MobilePositions) }
func (s *Scenario) BasePosition() Position { return s.cfg.BasePosition }
func (s *Scenario) MobilePosition(i int) Position {
	return s.cfg.MobilePositions[i]
}

// Delay returns the wired link propagation delay in seconds.
func (s *Scenario) Delay() float64         { return s.cfg.DelayMs / 1000.0 }
func (s *Scenario) DataRate() float64      { return s.cfg.DataRate }
func (s *Scenario) Horizon() float64       { return s.cfg.Horizon }
func (s *Scenario) SinkPort() uint16       { return s.cfg.SinkPort }
func (s *Scenario) SinkStart() float64     { return s.cfg.SinkStart }
func (s *Scenario) TargetMobile() int      { return s.cfg.TargetMobile }
func (s *Scenario) SubnetBase() netip.Addr { return s.subnetBase }

// Sources returns the resolved per-source configurations, each its own value.
func (s *Scenario) Sources() []SourceConfig {
	return append([]SourceConfig(nil), s.sources...)
}
