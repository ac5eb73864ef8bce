// Package robot models one robot on the field: its telemetry-derived state,
// its tuning parameters, and the endpoint link used to talk to it.
package robot

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/basestation/internal/geom"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/network"
	"github.com/banshee-data/basestation/internal/protocol"
	"github.com/banshee-data/basestation/internal/timeutil"
	"github.com/banshee-data/basestation/internal/world"
)

var (
	// ErrNoLink is returned by Connect for a robot without network
	// configuration.
	ErrNoLink = errors.New("robot has no network link")
	// ErrNotConnected is returned when a command is dropped because the
	// robot's link is down.
	ErrNotConnected = network.ErrNotConnected
)

// Team distinguishes our robots from observed opponents.
type Team string

const (
	Home     Team = "home"
	Opponent Team = "opponent"
)

// Config is the static description of a robot.
type Config struct {
	ID          string
	Name        string
	Color       string
	Team        Team
	RemoteHost  string
	SendPort    int
	ListenPort  int
	InitialPose geom.Pose
}

// Managed reports whether the configuration carries everything needed to
// build an endpoint link.
func (c Config) Managed() bool {
	return c.Team != Opponent && c.RemoteHost != "" && c.SendPort > 0 && c.ListenPort > 0
}

// Link is the transport a robot uses. *network.EndpointLink implements it.
type Link interface {
	Connect() error
	Disconnect()
	Connected() bool
	Send(msg []byte) error
}

// DefaultParameters returns the tuning values every robot starts with.
func DefaultParameters() protocol.Parameters {
	return protocol.Parameters{
		"max_speed":                    protocol.Number(2.0),
		"rotation_speed":               protocol.Number(1.0),
		"kick_power":                   protocol.Number(0.8),
		"acceleration":                 protocol.Number(1.5),
		"deceleration":                 protocol.Number(1.5),
		"battery_level":                protocol.Number(100),
		"vision_range":                 protocol.Number(5.0),
		"ball_detection_threshold":     protocol.Number(0.7),
		"obstacle_detection_threshold": protocol.Number(0.6),
		"communication_range":          protocol.Number(20.0),
	}
}

// State is a point-in-time copy of a robot, safe to hand to readers.
type State struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Color      string              `json:"color"`
	Team       Team                `json:"team"`
	Pose       geom.Pose           `json:"pose"`
	Ball       *geom.Point         `json:"ball"`
	Obstacles  []geom.Point        `json:"obstacles"`
	Parameters protocol.Parameters `json:"parameters"`
	Managed    bool                `json:"managed"`
	Connected  bool                `json:"connected"`
	LastSeen   time.Time           `json:"last_seen,omitzero"`
}

// Robot is a single robot entity. Telemetry is written only by the robot's
// own link; every other access goes through the exported methods.
type Robot struct {
	cfg     Config
	link    Link
	stats   *monitoring.RobotStats
	clock   timeutil.Clock
	factory network.UDPSocketFactory
	onDrop  func(error)
	logf    func(string, ...interface{})

	mu        sync.RWMutex
	pose      geom.Pose
	ball      *geom.Point
	obstacles []geom.Point
	params    protocol.Parameters
	lastSeen  time.Time
}

// Option configures a Robot.
type Option func(*Robot)

// WithLink replaces the endpoint link, mainly for tests.
func WithLink(l Link) Option {
	return func(r *Robot) { r.link = l }
}

// WithMetrics attaches per-robot counters.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Robot) { r.stats = m.Robot(r.label()) }
}

// WithClock sets the clock used for LastSeen.
func WithClock(c timeutil.Clock) Option {
	return func(r *Robot) { r.clock = c }
}

// WithSocketFactory sets the socket factory of the endpoint link.
func WithSocketFactory(f network.UDPSocketFactory) Option {
	return func(r *Robot) { r.factory = f }
}

// WithDropHandler registers fn to run when the endpoint link goes down on
// its own after a socket error.
func WithDropHandler(fn func(error)) Option {
	return func(r *Robot) { r.onDrop = fn }
}

// New creates a robot. A managed configuration gets an endpoint link whose
// datagrams feed HandleTelemetry; an unmanaged one has no link at all.
func New(cfg Config, opts ...Option) *Robot {
	if cfg.Team == "" {
		cfg.Team = Home
	}
	r := &Robot{
		cfg:       cfg,
		clock:     timeutil.RealClock{},
		pose:      cfg.InitialPose,
		obstacles: []geom.Point{},
		params:    DefaultParameters(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logf = monitoring.Component(r.label())

	if r.cfg.Team == Opponent {
		r.link = nil
	} else if r.link == nil && cfg.Managed() {
		r.link = network.NewEndpointLink(network.EndpointConfig{
			Name:       r.label(),
			RemoteHost: cfg.RemoteHost,
			RemotePort: cfg.SendPort,
			LocalPort:  cfg.ListenPort,
			Factory:    r.factory,
			Stats:      r.stats,
			OnDrop:     r.onDrop,
		}, r.HandleTelemetry)
	}
	return r
}

// NewOpponent creates an opponent entity. Opponents are tracked but never
// have a link.
func NewOpponent(cfg Config, opts ...Option) *Robot {
	cfg.Team = Opponent
	return New(cfg, opts...)
}

func (r *Robot) label() string {
	if r.cfg.Name != "" {
		return r.cfg.Name
	}
	return "robot " + r.cfg.ID
}

// ID returns the robot identifier.
func (r *Robot) ID() string { return r.cfg.ID }

// Name returns the display name.
func (r *Robot) Name() string { return r.cfg.Name }

// Config returns the static configuration.
func (r *Robot) Config() Config { return r.cfg }

// Managed reports whether the robot has a link.
func (r *Robot) Managed() bool { return r.link != nil }

// HandleTelemetry applies one telemetry record. Malformed records are
// logged and discarded without touching state. Each field present in the
// record replaces the stored one; absent fields are left as they were.
func (r *Robot) HandleTelemetry(payload string) {
	t, err := protocol.DecodeTelemetry([]byte(payload))
	if err != nil {
		r.stats.AddDecodeFailure()
		r.logf("discarding telemetry: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Pose != nil {
		r.pose = *t.Pose
	}
	if t.BallSet {
		r.ball = t.Ball
	}
	if t.ObstaclesSet {
		r.obstacles = t.Obstacles
	}
	r.lastSeen = r.clock.Now()
}

// Connect brings the link up. Connecting an already connected robot
// succeeds without side effects.
func (r *Robot) Connect() error {
	if r.link == nil {
		return ErrNoLink
	}
	if r.link.Connected() {
		return nil
	}
	if err := r.link.Connect(); err != nil {
		if errors.Is(err, network.ErrAlreadyConnected) {
			return nil
		}
		r.logf("connect failed: %v", err)
		return fmt.Errorf("connect %s: %w", r.label(), err)
	}
	return nil
}

// Disconnect tears the link down. It is a no-op for unmanaged robots.
func (r *Robot) Disconnect() {
	if r.link != nil {
		r.link.Disconnect()
	}
}

// Connected reports the link state. Unmanaged robots are never connected.
func (r *Robot) Connected() bool {
	return r.link != nil && r.link.Connected()
}

// SendCommand encodes cmd and sends it to the robot. The command is
// dropped with ErrNotConnected when the link is down.
func (r *Robot) SendCommand(cmd protocol.Command) error {
	if !r.Connected() {
		r.logf("not connected, command dropped")
		return ErrNotConnected
	}
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return r.link.Send(data)
}

// SetParameters merges update into the stored parameters. Nothing is sent.
func (r *Robot) SetParameters(update protocol.Parameters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params.Merge(update)
}

// Parameters returns a copy of the stored parameters.
func (r *Robot) Parameters() protocol.Parameters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params.Clone()
}

// PushParameters sends the full stored parameter set to the robot.
func (r *Robot) PushParameters() error {
	return r.SendCommand(protocol.SetParameters(r.Parameters()))
}

// SetPose overrides the pose. Used for opponents, whose positions come from
// observation rather than telemetry.
func (r *Robot) SetPose(p geom.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose = p
}

// Pose returns the last known pose.
func (r *Robot) Pose() geom.Pose {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pose
}

// LastSeen returns when the last well-formed telemetry record arrived.
func (r *Robot) LastSeen() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeen
}

// State returns a copy of the robot's current state.
func (r *Robot) State() State {
	connected := r.Connected()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return State{
		ID:         r.cfg.ID,
		Name:       r.cfg.Name,
		Color:      r.cfg.Color,
		Team:       r.cfg.Team,
		Pose:       r.pose,
		Ball:       clonePoint(r.ball),
		Obstacles:  slices.Clone(r.obstacles),
		Parameters: r.params.Clone(),
		Managed:    r.link != nil,
		Connected:  connected,
		LastSeen:   r.lastSeen,
	}
}

// Observation implements world.Source.
func (r *Robot) Observation() world.Observation {
	connected := r.Connected()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return world.Observation{
		RobotID:   r.cfg.ID,
		Connected: connected,
		Ball:      clonePoint(r.ball),
		Obstacles: slices.Clone(r.obstacles),
	}
}

func clonePoint(p *geom.Point) *geom.Point {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

var _ world.Source = (*Robot)(nil)
