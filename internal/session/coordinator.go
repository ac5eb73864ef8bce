// Package session owns the robots, the world aggregator and the RefBox link
// for one base station run, and routes their events to the operator.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/basestation/internal/config"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/network"
	"github.com/banshee-data/basestation/internal/protocol"
	"github.com/banshee-data/basestation/internal/robot"
	"github.com/banshee-data/basestation/internal/timeutil"
	"github.com/banshee-data/basestation/internal/world"
)

// ErrUnknownRobot is returned for an id that is not on the home roster.
var ErrUnknownRobot = errors.New("unknown robot")

const defaultEventBuffer = 64

// Outcome is the per-robot result of ConnectAll.
type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeFailed    Outcome = "failed"
	OutcomeNoLink    Outcome = "no_link"
)

// ConnectResult reports what happened to one robot during ConnectAll.
type ConnectResult struct {
	RobotID string  `json:"robot_id"`
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// RefBoxStatus describes the control channel.
type RefBoxStatus struct {
	Addr      string `json:"addr"`
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
}

// Options configures a Coordinator. Only Config is required.
type Options struct {
	Config  *config.StationConfig
	Metrics *monitoring.Metrics
	Clock   timeutil.Clock

	// SocketFactory overrides how robot endpoint sockets are created.
	SocketFactory network.UDPSocketFactory
	// LinkFor, when set, may supply a robot's link. Returning nil falls
	// back to the endpoint link built from configuration.
	LinkFor func(robot.Config) robot.Link
	// RefBoxDialer overrides the RefBox dialer.
	RefBoxDialer network.Dialer
	// EventBuffer is the per-subscriber channel size.
	EventBuffer int
}

// Coordinator is the session: it connects and disconnects robots, routes
// commands, drives fusion and relays RefBox traffic as events.
type Coordinator struct {
	cfg       *config.StationConfig
	robots    []*robot.Robot
	opponents []*robot.Robot
	byID      map[string]*robot.Robot
	world     *world.Aggregator
	refbox    *network.ControlLink
	metrics   *monitoring.Metrics
	clock     timeutil.Clock
	logf      func(string, ...interface{})

	subMu       sync.RWMutex
	subscribers map[uuid.UUID]chan Event
	eventBuffer int

	closeOnce sync.Once
}

// New builds the session from configuration. No network activity happens
// until ConnectAll or ConnectRefBox is called.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	eventBuffer := opts.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}

	agg, err := world.New(cfg.Field(), world.WithClock(clock))
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:         cfg,
		byID:        make(map[string]*robot.Robot),
		world:       agg,
		metrics:     opts.Metrics,
		clock:       clock,
		logf:        monitoring.Component("session"),
		subscribers: make(map[uuid.UUID]chan Event),
		eventBuffer: eventBuffer,
	}

	if cfg.UsesDefaultFleet() {
		c.logf("warning: no robots configured, using the default fleet without network links")
	}
	for _, rc := range cfg.HomeRobots() {
		ropts := []robot.Option{
			robot.WithMetrics(opts.Metrics),
			robot.WithClock(clock),
			robot.WithDropHandler(func(err error) { c.handleLinkLost(rc, err) }),
		}
		if opts.SocketFactory != nil {
			ropts = append(ropts, robot.WithSocketFactory(opts.SocketFactory))
		}
		if opts.LinkFor != nil {
			if l := opts.LinkFor(rc); l != nil {
				ropts = append(ropts, robot.WithLink(l))
			}
		}
		r := robot.New(rc, ropts...)
		c.robots = append(c.robots, r)
		c.byID[r.ID()] = r
	}
	for _, rc := range cfg.OpponentRobots() {
		c.opponents = append(c.opponents, robot.NewOpponent(rc, robot.WithClock(clock)))
	}

	c.refbox = network.NewControlLink(network.ControlConfig{
		Host:   cfg.RefBox.IP,
		Port:   cfg.RefBox.Port,
		Dialer: opts.RefBoxDialer,
	})
	c.refbox.OnLine = c.handleRefBoxLine
	c.refbox.OnDisconnect = c.handleRefBoxDisconnect

	return c, nil
}

// Robots returns the home roster in configuration order.
func (c *Coordinator) Robots() []*robot.Robot {
	return append([]*robot.Robot(nil), c.robots...)
}

// Opponents returns the opponent roster.
func (c *Coordinator) Opponents() []*robot.Robot {
	return append([]*robot.Robot(nil), c.opponents...)
}

// Robot looks up a home robot by id.
func (c *Coordinator) Robot(id string) (*robot.Robot, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// Config returns the configuration the session was built from.
func (c *Coordinator) Config() *config.StationConfig {
	return c.cfg
}

// ConnectAll connects every home robot in roster order. A failure on one
// robot never prevents the attempt on the next.
func (c *Coordinator) ConnectAll() []ConnectResult {
	results := make([]ConnectResult, 0, len(c.robots))
	connected := 0
	for _, r := range c.robots {
		res := ConnectResult{RobotID: r.ID(), Name: r.Name()}
		err := r.Connect()
		switch {
		case errors.Is(err, robot.ErrNoLink):
			res.Outcome = OutcomeNoLink
			c.publish(KindLog, r.ID(), "%s has no network configuration", r.Name())
		case err != nil:
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			c.publish(KindRobotStatus, r.ID(), "%s failed to connect: %v", r.Name(), err)
		default:
			res.Outcome = OutcomeConnected
			connected++
			c.publish(KindRobotStatus, r.ID(), "%s connected", r.Name())
		}
		results = append(results, res)
	}
	c.publish(KindLog, "", "connected %d of %d robots", connected, len(c.robots))
	return results
}

// DisconnectAll disconnects every home robot in roster order.
func (c *Coordinator) DisconnectAll() {
	for _, r := range c.robots {
		if !r.Managed() {
			continue
		}
		wasConnected := r.Connected()
		r.Disconnect()
		if wasConnected {
			c.publish(KindRobotStatus, r.ID(), "%s disconnected", r.Name())
		}
	}
}

// SendCommand routes cmd to one robot.
func (c *Coordinator) SendCommand(id string, cmd protocol.Command) error {
	r, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRobot, id)
	}
	err := r.SendCommand(cmd)
	if errors.Is(err, robot.ErrNotConnected) {
		c.publish(KindLog, id, "%s is not connected, command dropped", r.Name())
	}
	return err
}

// Broadcast sends cmd to every connected robot and returns how many sends
// succeeded.
func (c *Coordinator) Broadcast(cmd protocol.Command) int {
	sent := 0
	for _, r := range c.robots {
		if !r.Connected() {
			continue
		}
		if err := r.SendCommand(cmd); err != nil {
			c.publish(KindLog, r.ID(), "command to %s failed: %v", r.Name(), err)
			continue
		}
		sent++
	}
	if sent == 0 {
		c.publish(KindLog, "", "no connected robots received the command")
	}
	return sent
}

// SetParameters merges update into a robot's stored parameters without
// sending them.
func (c *Coordinator) SetParameters(id string, update protocol.Parameters) error {
	r, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRobot, id)
	}
	r.SetParameters(update)
	return nil
}

// PushParameters sends a robot its full stored parameter set.
func (c *Coordinator) PushParameters(id string) error {
	r, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRobot, id)
	}
	if err := r.PushParameters(); err != nil {
		c.publish(KindLog, id, "parameters for %s not sent: %v", r.Name(), err)
		return err
	}
	c.publish(KindLog, id, "parameters sent to %s", r.Name())
	return nil
}

// PushParametersAll merges update into every home robot and pushes the
// result to those that are connected. It returns the number pushed.
func (c *Coordinator) PushParametersAll(update protocol.Parameters) int {
	pushed := 0
	for _, r := range c.robots {
		r.SetParameters(update)
		if !r.Connected() {
			continue
		}
		if err := r.PushParameters(); err != nil {
			c.publish(KindLog, r.ID(), "parameters for %s not sent: %v", r.Name(), err)
			continue
		}
		pushed++
	}
	c.publish(KindLog, "", "parameters sent to %d robots", pushed)
	return pushed
}

// Fuse runs one fusion pass over the home robots.
func (c *Coordinator) Fuse() world.Snapshot {
	sources := make([]world.Source, len(c.robots))
	connected := 0
	for i, r := range c.robots {
		sources[i] = r
		if r.Connected() {
			connected++
		}
	}
	snap := c.world.Fuse(sources)
	c.metrics.ObserveFusion(connected)
	return snap
}

// Snapshot returns the last published world state without fusing.
func (c *Coordinator) Snapshot() world.Snapshot {
	return c.world.Snapshot()
}

// ConnectRefBox starts the RefBox link. It is a no-op while a previous
// attempt is still alive.
func (c *Coordinator) ConnectRefBox() {
	c.publish(KindLog, "", "connecting to RefBox at %s", c.refbox.Addr())
	c.refbox.Connect()
}

// StopRefBox stops the RefBox link.
func (c *Coordinator) StopRefBox() {
	if !c.refbox.Running() {
		return
	}
	c.refbox.Stop()
	c.publish(KindRefBoxStatus, "", "stopped")
}

// RefBoxStatus reports the control channel state.
func (c *Coordinator) RefBoxStatus() RefBoxStatus {
	return RefBoxStatus{
		Addr:      c.refbox.Addr(),
		Running:   c.refbox.Running(),
		Connected: c.refbox.Connected(),
	}
}

// SendRefBox writes one line to the RefBox.
func (c *Coordinator) SendRefBox(line string) error {
	return c.refbox.Send(line)
}

// SuperviseRefBox retries the RefBox connection every interval while the
// link is wanted but down. It returns when ctx is done.
func (c *Coordinator) SuperviseRefBox(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if c.refbox.Running() && !c.refbox.Connected() {
				c.refbox.Connect()
			}
		}
	}
}

func (c *Coordinator) handleRefBoxLine(line string) {
	c.metrics.AddControlLine()
	if line == network.MessageConnected {
		c.publish(KindRefBoxStatus, "", "connected")
	}
	c.publish(KindRefBoxMessage, "", "%s", line)
}

func (c *Coordinator) handleLinkLost(rc robot.Config, err error) {
	name := rc.Name
	if name == "" {
		name = "robot " + rc.ID
	}
	c.publish(KindRobotStatus, rc.ID, "%s link lost: %v", name, err)
}

func (c *Coordinator) handleRefBoxDisconnect() {
	c.publish(KindRefBoxStatus, "", "disconnected")
}

// Close disconnects every link and ends all subscriptions.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.DisconnectAll()
		c.refbox.Stop()
		c.closeSubscribers()
	})
}
