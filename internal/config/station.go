// Package config loads the base station configuration: RefBox address, the
// home and opponent rosters, field geometry and loop cadences.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/basestation/internal/geom"
	"github.com/banshee-data/basestation/internal/robot"
)

// DefaultConfigPath is where cmd/basestation looks when -config is not set.
const DefaultConfigPath = "config.json"

const (
	DefaultRefBoxHost      = "127.0.0.1"
	DefaultRefBoxPort      = 28097
	DefaultRefreshInterval = 30 * time.Millisecond
	defaultFleetSize       = 5
	maxFileSize            = 1 * 1024 * 1024 // 1MB
)

// RobotID accepts both numeric and string identifiers in JSON.
type RobotID string

func (id *RobotID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = RobotID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("robot id must be a string or number, got %s", b)
	}
	*id = RobotID(n.String())
	return nil
}

// RefBox locates the referee box.
type RefBox struct {
	IP   string `json:"ip" yaml:"ip"`
	Port int    `json:"port" yaml:"port"`
}

// Robot is one roster entry. Network fields are optional; a home robot
// missing any of them is tracked but has no link. Opponents ignore them.
type Robot struct {
	ID             RobotID   `json:"id" yaml:"id"`
	Name           string    `json:"name,omitempty" yaml:"name,omitempty"`
	Color          string    `json:"color,omitempty" yaml:"color,omitempty"`
	IP             string    `json:"ip,omitempty" yaml:"ip,omitempty"`
	SendToPort     int       `json:"send_to_port,omitempty" yaml:"send_to_port,omitempty"`
	BaseListenPort int       `json:"base_listen_port,omitempty" yaml:"base_listen_port,omitempty"`
	InitialPos     []float64 `json:"initial_pos,omitempty" yaml:"initial_pos,omitempty"`
	InitialOrient  *float64  `json:"initial_orient,omitempty" yaml:"initial_orient,omitempty"`
}

// StationConfig is the root configuration document.
type StationConfig struct {
	RefBox          RefBox    `json:"refbox" yaml:"refbox"`
	Robots          []Robot   `json:"robots" yaml:"robots"`
	Opponents       []Robot   `json:"opponents" yaml:"opponents"`
	FieldDimensions []float64 `json:"field_dimensions" yaml:"field_dimensions"`

	// RefreshInterval is the fusion cadence, a duration string like "30ms".
	RefreshInterval string `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty"`
	// ReconnectInterval enables RefBox retries when set.
	ReconnectInterval string `json:"reconnect_interval,omitempty" yaml:"reconnect_interval,omitempty"`
	// RequireRobots turns an empty robot list into a validation error
	// instead of falling back to the default fleet.
	RequireRobots bool `json:"require_robots,omitempty" yaml:"require_robots,omitempty"`
}

// Default returns a configuration with every default applied and empty
// rosters.
func Default() *StationConfig {
	return &StationConfig{
		RefBox:          RefBox{IP: DefaultRefBoxHost, Port: DefaultRefBoxPort},
		FieldDimensions: []float64{12, 9},
		RefreshInterval: DefaultRefreshInterval.String(),
	}
}

// Load reads a configuration file. JSON and YAML are accepted, chosen by
// extension. Keys omitted from the file keep their defaults.
func Load(path string) (*StationConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}
	if cfg.RefBox.IP == "" {
		cfg.RefBox.IP = DefaultRefBoxHost
	}
	if cfg.RefBox.Port == 0 {
		cfg.RefBox.Port = DefaultRefBoxPort
	}
	if cfg.RefreshInterval == "" {
		cfg.RefreshInterval = DefaultRefreshInterval.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *StationConfig) Validate() error {
	if len(c.FieldDimensions) != 2 {
		return fmt.Errorf("field_dimensions must have 2 values, got %d", len(c.FieldDimensions))
	}
	if !c.Field().Valid() {
		return fmt.Errorf("field_dimensions must be positive, got %v", c.FieldDimensions)
	}

	if c.RefBox.Port < 1 || c.RefBox.Port > 65535 {
		return fmt.Errorf("refbox port out of range: %d", c.RefBox.Port)
	}

	if c.RefreshInterval != "" {
		d, err := time.ParseDuration(c.RefreshInterval)
		if err != nil {
			return fmt.Errorf("invalid refresh_interval '%s': %w", c.RefreshInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("refresh_interval must be positive, got %s", c.RefreshInterval)
		}
	}
	if c.ReconnectInterval != "" {
		d, err := time.ParseDuration(c.ReconnectInterval)
		if err != nil {
			return fmt.Errorf("invalid reconnect_interval '%s': %w", c.ReconnectInterval, err)
		}
		if d < 0 {
			return fmt.Errorf("reconnect_interval must not be negative, got %s", c.ReconnectInterval)
		}
	}

	if c.RequireRobots && len(c.Robots) == 0 {
		return fmt.Errorf("require_robots is set but no robots are configured")
	}
	if err := validateRoster("robots", c.Robots); err != nil {
		return err
	}
	return validateRoster("opponents", c.Opponents)
}

func validateRoster(key string, roster []Robot) error {
	seen := make(map[RobotID]bool, len(roster))
	for i, r := range roster {
		if r.ID == "" {
			return fmt.Errorf("%s[%d]: id is required", key, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%s[%d]: duplicate id %q", key, i, r.ID)
		}
		seen[r.ID] = true
		if r.InitialPos != nil && len(r.InitialPos) != 2 {
			return fmt.Errorf("%s[%d]: initial_pos must have 2 values, got %d", key, i, len(r.InitialPos))
		}
		for _, p := range []int{r.SendToPort, r.BaseListenPort} {
			if p < 0 || p > 65535 {
				return fmt.Errorf("%s[%d]: port out of range: %d", key, i, p)
			}
		}
	}
	return nil
}

// Field returns the field dimensions.
func (c *StationConfig) Field() geom.Dimensions {
	if len(c.FieldDimensions) != 2 {
		return geom.Dimensions{}
	}
	return geom.Dimensions{Width: c.FieldDimensions[0], Height: c.FieldDimensions[1]}
}

// GetRefreshInterval parses and returns the RefreshInterval.
func (c *StationConfig) GetRefreshInterval() time.Duration {
	if c.RefreshInterval == "" {
		return DefaultRefreshInterval
	}
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil || d <= 0 {
		return DefaultRefreshInterval
	}
	return d
}

// GetReconnectInterval returns the RefBox retry period, zero when disabled.
func (c *StationConfig) GetReconnectInterval() time.Duration {
	if c.ReconnectInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.ReconnectInterval)
	if err != nil {
		return 0
	}
	return d
}

// UsesDefaultFleet reports whether HomeRobots synthesizes the roster.
func (c *StationConfig) UsesDefaultFleet() bool {
	return len(c.Robots) == 0
}

// HomeRobots returns the home roster as robot configurations. An empty
// roster yields five unlinked players along the bottom edge.
func (c *StationConfig) HomeRobots() []robot.Config {
	if len(c.Robots) == 0 {
		out := make([]robot.Config, defaultFleetSize)
		for i := range out {
			id := strconv.Itoa(i + 1)
			out[i] = robot.Config{
				ID:          id,
				Name:        "Player " + id,
				Color:       "blue",
				Team:        robot.Home,
				InitialPose: geom.Pose{X: float64(1 + i), Y: 1},
			}
		}
		return out
	}

	out := make([]robot.Config, len(c.Robots))
	for i, r := range c.Robots {
		out[i] = r.toRobotConfig(robot.Home, "Player", "blue", geom.Point{X: float64(1 + i), Y: 1}, 0)
		out[i].RemoteHost = r.IP
		out[i].SendPort = r.SendToPort
		out[i].ListenPort = r.BaseListenPort
	}
	return out
}

// OpponentRobots returns the opponent roster. An empty roster yields five
// opponents along the top edge facing the home side.
func (c *StationConfig) OpponentRobots() []robot.Config {
	if len(c.Opponents) == 0 {
		out := make([]robot.Config, defaultFleetSize)
		for i := range out {
			id := strconv.Itoa(i + 1)
			out[i] = robot.Config{
				ID:          id,
				Name:        "Opponent " + id,
				Color:       "red",
				Team:        robot.Opponent,
				InitialPose: geom.Pose{X: float64(10 + i), Y: 7, Heading: 180},
			}
		}
		return out
	}

	out := make([]robot.Config, len(c.Opponents))
	for i, r := range c.Opponents {
		out[i] = r.toRobotConfig(robot.Opponent, "Opponent", "red", geom.Point{X: float64(10 + i), Y: 1}, 180)
	}
	return out
}

func (r Robot) toRobotConfig(team robot.Team, namePrefix, color string, pos geom.Point, heading float64) robot.Config {
	id := string(r.ID)
	name := r.Name
	if name == "" {
		name = namePrefix + " " + id
	}
	if r.Color != "" {
		color = r.Color
	}
	if len(r.InitialPos) == 2 {
		pos = geom.Point{X: r.InitialPos[0], Y: r.InitialPos[1]}
	}
	if r.InitialOrient != nil {
		heading = *r.InitialOrient
	}
	return robot.Config{
		ID:          id,
		Name:        name,
		Color:       color,
		Team:        team,
		InitialPose: geom.Pose{X: pos.X, Y: pos.Y, Heading: heading},
	}
}
