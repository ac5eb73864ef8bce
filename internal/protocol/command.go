package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidCommand is wrapped by every command validation failure.
var ErrInvalidCommand = errors.New("invalid command")

// Command type discriminants on the wire.
const (
	TypeMove          = "move"
	TypeTest          = "test"
	TypeControl       = "command"
	TypeSetParameters = "set_parameters"
)

// Direction is a manual drive direction.
type Direction string

const (
	Forward     Direction = "forward"
	Backward    Direction = "backward"
	Left        Direction = "left"
	Right       Direction = "right"
	Stop        Direction = "stop"
	RotateLeft  Direction = "rotate_left"
	RotateRight Direction = "rotate_right"
)

var directions = []Direction{Forward, Backward, Left, Right, Stop, RotateLeft, RotateRight}

// TestAction is a hardware self-test.
type TestAction string

const (
	TestKickAngle TestAction = "test_kick_angle"
	Charge        TestAction = "charge"
	Kick          TestAction = "kick"
)

var testActions = []TestAction{TestKickAngle, Charge, Kick}

// ControlVerb is a team-wide game control instruction.
type ControlVerb string

const (
	Play          ControlVerb = "PLAY"
	Pause         ControlVerb = "PAUSE"
	ResetPosition ControlVerb = "RESET_POSITION"
	CheckCamera   ControlVerb = "CHECK_CAMERA"
)

var controlVerbs = []ControlVerb{Play, Pause, ResetPosition, CheckCamera}

// Command is an operator instruction for a robot.
type Command interface {
	Type() string
	Validate() error
}

// MoveCommand drives the robot manually.
type MoveCommand struct {
	Direction Direction
}

func (MoveCommand) Type() string { return TypeMove }

func (c MoveCommand) Validate() error {
	if !slices.Contains(directions, c.Direction) {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidCommand, c.Direction)
	}
	return nil
}

// TestCommand triggers a hardware self-test.
type TestCommand struct {
	Action TestAction
}

func (TestCommand) Type() string { return TypeTest }

func (c TestCommand) Validate() error {
	if !slices.Contains(testActions, c.Action) {
		return fmt.Errorf("%w: unknown test action %q", ErrInvalidCommand, c.Action)
	}
	return nil
}

// ControlCommand carries a game control verb.
type ControlCommand struct {
	Verb ControlVerb
}

func (ControlCommand) Type() string { return TypeControl }

func (c ControlCommand) Validate() error {
	if !slices.Contains(controlVerbs, c.Verb) {
		return fmt.Errorf("%w: unknown control command %q", ErrInvalidCommand, c.Verb)
	}
	return nil
}

// SetParametersCommand pushes tuning values to the robot.
type SetParametersCommand struct {
	Parameters Parameters
}

func (SetParametersCommand) Type() string { return TypeSetParameters }

func (c SetParametersCommand) Validate() error {
	if len(c.Parameters) == 0 {
		return fmt.Errorf("%w: set_parameters without parameters", ErrInvalidCommand)
	}
	return nil
}

// Move is shorthand for MoveCommand{Direction: d}.
func Move(d Direction) Command {
	return MoveCommand{Direction: d}
}

// Test is shorthand for TestCommand{Action: a}.
func Test(a TestAction) Command {
	return TestCommand{Action: a}
}

// Control is shorthand for ControlCommand{Verb: v}.
func Control(v ControlVerb) Command {
	return ControlCommand{Verb: v}
}

// SetParameters is shorthand for SetParametersCommand{Parameters: p}.
func SetParameters(p Parameters) Command {
	return SetParametersCommand{Parameters: p}
}

type wireCommand struct {
	Type       string     `json:"type"`
	Direction  string     `json:"direction,omitempty"`
	Action     string     `json:"action,omitempty"`
	Command    string     `json:"command,omitempty"`
	Parameters Parameters `json:"parameters,omitempty"`
}

// EncodeCommand validates c and renders its wire record.
func EncodeCommand(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	w := wireCommand{Type: c.Type()}
	switch c := c.(type) {
	case MoveCommand:
		w.Direction = string(c.Direction)
	case TestCommand:
		w.Action = string(c.Action)
	case ControlCommand:
		w.Command = string(c.Verb)
	case SetParametersCommand:
		w.Parameters = c.Parameters
	default:
		return nil, fmt.Errorf("%w: unsupported command type %T", ErrInvalidCommand, c)
	}
	return json.Marshal(w)
}

// DecodeCommand parses and validates an operator-submitted command record.
func DecodeCommand(b []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	var c Command
	switch w.Type {
	case TypeMove:
		c = MoveCommand{Direction: Direction(w.Direction)}
	case TypeTest:
		c = TestCommand{Action: TestAction(w.Action)}
	case TypeControl:
		c = ControlCommand{Verb: ControlVerb(w.Command)}
	case TypeSetParameters:
		c = SetParametersCommand{Parameters: w.Parameters}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, w.Type)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
