// Package protocol implements the JSON records exchanged with robots: the
// telemetry they stream to the base station and the commands sent back.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/basestation/internal/geom"
)

// ErrMalformedTelemetry is wrapped by every DecodeTelemetry failure.
var ErrMalformedTelemetry = errors.New("malformed telemetry")

// Telemetry is one decoded status record. Each field carries its own
// presence flag so a record that omits a key leaves that state untouched.
type Telemetry struct {
	// Pose is nil when the record carries no position.
	Pose *geom.Pose

	// BallSet reports that ball_position was present. Ball is nil when it
	// was present as null, meaning the robot no longer sees the ball.
	BallSet bool
	Ball    *geom.Point

	// ObstaclesSet reports that obstacles was present; Obstacles may then be empty.
	ObstaclesSet bool
	Obstacles    []geom.Point
}

// DecodeTelemetry parses a robot status record:
//
//	{"position": [x, y, heading], "ball_position": [x, y] | null, "obstacles": [[x, y], ...]}
//
// All keys are optional. Older firmware sends "position": [x, y] with a
// separate "orientation" number, which is accepted too. The record is
// validated completely before anything is returned, so callers can apply it
// all-or-nothing.
func DecodeTelemetry(payload []byte) (Telemetry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Telemetry{}, fmt.Errorf("%w: %v", ErrMalformedTelemetry, err)
	}
	if raw == nil {
		return Telemetry{}, fmt.Errorf("%w: not an object", ErrMalformedTelemetry)
	}

	var t Telemetry

	if msg, ok := raw["position"]; ok && !isNull(msg) {
		pose, err := decodePose(msg, raw["orientation"])
		if err != nil {
			return Telemetry{}, err
		}
		t.Pose = &pose
	}

	if msg, ok := raw["ball_position"]; ok {
		t.BallSet = true
		if !isNull(msg) {
			p, err := decodePoint(msg)
			if err != nil {
				return Telemetry{}, fmt.Errorf("%w: ball_position: %v", ErrMalformedTelemetry, err)
			}
			t.Ball = &p
		}
	}

	if msg, ok := raw["obstacles"]; ok {
		t.ObstaclesSet = true
		t.Obstacles = []geom.Point{}
		if !isNull(msg) {
			var items []json.RawMessage
			if err := json.Unmarshal(msg, &items); err != nil {
				return Telemetry{}, fmt.Errorf("%w: obstacles: %v", ErrMalformedTelemetry, err)
			}
			for i, item := range items {
				p, err := decodePoint(item)
				if err != nil {
					return Telemetry{}, fmt.Errorf("%w: obstacles[%d]: %v", ErrMalformedTelemetry, i, err)
				}
				t.Obstacles = append(t.Obstacles, p)
			}
		}
	}

	return t, nil
}

func decodePose(position, orientation json.RawMessage) (geom.Pose, error) {
	nums, err := decodeNumbers(position)
	if err != nil {
		return geom.Pose{}, fmt.Errorf("%w: position: %v", ErrMalformedTelemetry, err)
	}
	switch len(nums) {
	case 3:
		return geom.Pose{X: nums[0], Y: nums[1], Heading: nums[2]}, nil
	case 2:
		if orientation == nil || isNull(orientation) {
			return geom.Pose{}, fmt.Errorf("%w: position has 2 values and no orientation", ErrMalformedTelemetry)
		}
		var heading float64
		if err := json.Unmarshal(orientation, &heading); err != nil {
			return geom.Pose{}, fmt.Errorf("%w: orientation: %v", ErrMalformedTelemetry, err)
		}
		return geom.Pose{X: nums[0], Y: nums[1], Heading: heading}, nil
	default:
		return geom.Pose{}, fmt.Errorf("%w: position has %d values, want 3", ErrMalformedTelemetry, len(nums))
	}
}

func decodePoint(msg json.RawMessage) (geom.Point, error) {
	nums, err := decodeNumbers(msg)
	if err != nil {
		return geom.Point{}, err
	}
	if len(nums) != 2 {
		return geom.Point{}, fmt.Errorf("got %d values, want 2", len(nums))
	}
	return geom.Point{X: nums[0], Y: nums[1]}, nil
}

// decodeNumbers decodes a JSON array of numbers. A null element is an error;
// plain []float64 decoding would silently turn it into zero.
func decodeNumbers(msg json.RawMessage) ([]float64, error) {
	var ptrs []*float64
	if err := json.Unmarshal(msg, &ptrs); err != nil {
		return nil, err
	}
	nums := make([]float64, len(ptrs))
	for i, p := range ptrs {
		if p == nil {
			return nil, fmt.Errorf("element %d is null", i)
		}
		nums[i] = *p
	}
	return nums, nil
}

func isNull(msg json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(msg), []byte("null"))
}
