package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/basestation/internal/geom"
	"github.com/banshee-data/basestation/internal/world"
)

// RecordSnapshot stores one fused world state.
func (db *DB) RecordSnapshot(s world.Snapshot) error {
	obstacles, err := json.Marshal(s.Obstacles)
	if err != nil {
		return fmt.Errorf("failed to encode obstacles: %w", err)
	}
	contributors, err := json.Marshal(s.Contributors)
	if err != nil {
		return fmt.Errorf("failed to encode contributors: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO world_snapshots (
			seq, fused_unix_ns, field_width, field_height, ball_x, ball_y,
			obstacles_json, contributors_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Seq, s.FusedAt.UnixNano(), s.Field.Width, s.Field.Height, s.Ball.X, s.Ball.Y,
		string(obstacles), string(contributors),
	)
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit stored snapshots, newest first.
func (db *DB) RecentSnapshots(limit int) ([]world.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT seq, fused_unix_ns, field_width, field_height, ball_x, ball_y,
			obstacles_json, contributors_json
		 FROM world_snapshots ORDER BY snapshot_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []world.Snapshot{}
	for rows.Next() {
		var (
			s                world.Snapshot
			fusedNs          int64
			obstaclesJSON    string
			contributorsJSON string
		)
		if err := rows.Scan(
			&s.Seq,
			&fusedNs,
			&s.Field.Width,
			&s.Field.Height,
			&s.Ball.X,
			&s.Ball.Y,
			&obstaclesJSON,
			&contributorsJSON,
		); err != nil {
			return nil, err
		}
		s.FusedAt = time.Unix(0, fusedNs).UTC()
		s.Obstacles = []geom.Point{}
		if err := json.Unmarshal([]byte(obstaclesJSON), &s.Obstacles); err != nil {
			return nil, fmt.Errorf("corrupt obstacles in snapshot %d: %w", s.Seq, err)
		}
		s.Contributors = []string{}
		if err := json.Unmarshal([]byte(contributorsJSON), &s.Contributors); err != nil {
			return nil, fmt.Errorf("corrupt contributors in snapshot %d: %w", s.Seq, err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}
