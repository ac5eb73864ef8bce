package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/basestation/internal/protocol"
)

// SaveParameters upserts every entry of params for robotID. Stored entries
// not named in params are kept, matching the merge semantics of the robot.
func (db *DB) SaveParameters(robotID string, params protocol.Parameters) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO robot_parameters (robot_id, name, value_json, updated_unix_ns)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(robot_id, name) DO UPDATE SET
			value_json = excluded.value_json,
			updated_unix_ns = excluded.updated_unix_ns`)
	if err != nil {
		return fmt.Errorf("failed to prepare parameter upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for name, value := range params {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode parameter %q: %w", name, err)
		}
		if _, err := stmt.Exec(robotID, name, string(encoded), now); err != nil {
			return fmt.Errorf("failed to save parameter %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// LoadParameters returns the stored parameters for robotID. A robot with
// nothing stored yields an empty set.
func (db *DB) LoadParameters(robotID string) (protocol.Parameters, error) {
	rows, err := db.Query(`SELECT name, value_json FROM robot_parameters WHERE robot_id = ?`, robotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	params := protocol.Parameters{}
	for rows.Next() {
		var name, encoded string
		if err := rows.Scan(&name, &encoded); err != nil {
			return nil, err
		}
		var v protocol.Value
		if err := json.Unmarshal([]byte(encoded), &v); err != nil {
			return nil, fmt.Errorf("corrupt parameter %q for robot %s: %w", name, robotID, err)
		}
		params[name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return params, nil
}
