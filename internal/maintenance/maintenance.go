// Package maintenance reads the operator switches that pause job
// processing.
package maintenance

import (
	"context"
	"fmt"
	"strings"

	"jobmanager/internal/storage"
)

// DefaultTable holds one row per switch: MODE_NAME, SETTING_VALUE.
const DefaultTable = "T_COMN_MAINTENANCE_MODE"

const (
	dataUpdateStop      = "data_update_stop"
	backyardExecuteStop = "backyard_execute_stop"
)

// Mode is the set of maintenance switches. A switch is on when its value
// is "1"; a missing row means off.
type Mode struct {
	DataUpdateStop      bool
	BackyardExecuteStop bool
}

// Paused reports whether queue polling must be skipped.
func (m Mode) Paused() bool { return m.DataUpdateStop || m.BackyardExecuteStop }

// Entered reports whether a switch that was off in prev is on in m.
func (m Mode) Entered(prev Mode) bool {
	return (m.DataUpdateStop && !prev.DataUpdateStop) || (m.BackyardExecuteStop && !prev.BackyardExecuteStop)
}

// Source yields the current maintenance mode.
type Source interface {
	Load(ctx context.Context, db *storage.DB) (Mode, error)
}

// Table loads the switches from a database table.
type Table struct {
	Name string
}

func (t Table) Load(ctx context.Context, db *storage.DB) (Mode, error) {
	name := t.Name
	if name == "" {
		name = DefaultTable
	}
	rows, err := db.QueryContext(ctx, "SELECT MODE_NAME, SETTING_VALUE FROM "+name)
	if err != nil {
		return Mode{}, fmt.Errorf("maintenance mode: %w", err)
	}
	defer rows.Close()

	var m Mode
	for rows.Next() {
		var key, value *string
		if err := rows.Scan(&key, &value); err != nil {
			return Mode{}, fmt.Errorf("maintenance mode: %w", err)
		}
		if key == nil || value == nil {
			continue
		}
		on := strings.TrimSpace(*value) == "1"
		switch strings.ToLower(strings.TrimSpace(*key)) {
		case dataUpdateStop:
			m.DataUpdateStop = on
		case backyardExecuteStop:
			m.BackyardExecuteStop = on
		}
	}
	if err := rows.Err(); err != nil {
		return Mode{}, fmt.Errorf("maintenance mode: %w", err)
	}
	return m, nil
}

// Static always reports the same mode.
type Static Mode

func (s Static) Load(context.Context, *storage.DB) (Mode, error) { return Mode(s), nil }
