package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration of the job manager (JSON or YAML).
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Database DatabaseConfig `json:"database"`
	Manager  ManagerConfig  `json:"manager"`
	CleanUp  CleanUpConfig  `json:"cleanup"`

	// Jobs maps a job name (the JOB_NAME column of queue rows) to its settings.
	Jobs map[string]JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DatabaseConfig selects the driver and connection used by every worker.
//
// Example:
//
//	"database": { "driver": "mysql", "dsn": "ita:secret@tcp(db:3306)/ITA_DB" }
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql | postgres | sqlite
	DSN    string `json:"dsn"`

	MaxOpenConns int `json:"max_open_conns,omitempty"`
	// BusyTimeout applies to sqlite only.
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
	// ConnectTimeout bounds a single connect+ping attempt.
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`

	// WorkspaceSchema maps (organization, workspace) to the schema holding
	// tenant tables. Placeholders: {organization_id}, {workspace_id}.
	// Empty means tenant tables live in the connection's default schema.
	WorkspaceSchema string `json:"workspace_schema,omitempty"`
}

// ManagerConfig controls the supervisor and its worker pool.
//
// Durations are Go duration strings ("500ms", "10s", "1m") or numbers of
// seconds.
// Zero or omitted fields fall back to the defaults in settings.go.
type ManagerConfig struct {
	PoolSize int `json:"pool_size,omitempty"`

	WatchInterval            Duration `json:"watch_interval,omitempty"`
	DBReconnectInterval      Duration `json:"db_reconnect_interval,omitempty"`
	ExceptionRestartInterval Duration `json:"exception_restart_interval,omitempty"`
	QueueWatchInterval       Duration `json:"queue_watch_interval,omitempty"`
	MaintenanceCheckInterval Duration `json:"maintenance_check_interval,omitempty"`
	JobCancelTimeout         Duration `json:"job_cancel_timeout,omitempty"`

	MaxJobPerProcess int `json:"max_job_per_process,omitempty"`
	QueueLoadRows    int `json:"queue_load_rows,omitempty"`

	// AcceptableMin is the lower bound of a worker's rotation window.
	AcceptableMin Duration `json:"acceptable_min,omitempty"`

	// SharedDir holds the clean-up shared memory file. Defaults to os.TempDir().
	SharedDir string `json:"shared_dir,omitempty"`
}

// CleanUpConfig controls the periodic orphaned-job sweep.
type CleanUpConfig struct {
	// Schedule accepts a duration ("1h"), HH:MM ("01:00") or a cron expression.
	Schedule string `json:"schedule,omitempty"`
}

// JobConfig is the static configuration of one job type.
type JobConfig struct {
	// Executor names the registered executor. Defaults to the job name.
	Executor string `json:"executor,omitempty"`
	// Timeout is required.
	Timeout          Duration        `json:"timeout"`
	MaxJobPerProcess int             `json:"max_job_per_process"`
	Extra            json.RawMessage `json:"extra,omitempty"`
}

// UnmarshalJSON disallows unknown fields inside a job entry so a typo
// like "timout" is caught at load time.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type tmp JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*j = JobConfig(t)
	return nil
}
