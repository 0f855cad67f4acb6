package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "jobmanager/pkg/logx"
)

// Defaults applied by Resolve when a field is omitted or zero.
const (
	DefaultPoolSize                 = 2
	DefaultWatchInterval            = time.Second
	DefaultDBReconnectInterval      = 30 * time.Second
	DefaultExceptionRestartInterval = 5 * time.Second
	DefaultMaxJobPerProcess         = 10
	DefaultQueueWatchInterval       = 3 * time.Second
	DefaultMaintenanceCheckInterval = 10 * time.Second
	DefaultJobCancelTimeout         = 3 * time.Second
	DefaultAcceptableMin            = 2 * time.Hour
	DefaultCleanUpSchedule          = "1h"
)

// Settings is the validated, typed view of Config.
type Settings struct {
	Logging  logx.Config
	Database DatabaseSettings

	PoolSize                 int
	WatchInterval            time.Duration
	DBReconnectInterval      time.Duration
	ExceptionRestartInterval time.Duration
	QueueWatchInterval       time.Duration
	MaintenanceCheckInterval time.Duration
	JobCancelTimeout         time.Duration
	MaxJobPerProcess         int
	QueueLoadRows            int

	// Acceptable is how long a worker accepts new jobs before rotation,
	// and also the grace period after which an overdue worker is killed.
	Acceptable time.Duration

	SharedDir       string
	CleanUpSchedule cron.Schedule
	CleanUpSpec     string

	Jobs []JobSettings // sorted by name
}

type DatabaseSettings struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	BusyTimeout     time.Duration
	ConnectTimeout  time.Duration
	WorkspaceSchema string
}

type JobSettings struct {
	Name             string
	Executor         string
	Timeout          time.Duration
	MaxJobPerProcess int
	Extra            json.RawMessage
}

// Job returns the settings of the named job type.
func (s *Settings) Job(name string) (JobSettings, bool) {
	for _, j := range s.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobSettings{}, false
}

// MaxJobTimeout returns the longest configured job timeout.
func (s *Settings) MaxJobTimeout() time.Duration {
	var m time.Duration
	for _, j := range s.Jobs {
		if j.Timeout > m {
			m = j.Timeout
		}
	}
	return m
}

// Resolve validates cfg and fills in defaults.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return nil, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	s := &Settings{
		Logging: logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			JSON:    cfg.Logging.JSON,
			File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		},
	}

	db, err := resolveDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	s.Database = db

	m := cfg.Manager
	s.PoolSize = m.PoolSize
	if s.PoolSize <= 0 {
		s.PoolSize = DefaultPoolSize
	}
	s.MaxJobPerProcess = m.MaxJobPerProcess
	if s.MaxJobPerProcess <= 0 {
		s.MaxJobPerProcess = DefaultMaxJobPerProcess
	}
	s.QueueLoadRows = m.QueueLoadRows
	if s.QueueLoadRows <= 0 {
		s.QueueLoadRows = s.MaxJobPerProcess * (s.PoolSize*2 + 1)
	}

	durations := []struct {
		path string
		raw  Duration
		def  time.Duration
		dst  *time.Duration
	}{
		{"manager.watch_interval", m.WatchInterval, DefaultWatchInterval, &s.WatchInterval},
		{"manager.db_reconnect_interval", m.DBReconnectInterval, DefaultDBReconnectInterval, &s.DBReconnectInterval},
		{"manager.exception_restart_interval", m.ExceptionRestartInterval, DefaultExceptionRestartInterval, &s.ExceptionRestartInterval},
		{"manager.queue_watch_interval", m.QueueWatchInterval, DefaultQueueWatchInterval, &s.QueueWatchInterval},
		{"manager.maintenance_check_interval", m.MaintenanceCheckInterval, DefaultMaintenanceCheckInterval, &s.MaintenanceCheckInterval},
		{"manager.job_cancel_timeout", m.JobCancelTimeout, DefaultJobCancelTimeout, &s.JobCancelTimeout},
	}
	for _, d := range durations {
		v, err := ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}
	acceptMin, err := ParseDurationOrDefault("manager.acceptable_min", m.AcceptableMin, DefaultAcceptableMin)
	if err != nil {
		return nil, err
	}

	s.SharedDir = strings.TrimSpace(m.SharedDir)
	if s.SharedDir == "" {
		s.SharedDir = os.TempDir()
	}

	s.CleanUpSpec = strings.TrimSpace(cfg.CleanUp.Schedule)
	if s.CleanUpSpec == "" {
		s.CleanUpSpec = DefaultCleanUpSchedule
	}
	if s.CleanUpSchedule, err = ParseSchedule(s.CleanUpSpec); err != nil {
		return nil, fmt.Errorf("cleanup.schedule: %w", err)
	}

	if len(cfg.Jobs) == 0 {
		return nil, fmt.Errorf("jobs: at least one job type is required")
	}
	for name, jc := range cfg.Jobs {
		js, err := resolveJob(name, jc)
		if err != nil {
			return nil, err
		}
		s.Jobs = append(s.Jobs, js)
	}
	sort.Slice(s.Jobs, func(i, j int) bool { return s.Jobs[i].Name < s.Jobs[j].Name })

	// A worker must never be rotated out before its longest job could finish.
	s.Acceptable = s.MaxJobTimeout() * 3 / 2
	if s.Acceptable < acceptMin {
		s.Acceptable = acceptMin
	}
	return s, nil
}

func resolveDatabase(c DatabaseConfig) (DatabaseSettings, error) {
	out := DatabaseSettings{
		Driver:          strings.ToLower(strings.TrimSpace(c.Driver)),
		DSN:             strings.TrimSpace(c.DSN),
		MaxOpenConns:    c.MaxOpenConns,
		WorkspaceSchema: strings.TrimSpace(c.WorkspaceSchema),
	}
	switch out.Driver {
	case "mysql", "postgres", "sqlite":
	case "postgresql":
		out.Driver = "postgres"
	case "sqlite3":
		out.Driver = "sqlite"
	case "":
		return out, fmt.Errorf("database.driver is required")
	default:
		return out, fmt.Errorf("database.driver: unknown driver %q", c.Driver)
	}
	if out.DSN == "" {
		return out, fmt.Errorf("database.dsn is required")
	}
	var err error
	if out.BusyTimeout, err = ParseDurationField("database.busy_timeout", c.BusyTimeout); err != nil {
		return out, err
	}
	if out.ConnectTimeout, err = ParseDurationOrDefault("database.connect_timeout", c.ConnectTimeout, 10*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func resolveJob(name string, jc JobConfig) (JobSettings, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return JobSettings{}, fmt.Errorf("jobs: empty job name")
	}
	path := "jobs." + name
	to, err := ParseDurationField(path+".timeout", jc.Timeout)
	if err != nil {
		return JobSettings{}, err
	}
	if to <= 0 {
		return JobSettings{}, fmt.Errorf("%s.timeout must be > 0", path)
	}
	if jc.MaxJobPerProcess <= 0 {
		return JobSettings{}, fmt.Errorf("%s.max_job_per_process must be > 0", path)
	}
	executor := strings.TrimSpace(jc.Executor)
	if executor == "" {
		executor = name
	}
	return JobSettings{
		Name:             name,
		Executor:         executor,
		Timeout:          to,
		MaxJobPerProcess: jc.MaxJobPerProcess,
		Extra:            jc.Extra,
	}, nil
}
