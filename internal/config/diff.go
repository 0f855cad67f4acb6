package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobmanager/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and safe log attrs.
// The database DSN is never logged; only whether it changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 8)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Database, newCfg.Database) {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.String("database.driver", newCfg.Database.Driver),
			logx.Bool("database.dsn_changed", strings.TrimSpace(oldCfg.Database.DSN) != strings.TrimSpace(newCfg.Database.DSN)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Manager, newCfg.Manager) {
		changed = append(changed, "manager")
		attrs = append(attrs, logx.Int("manager.pool_size", newCfg.Manager.PoolSize))
	}
	if oldCfg.CleanUp != newCfg.CleanUp {
		changed = append(changed, "cleanup")
		attrs = append(attrs, logx.String("cleanup.schedule", newCfg.CleanUp.Schedule))
	}
	if jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs); len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.String("jobs.changed", strings.Join(jobs, ",")))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any changed section is only read at startup.
func RestartRequired(changed []string) bool {
	for _, c := range changed {
		if c != "logging" {
			return true
		}
	}
	return false
}

func diffJobs(oldM, newM map[string]JobConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
