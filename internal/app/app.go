// Package app wires configuration, logging and the job registry into the
// supervisor and worker processes.
package app

import (
	"context"
	"fmt"
	"strings"

	"jobmanager/internal/config"
	"jobmanager/internal/job"
	"jobmanager/internal/jobs/historyjob"
	"jobmanager/internal/jobs/testjob"
	"jobmanager/internal/runtime/routine"
	logx "jobmanager/pkg/logx"
)

// Registry returns every executor compiled into the binary.
func Registry() *job.Registry {
	schemas := job.NewSchemaFinder(0)
	reg := job.NewRegistry()
	reg.MustRegister(testjob.Name, testjob.New(schemas))
	reg.MustRegister(historyjob.Executor, historyjob.New(schemas, nil))
	return reg
}

type App struct {
	cfgm     *config.ConfigManager
	cfg      *config.Config
	settings *config.Settings
	catalog  *job.Catalog

	logs *logx.Service
	log  logx.Logger
}

// New loads the config file and builds the job catalog. A config naming an
// executor the binary lacks is rejected here and on every reload.
func New(cfgPath string, reg *job.Registry) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		s, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		_, err = job.CatalogFromSettings(reg, s)
		return err
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := job.CatalogFromSettings(reg, settings)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(settings.Logging)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	return &App{cfgm: cfgm, cfg: cfg, settings: settings, catalog: catalog, logs: logs, log: log}, nil
}

func (a *App) Settings() *config.Settings { return a.settings }
func (a *App) Catalog() *job.Catalog      { return a.catalog }
func (a *App) Logger() logx.Logger        { return a.log }

func (a *App) Close() error { return a.logs.Close() }

// watchConfig hot-applies the logging section. Other sections are read
// once per process; a change is only reported.
func (a *App) watchConfig(g *routine.Group) {
	sub := a.cfgm.Subscribe(8)
	g.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
			coalesce:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						break coalesce
					}
				}
				a.apply(last, cfg)
				last = cfg
			}
		}
	})
	g.GoRestart("config.watch", 0, a.cfgm.Watch)
}

func (a *App) apply(last, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(last, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	s, err := config.Resolve(cfg)
	if err != nil {
		a.log.Warn("reloaded config rejected", logx.Err(err))
		return
	}
	a.logs.Apply(s.Logging)
	if config.RestartRequired(sections) {
		a.log.Warn("config change takes effect after restart", logx.String("changed", strings.Join(sections, ",")))
	}
}
