package job

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"jobmanager/internal/config"
)

// Registry maps executor names to job types. It is filled once at startup.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

func NewRegistry() *Registry {
	return &Registry{types: map[string]Type{}}
}

func (r *Registry) Register(name string, t Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, name)
	}
	r.types[name] = t
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(name string, t Type) {
	if err := r.Register(name, t); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for n := range r.types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Definition binds a configured job name to its executor type.
type Definition struct {
	Config Config
	Type   Type
}

// Catalog is the immutable set of job types a worker serves.
type Catalog struct {
	defs   []Definition
	byName map[string]int
}

// NewCatalog resolves every configured job against the registry.
func NewCatalog(reg *Registry, cfgs []Config) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]int, len(cfgs))}
	for _, cfg := range cfgs {
		t, ok := reg.Lookup(cfg.Executor)
		if !ok {
			return nil, fmt.Errorf("%w: %q (job %s)", ErrUnknownExecutor, cfg.Executor, cfg.Name)
		}
		if _, dup := c.byName[cfg.Name]; dup {
			return nil, fmt.Errorf("job %s configured twice", cfg.Name)
		}
		c.byName[cfg.Name] = len(c.defs)
		c.defs = append(c.defs, Definition{Config: cfg, Type: t})
	}
	sort.SliceStable(c.defs, func(i, j int) bool { return c.defs[i].Config.Name < c.defs[j].Config.Name })
	for i, d := range c.defs {
		c.byName[d.Config.Name] = i
	}
	return c, nil
}

// CatalogFromSettings converts resolved settings into a catalog.
func CatalogFromSettings(reg *Registry, s *config.Settings) (*Catalog, error) {
	cfgs := make([]Config, 0, len(s.Jobs))
	for _, j := range s.Jobs {
		cfgs = append(cfgs, Config{
			Name:             j.Name,
			Executor:         j.Executor,
			Timeout:          j.Timeout,
			MaxJobPerProcess: j.MaxJobPerProcess,
			Extra:            j.Extra,
		})
	}
	return NewCatalog(reg, cfgs)
}

func (c *Catalog) Lookup(name string) (Definition, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// Definitions returns the job types sorted by name.
func (c *Catalog) Definitions() []Definition {
	return append([]Definition(nil), c.defs...)
}

func (c *Catalog) Names() []string {
	out := make([]string, len(c.defs))
	for i, d := range c.defs {
		out[i] = d.Config.Name
	}
	return out
}

func (c *Catalog) MaxTimeout() time.Duration {
	var m time.Duration
	for _, d := range c.defs {
		m = max(m, d.Config.Timeout)
	}
	return m
}
