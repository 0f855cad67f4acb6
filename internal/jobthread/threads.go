package jobthread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobmanager/internal/job"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

// Options tune the job threads of one worker.
type Options struct {
	// CancelTimeout bounds a job's compensating Cancel before it is
	// reported as CANCELLATION_TIMEOUT.
	CancelTimeout time.Duration
	// PollInterval is how often Terminate re-checks and re-signals.
	PollInterval time.Duration
	Now          func() time.Time
	Logger       logx.Logger

	limited *logx.Limited
}

func (o *Options) defaults() {
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = 3 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.limited = logx.NewLimited(o.Logger, 10*time.Second, 5)
}

// Threads is the set of jobs a worker is running. The worker's main loop
// drives it through Tick; it never blocks on a job.
type Threads struct {
	catalog *job.Catalog
	opts    Options
	log     logx.Logger

	mu      sync.Mutex
	threads []*Thread
}

func New(catalog *job.Catalog, opts Options) *Threads {
	opts.defaults()
	return &Threads{catalog: catalog, opts: opts, log: opts.Logger}
}

// Prepare builds a thread for row without starting it.
func (ts *Threads) Prepare(row job.QueueRow) (*Thread, error) {
	def, ok := ts.catalog.Lookup(row.JobName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrUnknownJob, row.JobName)
	}
	log := row.Logger(ts.log)
	ex, err := def.Type.New(row, def.Config, log)
	if err != nil {
		return nil, fmt.Errorf("job %s: new executor: %w", row.JobName, err)
	}
	return newThread(def, row, ex, log, &ts.opts), nil
}

// Start runs th and takes ownership of it.
func (ts *Threads) Start(th *Thread, db *storage.DB) {
	th.Run(db)
	ts.mu.Lock()
	ts.threads = append(ts.threads, th)
	ts.mu.Unlock()
}

// Tick drops finished threads, cancels timed-out ones and re-signals those
// whose cancellation overran.
func (ts *Threads) Tick() {
	for _, th := range ts.prune() {
		switch th.Status() {
		case Timeout:
			ts.log.Warn(th.row.LogPrefix()+" job timeout, cancelling", logx.Duration("timeout", th.cfg.Timeout))
			th.Cancel()
		case CancellationTimeout:
			th.Resignal()
		}
	}
}

func (ts *Threads) prune() []*Thread {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	kept := ts.threads[:0]
	for _, th := range ts.threads {
		if !th.IsErasable() {
			kept = append(kept, th)
		}
	}
	for i := len(kept); i < len(ts.threads); i++ {
		ts.threads[i] = nil
	}
	ts.threads = kept
	return append([]*Thread(nil), kept...)
}

func (ts *Threads) snapshot() []*Thread {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]*Thread(nil), ts.threads...)
}

// CancelAll starts cancellation of every RUNNING or TIMEOUT job and
// returns without waiting.
func (ts *Threads) CancelAll() {
	for _, th := range ts.snapshot() {
		switch th.Status() {
		case Running, Timeout:
			th.Cancel()
		}
	}
}

// Terminate cancels everything and blocks until no job goroutine is left or
// ctx ends. A compensating Cancel is re-signalled only after it overran the
// cancel timeout.
func (ts *Threads) Terminate(ctx context.Context) error {
	t := time.NewTicker(ts.opts.PollInterval)
	defer t.Stop()
	for {
		for _, th := range ts.prune() {
			switch th.Status() {
			case Running, Timeout:
				th.Cancel()
			case CancellationTimeout:
				th.Resignal()
			}
		}
		if ts.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Count returns the number of jobs not yet erased.
func (ts *Threads) Count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.threads)
}

func (ts *Threads) CountByName(name string) int {
	n := 0
	for _, th := range ts.snapshot() {
		if th.JobName() == name {
			n++
		}
	}
	return n
}

// CountByOrganization groups live jobs by organization id.
func (ts *Threads) CountByOrganization() map[string]int {
	out := map[string]int{}
	for _, th := range ts.snapshot() {
		out[th.Organization()]++
	}
	return out
}

// StartableJobNames lists the job types below their per-process ceiling.
func (ts *Threads) StartableJobNames() []string {
	byName := map[string]int{}
	for _, th := range ts.snapshot() {
		byName[th.JobName()]++
	}
	var out []string
	for _, d := range ts.catalog.Definitions() {
		if d.Config.MaxJobPerProcess-byName[d.Config.Name] >= 1 {
			out = append(out, d.Config.Name)
		}
	}
	return out
}

// Statuses reports the state of every live job, keyed by thread id.
func (ts *Threads) Statuses() map[string]Status {
	out := map[string]Status{}
	for _, th := range ts.snapshot() {
		out[th.ID()] = th.Status()
	}
	return out
}
