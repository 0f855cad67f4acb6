package job

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

// QueueRow is one schedulable unit of work read from a tenant ready view.
// It is never mutated after construction.
type QueueRow struct {
	OrganizationID string
	WorkspaceID    string // empty for tenant-independent jobs
	JobName        string
	JobKey         string
	QueueTime      time.Time
}

// LogPrefix renders "[JOB=..][ORG=..][WS=..][KEY=..]"; ORG and WS are
// omitted when empty.
func (r QueueRow) LogPrefix() string {
	var b strings.Builder
	b.WriteString("[JOB=")
	b.WriteString(r.JobName)
	b.WriteString("]")
	if r.OrganizationID != "" {
		b.WriteString("[ORG=")
		b.WriteString(r.OrganizationID)
		b.WriteString("]")
	}
	if r.WorkspaceID != "" {
		b.WriteString("[WS=")
		b.WriteString(r.WorkspaceID)
		b.WriteString("]")
	}
	b.WriteString("[KEY=")
	b.WriteString(r.JobKey)
	b.WriteString("]")
	return b.String()
}

// Logger derives a logger carrying the row's identity.
func (r QueueRow) Logger(log logx.Logger) Logger {
	return Logger{
		prefix: r.LogPrefix(),
		log: log.With(
			logx.String("job", r.JobName),
			logx.String("org", r.OrganizationID),
			logx.String("ws", r.WorkspaceID),
			logx.String("key", r.JobKey),
		),
	}
}

// Config is the static configuration of one job type.
type Config struct {
	Name             string
	Executor         string
	Timeout          time.Duration
	MaxJobPerProcess int
	Extra            json.RawMessage
}

// DecodeExtra unmarshals the executor specific settings into v.
// A missing extra block leaves v untouched.
func (c Config) DecodeExtra(v any) error {
	if len(c.Extra) == 0 || string(c.Extra) == "null" {
		return nil
	}
	return json.Unmarshal(c.Extra, v)
}

// Type is the job-type level half of an executor: it knows how to find
// ready rows, how to build an Executor for one row, and how to reconcile
// rows left behind by crashed workers.
type Type interface {
	// QueueQuery returns a SELECT producing ORGANIZATION_ID, WORKSPACE_ID,
	// JOB_KEY, LAST_UPDATE_TIMESTAMP and JOB_NAME, or "" when there is
	// nothing to poll.
	QueueQuery(ctx context.Context, db *storage.DB, cfg Config) (string, error)

	New(row QueueRow, cfg Config, log Logger) (Executor, error)

	// CleanUp runs periodically on the elected worker. It must return
	// promptly once ctx is done (cause ErrJobTerminate).
	CleanUp(ctx context.Context, db *storage.DB, cfg Config, log logx.Logger) error
}

// Executor runs a single job instance.
type Executor interface {
	// UpdateQueueToStart takes a non-blocking row lock on the tenant row
	// and flips it to running. false means another worker owns it.
	UpdateQueueToStart(ctx context.Context, db *storage.DB) (bool, error)

	// Execute must unwind promptly once ctx is done (cause ErrJobTimeout).
	Execute(ctx context.Context, db *storage.DB) error

	// Cancel applies the compensating status change. It must be
	// idempotent and must not overwrite a terminal status.
	Cancel(ctx context.Context, db *storage.DB) error
}
