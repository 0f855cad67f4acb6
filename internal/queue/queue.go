// Package queue loads ready job rows across tenants and hands them out in
// fairness order.
package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"jobmanager/internal/job"
	"jobmanager/internal/storage"
	logx "jobmanager/pkg/logx"
)

// Load is the view of the running jobs that selection depends on.
type Load interface {
	StartableJobNames() []string
	CountByOrganization() map[string]int
}

// Queue holds one polled batch of ready rows.
type Queue struct {
	catalog *job.Catalog
	limit   int
	log     logx.Logger
	shuffle func(n int, swap func(i, j int))

	rows []job.QueueRow
}

func New(catalog *job.Catalog, loadRows int, log logx.Logger) *Queue {
	return &Queue{catalog: catalog, limit: loadRows, log: log, shuffle: rand.Shuffle}
}

// Len returns the number of rows left in the batch.
func (q *Queue) Len() int { return len(q.rows) }

// Statement builds the union over the ready queries of the startable job
// types, oldest first and capped at the load limit. It returns "" when no
// job type has anything to poll.
func (q *Queue) Statement(ctx context.Context, db *storage.DB, startable []string) (string, error) {
	var parts []string
	for _, name := range startable {
		def, ok := q.catalog.Lookup(name)
		if !ok {
			continue
		}
		stmt, err := def.Type.QueueQuery(ctx, db, def.Config)
		if err != nil {
			return "", fmt.Errorf("queue query %s: %w", name, err)
		}
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			parts = append(parts, stmt)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	sql := "SELECT * FROM (" + strings.Join(parts, " UNION ALL ") + ") IV ORDER BY IV.LAST_UPDATE_TIMESTAMP"
	if q.limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.limit)
	}
	return sql, nil
}

// Query replaces the batch with the rows currently ready for the startable
// job types.
func (q *Queue) Query(ctx context.Context, db *storage.DB, startable []string) error {
	q.rows = q.rows[:0]
	stmt, err := q.Statement(ctx, db, startable)
	if err != nil || stmt == "" {
		return err
	}

	rs, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	idx := map[string]int{}
	for i, c := range cols {
		idx[strings.ToUpper(c)] = i
	}
	for _, want := range []string{"ORGANIZATION_ID", "WORKSPACE_ID", "JOB_KEY", "LAST_UPDATE_TIMESTAMP", "JOB_NAME"} {
		if _, ok := idx[want]; !ok {
			return fmt.Errorf("queue: column %s missing from ready view", want)
		}
	}

	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return fmt.Errorf("queue: scan: %w", err)
		}
		ts, err := job.ParseTimestamp(vals[idx["LAST_UPDATE_TIMESTAMP"]])
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		q.rows = append(q.rows, job.QueueRow{
			OrganizationID: text(vals[idx["ORGANIZATION_ID"]]),
			WorkspaceID:    text(vals[idx["WORKSPACE_ID"]]),
			JobName:        text(vals[idx["JOB_NAME"]]),
			JobKey:         text(vals[idx["JOB_KEY"]]),
			QueueTime:      ts,
		})
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	q.shuffle(len(q.rows), func(i, j int) { q.rows[i], q.rows[j] = q.rows[j], q.rows[i] })
	if len(q.rows) > 0 {
		q.log.Debug("queue loaded", logx.Int("rows", len(q.rows)))
	}
	return nil
}

// Pop removes and returns the next row to start. Rows of job types that are
// no longer startable are dropped. Organizations with fewer running jobs
// go first, then older rows. ok is false once nothing startable is left.
func (q *Queue) Pop(load Load) (row job.QueueRow, ok bool) {
	startable := load.StartableJobNames()
	q.rows = slices.DeleteFunc(q.rows, func(r job.QueueRow) bool {
		return !slices.Contains(startable, r.JobName)
	})
	if len(q.rows) == 0 {
		return job.QueueRow{}, false
	}

	running := load.CountByOrganization()
	slices.SortStableFunc(q.rows, func(a, b job.QueueRow) int {
		if d := running[a.OrganizationID] - running[b.OrganizationID]; d != 0 {
			return d
		}
		return a.QueueTime.Compare(b.QueueTime)
	})
	row = q.rows[0]
	q.rows = slices.Delete(q.rows, 0, 1)
	return row, true
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
