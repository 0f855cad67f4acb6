package job

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"jobmanager/internal/storage"
)

// SchemaFinder discovers which tenant schemas expose a ready view.
// Results are cached briefly; new workspaces appear within one TTL.
type SchemaFinder struct {
	cache *gocache.Cache
}

func NewSchemaFinder(ttl time.Duration) *SchemaFinder {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SchemaFinder{cache: gocache.New(ttl, 2*ttl)}
}

// ViewSchemas returns the schemas defining view.
func (f *SchemaFinder) ViewSchemas(ctx context.Context, db *storage.DB, view string) ([]string, error) {
	key := db.Dialect.Name + "/" + view
	if v, ok := f.cache.Get(key); ok {
		return v.([]string), nil
	}

	rows, err := db.QueryContext(ctx, db.Dialect.ViewSchemasQuery(), view)
	if err != nil {
		return nil, fmt.Errorf("view schemas %s: %w", view, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	f.cache.SetDefault(key, out)
	return out, nil
}

// Forget drops cached discoveries, e.g. after a reconnect.
func (f *SchemaFinder) Forget() { f.cache.Flush() }

// ViewUnion builds the per-schema UNION ALL over a ready view, tagging
// every row with jobName. It returns "" when schemas is empty.
//
// The view must expose ORGANIZATION_ID, WORKSPACE_ID, JOB_KEY and
// LAST_UPDATE_TIMESTAMP.
func ViewUnion(db *storage.DB, schemas []string, view, jobName string) string {
	if len(schemas) == 0 {
		return ""
	}
	parts := make([]string, 0, len(schemas))
	for _, s := range schemas {
		parts = append(parts, fmt.Sprintf(
			"SELECT ORGANIZATION_ID, WORKSPACE_ID, JOB_KEY, LAST_UPDATE_TIMESTAMP, '%s' AS JOB_NAME FROM %s",
			strings.ReplaceAll(jobName, "'", "''"), db.Dialect.Qualify(s, view)))
	}
	return strings.Join(parts, " UNION ALL ")
}
