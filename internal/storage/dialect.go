package storage

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between supported drivers.
type Dialect struct {
	Name string

	dollar     bool   // $1..$n placeholders
	quote      byte   // identifier quote
	lockNoWait string // row lock clause, "" when the driver locks at BEGIN
	viewQuery  string // schemas exposing a view; one '?' for the view name
}

var (
	MySQL = Dialect{
		Name:       "mysql",
		quote:      '`',
		lockNoWait: " FOR UPDATE NOWAIT",
		viewQuery:  "SELECT TABLE_SCHEMA FROM INFORMATION_SCHEMA.VIEWS WHERE TABLE_NAME = ?",
	}
	Postgres = Dialect{
		Name:       "postgres",
		dollar:     true,
		quote:      '"',
		lockNoWait: " FOR UPDATE NOWAIT",
		viewQuery:  "SELECT table_schema FROM information_schema.views WHERE upper(table_name) = upper(?)",
	}
	// SQLite has no row locks; the sqlite driver begins transactions
	// IMMEDIATE with a zero busy timeout, so a competing writer fails fast.
	SQLite = Dialect{
		Name:      "sqlite",
		quote:     '"',
		viewQuery: "SELECT 'main' FROM sqlite_master WHERE type = 'view' AND name = ?",
	}
)

// DialectFor returns the dialect of a driver name.
func DialectFor(driver string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return MySQL, true
	case "postgres", "postgresql":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	default:
		return Dialect{}, false
	}
}

// Rebind rewrites '?' placeholders to $n for postgres. Question marks inside
// single-quoted literals are left alone.
func (d Dialect) Rebind(q string) string {
	if !d.dollar || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	q := string(d.quote)
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

// Qualify prefixes table with a quoted schema. An empty schema, or sqlite's
// "main", yields the bare table name.
func (d Dialect) Qualify(schema, table string) string {
	if schema == "" || (d.Name == SQLite.Name && schema == "main") {
		return table
	}
	return d.Quote(schema) + "." + table
}

// LockNoWait is appended to a SELECT to take a non-blocking row lock.
func (d Dialect) LockNoWait() string { return d.lockNoWait }

// ViewSchemasQuery lists the schemas that define a view (bound with Rebind).
func (d Dialect) ViewSchemasQuery() string { return d.Rebind(d.viewQuery) }
