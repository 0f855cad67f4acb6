// Package storage opens the relational database the job manager polls.
//
// Supported drivers:
//   - mysql (github.com/go-sql-driver/mysql)
//   - postgres (github.com/lib/pq)
//   - sqlite (modernc.org/sqlite), for single-host deployments and tests
//
// A Dialect hides placeholder style, identifier quoting, NOWAIT row locks
// and view discovery so job executors can write one query per concern.
package storage
