// Package database opens the SQL database shared by the event store and the
// checkpoint store. Backend differences are isolated behind Dialect.
package database

// Dialect abstracts the SQL that differs between SQLite and PostgreSQL.
type Dialect interface {
	// Name is the configured driver name (sqlite or postgres).
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// DSN turns the configured dsn into the driver's connection string.
	DSN(dsn string) string

	// Placeholder returns the parameter placeholder for a 1-based index.
	Placeholder(index int) string

	// QuoteColumn quotes column names that are reserved words.
	QuoteColumn(name string) string

	// Text adapts a value bound to a TEXT column to what the backend accepts.
	Text(s string) string

	CreateEventsTableSQL() string
	CreateCheckpointsTableSQL() string
	CreateIndexSQL(indexName, tableName, column string) string

	// InsertEventSQL is an idempotent insert keyed by dedup_key.
	InsertEventSQL() string

	// UpsertCheckpointSQL replaces the checkpoint row of one source.
	UpsertCheckpointSQL() string

	// MaintenanceSQL lists the statements run by the daily maintenance job.
	MaintenanceSQL() []string
}

// placeholders returns "p1, p2, ..., pn" for the dialect.
func placeholders(d Dialect, n int) string {
	s := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			s += ", "
		}
		s += d.Placeholder(i)
	}
	return s
}

// EventColumns is the column order used by InsertEventSQL.
var EventColumns = []string{
	"dedup_key", "ts_utc", "host", "filepath", "source_id",
	"category", "rule_id", "line", "line_offset", "fields",
}

// EventIndexColumns are indexed on the events table.
var EventIndexColumns = []string{"ts_utc", "category", "source_id"}
