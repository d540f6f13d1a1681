package database

import (
	"fmt"
	"strings"
)

// PostgresDialect implements Dialect for PostgreSQL through the pgx stdlib driver.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string                 { return "postgres" }
func (d *PostgresDialect) DriverName() string           { return "pgx" }
func (d *PostgresDialect) DSN(dsn string) string        { return dsn }
func (d *PostgresDialect) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }

func (d *PostgresDialect) QuoteColumn(name string) string {
	switch name {
	case "offset":
		return `"` + name + `"`
	default:
		return name
	}
}

// Text drops NUL bytes and replaces invalid UTF-8, both of which PostgreSQL
// rejects in TEXT columns. The CSV file keeps the original bytes.
func (d *PostgresDialect) Text(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

func (d *PostgresDialect) CreateEventsTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS events (
		dedup_key TEXT PRIMARY KEY,
		ts_utc TEXT NOT NULL,
		host TEXT NOT NULL,
		filepath TEXT NOT NULL,
		source_id TEXT NOT NULL,
		category TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		line TEXT NOT NULL,
		line_offset BIGINT NOT NULL,
		fields TEXT
	)`
}

func (d *PostgresDialect) CreateCheckpointsTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS checkpoints (
		source_id TEXT PRIMARY KEY,
		"offset" BIGINT NOT NULL,
		size BIGINT NOT NULL,
		mod_time TEXT NOT NULL,
		head_hash TEXT NOT NULL,
		head_len INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`
}

func (d *PostgresDialect) CreateIndexSQL(indexName, tableName, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName, tableName, column)
}

func (d *PostgresDialect) InsertEventSQL() string {
	return "INSERT INTO events (" + strings.Join(EventColumns, ", ") + ") VALUES (" +
		placeholders(d, len(EventColumns)) + ") ON CONFLICT (dedup_key) DO NOTHING"
}

func (d *PostgresDialect) UpsertCheckpointSQL() string {
	return `INSERT INTO checkpoints (source_id, "offset", size, mod_time, head_hash, head_len, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id) DO UPDATE SET
			"offset" = EXCLUDED."offset",
			size = EXCLUDED.size,
			mod_time = EXCLUDED.mod_time,
			head_hash = EXCLUDED.head_hash,
			head_len = EXCLUDED.head_len,
			updated_at = EXCLUDED.updated_at`
}

func (d *PostgresDialect) MaintenanceSQL() []string {
	return []string{"ANALYZE events", "ANALYZE checkpoints"}
}
