package database

import (
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string                 { return "sqlite" }
func (d *SQLiteDialect) DriverName() string           { return "sqlite" }
func (d *SQLiteDialect) Placeholder(index int) string { return "?" }

// Text keeps the bytes as they are; SQLite stores any byte sequence as TEXT.
func (d *SQLiteDialect) Text(s string) string { return s }

// DSN enables WAL and a busy timeout unless the caller passed pragmas.
func (d *SQLiteDialect) DSN(dsn string) string {
	if strings.Contains(dsn, "_pragma") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func (d *SQLiteDialect) QuoteColumn(name string) string {
	if name == "offset" {
		return `"offset"`
	}
	return name
}

func (d *SQLiteDialect) CreateEventsTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS events (
		dedup_key TEXT PRIMARY KEY,
		ts_utc TEXT NOT NULL,
		host TEXT NOT NULL,
		filepath TEXT NOT NULL,
		source_id TEXT NOT NULL,
		category TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		line TEXT NOT NULL,
		line_offset INTEGER NOT NULL,
		fields TEXT
	)`
}

func (d *SQLiteDialect) CreateCheckpointsTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS checkpoints (
		source_id TEXT PRIMARY KEY,
		"offset" INTEGER NOT NULL,
		size INTEGER NOT NULL,
		mod_time TEXT NOT NULL,
		head_hash TEXT NOT NULL,
		head_len INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`
}

func (d *SQLiteDialect) CreateIndexSQL(indexName, tableName, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName, tableName, column)
}

func (d *SQLiteDialect) InsertEventSQL() string {
	return "INSERT INTO events (" + strings.Join(EventColumns, ", ") + ") VALUES (" +
		placeholders(d, len(EventColumns)) + ") ON CONFLICT (dedup_key) DO NOTHING"
}

func (d *SQLiteDialect) UpsertCheckpointSQL() string {
	return `INSERT INTO checkpoints (source_id, "offset", size, mod_time, head_hash, head_len, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			"offset" = excluded."offset",
			size = excluded.size,
			mod_time = excluded.mod_time,
			head_hash = excluded.head_hash,
			head_len = excluded.head_len,
			updated_at = excluded.updated_at`
}

func (d *SQLiteDialect) MaintenanceSQL() []string {
	return []string{"PRAGMA optimize", "ANALYZE", "VACUUM"}
}
