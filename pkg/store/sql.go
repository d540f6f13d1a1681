package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/supporttools/log-sentinel/pkg/database"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// SQLSink writes events to the events table.
type SQLSink struct {
	db *database.DB
}

// NewSQLSink uses an open database; the sink does not own it.
func NewSQLSink(db *database.DB) *SQLSink {
	return &SQLSink{db: db}
}

// Name implements Sink.
func (s *SQLSink) Name() string {
	return "sql"
}

// Write inserts events in one transaction. Rows whose dedup_key already
// exists are skipped; the returned count covers new rows only.
func (s *SQLSink) Write(ctx context.Context, events []types.Event) (int, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.db.Dialect().InsertEventSQL())
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	d := s.db.Dialect()
	inserted := 0
	for _, ev := range events {
		fields, err := encodeFields(ev.Fields)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx,
			ev.DedupKey, database.FormatTime(ev.Timestamp), d.Text(ev.Host), d.Text(ev.Path), d.Text(ev.SourceID),
			string(ev.Category), ev.RuleID, d.Text(ev.RawLine), ev.Offset, fields)
		if err != nil {
			return 0, fmt.Errorf("inserting event %s: %w", ev.DedupKey, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing events: %w", err)
	}
	return inserted, nil
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLSink) Close() error {
	return nil
}

// Query returns stored events matching filter, newest first.
func (s *SQLSink) Query(ctx context.Context, filter Filter) ([]types.Event, error) {
	d := s.db.Dialect()
	var (
		conds []string
		args  []interface{}
	)
	where := func(cond string, value interface{}) {
		args = append(args, value)
		conds = append(conds, cond+" "+d.Placeholder(len(args)))
	}
	if filter.Category != "" {
		where("category =", string(filter.Category))
	}
	if filter.SourceID != "" {
		where("source_id =", filter.SourceID)
	}
	if !filter.Since.IsZero() {
		where("ts_utc >=", database.FormatTime(filter.Since))
	}

	query := "SELECT " + strings.Join(database.EventColumns, ", ") + " FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts_utc DESC, line_offset DESC LIMIT " + strconv.Itoa(filter.limit())

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var (
			ev       types.Event
			ts       string
			category string
			fields   *string
		)
		if err := rows.Scan(&ev.DedupKey, &ts, &ev.Host, &ev.Path, &ev.SourceID,
			&category, &ev.RuleID, &ev.RawLine, &ev.Offset, &fields); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Category = types.Category(category)
		if ev.Timestamp, err = database.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("invalid timestamp on event %s: %w", ev.DedupKey, err)
		}
		if fields != nil && *fields != "" {
			if err := json.Unmarshal([]byte(*fields), &ev.Fields); err != nil {
				return nil, fmt.Errorf("invalid fields on event %s: %w", ev.DedupKey, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func encodeFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding fields: %w", err)
	}
	return string(data), nil
}
