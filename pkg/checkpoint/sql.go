package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/supporttools/log-sentinel/pkg/database"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// SQLStore keeps checkpoints in the checkpoints table of the event database.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore uses an already opened database. Closing the store does not
// close the database.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) selectSQL(where bool) string {
	d := s.db.Dialect()
	q := "SELECT source_id, " + d.QuoteColumn("offset") + ", size, mod_time, head_hash, head_len, updated_at FROM checkpoints"
	if where {
		q += " WHERE source_id = " + d.Placeholder(1)
	}
	return q
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (types.Checkpoint, error) {
	var (
		cp        types.Checkpoint
		modTime   string
		updatedAt string
	)
	err := row.Scan(&cp.SourceID, &cp.Offset, &cp.Fingerprint.Size, &modTime,
		&cp.Fingerprint.HeadHash, &cp.Fingerprint.HeadLen, &updatedAt)
	if err != nil {
		return cp, err
	}
	if cp.Fingerprint.ModTime, err = database.ParseTime(modTime); err != nil {
		return cp, fmt.Errorf("invalid mod_time for %s: %w", cp.SourceID, err)
	}
	if cp.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return cp, fmt.Errorf("invalid updated_at for %s: %w", cp.SourceID, err)
	}
	return cp, nil
}

// Load returns the checkpoint for sourceID or nil.
func (s *SQLStore) Load(ctx context.Context, sourceID string) (*types.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.Conn().QueryRowContext(ctx, s.selectSQL(true), sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", sourceID, err)
	}
	return &cp, nil
}

// LoadAll returns every stored checkpoint keyed by source id.
func (s *SQLStore) LoadAll(ctx context.Context) (map[string]types.Checkpoint, error) {
	rows, err := s.db.Conn().QueryContext(ctx, s.selectSQL(false))
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.Checkpoint)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out[cp.SourceID] = cp
	}
	return out, rows.Err()
}

// Save upserts the checkpoint inside a transaction.
func (s *SQLStore) Save(ctx context.Context, cp types.Checkpoint) error {
	if cp.SourceID == "" {
		return fmt.Errorf("checkpoint has no source id")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.db.Dialect().UpsertCheckpointSQL(),
		cp.SourceID, cp.Offset, cp.Fingerprint.Size, database.FormatTime(cp.Fingerprint.ModTime),
		cp.Fingerprint.HeadHash, cp.Fingerprint.HeadLen, database.FormatTime(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.SourceID, err)
	}
	return tx.Commit()
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLStore) Close() error {
	return nil
}
