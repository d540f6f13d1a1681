package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/supporttools/log-sentinel/pkg/database"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// CSVHeader is the first row of the CSV file.
var CSVHeader = []string{"dedup_key", "ts_utc", "host", "filepath", "category", "rule_id", "line"}

// CSVSink appends events to a CSV file. The dedup keys already in the file
// are indexed at open so that replays append nothing.
type CSVSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	keys map[string]struct{}
}

// OpenCSVSink opens or creates path and indexes its dedup keys.
func OpenCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating csv directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening csv file %s: %w", path, err)
	}

	if err := dropTornRecord(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("repairing csv file %s: %w", path, err)
	}

	keys, err := loadKeys(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("indexing csv file %s: %w", path, err)
	}

	s := &CSVSink{path: path, file: f, keys: keys}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := s.appendRecords([][]string{CSVHeader}); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing csv header: %w", err)
		}
	}
	return s, nil
}

// dropTornRecord truncates a trailing record that was cut short before its
// newline, so that the next append starts on a fresh row. Recorded lines never
// contain a newline, so the last one in the file ends the last whole record.
func dropTornRecord(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil {
			return err
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			if chunk[i] != '\n' {
				continue
			}
			keep := start + int64(i) + 1
			if keep == size {
				return nil
			}
			return truncate(f, keep)
		}
		end = start
	}
	return truncate(f, 0)
}

func truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekStart)
	return err
}

func loadKeys(f *os.File) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	first := true
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == CSVHeader[0] {
				continue
			}
		}
		if len(record) > 0 && record[0] != "" {
			keys[record[0]] = struct{}{}
		}
	}
	return keys, nil
}

// Name implements Sink.
func (s *CSVSink) Name() string {
	return "csv"
}

// Write appends the events whose keys are not yet in the file and syncs it.
// On failure the file is truncated back to its previous size.
func (s *CSVSink) Write(ctx context.Context, events []types.Event) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, fmt.Errorf("csv sink is closed")
	}

	var (
		records [][]string
		added   []string
	)
	batch := make(map[string]struct{})
	for _, ev := range events {
		if _, ok := s.keys[ev.DedupKey]; ok {
			continue
		}
		if _, ok := batch[ev.DedupKey]; ok {
			continue
		}
		batch[ev.DedupKey] = struct{}{}
		added = append(added, ev.DedupKey)
		records = append(records, []string{
			ev.DedupKey,
			database.FormatTime(ev.Timestamp),
			ev.Host,
			ev.Path,
			string(ev.Category),
			ev.RuleID,
			ev.RawLine,
		})
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := s.appendRecords(records); err != nil {
		return 0, err
	}
	for _, k := range added {
		s.keys[k] = struct{}{}
	}
	return len(records), nil
}

func (s *CSVSink) appendRecords(records [][]string) error {
	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking csv file: %w", err)
	}

	w := csv.NewWriter(s.file)
	if err := w.WriteAll(records); err != nil {
		s.rollback(end)
		return fmt.Errorf("writing csv records: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback(end)
		return fmt.Errorf("syncing csv file: %w", err)
	}
	return nil
}

func (s *CSVSink) rollback(size int64) {
	if err := s.file.Truncate(size); err == nil {
		s.file.Seek(size, io.SeekStart)
	}
}

// Len returns the number of indexed dedup keys.
func (s *CSVSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Close closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
