// Package source reads newly appended lines from local and remote log files.
//
// A Reader never persists anything. It receives the last committed checkpoint,
// detects rotation through the file fingerprint and returns the complete lines
// written since, together with the checkpoint that should be committed once
// those lines are durably stored.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/supporttools/log-sentinel/pkg/types"
)

const readChunkSize = 64 * 1024

// Line is one complete line and the byte offset where it starts.
type Line struct {
	Offset int64
	Text   string
}

// ReadResult holds the lines read in one call and the checkpoint positioned
// just after the last complete line.
type ReadResult struct {
	Lines      []Line
	Checkpoint types.Checkpoint
	Rotated    bool
}

// Reader reads new lines from one source.
type Reader interface {
	Source() types.LogSource
	ReadNew(ctx context.Context, checkpoint *types.Checkpoint) (ReadResult, error)
	Close() error
}

// Options tune how much data a single read may consume.
type Options struct {
	MaxReadBytes int64
}

func (o Options) maxReadBytes() int64 {
	if o.MaxReadBytes <= 0 {
		return types.DefaultMaxReadBytes
	}
	return o.MaxReadBytes
}

type logFile interface {
	io.Reader
	io.Seeker
	io.Closer
}

// fileSystem is the byte-fetch layer shared by local and SFTP readers.
type fileSystem interface {
	Stat(path string) (os.FileInfo, error)
	Open(path string) (logFile, error)
}

func unavailable(sourceID, op string, err error) error {
	return &types.SourceUnavailableError{SourceID: sourceID, Op: op, Err: err}
}

// readNew implements the offset and rotation handling common to every
// reader. It returns only whole newline-terminated lines; a trailing partial
// line is left for the next call.
func readNew(ctx context.Context, fsys fileSystem, src types.LogSource, prev *types.Checkpoint, opts Options) (ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadResult{}, unavailable(src.ID, "read", err)
	}

	info, err := fsys.Stat(src.Path)
	if err != nil {
		return ReadResult{}, unavailable(src.ID, "stat", err)
	}
	if info.IsDir() {
		return ReadResult{}, unavailable(src.ID, "stat", fmt.Errorf("%s is a directory: %w", src.Path, os.ErrInvalid))
	}

	f, err := fsys.Open(src.Path)
	if err != nil {
		return ReadResult{}, unavailable(src.ID, "open", err)
	}
	defer f.Close()

	head, err := readHead(f)
	if err != nil {
		return ReadResult{}, unavailable(src.ID, "read", err)
	}
	current := newFingerprint(info, head)

	offset := int64(0)
	rotated := false
	if prev != nil {
		offset = prev.Offset
		if hasRotated(prev, current, head) {
			offset = 0
			rotated = true
		}
	}

	result := ReadResult{
		Rotated: rotated,
		Checkpoint: types.Checkpoint{
			SourceID:    src.ID,
			Offset:      offset,
			Fingerprint: current,
		},
	}
	if offset >= current.Size {
		return result, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ReadResult{}, unavailable(src.ID, "seek", err)
	}

	budget := opts.maxReadBytes()
	if remaining := current.Size - offset; remaining < budget {
		budget = remaining
	}
	data, err := readLimited(ctx, f, budget)
	if err != nil {
		return ReadResult{}, unavailable(src.ID, "read", err)
	}

	lines, consumed := splitLines(data, offset, int64(len(data)) >= opts.maxReadBytes())
	result.Lines = lines
	result.Checkpoint.Offset = offset + consumed
	return result, nil
}

// readLimited reads up to limit bytes, checking ctx between chunks.
func readLimited(ctx context.Context, r io.Reader, limit int64) ([]byte, error) {
	buf := make([]byte, 0, minInt64(limit, readChunkSize))
	chunk := make([]byte, minInt64(limit, readChunkSize))
	for int64(len(buf)) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		want := minInt64(limit-int64(len(buf)), int64(len(chunk)))
		n, err := r.Read(chunk[:want])
		buf = append(buf, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// splitLines cuts data into complete lines starting at base. When the read
// filled the whole budget without a single newline the chunk is emitted as
// one line so that an over-long line cannot stall the source forever.
func splitLines(data []byte, base int64, budgetExhausted bool) ([]Line, int64) {
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		if budgetExhausted && len(data) > 0 {
			return []Line{{Offset: base, Text: trimCR(data)}}, int64(len(data))
		}
		return nil, 0
	}

	complete := data[:end+1]
	lines := make([]Line, 0, bytes.Count(complete, []byte{'\n'}))
	start := 0
	for start < len(complete) {
		i := bytes.IndexByte(complete[start:], '\n')
		lines = append(lines, Line{
			Offset: base + int64(start),
			Text:   trimCR(complete[start : start+i]),
		})
		start += i + 1
	}
	return lines, int64(len(complete))
}

func trimCR(b []byte) string {
	return string(bytes.TrimSuffix(b, []byte{'\r'}))
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
