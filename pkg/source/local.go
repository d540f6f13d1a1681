package source

import (
	"context"
	"os"

	"github.com/supporttools/log-sentinel/pkg/types"
)

type osFileSystem struct{}

func (osFileSystem) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (osFileSystem) Open(path string) (logFile, error) {
	return os.Open(path)
}

// LocalReader reads a file on this machine.
type LocalReader struct {
	src  types.LogSource
	opts Options
	fs   fileSystem
}

// NewLocalReader creates a reader for a local source.
func NewLocalReader(src types.LogSource, opts Options) *LocalReader {
	return &LocalReader{src: src, opts: opts, fs: osFileSystem{}}
}

// Source returns the source this reader serves.
func (r *LocalReader) Source() types.LogSource {
	return r.src
}

// ReadNew returns the complete lines appended since checkpoint.
func (r *LocalReader) ReadNew(ctx context.Context, checkpoint *types.Checkpoint) (ReadResult, error) {
	return readNew(ctx, r.fs, r.src, checkpoint, r.opts)
}

// Close is a no-op; files are opened per read.
func (r *LocalReader) Close() error {
	return nil
}
