package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/supporttools/log-sentinel/pkg/types"
)

// Dependencies are the shared resources a factory may need.
type Dependencies struct {
	Options Options
	Pool    *ClientPool
}

// Factory builds a Reader for one source.
type Factory func(src types.LogSource, deps Dependencies) (Reader, error)

// FactoryInfo describes one registered source kind.
type FactoryInfo struct {
	Kind        types.SourceKind
	Factory     Factory
	Description string
}

// Registry maps source kinds to reader factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.SourceKind]*FactoryInfo
}

// DefaultRegistry holds the built-in local and remote readers.
var DefaultRegistry = NewRegistry()

var (
	// ErrEmptyKind is returned when registering a factory without a kind.
	ErrEmptyKind = errors.New("source kind cannot be empty")

	// ErrNilFactory is returned when registering a nil factory.
	ErrNilFactory = errors.New("source factory cannot be nil")

	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("source kind is already registered")
)

func init() {
	DefaultRegistry.MustRegister(FactoryInfo{
		Kind:        types.SourceKindLocal,
		Description: "Reads a file on the local filesystem",
		Factory: func(src types.LogSource, deps Dependencies) (Reader, error) {
			return NewLocalReader(src, deps.Options), nil
		},
	})
	DefaultRegistry.MustRegister(FactoryInfo{
		Kind:        types.SourceKindRemote,
		Description: "Reads a file on a remote host over SSH/SFTP",
		Factory: func(src types.LogSource, deps Dependencies) (Reader, error) {
			return NewRemoteReader(src, deps.Options, deps.Pool)
		},
	})
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.SourceKind]*FactoryInfo)}
}

// Register adds a factory for a source kind.
func (r *Registry) Register(info FactoryInfo) error {
	if info.Kind == "" {
		return ErrEmptyKind
	}
	if info.Factory == nil {
		return fmt.Errorf("%w for kind %q", ErrNilFactory, info.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[info.Kind]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKind, info.Kind)
	}
	infoCopy := info
	r.factories[info.Kind] = &infoCopy
	return nil
}

// MustRegister is Register for init functions; it panics on error.
func (r *Registry) MustRegister(info FactoryInfo) {
	if err := r.Register(info); err != nil {
		panic(fmt.Sprintf("source registration failed: %v", err))
	}
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []types.SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]types.SourceKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// CreateReader builds the reader for src.
func (r *Registry) CreateReader(src types.LogSource, deps Dependencies) (reader Reader, err error) {
	r.mu.RLock()
	info, ok := r.factories[src.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q, available kinds: %v", src.Kind, r.Kinds())
	}

	defer func() {
		if rec := recover(); rec != nil {
			reader, err = nil, fmt.Errorf("source factory %q panicked: %v", src.Kind, rec)
		}
	}()

	reader, err = info.Factory(src, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader for %s: %w", src.ID, err)
	}
	return reader, nil
}

// CreateReaders builds one reader per source, stopping at the first error.
func (r *Registry) CreateReaders(sources []types.LogSource, deps Dependencies) ([]Reader, error) {
	readers := make([]Reader, 0, len(sources))
	for _, src := range sources {
		reader, err := r.CreateReader(src, deps)
		if err != nil {
			return nil, err
		}
		readers = append(readers, reader)
	}
	return readers, nil
}
