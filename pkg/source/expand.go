package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// Expand resolves the configured paths into the fixed list of sources for
// this process. Local directories are walked recursively and every file
// whose base name matches one of cfg.FilenameGlobs becomes a source. Remote
// paths are taken literally.
func Expand(cfg types.SourcesConfig) ([]types.LogSource, error) {
	var sources []types.LogSource

	if cfg.Mode == "local" || cfg.Mode == "mixed" {
		for _, path := range cfg.Local.Paths {
			expanded, err := expandLocal(path, cfg.FilenameGlobs)
			if err != nil {
				return nil, err
			}
			sources = append(sources, expanded...)
		}
	}

	if cfg.Mode == "remote" || cfg.Mode == "mixed" {
		for i := range cfg.Remote {
			host := &cfg.Remote[i]
			for _, path := range host.Paths {
				sources = append(sources, types.NewRemoteSource(host.Endpoint(), path))
			}
		}
	}

	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if seen[src.ID] {
			return nil, &types.ConfigError{Field: "sources", Message: fmt.Sprintf("duplicate source id %q", src.ID)}
		}
		seen[src.ID] = true
	}
	return sources, nil
}

func expandLocal(path string, globs []string) ([]types.LogSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		// a missing file may still appear; it is reported as unavailable per cycle
		logger.ForComponent("source").WithField(logger.FieldSource, abs).WithError(err).
			Warn("Configured path is not accessible, keeping it as a file source")
		return []types.LogSource{types.NewLocalSource(abs)}, nil
	}
	if !info.IsDir() {
		return []types.LogSource{types.NewLocalSource(abs)}, nil
	}

	var files []string
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			logger.ForComponent("source").WithField(logger.FieldSource, p).WithError(walkErr).
				Warn("Skipping unreadable path during expansion")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if matchesAny(d.Name(), globs) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", abs, err)
	}

	sort.Strings(files)
	sources := make([]types.LogSource, 0, len(files))
	for _, f := range files {
		sources = append(sources, types.NewLocalSource(f))
	}
	return sources, nil
}

func matchesAny(name string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}
