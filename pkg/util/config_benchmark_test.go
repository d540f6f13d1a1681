/*
Config benchmarks measure loading, defaults, validation and environment
substitution for configurations with a growing number of rules and remote
hosts.

Run benchmarks with:

	go test -bench=Benchmark -benchmem ./pkg/util/
*/
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/supporttools/log-sentinel/pkg/types"
)

var benchSizes = []struct {
	name  string
	count int
}{
	{"minimal_1", 1},
	{"small_5", 5},
	{"medium_20", 20},
	{"large_100", 100},
}

// BenchmarkLoadConfig_YAML measures loading YAML files with n rules and n
// remote hosts.
func BenchmarkLoadConfig_YAML(b *testing.B) {
	os.Setenv("BENCH_SSH_PASSWORD", "secret")
	defer os.Unsetenv("BENCH_SSH_PASSWORD")

	for _, bm := range benchSizes {
		b.Run(bm.name, func(b *testing.B) {
			configPath := filepath.Join(b.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(generateYAMLConfig(bm.count)), 0644); err != nil {
				b.Fatalf("Failed to write config file: %v", err)
			}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := LoadConfig(configPath); err != nil {
					b.Fatalf("LoadConfig failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkApplyDefaults measures defaults on a freshly parsed structure.
func BenchmarkApplyDefaults(b *testing.B) {
	for _, bm := range benchSizes {
		b.Run(bm.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				config := createRawConfig(bm.count)
				b.StartTimer()
				if err := config.ApplyDefaults(); err != nil {
					b.Fatalf("ApplyDefaults failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkValidate measures struct-tag and cross-field validation.
func BenchmarkValidate(b *testing.B) {
	for _, bm := range benchSizes {
		b.Run(bm.name, func(b *testing.B) {
			config := createRawConfig(bm.count)
			if err := config.ApplyDefaults(); err != nil {
				b.Fatalf("ApplyDefaults failed: %v", err)
			}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if err := config.Validate(); err != nil {
					b.Fatalf("Validate failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := DefaultConfig(); err != nil {
			b.Fatalf("DefaultConfig failed: %v", err)
		}
	}
}

func BenchmarkLoadConfigOrDefault_Missing(b *testing.B) {
	missing := filepath.Join(b.TempDir(), "missing.yaml")
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := LoadConfigOrDefault(missing); err != nil {
			b.Fatalf("LoadConfigOrDefault failed: %v", err)
		}
	}
}

func generateYAMLConfig(n int) string {
	var sb strings.Builder
	sb.WriteString(`apiVersion: log-sentinel.supporttools.io/v1alpha1
kind: LogSentinelConfig
metadata:
  name: bench
settings:
  hostName: bench-host
sources:
  mode: mixed
  local:
    paths: ["/var/log"]
  remote:
`)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `    - name: host-%d
      host: 10.0.%d.%d
      username: bench
      password: ${BENCH_SSH_PASSWORD}
      paths: ["/var/log/auth.log", "/var/log/syslog"]
`, i, i/250, i%250+1)
	}
	sb.WriteString("classifier:\n  rules:\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "    - id: rule-%d\n      category: CUSTOM_%d\n      pattern: 'marker-%d (?P<ip>\\S+)'\n", i, i, i)
	}
	return sb.String()
}

func createRawConfig(n int) *types.SentinelConfig {
	config := &types.SentinelConfig{
		APIVersion: types.ConfigAPIVersion,
		Kind:       types.ConfigKind,
		Metadata:   types.ConfigMetadata{Name: "bench"},
		Settings:   types.GlobalSettings{HostName: "bench-host"},
		Sources: types.SourcesConfig{
			Mode:  "mixed",
			Local: types.LocalSourcesConfig{Paths: []string{"/var/log"}},
		},
	}
	for i := 0; i < n; i++ {
		config.Sources.Remote = append(config.Sources.Remote, types.RemoteHostConfig{
			Name:     fmt.Sprintf("host-%d", i),
			Host:     fmt.Sprintf("10.0.%d.%d", i/250, i%250+1),
			Username: "bench",
			Password: "secret",
			Paths:    []string{"/var/log/auth.log"},
		})
		config.Classifier.Rules = append(config.Classifier.Rules, types.RuleConfig{
			ID:       fmt.Sprintf("rule-%d", i),
			Category: fmt.Sprintf("CUSTOM_%d", i),
			Pattern:  fmt.Sprintf(`marker-%d (?P<ip>\S+)`, i),
		})
	}
	return config
}
