// Package types defines the core types shared by every Log Sentinel component.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// SourceKind distinguishes how the bytes of a log source are fetched.
type SourceKind string

const (
	SourceKindLocal  SourceKind = "local"
	SourceKindRemote SourceKind = "remote"
)

// LocalHost is the host component of every local source id.
const LocalHost = "localhost"

// RemoteEndpoint holds the opaque connection parameters for a remote host.
type RemoteEndpoint struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KeyFile        string
	KnownHostsFile string
}

// Address returns host:port.
func (e RemoteEndpoint) Address() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// LogSource identifies one log stream. It is built from configuration at
// startup and never changes for the lifetime of the process.
type LogSource struct {
	ID     string
	Kind   SourceKind
	Host   string
	Path   string
	Remote *RemoteEndpoint
}

// NewLocalSource returns the source for a file on this machine.
func NewLocalSource(path string) LogSource {
	return LogSource{
		ID:   LocalHost + ":" + path,
		Kind: SourceKindLocal,
		Host: LocalHost,
		Path: path,
	}
}

// NewRemoteSource returns the source for a file read over SSH.
func NewRemoteSource(endpoint RemoteEndpoint, path string) LogSource {
	ep := endpoint
	return LogSource{
		ID:     endpoint.Host + ":" + path,
		Kind:   SourceKindRemote,
		Host:   endpoint.Host,
		Path:   path,
		Remote: &ep,
	}
}

func (s LogSource) String() string {
	return fmt.Sprintf("%s (%s)", s.ID, s.Kind)
}

// Fingerprint identifies one incarnation of a log file. A change of identity
// means the file was rotated or truncated.
type Fingerprint struct {
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
	HeadHash string    `json:"headHash"`
	HeadLen  int       `json:"headLen"`
}

// IsZero reports whether no fingerprint has been recorded yet.
func (f Fingerprint) IsZero() bool {
	return f.Size == 0 && f.ModTime.IsZero() && f.HeadHash == "" && f.HeadLen == 0
}

// Checkpoint is the persisted read cursor of one source.
type Checkpoint struct {
	SourceID    string      `json:"sourceId"`
	Offset      int64       `json:"offset"`
	Fingerprint Fingerprint `json:"fingerprint"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Category is the incident class assigned to a line.
type Category string

const (
	CategoryFailedLogin Category = "FAILED_LOGIN"
	CategoryCrash       Category = "CRASH"
	CategorySuspicious  Category = "SUSPICIOUS"
)

// Event is one classified line. Events are immutable once created.
type Event struct {
	DedupKey  string            `json:"dedupKey"`
	Timestamp time.Time         `json:"timestamp"`
	SourceID  string            `json:"sourceId"`
	Host      string            `json:"host"`
	Path      string            `json:"path"`
	Category  Category          `json:"category"`
	RuleID    string            `json:"ruleId"`
	RawLine   string            `json:"rawLine"`
	Offset    int64             `json:"offset"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// DedupKey derives the idempotency key of the line starting at offset in the
// given source.
func DedupKey(sourceID string, offset int64, line string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(offset, 10)))
	h.Write([]byte{0})
	h.Write([]byte(line))
	return hex.EncodeToString(h.Sum(nil))
}

// ThresholdRule fires when a category reaches Limit events in one window.
type ThresholdRule struct {
	Category Category
	Limit    int
}

// Breach records a category that met its limit.
type Breach struct {
	Category Category `json:"category"`
	Count    int      `json:"count"`
	Limit    int      `json:"limit"`
	Samples  []string `json:"samples"`
}

// Sample returns the representative contributing source.
func (b Breach) Sample() string {
	if len(b.Samples) == 0 {
		return ""
	}
	return b.Samples[0]
}

// DeliveryResult is the outcome of sending one alert message to one channel.
type DeliveryResult struct {
	Channel  string        `json:"channel"`
	Type     string        `json:"type"`
	Success  bool          `json:"success"`
	Error    error         `json:"-"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// SourceResult is the per-source outcome of one scan cycle.
type SourceResult struct {
	SourceID  string `json:"sourceId"`
	LinesRead int    `json:"linesRead"`
	Events    int    `json:"events"`
	Committed bool   `json:"committed"`
	Skipped   bool   `json:"skipped,omitempty"`
	Err       error  `json:"-"`
}

// CycleReport summarises one scan cycle.
type CycleReport struct {
	CycleID         string           `json:"cycleId"`
	StartedAt       time.Time        `json:"startedAt"`
	FinishedAt      time.Time        `json:"finishedAt"`
	Sources         []SourceResult   `json:"sources"`
	EventCounts     map[Category]int `json:"eventCounts"`
	EventsStored    int              `json:"eventsStored"`
	Breaches        []Breach         `json:"breaches,omitempty"`
	Deliveries      []DeliveryResult `json:"deliveries,omitempty"`
	Degraded        bool             `json:"degraded"`
	DegradedReasons []string         `json:"degradedReasons,omitempty"`
}

// Duration returns how long the cycle took.
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedSources returns the number of sources whose read failed.
func (r *CycleReport) FailedSources() int {
	n := 0
	for _, s := range r.Sources {
		if s.Err != nil {
			n++
		}
	}
	return n
}
