// Package limits parses the x-ratelimit-* headers of upstream responses,
// keeps the last snapshot on disk and derives retry hints from them.
package limits

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileName is the snapshot file inside the data directory.
const FileName = "rate_limits.json"

// Window is one rate limit dimension (requests or tokens).
type Window struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	// ResetsInSeconds is how long until the window is full again.
	ResetsInSeconds *float64 `json:"resets_in_seconds,omitempty"`
}

// Exhausted reports whether no capacity is left.
func (w *Window) Exhausted() bool {
	return w != nil && w.Limit > 0 && w.Remaining <= 0
}

// UsedPercent returns the consumed share of the window.
func (w *Window) UsedPercent() float64 {
	if w == nil || w.Limit <= 0 {
		return 0
	}
	return float64(w.Limit-w.Remaining) * 100 / float64(w.Limit)
}

// Snapshot holds both windows.
type Snapshot struct {
	Requests *Window `json:"requests,omitempty"`
	Tokens   *Window `json:"tokens,omitempty"`
}

// StoredSnapshot includes a capture timestamp with the snapshot.
type StoredSnapshot struct {
	CapturedAt time.Time `json:"captured_at"`
	Snapshot   Snapshot  `json:"snapshot"`
}

// storedSnapshotDisk is the on-disk JSON format for a stored snapshot.
type storedSnapshotDisk struct {
	CapturedAt string  `json:"captured_at"`
	Requests   *Window `json:"requests,omitempty"`
	Tokens     *Window `json:"tokens,omitempty"`
}

// ParseHeaders extracts rate limit information from response headers.
func ParseHeaders(headers http.Header) *Snapshot {
	if headers == nil {
		return nil
	}
	requests := parseWindow(headers,
		"x-ratelimit-limit-requests",
		"x-ratelimit-remaining-requests",
		"x-ratelimit-reset-requests",
	)
	tokens := parseWindow(headers,
		"x-ratelimit-limit-tokens",
		"x-ratelimit-remaining-tokens",
		"x-ratelimit-reset-tokens",
	)
	if requests == nil && tokens == nil {
		return nil
	}
	return &Snapshot{Requests: requests, Tokens: tokens}
}

func parseWindow(headers http.Header, limitKey, remainingKey, resetKey string) *Window {
	limit, err := strconv.ParseInt(strings.TrimSpace(headers.Get(limitKey)), 10, 64)
	if err != nil {
		return nil
	}
	w := &Window{Limit: limit}
	if v, err := strconv.ParseInt(strings.TrimSpace(headers.Get(remainingKey)), 10, 64); err == nil {
		w.Remaining = v
	}
	if d, ok := parseResetDuration(headers.Get(resetKey)); ok {
		secs := d.Seconds()
		w.ResetsInSeconds = &secs
	}
	return w
}

// parseResetDuration accepts Go style durations ("6m0s", "20ms") and bare
// seconds ("1.5").
func parseResetDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

// RetryAfter derives how long to wait before retrying a throttled request:
// retry-after-ms, then retry-after (seconds or HTTP date), then the reset of
// whichever window is exhausted.
func RetryAfter(headers http.Header, now time.Time) (time.Duration, bool) {
	if headers == nil {
		return 0, false
	}
	if v := strings.TrimSpace(headers.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond)), true
		}
	}
	if v := strings.TrimSpace(headers.Get("retry-after")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d, true
			}
			return 0, true
		}
	}
	snap := ParseHeaders(headers)
	if snap == nil {
		return 0, false
	}
	var wait time.Duration
	var found bool
	for _, w := range []*Window{snap.Requests, snap.Tokens} {
		if !w.Exhausted() || w.ResetsInSeconds == nil {
			continue
		}
		d := time.Duration(*w.ResetsInSeconds * float64(time.Second))
		if !found || d > wait {
			wait = d
			found = true
		}
	}
	return wait, found
}

// ComputeResetAt calculates when a window will reset.
func ComputeResetAt(capturedAt time.Time, w *Window) *time.Time {
	if w == nil || w.ResetsInSeconds == nil {
		return nil
	}
	t := capturedAt.Add(time.Duration(*w.ResetsInSeconds * float64(time.Second)))
	return &t
}

// Recorder persists the latest snapshot. A Recorder with an empty path keeps
// nothing, which is how safe mode runs.
type Recorder struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewRecorder stores snapshots in <dataDir>/rate_limits.json. An empty
// dataDir disables persistence.
func NewRecorder(dataDir string) *Recorder {
	r := &Recorder{now: time.Now}
	if dataDir != "" {
		r.path = filepath.Join(dataDir, FileName)
	}
	return r
}

// Record stores the snapshot carried by headers, if any.
func (r *Recorder) Record(headers http.Header) error {
	if r == nil || r.path == "" {
		return nil
	}
	snapshot := ParseHeaders(headers)
	if snapshot == nil {
		return nil
	}
	return r.Store(snapshot, r.now().UTC())
}

// Store writes snapshot to disk.
func (r *Recorder) Store(snapshot *Snapshot, capturedAt time.Time) error {
	if r == nil || r.path == "" || snapshot == nil {
		return nil
	}
	disk := storedSnapshotDisk{
		CapturedAt: capturedAt.UTC().Format(time.RFC3339),
		Requests:   snapshot.Requests,
		Tokens:     snapshot.Tokens,
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding rate limits: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("creating rate limit dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("writing rate limits: %w", err)
	}
	return nil
}

// Load reads the stored snapshot; nil when there is none or it is unreadable.
func (r *Recorder) Load() *StoredSnapshot {
	if r == nil || r.path == "" {
		return nil
	}
	r.mu.Lock()
	data, err := os.ReadFile(r.path)
	r.mu.Unlock()
	if err != nil {
		return nil
	}
	var disk storedSnapshotDisk
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil
	}
	if disk.CapturedAt == "" {
		return nil
	}
	captured, err := time.Parse(time.RFC3339, disk.CapturedAt)
	if err != nil {
		return nil
	}
	snapshot := Snapshot{Requests: disk.Requests, Tokens: disk.Tokens}
	if snapshot.Requests == nil && snapshot.Tokens == nil {
		return nil
	}
	return &StoredSnapshot{CapturedAt: captured, Snapshot: snapshot}
}
