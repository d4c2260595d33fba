package limits

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeHeaders(pairs ...string) http.Header {
	h := make(http.Header)
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

// TestParseHeadersBothWindows verifies that both request and token windows are parsed.
func TestParseHeadersBothWindows(t *testing.T) {
	h := makeHeaders(
		"x-ratelimit-limit-requests", "500",
		"x-ratelimit-remaining-requests", "499",
		"x-ratelimit-reset-requests", "120ms",
		"x-ratelimit-limit-tokens", "30000",
		"x-ratelimit-remaining-tokens", "29000",
		"x-ratelimit-reset-tokens", "6m0s",
	)

	snap := ParseHeaders(h)
	if snap == nil {
		t.Fatal("expected non-nil snapshot")
	}
	if snap.Requests == nil || snap.Tokens == nil {
		t.Fatalf("expected both windows, got %+v", snap)
	}
	if snap.Requests.Limit != 500 || snap.Requests.Remaining != 499 {
		t.Errorf("requests: got %+v", snap.Requests)
	}
	if snap.Requests.ResetsInSeconds == nil || *snap.Requests.ResetsInSeconds != 0.12 {
		t.Errorf("requests reset: got %v, want 0.12", snap.Requests.ResetsInSeconds)
	}
	if snap.Tokens.ResetsInSeconds == nil || *snap.Tokens.ResetsInSeconds != 360 {
		t.Errorf("tokens reset: got %v, want 360", snap.Tokens.ResetsInSeconds)
	}
	if got := snap.Tokens.UsedPercent(); got < 3.33 || got > 3.34 {
		t.Errorf("tokens used percent: got %v", got)
	}
}

// TestParseHeadersMissingTokens verifies that a missing token window stays nil.
func TestParseHeadersMissingTokens(t *testing.T) {
	snap := ParseHeaders(makeHeaders("x-ratelimit-limit-requests", "60"))
	if snap == nil || snap.Requests == nil {
		t.Fatal("expected requests window")
	}
	if snap.Tokens != nil {
		t.Errorf("expected nil tokens window, got %+v", snap.Tokens)
	}
	if snap.Requests.ResetsInSeconds != nil {
		t.Errorf("expected no reset, got %v", *snap.Requests.ResetsInSeconds)
	}
}

func TestParseHeadersNonePresent(t *testing.T) {
	if snap := ParseHeaders(makeHeaders("content-type", "text/event-stream")); snap != nil {
		t.Errorf("expected nil snapshot, got %+v", snap)
	}
	if snap := ParseHeaders(nil); snap != nil {
		t.Errorf("expected nil snapshot for nil headers, got %+v", snap)
	}
}

func TestParseHeadersInvalidLimit(t *testing.T) {
	if snap := ParseHeaders(makeHeaders("x-ratelimit-limit-requests", "lots")); snap != nil {
		t.Errorf("expected nil snapshot for invalid limit, got %+v", snap)
	}
}

func TestParseResetDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1s", time.Second, true},
		{"6m0s", 6 * time.Minute, true},
		{"20ms", 20 * time.Millisecond, true},
		{"1.5", 1500 * time.Millisecond, true},
		{"", 0, false},
		{"soon", 0, false},
		{"-1s", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseResetDuration(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseResetDuration(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name    string
		headers http.Header
		want    time.Duration
		ok      bool
	}{
		{"milliseconds", makeHeaders("retry-after-ms", "250"), 250 * time.Millisecond, true},
		{"seconds", makeHeaders("retry-after", "3"), 3 * time.Second, true},
		{"http date", makeHeaders("retry-after", now.Add(10*time.Second).Format(http.TimeFormat)), 10 * time.Second, true},
		{"past date", makeHeaders("retry-after", now.Add(-time.Minute).Format(http.TimeFormat)), 0, true},
		{
			"exhausted window",
			makeHeaders(
				"x-ratelimit-limit-requests", "10",
				"x-ratelimit-remaining-requests", "0",
				"x-ratelimit-reset-requests", "2s",
				"x-ratelimit-limit-tokens", "1000",
				"x-ratelimit-remaining-tokens", "0",
				"x-ratelimit-reset-tokens", "7s",
			),
			7 * time.Second, true,
		},
		{
			"capacity left",
			makeHeaders(
				"x-ratelimit-limit-requests", "10",
				"x-ratelimit-remaining-requests", "4",
				"x-ratelimit-reset-requests", "2s",
			),
			0, false,
		},
		{"nothing", makeHeaders(), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RetryAfter(tt.headers, now)
			if ok != tt.ok || got != tt.want {
				t.Errorf("got %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)
	captured := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	r.now = func() time.Time { return captured }

	err := r.Record(makeHeaders(
		"x-ratelimit-limit-tokens", "1000",
		"x-ratelimit-remaining-tokens", "10",
		"x-ratelimit-reset-tokens", "30s",
	))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode: got %o, want 600", perm)
	}

	stored := r.Load()
	if stored == nil {
		t.Fatal("expected stored snapshot")
	}
	if !stored.CapturedAt.Equal(captured) {
		t.Errorf("CapturedAt: got %v, want %v", stored.CapturedAt, captured)
	}
	if stored.Snapshot.Tokens == nil || stored.Snapshot.Tokens.Remaining != 10 {
		t.Errorf("tokens: got %+v", stored.Snapshot.Tokens)
	}
	resetAt := ComputeResetAt(stored.CapturedAt, stored.Snapshot.Tokens)
	if resetAt == nil || !resetAt.Equal(captured.Add(30*time.Second)) {
		t.Errorf("reset at: got %v", resetAt)
	}
}

func TestRecorderIgnoresHeadersWithoutLimits(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)
	if err := r.Record(makeHeaders("content-type", "application/json")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Errorf("no file expected, stat err = %v", err)
	}
	if r.Load() != nil {
		t.Error("expected nil snapshot")
	}
}

func TestRecorderDisabled(t *testing.T) {
	r := NewRecorder("")
	if err := r.Record(makeHeaders("x-ratelimit-limit-requests", "1")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if r.Load() != nil {
		t.Error("disabled recorder must not load anything")
	}
	var nilRecorder *Recorder
	if err := nilRecorder.Record(nil); err != nil {
		t.Fatalf("nil recorder: %v", err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if NewRecorder(dir).Load() != nil {
		t.Error("expected nil snapshot for corrupt file")
	}
}

func TestComputeResetAtNilWindow(t *testing.T) {
	if ComputeResetAt(time.Now(), nil) != nil {
		t.Error("expected nil for nil window")
	}
	if ComputeResetAt(time.Now(), &Window{Limit: 1}) != nil {
		t.Error("expected nil without reset seconds")
	}
}
