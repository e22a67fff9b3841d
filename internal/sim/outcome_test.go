package sim

import (
	"math"
	"math/rand"
	"testing"

	"github.com/fleetsim-labs/fleetsim/internal/model"
)

func TestDownloadSecondsKnownScenario(t *testing.T) {
	// 5 MiB over 500 kbps is exactly 10.24 seconds.
	got := DownloadSeconds(5242880, 500)
	if math.Abs(got-10.24) > 1e-9 {
		t.Errorf("DownloadSeconds(5242880, 500) = %v, want 10.24", got)
	}
}

func TestDownloadSecondsMonotone(t *testing.T) {
	sizes := []int64{10 << 20, 20 << 20, 40 << 20, 80 << 20}
	prev := 0.0
	for _, size := range sizes {
		got := DownloadSeconds(size, 500)
		if got <= prev {
			t.Errorf("DownloadSeconds not increasing in size: %d bytes -> %v", size, got)
		}
		prev = got
	}

	bandwidths := []int{100, 500, 1000, 5000}
	prev = math.Inf(1)
	for _, kbps := range bandwidths {
		got := DownloadSeconds(100<<20, kbps)
		if got >= prev {
			t.Errorf("DownloadSeconds not decreasing in bandwidth: %d kbps -> %v", kbps, got)
		}
		prev = got
	}
}

func TestDownloadSecondsAlwaysPositive(t *testing.T) {
	tests := []struct {
		size int64
		kbps int
	}{
		{0, 500},
		{1, 500},
		{1024, 0},
		{1 << 30, -5},
		{5, 1000000},
	}
	for _, tt := range tests {
		if got := DownloadSeconds(tt.size, tt.kbps); got < MinDownloadSeconds {
			t.Errorf("DownloadSeconds(%d, %d) = %v, below floor", tt.size, tt.kbps, got)
		}
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		got := Jitter(rng, 10)
		if got < 9 || got > 11 {
			t.Fatalf("Jitter(10) = %v outside +/-10%%", got)
		}
	}
}

func TestStageDurationsWithinRanges(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		if d := InstallSeconds(rng); d < 5 || d > 15 {
			t.Fatalf("InstallSeconds = %v outside [5,15]", d)
		}
		if d := RebootSeconds(rng); d < 3 || d > 8 {
			t.Fatalf("RebootSeconds = %v outside [3,8]", d)
		}
	}
}

func TestDecideOutcomeConverges(t *testing.T) {
	const (
		rate      = 0.75
		trials    = 2000
		tolerance = 0.04
	)
	rng := rand.New(rand.NewSource(99))
	successes := 0
	for i := 0; i < trials; i++ {
		if DecideOutcome(rng, rate) == model.OutcomeSuccess {
			successes++
		}
	}
	observed := float64(successes) / trials
	if math.Abs(observed-rate) > tolerance {
		t.Errorf("observed success rate %v, want %v +/- %v", observed, rate, tolerance)
	}
}

func TestDecideOutcomeTrialsAreIndependent(t *testing.T) {
	// A failure must not force the following draw: over many
	// failure-preceded trials the success rate still converges.
	const rate = 0.75
	rng := rand.New(rand.NewSource(123))
	afterFailure := 0
	successAfterFailure := 0
	prev := DecideOutcome(rng, rate)
	for i := 0; i < 5000; i++ {
		next := DecideOutcome(rng, rate)
		if prev == model.OutcomeFailure {
			afterFailure++
			if next == model.OutcomeSuccess {
				successAfterFailure++
			}
		}
		prev = next
	}
	if afterFailure == 0 {
		t.Fatal("no failures drawn, cannot assess independence")
	}
	observed := float64(successAfterFailure) / float64(afterFailure)
	if math.Abs(observed-rate) > 0.06 {
		t.Errorf("success rate after a failure = %v, want %v +/- 0.06", observed, rate)
	}
}

func TestDecideOutcomeExtremes(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 100; i++ {
		if DecideOutcome(rng, 1.0) != model.OutcomeSuccess {
			t.Fatal("rate 1.0 must always succeed")
		}
		if DecideOutcome(rng, 0.0) != model.OutcomeFailure {
			t.Fatal("rate 0.0 must always fail")
		}
	}
}

func TestFailureMessage(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pool := []string{"kernel panic", "checksum mismatch", "out of memory"}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		msg := FailureMessage(rng, pool)
		found := false
		for _, p := range pool {
			if msg == p {
				found = true
			}
		}
		if !found {
			t.Fatalf("message %q not from pool", msg)
		}
		seen[msg] = true
	}
	if len(seen) != len(pool) {
		t.Errorf("uniform draw over 200 trials should hit every message, saw %d of %d", len(seen), len(pool))
	}
	if FailureMessage(rng, nil) == "" {
		t.Error("empty pool must still produce a message")
	}
}

func TestFailureLogsShape(t *testing.T) {
	logs := FailureLogs("tcu-v1.1.0", "kernel panic")
	if len(logs) != 6 {
		t.Fatalf("want 6 log lines, got %d", len(logs))
	}
	if logs[0].Level != "info" || logs[3].Level != "error" {
		t.Error("log levels do not follow the install-then-rollback sequence")
	}
	for _, line := range logs {
		if line.Timestamp == "" {
			t.Error("log line missing timestamp")
		}
	}
}
