// Package sim contains the simulation core: the bandwidth-based timing
// model, the probabilistic outcome model, the per-device lifecycle state
// machine and the fleet orchestrator that runs many lifecycles at once.
package sim

import (
	"math/rand"
	"time"

	"github.com/fleetsim-labs/fleetsim/internal/menderclient"
	"github.com/fleetsim-labs/fleetsim/internal/model"
)

// MinDownloadSeconds is the floor applied to simulated download durations,
// so even tiny artifacts take an observable amount of time.
const MinDownloadSeconds = 2.0

// Simulated install and reboot stages draw uniformly from these ranges.
const (
	installMinSeconds = 5.0
	installMaxSeconds = 15.0
	rebootMinSeconds  = 3.0
	rebootMaxSeconds  = 8.0
)

// DownloadSeconds computes the simulated transfer time for an artifact of
// the given size over the industry's virtual bandwidth. Pure, strictly
// positive, monotone in size and inversely monotone in bandwidth.
func DownloadSeconds(sizeBytes int64, bandwidthKbps int) float64 {
	bytesPerSecond := float64(bandwidthKbps) * 1024
	if bytesPerSecond <= 0 {
		return MinDownloadSeconds
	}
	seconds := float64(sizeBytes) / bytesPerSecond
	if seconds < MinDownloadSeconds {
		return MinDownloadSeconds
	}
	return seconds
}

// Jitter applies the +/-10% variance real transfers show.
func Jitter(rng *rand.Rand, seconds float64) float64 {
	return seconds * (0.9 + rng.Float64()*0.2)
}

// InstallSeconds draws a simulated installation duration.
func InstallSeconds(rng *rand.Rand) float64 {
	return installMinSeconds + rng.Float64()*(installMaxSeconds-installMinSeconds)
}

// RebootSeconds draws a simulated reboot duration.
func RebootSeconds(rng *rand.Rand) float64 {
	return rebootMinSeconds + rng.Float64()*(rebootMaxSeconds-rebootMinSeconds)
}

// DecideOutcome runs one independent weighted coin flip: a uniform draw
// below successRate means the update succeeds. Prior outcomes never feed
// back into the draw.
func DecideOutcome(rng *rand.Rand, successRate float64) model.DeploymentOutcome {
	if rng.Float64() < successRate {
		return model.OutcomeSuccess
	}
	return model.OutcomeFailure
}

// FailureMessage picks one diagnostic uniformly from the configured pool.
func FailureMessage(rng *rand.Rand, pool []string) string {
	if len(pool) == 0 {
		return "Unknown error during update"
	}
	return pool[rng.Intn(len(pool))]
}

// FailureLogs builds the synthetic log lines uploaded with a failed
// deployment: a plausible install-then-rollback sequence ending in the
// drawn diagnostic.
func FailureLogs(artifactName, errorMessage string) []menderclient.LogMessage {
	now := time.Now().UTC().Format(time.RFC3339)
	return []menderclient.LogMessage{
		{Timestamp: now, Level: "info", Message: "Starting update to " + artifactName},
		{Timestamp: now, Level: "info", Message: "Artifact downloaded"},
		{Timestamp: now, Level: "warning", Message: "Potential issue detected during installation"},
		{Timestamp: now, Level: "error", Message: "Update failed: " + errorMessage},
		{Timestamp: now, Level: "info", Message: "Initiating rollback to previous version"},
		{Timestamp: now, Level: "info", Message: "Rollback completed, system stable"},
	}
}
