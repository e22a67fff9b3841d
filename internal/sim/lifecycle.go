package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fleetsim-labs/fleetsim/internal/identity"
	"github.com/fleetsim-labs/fleetsim/internal/menderclient"
	"github.com/fleetsim-labs/fleetsim/internal/model"
	"github.com/fleetsim-labs/fleetsim/internal/profile"
	"github.com/fleetsim-labs/fleetsim/internal/storage"
)

// Backend is the fleet-management server as seen by one device: the four
// operations of the device-facing API. *menderclient.Client satisfies it.
type Backend interface {
	Authenticate(ctx context.Context, identityJSON, publicKeyPEM string, sign func(payload []byte) (string, error)) (string, error)
	UpdateInventory(ctx context.Context, token string, attributes map[string]any) error
	NextDeployment(ctx context.Context, token, deviceType, artifactName string) (*menderclient.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, token, deploymentID, status, substate string) error
	SendDeploymentLogs(ctx context.Context, token, deploymentID string, messages []menderclient.LogMessage) error
}

// errAbandoned aborts the rest of a deployment without failing the
// lifecycle: auth expiry or a transient network fault mid-update.
var errAbandoned = errors.New("deployment abandoned")

// downloadProgressSteps is how many progress reports one download emits.
const downloadProgressSteps = 10

// authSession is the device's current bearer token plus the expiry hint
// recovered from it. Owned by exactly one lifecycle, never shared.
type authSession struct {
	token     string
	expiresAt time.Time
}

// Lifecycle drives one device through the simulation state machine. All
// mutation of the device's persisted record happens here, on a single
// goroutine.
type Lifecycle struct {
	device       *model.Device
	profile      *profile.Profile
	store        storage.Store
	backend      Backend
	log          *zap.Logger
	rng          *rand.Rand
	pollInterval time.Duration
	failurePool  []string

	session *authSession
	wake    chan struct{}

	// sleep is swapped out by tests so simulated delays don't run in
	// real time.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLifecycle builds the runnable state machine for one device.
func NewLifecycle(device *model.Device, p *profile.Profile, store storage.Store, backend Backend, log *zap.Logger, rng *rand.Rand, pollInterval time.Duration, failurePool []string) *Lifecycle {
	l := &Lifecycle{
		device:       device,
		profile:      p,
		store:        store,
		backend:      backend,
		log:          log,
		rng:          rng,
		pollInterval: pollInterval,
		failurePool:  failurePool,
		wake:         make(chan struct{}, 1),
		sleep:        ctxSleep,
	}
	if device.AuthToken != "" {
		l.session = &authSession{token: device.AuthToken, expiresAt: tokenExpiry(device.AuthToken)}
	}
	return l
}

// Wake delivers the fleet-wide poll-now signal. Non-blocking; a device
// mid-deployment discards it when it returns to idle.
func (l *Lifecycle) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// DeviceID returns the stable identifier of the device this lifecycle owns.
func (l *Lifecycle) DeviceID() string {
	return l.device.DeviceID
}

// Run executes the simulation loop until ctx is cancelled or a persistence
// write fails. Backend trouble never terminates the loop.
func (l *Lifecycle) Run(ctx context.Context) error {
	l.log.Info("device simulation starting",
		zap.String("state", string(l.device.CurrentState)),
		zap.Bool("has_session", l.session != nil))

	// A fresh process makes no assumption about the state it crashed in.
	if err := l.setState(ctx, model.StateUnauthenticated); err != nil {
		return err
	}

	if err := l.ensureAuthenticated(ctx); err != nil {
		return err
	}
	if l.session == nil {
		l.log.Warn("initial authentication failed, will retry on next poll")
	}

	for {
		if err := l.pollCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				l.log.Info("device simulation cancelled")
				return nil
			}
			return err
		}
		cancelled, err := l.idleWait(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			l.log.Info("device simulation stopping")
			return nil
		}
	}
}

// pollCycle runs one full poll: authorization check, inventory snapshot,
// deployment check and, when one is pending, the whole update.
func (l *Lifecycle) pollCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if l.session == nil {
		if err := l.ensureAuthenticated(ctx); err != nil {
			return err
		}
		if l.session == nil {
			return nil
		}
	}

	if err := l.store.UpdateLastPoll(ctx, l.device.DeviceID, time.Now()); err != nil {
		return fmt.Errorf("persist last poll: %w", err)
	}

	if err := l.setState(ctx, model.StateCheckingDeployment); err != nil {
		return err
	}

	ok, err := l.reportInventory(ctx)
	if err != nil {
		if errors.Is(err, errAbandoned) {
			return nil
		}
		return err
	}
	if !ok {
		return l.setState(ctx, model.StateIdle)
	}

	deployment, err := l.checkDeployment(ctx)
	if err != nil {
		if errors.Is(err, errAbandoned) {
			return nil
		}
		return err
	}
	if deployment == nil {
		return l.setState(ctx, model.StateIdle)
	}

	if err := l.processDeployment(ctx, deployment); err != nil {
		if errors.Is(err, errAbandoned) {
			return nil
		}
		return err
	}
	return nil
}

// ensureAuthenticated runs the Unauthenticated -> Authenticating -> Idle leg.
// On rejection the device simply stays unauthenticated until the next tick.
func (l *Lifecycle) ensureAuthenticated(ctx context.Context) error {
	if l.session != nil {
		// Restored session from a previous run; treat it as a
		// completed authentication pass.
		if err := l.setState(ctx, model.StateAuthenticating); err != nil {
			return err
		}
		return l.setState(ctx, model.StateIdle)
	}

	if err := l.setState(ctx, model.StateAuthenticating); err != nil {
		return err
	}

	identityJSON, err := l.device.IdentityString()
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	token, err := l.backend.Authenticate(detached(ctx), identityJSON, l.device.PublicKeyPEM, func(payload []byte) (string, error) {
		return identity.Sign(l.device.PrivateKeyPEM, payload)
	})
	if err != nil {
		var rejection *menderclient.AuthRejectionError
		if errors.As(err, &rejection) {
			l.log.Warn("authentication not accepted, waiting for next poll",
				zap.String("reason", rejection.Reason))
		} else {
			l.log.Warn("authentication attempt failed", zap.Error(err))
		}
		return l.setState(ctx, model.StateUnauthenticated)
	}

	l.session = &authSession{token: token, expiresAt: tokenExpiry(token)}
	l.device.AuthToken = token
	if err := l.store.UpdateAuthToken(ctx, l.device.DeviceID, token); err != nil {
		return fmt.Errorf("persist auth token: %w", err)
	}
	l.log.Info("device authenticated",
		zap.Time("token_expires", l.session.expiresAt))
	return l.setState(ctx, model.StateIdle)
}

// reportInventory refreshes telemetry and sends the full snapshot. Returns
// false when the cycle should stop early (transient fault).
func (l *Lifecycle) reportInventory(ctx context.Context) (bool, error) {
	inventory := l.profile.UpdateTelemetry(l.rng, l.device.Inventory)

	if err := l.backend.UpdateInventory(detached(ctx), l.session.token, inventory); err != nil {
		if errors.Is(err, menderclient.ErrUnauthorized) {
			return false, l.handleAuthFailure(ctx)
		}
		l.log.Warn("inventory report failed", zap.Error(err))
		return false, nil
	}

	l.device.Inventory = inventory
	if err := l.store.SaveDevice(ctx, l.device); err != nil {
		return false, fmt.Errorf("persist inventory: %w", err)
	}
	l.log.Debug("inventory snapshot reported")
	return true, nil
}

// checkDeployment queries for a pending update. Returns nil when there is
// nothing to do, either because none is pending or the call failed softly.
func (l *Lifecycle) checkDeployment(ctx context.Context) (*menderclient.Deployment, error) {
	deployment, err := l.backend.NextDeployment(detached(ctx), l.session.token, l.device.DeviceType, l.device.ArtifactName)
	if err != nil {
		if errors.Is(err, menderclient.ErrUnauthorized) {
			return nil, l.handleAuthFailure(ctx)
		}
		l.log.Warn("deployment check failed", zap.Error(err))
		return nil, nil
	}
	return deployment, nil
}

// processDeployment executes one update attempt end to end. A deployment
// in flight when the session expires is abandoned without a terminal
// report; the backend under-counts that attempt, which mirrors real
// devices dropping offline mid-update.
func (l *Lifecycle) processDeployment(ctx context.Context, deployment *menderclient.Deployment) error {
	session := &model.DeploymentSession{
		DeploymentID: deployment.ID,
		ArtifactName: deployment.ArtifactName,
		ArtifactSize: deployment.ArtifactSize,
	}
	session.DownloadSeconds = Jitter(l.rng, DownloadSeconds(deployment.ArtifactSize, l.profile.BandwidthKbps))
	session.InstallSeconds = InstallSeconds(l.rng)
	session.RebootSeconds = RebootSeconds(l.rng)
	session.Outcome = DecideOutcome(l.rng, l.profile.SuccessRate)
	if session.Outcome == model.OutcomeFailure {
		session.FailureMessage = FailureMessage(l.rng, l.failurePool)
	}

	record := &model.DeploymentRecord{
		DeviceID:     l.device.DeviceID,
		DeploymentID: deployment.ID,
		ArtifactName: deployment.ArtifactName,
		Status:       string(model.StateDownloading),
		StartedAt:    time.Now().UTC(),
	}

	l.log.Info("processing deployment",
		zap.String("deployment_id", deployment.ID),
		zap.String("artifact", deployment.ArtifactName),
		zap.Int64("size_bytes", deployment.ArtifactSize),
		zap.Float64("download_seconds", session.DownloadSeconds))

	// A poll-now signal that lands while we are busy is ignored, not
	// queued for the next idle wait. Abandoned attempts discard it too.
	defer func() {
		select {
		case <-l.wake:
		default:
		}
	}()

	if err := l.stageDownloading(ctx, session, record); err != nil {
		return err
	}
	if err := l.stageInstalling(ctx, session, record); err != nil {
		return err
	}
	if err := l.stageRebooting(ctx, session, record); err != nil {
		return err
	}
	if err := l.stageReportOutcome(ctx, session, record); err != nil {
		return err
	}

	return l.setState(ctx, model.StateIdle)
}

func (l *Lifecycle) stageDownloading(ctx context.Context, session *model.DeploymentSession, record *model.DeploymentRecord) error {
	if err := l.setState(ctx, model.StateDownloading); err != nil {
		return err
	}
	if err := l.reportDeploymentStatus(ctx, session, "downloading", ""); err != nil {
		return err
	}

	step := time.Duration(session.DownloadSeconds / downloadProgressSteps * float64(time.Second))
	for i := 1; i <= downloadProgressSteps; i++ {
		if err := l.sleep(ctx, step); err != nil {
			return err
		}
		record.Progress = i * 100 / downloadProgressSteps
		record.Status = string(model.StateDownloading)
		if err := l.store.SaveDeploymentRecord(ctx, record); err != nil {
			return fmt.Errorf("persist deployment progress: %w", err)
		}
		l.log.Debug("downloading", zap.Int("progress_pct", record.Progress))
	}
	return nil
}

func (l *Lifecycle) stageInstalling(ctx context.Context, session *model.DeploymentSession, record *model.DeploymentRecord) error {
	if err := l.setState(ctx, model.StateInstalling); err != nil {
		return err
	}
	if err := l.reportDeploymentStatus(ctx, session, "installing", ""); err != nil {
		return err
	}
	record.Status = "installing"
	if err := l.store.SaveDeploymentRecord(ctx, record); err != nil {
		return fmt.Errorf("persist deployment stage: %w", err)
	}
	return l.sleep(ctx, secondsToDuration(session.InstallSeconds))
}

func (l *Lifecycle) stageRebooting(ctx context.Context, session *model.DeploymentSession, record *model.DeploymentRecord) error {
	if err := l.setState(ctx, model.StateRebooting); err != nil {
		return err
	}
	if err := l.reportDeploymentStatus(ctx, session, "rebooting", ""); err != nil {
		return err
	}
	record.Status = "rebooting"
	if err := l.store.SaveDeploymentRecord(ctx, record); err != nil {
		return fmt.Errorf("persist deployment stage: %w", err)
	}
	return l.sleep(ctx, secondsToDuration(session.RebootSeconds))
}

func (l *Lifecycle) stageReportOutcome(ctx context.Context, session *model.DeploymentSession, record *model.DeploymentRecord) error {
	if err := l.setState(ctx, model.StateReportingOutcome); err != nil {
		return err
	}

	now := time.Now().UTC()
	record.CompletedAt = &now

	if session.Outcome == model.OutcomeSuccess {
		if err := l.reportDeploymentStatus(ctx, session, "success", ""); err != nil {
			return err
		}
		record.Status = string(model.OutcomeSuccess)
		if err := l.store.SaveDeploymentRecord(ctx, record); err != nil {
			return fmt.Errorf("persist deployment outcome: %w", err)
		}

		l.device.ArtifactName = session.ArtifactName
		if l.device.Inventory != nil {
			l.device.Inventory["artifact_name"] = session.ArtifactName
			l.device.Inventory["rootfs-image.version"] = session.ArtifactName
		}
		if err := l.store.UpdateArtifactVersion(ctx, l.device.DeviceID, session.ArtifactName); err != nil {
			return fmt.Errorf("persist artifact version: %w", err)
		}

		// Push the new version immediately instead of waiting for the
		// next poll, so the backend shows current software right away.
		if err := l.backend.UpdateInventory(detached(ctx), l.session.token, l.device.Inventory); err != nil {
			if errors.Is(err, menderclient.ErrUnauthorized) {
				return l.handleAuthFailure(ctx)
			}
			l.log.Warn("post-update inventory push failed", zap.Error(err))
		}
		l.log.Info("deployment succeeded", zap.String("artifact", session.ArtifactName))
		return nil
	}

	if err := l.reportDeploymentStatus(ctx, session, "failure", session.FailureMessage); err != nil {
		return err
	}
	record.Status = string(model.OutcomeFailure)
	record.ErrorMessage = session.FailureMessage
	if err := l.store.SaveDeploymentRecord(ctx, record); err != nil {
		return fmt.Errorf("persist deployment outcome: %w", err)
	}

	logs := FailureLogs(session.ArtifactName, session.FailureMessage)
	if err := l.backend.SendDeploymentLogs(detached(ctx), l.session.token, session.DeploymentID, logs); err != nil {
		if errors.Is(err, menderclient.ErrUnauthorized) {
			return l.handleAuthFailure(ctx)
		}
		l.log.Warn("deployment log upload failed", zap.Error(err))
	}
	l.log.Warn("deployment failed", zap.String("reason", session.FailureMessage))
	return nil
}

// reportDeploymentStatus sends one stage change; auth expiry abandons the
// deployment, transient faults do too but leave the session intact.
func (l *Lifecycle) reportDeploymentStatus(ctx context.Context, session *model.DeploymentSession, status, substate string) error {
	err := l.backend.UpdateDeploymentStatus(detached(ctx), l.session.token, session.DeploymentID, status, substate)
	if err == nil {
		return nil
	}
	if errors.Is(err, menderclient.ErrUnauthorized) {
		if err := l.handleAuthFailure(ctx); err != nil {
			return err
		}
		return errAbandoned
	}
	l.log.Warn("deployment status report failed, abandoning attempt",
		zap.String("status", status), zap.Error(err))
	if err := l.setState(ctx, model.StateIdle); err != nil {
		return err
	}
	return errAbandoned
}

// handleAuthFailure reacts to the backend invalidating our token: drop the
// session and force the lifecycle back to Unauthenticated. Always followed
// by abandoning whatever was in progress.
func (l *Lifecycle) handleAuthFailure(ctx context.Context) error {
	l.log.Warn("auth token invalidated by backend, will re-authenticate")
	l.session = nil
	l.device.AuthToken = ""
	if err := l.store.UpdateAuthToken(ctx, l.device.DeviceID, ""); err != nil {
		return fmt.Errorf("clear auth token: %w", err)
	}
	if err := l.setState(ctx, model.StateUnauthenticated); err != nil {
		return err
	}
	return errAbandoned
}

// idleWait sleeps out the poll interval in Idle, cut short by a poll-now
// signal or shutdown. Reports whether the lifecycle should stop.
func (l *Lifecycle) idleWait(ctx context.Context) (bool, error) {
	if l.device.CurrentState != model.StateIdle && l.device.CurrentState != model.StateUnauthenticated {
		if err := l.setState(ctx, model.StateIdle); err != nil {
			return false, err
		}
	}
	timer := time.NewTimer(l.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true, nil
	case <-l.wake:
		l.log.Debug("poll-now signal received, skipping idle wait")
		return false, nil
	case <-timer.C:
		return false, nil
	}
}

// setState validates and persists one lifecycle transition.
func (l *Lifecycle) setState(ctx context.Context, to model.DeviceState) error {
	from := l.device.CurrentState
	if from == to {
		return nil
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal state transition %s -> %s", from, to)
	}
	if err := l.store.UpdateStatus(ctx, l.device.DeviceID, to); err != nil {
		return fmt.Errorf("persist state %s: %w", to, err)
	}
	l.device.CurrentState = to
	l.log.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// tokenExpiry recovers the expiry hint from a bearer token without
// verifying it; the device has no key to verify against and only uses the
// hint for logging.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// ctxSleep waits d or until ctx is cancelled. Shutdown cancels simulated
// delays immediately.
func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// detached strips cancellation for the duration of one network call: an
// in-flight request past its boundary completes or fails on the client's
// own timeout rather than being torn down mid-write.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
