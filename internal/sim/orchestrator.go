package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetsim-labs/fleetsim/internal/config"
	"github.com/fleetsim-labs/fleetsim/internal/identity"
	"github.com/fleetsim-labs/fleetsim/internal/logger"
	"github.com/fleetsim-labs/fleetsim/internal/model"
	"github.com/fleetsim-labs/fleetsim/internal/profile"
	"github.com/fleetsim-labs/fleetsim/internal/storage"
)

// Orchestrator instantiates or restores the configured fleet, runs one
// lifecycle goroutine per device and multiplexes the two fleet-wide
// signals: poll-now and shutdown.
type Orchestrator struct {
	cfg      *config.Config
	registry *profile.Registry
	store    storage.Store
	backend  Backend
	log      *zap.Logger
	rng      *rand.Rand

	mu         sync.Mutex
	lifecycles []*Lifecycle
	cancel     context.CancelFunc
	started    bool

	wg       sync.WaitGroup
	errOnce  sync.Once
	fatalErr error
	stopOnce sync.Once
}

// NewOrchestrator wires the fleet engine.
func NewOrchestrator(cfg *config.Config, registry *profile.Registry, store storage.Store, backend Backend, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		store:    store,
		backend:  backend,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start loads or creates every configured device and spawns its lifecycle.
// Restarting against the same store with the same counts reuses the
// persisted devices instead of growing the fleet.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	devices, err := o.initializeFleet(runCtx)
	if err != nil {
		cancel()
		return err
	}
	if len(devices) == 0 {
		o.log.Warn("no industries enabled, fleet is empty")
	}

	for _, device := range devices {
		p, err := o.registry.Get(device.Industry)
		if err != nil {
			cancel()
			return fmt.Errorf("device %s: %w", device.DeviceID, err)
		}
		lc := NewLifecycle(
			device,
			p,
			o.store,
			o.backend,
			logger.ForDevice(o.log, device.DeviceID, string(device.Industry)),
			rand.New(rand.NewSource(o.rng.Int63())),
			o.cfg.Server.PollInterval,
			o.cfg.ErrorMessages,
		)
		o.lifecycles = append(o.lifecycles, lc)
	}

	o.log.Info("starting fleet", zap.Int("devices", len(o.lifecycles)))
	for _, lc := range o.lifecycles {
		o.wg.Add(1)
		go func(lc *Lifecycle) {
			defer o.wg.Done()
			if err := lc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				o.errOnce.Do(func() { o.fatalErr = fmt.Errorf("device %s: %w", lc.DeviceID(), err) })
				// A device whose state cannot be durably recorded
				// must not silently proceed; take the fleet down.
				o.cancel()
			}
		}(lc)
	}
	o.started = true
	return nil
}

// Wait blocks until every lifecycle has reached a safe suspension point
// and exited, returning the first fatal error if one occurred.
func (o *Orchestrator) Wait() error {
	o.wg.Wait()
	return o.fatalErr
}

// Stop broadcasts shutdown and waits for the fleet to drain. Safe to call
// more than once; later calls are no-ops.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		cancel := o.cancel
		o.mu.Unlock()
		if cancel == nil {
			return
		}
		o.log.Info("initiating graceful shutdown")
		cancel()
		o.wg.Wait()
		o.log.Info("shutdown complete")
	})
}

// PollNow broadcasts the immediate-poll signal: idle devices skip their
// remaining sleep, busy devices ignore it. Idempotent.
func (o *Orchestrator) PollNow() {
	o.mu.Lock()
	lifecycles := o.lifecycles
	o.mu.Unlock()
	o.log.Info("broadcasting poll-now signal", zap.Int("devices", len(lifecycles)))
	for _, lc := range lifecycles {
		lc.Wake()
	}
}

// DeviceCount reports how many lifecycles the orchestrator runs.
func (o *Orchestrator) DeviceCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.lifecycles)
}

// initializeFleet loads existing devices per enabled industry and creates
// the shortfall up to the configured count. Device IDs are deterministic
// per (industry, index), so reruns never create duplicates.
func (o *Orchestrator) initializeFleet(ctx context.Context) ([]*model.Device, error) {
	var fleet []*model.Device
	for _, p := range o.registry.Profiles() {
		existing, err := o.store.ListDevicesByIndustry(ctx, p.Industry)
		if err != nil {
			return nil, fmt.Errorf("list %s devices: %w", p.Industry, err)
		}
		byID := make(map[string]*model.Device, len(existing))
		for _, d := range existing {
			byID[d.DeviceID] = d
		}
		o.log.Info("initializing industry",
			zap.String("industry", string(p.Industry)),
			zap.Int("existing", len(existing)),
			zap.Int("configured", p.Count))

		// All previously persisted devices keep running even when the
		// configured count shrank.
		fleet = append(fleet, existing...)

		for index := 0; index < p.Count; index++ {
			id := p.DeviceID(index)
			if _, ok := byID[id]; ok {
				continue
			}
			device, err := o.createDevice(ctx, p, index)
			if err != nil {
				var cryptoErr *identity.CryptoGenerationError
				if errors.As(err, &cryptoErr) {
					// Fatal for this device only, not the fleet.
					o.log.Error("skipping device, key generation failed",
						zap.String("device_id", id), zap.Error(err))
					continue
				}
				return nil, err
			}
			fleet = append(fleet, device)
		}
	}
	return fleet, nil
}

func (o *Orchestrator) createDevice(ctx context.Context, p *profile.Profile, index int) (*model.Device, error) {
	deviceID := p.DeviceID(index)
	keys, err := identity.GenerateKeyPair(o.cfg.Simulator.KeyBits)
	if err != nil {
		return nil, err
	}
	identityData := p.GenerateIdentity(o.rng, index)
	inventory := p.GenerateInventory(o.rng, deviceID)

	device := &model.Device{
		DeviceID:      deviceID,
		IdentityData:  identityData,
		PrivateKeyPEM: keys.PrivatePEM,
		PublicKeyPEM:  keys.PublicPEM,
		Industry:      p.Industry,
		DeviceType:    p.DeviceType,
		ArtifactName:  fmt.Sprint(inventory["artifact_name"]),
		CurrentState:  model.StateUnauthenticated,
		Inventory:     inventory,
	}
	if err := o.store.SaveDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("persist new device %s: %w", deviceID, err)
	}
	o.log.Debug("created device", zap.String("device_id", deviceID))
	return device, nil
}
