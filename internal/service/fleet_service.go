package service

import (
	"context"
	"time"

	"github.com/fleetsim-labs/fleetsim/internal/model"
	"github.com/fleetsim-labs/fleetsim/internal/storage"
)

// FleetService serves read-only fleet views over the control API. Key
// material never crosses this boundary.
type FleetService struct {
	store storage.Store
}

// NewFleetService constructs FleetService.
func NewFleetService(store storage.Store) *FleetService {
	return &FleetService{store: store}
}

// ListViews returns all devices with key material stripped.
func (s *FleetService) ListViews(ctx context.Context) ([]*model.DeviceView, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*model.DeviceView, 0, len(devices))
	for _, device := range devices {
		views = append(views, toView(device))
	}
	return views, nil
}

// GetView returns one device with key material stripped.
func (s *FleetService) GetView(ctx context.Context, deviceID string) (*model.DeviceView, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return toView(device), nil
}

// Summary aggregates the fleet by industry and lifecycle state.
func (s *FleetService) Summary(ctx context.Context) (*model.FleetSummary, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	summary := &model.FleetSummary{
		TotalDevices: len(devices),
		ByIndustry:   make(map[model.Industry]int),
		ByState:      make(map[model.DeviceState]int),
	}
	for _, device := range devices {
		summary.ByIndustry[device.Industry]++
		summary.ByState[device.CurrentState]++
	}
	return summary, nil
}

func toView(device *model.Device) *model.DeviceView {
	if device == nil {
		return nil
	}
	view := &model.DeviceView{
		DeviceID:     device.DeviceID,
		IdentityData: device.IdentityData,
		Industry:     device.Industry,
		DeviceType:   device.DeviceType,
		ArtifactName: device.ArtifactName,
		CurrentState: device.CurrentState,
		Authorized:   device.AuthToken != "",
	}
	if device.LastPoll != nil {
		view.LastPoll = device.LastPoll.UTC().Format(time.RFC3339)
	}
	return view
}
