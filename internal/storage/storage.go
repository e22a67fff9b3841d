package storage

import (
	"context"
	"time"

	"github.com/fleetsim-labs/fleetsim/internal/model"
)

// Store abstracts device and deployment-history persistence. A write that
// returns nil must survive immediate process termination; implementations
// must serialize writes so no two callers read-modify-write the same
// device record concurrently.
type Store interface {
	SaveDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]*model.Device, error)
	ListDevicesByIndustry(ctx context.Context, industry model.Industry) ([]*model.Device, error)
	UpdateStatus(ctx context.Context, deviceID string, state model.DeviceState) error
	UpdateArtifactVersion(ctx context.Context, deviceID, artifactName string) error
	UpdateAuthToken(ctx context.Context, deviceID, token string) error
	UpdateLastPoll(ctx context.Context, deviceID string, at time.Time) error
	SaveDeploymentRecord(ctx context.Context, record *model.DeploymentRecord) error
	ListDeploymentRecords(ctx context.Context) ([]*model.DeploymentRecord, error)
	Close() error
}
