package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetsim-labs/fleetsim/internal/model"
	"github.com/fleetsim-labs/fleetsim/internal/storage"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketDevices     = []byte("devices")
	bucketDeployments = []byte("deployment_history")
)

// Store is a BoltDB-backed Store implementation. Bolt runs a single
// writer and fsyncs on commit, which gives the per-device write
// serialization and crash safety the fleet requires.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDevices); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDeployments)
		return err
	}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDevice stores or updates a device record.
func (s *Store) SaveDevice(ctx context.Context, device *model.Device) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	payload, err := json.Marshal(device)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put([]byte(device.DeviceID), payload)
	})
}

// GetDevice fetches a device by its stable identifier.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var device *model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDevices).Get([]byte(deviceID))
		if raw == nil {
			return storage.ErrNotFound
		}
		device = &model.Device{}
		return json.Unmarshal(raw, device)
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// ListDevices returns all devices.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	return s.list(ctx, func(*model.Device) bool { return true })
}

// ListDevicesByIndustry returns devices belonging to one industry.
func (s *Store) ListDevicesByIndustry(ctx context.Context, industry model.Industry) ([]*model.Device, error) {
	return s.list(ctx, func(d *model.Device) bool {
		return d.Industry == industry
	})
}

func (s *Store) list(ctx context.Context, filter func(*model.Device) bool) ([]*model.Device, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var devices []*model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var device model.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			if filter(&device) {
				copied := device
				devices = append(devices, &copied)
			}
			return nil
		})
	})
	return devices, err
}

// UpdateStatus persists a lifecycle state transition.
func (s *Store) UpdateStatus(ctx context.Context, deviceID string, state model.DeviceState) error {
	return s.mutate(ctx, deviceID, func(d *model.Device) {
		d.CurrentState = state
	})
}

// UpdateArtifactVersion records a successful update: both the device field
// and the inventory attributes the backend reads it back from.
func (s *Store) UpdateArtifactVersion(ctx context.Context, deviceID, artifactName string) error {
	return s.mutate(ctx, deviceID, func(d *model.Device) {
		d.ArtifactName = artifactName
		if d.Inventory != nil {
			d.Inventory["artifact_name"] = artifactName
			d.Inventory["rootfs-image.version"] = artifactName
		}
	})
}

// UpdateAuthToken persists the device's bearer token; an empty token
// clears the session.
func (s *Store) UpdateAuthToken(ctx context.Context, deviceID, token string) error {
	return s.mutate(ctx, deviceID, func(d *model.Device) {
		d.AuthToken = token
	})
}

// UpdateLastPoll stamps the device's most recent poll cycle.
func (s *Store) UpdateLastPoll(ctx context.Context, deviceID string, at time.Time) error {
	return s.mutate(ctx, deviceID, func(d *model.Device) {
		at := at.UTC()
		d.LastPoll = &at
	})
}

// mutate applies fn to a device inside one write transaction, so the
// read-modify-write is atomic with respect to every other writer.
func (s *Store) mutate(ctx context.Context, deviceID string, fn func(*model.Device)) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		raw := bkt.Get([]byte(deviceID))
		if raw == nil {
			return fmt.Errorf("device %s: %w", deviceID, storage.ErrNotFound)
		}
		var device model.Device
		if err := json.Unmarshal(raw, &device); err != nil {
			return err
		}
		fn(&device)
		device.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&device)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(deviceID), payload)
	})
}

// SaveDeploymentRecord upserts the history row for one deployment attempt,
// keyed by device and deployment so stage changes update in place.
func (s *Store) SaveDeploymentRecord(ctx context.Context, record *model.DeploymentRecord) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := []byte(record.DeviceID + "/" + record.DeploymentID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put(key, payload)
	})
}

// ListDeploymentRecords returns all deployment history rows.
func (s *Store) ListDeploymentRecords(ctx context.Context) ([]*model.DeploymentRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var records []*model.DeploymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			var record model.DeploymentRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			copied := record
			records = append(records, &copied)
			return nil
		})
	})
	return records, err
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
