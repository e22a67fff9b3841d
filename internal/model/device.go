package model

import (
	"encoding/json"
	"time"
)

// Industry tags the vertical a simulated device belongs to. The set is
// closed; identity and inventory generators dispatch on it.
type Industry string

const (
	IndustryAutomotive     Industry = "automotive"
	IndustrySmartBuildings Industry = "smart_buildings"
	IndustryMedical        Industry = "medical"
	IndustryIndustrialIoT  Industry = "industrial_iot"
	IndustryRetail         Industry = "retail"
	IndustryGeneric        Industry = "generic"
)

// Device represents one simulated device: its durable identity, key
// material and current lifecycle state. IdentityData is fixed at creation;
// regenerating identity means decommission plus re-creation.
type Device struct {
	DeviceID      string            `json:"deviceId"`
	IdentityData  map[string]string `json:"identityData"`
	PrivateKeyPEM string            `json:"privateKeyPem"`
	PublicKeyPEM  string            `json:"publicKeyPem"`
	Industry      Industry          `json:"industry"`
	DeviceType    string            `json:"deviceType"`
	ArtifactName  string            `json:"artifactName"`
	CurrentState  DeviceState       `json:"currentState"`
	AuthToken     string            `json:"authToken,omitempty"`
	Inventory     map[string]any    `json:"inventory"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	LastPoll      *time.Time        `json:"lastPoll,omitempty"`
}

// IdentityString returns the identity data as the JSON document sent in
// authentication requests. Keys are emitted in sorted order, so the same
// identity always yields the same document.
func (d *Device) IdentityString() (string, error) {
	raw, err := json.Marshal(d.IdentityData)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
