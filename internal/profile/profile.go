package profile

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/fleetsim-labs/fleetsim/internal/model"
)

// SimulatorVersion is reported in every device's inventory.
const SimulatorVersion = "1.0.0"

// vinYearCodes are the letters VINs use to encode model year (I, O, Q, U,
// Z and 0 are excluded by the standard).
const vinYearCodes = "ABCDEFGHJKLMNPRSTVWXY"

// Profile governs one vertical: identity schema, inventory attributes,
// virtual bandwidth and update success rate. Immutable after construction;
// callers supply their own rand source, so a single profile is safe to
// share across concurrent lifecycles.
type Profile struct {
	Industry      model.Industry
	DeviceType    string
	Count         int
	BandwidthKbps int
	IDPrefix      string
	SuccessRate   float64

	inventory     map[string]any
	manufacturers []string
	ouiPrefixes   []string
	deviceClasses []string
	plants        []string
	regions       []string
}

// DeviceID derives the stable identifier for the index-th device of this
// industry. Recomputing it for the same index always yields the same ID,
// which is what makes fleet startup idempotent.
func (p *Profile) DeviceID(index int) string {
	return fmt.Sprintf("%s-%s-%06d", p.IDPrefix, p.Industry, index)
}

// GenerateIdentity produces the immutable identity attributes for a new
// device: a MAC plus one vertical-specific unique identifier.
func (p *Profile) GenerateIdentity(rng *rand.Rand, index int) map[string]string {
	switch p.Industry {
	case model.IndustryAutomotive:
		return p.automotiveIdentity(rng, index)
	case model.IndustrySmartBuildings:
		return p.smartBuildingsIdentity(rng)
	case model.IndustryMedical:
		return p.medicalIdentity(rng, index)
	case model.IndustryIndustrialIoT:
		return p.industrialIdentity(rng, index)
	case model.IndustryRetail:
		return p.retailIdentity(rng, index)
	default:
		return map[string]string{
			"mac":         randomMAC(rng),
			"serial":      fmt.Sprintf("DEV-%08d", index),
			"device_type": p.DeviceType,
		}
	}
}

func (p *Profile) automotiveIdentity(rng *rand.Rand, index int) map[string]string {
	manufacturer := p.manufacturers[rng.Intn(len(p.manufacturers))]
	year := vinYearCodes[rng.Intn(len(vinYearCodes))]
	vin := fmt.Sprintf("%s%c%06d", manufacturer, year, index)
	if len(vin) > 17 {
		vin = vin[:17]
	}
	for len(vin) < 17 {
		vin += "0"
	}
	return map[string]string{
		"mac":         randomMAC(rng),
		"vin":         vin,
		"device_type": p.DeviceType,
	}
}

func (p *Profile) smartBuildingsIdentity(rng *rand.Rand) map[string]string {
	oui := p.ouiPrefixes[rng.Intn(len(p.ouiPrefixes))]
	mac := fmt.Sprintf("%s:%02X:%02X:%02X", oui, rng.Intn(256), rng.Intn(256), rng.Intn(256))
	return map[string]string{
		"mac":         mac,
		"device_type": p.DeviceType,
	}
}

func (p *Profile) medicalIdentity(rng *rand.Rand, index int) map[string]string {
	class := p.deviceClasses[rng.Intn(len(p.deviceClasses))]
	serial := fmt.Sprintf("%08d", index)
	return map[string]string{
		"mac":           randomMAC(rng),
		"fda_udi":       fmt.Sprintf("FDA-%s-%s", class, serial),
		"serial_number": serial,
		"device_type":   p.DeviceType,
	}
}

func (p *Profile) industrialIdentity(rng *rand.Rand, index int) map[string]string {
	plant := p.plants[rng.Intn(len(p.plants))]
	line := 1 + rng.Intn(10)
	unit := index % 100
	return map[string]string{
		"mac":         randomMAC(rng),
		"plant_id":    plant,
		"line":        fmt.Sprintf("L%02d", line),
		"unit":        fmt.Sprintf("U%03d", unit),
		"device_type": p.DeviceType,
	}
}

func (p *Profile) retailIdentity(rng *rand.Rand, index int) map[string]string {
	region := p.regions[rng.Intn(len(p.regions))]
	store := 1000 + rng.Intn(9000)
	return map[string]string{
		"mac":         randomMAC(rng),
		"pos_id":      fmt.Sprintf("POS-%s-%d-%02d", region, store, index%100),
		"region":      region,
		"store_id":    fmt.Sprintf("%d", store),
		"device_type": p.DeviceType,
	}
}

// GenerateInventory builds the initial inventory snapshot: configured
// static attributes, the common attributes every device reports, and the
// industry's dynamic telemetry.
func (p *Profile) GenerateInventory(rng *rand.Rand, deviceID string) map[string]any {
	inv := make(map[string]any, len(p.inventory)+8)
	for k, v := range p.inventory {
		inv[k] = v
	}
	inv["device_id"] = deviceID
	inv["device_type"] = p.DeviceType
	inv["industry"] = string(p.Industry)
	inv["simulator_version"] = SimulatorVersion
	inv["last_boot"] = time.Now().UTC().Format(time.RFC3339)
	if _, ok := inv["artifact_name"]; !ok {
		inv["artifact_name"] = p.DeviceType + "-v1.0.0"
	}
	p.enrichTelemetry(rng, inv)
	return inv
}

// UpdateTelemetry refreshes only the dynamic attributes on a copy of the
// inventory. Identity-bearing and configured static attributes are carried
// over untouched; the result is the full snapshot sent to the backend.
func (p *Profile) UpdateTelemetry(rng *rand.Rand, inventory map[string]any) map[string]any {
	inv := make(map[string]any, len(inventory))
	for k, v := range inventory {
		inv[k] = v
	}
	p.enrichTelemetry(rng, inv)
	return inv
}

func (p *Profile) enrichTelemetry(rng *rand.Rand, inv map[string]any) {
	switch p.Industry {
	case model.IndustryAutomotive:
		inv["odometer_km"] = rng.Intn(200001)
		inv["battery_voltage"] = roundTo(11.5+rng.Float64()*3.0, 2)
	case model.IndustrySmartBuildings:
		inv["floor"] = 1 + rng.Intn(50)
		inv["room_count"] = 1 + rng.Intn(20)
	case model.IndustryMedical:
		inv["calibration_due"] = time.Now().UTC().AddDate(0, 6, 0).Format("2006-01-02")
		inv["software_validated"] = true
	case model.IndustryIndustrialIoT:
		inv["plc_connected"] = rng.Intn(2) == 0
		inv["uptime_hours"] = rng.Intn(8761)
	case model.IndustryRetail:
		inv["receipt_printer"] = rng.Intn(2) == 0
		inv["transactions_today"] = rng.Intn(501)
	}
}

func randomMAC(rng *rand.Rand) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		rng.Intn(256), rng.Intn(256), rng.Intn(256),
		rng.Intn(256), rng.Intn(256), rng.Intn(256))
}

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	return float64(int(v*scale+0.5)) / scale
}
