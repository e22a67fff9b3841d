package profile

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/fleetsim-labs/fleetsim/internal/config"
	"github.com/fleetsim-labs/fleetsim/internal/model"
)

var macPattern = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Simulator.SuccessRate = 0.8
	cfg.Industries = map[string]config.IndustryConfig{
		"automotive": {
			Enabled: true, Count: 5, BandwidthKbps: 2000, IDPrefix: "AUTO",
			Inventory: map[string]any{"artifact_name": "tcu-v1.0.0", "oem_variant": "standard"},
		},
		"smart_buildings": {Enabled: true, Count: 3, BandwidthKbps: 1000, IDPrefix: "BLDG"},
		"medical":         {Enabled: true, Count: 2, BandwidthKbps: 500, IDPrefix: "MED"},
		"industrial_iot":  {Enabled: true, Count: 2, BandwidthKbps: 250, IDPrefix: "IND"},
		"retail":          {Enabled: true, Count: 2, BandwidthKbps: 750, IDPrefix: "POS"},
		"disabled_one":    {Enabled: false, Count: 100},
	}
	return cfg
}

func mustProfile(t *testing.T, r *Registry, industry model.Industry) *Profile {
	t.Helper()
	p, err := r.Get(industry)
	if err != nil {
		t.Fatalf("Get(%s): %v", industry, err)
	}
	return p
}

func TestRegistryGet(t *testing.T) {
	r, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if len(r.Profiles()) != 5 {
		t.Fatalf("want 5 enabled profiles, got %d", len(r.Profiles()))
	}
	if _, err := r.Get(model.Industry("does-not-exist")); err == nil {
		t.Fatal("expected error for unknown industry")
	}
}

func TestSuccessRateDefaults(t *testing.T) {
	r, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tests := []struct {
		industry model.Industry
		want     float64
	}{
		{model.IndustryMedical, 0.95},
		{model.IndustryIndustrialIoT, 0.75},
		{model.IndustryAutomotive, 0.8},
		{model.IndustryRetail, 0.8},
	}
	for _, tt := range tests {
		if got := mustProfile(t, r, tt.industry).SuccessRate; got != tt.want {
			t.Errorf("%s success rate = %g, want %g", tt.industry, got, tt.want)
		}
	}
}

func TestDeviceIDDeterministic(t *testing.T) {
	r, _ := NewRegistry(testConfig())
	p := mustProfile(t, r, model.IndustryAutomotive)
	if p.DeviceID(3) != p.DeviceID(3) {
		t.Error("DeviceID must be stable for the same index")
	}
	if p.DeviceID(0) != "AUTO-automotive-000000" {
		t.Errorf("unexpected device id: %s", p.DeviceID(0))
	}
}

func TestGenerateIdentity(t *testing.T) {
	r, _ := NewRegistry(testConfig())
	rng := rand.New(rand.NewSource(42))

	t.Run("automotive VIN", func(t *testing.T) {
		id := mustProfile(t, r, model.IndustryAutomotive).GenerateIdentity(rng, 7)
		if len(id["vin"]) != 17 {
			t.Errorf("VIN must be 17 characters, got %d (%q)", len(id["vin"]), id["vin"])
		}
		if !macPattern.MatchString(id["mac"]) {
			t.Errorf("malformed mac %q", id["mac"])
		}
	})

	t.Run("smart buildings OUI", func(t *testing.T) {
		id := mustProfile(t, r, model.IndustrySmartBuildings).GenerateIdentity(rng, 0)
		if !macPattern.MatchString(id["mac"]) {
			t.Errorf("malformed mac %q", id["mac"])
		}
		oui := id["mac"][:8]
		if oui != "00:1A:2B" && oui != "DC:A6:32" {
			t.Errorf("mac %q does not start with a configured OUI prefix", id["mac"])
		}
	})

	t.Run("medical FDA id", func(t *testing.T) {
		id := mustProfile(t, r, model.IndustryMedical).GenerateIdentity(rng, 12)
		if want := "FDA-"; id["fda_udi"][:4] != want {
			t.Errorf("fda_udi %q missing prefix %q", id["fda_udi"], want)
		}
		if id["serial_number"] != "00000012" {
			t.Errorf("serial_number = %q, want 00000012", id["serial_number"])
		}
	})

	t.Run("industrial plant line unit", func(t *testing.T) {
		id := mustProfile(t, r, model.IndustryIndustrialIoT).GenerateIdentity(rng, 105)
		if id["unit"] != "U005" {
			t.Errorf("unit = %q, want U005", id["unit"])
		}
		if id["plant_id"] != "PLANT-A" && id["plant_id"] != "PLANT-B" {
			t.Errorf("unexpected plant %q", id["plant_id"])
		}
	})

	t.Run("retail POS id", func(t *testing.T) {
		id := mustProfile(t, r, model.IndustryRetail).GenerateIdentity(rng, 3)
		if !regexp.MustCompile(`^POS-(NA|EU)-\d{4}-03$`).MatchString(id["pos_id"]) {
			t.Errorf("malformed pos_id %q", id["pos_id"])
		}
	})
}

func TestGenerateInventory(t *testing.T) {
	r, _ := NewRegistry(testConfig())
	rng := rand.New(rand.NewSource(1))
	p := mustProfile(t, r, model.IndustryAutomotive)

	inv := p.GenerateInventory(rng, "AUTO-automotive-000000")
	if inv["artifact_name"] != "tcu-v1.0.0" {
		t.Errorf("configured artifact_name should carry over, got %v", inv["artifact_name"])
	}
	if inv["oem_variant"] != "standard" {
		t.Errorf("static attribute lost: %v", inv["oem_variant"])
	}
	if inv["simulator_version"] != SimulatorVersion {
		t.Errorf("simulator_version = %v", inv["simulator_version"])
	}
	if _, ok := inv["odometer_km"]; !ok {
		t.Error("automotive telemetry missing odometer_km")
	}
}

func TestUpdateTelemetryPreservesStatics(t *testing.T) {
	r, _ := NewRegistry(testConfig())
	rng := rand.New(rand.NewSource(1))
	p := mustProfile(t, r, model.IndustryAutomotive)

	inv := p.GenerateInventory(rng, "AUTO-automotive-000001")
	inv["artifact_name"] = "tcu-v1.1.0"

	updated := p.UpdateTelemetry(rng, inv)
	if updated["artifact_name"] != "tcu-v1.1.0" {
		t.Errorf("artifact_name changed by telemetry refresh: %v", updated["artifact_name"])
	}
	if updated["device_id"] != inv["device_id"] {
		t.Error("device_id changed by telemetry refresh")
	}
	if updated["oem_variant"] != "standard" {
		t.Error("static attribute changed by telemetry refresh")
	}
	// The input snapshot must not be mutated.
	updated["oem_variant"] = "premium"
	if inv["oem_variant"] != "standard" {
		t.Error("UpdateTelemetry must return a copy, not mutate its input")
	}
}

func TestUnknownIndustryRunsAsGeneric(t *testing.T) {
	cfg := &config.Config{}
	cfg.Simulator.SuccessRate = 0.8
	cfg.Industries = map[string]config.IndustryConfig{
		"agriculture": {Enabled: true, Count: 4, IDPrefix: "AGRI"},
	}

	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p := mustProfile(t, r, model.IndustryGeneric)
	if p.IDPrefix != "AGRI" {
		t.Errorf("IDPrefix = %q, want AGRI", p.IDPrefix)
	}
	if p.Count != 4 {
		t.Errorf("Count = %d, want 4", p.Count)
	}
}

func TestCollidingIndustrySectionsRejected(t *testing.T) {
	cfg := &config.Config{}
	cfg.Simulator.SuccessRate = 0.8
	cfg.Industries = map[string]config.IndustryConfig{
		"agriculture": {Enabled: true, Count: 4},
		"forestry":    {Enabled: true, Count: 2},
	}

	_, err := NewRegistry(cfg)
	if err == nil {
		t.Fatal("two unknown sections must not silently share the generic profile")
	}
	if !strings.Contains(err.Error(), "agriculture") || !strings.Contains(err.Error(), "forestry") {
		t.Errorf("error should name both sections, got: %v", err)
	}
}

func TestParseIndustry(t *testing.T) {
	if ParseIndustry("medical") != model.IndustryMedical {
		t.Error("medical should parse to its own industry")
	}
	if ParseIndustry("agriculture") != model.IndustryGeneric {
		t.Error("unknown industries fall back to generic")
	}
}
