// Package profile holds the per-industry configuration bundles that govern
// identity generation, inventory schemas, bandwidth and update outcomes.
// Profiles are built once at startup and shared read-only by every device
// of the same industry.
package profile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fleetsim-labs/fleetsim/internal/config"
	"github.com/fleetsim-labs/fleetsim/internal/model"
)

// ErrNotFound indicates no profile is registered for the industry.
var ErrNotFound = errors.New("industry profile not found")

// Per-industry fallbacks applied when the config leaves success_rate unset.
// Medical fleets are modeled as the most stable, industrial the least.
const (
	successRateMedical    = 0.95
	successRateIndustrial = 0.75
)

// Registry is the loaded-once catalog of industry profiles.
type Registry struct {
	profiles map[model.Industry]*Profile
}

// NewRegistry builds profiles for every enabled industry in the config.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	profiles := make(map[model.Industry]*Profile)
	sections := make(map[model.Industry]string)
	for name, ind := range cfg.EnabledIndustries() {
		industry := ParseIndustry(name)
		if prev, dup := sections[industry]; dup {
			return nil, fmt.Errorf("industry sections %q and %q both resolve to the %s profile", prev, name, industry)
		}
		sections[industry] = name
		profiles[industry] = newProfile(industry, ind, cfg.Simulator.SuccessRate)
	}
	return &Registry{profiles: profiles}, nil
}

// Get returns the profile for an industry.
func (r *Registry) Get(industry model.Industry) (*Profile, error) {
	p, ok := r.profiles[industry]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, industry)
	}
	return p, nil
}

// Profiles returns all registered profiles ordered by industry name, so
// fleet startup walks industries in a stable order.
func (r *Registry) Profiles() []*Profile {
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Industry < out[j].Industry })
	return out
}

// ParseIndustry maps a config section name to the closed industry set.
// Unknown names fall back to the generic profile behavior.
func ParseIndustry(name string) model.Industry {
	switch model.Industry(name) {
	case model.IndustryAutomotive, model.IndustrySmartBuildings, model.IndustryMedical,
		model.IndustryIndustrialIoT, model.IndustryRetail:
		return model.Industry(name)
	default:
		return model.IndustryGeneric
	}
}

func newProfile(industry model.Industry, ind config.IndustryConfig, globalRate float64) *Profile {
	rate := ind.SuccessRate
	if rate == 0 {
		switch industry {
		case model.IndustryMedical:
			rate = successRateMedical
		case model.IndustryIndustrialIoT:
			rate = successRateIndustrial
		default:
			rate = globalRate
		}
	}

	deviceType := ind.DeviceType
	if deviceType == "" {
		deviceType = defaultDeviceType(industry)
	}
	prefix := ind.IDPrefix
	if prefix == "" {
		prefix = "DEV"
	}
	bandwidth := ind.BandwidthKbps
	if bandwidth <= 0 {
		bandwidth = 500
	}

	return &Profile{
		Industry:      industry,
		DeviceType:    deviceType,
		Count:         ind.Count,
		BandwidthKbps: bandwidth,
		IDPrefix:      prefix,
		SuccessRate:   rate,
		inventory:     ind.Inventory,
		manufacturers: withDefault(ind.Manufacturers, []string{"WVWZZZ", "3VWDP7"}),
		ouiPrefixes:   withDefault(ind.OUIPrefixes, []string{"00:1A:2B", "DC:A6:32"}),
		deviceClasses: withDefault(ind.DeviceClasses, []string{"II", "III"}),
		plants:        withDefault(ind.Plants, []string{"PLANT-A", "PLANT-B"}),
		regions:       withDefault(ind.Regions, []string{"NA", "EU"}),
	}
}

func defaultDeviceType(industry model.Industry) string {
	switch industry {
	case model.IndustryAutomotive:
		return "automotive-gateway"
	case model.IndustrySmartBuildings:
		return "building-controller"
	case model.IndustryMedical:
		return "medical-device"
	case model.IndustryIndustrialIoT:
		return "industrial-gateway"
	case model.IndustryRetail:
		return "pos-terminal"
	default:
		return "generic-device"
	}
}

func withDefault(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}
