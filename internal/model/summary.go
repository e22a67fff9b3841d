package model

// FleetSummary is the aggregate view served by /fleet/summary.
type FleetSummary struct {
	TotalDevices int                 `json:"totalDevices"`
	ByIndustry   map[Industry]int    `json:"byIndustry"`
	ByState      map[DeviceState]int `json:"byState"`
}
