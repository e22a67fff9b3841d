package model

// DeviceView hides key material when returning devices over the control API.
type DeviceView struct {
	DeviceID     string            `json:"deviceId"`
	IdentityData map[string]string `json:"identityData"`
	Industry     Industry          `json:"industry"`
	DeviceType   string            `json:"deviceType"`
	ArtifactName string            `json:"artifactName"`
	CurrentState DeviceState       `json:"currentState"`
	Authorized   bool              `json:"authorized"`
	LastPoll     string            `json:"lastPoll,omitempty"`
}
