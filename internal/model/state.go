package model

// DeviceState is one phase of the device lifecycle.
type DeviceState string

const (
	StateUnauthenticated    DeviceState = "unauthenticated"
	StateAuthenticating     DeviceState = "authenticating"
	StateIdle               DeviceState = "idle"
	StateCheckingDeployment DeviceState = "checking_deployment"
	StateDownloading        DeviceState = "downloading"
	StateInstalling         DeviceState = "installing"
	StateRebooting          DeviceState = "rebooting"
	StateReportingOutcome   DeviceState = "reporting_outcome"
)

// transitions lists every forward edge of the lifecycle, including the
// abandon edges back to Idle taken when a network fault interrupts an
// update stage. The cross-cutting edge to StateUnauthenticated (token
// invalidated by the backend) is allowed from any state and handled
// separately in CanTransition.
var transitions = map[DeviceState][]DeviceState{
	StateUnauthenticated:    {StateAuthenticating},
	StateAuthenticating:     {StateIdle},
	StateIdle:               {StateCheckingDeployment},
	StateCheckingDeployment: {StateIdle, StateDownloading},
	StateDownloading:        {StateInstalling, StateIdle},
	StateInstalling:         {StateRebooting, StateIdle},
	StateRebooting:          {StateReportingOutcome, StateIdle},
	StateReportingOutcome:   {StateIdle},
}

// CanTransition reports whether moving from one state to another is a legal
// lifecycle step.
func (s DeviceState) CanTransition(to DeviceState) bool {
	if to == StateUnauthenticated {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s DeviceState) Valid() bool {
	if s == StateUnauthenticated {
		return true
	}
	_, ok := transitions[s]
	return ok
}
