package model

import "time"

// DeploymentOutcome is the terminal result of one update attempt.
type DeploymentOutcome string

const (
	OutcomeSuccess DeploymentOutcome = "success"
	OutcomeFailure DeploymentOutcome = "failure"
)

// DeploymentSession is the transient state of one in-flight update. It is
// created when the backend offers a deployment and discarded once the
// terminal status has been reported.
type DeploymentSession struct {
	DeploymentID    string
	ArtifactName    string
	ArtifactURI     string
	ArtifactSize    int64
	DownloadSeconds float64
	InstallSeconds  float64
	RebootSeconds   float64
	Outcome         DeploymentOutcome
	FailureMessage  string
}

// DeploymentRecord is one persisted row of deployment history. Records are
// written at every stage change so the control API can replay an attempt.
type DeploymentRecord struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"deviceId"`
	DeploymentID string     `json:"deploymentId"`
	ArtifactName string     `json:"artifactName"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}
