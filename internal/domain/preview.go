package domain

// PreviewStatus is the coarse lifecycle state of a preview, derived from its
// latest deployment and, when the container runtime is reachable, live
// container state.
type PreviewStatus string

const (
	StatusBuilding PreviewStatus = "Building"
	StatusRunning  PreviewStatus = "Running"
	StatusFailed   PreviewStatus = "Failed"
	StatusUnknown  PreviewStatus = "Unknown"
)

// Preview is the API projection of one preview environment.
type Preview struct {
	Identifier     string             `json:"identifier"`
	ComposeID      string             `json:"composeId"`
	PRID           string             `json:"prId,omitempty"`
	Branch         string             `json:"branch"`
	Status         PreviewStatus      `json:"status"`
	CreatedAt      string             `json:"createdAt,omitempty"`
	LastDeployedAt string             `json:"lastDeployedAt,omitempty"`
	FrontendURL    string             `json:"frontendUrl,omitempty"`
	BackendURL     string             `json:"backendUrl,omitempty"`
	PRURL          string             `json:"prUrl,omitempty"`
	Containers     []ContainerSummary `json:"containers"`
}

// PreviewDetail extends a Preview with its deployment history.
type PreviewDetail struct {
	Preview
	Deployments []DeploymentRecord `json:"deployments"`
}

// ContainerSummary is the per-container slice of a preview projection.
type ContainerSummary struct {
	Name    string `json:"name"`
	Service string `json:"service"`
	State   string `json:"state"`
}

// DeploymentRecord is one historical deployment of a preview. Timestamps are
// passed through as reported by the deployment platform. Number counts
// deployments 1-based in the order they effectively ran, so the first
// deployment ever keeps number 1 no matter how the list is presented.
type DeploymentRecord struct {
	DeploymentID    string `json:"deploymentId"`
	Number          int    `json:"number"`
	Status          string `json:"status,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
	StartedAt       string `json:"startedAt,omitempty"`
	FinishedAt      string `json:"finishedAt,omitempty"`
	DurationSeconds *int64 `json:"durationSeconds,omitempty"`
}
