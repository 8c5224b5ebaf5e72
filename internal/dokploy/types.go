package dokploy

// Wire types for the subset of the Dokploy API the orchestrator drives.

// Project is one platform project with its environment tree. The project
// listing endpoint returns environments and their composes inline, which is
// what makes name lookups a single round trip.
type Project struct {
	ProjectID    string        `json:"projectId"`
	Name         string        `json:"name"`
	Environments []Environment `json:"environments"`
}

// Environment groups composes inside a project.
type Environment struct {
	EnvironmentID string    `json:"environmentId"`
	Name          string    `json:"name"`
	ProjectID     string    `json:"projectId"`
	Composes      []Compose `json:"compose"`
}

// Compose is the summary shape embedded in project listings.
type Compose struct {
	ComposeID     string `json:"composeId"`
	Name          string `json:"name"`
	AppName       string `json:"appName"`
	EnvironmentID string `json:"environmentId"`
	CreatedAt     string `json:"createdAt"`
}

// ComposeDetail is the full compose record including deployment history.
type ComposeDetail struct {
	ComposeID   string       `json:"composeId"`
	Name        string       `json:"name"`
	AppName     string       `json:"appName"`
	Branch      string       `json:"customGitBranch"`
	CreatedAt   string       `json:"createdAt"`
	Deployments []Deployment `json:"deployments"`
}

// Deployment is one deploy attempt of a compose. Timestamps are RFC 3339
// strings as reported by the platform; empty means the platform has not set
// the field yet.
type Deployment struct {
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	StartedAt    string `json:"startedAt"`
	FinishedAt   string `json:"finishedAt"`
}

// Domain is a routed hostname attached to a compose service.
type Domain struct {
	DomainID        string `json:"domainId"`
	Host            string `json:"host"`
	Path            string `json:"path"`
	Port            int    `json:"port"`
	HTTPS           bool   `json:"https"`
	CertificateType string `json:"certificateType"`
	ComposeID       string `json:"composeId"`
	ServiceName     string `json:"serviceName"`
	DomainType      string `json:"domainType"`
}

// CreateComposeRequest registers a compose shell; configuration follows in
// a separate update call.
type CreateComposeRequest struct {
	Name          string `json:"name"`
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId"`
	ComposeType   string `json:"composeType"`
	AppName       string `json:"appName"`
}

// UpdateComposeRequest points a compose at its git source and environment.
type UpdateComposeRequest struct {
	ComposeID          string `json:"composeId"`
	Name               string `json:"name"`
	AppName            string `json:"appName"`
	Env                string `json:"env"`
	SourceType         string `json:"sourceType"`
	ComposeType        string `json:"composeType"`
	CustomGitURL       string `json:"customGitUrl"`
	CustomGitBranch    string `json:"customGitBranch"`
	CustomGitSSHKeyID  string `json:"customGitSSHKeyId,omitempty"`
	ComposePath        string `json:"composePath"`
	EnvironmentID      string `json:"environmentId"`
	AutoDeploy         bool   `json:"autoDeploy"`
	IsolatedDeployment bool   `json:"isolatedDeployment"`
}

// DomainRequest creates or updates a routed hostname. DomainID is set only
// on updates.
type DomainRequest struct {
	DomainID        string `json:"domainId,omitempty"`
	Host            string `json:"host"`
	Path            string `json:"path"`
	Port            int    `json:"port"`
	HTTPS           bool   `json:"https"`
	CertificateType string `json:"certificateType"`
	ComposeID       string `json:"composeId"`
	ServiceName     string `json:"serviceName"`
	DomainType      string `json:"domainType"`
}

// composeCreateResponse tolerates the id shapes the create endpoint has
// returned across platform versions.
type composeCreateResponse struct {
	ComposeID string `json:"composeId"`
	ID        string `json:"id"`
	Compose   *struct {
		ComposeID string `json:"composeId"`
	} `json:"compose"`
}

func (r composeCreateResponse) id() string {
	switch {
	case r.ComposeID != "":
		return r.ComposeID
	case r.ID != "":
		return r.ID
	case r.Compose != nil:
		return r.Compose.ComposeID
	default:
		return ""
	}
}
