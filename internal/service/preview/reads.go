package preview

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/solhaug/previewd/internal/docker"
	"github.com/solhaug/previewd/internal/dokploy"
	"github.com/solhaug/previewd/internal/domain"
)

// List returns every preview in the environment, most recent activity
// first. A compose whose detail fetch fails still appears, with whatever
// the listing alone can tell.
func (s Service) List(ctx context.Context, apiKey string) ([]domain.Preview, error) {
	composes, err := s.platform.ComposesByPrefix(ctx, apiKey, s.cfg.EnvironmentID, s.cfg.AppNamePrefix)
	if err != nil {
		return nil, fmt.Errorf("list previews: %w", err)
	}

	previews := make([]domain.Preview, 0, len(composes))
	for _, compose := range composes {
		detail, err := s.platform.ComposeDetail(ctx, apiKey, compose.ComposeID)
		if err != nil {
			s.log.Warn("compose detail failed", "composeId", compose.ComposeID, "error", err)
			detail = dokploy.ComposeDetail{
				ComposeID: compose.ComposeID,
				Name:      compose.Name,
				AppName:   compose.AppName,
				CreatedAt: compose.CreatedAt,
			}
		}
		previews = append(previews, s.assemble(ctx, apiKey, detail))
	}

	sort.SliceStable(previews, func(i, j int) bool {
		return previewSortKey(previews[i]).After(previewSortKey(previews[j]))
	})
	return previews, nil
}

// Get returns one preview with its deployment history, newest first.
func (s Service) Get(ctx context.Context, apiKey, identifier string) (domain.PreviewDetail, error) {
	compose, err := s.LocateCompose(ctx, apiKey, identifier)
	if err != nil {
		return domain.PreviewDetail{}, err
	}
	detail, err := s.platform.ComposeDetail(ctx, apiKey, compose.ComposeID)
	if err != nil {
		return domain.PreviewDetail{}, fmt.Errorf("compose detail %s: %w", identifier, err)
	}

	return domain.PreviewDetail{
		Preview:     s.assemble(ctx, apiKey, detail),
		Deployments: deploymentRecords(detail.Deployments),
	}, nil
}

// assemble projects one compose into the API shape: identity from the
// compose name, URLs from its domains, status from deployment history plus
// live container state when the runtime is reachable.
func (s Service) assemble(ctx context.Context, apiKey string, detail dokploy.ComposeDetail) domain.Preview {
	identifier := detail.Name
	prID := ""
	if strings.HasPrefix(identifier, "pr-") {
		prID = strings.TrimPrefix(identifier, "pr-")
	}

	deployments := sortedDeployments(detail.Deployments)
	containers := s.liveContainers(ctx, detail.AppName)

	preview := domain.Preview{
		Identifier: identifier,
		ComposeID:  detail.ComposeID,
		PRID:       prID,
		Branch:     detail.Branch,
		Status:     deriveStatus(deployments, containers, s.runtime != nil),
		CreatedAt:  detail.CreatedAt,
		PRURL:      s.prURL(prID),
		Containers: containerSummaries(containers),
	}

	if len(deployments) > 0 {
		latest := deployments[0]
		switch {
		case latest.FinishedAt != "":
			preview.LastDeployedAt = latest.FinishedAt
		case latest.StartedAt != "":
			preview.LastDeployedAt = latest.StartedAt
		default:
			preview.LastDeployedAt = latest.CreatedAt
		}
	}

	domains, err := s.platform.DomainsByComposeID(ctx, apiKey, detail.ComposeID)
	if err != nil {
		s.log.Warn("domain listing failed", "composeId", detail.ComposeID, "error", err)
		return preview
	}
	for _, d := range domains {
		switch d.ServiceName {
		case s.cfg.FrontendService:
			preview.FrontendURL = "https://" + d.Host
		case s.cfg.BackendService:
			preview.BackendURL = "https://" + d.Host
		}
	}
	return preview
}

// deriveStatus folds deployment history and container evidence into one
// coarse state. Without runtime access, a preview with any deployment
// history counts as running.
func deriveStatus(deployments []dokploy.Deployment, containers []docker.ContainerInfo, runtimeAvailable bool) domain.PreviewStatus {
	if len(deployments) > 0 {
		latest := deployments[0]
		switch strings.ToLower(latest.Status) {
		case "error":
			return domain.StatusFailed
		case "running":
			return domain.StatusBuilding
		case "done":
			return domain.StatusRunning
		}
		if latest.FinishedAt == "" && latest.StartedAt != "" {
			return domain.StatusBuilding
		}
	}

	if !runtimeAvailable {
		if len(deployments) > 0 {
			return domain.StatusRunning
		}
		return domain.StatusUnknown
	}

	if len(containers) == 0 {
		return domain.StatusUnknown
	}
	for _, c := range containers {
		if !strings.EqualFold(c.State, "running") {
			return domain.StatusFailed
		}
	}
	return domain.StatusRunning
}

func (s Service) liveContainers(ctx context.Context, appName string) []docker.ContainerInfo {
	if s.runtime == nil || appName == "" {
		return nil
	}
	containers, err := s.runtime.ListContainers(ctx, appName)
	if err != nil {
		s.log.Warn("container listing failed", "app", appName, "error", err)
		return nil
	}
	return containers
}

func containerSummaries(containers []docker.ContainerInfo) []domain.ContainerSummary {
	summaries := make([]domain.ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		summaries = append(summaries, domain.ContainerSummary{
			Name:    name,
			Service: extractServiceName(name),
			State:   c.State,
		})
	}
	return summaries
}

// extractServiceName pulls the compose service out of a container name of
// the form {app}-{service}-{replica}. App names contain hyphens themselves,
// so the service is the second-to-last segment; names too short to carry
// one report unknown.
func extractServiceName(name string) string {
	parts := strings.Split(name, "-")
	if len(parts) < 4 {
		return "unknown"
	}
	return parts[len(parts)-2]
}

// deploymentRecords projects deployment history for presentation: numbered
// 1-based in the order deployments effectively ran, listed newest first.
func deploymentRecords(deployments []dokploy.Deployment) []domain.DeploymentRecord {
	sorted := sortedDeployments(deployments)
	total := len(sorted)
	records := make([]domain.DeploymentRecord, 0, total)
	for i, d := range sorted {
		record := domain.DeploymentRecord{
			DeploymentID: d.DeploymentID,
			Number:       total - i,
			Status:       d.Status,
			CreatedAt:    d.CreatedAt,
			StartedAt:    d.StartedAt,
			FinishedAt:   d.FinishedAt,
		}
		start, end := parseTime(d.StartedAt), parseTime(d.FinishedAt)
		if !start.IsZero() && !end.IsZero() && !end.Before(start) {
			seconds := int64(end.Sub(start).Seconds())
			record.DurationSeconds = &seconds
		}
		records = append(records, record)
	}
	return records
}

// sortedDeployments orders newest effective activity first without
// trusting the platform's ordering.
func sortedDeployments(deployments []dokploy.Deployment) []dokploy.Deployment {
	sorted := make([]dokploy.Deployment, len(deployments))
	copy(sorted, deployments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return effectiveTime(sorted[i]).After(effectiveTime(sorted[j]))
	})
	return sorted
}

func effectiveTime(d dokploy.Deployment) time.Time {
	if t := parseTime(d.FinishedAt); !t.IsZero() {
		return t
	}
	if t := parseTime(d.StartedAt); !t.IsZero() {
		return t
	}
	return parseTime(d.CreatedAt)
}

func previewSortKey(p domain.Preview) time.Time {
	if t := parseTime(p.LastDeployedAt); !t.IsZero() {
		return t
	}
	return parseTime(p.CreatedAt)
}

// prURL builds the pull request page URL for PR-keyed previews.
func (s Service) prURL(prID string) string {
	if prID == "" || s.cfg.AzureOrg == "" || s.cfg.AzureProject == "" || s.cfg.AzureRepositoryID == "" {
		return ""
	}
	return fmt.Sprintf("https://dev.azure.com/%s/%s/_git/%s/pullrequest/%s",
		s.cfg.AzureOrg, s.cfg.AzureProject, s.cfg.AzureRepositoryID, prID)
}
