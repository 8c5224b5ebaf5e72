// Package preview orchestrates the lifecycle of ephemeral preview
// environments on the deployment platform: one compose service plus two
// routed domains per branch or pull request.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/solhaug/previewd/internal/docker"
	"github.com/solhaug/previewd/internal/dokploy"
	"github.com/solhaug/previewd/internal/domain"
)

// ErrNotFound reports that no preview matches the identifier.
var ErrNotFound = errors.New("preview: not found")

// PlatformClient is the slice of the deployment platform API the
// orchestrator drives.
type PlatformClient interface {
	FindComposeByName(ctx context.Context, apiKey, projectID, environmentID, name string) (dokploy.Compose, error)
	ComposesByPrefix(ctx context.Context, apiKey, environmentID, prefix string) ([]dokploy.Compose, error)
	ComposeDetail(ctx context.Context, apiKey, composeID string) (dokploy.ComposeDetail, error)
	CreateCompose(ctx context.Context, apiKey string, req dokploy.CreateComposeRequest) (string, error)
	UpdateCompose(ctx context.Context, apiKey string, req dokploy.UpdateComposeRequest) error
	DeployCompose(ctx context.Context, apiKey, composeID string) error
	DeleteCompose(ctx context.Context, apiKey, composeID string, deleteVolumes bool) error
	DomainsByComposeID(ctx context.Context, apiKey, composeID string) ([]dokploy.Domain, error)
	CreateDomain(ctx context.Context, apiKey string, req dokploy.DomainRequest) error
	UpdateDomain(ctx context.Context, apiKey string, req dokploy.DomainRequest) error
	DeleteDomain(ctx context.Context, apiKey, domainID string) error
}

// ContainerLister reports live containers matching a name fragment. Nil
// when the service runs without access to the runtime socket.
type ContainerLister interface {
	ListContainers(ctx context.Context, name string) ([]docker.ContainerInfo, error)
}

// Recorder journals orchestrator actions. Nil disables journaling.
type Recorder interface {
	Record(ctx context.Context, event domain.ActivityEvent)
}

// Config carries the environment-shaping knobs for previews.
type Config struct {
	ProjectID         string
	EnvironmentID     string
	BaseDomain        string
	AppNamePrefix     string
	Limit             int
	ComposePath       string
	GitURL            string
	GitSSHKeyID       string
	FrontendService   string
	FrontendPort      int
	BackendService    string
	BackendPort       int
	ProjectEnvKeys    []string
	AzureOrg          string
	AzureProject      string
	AzureRepositoryID string
}

// Service orchestrates preview lifecycle operations. Mutations on the same
// identifier are serialized through a per-key lock; remote calls otherwise
// run without shared locks held.
type Service struct {
	platform PlatformClient
	runtime  ContainerLister
	journal  Recorder
	log      *slog.Logger
	cfg      Config
	keys     *keyedMutex
}

// New builds the orchestrator. runtime and journal may be nil.
func New(platform PlatformClient, runtime ContainerLister, journal Recorder, log *slog.Logger, cfg Config) Service {
	if cfg.Limit <= 0 {
		cfg.Limit = 4
	}
	return Service{
		platform: platform,
		runtime:  runtime,
		journal:  journal,
		log:      log,
		cfg:      cfg,
		keys:     newKeyedMutex(),
	}
}

// CreateResult reports what a create-or-update call produced.
type CreateResult struct {
	Identifier string   `json:"identifier"`
	ComposeID  string   `json:"composeId"`
	Domains    []string `json:"domains"`
	Created    bool     `json:"created"`
}

// CreateOrUpdate ensures a preview exists for the branch (and optional PR
// number) and deploys it. Creation is existence-check-then-create keyed by
// the derived identifier: an earlier attempt that crashed mid-way leaves a
// discoverable compose behind, and the next call completes its
// configuration instead of creating a duplicate. Previews whose domains are
// already in place get a plain redeploy.
func (s Service) CreateOrUpdate(ctx context.Context, apiKey, branch, prID string) (CreateResult, error) {
	branch = domain.StripRefsHeads(branch)
	identifier := domain.DeriveIdentifier(branch, prID)

	unlock := s.keys.lock(identifier)
	defer unlock()

	var composeID string
	created := false
	compose, err := s.platform.FindComposeByName(ctx, apiKey, s.cfg.ProjectID, s.cfg.EnvironmentID, identifier)
	switch {
	case err == nil:
		composeID = compose.ComposeID
	case errors.Is(err, dokploy.ErrNotFound):
		composeID, err = s.platform.CreateCompose(ctx, apiKey, dokploy.CreateComposeRequest{
			Name:          identifier,
			ProjectID:     s.cfg.ProjectID,
			EnvironmentID: s.cfg.EnvironmentID,
			ComposeType:   "docker-compose",
			AppName:       s.appName(identifier),
		})
		if err != nil {
			return CreateResult{}, fmt.Errorf("create compose %s: %w", identifier, err)
		}
		created = true
	default:
		return CreateResult{}, fmt.Errorf("find compose %s: %w", identifier, err)
	}

	domains, err := s.platform.DomainsByComposeID(ctx, apiKey, composeID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("list domains for %s: %w", identifier, err)
	}

	frontendHost, backendHost := domain.Domains(identifier, s.cfg.BaseDomain)
	missingDomains := !hasServiceDomain(domains, s.cfg.FrontendService) ||
		!hasServiceDomain(domains, s.cfg.BackendService)
	configured := created || missingDomains

	if configured {
		if err := s.platform.UpdateCompose(ctx, apiKey, s.updateRequest(composeID, identifier, branch, frontendHost, backendHost)); err != nil {
			return CreateResult{}, fmt.Errorf("configure compose %s: %w", identifier, err)
		}
		if err := s.ensureDomain(ctx, apiKey, domains, composeID, frontendHost, s.cfg.FrontendService, s.cfg.FrontendPort); err != nil {
			return CreateResult{}, fmt.Errorf("ensure frontend domain for %s: %w", identifier, err)
		}
		if err := s.ensureDomain(ctx, apiKey, domains, composeID, backendHost, s.cfg.BackendService, s.cfg.BackendPort); err != nil {
			return CreateResult{}, fmt.Errorf("ensure backend domain for %s: %w", identifier, err)
		}
	}

	if err := s.platform.DeployCompose(ctx, apiKey, composeID); err != nil {
		return CreateResult{}, fmt.Errorf("deploy compose %s: %w", identifier, err)
	}

	hosts := domainHosts(domains)
	if configured {
		refreshed, err := s.platform.DomainsByComposeID(ctx, apiKey, composeID)
		if err != nil {
			return CreateResult{}, fmt.Errorf("list domains for %s: %w", identifier, err)
		}
		hosts = domainHosts(refreshed)
		s.prunePreviews(ctx, apiKey, composeID)
	}

	kind, message := domain.ActivityPreviewRedeployed, fmt.Sprintf("redeployed preview %s", identifier)
	if created {
		kind, message = domain.ActivityPreviewCreated, fmt.Sprintf("created preview %s", identifier)
	}
	s.record(ctx, kind, identifier, composeID, branch, prID, message)

	return CreateResult{
		Identifier: identifier,
		ComposeID:  composeID,
		Domains:    hosts,
		Created:    created,
	}, nil
}

// Delete removes the preview for the branch or PR, volumes included.
// Returns false without error when no preview exists.
func (s Service) Delete(ctx context.Context, apiKey, branch, prID string) (bool, error) {
	branch = domain.StripRefsHeads(branch)
	identifier := domain.DeriveIdentifier(branch, prID)

	unlock := s.keys.lock(identifier)
	defer unlock()

	compose, err := s.platform.FindComposeByName(ctx, apiKey, s.cfg.ProjectID, s.cfg.EnvironmentID, identifier)
	if errors.Is(err, dokploy.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find compose %s: %w", identifier, err)
	}

	// Domains go first. Failures here are tolerated, the compose delete
	// removes whatever is left.
	s.deleteDomains(ctx, apiKey, compose.ComposeID)

	if err := s.platform.DeleteCompose(ctx, apiKey, compose.ComposeID, true); err != nil {
		return false, fmt.Errorf("delete compose %s: %w", identifier, err)
	}

	s.record(ctx, domain.ActivityPreviewDeleted, identifier, compose.ComposeID, branch, prID,
		fmt.Sprintf("deleted preview %s", identifier))
	return true, nil
}

// RedeployIfExists redeploys the branch preview when one exists and reports
// whether it did. It never creates: pushes to branches without a preview
// are a no-op. PR-keyed previews refresh through the platform's auto deploy
// instead, which every compose is created with.
func (s Service) RedeployIfExists(ctx context.Context, apiKey, branch string) (bool, error) {
	branch = domain.StripRefsHeads(branch)
	identifier := domain.DeriveIdentifier(branch, "")

	unlock := s.keys.lock(identifier)
	defer unlock()

	compose, err := s.platform.FindComposeByName(ctx, apiKey, s.cfg.ProjectID, s.cfg.EnvironmentID, identifier)
	if errors.Is(err, dokploy.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find compose %s: %w", identifier, err)
	}

	if err := s.platform.DeployCompose(ctx, apiKey, compose.ComposeID); err != nil {
		return false, fmt.Errorf("deploy compose %s: %w", identifier, err)
	}

	s.record(ctx, domain.ActivityPreviewRedeployed, identifier, compose.ComposeID, branch, "",
		fmt.Sprintf("redeployed preview %s after push", identifier))
	return true, nil
}

// LocateCompose resolves an identifier to its compose. ErrNotFound when the
// preview does not exist.
func (s Service) LocateCompose(ctx context.Context, apiKey, identifier string) (dokploy.Compose, error) {
	compose, err := s.platform.FindComposeByName(ctx, apiKey, s.cfg.ProjectID, s.cfg.EnvironmentID, identifier)
	if errors.Is(err, dokploy.ErrNotFound) {
		return dokploy.Compose{}, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	if err != nil {
		return dokploy.Compose{}, err
	}
	return compose, nil
}

// ComposeDeployments lists the deployment history of a compose.
func (s Service) ComposeDeployments(ctx context.Context, apiKey, composeID string) ([]dokploy.Deployment, error) {
	detail, err := s.platform.ComposeDetail(ctx, apiKey, composeID)
	if err != nil {
		return nil, err
	}
	return detail.Deployments, nil
}

// prunePreviews enforces the preview cap after a creation, deleting the
// previews idle the longest. Failures are logged and swallowed: pruning
// must never fail the creation that triggered it.
func (s Service) prunePreviews(ctx context.Context, apiKey, newComposeID string) {
	composes, err := s.platform.ComposesByPrefix(ctx, apiKey, s.cfg.EnvironmentID, s.cfg.AppNamePrefix)
	if err != nil {
		s.log.Warn("prune: listing previews failed", "error", err)
		return
	}

	var others []dokploy.Compose
	for _, compose := range composes {
		if compose.ComposeID != newComposeID {
			others = append(others, compose)
		}
	}

	total := len(others) + 1
	if total <= s.cfg.Limit {
		return
	}
	excess := total - s.cfg.Limit

	type candidate struct {
		compose      dokploy.Compose
		lastActivity time.Time
	}
	candidates := make([]candidate, 0, len(others))
	for _, compose := range others {
		detail, err := s.platform.ComposeDetail(ctx, apiKey, compose.ComposeID)
		if err != nil {
			s.log.Warn("prune: compose detail failed", "composeId", compose.ComposeID, "error", err)
			detail = dokploy.ComposeDetail{ComposeID: compose.ComposeID, CreatedAt: compose.CreatedAt}
		}
		candidates = append(candidates, candidate{
			compose:      compose,
			lastActivity: lastActivity(detail, compose.CreatedAt),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastActivity.Before(candidates[j].lastActivity)
	})

	for i := 0; i < excess && i < len(candidates); i++ {
		target := candidates[i]
		if err := s.platform.DeleteCompose(ctx, apiKey, target.compose.ComposeID, true); err != nil {
			s.log.Warn("prune: delete failed", "composeId", target.compose.ComposeID, "error", err)
			continue
		}
		s.log.Info("pruned preview", "name", target.compose.Name, "composeId", target.compose.ComposeID)
		s.record(ctx, domain.ActivityPreviewPruned, target.compose.Name, target.compose.ComposeID, "", "",
			fmt.Sprintf("pruned preview %s to stay under the cap", target.compose.Name))
	}
}

// deleteDomains removes a compose's domain bindings ahead of its deletion.
// Best effort: the compose delete cascades whatever remains.
func (s Service) deleteDomains(ctx context.Context, apiKey, composeID string) {
	domains, err := s.platform.DomainsByComposeID(ctx, apiKey, composeID)
	if err != nil {
		s.log.Warn("domain listing before delete failed", "composeId", composeID, "error", err)
		return
	}
	for _, d := range domains {
		if err := s.platform.DeleteDomain(ctx, apiKey, d.DomainID); err != nil {
			s.log.Warn("domain delete failed", "domainId", d.DomainID, "error", err)
		}
	}
}

func (s Service) ensureDomain(ctx context.Context, apiKey string, existing []dokploy.Domain, composeID, host, service string, port int) error {
	req := dokploy.DomainRequest{
		Host:            host,
		Path:            "/",
		Port:            port,
		HTTPS:           true,
		CertificateType: "none",
		ComposeID:       composeID,
		ServiceName:     service,
		DomainType:      "compose",
	}
	for _, d := range existing {
		if d.ServiceName == service {
			req.DomainID = d.DomainID
			return s.platform.UpdateDomain(ctx, apiKey, req)
		}
	}
	return s.platform.CreateDomain(ctx, apiKey, req)
}

func (s Service) updateRequest(composeID, identifier, branch, frontendHost, backendHost string) dokploy.UpdateComposeRequest {
	return dokploy.UpdateComposeRequest{
		ComposeID:          composeID,
		Name:               identifier,
		AppName:            s.appName(identifier),
		Env:                s.envBlock(frontendHost, backendHost),
		SourceType:         "git",
		ComposeType:        "docker-compose",
		CustomGitURL:       s.cfg.GitURL,
		CustomGitBranch:    branch,
		CustomGitSSHKeyID:  s.cfg.GitSSHKeyID,
		ComposePath:        s.cfg.ComposePath,
		EnvironmentID:      s.cfg.EnvironmentID,
		AutoDeploy:         true,
		IsolatedDeployment: true,
	}
}

// envBlock renders the compose environment: the preview URLs plus
// project-level keys forwarded through platform variable references.
func (s Service) envBlock(frontendHost, backendHost string) string {
	lines := []string{
		"APP_URL=https://" + frontendHost,
		"BACKEND_API_URL=https://" + backendHost,
	}
	for _, key := range s.cfg.ProjectEnvKeys {
		lines = append(lines, fmt.Sprintf("%s=${{project.%s}}", key, key))
	}
	return strings.Join(lines, "\n")
}

func (s Service) appName(identifier string) string {
	return s.cfg.AppNamePrefix + identifier
}

func (s Service) record(ctx context.Context, kind, identifier, composeID, branch, prID, message string) {
	if s.journal == nil {
		return
	}
	s.journal.Record(ctx, domain.ActivityEvent{
		Kind:       kind,
		Identifier: identifier,
		ComposeID:  composeID,
		Branch:     branch,
		PRID:       prID,
		Message:    message,
	})
}

func hasServiceDomain(domains []dokploy.Domain, service string) bool {
	for _, d := range domains {
		if d.ServiceName == service {
			return true
		}
	}
	return false
}

func domainHosts(domains []dokploy.Domain) []string {
	hosts := make([]string, 0, len(domains))
	for _, d := range domains {
		hosts = append(hosts, d.Host)
	}
	return hosts
}

// lastActivity is the effective recency of a preview: the newest finish
// time across deployments, falling back to start times, then creation
// times, then the compose's own creation time.
func lastActivity(detail dokploy.ComposeDetail, composeCreatedAt string) time.Time {
	var finished, started, created time.Time
	for _, d := range detail.Deployments {
		finished = laterOf(finished, parseTime(d.FinishedAt))
		started = laterOf(started, parseTime(d.StartedAt))
		created = laterOf(created, parseTime(d.CreatedAt))
	}
	switch {
	case !finished.IsZero():
		return finished
	case !started.IsZero():
		return started
	case !created.IsZero():
		return created
	}
	if t := parseTime(detail.CreatedAt); !t.IsZero() {
		return t
	}
	return parseTime(composeCreatedAt)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// parseTime accepts the RFC 3339 timestamps the platform emits; zero when
// the field is unset or unparsable.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
