package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/solhaug/previewd/internal/dokploy"
	"github.com/solhaug/previewd/internal/domain"
)

// fakePlatform is an in-memory stand-in for the deployment platform. It
// keeps just enough state for the orchestrator flows to round-trip.
type fakePlatform struct {
	composes map[string]*composeState
	nextID   int

	deploys []string
	deletes []deleteCall
	updates []dokploy.UpdateComposeRequest

	findErr   error
	createErr error
	deployErr error
}

type composeState struct {
	compose dokploy.Compose
	detail  dokploy.ComposeDetail
	domains []dokploy.Domain
}

type deleteCall struct {
	composeID     string
	deleteVolumes bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{composes: make(map[string]*composeState)}
}

func (f *fakePlatform) seed(name, appName, composeID, createdAt string, deployments ...dokploy.Deployment) *composeState {
	state := &composeState{
		compose: dokploy.Compose{
			ComposeID:     composeID,
			Name:          name,
			AppName:       appName,
			EnvironmentID: "env-1",
			CreatedAt:     createdAt,
		},
		detail: dokploy.ComposeDetail{
			ComposeID:   composeID,
			Name:        name,
			AppName:     appName,
			CreatedAt:   createdAt,
			Deployments: deployments,
		},
	}
	f.composes[composeID] = state
	return state
}

func (f *fakePlatform) seedDomains(state *composeState, services ...string) {
	for i, service := range services {
		state.domains = append(state.domains, dokploy.Domain{
			DomainID:    fmt.Sprintf("%s-domain-%d", state.compose.ComposeID, i+1),
			Host:        state.compose.Name + ".preview.example.com",
			ServiceName: service,
			ComposeID:   state.compose.ComposeID,
		})
	}
}

func (f *fakePlatform) FindComposeByName(_ context.Context, _, _, _, name string) (dokploy.Compose, error) {
	if f.findErr != nil {
		return dokploy.Compose{}, f.findErr
	}
	for _, state := range f.composes {
		if state.compose.Name == name {
			return state.compose, nil
		}
	}
	return dokploy.Compose{}, fmt.Errorf("compose %q: %w", name, dokploy.ErrNotFound)
}

func (f *fakePlatform) ComposesByPrefix(_ context.Context, _, _, prefix string) ([]dokploy.Compose, error) {
	var out []dokploy.Compose
	for _, state := range f.composes {
		if strings.HasPrefix(state.compose.AppName, prefix) {
			out = append(out, state.compose)
		}
	}
	return out, nil
}

func (f *fakePlatform) ComposeDetail(_ context.Context, _, composeID string) (dokploy.ComposeDetail, error) {
	state, ok := f.composes[composeID]
	if !ok {
		return dokploy.ComposeDetail{}, &dokploy.APIError{Status: 404, Message: "no such compose"}
	}
	return state.detail, nil
}

func (f *fakePlatform) CreateCompose(_ context.Context, _ string, req dokploy.CreateComposeRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("compose-%d", f.nextID)
	f.seed(req.Name, req.AppName, id, "2025-06-01T00:00:00Z")
	return id, nil
}

func (f *fakePlatform) UpdateCompose(_ context.Context, _ string, req dokploy.UpdateComposeRequest) error {
	f.updates = append(f.updates, req)
	if state, ok := f.composes[req.ComposeID]; ok {
		state.detail.Branch = req.CustomGitBranch
	}
	return nil
}

func (f *fakePlatform) DeployCompose(_ context.Context, _, composeID string) error {
	if f.deployErr != nil {
		return f.deployErr
	}
	f.deploys = append(f.deploys, composeID)
	return nil
}

func (f *fakePlatform) DeleteCompose(_ context.Context, _, composeID string, deleteVolumes bool) error {
	if _, ok := f.composes[composeID]; !ok {
		return &dokploy.APIError{Status: 404, Message: "no such compose"}
	}
	delete(f.composes, composeID)
	f.deletes = append(f.deletes, deleteCall{composeID: composeID, deleteVolumes: deleteVolumes})
	return nil
}

func (f *fakePlatform) DomainsByComposeID(_ context.Context, _, composeID string) ([]dokploy.Domain, error) {
	state, ok := f.composes[composeID]
	if !ok {
		return nil, &dokploy.APIError{Status: 404, Message: "no such compose"}
	}
	return state.domains, nil
}

func (f *fakePlatform) CreateDomain(_ context.Context, _ string, req dokploy.DomainRequest) error {
	state, ok := f.composes[req.ComposeID]
	if !ok {
		return &dokploy.APIError{Status: 404, Message: "no such compose"}
	}
	state.domains = append(state.domains, dokploy.Domain{
		DomainID:        fmt.Sprintf("%s-domain-%d", req.ComposeID, len(state.domains)+1),
		Host:            req.Host,
		Path:            req.Path,
		Port:            req.Port,
		HTTPS:           req.HTTPS,
		CertificateType: req.CertificateType,
		ComposeID:       req.ComposeID,
		ServiceName:     req.ServiceName,
		DomainType:      req.DomainType,
	})
	return nil
}

func (f *fakePlatform) DeleteDomain(_ context.Context, _, domainID string) error {
	for _, state := range f.composes {
		for i := range state.domains {
			if state.domains[i].DomainID == domainID {
				state.domains = append(state.domains[:i], state.domains[i+1:]...)
				return nil
			}
		}
	}
	return &dokploy.APIError{Status: 404, Message: "no such domain"}
}

func (f *fakePlatform) UpdateDomain(_ context.Context, _ string, req dokploy.DomainRequest) error {
	state, ok := f.composes[req.ComposeID]
	if !ok {
		return &dokploy.APIError{Status: 404, Message: "no such compose"}
	}
	for i := range state.domains {
		if state.domains[i].DomainID == req.DomainID {
			state.domains[i].Host = req.Host
			state.domains[i].Port = req.Port
			state.domains[i].ServiceName = req.ServiceName
			return nil
		}
	}
	return &dokploy.APIError{Status: 404, Message: "no such domain"}
}

type recordedJournal struct {
	events []domain.ActivityEvent
}

func (r *recordedJournal) Record(_ context.Context, event domain.ActivityEvent) {
	r.events = append(r.events, event)
}

func newTestService(platform *fakePlatform, journal Recorder) Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(platform, nil, journal, log, Config{
		ProjectID:         "proj-1",
		EnvironmentID:     "env-1",
		BaseDomain:        "preview.example.com",
		AppNamePrefix:     "preview-",
		Limit:             4,
		ComposePath:       "./docker-compose.yml",
		GitURL:            "git@ssh.dev.azure.com:v3/org/proj/repo",
		GitSSHKeyID:       "ssh-key-1",
		FrontendService:   "frontend",
		FrontendPort:      3000,
		BackendService:    "backend",
		BackendPort:       8080,
		ProjectEnvKeys:    []string{"DATABASE_URL"},
		AzureOrg:          "org",
		AzureProject:      "proj",
		AzureRepositoryID: "repo",
	})
}

func TestCreateOrUpdateCreatesNewPreview(t *testing.T) {
	platform := newFakePlatform()
	journal := &recordedJournal{}
	svc := newTestService(platform, journal)

	result, err := svc.CreateOrUpdate(context.Background(), "key", "feature/login", "42")
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	if result.Identifier != "pr-42" {
		t.Fatalf("identifier = %q, want pr-42", result.Identifier)
	}
	if !result.Created {
		t.Fatal("expected Created = true for a fresh preview")
	}
	wantHosts := map[string]bool{
		"pr-42.preview.example.com":     true,
		"api-pr-42.preview.example.com": true,
	}
	if len(result.Domains) != 2 {
		t.Fatalf("domains = %v, want both hosts", result.Domains)
	}
	for _, host := range result.Domains {
		if !wantHosts[host] {
			t.Fatalf("unexpected host %q", host)
		}
	}

	if len(platform.updates) != 1 {
		t.Fatalf("expected one configure call, got %d", len(platform.updates))
	}
	update := platform.updates[0]
	if update.SourceType != "git" || !update.AutoDeploy || !update.IsolatedDeployment {
		t.Fatalf("configure request = %+v", update)
	}
	if update.CustomGitBranch != "feature/login" {
		t.Fatalf("git branch = %q", update.CustomGitBranch)
	}
	wantEnv := "APP_URL=https://pr-42.preview.example.com\n" +
		"BACKEND_API_URL=https://api-pr-42.preview.example.com\n" +
		"DATABASE_URL=${{project.DATABASE_URL}}"
	if update.Env != wantEnv {
		t.Fatalf("env block = %q, want %q", update.Env, wantEnv)
	}

	if len(platform.deploys) != 1 || platform.deploys[0] != result.ComposeID {
		t.Fatalf("deploys = %v", platform.deploys)
	}
	if len(journal.events) != 1 || journal.events[0].Kind != domain.ActivityPreviewCreated {
		t.Fatalf("journal = %+v", journal.events)
	}
}

func TestCreateOrUpdateRedeploysExistingWithoutReconfiguring(t *testing.T) {
	platform := newFakePlatform()
	state := platform.seed("pr-42", "preview-pr-42", "compose-existing", "2025-06-01T00:00:00Z")
	platform.seedDomains(state, "frontend", "backend")
	svc := newTestService(platform, nil)

	result, err := svc.CreateOrUpdate(context.Background(), "key", "feature/login", "42")
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	if result.Created {
		t.Fatal("existing preview reported as created")
	}
	if result.ComposeID != "compose-existing" {
		t.Fatalf("composeId = %q, duplicate compose created", result.ComposeID)
	}
	if len(platform.composes) != 1 {
		t.Fatalf("compose count = %d, want 1", len(platform.composes))
	}
	if len(platform.updates) != 0 {
		t.Fatalf("fully configured preview was reconfigured: %+v", platform.updates)
	}
	if len(platform.deploys) != 1 {
		t.Fatalf("deploys = %v, want exactly one", platform.deploys)
	}
}

func TestCreateOrUpdateCompletesPartialCreation(t *testing.T) {
	// A compose without domains is what a crash between create and
	// configure leaves behind. The retry must finish the job in place.
	platform := newFakePlatform()
	platform.seed("pr-42", "preview-pr-42", "compose-partial", "2025-06-01T00:00:00Z")
	svc := newTestService(platform, nil)

	result, err := svc.CreateOrUpdate(context.Background(), "key", "feature/login", "42")
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	if result.Created {
		t.Fatal("resumed creation must not report a new compose")
	}
	if len(platform.composes) != 1 {
		t.Fatalf("compose count = %d, want 1 (no duplicate)", len(platform.composes))
	}
	if len(platform.updates) != 1 {
		t.Fatalf("expected completion to reconfigure, got %d updates", len(platform.updates))
	}
	if len(result.Domains) != 2 {
		t.Fatalf("domains after completion = %v", result.Domains)
	}
	if len(platform.deploys) != 1 {
		t.Fatalf("deploys = %v", platform.deploys)
	}
}

func TestCreateOrUpdatePropagatesPlatformErrors(t *testing.T) {
	platform := newFakePlatform()
	platform.findErr = &dokploy.APIError{Status: 502, Message: "bad gateway"}
	svc := newTestService(platform, nil)

	_, err := svc.CreateOrUpdate(context.Background(), "key", "feature/login", "")
	if err == nil {
		t.Fatal("expected error when the platform is unreachable")
	}
	if !dokploy.IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable classification", err)
	}
}

func TestDeleteRemovesPreviewAndVolumes(t *testing.T) {
	platform := newFakePlatform()
	platform.seed("pr-42", "preview-pr-42", "compose-1", "2025-06-01T00:00:00Z")
	journal := &recordedJournal{}
	svc := newTestService(platform, journal)

	deleted, err := svc.Delete(context.Background(), "key", "feature/login", "42")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("existing preview not reported deleted")
	}
	if len(platform.deletes) != 1 {
		t.Fatalf("deletes = %+v", platform.deletes)
	}
	if !platform.deletes[0].deleteVolumes {
		t.Fatal("volumes were kept on delete")
	}
	if len(journal.events) != 1 || journal.events[0].Kind != domain.ActivityPreviewDeleted {
		t.Fatalf("journal = %+v", journal.events)
	}
}

func TestDeleteMissingPreviewIsNoOp(t *testing.T) {
	platform := newFakePlatform()
	svc := newTestService(platform, nil)

	deleted, err := svc.Delete(context.Background(), "key", "feature/login", "")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Fatal("absent preview reported deleted")
	}
	if len(platform.deletes) != 0 {
		t.Fatalf("deletes = %+v, want none", platform.deletes)
	}
}

func TestRedeployIfExistsNeverCreates(t *testing.T) {
	platform := newFakePlatform()
	svc := newTestService(platform, nil)

	redeployed, err := svc.RedeployIfExists(context.Background(), "key", "refs/heads/feature/login")
	if err != nil {
		t.Fatalf("RedeployIfExists: %v", err)
	}
	if redeployed {
		t.Fatal("absent preview reported redeployed")
	}
	if len(platform.composes) != 0 {
		t.Fatal("push to a branch without a preview created one")
	}

	platform.seed("br-feature-login", "preview-br-feature-login", "compose-1", "2025-06-01T00:00:00Z")
	redeployed, err = svc.RedeployIfExists(context.Background(), "key", "refs/heads/feature/login")
	if err != nil {
		t.Fatalf("RedeployIfExists: %v", err)
	}
	if !redeployed {
		t.Fatal("existing preview not redeployed")
	}
	if len(platform.deploys) != 1 || platform.deploys[0] != "compose-1" {
		t.Fatalf("deploys = %v", platform.deploys)
	}
}

func TestCreateOrUpdatePrunesOldestBeyondCap(t *testing.T) {
	platform := newFakePlatform()
	// Five existing previews with strictly increasing activity. Creating a
	// sixth makes six total against a cap of four, so the two idle the
	// longest must go.
	for i := 1; i <= 5; i++ {
		state := platform.seed(
			fmt.Sprintf("pr-%d", i),
			fmt.Sprintf("preview-pr-%d", i),
			fmt.Sprintf("compose-%d", i),
			"2025-01-01T00:00:00Z",
			dokploy.Deployment{
				DeploymentID: fmt.Sprintf("dep-%d", i),
				Status:       "done",
				FinishedAt:   fmt.Sprintf("2025-06-0%dT12:00:00Z", i),
			},
		)
		platform.seedDomains(state, "frontend", "backend")
	}
	platform.nextID = 100
	svc := newTestService(platform, nil)

	result, err := svc.CreateOrUpdate(context.Background(), "key", "feature/new", "6")
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	if len(platform.deletes) != 2 {
		t.Fatalf("pruned %d previews, want 2: %+v", len(platform.deletes), platform.deletes)
	}
	pruned := map[string]bool{}
	for _, call := range platform.deletes {
		pruned[call.composeID] = true
	}
	if !pruned["compose-1"] || !pruned["compose-2"] {
		t.Fatalf("pruned the wrong previews: %+v", platform.deletes)
	}
	if _, ok := platform.composes[result.ComposeID]; !ok {
		t.Fatal("freshly created preview was pruned")
	}
}

func TestCreateOrUpdatePruneFallsBackToStartAndCreateTimes(t *testing.T) {
	platform := newFakePlatform()
	// No deployment ever finished on compose-a; it only has a started
	// time older than compose-b's finish, so it is the prune victim.
	a := platform.seed("pr-1", "preview-pr-1", "compose-a", "2025-01-01T00:00:00Z",
		dokploy.Deployment{DeploymentID: "dep-a", Status: "running", StartedAt: "2025-06-01T00:00:00Z"})
	platform.seedDomains(a, "frontend", "backend")
	for i := 2; i <= 5; i++ {
		state := platform.seed(
			fmt.Sprintf("pr-%d", i),
			fmt.Sprintf("preview-pr-%d", i),
			fmt.Sprintf("compose-%d", i),
			"2025-01-01T00:00:00Z",
			dokploy.Deployment{
				DeploymentID: fmt.Sprintf("dep-%d", i),
				Status:       "done",
				FinishedAt:   fmt.Sprintf("2025-06-1%dT00:00:00Z", i),
			},
		)
		platform.seedDomains(state, "frontend", "backend")
	}
	platform.nextID = 100
	svc := newTestService(platform, nil)

	if _, err := svc.CreateOrUpdate(context.Background(), "key", "feature/new", "6"); err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	if len(platform.deletes) != 2 {
		t.Fatalf("pruned %d previews, want 2", len(platform.deletes))
	}
	if platform.deletes[0].composeID != "compose-a" {
		t.Fatalf("first prune victim = %s, want compose-a", platform.deletes[0].composeID)
	}
}

func TestListProjectsPreviews(t *testing.T) {
	platform := newFakePlatform()
	older := platform.seed("pr-7", "preview-pr-7", "compose-7", "2025-05-01T00:00:00Z",
		dokploy.Deployment{DeploymentID: "dep-7", Status: "done", FinishedAt: "2025-05-02T00:00:00Z"})
	platform.seedDomains(older, "frontend", "backend")
	newer := platform.seed("br-feature-login", "preview-br-feature-login", "compose-8", "2025-06-01T00:00:00Z",
		dokploy.Deployment{DeploymentID: "dep-8", Status: "done", FinishedAt: "2025-06-02T00:00:00Z"})
	platform.seedDomains(newer, "frontend", "backend")
	svc := newTestService(platform, nil)

	previews, err := svc.List(context.Background(), "key")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(previews) != 2 {
		t.Fatalf("got %d previews, want 2", len(previews))
	}
	if previews[0].Identifier != "br-feature-login" {
		t.Fatalf("newest first ordering broken: %q leads", previews[0].Identifier)
	}

	pr := previews[1]
	if pr.PRID != "7" {
		t.Fatalf("prId = %q, want 7", pr.PRID)
	}
	if pr.PRURL != "https://dev.azure.com/org/proj/_git/repo/pullrequest/7" {
		t.Fatalf("prUrl = %q", pr.PRURL)
	}
	if pr.Status != domain.StatusRunning {
		t.Fatalf("status = %q, want Running without runtime evidence", pr.Status)
	}
	if pr.FrontendURL == "" {
		t.Fatal("frontend url missing")
	}
	if previews[0].PRID != "" || previews[0].PRURL != "" {
		t.Fatalf("branch preview carries PR fields: %+v", previews[0])
	}
}

func TestGetReturnsDeploymentHistory(t *testing.T) {
	platform := newFakePlatform()
	state := platform.seed("pr-42", "preview-pr-42", "compose-1", "2025-06-01T00:00:00Z",
		dokploy.Deployment{
			DeploymentID: "dep-old",
			Status:       "done",
			CreatedAt:    "2025-06-01T10:00:00Z",
			StartedAt:    "2025-06-01T10:00:30Z",
			FinishedAt:   "2025-06-01T10:02:30Z",
		},
		dokploy.Deployment{
			DeploymentID: "dep-new",
			Status:       "done",
			CreatedAt:    "2025-06-02T10:00:00Z",
			StartedAt:    "2025-06-02T10:00:30Z",
			FinishedAt:   "2025-06-02T10:01:30Z",
		},
	)
	platform.seedDomains(state, "frontend", "backend")
	svc := newTestService(platform, nil)

	detail, err := svc.Get(context.Background(), "key", "pr-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(detail.Deployments) != 2 {
		t.Fatalf("deployments = %d, want 2", len(detail.Deployments))
	}
	if detail.Deployments[0].DeploymentID != "dep-new" {
		t.Fatalf("newest deployment first broken: %q leads", detail.Deployments[0].DeploymentID)
	}
	if detail.Deployments[0].Number != 2 || detail.Deployments[1].Number != 1 {
		t.Fatalf("deployment numbers = %d, %d, want 2, 1", detail.Deployments[0].Number, detail.Deployments[1].Number)
	}
	if detail.Deployments[0].DurationSeconds == nil || *detail.Deployments[0].DurationSeconds != 60 {
		t.Fatalf("durationSeconds = %v, want 60", detail.Deployments[0].DurationSeconds)
	}
	if detail.LastDeployedAt != "2025-06-02T10:01:30Z" {
		t.Fatalf("lastDeployedAt = %q", detail.LastDeployedAt)
	}
}

func TestGetUnknownIdentifier(t *testing.T) {
	platform := newFakePlatform()
	svc := newTestService(platform, nil)

	_, err := svc.Get(context.Background(), "key", "pr-404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
