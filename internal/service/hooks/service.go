// Package hooks routes inbound source-control webhook events onto preview
// lifecycle operations.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/solhaug/previewd/internal/azdo"
	"github.com/solhaug/previewd/internal/domain"
	"github.com/solhaug/previewd/internal/service/preview"
)

var (
	// ErrUpstream reports a failed call to a collaborating service while
	// handling an event.
	ErrUpstream = errors.New("hooks: collaborator request failed")
	// ErrBadEvent reports a payload missing a field the handler cannot
	// work without.
	ErrBadEvent = errors.New("hooks: event payload incomplete")
)

// Orchestrator drives preview lifecycle transitions.
type Orchestrator interface {
	CreateOrUpdate(ctx context.Context, apiKey, branch, prID string) (preview.CreateResult, error)
	Delete(ctx context.Context, apiKey, branch, prID string) (bool, error)
	RedeployIfExists(ctx context.Context, apiKey, branch string) (bool, error)
}

// CodeHost is the slice of the source-control API the router reads from
// and replies through.
type CodeHost interface {
	ReplyInThread(ctx context.Context, repositoryID string, prID, threadID int64, content string) error
	Build(ctx context.Context, buildID int64) (azdo.Build, error)
	Timeline(ctx context.Context, buildID int64) (azdo.Timeline, error)
	Builds(ctx context.Context, definitionID int64, branch string, top int) ([]azdo.Build, error)
	Commit(ctx context.Context, repositoryID, sha string) (azdo.Commit, error)
}

// Notifier posts chat alerts. Nil when no webhook is configured.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Recorder journals router actions. Nil disables journaling.
type Recorder interface {
	Record(ctx context.Context, event domain.ActivityEvent)
}

// Config carries the router's fixed knobs.
type Config struct {
	RepositoryID       string
	BaseDomain         string
	StatusPageURL      string
	TrunkBranch        string
	E2EStageName       string
	RegressionLookback int
}

// Service interprets webhook events and drives the orchestrator.
type Service struct {
	previews Orchestrator
	host     CodeHost
	notifier Notifier
	journal  Recorder
	log      *slog.Logger
	cfg      Config
}

// New builds the router. notifier and journal may be nil.
func New(previews Orchestrator, host CodeHost, notifier Notifier, journal Recorder, log *slog.Logger, cfg Config) Service {
	if cfg.TrunkBranch == "" {
		cfg.TrunkBranch = "main"
	}
	if cfg.RegressionLookback <= 0 {
		cfg.RegressionLookback = 10
	}
	return Service{
		previews: previews,
		host:     host,
		notifier: notifier,
		journal:  journal,
		log:      log,
		cfg:      cfg,
	}
}

// CommentOutcome reports how a PR comment event was handled. Acted is false
// for events the router ignores.
type CommentOutcome struct {
	Acted   bool
	Command Command
	Result  preview.CreateResult
	Deleted bool
}

// PRComment handles a comment posted on a pull request thread. Recognized
// slash commands drive the orchestrator and get a thread reply; reply
// failures are logged but never fail the event, since the deployment side
// effect already happened.
func (s Service) PRComment(ctx context.Context, apiKey string, event azdo.PRCommentEvent) (CommentOutcome, error) {
	if event.EventType != azdo.EventTypePRComment {
		return CommentOutcome{}, nil
	}
	comment := event.Resource.Comment
	if comment.IsDeleted || strings.TrimSpace(comment.Content) == "" {
		return CommentOutcome{}, nil
	}
	cmd := ParseCommand(comment.Content)
	if cmd == CommandNone {
		return CommentOutcome{}, nil
	}

	threadID, err := event.ThreadID()
	if err != nil {
		return CommentOutcome{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}

	pr := event.Resource.PullRequest
	branch := domain.StripRefsHeads(pr.SourceRefName)
	prID := strconv.FormatInt(pr.PullRequestID, 10)

	s.log.Info("pull request command received",
		"command", cmd.String(), "pr", pr.PullRequestID, "branch", branch)

	switch cmd {
	case CommandPreview:
		result, err := s.previews.CreateOrUpdate(ctx, apiKey, branch, prID)
		if err != nil {
			return CommentOutcome{}, err
		}
		s.reply(ctx, pr.PullRequestID, threadID, s.previewReply(result.Identifier))
		return CommentOutcome{Acted: true, Command: cmd, Result: result}, nil
	default:
		deleted, err := s.previews.Delete(ctx, apiKey, branch, prID)
		if err != nil {
			return CommentOutcome{}, err
		}
		s.reply(ctx, pr.PullRequestID, threadID, "Preview deleted")
		return CommentOutcome{Acted: true, Command: cmd, Deleted: deleted}, nil
	}
}

func (s Service) previewReply(identifier string) string {
	msg := fmt.Sprintf("Preview building, should be available soon: https://%s.%s", identifier, s.cfg.BaseDomain)
	if s.cfg.StatusPageURL != "" {
		msg += fmt.Sprintf("\n\nView the status of all previews here: %s", s.cfg.StatusPageURL)
	}
	return msg
}

func (s Service) reply(ctx context.Context, prID, threadID int64, content string) {
	if err := s.host.ReplyInThread(ctx, s.cfg.RepositoryID, prID, threadID, content); err != nil {
		s.log.Warn("posting pull request reply failed",
			"pr", prID, "thread", threadID, "error", err)
	}
}

// UpdateOutcome reports how a PR update event was handled.
type UpdateOutcome struct {
	Acted      bool
	Deleted    bool
	Redeployed bool
}

// PRUpdated handles a pull request update. A completion against the trunk
// branch tears the preview down; any other update is a push and redeploys
// the branch preview when one exists.
func (s Service) PRUpdated(ctx context.Context, apiKey string, event azdo.PRUpdatedEvent) (UpdateOutcome, error) {
	if event.EventType != azdo.EventTypePRUpdated {
		return UpdateOutcome{}, nil
	}

	pr := event.Resource
	branch := domain.StripRefsHeads(pr.SourceRefName)
	prID := strconv.FormatInt(pr.PullRequestID, 10)

	if strings.EqualFold(pr.Status, "completed") {
		target := domain.StripRefsHeads(pr.TargetRefName)
		if target != s.cfg.TrunkBranch {
			s.log.Info("pull request completed off trunk, keeping preview",
				"pr", pr.PullRequestID, "target", target)
			return UpdateOutcome{}, nil
		}
		deleted, err := s.previews.Delete(ctx, apiKey, branch, prID)
		if err != nil {
			return UpdateOutcome{}, err
		}
		return UpdateOutcome{Acted: deleted, Deleted: deleted}, nil
	}

	redeployed, err := s.previews.RedeployIfExists(ctx, apiKey, branch)
	if err != nil {
		return UpdateOutcome{}, err
	}
	return UpdateOutcome{Acted: redeployed, Redeployed: redeployed}, nil
}

// BuildCompleted handles a finished pipeline run. It alerts the chat
// webhook when the watched stage failed and the failure is new for the
// pipeline and branch, and reports whether an alert went out.
func (s Service) BuildCompleted(ctx context.Context, event azdo.BuildCompletedEvent) (bool, error) {
	if !strings.EqualFold(event.EventType, azdo.EventTypeBuildComplete) &&
		!strings.EqualFold(event.EventType, azdo.EventTypeBuildCompleted) {
		return false, nil
	}

	buildID := event.Resource.ID
	build, err := s.host.Build(ctx, buildID)
	if err != nil {
		return false, fmt.Errorf("%w: fetch build %d: %v", ErrUpstream, buildID, err)
	}

	failed := strings.EqualFold(event.Resource.Result, "failed") ||
		strings.EqualFold(build.Result, "failed")
	if !failed {
		return false, nil
	}

	timeline, err := s.host.Timeline(ctx, buildID)
	if err != nil {
		return false, fmt.Errorf("%w: fetch timeline for build %d: %v", ErrUpstream, buildID, err)
	}
	if !s.stageFailed(timeline) {
		return false, nil
	}

	s.log.Info("build failed at watched stage, checking history",
		"build", buildID, "stage", s.cfg.E2EStageName)

	if s.alreadyFailing(ctx, build) {
		s.log.Info("stage already failing in a prior build, suppressing alert", "build", buildID)
		return false, nil
	}

	if build.Repository.ID == "" {
		return false, fmt.Errorf("%w: build %d carries no repository id", ErrBadEvent, buildID)
	}
	commit, err := s.host.Commit(ctx, build.Repository.ID, build.SourceVersion)
	if err != nil {
		return false, fmt.Errorf("%w: fetch commit %s: %v", ErrUpstream, build.SourceVersion, err)
	}
	author := commit.Author.Name
	if author == "" {
		author = "unknown"
	}

	if s.notifier == nil {
		s.log.Warn("no chat webhook configured, dropping regression alert", "build", buildID)
		return false, nil
	}
	if err := s.notifier.Send(ctx, s.alertText(build, author)); err != nil {
		return false, fmt.Errorf("%w: post chat alert for build %d: %v", ErrUpstream, buildID, err)
	}

	s.record(ctx, build, author)
	return true, nil
}

// alreadyFailing walks recent builds of the same pipeline and branch to
// decide whether this failure is a fresh regression. The first prior build
// whose timeline carries the watched stage decides; builds without it and
// timelines that cannot be fetched are skipped. When history cannot be
// listed at all the alert goes out anyway.
func (s Service) alreadyFailing(ctx context.Context, build azdo.Build) bool {
	if build.Definition.ID == 0 || build.SourceBranch == "" {
		s.log.Warn("build missing definition or branch, skipping history check", "build", build.ID)
		return false
	}

	recent, err := s.host.Builds(ctx, build.Definition.ID, build.SourceBranch, s.cfg.RegressionLookback)
	if err != nil {
		s.log.Warn("listing recent builds failed, alerting anyway",
			"build", build.ID, "error", err)
		return false
	}

	for _, prior := range recent {
		if prior.ID == build.ID {
			continue
		}
		timeline, err := s.host.Timeline(ctx, prior.ID)
		if err != nil {
			s.log.Warn("fetching prior build timeline failed, continuing",
				"build", build.ID, "prior", prior.ID, "error", err)
			continue
		}
		if !s.stagePresent(timeline) {
			continue
		}
		if s.stageFailed(timeline) {
			return true
		}
		return false
	}
	return false
}

func (s Service) stagePresent(timeline azdo.Timeline) bool {
	for _, rec := range timeline.Records {
		if rec.Name == s.cfg.E2EStageName {
			return true
		}
	}
	return false
}

func (s Service) stageFailed(timeline azdo.Timeline) bool {
	for _, rec := range timeline.Records {
		if rec.Name == s.cfg.E2EStageName && strings.EqualFold(rec.Result, "failed") {
			return true
		}
	}
	return false
}

func (s Service) alertText(build azdo.Build, author string) string {
	number := build.BuildNumber
	if number == "" {
		number = strconv.FormatInt(build.ID, 10)
	}
	text := fmt.Sprintf("*:warning: %s failed*\n\n- Build: *%s* (ID `%d`)\n- Stage: `%s`\n- Commit author: *%s*",
		s.cfg.E2EStageName, number, build.ID, s.cfg.E2EStageName, author)
	if href := build.Links.Web.Href; href != "" {
		text += fmt.Sprintf("\n- Link: %s", href)
	}
	return text
}

func (s Service) record(ctx context.Context, build azdo.Build, author string) {
	if s.journal == nil {
		return
	}
	s.journal.Record(ctx, domain.ActivityEvent{
		Kind:   domain.ActivityRegressionAlert,
		Branch: domain.StripRefsHeads(build.SourceBranch),
		Message: fmt.Sprintf("%s failed in build %d, alerted about commit by %s",
			s.cfg.E2EStageName, build.ID, author),
	})
}
