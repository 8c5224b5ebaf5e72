// Package logstream relays container and deployment logs to API clients as
// bounded line streams.
package logstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/solhaug/previewd/internal/docker"
	"github.com/solhaug/previewd/internal/dokploy"
)

var (
	// ErrRuntimeUnavailable reports that no container runtime is wired.
	ErrRuntimeUnavailable = errors.New("logstream: container runtime unavailable")
	// ErrNotFound reports that the target container or deployment is
	// missing.
	ErrNotFound = errors.New("logstream: not found")
)

// Line is one unit of a relayed log stream. Err is set at most once, as
// the final element before the channel closes.
type Line struct {
	Text string
	Err  error
}

// PreviewLocator resolves identifiers against the deployment platform.
type PreviewLocator interface {
	LocateCompose(ctx context.Context, apiKey, identifier string) (dokploy.Compose, error)
	ComposeDeployments(ctx context.Context, apiKey, composeID string) ([]dokploy.Deployment, error)
}

// Runtime opens container log streams. Nil when no runtime socket is
// available.
type Runtime interface {
	TailLogs(ctx context.Context, container string, tail int, follow bool) (io.ReadCloser, error)
}

// DeploymentLogSource opens deployment log streams on the platform.
type DeploymentLogSource interface {
	DeploymentLogs(ctx context.Context, apiKey, deploymentID string, follow bool) (io.ReadCloser, error)
}

const lineBuffer = 100

// Service relays logs from the runtime and the platform.
type Service struct {
	previews PreviewLocator
	platform DeploymentLogSource
	runtime  Runtime
	log      *slog.Logger
}

// New builds the relay. runtime may be nil.
func New(previews PreviewLocator, platform DeploymentLogSource, runtime Runtime, log *slog.Logger) Service {
	return Service{previews: previews, platform: platform, runtime: runtime, log: log}
}

// TailContainer streams one compose service's container log. The preview
// identifier names the compose, and the container follows the platform's
// {app}-{service}-1 naming. The returned channel closes when the upstream
// ends or ctx is cancelled; cancellation closes the upstream promptly.
func (s Service) TailContainer(ctx context.Context, apiKey, identifier, service string, tail int, follow bool) (<-chan Line, error) {
	if s.runtime == nil {
		return nil, ErrRuntimeUnavailable
	}

	compose, err := s.previews.LocateCompose(ctx, apiKey, identifier)
	if err != nil {
		return nil, err
	}

	container := fmt.Sprintf("%s-%s-1", compose.AppName, service)
	rc, err := s.runtime.TailLogs(ctx, container, tail, follow)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return nil, fmt.Errorf("%w: container %s", ErrNotFound, container)
		}
		return nil, err
	}
	return s.relay(ctx, rc), nil
}

// TailDeployment streams one deployment's build log from the platform. The
// deployment must belong to the identified preview.
func (s Service) TailDeployment(ctx context.Context, apiKey, identifier, deploymentID string, follow bool) (<-chan Line, error) {
	compose, err := s.previews.LocateCompose(ctx, apiKey, identifier)
	if err != nil {
		return nil, err
	}

	deployments, err := s.previews.ComposeDeployments(ctx, apiKey, compose.ComposeID)
	if err != nil {
		return nil, err
	}
	if !containsDeployment(deployments, deploymentID) {
		return nil, fmt.Errorf("%w: deployment %s", ErrNotFound, deploymentID)
	}

	rc, err := s.platform.DeploymentLogs(ctx, apiKey, deploymentID, follow)
	if err != nil {
		return nil, err
	}
	return s.relay(ctx, rc), nil
}

func containsDeployment(deployments []dokploy.Deployment, deploymentID string) bool {
	for _, d := range deployments {
		if d.DeploymentID == deploymentID {
			return true
		}
	}
	return false
}

// relay pumps the reader into a line channel. Cancelling ctx closes the
// upstream reader immediately so a dropped client never leaves a follow
// stream running.
func (s Service) relay(ctx context.Context, rc io.ReadCloser) <-chan Line {
	lines := make(chan Line, lineBuffer)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = rc.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(lines)
		defer close(done)
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- Line{Text: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			s.log.Warn("log stream broke", "error", err)
			select {
			case lines <- Line{Err: err}:
			default:
			}
		}
	}()

	return lines
}
