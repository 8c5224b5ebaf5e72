package dokploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound reports that no compose matched a lookup.
	ErrNotFound = errors.New("dokploy: not found")
	// ErrUnauthorized reports that the platform rejected the API key.
	ErrUnauthorized = errors.New("dokploy: unauthorized")
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dokploy api: status %d: %s", e.Status, e.Message)
}

// IsUnavailable reports whether err looks like a connectivity failure
// rather than a request the platform understood and rejected. Transport
// errors, timeouts and 5xx responses all count.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Client drives the Dokploy HTTP API. API keys are supplied per call
// because every request runs on behalf of a caller-provided credential.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the request client, primarily for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New validates the base URL and returns a ready client. Requests carry a
// 30 second overall timeout; log streaming uses a separate client without
// one so long-lived tails are not cut off mid-follow.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("dokploy: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("dokploy: invalid base url %q: %w", baseURL, err)
	}

	dialer := &net.Dialer{Timeout: 15 * time.Second}
	c := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		stream: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Validate performs a cheap authenticated call to prove the key works.
func (c *Client) Validate(ctx context.Context, apiKey string) error {
	_, err := c.Projects(ctx, apiKey)
	return err
}

// Projects fetches every project visible to the key, environments and
// composes included.
func (c *Client) Projects(ctx context.Context, apiKey string) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/api/project.all", apiKey, nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// FindComposeByName walks the project tree for a compose with the given
// name, scoped to the project and environment when those ids are set.
// Returns ErrNotFound when nothing matches.
func (c *Client) FindComposeByName(ctx context.Context, apiKey, projectID, environmentID, name string) (Compose, error) {
	projects, err := c.Projects(ctx, apiKey)
	if err != nil {
		return Compose{}, err
	}
	for _, project := range projects {
		if projectID != "" && project.ProjectID != projectID {
			continue
		}
		for _, env := range project.Environments {
			if environmentID != "" && env.EnvironmentID != environmentID {
				continue
			}
			for _, compose := range env.Composes {
				if compose.Name == name {
					return compose, nil
				}
			}
		}
	}
	return Compose{}, fmt.Errorf("compose %q: %w", name, ErrNotFound)
}

// ComposesByPrefix lists composes in the environment whose app name starts
// with prefix.
func (c *Client) ComposesByPrefix(ctx context.Context, apiKey, environmentID, prefix string) ([]Compose, error) {
	projects, err := c.Projects(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	var out []Compose
	for _, project := range projects {
		for _, env := range project.Environments {
			if environmentID != "" && env.EnvironmentID != environmentID {
				continue
			}
			for _, compose := range env.Composes {
				if strings.HasPrefix(compose.AppName, prefix) {
					out = append(out, compose)
				}
			}
		}
	}
	return out, nil
}

// ComposeDetail fetches one compose with its deployment history.
func (c *Client) ComposeDetail(ctx context.Context, apiKey, composeID string) (ComposeDetail, error) {
	var detail ComposeDetail
	path := "/api/compose.one?composeId=" + url.QueryEscape(composeID)
	if err := c.do(ctx, http.MethodGet, path, apiKey, nil, &detail); err != nil {
		return ComposeDetail{}, err
	}
	return detail, nil
}

// CreateCompose registers a new compose service and returns its id.
func (c *Client) CreateCompose(ctx context.Context, apiKey string, req CreateComposeRequest) (string, error) {
	var resp composeCreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/compose.create", apiKey, req, &resp); err != nil {
		return "", err
	}
	id := resp.id()
	if id == "" {
		return "", errors.New("dokploy: compose.create response carried no compose id")
	}
	return id, nil
}

// UpdateCompose points a compose at its git source and environment block.
func (c *Client) UpdateCompose(ctx context.Context, apiKey string, req UpdateComposeRequest) error {
	return c.do(ctx, http.MethodPost, "/api/compose.update", apiKey, req, nil)
}

// DeployCompose queues a deployment for the compose.
func (c *Client) DeployCompose(ctx context.Context, apiKey, composeID string) error {
	body := map[string]string{"composeId": composeID}
	return c.do(ctx, http.MethodPost, "/api/compose.deploy", apiKey, body, nil)
}

// DeleteCompose removes a compose and, when requested, its volumes.
func (c *Client) DeleteCompose(ctx context.Context, apiKey, composeID string, deleteVolumes bool) error {
	body := map[string]any{"composeId": composeID, "deleteVolumes": deleteVolumes}
	return c.do(ctx, http.MethodPost, "/api/compose.delete", apiKey, body, nil)
}

// DomainsByComposeID lists the hostnames routed to a compose.
func (c *Client) DomainsByComposeID(ctx context.Context, apiKey, composeID string) ([]Domain, error) {
	var domains []Domain
	path := "/api/domain.byComposeId?composeId=" + url.QueryEscape(composeID)
	if err := c.do(ctx, http.MethodGet, path, apiKey, nil, &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// CreateDomain attaches a hostname to a compose service.
func (c *Client) CreateDomain(ctx context.Context, apiKey string, req DomainRequest) error {
	return c.do(ctx, http.MethodPost, "/api/domain.create", apiKey, req, nil)
}

// UpdateDomain rewrites an existing hostname. req.DomainID must be set.
func (c *Client) UpdateDomain(ctx context.Context, apiKey string, req DomainRequest) error {
	if req.DomainID == "" {
		return errors.New("dokploy: domain.update requires a domain id")
	}
	return c.do(ctx, http.MethodPost, "/api/domain.update", apiKey, req, nil)
}

// DeleteDomain detaches a hostname.
func (c *Client) DeleteDomain(ctx context.Context, apiKey, domainID string) error {
	body := map[string]string{"domainId": domainID}
	return c.do(ctx, http.MethodPost, "/api/domain.delete", apiKey, body, nil)
}

// DeploymentLogs opens the raw log stream for one deployment. The caller
// owns the returned body; cancelling ctx tears the stream down.
func (c *Client) DeploymentLogs(ctx context.Context, apiKey, deploymentID string, follow bool) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/deployment.logs?deploymentId=%s&follow=%t", url.QueryEscape(deploymentID), follow)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("dokploy: build request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dokploy: open deployment log stream: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, errorFrom(resp)
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dokploy: encode request: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("dokploy: build request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dokploy: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return errorFrom(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dokploy: decode %s response: %w", path, err)
	}
	return nil
}

func errorFrom(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))

	var wire struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil {
		switch {
		case wire.Message != "":
			msg = wire.Message
		case wire.Error != "":
			msg = wire.Error
		}
	}
	if msg == "" {
		msg = resp.Status
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	}
	return apiErr
}
