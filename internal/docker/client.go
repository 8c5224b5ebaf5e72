// Package docker wraps the Docker SDK client used to inspect preview
// containers on the host the platform deploys to.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrNotFound reports that no container matched the requested name.
var ErrNotFound = errors.New("docker: container not found")

// ContainerInfo is the listing shape exposed over the API.
type ContainerInfo struct {
	ID     string   `json:"id"`
	Names  []string `json:"names"`
	Image  string   `json:"image"`
	State  string   `json:"state"`
	Status string   `json:"status"`
}

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New builds a client from the environment, optionally overriding the host.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping verifies the daemon is reachable and reports a usable API version.
func (c *Client) Ping(ctx context.Context) error {
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker: ping: %w", err)
	}
	if ping.APIVersion == "" {
		return errors.New("docker: daemon reported empty api version")
	}
	return nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.inner.Close()
}

// ListContainers lists containers, running or not, optionally filtered by a
// name fragment. Leading slashes in names are stripped to match what docker
// ps shows.
func (c *Client) ListContainers(ctx context.Context, name string) ([]ContainerInfo, error) {
	opts := container.ListOptions{All: true}
	if name != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", name))
	}

	containers, err := c.inner.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, item := range containers {
		names := make([]string, 0, len(item.Names))
		for _, n := range item.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
		out = append(out, ContainerInfo{
			ID:     item.ID,
			Names:  names,
			Image:  item.Image,
			State:  item.State,
			Status: item.Status,
		})
	}
	return out, nil
}

// TailLogs opens the log stream of one container as plain text. tail <= 0
// streams the whole history; with follow the stream stays open until ctx is
// cancelled or the reader is closed.
func (c *Client) TailLogs(ctx context.Context, name string, tail int, follow bool) (io.ReadCloser, error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("docker: inspect %s: %w", name, err)
	}

	tailArg := "all"
	if tail > 0 {
		tailArg = strconv.Itoa(tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tailArg,
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: logs %s: %w", name, err)
	}

	// TTY containers emit a plain byte stream; everything else arrives in
	// docker's multiplexed framing and needs demultiplexing.
	if inspect.Config != nil && inspect.Config.Tty {
		return rc, nil
	}
	return demux(rc), nil
}

func demux(src io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, src)
		pw.CloseWithError(err)
	}()
	return &demuxReader{pr: pr, src: src}
}

type demuxReader struct {
	pr  *io.PipeReader
	src io.ReadCloser
}

func (d *demuxReader) Read(p []byte) (int, error) {
	return d.pr.Read(p)
}

// Close tears down the upstream log stream; the copy goroutine exits once
// the source read fails.
func (d *demuxReader) Close() error {
	err := d.src.Close()
	_ = d.pr.Close()
	return err
}
