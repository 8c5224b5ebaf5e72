package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/solhaug/previewd/internal/service/logstream"
	"github.com/solhaug/previewd/internal/ws"
)

func (r *Router) handleContainerLogs(w http.ResponseWriter, req *http.Request, identifier, service string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tail, follow := streamParams(req)
	key, _ := credentialFromContext(req.Context())
	lines, err := r.streams.TailContainer(req.Context(), key, identifier, service, tail, follow)
	if err != nil {
		r.writeStreamError(w, req, err)
		return
	}
	r.streamLines(w, req, lines)
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, identifier, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	_, follow := streamParams(req)
	key, _ := credentialFromContext(req.Context())
	lines, err := r.streams.TailDeployment(req.Context(), key, identifier, deploymentID, follow)
	if err != nil {
		r.writeStreamError(w, req, err)
		return
	}
	r.streamLines(w, req, lines)
}

// streamParams reads the tail and follow query knobs. Follow defaults to
// true: the endpoints exist for live tailing, a bounded dump is the
// explicit opt-out.
func streamParams(req *http.Request) (tail int, follow bool) {
	query := req.URL.Query()
	tail = defaultTailLines
	if raw := query.Get("tail"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			tail = parsed
		}
	}
	follow = true
	if raw := query.Get("follow"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			follow = parsed
		}
	}
	return tail, follow
}

func (r *Router) writeStreamError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, logstream.ErrRuntimeUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "container runtime unavailable")
		return
	}
	r.writePlatformError(w, req, err)
}

// streamLines forwards relayed log lines as server-sent events until the
// source ends or the subscriber disconnects. The request context carries
// the disconnect signal down into the relay, which closes the upstream
// reader.
func (r *Router) streamLines(w http.ResponseWriter, req *http.Request, lines <-chan logstream.Line) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	r.streamOpened()
	defer r.streamClosed()

	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case line, open := <-lines:
			if !open {
				return
			}
			if line.Err != nil {
				_ = client.SendEvent("error", []byte(line.Err.Error()))
				return
			}
			if err := client.Send([]byte(line.Text)); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
