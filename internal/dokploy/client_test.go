package dokploy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, srv
}

func projectTreeHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/project.all" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("x-api-key = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Project{
			{
				ProjectID: "proj-1",
				Name:      "main",
				Environments: []Environment{
					{
						EnvironmentID: "env-1",
						Composes: []Compose{
							{ComposeID: "c-1", Name: "pr-42", AppName: "preview-pr-42"},
							{ComposeID: "c-2", Name: "pr-7", AppName: "preview-pr-7"},
							{ComposeID: "c-3", Name: "website", AppName: "website"},
						},
					},
					{
						EnvironmentID: "env-2",
						Composes: []Compose{
							{ComposeID: "c-4", Name: "pr-42", AppName: "preview-pr-42"},
						},
					},
				},
			},
		})
	})
}

func TestFindComposeByName(t *testing.T) {
	client, _ := newTestClient(t, projectTreeHandler(t))

	compose, err := client.FindComposeByName(context.Background(), "secret", "proj-1", "env-1", "pr-42")
	if err != nil {
		t.Fatalf("FindComposeByName: %v", err)
	}
	if compose.ComposeID != "c-1" {
		t.Fatalf("compose id = %q, want c-1", compose.ComposeID)
	}

	_, err = client.FindComposeByName(context.Background(), "secret", "proj-1", "env-1", "pr-999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing compose error = %v, want ErrNotFound", err)
	}
}

func TestComposesByPrefix(t *testing.T) {
	client, _ := newTestClient(t, projectTreeHandler(t))

	composes, err := client.ComposesByPrefix(context.Background(), "secret", "env-1", "preview-")
	if err != nil {
		t.Fatalf("ComposesByPrefix: %v", err)
	}
	if len(composes) != 2 {
		t.Fatalf("got %d composes, want 2", len(composes))
	}
	for _, compose := range composes {
		if compose.EnvironmentID == "env-2" {
			t.Fatalf("compose %s leaked from another environment", compose.ComposeID)
		}
	}
}

func TestCreateComposeIDVariants(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"flat composeId", `{"composeId":"abc"}`},
		{"flat id", `{"id":"abc"}`},
		{"nested compose", `{"compose":{"composeId":"abc"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/compose.create" {
					t.Errorf("path = %s", r.URL.Path)
				}
				var req CreateComposeRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if req.ComposeType != "docker-compose" {
					t.Errorf("composeType = %q", req.ComposeType)
				}
				_, _ = io.WriteString(w, tc.body)
			}))

			id, err := client.CreateCompose(context.Background(), "secret", CreateComposeRequest{
				Name:        "pr-42",
				ComposeType: "docker-compose",
			})
			if err != nil {
				t.Fatalf("CreateCompose: %v", err)
			}
			if id != "abc" {
				t.Fatalf("id = %q, want abc", id)
			}
		})
	}

	t.Run("missing id", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{}`)
		}))
		if _, err := client.CreateCompose(context.Background(), "secret", CreateComposeRequest{}); err == nil {
			t.Fatal("expected error for response without compose id")
		}
	})
}

func TestDeleteComposeSendsVolumeFlag(t *testing.T) {
	var captured map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/compose.delete" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.DeleteCompose(context.Background(), "secret", "c-1", true); err != nil {
		t.Fatalf("DeleteCompose: %v", err)
	}
	if captured["composeId"] != "c-1" {
		t.Fatalf("composeId = %v", captured["composeId"])
	}
	if captured["deleteVolumes"] != true {
		t.Fatalf("deleteVolumes = %v, want true", captured["deleteVolumes"])
	}
}

func TestErrorMapping(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"invalid api key"}`)
		}))

		err := client.Validate(context.Background(), "bogus")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Message != "invalid api key" {
			t.Fatalf("api error not preserved: %v", err)
		}
		if IsUnavailable(err) {
			t.Fatal("401 must not count as unavailable")
		}
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))

		err := client.Validate(context.Background(), "secret")
		if err == nil {
			t.Fatal("expected error")
		}
		if !IsUnavailable(err) {
			t.Fatalf("502 should be unavailable, got %v", err)
		}
	})

	t.Run("connection refused is unavailable", func(t *testing.T) {
		client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		err := client.Validate(context.Background(), "secret")
		if err == nil {
			t.Fatal("expected error")
		}
		if !IsUnavailable(err) {
			t.Fatalf("transport error should be unavailable, got %v", err)
		}
	})
}

func TestDeploymentLogsStreams(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/deployment.logs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("deploymentId"); got != "dep-1" {
			t.Errorf("deploymentId = %q", got)
		}
		if got := r.URL.Query().Get("follow"); got != "false" {
			t.Errorf("follow = %q", got)
		}
		_, _ = io.WriteString(w, "line one\nline two\n")
	}))

	body, err := client.DeploymentLogs(context.Background(), "secret", "dep-1", false)
	if err != nil {
		t.Fatalf("DeploymentLogs: %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(raw) != "line one\nline two\n" {
		t.Fatalf("stream = %q", raw)
	}
}
