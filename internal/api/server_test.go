package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oremus-labs/ol-bot-manager/internal/handlers"
	"github.com/oremus-labs/ol-bot-manager/internal/lifecycle"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubLifecycle struct{}

func (stubLifecycle) Status(ctx context.Context) (*runtime.ContainerStatus, error) {
	return &runtime.ContainerStatus{ContainerName: "bot", Status: runtime.StateRunning}, nil
}

func (stubLifecycle) Logs(ctx context.Context, tail int) (string, error) { return "", nil }

func (stubLifecycle) Start(ctx context.Context) (*runtime.Result, error) {
	return &runtime.Result{Status: runtime.ResultAlreadyRunning}, nil
}

func (stubLifecycle) Stop(ctx context.Context) (*runtime.Result, error) {
	return &runtime.Result{Status: runtime.ResultAlreadyStopped}, nil
}

func (stubLifecycle) Restart(ctx context.Context) (*runtime.Result, error) {
	return &runtime.Result{Status: runtime.ResultRestartedRunning}, nil
}

func (stubLifecycle) UpdateData(ctx context.Context, name string, content []byte, hooks lifecycle.Hooks) (*lifecycle.UpdateResult, error) {
	return &lifecycle.UpdateResult{Status: "data_updated_and_restarted", Filename: name}, nil
}

func (stubLifecycle) Rebuild(ctx context.Context, hooks lifecycle.Hooks) (*lifecycle.RebuildResult, error) {
	return &lifecycle.RebuildResult{Status: "rebuild_and_restart_successful"}, nil
}

func newTestServer(token string) *Server {
	h := handlers.New(handlers.Deps{Lifecycle: stubLifecycle{}}, handlers.Options{ContainerName: "bot"})
	return NewServer(h, Options{APIToken: token})
}

func serve(s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer("secret")

	w := serve(s, http.MethodPost, "/start", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"detail":"unauthorized"`) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}

	w = serve(s, http.MethodPost, "/start", map[string]string{"Authorization": "Bearer secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}

	w = serve(s, http.MethodPost, "/stop", map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}

	w = serve(s, http.MethodPost, "/stop", map[string]string{"X-API-Key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}
}

func TestPublicRoutesSkipAuth(t *testing.T) {
	s := newTestServer("secret")

	for _, path := range []string{"/healthz", "/status", "/system/info"} {
		w := serve(s, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, w.Code)
		}
	}
}

func TestNoTokenLeavesRoutesOpen(t *testing.T) {
	s := newTestServer("")
	w := serve(s, http.MethodPost, "/restart", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), runtime.ResultRestartedRunning) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
}

func TestRequestMetricsRecorded(t *testing.T) {
	s := newTestServer("")
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200"))
	serve(s, http.MethodGet, "/healthz", nil)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestGraphQLMountedBehindAuth(t *testing.T) {
	h := handlers.New(handlers.Deps{Lifecycle: stubLifecycle{}}, handlers.Options{ContainerName: "bot"})
	gql := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{}}`))
	})
	s := NewServer(h, Options{APIToken: "secret", GraphQLHandler: gql})

	if w := serve(s, http.MethodPost, "/graphql", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}
	w := serve(s, http.MethodPost, "/graphql", map[string]string{"Authorization": "Bearer secret"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"data"`) {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}

	if w := serve(newTestServer(""), http.MethodPost, "/graphql", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without handler got %d", w.Code)
	}
}
