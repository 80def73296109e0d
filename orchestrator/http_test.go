package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/izavyalov-dev/kubeprov/internal/observability"
	"github.com/izavyalov-dev/kubeprov/protocol"
	"github.com/izavyalov-dev/kubeprov/runner"
	"github.com/izavyalov-dev/kubeprov/state"
)

func newTestApp(t *testing.T, run runner.Runner) (*fiber.App, *state.MemoryStore, *Service) {
	t.Helper()
	ledger := state.NewMemoryStore()
	registry := prometheus.NewRegistry()
	service := NewService(ledger, run, testFleet(), Config{Metrics: observability.NewMetrics(registry)})
	return NewHTTPApp(service, nil, registry), ledger, service
}

func doRequest(t *testing.T, app *fiber.App, method, target string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil), -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestInstallEndpointReturnsLogs(t *testing.T) {
	app, _, _ := newTestApp(t, &fakeRunner{output: []string{"PLAY [all]"}})

	resp := doRequest(t, app, http.MethodPost, "/api/install/install-docker?target=node-group-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(protocol.HeaderRequestID) != "1" || resp.Header.Get(protocol.HeaderRequestStatus) != "SUCCEEDED" {
		t.Fatalf("unexpected headers %v", resp.Header)
	}
	var logs []string
	decodeBody(t, resp, &logs)
	if len(logs) != 3 || !strings.HasPrefix(logs[2], "[success]") {
		t.Fatalf("unexpected logs %v", logs)
	}
}

func TestInstallEndpointFailureIsStill200(t *testing.T) {
	app, _, _ := newTestApp(t, &fakeRunner{err: runner.ActionFailedError{ExitCode: 2}})

	resp := doRequest(t, app, http.MethodPost, "/api/install/uninstall-docker")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(protocol.HeaderRequestStatus) != "FAILED" {
		t.Fatalf("expected FAILED status header")
	}
	var logs []string
	decodeBody(t, resp, &logs)
	if !strings.HasPrefix(lastLine(logs), "[failed]") {
		t.Fatalf("expected failure summary, got %v", logs)
	}
}

func TestInstallEndpointErrors(t *testing.T) {
	app, ledger, _ := newTestApp(t, &fakeRunner{})

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantCode   string
	}{
		{name: "unknown action", target: "/api/install/install-nginx", wantStatus: http.StatusNotFound, wantCode: protocol.CodeUnknownAction},
		{name: "unknown target", target: "/api/install/install-docker?target=nope", wantStatus: http.StatusBadRequest, wantCode: protocol.CodeUnknownTarget},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, app, http.MethodPost, tc.target)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, resp.StatusCode)
			}
			var body protocol.ErrorResponse
			decodeBody(t, resp, &body)
			if body.Code != tc.wantCode {
				t.Fatalf("expected code %q, got %q", tc.wantCode, body.Code)
			}
		})
	}

	all, _ := ledger.ListAll(context.Background(), state.ListFilter{})
	if len(all) != 0 {
		t.Fatalf("expected no ledger rows, got %d", len(all))
	}
}

func TestInstallEndpointConflict(t *testing.T) {
	run := &fakeRunner{release: make(chan struct{}), started: make(chan struct{})}
	app, _, service := newTestApp(t, run)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = service.Invoke(context.Background(), "install-kubernetes-kubespray", "node-group-1")
	}()
	<-run.started

	resp := doRequest(t, app, http.MethodPost, "/api/install/install-k8s-addons?target=node-group-1")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var body protocol.ErrorResponse
	decodeBody(t, resp, &body)
	if body.Code != protocol.CodeConflict || body.ActiveRequestID != 1 {
		t.Fatalf("unexpected conflict body %+v", body)
	}

	active := doRequest(t, app, http.MethodGet, "/api/install/targets/node-group-1/active")
	if active.StatusCode != http.StatusOK {
		t.Fatalf("expected active request, got %d", active.StatusCode)
	}
	var view protocol.RequestView
	decodeBody(t, active, &view)
	if view.ID != 1 || view.Status != "RUNNING" {
		t.Fatalf("unexpected active request %+v", view)
	}

	close(run.release)
	<-done

	idle := doRequest(t, app, http.MethodGet, "/api/install/targets/node-group-1/active")
	if idle.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 once idle, got %d", idle.StatusCode)
	}
}

func TestInstallEndpointDuringShutdown(t *testing.T) {
	app, _, service := newTestApp(t, &fakeRunner{})
	if err := service.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	resp := doRequest(t, app, http.MethodPost, "/api/install/install-docker")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body protocol.ErrorResponse
	decodeBody(t, resp, &body)
	if body.Code != protocol.CodeShuttingDown {
		t.Fatalf("expected code %q, got %q", protocol.CodeShuttingDown, body.Code)
	}
}

func TestReadEndpoints(t *testing.T) {
	app, _, service := newTestApp(t, &fakeRunner{})
	ctx := context.Background()
	if _, err := service.Invoke(ctx, "install-docker", "node-group-1"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if _, err := service.Invoke(ctx, "install-docker", "web-1"); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	resp := doRequest(t, app, http.MethodGet, "/api/install/requests?kind=frontend&logs=true")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var views []protocol.RequestView
	decodeBody(t, resp, &views)
	if len(views) != 1 || views[0].TargetID != "web-1" || len(views[0].Logs) == 0 {
		t.Fatalf("unexpected filtered list %+v", views)
	}

	resp = doRequest(t, app, http.MethodGet, "/api/install/requests?limit=1")
	decodeBody(t, resp, &views)
	if len(views) != 1 || views[0].ID != 2 {
		t.Fatalf("expected newest request first, got %+v", views)
	}

	resp = doRequest(t, app, http.MethodGet, "/api/install/requests/1")
	var view protocol.RequestView
	decodeBody(t, resp, &view)
	if view.ID != 1 || view.Status != "SUCCEEDED" || len(view.Logs) == 0 {
		t.Fatalf("unexpected request %+v", view)
	}

	if resp := doRequest(t, app, http.MethodGet, "/api/install/requests/99"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp := doRequest(t, app, http.MethodGet, "/api/install/requests?status=DONE"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", resp.StatusCode)
	}
	if resp := doRequest(t, app, http.MethodGet, "/api/install/requests/abc"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.StatusCode)
	}
}

func TestActionsHealthAndMetrics(t *testing.T) {
	app, _, service := newTestApp(t, &fakeRunner{})
	if _, err := service.Invoke(context.Background(), "install-docker", ""); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	resp := doRequest(t, app, http.MethodGet, "/api/install/actions")
	var actions []protocol.ActionView
	decodeBody(t, resp, &actions)
	if len(actions) != 10 {
		t.Fatalf("expected 10 actions, got %d", len(actions))
	}

	if resp := doRequest(t, app, http.MethodGet, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, http.MethodGet, "/metrics")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `kubeprov_requests_total{action="install-docker",status="SUCCEEDED"} 1`) {
		t.Fatalf("expected request counter in metrics output:\n%s", body)
	}
}
