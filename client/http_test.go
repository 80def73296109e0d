package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/izavyalov-dev/kubeprov/protocol"
)

func TestInvokeDecodesLogsAndHeaders(t *testing.T) {
	var gotPath, gotTarget string
	srv := mustTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTarget = r.URL.Query().Get("target")
		w.Header().Set(protocol.HeaderRequestID, "7")
		w.Header().Set(protocol.HeaderRequestStatus, "FAILED")
		_ = json.NewEncoder(w).Encode([]string{"[start] install-docker", "[failed] install-docker exited with status 2"})
	}))
	if srv == nil {
		return
	}
	defer srv.Close()

	result, err := NewHTTPClient(srv.URL+"/").Invoke(context.Background(), "install-docker", "ng-1")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotPath != "/api/install/install-docker" || gotTarget != "ng-1" {
		t.Fatalf("unexpected request %s target=%s", gotPath, gotTarget)
	}
	if result.RequestID != 7 || result.Succeeded() || len(result.Logs) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestInvokeConflictIsAPIError(t *testing.T) {
	var calls atomic.Int32
	srv := mustTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "busy", Code: protocol.CodeConflict, ActiveRequestID: 3})
	}))
	if srv == nil {
		return
	}
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).Invoke(context.Background(), "install-docker", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.ActiveRequestID != 3 || apiErr.Code != protocol.CodeConflict {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("invocations must not be retried, got %d calls", calls.Load())
	}
}

func TestListRequestsRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := mustTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("status") != "FAILED" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]protocol.RequestView{{ID: 4, Status: "FAILED"}})
	}))
	if srv == nil {
		return
	}
	defer srv.Close()

	client := NewHTTPClient(srv.URL, WithReadRetries(3, time.Millisecond))
	views, err := client.ListRequests(context.Background(), RequestQuery{Status: "FAILED", Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 1 || views[0].ID != 4 {
		t.Fatalf("unexpected views %+v", views)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGetRequestNotFound(t *testing.T) {
	srv := mustTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "not found", Code: protocol.CodeNotFound})
	}))
	if srv == nil {
		return
	}
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).GetRequest(context.Background(), 9)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

// mustTestServer starts a test server or skips if the sandbox disallows listening.
func mustTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("test server unavailable in sandbox: %v", r)
		}
	}()
	return httptest.NewServer(handler)
}
