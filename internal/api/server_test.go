// ABOUTME: Integration tests for the JSON surface: submit, get, cancel, stats.
// ABOUTME: httptest server over a real Postgres testcontainer.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jacksund/taskq/internal/api"
	"github.com/jacksund/taskq/internal/engine"
	"github.com/jacksund/taskq/internal/task"
	"github.com/jacksund/taskq/internal/testutil"
	"github.com/jacksund/taskq/internal/worker"
)

func newTestServer(t *testing.T, s *testutil.TestDB) *httptest.Server {
	t.Helper()
	registry := task.NewRegistry()
	registry.Register("noop", func(_ context.Context, _, _ json.RawMessage) (any, error) {
		return nil, nil
	})
	client := engine.New(s.Store, registry, 10*time.Millisecond)
	srv := httptest.NewServer(api.NewServer(client, s.Store).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSubmitGetCancelRoundTrip(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	srv := newTestServer(t, s)

	resp := postJSON(t, srv.URL+"/api/v1/work-items", map[string]any{
		"kind": "noop",
		"tags": []string{"gpu"},
		"args": []int{1, 2},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	decodeInto(t, resp, &created)
	if created.Status != "pending" {
		t.Errorf("status = %q, want pending", created.Status)
	}

	getURL := fmt.Sprintf("%s/api/v1/work-items/%s", srv.URL, created.ID)
	resp, err := http.Get(getURL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var fetched struct {
		Kind   string   `json:"kind"`
		Tags   []string `json:"tags"`
		Status string   `json:"status"`
	}
	decodeInto(t, resp, &fetched)
	if fetched.Kind != "noop" || fetched.Status != "pending" {
		t.Errorf("fetched = %+v, want pending noop", fetched)
	}

	resp = postJSON(t, getURL+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	var cancelled struct {
		Cancelled bool `json:"cancelled"`
	}
	decodeInto(t, resp, &cancelled)
	if !cancelled.Cancelled {
		t.Error("cancel of a pending item returned false")
	}

	// Second cancel reports false: the transition already happened.
	resp = postJSON(t, getURL+"/cancel", nil)
	decodeInto(t, resp, &cancelled)
	if cancelled.Cancelled {
		t.Error("second cancel returned true")
	}
}

func TestSubmitUnknownKindRejected(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	srv := newTestServer(t, s)

	resp := postJSON(t, srv.URL+"/api/v1/work-items", map[string]any{"kind": "nope"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitRequiresKind(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	srv := newTestServer(t, s)

	resp := postJSON(t, srv.URL+"/api/v1/work-items", map[string]any{"tags": []string{"x"}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetUnknownItem(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	srv := newTestServer(t, s)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/work-items/%s", srv.URL, uuid.New()))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/v1/work-items/not-a-uuid")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d for malformed id, want 400", resp.StatusCode)
	}
}

func TestGetReturnsStoredOutcome(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	registry := task.NewRegistry()
	registry.Register("echo", func(_ context.Context, args, _ json.RawMessage) (any, error) {
		return args, nil
	})
	registry.Register("fails", func(_ context.Context, _, _ json.RawMessage) (any, error) {
		return nil, fmt.Errorf("disk full")
	})
	client := engine.New(s.Store, registry, 10*time.Millisecond)
	srv := httptest.NewServer(api.NewServer(client, s.Store).Handler())
	t.Cleanup(srv.Close)

	var okItem, badItem struct {
		ID uuid.UUID `json:"id"`
	}
	resp := postJSON(t, srv.URL+"/api/v1/work-items", map[string]any{"kind": "echo", "args": []int{1, 2}})
	decodeInto(t, resp, &okItem)
	resp = postJSON(t, srv.URL+"/api/v1/work-items", map[string]any{"kind": "fails"})
	decodeInto(t, resp, &badItem)

	agent := worker.New(s.Store, registry, worker.Config{
		PollInterval: 10 * time.Millisecond,
		CloseOnEmpty: true,
	})
	if err := agent.Run(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	type outcomeResponse struct {
		Status string          `json:"status"`
		Value  json.RawMessage `json:"value"`
		Error  *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/work-items/%s", srv.URL, okItem.ID))
	if err != nil {
		t.Fatalf("GET finished item: %v", err)
	}
	var finished outcomeResponse
	decodeInto(t, resp, &finished)
	if finished.Status != "finished" {
		t.Errorf("status = %q, want finished", finished.Status)
	}
	if string(finished.Value) != "[1,2]" {
		t.Errorf("value = %s, want [1,2]", finished.Value)
	}
	if finished.Error != nil {
		t.Errorf("finished item carries error %+v", finished.Error)
	}

	resp, err = http.Get(fmt.Sprintf("%s/api/v1/work-items/%s", srv.URL, badItem.ID))
	if err != nil {
		t.Fatalf("GET errored item: %v", err)
	}
	var errored outcomeResponse
	decodeInto(t, resp, &errored)
	if errored.Status != "errored" {
		t.Errorf("status = %q, want errored", errored.Status)
	}
	if errored.Error == nil || errored.Error.Message != "disk full" {
		t.Errorf("error = %+v, want message %q", errored.Error, "disk full")
	}
	if len(errored.Value) != 0 {
		t.Errorf("errored item carries value %s", errored.Value)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	srv := newTestServer(t, s)

	for range 2 {
		resp := postJSON(t, srv.URL+"/api/v1/work-items", map[string]any{"kind": "noop"})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats struct {
		Pending int64 `json:"pending"`
	}
	decodeInto(t, resp, &stats)
	if stats.Pending != 2 {
		t.Errorf("pending = %d, want 2", stats.Pending)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	srv := newTestServer(t, s)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
