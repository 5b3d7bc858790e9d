package calltrack_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aiphone/aiphone/internal/calltrack"
)

type apiRequest struct {
	Method string
	Path   string
	Status string
	Body   string
}

// newAPIServer fakes the dashboard call API and records every request.
func newAPIServer(t *testing.T, createBody string, code int) (*httptest.Server, func() []apiRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []apiRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, apiRequest{r.Method, r.URL.Path, r.URL.Query().Get("status"), string(b)})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if r.Method == http.MethodPost {
			_, _ = io.WriteString(w, createBody)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []apiRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]apiRequest(nil), reqs...)
	}
}

func TestHTTPClient_Lifecycle(t *testing.T) {
	srv, requests := newAPIServer(t, `{"id":42,"status":"initiated"}`, http.StatusOK)
	c, err := calltrack.NewHTTPClient(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	id, err := c.CreateCall(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Errorf("id = %q, want 42", id)
	}
	if err := c.UpdateStatus(ctx, id, calltrack.StatusListening); err != nil {
		t.Fatal(err)
	}
	payload := map[string]any{"response": "Bye", "summary": "sore throat"}
	if err := c.CompleteCall(ctx, id, payload); err != nil {
		t.Fatal(err)
	}

	got := requests()
	want := []apiRequest{
		{http.MethodPost, "/api/call", "initiated", ""},
		{http.MethodPatch, "/api/call/42", "listening", ""},
		{http.MethodPatch, "/api/call/42", "completed", ""},
	}
	if len(got) != len(want) {
		t.Fatalf("requests = %+v", got)
	}
	for i := range want {
		if got[i].Method != want[i].Method || got[i].Path != want[i].Path || got[i].Status != want[i].Status {
			t.Errorf("request %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	var body struct {
		AIResponse map[string]string `json:"ai_response"`
	}
	if err := json.Unmarshal([]byte(got[2].Body), &body); err != nil {
		t.Fatalf("completion body %q: %v", got[2].Body, err)
	}
	if body.AIResponse["summary"] != "sore throat" {
		t.Errorf("ai_response = %+v", body.AIResponse)
	}
}

func TestHTTPClient_StringID(t *testing.T) {
	srv, _ := newAPIServer(t, `{"id":"c-7"}`, http.StatusCreated)
	c, _ := calltrack.NewHTTPClient(srv.URL)
	id, err := c.CreateCall(context.Background())
	if err != nil || id != "c-7" {
		t.Fatalf("CreateCall = %q, %v", id, err)
	}
}

func TestHTTPClient_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"server error", `{"message":"boom"}`, http.StatusInternalServerError},
		{"missing id", `{"status":"initiated"}`, http.StatusOK},
		{"not json", `<html>`, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newAPIServer(t, tc.body, tc.code)
			c, _ := calltrack.NewHTTPClient(srv.URL)
			_, err := c.CreateCall(context.Background())
			if !errors.Is(err, calltrack.ErrCallTracking) {
				t.Errorf("err = %v, want ErrCallTracking", err)
			}
		})
	}
}

func TestHTTPClient_RequiresID(t *testing.T) {
	srv, requests := newAPIServer(t, `{}`, http.StatusOK)
	c, _ := calltrack.NewHTTPClient(srv.URL)
	if err := c.UpdateStatus(context.Background(), "", calltrack.StatusListening); !errors.Is(err, calltrack.ErrNoCall) {
		t.Errorf("UpdateStatus err = %v, want ErrNoCall", err)
	}
	if err := c.CompleteCall(context.Background(), "", nil); !errors.Is(err, calltrack.ErrNoCall) {
		t.Errorf("CompleteCall err = %v, want ErrNoCall", err)
	}
	if n := len(requests()); n != 0 {
		t.Errorf("%d requests sent without an id", n)
	}
}

func TestNewHTTPClient_EmptyURL(t *testing.T) {
	if _, err := calltrack.NewHTTPClient(""); err == nil {
		t.Error("expected an error for an empty base URL")
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []calltrack.Status{
		calltrack.StatusInitiated, calltrack.StatusGreeting, calltrack.StatusListening,
		calltrack.StatusProcessing, calltrack.StatusResponding, calltrack.StatusCompleted, calltrack.StatusError,
	} {
		if !s.Valid() {
			t.Errorf("%q not valid", s)
		}
	}
	if calltrack.Status("hung_up").Valid() {
		t.Error("unknown status reported valid")
	}
}
