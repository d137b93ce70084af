package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pgflow/internal/config"
)

func TestHealthNoAuth(t *testing.T) {
	s := New(config.Config{APIToken: "secret"}, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: %d", resp.StatusCode)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	s := New(config.Config{APIToken: "secret"}, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs")
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	var body struct {
		Error      string `json:"error"`
		ReasonCode string `json:"reason_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.ReasonCode != "UNAUTHORIZED" {
		t.Fatalf("unexpected reason code: %s", body.ReasonCode)
	}
}

// A request with a valid token passes the middleware; the bad limit fails
// validation before the store is touched.
func TestAuthAcceptsAPIKey(t *testing.T) {
	s := New(config.Config{APIToken: "secret"}, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/jobs?limit=abc", nil)
	req.Header.Set("x-api-key", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 past auth, got %d", resp.StatusCode)
	}
}

func TestAuthAcceptsBearer(t *testing.T) {
	s := New(config.Config{APIToken: "secret"}, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/jobs?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 past auth, got %d", resp.StatusCode)
	}
}

func TestAuthRejectsWrongBearer(t *testing.T) {
	s := New(config.Config{APIToken: "secret"}, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestBadCursorRejected(t *testing.T) {
	s := New(config.Config{}, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs?cursor_created_at=notatime&cursor_id=notauuid")
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", resp.StatusCode)
	}
}
