package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type fakeAuth struct {
	token string
}

func (f fakeAuth) Authenticate(token string) error {
	if token != f.token {
		return errors.New("unauthorized")
	}
	return nil
}

func newRouter() http.Handler {
	r := chi.NewRouter()
	New(fakeAuth{token: "good"}).RegisterRoutes(r)
	return r
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body err: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	newRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if body := decode(t, rr); body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestAuthCheck(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{name: "query token", target: "/auth-check?token=good", status: http.StatusOK},
		{name: "bearer token", target: "/auth-check", header: "Bearer good", status: http.StatusOK},
		{name: "wrong token", target: "/auth-check?token=bad", status: http.StatusUnauthorized},
		{name: "missing token", target: "/auth-check", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			newRouter().ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			body := decode(t, rr)
			if tt.status == http.StatusOK && body["status"] != "authorized" {
				t.Fatalf("unexpected body: %v", body)
			}
		})
	}
}
