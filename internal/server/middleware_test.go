package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/provisioning-gateway/internal/auth"
	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

func okHandler(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if _, err := uuid.Parse(seen); err != nil {
			t.Fatalf("request id %q is not a uuid", seen)
		}
		if rec.Header().Get("X-Request-ID") != seen {
			t.Errorf("header = %q, want %q", rec.Header().Get("X-Request-ID"), seen)
		}
	})

	t.Run("reuses caller id", func(t *testing.T) {
		id := uuid.New().String()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", id)
		h.ServeHTTP(httptest.NewRecorder(), req)
		if seen != id {
			t.Errorf("request id = %q, want %q", seen, id)
		}
	})

	t.Run("replaces malformed id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "not-a-uuid\nInjected: 1")
		h.ServeHTTP(httptest.NewRecorder(), req)
		if strings.Contains(seen, "Injected") {
			t.Errorf("malformed id was kept: %q", seen)
		}
	})

	if GetRequestID(context.Background()) != "" {
		t.Error("GetRequestID outside middleware should be empty")
	}
}

func TestLoggingMiddleware_IncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "stage", "gate")
		AddLogField(r.Context(), "empty", "")
		w.WriteHeader(http.StatusTeapot)
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/Users", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["msg"] != "request completed" || line["stage"] != "gate" || line["status"] != float64(http.StatusTeapot) {
		t.Errorf("unexpected log line: %v", line)
	}
	if _, ok := line["empty"]; ok {
		t.Error("empty fields should be dropped")
	}
	if line["request_id"] == "" {
		t.Error("request_id missing")
	}
}

func TestAddLogField_WithoutMiddleware(t *testing.T) {
	AddLogField(context.Background(), "k", "v")
	AddError(context.Background(), nil)
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ok || time.Until(deadline) > time.Second {
		t.Errorf("deadline = %v, %v", deadline, ok)
	}

	h = TimeoutMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if ok {
		t.Error("zero timeout should not set a deadline")
	}
}

func TestAuthMiddleware(t *testing.T) {
	authenticator := auth.NewAuthenticator([]auth.Credential{
		{Name: "hr", TokenHash: auth.HashSecret("t0ken")},
		{Username: "ops", PasswordHash: auth.HashSecret("pw")},
	})

	var client *auth.Client
	h := AuthMiddleware(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client = GetClient(r.Context())
	}))

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantStatus int
		wantClient string
	}{
		{"missing header", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"bad token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer t0ken") }, http.StatusOK, "hr"},
		{"basic", func(r *http.Request) { r.SetBasicAuth("ops", "pw") }, http.StatusOK, "ops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client = nil
			req := httptest.NewRequest(http.MethodGet, "/Users", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("body is not JSON: %v", err)
				}
				if body["status"] != float64(http.StatusUnauthorized) {
					t.Errorf("body status = %v", body["status"])
				}
				if schemas, _ := body["schemas"].([]any); len(schemas) != 1 || schemas[0] != domain.SCIMErrorSchema {
					t.Errorf("schemas = %v", body["schemas"])
				}
				return
			}
			if client == nil || client.Name != tt.wantClient {
				t.Errorf("client = %+v, want %s", client, tt.wantClient)
			}
		})
	}
}

func TestAuthMiddleware_NilIsOpen(t *testing.T) {
	rec := httptest.NewRecorder()
	AuthMiddleware(nil)(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(0.001, 1)(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/Users", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	checkHeader(t, rec, "x-ratelimit-limit-requests", "1")
	checkHeader(t, rec, "x-ratelimit-remaining-requests", "0")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/Users", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if ct := rec.Header().Get("Content-Type"); ct != scimContentType {
		t.Errorf("content type = %q", ct)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	h := RateLimitMiddleware(0, 0)(http.HandlerFunc(okHandler))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
		if rec.Header().Get("x-ratelimit-limit-requests") != "" {
			t.Fatal("disabled limiter should not set headers")
		}
	}
}

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, key, want string) {
	t.Helper()
	if got := rec.Header().Get(key); got != want {
		t.Errorf("header %s = %q, want %q", key, got, want)
	}
}
