package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"aim-chat/sync-server/internal/config"
	"aim-chat/sync-server/internal/store"
)

const (
	testSecret  = "shared-admission-secret"
	testHMACKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.ConfigureAccounts(testHMACKey, 32); err != nil {
		t.Fatalf("configure accounts: %v", err)
	}
	if err := st.EnsureSchema(t.Context()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	cfg := config.Default()
	cfg.HMACSecret = testSecret
	cfg.AccountHMACKeyHex = testHMACKey
	cfg.RateRPS = 1000
	cfg.RateBurst = 1000

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, st, log)
}

// signedRequest builds a request carrying a valid x-auth for the given
// separator.
func signedRequest(t *testing.T, method, target string, body []byte, sep string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	base := req.URL.Path
	if req.URL.RawQuery != "" {
		base += "?" + req.URL.RawQuery
	}
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(base))
	mac.Write([]byte(sep))
	mac.Write(body)
	req.Header.Set("x-auth", base64.RawURLEncoding.EncodeToString(mac.Sum(nil)))
	return req
}

func doJSON(t *testing.T, srv *Server, req *http.Request) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec.Code, out
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must be open, got %d", rec.Code)
	}
}

func TestAdmissionAcceptsBothSeparators(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`{"uidHex":"A1B2C3D4E5F6A7","ctr":1}`)

	for _, sep := range []string{"|", "\n"} {
		status, out := doJSON(t, srv, signedRequest(t, http.MethodPost, "/d1/tags/exchange", body, sep))
		if status != http.StatusOK && status != http.StatusConflict {
			t.Fatalf("separator %q: unexpected status %d %v", sep, status, out)
		}
		if status == http.StatusConflict && out["error"] != "Replay" {
			t.Fatalf("separator %q: unexpected error %v", sep, out)
		}
	}
}

func TestAdmissionSignsQueryString(t *testing.T) {
	srv := newTestServer(t)

	// The query is part of the signed base; a signature over the bare
	// path must not admit a request whose query was appended later.
	req := signedRequest(t, http.MethodGet, "/d1/subscription/status", nil, "|")
	req.URL.RawQuery = "digest=" + strings.Repeat("A1", 32)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered query must be rejected, got %d", rec.Code)
	}

	status, out := doJSON(t, srv, signedRequest(t, http.MethodGet,
		"/d1/subscription/status?digest="+strings.Repeat("A1", 32), nil, "|"))
	if status != http.StatusNotFound {
		t.Fatalf("signed query must reach the handler, got %d %v", status, out)
	}
}

func TestAdmissionFailureIsOpaque(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`{"uidHex":"A1B2C3D4E5F6A7","ctr":1}`)

	for _, tamper := range []func(r *http.Request){
		func(r *http.Request) { r.Header.Del("x-auth") },
		func(r *http.Request) { r.Header.Set("x-auth", "bm90LXRoZS1tYWM") },
		func(r *http.Request) { r.Header.Set("x-auth", "!!not-base64!!") },
	} {
		req := signedRequest(t, http.MethodPost, "/d1/tags/exchange", body, "|")
		tamper(req)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if rec.Body.String() != "unauthorized" {
			t.Fatalf("rejection body must be the opaque string, got %q", rec.Body.String())
		}
	}
}

func TestAdmissionRejectsTamperedBody(t *testing.T) {
	srv := newTestServer(t)
	signed := signedRequest(t, http.MethodPost, "/d1/tags/exchange",
		[]byte(`{"uidHex":"A1B2C3D4E5F6A7","ctr":1}`), "|")

	tampered := httptest.NewRequest(http.MethodPost, "/d1/tags/exchange",
		strings.NewReader(`{"uidHex":"A1B2C3D4E5F6A7","ctr":2}`))
	tampered.Header.Set("x-auth", signed.Header.Get("x-auth"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, tampered)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered body must be rejected, got %d", rec.Code)
	}
}
