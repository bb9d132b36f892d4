package httpapi

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"aim-chat/sync-server/internal/config"
	"aim-chat/sync-server/internal/store"
)

func postJSON(t *testing.T, srv *Server, path string, body string) (int, map[string]any) {
	t.Helper()
	return doJSON(t, srv, signedRequest(t, http.MethodPost, path, []byte(body), "|"))
}

func TestExchangeCreateAndReplayOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	status, out := postJSON(t, srv, "/d1/tags/exchange", `{"uidHex":"a1b2c3d4e5f6a7","ctr":1}`)
	if status != http.StatusOK {
		t.Fatalf("exchange: %d %v", status, out)
	}
	if out["ok"] != true || out["newly_created"] != true {
		t.Fatalf("first exchange must create, got %v", out)
	}
	token, _ := out["account_token"].(string)
	if token == "" {
		t.Fatalf("newly created account must return its token once")
	}
	digest, _ := out["account_digest"].(string)
	if digest != out["uid_digest"] {
		t.Fatalf("uid-created account digest must equal uid_digest: %v", out)
	}

	// Same counter again: the error meta lands at the response top level.
	status, out = postJSON(t, srv, "/d1/tags/exchange", `{"uidHex":"A1B2C3D4E5F6A7","ctr":1}`)
	if status != http.StatusConflict || out["error"] != "Replay" {
		t.Fatalf("replay: %d %v", status, out)
	}
	if out["lastCtr"] != float64(1) {
		t.Fatalf("replay must carry lastCtr, got %v", out)
	}

	// The token resolves without the uid; a wrong token does not fall
	// through to another account.
	status, out = postJSON(t, srv, "/d1/tags/exchange",
		fmt.Sprintf(`{"accountToken":%q,"ctr":2,"allowCreate":false}`, token))
	if status != http.StatusOK || out["account_digest"] != digest {
		t.Fatalf("token exchange: %d %v", status, out)
	}
	status, out = postJSON(t, srv, "/d1/tags/exchange",
		`{"accountToken":"wrong-token","ctr":3,"allowCreate":false}`)
	if status != http.StatusNotFound {
		t.Fatalf("wrong token must be NotFound, got %d %v", status, out)
	}
}

func TestMessagePostCounterMetaOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	sender := strings.Repeat("A1", 32)
	receiver := strings.Repeat("B2", 32)
	msg := func(ctr int, id string) string {
		return fmt.Sprintf(`{
			"conversationId": "conv-aaaa-bbbb",
			"senderAccountDigest": %q,
			"senderDeviceId": "dev-1",
			"receiverAccountDigest": %q,
			"id": %q,
			"header": {"device_id":"dev-1","v":1,"iv_b64":"aXY","n":%d,"meta":{"msgType":"text"}},
			"ciphertextB64": "Y2lwaGVydGV4dA",
			"counter": %d
		}`, sender, receiver, id, ctr, ctr)
	}

	status, out := postJSON(t, srv, "/d1/messages", msg(2, "msg-00000002"))
	if status != http.StatusOK || out["ok"] != true {
		t.Fatalf("post: %d %v", status, out)
	}

	status, out = postJSON(t, srv, "/d1/messages", msg(1, "msg-00000001"))
	if status != http.StatusConflict || out["error"] != "CounterTooLow" {
		t.Fatalf("low counter: %d %v", status, out)
	}
	if out["maxCounter"] != float64(2) {
		t.Fatalf("maxCounter must be merged top-level, got %v", out)
	}

	// Re-post of the same id is idempotent success over HTTP too.
	status, out = postJSON(t, srv, "/d1/messages", msg(2, "msg-00000002"))
	if status != http.StatusOK || out["duplicate"] != true {
		t.Fatalf("duplicate: %d %v", status, out)
	}

	status, out = doJSON(t, srv, signedRequest(t, http.MethodGet,
		"/d1/messages?conversationId=conv-aaaa-bbbb", nil, "|"))
	if status != http.StatusOK {
		t.Fatalf("list: %d %v", status, out)
	}
	rows, _ := out["messages"].([]any)
	if len(rows) != 1 {
		t.Fatalf("expected one visible message, got %v", out)
	}
}

func TestInviteEndpointsRejectExtraKeys(t *testing.T) {
	srv := newTestServer(t)
	digest := strings.Repeat("A1", 32)

	cases := []struct {
		path string
		body string
	}{
		{"/d1/invites/create", fmt.Sprintf(
			`{"inviteId":"inv-00000001","ownerAccountDigest":%q,"ownerDeviceId":"dev-1","ownerPublicKeyB64":"cHVi","extra":1}`, digest)},
		{"/d1/invites/deliver", fmt.Sprintf(
			`{"inviteId":"inv-00000001","accountDigest":%q,"deviceId":"dev-9","envelope":{},"note":"x"}`, digest)},
		// Aliases are extra keys here: the invite surface takes exact names only.
		{"/d1/invites/consume", fmt.Sprintf(
			`{"inviteId":"inv-00000001","account_digest":%q}`, digest)},
		{"/d1/invites/status", fmt.Sprintf(
			`{"inviteId":"inv-00000001","accountDigest":%q,"verbose":true}`, digest)},
	}
	for _, tc := range cases {
		status, out := postJSON(t, srv, tc.path, tc.body)
		if status != http.StatusBadRequest || out["error"] != "InviteSchemaMismatch" {
			t.Fatalf("%s: expected InviteSchemaMismatch, got %d %v", tc.path, status, out)
		}
	}
}

func TestSchemaProbeGatesHandlers(t *testing.T) {
	// A store whose schema was never provisioned must fail closed on the
	// first authenticated request instead of half-writing.
	st, err := store.Open(filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.ConfigureAccounts(testHMACKey, 32); err != nil {
		t.Fatalf("configure accounts: %v", err)
	}
	cfg := config.Default()
	cfg.HMACSecret = testSecret
	cfg.AccountHMACKeyHex = testHMACKey
	srv := New(cfg, st, slog.New(slog.NewTextHandler(io.Discard, nil)))

	status, out := postJSON(t, srv, "/d1/tags/exchange", `{"uidHex":"A1B2C3D4E5F6A7","ctr":1}`)
	if status != http.StatusInternalServerError || out["error"] != "SchemaMissing" {
		t.Fatalf("expected SchemaMissing, got %d %v", status, out)
	}
}

func TestErrorBodyShape(t *testing.T) {
	srv := newTestServer(t)
	status, out := postJSON(t, srv, "/d1/tags/exchange", `{"ctr":1}`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if out["error"] != "BadRequest" {
		t.Fatalf("error code must be the discriminator, got %v", out)
	}
	if _, ok := out["message"].(string); !ok {
		t.Fatalf("message must be a string, got %v", out)
	}
}
