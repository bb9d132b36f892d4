package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeAttrFingerprintsIdentifiers(t *testing.T) {
	attr := SanitizeAttr(slog.String("conversation_id", "conv-aaaa-bbbb"))
	if attr.Key != "conversation_id_fp" {
		t.Fatalf("unexpected key: %q", attr.Key)
	}
	if got := attr.Value.String(); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}

	// Same input, same process: stable fingerprint.
	again := SanitizeAttr(slog.String("conversation_id", "conv-aaaa-bbbb"))
	if again.Value.String() != attr.Value.String() {
		t.Fatalf("fingerprint must be stable within a boot")
	}

	plain := SanitizeAttr(slog.String("route", "messages/post"))
	if plain.Key != "route" || plain.Value.String() != "messages/post" {
		t.Fatalf("non-identifier attrs must pass through, got %v", plain)
	}
}

func TestSanitizingHandlerRedactsSensitiveAndIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"account_digest", strings.Repeat("A1", 32),
		"account_token", "bearer-secret",
		"status", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["account_digest"]; ok {
		t.Fatal("account_digest must not appear in plain form")
	}
	if _, ok := payload["account_digest_fp"]; !ok {
		t.Fatal("account_digest_fp must be present")
	}
	if got, _ := payload["account_token"].(string); got != redactedValue {
		t.Fatalf("expected redacted token, got %q", got)
	}
	if got, _ := payload["status"].(string); got != "ok" {
		t.Fatalf("plain attrs must survive, got %q", got)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("invite_id", "inv-00000001"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "invite_id_fp") {
		t.Fatalf("expected sanitized invite_id key, got %s", buf.String())
	}
}
