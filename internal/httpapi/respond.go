package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"aim-chat/sync-server/internal/contracts"
)

// rawOrNull re-emits a stored JSON blob without double-encoding.
func rawOrNull(s string) any {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func asContracts(err error, target **contracts.Error) bool {
	return errors.As(err, target)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError serializes a domain error as {"error": code, "message": …}
// with Meta fields merged at the top level. 5xx errors carry the
// underlying message into the log, never the response verbatim beyond the
// truncated form.
func writeError(w http.ResponseWriter, log *slog.Logger, route string, err error) int {
	domain := contracts.AsError(err)
	if domain.Status >= 500 {
		log.Error("request failed", "route", route, "code", domain.Code, "error", domain.Message)
	}
	body := map[string]any{
		"error":   domain.Code,
		"message": domain.Message,
	}
	for k, v := range domain.Meta {
		body[k] = v
	}
	writeJSON(w, domain.Status, body)
	return domain.Status
}
