package httpapi

import (
	"encoding/json"
	"sort"
	"strings"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
)

// payload is one decoded request body. Clients send camelCase or
// snake_case for the same field; accessors take the alias list and the
// first present key wins. Internal code only ever sees the normalized
// value.
type payload map[string]json.RawMessage

func parsePayload(body []byte) (payload, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return payload{}, nil
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, contracts.BadRequest("body is not a JSON object")
	}
	if p == nil {
		p = payload{}
	}
	return p, nil
}

func (p payload) raw(keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := p[k]; ok && len(v) > 0 && string(v) != "null" {
			return v
		}
	}
	return nil
}

func (p payload) str(keys ...string) string {
	raw := p.raw(keys...)
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (p payload) int64(keys ...string) (int64, bool) {
	raw := p.raw(keys...)
	if raw == nil {
		return 0, false
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	return normalize.Int64(v)
}

func (p payload) boolean(keys ...string) bool {
	raw := p.raw(keys...)
	if raw == nil {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

func (p payload) strings(keys ...string) []string {
	raw := p.raw(keys...)
	if raw == nil {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// object re-marshals a nested object field as compact JSON for storage,
// or "" when absent or not an object.
func (p payload) object(keys ...string) string {
	raw := p.raw(keys...)
	if raw == nil {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return string(raw)
}

func (p payload) keys() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// requireExactKeys is the invite-surface schema guard: any key outside the
// allowed set, alias spellings included, is a hard 400.
func (p payload) requireExactKeys(allowed map[string]bool) error {
	var extra []string
	for _, k := range p.keys() {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		return contracts.InviteSchemaMismatch("unexpected keys %v", extra)
	}
	return nil
}
