package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"

	"aim-chat/sync-server/internal/normalize"
)

// admission verifies the x-auth header: base64url(HMAC-SHA256(secret,
// path+query+sep+body)) for either separator. The secret is imported once
// at construction; that is the per-secret key cache.
type admission struct {
	secret []byte
}

func newAdmission(secret string) *admission {
	return &admission{secret: []byte(secret)}
}

var admissionSeparators = []string{"|", "\n"}

// verify computes both separator variants and compares each in constant
// time; one match admits. No caller learns which separator was tried.
func (a *admission) verify(r *http.Request, body []byte) bool {
	presented := normalize.Base64(r.Header.Get("x-auth"))
	if presented == nil {
		return false
	}
	base := r.URL.Path
	if r.URL.RawQuery != "" {
		base += "?" + r.URL.RawQuery
	}
	ok := false
	for _, sep := range admissionSeparators {
		mac := hmac.New(sha256.New, a.secret)
		mac.Write([]byte(base))
		mac.Write([]byte(sep))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), presented) {
			ok = true
		}
	}
	return ok
}
