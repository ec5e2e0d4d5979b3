package server

import (
	"net/http"
	"strings"
)

// idempotencyKeyFromRequest returns the client-chosen retry key, if any. A
// create retried with the same key resolves to the message stored first.
func idempotencyKeyFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	}
	return key
}
