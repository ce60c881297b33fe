package api

import (
	"context"
	"crypto/hmac"
	"net/http"
)

// Static-shared-secret admin auth headers: every admin call carries an api
// key (either header name is accepted) and an operator identity (either
// header name is accepted).
const (
	headerAPIKey     = "x-api-key"
	headerAdminKey   = "x-admin-key"
	headerOperatorID = "x-operator-id"
	headerAdminSubj  = "x-admin-subject"

	ctxOperatorIDKey ctxKey = "operator-id"
)

type ctxKey string

// adminAuth is a static-shared-secret gate with a constant-time key
// comparison. No per-request HMAC signing here — that's reserved for the
// webhook ingress, which carries provider-signed, not operator-signed,
// traffic.
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(headerAPIKey)
			if got == "" {
				got = r.Header.Get(headerAdminKey)
			}
			if got == "" || !hmac.Equal([]byte(got), []byte(apiKey)) {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			operator := r.Header.Get(headerOperatorID)
			if operator == "" {
				operator = r.Header.Get(headerAdminSubj)
			}
			if operator == "" {
				http.Error(w, `{"error":"missing operator identity"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxOperatorIDKey, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// operatorID extracts the authenticated operator identity set by adminAuth.
func operatorID(r *http.Request) string {
	v, _ := r.Context().Value(ctxOperatorIDKey).(string)
	return v
}
