package auth

import (
	"net/http"
)

// HandleRevoke returns the /oauth/revoke handler (RFC 7009). It answers
// 200 to every POST so a caller learns nothing about the token it sent.
func HandleRevoke(proxy *Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err == nil {
			if token := r.PostFormValue("token"); token != "" {
				proxy.Revoke(r.Context(), token, r.PostFormValue("token_type_hint"))
			}
		}

		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	}
}
