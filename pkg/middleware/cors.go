// Package middleware holds small http.Handler wrappers shared across the
// gateway's HTTP surface: permissive CORS and API-prefix aliasing.
package middleware

import "net/http"

// CorsMiddleware wraps handler with allow-all CORS headers and answers
// every OPTIONS preflight request with 204, regardless of path.
func CorsMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		handler.ServeHTTP(w, r)
	})
}
