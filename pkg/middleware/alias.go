package middleware

import (
	"net/http"
	"strings"
)

// APIPrefixStrippingHandler makes "/api/v0/" and "/api/v1/" true synonyms
// for the bare route table: either prefix (or none at all) reaches the
// same handlers. Rewriting the path once here beats registering every
// route three times.
type APIPrefixStrippingHandler struct {
	Next http.Handler
}

func (h *APIPrefixStrippingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, prefix := range []string{"/api/v0", "/api/v1"} {
		if strings.HasPrefix(r.URL.Path, prefix+"/") || r.URL.Path == prefix {
			r2 := r.Clone(r.Context())
			r2.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
			if r2.URL.Path == "" {
				r2.URL.Path = "/"
			}
			h.Next.ServeHTTP(w, r2)
			return
		}
	}
	h.Next.ServeHTTP(w, r)
}
