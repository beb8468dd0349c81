package middleware

import (
	"net/http"
)

// MaxRequestBodySize caps request bodies. No route reads more than a query
// string, so the limit only has to stop abuse.
const MaxRequestBodySize = 64 << 10

type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = MaxRequestBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

// Handler rejects an oversized declared length up front. Chunked bodies have
// no declared length and are cut off by MaxBytesReader while being read.
func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody && r.ContentLength <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > m.maxSize {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}
