package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
)

var compressResponse = chimw.Compress(gzip.DefaultCompression,
	"application/json",
	"text/html",
	"text/plain",
)

type gzipReader struct {
	body io.ReadCloser
	zr   *gzip.Reader
}

func (r *gzipReader) Read(p []byte) (int, error) {
	return r.zr.Read(p)
}

func (r *gzipReader) Close() error {
	if err := r.zr.Close(); err != nil {
		return err
	}
	return r.body.Close()
}

// GzipMiddleware распаковывает тело запроса с Content-Encoding: gzip
// и сжимает ответ, если клиент его принимает.
func GzipMiddleware(next http.Handler) http.Handler {
	compressed := compressResponse(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			r.Body = &gzipReader{body: r.Body, zr: zr}
			r.Header.Del("Content-Encoding")
		}

		compressed.ServeHTTP(w, r)
	})
}
