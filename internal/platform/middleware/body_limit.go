package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

const fallbackLimit = 1 << 20

// BodyLimit caps request body size. defaultLimit applies to most endpoints;
// audioLimit applies to POST requests whose path ends in /audio, which carry
// recorded consultations.
//
// Limits are size strings such as "512K", "2M" or "50MiB". Single-letter
// K/M/G suffixes are binary. Unparseable values fall back to 1 MiB.
//
// Oversized requests get 413, either up front from Content-Length or while
// the handler reads the body.
func BodyLimit(defaultLimit, audioLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	audioBytes := parseLimit(audioLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if isAudioUpload(req) {
				limit = audioBytes
			}

			if req.ContentLength > limit {
				return payloadTooLarge(limit)
			}

			req.Body = &limitedReadCloser{
				ReadCloser: req.Body,
				remaining:  limit,
				limit:      limit,
			}
			return next(c)
		}
	}
}

func isAudioUpload(req *http.Request) bool {
	return req.Method == http.MethodPost && strings.HasSuffix(strings.TrimRight(req.URL.Path, "/"), "/audio")
}

// limitedReadCloser fails reads once more than limit bytes were consumed,
// which covers chunked bodies and lying Content-Length headers.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, payloadTooLarge(r.limit)
	}

	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, payloadTooLarge(r.limit)
	}
	return n, err
}

func payloadTooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %s", humanize.IBytes(uint64(limit))))
}

// parseLimit converts a size string to bytes.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return fallbackLimit
	}
	switch s[len(s)-1] {
	case 'K', 'M', 'G':
		s += "IB"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil || n == 0 {
		return fallbackLimit
	}
	return int64(n)
}
