package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit rejects request bodies larger than limit with 413. The limit is
// a size string such as "512K" or "1M"; a bare number is bytes.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			if req.ContentLength > maxBytes {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", maxBytes))
			}

			// Content-Length can be absent or wrong.
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: maxBytes}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

// parseLimit falls back to 1 MB when s cannot be parsed.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 1 << 20
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "G") || strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimRight(s, "GB")
	case strings.HasSuffix(s, "M") || strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimRight(s, "MB")
	case strings.HasSuffix(s, "K") || strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimRight(s, "KB")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
