package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/clawgate/metrics"
)

// requireToken gates /hooks behind the shared webhook token. The token is
// accepted as a Bearer header, an X-Gateway-Token header, or a ?token query
// parameter. With no token configured the webhook surface is closed entirely.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		expected := s.cfgFn().Webhook.Token
		if expected == "" || !tokenMatches(c, expected) {
			metrics.WebhookAuthFailures.Inc()
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func tokenMatches(c echo.Context, expected string) bool {
	candidates := make([]string, 0, 3)
	if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidates = append(candidates, strings.TrimPrefix(auth, "Bearer "))
	}
	if h := c.Request().Header.Get("X-Gateway-Token"); h != "" {
		candidates = append(candidates, h)
	}
	if q := c.QueryParam("token"); q != "" {
		candidates = append(candidates, q)
	}
	for _, candidate := range candidates {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}

// limitBody rejects oversized payloads with 413 before any parsing happens.
func (s *Server) limitBody(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := s.cfgFn().Webhook.MaxBodyBytes
		req := c.Request()
		if req.ContentLength > limit {
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		}
		req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
		return next(c)
	}
}
