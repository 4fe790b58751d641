package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Now().Sub(s.startTime).Round(time.Second).String(),
	})
}

// handleReadiness probes every configured external collaborator. Any failure
// flips the pod out of rotation.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check.HealthCheck(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "degraded",
			"failures": failures,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}
