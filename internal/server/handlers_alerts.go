package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/epiwatch/alertstream/internal/domain"
)

// handlePublishAlert accepts an alert from the detection pipeline and fans it
// out. The endpoint is reachable only inside the cluster network; clients
// never see it.
func (s *Server) handlePublishAlert(c echo.Context) error {
	var alert domain.AlertMessage
	if err := c.Bind(&alert); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed alert"})
	}

	if !alert.Level.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown risk level"})
	}
	if alert.Type == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing alert type"})
	}
	if alert.Bounds != nil && alert.Bounds.IsZero() {
		alert.Bounds = nil
	}

	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.clock.Now()
	}
	if alert.Expired(s.clock.Now()) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "alert already expired"})
	}

	report := s.engine.Publish(c.Request().Context(), alert)

	slog.Info("Alert published",
		"alert_id", report.AlertID,
		"level", string(alert.Level),
		"candidates", report.Candidates,
		"delivered", report.Delivered,
		"queued_offline", report.QueuedOffline,
		"failed", report.Failed,
		"latency", report.Latency,
	)

	return c.JSON(http.StatusOK, report)
}
