package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lakowske/ib-stream/internal/background"
	"github.com/lakowske/ib-stream/internal/markethours"
	"github.com/lakowske/ib-stream/internal/router"
	"github.com/lakowske/ib-stream/internal/storage"
)

type healthResponse struct {
	Status            string                      `json:"status"`
	Version           string                      `json:"version"`
	UptimeSeconds     int64                       `json:"uptime_seconds"`
	UpstreamConnected bool                        `json:"upstream_connected"`
	ActiveHandlers    int                         `json:"active_handlers"`
	Storage           storage.OrchestratorStats   `json:"storage"`
	Contracts         []background.ContractHealth `json:"contracts,omitempty"`
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(c echo.Context) error {
	now := time.Now()
	connected := s.upstream.IsConnected()

	resp := healthResponse{
		Version:           s.version,
		UptimeSeconds:     int64(now.Sub(s.startedAt).Seconds()),
		UpstreamConnected: connected,
		ActiveHandlers:    len(s.rtr.Active()),
		Storage:           s.store.Stats(),
	}

	overall := markethours.Healthy
	if s.bg != nil {
		resp.Contracts = s.bg.Health(now)
		statuses := make([]markethours.HealthStatus, 0, len(resp.Contracts))
		for _, ch := range resp.Contracts {
			statuses = append(statuses, ch.Health)
		}
		overall = markethours.Aggregate(statuses)
	}
	if !connected {
		overall = markethours.Worst(overall, markethours.Unhealthy)
	}

	resp.Status = string(overall)
	code := http.StatusOK
	if overall == markethours.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// handleActiveStreams serves GET /stream/active.
func (s *Server) handleActiveStreams(c echo.Context) error {
	active := s.rtr.Active()
	return c.JSON(http.StatusOK, map[string]any{
		"count":   len(active),
		"streams": active,
	})
}

// handleStopContract serves DELETE /stream/:cid.
func (s *Server) handleStopContract(c echo.Context) error {
	cid, err := parseContractID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	n := s.rtr.CancelContract(cid, router.ReasonManualStop)
	s.logger.Info("streams stopped by request", "contract_id", cid, "count", n)
	return c.JSON(http.StatusOK, map[string]any{"contract_id": cid, "stopped": n})
}

// handleStopAll serves DELETE /stream/all.
func (s *Server) handleStopAll(c echo.Context) error {
	n := s.rtr.CancelAll(router.ReasonManualStop)
	s.logger.Info("all streams stopped by request", "count", n)
	return c.JSON(http.StatusOK, map[string]any{"stopped": n})
}
