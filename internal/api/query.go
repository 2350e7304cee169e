package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/storage"
)

type rangeResponse struct {
	ContractID int64               `json:"contract_id"`
	TickTypes  []model.TickType    `json:"tick_types"`
	StartTime  string              `json:"start_time"`
	EndTime    string              `json:"end_time"`
	Count      int                 `json:"count"`
	Ticks      []model.TickMessage `json:"ticks"`
}

// handleBufferRange serves GET /v2/buffer/:cid/range.
func (s *Server) handleBufferRange(c echo.Context) error {
	cid, err := parseContractID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	tts, err := parseTickTypes(c.QueryParam("tick_types"), true)
	if err != nil {
		return badRequest(c, err.Error())
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	start, end, err := parseRangeWindow(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	var ticks []model.TickMessage
	if source := c.QueryParam("source"); source != "" {
		ticks, err = s.store.QuerySource(source, cid, tts, start, end, limit)
	} else {
		ticks, err = s.store.QueryRange(cid, tts, start, end, limit)
	}
	if err != nil {
		s.logger.Warn("range query failed", "contract_id", cid, "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "storage_error", Message: err.Error()})
	}
	if ticks == nil {
		ticks = []model.TickMessage{}
	}

	return c.JSON(http.StatusOK, rangeResponse{
		ContractID: cid,
		TickTypes:  tts,
		StartTime:  start.UTC().Format(time.RFC3339Nano),
		EndTime:    end.UTC().Format(time.RFC3339Nano),
		Count:      len(ticks),
		Ticks:      ticks,
	})
}

type bufferInfoResponse struct {
	storage.BufferInfo
	Tracked   bool             `json:"tracked"`
	Symbol    string           `json:"symbol,omitempty"`
	TickTypes []model.TickType `json:"tracked_tick_types,omitempty"`
}

// handleBufferInfo serves GET /v2/buffer/:cid/info.
func (s *Server) handleBufferInfo(c echo.Context) error {
	cid, err := parseContractID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	window := defaultWindowH
	resp := bufferInfoResponse{}
	for _, tc := range s.tracked {
		if tc.ContractID == cid && tc.Enabled {
			resp.Tracked = true
			resp.Symbol = tc.Symbol
			resp.TickTypes = tc.TickTypes
			if tc.BufferHours > 0 {
				window = tc.BufferHours
			}
			break
		}
	}

	info, err := storage.Info(s.store, cid, window)
	if err != nil {
		s.logger.Warn("buffer info failed", "contract_id", cid, "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "storage_error", Message: err.Error()})
	}
	resp.BufferInfo = info

	return c.JSON(http.StatusOK, resp)
}

type bufferStatsResponse struct {
	ContractID   int64          `json:"contract_id"`
	WindowHours  int            `json:"window_hours"`
	FormatCounts map[string]int `json:"format_counts"`
	Stored       int64          `json:"stored"`
	Dropped      int64          `json:"dropped"`
	WriteErrors  int64          `json:"write_errors"`
	QueueDepths  map[string]int `json:"queue_depths"`
}

// handleBufferStats serves GET /v2/buffer/:cid/stats: per-format
// message counts for the contract's recent partitions plus ingest
// counters.
func (s *Server) handleBufferStats(c echo.Context) error {
	cid, err := parseContractID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	window := defaultWindowH
	for _, tc := range s.tracked {
		if tc.ContractID == cid && tc.BufferHours > 0 {
			window = tc.BufferHours
			break
		}
	}

	now := time.Now()
	start := now.Add(-time.Duration(window) * time.Hour)
	counts := make(map[string]int)
	for _, format := range s.store.Formats() {
		msgs, err := s.store.QuerySource(format, cid, nil, start, now, 0)
		if err != nil {
			s.logger.Warn("stats query failed", "contract_id", cid, "format", format, "error", err)
			continue
		}
		counts[format] = len(msgs)
	}

	stats := s.store.Stats()
	return c.JSON(http.StatusOK, bufferStatsResponse{
		ContractID:   cid,
		WindowHours:  window,
		FormatCounts: counts,
		Stored:       stats.Stored,
		Dropped:      stats.Dropped,
		WriteErrors:  stats.WriteErrors,
		QueueDepths:  stats.QueueDepths,
	})
}
