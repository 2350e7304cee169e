package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/router"
	"github.com/lakowske/ib-stream/internal/stream"
)

// handleStreamSingle serves GET /v2/stream/:cid/live/:tick_type.
func (s *Server) handleStreamSingle(c echo.Context) error {
	cid, err := parseContractID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	tt, err := model.ParseTickType(c.Param("tick_type"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	return s.serveLive(c, cid, []model.TickType{tt})
}

// handleStreamMulti serves GET /v2/stream/:cid/live?tick_types=...
func (s *Server) handleStreamMulti(c echo.Context) error {
	cid, err := parseContractID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	tts, err := parseTickTypes(c.QueryParam("tick_types"), false)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return s.serveLive(c, cid, tts)
}

func (s *Server) serveLive(c echo.Context, cid int64, tts []model.TickType) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	timeout, err := parseTimeout(c.QueryParam("timeout"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	ip := c.RealIP()
	if !s.conns.Acquire(ip) {
		return c.JSON(http.StatusTooManyRequests, errorBody{Error: "rate_limit_exceeded", Message: "too many connections from this ip"})
	}
	defer s.conns.Release(ip)

	sub := stream.NewSubscriber(cid, tts[0], s.cfg.SendQueueSize)
	sub.Send(stream.InfoFrame(sub.StreamID(), "subscribed", map[string]any{
		"contract_id": cid,
		"tick_types":  tts,
	}))

	reqIDs := make([]int32, 0, len(tts))
	for _, tt := range tts {
		reqID, err := s.startLive(cid, tt, sub.StreamID(), sub, limit, s.streamTimeout(timeout))
		if err != nil {
			for _, id := range reqIDs {
				s.releaseStream(id)
			}
			s.logger.Warn("live stream start failed", "contract_id", cid, "tick_type", tt, "error", err)
			return c.JSON(http.StatusBadGateway, errorBody{Error: "upstream_unavailable", Message: err.Error()})
		}
		reqIDs = append(reqIDs, reqID)
	}

	return s.serveSSE(c, sub, func() {
		for _, id := range reqIDs {
			s.releaseStream(id)
		}
	})
}

// handleStreamBuffer serves GET /v2/stream/:cid/buffer: historical
// replay spliced onto a live subscription.
func (s *Server) handleStreamBuffer(c echo.Context) error {
	cid, err := parseContractID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	tts, err := parseTickTypes(c.QueryParam("tick_types"), false)
	if err != nil {
		return badRequest(c, err.Error())
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	timeout, err := parseTimeout(c.QueryParam("timeout"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	duration := time.Hour
	if raw := c.QueryParam("buffer_duration"); raw != "" {
		duration, err = parseBufferDuration(raw)
		if err != nil {
			return badRequest(c, err.Error())
		}
	}

	ip := c.RealIP()
	if !s.conns.Acquire(ip) {
		return c.JSON(http.StatusTooManyRequests, errorBody{Error: "rate_limit_exceeded", Message: "too many connections from this ip"})
	}
	defer s.conns.Release(ip)

	sub := stream.NewSubscriber(cid, tts[0], s.cfg.SendQueueSize)
	sp := stream.NewSplicer(sub, s.cfg.SendQueueSize)

	// Live first so nothing falls between the historical read and the
	// live phase. The splicer parks live ticks during the replay.
	reqIDs := make([]int32, 0, len(tts))
	for _, tt := range tts {
		reqID, err := s.startLive(cid, tt, sub.StreamID(), sp, limit, s.streamTimeout(timeout))
		if err != nil {
			for _, id := range reqIDs {
				s.releaseStream(id)
			}
			s.logger.Warn("buffer stream start failed", "contract_id", cid, "tick_type", tt, "error", err)
			return c.JSON(http.StatusBadGateway, errorBody{Error: "upstream_unavailable", Message: err.Error()})
		}
		reqIDs = append(reqIDs, reqID)
	}

	since := time.Now().Add(-duration)
	historical, err := s.store.QueryRange(cid, tts, since, time.Now(), 0)
	if err != nil {
		s.logger.Warn("historical query failed", "contract_id", cid, "error", err)
		sub.Send(stream.ErrorFrame(sub.StreamID(), router.CodeStorageError, "historical range unavailable", true))
		historical = nil
	}

	go sp.Replay(historical)

	return s.serveSSE(c, sub, func() {
		for _, id := range reqIDs {
			s.releaseStream(id)
		}
	})
}

// serveSSE drains the subscriber queue into the response until the
// stream terminates or the client goes away.
func (s *Server) serveSSE(c echo.Context, sub *stream.Subscriber, cleanup func()) error {
	defer cleanup()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Stream-Protocol", "v2")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case env := <-sub.Frames():
			if err := writeSSE(c, env); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := writeSSE(c, stream.HeartbeatFrame()); err != nil {
				return nil
			}
		case <-sub.Done():
			s.flushSSE(c, sub)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// flushSSE writes frames queued before termination, then the terminal
// frame held aside if the queue was full.
func (s *Server) flushSSE(c echo.Context, sub *stream.Subscriber) {
	for {
		select {
		case env := <-sub.Frames():
			if err := writeSSE(c, env); err != nil {
				return
			}
		default:
			if fin, ok := sub.Final(); ok {
				writeSSE(c, fin)
			}
			return
		}
	}
}

func writeSSE(c echo.Context, env stream.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", env.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
