package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/router"
	"github.com/lakowske/ib-stream/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is the client-to-server message envelope.
type wsRequest struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type wsSubscribeData struct {
	ContractID int64           `json:"contract_id"`
	TickTypes  []string        `json:"tick_types"`
	Config     *wsStreamConfig `json:"config"`
}

type wsStreamConfig struct {
	Limit           int  `json:"limit"`
	TimeoutSeconds  int  `json:"timeout_seconds"`
	BufferSize      int  `json:"buffer_size"`
	IncludeExtended bool `json:"include_extended"`
}

type wsUnsubscribeData struct {
	StreamID string `json:"stream_id"`
}

// wsControl is the server-to-client envelope for non-stream messages.
type wsControl struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

type wsSubscription struct {
	sub    *stream.Subscriber
	reqIDs []int32
}

type wsConn struct {
	s      *Server
	id     string
	conn   *websocket.Conn
	logger *slog.Logger
	rate   *stream.MessageRate

	send   chan any // wsControl or stream.Envelope
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*wsSubscription
}

// handleWebSocket serves GET /v2/ws/stream.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	if !s.conns.Acquire(ip) {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(stream.CloseRateLimit, "connection limit for ip"), deadline)
		conn.Close()
		return nil
	}
	defer s.conns.Release(ip)

	id := uuid.NewString()[:8]
	wc := &wsConn{
		s:      s,
		id:     id,
		conn:   conn,
		logger: s.logger.With("ws_conn", id, "ip", ip),
		rate:   stream.NewMessageRate(s.cfg.MaxMessagesPerSec),
		send:   make(chan any, s.cfg.SendQueueSize),
		closed: make(chan struct{}),
		subs:   make(map[string]*wsSubscription),
	}
	wc.logger.Debug("websocket connection opened")

	wc.sendControl("connected", "", map[string]any{
		"version":      s.version,
		"capabilities": []string{"subscribe", "unsubscribe", "unsubscribe_all", "ping"},
	})

	go wc.writeLoop()
	wc.readLoop()
	wc.teardown()
	return nil
}

func (wc *wsConn) readLoop() {
	for {
		_, payload, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		if !wc.rate.Allow(time.Now()) {
			wc.shutdown(stream.CloseRateLimit, "message rate exceeded")
			return
		}

		var req wsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			wc.sendError(req.ID, "", router.CodeInvalidMessage, "message is not valid JSON", true)
			continue
		}

		switch req.Type {
		case "subscribe":
			wc.handleSubscribe(req)
		case "unsubscribe":
			wc.handleUnsubscribe(req)
		case "unsubscribe_all":
			wc.handleUnsubscribeAll(req)
		case "ping":
			wc.sendControl("pong", req.ID, nil)
		default:
			wc.sendError(req.ID, "", router.CodeInvalidMessage, "unknown message type "+req.Type, true)
		}

		select {
		case <-wc.closed:
			return
		default:
		}
	}
}

func (wc *wsConn) handleSubscribe(req wsRequest) {
	var data wsSubscribeData
	if req.Data == nil || json.Unmarshal(req.Data, &data) != nil {
		wc.sendError(req.ID, "", router.CodeInvalidMessage, "malformed subscribe data", true)
		return
	}
	if data.ContractID < 1 {
		wc.sendError(req.ID, "", router.CodeInvalidMessage, "contract_id must be >= 1", true)
		return
	}
	if len(data.TickTypes) < 1 || len(data.TickTypes) > len(model.AllTickTypes) {
		wc.sendError(req.ID, "", router.CodeInvalidMessage, "tick_types must name 1 to 4 types", true)
		return
	}
	seen := make(map[model.TickType]bool)
	tts := make([]model.TickType, 0, len(data.TickTypes))
	for _, raw := range data.TickTypes {
		tt, err := model.ParseTickType(raw)
		if err != nil || seen[tt] {
			wc.sendError(req.ID, "", router.CodeInvalidMessage, "tick_types must be unique valid types", true)
			return
		}
		seen[tt] = true
		tts = append(tts, tt)
	}

	var limit int
	timeout := wc.s.cfg.StreamTimeout
	queueSize := wc.s.cfg.SendQueueSize
	if data.Config != nil {
		if data.Config.Limit != 0 {
			if data.Config.Limit < minLimit || data.Config.Limit > maxLimit {
				wc.sendError(req.ID, "", router.CodeInvalidMessage, "limit out of range", true)
				return
			}
			limit = data.Config.Limit
		}
		if data.Config.TimeoutSeconds != 0 {
			if data.Config.TimeoutSeconds < minTimeoutSec || data.Config.TimeoutSeconds > maxTimeoutSec {
				wc.sendError(req.ID, "", router.CodeInvalidMessage, "timeout_seconds out of range", true)
				return
			}
			timeout = time.Duration(data.Config.TimeoutSeconds) * time.Second
		}
		if data.Config.BufferSize > 0 && data.Config.BufferSize < queueSize {
			queueSize = data.Config.BufferSize
		}
	}

	wc.mu.Lock()
	active := 0
	for _, ws := range wc.subs {
		active += len(ws.reqIDs)
	}
	wc.mu.Unlock()
	if active+len(tts) > wc.s.cfg.MaxStreams {
		wc.sendError(req.ID, "", router.CodeRateLimit, "subscription limit for connection", true)
		return
	}

	sub := stream.NewSubscriber(data.ContractID, tts[0], queueSize)
	reqIDs := make([]int32, 0, len(tts))
	for _, tt := range tts {
		reqID, err := wc.s.startLive(data.ContractID, tt, sub.StreamID(), sub, limit, timeout)
		if err != nil {
			for _, id := range reqIDs {
				wc.s.releaseStream(id)
			}
			wc.sendError(req.ID, sub.StreamID(), router.CodeConnectionError, err.Error(), true)
			return
		}
		reqIDs = append(reqIDs, reqID)
	}

	ws := &wsSubscription{sub: sub, reqIDs: reqIDs}
	wc.mu.Lock()
	wc.subs[sub.StreamID()] = ws
	wc.mu.Unlock()

	wc.logger.Info("stream subscribed",
		"stream_id", sub.StreamID(),
		"contract_id", data.ContractID,
		"tick_types", len(tts),
	)
	go wc.pump(ws)

	wc.sendControl("subscribed", req.ID, map[string]any{
		"stream_id":   sub.StreamID(),
		"contract_id": data.ContractID,
		"tick_types":  tts,
	})
}

func (wc *wsConn) handleUnsubscribe(req wsRequest) {
	var data wsUnsubscribeData
	if req.Data == nil || json.Unmarshal(req.Data, &data) != nil || data.StreamID == "" {
		wc.sendError(req.ID, "", router.CodeInvalidMessage, "unsubscribe requires stream_id", true)
		return
	}

	wc.mu.Lock()
	ws, ok := wc.subs[data.StreamID]
	delete(wc.subs, data.StreamID)
	wc.mu.Unlock()
	if !ok {
		wc.sendError(req.ID, data.StreamID, router.CodeInvalidMessage, "unknown stream_id", true)
		return
	}

	wc.release(ws)
	wc.sendControl("unsubscribed", req.ID, map[string]any{"stream_id": data.StreamID})
}

func (wc *wsConn) handleUnsubscribeAll(req wsRequest) {
	wc.mu.Lock()
	subs := wc.subs
	wc.subs = make(map[string]*wsSubscription)
	wc.mu.Unlock()

	ids := make([]string, 0, len(subs))
	for id, ws := range subs {
		wc.release(ws)
		ids = append(ids, id)
	}
	wc.sendControl("unsubscribed", req.ID, map[string]any{"stream_ids": ids})
}

// release drops a subscription's handlers and ends its pump with a
// client_disconnect terminal.
func (wc *wsConn) release(ws *wsSubscription) {
	for _, id := range ws.reqIDs {
		wc.s.releaseStream(id)
	}
	ws.sub.OnComplete(router.ReasonClientDisconnect, 0)
}

// pump forwards one subscription's frames onto the connection.
func (wc *wsConn) pump(ws *wsSubscription) {
	sub := ws.sub
	for {
		select {
		case env := <-sub.Frames():
			if !wc.enqueue(env) {
				return
			}
		case <-sub.Done():
			wc.flushSub(sub)
			wc.mu.Lock()
			delete(wc.subs, sub.StreamID())
			wc.mu.Unlock()
			for _, id := range ws.reqIDs {
				wc.s.releaseStream(id)
			}
			// A slow consumer poisons the whole transport.
			if sub.CloseCode() == stream.CloseInternal {
				wc.shutdown(stream.CloseInternal, "slow consumer")
			}
			return
		case <-wc.closed:
			return
		}
	}
}

func (wc *wsConn) flushSub(sub *stream.Subscriber) {
	for {
		select {
		case env := <-sub.Frames():
			if !wc.enqueue(env) {
				return
			}
		default:
			if fin, ok := sub.Final(); ok {
				wc.enqueue(fin)
			}
			return
		}
	}
}

// enqueue puts a message on the connection's write queue. A full
// queue means the writer is stuck; the connection is torn down.
func (wc *wsConn) enqueue(msg any) bool {
	select {
	case wc.send <- msg:
		return true
	case <-wc.closed:
		return false
	default:
		wc.shutdown(stream.CloseInternal, "connection send queue full")
		return false
	}
}

func (wc *wsConn) writeLoop() {
	heartbeat := time.NewTicker(wc.s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-wc.send:
			if err := wc.conn.WriteJSON(msg); err != nil {
				wc.shutdown(stream.CloseNormal, "")
				return
			}
		case <-heartbeat.C:
			if err := wc.conn.WriteJSON(wsControl{Type: "heartbeat", Timestamp: stream.FrameTimestamp(time.Now())}); err != nil {
				wc.shutdown(stream.CloseNormal, "")
				return
			}
		case <-wc.closed:
			return
		}
	}
}

func (wc *wsConn) sendControl(msgType, id string, data any) {
	wc.enqueue(wsControl{
		Type:      msgType,
		ID:        id,
		Timestamp: stream.FrameTimestamp(time.Now()),
		Data:      data,
	})
}

func (wc *wsConn) sendError(id, streamID, code, message string, recoverable bool) {
	env := stream.ErrorFrame(streamID, code, message, recoverable)
	wc.enqueue(wsControl{
		Type:      "error",
		ID:        id,
		Timestamp: env.Timestamp,
		Data:      env.Data,
	})
}

// shutdown closes the socket once with the given close code.
func (wc *wsConn) shutdown(code int, reason string) {
	wc.once.Do(func() {
		close(wc.closed)
		deadline := time.Now().Add(time.Second)
		wc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		wc.conn.Close()
	})
}

// teardown releases every remaining subscription after the read loop
// exits.
func (wc *wsConn) teardown() {
	wc.shutdown(stream.CloseNormal, "")

	wc.mu.Lock()
	subs := wc.subs
	wc.subs = make(map[string]*wsSubscription)
	wc.mu.Unlock()

	for _, ws := range subs {
		for _, id := range ws.reqIDs {
			wc.s.releaseStream(id)
		}
	}
	wc.logger.Debug("websocket connection closed", "subscriptions", len(subs))
}
