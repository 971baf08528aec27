package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/nidhogg/synergy/internal/workflow"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Message types sent over the progress WebSocket.
const (
	messageProgress  = "progress"
	messageStatus    = "status"
	messageHeartbeat = "heartbeat"
)

type wsMessage struct {
	MessageType string    `json:"message_type"`
	WorkflowID  string    `json:"workflow_id"`
	Data        any       `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// streamAnalysis relays a workflow's progress events until it terminates
// or the client goes away. The last message is always the final status.
func (h *Handler) streamAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if n := h.wsConns.Add(1); n > int64(h.opts.MaxConnections) {
		h.wsConns.Add(-1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "too many progress connections"})
		return
	}
	defer h.wsConns.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := h.openStream(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.CORSOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("workflow_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()
	if h.collector != nil {
		h.collector.WebSocketOpened()
		defer h.collector.WebSocketClosed()
	}

	logger := h.logger.With(zap.String("workflow_id", id))
	// The client never sends; CloseRead notices when it disconnects.
	ctx = conn.CloseRead(ctx)

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var last pipeline.Event
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := h.send(ctx, conn, wsMessage{MessageType: messageHeartbeat, WorkflowID: id}); err != nil {
				logger.Debug("heartbeat failed", zap.Error(err))
				return
			}
		case ev, ok := <-events:
			if !ok {
				h.finishStream(ctx, conn, id, last, logger)
				return
			}
			last = ev
			kind := messageProgress
			if ev.Step == "status" {
				kind = messageStatus
			}
			if err := h.send(ctx, conn, wsMessage{MessageType: kind, WorkflowID: id, Data: ev}); err != nil {
				logger.Debug("progress write failed", zap.Error(err))
				return
			}
		}
	}
}

// openStream subscribes to a local workflow, falling back to the follower
// for workflows another process owns. The stream ends when ctx does.
func (h *Handler) openStream(ctx context.Context, id string) (<-chan pipeline.Event, error) {
	sub, err := h.workflows.Subscribe(ctx, id)
	if err == nil {
		return sub.Events(), nil
	}
	if !errors.Is(err, workflow.ErrNotFound) || h.follower == nil {
		return nil, err
	}
	known, kerr := h.follower.Knows(ctx, id)
	if kerr != nil {
		h.logger.Warn("remote progress lookup failed", zap.String("workflow_id", id), zap.Error(kerr))
		return nil, err
	}
	if !known {
		return nil, err
	}
	h.logger.Debug("following remote workflow", zap.String("workflow_id", id))
	return h.follower.Follow(ctx, id), nil
}

// finishStream sends the final snapshot and closes normally. A workflow
// followed from another process has no local snapshot; its terminal
// status event was the last message sent.
func (h *Handler) finishStream(ctx context.Context, conn *websocket.Conn, id string, last pipeline.Event, logger *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	snap, err := h.workflows.Get(ctx, id)
	if errors.Is(err, workflow.ErrNotFound) && last.Kind == "" && last.Status.Terminal() {
		conn.Close(websocket.StatusNormalClosure, "workflow "+string(last.Status))
		return
	}
	if err != nil {
		logger.Warn("final snapshot unavailable", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "snapshot unavailable")
		return
	}
	if err := h.send(ctx, conn, wsMessage{MessageType: messageStatus, WorkflowID: id, Data: h.respond(snap)}); err != nil {
		return
	}
	reason := "workflow " + string(snap.Status)
	if !snap.Status.Terminal() {
		// The stream closed early, typically from subscriber backpressure.
		reason = "stream closed"
	}
	if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("websocket close", zap.Error(err))
	}
}

func (h *Handler) send(ctx context.Context, conn *websocket.Conn, msg wsMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	if ev, ok := msg.Data.(pipeline.Event); ok && !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
