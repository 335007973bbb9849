package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/sse"
)

const (
	keepAliveInterval = 30 * time.Second
	wsWriteWait       = 10 * time.Second
	wsReadLimit       = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth is by bearer token, not cookies, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamTask relays a task's events as SSE. A task that already ended
// and is only in the store gets a single done event.
func (h *handler) streamTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	events, ok := h.taskEvents(ctx, taskID)
	if !ok {
		rec, err := h.deps.Store.Get(ctx, taskID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		sseWriter := sse.NewWriter(w)
		if sseWriter == nil {
			writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		sseWriter.SendEvent(agent.EventDone, rec)
		return
	}

	sseWriter := sse.NewWriter(w)
	if sseWriter == nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sseWriter.SendEvent(ev.Event, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sseWriter.SendComment("keep-alive"); err != nil {
				return
			}
		}
	}
}

type wsCommand struct {
	Action string `json:"action"`
}

// websocketTask relays a task's events over a WebSocket. The client may
// send {"action":"stop"} to stop the task.
func (h *handler) websocketTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	events, ok := h.taskEvents(ctx, taskID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "task not running")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Warn("websocket upgrade", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(wsReadLimit)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd wsCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			if cmd.Action == "stop" {
				id, stopped := h.stopRunning()
				h.deps.Logger.Info("task stop requested over websocket", "task_id", id, "stopped", stopped)
			}
		}
	}()

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// events is the change bus: task start and finish, tool and skill
// registrations.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	sseWriter := sse.NewWriter(w)
	if sseWriter == nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := h.deps.EventBus.Subscribe()
	defer h.deps.EventBus.Unsubscribe(ch)

	ctx := r.Context()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := sseWriter.SendEvent(ev.Name, ev.Data); err != nil {
				return
			}
		case <-ticker.C:
			if err := sseWriter.SendComment("keep-alive"); err != nil {
				return
			}
		}
	}
}
