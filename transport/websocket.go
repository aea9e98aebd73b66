package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/stream"
)

// HandleWebSocket handles GET /ws. Each text message is a ChatRequest; the
// turn events are written back as JSON messages, one turn at a time. Closing
// the connection cancels the running turn.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.AllowedOrigins,
	})
	if err != nil {
		h.logger.Warn("transport.ws.accept_failed", "error", err.Error(), "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			h.logger.Debug("transport.ws.close_failed", "error", closeErr.Error())
		}
	}()

	ws.SetReadLimit(h.opts.MaxRequestBodySize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan []byte)

	// Input loop: a failed read means the client went away.
	go func() {
		defer cancel()
		for {
			_, msg, err := ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) != -1 {
					h.logger.Debug("transport.ws.closed", "status", int(websocket.CloseStatus(err)))
				} else if ctx.Err() == nil {
					h.logger.Warn("transport.ws.read_failed", "error", err.Error())
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case requests <- msg:
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-requests:
			if err := h.serveTurn(ctx, ws, msg); err != nil {
				h.logger.Debug("transport.ws.write_failed", "error", err.Error())
				return
			}
		}
	}
}

func (h *Handler) serveTurn(ctx context.Context, ws *websocket.Conn, msg []byte) error {
	var req ChatRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return writeAll(ctx, ws, stream.ErrorEvent("VALIDATION_ERROR", "invalid request message"), stream.DoneEvent())
	}
	turn := req.Turn().WithDefaults()

	events, err := h.svc.Stream(ctx, turn)
	if err != nil {
		ce := core.AsError("transport.ws", err)
		return writeAll(ctx, ws, stream.ErrorEvent(ce.Code, ce.Message), stream.DoneEvent())
	}

	var writeErr error
	for ev := range events {
		if writeErr != nil {
			continue
		}
		_, data := h.encodeEvent(turn.SessionID, ev)
		writeErr = ws.Write(ctx, websocket.MessageText, data)
	}

	return writeErr
}

func writeAll(ctx context.Context, ws *websocket.Conn, evs ...stream.Event) error {
	for _, ev := range evs {
		if err := wsjson.Write(ctx, ws, ev); err != nil {
			return err
		}
	}
	return nil
}
