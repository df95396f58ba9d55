package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/renqi/tradewind/internal/events"
)

// wsWriteWait bounds a single frame write so one stuck client cannot pin
// the handler goroutine.
const wsWriteWait = 10 * time.Second

// RunStreamHandler streams run lifecycle events to websocket clients.
// Each connection gets its own bus subscription; a client that stops
// reading loses its oldest events rather than stalling publishers.
type RunStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewRunStreamHandler creates the websocket stream handler.
func NewRunStreamHandler(bus *events.Bus, log zerolog.Logger) *RunStreamHandler {
	return &RunStreamHandler{
		bus: bus,
		log: log.With().Str("handler", "run_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/ws/runs.
func (h *RunStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	stream, unsubscribe := h.bus.Subscribe(events.RunEventTypes...)
	defer unsubscribe()

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away. This stream is write-only.
	ctx := conn.CloseRead(r.Context())

	h.log.Info().Msg("Client connected to run stream")

	// The greeting is written after the subscription exists, so a client
	// that sees it never misses a later event.
	greeting := map[string]string{"type": "connected"}
	if err := h.write(ctx, conn, greeting); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Client disconnected from run stream")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-stream:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			if err := h.write(ctx, conn, evt); err != nil {
				h.log.Debug().Err(err).Msg("Websocket write failed, dropping client")
				return
			}
		}
	}
}

func (h *RunStreamHandler) write(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
