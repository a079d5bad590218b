package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const wsWriteTimeout = 10 * time.Second

// Handler streams a certificate's transitions over a websocket.
type Handler struct {
	hub            *Hub
	logger         *slog.Logger
	originPatterns []string
}

// NewHandler constructs a websocket handler over hub.
func NewHandler(hub *Hub, logger *slog.Logger, originPatterns ...string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Handler{hub: hub, logger: logger.With("component", "broadcast"), originPatterns: originPatterns}
}

// Serve upgrades the request and streams events for certificateID until the
// client disconnects or the hub closes.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, certificateID string) {
	if !validTopic(certificateID) {
		http.Error(w, "invalid certificate id", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := h.hub.Subscribe(certificateID)
	defer sub.Cancel()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := stream(ctx, conn, sub); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			h.logger.Debug("live stream ended", "certificate_id", certificateID, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
