package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/mnemo/internal/pipeline"
)

const (
	wsReadLimit    = 64 << 10
	wsIdleTimeout  = 10 * time.Minute
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin allows non-browser clients (no Origin header) and browsers on
// the serving host.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// WSMessage is sent back for every question on the chat socket.
type WSMessage struct {
	Answer   string `json:"answer,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleChatWS answers ChatRequest messages one at a time on a websocket.
// The owner of the first message is kept for the whole connection when
// later messages omit it.
func handleChatWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetReadLimit(wsReadLimit)
		ctx := r.Context()
		var owner string

		for {
			_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("chat socket closed", "error", err)
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}

			var req ChatRequest
			var out WSMessage
			if err := json.Unmarshal(data, &req); err != nil {
				out.Error = "invalid message: " + err.Error()
			} else {
				if req.Owner == "" {
					req.Owner = owner
				}
				owner = req.Owner

				start := time.Now()
				resp, err := deps.Responder.Respond(ctx, req.Owner, req.Question)
				deps.observe(start, err)
				if err != nil {
					out.Error = pipeline.UserMessage(err)
				} else {
					cr := chatResponse(resp)
					out.Answer, out.TicketID = cr.Answer, cr.TicketID
				}
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(out); err != nil {
				slog.Debug("chat socket write failed", "error", err)
				return
			}
		}
	}
}
