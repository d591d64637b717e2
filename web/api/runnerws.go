package api

import (
	"crypto/hmac"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/korentomas/issueforge/internal/notify"
	"github.com/korentomas/issueforge/internal/webhook"
)

const (
	wsReadDeadline  = 90 * time.Second
	wsWriteDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The runner is not a browser; the shared secret is the auth boundary
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsReport is one progress report on the persistent runner feed. It carries
// the thread id inline because a single connection multiplexes all threads
// the runner is working on.
type wsReport struct {
	ThreadID string `json:"threadId"`
	webhook.Event
}

// wsAck confirms receipt of a report so the runner can drop it from its
// retry queue
type wsAck struct {
	ThreadID string `json:"threadId"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// runnerWSHandler serves the persistent websocket feed the runner can use
// instead of per-event webhook POSTs. Every report goes through the same
// state machine as the webhook path.
func (s *Server) runnerWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !hmac.Equal([]byte(token), []byte(s.webhookSecret)) {
			writeError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		slog.Info("runner feed connected", "remote", conn.RemoteAddr())

		for {
			conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Warn("runner feed closed", "error", err)
				}
				return
			}

			var report wsReport
			ack := wsAck{OK: true}
			if err := json.Unmarshal(payload, &report); err != nil {
				ack = wsAck{OK: false, Error: "invalid report payload"}
			} else {
				ack.ThreadID = report.ThreadID
				if _, err := s.applyEvent(report.ThreadID, &report.Event); err != nil {
					ack.OK = false
					ack.Error = err.Error()
				}
			}

			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(ack); err != nil {
				slog.Warn("runner feed ack failed", "error", err)
				return
			}
		}
	}
}

// applyEvent runs a runner report through the state machine and fans the
// result out to dashboard listeners and notifications. Shared by the webhook
// and websocket ingestion paths.
func (s *Server) applyEvent(threadID string, event *webhook.Event) (*webhook.Outcome, error) {
	outcome, err := s.machine.Apply(threadID, event)
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(SSEEvent{Type: "thread_update", Data: map[string]string{
		"thread_id": outcome.ThreadID,
		"status":    string(outcome.Status),
	}})

	if outcome.Terminal && !outcome.NoOp {
		if thread, err := s.store.GetThread(threadID); err == nil && thread != nil {
			go func() {
				if err := s.notifier.Send(notify.ForOutcome(thread)); err != nil {
					slog.Warn("sending completion notification", "thread_id", thread.ID, "error", err)
				}
			}()
		}
	}

	return outcome, nil
}
