package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsDone is the final frame sent when a run finishes.
type wsDone struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

// WriteWS streams events from a Broadcaster over a websocket. Each client is
// tagged with a fresh id for logging. Incoming frames are discarded; a read
// error or close frame ends the stream.
func WriteWS(w http.ResponseWriter, r *http.Request, b *Broadcaster, runID string, upgrader *websocket.Upgrader, log *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	clientID := uuid.NewString()
	log = log.With(zap.String("client_id", clientID), zap.String("run_id", runID))
	log.Debug("websocket client connected")
	defer func() {
		conn.Close()
		log.Debug("websocket client disconnected")
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	evs, doneCh, unsub := b.Subscribe(resumeSeq(r))
	defer unsub()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-evs:
			if !ok {
				select {
				case <-doneCh:
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					_ = conn.WriteJSON(wsDone{Type: "done", RunID: runID})
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
						time.Now().Add(wsWriteTimeout))
				default:
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
