package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/internal/captcha"
	"github.com/shehryarbajwa/slotcamper/internal/notify"
	"github.com/shehryarbajwa/slotcamper/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is what a websocket client may send. The only command is a
// captcha answer.
type clientMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

var errClientClosed = errors.New("client closed the stream")

// Events handles GET /v1/users/{id}/events. The connection receives the
// user's events as JSON text frames and may answer captchas.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if !session.ValidUserID(userID) {
		writeError(w, http.StatusBadRequest, session.ErrInvalidUserID.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.deps.Hub.Subscribe(userID)
	defer sub.Cancel()

	logger := h.logger.With(zap.String("user_id", userID), zap.String("subscription_id", sub.ID))
	logger.Info("event stream connected")

	errChan := make(chan error, 2)
	go func() {
		errChan <- h.readMessages(conn, userID, logger)
	}()
	go func() {
		errChan <- h.writeEvents(conn, sub)
	}()

	err = <-errChan
	if err != nil && !errors.Is(err, errClientClosed) {
		logger.Warn("event stream error", zap.Error(err))
	}
	logger.Info("event stream disconnected")
}

func (h *Handler) readMessages(conn *websocket.Conn, userID string, logger *zap.Logger) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return errClientClosed
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "captcha" {
			logger.Debug("ignoring client message", zap.ByteString("message", data))
			continue
		}
		if err := h.deps.Prompt.Submit(userID, msg.Code); err != nil {
			text := err.Error()
			if errors.Is(err, captcha.ErrNoPendingChallenge) {
				text = "No captcha is waiting for an answer."
			}
			h.deps.Hub.Publish(userID, notify.Event{Type: notify.EventInfo, Text: text})
		}
	}
}

func (h *Handler) writeEvents(conn *websocket.Conn, sub *notify.Subscription) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return nil
			}
			if err := conn.WriteMessage(websocket.TextMessage, ev.JSON()); err != nil {
				return err
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
