// File: internal/server/websocket.go
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/session"
)

// MessageType names a websocket message.
type MessageType string

const (
	MsgTypeSessionSnapshot  MessageType = "SessionSnapshot"
	MsgTypeCallEvent        MessageType = "CallEvent"
	MsgTypeDecision         MessageType = "Decision"
	MsgTypeDecisionAccepted MessageType = "DecisionAccepted"
	MsgTypeSystemError      MessageType = "SystemError"
)

// WSMessage is the frame exchanged with reviewers.
type WSMessage struct {
	Type      MessageType            `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 8192
	sendChannelSize = 256
)

// wsClient is one reviewer connected to one session.
type wsClient struct {
	conn    *websocket.Conn
	session *session.Session
	logger  *zap.Logger
	limiter *rate.Limiter

	send chan WSMessage
	// done closes when the read side ends; every other goroutine stops on it.
	done chan struct{}
}

func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowed, r.Header.Get("Origin"))
		},
	}
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), a "*" entry, or an exact match.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// handleSessionEvents streams the coordinator events of one session and
// accepts reviewer decisions on the same connection.
func (s *Server) handleSessionEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
		if err != nil {
			s.handlers.respondWithErr(w, err)
			return
		}

		// Subscribe before the upgrade so no transition is missed between
		// the snapshot and the first event.
		events, unsubscribe := s.bus.Subscribe()
		defer unsubscribe()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
			return
		}
		// Hijacked connections are not drained by Shutdown.
		stop := context.AfterFunc(r.Context(), func() { _ = conn.Close() })
		defer stop()

		srvCfg := s.cfg.Server()
		client := &wsClient{
			conn:    conn,
			session: sess,
			logger:  s.logger.With(zap.String("session_id", sess.ID), zap.String("remoteAddr", r.RemoteAddr)),
			limiter: rate.NewLimiter(rate.Limit(srvCfg.WSMessageRate), srvCfg.WSMessageBurst),
			send:    make(chan WSMessage, sendChannelSize),
			done:    make(chan struct{}),
		}
		client.logger.Info("Reviewer connected.")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			client.writePump()
		}()
		go func() {
			defer wg.Done()
			client.forward(events)
		}()

		client.sendMessage(MsgTypeSessionSnapshot, "", map[string]interface{}{"session": sess.Info()})
		client.readPump()
		close(client.done)
		wg.Wait()
		client.logger.Info("Reviewer disconnected.")
	}
}

// forward relays bus events that belong to the client's session.
func (c *wsClient) forward(events <-chan interrupt.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.SessionID != c.session.ID {
				continue
			}
			c.sendMessage(MsgTypeCallEvent, "", map[string]interface{}{"event": ev})
		}
	}
}

func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("Failed to set initial read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("", "rate limit exceeded, message dropped")
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", fmt.Sprintf("malformed message: %v", err))
			continue
		}
		c.processMessage(msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			payload, err := json.Marshal(message)
			if err != nil {
				c.logger.Error("Failed to encode WebSocket message", zap.Error(err))
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("Error writing WebSocket message", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) processMessage(msg WSMessage) {
	switch msg.Type {
	case MsgTypeDecision:
		d, err := mapToStruct[WSDecision](msg.Data)
		if err != nil {
			c.sendError(msg.RequestID, fmt.Sprintf("invalid Decision data: %v", err))
			return
		}
		if d.CallID == "" {
			c.sendError(msg.RequestID, "Decision message requires call_id")
			return
		}
		call, err := c.session.Override(d.CallID, interrupt.Decision{Kind: d.Type, Payload: d.Message})
		if err != nil {
			c.sendError(msg.RequestID, err.Error())
			return
		}
		c.sendMessage(MsgTypeDecisionAccepted, msg.RequestID, map[string]interface{}{"call": call})

	default:
		c.logger.Warn("Received unknown message type from client", zap.String("type", string(msg.Type)))
		c.sendError(msg.RequestID, fmt.Sprintf("Unknown or unsupported message type: %s", msg.Type))
	}
}

// sendMessage queues a message for the write pump. A full buffer drops it.
func (c *wsClient) sendMessage(msgType MessageType, requestID string, data map[string]interface{}) {
	msg := WSMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.logger.Error("WebSocket send buffer full, dropping message.", zap.String("type", string(msgType)))
	}
}

func (c *wsClient) sendError(requestID string, errorMessage string) {
	c.sendMessage(MsgTypeSystemError, requestID, map[string]interface{}{"error": errorMessage})
}

func mapToStruct[T any](m map[string]interface{}) (T, error) {
	var result T
	if m == nil {
		return result, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return result, err
	}
	err = json.Unmarshal(data, &result)
	return result, err
}
