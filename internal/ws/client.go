package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"realtime-service/internal/auth"
	"realtime-service/internal/calls"
	"realtime-service/internal/chat"
	"realtime-service/internal/events"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/repositories"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 256
)

// client is one websocket connection bound to an identity. Its read pump
// handles events sequentially, so two operations from the same connection
// never interleave; connections of different clients proceed concurrently.
type client struct {
	gw       *Gateway
	conn     *websocket.Conn
	send     chan []byte
	identity models.Identity
	info     ConnInfo
}

// ID implements presence.Conn.
func (c *client) ID() string { return c.info.ConnID }

// Send implements presence.Conn: non-blocking enqueue, false when the write
// buffer is full.
func (c *client) Send(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close implements presence.Conn. The read pump observes the closed
// transport and runs the usual cleanup.
func (c *client) Close() {
	_ = c.conn.Close()
}

func (c *client) readPump() {
	var closeReason string
	defer func() {
		c.gw.disconnect(c, closeReason)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error", "error")
			}
			return
		}
		c.handleEvent(raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvent demultiplexes one inbound frame. Unknown event names and
// malformed frames are dropped without a reply; known events validate
// strictly and report failures back to this connection only.
func (c *client) handleEvent(raw []byte) {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		observability.IncWSEvent("malformed", "dropped")
		return
	}

	ctx := context.Background()
	switch env.Event {
	case events.ChatSend:
		c.handleChatSend(ctx, env.Data)
	case events.ChatRead:
		c.handleChatRead(ctx, env.Data)
	case events.ChatReact:
		c.handleChatReact(ctx, env.Data)
	case events.CallInitiate:
		c.handleCallInitiate(ctx, env.Data)
	case events.CallAnswer:
		c.handleCallAnswer(ctx, env.Data)
	case events.CallReject:
		c.handleCallRef(ctx, env.Event, env.Data)
	case events.CallCancel:
		c.handleCallRef(ctx, env.Event, env.Data)
	case events.CallEnd:
		c.handleCallRef(ctx, env.Event, env.Data)
	case events.CallICECandidate:
		c.handleICECandidate(ctx, env.Data)
	default:
		observability.IncWSEvent(env.Event, "dropped")
	}
}

func (c *client) handleChatSend(ctx context.Context, data json.RawMessage) {
	var p events.SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(events.ChatSend, "invalid_payload", "")
		return
	}
	req := chat.SendRequest{
		ConversationID: p.ConversationID,
		Type:           p.Type,
		Body:           p.Body,
		FileURL:        p.FileURL,
		FileType:       p.FileType,
		Nonce:          p.Nonce,
	}
	if p.RecipientID != "" {
		req.Recipient = models.Identity{UserID: p.RecipientID, Type: p.RecipientType}
	}
	msg, err := c.gw.chats.SendMessage(ctx, c.identity, req)
	if err != nil {
		c.sendError(events.ChatSend, chatErrorCode(err), err.Error())
		observability.IncWSEvent(events.ChatSend, "error")
		return
	}
	c.reply(events.ChatSent, events.SentPayload{Nonce: p.Nonce, Message: msg})
	observability.IncWSEvent(events.ChatSend, "ok")
}

func (c *client) handleChatRead(ctx context.Context, data json.RawMessage) {
	var p events.ReadPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == 0 {
		c.sendError(events.ChatRead, "invalid_payload", "")
		return
	}
	if err := c.gw.chats.MarkRead(ctx, c.identity, p.ConversationID); err != nil {
		c.sendError(events.ChatRead, chatErrorCode(err), err.Error())
		observability.IncWSEvent(events.ChatRead, "error")
		return
	}
	observability.IncWSEvent(events.ChatRead, "ok")
}

func (c *client) handleChatReact(ctx context.Context, data json.RawMessage) {
	var p events.ReactPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == 0 {
		c.sendError(events.ChatReact, "invalid_payload", "")
		return
	}
	if _, err := c.gw.chats.React(ctx, c.identity, p.MessageID, p.Reaction); err != nil {
		c.sendError(events.ChatReact, chatErrorCode(err), err.Error())
		observability.IncWSEvent(events.ChatReact, "error")
		return
	}
	observability.IncWSEvent(events.ChatReact, "ok")
}

func (c *client) handleCallInitiate(ctx context.Context, data json.RawMessage) {
	var p events.InitiatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.CalleeID == "" || p.Offer == "" {
		c.sendError(events.CallInitiate, "invalid_payload", "")
		return
	}
	callee := models.Identity{UserID: p.CalleeID, Type: models.ParticipantType(p.CalleeType)}
	callID, err := c.gw.calls.Initiate(ctx, c.identity, callee, p.Offer)
	if err != nil {
		c.sendError(events.CallInitiate, callErrorCode(err), err.Error())
		observability.IncWSEvent(events.CallInitiate, "error")
		return
	}
	c.reply(events.CallRinging, events.CallStatePayload{CallID: callID})
	observability.IncWSEvent(events.CallInitiate, "ok")
}

func (c *client) handleCallAnswer(ctx context.Context, data json.RawMessage) {
	var p events.AnswerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" || p.Answer == "" {
		c.sendError(events.CallAnswer, "invalid_payload", "")
		return
	}
	if err := c.gw.calls.Answer(ctx, p.CallID, c.identity, p.Answer); err != nil {
		c.sendError(events.CallAnswer, callErrorCode(err), err.Error())
		observability.IncWSEvent(events.CallAnswer, "error")
		return
	}
	observability.IncWSEvent(events.CallAnswer, "ok")
}

func (c *client) handleCallRef(ctx context.Context, event string, data json.RawMessage) {
	var p events.CallRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		c.sendError(event, "invalid_payload", "")
		return
	}
	var err error
	switch event {
	case events.CallReject:
		err = c.gw.calls.Reject(ctx, p.CallID, c.identity)
	case events.CallCancel:
		err = c.gw.calls.Cancel(ctx, p.CallID, c.identity)
	case events.CallEnd:
		err = c.gw.calls.End(ctx, p.CallID, c.identity)
	}
	if err != nil {
		c.sendError(event, callErrorCode(err), err.Error())
		observability.IncWSEvent(event, "error")
		return
	}
	observability.IncWSEvent(event, "ok")
}

func (c *client) handleICECandidate(ctx context.Context, data json.RawMessage) {
	var p events.ICEPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" || p.Candidate == "" {
		c.sendError(events.CallICECandidate, "invalid_payload", "")
		return
	}
	if err := c.gw.calls.RelayICE(ctx, p.CallID, c.identity, p.Candidate); err != nil {
		c.sendError(events.CallICECandidate, callErrorCode(err), err.Error())
		observability.IncWSEvent(events.CallICECandidate, "error")
		return
	}
	observability.IncWSEvent(events.CallICECandidate, "ok")
}

// reply sends an event to this connection only.
func (c *client) reply(event string, data any) {
	payload, err := events.Marshal(event, data)
	if err != nil {
		log.Printf("ws reply marshal failed event=%s: %v", event, err)
		return
	}
	c.Send(payload)
}

// sendError reports a rejected event back to the originating connection.
// Errors are never broadcast to other connections.
func (c *client) sendError(event, code, reason string) {
	c.reply(events.Error, events.ErrorPayload{Event: event, Code: code, Reason: reason})
}

func chatErrorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, chat.ErrInvalidMessage):
		return "invalid_payload"
	case errors.Is(err, repositories.ErrConversationNotFound),
		errors.Is(err, repositories.ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, auth.ErrInvalidToken):
		return "not_authenticated"
	default:
		// Store unavailable; the only class the client should retry.
		return "persistence_failure"
	}
}

func callErrorCode(err error) string {
	switch {
	case errors.Is(err, calls.ErrConflict):
		return "conflict"
	case errors.Is(err, calls.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, calls.ErrNotParty):
		return "not_party"
	default:
		return "call_failed"
	}
}
