package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"realtime-service/internal/auth"
	"realtime-service/internal/chat"
	"realtime-service/internal/events"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/presence"
	"realtime-service/internal/telemetry"
)

// chatService is the slice of the chat dispatcher the gateway consumes.
type chatService interface {
	SendMessage(ctx context.Context, sender models.Identity, req chat.SendRequest) (models.Message, error)
	MarkRead(ctx context.Context, identity models.Identity, conversationID int) error
	React(ctx context.Context, identity models.Identity, messageID int, reaction string) (map[string]string, error)
}

// callService is the slice of the call coordinator the gateway consumes.
type callService interface {
	Initiate(ctx context.Context, caller, callee models.Identity, offer string) (string, error)
	Answer(ctx context.Context, callID string, callee models.Identity, answer string) error
	Reject(ctx context.Context, callID string, callee models.Identity) error
	Cancel(ctx context.Context, callID string, caller models.Identity) error
	End(ctx context.Context, callID string, from models.Identity) error
	RelayICE(ctx context.Context, callID string, from models.Identity, candidate string) error
}

// Gateway owns the single multiplexed websocket per client: it authenticates
// before upgrading, registers the connection with the presence registry, and
// demultiplexes inbound events to the chat dispatcher or call coordinator.
type Gateway struct {
	registry      *presence.Registry
	chats         chatService
	calls         callService
	authenticator auth.Authenticator
	publisher     telemetry.Publisher
}

// NewGateway constructs a Gateway.
func NewGateway(registry *presence.Registry, chats chatService, calls callService, authenticator auth.Authenticator, publisher telemetry.Publisher) *Gateway {
	return &Gateway{
		registry:      registry,
		chats:         chats,
		calls:         calls,
		authenticator: authenticator,
		publisher:     publisher,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the request, upgrades it, and starts the connection's
// pumps.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("realtime-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	identity, err := g.authenticator.Authenticate(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		Identity:    identity,
		DeviceID:    deviceIDFromRequest(c.Request),
		IP:          ipFromRequest(c.Request),
		RequestID:   requestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := &client{
		gw:       g,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		identity: identity,
		info:     info,
	}

	g.registry.Register(identity, client)
	observability.IncWSActive()
	g.publishLifecycle(ctx, "ws_connect", info, "")

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) disconnect(c *client, reason string) {
	g.registry.Unregister(c)
	observability.DecWSActive()
	g.publishLifecycle(context.Background(), "ws_disconnect", c.info, reason)
}

func (g *Gateway) publishLifecycle(ctx context.Context, event string, info ConnInfo, reason string) {
	observability.IncWSEvent(event, "ok")
	if g.publisher == nil {
		return
	}
	_ = g.publisher.Publish(ctx, "ws_events.realtime", telemetry.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]any{
			"ws": map[string]any{
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]any{
				"user_id":          info.Identity.UserID,
				"participant_type": info.Identity.Type,
				"device_id":        info.DeviceID,
				"ip":               info.IP,
			},
		},
	})
}

// PresenceNotifier broadcasts online/offline indicators to every connected
// client. Best effort, for UI only.
type PresenceNotifier struct {
	registry *presence.Registry
}

// NewPresenceNotifier constructs the notifier.
func NewPresenceNotifier(registry *presence.Registry) *PresenceNotifier {
	return &PresenceNotifier{registry: registry}
}

// IdentityOnline implements presence.Watcher.
func (n *PresenceNotifier) IdentityOnline(identity models.Identity) {
	if payload, err := events.Marshal(events.PresenceOnline, events.PresencePayload{Identity: identity}); err == nil {
		n.registry.Broadcast(payload)
	}
}

// IdentityOffline implements presence.Watcher.
func (n *PresenceNotifier) IdentityOffline(identity models.Identity) {
	if payload, err := events.Marshal(events.PresenceOffline, events.PresencePayload{Identity: identity}); err == nil {
		n.registry.Broadcast(payload)
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
