// Package wsconn upgrades authenticated HTTP requests into pusher client
// sessions: one gorilla/websocket connection, one pusher.Client, one
// SessionMultiplexer.JoinRoom call, and the read/write pumps that keep
// them synchronized.
package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fenwickgames/pusher/internal/auth"
	"github.com/fenwickgames/pusher/internal/backend"
	"github.com/fenwickgames/pusher/internal/logging"
	"github.com/fenwickgames/pusher/internal/metrics"
	"github.com/fenwickgames/pusher/internal/pusher"
	"github.com/fenwickgames/pusher/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	flushInterval  = 50 * time.Millisecond
	maxBatchSize   = 64
	outboundBuffer = 256
)

// Handler upgrades /ws/room/:roomId requests and drives pusher sessions.
type Handler struct {
	Validator      auth.TokenValidator
	Multiplexer    *pusher.SessionMultiplexer
	RateLimiter    *ratelimit.Limiter
	AllowedOrigins map[string]struct{}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for allowed := range h.AllowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWS authenticates, upgrades, and hands the connection off to its own
// read and write pumps, blocking until the session ends.
func (h *Handler) ServeWS(c *gin.Context) {
	if h.RateLimiter != nil && !h.RateLimiter.CheckWebSocket(c) {
		return
	}

	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}
	claims, err := h.Validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx := c.Request.Context()
	if h.RateLimiter != nil {
		if err := h.RateLimiter.CheckWebSocketUser(ctx, claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
	}

	roomURL := pusher.RoomURL(c.Param("roomId"))
	if roomURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.IncConnection()
	defer metrics.DecConnection()

	session := &wsSession{conn: conn, mux: h.Multiplexer}
	emitter := pusher.NewBatchEmitter(flushInterval, maxBatchSize, session.flush)
	cl := pusher.NewClient(pusher.ClientID(claims.Subject), c.ClientIP(), claims.Tags, claims.Name, emitter)
	session.client = cl

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := h.Multiplexer.JoinRoom(joinCtx, cl, roomURL); err != nil {
		cancel()
		logging.Error(ctx, "join room failed", zap.String("roomUrl", string(roomURL)), zap.Error(err))
		emitter.Close()
		conn.Close()
		return
	}
	cancel()

	session.readPump(claims)

	h.Multiplexer.LeaveRoom(cl)
	emitter.Close()
	conn.Close()
}

type wsSession struct {
	conn   *websocket.Conn
	mux    *pusher.SessionMultiplexer
	client *pusher.Client
	mu     sync.Mutex
}

// flush is the BatchEmitter's send callback: it wraps every pending
// sub-message into a single groupUpdate-tagged frame and writes it as one
// WebSocket text message.
func (s *wsSession) flush(items []pusher.OutboundItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(struct {
		Tag     string                `json:"tag"`
		Batches []pusher.OutboundItem `json:"batches"`
	}{Tag: "groupUpdate", Batches: items})
	if err != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.TextMessage, b)
}

// readPump decodes one inbound client message at a time and dispatches it
// to the multiplexer. It returns when the connection closes or errors.
func (s *wsSession) readPump(claims *auth.CustomClaims) {
	ctx := logging.WithClientID(context.Background(), string(s.client.ID))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg pusher.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			metrics.WebsocketEvents.WithLabelValues("malformed", "error").Inc()
			continue
		}

		start := time.Now()
		if err := s.dispatch(ctx, msg, claims); err != nil {
			metrics.WebsocketEvents.WithLabelValues(msg.Tag, "error").Inc()
			s.client.Outbound.Enqueue("errorMessage", map[string]string{"message": err.Error()}, "")
		} else {
			metrics.WebsocketEvents.WithLabelValues(msg.Tag, "ok").Inc()
		}
		metrics.MessageProcessingDuration.WithLabelValues(msg.Tag).Observe(time.Since(start).Seconds())
	}
}

func (s *wsSession) dispatch(ctx context.Context, msg pusher.Message, claims *auth.CustomClaims) error {
	switch msg.Tag {
	case "viewportMessage":
		var payload struct {
			X1, Y1, X2, Y2 float64
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return s.mux.HandleViewport(s.client, pusher.Rect{X1: payload.X1, Y1: payload.Y1, X2: payload.X2, Y2: payload.Y2})

	case "userMovesMessage":
		var payload struct {
			X, Y float64 `json:"x,omitempty"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		frame, err := backend.EncodePayload(msg.Tag, msg.Payload)
		if err != nil {
			return err
		}
		return s.mux.HandleUserMoves(s.client, pusher.Point{X: payload.X, Y: payload.Y}, frame)

	case "joinSpaceMessage":
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return s.mux.JoinSpace(ctx, s.client, pusher.SpaceName(payload.Name))

	case "leaveSpaceMessage":
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		s.mux.LeaveSpace(s.client, pusher.SpaceName(payload.Name))
		return nil

	case "notifyMeMessage":
		s.mux.NotifyMe(s.client)
		return nil

	case "pongMessage":
		return nil

	case "addSpaceFilterMessage", "updateSpaceFilterMessage", "removeSpaceFilterMessage":
		var payload struct {
			Space string `json:"space"`
			Name  string `json:"name"`
			Field string `json:"field"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		name := pusher.SpaceName(payload.Space)
		switch msg.Tag {
		case "addSpaceFilterMessage":
			return s.mux.HandleAddFilter(s.client, name, pusher.NewFieldEqualsFilter(payload.Name, payload.Field, payload.Value))
		case "updateSpaceFilterMessage":
			return s.mux.HandleUpdateFilter(s.client, name, pusher.NewFieldEqualsFilter(payload.Name, payload.Field, payload.Value))
		default:
			return s.mux.HandleRemoveFilter(s.client, name, payload.Name)
		}

	case "setPlayerDetailsMessage":
		var payload struct {
			AvailabilityStatus string `json:"availabilityStatus"`
			ChatID             string `json:"chatID"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		frame, err := backend.EncodePayload(msg.Tag, msg.Payload)
		if err != nil {
			return err
		}
		before := s.client.SpaceUser()
		after := before
		after.AvailabilityStatus = payload.AvailabilityStatus
		after.ChatID = payload.ChatID
		return s.mux.HandleSetPlayerDetails(s.client, before, after, frame)

	case "updateSpaceMetadataMessage":
		var payload struct {
			Space string         `json:"space"`
			Meta  map[string]any `json:"meta"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return s.mux.HandleUpdateSpaceMetadata(s.client, pusher.SpaceName(payload.Space), payload.Meta)

	case "updateSpaceUserMessage":
		var payload struct {
			Space string          `json:"space"`
			User  pusher.SpaceUser `json:"user"`
			Mask  pusher.FieldMask `json:"mask"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return s.mux.HandleUpdateSpaceUser(s.client, pusher.SpaceName(payload.Space), payload.User, payload.Mask)

	case "publicEvent":
		var payload struct {
			Space string `json:"space"`
			Event string `json:"event"`
			Data  any    `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return s.mux.SendPublicEvent(s.client, pusher.SpaceName(payload.Space), payload.Event, payload.Data)

	case "privateEvent":
		var payload struct {
			Space     string `json:"space"`
			Recipient string `json:"recipient"`
			Event     string `json:"event"`
			Data      any    `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		return s.mux.SendPrivateEvent(s.client, pusher.SpaceName(payload.Space), pusher.ClientID(payload.Recipient), payload.Event, payload.Data)

	case "roomTagsQuery", "roomsFromSameWorldQuery", "searchMemberQuery", "searchTagsQuery",
		"getMemberQuery", "chatMembersQuery", "embeddableWebsiteQuery", "oauthRefreshTokenQuery":
		var payload struct {
			QueryID string `json:"queryId"`
			Value   string `json:"value"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		switch msg.Tag {
		case "roomTagsQuery":
			s.mux.HandleRoomTagsQuery(ctx, s.client, payload.QueryID)
		case "roomsFromSameWorldQuery":
			s.mux.HandleRoomsFromSameWorldQuery(ctx, s.client, payload.QueryID, payload.Value)
		case "searchMemberQuery":
			s.mux.HandleSearchMemberQuery(ctx, s.client, payload.QueryID, payload.Value)
		case "searchTagsQuery":
			s.mux.HandleSearchTagsQuery(ctx, s.client, payload.QueryID, payload.Value)
		case "getMemberQuery":
			s.mux.HandleGetMemberQuery(ctx, s.client, payload.QueryID, payload.Value)
		case "chatMembersQuery":
			s.mux.HandleChatMembersQuery(ctx, s.client, payload.QueryID, payload.Value)
		case "embeddableWebsiteQuery":
			s.mux.HandleEmbeddableWebsiteQuery(ctx, s.client, payload.QueryID, payload.Value)
		case "oauthRefreshTokenQuery":
			s.mux.HandleOauthRefreshTokenQuery(ctx, s.client, payload.QueryID, payload.Value)
		}
		return nil

	default:
		// Opaque application tags (emotes, variable sets, chat events) are
		// forwarded straight to the client's joined room stream.
		stream := s.client.RoomStream()
		if stream == nil {
			return nil
		}
		frame, err := backend.EncodePayload(msg.Tag, msg.Payload)
		if err != nil {
			return err
		}
		return stream.Send(frame)
	}
}
