package pusher

import (
	"context"
	"fmt"

	"github.com/fenwickgames/pusher/internal/backend"
)

// KickOffUser disconnects a target client from its room by forwarding a Ban
// RPC to the back-end that owns the room, then tearing the client's own
// session down locally.
func (m *SessionMultiplexer) KickOffUser(ctx context.Context, target *Client, reason string) error {
	var resp struct{}
	req := map[string]string{"userId": string(target.ID), "reason": reason}
	if err := m.dir.Ban(ctx, string(target.RoomURL()), req, &resp); err != nil {
		return fmt.Errorf("ban via back-end: %w", err)
	}
	target.Outbound.Enqueue("kickedOffMessage", map[string]string{"reason": reason}, "")
	m.LeaveRoom(target)
	return nil
}

// KickOffUserByID resolves a connected client by id and kicks it, returning
// an error if the client is not currently connected to this instance.
func (m *SessionMultiplexer) KickOffUserByID(ctx context.Context, id ClientID, reason string) error {
	c, ok := m.lookupClient(id)
	if !ok {
		return fmt.Errorf("client %q is not connected", id)
	}
	return m.KickOffUser(ctx, c, reason)
}

// KickOffSpaceUser forwards a kick for a user's space membership straight
// to the back-end owning that space, independent of the room-kick path.
// When the space has no local watcher, the kick is rejected unless
// ForwardUnknownSpaceKicks is set.
func (m *SessionMultiplexer) KickOffSpaceUser(ctx context.Context, name SpaceName, targetUserID UserID, reason string) error {
	m.spaceMu.Lock()
	backID, known := m.spaceBackID[name]
	m.spaceMu.Unlock()

	if !known {
		if !m.ForwardUnknownSpaceKicks {
			return fmt.Errorf("space %q is not known locally", name)
		}
		backID = m.dir.Index(string(name))
	}

	var resp struct{}
	req := map[string]any{"space": string(name), "userId": int(targetUserID), "reason": reason}
	return m.dir.KickOffSpaceUser(ctx, backID, req, &resp)
}

// SendAdminMessageToRoom relays an operator broadcast to every client
// physically in a room, via the owning back-end.
func (m *SessionMultiplexer) SendAdminMessageToRoom(ctx context.Context, roomURL RoomURL, text string) error {
	var resp struct{}
	req := map[string]string{"roomUrl": string(roomURL), "message": text}
	return m.dir.SendAdminMessageToRoom(ctx, string(roomURL), req, &resp)
}

// SendAdminMessageToUser relays an operator message to a single connected
// client, via the back-end owning that client's room.
func (m *SessionMultiplexer) SendAdminMessageToUser(ctx context.Context, target *Client, text string) error {
	var resp struct{}
	req := map[string]string{"userId": string(target.ID), "message": text}
	return m.dir.SendAdminMessage(ctx, string(target.RoomURL()), req, &resp)
}

// PlayGlobalMessage broadcasts an operator message either to originRoom
// alone, or — when broadcastToWorld is set — to every room in the same
// world as originRoom, resolved via the admin service. Each resolved room
// gets exactly one SendAdminMessageToRoom call.
func (m *SessionMultiplexer) PlayGlobalMessage(ctx context.Context, originRoom RoomURL, text string, broadcastToWorld bool) error {
	if !broadcastToWorld {
		return m.SendAdminMessageToRoom(ctx, originRoom, text)
	}
	if m.Admin == nil {
		return fmt.Errorf("admin service not configured")
	}
	rooms, err := m.Admin.GetURLRoomsFromSameWorld(ctx, string(originRoom))
	if err != nil {
		return fmt.Errorf("resolve world rooms: %w", err)
	}
	var firstErr error
	for _, room := range rooms {
		if err := m.SendAdminMessageToRoom(ctx, RoomURL(room), text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close tears down every dialed back-end connection. Intended for process
// shutdown once all client sessions have been drained.
func (m *SessionMultiplexer) Close() error {
	return m.dir.Close()
}

// pusherEchoTag names the frame a client sends to ask the back whether it
// is still reachable, independent of the gRPC health check the readiness
// probe uses; kept distinct since a single slow room must not fail process
// readiness.
const pusherEchoTag = "pingMessage"

// Ping forwards a liveness ping down a client's own room stream. Nothing in
// the WS read loop calls it.
func (m *SessionMultiplexer) Ping(ctx context.Context, c *Client) error {
	stream := c.RoomStream()
	if stream == nil {
		return fmt.Errorf("client has no open room stream")
	}
	frame, err := backend.EncodePayload(pusherEchoTag, map[string]string{"userId": string(c.ID)})
	if err != nil {
		return err
	}
	return stream.Send(frame)
}
