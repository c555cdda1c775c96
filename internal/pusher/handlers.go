package pusher

import (
	"context"
	"fmt"

	"github.com/fenwickgames/pusher/internal/backend"
	"github.com/fenwickgames/pusher/internal/logging"
	"github.com/fenwickgames/pusher/internal/metrics"
	"go.uber.org/zap"
)

// JoinRoom dials a fresh back-end RoomStream for client, registers it in
// the room's local visibility index, and starts the goroutine demuxing the
// room's back frames onto this client.
func (m *SessionMultiplexer) JoinRoom(ctx context.Context, c *Client, roomURL RoomURL) error {
	c.SetState(StateJoiningRoom)

	room, err := m.getOrCreateRoom(roomURL)
	if err != nil {
		return fmt.Errorf("resolve room %q: %w", roomURL, err)
	}

	stream, err := m.dir.GetRoomClient(ctx, string(roomURL))
	if err != nil {
		return fmt.Errorf("dial room stream for %q: %w", roomURL, err)
	}

	frame, err := backend.EncodePayload("joinRoomMessage", map[string]string{
		"roomUrl": string(roomURL),
		"userId":  string(c.ID),
	})
	if err != nil {
		return err
	}
	if err := stream.Send(frame); err != nil {
		return fmt.Errorf("send joinRoomMessage: %w", err)
	}

	room.Join(c.ID)
	c.SetRoomURL(roomURL)
	c.setRoomStream(stream)
	c.SetState(StateInRoom)
	m.mu.Lock()
	activeRooms := len(m.rooms)
	m.mu.Unlock()
	metrics.ActiveRooms.Set(float64(activeRooms))
	metrics.RoomClients.WithLabelValues(string(roomURL)).Inc()

	go m.pumpRoomStream(c, room, stream)
	return nil
}

// pumpRoomStream reads back frames for one client's room membership until
// the stream errs (back-end loss) or the client disconnects, translating
// each into local room state or a direct passthrough to the client.
func (m *SessionMultiplexer) pumpRoomStream(c *Client, room *PusherRoom, stream *backend.RoomStream) {
	ctx := logging.WithClientID(logging.WithRoomID(context.Background(), string(c.RoomURL())), string(c.ID))
	for {
		f, err := stream.Recv()
		if err != nil {
			if !c.IsDisconnecting() {
				logging.Warn(ctx, "room stream lost", zap.String("roomUrl", string(c.RoomURL())), zap.Error(err))
				c.Outbound.Enqueue("errorMessage", map[string]string{"message": "lost connection to back-end"}, "")
			}
			return
		}
		m.dispatchRoomFrame(c, room, f)
	}
}

func (m *SessionMultiplexer) dispatchRoomFrame(c *Client, room *PusherRoom, f backend.Frame) {
	type entityPos struct {
		UserID string  `json:"userId"`
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
	}
	switch f.Tag {
	case "roomJoinedMessage":
		var payload struct {
			UserID int `json:"userId"`
		}
		if err := backend.DecodePayload(f, &payload); err == nil {
			c.SetUserID(UserID(payload.UserID))
		}
		c.Outbound.Enqueue(f.Tag, f.Payload, "")
	case "userJoinedZoneMessage":
		var p entityPos
		if err := backend.DecodePayload(f, &p); err != nil {
			return
		}
		room.Join(ClientID(p.UserID))
		room.UpdatePosition(ClientID(p.UserID), Point{X: p.X, Y: p.Y})
	case "userMovedMessage":
		var p entityPos
		if err := backend.DecodePayload(f, &p); err != nil {
			return
		}
		room.UpdatePosition(ClientID(p.UserID), Point{X: p.X, Y: p.Y})
	case "userLeftZoneMessage":
		var p entityPos
		if err := backend.DecodePayload(f, &p); err != nil {
			return
		}
		room.Leave(ClientID(p.UserID))
	case "groupUpdateMessage":
		var p struct {
			GroupID string  `json:"groupId"`
			X       float64 `json:"x"`
			Y       float64 `json:"y"`
		}
		if err := backend.DecodePayload(f, &p); err != nil {
			return
		}
		room.UpdateGroupPosition(p.GroupID, Point{X: p.X, Y: p.Y})
	case "groupLeftMessage":
		var p struct {
			GroupID string `json:"groupId"`
		}
		if err := backend.DecodePayload(f, &p); err != nil {
			return
		}
		room.RemoveGroup(p.GroupID)
	case "refreshRoomMessage":
		var p struct {
			Version int64 `json:"version"`
		}
		if err := backend.DecodePayload(f, &p); err != nil {
			return
		}
		room.NeedsUpdate(p.Version)
	default:
		// Opaque tags (emotes, admin broadcasts, variable updates) pass
		// straight through to the client unmodified.
		c.Outbound.Enqueue(f.Tag, f.Payload, "")
	}
}

// LeaveRoom tears down a client's room membership: the sticky disconnecting
// gate ensures a racing duplicate leave is a no-op.
func (m *SessionMultiplexer) LeaveRoom(c *Client) {
	if !c.BeginDisconnect() {
		return
	}
	c.Outbound.Flush()

	roomURL := c.RoomURL()
	m.mu.Lock()
	f, ok := m.rooms[roomURL]
	m.mu.Unlock()
	if ok {
		f.room.Leave(c.ID)
		m.releaseRoomIfEmpty(roomURL)
	}
	if stream := c.RoomStream(); stream != nil {
		_ = stream.CloseSend()
	}

	for _, name := range c.SpaceNames() {
		m.LeaveSpace(c, name)
	}
	m.unregisterClient(c.ID)
	c.SetState(StateClosed)
	metrics.RoomClients.WithLabelValues(string(roomURL)).Dec()
}

// HandleViewport applies a client-reported viewport change.
func (m *SessionMultiplexer) HandleViewport(c *Client, vp Rect) error {
	room, ok := m.roomOf(c)
	if !ok {
		return fmt.Errorf("client is not in a room")
	}
	c.SetViewport(vp)
	room.SetViewport(c.ID, vp)
	return nil
}

// HandleUserMoves updates a client's position locally for immediate zone
// feedback and forwards the raw move to the back, which remains the
// authority other clients ultimately hear from.
func (m *SessionMultiplexer) HandleUserMoves(c *Client, pos Point, raw backend.Frame) error {
	room, ok := m.roomOf(c)
	if !ok {
		return fmt.Errorf("client is not in a room")
	}
	c.SetPosition(pos)
	room.UpdatePosition(c.ID, pos)

	stream := c.RoomStream()
	if stream == nil {
		return fmt.Errorf("client has no open room stream")
	}
	return stream.Send(raw)
}

func (m *SessionMultiplexer) roomOf(c *Client) (*PusherRoom, bool) {
	m.mu.Lock()
	f, ok := m.rooms[c.RoomURL()]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return f.room, true
}

// JoinSpace resolves and backfills a space for c, forwards the join to the
// back over the space's shared stream, and records the membership on the
// client so LeaveRoom can clean every joined space up. A client's own user
// record is also registered with the space; the first time this client's
// user id is seen here, an addSpaceUserMessage is forwarded to the back too.
func (m *SessionMultiplexer) JoinSpace(ctx context.Context, c *Client, name SpaceName) error {
	sp, err := m.getOrCreateSpace(ctx, name)
	if err != nil {
		return err
	}

	stream, ok := m.spaceStream(sp.BackID)
	if !ok {
		return fmt.Errorf("no back-end stream for space %q", name)
	}
	joinFrame, err := backend.EncodePayload("joinSpaceMessage", map[string]string{
		"space":  string(name),
		"userId": string(c.ID),
	})
	if err != nil {
		return err
	}
	if err := stream.Send(joinFrame); err != nil {
		return fmt.Errorf("send joinSpaceMessage: %w", err)
	}

	sp.AddWatcher(c.ID)
	if sp.AddUser(c.SpaceUserIdentity()) {
		addFrame, err := backend.EncodePayload("addSpaceUserMessage", map[string]any{
			"space": string(name),
			"user":  c.SpaceUserIdentity(),
		})
		if err != nil {
			return err
		}
		if err := stream.Send(addFrame); err != nil {
			return fmt.Errorf("send addSpaceUserMessage: %w", err)
		}
	}

	c.AddSpace(name)
	m.registerClient(c)
	return nil
}

// LeaveSpace removes c's watch and its own user record from a space, and
// drops the space once it has no watchers and no users left.
func (m *SessionMultiplexer) LeaveSpace(c *Client, name SpaceName) {
	m.spaceMu.Lock()
	sp, ok := m.spaces[name]
	m.spaceMu.Unlock()
	if !ok {
		c.RemoveSpace(name)
		return
	}
	sp.RemoveWatcher(c.ID)
	sp.LocalRemoveUser(c.SpaceUser().ID)
	c.RemoveSpace(name)
	if sp.IsEmpty() {
		m.spaceMu.Lock()
		if sp.IsEmpty() {
			delete(m.spaces, name)
			delete(m.spaceBackID, name)
		}
		m.spaceMu.Unlock()
	}
}

// requireSpace resolves a space the client has joined, or an
// ErrUnknownSpace listing the client's actual memberships.
func (m *SessionMultiplexer) requireSpace(c *Client, name SpaceName) (*Space, error) {
	if !c.InSpace(name) {
		return nil, &ErrUnknownSpace{Requested: name, Known: c.SpaceNames()}
	}
	m.spaceMu.Lock()
	sp, ok := m.spaces[name]
	m.spaceMu.Unlock()
	if !ok {
		return nil, &ErrUnknownSpace{Requested: name, Known: c.SpaceNames()}
	}
	return sp, nil
}

// HandleAddFilter, HandleUpdateFilter and HandleRemoveFilter manage a
// client's named per-space filters.
func (m *SessionMultiplexer) HandleAddFilter(c *Client, name SpaceName, filter SpaceFilter) error {
	sp, err := m.requireSpace(c, name)
	if err != nil {
		return err
	}
	sp.HandleAddFilter(c.ID, filter)
	return nil
}

func (m *SessionMultiplexer) HandleUpdateFilter(c *Client, name SpaceName, filter SpaceFilter) error {
	sp, err := m.requireSpace(c, name)
	if err != nil {
		return err
	}
	sp.HandleUpdateFilter(c.ID, filter)
	return nil
}

func (m *SessionMultiplexer) HandleRemoveFilter(c *Client, name SpaceName, filterName string) error {
	sp, err := m.requireSpace(c, name)
	if err != nil {
		return err
	}
	sp.HandleRemoveFilter(c.ID, filterName)
	return nil
}

// HandleSetPlayerDetails forwards the raw setPlayerDetailsMessage to the
// back over the client's room stream, then updates the client's own
// SpaceUser record across every space it has joined, sending only the
// fields that actually changed.
func (m *SessionMultiplexer) HandleSetPlayerDetails(c *Client, before, after SpaceUser, raw backend.Frame) error {
	stream := c.RoomStream()
	if stream == nil {
		return fmt.Errorf("client has no open room stream")
	}
	if err := stream.Send(raw); err != nil {
		return fmt.Errorf("send setPlayerDetailsMessage: %w", err)
	}

	mask := DiffPlayerDetails(before, after)
	if len(mask) == 0 {
		return nil
	}
	for _, name := range c.SpaceNames() {
		m.spaceMu.Lock()
		sp, ok := m.spaces[name]
		m.spaceMu.Unlock()
		if ok {
			sp.LocalUpdateUser(after, mask)
		}
	}
	return nil
}

// HandleUpdateSpaceMetadata merges a client-supplied metadata update into a
// space silently (watchers are notified once the back echoes the change
// back as a remote-originated update) and forwards the same update to the
// back over the space's shared stream.
func (m *SessionMultiplexer) HandleUpdateSpaceMetadata(c *Client, name SpaceName, meta map[string]any) error {
	sp, err := m.requireSpace(c, name)
	if err != nil {
		return err
	}
	sp.LocalUpdateMetadata(meta, false)

	stream, ok := m.spaceStream(sp.BackID)
	if !ok {
		return fmt.Errorf("no back-end stream for space %q", name)
	}
	frame, err := backend.EncodePayload("updateSpaceMetadataMessage", map[string]any{
		"space": string(name),
		"meta":  meta,
	})
	if err != nil {
		return err
	}
	return stream.Send(frame)
}

// HandleUpdateSpaceUser applies a client-originated field-mask merge to the
// client's own canonical SpaceUser record, then delegates the merged result
// to the space (which mirrors it locally and fans it out to watchers) and
// forwards the same masked update to the back.
func (m *SessionMultiplexer) HandleUpdateSpaceUser(c *Client, name SpaceName, update SpaceUser, mask FieldMask) error {
	sp, err := m.requireSpace(c, name)
	if err != nil {
		return err
	}
	merged := c.MergeSpaceUser(update, mask)
	sp.UpdateUser(merged, mask)

	stream, ok := m.spaceStream(sp.BackID)
	if !ok {
		return fmt.Errorf("no back-end stream for space %q", name)
	}
	frame, err := backend.EncodePayload("updateSpaceUserMessage", map[string]any{
		"space": string(name),
		"user":  merged,
		"mask":  mask,
	})
	if err != nil {
		return err
	}
	return stream.Send(frame)
}

// eventEnvelope stamps an event's sender before fan-out, since the
// recipient has no other way to learn who raised it.
type eventEnvelope struct {
	SenderUserID UserID `json:"senderUserId"`
	Data         any    `json:"data"`
}

// SendPublicEvent and SendPrivateEvent deliver a client's event onto a
// space, either broadcast to every other watcher or targeted at one
// recipient. Both require the client to have joined the space and stamp
// the sender's userId before forwarding.
func (m *SessionMultiplexer) SendPublicEvent(c *Client, name SpaceName, tag string, payload any) error {
	sp, err := m.requireSpace(c, name)
	if err != nil {
		return err
	}
	env := eventEnvelope{SenderUserID: c.UserID(), Data: payload}
	for w := range sp.watcherSet() {
		if w == c.ID {
			continue
		}
		if other, ok := m.lookupClient(w); ok {
			other.Outbound.Enqueue(tag, env, "")
		}
	}
	return nil
}

func (m *SessionMultiplexer) SendPrivateEvent(c *Client, name SpaceName, recipient ClientID, tag string, payload any) error {
	if _, err := m.requireSpace(c, name); err != nil {
		return err
	}
	other, ok := m.lookupClient(recipient)
	if !ok {
		return fmt.Errorf("recipient %q not connected", recipient)
	}
	other.Outbound.Enqueue(tag, eventEnvelope{SenderUserID: c.UserID(), Data: payload}, "")
	return nil
}

// NotifyMe re-sends a client its own current SpaceUser snapshot for every
// joined space.
func (m *SessionMultiplexer) NotifyMe(c *Client) {
	for _, name := range c.SpaceNames() {
		m.spaceMu.Lock()
		sp, ok := m.spaces[name]
		m.spaceMu.Unlock()
		if !ok {
			continue
		}
		if u, found := sp.userSnapshot(c.UserID()); found {
			c.Outbound.Enqueue("userUpdatedMessage", u, "")
		}
	}
}
