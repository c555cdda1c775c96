package pusher

import (
	"sync"

	"github.com/fenwickgames/pusher/internal/backend"
)

// SessionState is the per-client lifecycle state machine.
type SessionState int

const (
	StateUpgraded SessionState = iota
	StateJoiningRoom
	StateInRoom
	StateDisconnecting
	StateClosed
)

// Client is a pusher's per-connection handle: the mutable SocketData plus
// everything needed to push frames back down the client's own WebSocket.
// Its own fields (state, position, viewport, spaces, userID) can be
// written both from the client's own request-handling goroutine and from
// the room's back-stream reader goroutine (e.g. on roomJoinedMessage
// assigning userID), so access goes through mu.
type Client struct {
	ID        ClientID
	IPAddress string
	Tags      []string
	Name      string
	ChatID    string

	Outbound *BatchEmitter

	mu            sync.Mutex
	state         SessionState
	userID        UserID
	roomURL       RoomURL
	roomStream    *backend.RoomStream
	position      Point
	viewport      Rect
	spaces        map[SpaceName]struct{}
	disconnecting bool
	spaceUser     SpaceUser
}

func NewClient(id ClientID, ip string, tags []string, name string, out *BatchEmitter) *Client {
	return &Client{
		ID:        id,
		IPAddress: ip,
		Tags:      tags,
		Name:      name,
		Outbound:  out,
		state:     StateUpgraded,
		spaces:    make(map[SpaceName]struct{}),
	}
}

func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SetState(s SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// BeginDisconnect flips the sticky disconnecting gate exactly once and
// reports whether this call was the one that flipped it, so callers can
// tell a racing second disconnect request to no-op.
func (c *Client) BeginDisconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnecting {
		return false
	}
	c.disconnecting = true
	c.state = StateDisconnecting
	return true
}

func (c *Client) IsDisconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnecting
}

func (c *Client) UserID() UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) SetUserID(id UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

func (c *Client) RoomURL() RoomURL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomURL
}

func (c *Client) SetRoomURL(url RoomURL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomURL = url
}

// RoomStream returns the client's own back-end room stream, or nil if it
// has not joined a room (or has already left one).
func (c *Client) RoomStream() *backend.RoomStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomStream
}

func (c *Client) setRoomStream(s *backend.RoomStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomStream = s
}

func (c *Client) Position() Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *Client) SetPosition(p Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = p
}

func (c *Client) Viewport() Rect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

func (c *Client) SetViewport(r Rect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewport = r
}

func (c *Client) AddSpace(name SpaceName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spaces[name] = struct{}{}
}

func (c *Client) RemoveSpace(name SpaceName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.spaces, name)
}

func (c *Client) InSpace(name SpaceName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.spaces[name]
	return ok
}

// SpaceUser returns the client's own canonical SpaceUser record, mirrored
// across every space it has joined via field-mask merges.
func (c *Client) SpaceUser() SpaceUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spaceUser
}

// SpaceUserIdentity returns the client's canonical SpaceUser record, seeding
// its id and name from the connection's own identity the first time either
// is still unset. Later calls just return whatever field-mask merges have
// already accumulated.
func (c *Client) SpaceUserIdentity() SpaceUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spaceUser.ID == 0 {
		c.spaceUser.ID = c.userID
	}
	if c.spaceUser.Name == "" {
		c.spaceUser.Name = c.Name
	}
	return c.spaceUser
}

// MergeSpaceUser applies a masked update to the client's own canonical
// record and returns the resulting merged value.
func (c *Client) MergeSpaceUser(update SpaceUser, mask FieldMask) SpaceUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spaceUser = MergeSpaceUser(c.spaceUser, update, mask)
	return c.spaceUser
}

func (c *Client) SpaceNames() []SpaceName {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SpaceName, 0, len(c.spaces))
	for n := range c.spaces {
		out = append(out, n)
	}
	return out
}
