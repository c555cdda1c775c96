package pusher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fenwickgames/pusher/internal/adminclient"
	"github.com/fenwickgames/pusher/internal/backend"
	"github.com/fenwickgames/pusher/internal/embed"
	"github.com/fenwickgames/pusher/internal/logging"
	"github.com/fenwickgames/pusher/internal/metrics"
	"go.uber.org/zap"
)

// roomFuture is the get-or-create promise for a PusherRoom: concurrent
// callers racing to join the same room id converge on one creation.
type roomFuture struct {
	ready chan struct{}
	room  *PusherRoom
	err   error
}

// spaceStreamFuture is the analogous promise for the one back-end stream a
// SpaceName's backId shares across every Space instance that resolves
// there.
type spaceStreamFuture struct {
	ready  chan struct{}
	stream *backend.SpaceStream
	err    error
}

// SessionMultiplexer is the top-level object a connection handler drives:
// the map of rooms and spaces, the back-end directory, and the
// ZoneEventListener wiring that turns PusherRoom visibility changes into
// batched outbound frames.
type SessionMultiplexer struct {
	dir *backend.Directory

	// ForwardUnknownSpaceKicks controls what KickOffSpaceUser does when the
	// named space has no local watcher: false (the default) rejects the
	// kick outright; true forwards it to the space's hashed back-end anyway,
	// for operators who want a kick to reach a space this instance has
	// never locally joined.
	ForwardUnknownSpaceKicks bool

	// Admin and Prober back the query handlers (room tags, member search,
	// embeddable-website checks, oauth refresh). Both are optional: a query
	// against a nil collaborator answers with an error frame instead of
	// panicking (the room-tags query answers with an empty list instead), so
	// a deployment that has no admin service configured can still run with
	// the query surface simply unavailable.
	Admin  *adminclient.Client
	Prober *embed.Prober

	flushInterval time.Duration
	maxBatch      int

	mu      sync.Mutex
	rooms   map[RoomURL]*roomFuture
	clients map[ClientID]*Client

	spaceMu     sync.Mutex
	spaces      map[SpaceName]*Space
	spaceBackID map[SpaceName]int
	spaceConns  map[int]*spaceStreamFuture

	watchdogMu sync.Mutex
	watchdogs  map[int]*time.Timer
}

// spacePingInterval is the longest the back may go without a pingMessage on
// a shared space stream before the stream is considered lost.
const spacePingInterval = 60 * time.Second

func NewSessionMultiplexer(dir *backend.Directory, flushInterval time.Duration, maxBatch int) *SessionMultiplexer {
	return &SessionMultiplexer{
		dir:           dir,
		flushInterval: flushInterval,
		maxBatch:      maxBatch,
		rooms:         make(map[RoomURL]*roomFuture),
		clients:       make(map[ClientID]*Client),
		spaces:        make(map[SpaceName]*Space),
		spaceBackID:   make(map[SpaceName]int),
		spaceConns:    make(map[int]*spaceStreamFuture),
		watchdogs:     make(map[int]*time.Timer),
	}
}

// getOrCreateRoom resolves url to a PusherRoom, creating it at most once
// even under concurrent callers: the first caller to observe a missing
// entry installs a pending future and does the work; every other caller
// (this one included, on a second call) blocks on that future's channel.
func (m *SessionMultiplexer) getOrCreateRoom(url RoomURL) (*PusherRoom, error) {
	m.mu.Lock()
	if f, ok := m.rooms[url]; ok {
		m.mu.Unlock()
		<-f.ready
		return f.room, f.err
	}
	f := &roomFuture{ready: make(chan struct{})}
	m.rooms[url] = f
	m.mu.Unlock()

	f.room = NewPusherRoom(url, m)
	close(f.ready)
	return f.room, nil
}

// releaseRoomIfEmpty removes url from the room map if, at the time the lock
// is taken, the room is still empty. Re-checking under the lock (rather
// than trusting an IsEmpty snapshot taken earlier) is what prevents
// deleting a room a concurrent joiner just populated.
func (m *SessionMultiplexer) releaseRoomIfEmpty(url RoomURL) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rooms[url]
	if !ok || f.room == nil {
		return
	}
	if f.room.IsEmpty() {
		delete(m.rooms, url)
		metrics.ActiveRooms.Set(float64(len(m.rooms)))
	}
}

// getOrCreateSpaceStream resolves a back-end index to its shared WatchSpace
// stream, using the same promise pattern as getOrCreateRoom.
func (m *SessionMultiplexer) getOrCreateSpaceStream(ctx context.Context, backID int) (*backend.SpaceStream, error) {
	m.spaceMu.Lock()
	if f, ok := m.spaceConns[backID]; ok {
		m.spaceMu.Unlock()
		<-f.ready
		return f.stream, f.err
	}
	f := &spaceStreamFuture{ready: make(chan struct{})}
	m.spaceConns[backID] = f
	m.spaceMu.Unlock()

	f.stream, f.err = m.dir.GetSpaceClient(ctx, backID)
	close(f.ready)
	if f.err != nil {
		m.spaceMu.Lock()
		delete(m.spaceConns, backID)
		m.spaceMu.Unlock()
	} else {
		go m.pumpSpaceStream(backID, f.stream)
	}
	return f.stream, f.err
}

// getOrCreateSpace resolves a space name to its local Space, dialing the
// shared back-end stream for its backId on first use.
func (m *SessionMultiplexer) getOrCreateSpace(ctx context.Context, name SpaceName) (*Space, error) {
	m.spaceMu.Lock()
	if sp, ok := m.spaces[name]; ok {
		m.spaceMu.Unlock()
		return sp, nil
	}
	m.spaceMu.Unlock()

	backID := m.dir.Index(string(name))
	if _, err := m.getOrCreateSpaceStream(ctx, backID); err != nil {
		return nil, fmt.Errorf("dial space stream for %q: %w", name, err)
	}

	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()
	if sp, ok := m.spaces[name]; ok {
		return sp, nil
	}
	sp := NewSpace(name, backID, m.deliverSpacePublication)
	m.spaces[name] = sp
	m.spaceBackID[name] = backID
	return sp, nil
}

// spaceStream returns the shared back-end stream for a backId, if one is
// already dialed and ready. It never dials: a space only reaches this point
// after getOrCreateSpace has already resolved its stream.
func (m *SessionMultiplexer) spaceStream(backID int) (*backend.SpaceStream, bool) {
	m.spaceMu.Lock()
	f, ok := m.spaceConns[backID]
	m.spaceMu.Unlock()
	if !ok {
		return nil, false
	}
	<-f.ready
	return f.stream, f.err == nil
}

func (m *SessionMultiplexer) registerClient(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

func (m *SessionMultiplexer) unregisterClient(id ClientID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
}

func (m *SessionMultiplexer) lookupClient(id ClientID) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// deliverSpacePublication is the Space notify callback: it batches the
// publication onto the watcher's own outbound emitter if still connected.
func (m *SessionMultiplexer) deliverSpacePublication(watcher ClientID, pub SpacePublication) {
	c, ok := m.lookupClient(watcher)
	if !ok {
		return
	}
	c.Outbound.Enqueue(pub.Kind, pub, "")
}

// pumpSpaceStream reads frames off a shared WatchSpace stream until it
// errors, demultiplexing each into the local Space it targets. The back is
// expected to ping at least every spacePingInterval; armSpaceWatchdog
// guards against a back that has gone silent without closing the stream.
func (m *SessionMultiplexer) pumpSpaceStream(backID int, stream *backend.SpaceStream) {
	ctx := context.Background()
	m.armSpaceWatchdog(backID)
	for {
		f, err := stream.Recv()
		if err != nil {
			logging.Warn(ctx, "space stream lost", zap.Int("backendIndex", backID), zap.Error(err))
			m.evictSpaceBackend(backID)
			return
		}
		m.dispatchSpaceFrame(backID, stream, f)
	}
}

// armSpaceWatchdog (re)starts the 60-second ping timeout for a back-end's
// shared space stream, replacing any timer already pending.
func (m *SessionMultiplexer) armSpaceWatchdog(backID int) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if t, ok := m.watchdogs[backID]; ok {
		t.Stop()
	}
	m.watchdogs[backID] = time.AfterFunc(spacePingInterval, func() {
		m.evictSpaceBackend(backID)
	})
}

func (m *SessionMultiplexer) cancelSpaceWatchdog(backID int) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if t, ok := m.watchdogs[backID]; ok {
		t.Stop()
		delete(m.watchdogs, backID)
	}
}

// evictSpaceBackend ends the shared stream for backID and removes every
// Space mirrored from it, since none of them are reachable any longer.
// Individual client sockets are left alone; their next write will fail and
// surface as a client-level error.
func (m *SessionMultiplexer) evictSpaceBackend(backID int) {
	m.cancelSpaceWatchdog(backID)

	m.spaceMu.Lock()
	f, hadStream := m.spaceConns[backID]
	delete(m.spaceConns, backID)
	for name, sp := range m.spaces {
		if sp.BackID == backID {
			delete(m.spaces, name)
			delete(m.spaceBackID, name)
		}
	}
	m.spaceMu.Unlock()

	if hadStream && f.stream != nil {
		_ = f.stream.CloseSend()
	}
}

// dispatchSpaceFrame routes one back-originated frame off a shared space
// stream per the southbound dispatch table: ping/pong keeps the watchdog
// alive, kickOffMessage is echoed straight back (legacy protocol), and
// every other tag is a space mutation or event addressed by the envelope's
// space name.
func (m *SessionMultiplexer) dispatchSpaceFrame(backID int, stream *backend.SpaceStream, f backend.Frame) {
	ctx := context.Background()
	switch f.Tag {
	case "pingMessage":
		m.armSpaceWatchdog(backID)
		pong, err := backend.EncodePayload("pongMessage", struct{}{})
		if err == nil {
			_ = stream.Send(pong)
		}
		return
	case "kickOffMessage":
		_ = stream.Send(f)
		return
	}

	type envelope struct {
		Space     SpaceName      `json:"space"`
		User      SpaceUser      `json:"user"`
		Mask      FieldMask      `json:"mask"`
		Meta      map[string]any `json:"meta"`
		Event     string         `json:"event"`
		Recipient string         `json:"recipient"`
		Data      any            `json:"data"`
	}
	var env envelope
	if err := backend.DecodePayload(f, &env); err != nil {
		logging.Warn(ctx, "dropping malformed space frame", zap.String("tag", f.Tag), zap.Error(err))
		return
	}

	m.spaceMu.Lock()
	sp, ok := m.spaces[env.Space]
	m.spaceMu.Unlock()
	if !ok {
		return
	}

	switch f.Tag {
	case "addSpaceUserMessage":
		sp.LocalAddUser(env.User)
	case "updateSpaceUserMessage":
		sp.LocalUpdateUser(env.User, env.Mask)
	case "removeSpaceUserMessage":
		sp.LocalRemoveUser(env.User.ID)
	case "updateSpaceMetadataMessage":
		sp.LocalUpdateMetadata(env.Meta, true)
	case "publicEvent":
		for w := range sp.watcherSet() {
			if c, ok := m.lookupClient(w); ok {
				c.Outbound.Enqueue(f.Tag, eventEnvelope{Data: env.Data}, "")
			}
		}
	case "privateEvent":
		if c, ok := m.lookupClient(ClientID(env.Recipient)); ok {
			c.Outbound.Enqueue(f.Tag, eventEnvelope{Data: env.Data}, "")
		}
	default:
		sp.LocalUpdateUser(env.User, env.Mask)
	}
}

// ZoneEventListener implementation: translate PusherRoom visibility deltas
// into batched outbound frames for the watching client.

func (m *SessionMultiplexer) OnUserEnters(watcher ClientID, subject ClientID) {
	m.enqueueZone(watcher, "userEnteredMessage", subject, "")
}

func (m *SessionMultiplexer) OnUserMoves(watcher ClientID, subject ClientID) {
	m.enqueueZone(watcher, "userMovedMessage", subject, "user:"+string(subject))
}

func (m *SessionMultiplexer) OnUserLeaves(watcher ClientID, subject ClientID) {
	m.enqueueZone(watcher, "userLeftMessage", subject, "")
}

func (m *SessionMultiplexer) OnGroupEnters(watcher ClientID, groupID string) {
	m.enqueueZone(watcher, "groupEnteredMessage", ClientID(groupID), "")
}

func (m *SessionMultiplexer) OnGroupMoves(watcher ClientID, groupID string) {
	m.enqueueZone(watcher, "groupUpdateMessage", ClientID(groupID), "group:"+groupID)
}

func (m *SessionMultiplexer) OnGroupLeaves(watcher ClientID, groupID string) {
	m.enqueueZone(watcher, "groupLeftMessage", ClientID(groupID), "")
}

func (m *SessionMultiplexer) enqueueZone(watcher ClientID, tag string, subject ClientID, moveKey string) {
	c, ok := m.lookupClient(watcher)
	if !ok {
		return
	}
	c.Outbound.Enqueue(tag, subject, moveKey)
	metrics.WebsocketEvents.WithLabelValues(tag, "ok").Inc()
}
