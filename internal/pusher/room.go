package pusher

import (
	"sync"

	ksets "k8s.io/utils/set"
)

// ZoneEventListener receives the enter/move/leave notifications a
// PusherRoom computes as clients' positions cross other clients' viewport
// boundaries. It is implemented by the multiplexer, which turns each
// callback into a batched outbound message to the watching client.
type ZoneEventListener interface {
	OnUserEnters(watcher ClientID, subject ClientID)
	OnUserMoves(watcher ClientID, subject ClientID)
	OnUserLeaves(watcher ClientID, subject ClientID)
	OnGroupEnters(watcher ClientID, groupID string)
	OnGroupMoves(watcher ClientID, groupID string)
	OnGroupLeaves(watcher ClientID, groupID string)
}

type roomEntry struct {
	client   ClientID
	position Point
	viewport Rect
}

// PusherRoom is one authoritative-world room: the set of clients currently
// joined plus enough spatial bookkeeping (per-client position and last
// reported viewport) to compute zone enter/move/leave notifications without
// consulting the back on every movement.
//
// Groups (clusters of nearby players, formed upstream by the back) are
// tracked the same way under a string id instead of a ClientID.
type PusherRoom struct {
	URL      RoomURL
	listener ZoneEventListener

	mu              sync.RWMutex
	clients         map[ClientID]*roomEntry
	groups          map[string]Point
	version         int64
	externalVersion int64
}

func NewPusherRoom(url RoomURL, listener ZoneEventListener) *PusherRoom {
	return &PusherRoom{
		URL:      url,
		listener: listener,
		clients:  make(map[ClientID]*roomEntry),
		groups:   make(map[string]Point),
	}
}

// Join adds a client to the room with no reported position or viewport yet.
func (r *PusherRoom) Join(id ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; ok {
		return
	}
	r.clients[id] = &roomEntry{client: id}
	r.version++
}

// Leave removes a client and notifies every watcher who currently has it in
// view, per the "leave is always the last event for an entity" ordering
// guarantee.
func (r *PusherRoom) Leave(id ClientID) {
	r.mu.Lock()
	leaving, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	r.version++
	watchers := r.watchersOf(leaving.position, id)
	r.mu.Unlock()

	for _, w := range watchers {
		r.listener.OnUserLeaves(w, id)
	}
}

// watchersOf returns every other client whose current viewport contains pos.
// Callers must hold r.mu.
func (r *PusherRoom) watchersOf(pos Point, exclude ClientID) []ClientID {
	var out []ClientID
	for id, e := range r.clients {
		if id == exclude {
			continue
		}
		if e.viewport.Contains(pos) {
			out = append(out, id)
		}
	}
	return out
}

// SetViewport updates a client's reported viewport and emits enter/leave for
// every other tracked entity (user or group) whose visibility to this
// client changed as a result.
func (r *PusherRoom) SetViewport(id ClientID, vp Rect) {
	r.mu.Lock()
	e, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	old := e.viewport
	e.viewport = vp
	r.version++

	type delta struct {
		subject ClientID
		enter   bool
	}
	var userDeltas []delta
	for otherID, other := range r.clients {
		if otherID == id {
			continue
		}
		was := old.Contains(other.position)
		now := vp.Contains(other.position)
		if was == now {
			continue
		}
		userDeltas = append(userDeltas, delta{subject: otherID, enter: now})
	}
	type gdelta struct {
		group string
		enter bool
	}
	var groupDeltas []gdelta
	for gid, pos := range r.groups {
		was := old.Contains(pos)
		now := vp.Contains(pos)
		if was == now {
			continue
		}
		groupDeltas = append(groupDeltas, gdelta{group: gid, enter: now})
	}
	r.mu.Unlock()

	for _, d := range userDeltas {
		if d.enter {
			r.listener.OnUserEnters(id, d.subject)
		} else {
			r.listener.OnUserLeaves(id, d.subject)
		}
	}
	for _, d := range groupDeltas {
		if d.enter {
			r.listener.OnGroupEnters(id, d.group)
		} else {
			r.listener.OnGroupLeaves(id, d.group)
		}
	}
}

// UpdatePosition records a client's new position and notifies every watcher
// (other client whose viewport covers it) of enter, move, or leave,
// preserving enter-before-move-before-leave ordering per entity.
func (r *PusherRoom) UpdatePosition(id ClientID, pos Point) {
	r.mu.Lock()
	e, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	old := e.position
	e.position = pos
	r.version++

	type delta struct {
		watcher ClientID
		kind    int // 0=enter 1=move 2=leave
	}
	var deltas []delta
	for watcherID, w := range r.clients {
		if watcherID == id {
			continue
		}
		was := w.viewport.Contains(old)
		now := w.viewport.Contains(pos)
		switch {
		case !was && now:
			deltas = append(deltas, delta{watcher: watcherID, kind: 0})
		case was && now:
			deltas = append(deltas, delta{watcher: watcherID, kind: 1})
		case was && !now:
			deltas = append(deltas, delta{watcher: watcherID, kind: 2})
		}
	}
	r.mu.Unlock()

	for _, d := range deltas {
		switch d.kind {
		case 0:
			r.listener.OnUserEnters(d.watcher, id)
		case 1:
			r.listener.OnUserMoves(d.watcher, id)
		case 2:
			r.listener.OnUserLeaves(d.watcher, id)
		}
	}
}

// UpdateGroupPosition records or moves a group position, reported upstream
// by the back, and notifies affected watchers the same way UpdatePosition
// does for users.
func (r *PusherRoom) UpdateGroupPosition(groupID string, pos Point) {
	r.mu.Lock()
	old, existed := r.groups[groupID]
	r.groups[groupID] = pos
	r.version++

	type delta struct {
		watcher ClientID
		kind    int
	}
	var deltas []delta
	for watcherID, w := range r.clients {
		var was bool
		if existed {
			was = w.viewport.Contains(old)
		}
		now := w.viewport.Contains(pos)
		switch {
		case !was && now:
			deltas = append(deltas, delta{watcher: watcherID, kind: 0})
		case was && now:
			deltas = append(deltas, delta{watcher: watcherID, kind: 1})
		case was && !now:
			deltas = append(deltas, delta{watcher: watcherID, kind: 2})
		}
	}
	r.mu.Unlock()

	for _, d := range deltas {
		switch d.kind {
		case 0:
			r.listener.OnGroupEnters(d.watcher, groupID)
		case 1:
			r.listener.OnGroupMoves(d.watcher, groupID)
		case 2:
			r.listener.OnGroupLeaves(d.watcher, groupID)
		}
	}
}

// RemoveGroup deletes a group and notifies current watchers it left.
func (r *PusherRoom) RemoveGroup(groupID string) {
	r.mu.Lock()
	pos, ok := r.groups[groupID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.groups, groupID)
	r.version++
	var watchers []ClientID
	for watcherID, w := range r.clients {
		if w.viewport.Contains(pos) {
			watchers = append(watchers, watcherID)
		}
	}
	r.mu.Unlock()

	for _, w := range watchers {
		r.listener.OnGroupLeaves(w, groupID)
	}
}

// IsEmpty reports whether no client is currently joined (rooms with no
// joined clients are eligible for disposal).
func (r *PusherRoom) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) == 0
}

// Version returns a monotonically increasing counter bumped on every local
// mutation (join/leave/viewport/position changes).
func (r *PusherRoom) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// NeedsUpdate reports whether version is newer than the last version the
// back told this room about, recording version as a side effect. A repeated
// or stale version therefore always answers false: the gate is idempotent.
func (r *PusherRoom) NeedsUpdate(version int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.externalVersion {
		r.externalVersion = version
		return true
	}
	return false
}

// ExternalVersion returns the last version recorded by NeedsUpdate, without
// mutating it.
func (r *PusherRoom) ExternalVersion() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.externalVersion
}

// ClientIDs returns the set of clients currently joined.
func (r *PusherRoom) ClientIDs() ksets.Set[ClientID] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := ksets.New[ClientID]()
	for id := range r.clients {
		out.Insert(id)
	}
	return out
}
