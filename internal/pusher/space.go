package pusher

import "sync"

// SpacePublication is an outbound notification from a Space to one watching
// client: either a full user snapshot (add/remove) or a masked update.
type SpacePublication struct {
	Kind string // "userAdded" | "userUpdated" | "userRemoved"
	User SpaceUser
	Mask FieldMask
}

// Space is a cross-room channel (chat/presence) spanning every room wired
// to the same back-end. Users are keyed by back-assigned UserID,
// independent of which room they are physically in. Each watching client
// may install named filters restricting which users it is notified about.
type Space struct {
	Name    SpaceName
	BackID  int
	notify  func(watcher ClientID, pub SpacePublication)

	mu       sync.RWMutex
	users    map[UserID]SpaceUser
	watchers map[ClientID]struct{}
	filters  map[ClientID]map[string]SpaceFilter
	metadata map[string]any
}

func NewSpace(name SpaceName, backID int, notify func(ClientID, SpacePublication)) *Space {
	return &Space{
		Name:     name,
		BackID:   backID,
		notify:   notify,
		users:    make(map[UserID]SpaceUser),
		watchers: make(map[ClientID]struct{}),
		filters:  make(map[ClientID]map[string]SpaceFilter),
		metadata: make(map[string]any),
	}
}

// AddWatcher registers a client as watching this space and backfills it with
// every user currently visible under the client's installed filters.
func (s *Space) AddWatcher(watcher ClientID) {
	s.mu.Lock()
	s.watchers[watcher] = struct{}{}
	snapshot := make([]SpaceUser, 0, len(s.users))
	for _, u := range s.users {
		snapshot = append(snapshot, u)
	}
	s.mu.Unlock()

	for _, u := range snapshot {
		if s.visibleTo(watcher, u) {
			s.notify(watcher, SpacePublication{Kind: "userAdded", User: u})
		}
	}
}

// RemoveWatcher stops a client from receiving updates and drops its filters.
func (s *Space) RemoveWatcher(watcher ClientID) {
	s.mu.Lock()
	delete(s.watchers, watcher)
	delete(s.filters, watcher)
	s.mu.Unlock()
}

// AddUser registers a locally-connected client's own user record with the
// space, fanning it out to watchers exactly like a remote-originated add.
// It reports whether this was the user's first registration here, which the
// caller uses to decide whether an addSpaceUserMessage still needs to be
// forwarded to the back (a user already present only had its record
// refreshed, so no add needs re-announcing).
func (s *Space) AddUser(user SpaceUser) bool {
	s.mu.Lock()
	_, existed := s.users[user.ID]
	s.users[user.ID] = user
	watchers := s.watcherSnapshot()
	s.mu.Unlock()

	for _, w := range watchers {
		if s.visibleTo(w, user) {
			s.notify(w, SpacePublication{Kind: "userAdded", User: user})
		}
	}
	return !existed
}

// LocalAddUser inserts (or replaces) the canonical record for a user that
// just joined the space from a remote (back-originated) event, and fans the
// add out to every watcher whose filters admit it.
func (s *Space) LocalAddUser(user SpaceUser) {
	s.mu.Lock()
	s.users[user.ID] = user
	watchers := s.watcherSnapshot()
	s.mu.Unlock()

	for _, w := range watchers {
		if s.visibleTo(w, user) {
			s.notify(w, SpacePublication{Kind: "userAdded", User: user})
		}
	}
}

// LocalUpdateUser applies a masked update to a user already known to the
// space and fans it out.
func (s *Space) LocalUpdateUser(update SpaceUser, mask FieldMask) SpaceUser {
	s.mu.Lock()
	before, ok := s.users[update.ID]
	if !ok {
		s.mu.Unlock()
		return update
	}
	merged := MergeSpaceUser(before, update, mask)
	s.users[update.ID] = merged
	watchers := s.watcherSnapshot()
	s.mu.Unlock()

	for _, w := range watchers {
		wasVisible := s.visibleTo(w, before)
		nowVisible := s.visibleTo(w, merged)
		switch {
		case !wasVisible && nowVisible:
			s.notify(w, SpacePublication{Kind: "userAdded", User: merged})
		case wasVisible && !nowVisible:
			s.notify(w, SpacePublication{Kind: "userRemoved", User: merged})
		case wasVisible && nowVisible:
			s.notify(w, SpacePublication{Kind: "userUpdated", User: merged, Mask: mask})
		}
	}
	return merged
}

// UpdateUser is the client-originated counterpart to LocalUpdateUser: it
// mirrors the same masked merge and fan-out locally; the caller is
// responsible for forwarding the update to the back separately.
func (s *Space) UpdateUser(update SpaceUser, mask FieldMask) SpaceUser {
	return s.LocalUpdateUser(update, mask)
}

// LocalUpdateMetadata merges keys into the space's shared metadata.
// propagate controls whether watchers are notified: a remote-originated
// update propagates immediately, while a client-originated one merges
// silently and relies on the back's own echo to fan out once applied there.
func (s *Space) LocalUpdateMetadata(updates map[string]any, propagate bool) {
	s.mu.Lock()
	for k, v := range updates {
		s.metadata[k] = v
	}
	watchers := s.watcherSnapshot()
	s.mu.Unlock()

	if !propagate {
		return
	}
	for _, w := range watchers {
		s.notify(w, SpacePublication{Kind: "userUpdated", Mask: FieldMask{"metadata"}})
	}
}

// LocalRemoveUser deletes the canonical record for a user leaving the space
// and fans a removal out to every watcher that could currently see it.
func (s *Space) LocalRemoveUser(id UserID) {
	s.mu.Lock()
	user, ok := s.users[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.users, id)
	watchers := s.watcherSnapshot()
	s.mu.Unlock()

	for _, w := range watchers {
		if s.visibleTo(w, user) {
			s.notify(w, SpacePublication{Kind: "userRemoved", User: user})
		}
	}
}

// HandleAddFilter installs or replaces a named filter for a watcher.
// Users newly excluded are retroactively removed; no user is ever newly
// added, even when replacing a same-name filter widens visibility.
func (s *Space) HandleAddFilter(watcher ClientID, filter SpaceFilter) {
	s.mu.Lock()
	if s.filters[watcher] == nil {
		s.filters[watcher] = make(map[string]SpaceFilter)
	}
	wasVisible := make(map[UserID]bool, len(s.users))
	for id, u := range s.users {
		wasVisible[id] = s.visibleToLocked(watcher, u)
	}
	s.filters[watcher][filter.Name] = filter
	var removed []SpaceUser
	for id, u := range s.users {
		if wasVisible[id] && !s.visibleToLocked(watcher, u) {
			removed = append(removed, u)
		}
	}
	s.mu.Unlock()

	for _, u := range removed {
		s.notify(watcher, SpacePublication{Kind: "userRemoved", User: u})
	}
}

// HandleUpdateFilter replaces the predicate of an existing named filter,
// reconciling visibility the same way adding one does, in both directions.
// An update naming a filter the watcher has not installed is dropped.
func (s *Space) HandleUpdateFilter(watcher ClientID, filter SpaceFilter) {
	s.mu.Lock()
	if _, ok := s.filters[watcher][filter.Name]; !ok {
		s.mu.Unlock()
		return
	}
	before := make(map[UserID]bool, len(s.users))
	for id, u := range s.users {
		before[id] = s.visibleToLocked(watcher, u)
	}
	s.filters[watcher][filter.Name] = filter
	var added, removed []SpaceUser
	for id, u := range s.users {
		now := s.visibleToLocked(watcher, u)
		if !before[id] && now {
			added = append(added, u)
		} else if before[id] && !now {
			removed = append(removed, u)
		}
	}
	s.mu.Unlock()

	for _, u := range added {
		s.notify(watcher, SpacePublication{Kind: "userAdded", User: u})
	}
	for _, u := range removed {
		s.notify(watcher, SpacePublication{Kind: "userRemoved", User: u})
	}
}

// HandleRemoveFilter deletes a named filter, restoring visibility of any
// users it was excluding (subject to any other filter still in force).
func (s *Space) HandleRemoveFilter(watcher ClientID, filterName string) {
	s.mu.Lock()
	before := make(map[UserID]bool, len(s.users))
	for id, u := range s.users {
		before[id] = s.visibleToLocked(watcher, u)
	}
	if s.filters[watcher] != nil {
		delete(s.filters[watcher], filterName)
	}
	var added []SpaceUser
	for id, u := range s.users {
		if !before[id] && s.visibleToLocked(watcher, u) {
			added = append(added, u)
		}
	}
	s.mu.Unlock()

	for _, u := range added {
		s.notify(watcher, SpacePublication{Kind: "userAdded", User: u})
	}
}

// IsEmpty reports whether the space has no watchers and no users, making it
// eligible for disposal.
func (s *Space) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers) == 0 && len(s.users) == 0
}

// watcherSet returns a copy of the current watcher set, safe to range over
// without holding the space's lock.
func (s *Space) watcherSet() map[ClientID]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ClientID]struct{}, len(s.watchers))
	for w := range s.watchers {
		out[w] = struct{}{}
	}
	return out
}

// userSnapshot returns the canonical record for a user id, if known.
func (s *Space) userSnapshot(id UserID) (SpaceUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *Space) watcherSnapshot() []ClientID {
	out := make([]ClientID, 0, len(s.watchers))
	for w := range s.watchers {
		out = append(out, w)
	}
	return out
}

func (s *Space) visibleTo(watcher ClientID, user SpaceUser) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibleToLocked(watcher, user)
}

// visibleToLocked requires s.mu to be held (read or write).
func (s *Space) visibleToLocked(watcher ClientID, user SpaceUser) bool {
	filters := s.filters[watcher]
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Match == nil {
			continue
		}
		if !f.Match(user) {
			return false
		}
	}
	return true
}
