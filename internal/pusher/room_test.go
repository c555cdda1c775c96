package pusher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) record(kind string, watcher ClientID, subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, kind+":"+string(watcher)+":"+subject)
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *recordingListener) OnUserEnters(w, s ClientID)  { l.record("enter", w, string(s)) }
func (l *recordingListener) OnUserMoves(w, s ClientID)   { l.record("move", w, string(s)) }
func (l *recordingListener) OnUserLeaves(w, s ClientID)  { l.record("leave", w, string(s)) }
func (l *recordingListener) OnGroupEnters(w ClientID, g string) { l.record("genter", w, g) }
func (l *recordingListener) OnGroupMoves(w ClientID, g string)  { l.record("gmove", w, g) }
func (l *recordingListener) OnGroupLeaves(w ClientID, g string) { l.record("gleave", w, g) }

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPusherRoom_ViewportEnterLeave(t *testing.T) {
	l := &recordingListener{}
	room := NewPusherRoom("room/a", l)

	room.Join("alice")
	room.Join("bob")
	room.UpdatePosition("bob", Point{X: 5, Y: 5})

	room.SetViewport("alice", Rect{X1: 0, Y1: 0, X2: 10, Y2: 10})
	assert.Contains(t, l.snapshot(), "enter:alice:bob")

	room.SetViewport("alice", Rect{X1: 100, Y1: 100, X2: 110, Y2: 110})
	assert.Contains(t, l.snapshot(), "leave:alice:bob")
}

func TestPusherRoom_MoveOrderingEnterBeforeMove(t *testing.T) {
	l := &recordingListener{}
	room := NewPusherRoom("room/a", l)

	room.Join("watcher")
	room.Join("mover")
	room.SetViewport("watcher", Rect{X1: 0, Y1: 0, X2: 100, Y2: 100})

	room.UpdatePosition("mover", Point{X: 1, Y: 1})
	room.UpdatePosition("mover", Point{X: 2, Y: 2})

	events := l.snapshot()
	enterIdx, moveIdx := -1, -1
	for i, e := range events {
		if e == "enter:watcher:mover" && enterIdx == -1 {
			enterIdx = i
		}
		if e == "move:watcher:mover" && moveIdx == -1 {
			moveIdx = i
		}
	}
	assert.GreaterOrEqual(t, enterIdx, 0)
	assert.GreaterOrEqual(t, moveIdx, 0)
	assert.Less(t, enterIdx, moveIdx)
}

func TestPusherRoom_LeaveIsLastEventForEntity(t *testing.T) {
	l := &recordingListener{}
	room := NewPusherRoom("room/a", l)

	room.Join("watcher")
	room.Join("mover")
	room.SetViewport("watcher", Rect{X1: 0, Y1: 0, X2: 100, Y2: 100})
	room.UpdatePosition("mover", Point{X: 1, Y: 1})

	room.Leave("mover")

	events := l.snapshot()
	assert.Equal(t, "leave:watcher:mover", events[len(events)-1])
}

func TestPusherRoom_IsEmpty(t *testing.T) {
	l := &recordingListener{}
	room := NewPusherRoom("room/a", l)
	assert.True(t, room.IsEmpty())
	room.Join("alice")
	assert.False(t, room.IsEmpty())
	room.Leave("alice")
	assert.True(t, room.IsEmpty())
}

func TestPusherRoom_GroupVisibility(t *testing.T) {
	l := &recordingListener{}
	room := NewPusherRoom("room/a", l)
	room.Join("watcher")
	room.SetViewport("watcher", Rect{X1: 0, Y1: 0, X2: 10, Y2: 10})

	room.UpdateGroupPosition("g1", Point{X: 5, Y: 5})
	assert.Contains(t, l.snapshot(), "genter:watcher:g1")

	room.UpdateGroupPosition("g1", Point{X: 6, Y: 6})
	assert.Contains(t, l.snapshot(), "gmove:watcher:g1")

	room.RemoveGroup("g1")
	assert.Contains(t, l.snapshot(), "gleave:watcher:g1")
}

func TestPusherRoom_NeedsUpdateIsMonotoneAndIdempotent(t *testing.T) {
	l := &recordingListener{}
	room := NewPusherRoom("room/a", l)

	assert.True(t, room.NeedsUpdate(5))
	assert.False(t, room.NeedsUpdate(5))
	assert.False(t, room.NeedsUpdate(3))
	assert.True(t, room.NeedsUpdate(6))
}

func TestPusherRoom_ConcurrentJoinsDoNotRace(t *testing.T) {
	l := &recordingListener{}
	room := NewPusherRoom("room/concurrent", l)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := ClientID("client-" + string(rune('a'+n%26)))
			room.Join(id)
			room.UpdatePosition(id, Point{X: float64(n), Y: float64(n)})
			room.Leave(id)
		}(i)
	}
	wg.Wait()
	assert.True(t, room.IsEmpty())
}
