package pusher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fenwickgames/pusher/internal/adminclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(flush func([]OutboundItem)) *Client {
	emitter := NewBatchEmitter(5*time.Millisecond, 1, flush)
	return NewClient("watcher", "127.0.0.1", nil, "watcher", emitter)
}

func TestHandleRoomTagsQuery_DegradesToEmptyListWithoutAdmin(t *testing.T) {
	flushed := make(chan []OutboundItem, 1)
	c := newTestClient(func(items []OutboundItem) { flushed <- items })
	defer c.Outbound.Close()

	m := &SessionMultiplexer{}
	m.HandleRoomTagsQuery(context.Background(), c, "q1")

	items := <-flushed
	require.Len(t, items, 1)
	assert.Equal(t, "answerMessage", items[0].Tag)
	a := items[0].Payload.(answer)
	assert.Equal(t, "q1", a.QueryID)
	assert.Empty(t, a.Error)
}

func TestHandleSearchMemberQuery_ReturnsAdminServiceResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = w
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"uuid":"u1","name":"Ada","tags":["admin"]}]`))
	}))
	defer srv.Close()

	flushed := make(chan []OutboundItem, 1)
	c := newTestClient(func(items []OutboundItem) { flushed <- items })
	defer c.Outbound.Close()

	m := &SessionMultiplexer{Admin: adminclient.New(srv.URL)}
	m.HandleSearchMemberQuery(context.Background(), c, "q2", "ada")

	items := <-flushed
	a := items[0].Payload.(answer)
	assert.Equal(t, "q2", a.QueryID)
	members := a.Data.([]adminclient.Member)
	require.Len(t, members, 1)
	assert.Equal(t, "Ada", members[0].Name)
}

func TestHandleGetMemberQuery_WithoutAdminAnswersError(t *testing.T) {
	flushed := make(chan []OutboundItem, 1)
	c := newTestClient(func(items []OutboundItem) { flushed <- items })
	defer c.Outbound.Close()

	m := &SessionMultiplexer{}
	m.HandleGetMemberQuery(context.Background(), c, "q3", "u1")

	items := <-flushed
	a := items[0].Payload.(answer)
	assert.Equal(t, "q3", a.QueryID)
	assert.NotEmpty(t, a.Error)
}
