package pusher

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fenwickgames/pusher/internal/adminclient"
	"github.com/fenwickgames/pusher/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// startFakeAdminBackend answers the KickOffSpaceUser and
// SendAdminMessageToRoom unary RPCs with an empty successful response,
// recording the method name it was called on.
func startFakeAdminBackend(t *testing.T) (*bufconn.Listener, *[]string, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	var calls []string

	handler := func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		var req map[string]any
		_ = dec(&req)
		resp := struct{}{}
		return &resp, nil
	}
	record := func(name string) grpc.MethodDesc {
		return grpc.MethodDesc{MethodName: name, Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			calls = append(calls, name)
			return handler(srv, ctx, dec, interceptor)
		}}
	}
	desc := &grpc.ServiceDesc{
		ServiceName: "pusher.v1.Backend",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			record("KickOffSpaceUser"),
			record("SendAdminMessageToRoom"),
		},
	}
	server := grpc.NewServer()
	server.RegisterService(desc, nil)
	go func() { _ = server.Serve(lis) }()

	return lis, &calls, func() { server.Stop(); lis.Close() }
}

func TestKickOffSpaceUser_RejectsUnknownSpaceByDefault(t *testing.T) {
	mux := NewSessionMultiplexer(backend.NewDirectory([]string{"nowhere:1"}), time.Hour, 100)
	err := mux.KickOffSpaceUser(context.Background(), "world/unknown", 7, "abuse")
	assert.Error(t, err)
}

func TestKickOffSpaceUser_ForwardsUnknownSpaceWhenEnabled(t *testing.T) {
	lis, calls, cleanup := startFakeAdminBackend(t)
	defer cleanup()

	dir := backend.NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer dir.Close()

	mux := NewSessionMultiplexer(dir, time.Hour, 100)
	mux.ForwardUnknownSpaceKicks = true

	require.NoError(t, mux.KickOffSpaceUser(context.Background(), "world/unknown", 7, "abuse"))
	assert.Contains(t, *calls, "KickOffSpaceUser")
}

func TestKickOffSpaceUser_ForwardsKnownSpaceRegardlessOfFlag(t *testing.T) {
	lis, calls, cleanup := startFakeAdminBackend(t)
	defer cleanup()

	dir := backend.NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer dir.Close()

	mux := NewSessionMultiplexer(dir, time.Hour, 100)
	mux.spaceBackID["world/known"] = 0

	require.NoError(t, mux.KickOffSpaceUser(context.Background(), "world/known", 7, "abuse"))
	assert.Contains(t, *calls, "KickOffSpaceUser")
}

func TestPlayGlobalMessage_BroadcastsToEveryRoomInTheSameWorld(t *testing.T) {
	lis, calls, cleanup := startFakeAdminBackend(t)
	defer cleanup()

	adminSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["room/1","room/2","room/3"]`))
	}))
	defer adminSrv.Close()

	dir := backend.NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer dir.Close()

	mux := NewSessionMultiplexer(dir, time.Hour, 100)
	mux.Admin = adminclient.New(adminSrv.URL)

	require.NoError(t, mux.PlayGlobalMessage(context.Background(), "room/1", "server restarting soon", true))

	count := 0
	for _, c := range *calls {
		if c == "SendAdminMessageToRoom" {
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestPlayGlobalMessage_WithoutBroadcastHitsOnlyTheOriginRoom(t *testing.T) {
	lis, calls, cleanup := startFakeAdminBackend(t)
	defer cleanup()

	dir := backend.NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer dir.Close()

	mux := NewSessionMultiplexer(dir, time.Hour, 100)
	require.NoError(t, mux.PlayGlobalMessage(context.Background(), "room/1", "hello", false))

	count := 0
	for _, c := range *calls {
		if c == "SendAdminMessageToRoom" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
