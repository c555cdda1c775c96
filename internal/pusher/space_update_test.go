package pusher

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fenwickgames/pusher/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// startFakeSpaceBackend accepts a WatchSpace stream and records every frame
// the client sends it, answering nothing on its own.
func startFakeSpaceBackend(t *testing.T) (*bufconn.Listener, *[]backend.Frame, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	var received []backend.Frame

	handler := func(srv interface{}, stream grpc.ServerStream) error {
		for {
			var f backend.Frame
			if err := stream.RecvMsg(&f); err != nil {
				return nil
			}
			received = append(received, f)
		}
	}
	desc := &grpc.ServiceDesc{
		ServiceName: "pusher.v1.Backend",
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{
			{StreamName: "WatchSpace", Handler: handler, ServerStreams: true, ClientStreams: true},
		},
	}
	server := grpc.NewServer()
	server.RegisterService(desc, nil)
	go func() { _ = server.Serve(lis) }()

	return lis, &received, func() { server.Stop(); lis.Close() }
}

func TestHandleUpdateSpaceMetadata_MergesLocallyAndForwards(t *testing.T) {
	lis, received, cleanup := startFakeSpaceBackend(t)
	defer cleanup()

	dir := backend.NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer dir.Close()

	mux := NewSessionMultiplexer(dir, time.Hour, 100)
	out := NewBatchEmitter(time.Hour, 100, func(items []OutboundItem) {})
	defer out.Close()
	c := NewClient("alice", "127.0.0.1", nil, "Alice", out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mux.JoinSpace(ctx, c, "world/plaza"))

	require.NoError(t, mux.HandleUpdateSpaceMetadata(c, "world/plaza", map[string]any{"theme": "dark"}))

	require.Eventually(t, func() bool {
		return len(*received) >= 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "joinSpaceMessage", (*received)[0].Tag)
	assert.Equal(t, "addSpaceUserMessage", (*received)[1].Tag)
	assert.Equal(t, "updateSpaceMetadataMessage", (*received)[2].Tag)
}

// TestJoinSpace_SharesOneBackendStreamAcrossClients reproduces the join
// behavior two different clients joining the same space name should see:
// one dial of the shared back-end stream, and one joinSpaceMessage per
// client.
func TestJoinSpace_SharesOneBackendStreamAcrossClients(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	var mu sync.Mutex
	var received []backend.Frame
	streamsOpened := 0

	handler := func(srv interface{}, stream grpc.ServerStream) error {
		mu.Lock()
		streamsOpened++
		mu.Unlock()
		for {
			var f backend.Frame
			if err := stream.RecvMsg(&f); err != nil {
				return nil
			}
			mu.Lock()
			received = append(received, f)
			mu.Unlock()
		}
	}
	desc := &grpc.ServiceDesc{
		ServiceName: "pusher.v1.Backend",
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{
			{StreamName: "WatchSpace", Handler: handler, ServerStreams: true, ClientStreams: true},
		},
	}
	server := grpc.NewServer()
	server.RegisterService(desc, nil)
	go func() { _ = server.Serve(lis) }()
	defer func() { server.Stop(); lis.Close() }()

	dir := backend.NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer dir.Close()

	mux := NewSessionMultiplexer(dir, time.Hour, 100)
	out := NewBatchEmitter(time.Hour, 100, func(items []OutboundItem) {})
	defer out.Close()
	dana := NewClient("dana", "127.0.0.1", nil, "Dana", out)
	erin := NewClient("erin", "127.0.0.1", nil, "Erin", out)
	erin.SetUserID(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mux.JoinSpace(ctx, dana, "world/plaza"))
	require.NoError(t, mux.JoinSpace(ctx, erin, "world/plaza"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		joins := 0
		for _, f := range received {
			if f.Tag == "joinSpaceMessage" {
				joins++
			}
		}
		return joins == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, streamsOpened)
}

// TestDispatchSpaceFrame_PingPongAndKickOffEcho reproduces the ping watchdog
// reply and the kickOffMessage echo-back on a shared space stream.
func TestDispatchSpaceFrame_PingPongAndKickOffEcho(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	var mu sync.Mutex
	var fromClient []backend.Frame

	handler := func(srv interface{}, stream grpc.ServerStream) error {
		ping, err := backend.EncodePayload("pingMessage", struct{}{})
		if err != nil {
			return err
		}
		if err := stream.SendMsg(&ping); err != nil {
			return err
		}
		kick, err := backend.EncodePayload("kickOffMessage", map[string]string{"userId": "dana"})
		if err != nil {
			return err
		}
		if err := stream.SendMsg(&kick); err != nil {
			return err
		}
		for {
			var f backend.Frame
			if err := stream.RecvMsg(&f); err != nil {
				return nil
			}
			mu.Lock()
			fromClient = append(fromClient, f)
			mu.Unlock()
		}
	}
	desc := &grpc.ServiceDesc{
		ServiceName: "pusher.v1.Backend",
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{
			{StreamName: "WatchSpace", Handler: handler, ServerStreams: true, ClientStreams: true},
		},
	}
	server := grpc.NewServer()
	server.RegisterService(desc, nil)
	go func() { _ = server.Serve(lis) }()
	defer func() { server.Stop(); lis.Close() }()

	dir := backend.NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer dir.Close()

	mux := NewSessionMultiplexer(dir, time.Hour, 100)
	out := NewBatchEmitter(time.Hour, 100, func(items []OutboundItem) {})
	defer out.Close()
	dana := NewClient("dana", "127.0.0.1", nil, "Dana", out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mux.JoinSpace(ctx, dana, "world/plaza"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		sawPong, sawKickEcho := false, false
		for _, f := range fromClient {
			if f.Tag == "pongMessage" {
				sawPong = true
			}
			if f.Tag == "kickOffMessage" {
				sawKickEcho = true
			}
		}
		return sawPong && sawKickEcho
	}, time.Second, 10*time.Millisecond)
}

func TestHandleUpdateSpaceUser_MergesClientRecordAndForwards(t *testing.T) {
	lis, received, cleanup := startFakeSpaceBackend(t)
	defer cleanup()

	dir := backend.NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	defer dir.Close()

	mux := NewSessionMultiplexer(dir, time.Hour, 100)
	out := NewBatchEmitter(time.Hour, 100, func(items []OutboundItem) {})
	defer out.Close()
	c := NewClient("bob", "127.0.0.1", nil, "Bob", out)
	c.SetUserID(7)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mux.JoinSpace(ctx, c, "world/plaza"))

	update := SpaceUser{ID: 7, Role: "guide"}
	require.NoError(t, mux.HandleUpdateSpaceUser(c, "world/plaza", update, FieldMask{"role"}))

	assert.Equal(t, "guide", c.SpaceUser().Role)
	require.Eventually(t, func() bool {
		return len(*received) >= 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "updateSpaceUserMessage", (*received)[2].Tag)
}
