package backend

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func TestIndex_StableAndInRange(t *testing.T) {
	d := NewDirectory([]string{"a:1", "b:1", "c:1"})

	first := d.Index("room/x")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.Index("room/x"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 3)
}

func TestIndex_DistributesAcrossBackends(t *testing.T) {
	d := NewDirectory([]string{"a:1", "b:1", "c:1", "d:1"})
	seen := make(map[int]bool)
	for i := 0; i < 50; i++ {
		seen[d.Index(string(rune('a'+i)))] = true
	}
	assert.Greater(t, len(seen), 1, "expected keys to spread across more than one backend")
}

// TestGetRoomClient_RoundTrips verifies the JSON codec round-trips frames
// over a real (in-memory) gRPC stream, using an echo handler in place of a
// back-end since no generated service stub exists to fake against.
func TestGetRoomClient_RoundTrips(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	defer lis.Close()

	echoHandler := func(srv interface{}, stream grpc.ServerStream) error {
		for {
			var f Frame
			if err := stream.RecvMsg(&f); err != nil {
				return err
			}
			if err := stream.SendMsg(&f); err != nil {
				return err
			}
		}
	}
	desc := &grpc.ServiceDesc{
		ServiceName: "pusher.v1.Backend",
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{
			{StreamName: "JoinRoom", Handler: echoHandler, ServerStreams: true, ClientStreams: true},
		},
	}
	server := grpc.NewServer()
	server.RegisterService(desc, nil)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	d := NewDirectory([]string{"bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := d.GetRoomClient(ctx, "room/x")
	require.NoError(t, err)

	sent, err := EncodePayload("joinRoomMessage", map[string]string{"roomUrl": "room/x"})
	require.NoError(t, err)
	require.NoError(t, stream.Send(sent))

	got, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, sent.Tag, got.Tag)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "room/x", payload["roomUrl"])
}

func TestConnFor_OutOfRangeIndex(t *testing.T) {
	d := NewDirectory([]string{"a:1"})
	_, err := d.connFor(5)
	assert.Error(t, err)
}

func TestConnFor_Memoizes(t *testing.T) {
	d := NewDirectory([]string{"localhost:1"}, grpc.WithTransportCredentials(insecure.NewCredentials()))
	bc1, err := d.connFor(0)
	require.NoError(t, err)
	bc2, err := d.connFor(0)
	require.NoError(t, err)
	assert.Same(t, bc1, bc2)
}
