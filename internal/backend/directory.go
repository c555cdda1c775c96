// Package backend implements BackendDirectory and the two southbound
// stream kinds: room streams and space streams.
package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fenwickgames/pusher/internal/metrics"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	joinRoomMethod      = "/pusher.v1.Backend/JoinRoom"
	watchSpaceMethod    = "/pusher.v1.Backend/WatchSpace"
	sendAdminMethod     = "/pusher.v1.Backend/SendAdminMessage"
	banMethod           = "/pusher.v1.Backend/Ban"
	sendToRoomMethod    = "/pusher.v1.Backend/SendAdminMessageToRoom"
	kickSpaceUserMethod = "/pusher.v1.Backend/KickOffSpaceUser"
)

type backendConn struct {
	conn *grpc.ClientConn
	cb   *gobreaker.CircuitBreaker
}

// Directory resolves a room id or space name to a stable back-end index and
// hands out a memoized connection (one per index, dialed lazily) wrapped in
// a circuit breaker.
type Directory struct {
	addrs    []string
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[int]*backendConn
}

// NewDirectory builds a Directory over a fixed, ordered list of back-end
// addresses. Extra dial options (credentials, custom dialers) are mostly
// useful in tests, which dial an in-memory bufconn listener instead of TCP.
func NewDirectory(addrs []string, extraDialOpts ...grpc.DialOption) *Directory {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, extraDialOpts...)
	return &Directory{addrs: addrs, dialOpts: opts, conns: make(map[int]*backendConn)}
}

// Index is the stable hash: the same key always maps to the same back-end
// index for the process lifetime.
func (d *Directory) Index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.addrs)))
}

func (d *Directory) connFor(idx int) (*backendConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if bc, ok := d.conns[idx]; ok {
		return bc, nil
	}
	if idx < 0 || idx >= len(d.addrs) {
		return nil, fmt.Errorf("backend index %d out of range (%d backends configured)", idx, len(d.addrs))
	}

	conn, err := grpc.NewClient(d.addrs[idx], d.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial backend %d: %w", idx, err)
	}

	name := fmt.Sprintf("backend-%d", idx)
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(n string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(n).Set(v)
		},
	}
	bc := &backendConn{conn: conn, cb: gobreaker.NewCircuitBreaker(st)}
	d.conns[idx] = bc
	return bc, nil
}

// GetRoomClient opens a fresh bidirectional JoinRoom stream for one client.
// Room streams are never shared.
func (d *Directory) GetRoomClient(ctx context.Context, roomID string) (*RoomStream, error) {
	idx := d.Index(roomID)
	bc, err := d.connFor(idx)
	if err != nil {
		return nil, err
	}

	v, err := bc.cb.Execute(func() (interface{}, error) {
		return bc.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "JoinRoom", ClientStreams: true, ServerStreams: true},
			joinRoomMethod, grpc.CallContentSubtype(codecName))
	})
	if err != nil {
		return nil, wrapBreakerErr(err, name(idx))
	}
	return &RoomStream{stream: v.(grpc.ClientStream), backendIndex: idx}, nil
}

// GetSpaceClient opens a fresh bidirectional WatchSpace stream for the given
// back-end index. Callers (the multiplexer) are responsible for sharing it
// across every Space with that backId.
func (d *Directory) GetSpaceClient(ctx context.Context, backID int) (*SpaceStream, error) {
	bc, err := d.connFor(backID)
	if err != nil {
		return nil, err
	}

	v, err := bc.cb.Execute(func() (interface{}, error) {
		return bc.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "WatchSpace", ClientStreams: true, ServerStreams: true},
			watchSpaceMethod, grpc.CallContentSubtype(codecName))
	})
	if err != nil {
		return nil, wrapBreakerErr(err, name(backID))
	}
	return &SpaceStream{stream: v.(grpc.ClientStream), backendIndex: backID}, nil
}

// Unary admin RPCs, issued against whichever back-end owns the target room.

func (d *Directory) SendAdminMessage(ctx context.Context, roomID string, req, resp interface{}) error {
	return d.invoke(ctx, d.Index(roomID), sendAdminMethod, req, resp)
}

func (d *Directory) Ban(ctx context.Context, roomID string, req, resp interface{}) error {
	return d.invoke(ctx, d.Index(roomID), banMethod, req, resp)
}

func (d *Directory) SendAdminMessageToRoom(ctx context.Context, roomID string, req, resp interface{}) error {
	return d.invoke(ctx, d.Index(roomID), sendToRoomMethod, req, resp)
}

// KickOffSpaceUser forwards a space-scoped kick to the back-end identified
// by backID directly, bypassing the room-id hash entirely (the caller has
// already resolved which back-end owns the space).
func (d *Directory) KickOffSpaceUser(ctx context.Context, backID int, req, resp interface{}) error {
	return d.invoke(ctx, backID, kickSpaceUserMethod, req, resp)
}

func (d *Directory) invoke(ctx context.Context, idx int, method string, req, resp interface{}) error {
	bc, err := d.connFor(idx)
	if err != nil {
		return err
	}
	_, err = bc.cb.Execute(func() (interface{}, error) {
		return nil, bc.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName))
	})
	if err != nil {
		return wrapBreakerErr(err, name(idx))
	}
	return nil
}

// Close tears down every dialed connection. Intended for process shutdown.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, bc := range d.conns {
		if err := bc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func name(idx int) string { return fmt.Sprintf("backend-%d", idx) }

func wrapBreakerErr(err error, service string) error {
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues(service).Inc()
		return fmt.Errorf("%s: circuit breaker open", service)
	}
	return err
}
