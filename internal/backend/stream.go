package backend

import "google.golang.org/grpc"

// RoomStream is one bidirectional client↔back stream per (client, room).
// Never shared.
type RoomStream struct {
	stream       grpc.ClientStream
	backendIndex int
}

func (s *RoomStream) Send(f Frame) error { return s.stream.SendMsg(&f) }
func (s *RoomStream) CloseSend() error   { return s.stream.CloseSend() }
func (s *RoomStream) BackendIndex() int  { return s.backendIndex }

// Recv blocks until the next frame arrives, or returns an error (including
// io.EOF on clean stream end) that callers must treat as back-stream loss.
func (s *RoomStream) Recv() (Frame, error) {
	var f Frame
	err := s.stream.RecvMsg(&f)
	return f, err
}

// SpaceStream is one bidirectional stream per back-end, shared across every
// Space whose backId resolves there.
type SpaceStream struct {
	stream       grpc.ClientStream
	backendIndex int
}

func (s *SpaceStream) Send(f Frame) error { return s.stream.SendMsg(&f) }
func (s *SpaceStream) CloseSend() error   { return s.stream.CloseSend() }
func (s *SpaceStream) BackendIndex() int  { return s.backendIndex }

func (s *SpaceStream) Recv() (Frame, error) {
	var f Frame
	err := s.stream.RecvMsg(&f)
	return f, err
}
