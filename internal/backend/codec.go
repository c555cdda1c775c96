package backend

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Frame is the opaque tagged-union message carried over every back-end
// stream: a tag plus its JSON-encoded sub-message. Registered below as a
// gRPC codec so grpc.ClientConn can carry Frame values without generated
// protobuf marshal code.
type Frame struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

const codecName = "pusher-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DecodePayload unmarshals a frame's payload into dst, wrapping errors with
// the offending tag for easier diagnosis.
func DecodePayload(f Frame, dst interface{}) error {
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("decode payload for tag %q: %w", f.Tag, err)
	}
	return nil
}

func EncodePayload(tag string, v interface{}) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode payload for tag %q: %w", tag, err)
	}
	return Frame{Tag: tag, Payload: b}, nil
}
