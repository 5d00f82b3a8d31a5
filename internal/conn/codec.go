package conn

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// codecName matches the default proto codec so backends negotiate the
// standard content subtype while the gateway forwards opaque bytes.
const codecName = "proto"

// Frame carries a raw gRPC message payload without unmarshaling it.
// The gateway never interprets backend message schemas.
type Frame struct {
	payload []byte
}

// NewFrame creates a frame around a payload.
func NewFrame(payload []byte) *Frame {
	return &Frame{payload: payload}
}

// Payload returns the raw message bytes.
func (f *Frame) Payload() []byte {
	return f.payload
}

// rawCodec passes Frame payloads through untouched and falls back to
// proto marshaling for typed messages such as health probes.
type rawCodec struct{}

// Marshal implements encoding.Codec.
func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *Frame:
		return m.payload, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

// Unmarshal implements encoding.Codec.
func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *Frame:
		m.payload = data
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
}

// Name implements encoding.Codec.
func (rawCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
