package agentproto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated via grpc.CallContentSubtype on every client call
// in this package so the server picks the same codec on the way back.
const codecName = "agentproto-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals the plain structs in this package over the wire.
// There is no protobuf descriptor behind these types, so the service is
// wired up by hand in service.go rather than by protoc-gen-go-grpc.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
