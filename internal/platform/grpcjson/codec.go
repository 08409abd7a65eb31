// Package grpcjson registers a JSON codec for gRPC services whose messages
// are plain Go structs rather than generated protobuf types.
//
// Clients select it per call with grpc.CallContentSubtype(grpcjson.Name);
// servers pick it up from the content-subtype once the package is imported.
package grpcjson

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const Name = "json"

type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcjson marshal %T: %w", v, err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcjson unmarshal %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(Codec{})
}
