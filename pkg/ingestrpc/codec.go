package ingestrpc

import (
	"fmt"

	"github.com/golang/snappy"
	"google.golang.org/grpc/encoding"
	"gopkg.in/yaml.v3"
)

// codecName identifies the wire codec this package registers with gRPC:
// yaml.v3 for framing (no .proto/generated sources were retrieved for
// this API) followed by snappy compression of the encoded body, mirrored
// from the gRPC content-subtype extension mechanism rather than
// protobuf's default codec.
const codecName = "yamlsnappy"

type yamlSnappyCodec struct{}

func (yamlSnappyCodec) Marshal(v interface{}) ([]byte, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ingestrpc: yaml marshal: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func (yamlSnappyCodec) Unmarshal(data []byte, v interface{}) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("ingestrpc: snappy decode: %w", err)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("ingestrpc: yaml unmarshal: %w", err)
	}
	return nil
}

func (yamlSnappyCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(yamlSnappyCodec{})
}
