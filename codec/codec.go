// Package codec provides the pluggable serializers for the opaque values
// cubdb stores. The engine itself only ever touches []byte; Codec is the
// boundary a caller crosses to store arbitrary Go values.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
)

// Codec marshals and unmarshals values to and from the bytes cubdb
// stores as a leaf's value.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default: portable, human-inspectable, no schema.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return b, nil
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	return nil
}

// MsgpackCodec trades JSON's readability for a denser wire format.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) Unmarshal(b []byte, v any) error {
	return msgpack.Unmarshal(b, v)
}

// ProtoCodec requires v to implement proto.Message on both sides.
type ProtoCodec struct{}

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: value is not a proto.Message")
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (ProtoCodec) Unmarshal(b []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: value is not a proto.Message")
	}
	return proto.Unmarshal(b, m)
}

// RawCodec stores and returns []byte unchanged, for callers that already
// have an encoded value (or want to use cubdb as a pure byte store) and
// would rather skip a second encoding pass.
type RawCodec struct{}

func (RawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("codec: RawCodec requires a []byte, got %T", v)
	}
	return b, nil
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("codec: RawCodec requires *[]byte, got %T", v)
	}
	*out = append((*out)[:0], data...)
	return nil
}
