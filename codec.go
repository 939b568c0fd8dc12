// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

var protoMessageType = reflect.TypeFor[proto.Message]()

// encodeValue serializes a by-copy value. Protobuf messages go through
// protojson so well-known types keep their canonical form.
func encodeValue(v any) (json.RawMessage, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	return b, nil
}

// decodeValue builds a fresh value of type t from raw.
func decodeValue(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	if t.Implements(protoMessageType) && t.Kind() == reflect.Pointer {
		v := reflect.New(t.Elem())
		if len(raw) > 0 {
			if err := protojson.Unmarshal(raw, v.Interface().(proto.Message)); err != nil {
				return reflect.Value{}, fmt.Errorf("%w: %v", ErrBadArgument, err)
			}
		}
		return v, nil
	}
	v := reflect.New(t)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("%w: %v", ErrBadArgument, err)
		}
	}
	return v.Elem(), nil
}

// decodeInto decodes raw into the value ptr points at.
func decodeInto(raw json.RawMessage, ptr any) error {
	if len(raw) == 0 {
		return nil
	}
	if m, ok := ptr.(proto.Message); ok {
		return protojson.Unmarshal(raw, m)
	}
	pv := reflect.ValueOf(ptr)
	if pv.Kind() == reflect.Pointer && !pv.IsNil() {
		// **T where *T is a message: allocate the message
		if et := pv.Elem().Type(); et.Kind() == reflect.Pointer && et.Implements(protoMessageType) {
			v, err := decodeValue(raw, et)
			if err != nil {
				return err
			}
			pv.Elem().Set(v)
			return nil
		}
	}
	return json.Unmarshal(raw, ptr)
}
