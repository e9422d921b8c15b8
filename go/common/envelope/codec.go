// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnsupportedCodec is returned by CodecByName for unknown names.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// Codec serializes envelope payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// CodecByName returns the codec registered under name. An empty name
// selects MessagePack.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return MsgPackCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	case "protobuf":
		return ProtobufCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
}

// MsgPackCodec is the default codec. Generic values decode loosely: signed
// integers as int64, unsigned ones as uint64 and floats as float64.
type MsgPackCodec struct{}

func (MsgPackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgPackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

func (MsgPackCodec) Name() string { return "msgpack" }

// JSONCodec encodes payloads as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string { return "json" }

// ProtobufCodec encodes proto messages as is, and envelopes and generic
// maps as google.protobuf.Struct. Numbers in a Struct are doubles.
type ProtobufCodec struct{}

func (ProtobufCodec) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case proto.Message:
		return proto.Marshal(v)
	case Envelope:
		return marshalStruct(v.fields())
	case *Envelope:
		return marshalStruct(v.fields())
	case map[string]any:
		return marshalStruct(v)
	default:
		return nil, fmt.Errorf("protobuf codec cannot marshal %T", v)
	}
}

func (ProtobufCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, msg)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return err
	}
	switch v := v.(type) {
	case *Envelope:
		return v.setFields(s.AsMap())
	case *map[string]any:
		*v = s.AsMap()
		return nil
	default:
		return fmt.Errorf("protobuf codec cannot unmarshal into %T", v)
	}
}

func (ProtobufCodec) Name() string { return "protobuf" }

func marshalStruct(m map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}
