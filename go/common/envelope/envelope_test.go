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
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"msgpack", "json", "protobuf"} {
		c, err := CodecByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = CodecByName("xml")
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestRoundTrip(t *testing.T) {
	env := Envelope{
		Code: 200,
		Data: map[string]any{"path": "/user/get", "params": map[string]any{"id": 7}},
	}

	for _, codec := range []Codec{MsgPackCodec{}, JSONCodec{}, ProtobufCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			p := NewProtocol(codec)
			b, err := p.Encode(env)
			require.NoError(t, err)
			require.True(t, bytes.HasSuffix(b, []byte(DefaultEOF)))

			got, err := p.Decode(bytes.TrimSuffix(b, []byte(DefaultEOF)))
			require.NoError(t, err)
			assert.Equal(t, 200, got.Code)
			assert.False(t, IsEnd(got))

			data, ok := got.Data.(map[string]any)
			require.True(t, ok, "data decodes as a map, got %T", got.Data)
			assert.Equal(t, "/user/get", data["path"])
			params := data["params"].(map[string]any)
			assert.EqualValues(t, 7, params["id"])
		})
	}
}

func TestProtobufCodecMessages(t *testing.T) {
	c := ProtobufCodec{}
	b, err := c.Marshal(wrapperspb.Int32(42))
	require.NoError(t, err)

	var got wrapperspb.Int32Value
	require.NoError(t, c.Unmarshal(b, &got))
	assert.Equal(t, int32(42), got.Value)

	_, err = c.Marshal(struct{}{})
	assert.Error(t, err)
}

func TestReaderStream(t *testing.T) {
	p := NewProtocol(nil)
	stream, err := p.EncodeStream([]Envelope{
		{Code: 0, Data: "a"},
		{Code: 0, Data: "b"},
		{Code: 0, Data: "c"},
	})
	require.NoError(t, err)
	plain, err := p.Encode(Envelope{Code: 1, Data: "next"})
	require.NoError(t, err)

	// Deliver one byte at a time so terminators straddle reads.
	r := p.NewReader(iotest.OneByteReader(bytes.NewReader(append(stream, plain...))))

	var got []string
	for {
		env, final, err := r.Next()
		require.NoError(t, err)
		got = append(got, env.Data.(string))
		if final {
			assert.True(t, IsEnd(env))
			break
		}
		assert.False(t, IsEnd(env))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	env, final, err := r.Next()
	require.NoError(t, err)
	assert.True(t, final)
	assert.False(t, IsEnd(env))
	assert.Equal(t, "next", env.Data)

	_, _, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncodeEmptyStream(t *testing.T) {
	p := NewProtocol(JSONCodec{})
	b, err := p.EncodeStream(nil)
	require.NoError(t, err)

	env, final, err := p.NewReader(bytes.NewReader(b)).Next()
	require.NoError(t, err)
	assert.True(t, final)
	assert.True(t, IsEnd(env))
}

func TestReaderTruncated(t *testing.T) {
	p := NewProtocol(JSONCodec{})
	_, _, err := p.NewReader(strings.NewReader(`{"code":1`)).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderSkipsMalformedFrame(t *testing.T) {
	p := NewProtocol(JSONCodec{})
	good, err := p.Encode(Envelope{Data: "ok"})
	require.NoError(t, err)
	rd := p.NewReader(strings.NewReader("not json" + DefaultEOF + string(good)))

	_, _, err = rd.Next()
	assert.ErrorIs(t, err, ErrMalformed)
	env, final, err := rd.Next()
	require.NoError(t, err)
	assert.True(t, final)
	assert.Equal(t, "ok", env.Data)
}

func TestReaderFrameTooLarge(t *testing.T) {
	p := NewProtocol(JSONCodec{}, WithMaxFrameSize(64))
	b, err := p.Encode(Envelope{Data: strings.Repeat("x", 200)})
	require.NoError(t, err)

	_, _, err = p.NewReader(bytes.NewReader(b)).Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCustomTerminators(t *testing.T) {
	p := NewProtocol(JSONCodec{}, WithEOF("\n"), WithSplit("\x00"))
	b, err := p.EncodeStream([]Envelope{{Data: "x"}, {Data: "y"}})
	require.NoError(t, err)
	assert.Equal(t, "{\"code\":0,\"data\":\"x\"}\x00{\"code\":0,\"data\":\"y\",\"_is_end_\":true}\n", string(b))

	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Split(p.SplitFunc())
	var n int
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 2, n)
}

func TestRequestRoute(t *testing.T) {
	p := NewProtocol(nil)
	b, err := p.Encode(Request("/user/get", map[string]any{"id": 7}))
	require.NoError(t, err)

	env, err := p.Decode(bytes.TrimSuffix(b, []byte(DefaultEOF)))
	require.NoError(t, err)
	path, params, ok := Route(env)
	require.True(t, ok)
	assert.Equal(t, "/user/get", path)
	assert.Equal(t, map[string]any{"id": int64(7)}, params)

	_, _, ok = Route(Envelope{Data: "nope"})
	assert.False(t, ok)
	_, _, ok = Route(Envelope{Data: map[string]any{"params": 1}})
	assert.False(t, ok)
}
