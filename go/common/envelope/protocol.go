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

// Package envelope implements the framed request/response envelope spoken
// between the TCP front end, TCP pools and their peers.
//
// A frame is a codec payload followed by a terminator. A plain message ends
// with the EOF terminator. A streamed response is a series of frames ending
// with the split terminator, closed by a last frame that carries the
// _is_end_ marker and ends with the EOF terminator.
package envelope

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultEOF terminates a message.
	DefaultEOF = "#\r\n\r\n"
	// DefaultSplit separates the frames of a streamed response.
	DefaultSplit = "#\r#\n#"

	// DefaultMaxFrameSize bounds a single frame.
	DefaultMaxFrameSize = 16 << 20
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the reader's limit.
	ErrFrameTooLarge = errors.New("envelope: frame too large")
	// ErrMalformed is returned for a frame whose payload does not decode.
	// The frame is consumed, so a Reader can go on with the next one.
	ErrMalformed = errors.New("envelope: malformed frame")
)

// Envelope is the unit of the wire protocol.
type Envelope struct {
	Code int  `json:"code" msgpack:"code"`
	Data any  `json:"data" msgpack:"data"`
	End  bool `json:"_is_end_,omitempty" msgpack:"_is_end_,omitempty"`
}

func (e Envelope) fields() map[string]any {
	m := map[string]any{"code": e.Code, "data": e.Data}
	if e.End {
		m["_is_end_"] = true
	}
	return m
}

func (e *Envelope) setFields(m map[string]any) error {
	switch code := m["code"].(type) {
	case float64:
		e.Code = int(code)
	case nil:
		e.Code = 0
	default:
		return fmt.Errorf("envelope: code has type %T", code)
	}
	e.Data = m["data"]
	e.End, _ = m["_is_end_"].(bool)
	return nil
}

// Protocol frames envelopes.
type Protocol struct {
	codec Codec
	eof   []byte
	split []byte
	max   int
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithEOF sets the message terminator.
func WithEOF(eof string) Option {
	return func(p *Protocol) { p.eof = []byte(eof) }
}

// WithSplit sets the stream frame terminator.
func WithSplit(split string) Option {
	return func(p *Protocol) { p.split = []byte(split) }
}

// WithMaxFrameSize bounds the frames a Reader accepts.
func WithMaxFrameSize(n int) Option {
	return func(p *Protocol) { p.max = n }
}

// NewProtocol returns a Protocol using codec, MessagePack if nil.
func NewProtocol(codec Codec, opts ...Option) *Protocol {
	if codec == nil {
		codec = MsgPackCodec{}
	}
	p := &Protocol{
		codec: codec,
		eof:   []byte(DefaultEOF),
		split: []byte(DefaultSplit),
		max:   DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Codec returns the payload codec.
func (p *Protocol) Codec() Codec { return p.codec }

// Encode frames env as a complete message.
func (p *Protocol) Encode(env Envelope) ([]byte, error) {
	return p.frame(env, p.eof)
}

// EncodePart frames env as a non-final frame of a stream.
func (p *Protocol) EncodePart(env Envelope) ([]byte, error) {
	env.End = false
	return p.frame(env, p.split)
}

// EncodeEnd frames env as the final frame of a stream.
func (p *Protocol) EncodeEnd(env Envelope) ([]byte, error) {
	env.End = true
	return p.frame(env, p.eof)
}

// EncodeStream frames envs as one streamed response. The last envelope is
// marked as the end; with no envelopes a bare end frame is produced.
func (p *Protocol) EncodeStream(envs []Envelope) ([]byte, error) {
	if len(envs) == 0 {
		return p.EncodeEnd(Envelope{})
	}
	var buf bytes.Buffer
	for i, env := range envs {
		var b []byte
		var err error
		if i == len(envs)-1 {
			b, err = p.EncodeEnd(env)
		} else {
			b, err = p.EncodePart(env)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func (p *Protocol) frame(env Envelope, term []byte) ([]byte, error) {
	payload, err := p.codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal with %s: %w", p.codec.Name(), err)
	}
	return append(payload, term...), nil
}

// Decode parses a frame payload with its terminator already removed.
func (p *Protocol) Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := p.codec.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: unmarshal with %s: %w", ErrMalformed, p.codec.Name(), err)
	}
	return env, nil
}

// IsEnd reports whether env closes a stream.
func IsEnd(env Envelope) bool { return env.End }

// Reader reads frames from a byte stream.
type Reader struct {
	p       *Protocol
	scanner *bufio.Scanner
	// final is set when the last token ended with the EOF terminator.
	final bool
}

// NewReader returns a Reader of frames from r.
func (p *Protocol) NewReader(r io.Reader) *Reader {
	rd := &Reader{p: p, scanner: bufio.NewScanner(r)}
	rd.scanner.Buffer(make([]byte, 0, min(4096, p.max)), p.max)
	rd.scanner.Split(rd.split)
	return rd
}

// Next returns the next envelope. final is true when the frame ended with
// the EOF terminator, that is, it completes a message or a stream.
func (r *Reader) Next() (env Envelope, final bool, err error) {
	if !r.scanner.Scan() {
		err := r.scanner.Err()
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			return Envelope{}, false, ErrFrameTooLarge
		case err != nil:
			return Envelope{}, false, err
		default:
			return Envelope{}, false, io.EOF
		}
	}
	env, err = r.p.Decode(r.scanner.Bytes())
	return env, r.final, err
}

// split is a bufio.SplitFunc cutting at whichever terminator comes first.
func (r *Reader) split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	eofAt := bytes.Index(data, r.p.eof)
	splitAt := bytes.Index(data, r.p.split)

	switch {
	case eofAt >= 0 && (splitAt < 0 || eofAt <= splitAt):
		r.final = true
		return eofAt + len(r.p.eof), data[:eofAt], nil
	case splitAt >= 0:
		r.final = false
		return splitAt + len(r.p.split), data[:splitAt], nil
	}
	if atEOF && len(data) > 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}

// SplitFunc returns a bufio.SplitFunc yielding frame payloads.
func (p *Protocol) SplitFunc() bufio.SplitFunc {
	return (&Reader{p: p}).split
}
