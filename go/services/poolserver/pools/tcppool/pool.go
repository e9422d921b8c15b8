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

// Package tcppool is the client of peers speaking the envelope protocol over
// raw TCP. A request is one envelope; the reply is either one envelope or a
// stream of frames closed by an end frame.
package tcppool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/envelope"
	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/services/poolserver/pools/resource"
	"github.com/multigres/poolserver/go/tools/eventloop"
)

// Kind is the pool kind of TCP pools.
const Kind = "tcp"

// Failure is the result of a request that got no reply.
var Failure any

// Config configures a TCP pool.
type Config struct {
	Name string
	Addr string
	// Timeout bounds connecting and every request, including the socket
	// reads of its reply.
	Timeout time.Duration
	// Protocol frames requests. Defaults to MessagePack with the default
	// terminators.
	Protocol *envelope.Protocol

	Init     int
	Idle     int
	Max      int
	MaxRetry int
	GCLevel  int

	Logger  *slog.Logger
	Metrics *resource.Metrics
}

type conn struct {
	net.Conn
	reader *envelope.Reader
	broken atomic.Bool
}

type connector struct {
	addr   string
	proto  *envelope.Protocol
	dialer net.Dialer
	closed atomic.Int64
}

func (cn *connector) Connect(ctx context.Context) (*conn, error) {
	nc, err := cn.dialer.DialContext(ctx, "tcp", cn.addr)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: nc, reader: cn.proto.NewReader(nc)}, nil
}

func (cn *connector) Close(c *conn) error {
	defer cn.closed.Add(1)
	return c.Conn.Close()
}

func (cn *connector) Alive(c *conn) bool { return !c.broken.Load() }

type request struct {
	env envelope.Envelope
	// onFrame, when set, receives every frame on the loop as it arrives.
	onFrame func(envelope.Envelope)
}

// Pool is a pool of TCP connections to one peer.
type Pool struct {
	*resource.Pool[*conn]

	proto     *envelope.Protocol
	timeout   time.Duration
	connector *connector
}

// New creates a TCP pool owned by loop.
func New(loop *eventloop.Loop, cfg Config) (*Pool, error) {
	if cfg.Protocol == nil {
		cfg.Protocol = envelope.NewProtocol(nil)
	}
	p := &Pool{
		proto:   cfg.Protocol,
		timeout: cfg.Timeout,
		connector: &connector{
			addr:   cfg.Addr,
			proto:  cfg.Protocol,
			dialer: net.Dialer{Timeout: cfg.Timeout},
		},
	}
	rp, err := resource.NewPool[*conn](loop, resource.Config{
		Kind:     Kind,
		Name:     cfg.Name,
		Init:     cfg.Init,
		Idle:     cfg.Idle,
		Max:      cfg.Max,
		MaxRetry: cfg.MaxRetry,
		GCLevel:  cfg.GCLevel,
		Timeout:  cfg.Timeout,
		Failure:  Failure,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	}, p.connector, p)
	if err != nil {
		return nil, err
	}
	p.Pool = rp
	return p, nil
}

// Call sends env and completes with the reply envelope. A streamed reply is
// collapsed into one end envelope whose Data lists the Data of every frame.
func (p *Pool) Call(env envelope.Envelope) coroutine.Operation {
	return p.Op(&request{env: env}, 0, true)
}

// Stream sends env and hands each reply frame to onFrame, on the loop, as it
// arrives. It completes with the number of frames once the end frame is in.
func (p *Pool) Stream(env envelope.Envelope, onFrame func(envelope.Envelope)) coroutine.Operation {
	return p.Op(&request{env: env, onFrame: onFrame}, 0, true)
}

// Dispatch implements resource.Dispatcher.
func (p *Pool) Dispatch(cmd *resource.Command, c *resource.Conn[*conn]) {
	req := cmd.Data.(*request)
	raw := c.Raw()
	go func() {
		result, err := p.exchange(cmd.Token, req, raw)
		if err != nil {
			raw.broken.Store(true)
		}
		p.Post(func() {
			if err != nil {
				p.MarkDead(c)
				err = fmt.Errorf("%w: %w", mterrors.PS2004(Kind+"/"+p.Name(), "exchange failed"), err)
				p.Finish(c, cmd.Token, Failure, err)
				return
			}
			p.Finish(c, cmd.Token, result, nil)
		})
	}()
}

// exchange writes the request and reads its reply. It runs off the loop.
func (p *Pool) exchange(token uint64, req *request, c *conn) (any, error) {
	b, err := p.proto.Encode(req.env)
	if err != nil {
		return nil, err
	}
	if p.timeout > 0 {
		// The token timer fails the request first; the deadline reclaims
		// the socket.
		if err := c.SetDeadline(time.Now().Add(p.timeout + p.timeout/2)); err != nil {
			return nil, err
		}
	}
	if _, err := c.Write(b); err != nil {
		return nil, err
	}

	var (
		frames []envelope.Envelope
		count  int
	)
	for {
		env, final, err := c.reader.Next()
		if err != nil {
			return nil, err
		}
		count++
		if req.onFrame != nil {
			p.Post(func() {
				// Frames of a request that timed out are dropped.
				if p.HasToken(token) {
					req.onFrame(env)
				}
			})
		} else {
			frames = append(frames, env)
		}
		if !final {
			continue
		}
		if req.onFrame != nil {
			return count, nil
		}
		return collapse(frames), nil
	}
}

func collapse(frames []envelope.Envelope) envelope.Envelope {
	if len(frames) == 1 {
		return frames[0]
	}
	last := frames[len(frames)-1]
	data := make([]any, len(frames))
	for i, f := range frames {
		data[i] = f.Data
	}
	return envelope.Envelope{Code: last.Code, Data: data, End: true}
}
