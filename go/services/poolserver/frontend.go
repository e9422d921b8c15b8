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

package poolserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"

	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/envelope"
	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/tools/telemetry"
)

// FrontendConfig configures a Frontend.
type FrontendConfig struct {
	Protocol *envelope.Protocol
	Router   *Router
	Workers  []*Worker
	// Timeout bounds each request. Zero means no bound.
	Timeout time.Duration
	Logger  *slog.Logger
	// Meter records request counts and durations. Optional.
	Meter metric.Meter
}

// Frontend is the TCP front end. It reads request envelopes, runs the
// handler of their path as a task on a worker and writes the reply.
//
// Each connection is served by one worker, picked round robin when it is
// accepted, and its requests are served one at a time.
type Frontend struct {
	cfg    FrontendConfig
	proto  *envelope.Protocol
	logger *slog.Logger

	requests metric.Int64Counter
	duration metric.Float64Histogram

	ctx    context.Context
	cancel context.CancelFunc
	next   atomic.Uint64
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[*clientConn]struct{}
	draining bool
}

type clientConn struct {
	net.Conn
	worker *Worker
	// busy is set while a request is in flight. Guarded by Frontend.mu.
	busy bool
}

// NewFrontend creates a front end. Call Serve to start accepting.
func NewFrontend(cfg FrontendConfig) (*Frontend, error) {
	if len(cfg.Workers) == 0 {
		return nil, mterrors.PS1002("front end needs at least one worker")
	}
	if cfg.Router == nil {
		return nil, mterrors.PS1002("front end needs a router")
	}
	if cfg.Protocol == nil {
		cfg.Protocol = envelope.NewProtocol(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Frontend{
		cfg:    cfg,
		proto:  cfg.Protocol,
		logger: cfg.Logger.With("component", "frontend"),
		conns:  make(map[*clientConn]struct{}),
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())

	if cfg.Meter != nil {
		var errs [2]error
		f.requests, errs[0] = cfg.Meter.Int64Counter("poolserver.requests",
			metric.WithDescription("Front end requests by path and reply code."),
			metric.WithUnit("{request}"))
		f.duration, errs[1] = cfg.Meter.Float64Histogram("poolserver.request.duration",
			metric.WithDescription("Front end request duration."),
			metric.WithUnit("s"))
		if err := errors.Join(errs[:]...); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Serve accepts connections on l until Shutdown. It returns nil once the
// front end is shut down.
func (f *Frontend) Serve(l net.Listener) error {
	f.mu.Lock()
	if f.draining {
		f.mu.Unlock()
		return l.Close()
	}
	f.listener = l
	f.mu.Unlock()

	f.logger.Info("front end listening", "addr", l.Addr().String(), "codec", f.proto.Codec().Name())
	for {
		c, err := l.Accept()
		if err != nil {
			if f.isDraining() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		cc := &clientConn{
			Conn:   c,
			worker: f.cfg.Workers[(f.next.Add(1)-1)%uint64(len(f.cfg.Workers))],
		}
		f.mu.Lock()
		if f.draining {
			f.mu.Unlock()
			_ = c.Close()
			continue
		}
		f.conns[cc] = struct{}{}
		f.mu.Unlock()

		f.wg.Go(func() { f.serveConn(cc) })
	}
}

// Addr returns the listening address, or nil before Serve.
func (f *Frontend) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

func (f *Frontend) isDraining() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draining
}

// Shutdown stops accepting, closes idle connections and waits for the
// requests in flight. When ctx ends first, the remaining connections are
// closed and their requests abandoned.
func (f *Frontend) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.draining = true
	if f.listener != nil {
		_ = f.listener.Close()
	}
	for cc := range f.conns {
		if !cc.busy {
			_ = cc.Close()
		}
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
	}

	f.cancel()
	f.mu.Lock()
	for cc := range f.conns {
		_ = cc.Close()
	}
	f.mu.Unlock()
	<-done
	return ctx.Err()
}

func (f *Frontend) serveConn(cc *clientConn) {
	defer func() {
		f.mu.Lock()
		delete(f.conns, cc)
		f.mu.Unlock()
		_ = cc.Close()
	}()

	rd := f.proto.NewReader(cc)
	for {
		env, _, err := rd.Next()
		switch {
		case err == nil:
		case errors.Is(err, envelope.ErrMalformed):
			f.logger.Debug("malformed request", "remote", cc.RemoteAddr().String(), "err", err)
			if !f.write(cc, f.proto.Encode, envelope.Envelope{Code: envelope.CodeError, Data: "malformed request"}) {
				return
			}
			continue
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		default:
			f.logger.Debug("closing client connection", "remote", cc.RemoteAddr().String(), "err", err)
			return
		}

		f.mu.Lock()
		if f.draining {
			f.mu.Unlock()
			return
		}
		cc.busy = true
		f.mu.Unlock()

		ok := f.handle(cc, env)

		f.mu.Lock()
		cc.busy = false
		draining := f.draining
		f.mu.Unlock()
		if !ok || draining {
			return
		}
	}
}

// handle serves one request. It reports whether the reply was written.
func (f *Frontend) handle(cc *clientConn, env envelope.Envelope) bool {
	path, params, ok := envelope.Route(env)
	if !ok {
		return f.write(cc, f.proto.Encode, envelope.Envelope{Code: envelope.CodeError, Data: "request has no path"})
	}

	start := time.Now()
	ctx := f.ctx
	var cancel context.CancelFunc
	if f.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	ctx, span := telemetry.Tracer().Start(ctx, "poolserver "+path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("poolserver.path", path),
			attribute.Int("poolserver.worker", cc.worker.ID()),
		))
	defer span.End()

	frames := newFrameQueue()
	defer frames.close()

	var streamed bool
	result, err := f.run(ctx, cc.worker, path, params, frames, func(data any) bool {
		streamed = true
		return f.write(cc, f.proto.EncodePart, envelope.Envelope{Code: envelope.CodeOK, Data: data})
	})

	reply := envelope.Envelope{Code: envelope.CodeOK, Data: result}
	if err != nil {
		reply = errorEnvelope(err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "request failed")
	}
	f.record(ctx, path, reply.Code, time.Since(start))

	encode := f.proto.Encode
	if streamed {
		encode = f.proto.EncodeEnd
	}
	return f.write(cc, encode, reply)
}

// run executes the handler of path on w and relays streamed frames to
// emit until the task finishes.
func (f *Frontend) run(ctx context.Context, w *Worker, path string, params any, frames *frameQueue, emit func(any) bool) (any, error) {
	h, err := f.cfg.Router.Lookup(path)
	if err != nil {
		return nil, err
	}
	req := &Request{Path: path, Params: params, Worker: w, stream: frames.push}
	task, err := w.Submit(ctx, func(co *coroutine.Co) (any, error) {
		return h(co, req)
	})
	if err != nil {
		return nil, mterrors.Wrapf(err, codes.Unavailable, "cannot run %s", path)
	}

	for {
		select {
		case <-frames.ready:
			for _, data := range frames.take() {
				if !emit(data) {
					return nil, errors.New("client connection lost")
				}
			}
		case <-task.Done():
			for _, data := range frames.take() {
				if !emit(data) {
					return nil, errors.New("client connection lost")
				}
			}
			return task.Result()
		case <-ctx.Done():
			return nil, mterrors.Wrapf(ctx.Err(), codes.DeadlineExceeded, "%s did not finish", path)
		}
	}
}

func (f *Frontend) write(cc *clientConn, encode func(envelope.Envelope) ([]byte, error), env envelope.Envelope) bool {
	b, err := encode(env)
	if err != nil {
		f.logger.Warn("cannot encode reply", "err", err)
		b, err = encode(envelope.Envelope{Code: envelope.CodeError, Data: err.Error()})
		if err != nil {
			return false
		}
	}
	if _, err := cc.Write(b); err != nil {
		f.logger.Debug("cannot write reply", "remote", cc.RemoteAddr().String(), "err", err)
		return false
	}
	return true
}

func (f *Frontend) record(ctx context.Context, path string, code int, d time.Duration) {
	if f.requests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("poolserver.path", path),
		attribute.Int("poolserver.code", code),
	)
	f.requests.Add(ctx, 1, attrs)
	f.duration.Record(ctx, d.Seconds(), attrs)
}

func errorEnvelope(err error) envelope.Envelope {
	code := envelope.CodeError
	if mterrors.Code(err) == codes.NotFound {
		code = envelope.CodeNotFound
	}
	return envelope.Envelope{Code: code, Data: err.Error()}
}

// frameQueue carries streamed frames from a task on the loop to the
// connection goroutine. push never blocks the loop.
type frameQueue struct {
	mu     sync.Mutex
	frames []any
	closed bool
	ready  chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{ready: make(chan struct{}, 1)}
}

func (q *frameQueue) push(data any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.frames = append(q.frames, data)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *frameQueue) take() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

// close drops frames pushed by a task that outlived its request.
func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.frames = nil
}
