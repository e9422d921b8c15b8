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

package resource

import (
	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/mterrors"
)

// GetToken registers cb and returns the token its reply must be delivered
// to. With timed set and a positive Timeout, a timer fails the token with
// the failure sentinel if no reply arrives in time.
func (p *Pool[C]) GetToken(cb coroutine.Callback, timed bool) uint64 {
	p.nextToken++
	token := p.nextToken

	pd := &pending{cb: cb}
	if timed && p.cfg.Timeout > 0 {
		pd.timer = p.loop.AfterFunc(p.cfg.Timeout, func() { p.expire(token) })
	}
	p.tokens[token] = pd
	return token
}

// HasToken reports whether token is still waiting for its reply.
func (p *Pool[C]) HasToken(token uint64) bool {
	_, ok := p.tokens[token]
	return ok
}

// Callback delivers a reply to token and forgets it. It reports false, and
// does nothing, if the token already fired: a reply arriving after its
// timeout is dropped here.
func (p *Pool[C]) Callback(token uint64, result any, err error) bool {
	pd, ok := p.tokens[token]
	if !ok {
		p.logger.Debug("dropping reply for unknown token", "token", token)
		return false
	}
	delete(p.tokens, token)
	pd.timer.Stop()
	pd.cb(result, err)
	return true
}

func (p *Pool[C]) expire(token uint64) {
	pd, ok := p.tokens[token]
	if !ok {
		return
	}
	delete(p.tokens, token)
	p.logger.Warn("request timed out", "token", token, "timeout", p.cfg.Timeout)
	p.cfg.Metrics.timeout(p.ctx, p.cfg.Name)
	pd.cb(p.cfg.Failure, mterrors.PS2002(p.fullName(), p.cfg.Timeout))
}
