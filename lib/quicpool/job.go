/*
 * Quicpool
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package quicpool

import (
	"context"
	"sync"

	"github.com/gravitational/quicpool/lib/resolver"
)

// job orchestrates session attempts on behalf of a group of pending
// requests with the same alias key. The pool owns jobs; requests hold
// non-owning back references. The two variants are directJob and
// proxyJob.
type job interface {
	// run drives the job to a terminal state, returning the session entry
	// or the terminal error. Called once, on its own goroutine.
	run(ctx context.Context) (*sessionEntry, error)
	// aliasKey is the key this job serves.
	aliasKey() AliasKey
	// addRequest attaches a pending request, initializing which lifecycle
	// callbacks it still expects from the job's progress so far.
	addRequest(r *SessionRequest)
	// removeRequest detaches a canceled request.
	removeRequest(r *SessionRequest)
	// setPriority forwards a priority change to in-flight work.
	setPriority(p resolver.Priority)
	// populateErrorDetails copies diagnostics gathered so far.
	populateErrorDetails(d *ErrorDetails)
}

// requestSet is the request bookkeeping shared by both job variants.
type requestSet struct {
	mu       sync.Mutex
	requests map[*SessionRequest]struct{}
}

func newRequestSet() requestSet {
	return requestSet{requests: make(map[*SessionRequest]struct{})}
}

func (s *requestSet) add(r *SessionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r] = struct{}{}
}

func (s *requestSet) remove(r *SessionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, r)
}

func (s *requestSet) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests) == 0
}

// snapshot returns the attached requests at this instant. Notification
// passes iterate a snapshot so request callbacks may re-enter the set.
func (s *requestSet) snapshot() []*SessionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SessionRequest, 0, len(s.requests))
	for r := range s.requests {
		out = append(out, r)
	}
	return out
}
