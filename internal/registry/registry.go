// Package registry correlates asynchronous catalog lookups with the chat request
// that started them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaybot/internal/catalog"
	"relaybot/internal/transport"
)

var ErrDuplicateJobID = errors.New("registry: duplicate job id")

// Requester identifies who asked and where the answer goes.
type Requester struct {
	UserID  int64
	Name    string
	Origin  transport.ChatTarget
	Private bool
}

type PendingRequest struct {
	JobID     catalog.JobID
	Requester Requester
	Kind      catalog.Kind
	Target    uint32
	CreatedAt time.Time
}

// Registry holds pending requests keyed by job id. Each entry is consumed at most once.
type Registry struct {
	mu      sync.Mutex
	pending map[catalog.JobID]PendingRequest
	now     func() time.Time
}

func New() *Registry {
	return &Registry{pending: map[catalog.JobID]PendingRequest{}, now: time.Now}
}

func (r *Registry) Register(req PendingRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[req.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJobID, req.JobID)
	}
	r.pending[req.JobID] = req
	return nil
}

// Resolve removes and returns the entry for id. ok is false for late, duplicate or
// unsolicited responses.
func (r *Registry) Resolve(id catalog.JobID) (PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return req, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Expire removes entries older than ttl and returns them oldest first.
// A ttl <= 0 never expires anything.
func (r *Registry) Expire(now time.Time, ttl time.Duration) []PendingRequest {
	if ttl <= 0 {
		return nil
	}
	cutoff := now.Add(-ttl)

	r.mu.Lock()
	var out []PendingRequest
	for id, req := range r.pending {
		if !req.CreatedAt.After(cutoff) {
			out = append(out, req)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
