/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the volatile outbox for dev and tests. Events do not
// survive process restart; the drainer factory refuses it in production.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
	clock  func() time.Time
}

// NewMemoryStore constructs an empty volatile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for lease-expiry tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Durable() bool { return false }

func (s *MemoryStore) WriteEvent(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return &WriteError{EventID: e.EventID, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	cp := e
	s.events[e.EventID] = &cp
	return nil
}

func (s *MemoryStore) WriteAfterTx(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := s.WriteEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// WriteInTx has no transaction to join in the volatile store; the write is
// applied immediately.
func (s *MemoryStore) WriteInTx(ctx context.Context, _ Tx, e Event) error {
	return s.WriteEvent(ctx, e)
}

func (s *MemoryStore) LoadPending(_ context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, workerID string, limit int, lease time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()

	candidates := make([]*Event, 0, limit)
	for _, e := range s.events {
		if e.Status == StatusPending || (e.Status == StatusClaimed && e.ClaimExpiresAt.Before(now)) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Event, 0, len(candidates))
	for _, e := range candidates {
		e.Status = StatusClaimed
		e.ClaimedBy = workerID
		e.ClaimExpiresAt = now.Add(lease)
		out = append(out, *e)
	}
	return out, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = StatusCompleted
	return nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = StatusPending
	e.ClaimedBy = ""
	e.ClaimExpiresAt = time.Time{}
	return nil
}

func (s *MemoryStore) ReleaseExpiredClaims(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	released := 0
	for _, e := range s.events {
		if e.Status == StatusClaimed && e.ClaimExpiresAt.Before(now) {
			e.Status = StatusPending
			e.ClaimedBy = ""
			e.ClaimExpiresAt = time.Time{}
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) DeleteEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		return ErrEventNotFound
	}
	delete(s.events, eventID)
	return nil
}

func (s *MemoryStore) UpdateRetryCount(_ context.Context, eventID string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	// Retry counts only move forward.
	if retryCount > e.RetryCount {
		e.RetryCount = retryCount
	}
	return nil
}

// Get returns a copy of an event for test assertions.
func (s *MemoryStore) Get(eventID string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return Event{}, false
	}
	return *e, true
}
