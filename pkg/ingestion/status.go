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

package ingestion

import (
	"fmt"
	"sync"
	"time"
)

// ThreadState is the lifecycle of one ingestion thread.
type ThreadState string

const (
	ThreadRunning   ThreadState = "running"
	ThreadCompleted ThreadState = "completed"
	ThreadFailed    ThreadState = "failed"
)

// Status describes one ingestion thread's progress.
type Status struct {
	ThreadID       string      `json:"thread_id"`
	State          ThreadState `json:"state"`
	TotalFiles     int         `json:"total_files"`
	ProcessedFiles int         `json:"processed_files"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Resumable reports whether the thread can be picked up again. Completed
// threads are terminal.
func (s Status) Resumable() bool {
	return s.State == ThreadRunning || s.State == ThreadFailed
}

// StatusStore is the in-process registry of ingestion threads.
type StatusStore struct {
	mu      sync.Mutex
	threads map[string]Status
	clock   func() time.Time
}

// NewStatusStore builds an empty registry.
func NewStatusStore() *StatusStore {
	return &StatusStore{
		threads: make(map[string]Status),
		clock:   time.Now,
	}
}

// WithClock injects a clock. Test use.
func (s *StatusStore) WithClock(clock func() time.Time) *StatusStore {
	s.clock = clock
	return s
}

// Begin registers a running thread. Restarting a thread that is still
// resumable keeps its creation time.
func (s *StatusStore) Begin(threadID string, totalFiles int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.threads[threadID]; ok {
		if !existing.Resumable() {
			return Status{}, fmt.Errorf("thread %s already completed", threadID)
		}
		existing.State = ThreadRunning
		existing.TotalFiles = totalFiles
		existing.Error = ""
		existing.CompletedAt = nil
		s.threads[threadID] = existing
		return existing, nil
	}
	st := Status{
		ThreadID:   threadID,
		State:      ThreadRunning,
		TotalFiles: totalFiles,
		CreatedAt:  s.clock(),
	}
	s.threads[threadID] = st
	return st, nil
}

// Progress records processed-file count for a running thread.
func (s *StatusStore) Progress(threadID string, processedFiles int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	st.ProcessedFiles = processedFiles
	s.threads[threadID] = st
	return nil
}

// Complete marks the thread terminal-success.
func (s *StatusStore) Complete(threadID string) error {
	return s.finish(threadID, ThreadCompleted, "")
}

// Fail marks the thread failed with the cause. Failed threads are resumable.
func (s *StatusStore) Fail(threadID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(threadID, ThreadFailed, msg)
}

func (s *StatusStore) finish(threadID string, state ThreadState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	now := s.clock()
	st.State = state
	st.Error = errMsg
	st.CompletedAt = &now
	s.threads[threadID] = st
	return nil
}

// Get returns the thread's status.
func (s *StatusStore) Get(threadID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.threads[threadID]
	return st, ok
}

// ResumableThreads lists threads in a resumable state.
func (s *StatusStore) ResumableThreads() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.threads))
	for _, st := range s.threads {
		if st.Resumable() {
			out = append(out, st)
		}
	}
	return out
}
