// Package scheduler runs uniquely-named background jobs with keep-existing
// or replace submission policies and cancellation by key.
package scheduler

import (
	"context"
	"sync"

	"lumen/internal/logging"
)

// Policy controls what happens when a job is submitted under a key that
// already has a live job.
type Policy int

const (
	// KeepExisting absorbs the new submission; the running job continues.
	KeepExisting Policy = iota
	// Replace cancels the running job before starting the new one.
	Replace
)

// JobFunc is the body of a background job. It must observe ctx and return
// promptly once the context is cancelled.
type JobFunc func(ctx context.Context)

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns a registry of cancellable job handles keyed by name.
// Closing the scheduler cancels every live job and waits for them to
// return, so no job outlives the component that started it.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*handle
	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	slots   chan struct{}
	closed  bool
}

// New creates a scheduler that runs at most maxConcurrent job bodies at a
// time; excess jobs wait for a slot. maxConcurrent < 1 means unlimited.
func New(maxConcurrent int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:    make(map[string]*handle),
		rootCtx: ctx,
		cancel:  cancel,
	}
	if maxConcurrent >= 1 {
		s.slots = make(chan struct{}, maxConcurrent)
	}
	return s
}

// Submit starts fn under the given key. With KeepExisting, a live job for
// the key absorbs the submission and Submit returns false. With Replace,
// any live job is cancelled and awaited before the new one starts.
func (s *Scheduler) Submit(key string, policy Policy, fn JobFunc) bool {
	s.mu.Lock()
	// Another submission can take the key while we wait for the old job
	// to drain, so keep re-checking until the key is free under the lock.
	for {
		if s.closed {
			s.mu.Unlock()
			return false
		}
		existing, ok := s.jobs[key]
		if !ok {
			break
		}
		if policy == KeepExisting {
			s.mu.Unlock()
			logging.Debug("scheduler: job %s already running, submission absorbed", key)
			return false
		}
		existing.cancel()
		done := existing.done
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}

	jobCtx, jobCancel := context.WithCancel(s.rootCtx)
	h := &handle{cancel: jobCancel, done: make(chan struct{})}
	s.jobs[key] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(key, h, jobCtx, fn)
	return true
}

func (s *Scheduler) run(key string, h *handle, ctx context.Context, fn JobFunc) {
	defer s.wg.Done()
	defer close(h.done)
	defer s.release(key, h)

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-ctx.Done():
			return
		}
	}

	fn(ctx)
}

// release removes the handle from the registry unless a replacement has
// already taken the key.
func (s *Scheduler) release(key string, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.jobs[key]; ok && current == h {
		delete(s.jobs, key)
	}
}

// Cancel stops the job registered under key. Returns false when no live
// job exists for the key. Cancellation is cooperative; the job body must
// observe its context.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	h, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

// Active reports whether a live job exists for the key.
func (s *Scheduler) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Close cancels every live job and waits for all of them to return.
// Submissions after Close are rejected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
