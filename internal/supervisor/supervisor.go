// Copyright 2025 Galad Dirie
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor owns the lifecycle of edit sessions: one per
// workflow, started on first demand, reaped when they shut down idle,
// restarted on the next request.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/galaddirie/flowline/internal/metrics"
	"github.com/galaddirie/flowline/internal/presence"
	"github.com/galaddirie/flowline/internal/session"
	"github.com/galaddirie/flowline/internal/store"
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/events"
)

// Config carries the shared collaborators handed to every session.
type Config struct {
	Store  store.Store
	Bus    *events.Bus
	Types  draft.StepTypeChecker
	Logger *slog.Logger

	// Per-session tuning, zero values use the session defaults.
	FlushInterval time.Duration
	IdleTimeout   time.Duration
	LockTTL       time.Duration
	RingSize      int
}

type entry struct {
	session  *session.Session
	presence *presence.Tracker
}

// Supervisor is the per-process registry of live edit sessions.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, entries: make(map[string]*entry)}
}

// Session returns the live session for a workflow, starting one if
// absent. A session that shut down (idle timeout or crash) is replaced
// transparently.
func (s *Supervisor) Session(ctx context.Context, workflowID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &errors.ConflictError{Resource: "supervisor", ID: workflowID, Reason: "shutting down"}
	}
	if e, ok := s.entries[workflowID]; ok {
		select {
		case <-e.session.Done():
			// Fall through and start a replacement.
		default:
			return e.session, nil
		}
	}

	sess, err := session.Start(ctx, session.Config{
		WorkflowID:    workflowID,
		Store:         s.cfg.Store,
		Bus:           s.cfg.Bus,
		Types:         s.cfg.Types,
		Logger:        s.cfg.Logger,
		FlushInterval: s.cfg.FlushInterval,
		IdleTimeout:   s.cfg.IdleTimeout,
		LockTTL:       s.cfg.LockTTL,
		RingSize:      s.cfg.RingSize,
	})
	if err != nil {
		return nil, err
	}

	e := &entry{
		session:  sess,
		presence: presence.NewTracker(workflowID, s.cfg.Bus),
	}
	s.entries[workflowID] = e
	metrics.SessionStarted()
	go s.reap(workflowID, e)
	return sess, nil
}

// Presence returns the presence tracker for a workflow's live session,
// or nil when no session is running.
func (s *Supervisor) Presence(workflowID string) *presence.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[workflowID]; ok {
		return e.presence
	}
	return nil
}

// Active returns the ids of workflows with a running session.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		select {
		case <-e.session.Done():
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// reap drops the registry entry once its session exits, so the next
// request starts fresh.
func (s *Supervisor) reap(workflowID string, e *entry) {
	<-e.session.Done()
	metrics.SessionStopped()
	s.mu.Lock()
	if current, ok := s.entries[workflowID]; ok && current == e {
		delete(s.entries, workflowID)
	}
	s.mu.Unlock()
}

// Shutdown stops every live session, flushing each. New sessions are
// refused afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.session.Stop()
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
