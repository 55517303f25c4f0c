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

// Package session implements the per-workflow edit authority: a goroutine
// owning the draft replica, the operation log and seq counter, ephemeral
// editor state, and step locks. All mutations are serialized through its
// mailbox, which gives every client the same total operation order.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/galaddirie/flowline/internal/log"
	"github.com/galaddirie/flowline/internal/store"
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/events"
)

// Defaults for session timers and windows.
const (
	DefaultFlushInterval = 2 * time.Second
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultLockTTL       = 30 * time.Second
	DefaultRingSize      = 1024
	defaultDedupWindow   = 4096
)

// Status values returned for accepted operations.
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
)

// Result is the synchronous outcome of an accepted operation.
type Result struct {
	Seq    uint64 `json:"seq"`
	Status string `json:"status"`
}

// Sync response types.
const (
	SyncFull        = "full_sync"
	SyncIncremental = "incremental"
	SyncUpToDate    = "up_to_date"
)

// SyncResponse answers a client's sync request.
type SyncResponse struct {
	Type   string             `json:"type"`
	Seq    uint64             `json:"seq"`
	Draft  *draft.Draft       `json:"draft,omitempty"`
	Ops    []draft.Operation  `json:"ops,omitempty"`
	Editor *draft.EditorState `json:"editor_state,omitempty"`
}

// Snapshot is a point-in-time copy of the session's state, safe to use
// outside the session goroutine.
type Snapshot struct {
	Draft  *draft.Draft
	Editor *draft.EditorState
	Seq    uint64
}

// Config configures a session.
type Config struct {
	WorkflowID string
	Store      store.Store
	Bus        *events.Bus

	// Types validates step type ids on add_step. Nil skips the check.
	Types draft.StepTypeChecker

	Logger *slog.Logger

	FlushInterval time.Duration
	IdleTimeout   time.Duration
	LockTTL       time.Duration
	RingSize      int
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
}

// lock is a per-step edit lock, reclaimable after the TTL lapses without
// a refresh.
type lock struct {
	userID      string
	refreshedAt time.Time
}

// Session is the single-writer authority for one workflow.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	applier *draft.Applier

	cmds     chan command
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Everything below is owned by the loop goroutine.
	draft  *draft.Draft
	editor *draft.EditorState
	seq    uint64
	locks  map[string]lock

	dedup      map[string]uint64
	dedupOrder []string

	ring    *opRing
	pending []draft.Operation

	// structuralDirty marks that the draft moved since the last snapshot.
	structuralDirty bool
	flushFailures   int
	flushDeferred   time.Time

	clients    int
	lastActive time.Time
	testArmed  bool
}

type command func()

// Start recovers the session state from storage and launches the loop.
// A missing draft starts empty; operations past the persisted watermark
// are re-applied (advisory: failures log and skip).
func Start(ctx context.Context, cfg Config) (*Session, error) {
	cfg.defaults()

	s := &Session{
		cfg:        cfg,
		logger:     log.WithSession(cfg.Logger, cfg.WorkflowID),
		applier:    draft.NewApplier(cfg.Types),
		cmds:       make(chan command, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		editor:     draft.NewEditorState(),
		locks:      make(map[string]lock),
		dedup:      make(map[string]uint64),
		ring:       newOpRing(cfg.RingSize),
		lastActive: time.Now(),
	}

	if err := s.recover(ctx); err != nil {
		return nil, err
	}

	go s.loop()
	return s, nil
}

func (s *Session) recover(ctx context.Context) error {
	d, err := s.cfg.Store.LoadDraft(ctx, s.cfg.WorkflowID)
	switch {
	case err == nil:
		s.draft = d
	case errors.Kind(err) == "not_found":
		s.draft = draft.NewDraft(s.cfg.WorkflowID)
	default:
		return err
	}

	watermark, ops, err := s.cfg.Store.LoadPendingOps(ctx, s.cfg.WorkflowID)
	if err != nil {
		return err
	}
	s.seq = watermark

	// Replay is advisory: the ops were valid when written, so a failure
	// here means schema drift, not corruption. Skip and keep going.
	replayer := draft.NewApplier(nil)
	for _, op := range ops {
		if op.Type.IsStructural() {
			next, err := replayer.Apply(s.draft, op)
			if err != nil {
				s.logger.Warn("replay skipped operation",
					log.SeqKey, op.Seq,
					"op_type", string(op.Type),
					log.Error(err))
				continue
			}
			s.draft = next
			s.structuralDirty = true
		}
		// Editor state is ephemeral and starts fresh; only the seq,
		// dedup window, and sync ring carry over.
		if op.Seq > s.seq {
			s.seq = op.Seq
		}
		s.dedupRemember(op.ID, op.Seq)
		s.ring.push(op)
	}
	return nil
}

func (s *Session) loop() {
	defer close(s.done)
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.stop:
			s.drain()
			s.flush(context.Background())
			return
		case <-flush.C:
			s.flush(context.Background())
			if s.idle() {
				s.logger.Info("session idle; shutting down")
				s.flush(context.Background())
				return
			}
		}
	}
}

// drain runs commands that were queued before the stop signal.
func (s *Session) drain() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		default:
			return
		}
	}
}

// idle reports whether the session has had no clients and no pending work
// for the configured interval.
func (s *Session) idle() bool {
	return s.clients == 0 &&
		len(s.pending) == 0 &&
		time.Since(s.lastActive) >= s.cfg.IdleTimeout
}

// Stop flushes and terminates the session. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed when the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// call runs fn inside the session goroutine and waits for it.
func (s *Session) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	cmd := func() {
		fn()
		close(ran)
	}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return &errors.ConflictError{Resource: "session", ID: s.cfg.WorkflowID, Reason: "session stopped"}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitOperation validates and applies one operation, returning its
// assigned seq. Duplicate ids return the original seq with a duplicate
// status and no side effects.
func (s *Session) SubmitOperation(ctx context.Context, op draft.Operation) (Result, error) {
	var (
		res Result
		err error
	)
	callErr := s.call(ctx, func() { res, err = s.apply(op) })
	if callErr != nil {
		return Result{}, callErr
	}
	return res, err
}

func (s *Session) apply(op draft.Operation) (Result, error) {
	s.lastActive = time.Now()

	if seq, seen := s.dedup[op.ID]; seen {
		return Result{Seq: seq, Status: StatusDuplicate}, nil
	}

	stepID, targetsStep := op.TargetStep()
	if targetsStep {
		if held, ok := s.lockHolder(stepID); ok && held != op.UserID {
			return Result{}, &errors.LockedError{StepID: stepID, HeldBy: held}
		}
	}

	next, err := s.applier.Apply(s.draft, op)
	if err != nil {
		return Result{}, err
	}
	if op.Type.IsStructural() {
		s.draft = next
		s.structuralDirty = true
	}
	if err := s.editor.Apply(op); err != nil {
		return Result{}, err
	}
	// Removed steps lose their lock along with their editor state.
	if op.Type == draft.OpRemoveStep {
		delete(s.locks, stepID)
	}

	s.seq++
	op.Seq = s.seq
	op.AppliedAt = time.Now().UTC()

	s.dedupRemember(op.ID, op.Seq)
	s.ring.push(op)
	s.pending = append(s.pending, op)

	s.broadcast("operation-applied", map[string]any{
		"seq": op.Seq,
		"op":  op,
	})
	return Result{Seq: op.Seq, Status: StatusApplied}, nil
}

// AcquireStepLock grants or refreshes a step's edit lock. A lock held by
// another user fails unless its TTL lapsed.
func (s *Session) AcquireStepLock(ctx context.Context, stepID, userID string) error {
	var err error
	callErr := s.call(ctx, func() {
		s.lastActive = time.Now()
		if _, ok := s.draft.StepByID(stepID); !ok {
			err = &errors.NotFoundError{Resource: "step", ID: stepID}
			return
		}
		if held, ok := s.lockHolder(stepID); ok && held != userID {
			err = &errors.LockedError{StepID: stepID, HeldBy: held}
			return
		}
		s.locks[stepID] = lock{userID: userID, refreshedAt: time.Now()}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// ReleaseStepLock releases a held lock. Releasing an unheld or foreign
// lock is a no-op.
func (s *Session) ReleaseStepLock(ctx context.Context, stepID, userID string) error {
	return s.call(ctx, func() {
		s.lastActive = time.Now()
		if l, ok := s.locks[stepID]; ok && l.userID == userID {
			delete(s.locks, stepID)
		}
	})
}

// lockHolder returns the live holder of a step lock, ignoring lapsed ones.
func (s *Session) lockHolder(stepID string) (string, bool) {
	l, ok := s.locks[stepID]
	if !ok {
		return "", false
	}
	if time.Since(l.refreshedAt) > s.cfg.LockTTL {
		delete(s.locks, stepID)
		return "", false
	}
	return l.userID, true
}

// Sync answers a client's catch-up request based on its last known seq.
func (s *Session) Sync(ctx context.Context, clientSeq uint64) (SyncResponse, error) {
	var res SyncResponse
	err := s.call(ctx, func() {
		s.lastActive = time.Now()
		switch {
		case clientSeq == 0:
			res = s.fullSync()
		case clientSeq >= s.seq:
			res = SyncResponse{Type: SyncUpToDate, Seq: s.seq}
		default:
			ops, ok := s.ring.since(clientSeq)
			if !ok {
				res = s.fullSync()
				return
			}
			res = SyncResponse{
				Type:   SyncIncremental,
				Seq:    s.seq,
				Ops:    ops,
				Editor: s.editor.Clone(),
			}
		}
	})
	return res, err
}

func (s *Session) fullSync() SyncResponse {
	return SyncResponse{
		Type:   SyncFull,
		Seq:    s.seq,
		Draft:  s.draft.Clone(),
		Editor: s.editor.Clone(),
	}
}

// State returns a point-in-time snapshot for execution or inspection.
func (s *Session) State(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, func() {
		snap = Snapshot{
			Draft:  s.draft.Clone(),
			Editor: s.editor.Clone(),
			Seq:    s.seq,
		}
	})
	return snap, err
}

// ClientAttached records a connected client for idle accounting.
func (s *Session) ClientAttached(ctx context.Context) error {
	return s.call(ctx, func() {
		s.clients++
		s.lastActive = time.Now()
	})
}

// ClientDetached records a disconnect.
func (s *Session) ClientDetached(ctx context.Context) error {
	return s.call(ctx, func() {
		if s.clients > 0 {
			s.clients--
		}
		s.lastActive = time.Now()
	})
}

// ArmTestListener enables the draft webhook-test endpoint for this
// workflow until disarmed.
func (s *Session) ArmTestListener(ctx context.Context) error {
	return s.call(ctx, func() {
		s.testArmed = true
		s.lastActive = time.Now()
	})
}

// DisarmTestListener disables the draft webhook-test endpoint.
func (s *Session) DisarmTestListener(ctx context.Context) error {
	return s.call(ctx, func() { s.testArmed = false })
}

// TestListenerArmed reports whether a test listener is armed.
func (s *Session) TestListenerArmed(ctx context.Context) (bool, error) {
	var armed bool
	err := s.call(ctx, func() { armed = s.testArmed })
	return armed, err
}

// Flush forces a persistence flush outside the timer cadence.
func (s *Session) Flush(ctx context.Context) error {
	return s.call(ctx, func() { s.flush(ctx) })
}

// flush persists buffered operations and, when structural changes moved
// the draft, a fresh snapshot. Failures keep the buffer and back off.
func (s *Session) flush(ctx context.Context) {
	if len(s.pending) == 0 && !s.structuralDirty {
		return
	}
	if time.Now().Before(s.flushDeferred) {
		return
	}

	if len(s.pending) > 0 {
		if err := s.cfg.Store.AppendOperations(ctx, s.pending); err != nil {
			s.deferFlush(err)
			return
		}
	}

	watermark := s.seq
	if s.structuralDirty || len(s.pending) > 0 {
		if err := s.cfg.Store.SnapshotDraft(ctx, s.draft, watermark); err != nil {
			s.deferFlush(err)
			return
		}
	}

	s.pending = nil
	s.structuralDirty = false
	s.flushFailures = 0
	s.flushDeferred = time.Time{}
}

func (s *Session) deferFlush(err error) {
	s.flushFailures++
	backoff := min(s.cfg.FlushInterval<<min(s.flushFailures, 5), time.Minute)
	s.flushDeferred = time.Now().Add(backoff)
	s.logger.Warn("persistence flush failed; retrying",
		"pending", len(s.pending),
		"backoff", backoff,
		log.Error(err))
	s.broadcast("persistence-warning", map[string]any{
		"pending": len(s.pending),
		"error":   err.Error(),
	})
}

func (s *Session) dedupRemember(opID string, seq uint64) {
	if len(s.dedupOrder) >= defaultDedupWindow {
		oldest := s.dedupOrder[0]
		s.dedupOrder = s.dedupOrder[1:]
		delete(s.dedup, oldest)
	}
	s.dedup[opID] = seq
	s.dedupOrder = append(s.dedupOrder, opID)
}

func (s *Session) broadcast(eventType string, data map[string]any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(events.TopicWorkflowOps(s.cfg.WorkflowID), events.Event{
		Type: eventType,
		Data: data,
	})
}
