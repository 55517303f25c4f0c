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

// Package daemon wires the edit-session supervisor, the execution engine,
// and the persistence layer behind the HTTP surface: the collaboration
// API, webhook trigger endpoints, health, and metrics.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/galaddirie/flowline/internal/config"
	"github.com/galaddirie/flowline/internal/log"
	"github.com/galaddirie/flowline/internal/metrics"
	"github.com/galaddirie/flowline/internal/store"
	"github.com/galaddirie/flowline/internal/supervisor"
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/engine"
	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/events"
	"github.com/galaddirie/flowline/pkg/step"
	"github.com/galaddirie/flowline/pkg/step/builtin"
)

// Daemon hosts everything behind one HTTP listener.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	store    store.Store
	bus      *events.Bus
	registry *step.Registry
	sup      *supervisor.Supervisor
	engine   *engine.Engine
	recorder *engine.Recorder

	hooks *hookLimiters

	// runs tracks in-flight executions for the shutdown drain.
	runs sync.WaitGroup
}

// New builds a daemon from configuration. The caller owns the lifecycle
// via Run or Close.
func New(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var st store.Store
	switch cfg.Storage.Backend {
	case "memory":
		st = store.NewMemory()
	case "sqlite":
		sq, err := store.NewSQLite(store.SQLiteConfig{Path: cfg.Storage.Path, WAL: cfg.WALEnabled()})
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		st = sq
	default:
		return nil, &errors.ConfigError{Key: "storage.backend", Reason: "unknown backend " + cfg.Storage.Backend}
	}

	registry := builtin.MustRegistry()
	bus := events.NewBus()
	recorder := engine.NewRecorder(st, engine.WithRecorderLogger(log.WithComponent(logger, "recorder")))

	eng := engine.New(registry,
		engine.WithLogger(log.WithComponent(logger, "engine")),
		engine.WithObserver(engine.MultiObserver{
			&engine.BusObserver{Bus: bus},
			recorder,
			metrics.Observer{},
		}),
		engine.WithExecutionTimeout(cfg.Engine.ExecutionTimeout),
		engine.WithStepTimeout(cfg.Engine.StepTimeout),
		engine.WithEventBus(bus),
	)

	sup := supervisor.New(supervisor.Config{
		Store:         st,
		Bus:           bus,
		Types:         registry,
		Logger:        log.WithComponent(logger, "session"),
		FlushInterval: cfg.Session.FlushInterval,
		IdleTimeout:   cfg.Session.IdleTimeout,
		LockTTL:       cfg.Session.LockTTL,
		RingSize:      cfg.Session.RingSize,
	})

	return &Daemon{
		cfg:      cfg,
		logger:   log.WithComponent(logger, "daemon"),
		store:    st,
		bus:      bus,
		registry: registry,
		sup:      sup,
		engine:   eng,
		recorder: recorder,
		hooks:    newHookLimiters(cfg.Server.WebhookRate, cfg.Server.WebhookBurst),
	}, nil
}

// Bus exposes the event bus for transports that stream topics to clients.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Store exposes the persistence layer.
func (d *Daemon) Store() store.Store { return d.store }

// Run serves HTTP until ctx is cancelled, then drains and shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    d.cfg.Server.Addr,
		Handler: d.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", "addr", d.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown incomplete", log.Error(err))
	}
	d.drain(shutdownCtx)
	return d.Close(shutdownCtx)
}

// drain waits for in-flight executions, bounded by ctx.
func (d *Daemon) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("drain timeout; abandoning in-flight executions")
	}
}

// Close flushes sessions and releases resources.
func (d *Daemon) Close(ctx context.Context) error {
	if err := d.sup.Shutdown(ctx); err != nil {
		d.logger.Warn("session shutdown incomplete", log.Error(err))
	}
	d.recorder.Close()
	d.bus.Close()
	return d.store.Close()
}

// runRequest describes one execution start.
type runRequest struct {
	WorkflowID    string
	Mode          engine.Mode
	VersionTag    string
	TriggerStepID string
	TriggerType   string
	Input         any
	Metadata      map[string]any
}

// startRun resolves the draft (live or published), creates a pending
// execution record, and drives the engine in the background.
func (d *Daemon) startRun(ctx context.Context, req runRequest) (*engine.Execution, error) {
	var (
		doc    *draft.Draft
		editor *draft.EditorState
		verID  string
	)

	if req.VersionTag != "" {
		v, err := d.store.GetVersion(ctx, req.WorkflowID, req.VersionTag)
		if err != nil {
			return nil, err
		}
		doc = v.Draft
		editor = draft.NewEditorState()
		verID = v.ID
	} else {
		sess, err := d.sup.Session(ctx, req.WorkflowID)
		if err != nil {
			return nil, err
		}
		snap, err := sess.State(ctx)
		if err != nil {
			return nil, err
		}
		doc = snap.Draft
		if req.Mode == engine.ModePreview {
			editor = snap.Editor
		} else {
			// Production runs ignore editor pins and disables.
			editor = draft.NewEditorState()
		}
	}

	exec := engine.NewExecution(req.WorkflowID, req.Mode)
	exec.VersionID = verID
	exec.TriggerStepID = req.TriggerStepID
	exec.TriggerType = req.TriggerType
	exec.Input = req.Input
	exec.Metadata = req.Metadata

	if err := d.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	d.runs.Add(1)
	go func() {
		defer d.runs.Done()
		start := time.Now()
		// The run outlives the HTTP request; the engine applies its own
		// execution timeout.
		if _, err := d.engine.Run(context.Background(), doc, editor, exec); err != nil {
			log.WithExecution(d.logger, exec.ID, exec.WorkflowID).
				Warn("execution finished with error",
					log.DurationKey, time.Since(start).Milliseconds(),
					log.Error(err))
		}
	}()
	return exec, nil
}
