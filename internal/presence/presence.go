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

// Package presence tracks which users are active in a workflow's edit
// session: identity, cursor, selection, and focus. Entries are ephemeral
// and vanish the moment the tracked connection drops. Presence is
// best-effort and ordered only by its own timestamps, never by the
// operation sequence.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/galaddirie/flowline/pkg/events"
)

// Identity is the display identity attached to a presence entry.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Color  string `json:"color,omitempty"`
}

// Cursor is a canvas coordinate pair.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Entry is one user's presence in a session.
type Entry struct {
	Identity
	Cursor    *Cursor   `json:"cursor,omitempty"`
	Selected  []string  `json:"selected_step_ids,omitempty"`
	Focused   string    `json:"focused_step_id,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update carries the fields of a presence update. Nil fields are left
// untouched; set fields win over whatever is stored (last write wins per
// field).
type Update struct {
	Cursor   *Cursor   `json:"cursor,omitempty"`
	Selected *[]string `json:"selected_step_ids,omitempty"`
	Focused  *string   `json:"focused_step_id,omitempty"`
}

// Tracker is the per-workflow presence set, keyed by user id.
type Tracker struct {
	workflowID string
	bus        *events.Bus

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTracker creates an empty tracker. bus may be nil, in which case
// presence diffs are not broadcast.
func NewTracker(workflowID string, bus *events.Bus) *Tracker {
	return &Tracker{
		workflowID: workflowID,
		bus:        bus,
		entries:    make(map[string]*Entry),
	}
}

// Join registers a user. Rejoining replaces the previous entry; presence
// is scoped to one connection, so the newest connection wins.
func (t *Tracker) Join(id Identity) Entry {
	now := time.Now().UTC()
	entry := Entry{Identity: id, JoinedAt: now, UpdatedAt: now}

	t.mu.Lock()
	t.entries[id.UserID] = &entry
	snapshot := entry
	t.mu.Unlock()

	t.broadcast("presence-joined", map[string]any{"user": snapshot})
	return snapshot
}

// Update merges cursor/selection/focus changes into an existing entry.
// Updates for unknown users are dropped; the client must join first.
func (t *Tracker) Update(userID string, u Update) (Entry, bool) {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	if !ok {
		t.mu.Unlock()
		return Entry{}, false
	}
	if u.Cursor != nil {
		c := *u.Cursor
		entry.Cursor = &c
	}
	if u.Selected != nil {
		entry.Selected = append([]string(nil), (*u.Selected)...)
	}
	if u.Focused != nil {
		entry.Focused = *u.Focused
	}
	entry.UpdatedAt = time.Now().UTC()
	snapshot := *entry
	t.mu.Unlock()

	t.broadcast("presence-updated", map[string]any{"user": snapshot})
	return snapshot, true
}

// Leave removes a user. Removing an absent user is a no-op with no
// broadcast.
func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	_, ok := t.entries[userID]
	delete(t.entries, userID)
	t.mu.Unlock()

	if ok {
		t.broadcast("presence-left", map[string]any{"user_id": userID})
	}
}

// Monitor removes the user when the connection's done channel closes.
func (t *Tracker) Monitor(userID string, disconnected <-chan struct{}) {
	go func() {
		<-disconnected
		t.Leave(userID)
	}()
}

// List returns all entries ordered by join time, oldest first.
func (t *Tracker) List() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, *entry)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Count returns the number of present users.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) broadcast(eventType string, data map[string]any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.TopicWorkflowPresence(t.workflowID), events.Event{
		Type: eventType,
		Data: data,
	})
}
