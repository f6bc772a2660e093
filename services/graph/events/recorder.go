// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/convergent/services/graph/intent"
	"github.com/AleutianAI/convergent/services/graph/resolver"
)

// Recorder is a resolver.Listener that appends every resolver event to the
// audit trail.
//
// Listener callbacks carry no context, so appends run under
// context.Background(). Append failures are logged and swallowed: the audit
// trail must never break the publish/resolve path.
type Recorder struct {
	log    *Log
	logger *slog.Logger
}

var _ resolver.Listener = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to the given log.
func NewRecorder(log *Log, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, logger: logger}
}

// OnPublish records an intent_published event.
func (r *Recorder) OnPublish(it *intent.Intent, stability float64) {
	r.append(&Event{
		Type:      EventIntentPublished,
		AgentID:   it.AgentID,
		IntentID:  it.ID,
		Stability: stability,
	})
}

// OnResolve records an intent_resolved event with the full result.
func (r *Recorder) OnResolve(it *intent.Intent, result *intent.ResolutionResult) {
	r.append(&Event{
		Type:     EventIntentResolved,
		AgentID:  it.AgentID,
		IntentID: it.ID,
		Result:   result.Clone(),
	})
}

// OnConflict records a conflict_detected event.
func (r *Recorder) OnConflict(it *intent.Intent, conflict intent.ConflictReport) {
	c := conflict
	r.append(&Event{
		Type:     EventConflictDetected,
		AgentID:  it.AgentID,
		IntentID: it.ID,
		Conflict: &c,
	})
}

func (r *Recorder) append(ev *Event) {
	if err := r.log.Append(context.Background(), ev); err != nil {
		r.logger.Error("Failed to record event",
			slog.String("type", string(ev.Type)),
			slog.String("intent_id", ev.IntentID),
			slog.Any("error", err),
		)
	}
}
