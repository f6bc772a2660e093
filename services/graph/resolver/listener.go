// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"log/slog"

	"github.com/AleutianAI/convergent/services/graph/intent"
)

// Listener receives resolver events. This is the sole extension point for
// layered policy (gating, escalation, voting, auditing) built outside the
// core.
//
// Listener implementations must tolerate concurrent invocation if the
// resolver is shared across goroutines. A listener's panic or misbehavior is
// caught and logged, never propagated into the publish/resolve path.
type Listener interface {
	// OnPublish fires after an intent is published, with its stability.
	OnPublish(it *intent.Intent, stability float64)

	// OnResolve fires after a resolution completes.
	OnResolve(it *intent.Intent, result *intent.ResolutionResult)

	// OnConflict fires once per conflict found during a resolution.
	OnConflict(it *intent.Intent, conflict intent.ConflictReport)
}

// fire runs a listener callback, containing any panic.
func fire(logger *slog.Logger, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Listener panicked; continuing",
				slog.String("event", event),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}
