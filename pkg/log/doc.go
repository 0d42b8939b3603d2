/*
Package log provides structured logging for poudomaticd using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level for production
debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                   │          │
	│  │  - Zerolog instance                        │          │
	│  │  - Initialized via log.Init()              │          │
	│  │  - Thread-safe for concurrent use          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                    │          │
	│  │  - Level: debug/info/warn/error            │          │
	│  │  - Format: JSON or console (human)         │          │
	│  │  - Output: stdout, file, or custom writer  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                  │          │
	│  │  - WithComponent("worker")                 │          │
	│  │  - WithTaskID("0123...cdef")               │          │
	│  └────────────────────────────────────────────┘          │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

# Usage

Initialize once at daemon startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then derive child loggers per subsystem or per task:

	logger := log.WithComponent("worker")
	logger.Info().Str("kind", "run_build").Msg("task started")

	tlog := log.WithTaskID(taskID)
	tlog.Error().Err(err).Msg("task failed")

The task-id logger is the primary correlation handle: the worker loop,
build orchestrator, and HTTP log stream all tag output with the same
32-character task id, so a build's daemon-side logs line up with the
durable log records clients stream over SSE.

Note that these process logs are diagnostics only. The durable,
client-visible per-task log lives in pkg/taskstore and is written
through the orchestrator's Recorder, not through this package.
*/
package log
