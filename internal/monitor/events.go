package monitor

import "time"

// Event types published on the bus.
const (
	EventSessionStarted = "monitor.session_started"
	EventSessionStopped = "monitor.session_stopped"
	EventStatusChanged  = "monitor.status_changed"
	EventWorkerCrashed  = "monitor.worker_crashed"
)

// Reasons a session ends.
const (
	StopRequested = "requested"
	StopFailed    = "all_workers_failed"
	StopNoTokens  = "no_tokens"
	StopShutdown  = "shutdown"
)

type SessionEvent struct {
	Owner     int64
	SessionID string
	Workers   int
	Reason    string
	Uptime    time.Duration
}

type StatusChange struct {
	Owner    int64
	Token    string // display form
	Previous Status
	Current  Status
	First    bool
}

type WorkerCrash struct {
	Owner int64
	Token string // display form
	Err   string
}
