package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"livewatch/internal/session"
	"livewatch/internal/sink"
)

// SessionID uniquely identifies a watch session.
type SessionID string

// NewSessionID returns a random session ID.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// StatusRecord is the mirrored, serializable view of a watch session.
// This also matches the JSON returned by the session endpoints.
type StatusRecord struct {
	ID         SessionID                `json:"id"`
	Stream     session.StreamDescriptor `json:"stream"`
	Status     session.Status           `json:"status"`
	Message    string                   `json:"message,omitempty"`
	RetryCount int                      `json:"retry_count"`
	Generation uint64                   `json:"generation"`
	Strategy   string                   `json:"strategy"`
	EmbedURL   string                   `json:"embed_url,omitempty"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// WatchSession pairs a controller with the sink it drives.
type WatchSession struct {
	ID         SessionID
	Controller *session.Controller
	Sink       *sink.SegmentSink
	CreatedAt  time.Time

	// mu serializes lifecycle commands; once closed is set the controller
	// is never opened or retried again.
	mu     sync.Mutex
	closed bool
}

// replace switches the controller to desc. It reports false once the
// session has been closed.
func (ws *WatchSession) replace(desc session.StreamDescriptor) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return false
	}
	ws.Controller.Open(desc)
	return true
}

// retry restarts the controller. It reports false once the session has
// been closed.
func (ws *WatchSession) retry() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return false
	}
	ws.Controller.Retry()
	return true
}

// close tears the controller and the sink down. It reports false if the
// session was already closed.
func (ws *WatchSession) close() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return false
	}
	ws.closed = true
	ws.Controller.Close()
	ws.Sink.Close()
	return true
}

// Record snapshots the session's current state.
func (ws *WatchSession) Record() StatusRecord {
	snap := ws.Controller.Snapshot()
	ui := session.Project(snap.State)
	return StatusRecord{
		ID:         ws.ID,
		Stream:     snap.Descriptor,
		Status:     ui.Status,
		Message:    ui.Message,
		RetryCount: snap.State.RetryCount,
		Generation: snap.State.Generation,
		Strategy:   snap.Strategy.String(),
		EmbedURL:   snap.EmbedURL,
		UpdatedAt:  time.Now().UTC(),
	}
}
