package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP control connections accepted
	ActiveConnections atomic.Int64 // current active control connections
	Registrations     atomic.Int64 // successful username registrations
	SessionsReplaced  atomic.Int64 // registrations that displaced an older session
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Call counters
	CallsPlaced     atomic.Int64 // call attempts admitted (rung or queued)
	CallsQueued     atomic.Int64 // attempts parked in a wait queue
	QueueServed     atomic.Int64 // queued attempts promoted to ringing
	CallsAccepted   atomic.Int64 // accepts (handoff started)
	CallsConnected  atomic.Int64 // handoffs completed, call active
	CallsRejected   atomic.Int64 // callee rejections
	CallsCancelled  atomic.Int64 // caller cancellations (ringing or queued)
	CallsEnded      atomic.Int64 // active calls hung up normally
	CallsDropped    atomic.Int64 // attempts lost to a party disconnecting
	HandoffFailures atomic.Int64 // handoffs that timed out

	// Delivery counters
	NotificationsDropped atomic.Int64 // pushes lost to a full outbound queue
	CommandErrors        atomic.Int64 // commands rejected with an error response
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// Snapshot returns a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	Registrations     int64 `json:"registrations"`
	SessionsReplaced  int64 `json:"sessions_replaced"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	CallsPlaced     int64 `json:"calls_placed"`
	CallsQueued     int64 `json:"calls_queued"`
	QueueServed     int64 `json:"queue_served"`
	CallsAccepted   int64 `json:"calls_accepted"`
	CallsConnected  int64 `json:"calls_connected"`
	CallsRejected   int64 `json:"calls_rejected"`
	CallsCancelled  int64 `json:"calls_cancelled"`
	CallsEnded      int64 `json:"calls_ended"`
	CallsDropped    int64 `json:"calls_dropped"`
	HandoffFailures int64 `json:"handoff_failures"`

	NotificationsDropped int64 `json:"notifications_dropped"`
	CommandErrors        int64 `json:"command_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:               uptime.Truncate(time.Second).String(),
		UptimeSeconds:        int64(uptime.Seconds()),
		ActiveConnections:    m.ActiveConnections.Load(),
		TotalConnections:     m.TotalConnections.Load(),
		Registrations:        m.Registrations.Load(),
		SessionsReplaced:     m.SessionsReplaced.Load(),
		TotalDisconnects:     m.TotalDisconnects.Load(),
		CallsPlaced:          m.CallsPlaced.Load(),
		CallsQueued:          m.CallsQueued.Load(),
		QueueServed:          m.QueueServed.Load(),
		CallsAccepted:        m.CallsAccepted.Load(),
		CallsConnected:       m.CallsConnected.Load(),
		CallsRejected:        m.CallsRejected.Load(),
		CallsCancelled:       m.CallsCancelled.Load(),
		CallsEnded:           m.CallsEnded.Load(),
		CallsDropped:         m.CallsDropped.Load(),
		HandoffFailures:      m.HandoffFailures.Load(),
		NotificationsDropped: m.NotificationsDropped.Load(),
		CommandErrors:        m.CommandErrors.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"calls_placed", s.CallsPlaced,
		"calls_connected", s.CallsConnected,
		"queue_served", s.QueueServed,
		"handoff_failures", s.HandoffFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
