// Package incidents implements the centralized runtime failure handler:
// it persists every failure for audit, de-duplicates by fingerprint in
// a sliding time window, and decides when a class of failure has
// repeated enough to escalate to the user.
package incidents

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nanobot-run/corectl/internal/failures"
)

// Decision is returned by Manager.Report.
type Decision struct {
	Fingerprint     string
	CountInWindow   int
	ShouldNotifyUser bool
	ShouldEscalate  bool
}

type seenRow struct {
	first time.Time
	last  time.Time
	count int
}

// OnDecision is invoked after every report; handler panics/errors are
// swallowed so one broken handler never affects incident bookkeeping.
type OnDecision func(event failures.Event, decision Decision)

// Manager centralizes runtime failure handling.
type Manager struct {
	dedupeWindow     time.Duration
	escalateThreshold int
	onDecision       OnDecision

	mu   sync.Mutex
	seen map[string]*seenRow

	log *Log
}

// Option configures a Manager.
type Option func(*Manager)

// WithDedupeWindowSeconds sets the sliding dedupe window; clamped to a
// minimum of 60s per spec.
func WithDedupeWindowSeconds(seconds int) Option {
	return func(m *Manager) {
		if seconds < 60 {
			seconds = 60
		}
		m.dedupeWindow = time.Duration(seconds) * time.Second
	}
}

// WithEscalateThreshold sets the escalate threshold; clamped to a
// minimum of 2 per spec.
func WithEscalateThreshold(n int) Option {
	return func(m *Manager) {
		if n < 2 {
			n = 2
		}
		m.escalateThreshold = n
	}
}

// WithOnDecision registers a callback invoked after every report.
func WithOnDecision(cb OnDecision) Option {
	return func(m *Manager) { m.onDecision = cb }
}

// NewManager builds an IncidentManager persisting its durable failure
// log at logPath (bounded to the last maxEntries events).
func NewManager(logPath string, maxEntries int, opts ...Option) *Manager {
	m := &Manager{
		dedupeWindow:      1800 * time.Second,
		escalateThreshold: 3,
		seen:              make(map[string]*seenRow),
		log:               NewLog(logPath, maxEntries),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Report records a failure event, updates the dedupe window, and
// returns the resulting escalation decision. Never panics.
func (m *Manager) Report(event failures.Event) Decision {
	now := time.Now()

	m.mu.Lock()
	m.prune(now)
	fp := event.ResolvedFingerprint()
	row, ok := m.seen[fp]
	if !ok {
		row = &seenRow{first: now}
		m.seen[fp] = row
	}
	row.last = now
	row.count++
	count := row.count
	m.mu.Unlock()

	details := make(map[string]interface{}, len(event.Details)+4)
	for k, v := range event.Details {
		details[k] = v
	}
	details["severity"] = string(event.Severity)
	details["retryable"] = event.Retryable
	details["fingerprint"] = fp
	details["count_in_window"] = count

	if err := m.log.Append(Entry{
		Timestamp: now,
		Source:    event.Source,
		Category:  event.Category,
		Summary:   event.Summary,
		Details:   details,
	}); err != nil {
		slog.Warn("incident: failed to persist failure log entry", "error", err)
	}

	severe := event.Severity == failures.SeverityError || event.Severity == failures.SeverityCritical
	shouldEscalate := severe && count >= m.escalateThreshold

	decision := Decision{
		Fingerprint:      fp,
		CountInWindow:    count,
		ShouldEscalate:   shouldEscalate,
		ShouldNotifyUser: shouldEscalate,
	}

	slog.Warn("incident reported",
		"source", event.Source,
		"category", event.Category,
		"severity", event.Severity,
		"retryable", event.Retryable,
		"fingerprint", fp,
		"count", count,
	)

	if m.onDecision != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Debug("incident: on_decision callback panicked", "recover", r)
				}
			}()
			m.onDecision(event, decision)
		}()
	}

	return decision
}

// prune removes stale dedupe rows outside the sliding window. Caller
// must hold m.mu.
func (m *Manager) prune(now time.Time) {
	cutoff := now.Add(-m.dedupeWindow)
	for fp, row := range m.seen {
		if row.last.Before(cutoff) {
			delete(m.seen, fp)
		}
	}
}
