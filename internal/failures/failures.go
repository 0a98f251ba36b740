// Package failures defines the shared failure event types reported by
// the tool executor, cron scheduler, and turn engine into the incident
// manager.
package failures

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Severity normalizes failure severity across agent/cron/tool execution.
type Severity string

const (
	SeverityTransient Severity = "transient"
	SeverityWarning   Severity = "warning"
	SeverityError     Severity = "error"
	SeverityCritical  Severity = "critical"
)

// Event is the canonical failure payload recorded by the Incident
// Manager.
type Event struct {
	Source      string
	Category    string
	Summary     string
	Details     map[string]interface{}
	Severity    Severity
	Retryable   bool
	Fingerprint string // pre-resolved fingerprint, if the caller already has one
}

// keepKeys lists the detail keys stable enough to build a fingerprint
// from; anything else falls back to a sorted sample of raw key names.
var keepKeys = []string{"tool", "error_type", "error_code", "job_id", "task_name", "reason"}

// ResolvedFingerprint returns e.Fingerprint if set, else computes a
// 16-hex-char SHA-256 digest over source/category/summary-prefix and a
// normalized view of details.
func (e Event) ResolvedFingerprint() string {
	if e.Fingerprint != "" {
		return e.Fingerprint
	}

	summary := strings.TrimSpace(e.Summary)
	if len(summary) > 120 {
		summary = summary[:120]
	}

	stable := map[string]interface{}{
		"source":   e.Source,
		"category": e.Category,
		"summary":  summary,
		"details":  normalizedDetails(e.Details),
	}

	raw, err := marshalSorted(stable)
	if err != nil {
		raw = []byte(e.Source + e.Category + summary)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

func normalizedDetails(details map[string]interface{}) map[string]interface{} {
	normalized := make(map[string]interface{})
	for _, k := range keepKeys {
		if v, ok := details[k]; ok && v != nil {
			normalized[k] = v
		}
	}
	if len(normalized) == 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 10 {
			keys = keys[:10]
		}
		raw := make([]interface{}, len(keys))
		for i, k := range keys {
			raw[i] = k
		}
		normalized["raw_keys"] = raw
	}
	return normalized
}

// marshalSorted renders v (expected to be map[string]interface{}
// possibly nested) with map keys in sorted order so the fingerprint is
// deterministic regardless of Go map iteration order.
func marshalSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b []byte
		b = append(b, '{')
		for i, k := range keys {
			if i > 0 {
				b = append(b, ',')
			}
			kb, _ := json.Marshal(k)
			b = append(b, kb...)
			b = append(b, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			b = append(b, vb...)
		}
		b = append(b, '}')
		return b, nil
	default:
		return json.Marshal(v)
	}
}
