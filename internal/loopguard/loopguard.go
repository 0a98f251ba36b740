// Package loopguard provides the shared hashing and repeat-window
// helpers used by the tool executor and the turn engine to detect a
// model stuck repeating the same tool calls.
package loopguard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/nanobot-run/corectl/internal/providers"
)

// CallHash returns a stable hash for one tool call based on its name
// and sorted-key JSON-encoded arguments. Equal hash means "same call"
// for loop detection and repeat-failure interception.
func CallHash(name string, arguments map[string]interface{}) string {
	sum := sha256.Sum256([]byte(name + ":" + sortedJSON(arguments)))
	return hex.EncodeToString(sum[:])
}

// sortedJSON renders a map as JSON with keys in sorted order, matching
// Python's json.dumps(args, sort_keys=True).
func sortedJSON(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 64)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		vb, err := json.Marshal(m[k])
		if err != nil {
			vb = []byte("null")
		}
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return string(ordered)
}

// CollectCallIDsAndHashes extracts call ids and stable hashes for a
// batch of tool calls.
func CollectCallIDsAndHashes(calls []providers.ToolCall) (ids []string, hashes []string) {
	ids = make([]string, 0, len(calls))
	hashes = make([]string, 0, len(calls))
	for _, tc := range calls {
		if tc.ID != "" {
			ids = append(ids, tc.ID)
		}
		hashes = append(hashes, CallHash(tc.Name, tc.Arguments))
	}
	return ids, hashes
}

// IsHashLoop is true when every current hash already appeared in the
// seen-hash window.
func IsHashLoop(currentHashes []string, seenHashes map[string]struct{}) bool {
	if len(currentHashes) == 0 {
		return false
	}
	for _, h := range currentHashes {
		if _, ok := seenHashes[h]; !ok {
			return false
		}
	}
	return true
}

// IsIDLoop is true when current ids are non-empty and every one already
// appeared in the seen-id window.
func IsIDLoop(currentIDs []string, seenIDs map[string]struct{}) bool {
	if len(currentIDs) == 0 {
		return false
	}
	for _, id := range currentIDs {
		if _, ok := seenIDs[id]; !ok {
			return false
		}
	}
	return true
}

// RepeatWindow tracks how many consecutive iterations produced the
// same signature (a joined, sorted hash set).
type RepeatWindow struct {
	lastSignature string
	repeatCount   int
}

// Update advances the window with a new signature and returns the
// resulting repeat count for that signature.
func (w *RepeatWindow) Update(signature string) int {
	if signature != "" && signature == w.lastSignature {
		w.repeatCount++
	} else {
		w.lastSignature = signature
		w.repeatCount = 1
	}
	return w.repeatCount
}

// RepeatCount returns the current repeat count without mutating state.
func (w *RepeatWindow) RepeatCount() int { return w.repeatCount }

// LastSignature returns the last-seen signature.
func (w *RepeatWindow) LastSignature() string { return w.lastSignature }
