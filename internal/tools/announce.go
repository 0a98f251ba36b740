package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nanobot-run/corectl/internal/bus"
)

// AnnounceQueueItem is one subagent's completion, waiting to be announced
// back to its parent session.
type AnnounceQueueItem struct {
	SubagentID string
	Label      string
	Status     string
	Result     string
	Runtime    time.Duration
	Iterations int
}

// AnnounceMetadata carries the origin envelope spec.md line 41 describes:
// cron/subagent results flow back in as system-channel inbound messages
// carrying an origin={channel,chat_id} metadata envelope, plus the tracing
// links needed to nest the announce run's spans under the parent.
type AnnounceMetadata struct {
	OriginChannel    string
	OriginChatID     string
	OriginPeerKind   string
	OriginUserID     string
	ParentAgent      string
	OriginTraceID    string
	OriginRootSpanID string
}

type announceBatch struct {
	items []AnnounceQueueItem
	meta  AnnounceMetadata
	timer *time.Timer
}

// AnnounceQueue batches subagent completions that land within a short debounce
// window into one system-channel message per (parent, chat) pair, instead of
// firing one inbound message per finished subagent — matching the teacher's
// own TS debounce pattern referenced in subagent_exec.go.
type AnnounceQueue struct {
	mu       sync.Mutex
	debounce time.Duration
	msgBus   *bus.MessageBus
	batches  map[string]*announceBatch
	countFn  func(parentID string) int
}

// NewAnnounceQueue builds a queue that flushes a session's batch debounce
// after the given delay. countFn reports how many subagents are still
// running for a parent, included in the flushed message so the parent agent
// knows whether more results are still in flight.
func NewAnnounceQueue(msgBus *bus.MessageBus, debounce time.Duration, countFn func(parentID string) int) *AnnounceQueue {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &AnnounceQueue{
		msgBus:   msgBus,
		debounce: debounce,
		batches:  make(map[string]*announceBatch),
		countFn:  countFn,
	}
}

// Enqueue adds item to sessionKey's pending batch, (re)starting the debounce
// timer so a burst of near-simultaneous completions is delivered together.
func (q *AnnounceQueue) Enqueue(sessionKey string, item AnnounceQueueItem, meta AnnounceMetadata) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[sessionKey]
	if !ok {
		b = &announceBatch{meta: meta}
		q.batches[sessionKey] = b
	}
	b.items = append(b.items, item)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(q.debounce, func() { q.flush(sessionKey) })
}

func (q *AnnounceQueue) flush(sessionKey string) {
	q.mu.Lock()
	b, ok := q.batches[sessionKey]
	if ok {
		delete(q.batches, sessionKey)
	}
	q.mu.Unlock()
	if !ok || len(b.items) == 0 {
		return
	}

	remainingActive := 0
	if q.countFn != nil {
		remainingActive = q.countFn(b.meta.ParentAgent)
	}
	content := FormatBatchedAnnounce(b.items, remainingActive)

	q.msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: fmt.Sprintf("subagent:%s", b.items[0].SubagentID),
		ChatID:   b.meta.OriginChatID,
		Content:  content,
		UserID:   b.meta.OriginUserID,
		Metadata: map[string]string{
			"origin_channel":      b.meta.OriginChannel,
			"origin_peer_kind":    b.meta.OriginPeerKind,
			"parent_agent":        b.meta.ParentAgent,
			"origin_trace_id":     b.meta.OriginTraceID,
			"origin_root_span_id": b.meta.OriginRootSpanID,
		},
	}, 5*time.Second)
}

// FormatBatchedAnnounce renders one or more subagent completions as a single
// system-channel message the parent agent re-delivers in its own words.
func FormatBatchedAnnounce(items []AnnounceQueueItem, remainingActive int) string {
	var b strings.Builder
	if len(items) == 1 {
		it := items[0]
		fmt.Fprintf(&b, "Subagent '%s' %s in %s (%d iterations).\n\nResult:\n%s",
			it.Label, it.Status, it.Runtime.Round(time.Second), it.Iterations, it.Result)
	} else {
		fmt.Fprintf(&b, "%d subagents finished:\n\n", len(items))
		for _, it := range items {
			fmt.Fprintf(&b, "--- %s (%s, %s) ---\n%s\n\n", it.Label, it.Status, it.Runtime.Round(time.Second), it.Result)
		}
	}
	if remainingActive > 0 {
		fmt.Fprintf(&b, "\n(%d more subagent(s) still running)", remainingActive)
	}
	return b.String()
}
