// Package imessage implements the iMessage channel by shelling out to
// the `imsg` CLI (github.com/steipete/imsg) rather than speaking a
// network protocol directly. `imsg` reads the local Messages database,
// which requires the host process to have Full Disk Access granted in
// macOS System Settings.
//
// Grounded on the original reference's channels/imessage.py, which
// wraps `imsg watch --json` for inbound messages and `imsg send --to
// ... --text ...` for outbound delivery.
package imessage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/nanobot-run/corectl/internal/bus"
	"github.com/nanobot-run/corectl/internal/channels"
	"github.com/nanobot-run/corectl/internal/config"
)

// inboundEvent mirrors one JSON line emitted by `imsg watch --json`.
type inboundEvent struct {
	Text       string `json:"text"`
	Sender     string `json:"sender"`
	IsFromMe   bool   `json:"is_from_me"`
	ChatID     string `json:"chat_id"`
	Service    string `json:"service"`
	At         string `json:"at"`
}

// Channel connects to iMessage via the local `imsg` CLI.
type Channel struct {
	*channels.BaseChannel
	config config.IMessageConfig
	binPath string

	mu     sync.Mutex
	cancel context.CancelFunc
	cmd    *exec.Cmd
	done   chan struct{}
}

// New creates a new iMessage channel from config.
func New(cfg config.IMessageConfig, msgBus *bus.MessageBus) (*Channel, error) {
	binPath := cfg.BinPath
	if binPath == "" {
		binPath = "imsg"
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("imessage", msgBus, cfg.AllowFrom),
		config:      cfg,
		binPath:     binPath,
	}, nil
}

// Start spawns `imsg watch --json` and forwards each decoded line to
// the message bus until Stop is called or the subprocess exits.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting imessage channel", "bin", c.binPath)

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, c.binPath, "watch", "--json")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("imessage: open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("imessage: open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("imessage: start imsg watch: %w (is imsg installed? brew install steipete/tap/imsg)", err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.cmd = cmd
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.SetRunning(true)

	go c.logStderr(stderr)
	go c.readLoop(stdout)

	return nil
}

func (c *Channel) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			slog.Warn("imessage: imsg watch stderr", "line", line)
		}
	}
}

func (c *Channel) readLoop(r io.Reader) {
	defer func() {
		c.mu.Lock()
		if c.done != nil {
			close(c.done)
			c.done = nil
		}
		c.mu.Unlock()
		c.SetRunning(false)
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt inboundEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			slog.Warn("imessage: failed to decode watch line", "error", err, "line", channels.Truncate(line, 200))
			continue
		}
		if evt.IsFromMe {
			continue
		}
		if evt.Sender == "" {
			continue
		}
		metadata := map[string]string{
			"service": evt.Service,
			"at":      evt.At,
		}
		chatID := evt.ChatID
		if chatID == "" {
			chatID = evt.Sender
		}
		// 1:1 replies route back via the sender's own handle.
		c.HandleMessage(evt.Sender, chatID, evt.Text, nil, metadata, "direct")
	}
	if err := scanner.Err(); err != nil {
		slog.Error("imessage: watch stream read error", "error", err)
	}
}

// Stop terminates the `imsg watch` subprocess.
func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.SetRunning(false)
	return nil
}

// Send delivers an outbound message via `imsg send --to <chat_id>
// --text <content>`.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("imessage: send requires a chat_id")
	}
	cmd := exec.CommandContext(ctx, c.binPath, "send", "--to", msg.ChatID, "--text", msg.Content)
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("imessage: send failed", "chat_id", msg.ChatID, "error", err, "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("imessage: send: %w", err)
	}
	slog.Info("imessage: sent message", "chat_id", msg.ChatID)
	return nil
}

// IsAllowed applies the configured DM policy on top of the base
// allowlist check.
func (c *Channel) IsAllowed(senderID string) bool {
	switch c.config.DMPolicy {
	case "disabled":
		return false
	case "open":
		return true
	default: // "allowlist" (default)
		return c.BaseChannel.IsAllowed(senderID)
	}
}
