package tools

import (
	"context"
	"fmt"
)

// SpawnTool lets an agent fire off a subagent asynchronously and keep going;
// the subagent's result is announced back via the AnnounceQueue when it
// finishes. Matches TS sessions-spawn-tool.ts's "spawn" tool.
type SpawnTool struct {
	mgr      *SubagentManager
	parentID string
	depth    int
}

// NewSpawnTool builds the async "spawn" tool for a given owning agent key and
// its current nesting depth.
func NewSpawnTool(mgr *SubagentManager, parentID string, depth int) *SpawnTool {
	return &SpawnTool{mgr: mgr, parentID: parentID, depth: depth}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a subagent to work on a task in the background. Returns immediately; " +
		"the subagent's result is delivered back to this conversation once it completes."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete, written as complete self-contained instructions.",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for this subagent (optional).",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Optional model override for this subagent.",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	peerKind := ToolPeerKindFromCtx(ctx)
	cb := ToolAsyncCBFromCtx(ctx)

	msg, err := t.mgr.Spawn(ctx, t.parentID, t.depth, task, label, model, channel, chatID, peerKind, cb)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return AsyncResult(msg)
}

// SubagentTool runs a subagent synchronously and returns its final result as
// this tool call's own output, rather than deferring to an announce. Matches
// TS sessions-spawn-tool.ts's "subagent" tool (blocking variant).
type SubagentTool struct {
	mgr      *SubagentManager
	parentID string
	depth    int
}

// NewSubagentTool builds the blocking "subagent" tool.
func NewSubagentTool(mgr *SubagentManager, parentID string, depth int) *SubagentTool {
	return &SubagentTool{mgr: mgr, parentID: parentID, depth: depth}
}

func (t *SubagentTool) Name() string { return "subagent" }

func (t *SubagentTool) Description() string {
	return "Run a subagent synchronously and wait for its result. Use for tasks whose " +
		"output you need before continuing, rather than a background spawn()."
}

func (t *SubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete, written as complete self-contained instructions.",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for this subagent (optional).",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)

	result, iterations, err := t.mgr.RunSync(ctx, t.parentID, t.depth, task, label, channel, chatID)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("%s\n\n(%d iterations)", result, iterations))
}
