package store

import (
	"context"

	"github.com/google/uuid"
)

// AgentData is the subset of an agent's identity a channel needs to resolve
// its configured agent key to a stable ID. This core runs a single agent
// per process (spec.md names no multi-agent registry), so AgentStore is
// always nil here — kept only so channel constructors copied from the
// teacher keep compiling and degrade their optional features gracefully,
// exactly as the teacher's own "nil in standalone mode" fields do.
type AgentData struct {
	ID  uuid.UUID
	Key string
}

// GroupFileWriter is one group member permitted to write workspace context
// files on behalf of a Telegram group chat.
type GroupFileWriter struct {
	UserID      string
	Username    *string
	DisplayName *string
}

// AgentStore resolves agent identities and manages the per-group file-writer
// allowlist a channel consults before letting a group member edit workspace
// files. Never constructed by this core's composition root; channels treat
// a nil AgentStore as "feature disabled".
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*AgentData, error)
	GetByKey(ctx context.Context, key string) (*AgentData, error)

	IsGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) (bool, error)
	AddGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID, firstName, username string) error
	RemoveGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) error
	ListGroupFileWriters(ctx context.Context, agentID uuid.UUID, groupID string) ([]GroupFileWriter, error)
}

// TeamStore would back multi-agent team collaboration commands (/tasks,
// /task_detail). Out of scope for this core's single-agent model; kept as
// a marker type so channel constructors that accept one as an optional,
// always-nil dependency keep compiling.
type TeamStore interface {
	GetTeamForAgent(ctx context.Context, agentID uuid.UUID) (*TeamData, error)
}

// TeamData names the team an agent belongs to, when TeamStore is present.
type TeamData struct {
	ID   uuid.UUID
	Name string
}

// PairingStore gates unknown DM senders pending owner approval. Backed for
// real by internal/pairing.Service via internal/store/file.FilePairingStore
// — this is the one optional-dependency store this core actually
// constructs, since dm_policy defaults to "pairing" for personal channels.
type PairingStore interface {
	IsPaired(senderID, channel string) bool
	RequestPairing(senderID, channel, chatID, agentKey string) (string, error)
}
