package store

import "github.com/google/uuid"

// Stores is the top-level container for the storage backends a single-
// process core needs: sessions, memory, cron, and skills. There is no
// managed/multi-tenant mode — every store is always populated.
type Stores struct {
	Sessions SessionStore
	Memory   MemoryStore
	Cron     CronStore
	Skills   SkillStore
}

// GenNewID returns a fresh random identifier, used for span/trace ids and
// anywhere else a UUIDv4 is needed outside a specific store's own ID scheme.
func GenNewID() uuid.UUID { return uuid.New() }
