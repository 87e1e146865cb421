package walhook

import "github.com/google/uuid"

// NewDatabaseID generates a fresh 128-bit database identity for a primary
// bootstrapping for the first time (spec.md §3's database_id). It only
// mints the ID; nothing in this package persists it across restarts.
func NewDatabaseID() [16]byte {
	return uuid.New()
}

// NewGenerationID generates a fresh 128-bit generation identity, minted
// whenever a primary starts a new generation (spec.md §3's generation_id:
// bumped on primary failover/restart-from-backup, never reused).
func NewGenerationID() [16]byte {
	return uuid.New()
}
