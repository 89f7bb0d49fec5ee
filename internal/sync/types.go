// Package sync implements the replicache-style push/pull protocol that keeps
// client-side journal replicas converged with the server: an idempotent
// mutation queue on push, a version-keyed patch log on pull, and
// last-write-wins conflict resolution in server apply order.
package sync

import (
	"encoding/json"
	"errors"

	"tradebook/api/internal/store"
)

const (
	OpPut   = "put"
	OpDel   = "del"
	OpClear = "clear"
)

// Mutation is one queued client mutation. IDs are per-client, contiguous, and
// start at 1.
type Mutation struct {
	ID       int64           `json:"id"`
	ClientID string          `json:"clientID"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
}

type PushRequest struct {
	PushVersion   int        `json:"pushVersion"`
	ClientGroupID string     `json:"clientGroupID"`
	ProfileID     string     `json:"profileID"`
	SchemaVersion string     `json:"schemaVersion"`
	Mutations     []Mutation `json:"mutations"`
}

type PullRequest struct {
	PullVersion   int    `json:"pullVersion"`
	ClientGroupID string `json:"clientGroupID"`
	Cookie        *int64 `json:"cookie"`
	ProfileID     string `json:"profileID"`
	SchemaVersion string `json:"schemaVersion"`
}

type PatchOperation struct {
	Op    string          `json:"op"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type PullResponse struct {
	Cookie                int64            `json:"cookie"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges"`
	Patch                 []PatchOperation `json:"patch"`
}

// PushResult reports what a push (or a server-applied mutation) changed, so
// the caller can poke subscribers and reindex search.
type PushResult struct {
	Applied bool
	Version int64

	ChangedNotes          []store.Note
	DeletedNoteIDs        []string
	ChangedStockTrades    []store.StockTrade
	DeletedStockTradeIDs  []string
	ChangedOptionTrades   []store.OptionTrade
	DeletedOptionTradeIDs []string
}

var (
	// ErrInvalidRequest covers malformed protocol envelopes.
	ErrInvalidRequest = errors.New("invalid sync request")
	// ErrOutOfOrderMutation means a mutation ID skipped ahead of the client's
	// queue; the push is aborted so the client can recover.
	ErrOutOfOrderMutation = errors.New("mutation out of order")
	// ErrClientSpaceMismatch means a known client tried to push into a space
	// or client group it does not belong to.
	ErrClientSpaceMismatch = errors.New("client belongs to a different space")
	// ErrMutationRejected marks a permanently invalid mutation. It is logged
	// and skipped with its ID consumed, so a bad mutation cannot wedge the
	// client's queue on replay.
	ErrMutationRejected = errors.New("mutation rejected")
	// ErrUnknownMutator is returned by server-side Apply for names that have
	// no registered mutator.
	ErrUnknownMutator = errors.New("unknown mutator")
)
