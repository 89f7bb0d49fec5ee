package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"tradebook/api/internal/store"
)

// Adapter provides transactions to the engine.
type Adapter interface {
	BeginSync(ctx context.Context) (Tx, error)
}

// Tx is the transactional surface the engine and its mutators run against.
// Implemented by store.SyncTx in production and by an in-memory fake in tests.
type Tx interface {
	Commit() error
	Rollback() error

	LockSpace(ctx context.Context, spaceID string) (store.Space, error)
	Space(ctx context.Context, spaceID string) (store.Space, error)
	SetSpaceVersion(ctx context.Context, spaceID string, version int64) error

	GetClient(ctx context.Context, clientID string) (store.ReplicacheClient, bool, error)
	PutClient(ctx context.Context, c store.ReplicacheClient) error
	GroupClientsChangedSince(ctx context.Context, clientGroupID string, since int64) (map[string]int64, error)

	EntriesChangedSince(ctx context.Context, spaceID string, since int64) ([]store.SyncEntry, error)

	UpsertStockTrade(ctx context.Context, item store.StockTrade) error
	DeleteStockTrade(ctx context.Context, spaceID, id string, version int64) error
	UpsertOptionTrade(ctx context.Context, item store.OptionTrade) error
	DeleteOptionTrade(ctx context.Context, spaceID, id string, version int64) error
	UpsertNote(ctx context.Context, item store.Note) error
	DeleteNote(ctx context.Context, spaceID, id string, version int64) error
	UpsertPlaybook(ctx context.Context, item store.Playbook) error
	DeletePlaybook(ctx context.Context, spaceID, id string, version int64) error
}

// MutatorFunc applies one mutation inside the push transaction. version is
// the space version the whole push will commit as.
type MutatorFunc func(ctx context.Context, tx Tx, spaceID string, version int64, args json.RawMessage, res *PushResult) error

type Engine struct {
	db       Adapter
	mutators map[string]MutatorFunc
}

func NewEngine(db Adapter) *Engine {
	e := &Engine{
		db:       db,
		mutators: make(map[string]MutatorFunc),
	}
	e.registerDefaultMutators()
	return e
}

type storeAdapter struct {
	s *store.PostgresStore
}

func (a storeAdapter) BeginSync(ctx context.Context) (Tx, error) {
	return a.s.BeginSync(ctx)
}

// NewPostgresEngine wires the engine to the Postgres store.
func NewPostgresEngine(s *store.PostgresStore) *Engine {
	return NewEngine(storeAdapter{s: s})
}

// Push applies a client group's queued mutations to a space. The whole push
// runs in one transaction with the space row locked, so concurrent pushes to
// the same space serialize and the version sequence stays strictly monotonic.
//
// Per mutation, against the client's stored lastMutationID:
//   - already seen: skipped, making offline replay idempotent
//   - skipped ahead: the push aborts with ErrOutOfOrderMutation
//   - next in line: dispatched to its mutator; a rejected or unknown mutation
//     is logged and skipped but still consumes its ID
func (e *Engine) Push(ctx context.Context, spaceID string, req PushRequest) (PushResult, error) {
	var result PushResult
	if req.ClientGroupID == "" {
		return result, fmt.Errorf("%w: clientGroupID is required", ErrInvalidRequest)
	}

	tx, err := e.db.BeginSync(ctx)
	if err != nil {
		return result, err
	}
	defer func() { _ = tx.Rollback() }()

	sp, err := tx.LockSpace(ctx, spaceID)
	if err != nil {
		return result, err
	}
	next := sp.Version + 1

	clients := make(map[string]*store.ReplicacheClient)
	applied := false

	for _, m := range req.Mutations {
		if m.ClientID == "" || m.ID <= 0 {
			return result, fmt.Errorf("%w: mutation %d has no client", ErrInvalidRequest, m.ID)
		}

		client, ok := clients[m.ClientID]
		if !ok {
			stored, found, err := tx.GetClient(ctx, m.ClientID)
			if err != nil {
				return result, err
			}
			if !found {
				stored = store.ReplicacheClient{
					ID:            m.ClientID,
					ClientGroupID: req.ClientGroupID,
					SpaceID:       spaceID,
				}
			}
			client = &stored
			clients[m.ClientID] = client
		}
		if client.SpaceID != spaceID || client.ClientGroupID != req.ClientGroupID {
			return result, fmt.Errorf("%w: client %s", ErrClientSpaceMismatch, m.ClientID)
		}

		expected := client.LastMutationID + 1
		if m.ID < expected {
			// Already applied on a previous push; offline replay lands here.
			continue
		}
		if m.ID > expected {
			return result, fmt.Errorf("%w: client %s expected %d, got %d", ErrOutOfOrderMutation, m.ClientID, expected, m.ID)
		}

		if fn, found := e.mutators[m.Name]; found {
			if err := fn(ctx, tx, spaceID, next, m.Args, &result); err != nil {
				if !errors.Is(err, ErrMutationRejected) {
					return result, err
				}
				log.Printf("sync: mutation %d (%s) from client %s rejected: %v", m.ID, m.Name, m.ClientID, err)
			}
		} else {
			log.Printf("sync: unknown mutator %q (mutation %d from client %s), skipping", m.Name, m.ID, m.ClientID)
		}

		client.LastMutationID = m.ID
		client.Version = next
		applied = true
	}

	if applied {
		for _, client := range clients {
			if client.Version != next {
				continue
			}
			if err := tx.PutClient(ctx, *client); err != nil {
				return result, err
			}
		}
		if err := tx.SetSpaceVersion(ctx, spaceID, next); err != nil {
			return result, err
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit push: %w", err)
	}

	result.Applied = applied
	if applied {
		result.Version = next
	} else {
		result.Version = sp.Version
	}
	return result, nil
}

// Pull computes the patch that brings a client from its cookie (the last
// space version it saw) to the current state. A fresh client, a cookie from
// the future, or a cookie older than the space's purge floor all get a full
// reset: a clear op followed by every live row.
func (e *Engine) Pull(ctx context.Context, spaceID string, req PullRequest) (PullResponse, error) {
	if req.ClientGroupID == "" {
		return PullResponse{}, fmt.Errorf("%w: clientGroupID is required", ErrInvalidRequest)
	}

	tx, err := e.db.BeginSync(ctx)
	if err != nil {
		return PullResponse{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sp, err := tx.Space(ctx, spaceID)
	if err != nil {
		return PullResponse{}, err
	}

	var since int64
	if req.Cookie != nil {
		since = *req.Cookie
	}
	reset := since <= 0 || since < sp.PurgedVersion || since > sp.Version
	if reset {
		since = 0
	}

	entries, err := tx.EntriesChangedSince(ctx, spaceID, since)
	if err != nil {
		return PullResponse{}, err
	}

	patch := make([]PatchOperation, 0, len(entries)+1)
	if reset {
		patch = append(patch, PatchOperation{Op: OpClear})
	}
	for _, entry := range entries {
		if entry.Deleted {
			// After a clear there is nothing to delete.
			if reset {
				continue
			}
			patch = append(patch, PatchOperation{Op: OpDel, Key: entry.Key})
			continue
		}
		patch = append(patch, PatchOperation{Op: OpPut, Key: entry.Key, Value: entry.Value})
	}

	changes, err := tx.GroupClientsChangedSince(ctx, req.ClientGroupID, since)
	if err != nil {
		return PullResponse{}, err
	}

	if err := tx.Commit(); err != nil {
		return PullResponse{}, fmt.Errorf("commit pull: %w", err)
	}

	return PullResponse{
		Cookie:                sp.Version,
		LastMutationIDChanges: changes,
		Patch:                 patch,
	}, nil
}

// Apply runs a single named mutation server-side, outside any client queue.
// The REST write endpoints use it so non-replicating clients share the exact
// mutator semantics and version bookkeeping of the sync protocol.
func (e *Engine) Apply(ctx context.Context, spaceID, name string, args any) (PushResult, error) {
	var result PushResult
	fn, ok := e.mutators[name]
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrUnknownMutator, name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return result, fmt.Errorf("encode args: %w", err)
	}

	tx, err := e.db.BeginSync(ctx)
	if err != nil {
		return result, err
	}
	defer func() { _ = tx.Rollback() }()

	sp, err := tx.LockSpace(ctx, spaceID)
	if err != nil {
		return result, err
	}
	next := sp.Version + 1

	if err := fn(ctx, tx, spaceID, next, raw, &result); err != nil {
		return result, err
	}
	if err := tx.SetSpaceVersion(ctx, spaceID, next); err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit apply: %w", err)
	}

	result.Applied = true
	result.Version = next
	return result, nil
}
