package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SyncTx is a single database transaction scoped to the sync protocol. The
// sync engine consumes it through its own interface; all version and
// last-mutation-id bookkeeping happens inside one transaction so a push is
// atomic and space versions stay strictly monotonic.
type SyncTx struct {
	tx *sql.Tx
}

func (s *PostgresStore) BeginSync(ctx context.Context) (*SyncTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sync tx: %w", err)
	}
	return &SyncTx{tx: tx}, nil
}

func (t *SyncTx) Commit() error {
	return t.tx.Commit()
}

func (t *SyncTx) Rollback() error {
	return t.tx.Rollback()
}

// LockSpace reads the space row FOR UPDATE, serializing concurrent pushes to
// the same space.
func (t *SyncTx) LockSpace(ctx context.Context, spaceID string) (Space, error) {
	var sp Space
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, version, purged_version, created_at, updated_at
		FROM spaces WHERE id=$1
		FOR UPDATE
	`, spaceID).Scan(&sp.ID, &sp.UserID, &sp.Version, &sp.PurgedVersion, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, ErrSpaceNotFound
	}
	if err != nil {
		return Space{}, fmt.Errorf("lock space: %w", err)
	}
	return sp, nil
}

func (t *SyncTx) Space(ctx context.Context, spaceID string) (Space, error) {
	var sp Space
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, version, purged_version, created_at, updated_at
		FROM spaces WHERE id=$1
	`, spaceID).Scan(&sp.ID, &sp.UserID, &sp.Version, &sp.PurgedVersion, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, ErrSpaceNotFound
	}
	if err != nil {
		return Space{}, fmt.Errorf("read space: %w", err)
	}
	return sp, nil
}

func (t *SyncTx) SetSpaceVersion(ctx context.Context, spaceID string, version int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE spaces SET version=$2, updated_at=NOW() WHERE id=$1
	`, spaceID, version)
	if err != nil {
		return fmt.Errorf("set space version: %w", err)
	}
	return nil
}

func (t *SyncTx) GetClient(ctx context.Context, clientID string) (ReplicacheClient, bool, error) {
	var c ReplicacheClient
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, client_group_id, space_id, last_mutation_id, version, updated_at
		FROM replicache_clients WHERE id=$1
	`, clientID).Scan(&c.ID, &c.ClientGroupID, &c.SpaceID, &c.LastMutationID, &c.Version, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReplicacheClient{}, false, nil
	}
	if err != nil {
		return ReplicacheClient{}, false, fmt.Errorf("get client: %w", err)
	}
	return c, true, nil
}

func (t *SyncTx) PutClient(ctx context.Context, c ReplicacheClient) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO replicache_clients (id, client_group_id, space_id, last_mutation_id, version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET last_mutation_id=EXCLUDED.last_mutation_id, version=EXCLUDED.version, updated_at=NOW()
	`, c.ID, c.ClientGroupID, c.SpaceID, c.LastMutationID, c.Version)
	if err != nil {
		return fmt.Errorf("put client: %w", err)
	}
	return nil
}

// GroupClientsChangedSince returns lastMutationID for every client in the
// group whose progress changed after the given space version.
func (t *SyncTx) GroupClientsChangedSince(ctx context.Context, clientGroupID string, since int64) (map[string]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, last_mutation_id
		FROM replicache_clients
		WHERE client_group_id=$1 AND version > $2
	`, clientGroupID, since)
	if err != nil {
		return nil, fmt.Errorf("list group clients: %w", err)
	}
	defer rows.Close()

	changes := make(map[string]int64)
	for rows.Next() {
		var id string
		var lmid int64
		if err := rows.Scan(&id, &lmid); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		changes[id] = lmid
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return changes, nil
}

// EntriesChangedSince returns the KV entries touched after the given space
// version, across all replicated tables, as wire-ready JSON.
func (t *SyncTx) EntriesChangedSince(ctx context.Context, spaceID string, since int64) ([]SyncEntry, error) {
	entries := make([]SyncEntry, 0)

	stockRows, err := t.tx.QueryContext(ctx, `
		SELECT `+stockTradeColumns+`
		FROM stock_trades WHERE space_id=$1 AND version > $2
	`, spaceID, since)
	if err != nil {
		return nil, fmt.Errorf("changed stock trades: %w", err)
	}
	defer stockRows.Close()
	for stockRows.Next() {
		item, err := scanStockTrade(stockRows)
		if err != nil {
			return nil, fmt.Errorf("scan stock trade: %w", err)
		}
		entry, err := toEntry("stock/"+item.ID, item, item.Deleted)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := stockRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock trades: %w", err)
	}

	optionRows, err := t.tx.QueryContext(ctx, `
		SELECT `+optionTradeColumns+`
		FROM option_trades WHERE space_id=$1 AND version > $2
	`, spaceID, since)
	if err != nil {
		return nil, fmt.Errorf("changed option trades: %w", err)
	}
	defer optionRows.Close()
	for optionRows.Next() {
		item, err := scanOptionTrade(optionRows)
		if err != nil {
			return nil, fmt.Errorf("scan option trade: %w", err)
		}
		entry, err := toEntry("option/"+item.ID, item, item.Deleted)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := optionRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate option trades: %w", err)
	}

	noteRows, err := t.tx.QueryContext(ctx, `
		SELECT id, space_id, date_key, title, body, version, deleted
		FROM notes WHERE space_id=$1 AND version > $2
	`, spaceID, since)
	if err != nil {
		return nil, fmt.Errorf("changed notes: %w", err)
	}
	defer noteRows.Close()
	for noteRows.Next() {
		var item Note
		var body []byte
		if err := noteRows.Scan(&item.ID, &item.SpaceID, &item.DateKey, &item.Title, &body, &item.Version, &item.Deleted); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		item.Body = json.RawMessage(body)
		entry, err := toEntry("note/"+item.ID, item, item.Deleted)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := noteRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}

	playbookRows, err := t.tx.QueryContext(ctx, `
		SELECT id, space_id, name, description, rules, version, deleted
		FROM playbooks WHERE space_id=$1 AND version > $2
	`, spaceID, since)
	if err != nil {
		return nil, fmt.Errorf("changed playbooks: %w", err)
	}
	defer playbookRows.Close()
	for playbookRows.Next() {
		var item Playbook
		var rules []byte
		if err := playbookRows.Scan(&item.ID, &item.SpaceID, &item.Name, &item.Description, &rules, &item.Version, &item.Deleted); err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		item.Rules = json.RawMessage(rules)
		entry, err := toEntry("playbook/"+item.ID, item, item.Deleted)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := playbookRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate playbooks: %w", err)
	}

	return entries, nil
}

func toEntry(key string, value any, deleted bool) (SyncEntry, error) {
	if deleted {
		return SyncEntry{Key: key, Deleted: true}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return SyncEntry{}, fmt.Errorf("encode entry %s: %w", key, err)
	}
	return SyncEntry{Key: key, Value: raw}, nil
}

// ---------------------------------------------------------------------------
// Entity writes (mutators). Upserts implement last-write-wins: whole-row
// overwrite in server apply order, version strictly increasing.
// ---------------------------------------------------------------------------

func (t *SyncTx) UpsertStockTrade(ctx context.Context, item StockTrade) error {
	attachments, err := json.Marshal(item.AttachmentKeys)
	if err != nil {
		return fmt.Errorf("encode attachment keys: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO stock_trades (id, space_id, symbol, side, quantity, entry_price, exit_price, entry_at, exit_at, fees, setup, notes, attachment_keys, version, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, FALSE)
		ON CONFLICT (id) DO UPDATE SET
			symbol=EXCLUDED.symbol, side=EXCLUDED.side, quantity=EXCLUDED.quantity,
			entry_price=EXCLUDED.entry_price, exit_price=EXCLUDED.exit_price,
			entry_at=EXCLUDED.entry_at, exit_at=EXCLUDED.exit_at, fees=EXCLUDED.fees,
			setup=EXCLUDED.setup, notes=EXCLUDED.notes, attachment_keys=EXCLUDED.attachment_keys,
			version=EXCLUDED.version, deleted=FALSE, updated_at=NOW()
		WHERE stock_trades.space_id=EXCLUDED.space_id
	`, item.ID, item.SpaceID, item.Symbol, item.Side, item.Quantity, item.EntryPrice, item.ExitPrice,
		item.EntryAt, item.ExitAt, item.Fees, item.Setup, item.Notes, attachments, item.Version)
	if err != nil {
		return fmt.Errorf("upsert stock trade: %w", err)
	}
	return nil
}

func (t *SyncTx) DeleteStockTrade(ctx context.Context, spaceID, id string, version int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE stock_trades SET deleted=TRUE, version=$3, updated_at=NOW()
		WHERE space_id=$1 AND id=$2
	`, spaceID, id, version)
	if err != nil {
		return fmt.Errorf("delete stock trade: %w", err)
	}
	return nil
}

func (t *SyncTx) UpsertOptionTrade(ctx context.Context, item OptionTrade) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO option_trades (id, space_id, symbol, contract_type, strike, expiration, side, contracts, entry_premium, exit_premium, entry_at, exit_at, fees, setup, notes, version, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, FALSE)
		ON CONFLICT (id) DO UPDATE SET
			symbol=EXCLUDED.symbol, contract_type=EXCLUDED.contract_type, strike=EXCLUDED.strike,
			expiration=EXCLUDED.expiration, side=EXCLUDED.side, contracts=EXCLUDED.contracts,
			entry_premium=EXCLUDED.entry_premium, exit_premium=EXCLUDED.exit_premium,
			entry_at=EXCLUDED.entry_at, exit_at=EXCLUDED.exit_at, fees=EXCLUDED.fees,
			setup=EXCLUDED.setup, notes=EXCLUDED.notes,
			version=EXCLUDED.version, deleted=FALSE, updated_at=NOW()
		WHERE option_trades.space_id=EXCLUDED.space_id
	`, item.ID, item.SpaceID, item.Symbol, item.ContractType, item.Strike, item.Expiration, item.Side,
		item.Contracts, item.EntryPremium, item.ExitPremium, item.EntryAt, item.ExitAt, item.Fees,
		item.Setup, item.Notes, item.Version)
	if err != nil {
		return fmt.Errorf("upsert option trade: %w", err)
	}
	return nil
}

func (t *SyncTx) DeleteOptionTrade(ctx context.Context, spaceID, id string, version int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE option_trades SET deleted=TRUE, version=$3, updated_at=NOW()
		WHERE space_id=$1 AND id=$2
	`, spaceID, id, version)
	if err != nil {
		return fmt.Errorf("delete option trade: %w", err)
	}
	return nil
}

func (t *SyncTx) UpsertNote(ctx context.Context, item Note) error {
	body := []byte(item.Body)
	if len(body) == 0 {
		body = []byte("null")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notes (id, space_id, date_key, title, body, version, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (id) DO UPDATE SET
			date_key=EXCLUDED.date_key, title=EXCLUDED.title, body=EXCLUDED.body,
			version=EXCLUDED.version, deleted=FALSE, updated_at=NOW()
		WHERE notes.space_id=EXCLUDED.space_id
	`, item.ID, item.SpaceID, item.DateKey, item.Title, body, item.Version)
	if err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

func (t *SyncTx) DeleteNote(ctx context.Context, spaceID, id string, version int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE notes SET deleted=TRUE, version=$3, updated_at=NOW()
		WHERE space_id=$1 AND id=$2
	`, spaceID, id, version)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

func (t *SyncTx) UpsertPlaybook(ctx context.Context, item Playbook) error {
	rules := []byte(item.Rules)
	if len(rules) == 0 {
		rules = []byte("null")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO playbooks (id, space_id, name, description, rules, version, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, description=EXCLUDED.description, rules=EXCLUDED.rules,
			version=EXCLUDED.version, deleted=FALSE, updated_at=NOW()
		WHERE playbooks.space_id=EXCLUDED.space_id
	`, item.ID, item.SpaceID, item.Name, item.Description, rules, item.Version)
	if err != nil {
		return fmt.Errorf("upsert playbook: %w", err)
	}
	return nil
}

func (t *SyncTx) DeletePlaybook(ctx context.Context, spaceID, id string, version int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE playbooks SET deleted=TRUE, version=$3, updated_at=NOW()
		WHERE space_id=$1 AND id=$2
	`, spaceID, id, version)
	if err != nil {
		return fmt.Errorf("delete playbook: %w", err)
	}
	return nil
}
