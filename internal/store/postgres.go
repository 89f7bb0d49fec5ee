package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrSpaceNotFound = errors.New("space not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users and auth
// ---------------------------------------------------------------------------

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email, u.password_hash, u.role, COALESCE(sp.id, '')
		FROM users u
		LEFT JOIN spaces sp ON sp.user_id = u.id
		WHERE u.id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.SpaceID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email, u.password_hash, u.role, COALESCE(sp.id, '')
		FROM users u
		LEFT JOIN spaces sp ON sp.user_id = u.id
		WHERE LOWER(u.email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.SpaceID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateUser inserts the user and their journal space in one transaction.
// Every user owns exactly one space.
func (s *PostgresStore) CreateUser(ctx context.Context, user User, spaceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO spaces (id, user_id, version, purged_version)
		VALUES ($1, $2, 0, 0)
	`, spaceID, user.ID); err != nil {
		return fmt.Errorf("insert space: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role, COALESCE(sp.id, '')
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		LEFT JOIN spaces sp ON sp.user_id = u.id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.SpaceID)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "editor"
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---------------------------------------------------------------------------
// Spaces
// ---------------------------------------------------------------------------

func (s *PostgresStore) GetSpace(ctx context.Context, spaceID string) (Space, error) {
	var sp Space
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, version, purged_version, created_at, updated_at
		FROM spaces WHERE id=$1
	`, spaceID).Scan(&sp.ID, &sp.UserID, &sp.Version, &sp.PurgedVersion, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, ErrSpaceNotFound
	}
	if err != nil {
		return Space{}, fmt.Errorf("get space: %w", err)
	}
	return sp, nil
}

func (s *PostgresStore) ListSpaceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM spaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan space id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Entity reads (REST dashboard surface; writes go through the sync engine)
// ---------------------------------------------------------------------------

const stockTradeColumns = `id, space_id, symbol, side, quantity, entry_price, exit_price, entry_at, exit_at, fees, setup, notes, attachment_keys, version, deleted`

func scanStockTrade(row interface{ Scan(...any) error }) (StockTrade, error) {
	var item StockTrade
	var attachments []byte
	err := row.Scan(
		&item.ID, &item.SpaceID, &item.Symbol, &item.Side, &item.Quantity,
		&item.EntryPrice, &item.ExitPrice, &item.EntryAt, &item.ExitAt,
		&item.Fees, &item.Setup, &item.Notes, &attachments, &item.Version, &item.Deleted,
	)
	if err != nil {
		return StockTrade{}, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &item.AttachmentKeys); err != nil {
			return StockTrade{}, fmt.Errorf("decode attachment keys: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) ListStockTrades(ctx context.Context, spaceID string) ([]StockTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockTradeColumns+`
		FROM stock_trades
		WHERE space_id=$1 AND NOT deleted
		ORDER BY entry_at DESC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list stock trades: %w", err)
	}
	defer rows.Close()

	items := make([]StockTrade, 0)
	for rows.Next() {
		item, err := scanStockTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock trade: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock trades: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetStockTrade(ctx context.Context, spaceID, id string) (StockTrade, error) {
	item, err := scanStockTrade(s.db.QueryRowContext(ctx, `
		SELECT `+stockTradeColumns+`
		FROM stock_trades
		WHERE space_id=$1 AND id=$2 AND NOT deleted
	`, spaceID, id))
	if err != nil {
		return StockTrade{}, err
	}
	return item, nil
}

const optionTradeColumns = `id, space_id, symbol, contract_type, strike, expiration, side, contracts, entry_premium, exit_premium, entry_at, exit_at, fees, setup, notes, version, deleted`

func scanOptionTrade(row interface{ Scan(...any) error }) (OptionTrade, error) {
	var item OptionTrade
	err := row.Scan(
		&item.ID, &item.SpaceID, &item.Symbol, &item.ContractType, &item.Strike,
		&item.Expiration, &item.Side, &item.Contracts, &item.EntryPremium, &item.ExitPremium,
		&item.EntryAt, &item.ExitAt, &item.Fees, &item.Setup, &item.Notes, &item.Version, &item.Deleted,
	)
	if err != nil {
		return OptionTrade{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListOptionTrades(ctx context.Context, spaceID string) ([]OptionTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+optionTradeColumns+`
		FROM option_trades
		WHERE space_id=$1 AND NOT deleted
		ORDER BY entry_at DESC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list option trades: %w", err)
	}
	defer rows.Close()

	items := make([]OptionTrade, 0)
	for rows.Next() {
		item, err := scanOptionTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan option trade: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate option trades: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetOptionTrade(ctx context.Context, spaceID, id string) (OptionTrade, error) {
	item, err := scanOptionTrade(s.db.QueryRowContext(ctx, `
		SELECT `+optionTradeColumns+`
		FROM option_trades
		WHERE space_id=$1 AND id=$2 AND NOT deleted
	`, spaceID, id))
	if err != nil {
		return OptionTrade{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, spaceID string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, date_key, title, body, version, deleted
		FROM notes
		WHERE space_id=$1 AND NOT deleted
		ORDER BY date_key DESC
		LIMIT $2
	`, spaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var item Note
		var body []byte
		if err := rows.Scan(&item.ID, &item.SpaceID, &item.DateKey, &item.Title, &body, &item.Version, &item.Deleted); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		item.Body = json.RawMessage(body)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, spaceID, id string) (Note, error) {
	var item Note
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, date_key, title, body, version, deleted
		FROM notes
		WHERE space_id=$1 AND id=$2 AND NOT deleted
	`, spaceID, id).Scan(&item.ID, &item.SpaceID, &item.DateKey, &item.Title, &body, &item.Version, &item.Deleted)
	if err != nil {
		return Note{}, err
	}
	item.Body = json.RawMessage(body)
	return item, nil
}

func (s *PostgresStore) ListPlaybooks(ctx context.Context, spaceID string) ([]Playbook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, name, description, rules, version, deleted
		FROM playbooks
		WHERE space_id=$1 AND NOT deleted
		ORDER BY name
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	items := make([]Playbook, 0)
	for rows.Next() {
		var item Playbook
		var rules []byte
		if err := rows.Scan(&item.ID, &item.SpaceID, &item.Name, &item.Description, &rules, &item.Version, &item.Deleted); err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		item.Rules = json.RawMessage(rules)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate playbooks: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Analytics
// ---------------------------------------------------------------------------

// closedTradePnL is the per-trade realized P&L for closed trades across both
// tables. Stock: (exit-entry)*qty signed by side. Option: premium delta *
// contracts * 100 signed by side.
// Realized P&L is attributed to the day the trade was closed; rows that carry
// an exit price but no exit timestamp fall back to the entry day.
const closedTradePnL = `
	SELECT COALESCE(exit_at, entry_at) AS closed_at, fees,
		CASE WHEN side='LONG' THEN (exit_price - entry_price) * quantity
			ELSE (entry_price - exit_price) * quantity END AS gross
	FROM stock_trades
	WHERE space_id=$1 AND NOT deleted AND exit_price IS NOT NULL
	UNION ALL
	SELECT COALESCE(exit_at, entry_at) AS closed_at, fees,
		CASE WHEN side='LONG' THEN (exit_premium - entry_premium) * contracts * 100
			ELSE (entry_premium - exit_premium) * contracts * 100 END AS gross
	FROM option_trades
	WHERE space_id=$1 AND NOT deleted AND exit_premium IS NOT NULL
`

func (s *PostgresStore) SummaryStats(ctx context.Context, spaceID string) (SummaryStats, error) {
	var stats SummaryStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE gross - fees > 0),
			COUNT(*) FILTER (WHERE gross - fees < 0),
			COALESCE(SUM(gross), 0),
			COALESCE(SUM(fees), 0)
		FROM (`+closedTradePnL+`) closed
	`, spaceID).Scan(&stats.TotalTrades, &stats.Wins, &stats.Losses, &stats.GrossPnL, &stats.TotalFees)
	if err != nil {
		return SummaryStats{}, fmt.Errorf("summary stats: %w", err)
	}
	stats.NetPnL = stats.GrossPnL - stats.TotalFees
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM stock_trades WHERE space_id=$1 AND NOT deleted AND exit_price IS NULL) +
			(SELECT COUNT(*) FROM option_trades WHERE space_id=$1 AND NOT deleted AND exit_premium IS NULL)
	`, spaceID).Scan(&stats.OpenTrades)
	if err != nil {
		return SummaryStats{}, fmt.Errorf("open trade count: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) DailyStats(ctx context.Context, spaceID, from, to string) ([]DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TO_CHAR(closed_at::date, 'YYYY-MM-DD') AS day,
			COUNT(*), COALESCE(SUM(gross), 0), COALESCE(SUM(fees), 0)
		FROM (`+closedTradePnL+`) closed
		WHERE ($2 = '' OR closed_at::date >= $2::date)
			AND ($3 = '' OR closed_at::date <= $3::date)
		GROUP BY day
		ORDER BY day
	`, spaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	defer rows.Close()

	items := make([]DailyStat, 0)
	for rows.Next() {
		var item DailyStat
		if err := rows.Scan(&item.Day, &item.Trades, &item.GrossPnL, &item.Fees); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		item.NetPnL = item.GrossPnL - item.Fees
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily stats: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Cleanup (replaces the hosted platform's scheduled cleanup functions)
// ---------------------------------------------------------------------------

// PurgeSpace physically removes soft-deleted rows older than cutoff and
// advances the space's purged_version so stale cookies trigger a full resync
// instead of missing the deletions. It returns the attachment object keys of
// the purged trades so the caller can remove the objects from the bucket.
func (s *PostgresStore) PurgeSpace(ctx context.Context, spaceID string, cutoff time.Time) (int64, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total, maxVersion int64
	attachmentKeys := make([]string, 0)

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM stock_trades
		WHERE space_id=$1 AND deleted AND updated_at < $2
		RETURNING version, attachment_keys
	`, spaceID, cutoff)
	if err != nil {
		return 0, nil, fmt.Errorf("purge stock_trades: %w", err)
	}
	for rows.Next() {
		var version int64
		var rawKeys []byte
		if err := rows.Scan(&version, &rawKeys); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("scan purged stock trade: %w", err)
		}
		total++
		if version > maxVersion {
			maxVersion = version
		}
		var keys []string
		if err := json.Unmarshal(rawKeys, &keys); err == nil {
			attachmentKeys = append(attachmentKeys, keys...)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, nil, fmt.Errorf("iterate purged stock trades: %w", err)
	}
	rows.Close()

	for _, table := range []string{"option_trades", "notes", "playbooks"} {
		var purged, tableMax int64
		err := tx.QueryRowContext(ctx, `
			WITH purged AS (
				DELETE FROM `+table+`
				WHERE space_id=$1 AND deleted AND updated_at < $2
				RETURNING version
			)
			SELECT COUNT(*), COALESCE(MAX(version), 0) FROM purged
		`, spaceID, cutoff).Scan(&purged, &tableMax)
		if err != nil {
			return 0, nil, fmt.Errorf("purge %s: %w", table, err)
		}
		total += purged
		if tableMax > maxVersion {
			maxVersion = tableMax
		}
	}

	if maxVersion > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE spaces SET purged_version=GREATEST(purged_version, $2), updated_at=NOW()
			WHERE id=$1
		`, spaceID, maxVersion); err != nil {
			return 0, nil, fmt.Errorf("advance purged version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit purge: %w", err)
	}
	return total, attachmentKeys, nil
}

// PurgeIdleClients drops sync client records that have not pushed for a long
// time. A purged client that comes back is treated as brand new, so the
// retention window must comfortably exceed any plausible offline period.
func (s *PostgresStore) PurgeIdleClients(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replicache_clients WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge idle clients: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeExpiredTokens clears expired revoked-token and refresh-session rows.
func (s *PostgresStore) PurgeExpiredTokens(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM revoked_access_tokens WHERE expires_at < NOW()`); err != nil {
		return fmt.Errorf("purge revoked tokens: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE expires_at < NOW()`); err != nil {
		return fmt.Errorf("purge refresh sessions: %w", err)
	}
	return nil
}
