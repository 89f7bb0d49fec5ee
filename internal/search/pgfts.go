package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across notes, stock_trades, and
// option_trades using plainto_tsquery and ts_rank, with ts_headline for
// snippets. Soft-deleted rows are invisible.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultNote {
		where := "n.fts @@ " + tsQuery + " AND n.deleted = FALSE"
		if q.FilterSpaceID != "" {
			where += fmt.Sprintf(" AND n.space_id = $%d", argN)
			args = append(args, q.FilterSpaceID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'note'::text AS type, n.id, n.title,
				ts_headline('english', coalesce(n.body::text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				n.space_id, n.date_key,
				ts_rank(n.fts, %s) AS rank
			FROM notes n
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultStockTrade {
		where := "t.fts @@ " + tsQuery + " AND t.deleted = FALSE"
		if q.FilterSpaceID != "" {
			where += fmt.Sprintf(" AND t.space_id = $%d", argN)
			args = append(args, q.FilterSpaceID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'stockTrade'::text AS type, t.id, t.symbol AS title,
				ts_headline('english', coalesce(t.notes, t.setup, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.space_id, to_char(t.entry_at, 'YYYY-MM-DD') AS date_key,
				ts_rank(t.fts, %s) AS rank
			FROM stock_trades t
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultOptionTrade {
		where := "o.fts @@ " + tsQuery + " AND o.deleted = FALSE"
		if q.FilterSpaceID != "" {
			where += fmt.Sprintf(" AND o.space_id = $%d", argN)
			args = append(args, q.FilterSpaceID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'optionTrade'::text AS type, o.id, o.symbol AS title,
				ts_headline('english', coalesce(o.notes, o.setup, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				o.space_id, to_char(o.entry_at, 'YYYY-MM-DD') AS date_key,
				ts_rank(o.fts, %s) AS rank
			FROM option_trades o
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, space_id, date_key
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SpaceID, &r.DateKey); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NoteRecord, []StockTradeRecord, []OptionTradeRecord, error) {
	noteRows, err := p.db.QueryContext(ctx, `
		SELECT id, space_id, date_key, title, coalesce(body, 'null'::jsonb)
		FROM notes
		WHERE deleted = FALSE
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load notes: %w", err)
	}
	defer noteRows.Close()

	notes := make([]NoteRecord, 0)
	for noteRows.Next() {
		var n NoteRecord
		var body []byte
		if err := noteRows.Scan(&n.ID, &n.SpaceID, &n.DateKey, &n.Title, &body); err != nil {
			return nil, nil, nil, fmt.Errorf("scan note: %w", err)
		}
		n.Body = FlattenBody(json.RawMessage(body))
		notes = append(notes, n)
	}
	if err := noteRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate notes: %w", err)
	}

	stockRows, err := p.db.QueryContext(ctx, `
		SELECT id, space_id, symbol, side, setup, notes, to_char(entry_at, 'YYYY-MM-DD')
		FROM stock_trades
		WHERE deleted = FALSE
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load stock trades: %w", err)
	}
	defer stockRows.Close()

	stocks := make([]StockTradeRecord, 0)
	for stockRows.Next() {
		var t StockTradeRecord
		if err := stockRows.Scan(&t.ID, &t.SpaceID, &t.Symbol, &t.Side, &t.Setup, &t.Notes, &t.DateKey); err != nil {
			return nil, nil, nil, fmt.Errorf("scan stock trade: %w", err)
		}
		stocks = append(stocks, t)
	}
	if err := stockRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate stock trades: %w", err)
	}

	optionRows, err := p.db.QueryContext(ctx, `
		SELECT id, space_id, symbol, contract_type, side, setup, notes, to_char(entry_at, 'YYYY-MM-DD')
		FROM option_trades
		WHERE deleted = FALSE
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load option trades: %w", err)
	}
	defer optionRows.Close()

	options := make([]OptionTradeRecord, 0)
	for optionRows.Next() {
		var t OptionTradeRecord
		if err := optionRows.Scan(&t.ID, &t.SpaceID, &t.Symbol, &t.ContractType, &t.Side, &t.Setup, &t.Notes, &t.DateKey); err != nil {
			return nil, nil, nil, fmt.Errorf("scan option trade: %w", err)
		}
		options = append(options, t)
	}
	if err := optionRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate option trades: %w", err)
	}

	return notes, stocks, options, nil
}
