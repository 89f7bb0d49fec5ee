package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxNotes        = "tradebook_notes"
	idxStockTrades  = "tradebook_stock_trades"
	idxOptionTrades = "tradebook_option_trades"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// Returns a client that reports unhealthy if the initial connection fails;
// the caller falls back to Postgres until it recovers.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxNotes,
			filterable: []string{"spaceId", "dateKey"},
			searchable: []string{"title", "body"},
		},
		{
			uid:        idxStockTrades,
			filterable: []string{"spaceId", "side"},
			searchable: []string{"symbol", "setup", "notes"},
		},
		{
			uid:        idxOptionTrades,
			filterable: []string{"spaceId", "side", "contractType"},
			searchable: []string{"symbol", "setup", "notes"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxNotes, ResultNote},
		{idxStockTrades, ResultStockTrade},
		{idxOptionTrades, ResultOptionTrade},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if q.FilterSpaceID != "" {
			sr.Filter = []string{fmt.Sprintf("spaceId = %q", q.FilterSpaceID)}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxNotes:
		return ResultNote
	case idxStockTrades:
		return ResultStockTrade
	case idxOptionTrades:
		return ResultOptionTrade
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.SpaceID = decodeString(hit, "spaceId")
	r.DateKey = decodeString(hit, "dateKey")

	switch rtyp {
	case ResultNote:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	case ResultStockTrade, ResultOptionTrade:
		r.Title = firstNonBlank(decodeFormattedString(hit, "symbol"), decodeString(hit, "symbol"))
		r.Snippet = firstNonBlank(
			decodeFormattedString(hit, "notes"), decodeString(hit, "notes"),
			decodeFormattedString(hit, "setup"), decodeString(hit, "setup"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexNote adds or updates a note in the search index.
func (m *Meili) IndexNote(n NoteRecord) error {
	_, err := m.client.Index(idxNotes).AddDocuments([]NoteRecord{n}, nil)
	return err
}

// IndexStockTrade adds or updates a stock trade in the search index.
func (m *Meili) IndexStockTrade(t StockTradeRecord) error {
	_, err := m.client.Index(idxStockTrades).AddDocuments([]StockTradeRecord{t}, nil)
	return err
}

// IndexOptionTrade adds or updates an option trade in the search index.
func (m *Meili) IndexOptionTrade(t OptionTradeRecord) error {
	_, err := m.client.Index(idxOptionTrades).AddDocuments([]OptionTradeRecord{t}, nil)
	return err
}

// DeleteNote removes a note from the search index.
func (m *Meili) DeleteNote(id string) error {
	_, err := m.client.Index(idxNotes).DeleteDocument(id, nil)
	return err
}

// DeleteStockTrade removes a stock trade from the search index.
func (m *Meili) DeleteStockTrade(id string) error {
	_, err := m.client.Index(idxStockTrades).DeleteDocument(id, nil)
	return err
}

// DeleteOptionTrade removes an option trade from the search index.
func (m *Meili) DeleteOptionTrade(id string) error {
	_, err := m.client.Index(idxOptionTrades).DeleteDocument(id, nil)
	return err
}

// IndexNotes bulk-indexes notes.
func (m *Meili) IndexNotes(notes []NoteRecord) error {
	if len(notes) == 0 {
		return nil
	}
	_, err := m.client.Index(idxNotes).AddDocuments(notes, nil)
	return err
}

// IndexStockTrades bulk-indexes stock trades.
func (m *Meili) IndexStockTrades(trades []StockTradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	_, err := m.client.Index(idxStockTrades).AddDocuments(trades, nil)
	return err
}

// IndexOptionTrades bulk-indexes option trades.
func (m *Meili) IndexOptionTrades(trades []OptionTradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	_, err := m.client.Index(idxOptionTrades).AddDocuments(trades, nil)
	return err
}
