package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexNote indexes a note (fire-and-forget to Meilisearch).
func (s *Service) IndexNote(n NoteRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNote(n); err != nil {
			log.Printf("search: index note %s: %v", n.ID, err)
		}
	}()
}

// IndexStockTrade indexes a stock trade (fire-and-forget to Meilisearch).
func (s *Service) IndexStockTrade(t StockTradeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexStockTrade(t); err != nil {
			log.Printf("search: index stock trade %s: %v", t.ID, err)
		}
	}()
}

// IndexOptionTrade indexes an option trade (fire-and-forget to Meilisearch).
func (s *Service) IndexOptionTrade(t OptionTradeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexOptionTrade(t); err != nil {
			log.Printf("search: index option trade %s: %v", t.ID, err)
		}
	}()
}

// DeleteNote removes a note from the search index (fire-and-forget).
func (s *Service) DeleteNote(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNote(id); err != nil {
			log.Printf("search: delete note %s: %v", id, err)
		}
	}()
}

// DeleteStockTrade removes a stock trade from the search index (fire-and-forget).
func (s *Service) DeleteStockTrade(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteStockTrade(id); err != nil {
			log.Printf("search: delete stock trade %s: %v", id, err)
		}
	}()
}

// DeleteOptionTrade removes an option trade from the search index (fire-and-forget).
func (s *Service) DeleteOptionTrade(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteOptionTrade(id); err != nil {
			log.Printf("search: delete option trade %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
// Called at startup so a fresh Meilisearch instance catches up with the database.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	notes, stocks, options, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNotes(notes); err != nil {
		log.Printf("search: reindex notes: %v", err)
	}
	if err := s.meili.IndexStockTrades(stocks); err != nil {
		log.Printf("search: reindex stock trades: %v", err)
	}
	if err := s.meili.IndexOptionTrades(options); err != nil {
		log.Printf("search: reindex option trades: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
