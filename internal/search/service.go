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

// IndexForm indexes a form (fire-and-forget to Meilisearch).
func (s *Service) IndexForm(f FormRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexForm(f); err != nil {
			log.Printf("search: index form %s: %v", f.ID, err)
		}
	}()
}

// IndexField indexes a form field (fire-and-forget to Meilisearch).
func (s *Service) IndexField(f FieldRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexField(f); err != nil {
			log.Printf("search: index field %s: %v", f.ID, err)
		}
	}()
}

// DeleteForm removes a form from the search index (fire-and-forget).
func (s *Service) DeleteForm(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteForm(id); err != nil {
			log.Printf("search: delete form %s: %v", id, err)
		}
	}()
}

// DeleteField removes a field from the search index (fire-and-forget).
func (s *Service) DeleteField(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteField(id); err != nil {
			log.Printf("search: delete field %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch. Called during startup
// when Meilisearch is healthy.
func (s *Service) ReindexAll(forms []FormRecord, fields []FieldRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(forms) > 0 {
		if err := s.meili.IndexForms(forms); err != nil {
			log.Printf("search: reindex forms: %v", err)
		}
	}
	if len(fields) > 0 {
		if err := s.meili.IndexFields(fields); err != nil {
			log.Printf("search: reindex fields: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	forms, fields, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(forms, fields)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
