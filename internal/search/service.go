package search

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
)

// Service is the facade the rest of the app talks to. Plain-text queries try
// Meilisearch first and fall back to the Postgres catalogue; regex queries go
// straight to Postgres. Every response carries the ancestor descriptors the
// tree merge needs.
type Service struct {
	meili *Meili
	pg    *PgCatalogue
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pg *PgCatalogue) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search resolves the query on the best available backend and attaches the
// ancestor map for every hit's materialized path.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	results, err := s.run(ctx, q)
	if err != nil {
		return Response{}, err
	}

	ancestors, err := s.resolveAncestors(ctx, results)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: results, Ancestors: ancestors}, nil
}

func (s *Service) run(ctx context.Context, q Query) ([]CodeRecord, error) {
	if !anyRegex(q.Terms) && s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(ctx, q)
		if err == nil {
			return results, nil
		}
		log.Printf("search: meilisearch error, falling back to catalogue: %v", err)
	}
	results, err := s.pg.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return results, nil
}

// resolveAncestors collects every non-terminal id on the result paths and
// fetches their records in one batch.
func (s *Service) resolveAncestors(ctx context.Context, results []CodeRecord) (map[string]CodeRecord, error) {
	hitIDs := make(map[int64]struct{}, len(results))
	for _, r := range results {
		hitIDs[r.ID] = struct{}{}
	}

	var missing []int64
	seen := make(map[int64]struct{})
	for _, r := range results {
		for _, segment := range strings.Split(r.Path, "/") {
			if segment == "" {
				continue
			}
			id, err := strconv.ParseInt(segment, 10, 64)
			if err != nil {
				continue
			}
			if _, hit := hitIDs[id]; hit {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			missing = append(missing, id)
		}
	}

	ancestors := make(map[string]CodeRecord, len(missing))
	if len(missing) == 0 {
		return ancestors, nil
	}

	records, err := s.pg.FetchRecords(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestors: %w", err)
	}
	for _, record := range records {
		ancestors[strconv.FormatInt(record.ID, 10)] = record
	}
	return ancestors, nil
}

// ReindexFromCatalogue pushes the whole code catalogue into Meilisearch.
// Called at startup when Meilisearch is healthy.
func (s *Service) ReindexFromCatalogue(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexCodes(records); err != nil {
		log.Printf("search: reindex failed: %v", err)
	}
}
