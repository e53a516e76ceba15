package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxCodes = "phenotype_codes"

// Meili implements Searcher via a Meilisearch index over the code catalogue.
// Regex terms are not supported here; the facade routes those to Postgres.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the catalogue index.
// An unreachable server is tolerated; the health loop keeps probing.
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
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxCodes,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxCodes, err)
	}

	index := m.client.Index(idxCodes)
	filterable := []interface{}{"system_id"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxCodes, err)
	}
	searchable := []string{"code", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxCodes, err)
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
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
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

// Search runs one sub-query per term via multi-search and merges the hits,
// deduplicated by catalogue id.
func (m *Meili) Search(ctx context.Context, q Query) ([]CodeRecord, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 100
	}

	var queries []*meili.SearchRequest
	for _, term := range q.Terms {
		text := strings.TrimSpace(term.Text)
		if text == "" || term.Regex {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID: idxCodes,
			Query:    text,
			Limit:    limit,
		}
		if len(term.Columns) > 0 {
			sr.AttributesToSearchOn = term.Columns
		}
		if len(term.SystemIDs) > 0 {
			parts := make([]string, len(term.SystemIDs))
			for i, id := range term.SystemIDs {
				parts[i] = fmt.Sprintf("system_id = %d", id)
			}
			sr.Filter = []string{strings.Join(parts, " OR ")}
		}
		queries = append(queries, sr)
	}
	if len(queries) == 0 {
		return []CodeRecord{}, nil
	}

	resp, err := m.client.MultiSearchWithContext(ctx, &meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	seen := make(map[int64]struct{})
	var results []CodeRecord
	for _, sub := range resp.Results {
		for _, hit := range sub.Hits {
			record := hitToRecord(hit)
			if _, dup := seen[record.ID]; dup {
				continue
			}
			seen[record.ID] = struct{}{}
			results = append(results, record)
			if int64(len(results)) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func hitToRecord(hit meili.Hit) CodeRecord {
	var r CodeRecord
	r.ID = decodeInt64(hit, "id")
	r.SystemID = decodeInt64(hit, "system_id")
	r.System = decodeString(hit, "system")
	r.Code = decodeString(hit, "code")
	r.Description = decodeString(hit, "description")
	r.Path = decodeString(hit, "materialized_path")
	r.Leaf = decodeBool(hit, "leaf")
	r.Selectable = decodeBool(hit, "selectable")
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

func decodeInt64(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeBool(hit meili.Hit, key string) bool {
	raw, ok := hit[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return false
}

// IndexCodes bulk-indexes catalogue records.
func (m *Meili) IndexCodes(records []CodeRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCodes).AddDocuments(records, nil)
	return err
}
