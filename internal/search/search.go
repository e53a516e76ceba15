// Package search finds catalogue codes for the tree. Meilisearch serves
// plain-text terms when available; PostgreSQL answers regex terms and acts
// as the fallback backend.
package search

import "context"

// Searchable columns.
const (
	ColumnCode        = "code"
	ColumnDescription = "description"
)

// Term is one user search input. Empty/whitespace-only text is dropped by
// the caller before a query is built.
type Term struct {
	Text      string   `json:"text"`
	Regex     bool     `json:"regex"`
	Columns   []string `json:"columns"`
	SystemIDs []int64  `json:"system_ids"`
}

// Query is a full search request: all terms are evaluated together and a
// code matching any of them is a hit.
type Query struct {
	Terms []Term
	Limit int
}

// CodeRecord is a catalogue code as indexed and as returned in results and
// ancestor maps.
type CodeRecord struct {
	ID          int64  `json:"id"`
	SystemID    int64  `json:"system_id"`
	System      string `json:"system"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Path        string `json:"materialized_path"`
	Leaf        bool   `json:"leaf"`
	Selectable  bool   `json:"selectable"`
}

// Label is the display string used for tree nodes built from this record.
func (r CodeRecord) Label() string {
	if r.Description == "" {
		return r.Code
	}
	return r.Code + " " + r.Description
}

// Response is the result envelope handed to the tree merge: the terminal
// hits plus descriptors for every ancestor id on their materialized paths.
type Response struct {
	Results   []CodeRecord
	Ancestors map[string]CodeRecord
}

// Searcher executes a catalogue search on one backend.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]CodeRecord, error)
	Healthy() bool
}

func anyRegex(terms []Term) bool {
	for _, term := range terms {
		if term.Regex {
			return true
		}
	}
	return false
}
