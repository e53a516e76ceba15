// Package tree maintains the in-memory code hierarchy assembled from lazily
// loaded branches, search results and hydrated selections.
package tree

import "strings"

// Data is the payload carried by every node.
type Data struct {
	Code          string `json:"code"`
	Description   string `json:"description"`
	System        string `json:"system"`
	SystemID      *int64 `json:"system_id"`
	FoundInSearch bool   `json:"found_in_search"`
}

// Node is one entry in the hierarchy. A key appears at most once across the
// whole tree; re-insertion updates the existing node in place.
type Node struct {
	Key        string  `json:"key"`
	Label      string  `json:"label"`
	Children   []*Node `json:"children,omitempty"`
	Leaf       bool    `json:"leaf"`
	Selectable bool    `json:"selectable"`
	// Path is the slash-delimited ancestor key chain from root to this
	// node. Empty means the node's own key is its path.
	Path string `json:"materialized_path,omitempty"`
	Data Data   `json:"data"`
}

// Descriptor describes a path segment that may not exist in the tree yet.
type Descriptor struct {
	Key        string
	Label      string
	Selectable bool
	Data       Data
}

// Fragment is one partial insertion: a terminal node identity plus the
// materialized path leading to it.
type Fragment struct {
	Key        string
	Label      string
	Path       string
	Selectable bool
	// Found marks the terminal segment as a search/hydration match.
	Found bool
	Data  Data
}

// MergeOptions controls a Merge call.
type MergeOptions struct {
	// ClearPrevious resets every found_in_search flag tree-wide before the
	// fragments are applied. Set for a fresh search, omitted for hydration.
	ClearPrevious bool
}

// DataPatch holds per-node field overrides spliced in after construction.
type DataPatch struct {
	FoundInSearch *bool
}

func (p DataPatch) apply(d *Data) {
	if p.FoundInSearch != nil {
		d.FoundInSearch = *p.FoundInSearch
	}
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0]
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}
