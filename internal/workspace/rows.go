package workspace

import (
	"github.com/nicksunderland/code-consensus-app/internal/tree"
	"github.com/nicksunderland/code-consensus-app/internal/util"
)

// RowKind tags a table row by provenance. Assigned once at construction
// from the row key; no downstream code re-parses key prefixes.
type RowKind string

const (
	// RowCatalogue rows map to a real catalogue entry.
	RowCatalogue RowKind = "catalogue"
	// RowOrphan rows came from an import with no catalogue match and live
	// only in the selection tables.
	RowOrphan RowKind = "orphan"
)

func kindOf(key string) RowKind {
	if util.IsOrphanKey(key) {
		return RowOrphan
	}
	return RowCatalogue
}

// TableRow is one line of the review table: a code that is selected,
// matched the current search, or was imported.
type TableRow struct {
	Key               string   `json:"key"`
	Kind              RowKind  `json:"kind"`
	Code              string   `json:"code"`
	Description       string   `json:"description"`
	System            string   `json:"system"`
	SystemID          *int64   `json:"system_id,omitempty"`
	Selected          bool     `json:"selected"`
	Comment           string   `json:"comment"`
	ConsensusSelected bool     `json:"consensus_selected"`
	ConsensusComment  string   `json:"consensus_comment"`
	Found             bool     `json:"found_in_search"`
	Imported          bool     `json:"imported"`
}

// ImportedRecord is one imported code: either resolved to a catalogue key
// or carried as an orphan with its original text.
type ImportedRecord struct {
	Key         string `json:"key"`
	Code        string `json:"code"`
	Description string `json:"description"`
	System      string `json:"system"`
}

// Rows projects the review table: every loaded tree node that is selected
// or matched the search, in display order, then imported codes not already
// present. Each key appears exactly once even when the hierarchy exposes a
// node through several branches.
func (w *Workspace) Rows() []TableRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowsLocked()
}

func (w *Workspace) rowsLocked() []TableRow {
	importedKeys := make(map[string]bool, len(w.imported))
	for _, rec := range w.imported {
		importedKeys[rec.Key] = true
	}

	seen := make(map[string]bool)
	var rows []TableRow
	w.tree.Walk(func(n *tree.Node) {
		if seen[n.Key] {
			return
		}
		if !w.selected[n.Key] && !n.Data.FoundInSearch {
			return
		}
		seen[n.Key] = true
		rows = append(rows, w.rowLocked(n.Key, n.Data.Code, n.Data.Description, n.Data.System, n.Data.SystemID, n.Data.FoundInSearch, importedKeys[n.Key]))
	})
	for _, rec := range w.imported {
		if seen[rec.Key] {
			continue
		}
		seen[rec.Key] = true
		rows = append(rows, w.rowLocked(rec.Key, rec.Code, rec.Description, rec.System, nil, w.searchHits[rec.Key], true))
	}
	return rows
}

func (w *Workspace) rowLocked(key, code, desc, system string, systemID *int64, found, imported bool) TableRow {
	entry := w.consensus[key]
	return TableRow{
		Key:               key,
		Kind:              kindOf(key),
		Code:              code,
		Description:       desc,
		System:            system,
		SystemID:          systemID,
		Selected:          w.selected[key],
		Comment:           w.comments[key],
		ConsensusSelected: entry.Selected,
		ConsensusComment:  entry.Comment,
		Found:             found,
		Imported:          imported,
	}
}

// SelectionSummary describes how many of the visible rows are selected.
type SelectionSummary string

const (
	SummaryNone    SelectionSummary = "none"
	SummaryPartial SelectionSummary = "partial"
	SummaryAll     SelectionSummary = "all"
)

// Summary reports the select-all checkbox state for the current rows.
func (w *Workspace) Summary() SelectionSummary {
	rows := w.Rows()
	if len(rows) == 0 {
		return SummaryNone
	}
	n := 0
	for _, r := range rows {
		if r.Selected {
			n++
		}
	}
	switch n {
	case 0:
		return SummaryNone
	case len(rows):
		return SummaryAll
	default:
		return SummaryPartial
	}
}

// ToggleSelectAll selects every visible row, or deselects all of them when
// every row is already selected.
func (w *Workspace) ToggleSelectAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	rows := w.rowsLocked()
	if len(rows) == 0 {
		return
	}
	all := true
	for _, r := range rows {
		if !r.Selected {
			all = false
			break
		}
	}
	for _, r := range rows {
		w.selected[r.Key] = !all
	}
}

// SetSelected records the current user's position on one code.
func (w *Workspace) SetSelected(key string, selected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selected[key] = selected
}

// SetComment records the current user's comment on one code.
func (w *Workspace) SetComment(key, comment string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if comment == "" {
		delete(w.comments, key)
		return
	}
	w.comments[key] = comment
}

// SetConsensusSelected records the draft consensus position on one code.
func (w *Workspace) SetConsensusSelected(key string, selected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry := w.consensus[key]
	entry.Selected = selected
	w.consensus[key] = entry
}

// SetConsensusComment records the draft consensus comment on one code.
func (w *Workspace) SetConsensusComment(key, comment string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry := w.consensus[key]
	entry.Comment = comment
	w.consensus[key] = entry
}

// Selected reports the current user's position on one code.
func (w *Workspace) Selected(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selected[key]
}

// Imported returns the imported records for the active phenotype.
func (w *Workspace) ImportedRecords() []ImportedRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ImportedRecord, len(w.imported))
	copy(out, w.imported)
	return out
}
