package workspace

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nicksunderland/code-consensus-app/internal/search"
	"github.com/nicksunderland/code-consensus-app/internal/tree"
)

// RunSearch executes a catalogue search and merges the hits into the tree.
// Previous search flags are cleared first, so the visible result set always
// reflects exactly the latest query; selections are never touched by a
// search, and with auto-select enabled new hits are added to the selection
// without ever deselecting anything.
func (w *Workspace) RunSearch(ctx context.Context, q search.Query) error {
	empty := true
	for _, t := range q.Terms {
		if strings.TrimSpace(t.Text) != "" {
			empty = false
			break
		}
	}
	if empty {
		err := &ValidationError{Message: "enter at least one search term"}
		w.deps.Notifier.EmitError("Search", err.Message)
		return err
	}
	if q.Limit <= 0 {
		q.Limit = w.deps.SearchLimit
	}

	w.mu.Lock()
	target := w.phenotypeID
	w.mu.Unlock()

	resp, err := w.deps.Searcher.Search(ctx, q)
	if err != nil {
		w.deps.Notifier.EmitError("Search", "search failed")
		return &PersistenceError{Op: "run search", Err: err}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillActive(target) {
		return nil
	}

	fragments := make([]tree.Fragment, 0, len(resp.Results))
	hits := make(map[string]bool, len(resp.Results))
	for _, rec := range resp.Results {
		fragments = append(fragments, recordFragment(rec, true))
		hits[strconv.FormatInt(rec.ID, 10)] = true
	}
	ancestors := make(map[string]tree.Descriptor, len(resp.Ancestors))
	for id, rec := range resp.Ancestors {
		ancestors[id] = tree.Descriptor{Key: id, Label: rec.Label(), Selectable: rec.Selectable, Data: recordData(rec)}
	}
	w.tree.Merge(fragments, ancestors, tree.MergeOptions{ClearPrevious: true})
	w.searchHits = hits

	if w.deps.AutoSelect {
		for _, rec := range resp.Results {
			if rec.Selectable {
				w.selected[strconv.FormatInt(rec.ID, 10)] = true
			}
		}
	}

	w.deps.Notifier.EmitSuccess("Search", fmt.Sprintf("found %d matching codes", len(resp.Results)))
	return nil
}

// LoadChildren expands one tree node by loading its direct children from
// the catalogue. An empty key loads the root level.
func (w *Workspace) LoadChildren(ctx context.Context, parentKey string) error {
	w.mu.Lock()
	target := w.phenotypeID
	w.mu.Unlock()

	children, err := w.deps.Catalogue.LoadChildren(ctx, parentKey)
	if err != nil {
		return &PersistenceError{Op: "load children", Err: err}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillActive(target) {
		return nil
	}
	if err := w.tree.SetChildren(parentKey, children); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// HydrateNodes loads full detail for the given catalogue ids, plus every
// ancestor on their materialized paths, and merges them into the tree,
// applying any per-key patches to the merged nodes. Fetching the ancestors
// too means intermediate segments carry their own labels and codes instead
// of being synthesized from a leaf's payload.
func (w *Workspace) HydrateNodes(ctx context.Context, ids []int64, patches map[string]tree.DataPatch) error {
	if len(ids) == 0 {
		return nil
	}
	w.mu.Lock()
	target := w.phenotypeID
	w.mu.Unlock()

	records, err := w.deps.Catalogue.FetchByIDs(ctx, ids)
	if err != nil {
		return &PersistenceError{Op: "hydrate nodes", Err: err}
	}
	ancestors, err := w.fetchAncestors(ctx, records)
	if err != nil {
		return &PersistenceError{Op: "hydrate ancestors", Err: err}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillActive(target) {
		return nil
	}
	w.hydrateLocked(records, ancestors, patches)
	return nil
}

// fetchAncestors batch-fetches every path segment of the records that is
// not itself in the record set, as descriptors for the merge.
func (w *Workspace) fetchAncestors(ctx context.Context, records []search.CodeRecord) (map[string]tree.Descriptor, error) {
	missing := missingAncestorIDs(records)
	ancestors := make(map[string]tree.Descriptor, len(missing))
	if len(missing) == 0 {
		return ancestors, nil
	}
	fetched, err := w.deps.Catalogue.FetchByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, rec := range fetched {
		key := strconv.FormatInt(rec.ID, 10)
		ancestors[key] = tree.Descriptor{Key: key, Label: rec.Label(), Selectable: rec.Selectable, Data: recordData(rec)}
	}
	return ancestors, nil
}

func missingAncestorIDs(records []search.CodeRecord) []int64 {
	have := make(map[int64]struct{}, len(records))
	for _, rec := range records {
		have[rec.ID] = struct{}{}
	}
	var missing []int64
	seen := make(map[int64]struct{})
	for _, rec := range records {
		for _, segment := range strings.Split(rec.Path, "/") {
			if segment == "" {
				continue
			}
			id, err := strconv.ParseInt(segment, 10, 64)
			if err != nil {
				continue
			}
			if _, ok := have[id]; ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			missing = append(missing, id)
		}
	}
	return missing
}

// hydrateLocked merges fetched records additively. Callers hold mu.
func (w *Workspace) hydrateLocked(records []search.CodeRecord, ancestors map[string]tree.Descriptor, patches map[string]tree.DataPatch) {
	fragments := make([]tree.Fragment, 0, len(records))
	for _, rec := range records {
		key := strconv.FormatInt(rec.ID, 10)
		found := false
		if p, ok := patches[key]; ok && p.FoundInSearch != nil {
			found = *p.FoundInSearch
		}
		fragments = append(fragments, recordFragment(rec, found))
	}
	w.tree.Merge(fragments, ancestors, tree.MergeOptions{})
}

func recordFragment(rec search.CodeRecord, found bool) tree.Fragment {
	return tree.Fragment{
		Key:        strconv.FormatInt(rec.ID, 10),
		Label:      rec.Label(),
		Path:       rec.Path,
		Selectable: rec.Selectable,
		Found:      found,
		Data:       recordData(rec),
	}
}

func recordData(rec search.CodeRecord) tree.Data {
	sysID := rec.SystemID
	return tree.Data{
		Code:        rec.Code,
		Description: rec.Description,
		System:      rec.System,
		SystemID:    &sysID,
	}
}
