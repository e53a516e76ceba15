package workspace

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nicksunderland/code-consensus-app/internal/search"
	"github.com/nicksunderland/code-consensus-app/internal/store"
	"github.com/nicksunderland/code-consensus-app/internal/tree"
	"github.com/nicksunderland/code-consensus-app/internal/util"
)

// SaveSelections persists every current table row for the active user,
// selected or not, so deselections survive a reload. Catalogue and orphan
// rows are written through their respective conflict keys.
func (w *Workspace) SaveSelections(ctx context.Context) error {
	w.mu.Lock()
	if w.userID == "" || w.phenotypeID == "" {
		w.mu.Unlock()
		err := &ValidationError{Message: "no active user or phenotype"}
		w.deps.Notifier.EmitError("Save", err.Message)
		return err
	}
	target := w.phenotypeID
	rows := w.rowsLocked()
	var standard, orphan []store.SelectionRow
	for _, r := range rows {
		row := store.SelectionRow{
			PhenotypeID:   target,
			UserID:        w.userID,
			IsSelected:    r.Selected,
			FoundInSearch: r.Found,
			Imported:      r.Imported,
		}
		if r.Comment != "" {
			comment := r.Comment
			row.Comment = &comment
		}
		switch r.Kind {
		case RowOrphan:
			key, code, desc, system := r.Key, r.Code, r.Description, r.System
			row.CodeType = store.CodeTypeOrphan
			row.OrphanID = &key
			row.CodeText = &code
			row.CodeDescription = &desc
			row.SystemName = &system
			orphan = append(orphan, row)
		default:
			id, err := strconv.ParseInt(r.Key, 10, 64)
			if err != nil {
				continue
			}
			row.CodeType = store.CodeTypeStandard
			row.CodeID = &id
			standard = append(standard, row)
		}
	}
	w.mu.Unlock()

	if err := w.deps.Store.UpsertStandardSelections(ctx, standard); err != nil {
		w.deps.Notifier.EmitError("Save", "could not save selections")
		return &PersistenceError{Op: "save selections", Err: err}
	}
	if err := w.deps.Store.UpsertOrphanSelections(ctx, orphan); err != nil {
		w.deps.Notifier.EmitError("Save", "could not save selections")
		return &PersistenceError{Op: "save orphan selections", Err: err}
	}

	w.mu.Lock()
	if w.stillActive(target) {
		w.savedSelectionFP = w.selectionFingerprintLocked()
	}
	w.mu.Unlock()

	w.deps.Notifier.EmitSuccess("Save", fmt.Sprintf("saved %d code selections", len(standard)+len(orphan)))
	return nil
}

// FetchSelections loads the whole team's persisted selections for the
// active phenotype. The current user's checkboxes and comments are
// restored, every persisted search hit is re-marked globally, imported
// codes are rebuilt, and all referenced catalogue codes are hydrated back
// into the tree.
func (w *Workspace) FetchSelections(ctx context.Context) error {
	w.mu.Lock()
	target := w.phenotypeID
	user := w.userID
	w.mu.Unlock()
	if target == "" {
		return &ValidationError{Message: "no active phenotype"}
	}

	rows, err := w.deps.Store.FetchSelections(ctx, target)
	if err != nil {
		return &PersistenceError{Op: "fetch selections", Err: err}
	}

	selected := make(map[string]bool)
	comments := make(map[string]string)
	patches := make(map[string]tree.DataPatch)
	team := make(map[string]map[string]Vote)
	var members []Member
	seenMember := make(map[string]bool)
	var imported []ImportedRecord
	seenImport := make(map[string]bool)
	var ids []int64
	seenID := make(map[int64]bool)

	for _, row := range rows {
		key := row.Key()
		if key == "" {
			continue
		}
		if row.UserID == user {
			selected[key] = row.IsSelected
			if row.Comment != nil && *row.Comment != "" {
				comments[key] = *row.Comment
			}
		}
		if row.CodeID != nil && !seenID[*row.CodeID] {
			seenID[*row.CodeID] = true
			ids = append(ids, *row.CodeID)
		}
		if row.CodeID != nil && row.FoundInSearch {
			found := true
			patches[key] = tree.DataPatch{FoundInSearch: &found}
		}
		if row.Imported && !seenImport[key] {
			seenImport[key] = true
			imported = append(imported, importedFromRow(row))
		}
		if votes := team[key]; votes == nil {
			team[key] = make(map[string]Vote)
		}
		vote := Vote{Selected: row.IsSelected}
		if row.Comment != nil {
			vote.Comment = *row.Comment
		}
		team[key][row.UserID] = vote
		if !seenMember[row.UserID] {
			seenMember[row.UserID] = true
			name := row.UserEmail
			if name == "" {
				name = row.UserID
			}
			members = append(members, Member{ID: row.UserID, Name: name})
		}
	}

	w.mu.Lock()
	if !w.stillActive(target) {
		w.mu.Unlock()
		return nil
	}
	w.selected = selected
	w.comments = comments
	w.imported = imported
	w.team = team
	w.members = members
	for key := range patches {
		w.searchHits[key] = true
	}
	w.mu.Unlock()

	return w.HydrateNodes(ctx, ids, patches)
}

func importedFromRow(row store.SelectionRow) ImportedRecord {
	rec := ImportedRecord{Key: row.Key()}
	if row.Code != nil {
		rec.Code = row.Code.Code
		rec.Description = row.Code.Description
		rec.System = row.Code.SystemName
		return rec
	}
	if row.CodeText != nil {
		rec.Code = *row.CodeText
	}
	if row.CodeDescription != nil {
		rec.Description = *row.CodeDescription
	}
	if row.SystemName != nil {
		rec.System = *row.SystemName
	}
	return rec
}

// Members returns the team members observed in the selection data.
func (w *Workspace) Members() []Member {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Member, len(w.members))
	copy(out, w.members)
	return out
}

// TeamVote returns one member's recorded position on a code.
func (w *Workspace) TeamVote(key, userID string) (Vote, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	vote, ok := w.team[key][userID]
	return vote, ok
}

// ImportCandidate is one parsed line of an imported code list.
type ImportCandidate struct {
	System      string `json:"system"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// ImportCodes resolves the candidates against the catalogue. Matches are
// hydrated into the tree and selected; the rest become orphan records keyed
// by system and code text. Already-imported keys are skipped.
func (w *Workspace) ImportCodes(ctx context.Context, candidates []ImportCandidate) error {
	if len(candidates) == 0 {
		err := &ValidationError{Message: "nothing to import"}
		w.deps.Notifier.EmitError("Import", err.Message)
		return err
	}
	w.mu.Lock()
	target := w.phenotypeID
	w.mu.Unlock()
	if target == "" {
		return &ValidationError{Message: "no active phenotype"}
	}

	var matched []search.CodeRecord
	var records []ImportedRecord
	unmatched := 0
	for _, c := range candidates {
		rec, err := w.deps.Catalogue.ResolveCode(ctx, c.System, c.Code)
		var nf *NotFoundError
		switch {
		case err == nil:
			matched = append(matched, rec)
			records = append(records, ImportedRecord{
				Key:         strconv.FormatInt(rec.ID, 10),
				Code:        rec.Code,
				Description: rec.Description,
				System:      rec.System,
			})
		case errors.As(err, &nf):
			unmatched++
			records = append(records, ImportedRecord{
				Key:         util.OrphanKey(c.System, c.Code),
				Code:        c.Code,
				Description: c.Description,
				System:      c.System,
			})
		default:
			w.deps.Notifier.EmitError("Import", "import failed")
			return &PersistenceError{Op: "resolve imported code", Err: err}
		}
	}

	ancestors, err := w.fetchAncestors(ctx, matched)
	if err != nil {
		w.deps.Notifier.EmitError("Import", "import failed")
		return &PersistenceError{Op: "resolve import ancestors", Err: err}
	}

	w.mu.Lock()
	if !w.stillActive(target) {
		w.mu.Unlock()
		return nil
	}
	existing := make(map[string]bool, len(w.imported))
	for _, rec := range w.imported {
		existing[rec.Key] = true
	}
	added := 0
	for _, rec := range records {
		if existing[rec.Key] {
			continue
		}
		existing[rec.Key] = true
		w.imported = append(w.imported, rec)
		w.selected[rec.Key] = true
		added++
	}
	w.hydrateLocked(matched, ancestors, nil)
	w.mu.Unlock()

	w.deps.Notifier.EmitSuccess("Import", fmt.Sprintf("imported %d codes, %d without a catalogue match", added, unmatched))
	return nil
}

// ClearImported deletes the current user's imported rows from the store,
// wipes their consensus state, and removes them from the workspace.
func (w *Workspace) ClearImported(ctx context.Context) error {
	w.mu.Lock()
	target := w.phenotypeID
	user := w.userID
	w.mu.Unlock()
	if user == "" || target == "" {
		err := &ValidationError{Message: "no active user or phenotype"}
		w.deps.Notifier.EmitError("Imported Codes", err.Message)
		return err
	}

	rows, err := w.deps.Store.ListImported(ctx, target, user)
	if err != nil {
		return &PersistenceError{Op: "list imported", Err: err}
	}
	if len(rows) == 0 {
		w.deps.Notifier.EmitError("Imported Codes", "nothing to clear")
		return nil
	}

	deleted, err := w.deps.Store.DeleteImported(ctx, target, user)
	if err != nil {
		w.deps.Notifier.EmitError("Imported Codes", "could not clear imported codes")
		return &PersistenceError{Op: "delete imported", Err: err}
	}
	for _, row := range rows {
		if err := w.deps.Store.ClearConsensus(ctx, target, row.CodeType, row.CodeID, row.OrphanID); err != nil {
			return &PersistenceError{Op: "clear imported consensus", Err: err}
		}
	}

	w.mu.Lock()
	if w.stillActive(target) {
		for _, row := range rows {
			key := row.Key()
			delete(w.selected, key)
			delete(w.comments, key)
			delete(w.consensus, key)
			delete(w.searchHits, key)
		}
		w.imported = nil
		w.savedSelectionFP = w.selectionFingerprintLocked()
		w.savedConsensusFP = w.consensusFingerprintLocked()
	}
	w.mu.Unlock()

	w.deps.Notifier.EmitSuccess("Imported Codes", fmt.Sprintf("cleared %d imported codes", deleted))
	return nil
}
