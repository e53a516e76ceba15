package workspace

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nicksunderland/code-consensus-app/internal/store"
)

// FetchConsensus loads the persisted consensus for the active phenotype.
// The phenotype counts as finalized when any record carries a finalized
// timestamp.
func (w *Workspace) FetchConsensus(ctx context.Context) error {
	w.mu.Lock()
	target := w.phenotypeID
	w.mu.Unlock()
	if target == "" {
		return &ValidationError{Message: "no active phenotype"}
	}

	rows, err := w.deps.Store.FetchConsensus(ctx, target)
	if err != nil {
		return &PersistenceError{Op: "fetch consensus", Err: err}
	}

	entries := make(map[string]ConsensusEntry)
	finalized := false
	for _, row := range rows {
		key := row.Key()
		if key == "" {
			continue
		}
		entries[key] = ConsensusEntry{Selected: row.IsConsensus, Comment: row.ConsensusComments}
		if row.FinalizedAt != nil {
			finalized = true
		}
	}

	w.mu.Lock()
	if w.stillActive(target) {
		w.consensus = entries
		w.finalized = finalized
	}
	w.mu.Unlock()
	return nil
}

// SaveConsensus persists the draft consensus. The write set is the union of
// the currently drafted keys and every key that already has a persisted
// consensus record, so removing a code from the consensus is stored as an
// explicit deselection rather than silently dropped. With finalize set,
// every selected record is stamped with the finalization time; without it,
// any previous stamp is cleared.
func (w *Workspace) SaveConsensus(ctx context.Context, finalize bool) error {
	w.mu.Lock()
	if w.userID == "" || w.phenotypeID == "" {
		w.mu.Unlock()
		err := &ValidationError{Message: "no active user or phenotype"}
		w.deps.Notifier.EmitError("Consensus", err.Message)
		return err
	}
	target := w.phenotypeID
	user := w.userID
	desired := make(map[string]ConsensusEntry)
	for _, r := range w.rowsLocked() {
		if r.ConsensusSelected {
			desired[r.Key] = ConsensusEntry{Selected: true, Comment: r.ConsensusComment}
		}
	}
	w.mu.Unlock()

	existing, err := w.deps.Store.FetchConsensus(ctx, target)
	if err != nil {
		return &PersistenceError{Op: "fetch consensus", Err: err}
	}

	keys := make(map[string]ConsensusEntry, len(desired))
	for key, entry := range desired {
		keys[key] = entry
	}
	for _, row := range existing {
		key := row.Key()
		if key == "" {
			continue
		}
		if _, ok := keys[key]; !ok {
			// Deselected since the last save: keep the comment, drop the vote.
			keys[key] = ConsensusEntry{Selected: false, Comment: row.ConsensusComments}
		}
	}

	now := time.Now().UTC()
	var standard, orphan []store.ConsensusRow
	for key, entry := range keys {
		row := store.ConsensusRow{
			PhenotypeID:       target,
			UserID:            user,
			IsConsensus:       entry.Selected,
			ConsensusComments: entry.Comment,
		}
		if finalize && entry.Selected {
			ts := now
			row.FinalizedAt = &ts
		}
		if kindOf(key) == RowOrphan {
			orphanID := key
			row.CodeType = store.CodeTypeOrphan
			row.OrphanID = &orphanID
			orphan = append(orphan, row)
			continue
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		row.CodeType = store.CodeTypeStandard
		row.CodeID = &id
		standard = append(standard, row)
	}

	if err := w.deps.Store.UpsertStandardConsensus(ctx, standard); err != nil {
		w.deps.Notifier.EmitError("Consensus", "could not save consensus")
		return &PersistenceError{Op: "save consensus", Err: err}
	}
	if err := w.deps.Store.UpsertOrphanConsensus(ctx, orphan); err != nil {
		w.deps.Notifier.EmitError("Consensus", "could not save consensus")
		return &PersistenceError{Op: "save orphan consensus", Err: err}
	}

	w.mu.Lock()
	if w.stillActive(target) {
		w.consensus = keys
		w.finalized = finalize
		w.savedConsensusFP = w.consensusFingerprintLocked()
	}
	w.mu.Unlock()

	verb := "saved"
	if finalize {
		verb = "finalized"
	}
	w.deps.Notifier.EmitSuccess("Consensus", fmt.Sprintf("%s consensus for %d codes", verb, len(desired)))
	return nil
}

// UnlockConsensus reopens a finalized consensus for editing. The flip is
// local: persisted finalization stamps are rewritten only by the next
// explicit save, so unlocking never writes out an unsaved draft.
func (w *Workspace) UnlockConsensus() {
	w.mu.Lock()
	w.finalized = false
	w.mu.Unlock()
	w.deps.Notifier.EmitSuccess("Consensus", "consensus unlocked for editing")
}

// CodeAgreement is the per-code portion of the agreement statistics.
type CodeAgreement struct {
	Key       string  `json:"key"`
	Yes       int     `json:"yes"`
	No        int     `json:"no"`
	Agreement float64 `json:"agreement"`
}

// Agreement summarizes inter-rater reliability over the team's votes.
type Agreement struct {
	Codes         int             `json:"codes"`
	Raters        int             `json:"raters"`
	MeanAgreement float64         `json:"mean_agreement"`
	Kappa         float64         `json:"kappa"`
	PerCode       []CodeAgreement `json:"per_code"`
}

// AgreementStats computes Fleiss-style agreement over the persisted team
// votes with the current user's live state overlaid, so edits move the
// statistics before they are saved. Codes with fewer than two votes carry
// no agreement information and are excluded.
func (w *Workspace) AgreementStats() Agreement {
	w.mu.Lock()
	defer w.mu.Unlock()

	votes := make(map[string]map[string]bool, len(w.team))
	raters := make(map[string]bool)
	for key, byUser := range w.team {
		votes[key] = make(map[string]bool, len(byUser))
		for userID, v := range byUser {
			votes[key][userID] = v.Selected
			raters[userID] = true
		}
	}
	if w.userID != "" {
		for _, r := range w.rowsLocked() {
			if votes[r.Key] == nil {
				votes[r.Key] = make(map[string]bool, 1)
			}
			votes[r.Key][w.userID] = r.Selected
			raters[w.userID] = true
		}
	}

	out := AgreementFromVotes(votes)
	out.Raters = len(raters)
	return out
}

// AgreementFromVotes computes the statistics over a raw vote matrix, keyed
// by code then rater. Exposed so exports can score a phenotype that is not
// currently loaded in a workspace.
func AgreementFromVotes(votes map[string]map[string]bool) Agreement {
	raters := make(map[string]bool)
	var perCode []CodeAgreement
	var sumAgreement float64
	totalYes, totalVotes := 0, 0
	for key, byUser := range votes {
		for userID := range byUser {
			raters[userID] = true
		}
		n := len(byUser)
		if n < 2 {
			continue
		}
		yes := 0
		for _, selected := range byUser {
			if selected {
				yes++
			}
		}
		no := n - yes
		p := float64(yes*(yes-1)+no*(no-1)) / float64(n*(n-1))
		perCode = append(perCode, CodeAgreement{Key: key, Yes: yes, No: no, Agreement: p})
		sumAgreement += p
		totalYes += yes
		totalVotes += n
	}
	sort.Slice(perCode, func(i, j int) bool { return perCode[i].Key < perCode[j].Key })

	out := Agreement{Codes: len(perCode), Raters: len(raters), PerCode: perCode}
	if len(perCode) == 0 || totalVotes == 0 {
		return out
	}
	out.MeanAgreement = sumAgreement / float64(len(perCode))
	pYes := float64(totalYes) / float64(totalVotes)
	pNo := 1 - pYes
	pExpected := pYes*pYes + pNo*pNo
	if pExpected < 1 {
		out.Kappa = (out.MeanAgreement - pExpected) / (1 - pExpected)
	}
	return out
}
