package workspace

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// fingerprintEntry is the canonical per-row shape hashed for dirty checks.
type fingerprintEntry struct {
	Key      string `json:"key"`
	Selected bool   `json:"selected"`
	Comment  string `json:"comment"`
}

func fingerprint(entries []fingerprintEntry) string {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	raw, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

func (w *Workspace) selectionFingerprintLocked() string {
	rows := w.rowsLocked()
	entries := make([]fingerprintEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, fingerprintEntry{Key: r.Key, Selected: r.Selected, Comment: r.Comment})
	}
	return fingerprint(entries)
}

// consensusFingerprintLocked hashes only the drafted consensus entries, so
// rows entering or leaving the table through searches or selection edits
// cannot dirty the consensus state.
func (w *Workspace) consensusFingerprintLocked() string {
	rows := w.rowsLocked()
	entries := make([]fingerprintEntry, 0, len(rows))
	for _, r := range rows {
		if !r.ConsensusSelected {
			continue
		}
		entries = append(entries, fingerprintEntry{Key: r.Key, Selected: true, Comment: r.ConsensusComment})
	}
	return fingerprint(entries)
}

// CaptureBaseline records the current selection and consensus state as the
// saved reference. Called once fetched state has fully settled, never from
// inside the fetch itself, so a baseline can never be taken against a
// half-applied snapshot.
func (w *Workspace) CaptureBaseline() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.savedSelectionFP = w.selectionFingerprintLocked()
	w.savedConsensusFP = w.consensusFingerprintLocked()
}

// HasUnsavedChanges reports whether the selection state differs from the
// last saved or fetched baseline.
func (w *Workspace) HasUnsavedChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selectionFingerprintLocked() != w.savedSelectionFP
}

// HasUnsavedConsensusChanges reports whether the draft consensus differs
// from the last saved or fetched baseline.
func (w *Workspace) HasUnsavedConsensusChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consensusFingerprintLocked() != w.savedConsensusFP
}
