// Package workspace is the consensus engine core: one shared, explicitly
// constructed state object combining the code hierarchy, the current user's
// selections, the team consensus snapshot and the agreement statistics.
// All in-memory computation is synchronous; only collaborator calls suspend,
// and responses for a phenotype that is no longer active are discarded.
package workspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/nicksunderland/code-consensus-app/internal/notify"
	"github.com/nicksunderland/code-consensus-app/internal/search"
	"github.com/nicksunderland/code-consensus-app/internal/store"
	"github.com/nicksunderland/code-consensus-app/internal/tree"
)

// ValidationError reports bad or missing user input. Never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// PersistenceError wraps a failed store call. The operation is aborted and
// in-memory state is left unchanged so the user can retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// NotFoundError reports a code with no catalogue match. Non-fatal: import
// falls back to orphan treatment.
type NotFoundError struct {
	System string
	Code   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no catalogue match for %s %s", e.System, e.Code)
}

// Catalogue materializes tree branches and code detail on demand.
type Catalogue interface {
	// LoadChildren returns the direct children of a node, shallow and
	// unsorted. An empty parent key loads the root level.
	LoadChildren(ctx context.Context, parentKey string) ([]*tree.Node, error)
	// FetchByIDs returns full detail, including materialized paths, for the
	// given catalogue ids in one batched call.
	FetchByIDs(ctx context.Context, ids []int64) ([]search.CodeRecord, error)
	// ResolveCode finds the catalogue entry for an imported code text.
	// Returns a NotFoundError when none exists.
	ResolveCode(ctx context.Context, system, code string) (search.CodeRecord, error)
}

// Searcher executes a catalogue search and returns hits plus ancestors.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (search.Response, error)
}

// SelectionStore persists selection and consensus records.
type SelectionStore interface {
	UpsertStandardSelections(ctx context.Context, rows []store.SelectionRow) error
	UpsertOrphanSelections(ctx context.Context, rows []store.SelectionRow) error
	FetchSelections(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error)
	UpsertStandardConsensus(ctx context.Context, rows []store.ConsensusRow) error
	UpsertOrphanConsensus(ctx context.Context, rows []store.ConsensusRow) error
	FetchConsensus(ctx context.Context, phenotypeID string) ([]store.ConsensusRow, error)
	ListImported(ctx context.Context, phenotypeID, userID string) ([]store.SelectionRow, error)
	DeleteImported(ctx context.Context, phenotypeID, userID string) (int, error)
	ClearConsensus(ctx context.Context, phenotypeID, codeType string, codeID *int64, orphanID *string) error
}

// ConsensusEntry is the team's agreed state for one code.
type ConsensusEntry struct {
	Selected bool   `json:"selected"`
	Comment  string `json:"comment"`
}

// Vote is one team member's recorded position on a code.
type Vote struct {
	Selected bool   `json:"selected"`
	Comment  string `json:"comment"`
}

// Member is a team member observed in the selection data.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Deps are the collaborators a Workspace is constructed with.
type Deps struct {
	Catalogue  Catalogue
	Searcher   Searcher
	Store      SelectionStore
	Notifier   notify.Notifier
	AutoSelect bool
	// SearchLimit caps search results; zero means the backend default.
	SearchLimit int
}

// Workspace is created once at app start and shared by every consumer:
// a mutation through one handle is immediately visible to all others.
type Workspace struct {
	mu   sync.Mutex
	deps Deps

	userID      string
	phenotypeID string

	tree       *tree.Store
	selected   map[string]bool
	searchHits map[string]bool
	comments   map[string]string
	consensus  map[string]ConsensusEntry
	imported   []ImportedRecord
	team       map[string]map[string]Vote
	members    []Member
	finalized  bool

	savedSelectionFP string
	savedConsensusFP string
}

func New(deps Deps) *Workspace {
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	w := &Workspace{deps: deps, tree: tree.NewStore()}
	w.resetLocked()
	return w
}

// SetUser sets the identity whose personal selections the workspace edits.
func (w *Workspace) SetUser(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.userID = userID
}

// User returns the current user id.
func (w *Workspace) User() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.userID
}

// PhenotypeID returns the active phenotype.
func (w *Workspace) PhenotypeID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phenotypeID
}

// Finalized reports whether the active phenotype's consensus is locked.
func (w *Workspace) Finalized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalized
}

// Tree exposes the merged hierarchy for rendering.
func (w *Workspace) Tree() *tree.Store {
	return w.tree
}

// resetLocked clears tree, selection and consensus state. Callers hold mu.
func (w *Workspace) resetLocked() {
	w.tree.Reset()
	w.selected = make(map[string]bool)
	w.searchHits = make(map[string]bool)
	w.comments = make(map[string]string)
	w.consensus = make(map[string]ConsensusEntry)
	w.imported = nil
	w.team = make(map[string]map[string]Vote)
	w.members = nil
	w.finalized = false
	w.savedSelectionFP = ""
	w.savedConsensusFP = ""
}

// SwitchPhenotype makes phenotypeID the active phenotype: state is reset
// first, then persisted selections and consensus are fetched in strict
// sequence. Responses arriving after another switch are discarded by the
// fetch operations themselves, so two rapid switches settle on the later
// phenotype's data regardless of response order.
func (w *Workspace) SwitchPhenotype(ctx context.Context, phenotypeID string) error {
	w.mu.Lock()
	w.resetLocked()
	w.phenotypeID = phenotypeID
	w.mu.Unlock()

	if phenotypeID == "" {
		return nil
	}
	if err := w.FetchSelections(ctx); err != nil {
		return err
	}
	if err := w.FetchConsensus(ctx); err != nil {
		return err
	}
	// Derived state is settled now; baseline against it.
	w.CaptureBaseline()
	return nil
}

// stillActive reports whether a response captured for target should commit.
// Callers hold mu.
func (w *Workspace) stillActive(target string) bool {
	return w.phenotypeID == target
}
