package workspace

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nicksunderland/code-consensus-app/internal/notify"
	"github.com/nicksunderland/code-consensus-app/internal/search"
	"github.com/nicksunderland/code-consensus-app/internal/store"
	"github.com/nicksunderland/code-consensus-app/internal/tree"
)

type fakeCatalogue struct {
	loadChildren func(ctx context.Context, parentKey string) ([]*tree.Node, error)
	fetchByIDs   func(ctx context.Context, ids []int64) ([]search.CodeRecord, error)
	resolveCode  func(ctx context.Context, system, code string) (search.CodeRecord, error)
}

func (f *fakeCatalogue) LoadChildren(ctx context.Context, parentKey string) ([]*tree.Node, error) {
	if f.loadChildren == nil {
		return nil, nil
	}
	return f.loadChildren(ctx, parentKey)
}

func (f *fakeCatalogue) FetchByIDs(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
	if f.fetchByIDs == nil {
		return nil, nil
	}
	return f.fetchByIDs(ctx, ids)
}

func (f *fakeCatalogue) ResolveCode(ctx context.Context, system, code string) (search.CodeRecord, error) {
	if f.resolveCode == nil {
		return search.CodeRecord{}, &NotFoundError{System: system, Code: code}
	}
	return f.resolveCode(ctx, system, code)
}

type fakeSearcher struct {
	search func(ctx context.Context, q search.Query) (search.Response, error)
}

func (f *fakeSearcher) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if f.search == nil {
		return search.Response{}, nil
	}
	return f.search(ctx, q)
}

type fakeSelectionStore struct {
	upsertStandard      func(ctx context.Context, rows []store.SelectionRow) error
	upsertOrphan        func(ctx context.Context, rows []store.SelectionRow) error
	fetchSelections     func(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error)
	upsertStdConsensus  func(ctx context.Context, rows []store.ConsensusRow) error
	upsertOrphConsensus func(ctx context.Context, rows []store.ConsensusRow) error
	fetchConsensus      func(ctx context.Context, phenotypeID string) ([]store.ConsensusRow, error)
	listImported        func(ctx context.Context, phenotypeID, userID string) ([]store.SelectionRow, error)
	deleteImported      func(ctx context.Context, phenotypeID, userID string) (int, error)
	clearConsensus      func(ctx context.Context, phenotypeID, codeType string, codeID *int64, orphanID *string) error
}

func (f *fakeSelectionStore) UpsertStandardSelections(ctx context.Context, rows []store.SelectionRow) error {
	if f.upsertStandard == nil {
		return nil
	}
	return f.upsertStandard(ctx, rows)
}

func (f *fakeSelectionStore) UpsertOrphanSelections(ctx context.Context, rows []store.SelectionRow) error {
	if f.upsertOrphan == nil {
		return nil
	}
	return f.upsertOrphan(ctx, rows)
}

func (f *fakeSelectionStore) FetchSelections(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error) {
	if f.fetchSelections == nil {
		return nil, nil
	}
	return f.fetchSelections(ctx, phenotypeID)
}

func (f *fakeSelectionStore) UpsertStandardConsensus(ctx context.Context, rows []store.ConsensusRow) error {
	if f.upsertStdConsensus == nil {
		return nil
	}
	return f.upsertStdConsensus(ctx, rows)
}

func (f *fakeSelectionStore) UpsertOrphanConsensus(ctx context.Context, rows []store.ConsensusRow) error {
	if f.upsertOrphConsensus == nil {
		return nil
	}
	return f.upsertOrphConsensus(ctx, rows)
}

func (f *fakeSelectionStore) FetchConsensus(ctx context.Context, phenotypeID string) ([]store.ConsensusRow, error) {
	if f.fetchConsensus == nil {
		return nil, nil
	}
	return f.fetchConsensus(ctx, phenotypeID)
}

func (f *fakeSelectionStore) ListImported(ctx context.Context, phenotypeID, userID string) ([]store.SelectionRow, error) {
	if f.listImported == nil {
		return nil, nil
	}
	return f.listImported(ctx, phenotypeID, userID)
}

func (f *fakeSelectionStore) DeleteImported(ctx context.Context, phenotypeID, userID string) (int, error) {
	if f.deleteImported == nil {
		return 0, nil
	}
	return f.deleteImported(ctx, phenotypeID, userID)
}

func (f *fakeSelectionStore) ClearConsensus(ctx context.Context, phenotypeID, codeType string, codeID *int64, orphanID *string) error {
	if f.clearConsensus == nil {
		return nil
	}
	return f.clearConsensus(ctx, phenotypeID, codeType, codeID, orphanID)
}

func record(id, systemID int64, code, desc, path string) search.CodeRecord {
	return search.CodeRecord{
		ID:          id,
		SystemID:    systemID,
		System:      "ICD-10",
		Code:        code,
		Description: desc,
		Path:        path,
		Leaf:        true,
		Selectable:  true,
	}
}

func newTestWorkspace(cat Catalogue, srch Searcher, st SelectionStore, rec *notify.Recorder) *Workspace {
	if cat == nil {
		cat = &fakeCatalogue{}
	}
	if srch == nil {
		srch = &fakeSearcher{}
	}
	if st == nil {
		st = &fakeSelectionStore{}
	}
	w := New(Deps{Catalogue: cat, Searcher: srch, Store: st, Notifier: rec, AutoSelect: true, SearchLimit: 100})
	w.SetUser("alice")
	w.mu.Lock()
	w.phenotypeID = "ph-1"
	w.mu.Unlock()
	return w
}

func intPtr(v int64) *int64   { return &v }
func strPtr(v string) *string { return &v }

func TestRunSearchMergesHitsAndAutoSelects(t *testing.T) {
	srch := &fakeSearcher{search: func(ctx context.Context, q search.Query) (search.Response, error) {
		return search.Response{
			Results: []search.CodeRecord{record(20, 1, "I21.0", "Acute MI of anterior wall", "10/20")},
			Ancestors: map[string]search.CodeRecord{
				"10": {ID: 10, SystemID: 1, System: "ICD-10", Code: "I21", Description: "Acute myocardial infarction"},
			},
		}, nil
	}}
	rec := &notify.Recorder{}
	w := newTestWorkspace(nil, srch, nil, rec)

	q := search.Query{Terms: []search.Term{{Text: "infarction"}}}
	if err := w.RunSearch(context.Background(), q); err != nil {
		t.Fatalf("RunSearch: %v", err)
	}

	rows := w.Rows()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Key != "20" || !rows[0].Selected || !rows[0].Found {
		t.Fatalf("unexpected row %+v", rows[0])
	}
	if rows[0].Kind != RowCatalogue {
		t.Fatalf("got kind %q, want catalogue", rows[0].Kind)
	}
	if n := w.Tree().Find("10"); n == nil || n.Leaf {
		t.Fatalf("ancestor not merged as branch: %+v", n)
	}
	if !w.Tree().IsExpanded("10") {
		t.Fatal("ancestor should be marked expanded")
	}
	if len(rec.Successes) == 0 {
		t.Fatal("expected a success notification")
	}
}

func TestRunSearchRejectsEmptyTerms(t *testing.T) {
	rec := &notify.Recorder{}
	w := newTestWorkspace(nil, nil, nil, rec)

	err := w.RunSearch(context.Background(), search.Query{Terms: []search.Term{{Text: "   "}}})
	var verr *ValidationError
	if err == nil || !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
	if len(rec.Errors) != 1 {
		t.Fatalf("got %d error notifications, want 1", len(rec.Errors))
	}
}

func TestSecondSearchClearsPreviousHitsButNotSelections(t *testing.T) {
	responses := []search.Response{
		{Results: []search.CodeRecord{record(20, 1, "I21.0", "Anterior wall", "20")}},
		{Results: []search.CodeRecord{record(30, 1, "I22.0", "Subsequent MI", "30")}},
	}
	call := 0
	srch := &fakeSearcher{search: func(ctx context.Context, q search.Query) (search.Response, error) {
		resp := responses[call]
		call++
		return resp, nil
	}}
	w := newTestWorkspace(nil, srch, nil, &notify.Recorder{})

	q := search.Query{Terms: []search.Term{{Text: "mi"}}}
	if err := w.RunSearch(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if err := w.RunSearch(context.Background(), q); err != nil {
		t.Fatal(err)
	}

	rows := w.Rows()
	byKey := make(map[string]TableRow, len(rows))
	for _, r := range rows {
		byKey[r.Key] = r
	}
	first, ok := byKey["20"]
	if !ok {
		t.Fatal("previously selected hit disappeared from the table")
	}
	if first.Found {
		t.Fatal("stale search flag survived the second search")
	}
	if !first.Selected {
		t.Fatal("second search must not deselect earlier auto-selections")
	}
	second := byKey["30"]
	if !second.Found || !second.Selected {
		t.Fatalf("fresh hit not marked: %+v", second)
	}
}

func TestHydrateNodesFetchesAncestorDetail(t *testing.T) {
	var calls [][]int64
	cat := &fakeCatalogue{fetchByIDs: func(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
		calls = append(calls, ids)
		var out []search.CodeRecord
		for _, id := range ids {
			switch id {
			case 901:
				out = append(out, record(901, 1, "A01.0", "Typhoid fever unspecified", "12/45/901"))
			case 12:
				out = append(out, search.CodeRecord{ID: 12, SystemID: 1, System: "ICD-10", Code: "A00-B99", Description: "Infectious diseases"})
			case 45:
				out = append(out, search.CodeRecord{ID: 45, SystemID: 1, System: "ICD-10", Code: "A01", Description: "Typhoid and paratyphoid fevers"})
			}
		}
		return out, nil
	}}
	w := newTestWorkspace(cat, nil, nil, &notify.Recorder{})

	if err := w.HydrateNodes(context.Background(), []int64{901}, nil); err != nil {
		t.Fatal(err)
	}

	if len(calls) != 2 {
		t.Fatalf("got %d catalogue calls, want 2 (hits then ancestors)", len(calls))
	}
	if len(calls[1]) != 2 {
		t.Fatalf("ancestor fetch asked for %v, want ids 12 and 45", calls[1])
	}
	chapter := w.Tree().Find("12")
	if chapter == nil {
		t.Fatal("ancestor 12 missing from the tree")
	}
	if chapter.Data.Code != "A00-B99" || chapter.Label != "A00-B99 Infectious diseases" {
		t.Fatalf("ancestor carries the wrong detail: code=%q label=%q", chapter.Data.Code, chapter.Label)
	}
	block := w.Tree().Find("45")
	if block == nil || block.Data.Code != "A01" {
		t.Fatalf("intermediate segment not hydrated with its own record: %+v", block)
	}
	leaf := w.Tree().Find("901")
	if leaf == nil || leaf.Data.Code != "A01.0" || !leaf.Leaf {
		t.Fatalf("unexpected leaf %+v", leaf)
	}
}

func TestAgreementStatsWorkedExample(t *testing.T) {
	// Two codes, three raters. Code 1: yes, yes, no. Code 2: yes, no.
	rows := []store.SelectionRow{
		{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeStandard, CodeID: intPtr(1), IsSelected: true},
		{PhenotypeID: "ph-1", UserID: "bob", CodeType: store.CodeTypeStandard, CodeID: intPtr(1), IsSelected: true},
		{PhenotypeID: "ph-1", UserID: "carol", CodeType: store.CodeTypeStandard, CodeID: intPtr(1), IsSelected: false},
		{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeStandard, CodeID: intPtr(2), IsSelected: true},
		{PhenotypeID: "ph-1", UserID: "bob", CodeType: store.CodeTypeStandard, CodeID: intPtr(2), IsSelected: false},
	}
	st := &fakeSelectionStore{fetchSelections: func(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error) {
		return rows, nil
	}}
	cat := &fakeCatalogue{fetchByIDs: func(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
		return []search.CodeRecord{
			record(1, 1, "C1", "Code one", "1"),
			record(2, 1, "C2", "Code two", "2"),
		}, nil
	}}
	w := newTestWorkspace(cat, nil, st, &notify.Recorder{})
	if err := w.FetchSelections(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := w.AgreementStats()
	if stats.Codes != 2 || stats.Raters != 3 {
		t.Fatalf("got codes=%d raters=%d, want 2 and 3", stats.Codes, stats.Raters)
	}
	if math.Abs(stats.MeanAgreement-1.0/6.0) > 1e-9 {
		t.Fatalf("mean agreement = %f, want %f", stats.MeanAgreement, 1.0/6.0)
	}
	if math.Abs(stats.Kappa-(-0.736111)) > 1e-4 {
		t.Fatalf("kappa = %f, want -0.7361", stats.Kappa)
	}
}

func TestAgreementStatsOverlaysLiveEdits(t *testing.T) {
	rows := []store.SelectionRow{
		{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeStandard, CodeID: intPtr(1), IsSelected: false},
		{PhenotypeID: "ph-1", UserID: "bob", CodeType: store.CodeTypeStandard, CodeID: intPtr(1), IsSelected: true},
	}
	st := &fakeSelectionStore{fetchSelections: func(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error) {
		return rows, nil
	}}
	cat := &fakeCatalogue{fetchByIDs: func(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
		return []search.CodeRecord{record(1, 1, "C1", "Code one", "1")}, nil
	}}
	w := newTestWorkspace(cat, nil, st, &notify.Recorder{})
	if err := w.FetchSelections(context.Background()); err != nil {
		t.Fatal(err)
	}
	// alice was selected=false; the code stays visible because bob holds it.
	w.SetSelected("1", true)

	stats := w.AgreementStats()
	if stats.Codes != 1 {
		t.Fatalf("got %d codes, want 1", stats.Codes)
	}
	if stats.PerCode[0].Agreement != 1 {
		t.Fatalf("live edit not overlaid, agreement = %f", stats.PerCode[0].Agreement)
	}
}

func TestSaveSelectionsPartitionsOrphans(t *testing.T) {
	var gotStandard, gotOrphan []store.SelectionRow
	st := &fakeSelectionStore{
		upsertStandard: func(ctx context.Context, rows []store.SelectionRow) error {
			gotStandard = rows
			return nil
		},
		upsertOrphan: func(ctx context.Context, rows []store.SelectionRow) error {
			gotOrphan = rows
			return nil
		},
	}
	cat := &fakeCatalogue{
		resolveCode: func(ctx context.Context, system, code string) (search.CodeRecord, error) {
			if code == "I21.0" {
				return record(20, 1, "I21.0", "Anterior wall", "20"), nil
			}
			return search.CodeRecord{}, &NotFoundError{System: system, Code: code}
		},
	}
	rec := &notify.Recorder{}
	w := newTestWorkspace(cat, nil, st, rec)

	candidates := []ImportCandidate{
		{System: "ICD-10", Code: "I21.0", Description: "Anterior wall"},
		{System: "LOCAL", Code: "X9", Description: "Site-specific code"},
	}
	if err := w.ImportCodes(context.Background(), candidates); err != nil {
		t.Fatal(err)
	}
	w.SetComment("ORPHAN:LOCAL:X9", "local registry only")
	if err := w.SaveSelections(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(gotStandard) != 1 {
		t.Fatalf("got %d standard rows, want 1", len(gotStandard))
	}
	srow := gotStandard[0]
	if srow.CodeID == nil || *srow.CodeID != 20 || srow.CodeType != store.CodeTypeStandard {
		t.Fatalf("unexpected standard row %+v", srow)
	}
	if !srow.IsSelected || !srow.Imported {
		t.Fatalf("imported match should be selected and flagged imported: %+v", srow)
	}

	if len(gotOrphan) != 1 {
		t.Fatalf("got %d orphan rows, want 1", len(gotOrphan))
	}
	orow := gotOrphan[0]
	if orow.OrphanID == nil || *orow.OrphanID != "ORPHAN:LOCAL:X9" {
		t.Fatalf("unexpected orphan id %+v", orow.OrphanID)
	}
	if orow.CodeText == nil || *orow.CodeText != "X9" || orow.SystemName == nil || *orow.SystemName != "LOCAL" {
		t.Fatalf("orphan row must carry its own code text: %+v", orow)
	}
	if orow.Comment == nil || *orow.Comment != "local registry only" {
		t.Fatalf("orphan comment lost: %+v", orow.Comment)
	}
}

func TestOrphanRoundTrip(t *testing.T) {
	persisted := []store.SelectionRow{{
		PhenotypeID: "ph-1",
		UserID:      "alice",
		CodeType:    store.CodeTypeOrphan,
		OrphanID:    strPtr("ORPHAN:LOCAL:X9"),
		CodeText:    strPtr("X9"),
		CodeDescription: strPtr("Site-specific code"),
		SystemName:  strPtr("LOCAL"),
		IsSelected:  true,
		Imported:    true,
	}}
	st := &fakeSelectionStore{fetchSelections: func(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error) {
		return persisted, nil
	}}
	w := newTestWorkspace(nil, nil, st, &notify.Recorder{})
	if err := w.FetchSelections(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows := w.Rows()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	r := rows[0]
	if r.Kind != RowOrphan || r.Key != "ORPHAN:LOCAL:X9" {
		t.Fatalf("unexpected row %+v", r)
	}
	if r.Code != "X9" || r.System != "LOCAL" || !r.Selected || !r.Imported {
		t.Fatalf("orphan detail lost on round trip: %+v", r)
	}
}

func TestSaveConsensusWritesDeselectionsAndFinalizes(t *testing.T) {
	existing := []store.ConsensusRow{
		{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeStandard, CodeID: intPtr(11), IsConsensus: true, ConsensusComments: "keep"},
	}
	var written []store.ConsensusRow
	st := &fakeSelectionStore{
		fetchConsensus: func(ctx context.Context, phenotypeID string) ([]store.ConsensusRow, error) {
			return existing, nil
		},
		upsertStdConsensus: func(ctx context.Context, rows []store.ConsensusRow) error {
			written = append(written, rows...)
			return nil
		},
	}
	cat := &fakeCatalogue{fetchByIDs: func(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
		return []search.CodeRecord{record(12, 1, "C12", "Code twelve", "12")}, nil
	}}
	w := newTestWorkspace(cat, nil, st, &notify.Recorder{})
	if err := w.HydrateNodes(context.Background(), []int64{12}, nil); err != nil {
		t.Fatal(err)
	}
	w.SetSelected("12", true)
	w.SetConsensusSelected("12", true)
	w.SetConsensusComment("12", "team agreed")

	if err := w.SaveConsensus(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	byID := make(map[int64]store.ConsensusRow, len(written))
	for _, row := range written {
		byID[*row.CodeID] = row
	}
	if len(byID) != 2 {
		t.Fatalf("got %d written rows, want union of 2", len(byID))
	}
	dropped := byID[11]
	if dropped.IsConsensus {
		t.Fatal("removed key must be written as an explicit deselection")
	}
	if dropped.ConsensusComments != "keep" {
		t.Fatalf("existing comment lost: %q", dropped.ConsensusComments)
	}
	if dropped.FinalizedAt != nil {
		t.Fatal("deselected rows must not carry a finalization stamp")
	}
	kept := byID[12]
	if !kept.IsConsensus || kept.ConsensusComments != "team agreed" {
		t.Fatalf("unexpected kept row %+v", kept)
	}
	if kept.FinalizedAt == nil {
		t.Fatal("finalize must stamp selected rows")
	}
	if !w.Finalized() {
		t.Fatal("workspace should report finalized")
	}
}

func TestUnlockConsensusIsLocal(t *testing.T) {
	writes := 0
	st := &fakeSelectionStore{
		fetchConsensus: func(ctx context.Context, phenotypeID string) ([]store.ConsensusRow, error) {
			return []store.ConsensusRow{
				{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeStandard, CodeID: intPtr(11), IsConsensus: true, FinalizedAt: nowPtr()},
			}, nil
		},
		upsertStdConsensus: func(ctx context.Context, rows []store.ConsensusRow) error {
			writes++
			return nil
		},
		upsertOrphConsensus: func(ctx context.Context, rows []store.ConsensusRow) error {
			writes++
			return nil
		},
	}
	rec := &notify.Recorder{}
	w := newTestWorkspace(nil, nil, st, rec)
	if err := w.FetchConsensus(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !w.Finalized() {
		t.Fatal("fetched stamp should mark the phenotype finalized")
	}

	w.UnlockConsensus()
	if w.Finalized() {
		t.Fatal("workspace should report unlocked")
	}
	if writes != 0 {
		t.Fatalf("unlock wrote %d times, want no store writes", writes)
	}
	if len(rec.Successes) == 0 {
		t.Fatal("expected a success notification")
	}
}

func TestSaveAfterUnlockClearsStamp(t *testing.T) {
	var written []store.ConsensusRow
	st := &fakeSelectionStore{
		fetchConsensus: func(ctx context.Context, phenotypeID string) ([]store.ConsensusRow, error) {
			return []store.ConsensusRow{
				{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeStandard, CodeID: intPtr(11), IsConsensus: true, FinalizedAt: nowPtr()},
			}, nil
		},
		upsertStdConsensus: func(ctx context.Context, rows []store.ConsensusRow) error {
			written = append(written, rows...)
			return nil
		},
	}
	cat := &fakeCatalogue{fetchByIDs: func(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
		return []search.CodeRecord{record(11, 1, "C11", "Code eleven", "11")}, nil
	}}
	w := newTestWorkspace(cat, nil, st, &notify.Recorder{})
	if err := w.HydrateNodes(context.Background(), []int64{11}, nil); err != nil {
		t.Fatal(err)
	}
	w.SetSelected("11", true)
	w.SetConsensusSelected("11", true)
	w.UnlockConsensus()

	if err := w.SaveConsensus(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if len(written) != 1 {
		t.Fatalf("got %d rows, want 1", len(written))
	}
	if written[0].FinalizedAt != nil {
		t.Fatal("save without finalize must clear the finalization stamp")
	}
	if w.Finalized() {
		t.Fatal("workspace should report unlocked")
	}
}

func TestFetchConsensusDetectsFinalization(t *testing.T) {
	st := &fakeSelectionStore{fetchConsensus: func(ctx context.Context, phenotypeID string) ([]store.ConsensusRow, error) {
		return []store.ConsensusRow{
			{PhenotypeID: "ph-1", UserID: "bob", CodeType: store.CodeTypeStandard, CodeID: intPtr(11), IsConsensus: true, FinalizedAt: nowPtr()},
			{PhenotypeID: "ph-1", UserID: "bob", CodeType: store.CodeTypeStandard, CodeID: intPtr(12), IsConsensus: false},
		}, nil
	}}
	w := newTestWorkspace(nil, nil, st, &notify.Recorder{})
	if err := w.FetchConsensus(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !w.Finalized() {
		t.Fatal("any stamped record should mark the phenotype finalized")
	}
}

func TestDirtyTracking(t *testing.T) {
	st := &fakeSelectionStore{fetchSelections: func(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error) {
		return []store.SelectionRow{
			{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeStandard, CodeID: intPtr(1), IsSelected: true},
		}, nil
	}}
	cat := &fakeCatalogue{fetchByIDs: func(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
		return []search.CodeRecord{record(1, 1, "C1", "Code one", "1")}, nil
	}}
	w := newTestWorkspace(cat, nil, st, &notify.Recorder{})
	if err := w.FetchSelections(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.CaptureBaseline()

	if w.HasUnsavedChanges() {
		t.Fatal("freshly baselined state must be clean")
	}
	w.SetComment("1", "revisit")
	if !w.HasUnsavedChanges() {
		t.Fatal("comment edit must dirty the selection state")
	}
	if w.HasUnsavedConsensusChanges() {
		t.Fatal("selection edits must not dirty the consensus state")
	}
	if err := w.SaveSelections(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.HasUnsavedChanges() {
		t.Fatal("save must rebaseline the selection state")
	}

	w.SetConsensusSelected("1", true)
	if !w.HasUnsavedConsensusChanges() {
		t.Fatal("consensus edit must dirty the consensus state")
	}
}

func TestNewRowsDoNotDirtyConsensus(t *testing.T) {
	cat := &fakeCatalogue{fetchByIDs: func(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
		var out []search.CodeRecord
		for _, id := range ids {
			if id == 1 {
				out = append(out, record(1, 1, "C1", "Code one", "1"))
			} else {
				out = append(out, record(2, 1, "C2", "Code two", "2"))
			}
		}
		return out, nil
	}}
	w := newTestWorkspace(cat, nil, nil, &notify.Recorder{})
	if err := w.HydrateNodes(context.Background(), []int64{1}, nil); err != nil {
		t.Fatal(err)
	}
	w.SetConsensusSelected("1", true)
	w.CaptureBaseline()

	if err := w.HydrateNodes(context.Background(), []int64{2}, nil); err != nil {
		t.Fatal(err)
	}
	w.SetSelected("2", true)
	if !w.HasUnsavedChanges() {
		t.Fatal("selecting a new row must dirty the selection state")
	}
	if w.HasUnsavedConsensusChanges() {
		t.Fatal("rows entering the table must not dirty the consensus state")
	}

	w.SetConsensusSelected("2", true)
	if !w.HasUnsavedConsensusChanges() {
		t.Fatal("a drafted consensus entry must dirty the consensus state")
	}
}

func TestSwitchPhenotypeDiscardsStaleResponses(t *testing.T) {
	w := newTestWorkspace(nil, nil, nil, &notify.Recorder{})
	st := &fakeSelectionStore{fetchSelections: func(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error) {
		// Another switch lands while this response is in flight.
		w.mu.Lock()
		w.phenotypeID = "ph-2"
		w.mu.Unlock()
		return []store.SelectionRow{
			{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeStandard, CodeID: intPtr(1), IsSelected: true},
		}, nil
	}}
	w.deps.Store = st

	if err := w.SwitchPhenotype(context.Background(), "ph-1"); err != nil {
		t.Fatal(err)
	}
	if w.Selected("1") {
		t.Fatal("stale response committed after the phenotype changed")
	}
	if got := w.PhenotypeID(); got != "ph-2" {
		t.Fatalf("active phenotype = %q, want ph-2", got)
	}
}

func TestToggleSelectAll(t *testing.T) {
	srch := &fakeSearcher{search: func(ctx context.Context, q search.Query) (search.Response, error) {
		return search.Response{Results: []search.CodeRecord{
			record(1, 1, "C1", "Code one", "1"),
			record(2, 1, "C2", "Code two", "2"),
		}}, nil
	}}
	w := newTestWorkspace(nil, srch, nil, &notify.Recorder{})
	if err := w.RunSearch(context.Background(), search.Query{Terms: []search.Term{{Text: "code"}}}); err != nil {
		t.Fatal(err)
	}

	if got := w.Summary(); got != SummaryAll {
		t.Fatalf("after auto-select summary = %q, want all", got)
	}
	w.ToggleSelectAll()
	if got := w.Summary(); got != SummaryNone {
		t.Fatalf("toggle from all should deselect, got %q", got)
	}
	w.SetSelected("1", true)
	if got := w.Summary(); got != SummaryPartial {
		t.Fatalf("summary = %q, want partial", got)
	}
	w.ToggleSelectAll()
	if got := w.Summary(); got != SummaryAll {
		t.Fatalf("toggle from partial should select all, got %q", got)
	}
}

func TestClearImported(t *testing.T) {
	imported := []store.SelectionRow{
		{PhenotypeID: "ph-1", UserID: "alice", CodeType: store.CodeTypeOrphan, OrphanID: strPtr("ORPHAN:LOCAL:X9"), CodeText: strPtr("X9"), IsSelected: true, Imported: true},
	}
	var cleared int
	st := &fakeSelectionStore{
		fetchSelections: func(ctx context.Context, phenotypeID string) ([]store.SelectionRow, error) {
			return imported, nil
		},
		listImported: func(ctx context.Context, phenotypeID, userID string) ([]store.SelectionRow, error) {
			return imported, nil
		},
		deleteImported: func(ctx context.Context, phenotypeID, userID string) (int, error) {
			return len(imported), nil
		},
		clearConsensus: func(ctx context.Context, phenotypeID, codeType string, codeID *int64, orphanID *string) error {
			cleared++
			if codeType != store.CodeTypeOrphan || orphanID == nil {
				t.Fatalf("unexpected clear call %q %v", codeType, orphanID)
			}
			return nil
		},
	}
	rec := &notify.Recorder{}
	w := newTestWorkspace(nil, nil, st, rec)
	if err := w.FetchSelections(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(w.Rows()) != 1 {
		t.Fatal("expected the imported row before clearing")
	}

	if err := w.ClearImported(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cleared != 1 {
		t.Fatalf("consensus cleared for %d rows, want 1", cleared)
	}
	if len(w.Rows()) != 0 {
		t.Fatal("imported row survived the clear")
	}
	if len(rec.Successes) == 0 {
		t.Fatal("expected a success notification")
	}
}

func TestClearImportedWithNothingToClear(t *testing.T) {
	rec := &notify.Recorder{}
	w := newTestWorkspace(nil, nil, &fakeSelectionStore{}, rec)
	if err := w.ClearImported(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.Errors) != 1 {
		t.Fatalf("got %d error notifications, want 1", len(rec.Errors))
	}
}

func nowPtr() *time.Time {
	now := time.Now().UTC()
	return &now
}
