package store

import "time"

// CodeSystem is one coding system in the catalogue (e.g. ICD-10).
type CodeSystem struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Code is one catalogue entry. Path is the slash-delimited materialized
// ancestor chain ("12/45/901"); for root nodes it equals the code's own id.
type Code struct {
	ID          int64  `json:"id"`
	SystemID    int64  `json:"system_id"`
	SystemName  string `json:"system"`
	ParentID    *int64 `json:"parent_id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Path        string `json:"materialized_path"`
	Leaf        bool   `json:"leaf"`
	Selectable  bool   `json:"selectable"`
}

// Phenotype is the clinical concept a code set is being assembled for.
type Phenotype struct {
	ID          string
	Name        string
	Description string
	Source      string
	ProjectName string
	OwnerEmail  string
	CreatedAt   time.Time
}

// Code type discriminators for user_code_selections rows.
const (
	CodeTypeStandard = "standard"
	CodeTypeOrphan   = "orphan"
)

// SelectionRow is one user_code_selections record. Standard rows carry a
// CodeID joined against the catalogue; orphan rows carry an OrphanID plus
// the imported code text, because no catalogue row exists to join against.
type SelectionRow struct {
	PhenotypeID     string
	UserID          string
	UserEmail       string
	CodeType        string
	CodeID          *int64
	OrphanID        *string
	CodeText        *string
	CodeDescription *string
	SystemName      *string
	IsSelected      bool
	Comment         *string
	FoundInSearch   bool
	Imported        bool
	// Catalogue detail, populated on fetch for standard rows.
	Code *Code
}

// ConsensusRow carries the team-consensus fields of a selection record.
type ConsensusRow struct {
	PhenotypeID       string
	UserID            string
	CodeType          string
	CodeID            *int64
	OrphanID          *string
	IsConsensus       bool
	ConsensusComments string
	FinalizedAt       *time.Time
}

// Key returns the row's projection key: the catalogue id for standard rows,
// the orphan id otherwise.
func (r SelectionRow) Key() string {
	if r.CodeID != nil {
		return formatID(*r.CodeID)
	}
	if r.OrphanID != nil {
		return *r.OrphanID
	}
	return ""
}

// Key returns the consensus row's projection key.
func (r ConsensusRow) Key() string {
	if r.CodeID != nil {
		return formatID(*r.CodeID)
	}
	if r.OrphanID != nil {
		return *r.OrphanID
	}
	return ""
}
