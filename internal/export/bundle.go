// Package export assembles downloadable code lists from a phenotype's
// consensus state and renders them as CSV, TSV or JSON.
package export

import (
	"sort"
	"time"

	"github.com/nicksunderland/code-consensus-app/internal/store"
	"github.com/nicksunderland/code-consensus-app/internal/workspace"
)

// BundleCode is one exported consensus code. Catalogue codes carry their
// catalogue detail; orphan codes fall back to the text stored with the
// selection because no catalogue row exists for them.
type BundleCode struct {
	Key         string     `json:"key"`
	Kind        string     `json:"kind"`
	System      string     `json:"system"`
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Comment     string     `json:"comment,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Bundle is a complete export: phenotype metadata, the consensus code list
// and the agreement statistics at the time of export.
type Bundle struct {
	Phenotype   store.Phenotype     `json:"phenotype"`
	GeneratedAt time.Time           `json:"generated_at"`
	Finalized   bool                `json:"finalized"`
	Systems     []string            `json:"systems"`
	Agreement   workspace.Agreement `json:"agreement"`
	Codes       []BundleCode        `json:"codes"`
}

// BuildBundle merges the phenotype's consensus records with selection
// detail into an export bundle. Only codes with a positive consensus are
// included; duplicate records for the same code collapse to one entry, the
// first positive record winning.
func BuildBundle(phenotype store.Phenotype, selections []store.SelectionRow, consensus []store.ConsensusRow, now time.Time) Bundle {
	detail := make(map[string]store.SelectionRow, len(selections))
	votes := make(map[string]map[string]bool, len(selections))
	for _, row := range selections {
		key := row.Key()
		if key == "" {
			continue
		}
		if _, ok := detail[key]; !ok || row.Code != nil {
			detail[key] = row
		}
		if votes[key] == nil {
			votes[key] = make(map[string]bool)
		}
		votes[key][row.UserID] = row.IsSelected
	}

	seen := make(map[string]bool)
	finalized := false
	var codes []BundleCode
	systems := make(map[string]bool)
	for _, row := range consensus {
		if row.FinalizedAt != nil {
			finalized = true
		}
		key := row.Key()
		if key == "" || !row.IsConsensus || seen[key] {
			continue
		}
		seen[key] = true
		code := bundleCode(key, row, detail[key])
		codes = append(codes, code)
		if code.System != "" {
			systems[code.System] = true
		}
	}
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].System != codes[j].System {
			return codes[i].System < codes[j].System
		}
		return codes[i].Code < codes[j].Code
	})

	names := make([]string, 0, len(systems))
	for name := range systems {
		names = append(names, name)
	}
	sort.Strings(names)

	return Bundle{
		Phenotype:   phenotype,
		GeneratedAt: now.UTC(),
		Finalized:   finalized,
		Systems:     names,
		Agreement:   workspace.AgreementFromVotes(votes),
		Codes:       codes,
	}
}

func bundleCode(key string, row store.ConsensusRow, sel store.SelectionRow) BundleCode {
	code := BundleCode{
		Key:         key,
		Kind:        row.CodeType,
		Comment:     row.ConsensusComments,
		FinalizedAt: row.FinalizedAt,
	}
	if sel.Code != nil {
		code.System = sel.Code.SystemName
		code.Code = sel.Code.Code
		code.Description = sel.Code.Description
		return code
	}
	if sel.SystemName != nil {
		code.System = *sel.SystemName
	}
	if sel.CodeText != nil {
		code.Code = *sel.CodeText
	}
	if sel.CodeDescription != nil {
		code.Description = *sel.CodeDescription
	}
	if row.CodeType == store.CodeTypeOrphan {
		if code.System == "" {
			code.System = "Custom"
		}
		if code.Description == "" {
			code.Description = "User-submitted custom code"
		}
	}
	return code
}
