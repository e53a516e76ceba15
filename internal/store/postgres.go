package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ErrNotFound is returned when a requested catalogue or phenotype row does
// not exist.
var ErrNotFound = errors.New("store: not found")

const codeColumns = `c.id, c.system_id, cs.name, c.parent_id, c.code, c.description, c.path, c.leaf, c.selectable`

func scanCode(scanner interface{ Scan(...any) error }) (Code, error) {
	var c Code
	if err := scanner.Scan(&c.ID, &c.SystemID, &c.SystemName, &c.ParentID, &c.Code, &c.Description, &c.Path, &c.Leaf, &c.Selectable); err != nil {
		return Code{}, err
	}
	return c, nil
}

// ListChildren returns the direct children of the given catalogue node, or
// the root level when parentID is nil. Unsorted; ordering is the tree's job.
func (s *PostgresStore) ListChildren(ctx context.Context, parentID *int64) ([]Code, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM codes c
		JOIN code_systems cs ON cs.id = c.system_id
		WHERE c.parent_id IS NULL
	`, codeColumns)
	args := []any{}
	if parentID != nil {
		query = fmt.Sprintf(`
			SELECT %s
			FROM codes c
			JOIN code_systems cs ON cs.id = c.system_id
			WHERE c.parent_id = $1
		`, codeColumns)
		args = append(args, *parentID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	items := make([]Code, 0)
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		items = append(items, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return items, nil
}

// FetchCodesByIDs returns full detail for the given catalogue ids in one
// batched query.
func (s *PostgresStore) FetchCodesByIDs(ctx context.Context, ids []int64) ([]Code, error) {
	if len(ids) == 0 {
		return []Code{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM codes c
		JOIN code_systems cs ON cs.id = c.system_id
		WHERE c.id IN (%s)
	`, codeColumns, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch codes: %w", err)
	}
	defer rows.Close()

	items := make([]Code, 0, len(ids))
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		items = append(items, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate codes: %w", err)
	}
	return items, nil
}

// FindCodeByText resolves an imported code against the catalogue by system
// name and exact code text. Blank system matches any system; ties go to the
// first match in catalogue order.
func (s *PostgresStore) FindCodeByText(ctx context.Context, systemName, codeText string) (Code, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM codes c
		JOIN code_systems cs ON cs.id = c.system_id
		WHERE c.code = $1 AND ($2 = '' OR cs.name ILIKE $2)
		ORDER BY c.id
		LIMIT 1
	`, codeColumns)

	code, err := scanCode(s.db.QueryRowContext(ctx, query, codeText, systemName))
	if errors.Is(err, sql.ErrNoRows) {
		return Code{}, ErrNotFound
	}
	if err != nil {
		return Code{}, fmt.Errorf("find code by text: %w", err)
	}
	return code, nil
}

func (s *PostgresStore) ListCodeSystems(ctx context.Context) ([]CodeSystem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(version, ''), COALESCE(description, ''), COALESCE(url, '')
		FROM code_systems
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list code systems: %w", err)
	}
	defer rows.Close()

	items := make([]CodeSystem, 0)
	for rows.Next() {
		var cs CodeSystem
		if err := rows.Scan(&cs.ID, &cs.Name, &cs.Version, &cs.Description, &cs.URL); err != nil {
			return nil, fmt.Errorf("scan code system: %w", err)
		}
		items = append(items, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate code systems: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPhenotype(ctx context.Context, phenotypeID string) (Phenotype, error) {
	var p Phenotype
	err := s.db.QueryRowContext(ctx, `
		SELECT ph.id, ph.name, COALESCE(ph.description, ''), COALESCE(ph.source, ''),
			COALESCE(pr.name, 'Private'), COALESCE(up.email, 'Unknown'), ph.created_at
		FROM phenotypes ph
		LEFT JOIN projects pr ON pr.id = ph.project_id
		LEFT JOIN user_profiles up ON up.id = pr.owner_id
		WHERE ph.id = $1
	`, phenotypeID).Scan(&p.ID, &p.Name, &p.Description, &p.Source, &p.ProjectName, &p.OwnerEmail, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Phenotype{}, ErrNotFound
	}
	if err != nil {
		return Phenotype{}, fmt.Errorf("get phenotype: %w", err)
	}
	return p, nil
}

// UpsertStandardSelections writes catalogue-backed selection rows against
// the (phenotype_id, code_id, user_id) conflict key.
func (s *PostgresStore) UpsertStandardSelections(ctx context.Context, rows []SelectionRow) error {
	if len(rows) == 0 {
		return nil
	}

	var placeholders []string
	var args []any
	for i, row := range rows {
		base := i * 7
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, 'standard', $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, row.PhenotypeID, row.UserID, row.CodeID, row.IsSelected, row.Comment, row.FoundInSearch, row.Imported)
	}

	query := fmt.Sprintf(`
		INSERT INTO user_code_selections
			(phenotype_id, user_id, code_type, code_id, is_selected, comment, found_in_search, imported)
		VALUES %s
		ON CONFLICT (phenotype_id, code_id, user_id) WHERE code_id IS NOT NULL
		DO UPDATE SET
			is_selected = EXCLUDED.is_selected,
			comment = EXCLUDED.comment,
			found_in_search = EXCLUDED.found_in_search,
			imported = EXCLUDED.imported
	`, strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert standard selections: %w", err)
	}
	return nil
}

// UpsertOrphanSelections writes imported orphan selection rows against the
// (phenotype_id, orphan_id, user_id) conflict key.
func (s *PostgresStore) UpsertOrphanSelections(ctx context.Context, rows []SelectionRow) error {
	if len(rows) == 0 {
		return nil
	}

	var placeholders []string
	var args []any
	for i, row := range rows {
		base := i * 10
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, 'orphan', $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args, row.PhenotypeID, row.UserID, row.OrphanID, row.CodeText, row.CodeDescription,
			row.SystemName, row.IsSelected, row.Comment, row.FoundInSearch, row.Imported)
	}

	query := fmt.Sprintf(`
		INSERT INTO user_code_selections
			(phenotype_id, user_id, code_type, orphan_id, code_text, code_description, system_name,
			 is_selected, comment, found_in_search, imported)
		VALUES %s
		ON CONFLICT (phenotype_id, orphan_id, user_id) WHERE orphan_id IS NOT NULL
		DO UPDATE SET
			code_text = EXCLUDED.code_text,
			code_description = EXCLUDED.code_description,
			system_name = EXCLUDED.system_name,
			is_selected = EXCLUDED.is_selected,
			comment = EXCLUDED.comment,
			found_in_search = EXCLUDED.found_in_search,
			imported = EXCLUDED.imported
	`, strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert orphan selections: %w", err)
	}
	return nil
}

// FetchSelections returns every selection row for the phenotype, all users,
// with catalogue detail joined in for standard rows.
func (s *PostgresStore) FetchSelections(ctx context.Context, phenotypeID string) ([]SelectionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.phenotype_id, s.user_id, COALESCE(up.email, 'Unknown'),
			s.code_type, s.code_id, s.orphan_id,
			s.code_text, s.code_description, s.system_name,
			s.is_selected, s.comment, s.found_in_search, s.imported,
			c.id, c.system_id, cs.name, c.parent_id, c.code, c.description, c.path, c.leaf, c.selectable
		FROM user_code_selections s
		LEFT JOIN user_profiles up ON up.id = s.user_id
		LEFT JOIN codes c ON c.id = s.code_id
		LEFT JOIN code_systems cs ON cs.id = c.system_id
		WHERE s.phenotype_id = $1
	`, phenotypeID)
	if err != nil {
		return nil, fmt.Errorf("fetch selections: %w", err)
	}
	defer rows.Close()

	items := make([]SelectionRow, 0)
	for rows.Next() {
		var row SelectionRow
		var (
			codeID     sql.NullInt64
			systemID   sql.NullInt64
			systemName sql.NullString
			parentID   sql.NullInt64
			code       sql.NullString
			desc       sql.NullString
			path       sql.NullString
			leaf       sql.NullBool
			selectable sql.NullBool
		)
		if err := rows.Scan(&row.PhenotypeID, &row.UserID, &row.UserEmail,
			&row.CodeType, &row.CodeID, &row.OrphanID,
			&row.CodeText, &row.CodeDescription, &row.SystemName,
			&row.IsSelected, &row.Comment, &row.FoundInSearch, &row.Imported,
			&codeID, &systemID, &systemName, &parentID, &code, &desc, &path, &leaf, &selectable); err != nil {
			return nil, fmt.Errorf("scan selection: %w", err)
		}
		if codeID.Valid {
			detail := Code{
				ID:          codeID.Int64,
				SystemID:    systemID.Int64,
				SystemName:  systemName.String,
				Code:        code.String,
				Description: desc.String,
				Path:        path.String,
				Leaf:        leaf.Bool,
				Selectable:  selectable.Bool,
			}
			if parentID.Valid {
				pid := parentID.Int64
				detail.ParentID = &pid
			}
			row.Code = &detail
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate selections: %w", err)
	}
	return items, nil
}

// UpsertStandardConsensus writes consensus fields for catalogue-backed rows.
// Rows that do not exist yet are created with default selection fields, so a
// consensus decision on a code the user never personally saved still lands.
func (s *PostgresStore) UpsertStandardConsensus(ctx context.Context, rows []ConsensusRow) error {
	if len(rows) == 0 {
		return nil
	}

	var placeholders []string
	var args []any
	for i, row := range rows {
		base := i * 6
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, 'standard', $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, row.PhenotypeID, row.UserID, row.CodeID, row.IsConsensus, row.ConsensusComments, row.FinalizedAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO user_code_selections
			(phenotype_id, user_id, code_type, code_id, is_consensus, consensus_comments, finalized_at)
		VALUES %s
		ON CONFLICT (phenotype_id, code_id, user_id) WHERE code_id IS NOT NULL
		DO UPDATE SET
			is_consensus = EXCLUDED.is_consensus,
			consensus_comments = EXCLUDED.consensus_comments,
			finalized_at = EXCLUDED.finalized_at
	`, strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert standard consensus: %w", err)
	}
	return nil
}

// UpsertOrphanConsensus writes consensus fields for orphan rows.
func (s *PostgresStore) UpsertOrphanConsensus(ctx context.Context, rows []ConsensusRow) error {
	if len(rows) == 0 {
		return nil
	}

	var placeholders []string
	var args []any
	for i, row := range rows {
		base := i * 6
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, 'orphan', $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, row.PhenotypeID, row.UserID, row.OrphanID, row.IsConsensus, row.ConsensusComments, row.FinalizedAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO user_code_selections
			(phenotype_id, user_id, code_type, orphan_id, is_consensus, consensus_comments, finalized_at)
		VALUES %s
		ON CONFLICT (phenotype_id, orphan_id, user_id) WHERE orphan_id IS NOT NULL
		DO UPDATE SET
			is_consensus = EXCLUDED.is_consensus,
			consensus_comments = EXCLUDED.consensus_comments,
			finalized_at = EXCLUDED.finalized_at
	`, strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert orphan consensus: %w", err)
	}
	return nil
}

// FetchConsensus returns the consensus fields of every selection row for the
// phenotype, with the stored code text for orphan export fallback.
func (s *PostgresStore) FetchConsensus(ctx context.Context, phenotypeID string) ([]ConsensusRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phenotype_id, user_id, code_type, code_id, orphan_id,
			is_consensus, COALESCE(consensus_comments, ''), finalized_at
		FROM user_code_selections
		WHERE phenotype_id = $1
	`, phenotypeID)
	if err != nil {
		return nil, fmt.Errorf("fetch consensus: %w", err)
	}
	defer rows.Close()

	items := make([]ConsensusRow, 0)
	for rows.Next() {
		var row ConsensusRow
		if err := rows.Scan(&row.PhenotypeID, &row.UserID, &row.CodeType, &row.CodeID, &row.OrphanID,
			&row.IsConsensus, &row.ConsensusComments, &row.FinalizedAt); err != nil {
			return nil, fmt.Errorf("scan consensus: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consensus: %w", err)
	}
	return items, nil
}

// ListImported returns the current user's imported selection rows.
func (s *PostgresStore) ListImported(ctx context.Context, phenotypeID, userID string) ([]SelectionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phenotype_id, user_id, code_type, code_id, orphan_id
		FROM user_code_selections
		WHERE phenotype_id = $1 AND user_id = $2 AND imported = TRUE
	`, phenotypeID, userID)
	if err != nil {
		return nil, fmt.Errorf("list imported: %w", err)
	}
	defer rows.Close()

	items := make([]SelectionRow, 0)
	for rows.Next() {
		var row SelectionRow
		if err := rows.Scan(&row.PhenotypeID, &row.UserID, &row.CodeType, &row.CodeID, &row.OrphanID); err != nil {
			return nil, fmt.Errorf("scan imported: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate imported: %w", err)
	}
	return items, nil
}

// DeleteImported removes the current user's imported rows and reports how
// many were deleted.
func (s *PostgresStore) DeleteImported(ctx context.Context, phenotypeID, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM user_code_selections
		WHERE phenotype_id = $1 AND user_id = $2 AND imported = TRUE
	`, phenotypeID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete imported: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete imported count: %w", err)
	}
	return int(affected), nil
}

// ClearConsensus resets the consensus flag on every user's row for one code,
// used when an imported code is removed from the phenotype.
func (s *PostgresStore) ClearConsensus(ctx context.Context, phenotypeID, codeType string, codeID *int64, orphanID *string) error {
	var err error
	if codeType == CodeTypeOrphan {
		_, err = s.db.ExecContext(ctx, `
			UPDATE user_code_selections
			SET is_consensus = FALSE, consensus_comments = NULL, finalized_at = NULL
			WHERE phenotype_id = $1 AND orphan_id = $2
		`, phenotypeID, orphanID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE user_code_selections
			SET is_consensus = FALSE, consensus_comments = NULL, finalized_at = NULL
			WHERE phenotype_id = $1 AND code_id = $2
		`, phenotypeID, codeID)
	}
	if err != nil {
		return fmt.Errorf("clear consensus: %w", err)
	}
	return nil
}
