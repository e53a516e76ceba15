package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgCatalogue implements Searcher against the codes table. It is the only
// backend that can evaluate regex terms, and the fallback for everything
// else.
type PgCatalogue struct {
	db *sql.DB
}

func NewPgCatalogue(db *sql.DB) *PgCatalogue {
	return &PgCatalogue{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgCatalogue) Healthy() bool {
	return true
}

const recordColumns = `c.id, c.system_id, cs.name, c.code, c.description, c.path, c.leaf, c.selectable`

// Search evaluates every term as one OR'd WHERE clause. Plain terms use the
// FTS index on description and a substring match on code; regex terms use
// case-insensitive POSIX matching.
func (p *PgCatalogue) Search(ctx context.Context, q Query) ([]CodeRecord, error) {
	if len(q.Terms) == 0 {
		return []CodeRecord{}, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var clauses []string
	var args []any
	argN := 1

	for _, term := range q.Terms {
		text := strings.TrimSpace(term.Text)
		if text == "" {
			continue
		}

		columns := term.Columns
		if len(columns) == 0 {
			columns = []string{ColumnCode, ColumnDescription}
		}

		var colClauses []string
		for _, column := range columns {
			switch column {
			case ColumnCode:
				if term.Regex {
					colClauses = append(colClauses, fmt.Sprintf("c.code ~* $%d", argN))
					args = append(args, text)
				} else {
					colClauses = append(colClauses, fmt.Sprintf("c.code ILIKE $%d", argN))
					args = append(args, "%"+text+"%")
				}
				argN++
			case ColumnDescription:
				if term.Regex {
					colClauses = append(colClauses, fmt.Sprintf("c.description ~* $%d", argN))
					args = append(args, text)
				} else {
					colClauses = append(colClauses, fmt.Sprintf(
						"to_tsvector('english', c.description) @@ plainto_tsquery('english', $%d)", argN))
					args = append(args, text)
				}
				argN++
			}
		}
		if len(colClauses) == 0 {
			continue
		}

		clause := "(" + strings.Join(colClauses, " OR ") + ")"
		if len(term.SystemIDs) > 0 {
			placeholders := make([]string, len(term.SystemIDs))
			for i, id := range term.SystemIDs {
				placeholders[i] = fmt.Sprintf("$%d", argN)
				args = append(args, id)
				argN++
			}
			clause = fmt.Sprintf("(%s AND c.system_id IN (%s))", clause, strings.Join(placeholders, ", "))
		}
		clauses = append(clauses, clause)
	}

	if len(clauses) == 0 {
		return []CodeRecord{}, nil
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM codes c
		JOIN code_systems cs ON cs.id = c.system_id
		WHERE %s
		ORDER BY c.code
		LIMIT %d
	`, recordColumns, strings.Join(clauses, " OR "), limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalogue search: %w", err)
	}
	defer rows.Close()

	results := make([]CodeRecord, 0)
	for rows.Next() {
		var r CodeRecord
		if err := rows.Scan(&r.ID, &r.SystemID, &r.System, &r.Code, &r.Description, &r.Path, &r.Leaf, &r.Selectable); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// FetchRecords returns full records for the given catalogue ids, used to
// build ancestor maps and to reindex Meilisearch.
func (p *PgCatalogue) FetchRecords(ctx context.Context, ids []int64) ([]CodeRecord, error) {
	if len(ids) == 0 {
		return []CodeRecord{}, nil
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
	`, recordColumns, strings.Join(placeholders, ", "))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	defer rows.Close()

	records := make([]CodeRecord, 0, len(ids))
	for rows.Next() {
		var r CodeRecord
		if err := rows.Scan(&r.ID, &r.SystemID, &r.System, &r.Code, &r.Description, &r.Path, &r.Leaf, &r.Selectable); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LoadAllRecords streams the whole catalogue for full reindexing.
func (p *PgCatalogue) LoadAllRecords(ctx context.Context) ([]CodeRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM codes c
		JOIN code_systems cs ON cs.id = c.system_id
	`, recordColumns)

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load catalogue: %w", err)
	}
	defer rows.Close()

	records := make([]CodeRecord, 0)
	for rows.Next() {
		var r CodeRecord
		if err := rows.Scan(&r.ID, &r.SystemID, &r.System, &r.Code, &r.Description, &r.Path, &r.Leaf, &r.Selectable); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
