package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across forms and form_fields using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Forms sub-query
	if q.FilterType == "" || q.FilterType == ResultForm {
		formWhere := "f.fts @@ " + tsQuery
		if q.FilterCreator != "" {
			formWhere += fmt.Sprintf(" AND f.created_by = $%d", argN)
			args = append(args, q.FilterCreator)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'form'::text AS type, f.id, f.name AS title,
				ts_headline('english', coalesce(f.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				f.id AS form_id, f.created_by AS creator,
				ts_rank(f.fts, %s) AS rank
			FROM forms f
			WHERE %s`, tsQuery, tsQuery, formWhere))
	}

	// Fields sub-query
	if q.FilterType == "" || q.FilterType == ResultField {
		fieldWhere := "ff.fts @@ " + tsQuery
		if q.FilterCreator != "" {
			fieldWhere += fmt.Sprintf(" AND f.created_by = $%d", argN)
			args = append(args, q.FilterCreator)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'field'::text AS type, ff.id, ff.name AS title,
				ff.kind AS snippet,
				ff.form_id, f.created_by AS creator,
				ts_rank(ff.fts, %s) AS rank
			FROM form_fields ff
			JOIN forms f ON f.id = ff.form_id
			WHERE %s`, tsQuery, fieldWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, form_id, creator
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.FormID, &r.Creator); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]FormRecord, []FieldRecord, error) {
	formRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, created_by
		FROM forms
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load forms: %w", err)
	}
	defer formRows.Close()

	forms := make([]FormRecord, 0)
	for formRows.Next() {
		var f FormRecord
		if err := formRows.Scan(&f.ID, &f.Name, &f.Description, &f.CreatedBy); err != nil {
			return nil, nil, fmt.Errorf("scan form: %w", err)
		}
		forms = append(forms, f)
	}
	if err := formRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate forms: %w", err)
	}

	fieldRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, kind, form_id
		FROM form_fields
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load fields: %w", err)
	}
	defer fieldRows.Close()

	fields := make([]FieldRecord, 0)
	for fieldRows.Next() {
		var f FieldRecord
		if err := fieldRows.Scan(&f.ID, &f.Name, &f.Kind, &f.FormID); err != nil {
			return nil, nil, fmt.Errorf("scan field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := fieldRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate fields: %w", err)
	}

	return forms, fields, nil
}
