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

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres the whole service is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches the generated fts column with plainto_tsquery and, so that
// partial document codes still hit, the document code with ILIKE.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where, args := pgftsWhere(q)
	countSQL := "SELECT count(*) FROM atp_documents d WHERE " + where
	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.document_code, d.title,
			ts_headline('simple', d.site_reference || ' ' || d.title, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			d.site_reference, d.current_status
		FROM atp_documents d
		WHERE %s
		ORDER BY ts_rank(d.fts, plainto_tsquery('simple', $1)) DESC, d.submitted_at DESC
		LIMIT %d OFFSET %d`, where, defaultLimit(q.Limit), max(q.Offset, 0))

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
		if err := rows.Scan(&r.ID, &r.DocumentCode, &r.Title, &r.Snippet, &r.SiteReference, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func pgftsWhere(q Query) (string, []any) {
	text := strings.TrimSpace(q.Text)
	args := []any{text, "%" + escapeLike(text) + "%"}
	clauses := []string{"(d.fts @@ plainto_tsquery('simple', $1) OR d.document_code ILIKE $2)"}
	if q.Status != "" {
		args = append(args, q.Status)
		clauses = append(clauses, fmt.Sprintf("d.current_status = $%d", len(args)))
	}
	if q.Scope != "" {
		args = append(args, q.Scope)
		clauses = append(clauses, fmt.Sprintf("d.scope = $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
