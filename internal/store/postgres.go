package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aribuy/apms-sub002/internal/rbac"
	"github.com/aribuy/apms-sub002/internal/workflow"
)

const pgUniqueViolation = "23505"

// PostgresStore runs every unit of work in one database transaction. Engine
// operations lock the document row with SELECT ... FOR UPDATE, which makes
// writers to the same document queue behind each other.
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

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx workflow.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) NextDocumentSequence(ctx context.Context, category workflow.Category) (int, error) {
	var next int
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO atp_document_sequences (category, last_value)
		VALUES ($1, 1)
		ON CONFLICT (category) DO UPDATE SET last_value = atp_document_sequences.last_value + 1
		RETURNING last_value
	`, string(category)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next document sequence: %w", err)
	}
	return next, nil
}

func (t *pgTx) CreateDocument(ctx context.Context, doc workflow.Document) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO atp_documents (
			id, document_code, site_reference, title, scope, vendor, category, confidence,
			document_type, current_stage, current_status, completion_percentage,
			submitted_by, uploaded_by_role, submitted_at, approval_date, final_approver, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		doc.ID, doc.Code, doc.SiteReference, doc.Title, doc.Scope, doc.Vendor, string(doc.Category), doc.Confidence,
		string(doc.DocumentType), doc.CurrentStage, string(doc.CurrentStatus), doc.CompletionPercentage,
		doc.SubmittedBy, string(doc.UploadedByRole), doc.SubmittedAt, nullTime(doc.ApprovalDate), doc.FinalApprover, doc.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("insert document", err)
	}
	return nil
}

func (t *pgTx) CreateStages(ctx context.Context, stages []workflow.ReviewStage) error {
	for _, stage := range stages {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO atp_review_stages (
				id, document_id, stage_number, stage_code, stage_name, assigned_role,
				review_status, decision, sla_deadline, reviewer_id, comments, completed_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`,
			stage.ID, stage.DocumentID, stage.StageNumber, stage.StageCode, stage.StageName, string(stage.AssignedRole),
			string(stage.ReviewStatus), string(stage.Decision), nullTime(stage.SLADeadline), stage.ReviewerID, stage.Comments, nullTime(stage.CompletedAt),
		)
		if err != nil {
			return mapWriteError("insert stage "+stage.StageCode, err)
		}
	}
	return nil
}

const documentColumns = `
	id, document_code, site_reference, title, scope, vendor, category, confidence,
	document_type, current_stage, current_status, completion_percentage,
	submitted_by, uploaded_by_role, submitted_at, approval_date, final_approver, updated_at
`

func (t *pgTx) LockDocument(ctx context.Context, documentID string) (workflow.Document, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM atp_documents WHERE id=$1 FOR UPDATE`, documentID)
	return scanDocument(row, "lock document")
}

func (t *pgTx) GetDocument(ctx context.Context, documentID string) (workflow.Document, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM atp_documents WHERE id=$1`, documentID)
	return scanDocument(row, "get document")
}

func (t *pgTx) GetDocumentByCode(ctx context.Context, code string) (workflow.Document, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM atp_documents WHERE document_code=$1`, code)
	return scanDocument(row, "get document by code")
}

func (t *pgTx) UpdateDocument(ctx context.Context, doc workflow.Document) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE atp_documents
		SET current_stage=$2, current_status=$3, completion_percentage=$4,
			approval_date=$5, final_approver=$6, updated_at=$7
		WHERE id=$1
	`, doc.ID, doc.CurrentStage, string(doc.CurrentStatus), doc.CompletionPercentage,
		nullTime(doc.ApprovalDate), doc.FinalApprover, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireRow(result, "document", doc.ID)
}

const stageColumns = `
	id, document_id, stage_number, stage_code, stage_name, assigned_role,
	review_status, decision, sla_deadline, reviewer_id, comments, completed_at
`

func (t *pgTx) ListStages(ctx context.Context, documentID string) ([]workflow.ReviewStage, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+stageColumns+` FROM atp_review_stages WHERE document_id=$1 ORDER BY stage_number`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return collectStages(rows)
}

func (t *pgTx) GetStage(ctx context.Context, stageID string) (workflow.ReviewStage, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM atp_review_stages WHERE id=$1`, stageID)
	stage, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.ReviewStage{}, fmt.Errorf("stage %s: %w", stageID, workflow.ErrRecordNotFound)
	}
	if err != nil {
		return workflow.ReviewStage{}, fmt.Errorf("get stage: %w", err)
	}
	return stage, nil
}

func (t *pgTx) FindPendingStage(ctx context.Context, documentID string) (workflow.ReviewStage, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM atp_review_stages WHERE document_id=$1 AND review_status='pending'`, documentID)
	stage, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.ReviewStage{}, false, nil
	}
	if err != nil {
		return workflow.ReviewStage{}, false, fmt.Errorf("find pending stage: %w", err)
	}
	return stage, true, nil
}

func (t *pgTx) UpdateStage(ctx context.Context, stage workflow.ReviewStage) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE atp_review_stages
		SET review_status=$2, decision=$3, sla_deadline=$4, reviewer_id=$5, comments=$6, completed_at=$7
		WHERE id=$1
	`, stage.ID, string(stage.ReviewStatus), string(stage.Decision), nullTime(stage.SLADeadline),
		stage.ReviewerID, stage.Comments, nullTime(stage.CompletedAt))
	if err != nil {
		return mapWriteError("update stage", err)
	}
	return requireRow(result, "stage", stage.ID)
}

func (t *pgTx) ListPendingStages(ctx context.Context, role rbac.Role) ([]workflow.ReviewStage, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+stageColumns+`
		FROM atp_review_stages
		WHERE review_status='pending' AND ($1 = '' OR assigned_role = $1)
		ORDER BY sla_deadline ASC NULLS LAST, id ASC
	`, string(role))
	if err != nil {
		return nil, fmt.Errorf("list pending stages: %w", err)
	}
	return collectStages(rows)
}

const punchlistColumns = `
	id, document_id, review_stage_id, punchlist_number, issue_description, severity,
	issue_category, status, identified_by, rectification_notes, completed_by, completed_at, created_at
`

func (t *pgTx) CreatePunchlistItem(ctx context.Context, item workflow.PunchlistItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO atp_punchlist_items (
			id, document_id, review_stage_id, punchlist_number, issue_description, severity,
			issue_category, status, identified_by, rectification_notes, completed_by, completed_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		item.ID, item.DocumentID, item.ReviewStageID, item.PunchlistNumber, item.IssueDescription, string(item.Severity),
		item.IssueCategory, string(item.Status), item.IdentifiedBy, item.RectificationNotes, item.CompletedBy,
		nullTime(item.CompletedAt), item.CreatedAt,
	)
	if err != nil {
		return mapWriteError("insert punchlist item", err)
	}
	return nil
}

func (t *pgTx) GetPunchlistItem(ctx context.Context, itemID string) (workflow.PunchlistItem, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+punchlistColumns+` FROM atp_punchlist_items WHERE id=$1`, itemID)
	item, err := scanPunchlistItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.PunchlistItem{}, fmt.Errorf("punchlist item %s: %w", itemID, workflow.ErrRecordNotFound)
	}
	if err != nil {
		return workflow.PunchlistItem{}, fmt.Errorf("get punchlist item: %w", err)
	}
	return item, nil
}

func (t *pgTx) UpdatePunchlistItem(ctx context.Context, item workflow.PunchlistItem) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE atp_punchlist_items
		SET status=$2, rectification_notes=$3, completed_by=$4, completed_at=$5
		WHERE id=$1
	`, item.ID, string(item.Status), item.RectificationNotes, item.CompletedBy, nullTime(item.CompletedAt))
	if err != nil {
		return fmt.Errorf("update punchlist item: %w", err)
	}
	return requireRow(result, "punchlist item", item.ID)
}

func (t *pgTx) ListPunchlistItems(ctx context.Context, documentID string) ([]workflow.PunchlistItem, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+punchlistColumns+` FROM atp_punchlist_items WHERE document_id=$1 ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list punchlist items: %w", err)
	}
	defer rows.Close()

	items := make([]workflow.PunchlistItem, 0)
	for rows.Next() {
		item, err := scanPunchlistItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan punchlist item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListDocuments returns every document ordered by submission time, for
// search reindexing.
func (s *PostgresStore) ListDocuments(ctx context.Context) ([]workflow.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM atp_documents ORDER BY submitted_at, document_code`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	documents := make([]workflow.Document, 0)
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, doc)
	}
	return documents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, op string) (workflow.Document, error) {
	doc, err := scanDocumentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Document{}, fmt.Errorf("%s: %w", op, workflow.ErrRecordNotFound)
	}
	if err != nil {
		return workflow.Document{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc, nil
}

func scanDocumentRow(row rowScanner) (workflow.Document, error) {
	var doc workflow.Document
	var category, documentType, status, uploadedBy string
	var approvalDate sql.NullTime
	err := row.Scan(
		&doc.ID, &doc.Code, &doc.SiteReference, &doc.Title, &doc.Scope, &doc.Vendor, &category, &doc.Confidence,
		&documentType, &doc.CurrentStage, &status, &doc.CompletionPercentage,
		&doc.SubmittedBy, &uploadedBy, &doc.SubmittedAt, &approvalDate, &doc.FinalApprover, &doc.UpdatedAt,
	)
	if err != nil {
		return workflow.Document{}, err
	}
	doc.Category = workflow.Category(category)
	doc.DocumentType = workflow.Category(documentType)
	doc.CurrentStatus = workflow.DocumentStatus(status)
	doc.UploadedByRole = rbac.Role(uploadedBy)
	doc.ApprovalDate = timeOrNil(approvalDate)
	doc.SubmittedAt = doc.SubmittedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func scanStage(row rowScanner) (workflow.ReviewStage, error) {
	var stage workflow.ReviewStage
	var role, reviewStatus, decision string
	var slaDeadline, completedAt sql.NullTime
	err := row.Scan(
		&stage.ID, &stage.DocumentID, &stage.StageNumber, &stage.StageCode, &stage.StageName, &role,
		&reviewStatus, &decision, &slaDeadline, &stage.ReviewerID, &stage.Comments, &completedAt,
	)
	if err != nil {
		return workflow.ReviewStage{}, err
	}
	stage.AssignedRole = rbac.Role(role)
	stage.ReviewStatus = workflow.ReviewStatus(reviewStatus)
	stage.Decision = workflow.Decision(decision)
	stage.SLADeadline = timeOrNil(slaDeadline)
	stage.CompletedAt = timeOrNil(completedAt)
	return stage, nil
}

func collectStages(rows *sql.Rows) ([]workflow.ReviewStage, error) {
	defer rows.Close()
	stages := make([]workflow.ReviewStage, 0)
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

func scanPunchlistItem(row rowScanner) (workflow.PunchlistItem, error) {
	var item workflow.PunchlistItem
	var severity, status string
	var completedAt sql.NullTime
	err := row.Scan(
		&item.ID, &item.DocumentID, &item.ReviewStageID, &item.PunchlistNumber, &item.IssueDescription, &severity,
		&item.IssueCategory, &status, &item.IdentifiedBy, &item.RectificationNotes, &item.CompletedBy, &completedAt, &item.CreatedAt,
	)
	if err != nil {
		return workflow.PunchlistItem{}, err
	}
	item.Severity = workflow.Severity(severity)
	item.Status = workflow.PunchlistStatus(status)
	item.CompletedAt = timeOrNil(completedAt)
	item.CreatedAt = item.CreatedAt.UTC()
	return item, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time.UTC()
	return &value
}

func requireRow(result sql.Result, what, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", what, id, workflow.ErrRecordNotFound)
	}
	return nil
}

// mapWriteError turns unique violations into Conflict errors; a second
// pending stage or a duplicate code means a concurrent writer got there
// first.
func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &workflow.Error{
			Kind:    workflow.KindConflict,
			Op:      op,
			Message: "conflicting write",
			Details: map[string]any{"constraint": pgErr.ConstraintName},
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
