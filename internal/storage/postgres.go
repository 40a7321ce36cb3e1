package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// DBInterface is satisfied by both *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store on PostgreSQL. Payloads are JSONB and the
// audit table rejects UPDATE and DELETE.
type PostgresStore struct {
	db DBInterface
}

var _ storage.Store = (*PostgresStore)(nil)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open connection or transaction.
func NewPostgresStoreFromDB(db DBInterface) *PostgresStore {
	return &PostgresStore{db: db}
}

// Begin starts a transaction; the returned store runs every statement inside it.
func (s *PostgresStore) Begin() (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

type workflowRow struct {
	ID           string         `db:"id"`
	TraceID      string         `db:"trace_id"`
	Goal         string         `db:"goal"`
	Context      models.Value   `db:"context"`
	Status       string         `db:"status"`
	Result       models.Value   `db:"result"`
	ErrorMessage sql.NullString `db:"error_message"`
	ErrorDetail  sql.NullString `db:"error_detail"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

const workflowColumns = `id, trace_id, goal, context, status, result, error_message, error_detail, created_at, updated_at`

func (r workflowRow) toModel() models.Workflow {
	return models.Workflow{
		ID:        r.ID,
		TraceID:   r.TraceID,
		Goal:      r.Goal,
		Context:   r.Context,
		Status:    models.WorkflowStatus(r.Status),
		Result:    r.Result,
		Error:     fromNullError(r.ErrorMessage, r.ErrorDetail),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type taskRow struct {
	ID           string         `db:"id"`
	WorkflowID   string         `db:"workflow_id"`
	Kind         string         `db:"kind"`
	Name         string         `db:"name"`
	Input        models.Value   `db:"input"`
	Output       models.Value   `db:"output"`
	Status       string         `db:"status"`
	RetryCount   int            `db:"retry_count"`
	MaxRetries   int            `db:"max_retries"`
	ErrorMessage sql.NullString `db:"error_message"`
	ErrorDetail  sql.NullString `db:"error_detail"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

const taskColumns = `id, workflow_id, kind, name, input, output, status, retry_count, max_retries,
	error_message, error_detail, started_at, completed_at, created_at, updated_at`

func (r taskRow) toModel() models.Task {
	return models.Task{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Kind:        models.TaskKind(r.Kind),
		Name:        r.Name,
		Input:       r.Input,
		Output:      r.Output,
		Status:      models.TaskStatus(r.Status),
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		Error:       fromNullError(r.ErrorMessage, r.ErrorDetail),
		StartedAt:   fromNullTime(r.StartedAt),
		CompletedAt: fromNullTime(r.CompletedAt),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromNullError(msg, detail sql.NullString) *models.ErrorInfo {
	if !msg.Valid {
		return nil
	}
	return &models.ErrorInfo{Message: msg.String, Detail: detail.String}
}

func toNullError(e *models.ErrorInfo) (sql.NullString, sql.NullString) {
	if e == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: e.Message, Valid: true}, sql.NullString{String: e.Detail, Valid: e.Detail != ""}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func statusStrings[S ~string](statuses []S) pq.StringArray {
	out := make(pq.StringArray, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w models.Workflow) error {
	errMsg, errDetail := toNullError(w.Error)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.TraceID, w.Goal, w.Context, w.Status, w.Result, errMsg, errDetail, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if pqCode(err) == pgUniqueViolation {
			return errors.Wrapf(err, "workflow %s or trace id %s already exists", w.ID, w.TraceID)
		}
		return errors.Wrapf(err, "create workflow %s", w.ID)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, errors.Wrapf(storage.ErrNotFound, "workflow %s", id)
	}
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %s", id)
	}
	return row.toModel(), nil
}

// SaveWorkflow overwrites the mutable columns. The trace id and creation time never change.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, w models.Workflow) error {
	errMsg, errDetail := toNullError(w.Error)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET goal = $2, context = $3, status = $4, result = $5, error_message = $6, error_detail = $7, updated_at = $8
		WHERE id = $1`,
		w.ID, w.Goal, w.Context, w.Status, w.Result, errMsg, errDetail, w.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "save workflow %s", w.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "workflow %s", w.ID)
	}
	return nil
}

// TransitionWorkflow is SaveWorkflow guarded by the stored status in a single UPDATE.
func (s *PostgresStore) TransitionWorkflow(ctx context.Context, w models.Workflow, from ...models.WorkflowStatus) error {
	errMsg, errDetail := toNullError(w.Error)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET goal = $2, context = $3, status = $4, result = $5, error_message = $6, error_detail = $7, updated_at = $8
		WHERE id = $1 AND status = ANY($9)`,
		w.ID, w.Goal, w.Context, w.Status, w.Result, errMsg, errDetail, w.UpdatedAt, statusStrings(from))
	if err != nil {
		return errors.Wrapf(err, "transition workflow %s", w.ID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var current string
	err = s.db.GetContext(ctx, &current, `SELECT status FROM workflows WHERE id = $1`, w.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(storage.ErrNotFound, "workflow %s", w.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "transition workflow %s", w.ID)
	}
	return errors.Wrapf(storage.ErrConflict, "workflow %s is %s", w.ID, current)
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list workflows")
	}
	return workflowModels(rows), nil
}

func (s *PostgresStore) ListWorkflowsByStatus(ctx context.Context, statuses ...models.WorkflowStatus) ([]models.Workflow, error) {
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE status = ANY($1)
		ORDER BY created_at DESC, id DESC`, statusStrings(statuses))
	if err != nil {
		return nil, errors.Wrap(err, "list workflows by status")
	}
	return workflowModels(rows), nil
}

func workflowModels(rows []workflowRow) []models.Workflow {
	workflows := make([]models.Workflow, 0, len(rows))
	for _, r := range rows {
		workflows = append(workflows, r.toModel())
	}
	return workflows
}

func (s *PostgresStore) CreateTask(ctx context.Context, t models.Task) error {
	errMsg, errDetail := toNullError(t.Error)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.WorkflowID, t.Kind, t.Name, t.Input, t.Output, t.Status, t.RetryCount, t.MaxRetries,
		errMsg, errDetail, t.StartedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if pqCode(err) == pgForeignKeyViolation {
			return errors.Wrapf(storage.ErrNotFound, "workflow %s", t.WorkflowID)
		}
		return errors.Wrapf(err, "create task %s", t.ID)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, errors.Wrapf(storage.ErrNotFound, "task %s", id)
	}
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "get task %s", id)
	}
	return row.toModel(), nil
}

// SaveTask overwrites the mutable columns. Ownership and creation time never change.
func (s *PostgresStore) SaveTask(ctx context.Context, t models.Task) error {
	errMsg, errDetail := toNullError(t.Error)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET output = $2, status = $3, retry_count = $4, error_message = $5, error_detail = $6,
			started_at = $7, completed_at = $8, updated_at = $9
		WHERE id = $1`,
		t.ID, t.Output, t.Status, t.RetryCount, errMsg, errDetail, t.StartedAt, t.CompletedAt, t.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "save task %s", t.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "task %s", t.ID)
	}
	return nil
}

// TransitionTask is SaveTask guarded by the stored status in a single UPDATE.
func (s *PostgresStore) TransitionTask(ctx context.Context, t models.Task, from ...models.TaskStatus) error {
	errMsg, errDetail := toNullError(t.Error)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET output = $2, status = $3, retry_count = $4, error_message = $5, error_detail = $6,
			started_at = $7, completed_at = $8, updated_at = $9
		WHERE id = $1 AND status = ANY($10)`,
		t.ID, t.Output, t.Status, t.RetryCount, errMsg, errDetail, t.StartedAt, t.CompletedAt, t.UpdatedAt, statusStrings(from))
	if err != nil {
		return errors.Wrapf(err, "transition task %s", t.ID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var current string
	err = s.db.GetContext(ctx, &current, `SELECT status FROM tasks WHERE id = $1`, t.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(storage.ErrNotFound, "task %s", t.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "transition task %s", t.ID)
	}
	return errors.Wrapf(storage.ErrConflict, "task %s is %s", t.ID, current)
}

func (s *PostgresStore) ListTasks(ctx context.Context, workflowID string) ([]models.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id = $1 ORDER BY seq`, workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "list tasks of workflow %s", workflowID)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toModel())
	}
	return tasks, nil
}

func (s *PostgresStore) AppendAuditLog(ctx context.Context, e *models.AuditLogEntry) error {
	var ts *time.Time
	if !e.Timestamp.IsZero() {
		ts = &e.Timestamp
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO audit_logs (workflow_id, level, event_type, details, timestamp)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))
		RETURNING id, timestamp`,
		e.WorkflowID, e.Level, e.EventType, e.Details, ts).Scan(&e.ID, &e.Timestamp)
	if err != nil {
		if pqCode(err) == pgForeignKeyViolation {
			return errors.Wrapf(storage.ErrNotFound, "workflow %s", e.WorkflowID)
		}
		return errors.Wrapf(err, "append audit log %s for workflow %s", e.EventType, e.WorkflowID)
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, workflowID string) ([]models.AuditLogEntry, error) {
	entries := []models.AuditLogEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, workflow_id, level, event_type, details, timestamp
		FROM audit_logs
		WHERE workflow_id = $1
		ORDER BY timestamp, id`, workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "list audit logs of workflow %s", workflowID)
	}
	return entries, nil
}
