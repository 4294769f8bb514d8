package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sicko7947/actionflow"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and driver for SQLLedger
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// SQLLedger implements actionflow.ExecutionLedger on database/sql.
// Timestamps are stored as unix nanoseconds; result and parameters as JSON text.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
}

var _ actionflow.ExecutionLedger = (*SQLLedger)(nil)

// OpenSQLLedger opens the database for the dialect and prepares the schema
func OpenSQLLedger(ctx context.Context, dialect Dialect, dsn string) (*SQLLedger, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s ledger: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// a single connection keeps ":memory:" databases shared and serializes writers
		db.SetMaxOpenConns(1)
	}
	ledger, err := NewSQLLedger(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

// NewSQLLedger initializes the required schema in db and returns a ledger
func NewSQLLedger(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLLedger, error) {
	l := &SQLLedger{db: db, dialect: dialect}
	if err := l.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return l, nil
}

// Close closes the underlying database
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

func (l *SQLLedger) initSchema(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			parameters TEXT,
			actor TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_user ON workflow_executions (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow ON workflow_executions (workflow_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres
func (l *SQLLedger) rebind(query string) string {
	if l.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const executionColumns = `id, workflow_id, workflow_name, user_id, status, result, error_message, parameters, actor, created_at, updated_at, started_at, completed_at`

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (l *SQLLedger) CreateExecution(ctx context.Context, exec *actionflow.WorkflowExecution) error {
	res, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		exec.ID,
		exec.WorkflowID,
		exec.WorkflowName,
		exec.UserID,
		string(exec.Status),
		nullJSON(exec.Result),
		exec.ErrorMessage,
		nullJSON(exec.Parameters),
		exec.Actor,
		exec.CreatedAt.UnixNano(),
		exec.UpdatedAt.UnixNano(),
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create workflow execution: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s: %w", exec.ID, actionflow.ErrAlreadyExists)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*actionflow.WorkflowExecution, error) {
	var (
		exec                   actionflow.WorkflowExecution
		status                 string
		result, parameters     sql.NullString
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.WorkflowName,
		&exec.UserID,
		&status,
		&result,
		&exec.ErrorMessage,
		&parameters,
		&exec.Actor,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	exec.Status = actionflow.ExecutionStatus(status)
	if result.Valid {
		exec.Result = json.RawMessage(result.String)
	}
	if parameters.Valid {
		exec.Parameters = json.RawMessage(parameters.String)
	}
	exec.CreatedAt = time.Unix(0, createdAt)
	exec.UpdatedAt = time.Unix(0, updatedAt)
	if startedAt.Valid {
		exec.StartedAt = actionflow.ToPtr(time.Unix(0, startedAt.Int64))
	}
	if completedAt.Valid {
		exec.CompletedAt = actionflow.ToPtr(time.Unix(0, completedAt.Int64))
	}
	return &exec, nil
}

func (l *SQLLedger) GetExecution(ctx context.Context, id string) (*actionflow.WorkflowExecution, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, actionflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow execution: %w", err)
	}
	return exec, nil
}

func (l *SQLLedger) UpdateExecution(ctx context.Context, exec *actionflow.WorkflowExecution, expected actionflow.ExecutionStatus) error {
	exec.UpdatedAt = time.Now()

	res, err := l.db.ExecContext(ctx, l.rebind(`
		UPDATE workflow_executions
		SET workflow_id = ?, workflow_name = ?, user_id = ?, status = ?, result = ?, error_message = ?,
			parameters = ?, actor = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		exec.WorkflowID,
		exec.WorkflowName,
		exec.UserID,
		string(exec.Status),
		nullJSON(exec.Result),
		exec.ErrorMessage,
		nullJSON(exec.Parameters),
		exec.Actor,
		exec.UpdatedAt.UnixNano(),
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
		exec.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update workflow execution: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s expected %s: %w", exec.ID, expected, actionflow.ErrStatusMismatch)
	}
	return nil
}

func (l *SQLLedger) DeleteExecution(ctx context.Context, id string, expected actionflow.ExecutionStatus) error {
	res, err := l.db.ExecContext(ctx, l.rebind(`DELETE FROM workflow_executions WHERE id = ? AND status = ?`), id, string(expected))
	if err != nil {
		return fmt.Errorf("failed to delete workflow execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete workflow execution: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s expected %s: %w", id, expected, actionflow.ErrStatusMismatch)
	}
	return nil
}

func (l *SQLLedger) ListExecutions(ctx context.Context, filter actionflow.ExecutionFilter) ([]*actionflow.WorkflowExecution, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow executions: %w", err)
	}
	defer rows.Close()

	var out []*actionflow.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}
