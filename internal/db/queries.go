package db

import (
	"context"
	"database/sql"
	"time"
)

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx runs queries inside tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type UpsertSessionParams struct {
	ID      string
	Channel string
}

func (q *Queries) UpsertSession(ctx context.Context, arg UpsertSessionParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO sessions (id, channel) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP`,
		arg.ID, arg.Channel)
	return err
}

type Execution struct {
	ID           string
	SessionID    sql.NullString
	Prompt       string
	Status       string
	Iterations   int64
	InputTokens  int64
	OutputTokens int64
	Error        string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
}

type InsertExecutionParams struct {
	ID        string
	SessionID sql.NullString
	Prompt    string
	Status    string
	StartedAt time.Time
}

func (q *Queries) InsertExecution(ctx context.Context, arg InsertExecutionParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO executions (id, session_id, prompt, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		arg.ID, arg.SessionID, arg.Prompt, arg.Status, arg.StartedAt)
	return err
}

type FinishExecutionParams struct {
	ID           string
	Status       string
	Iterations   int64
	InputTokens  int64
	OutputTokens int64
	Error        string
	FinishedAt   time.Time
}

func (q *Queries) FinishExecution(ctx context.Context, arg FinishExecutionParams) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE executions
SET status = ?, iterations = ?, input_tokens = ?, output_tokens = ?, error = ?, finished_at = ?
WHERE id = ?`,
		arg.Status, arg.Iterations, arg.InputTokens, arg.OutputTokens, arg.Error, arg.FinishedAt, arg.ID)
	return err
}

func (q *Queries) GetExecution(ctx context.Context, id string) (Execution, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, session_id, prompt, status, iterations, input_tokens, output_tokens, error, started_at, finished_at
FROM executions WHERE id = ?`, id)
	var e Execution
	err := row.Scan(&e.ID, &e.SessionID, &e.Prompt, &e.Status, &e.Iterations,
		&e.InputTokens, &e.OutputTokens, &e.Error, &e.StartedAt, &e.FinishedAt)
	return e, err
}

type Turn struct {
	ID          int64
	SessionID   string
	ExecutionID string
	Role        string
	BlocksJson  string
	CreatedAt   time.Time
}

type InsertTurnParams struct {
	SessionID   string
	ExecutionID string
	Role        string
	BlocksJson  string
}

func (q *Queries) InsertTurn(ctx context.Context, arg InsertTurnParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO turns (session_id, execution_id, role, blocks_json) VALUES (?, ?, ?, ?)`,
		arg.SessionID, arg.ExecutionID, arg.Role, arg.BlocksJson)
	return err
}

func (q *Queries) GetTurnsBySession(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, session_id, execution_id, role, blocks_json, created_at
FROM turns WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.ExecutionID, &t.Role, &t.BlocksJson, &t.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
