// Package history persists session turns and the execution journal.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"harness/internal/conversation"
	"harness/internal/db"
)

// ErrNotFound is returned for an unknown execution id.
var ErrNotFound = errors.New("execution not found")

const StatusRunning = "running"

// Execution is one journal entry. Status is "running" or the outcome.
type Execution struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id,omitempty"`
	Prompt       string     `json:"prompt"`
	Status       string     `json:"status"`
	Iterations   int        `json:"iterations"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type Store struct {
	conn *sql.DB
	q    *db.Queries
}

func NewStore(database *db.DB) *Store {
	return &Store{conn: database.Conn(), q: db.New(database.Conn())}
}

func (s *Store) EnsureSession(ctx context.Context, sessionID, channel string) error {
	return s.q.UpsertSession(ctx, db.UpsertSessionParams{
		ID:      sessionID,
		Channel: channel,
	})
}

// StartExecution records a running execution.
func (s *Store) StartExecution(ctx context.Context, id, sessionID, prompt string) error {
	return s.q.InsertExecution(ctx, db.InsertExecutionParams{
		ID:        id,
		SessionID: sql.NullString{String: sessionID, Valid: sessionID != ""},
		Prompt:    prompt,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	})
}

type Outcome struct {
	Status       string
	Iterations   int
	InputTokens  int64
	OutputTokens int64
	Error        string
}

func (s *Store) FinishExecution(ctx context.Context, id string, o Outcome) error {
	return s.q.FinishExecution(ctx, db.FinishExecutionParams{
		ID:           id,
		Status:       o.Status,
		Iterations:   int64(o.Iterations),
		InputTokens:  o.InputTokens,
		OutputTokens: o.OutputTokens,
		Error:        o.Error,
		FinishedAt:   time.Now().UTC(),
	})
}

func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row, err := s.q.GetExecution(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e := &Execution{
		ID:           row.ID,
		SessionID:    row.SessionID.String,
		Prompt:       row.Prompt,
		Status:       row.Status,
		Iterations:   int(row.Iterations),
		InputTokens:  row.InputTokens,
		OutputTokens: row.OutputTokens,
		Error:        row.Error,
		StartedAt:    row.StartedAt,
	}
	if row.FinishedAt.Valid {
		t := row.FinishedAt.Time
		e.FinishedAt = &t
	}
	return e, nil
}

// SaveTurns appends turns to the session in one transaction.
func (s *Store) SaveTurns(ctx context.Context, sessionID, executionID string, turns []conversation.Turn) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.q.WithTx(tx)
	for _, t := range turns {
		b, err := json.Marshal(t.Blocks)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		if err := q.InsertTurn(ctx, db.InsertTurnParams{
			SessionID:   sessionID,
			ExecutionID: executionID,
			Role:        string(t.Role),
			BlocksJson:  string(b),
		}); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return tx.Commit()
}

// LoadTurns returns the session's turns in order, skipping rows that no
// longer decode.
func (s *Store) LoadTurns(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	rows, err := s.q.GetTurnsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turns := make([]conversation.Turn, 0, len(rows))
	for _, row := range rows {
		var blocks []conversation.Block
		if err := json.Unmarshal([]byte(row.BlocksJson), &blocks); err != nil {
			slog.Warn("skipping turn with invalid blocks JSON", "turn_id", row.ID, "error", err)
			continue
		}
		turns = append(turns, conversation.Turn{Role: conversation.Role(row.Role), Blocks: blocks})
	}
	return turns, nil
}
