package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/rendis/runway/pkg/schema"
)

const stepColumns = `id, execution_id, step_index, node_id, name, kind, status, input, output, error,
	tool_name, model, tokens_used, cost, duration_ms, started_at, completed_at`

// AddExecutionStep appends a step. A duplicate (execution_id, step_index) is a CONFLICT.
func (s *SQLStore) AddExecutionStep(ctx context.Context, step *schema.ExecutionStep) (*schema.ExecutionStep, error) {
	out := *step
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Status == "" {
		out.Status = schema.StepRunning
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = s.now()
	}

	_, err := s.exec(ctx,
		`INSERT INTO execution_steps (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.ExecutionID, out.Index, out.NodeID, out.Name, string(out.Kind), string(out.Status),
		nullRaw(out.Input), nullRaw(out.Output), nullStrPtr(out.Error), nullStr(out.ToolName), nullStr(out.Model),
		out.TokensUsed, out.Cost, out.DurationMs, out.StartedAt.UTC(), nullTime(out.CompletedAt),
	)
	if err != nil {
		if _, getErr := s.stepAt(ctx, out.ExecutionID, out.Index); getErr == nil {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"step %d already recorded for execution %s", out.Index, out.ExecutionID).WithCause(err)
		}
		return nil, storeErr("insert step", err)
	}
	return &out, nil
}

func (s *SQLStore) UpdateExecutionStep(ctx context.Context, id string, status schema.StepStatus, update StepUpdate) (*schema.ExecutionStep, error) {
	var b setBuilder
	b.add("status", string(status))
	if update.Output != nil {
		b.add("output", nullRaw(update.Output))
	}
	if update.Error != nil {
		b.add("error", *update.Error)
	}
	if update.TokensUsed != nil {
		b.add("tokens_used", *update.TokensUsed)
	}
	if update.Cost != nil {
		b.add("cost", *update.Cost)
	}
	if update.DurationMs != nil {
		b.add("duration_ms", *update.DurationMs)
	}
	if update.CompletedAt != nil {
		b.add("completed_at", nullTime(update.CompletedAt))
	}

	res, err := s.exec(ctx, "UPDATE execution_steps SET "+b.clause()+" WHERE id = ?", append(b.args, id)...)
	if err != nil {
		return nil, storeErr("update step", err)
	}
	if err := checkRowsAffected(res, "step", id); err != nil {
		return nil, err
	}

	row := s.queryRow(ctx, `SELECT `+stepColumns+` FROM execution_steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err != nil {
		return nil, storeErr("get step", err)
	}
	return step, nil
}

// ListExecutionSteps returns an execution's steps ordered by index.
func (s *SQLStore) ListExecutionSteps(ctx context.Context, executionID string) ([]*schema.ExecutionStep, error) {
	rows, err := s.query(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? ORDER BY step_index ASC`, executionID)
	if err != nil {
		return nil, storeErr("list steps", err)
	}
	defer rows.Close()

	var out []*schema.ExecutionStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, storeErr("scan step", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *SQLStore) stepAt(ctx context.Context, executionID string, index int) (*schema.ExecutionStep, error) {
	row := s.queryRow(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? AND step_index = ?`, executionID, index)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("step", executionID)
	}
	return step, err
}

func scanStep(r rowScanner) (*schema.ExecutionStep, error) {
	st := &schema.ExecutionStep{}
	var (
		kind, status    string
		input, output   sql.NullString
		errMsg          sql.NullString
		toolName, model sql.NullString
		completedAt     sql.NullTime
	)
	err := r.Scan(&st.ID, &st.ExecutionID, &st.Index, &st.NodeID, &st.Name, &kind, &status, &input, &output, &errMsg,
		&toolName, &model, &st.TokensUsed, &st.Cost, &st.DurationMs, &st.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	st.Kind = schema.NodeKind(kind)
	st.Status = schema.StepStatus(status)
	st.Input = rawOrNil(input)
	st.Output = rawOrNil(output)
	st.Error = strPtrOrNil(errMsg)
	st.ToolName = toolName.String
	st.Model = model.String
	st.CompletedAt = timePtr(completedAt)
	return st, nil
}
