package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/runway/pkg/schema"
)

const executionColumns = `id, template_id, organization_id, user_id, status, input, output, error, error_stack,
	progress, current_step, total_steps, tokens_used, cost, metadata, created_at, started_at, completed_at, updated_at`

// CreateExecution inserts a new execution. The record always starts pending
// regardless of exec.Status; everything after that belongs to the engine.
func (s *SQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) (*schema.Execution, error) {
	if _, err := uuid.Parse(exec.TemplateID); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed template id %q", exec.TemplateID).WithCause(err)
	}
	if exec.UserID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution requires a user id")
	}

	out := *exec
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	now := s.now()
	out.Status = schema.ExecutionPending
	out.Output, out.Error, out.ErrorStack = nil, nil, nil
	out.Progress, out.CurrentStep, out.TotalSteps, out.TokensUsed, out.Cost = 0, 0, 0, 0, 0
	out.StartedAt, out.CompletedAt = nil, nil
	out.CreatedAt, out.UpdatedAt = now, now

	metadata, err := marshalMap(out.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO executions (id, template_id, organization_id, user_id, status, input, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.TemplateID, nullStrPtr(out.OrganizationID), out.UserID, string(out.Status),
		nullRaw(out.Input), metadata, now, now,
	)
	if err != nil {
		return nil, storeErr("insert execution", err)
	}
	return &out, nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return exec, nil
}

// UpdateExecutionStatus overwrites status plus every set field of update.
func (s *SQLStore) UpdateExecutionStatus(ctx context.Context, id string, status schema.ExecutionStatus, update ExecutionUpdate) (*schema.Execution, error) {
	var b setBuilder
	b.add("status", string(status))
	if update.Output != nil {
		b.add("output", nullRaw(update.Output))
	}
	if update.Error != nil {
		b.add("error", *update.Error)
	}
	if update.ErrorStack != nil {
		b.add("error_stack", *update.ErrorStack)
	}
	if update.CurrentStep != nil {
		b.add("current_step", *update.CurrentStep)
	}
	if update.TotalSteps != nil {
		b.add("total_steps", *update.TotalSteps)
	}
	if update.Progress != nil {
		b.add("progress", *update.Progress)
	}
	if update.TokensUsed != nil {
		b.add("tokens_used", *update.TokensUsed)
	}
	if update.Cost != nil {
		b.add("cost", *update.Cost)
	}
	if update.Metadata != nil {
		metadata, err := marshalMap(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		b.add("metadata", metadata)
	}
	if update.StartedAt != nil {
		b.add("started_at", nullTime(update.StartedAt))
	}
	if update.CompletedAt != nil {
		b.add("completed_at", nullTime(update.CompletedAt))
	}
	b.add("updated_at", s.now())

	query := "UPDATE executions SET " + b.clause() + " WHERE id = ?"
	args := append(b.args, id)
	if update.IfStatus != "" {
		query += " AND status = ?"
		args = append(args, string(update.IfStatus))
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return nil, storeErr("update execution", err)
	}
	if err := checkRowsAffected(res, "execution", id); err != nil {
		if update.IfStatus == "" || !schema.IsNotFound(err) {
			return nil, err
		}
		return s.statusConflict(ctx, id, update.IfStatus)
	}
	return s.GetExecution(ctx, id)
}

// statusConflict explains a guarded write that matched no row: either the
// execution is gone or another writer moved its status. The stored execution
// is returned alongside INVALID_TRANSITION in the second case.
func (s *SQLStore) statusConflict(ctx context.Context, id string, expected schema.ExecutionStatus) (*schema.Execution, error) {
	cur, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return cur, schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"execution %s is %s, expected %s", id, cur.Status, expected)
}

// ListExecutions returns matching executions newest first, at most MaxListLimit.
func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if sc := filter.Scope; sc != nil {
		if sc.OrganizationID != "" {
			where = append(where, "(user_id = ? OR (organization_id IS NOT NULL AND organization_id = ?))")
			args = append(args, sc.UserID, sc.OrganizationID)
		} else {
			where = append(where, "user_id = ?")
			args = append(args, sc.UserID)
		}
	}

	q := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY seq DESC LIMIT %d", clampLimit(filter.Limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(r rowScanner) (*schema.Execution, error) {
	e := &schema.Execution{}
	var (
		orgID, input, output sql.NullString
		errMsg, errStack     sql.NullString
		metadata             sql.NullString
		status               string
		startedAt, completed sql.NullTime
	)
	err := r.Scan(&e.ID, &e.TemplateID, &orgID, &e.UserID, &status, &input, &output, &errMsg, &errStack,
		&e.Progress, &e.CurrentStep, &e.TotalSteps, &e.TokensUsed, &e.Cost, &metadata,
		&e.CreatedAt, &startedAt, &completed, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.OrganizationID = strPtrOrNil(orgID)
	e.Input = rawOrNil(input)
	e.Output = rawOrNil(output)
	e.Error = strPtrOrNil(errMsg)
	e.ErrorStack = strPtrOrNil(errStack)
	e.Metadata = unmarshalMap(metadata)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completed)
	return e, nil
}
