package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const scheduleColumns = `id, template_id, cron_expression, input, owner_id, organization_id, owner_role,
	enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *SQLStore) CreateSchedule(ctx context.Context, sc *Schedule) (*Schedule, error) {
	out := *sc
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.CreatedAt = s.now()

	_, err := s.exec(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.TemplateID, out.CronExpression, nullRaw(out.Input), out.OwnerID, nullStr(out.OrganizationID),
		out.OwnerRole, s.dialect.boolArg(out.Enabled), nullTime(out.LastRunAt), nullTime(out.NextRunAt),
		nullStr(out.LastRunStatus), out.CreatedAt,
	)
	if err != nil {
		return nil, storeErr("insert schedule", err)
	}
	return &out, nil
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, storeErr("get schedule", err)
	}
	return sc, nil
}

func (s *SQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var b setBuilder
	if update.Enabled != nil {
		b.add("enabled", s.dialect.boolArg(*update.Enabled))
	}
	if update.LastRunAt != nil {
		b.add("last_run_at", nullTime(update.LastRunAt))
	}
	if update.NextRunAt != nil {
		b.add("next_run_at", nullTime(update.NextRunAt))
	}
	if update.LastRunStatus != nil {
		b.add("last_run_status", *update.LastRunStatus)
	}
	if b.empty() {
		return nil
	}
	res, err := s.exec(ctx, "UPDATE schedules SET "+b.clause()+" WHERE id = ?", append(b.args, id)...)
	if err != nil {
		return storeErr("update schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *SQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, s.dialect.boolArg(*filter.Enabled))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}

	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY created_at ASC LIMIT %d", clampLimit(filter.Limit))
	return s.listSchedules(ctx, q, args...)
}

// ListDueSchedules returns enabled schedules whose next run is at or before now.
// Schedules that were never planned (next_run_at NULL) are due as well.
func (s *SQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return s.listSchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = ? AND (next_run_at IS NULL OR next_run_at <= ?)
		 ORDER BY next_run_at ASC`,
		s.dialect.boolArg(true), now.UTC())
}

func (s *SQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *SQLStore) listSchedules(ctx context.Context, q string, args ...any) ([]*Schedule, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list schedules", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, storeErr("scan schedule", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanSchedule(r rowScanner) (*Schedule, error) {
	sc := &Schedule{}
	var (
		input, orgID, lastStatus sql.NullString
		lastRun, nextRun         sql.NullTime
	)
	err := r.Scan(&sc.ID, &sc.TemplateID, &sc.CronExpression, &input, &sc.OwnerID, &orgID, &sc.OwnerRole,
		&sc.Enabled, &lastRun, &nextRun, &lastStatus, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	sc.Input = rawOrNil(input)
	sc.OrganizationID = orgID.String
	sc.LastRunAt = timePtr(lastRun)
	sc.NextRunAt = timePtr(nextRun)
	sc.LastRunStatus = lastStatus.String
	return sc, nil
}
