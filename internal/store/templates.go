package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/runway/pkg/schema"
)

const templateColumns = `id, name, description, visibility, organization_id, author_id, graph,
	input_schema, output_schema, version, active, created_at, updated_at`

// CreateTemplate persists a new template. ID, Version and timestamps are
// filled in when empty.
func (s *SQLStore) CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) (*schema.WorkflowTemplate, error) {
	if err := tpl.Visibility.Validate(); err != nil {
		return nil, err
	}
	out := *tpl
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Version == "" {
		out.Version = "1"
	}
	now := s.now()
	out.CreatedAt, out.UpdatedAt = now, now

	graph, err := json.Marshal(out.Graph)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO workflow_templates (`+templateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.Name, nullStr(out.Description), string(out.Visibility.Kind), nullStr(out.Visibility.OrganizationID),
		out.AuthorID, string(graph), nullRaw(out.InputSchema), nullRaw(out.OutputSchema),
		out.Version, s.dialect.boolArg(out.Active), now, now,
	)
	if err != nil {
		return nil, storeErr("insert template", err)
	}
	return &out, nil
}

func (s *SQLStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	row := s.queryRow(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, storeErr("get template", err)
	}
	return tpl, nil
}

func (s *SQLStore) UpdateTemplate(ctx context.Context, id string, update TemplateUpdate) (*schema.WorkflowTemplate, error) {
	var b setBuilder
	if update.Name != nil {
		b.add("name", *update.Name)
	}
	if update.Description != nil {
		b.add("description", nullStr(*update.Description))
	}
	if update.Graph != nil {
		graph, err := json.Marshal(update.Graph)
		if err != nil {
			return nil, fmt.Errorf("marshal graph: %w", err)
		}
		b.add("graph", string(graph))
	}
	if update.InputSchema != nil {
		b.add("input_schema", nullRaw(update.InputSchema))
	}
	if update.OutputSchema != nil {
		b.add("output_schema", nullRaw(update.OutputSchema))
	}
	if update.Version != nil {
		b.add("version", *update.Version)
	}
	if update.Active != nil {
		b.add("active", s.dialect.boolArg(*update.Active))
	}
	if !b.empty() {
		b.add("updated_at", s.now())
		res, err := s.exec(ctx, "UPDATE workflow_templates SET "+b.clause()+" WHERE id = ?", append(b.args, id)...)
		if err != nil {
			return nil, storeErr("update template", err)
		}
		if err := checkRowsAffected(res, "template", id); err != nil {
			return nil, err
		}
	}
	return s.GetTemplate(ctx, id)
}

func (s *SQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	var where []string
	var args []any

	switch {
	case filter.OrganizationID != "" && filter.IncludeShared:
		where = append(where, "(organization_id = ? OR visibility = ?)")
		args = append(args, filter.OrganizationID, string(schema.VisibilityShared))
	case filter.OrganizationID != "":
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	case filter.IncludeShared:
		where = append(where, "visibility = ?")
		args = append(args, string(schema.VisibilityShared))
	}
	if filter.ActiveOnly {
		where = append(where, "active = ?")
		args = append(args, s.dialect.boolArg(true))
	}

	q := `SELECT ` + templateColumns + ` FROM workflow_templates`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY name ASC LIMIT %d", clampLimit(filter.Limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list templates", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, storeErr("scan template", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(r rowScanner) (*schema.WorkflowTemplate, error) {
	tpl := &schema.WorkflowTemplate{}
	var (
		description, orgID     sql.NullString
		inputSchema, outSchema sql.NullString
		visibility, graphJSON  string
	)
	err := r.Scan(&tpl.ID, &tpl.Name, &description, &visibility, &orgID, &tpl.AuthorID, &graphJSON,
		&inputSchema, &outSchema, &tpl.Version, &tpl.Active, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tpl.Description = description.String
	tpl.Visibility = schema.Visibility{Kind: schema.VisibilityKind(visibility), OrganizationID: orgID.String}
	if err := json.Unmarshal([]byte(graphJSON), &tpl.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	tpl.InputSchema = rawOrNil(inputSchema)
	tpl.OutputSchema = rawOrNil(outSchema)
	return tpl, nil
}
