package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/diagram"
	"github.com/rendis/runway/pkg/schema"
)

// templateFile is the on-disk YAML form of a workflow template. Schemas are
// written as YAML mappings and stored as JSON.
type templateFile struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Visibility   schema.Visibility `yaml:"visibility"`
	Graph        schema.Graph      `yaml:"graph"`
	InputSchema  map[string]any    `yaml:"input_schema"`
	OutputSchema map[string]any    `yaml:"output_schema"`
}

// parseTemplateFile decodes data. A file without visibility is scoped to
// the importing principal's organization, or shared if it has none.
func parseTemplateFile(data []byte, p access.Principal) (*schema.WorkflowTemplate, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	tpl := &schema.WorkflowTemplate{
		Name:        f.Name,
		Description: f.Description,
		Visibility:  f.Visibility,
		Graph:       f.Graph,
	}
	if tpl.Visibility.Kind == "" {
		if p.OrganizationID != "" {
			tpl.Visibility = schema.Scoped(p.OrganizationID)
		} else {
			tpl.Visibility = schema.Shared()
		}
	}
	var err error
	if tpl.InputSchema, err = schemaJSON(f.InputSchema); err != nil {
		return nil, fmt.Errorf("input_schema: %w", err)
	}
	if tpl.OutputSchema, err = schemaJSON(f.OutputSchema); err != nil {
		return nil, fmt.Errorf("output_schema: %w", err)
	}
	return tpl, nil
}

func schemaJSON(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func writeDiagram(cmd *cobra.Command, tpl *schema.WorkflowTemplate, format, outPath string) error {
	f, err := diagram.ParseFormat(format)
	if err != nil {
		return err
	}
	model, err := diagram.Build(tpl, nil)
	if err != nil {
		return err
	}
	body, err := diagram.Render(cmd.Context(), model, f)
	if err != nil {
		return err
	}
	if outPath != "" {
		return os.WriteFile(outPath, body, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}

func newTemplateCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage workflow templates from YAML files",
	}

	var (
		file string
		p    = access.Principal{ID: "cli", Role: access.RoleSuperAdmin}
	)
	flags := func(sub *cobra.Command) {
		sub.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
		sub.Flags().StringVar(&p.ID, "as", p.ID, "author principal id")
		sub.Flags().StringVar(&p.OrganizationID, "org", "", "author organization id")
		sub.Flags().StringVar(&p.Role, "role", p.Role, "author role")
		_ = sub.MarkFlagRequired("file")
	}

	load := func() (*schema.WorkflowTemplate, error) {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return parseTemplateFile(data, p)
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and store a template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tpl, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := a.service.CreateTemplate(cmd.Context(), &p, tpl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tv%s\n", created.ID, created.Name, created.Version)
			return nil
		},
	}
	flags(importCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a template without storing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tpl, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.ValidateTemplate(cmd.Context(), &p, tpl)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid() {
				return fmt.Errorf("template %q is invalid", tpl.Name)
			}
			return nil
		},
	}
	flags(validateCmd)

	var format, outPath string
	diagramCmd := &cobra.Command{
		Use:   "diagram",
		Short: "Render a template file's graph without touching the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tpl, err := load()
			if err != nil {
				return err
			}
			return writeDiagram(cmd, tpl, format, outPath)
		},
	}
	flags(diagramCmd)
	diagramCmd.Flags().StringVar(&format, "format", "ascii", "ascii, mermaid, svg or png")
	diagramCmd.Flags().StringVarP(&outPath, "output", "o", "", "write to a file instead of stdout")

	cmd.AddCommand(importCmd, validateCmd, diagramCmd)
	return cmd
}
