package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/massmailer/internal/mailer"
)

// NewTemplateCommand creates the template command group.
func NewTemplateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Store and preview message templates",
	}
	cmd.AddCommand(newTemplateAddCommand(rootOpts))
	cmd.AddCommand(newTemplateListCommand(rootOpts))
	cmd.AddCommand(newTemplatePreviewCommand(rootOpts))
	return cmd
}

// templateFile is the YAML form of a template.
type templateFile struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Language     string `yaml:"language"`
	Subject      string `yaml:"subject"`
	PlainBody    string `yaml:"plain_body"`
	HTMLBody     string `yaml:"html_body"`
	MarkdownHTML bool   `yaml:"markdown_html"`
}

// loadTemplateFile reads a template definition. Unknown keys are rejected.
func loadTemplateFile(path, defaultLanguage string) (*mailer.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var tf templateFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if strings.TrimSpace(tf.Name) == "" {
		return nil, fmt.Errorf("%s: name is required", path)
	}
	if strings.TrimSpace(tf.Subject) == "" {
		return nil, fmt.Errorf("%s: subject is required", path)
	}
	if tf.Language == "" {
		tf.Language = defaultLanguage
	}
	return &mailer.Template{
		Name:         tf.Name,
		Description:  tf.Description,
		Language:     tf.Language,
		Subject:      tf.Subject,
		PlainBody:    tf.PlainBody,
		HTMLBody:     tf.HTMLBody,
		MarkdownHTML: tf.MarkdownHTML,
	}, nil
}

func newTemplateAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <template.yaml>",
		Short: "Store a template read from a YAML file",
		Long: `Store a template read from a YAML file.

Keys: name, description, language, subject, plain_body, html_body and
markdown_html. Each item is checked for syntax before the template is
stored.`,
		Example:       `  massmailer template add welcome.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := loadTemplateFile(args[0], a.cfg.Language)
			if err != nil {
				return outputError(a.formatter, ExitCommandError, ErrCodeInput, err.Error())
			}
			renderer := mailer.NewTemplateRenderer()
			for _, item := range mailer.Items() {
				if item == mailer.ItemHTML && !t.HTMLEnabled() {
					continue
				}
				if _, err := renderer.Variables(t, item); err != nil {
					return a.fail(err)
				}
			}
			if _, err := a.store.InsertTemplate(cmd.Context(), t); err != nil {
				return outputError(a.formatter, ExitFailure, ErrCodeDatabase, err.Error())
			}
			return a.formatter.Success(storedTemplate(*t))
		},
	}
}

func newTemplateListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List stored templates",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			templates, err := a.store.ListTemplates(cmd.Context())
			if err != nil {
				return outputError(a.formatter, ExitFailure, ErrCodeDatabase, err.Error())
			}
			return a.formatter.Success(templateList(templates))
		},
	}
}

type storedTemplate mailer.Template

func (t storedTemplate) WriteText(w io.Writer) {
	fmt.Fprintf(w, "✓ Stored template %d: %s\n", t.ID, t.Name)
}

type templateList []mailer.Template

func (l templateList) WriteText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No stored templates")
		return
	}
	for _, t := range l {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.ID, t.Name, t.Language, t.Description)
	}
}

// TemplatePreview is the output of template preview.
type TemplatePreview struct {
	Template string                             `json:"template"`
	Count    int                                `json:"count"`
	Page     int                                `json:"page"`
	Address  string                             `json:"address,omitempty"`
	Items    map[mailer.Item]mailer.ItemPreview `json:"items,omitempty"`
}

func newTemplatePreviewCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		templateID int64
		queryID    int64
		page       int
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render a template against one row of a stored query",
		Long: `Render a template against one row of a stored query.

Each item reports its rendered content or its error, the variables it
uses that the row does not provide, and the row variables it leaves
unused.`,
		Example:       `  massmailer template preview --template 1 --query 2 --page 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runTemplatePreview(cmd.Context(), a, templateID, queryID, page)
		},
	}
	cmd.Flags().Int64Var(&templateID, "template", 0, "template id (required)")
	cmd.Flags().Int64Var(&queryID, "query", 0, "stored query id (required)")
	cmd.Flags().IntVar(&page, "page", 1, "1-based index of the row to render")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func runTemplatePreview(ctx context.Context, a *app, templateID, queryID int64, page int) error {
	t, err := a.store.Template(ctx, templateID)
	if err != nil {
		return a.fail(err)
	}
	q, err := a.store.Query(ctx, queryID)
	if err != nil {
		return a.fail(err)
	}
	res, err := a.execute(ctx, q.Text)
	if err != nil {
		return a.fail(err)
	}

	preview := TemplatePreview{Template: t.Name, Count: res.Count, Page: page}
	if page >= 1 && page <= len(res.Rows) {
		row := res.Rows[page-1]
		preview.Address = row.Address
		data := mailer.RenderContext(res.Query, row)
		preview.Items = mailer.PreviewTemplate(mailer.NewTemplateRenderer(), t, data)
	}

	return a.formatter.Success(preview)
}

func (p TemplatePreview) WriteText(w io.Writer) {
	if p.Items == nil {
		fmt.Fprintf(w, "No row %d (query returned %d)\n", p.Page, p.Count)
		return
	}
	fmt.Fprintf(w, "Row %d of %d -> %s\n", p.Page, p.Count, p.Address)
	for _, item := range mailer.Items() {
		ip, ok := p.Items[item]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n== %s ==\n", item)
		if ip.Error != nil {
			fmt.Fprintf(w, "✗ %s error: %s\n", ip.Error.Kind, ip.Error.Msg)
		} else {
			fmt.Fprintln(w, ip.Content)
		}
		if len(ip.Missing) > 0 {
			fmt.Fprintf(w, "Missing: %s\n", strings.Join(ip.Missing, ", "))
		}
		if len(ip.Declared) > 0 {
			fmt.Fprintf(w, "Unused: %s\n", strings.Join(ip.Declared, ", "))
		}
	}
}
