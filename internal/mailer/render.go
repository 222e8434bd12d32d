package mailer

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Item names one renderable part of a template.
type Item string

const (
	ItemSubject Item = "subject"
	ItemPlain   Item = "plain"
	ItemHTML    Item = "html"
)

// Items lists template items in render order.
func Items() []Item {
	return []Item{ItemSubject, ItemPlain, ItemHTML}
}

// RenderErrorKind classifies render failures so a preview can show one
// error per item with a stable type.
type RenderErrorKind string

const (
	RenderUndefined RenderErrorKind = "undefined"
	RenderSyntax    RenderErrorKind = "syntax"
	RenderOther     RenderErrorKind = "other"
)

// RenderError reports a failure rendering one template item.
type RenderError struct {
	Item Item            `json:"-"`
	Kind RenderErrorKind `json:"type"`
	Msg  string          `json:"msg"`
	Err  error           `json:"-"`
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %s error: %s", e.Item, e.Kind, e.Msg)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// IsRenderError reports whether err is or wraps a *RenderError.
func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}

// Renderer renders template items against a context.
type Renderer interface {
	// Render returns the rendered item. Failures are *RenderError.
	Render(t *Template, item Item, data map[string]any) (string, error)
	// Variables lists the top-level names item refers to.
	Variables(t *Template, item Item) ([]string, error)
}

// TemplateRenderer renders items with Go templates: text/template for the
// subject and plain body, html/template (contextual escaping) for the HTML
// body. Missing keys are errors.
//
// Templates see the render context as dot, e.g. {{.user.name}}, plus
// "language". Available functions: format_date, format_datetime and
// format_time.
type TemplateRenderer struct {
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

// NewTemplateRenderer creates a TemplateRenderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

var funcs = map[string]any{
	"format_date":     formatTime("2006-01-02"),
	"format_datetime": formatTime("2006-01-02 15:04"),
	"format_time":     formatTime("15:04"),
}

func formatTime(layout string) func(v any) (string, error) {
	return func(v any) (string, error) {
		switch t := v.(type) {
		case time.Time:
			return t.Format(layout), nil
		case *time.Time:
			if t == nil {
				return "", nil
			}
			return t.Format(layout), nil
		case string:
			for _, l := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
				if parsed, err := time.Parse(l, t); err == nil {
					return parsed.Format(layout), nil
				}
			}
			return "", fmt.Errorf("cannot read %q as a time", t)
		case nil:
			return "", nil
		default:
			return "", fmt.Errorf("cannot format %T as a time", v)
		}
	}
}

func source(t *Template, item Item) string {
	switch item {
	case ItemSubject:
		return t.Subject
	case ItemPlain:
		return t.PlainBody
	case ItemHTML:
		return t.HTMLBody
	default:
		return ""
	}
}

// Render implements Renderer.
func (r *TemplateRenderer) Render(t *Template, item Item, data map[string]any) (string, error) {
	ctx := make(map[string]any, len(data)+1)
	for k, v := range data {
		ctx[k] = v
	}
	ctx["language"] = language(t)

	switch item {
	case ItemSubject:
		out, err := execText(item, t.Subject, ctx)
		if err != nil {
			return "", err
		}
		// Headers are single-line.
		return strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(out)), nil
	case ItemPlain:
		return execText(item, t.PlainBody, ctx)
	case ItemHTML:
		if strings.TrimSpace(t.HTMLBody) != "" {
			return execHTML(t.HTMLBody, ctx)
		}
		if !t.MarkdownHTML {
			return "", nil
		}
		plain, err := execText(ItemHTML, t.PlainBody, ctx)
		if err != nil {
			return "", err
		}
		return r.MarkdownHTML(plain)
	default:
		return "", &RenderError{Item: item, Kind: RenderOther, Msg: "unknown template item"}
	}
}

// MarkdownHTML converts a rendered plain body to sanitized HTML.
func (r *TemplateRenderer) MarkdownHTML(plain string) (string, error) {
	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(plain), &buf); err != nil {
		return "", &RenderError{Item: ItemHTML, Kind: RenderOther, Msg: err.Error(), Err: err}
	}
	return r.policy.Sanitize(buf.String()), nil
}

func language(t *Template) string {
	if t.Language == "" {
		return DefaultLanguage
	}
	return t.Language
}

func execText(item Item, src string, ctx map[string]any) (string, error) {
	tmpl, err := template.New(string(item)).Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", &RenderError{Item: item, Kind: RenderSyntax, Msg: err.Error(), Err: err}
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", classify(item, err)
	}
	return buf.String(), nil
}

func execHTML(src string, ctx map[string]any) (string, error) {
	tmpl, err := htmltemplate.New(string(ItemHTML)).Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", &RenderError{Item: ItemHTML, Kind: RenderSyntax, Msg: err.Error(), Err: err}
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", classify(ItemHTML, err)
	}
	return buf.String(), nil
}

var undefinedMarkers = []string{
	"map has no entry for key",
	"nil pointer evaluating",
	"can't evaluate field",
}

func classify(item Item, err error) *RenderError {
	msg := err.Error()
	for _, m := range undefinedMarkers {
		if strings.Contains(msg, m) {
			return &RenderError{Item: item, Kind: RenderUndefined, Msg: msg, Err: err}
		}
	}
	var herr *htmltemplate.Error
	if errors.As(err, &herr) {
		return &RenderError{Item: item, Kind: RenderSyntax, Msg: msg, Err: err}
	}
	return &RenderError{Item: item, Kind: RenderOther, Msg: msg, Err: err}
}

// Variables implements Renderer. Names referenced inside range and with
// blocks are relative to the block and are not listed.
func (r *TemplateRenderer) Variables(t *Template, item Item) ([]string, error) {
	src := source(t, item)
	if item == ItemHTML && strings.TrimSpace(src) == "" && t.MarkdownHTML {
		src = t.PlainBody
	}
	tmpl, err := template.New(string(item)).Funcs(funcs).Parse(src)
	if err != nil {
		return nil, &RenderError{Item: item, Kind: RenderSyntax, Msg: err.Error(), Err: err}
	}
	names := map[string]bool{}
	if tmpl.Tree != nil {
		collectNames(tmpl.Tree.Root, names)
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func collectNames(node parse.Node, names map[string]bool) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			collectNames(c, names)
		}
	case *parse.ActionNode:
		collectNames(n.Pipe, names)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				collectNames(arg, names)
			}
		}
	case *parse.FieldNode:
		names[n.Ident[0]] = true
	case *parse.ChainNode:
		collectNames(n.Node, names)
	case *parse.IfNode:
		collectNames(n.Pipe, names)
		collectNames(n.List, names)
		collectNames(n.ElseList, names)
	case *parse.RangeNode:
		collectNames(n.Pipe, names)
		collectNames(n.ElseList, names)
	case *parse.WithNode:
		collectNames(n.Pipe, names)
		collectNames(n.ElseList, names)
	case *parse.TemplateNode:
		collectNames(n.Pipe, names)
	}
}
