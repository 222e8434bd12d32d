package mailer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData() map[string]any {
	return map[string]any{
		"user": map[string]any{"name": "Alice <3", "email": "alice@example.com"},
	}
}

func TestRender_Items(t *testing.T) {
	r := NewTemplateRenderer()
	tmpl := &Template{
		Subject:   "Hello\n{{.user.name}}",
		PlainBody: "Hi {{.user.name}} ({{.language}})",
		HTMLBody:  "<p>Hi {{.user.name}}</p>",
		Language:  "fr",
	}

	subject, err := r.Render(tmpl, ItemSubject, sampleData())
	require.NoError(t, err)
	assert.Equal(t, "Hello Alice <3", subject)

	plain, err := r.Render(tmpl, ItemPlain, sampleData())
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice <3 (fr)", plain)

	html, err := r.Render(tmpl, ItemHTML, sampleData())
	require.NoError(t, err)
	assert.Equal(t, "<p>Hi Alice &lt;3</p>", html)
}

func TestRender_DefaultLanguage(t *testing.T) {
	r := NewTemplateRenderer()
	out, err := r.Render(&Template{PlainBody: "{{.language}}"}, ItemPlain, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultLanguage, out)
}

func TestRender_Errors(t *testing.T) {
	r := NewTemplateRenderer()
	tests := []struct {
		name string
		tmpl Template
		item Item
		kind RenderErrorKind
	}{
		{"missing key", Template{PlainBody: "{{.nobody}}"}, ItemPlain, RenderUndefined},
		{"missing nested key", Template{Subject: "{{.user.age}}"}, ItemSubject, RenderUndefined},
		{"unclosed action", Template{PlainBody: "{{.user.name"}, ItemPlain, RenderSyntax},
		{"html syntax", Template{HTMLBody: "{{if}}"}, ItemHTML, RenderSyntax},
		{"bad function arg", Template{PlainBody: "{{format_date .user.name}}"}, ItemPlain, RenderOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(&tt.tmpl, tt.item, sampleData())
			require.Error(t, err)
			var re *RenderError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.kind, re.Kind)
			assert.Equal(t, tt.item, re.Item)
			assert.True(t, IsRenderError(err))
		})
	}
}

func TestRender_MarkdownHTML(t *testing.T) {
	r := NewTemplateRenderer()
	tmpl := &Template{
		PlainBody:    "Hi **{{.user.name}}**, see https://example.com\n<script>alert(1)</script>",
		MarkdownHTML: true,
	}
	require.True(t, tmpl.HTMLEnabled())

	html, err := r.Render(tmpl, ItemHTML, sampleData())
	require.NoError(t, err)
	assert.Contains(t, html, "<strong>Alice &lt;3</strong>")
	assert.Contains(t, html, `<a href="https://example.com"`)
	assert.NotContains(t, html, "<script>")
}

func TestRender_NoHTML(t *testing.T) {
	r := NewTemplateRenderer()
	tmpl := &Template{PlainBody: "plain", HTMLBody: "   "}
	assert.False(t, tmpl.HTMLEnabled())

	html, err := r.Render(tmpl, ItemHTML, nil)
	require.NoError(t, err)
	assert.Empty(t, html)
}

func TestRender_FormatFuncs(t *testing.T) {
	r := NewTemplateRenderer()
	data := map[string]any{"at": time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC), "day": "2024-03-05"}
	tmpl := &Template{PlainBody: "{{format_date .at}} {{format_time .at}} {{format_datetime .at}} {{format_date .day}}"}

	out, err := r.Render(tmpl, ItemPlain, data)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05 14:30 2024-03-05 14:30 2024-03-05", out)
}

func TestVariables(t *testing.T) {
	r := NewTemplateRenderer()
	tmpl := &Template{
		Subject:   "{{.user.name}} {{if .flag}}{{.other}}{{end}}",
		PlainBody: "{{range .items}}{{.inner}}{{end}}{{format_date .at}}",
	}

	vars, err := r.Variables(tmpl, ItemSubject)
	require.NoError(t, err)
	assert.Equal(t, []string{"flag", "other", "user"}, vars)

	vars, err = r.Variables(tmpl, ItemPlain)
	require.NoError(t, err)
	assert.Equal(t, []string{"at", "items"}, vars)
}
