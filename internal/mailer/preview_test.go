package mailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewTemplate(t *testing.T) {
	tmpl := &Template{
		Subject:   "Hi {{.user.name}}",
		PlainBody: "{{.nobody}}",
	}
	data := map[string]any{
		"user":      map[string]any{"name": "Alice"},
		"somemodel": map[string]any{"id": int64(1)},
	}

	got := PreviewTemplate(NewTemplateRenderer(), tmpl, data)
	require.Len(t, got, 2, "no html item without an html body")

	subject := got[ItemSubject]
	assert.Nil(t, subject.Error)
	assert.Equal(t, "Hi Alice", subject.Content)
	assert.Equal(t, []string{"language", "somemodel"}, subject.Declared)
	assert.Empty(t, subject.Missing)

	plain := got[ItemPlain]
	require.NotNil(t, plain.Error)
	assert.Equal(t, RenderUndefined, plain.Error.Kind)
	assert.Empty(t, plain.Content)
	assert.Equal(t, []string{"nobody"}, plain.Missing)
}

func TestPreviewTemplate_SyntaxError(t *testing.T) {
	tmpl := &Template{Subject: "ok", PlainBody: "ok", HTMLBody: "{{end}}"}

	got := PreviewTemplate(NewTemplateRenderer(), tmpl, nil)
	require.Contains(t, got, ItemHTML)
	require.NotNil(t, got[ItemHTML].Error)
	assert.Equal(t, RenderSyntax, got[ItemHTML].Error.Kind)
	assert.Nil(t, got[ItemSubject].Error)
}
