package mailer

import "sort"

// ItemPreview is the rendered form of one template item for one row, or
// the error rendering it.
type ItemPreview struct {
	Content string `json:"content,omitempty"`
	// Declared lists context names the item never uses.
	Declared []string `json:"declared,omitempty"`
	// Missing lists names the item uses that the context lacks.
	Missing []string     `json:"missing,omitempty"`
	Error   *RenderError `json:"error,omitempty"`
}

// PreviewTemplate renders every item of t against data and reports, per
// item, the content plus the declared and missing context names. Render
// failures are reported per item and do not stop the others.
func PreviewTemplate(r Renderer, t *Template, data map[string]any) map[Item]ItemPreview {
	keys := map[string]bool{"language": true}
	for k := range data {
		keys[k] = true
	}

	out := make(map[Item]ItemPreview, 3)
	for _, item := range Items() {
		if item == ItemHTML && !t.HTMLEnabled() {
			continue
		}
		var p ItemPreview
		vars, err := r.Variables(t, item)
		if err != nil {
			p.Error = asRenderError(item, err)
			out[item] = p
			continue
		}
		used := make(map[string]bool, len(vars))
		for _, v := range vars {
			used[v] = true
			if !keys[v] {
				p.Missing = append(p.Missing, v)
			}
		}
		for k := range keys {
			if !used[k] {
				p.Declared = append(p.Declared, k)
			}
		}
		if p.Content, err = r.Render(t, item, data); err != nil {
			p.Error = asRenderError(item, err)
		}
		sort.Strings(p.Declared)
		sort.Strings(p.Missing)
		out[item] = p
	}
	return out
}

func asRenderError(item Item, err error) *RenderError {
	if re, ok := err.(*RenderError); ok {
		return re
	}
	return &RenderError{Item: item, Kind: RenderOther, Msg: err.Error(), Err: err}
}
