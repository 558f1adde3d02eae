// Package render implements the text-rendering collaborator on top of the
// plush template engine. Message bodies, subjects and templated action
// values are rendered against a scope assembled by the action interpreter;
// the engine treats this as an opaque service.
package render

import (
	"html/template"

	"github.com/gobuffalo/plush"
	"github.com/pkg/errors"
)

// ErrTemplate marks malformed template syntax.
var ErrTemplate = errors.New("template error")

// Renderer renders plush templates.
type Renderer struct{}

// New returns a Renderer.
func New() *Renderer {
	return &Renderer{}
}

// Render evaluates the template against the scope. Plush HTML-escapes
// interpolated strings on its own; with quote set that escape stands, so
// quoted user content cannot inject markup into an HTML body. Without
// quote, string values in the scope are marked as safe and pass through
// raw, for plain-text bodies and subject lines. Malformed template syntax
// fails with ErrTemplate.
func (r *Renderer) Render(tmpl string, scope map[string]any, quote bool) (string, error) {
	pctx := plush.NewContext()
	for k, v := range scope {
		if !quote {
			if s, ok := v.(string); ok {
				v = template.HTML(s)
			}
		}
		pctx.Set(k, v)
	}
	out, err := plush.Render(tmpl, pctx)
	if err != nil {
		return "", errors.Wrapf(ErrTemplate, "%v", err)
	}
	return out, nil
}
