package diff

import (
	"html"
	"strings"
)

// Renderer turns a single classified token into markup.
type Renderer interface {
	Unchanged(token string) string
	Deleted(token string) string
	Added(token string) string
}

type htmlRenderer struct{}

func (htmlRenderer) Unchanged(token string) string { return html.EscapeString(token) }

func (htmlRenderer) Deleted(token string) string {
	return `<span class="deleted">` + html.EscapeString(token) + `</span>`
}

func (htmlRenderer) Added(token string) string {
	return `<span class="added">` + html.EscapeString(token) + `</span>`
}

type plainRenderer struct{}

func (plainRenderer) Unchanged(token string) string { return token }
func (plainRenderer) Deleted(token string) string   { return "[-" + token + "-]" }
func (plainRenderer) Added(token string) string     { return "{+" + token + "+}" }

var (
	// HTML wraps changes in span elements with the classes "deleted" and
	// "added" and escapes all text.
	HTML Renderer = htmlRenderer{}
	// Plain uses wdiff-style [-deleted-] and {+added+} markers.
	Plain Renderer = plainRenderer{}
)

// Render computes the diff between oldText and newText and renders it with r.
func Render(oldText, newText string, r Renderer) string {
	var b strings.Builder
	for _, s := range Spans(oldText, newText) {
		switch s.Kind {
		case SpanDeleted:
			b.WriteString(r.Deleted(s.Text))
		case SpanAdded:
			b.WriteString(r.Added(s.Text))
		default:
			b.WriteString(r.Unchanged(s.Text))
		}
	}
	return b.String()
}

// Markup renders the diff with the HTML renderer.
func Markup(oldText, newText string) string {
	return Render(oldText, newText, HTML)
}
