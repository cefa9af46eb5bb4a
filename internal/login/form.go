package login

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Field is one successful-control candidate inside a form.
type Field struct {
	Name    string
	Type    string
	Value   string
	Checked bool
}

// Form is an HTML form as the login strategies see it.
type Form struct {
	ID     string
	Name   string
	Action string
	Method string
	Fields []Field
}

// Page is a fetched portal page.
type Page struct {
	URL   *url.URL
	Title string
	Forms []Form
}

// Field returns the first field named name.
func (f *Form) Field(name string) (Field, bool) {
	for _, fl := range f.Fields {
		if strings.EqualFold(fl.Name, name) {
			return fl, true
		}
	}
	return Field{}, false
}

// Has reports whether the form carries a field named name.
func (f *Form) Has(name string) bool {
	_, ok := f.Field(name)
	return ok
}

// PasswordField returns the name of the first password input.
func (f *Form) PasswordField() string {
	for _, fl := range f.Fields {
		if fl.Type == "password" && fl.Name != "" {
			return fl.Name
		}
	}
	return ""
}

// defaults returns the values a browser would submit untouched: hidden and
// prefilled inputs, checked boxes and the first named submit control.
func (f *Form) defaults() url.Values {
	v := url.Values{}
	submitted := false
	for _, fl := range f.Fields {
		if fl.Name == "" {
			continue
		}
		switch fl.Type {
		case "submit", "image":
			if !submitted {
				v.Set(fl.Name, fl.Value)
				submitted = true
			}
		case "checkbox", "radio":
			if fl.Checked {
				v.Add(fl.Name, valueOr(fl.Value, "on"))
			}
		case "button", "reset", "file":
		default:
			v.Add(fl.Name, fl.Value)
		}
	}
	return v
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ParsePage extracts the title and forms from an HTML document.
//
// Inside a table the parser closes <form> at once and its controls land
// after it, outside the form element. Such orphan controls are attached to
// the last form that was closed empty, the way a browser associates them.
func ParsePage(r io.Reader, base *url.URL) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	page := &Page{URL: base}
	orphanOwner := -1

	var walk func(n *html.Node, form *Form)
	walk = func(n *html.Node, form *Form) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if page.Title == "" && n.FirstChild != nil {
					page.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case atom.Form:
				page.Forms = append(page.Forms, Form{
					ID:     attr(n, "id"),
					Name:   attr(n, "name"),
					Action: strings.TrimSpace(attr(n, "action")),
					Method: strings.ToUpper(strings.TrimSpace(attr(n, "method"))),
				})
				idx := len(page.Forms) - 1
				orphanOwner = -1
				if !hasElementChild(n) {
					orphanOwner = idx
				}
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					walk(c, &page.Forms[idx])
				}
				return
			default:
				if fl, ok := control(n); ok {
					owner := form
					if owner == nil && orphanOwner >= 0 {
						owner = &page.Forms[orphanOwner]
					}
					if owner != nil {
						owner.Fields = append(owner.Fields, fl)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, form)
		}
	}
	walk(doc, nil)
	return page, nil
}

// control converts a form-associated element into a Field.
func control(n *html.Node) (Field, bool) {
	switch n.DataAtom {
	case atom.Input:
		return Field{
			Name:    attr(n, "name"),
			Type:    strings.ToLower(valueOr(attr(n, "type"), "text")),
			Value:   attr(n, "value"),
			Checked: hasAttr(n, "checked"),
		}, true
	case atom.Button:
		typ := strings.ToLower(valueOr(attr(n, "type"), "submit"))
		return Field{Name: attr(n, "name"), Type: typ, Value: attr(n, "value")}, true
	case atom.Textarea:
		return Field{Name: attr(n, "name"), Type: "textarea", Value: text(n)}, true
	case atom.Select:
		return Field{Name: attr(n, "name"), Type: "select", Value: selected(n)}, true
	}
	return Field{}, false
}

func hasElementChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

func text(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// selected returns the value of the selected option, else the first one.
func selected(n *html.Node) string {
	first, found := "", false
	var visit func(*html.Node) (string, bool)
	visit = func(c *html.Node) (string, bool) {
		if c.Type == html.ElementNode && c.DataAtom == atom.Option {
			v := attr(c, "value")
			if !hasAttr(c, "value") {
				v = strings.TrimSpace(text(c))
			}
			if !found {
				first, found = v, true
			}
			if hasAttr(c, "selected") {
				return v, true
			}
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			if v, ok := visit(cc); ok {
				return v, true
			}
		}
		return "", false
	}
	if v, ok := visit(n); ok {
		return v
	}
	return first
}
