package notify

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var ErrUnknownTemplate = errors.New("notify: unknown template")

// Renderer turns a Message into an Email using the embedded templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses every embedded template. Each file defines a
// "subject" and a "body" block.
func NewRenderer() (*Renderer, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	r := &Renderer{templates: make(map[string]*template.Template, len(entries))}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".html")
		t, err := template.New(name).Option("missingkey=zero").ParseFS(templateFS, "templates/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("notify: parse %s: %w", e.Name(), err)
		}
		if t.Lookup("subject") == nil || t.Lookup("body") == nil {
			return nil, fmt.Errorf("notify: %s must define subject and body", e.Name())
		}
		r.templates[name] = t
	}
	return r, nil
}

// MustNewRenderer panics if the embedded templates are broken.
func MustNewRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render produces the email for msg.
func (r *Renderer) Render(msg Message) (Email, error) {
	t, ok := r.templates[msg.Template]
	if !ok {
		return Email{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, msg.Template)
	}

	vars := msg.Vars
	if vars == nil {
		vars = map[string]string{}
	}

	var subject, body bytes.Buffer
	if err := t.ExecuteTemplate(&subject, "subject", vars); err != nil {
		return Email{}, fmt.Errorf("notify: render %s subject: %w", msg.Template, err)
	}
	if err := t.ExecuteTemplate(&body, "body", vars); err != nil {
		return Email{}, fmt.Errorf("notify: render %s body: %w", msg.Template, err)
	}
	return Email{
		To:      msg.To,
		Subject: strings.TrimSpace(subject.String()),
		HTML:    body.String(),
		Tag:     msg.Template,
	}, nil
}
