package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"strings"
)

//go:embed components/*.html
var componentFS embed.FS

const layoutFile = "components/layout.html"

// Component renders a props bag to an HTML body.
type Component struct {
	name string
	tmpl *template.Template
}

func (c *Component) Name() string { return c.name }

// Render executes the component inside the shared layout.
func (c *Component) Render(props map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.ExecuteTemplate(&buf, "layout", props); err != nil {
		return "", fmt.Errorf("templates: render component %q: %w", c.name, err)
	}
	return buf.String(), nil
}

// loadComponents parses every embedded component against the layout.
func loadComponents() (map[string]*Component, error) {
	entries, err := fs.Glob(componentFS, "components/*.html")
	if err != nil {
		return nil, fmt.Errorf("templates: list components: %w", err)
	}

	out := make(map[string]*Component, len(entries))
	for _, file := range entries {
		if file == layoutFile {
			continue
		}
		name := componentName(file)
		tmpl, err := template.New(name).ParseFS(componentFS, layoutFile, file)
		if err != nil {
			return nil, fmt.Errorf("templates: parse component %q: %w", name, err)
		}
		out[name] = &Component{name: name, tmpl: tmpl}
	}
	return out, nil
}

// componentName normalises a component_path such as "emails/Welcome.tsx" or
// "welcome" to the embedded file's base name.
func componentName(p string) string {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.ToLower(base)
}
