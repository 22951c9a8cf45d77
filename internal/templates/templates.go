// Package templates ships the seed documents a room can start from.
// Clients pick one by name with the ?template= query parameter on the
// websocket route; unknown names fall back to the default.
package templates

import (
	"embed"
	"fmt"
)

//go:embed *.bpmn
var files embed.FS

// Default is the template used when none is requested or the requested
// name is unknown.
const Default = "blank"

// names lists the available templates.
var names = []string{
	"blank",
	"simple-process",
	"approval-workflow",
	"cross-functional",
}

// Names returns the available template names.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Valid reports whether name refers to a shipped template.
func Valid(name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// OrDefault returns name when it is a valid template, Default otherwise.
func OrDefault(name string) string {
	if Valid(name) {
		return name
	}
	return Default
}

// Load returns the document for a template name.
func Load(name string) (string, error) {
	if !Valid(name) {
		return "", fmt.Errorf("templates: unknown template %q", name)
	}
	data, err := files.ReadFile(name + ".bpmn")
	if err != nil {
		return "", fmt.Errorf("templates: read %q: %w", name, err)
	}
	return string(data), nil
}
