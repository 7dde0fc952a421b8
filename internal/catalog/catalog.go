// Package catalog loads statically configured tools that map directly onto
// VM service extensions, alongside the tools apps register at runtime.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tool exposes one service extension as an MCP tool.
type Tool struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Extension   string                 `yaml:"extension" json:"extension"`
	InputSchema map[string]interface{} `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	Args        map[string]interface{} `yaml:"args,omitempty" json:"args,omitempty"`
}

// Catalog is the set of static tools.
type Catalog struct {
	Tools []Tool `yaml:"tools" json:"tools"`

	byName map[string]int
}

const defaultCatalogYAML = `
tools:
  - name: debug_dump_app
    description: Dump the widget tree of the running app as text.
    extension: ext.flutter.debugDumpApp
  - name: debug_dump_render_tree
    description: Dump the render tree of the running app as text.
    extension: ext.flutter.debugDumpRenderTree
  - name: toggle_debug_paint
    description: Show or hide the debug paint overlay.
    extension: ext.flutter.debugPaint
    input_schema:
      type: object
      properties:
        enabled:
          type: boolean
          description: Whether debug paint is shown.
      required: [enabled]
  - name: toggle_performance_overlay
    description: Show or hide the performance overlay.
    extension: ext.flutter.showPerformanceOverlay
    input_schema:
      type: object
      properties:
        enabled:
          type: boolean
      required: [enabled]
  - name: reassemble
    description: Rebuild the widget tree as a hot reload would, without reloading sources.
    extension: ext.flutter.reassemble
`

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse([]byte(defaultCatalogYAML))
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in catalog is invalid: %v", err))
	}
	return c
}

// Load parses the catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return &c, nil
}

// Validate reports every problem in the catalog at once.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, tool := range c.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		name := strings.TrimSpace(tool.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s: name is required", field))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s: duplicate tool name %q", field, name))
		}
		seen[name] = true

		if !strings.HasPrefix(tool.Extension, "ext.") {
			errs = append(errs, fmt.Errorf("%s: extension %q must start with \"ext.\"", field, tool.Extension))
		}
		if tool.InputSchema != nil {
			if t, ok := tool.InputSchema["type"]; ok && t != "object" {
				errs = append(errs, fmt.Errorf("%s: input_schema type must be object", field))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) index() {
	c.byName = make(map[string]int, len(c.Tools))
	for i, t := range c.Tools {
		c.byName[t.Name] = i
	}
}

// Lookup finds a static tool by name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return Tool{}, false
	}
	i, ok := c.byName[name]
	if !ok {
		return Tool{}, false
	}
	return c.Tools[i], true
}

// Merge returns a catalog with other's tools replacing same-named ones in c.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	out := &Catalog{}
	if c != nil {
		out.Tools = append(out.Tools, c.Tools...)
	}
	out.index()
	if other != nil {
		for _, t := range other.Tools {
			if i, ok := out.byName[t.Name]; ok {
				out.Tools[i] = t
				continue
			}
			out.Tools = append(out.Tools, t)
			out.byName[t.Name] = len(out.Tools) - 1
		}
	}
	return out
}

// Names lists the tool names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Tools))
	for _, t := range c.Tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// SchemaJSON returns the tool's input schema as JSON, an empty object
// schema when none is configured.
func (t Tool) SchemaJSON() (json.RawMessage, error) {
	if t.InputSchema == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`), nil
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encode schema of %s: %w", t.Name, err)
	}
	return data, nil
}

// Arguments merges call arguments with the tool's fixed args; fixed args win.
func (t Tool) Arguments(call map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(call)+len(t.Args))
	for k, v := range call {
		out[k] = v
	}
	for k, v := range t.Args {
		out[k] = v
	}
	return out
}
