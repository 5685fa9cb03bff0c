// Package toolregistry loads tool descriptors the daemon can route
// SkillExecute calls to, either from per-tool manifest.yaml files under a
// directory tree or from a single consolidated JSON registry document.
package toolregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Tool is one registry entry.
type Tool struct {
	ToolID           string   `json:"tool_id" yaml:"tool_id"`
	Version          string   `json:"version" yaml:"version"`
	Title            string   `json:"title" yaml:"title"`
	ShortDescription string   `json:"short_description" yaml:"short_description"`
	Kind             string   `json:"kind" yaml:"kind"`
	Description      string   `json:"description" yaml:"description"`
	InputSchemaRef   string   `json:"input_schema_ref" yaml:"input_schema_ref"`
	OutputSchemaRef  string   `json:"output_schema_ref" yaml:"output_schema_ref"`
	ExecutorBackend  string   `json:"executor_backend" yaml:"executor_backend"`
	Permissions      []string `json:"permissions" yaml:"permissions"`
	SideEffects      []string `json:"side_effects" yaml:"side_effects"`
}

func (t Tool) validate() error {
	missing := []string{}
	if t.ToolID == "" {
		missing = append(missing, "tool_id")
	}
	if t.Version == "" {
		missing = append(missing, "version")
	}
	if t.Title == "" {
		missing = append(missing, "title")
	}
	if t.ShortDescription == "" {
		missing = append(missing, "short_description")
	}
	if t.Kind == "" {
		missing = append(missing, "kind")
	}
	if t.Description == "" {
		missing = append(missing, "description")
	}
	if t.InputSchemaRef == "" {
		missing = append(missing, "input_schema_ref")
	}
	if t.OutputSchemaRef == "" {
		missing = append(missing, "output_schema_ref")
	}
	if t.ExecutorBackend == "" {
		missing = append(missing, "executor_backend")
	}
	if len(missing) > 0 {
		return fmt.Errorf("tool %q missing required fields: %v", t.ToolID, missing)
	}
	return nil
}

// registryDoc is the shape of a single consolidated registry file.
type registryDoc struct {
	Version string `json:"version"`
	Tools   []Tool `json:"tools"`
}

// Registry is an in-memory, read-only view of the daemon's known tools.
type Registry struct {
	tools map[string]Tool
}

// ToolIDs returns the registry's tool IDs, sorted.
func (r *Registry) ToolIDs() []string {
	out := make([]string, 0, len(r.tools))
	for id := range r.tools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// List returns all tools, ordered by tool_id.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, id := range r.ToolIDs() {
		out = append(out, r.tools[id])
	}
	return out
}

// ErrToolNotFound is returned by Get for an unknown tool_id.
var ErrToolNotFound = fmt.Errorf("tool not found")

// Get returns the tool registered under id.
func (r *Registry) Get(id string) (Tool, error) {
	t, ok := r.tools[id]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	return t, nil
}

// LoadManifests loads one Tool per manifest.yaml found directly under
// root/*/manifest.yaml, the per-tool layout.
func LoadManifests(root string) (*Registry, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*", "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob tool manifests under %s: %w", root, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no tool manifests found under %s", root)
	}
	tools := make(map[string]Tool, len(matches))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", path, err)
		}
		var t Tool
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		tools[t.ToolID] = t
	}
	return &Registry{tools: tools}, nil
}

// LoadSingleFile loads a consolidated tool_registry.v1.json document.
func LoadSingleFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool registry %s: %w", path, err)
	}
	var doc registryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tool registry %s: %w", path, err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("tool registry %s: missing version", path)
	}
	if len(doc.Tools) == 0 {
		return nil, fmt.Errorf("tool registry %s: no tools", path)
	}
	tools := make(map[string]Tool, len(doc.Tools))
	for _, t := range doc.Tools {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("tool registry %s: %w", path, err)
		}
		tools[t.ToolID] = t
	}
	return &Registry{tools: tools}, nil
}

// Load prefers per-tool manifests under manifestRoot when present, falling
// back to the single consolidated registry file at singleFilePath.
func Load(manifestRoot, singleFilePath string) (*Registry, error) {
	if manifestRoot != "" {
		if matches, _ := filepath.Glob(filepath.Join(manifestRoot, "*", "manifest.yaml")); len(matches) > 0 {
			return LoadManifests(manifestRoot)
		}
	}
	return LoadSingleFile(singleFilePath)
}

// ValidateAgainstSchema validates payload (already-decoded JSON) against
// the JSON Schema document schemaDoc using a draft-agnostic compiler. No
// non-test code in this module calls it.
func ValidateAgainstSchema(payload any, schemaDoc any) error {
	if schemaDoc == nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("payload failed schema validation: %w", err)
	}
	return nil
}
