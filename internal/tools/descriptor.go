package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgelabs/forge/pkg/models"
)

// Category groups tools for display and policy defaults.
type Category string

const (
	CategoryFile    Category = "file"
	CategoryExec    Category = "exec"
	CategoryWeb     Category = "web"
	CategoryTask    Category = "task"
	CategoryUtility Category = "utility"
)

// Handler is the uniform signature every tool shares. Handlers must
// honour ctx cancellation and clean up on cancel.
type Handler func(ctx context.Context, ec *ExecutionContext, args map[string]any) (models.ToolResult, error)

// Param describes one tool parameter. Type is one of string, integer,
// number, boolean, object, or array<T>.
type Param struct {
	Name        string
	Type        string
	Required    bool
	Default     any
	Description string
}

// Descriptor is a registry entry: the tool's schema and its opaque
// handler.
type Descriptor struct {
	Name        string
	Category    Category
	Description string
	Params      []Param
	// SchemaJSON overrides the schema generated from Params, e.g. one
	// reflected from a Go args struct.
	SchemaJSON string
	// Lenient permits unknown argument fields.
	Lenient bool
	// Timeout overrides the gateway's per-call default.
	Timeout time.Duration
	Handler Handler

	compiled    *jsonschema.Schema
	compileOnce sync.Once
	compileErr  error
}

// paramTypeSchema renders one parameter type as a schema fragment.
func paramTypeSchema(t string) (map[string]any, error) {
	switch {
	case t == "string" || t == "integer" || t == "number" || t == "boolean" || t == "object":
		return map[string]any{"type": t}, nil
	case strings.HasPrefix(t, "array<") && strings.HasSuffix(t, ">"):
		inner, err := paramTypeSchema(strings.TrimSuffix(strings.TrimPrefix(t, "array<"), ">"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "array", "items": inner}, nil
	default:
		return nil, fmt.Errorf("unsupported param type %q", t)
	}
}

// SchemaDocument renders the schema offered to providers and the
// validator.
func (d *Descriptor) SchemaDocument() (string, error) {
	if d.SchemaJSON != "" {
		return d.SchemaJSON, nil
	}
	properties := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		fragment, err := paramTypeSchema(p.Type)
		if err != nil {
			return "", fmt.Errorf("param %q: %w", p.Name, err)
		}
		if p.Description != "" {
			fragment["description"] = p.Description
		}
		properties[p.Name] = fragment
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": d.Lenient,
	}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Schema compiles and caches the descriptor's schema.
func (d *Descriptor) Schema() (*jsonschema.Schema, error) {
	d.compileOnce.Do(func() {
		doc, err := d.SchemaDocument()
		if err != nil {
			d.compileErr = err
			return
		}
		d.compiled, d.compileErr = jsonschema.CompileString(d.Name+".schema.json", doc)
	})
	return d.compiled, d.compileErr
}

// ApplyDefaults fills declared defaults for absent optional arguments.
func (d *Descriptor) ApplyDefaults(args map[string]any) {
	for _, p := range d.Params {
		if p.Default == nil {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			args[p.Name] = p.Default
		}
	}
}

// SchemaFor reflects a JSON schema from a Go args struct via invopop.
// Unknown fields are rejected unless lenient.
func SchemaFor(v any, lenient bool) (string, error) {
	reflector := invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: lenient,
	}
	schema := reflector.Reflect(v)
	schema.Version = "" // compiled locally, no meta-schema fetch
	encoded, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Registry holds the frozen tool set. Registration happens during
// container construction; after Freeze the registry is read-only and
// safe for lock-free concurrent reads.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Descriptor
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Duplicates and post-freeze registration
// are rejected.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("descriptor must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", d.Name)
	}
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool %q already registered", d.Name)
	}
	if _, err := d.Schema(); err != nil {
		return fmt.Errorf("tool %q: %w", d.Name, err)
	}
	r.tools[d.Name] = d
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns descriptors sorted by name.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
