// Package entity declares the per-collection parameterization of the sync
// engine.
//
// The case-management backend exposes many entity tables (case records,
// enrollments, service-delivery logs, resource requests, family-record
// variants) that all sync the same way. A Collection captures the few
// things that differ per entity: the remote table name, which payload
// field carries the server-assigned id, and which fields must be stripped
// before a payload goes on the wire.
package entity

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Collection describes one syncable entity table.
type Collection struct {
	// Name is the remote table/resource name, e.g. "cases" or "enrollments".
	Name string `yaml:"name"`

	// IDField is the payload field holding the server-assigned id.
	// Default: "id".
	IDField string `yaml:"id_field,omitempty"`

	// UpdatedAtField is the payload field holding the server update
	// timestamp, stripped before a payload goes on the wire.
	// Default: "updated_at".
	UpdatedAtField string `yaml:"updated_at_field,omitempty"`

	// CreatedAtField is the payload field holding the server creation
	// timestamp. Default: "created_at".
	CreatedAtField string `yaml:"created_at_field,omitempty"`

	// StripFields lists additional local-only fields removed from a
	// payload before it is sent remotely.
	StripFields []string `yaml:"strip_fields,omitempty"`
}

// Validate checks that the collection declaration is usable.
func (c *Collection) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	return nil
}

// applyDefaults fills in the conventional field names.
func (c *Collection) applyDefaults() {
	if c.IDField == "" {
		c.IDField = "id"
	}
	if c.UpdatedAtField == "" {
		c.UpdatedAtField = "updated_at"
	}
	if c.CreatedAtField == "" {
		c.CreatedAtField = "created_at"
	}
}

// Sanitize returns a copy of payload with the id field, server timestamps,
// and declared local-only fields removed. The result is what goes on the
// wire; the server owns those fields.
func (c *Collection) Sanitize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	delete(out, c.IDField)
	delete(out, c.UpdatedAtField)
	delete(out, c.CreatedAtField)
	for _, f := range c.StripFields {
		delete(out, f)
	}
	return out
}

// ExtractID pulls the server-assigned id out of a remote row.
// Returns false if the row has no usable id.
func (c *Collection) ExtractID(row map[string]any) (string, bool) {
	v, ok := row[c.IDField]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	case float64:
		// JSON numbers decode as float64; server ids are integral.
		return fmt.Sprintf("%.0f", id), true
	case int64:
		return fmt.Sprintf("%d", id), true
	default:
		return fmt.Sprintf("%v", id), true
	}
}

// Registry holds the declared collections, keyed by name.
type Registry struct {
	collections map[string]*Collection
}

// NewRegistry builds a registry from programmatic declarations.
func NewRegistry(cols ...Collection) (*Registry, error) {
	r := &Registry{collections: make(map[string]*Collection, len(cols))}
	for i := range cols {
		c := cols[i]
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid collection: %w", err)
		}
		if _, exists := r.collections[c.Name]; exists {
			return nil, fmt.Errorf("duplicate collection %q", c.Name)
		}
		c.applyDefaults()
		r.collections[c.Name] = &c
	}
	return r, nil
}

// registryFile is the on-disk YAML document shape.
type registryFile struct {
	Collections []Collection `yaml:"collections"`
}

// LoadRegistry reads collection declarations from a YAML file.
//
// Example document:
//
//	collections:
//	  - name: cases
//	    strip_fields: [draft_notes]
//	  - name: enrollments
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}
	if len(doc.Collections) == 0 {
		return nil, fmt.Errorf("registry file %s declares no collections", path)
	}
	return NewRegistry(doc.Collections...)
}

// Lookup returns the collection with the given name.
func (r *Registry) Lookup(name string) (*Collection, bool) {
	c, ok := r.collections[name]
	return c, ok
}

// Names returns all collection names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
