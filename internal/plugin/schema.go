// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// GenerateManifestSchema generates the JSON Schema describing
// plugin.yaml manifest files, for editor tooling and the schema CLI
// subcommand.
func GenerateManifestSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Manifest{})

	schema.ID = jsonschema.ID(ManifestSchemaID())
	schema.Title = "PlugKit Plugin Manifest"
	schema.Description = "Schema for plugin.yaml manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ManifestSchemaID returns the schema $id for use in plugin.yaml files.
func ManifestSchemaID() string {
	return "https://plugkit.dev/schemas/plugin.schema.json"
}

// configValidator compiles and caches plugin config schemas keyed by
// plugin name and content hash, so repeated loads of an unchanged
// plugin skip recompilation.
type configValidator struct {
	mu    sync.Mutex
	cache map[string]*jschema.Schema
}

func newConfigValidator() *configValidator {
	return &configValidator{cache: make(map[string]*jschema.Schema)}
}

// Validate checks cfg against the manifest's ConfigSchema. A manifest
// without a schema accepts any configuration.
func (v *configValidator) Validate(m *Manifest, cfg map[string]any) error {
	if len(m.ConfigSchema) == 0 {
		return nil
	}

	sch, err := v.compiled(m)
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	// The schema library expects JSON-shaped data; round-trip through
	// encoding/json to normalize ints, yaml maps, and nested types.
	normalized, err := normalizeJSON(cfg)
	if err != nil {
		return fmt.Errorf("failed to normalize config: %w", err)
	}
	if err := sch.Validate(normalized); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func (v *configValidator) compiled(m *Manifest) (*jschema.Schema, error) {
	key := m.Name + "@" + m.ContentHash

	v.mu.Lock()
	defer v.mu.Unlock()

	if sch, ok := v.cache[key]; ok {
		return sch, nil
	}

	schemaData, err := normalizeJSON(m.ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize schema document: %w", err)
	}

	c := jschema.NewCompiler()
	resource := "config.schema.json"
	if err := c.AddResource(resource, schemaData); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := c.Compile(resource)
	if err != nil {
		return nil, err
	}

	v.cache[key] = sch
	return sch, nil
}

// normalizeJSON converts arbitrary Go data into the generic
// map[string]any / []any / float64 shapes the schema validator expects.
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
