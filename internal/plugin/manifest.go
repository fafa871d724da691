// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

// Package plugin implements the PlugKit engine: plugin discovery,
// dependency resolution, lifecycle management, and cross-plugin
// communication through an event bus and a hook pipeline.
package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/plugkit/plugkit/pkg/plugsdk"
)

// Type classifies a plugin.
type Type string

// Plugin types supported by the engine.
const (
	TypeCore       Type = "core"
	TypeExtension  Type = "extension"
	TypeTheme      Type = "theme"
	TypeWidget     Type = "widget"
	TypeService    Type = "service"
	TypeMiddleware Type = "middleware"
	TypeAI         Type = "ai"
	TypeCustom     Type = "custom"
)

var validTypes = map[Type]bool{
	TypeCore: true, TypeExtension: true, TypeTheme: true, TypeWidget: true,
	TypeService: true, TypeMiddleware: true, TypeAI: true, TypeCustom: true,
}

// Priority orders plugin loading. Lower ranks load earlier.
type Priority string

// Priorities from earliest-loading to latest.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityOptional Priority = "optional"
)

var priorityRanks = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
	PriorityOptional: 4,
}

// Rank returns the sort key for the priority. Unknown priorities rank
// after optional so they surface last rather than panicking mid-sort;
// Validate rejects them before any ordering decision.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return len(priorityRanks)
}

// Manifest is the immutable descriptor of a plugin: identity, version,
// dependency and conflict declarations, and configuration rules.
// It is parsed from a plugin.yaml file or extracted from a module's
// registration metadata.
type Manifest struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	Homepage    string `yaml:"homepage,omitempty" json:"homepage,omitempty"`

	Type     Type     `yaml:"type" json:"type"`
	Priority Priority `yaml:"priority,omitempty" json:"priority"`

	Dependencies         []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	OptionalDependencies []string `yaml:"optional-dependencies,omitempty" json:"optionalDependencies,omitempty"`
	Conflicts            []string `yaml:"conflicts,omitempty" json:"conflicts,omitempty"`

	MinSystemVersion string `yaml:"min-system-version,omitempty" json:"minSystemVersion,omitempty"`
	MaxSystemVersion string `yaml:"max-system-version,omitempty" json:"maxSystemVersion,omitempty"`

	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Permissions  []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`

	// ConfigSchema is a JSON-Schema document; when present, plugin
	// configuration is validated against it at load time.
	ConfigSchema  map[string]any `yaml:"config-schema,omitempty" json:"configSchema,omitempty"`
	DefaultConfig map[string]any `yaml:"default-config,omitempty" json:"defaultConfig,omitempty"`

	// Main is the relative path to a Lua entry script for script
	// plugins. Empty for plugins backed by a registered factory.
	Main string `yaml:"main,omitempty" json:"main,omitempty"`

	// Enabled is tracked outside the YAML document model (the parse
	// path reads the "enabled" key itself) so the default can be true.
	Enabled bool `yaml:"-" json:"enabled"`

	// Discovery bookkeeping; never serialized back into plugin.yaml.
	FilePath    string    `yaml:"-" json:"filePath,omitempty"`
	ContentHash string    `yaml:"-" json:"contentHash,omitempty"`
	CreatedAt   time.Time `yaml:"-" json:"createdAt,omitempty"`
	UpdatedAt   time.Time `yaml:"-" json:"updatedAt,omitempty"`

	// LoadOrder is assigned by the resolver. -1 until resolution.
	LoadOrder int `yaml:"-" json:"loadOrder"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with a lowercase
// letter, contain only lowercase letters, digits, or hyphens, and not
// end with a hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml document.
// Enabled defaults to true when omitted.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	// Intercept enabled so an absent key defaults to true.
	var raw struct {
		Manifest `yaml:",inline"`
		Enabled  *bool `yaml:"enabled"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	m := raw.Manifest
	m.Enabled = raw.Enabled == nil || *raw.Enabled
	m.LoadOrder = -1
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a valid semantic version: %w", m.Version, err)
	}

	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	if !validTypes[m.Type] {
		return fmt.Errorf("type %q is not a recognized plugin type", m.Type)
	}

	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if _, ok := priorityRanks[m.Priority]; !ok {
		return fmt.Errorf("priority %q is not one of critical, high, normal, low, optional", m.Priority)
	}

	for _, dep := range m.Dependencies {
		if dep == m.Name {
			return fmt.Errorf("plugin cannot depend on itself")
		}
	}

	return nil
}

// ConflictsWithDependencies returns the names declared both as a hard
// dependency and a conflict. A non-empty result is rejected at resolve
// time.
func (m *Manifest) ConflictsWithDependencies() []string {
	conflicts := make(map[string]bool, len(m.Conflicts))
	for _, c := range m.Conflicts {
		conflicts[c] = true
	}
	var both []string
	for _, d := range m.Dependencies {
		if conflicts[d] {
			both = append(both, d)
		}
	}
	return both
}

// SupportsSystemVersion reports whether the given system version falls
// inside the manifest's [min, max] constraint. Empty bounds are open.
func (m *Manifest) SupportsSystemVersion(sys string) bool {
	if sys == "" {
		return true
	}
	if m.MinSystemVersion != "" && CompareVersionSegments(sys, m.MinSystemVersion) < 0 {
		return false
	}
	if m.MaxSystemVersion != "" && CompareVersionSegments(sys, m.MaxSystemVersion) > 0 {
		return false
	}
	return true
}

// CompareVersionSegments compares dotted version strings segment by
// segment: numeric segments compare numerically, others lexically.
// A shorter version with an equal prefix compares lower.
func CompareVersionSegments(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
			continue
		}
		if as[i] != bs[i] {
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

// ToMap serializes the manifest to a plain key-value representation for
// persistence and inspection.
func (m *Manifest) ToMap() map[string]any {
	return map[string]any{
		"name":                 m.Name,
		"version":              m.Version,
		"description":          m.Description,
		"author":               m.Author,
		"homepage":             m.Homepage,
		"type":                 string(m.Type),
		"priority":             string(m.Priority),
		"dependencies":         append([]string(nil), m.Dependencies...),
		"optionalDependencies": append([]string(nil), m.OptionalDependencies...),
		"conflicts":            append([]string(nil), m.Conflicts...),
		"minSystemVersion":     m.MinSystemVersion,
		"maxSystemVersion":     m.MaxSystemVersion,
		"capabilities":         append([]string(nil), m.Capabilities...),
		"permissions":          append([]string(nil), m.Permissions...),
		"configSchema":         m.ConfigSchema,
		"defaultConfig":        m.DefaultConfig,
		"main":                 m.Main,
		"enabled":              m.Enabled,
		"filePath":             m.FilePath,
		"contentHash":          m.ContentHash,
	}
}

// ManifestFromMap builds a validated manifest from a plain key-value
// representation, the inverse of ToMap. Unknown keys are ignored.
func ManifestFromMap(data map[string]any) (*Manifest, error) {
	if data == nil {
		return nil, fmt.Errorf("manifest map is nil")
	}
	m := &Manifest{
		Name:                 stringKey(data, "name"),
		Version:              stringKey(data, "version"),
		Description:          stringKey(data, "description"),
		Author:               stringKey(data, "author"),
		Homepage:             stringKey(data, "homepage"),
		Type:                 Type(stringKey(data, "type")),
		Priority:             Priority(stringKey(data, "priority")),
		Dependencies:         stringSliceKey(data, "dependencies"),
		OptionalDependencies: stringSliceKey(data, "optionalDependencies"),
		Conflicts:            stringSliceKey(data, "conflicts"),
		MinSystemVersion:     stringKey(data, "minSystemVersion"),
		MaxSystemVersion:     stringKey(data, "maxSystemVersion"),
		Capabilities:         stringSliceKey(data, "capabilities"),
		Permissions:          stringSliceKey(data, "permissions"),
		Main:                 stringKey(data, "main"),
		FilePath:             stringKey(data, "filePath"),
		ContentHash:          stringKey(data, "contentHash"),
		Enabled:              true,
		LoadOrder:            -1,
	}
	if schema, ok := data["configSchema"].(map[string]any); ok {
		m.ConfigSchema = schema
	}
	if cfg, ok := data["defaultConfig"].(map[string]any); ok {
		m.DefaultConfig = cfg
	}
	if enabled, ok := data["enabled"].(bool); ok {
		m.Enabled = enabled
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// manifestFromMetadata converts SDK metadata reported by a registered
// plugin into a validated manifest.
func manifestFromMetadata(md plugsdk.Metadata) (*Manifest, error) {
	m := &Manifest{
		Name:                 md.Name,
		Version:              md.Version,
		Description:          md.Description,
		Author:               md.Author,
		Homepage:             md.Homepage,
		Type:                 Type(md.Type),
		Priority:             Priority(md.Priority),
		Dependencies:         append([]string(nil), md.Dependencies...),
		OptionalDependencies: append([]string(nil), md.OptionalDependencies...),
		Conflicts:            append([]string(nil), md.Conflicts...),
		MinSystemVersion:     md.MinSystemVersion,
		MaxSystemVersion:     md.MaxSystemVersion,
		Capabilities:         append([]string(nil), md.Capabilities...),
		Permissions:          append([]string(nil), md.Permissions...),
		ConfigSchema:         md.ConfigSchema,
		DefaultConfig:        md.DefaultConfig,
		Enabled:              true,
		LoadOrder:            -1,
	}
	if m.Type == "" {
		m.Type = TypeExtension
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func stringKey(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func stringSliceKey(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
