package transform

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed valuemaps.yaml
var defaultValueMaps []byte

// ValueMap translates one legacy enum into a target enum.
type ValueMap struct {
	Default string            `yaml:"default"`
	Values  map[string]string `yaml:"values"`
}

// Map returns the target value for v.
func (m ValueMap) Map(v string) string {
	key := strings.ToLower(strings.TrimSpace(v))
	if out, ok := m.Values[key]; ok {
		return out
	}
	if m.Default == "" {
		return v
	}
	return m.Default
}

// ValueMaps holds every named map, e.g. "ticket.status".
type ValueMaps map[string]ValueMap

// Map translates v with the named map. Unknown maps return v unchanged.
func (vm ValueMaps) Map(name, v string) string {
	m, ok := vm[name]
	if !ok {
		return v
	}
	return m.Map(v)
}

// ParseValueMaps decodes a YAML document of value maps and lower-cases keys.
func ParseValueMaps(data []byte) (ValueMaps, error) {
	raw := make(ValueMaps)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse value maps: %w", err)
	}
	out := make(ValueMaps, len(raw))
	for name, m := range raw {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			values[strings.ToLower(strings.TrimSpace(k))] = v
		}
		out[name] = ValueMap{Default: m.Default, Values: values}
	}
	return out, nil
}

// LoadValueMaps returns the built-in maps overlaid with the file at path.
// Overlay maps replace default values per key; an empty path loads defaults only.
func LoadValueMaps(path string) (ValueMaps, error) {
	base, err := ParseValueMaps(defaultValueMaps)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read value maps %s: %w", path, err)
	}
	overlay, err := ParseValueMaps(data)
	if err != nil {
		return nil, err
	}

	for name, m := range overlay {
		cur, ok := base[name]
		if !ok {
			base[name] = m
			continue
		}
		merged := maps.Clone(cur.Values)
		if merged == nil {
			merged = make(map[string]string, len(m.Values))
		}
		maps.Copy(merged, m.Values)
		if m.Default != "" {
			cur.Default = m.Default
		}
		cur.Values = merged
		base[name] = cur
	}
	return base, nil
}
