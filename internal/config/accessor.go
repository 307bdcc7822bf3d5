package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// toMap renders cfg through its YAML tags so paths match the config file.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "queue.workers").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path and decodes the
// result back into cfg. The updated config is validated before cfg is
// touched.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for i := 0; i < len(parts)-1; i++ {
		child, ok := parent[parts[i]]
		if !ok || child == nil {
			newMap := make(map[string]any)
			parent[parts[i]] = newMap
			parent = newMap
			continue
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, parts[i])
		}
		parent = childMap
	}
	parent[parts[len(parts)-1]] = parseValue(value)

	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	updated := &Config{}
	if err := yaml.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("cannot set %s: %w", path, err)
	}
	if err := Validate(updated); err != nil {
		return err
	}
	*cfg = *updated
	return nil
}

// parseValue tries to convert string values to appropriate Go types.
// Durations such as "30s" stay strings; the YAML decoder parses them.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}

	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// secretKeys are provider config keys whose values are masked by Sanitize.
var secretKeys = []string{"secret", "token", "password", "key", "encrypt"}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := yaml.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	if copy.Server.AdminAPIKey != "" {
		copy.Server.AdminAPIKey = maskString(copy.Server.AdminAPIKey)
	}
	if copy.Queue.Redis.Password != "" {
		copy.Queue.Redis.Password = "***"
	}
	if copy.Responder.APIKey != "" {
		copy.Responder.APIKey = maskString(copy.Responder.APIKey)
	}
	for name, prov := range copy.Providers {
		for k, v := range prov.Config {
			if v != "" && isSecretKey(k) {
				prov.Config[k] = maskString(v)
			}
		}
		copy.Providers[name] = prov
	}

	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns all settable config paths with their current values.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenMap(path, val, result)
		default:
			result[path] = val
		}
	}
}
