package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, resolves its includes recursively, and
// returns the merged raw configuration. Keys in the including file take
// precedence over included files, recursively for nested maps.
func Load(path string) (*Config, error) {
	raw, err := loadMerged(path, make(map[string]bool))
	if err != nil {
		return nil, err
	}

	cfg, err := fromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Source = path

	// Credentials are usually injected via the environment rather
	// than written into the config file.
	cfg.LLMFallback.APIKey = os.ExpandEnv(cfg.LLMFallback.APIKey)

	return cfg, nil
}

// loadMerged loads one file as a raw map and folds every included file
// underneath it. visited guards against include cycles.
func loadMerged(path string, visited map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visited[abs] {
		return nil, fmt.Errorf("include cycle detected at %s", path)
	}
	visited[abs] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}

	includes, err := includePaths(raw, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for _, inc := range includes {
		included, err := loadMerged(inc, visited)
		if err != nil {
			return nil, fmt.Errorf("failed to load included file %s: %w", inc, err)
		}
		mergeRaw(raw, included)
	}

	return raw, nil
}

// includePaths extracts and expands the includes.files list. Entries
// are resolved relative to baseDir and may use doublestar globs
// (e.g. "rules.d/*.yaml"); a glob matching nothing contributes nothing.
func includePaths(raw map[string]any, baseDir string) ([]string, error) {
	section, ok := raw["includes"].(map[string]any)
	if !ok {
		return nil, nil
	}
	files, ok := section["files"].([]any)
	if !ok {
		return nil, nil
	}

	var paths []string
	for _, f := range files {
		pattern, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("includes.files entries must be strings, got %T", f)
		}
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		if matches == nil && !hasGlobMeta(pattern) {
			// A literal path that doesn't exist is a config error;
			// an empty glob is not.
			return nil, fmt.Errorf("included file not found: %s", pattern)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

func hasGlobMeta(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// mergeRaw folds other into base, base winning on conflicts. Nested
// maps merge recursively; everything else is kept as-is from base.
func mergeRaw(base, other map[string]any) {
	for key, val := range other {
		existing, present := base[key]
		if !present {
			base[key] = val
			continue
		}
		baseMap, ok1 := existing.(map[string]any)
		otherMap, ok2 := val.(map[string]any)
		if ok1 && ok2 {
			mergeRaw(baseMap, otherMap)
		}
	}
}

// fromRaw decodes a merged raw map into the typed Config. Reserved keys
// decode into their dedicated fields; every other top-level key is a
// rule section.
func fromRaw(raw map[string]any) (*Config, error) {
	cfg := &Config{
		Logging:     DefaultLogging(),
		LLMFallback: DefaultLLMFallback(),
		Sections:    make(map[string]Section),
	}

	for key, val := range raw {
		data, err := yaml.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode key %q: %w", key, err)
		}

		switch key {
		case "logging":
			if err := yaml.Unmarshal(data, &cfg.Logging); err != nil {
				return nil, fmt.Errorf("invalid logging config: %w", err)
			}
		case "llm_fallback":
			if err := yaml.Unmarshal(data, &cfg.LLMFallback); err != nil {
				return nil, fmt.Errorf("invalid llm_fallback config: %w", err)
			}
		case "includes":
			if err := yaml.Unmarshal(data, &cfg.Includes); err != nil {
				return nil, fmt.Errorf("invalid includes config: %w", err)
			}
		default:
			var s Section
			if err := yaml.Unmarshal(data, &s); err != nil {
				return nil, fmt.Errorf("invalid section %q: %w", key, err)
			}
			cfg.Sections[key] = s
		}
	}

	return cfg, nil
}
