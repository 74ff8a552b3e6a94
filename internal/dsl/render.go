package dsl

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
)

// envTracker records variables referenced by env that are not set.
type envTracker struct {
	missing map[string]struct{}
}

func (t *envTracker) markMissing(key string) {
	if t.missing == nil {
		t.missing = map[string]struct{}{}
	}
	t.missing[key] = struct{}{}
}

func (t *envTracker) Missing() []string {
	out := make([]string, 0, len(t.missing))
	for key := range t.missing {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func funcMap(tracker *envTracker) template.FuncMap {
	return template.FuncMap{
		"env": func(key string) string {
			value, ok := os.LookupEnv(key)
			if !ok {
				tracker.markMissing(key)
			}
			return value
		},
		"envOr": func(key, def string) string {
			if value, ok := os.LookupEnv(key); ok {
				return value
			}
			return def
		},
		"default": func(def, value string) string {
			if value == "" {
				return def
			}
			return value
		},
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
	}
}

// RenderFile loads and renders a YAML template file.
func RenderFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return RenderBytes(path, raw)
}

// RenderBytes renders a YAML template. Referencing an unset variable through
// env is an error listing every missing name.
func RenderBytes(name string, raw []byte) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		name = "config"
	}
	tracker := &envTracker{}
	tmpl, err := template.New(name).Funcs(funcMap(tracker)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	execErr := tmpl.Execute(&buf, map[string]any{})
	if missing := tracker.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("missing env vars: %s", strings.Join(missing, ", "))
	}
	if execErr != nil {
		return nil, fmt.Errorf("render template: %w", execErr)
	}
	return buf.Bytes(), nil
}
