package dsl

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Load parses YAML bytes into Config, applies defaults and validates it.
// Unknown fields are rejected.
func Load(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
