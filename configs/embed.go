// Package configs embeds example tool catalogs selectable with -embedded-config.
package configs

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed *.yaml
var embeddedConfigs embed.FS

// Names returns the embedded catalog filenames.
func Names() []string {
	entries, err := fs.Glob(embeddedConfigs, "*.yaml")
	if err != nil {
		return nil
	}
	sort.Strings(entries)
	return entries
}

// Load returns an embedded catalog by filename. The .yaml suffix is optional.
func Load(name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("embedded config name is empty")
	}
	if path.Ext(name) == "" {
		name += ".yaml"
	}
	data, err := fs.ReadFile(embeddedConfigs, name)
	if err != nil {
		return nil, fmt.Errorf("read embedded config %q: %w", name, err)
	}
	return data, nil
}
