package runtime

import (
	"fmt"
	"os"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/pelletier/go-toml/v2"
)

// manifestFile is the on-disk TOML shape for a runtime manifest: a list of
// runtimes this daemon should know about, optionally auto-started.
type manifestFile struct {
	Version  int             `toml:"version"`
	Runtimes []manifestEntry `toml:"runtimes"`
}

type manifestEntry struct {
	ID          string            `toml:"id"`
	Adapter     string            `toml:"adapter"`
	Name        string            `toml:"name,omitempty"`
	Profile     string            `toml:"profile,omitempty"`
	Modalities  []string          `toml:"modalities,omitempty"`
	Accelerator string            `toml:"accelerator,omitempty"`
	Tags        map[string]string `toml:"tags,omitempty"`
	AutoStart   bool              `toml:"auto_start"`
	Preset      string            `toml:"preset,omitempty"`
}

func (e manifestEntry) toDefinition(source string) (model.RuntimeDefinition, error) {
	if e.ID == "" {
		return model.RuntimeDefinition{}, fmt.Errorf("runtime manifest entry missing id")
	}
	if e.Adapter == "" {
		return model.RuntimeDefinition{}, fmt.Errorf("runtime manifest entry %q missing adapter", e.ID)
	}
	return model.RuntimeDefinition{
		Descriptor: model.RuntimeDescriptor{
			ID:          e.ID,
			Adapter:     e.Adapter,
			Name:        e.Name,
			Profile:     e.Profile,
			Modalities:  e.Modalities,
			Accelerator: e.Accelerator,
			Tags:        e.Tags,
		},
		AdapterID: e.Adapter,
		AutoStart: e.AutoStart,
		Preset:    e.Preset,
		Source:    source,
	}, nil
}

// parseManifest parses the TOML bytes of one manifest file into its
// component runtime definitions, tagging each with source for later
// per-file reload diffing.
func parseManifest(raw []byte, source string) ([]model.RuntimeDefinition, error) {
	var doc manifestFile
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", source, err)
	}
	if doc.Version != 0 && doc.Version != 1 {
		return nil, fmt.Errorf("manifest %s: unsupported version %d", source, doc.Version)
	}
	defs := make([]model.RuntimeDefinition, 0, len(doc.Runtimes))
	for _, entry := range doc.Runtimes {
		def, err := entry.toDefinition(source)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", source, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// readManifestFile loads and parses the manifest at path.
func readManifestFile(path string) ([]model.RuntimeDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return parseManifest(raw, path)
}
