// Package skills loads skill descriptors from SKILL.md manifests on disk.
//
// Each skill lives in its own directory with a SKILL.md file that starts with
// YAML frontmatter:
//
//	---
//	name: weather
//	version: 1.2.0
//	description: Current conditions and forecasts
//	entry_point: skills/weather/main.py
//	---
//	Free-form documentation follows.
package skills

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// ManifestFile is the file name looked up in each skill directory.
const ManifestFile = "SKILL.md"

var (
	ErrNoFrontmatter = errors.New("file does not start with frontmatter delimiter (---)")
	ErrUnterminated  = errors.New("no closing frontmatter delimiter found")
)

// Frontmatter is the YAML header of a SKILL.md file.
type Frontmatter struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	EntryPoint  string `yaml:"entry_point"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
}

// ParseManifest parses SKILL.md content. When the frontmatter has no name,
// fallbackName is used.
func ParseManifest(content []byte, fallbackName string) (protocol.InstalledSkill, error) {
	raw, err := extractFrontmatter(content)
	if err != nil {
		return protocol.InstalledSkill{}, err
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(raw, &fm); err != nil {
		return protocol.InstalledSkill{}, fmt.Errorf("parse frontmatter: %w", err)
	}

	skill := protocol.InstalledSkill{
		Name:        fm.Name,
		Version:     fm.Version,
		Description: fm.Description,
		EntryPoint:  fm.EntryPoint,
		Enabled:     true,
	}
	if skill.Name == "" {
		skill.Name = fallbackName
	}
	if skill.Name == "" {
		return protocol.InstalledSkill{}, fmt.Errorf("skill has no name")
	}
	if skill.Version == "" {
		skill.Version = "0.0.0"
	}
	if fm.Enabled != nil {
		skill.Enabled = *fm.Enabled
	}
	return skill, nil
}

// LoadDir reads every <dir>/<skill>/SKILL.md. Unreadable or invalid manifests
// are logged and skipped; the first manifest for a name wins. A missing dir
// yields no skills.
func LoadDir(dir string, logger *slog.Logger) ([]protocol.InstalledSkill, error) {
	logger = logger.With("component", "skills")

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		logger.Debug("skill directory does not exist", "path", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skill directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[string]bool)
	var out []protocol.InstalledSkill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		content, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			logger.Warn("failed to read skill manifest", "path", path, "error", err)
			continue
		}

		skill, err := ParseManifest(content, entry.Name())
		if err != nil {
			logger.Warn("failed to load skill", "path", path, "error", err)
			continue
		}
		if seen[skill.Name] {
			logger.Warn("duplicate skill name, keeping first", "name", skill.Name, "path", path)
			continue
		}
		seen[skill.Name] = true
		out = append(out, skill)
		logger.Debug("loaded skill", "name", skill.Name, "version", skill.Version, "path", path)
	}
	return out, nil
}

func extractFrontmatter(content []byte) ([]byte, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, ErrNoFrontmatter
	}
	rest := content[3:]
	idx := bytes.Index(rest, []byte("\n---"))
	if idx < 0 {
		return nil, ErrUnterminated
	}
	return rest[:idx], nil
}
