package skills

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	p := filepath.Join(root, dir)
	if err := os.MkdirAll(p, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p, ManifestFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseManifest(t *testing.T) {
	content := "---\nname: weather\nversion: 1.2.0\ndescription: Forecasts\nentry_point: weather/main.py\n---\n# Weather\n"
	skill, err := ParseManifest([]byte(content), "dir-name")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if skill.Name != "weather" || skill.Version != "1.2.0" || skill.EntryPoint != "weather/main.py" {
		t.Errorf("skill = %+v", skill)
	}
	if !skill.Enabled {
		t.Error("skills are enabled unless the manifest says otherwise")
	}
}

func TestParseManifest_Defaults(t *testing.T) {
	skill, err := ParseManifest([]byte("---\nenabled: false\n---\n"), "notes")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if skill.Name != "notes" {
		t.Errorf("name = %q, want directory fallback", skill.Name)
	}
	if skill.Version != "0.0.0" {
		t.Errorf("version = %q", skill.Version)
	}
	if skill.Enabled {
		t.Error("enabled: false ignored")
	}
}

func TestParseManifest_Errors(t *testing.T) {
	if _, err := ParseManifest([]byte("# no frontmatter"), "x"); !errors.Is(err, ErrNoFrontmatter) {
		t.Errorf("got %v, want ErrNoFrontmatter", err)
	}
	if _, err := ParseManifest([]byte("---\nname: x\n"), "x"); !errors.Is(err, ErrUnterminated) {
		t.Errorf("got %v, want ErrUnterminated", err)
	}
	if _, err := ParseManifest([]byte("---\nname: [unclosed\n---\n"), "x"); err == nil {
		t.Error("expected YAML error")
	}
	if _, err := ParseManifest([]byte("---\nversion: 1\n---\n"), ""); err == nil {
		t.Error("expected error for nameless skill")
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "a-weather", "---\nname: weather\nversion: 1.0.0\n---\n")
	writeSkill(t, root, "b-weather-copy", "---\nname: weather\nversion: 2.0.0\n---\n")
	writeSkill(t, root, "c-broken", "no frontmatter here")
	writeSkill(t, root, "d-calendar", "---\nversion: 0.3.0\nentry_point: cal.js\n---\n")
	if err := os.MkdirAll(filepath.Join(root, "e-empty"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	skills, err := LoadDir(root, discardLogger())
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(skills) != 2 {
		t.Fatalf("loaded %d skills, want 2: %+v", len(skills), skills)
	}
	if skills[0].Name != "weather" || skills[0].Version != "1.0.0" {
		t.Errorf("first skill = %+v", skills[0])
	}
	if skills[1].Name != "d-calendar" || skills[1].EntryPoint != "cal.js" {
		t.Errorf("second skill = %+v", skills[1])
	}
}

func TestLoadDir_Missing(t *testing.T) {
	skills, err := LoadDir(filepath.Join(t.TempDir(), "absent"), discardLogger())
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(skills) != 0 {
		t.Errorf("got %d skills", len(skills))
	}
}
