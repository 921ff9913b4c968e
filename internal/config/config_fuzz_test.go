package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// FuzzServerConfigTOML feeds random-ish values into a small TOML and ensures
// loading never panics.
func FuzzServerConfigTOML(f *testing.F) {
	f.Add(":3000", "playground.db", "info", "/api")
	f.Add("", "", "", "")
	f.Add("localhost:0", "postgres://x", "DEBUG", "no-slash")

	f.Fuzz(func(t *testing.T, listen, dsn, level, base string) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		var b strings.Builder
		b.WriteString("[server]\nlisten = \"" + clean(listen) + "\"\n")
		b.WriteString("base_path = \"" + clean(base) + "\"\n")
		b.WriteString("[store]\ndsn = \"" + clean(dsn) + "\"\n")
		b.WriteString("[log]\nlevel = \"" + clean(level) + "\"\n")
		p := filepath.Join(t.TempDir(), "fuzz.toml")
		if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		_, _ = LoadConfig(p) // must not panic
	})
}
