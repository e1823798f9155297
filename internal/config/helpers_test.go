package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/MrWong99/vocalink/internal/config"
)

func loadString(s string) (*config.Config, error) {
	return config.LoadFromReader(strings.NewReader(s))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}
